package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecord() *DeploymentRecord {
	return NewPendingRecord("Token", "0xabc", "0x1111111111111111111111111111111111111111", "0xexec", 42)
}

// =============================================================================
// Record Lifecycle Tests
// =============================================================================

func TestNewPendingRecord(t *testing.T) {
	r := newTestRecord()

	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, uint64(42), r.CreatedAtHeight)
	assert.Nil(t, r.AnchorTxRef)
	assert.NotZero(t, r.UpdatedAt)
	assert.False(t, r.IsUsable())
	assert.False(t, r.IsSettled())
}

func TestDeploymentRecord_FullLifecycle(t *testing.T) {
	r := newTestRecord()

	require.NoError(t, r.MarkExecConfirmed())
	assert.Equal(t, StatusExecConfirmed, r.Status)
	assert.True(t, r.IsUsable())
	assert.False(t, r.IsSettled())

	require.NoError(t, r.MarkFullyConfirmed("btc-tx-1"))
	assert.Equal(t, StatusFullyConfirmed, r.Status)
	require.NotNil(t, r.AnchorTxRef)
	assert.Equal(t, "btc-tx-1", *r.AnchorTxRef)
	assert.True(t, r.IsSettled())
}

func TestDeploymentRecord_CannotSkipExecConfirmation(t *testing.T) {
	r := newTestRecord()

	err := r.MarkFullyConfirmed("btc-tx-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusPending, r.Status)
	assert.Nil(t, r.AnchorTxRef)
}

func TestDeploymentRecord_MarkFailed(t *testing.T) {
	r := newTestRecord()
	require.NoError(t, r.MarkExecConfirmed())

	require.NoError(t, r.MarkFailed("anchor timeout"))
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, "anchor timeout", r.Error)

	// Failed is terminal; a retry writes a fresh pending record instead.
	assert.ErrorIs(t, r.MarkExecConfirmed(), ErrInvalidTransition)
}

func TestDeploymentRecord_FullyConfirmedIsTerminal(t *testing.T) {
	r := newTestRecord()
	require.NoError(t, r.MarkExecConfirmed())
	require.NoError(t, r.MarkFullyConfirmed(""))

	assert.Nil(t, r.AnchorTxRef)
	assert.ErrorIs(t, r.MarkFailed("late"), ErrInvalidTransition)
}

func TestDeploymentRecord_Clone(t *testing.T) {
	r := newTestRecord()
	require.NoError(t, r.MarkExecConfirmed())
	require.NoError(t, r.MarkFullyConfirmed("btc-tx-1"))

	c := r.Clone()
	*c.AnchorTxRef = "changed"
	c.Address = "0x2"

	assert.Equal(t, "btc-tx-1", *r.AnchorTxRef)
	assert.NotEqual(t, r.Address, c.Address)

	var nilRecord *DeploymentRecord
	assert.Nil(t, nilRecord.Clone())
}

// =============================================================================
// State Machine Tests
// =============================================================================

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to RecordStatus
		valid    bool
	}{
		{StatusPending, StatusExecConfirmed, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusFullyConfirmed, false},
		{StatusExecConfirmed, StatusFullyConfirmed, true},
		{StatusExecConfirmed, StatusFailed, true},
		{StatusExecConfirmed, StatusPending, false},
		{StatusFullyConfirmed, StatusFailed, false},
		{StatusFailed, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestValidateTransition_UnknownStatus(t *testing.T) {
	assert.ErrorIs(t, ValidateTransition("Deleted", StatusPending), ErrUnknownStatus)
}

func TestRecordStatus_Valid(t *testing.T) {
	assert.True(t, StatusPending.Valid())
	assert.True(t, StatusFullyConfirmed.Valid())
	assert.False(t, RecordStatus("running").Valid())
}
