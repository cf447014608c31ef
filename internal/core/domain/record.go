package domain

import (
	"errors"
	"time"
)

// =============================================================================
// Record Errors
// =============================================================================

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownStatus     = errors.New("unknown record status")
)

// =============================================================================
// Record Status
// =============================================================================

type RecordStatus string

const (
	StatusPending        RecordStatus = "Pending"
	StatusExecConfirmed  RecordStatus = "ExecConfirmed"
	StatusFullyConfirmed RecordStatus = "FullyConfirmed"
	StatusFailed         RecordStatus = "Failed"
)

// Valid reports whether s is one of the persisted status values.
func (s RecordStatus) Valid() bool {
	switch s {
	case StatusPending, StatusExecConfirmed, StatusFullyConfirmed, StatusFailed:
		return true
	}
	return false
}

// =============================================================================
// Deployment Record
// =============================================================================

// DeploymentRecord is the last known deployment state of a named unit.
//
// The JSON field names are the on-disk contract between runs. Fields may be
// added (as optional) but existing ones must never be renamed or removed.
type DeploymentRecord struct {
	Name                string       `json:"-"`
	Address             string       `json:"address"`
	ConstructorArgsHash string       `json:"constructorArgsHash"`
	ExecutionTxRef      string       `json:"executionTxRef"`
	AnchorTxRef         *string      `json:"anchorTxRef"`
	Status              RecordStatus `json:"status"`
	CreatedAtHeight     uint64       `json:"createdAtHeight"`

	// Optional fields added after the initial layout.
	Kind      UnitKind  `json:"kind,omitempty"`
	BatchID   string    `json:"batchId,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// NewPendingRecord creates the record written the instant a batch containing
// the unit is submitted. Any previous record for the name is superseded.
func NewPendingRecord(name, argsHash, address, execTxRef string, height uint64) *DeploymentRecord {
	return &DeploymentRecord{
		Name:                name,
		Address:             address,
		ConstructorArgsHash: argsHash,
		ExecutionTxRef:      execTxRef,
		Status:              StatusPending,
		CreatedAtHeight:     height,
		UpdatedAt:           time.Now().UTC(),
	}
}

// Clone returns a deep copy of the record.
func (r *DeploymentRecord) Clone() *DeploymentRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.AnchorTxRef != nil {
		ref := *r.AnchorTxRef
		c.AnchorTxRef = &ref
	}
	return &c
}

// IsSettled reports whether both ledgers confirmed the record.
func (r *DeploymentRecord) IsSettled() bool {
	return r != nil && r.Status == StatusFullyConfirmed
}

// IsUsable reports whether later units may reference the record's address.
// Execution-layer confirmation is enough for ordering purposes.
func (r *DeploymentRecord) IsUsable() bool {
	return r != nil && (r.Status == StatusExecConfirmed || r.Status == StatusFullyConfirmed)
}

// Transition moves the record to a new status.
func (r *DeploymentRecord) Transition(to RecordStatus) error {
	if err := ValidateTransition(r.Status, to); err != nil {
		return err
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	if to != StatusFailed {
		r.Error = ""
	}
	return nil
}

// MarkExecConfirmed records execution-layer finality.
func (r *DeploymentRecord) MarkExecConfirmed() error {
	return r.Transition(StatusExecConfirmed)
}

// MarkFullyConfirmed records anchor-chain settlement.
func (r *DeploymentRecord) MarkFullyConfirmed(anchorTxRef string) error {
	if err := r.Transition(StatusFullyConfirmed); err != nil {
		return err
	}
	if anchorTxRef != "" {
		r.AnchorTxRef = &anchorTxRef
	}
	return nil
}

// MarkFailed transitions to failed with a diagnostic message.
func (r *DeploymentRecord) MarkFailed(message string) error {
	if err := r.Transition(StatusFailed); err != nil {
		return err
	}
	r.Error = message
	return nil
}

// =============================================================================
// State Machine
// =============================================================================

// validTransitions defines the allowed status changes of a stored record.
// Re-submission under the same name replaces the record with a fresh Pending
// one and is not a transition.
var validTransitions = map[RecordStatus][]RecordStatus{
	StatusPending:        {StatusExecConfirmed, StatusFailed},
	StatusExecConfirmed:  {StatusFullyConfirmed, StatusFailed},
	StatusFullyConfirmed: {}, // Terminal until an explicit reset
	StatusFailed:         {},
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to RecordStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrUnknownStatus
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return ErrInvalidTransition
}
