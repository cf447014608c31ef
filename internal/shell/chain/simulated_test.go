package chain

import (
	"context"
	"testing"
	"time"

	"github.com/artpar/dualdeploy/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func submitUnits(t *testing.T, n *SimulatedNetwork, units ...domain.DeploymentUnit) *SubmitResult {
	t.Helper()
	payload, err := EncodeBatch(NewJSONEncoder(), domain.NewBatch(0, units))
	require.NoError(t, err)
	res, err := n.Submit(context.Background(), payload)
	require.NoError(t, err)
	require.NoError(t, res.Validate(payload))
	return res
}

func TestSimulatedNetwork_DeterministicAddresses(t *testing.T) {
	n := NewSimulatedNetwork(SimulatedConfig{}, nil)
	res := submitUnits(t, n, domain.NewDeployUnit("Token"), domain.NewDeployUnit("Vault"))

	token, _ := res.Unit("Token")
	assert.Equal(t, "0x5FbDB2315678afecb367f032d93F642f64180aa3", token.Address)

	vault, _ := res.Unit("Vault")
	assert.Equal(t, "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512", vault.Address)
	assert.NotEqual(t, token.ExecTxRef, vault.ExecTxRef)

	addr, ok := n.Address("Token")
	require.True(t, ok)
	assert.Equal(t, token.Address, addr)
}

func TestSimulatedNetwork_CallUsesTargetAddress(t *testing.T) {
	n := NewSimulatedNetwork(SimulatedConfig{}, nil)
	submitUnits(t, n, domain.NewDeployUnit("Faucet"))
	res := submitUnits(t, n, domain.NewCallUnit("configure", "Faucet", "configureToken", "0xabc"))

	call, _ := res.Unit("configure")
	faucet, _ := n.Address("Faucet")
	assert.Equal(t, faucet, call.Address)
}

func TestSimulatedNetwork_IndependentCadences(t *testing.T) {
	ctx := context.Background()
	n := NewSimulatedNetwork(SimulatedConfig{}, nil)
	res := submitUnits(t, n, domain.NewDeployUnit("Token"))
	unit, _ := res.Unit("Token")

	depth, err := n.Exec().ConfirmationDepth(ctx, unit.ExecTxRef)
	require.NoError(t, err)
	assert.Zero(t, depth)

	n.Mine(3)
	depth, err = n.Exec().ConfirmationDepth(ctx, unit.ExecTxRef)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), depth)

	anchorDepth, err := n.Anchor().ConfirmationDepth(ctx, res.AnchorTxRef)
	require.NoError(t, err)
	assert.Zero(t, anchorDepth, "the anchor chain has not produced a block yet")

	n.MineAnchor(1)
	anchorDepth, err = n.Anchor().ConfirmationDepth(ctx, res.AnchorTxRef)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), anchorDepth)

	head, err := n.Exec().HeadHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head)
}

func TestSimulatedNetwork_Faults(t *testing.T) {
	ctx := context.Background()
	n := NewSimulatedNetwork(SimulatedConfig{}, nil)
	n.DropNext("Dropped")
	n.RevertNext("Reverted")

	res := submitUnits(t, n, domain.NewDeployUnit("Dropped"), domain.NewDeployUnit("Reverted"))
	n.Mine(1)

	dropped, _ := res.Unit("Dropped")
	_, err := n.Exec().ConfirmationDepth(ctx, dropped.ExecTxRef)
	assert.ErrorIs(t, err, ErrTxDropped)

	reverted, _ := res.Unit("Reverted")
	_, err = n.Exec().ConfirmationDepth(ctx, reverted.ExecTxRef)
	assert.ErrorIs(t, err, ErrTxReverted)

	_, err = n.Exec().ConfirmationDepth(ctx, "0xunknown")
	assert.ErrorIs(t, err, ErrTxNotFound)

	// Faults are one-shot.
	again := submitUnits(t, n, domain.NewDeployUnit("Dropped"))
	n.Mine(1)
	unit, _ := again.Unit("Dropped")
	depth, err := n.Exec().ConfirmationDepth(ctx, unit.ExecTxRef)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), depth)
}

func TestSimulatedNetwork_Stall(t *testing.T) {
	ctx := context.Background()
	n := NewSimulatedNetwork(SimulatedConfig{}, nil)
	n.StallAnchor(true)
	res := submitUnits(t, n, domain.NewDeployUnit("Token"))

	n.MineAnchor(5)
	depth, err := n.Anchor().ConfirmationDepth(ctx, res.AnchorTxRef)
	require.NoError(t, err)
	assert.Zero(t, depth)

	n.StallAnchor(false)
	n.MineAnchor(2)
	depth, err = n.Anchor().ConfirmationDepth(ctx, res.AnchorTxRef)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), depth)
}

func TestSimulatedNetwork_FailSubmissions(t *testing.T) {
	n := NewSimulatedNetwork(SimulatedConfig{}, nil)
	n.FailSubmissions(1)

	payload, err := EncodeBatch(NewJSONEncoder(), domain.NewBatch(0, []domain.DeploymentUnit{domain.NewDeployUnit("A")}))
	require.NoError(t, err)

	_, err = n.Submit(context.Background(), payload)
	require.ErrorIs(t, err, ErrSubmission)
	assert.True(t, IsRetryable(err))
	assert.Zero(t, n.Submissions())

	_, err = n.Submit(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, 1, n.Submissions())
}

func TestSimulatedNetwork_StartProducesBlocks(t *testing.T) {
	n := NewSimulatedNetwork(SimulatedConfig{BlockInterval: time.Millisecond, AnchorInterval: 2 * time.Millisecond}, nil)
	n.Start(context.Background())
	defer n.Stop()

	assert.Eventually(t, func() bool {
		exec, _ := n.Exec().HeadHeight(context.Background())
		anchor, _ := n.Anchor().HeadHeight(context.Background())
		return exec >= 3 && anchor >= 2
	}, time.Second, time.Millisecond)
}

func TestSimulatedNetwork_SettlementRef(t *testing.T) {
	ctx := context.Background()
	n := NewSimulatedNetwork(SimulatedConfig{}, nil)
	n.OmitAnchorRefs(true)
	res := submitUnits(t, n, domain.NewDeployUnit("Token"))
	assert.Empty(t, res.AnchorTxRef)

	locator, ok := n.Anchor().(SettlementLocator)
	require.True(t, ok)

	_, err := locator.SettlementRef(ctx, res.ExecTxRef)
	assert.ErrorIs(t, err, ErrTxNotFound)

	n.MineAnchor(1)
	ref, err := locator.SettlementRef(ctx, res.ExecTxRef)
	require.NoError(t, err)
	depth, err := n.Anchor().ConfirmationDepth(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), depth)

	_, err = locator.SettlementRef(ctx, "0xunknown")
	assert.ErrorIs(t, err, ErrTxNotFound)
}
