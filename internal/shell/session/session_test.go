package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/artpar/dualdeploy/internal/core/domain"
	"github.com/artpar/dualdeploy/internal/core/intent"
	"github.com/artpar/dualdeploy/internal/core/resolver"
	"github.com/artpar/dualdeploy/internal/core/tracking"
	"github.com/artpar/dualdeploy/internal/shell/chain"
	"github.com/artpar/dualdeploy/internal/shell/store"
	"github.com/artpar/dualdeploy/internal/shell/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type eventLog struct {
	mu     sync.Mutex
	events []tracking.Event
}

func (l *eventLog) Emit(e tracking.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

// index returns the position of the first event of typ for a batch holding
// unit, or -1.
func (l *eventLog) index(typ tracking.EventType, unit string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.events {
		if e.Type != typ {
			continue
		}
		for _, u := range e.Units {
			if u == unit {
				return i
			}
		}
	}
	return -1
}

type fixture struct {
	net   *chain.SimulatedNetwork
	store store.Store
	log   *eventLog
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	net := chain.NewSimulatedNetwork(chain.SimulatedConfig{
		BlockInterval:  2 * time.Millisecond,
		AnchorInterval: 5 * time.Millisecond,
	}, nil)
	net.Start(context.Background())
	t.Cleanup(net.Stop)

	return &fixture{net: net, store: s, log: &eventLog{}}
}

func testConfig() Config {
	return Config{
		Requirement: domain.ConfirmationRequirement{ExecConfirmations: 2, AnchorConfirmations: 1},
		Tracker: tracker.Config{
			PollInterval:  time.Millisecond,
			ExecTimeout:   5 * time.Second,
			AnchorTimeout: 5 * time.Second,
			SubmitBackoff: time.Millisecond,
		},
	}
}

func (f *fixture) deps() Deps {
	return Deps{
		Store:     f.store,
		Submitter: f.net,
		Exec:      f.net.Exec(),
		Anchor:    f.net.Anchor(),
		Sink:      f.log,
	}
}

func (f *fixture) session(t *testing.T, cfg Config) *Session {
	t.Helper()
	s, err := Initialize(context.Background(), cfg, f.deps())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func addTokenAndVault(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.AddDeployIntent(DeployRequest{Name: "Token", Args: []any{"X", "Y", 1000}}))
	require.NoError(t, s.AddDeployIntent(DeployRequest{Name: "Vault", DependsOn: []string{"Token"}}))
}

// =============================================================================
// Initialize Tests
// =============================================================================

func TestInitialize_ConfigurationErrors(t *testing.T) {
	f := setupFixture(t)

	tests := []struct {
		name   string
		mutate func(*Config, *Deps)
		field  string
	}{
		{"zero exec depth", func(c *Config, _ *Deps) { c.Requirement.ExecConfirmations = 0 }, "confirmations"},
		{"zero anchor depth", func(c *Config, _ *Deps) { c.Requirement.AnchorConfirmations = 0 }, "confirmations"},
		{"negative batch size", func(c *Config, _ *Deps) { c.MaxBatchSize = -1 }, "batch.max_size"},
		{"no submitter", func(_ *Config, d *Deps) { d.Submitter = nil }, "submitter"},
		{"no exec reader", func(_ *Config, d *Deps) { d.Exec = nil }, "exec"},
		{"no anchor reader", func(_ *Config, d *Deps) { d.Anchor = nil }, "anchor"},
		{"unknown store driver", func(c *Config, d *Deps) {
			d.Store = nil
			c.Store = store.Options{Driver: "mongodb"}
		}, "store.driver"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, deps := testConfig(), f.deps()
			tt.mutate(&cfg, &deps)

			_, err := Initialize(context.Background(), cfg, deps)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)

			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestInitialize_OpensConfiguredStore(t *testing.T) {
	f := setupFixture(t)
	cfg := testConfig()
	cfg.Store = store.Options{Driver: store.DriverFile, Path: t.TempDir() + "/regtest.json"}
	deps := f.deps()
	deps.Store = nil

	s, err := Initialize(context.Background(), cfg, deps)
	require.NoError(t, err)
	assert.IsType(t, &store.FileStore{}, s.Store())
	require.NoError(t, s.Close())

	_, err = s.Get(context.Background(), "Token")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

// =============================================================================
// Intent Tests
// =============================================================================

func TestSession_DuplicateIntent(t *testing.T) {
	s := setupFixture(t).session(t, testConfig())
	require.NoError(t, s.AddDeployIntent(DeployRequest{Name: "Token"}))

	err := s.AddCallIntent(CallRequest{Name: "Token", Target: "Token", Method: "mint"})
	assert.ErrorIs(t, err, intent.ErrDuplicateName)

	var dup *intent.DuplicateNameError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, domain.KindDeploy, dup.Existing)
	assert.Len(t, s.Pending(), 1)
}

func TestSession_InvalidCallIntent(t *testing.T) {
	s := setupFixture(t).session(t, testConfig())
	err := s.AddCallIntent(CallRequest{Name: "mint", Method: "mint"})
	assert.ErrorIs(t, err, domain.ErrMissingTarget)
}

// =============================================================================
// Execute Tests
// =============================================================================

func TestExecute_EmptyQueueIsNoop(t *testing.T) {
	f := setupFixture(t)
	s := f.session(t, testConfig())

	result, err := s.Execute(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Records)
	assert.Empty(t, result.Batches)
	assert.Equal(t, 0, f.net.Submissions())
}

func TestExecute_TokenThenVault(t *testing.T) {
	f := setupFixture(t)
	s := f.session(t, testConfig())
	ctx := context.Background()
	addTokenAndVault(t, s)

	result, err := s.Execute(ctx)
	require.NoError(t, err)

	require.Len(t, result.Batches, 2)
	assert.Equal(t, []string{"Token"}, result.Batches[0].Units)
	assert.Equal(t, []string{"Vault"}, result.Batches[1].Units)
	assert.Equal(t, 2, f.net.Submissions())

	// Vault is only submitted after Token is confirmed on the execution layer.
	tokenConfirmed := f.log.index(tracking.EventExecConfirmed, "Token")
	vaultSubmitted := f.log.index(tracking.EventSubmitted, "Vault")
	require.NotEqual(t, -1, tokenConfirmed)
	require.NotEqual(t, -1, vaultSubmitted)
	assert.Less(t, tokenConfirmed, vaultSubmitted)

	token, err := s.Get(ctx, "Token")
	require.NoError(t, err)
	vault, err := s.Get(ctx, "Vault")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFullyConfirmed, token.Status)
	assert.Equal(t, domain.StatusFullyConfirmed, vault.Status)
	assert.NotEqual(t, token.Address, vault.Address)
	require.NotNil(t, token.AnchorTxRef)

	require.Len(t, result.Records, 2)
	assert.Equal(t, token.Address, result.Record("Token").Address)
	assert.Empty(t, s.Pending(), "covered intents are cleared on success")
}

func TestExecute_RerunIsIdempotent(t *testing.T) {
	f := setupFixture(t)
	s := f.session(t, testConfig())
	ctx := context.Background()

	addTokenAndVault(t, s)
	first, err := s.Execute(ctx)
	require.NoError(t, err)
	submissions := f.net.Submissions()

	addTokenAndVault(t, s)
	second, err := s.Execute(ctx)
	require.NoError(t, err)

	assert.Empty(t, second.Batches)
	assert.Equal(t, submissions, f.net.Submissions())
	assert.ElementsMatch(t, []string{"Token", "Vault"}, second.Skipped)
	assert.Equal(t, first.Record("Token").Address, second.Record("Token").Address)
	assert.Equal(t, first.Record("Vault").Address, second.Record("Vault").Address)
}

func TestExecute_RerunAcrossSessions(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	first := f.session(t, testConfig())
	addTokenAndVault(t, first)
	_, err := first.Execute(ctx)
	require.NoError(t, err)
	token, err := first.Get(ctx, "Token")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := f.session(t, testConfig())
	addTokenAndVault(t, second)
	result, err := second.Execute(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Batches)

	again, err := second.Get(ctx, "Token")
	require.NoError(t, err)
	assert.Equal(t, token.Address, again.Address)
}

func TestExecute_ArgumentDrift(t *testing.T) {
	f := setupFixture(t)
	s := f.session(t, testConfig())
	ctx := context.Background()

	require.NoError(t, s.AddDeployIntent(DeployRequest{Name: "X", Args: []any{"a"}}))
	_, err := s.Execute(ctx)
	require.NoError(t, err)
	before, err := s.Get(ctx, "X")
	require.NoError(t, err)
	submissions := f.net.Submissions()

	require.NoError(t, s.AddDeployIntent(DeployRequest{Name: "X", Args: []any{"b"}}))
	_, err = s.Execute(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, resolver.ErrArgumentDrift)

	var execErr *ExecuteError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, []string{"X"}, execErr.Names)
	require.NotNil(t, execErr.Record("X"))
	assert.Equal(t, before.ConstructorArgsHash, execErr.Record("X").ConstructorArgsHash)

	after, err := s.Get(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Address, after.Address)
	assert.Equal(t, before.ConstructorArgsHash, after.ConstructorArgsHash)
	assert.Equal(t, submissions, f.net.Submissions())

	// The queue is kept so the caller can fix the intent set.
	assert.Len(t, s.Pending(), 1)
	s.Clear()
	assert.Empty(t, s.Pending())
}

func TestExecute_CyclicDependency(t *testing.T) {
	s := setupFixture(t).session(t, testConfig())
	require.NoError(t, s.AddDeployIntent(DeployRequest{Name: "A", DependsOn: []string{"B"}}))
	require.NoError(t, s.AddDeployIntent(DeployRequest{Name: "B", DependsOn: []string{"A"}}))

	_, err := s.Execute(context.Background())
	assert.ErrorIs(t, err, resolver.ErrCyclicDependency)

	var execErr *ExecuteError
	require.ErrorAs(t, err, &execErr)
	assert.ElementsMatch(t, []string{"A", "B"}, execErr.Names)

	// The session stays usable after the caller fixes the intents.
	s.Clear()
	require.NoError(t, s.AddDeployIntent(DeployRequest{Name: "A"}))
	_, err = s.Execute(context.Background())
	assert.NoError(t, err)
}

func TestExecute_UnknownDependency(t *testing.T) {
	s := setupFixture(t).session(t, testConfig())
	require.NoError(t, s.AddDeployIntent(DeployRequest{Name: "Vault", DependsOn: []string{"Token"}}))

	_, err := s.Execute(context.Background())
	assert.ErrorIs(t, err, resolver.ErrUnknownDependency)
}

func TestExecute_CallOnDeployedTarget(t *testing.T) {
	f := setupFixture(t)
	s := f.session(t, testConfig())
	ctx := context.Background()

	require.NoError(t, s.AddDeployIntent(DeployRequest{Name: "mUSDT", Contract: "ERC20", Args: []any{"mUSDT", 6}}))
	require.NoError(t, s.AddCallIntent(CallRequest{Name: "mUSDT.mint", Target: "mUSDT", Method: "mint", Args: []any{1000}}))

	result, err := s.Execute(ctx)
	require.NoError(t, err)
	require.Len(t, result.Batches, 2)

	call := result.Record("mUSDT.mint")
	require.NotNil(t, call)
	assert.Equal(t, domain.KindCall, call.Kind)
	assert.Equal(t, result.Record("mUSDT").Address, call.Address)
}

func TestExecute_WithTagsLeavesOthersQueued(t *testing.T) {
	s := setupFixture(t).session(t, testConfig())
	require.NoError(t, s.AddDeployIntent(DeployRequest{Name: "Token", Tags: []string{"tokens"}}))
	require.NoError(t, s.AddDeployIntent(DeployRequest{Name: "Faucet", Tags: []string{"faucet"}, DependsOn: []string{"tokens"}}))
	require.NoError(t, s.AddDeployIntent(DeployRequest{Name: "Oracle", Tags: []string{"oracle"}}))

	result, err := s.Execute(context.Background(), WithTags("faucet"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Oracle"}, result.Filtered)
	assert.NotNil(t, result.Record("Token"))
	assert.NotNil(t, result.Record("Faucet"))

	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "Oracle", pending[0].Name)
}

func TestExecute_MaxBatchSize(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBatchSize = 1
	s := setupFixture(t).session(t, cfg)
	for _, name := range []string{"A", "B", "C"} {
		require.NoError(t, s.AddDeployIntent(DeployRequest{Name: name}))
	}

	result, err := s.Execute(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Batches, 3)
}

func TestExecute_AnchorTimeoutLeavesExecConfirmed(t *testing.T) {
	f := setupFixture(t)
	cfg := testConfig()
	cfg.Tracker.AnchorTimeout = 30 * time.Millisecond
	s := f.session(t, cfg)
	ctx := context.Background()
	f.net.StallAnchor(true)

	addTokenAndVault(t, s)
	_, err := s.Execute(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, tracker.ErrTimeout)

	var execErr *ExecuteError
	require.ErrorAs(t, err, &execErr)
	assert.NotEmpty(t, execErr.Names)

	token, err := s.Get(ctx, "Token")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecConfirmed, token.Status)
	assert.Nil(t, token.AnchorTxRef)
	assert.Equal(t, domain.StatusExecConfirmed, execErr.Record("Token").Status)

	// Retrying once the anchor chain recovers settles everything.
	f.net.StallAnchor(false)
	result, err := s.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFullyConfirmed, result.Record("Token").Status)
	assert.Equal(t, domain.StatusFullyConfirmed, result.Record("Vault").Status)
}

func TestExecute_RevertNamesFailingUnit(t *testing.T) {
	f := setupFixture(t)
	s := f.session(t, testConfig())
	ctx := context.Background()
	f.net.RevertNext("Vault")

	addTokenAndVault(t, s)
	_, err := s.Execute(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, tracker.ErrBatchFailed)

	var execErr *ExecuteError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, []string{"Vault"}, execErr.Names)
	assert.Equal(t, domain.StatusFailed, execErr.Record("Vault").Status)

	// A failed record is re-submitted on the next execute.
	result, err := s.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFullyConfirmed, result.Record("Vault").Status)
}

func TestExecute_SubmissionRetries(t *testing.T) {
	f := setupFixture(t)
	s := f.session(t, testConfig())
	f.net.FailSubmissions(2)

	require.NoError(t, s.AddDeployIntent(DeployRequest{Name: "Token"}))
	_, err := s.Execute(context.Background())
	require.NoError(t, err)
}

func TestExecute_Cancelled(t *testing.T) {
	f := setupFixture(t)
	s := f.session(t, testConfig())
	f.net.StallExec(true)

	require.NoError(t, s.AddDeployIntent(DeployRequest{Name: "Token"}))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := s.Execute(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	rec, err := s.Get(context.Background(), "Token")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, rec.Status)
}

// =============================================================================
// Concurrency Tests
// =============================================================================

func TestExecute_OverlapIsRejected(t *testing.T) {
	f := setupFixture(t)
	s := f.session(t, testConfig())
	f.net.StallExec(true)
	require.NoError(t, s.AddDeployIntent(DeployRequest{Name: "Token"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return f.net.Submissions() == 1 }, time.Second, time.Millisecond)

	_, err := s.Execute(context.Background())
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.ErrorIs(t, s.AddDeployIntent(DeployRequest{Name: "Vault"}), ErrSessionBusy)
	assert.ErrorIs(t, s.Reset(context.Background(), "Token"), ErrSessionBusy)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestExecute_StoreLeaseHeldElsewhere(t *testing.T) {
	f := setupFixture(t)
	s := f.session(t, testConfig())
	ctx := context.Background()
	require.NoError(t, f.store.AcquireLease(ctx, "other-process", time.Minute))

	require.NoError(t, s.AddDeployIntent(DeployRequest{Name: "Token"}))
	_, err := s.Execute(ctx)
	require.Error(t, err)

	var busy *SessionBusyError
	require.True(t, errors.As(err, &busy))
	assert.ErrorIs(t, err, store.ErrBusy)
	assert.Equal(t, 0, f.net.Submissions())

	require.NoError(t, f.store.ReleaseLease(ctx, "other-process"))
	_, err = s.Execute(ctx)
	assert.NoError(t, err)
}

func TestExecute_LeaseRenewedDuringLongWait(t *testing.T) {
	f := setupFixture(t)
	cfg := testConfig()
	cfg.LeaseTTL = 50 * time.Millisecond
	first := f.session(t, cfg)
	second := f.session(t, cfg)
	f.net.StallAnchor(true)

	require.NoError(t, first.AddDeployIntent(DeployRequest{Name: "Token"}))
	done := make(chan error, 1)
	go func() {
		_, err := first.Execute(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool { return f.net.Submissions() == 1 }, time.Second, time.Millisecond)
	time.Sleep(3 * cfg.LeaseTTL)

	require.NoError(t, second.AddDeployIntent(DeployRequest{Name: "Other"}))
	_, err := second.Execute(context.Background())
	require.Error(t, err)

	var busy *SessionBusyError
	require.ErrorAs(t, err, &busy)
	assert.ErrorIs(t, err, store.ErrBusy)
	assert.Equal(t, []string{"Other"}, busy.Names)
	require.NotNil(t, busy.Record("Token"))
	assert.Equal(t, 1, f.net.Submissions())

	f.net.StallAnchor(false)
	require.NoError(t, <-done)
}

// losingLeaseStore refuses lease renewals once lose is set.
type losingLeaseStore struct {
	store.Store
	lose atomic.Bool
}

func (s *losingLeaseStore) AcquireLease(ctx context.Context, owner string, ttl time.Duration) error {
	if s.lose.Load() {
		return store.NewStoreError("AcquireLease", "lease", owner, "taken over", store.ErrBusy)
	}
	return s.Store.AcquireLease(ctx, owner, ttl)
}

func TestExecute_LostLeaseAbortsExecute(t *testing.T) {
	f := setupFixture(t)
	cfg := testConfig()
	cfg.LeaseTTL = 30 * time.Millisecond
	st := &losingLeaseStore{Store: f.store}
	deps := f.deps()
	deps.Store = st

	s, err := Initialize(context.Background(), cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	f.net.StallExec(true)

	require.NoError(t, s.AddDeployIntent(DeployRequest{Name: "Token"}))
	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool { return f.net.Submissions() == 1 }, time.Second, time.Millisecond)
	st.lose.Store(true)

	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("execute kept running without a lease")
	}

	var busy *SessionBusyError
	require.ErrorAs(t, err, &busy)
	assert.ErrorIs(t, err, store.ErrBusy)
	assert.Equal(t, []string{"Token"}, busy.Names)
	assert.Equal(t, []string{"Token"}, unitNames(s.Pending()))
}

func TestSessionBusyError_CarriesQueuedNames(t *testing.T) {
	f := setupFixture(t)
	s := f.session(t, testConfig())
	ctx := context.Background()

	require.NoError(t, f.store.Put(ctx, domain.NewPendingRecord("Token", "0xaa", "0x01", "", 1)))
	require.NoError(t, f.store.AcquireLease(ctx, "other-process", time.Minute))
	require.NoError(t, s.AddDeployIntent(DeployRequest{Name: "Vault"}))

	_, err := s.Execute(ctx)
	var busy *SessionBusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, []string{"Vault"}, busy.Names)
	assert.Equal(t, domain.StatusPending, busy.Record("Token").Status)
	assert.Contains(t, err.Error(), "[Vault]")

	err = s.Reset(ctx, "Token")
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, []string{"Token"}, busy.Names)
}

// =============================================================================
// Query Tests
// =============================================================================

func TestSession_GetAbsent(t *testing.T) {
	s := setupFixture(t).session(t, testConfig())
	rec, err := s.Get(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSession_Reset(t *testing.T) {
	f := setupFixture(t)
	s := f.session(t, testConfig())
	ctx := context.Background()

	require.NoError(t, s.AddDeployIntent(DeployRequest{Name: "Token"}))
	first, err := s.Execute(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Reset(ctx, "Token"))
	rec, err := s.Get(ctx, "Token")
	require.NoError(t, err)
	assert.Nil(t, rec)

	assert.ErrorIs(t, s.Reset(ctx, "Token"), store.ErrNotFound)

	// A reset unit is deployed afresh.
	require.NoError(t, s.AddDeployIntent(DeployRequest{Name: "Token"}))
	second, err := s.Execute(ctx)
	require.NoError(t, err)
	require.Len(t, second.Batches, 1)
	assert.NotEqual(t, first.Record("Token").Address, second.Record("Token").Address)
}

func TestSession_Closed(t *testing.T) {
	s := setupFixture(t).session(t, testConfig())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.AddDeployIntent(DeployRequest{Name: "Token"}), ErrSessionClosed)
	_, err := s.Execute(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.Reset(context.Background(), "Token"), ErrSessionClosed)
}
