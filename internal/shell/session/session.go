// Package session provides the orchestration session calling scripts use:
// queue intents, execute them against both ledgers, and query the artifact
// store.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/artpar/dualdeploy/internal/core/domain"
	"github.com/artpar/dualdeploy/internal/core/intent"
	"github.com/artpar/dualdeploy/internal/core/resolver"
	"github.com/artpar/dualdeploy/internal/shell/chain"
	"github.com/artpar/dualdeploy/internal/shell/store"
	"github.com/artpar/dualdeploy/internal/shell/tracker"
)

// =============================================================================
// Orchestrator Interface
// =============================================================================

// Orchestrator is the contract between deployment scripts and the session.
type Orchestrator interface {
	AddDeployIntent(req DeployRequest) error
	AddCallIntent(req CallRequest) error
	Execute(ctx context.Context, opts ...ExecuteOption) (*ExecuteResult, error)
	Get(ctx context.Context, name string) (*domain.DeploymentRecord, error)
	Reset(ctx context.Context, name string) error
	Clear()
	Close() error
}

// DeployRequest asks for a contract deployment.
type DeployRequest struct {
	Name      string
	Contract  string // Defaults to Name
	Args      []any
	Tags      []string
	DependsOn []string
}

// CallRequest asks for a method invocation on a deployed unit.
type CallRequest struct {
	Name      string
	Target    string
	Method    string
	Args      []any
	Tags      []string
	DependsOn []string
}

// ExecuteResult reports what one execute call did.
type ExecuteResult struct {
	// Records holds the final record of every unit the call covered:
	// submitted units in submission order, then skipped ones.
	Records []*domain.DeploymentRecord

	Batches  []BatchReport
	Skipped  []string // Already FullyConfirmed with the same arguments
	Filtered []string // Left queued by tag filters
}

// Record returns the result record of name, or nil.
func (r *ExecuteResult) Record(name string) *domain.DeploymentRecord {
	for _, rec := range r.Records {
		if rec.Name == name {
			return rec
		}
	}
	return nil
}

// BatchReport summarizes one submitted batch.
type BatchReport struct {
	ID          string
	Units       []string
	Attempts    int
	AnchorTxRef string
}

// ExecuteOption adjusts one execute call.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	tags []string
}

// WithTags limits the call to units carrying one of the tags, plus their
// dependencies. Other units stay queued.
func WithTags(tags ...string) ExecuteOption {
	return func(o *executeOptions) {
		o.tags = append(o.tags, tags...)
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a session.
type Config struct {
	Requirement  domain.ConfirmationRequirement
	MaxBatchSize int            // 0 means unlimited
	Tracker      tracker.Config // Requirement is taken from the session
	LeaseTTL     time.Duration  // Default: store.DefaultLeaseTTL
	Store        store.Options  // Used when Deps.Store is nil
}

// Deps are the collaborators of a session.
type Deps struct {
	Store     store.Store // Opened from Config.Store when nil
	Submitter chain.Submitter
	Exec      chain.LedgerReader
	Anchor    chain.LedgerReader
	Encoder   chain.Encoder
	Sink      tracker.EventSink
	Logger    *slog.Logger
}

// =============================================================================
// Session
// =============================================================================

// Session is a single-flow Orchestrator. Execute is not re-entrant; an
// overlapping call on the same session or the same store is rejected.
type Session struct {
	id        string
	store     store.Store
	ownsStore bool
	tracker   *tracker.Tracker
	maxBatch  int
	leaseTTL  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	queue   *intent.Queue
	running bool
	closed  bool
}

var _ Orchestrator = (*Session)(nil)

// Initialize validates config and builds a session. The store is opened
// from config when deps carry none, and is then closed by Close.
func Initialize(ctx context.Context, config Config, deps Deps) (*Session, error) {
	if err := config.Requirement.Validate(); err != nil {
		return nil, &ConfigurationError{Field: "confirmations", Message: "depths must be at least 1", Err: err}
	}
	if config.MaxBatchSize < 0 {
		return nil, &ConfigurationError{Field: "batch.max_size", Message: fmt.Sprintf("must not be negative, got %d", config.MaxBatchSize)}
	}
	switch {
	case deps.Submitter == nil:
		return nil, &ConfigurationError{Field: "submitter", Message: "transaction submitter is required"}
	case deps.Exec == nil:
		return nil, &ConfigurationError{Field: "exec", Message: "execution-layer reader is required"}
	case deps.Anchor == nil:
		return nil, &ConfigurationError{Field: "anchor", Message: "anchor-chain reader is required"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	st, owns := deps.Store, false
	if st == nil {
		opened, err := store.Open(config.Store)
		if err != nil {
			if errors.Is(err, store.ErrUnknownDriver) {
				return nil, &ConfigurationError{Field: "store.driver", Message: "unsupported driver", Err: err}
			}
			return nil, fmt.Errorf("open artifact store: %w", err)
		}
		st, owns = opened, true
	}

	trackerConfig := config.Tracker
	trackerConfig.Requirement = config.Requirement
	tr, err := tracker.New(tracker.Deps{
		Store:     st,
		Submitter: deps.Submitter,
		Exec:      deps.Exec,
		Anchor:    deps.Anchor,
		Encoder:   deps.Encoder,
		Sink:      deps.Sink,
	}, trackerConfig, logger)
	if err != nil {
		if owns {
			st.Close()
		}
		return nil, &ConfigurationError{Field: "tracker", Message: "invalid tracker", Err: err}
	}

	leaseTTL := config.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = store.DefaultLeaseTTL
	}

	s := &Session{
		id:        uuid.New().String(),
		store:     st,
		ownsStore: owns,
		tracker:   tr,
		maxBatch:  config.MaxBatchSize,
		leaseTTL:  leaseTTL,
		queue:     intent.NewQueue(),
	}
	s.logger = logger.With("component", "session", "session_id", s.id)
	return s, nil
}

// ID returns the session identifier used as store lease owner.
func (s *Session) ID() string {
	return s.id
}

// Store returns the artifact store of the session.
func (s *Session) Store() store.Store {
	return s.store
}

// Pending returns the queued intents in declaration order.
func (s *Session) Pending() []domain.DeploymentUnit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Units()
}

// Clear drops every queued intent.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.Clear()
}

// =============================================================================
// Intents
// =============================================================================

// AddDeployIntent queues a deployment.
func (s *Session) AddDeployIntent(req DeployRequest) error {
	unit := domain.NewDeployUnit(req.Name, req.Args...)
	if req.Contract != "" {
		unit.Contract = req.Contract
	}
	unit.Tags = req.Tags
	unit.DependsOn = req.DependsOn
	return s.enqueue(unit)
}

// AddCallIntent queues a method call.
func (s *Session) AddCallIntent(req CallRequest) error {
	unit := domain.NewCallUnit(req.Name, req.Target, req.Method, req.Args...)
	unit.Tags = req.Tags
	unit.DependsOn = req.DependsOn
	return s.enqueue(unit)
}

func (s *Session) enqueue(unit domain.DeploymentUnit) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.running:
		s.mu.Unlock()
		return s.busyError(context.Background(), "intents cannot be added while executing", []string{unit.Name}, nil)
	}
	defer s.mu.Unlock()
	return s.queue.Add(unit)
}

// =============================================================================
// Execute
// =============================================================================

// Execute resolves the queued intents against the store, submits them batch
// by batch and waits for both ledgers.
//
// A batch is submitted only after the previous one is confirmed on the
// execution layer; anchor-chain waits run concurrently with later batches.
// The queue is cleared of the covered intents only on success, so a failed
// call can simply be retried. An empty queue is a successful no-op.
func (s *Session) Execute(ctx context.Context, opts ...ExecuteOption) (*ExecuteResult, error) {
	var o executeOptions
	for _, opt := range opts {
		opt(&o)
	}

	units, err := s.begin()
	if err != nil {
		if errors.Is(err, ErrSessionBusy) {
			return nil, s.busyError(ctx, "execute already in progress", unitNames(units), nil)
		}
		return nil, err
	}
	defer s.end()

	if len(units) == 0 {
		return &ExecuteResult{}, nil
	}

	if err := s.store.AcquireLease(ctx, s.id, s.leaseTTL); err != nil {
		if errors.Is(err, store.ErrBusy) {
			return nil, s.busyError(ctx, "artifact store is held by another session", unitNames(units), err)
		}
		return nil, s.executeError(ctx, nil, fmt.Errorf("acquire store lease: %w", err))
	}
	defer func() {
		if err := s.store.ReleaseLease(context.Background(), s.id); err != nil {
			s.logger.Warn("failed to release store lease", "error", err)
		}
	}()

	leaseCtx, stop := s.holdLease(ctx, units)
	defer stop()

	result, err := s.execute(leaseCtx, units, o)
	if err != nil {
		var lost *SessionBusyError
		if errors.As(context.Cause(leaseCtx), &lost) {
			return nil, lost
		}
		return nil, err
	}
	return result, nil
}

// execute runs one call while the store lease is held.
func (s *Session) execute(ctx context.Context, units []domain.DeploymentUnit, o executeOptions) (*ExecuteResult, error) {
	snapshot, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, s.executeError(ctx, nil, fmt.Errorf("read artifact store: %w", err))
	}

	res, err := resolver.Resolve(units, snapshot, o.tags...)
	if err != nil {
		var resErr *resolver.ResolutionError
		names := []string(nil)
		if errors.As(err, &resErr) {
			names = resErr.Names
		}
		return nil, &ExecuteError{Names: names, Snapshot: snapshot, Err: err}
	}

	batches := resolver.PlanBatches(res, s.maxBatch)
	s.logger.Info("executing intents",
		"queued", len(units),
		"submitting", len(res.Ordered),
		"skipped", len(res.Skipped),
		"filtered", len(res.Filtered),
		"batches", len(batches),
	)

	reports, err := s.run(ctx, batches)
	if err != nil {
		return nil, err
	}

	result := &ExecuteResult{Batches: reports}
	covered := make([]string, 0, len(res.Ordered)+len(res.Skipped))
	for _, u := range append(append([]domain.DeploymentUnit{}, res.Ordered...), res.Skipped...) {
		rec, err := s.store.Get(ctx, u.Name)
		if err != nil {
			return nil, s.executeError(ctx, []string{u.Name}, fmt.Errorf("read record: %w", err))
		}
		result.Records = append(result.Records, rec)
		covered = append(covered, u.Name)
	}
	for _, u := range res.Skipped {
		result.Skipped = append(result.Skipped, u.Name)
	}
	for _, u := range res.Filtered {
		result.Filtered = append(result.Filtered, u.Name)
	}

	s.mu.Lock()
	s.queue.Remove(covered...)
	s.mu.Unlock()

	s.logger.Info("execute complete", "batches", len(reports), "records", len(result.Records))
	return result, nil
}

// run submits the batches in order. Each batch waits for execution-layer
// depth before the next is submitted; anchor waits run in the group.
func (s *Session) run(ctx context.Context, batches []domain.Batch) ([]BatchReport, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	flights := make([]*tracker.Flight, 0, len(batches))
	var (
		failedBatch domain.Batch
		execErr     error
	)
	for _, b := range batches {
		flight, err := s.tracker.Submit(gctx, b)
		if err == nil {
			flights = append(flights, flight)
			err = s.tracker.AwaitExec(gctx, flight)
		}
		if err != nil {
			failedBatch, execErr = b, err
			break
		}

		g.Go(func() error {
			if err := s.tracker.AwaitAnchor(gctx, flight); err != nil {
				return &batchError{batch: flight.Batch, err: err}
			}
			return nil
		})
	}

	if execErr != nil {
		// An anchor failure cancels gctx, which surfaces here as a context
		// error; report the anchor failure instead.
		if errors.Is(execErr, context.Canceled) && ctx.Err() == nil {
			if anchorErr := g.Wait(); anchorErr != nil {
				return nil, s.batchFailure(ctx, anchorErr)
			}
		}
		cancel()
		_ = g.Wait()
		return nil, s.batchFailure(ctx, &batchError{batch: failedBatch, err: execErr})
	}
	if err := g.Wait(); err != nil {
		return nil, s.batchFailure(ctx, err)
	}

	reports := make([]BatchReport, len(flights))
	for i, f := range flights {
		reports[i] = BatchReport{
			ID:          f.Batch.ID,
			Units:       f.Batch.Names(),
			Attempts:    f.Progress().Attempts,
			AnchorTxRef: f.AnchorTxRef(),
		}
	}
	return reports, nil
}

// holdLease renews the store lease every third of its TTL until stop is
// called. A failed renewal cancels the returned context with a
// SessionBusyError as its cause. stop waits for the renewal loop to exit.
func (s *Session) holdLease(ctx context.Context, units []domain.DeploymentUnit) (context.Context, func()) {
	leaseCtx, cancel := context.WithCancelCause(ctx)
	interval := max(s.leaseTTL/3, time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
				if err := s.store.AcquireLease(leaseCtx, s.id, s.leaseTTL); err != nil {
					if leaseCtx.Err() != nil {
						return
					}
					s.logger.Error("store lease lost, aborting execute", "error", err)
					cancel(s.busyError(leaseCtx, "store lease lost while executing", unitNames(units), err))
					return
				}
				s.logger.Debug("store lease renewed", "ttl", s.leaseTTL)
			}
		}
	}()

	return leaseCtx, func() {
		cancel(nil)
		<-done
	}
}

// batchError ties a tracker failure to its batch.
type batchError struct {
	batch domain.Batch
	err   error
}

func (e *batchError) Error() string { return e.err.Error() }
func (e *batchError) Unwrap() error { return e.err }

func (s *Session) batchFailure(ctx context.Context, err error) error {
	var names []string
	var be *batchError
	if errors.As(err, &be) {
		names = be.batch.Names()
		err = be.err
	}
	var failed *tracker.BatchFailedError
	if errors.As(err, &failed) {
		names = failed.Units
	}
	return s.executeError(ctx, names, err)
}

// executeError attaches a fresh store snapshot.
func (s *Session) executeError(ctx context.Context, names []string, err error) error {
	return &ExecuteError{Names: names, Snapshot: s.reportSnapshot(ctx), Err: err}
}

func (s *Session) busyError(ctx context.Context, reason string, names []string, err error) *SessionBusyError {
	return &SessionBusyError{Reason: reason, Names: names, Snapshot: s.reportSnapshot(ctx), Err: err}
}

// reportSnapshot reads the store with a detached context so a cancelled
// execute still reports store state. It returns nil when the store is
// unreadable.
func (s *Session) reportSnapshot(ctx context.Context) map[string]*domain.DeploymentRecord {
	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	snapshot, err := s.store.Snapshot(readCtx)
	if err != nil {
		s.logger.Warn("failed to snapshot store for error report", "error", err)
		return nil
	}
	return snapshot
}

func unitNames(units []domain.DeploymentUnit) []string {
	if len(units) == 0 {
		return nil
	}
	names := make([]string, len(units))
	for i, u := range units {
		names[i] = u.Name
	}
	return names
}

func (s *Session) begin() ([]domain.DeploymentUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.running {
		return s.queue.Units(), ErrSessionBusy
	}
	s.running = true
	return s.queue.Units(), nil
}

func (s *Session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

// =============================================================================
// Queries and Administration
// =============================================================================

// Get returns the stored record of name, or nil when none exists.
func (s *Session) Get(ctx context.Context, name string) (*domain.DeploymentRecord, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	rec, err := s.store.Get(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Reset removes the stored record of name so the next execute deploys it
// afresh. It is rejected while an execute is running.
func (s *Session) Reset(ctx context.Context, name string) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.running:
		s.mu.Unlock()
		return s.busyError(ctx, "cannot reset while executing", []string{name}, nil)
	}
	s.mu.Unlock()

	if err := s.store.AcquireLease(ctx, s.id, s.leaseTTL); err != nil {
		if errors.Is(err, store.ErrBusy) {
			return s.busyError(ctx, "artifact store is held by another session", []string{name}, err)
		}
		return err
	}
	defer s.store.ReleaseLease(context.Background(), s.id)

	if err := s.store.Delete(ctx, name); err != nil {
		return fmt.Errorf("reset %q: %w", name, err)
	}
	s.logger.Info("record reset", "name", name)
	return nil
}

// Close ends the session. A store opened by Initialize is closed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ownsStore {
		return s.store.Close()
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
