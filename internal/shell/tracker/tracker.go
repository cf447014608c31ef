// Package tracker submits batches and follows them to settlement on both the
// execution layer and the anchor chain, keeping the store current at every
// step.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/dualdeploy/internal/core/domain"
	"github.com/artpar/dualdeploy/internal/core/tracking"
	"github.com/artpar/dualdeploy/internal/shell/chain"
	"github.com/artpar/dualdeploy/internal/shell/store"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures the tracker.
type Config struct {
	Requirement domain.ConfirmationRequirement

	// PollInterval is the time between ledger queries.
	// Default: 2 seconds.
	PollInterval time.Duration

	// ExecTimeout bounds the wait for execution-layer depth.
	// Default: 10 minutes.
	ExecTimeout time.Duration

	// AnchorTimeout bounds the wait for anchor-chain depth. Anchor blocks
	// are slow, so this is much longer than ExecTimeout.
	// Default: 2 hours.
	AnchorTimeout time.Duration

	// SubmitAttempts bounds submissions of one batch, counting retries
	// after a rejected submission and re-submissions after a drop.
	// Default: 3.
	SubmitAttempts int

	// SubmitBackoff is the delay before the first retry; it doubles on
	// every further retry.
	// Default: 1 second.
	SubmitBackoff time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Requirement:    domain.DefaultConfirmationRequirement(),
		PollInterval:   2 * time.Second,
		ExecTimeout:    10 * time.Minute,
		AnchorTimeout:  2 * time.Hour,
		SubmitAttempts: 3,
		SubmitBackoff:  time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = d.ExecTimeout
	}
	if c.AnchorTimeout <= 0 {
		c.AnchorTimeout = d.AnchorTimeout
	}
	if c.SubmitAttempts <= 0 {
		c.SubmitAttempts = d.SubmitAttempts
	}
	if c.SubmitBackoff <= 0 {
		c.SubmitBackoff = d.SubmitBackoff
	}
	return c
}

// Deps are the collaborators of a Tracker.
type Deps struct {
	Store     store.Store
	Submitter chain.Submitter
	Exec      chain.LedgerReader
	Anchor    chain.LedgerReader
	Encoder   chain.Encoder // Default: chain.JSONEncoder
	Sink      EventSink     // Default: LogSink
}

// =============================================================================
// Tracker
// =============================================================================

// Tracker submits batches and waits for their confirmations.
type Tracker struct {
	store     store.Store
	submitter chain.Submitter
	exec      chain.LedgerReader
	anchor    chain.LedgerReader
	encoder   chain.Encoder
	sink      EventSink
	config    Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a tracker.
func New(deps Deps, config Config, logger *slog.Logger) (*Tracker, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("tracker: store is required")
	case deps.Submitter == nil:
		return nil, errors.New("tracker: submitter is required")
	case deps.Exec == nil:
		return nil, errors.New("tracker: execution-layer reader is required")
	case deps.Anchor == nil:
		return nil, errors.New("tracker: anchor-chain reader is required")
	}
	if err := config.Requirement.Validate(); err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	if deps.Encoder == nil {
		deps.Encoder = chain.NewJSONEncoder()
	}
	if deps.Sink == nil {
		deps.Sink = NewLogSink(logger)
	}

	return &Tracker{
		store:     deps.Store,
		submitter: deps.Submitter,
		exec:      deps.Exec,
		anchor:    deps.Anchor,
		encoder:   deps.Encoder,
		sink:      deps.Sink,
		config:    config.withDefaults(),
		logger:    logger.With("component", "tracker"),
		now:       time.Now,
	}, nil
}

// Config returns the effective configuration.
func (t *Tracker) Config() Config {
	return t.config
}

// =============================================================================
// Flight
// =============================================================================

// Flight is a submitted batch being tracked. It is safe to read from other
// goroutines while the tracker advances it.
type Flight struct {
	Batch domain.Batch

	mu       sync.Mutex
	progress tracking.Progress
	result   *chain.SubmitResult
	records  map[string]*domain.DeploymentRecord
}

// Progress returns the current progress snapshot.
func (f *Flight) Progress() tracking.Progress {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.progress
}

// AnchorTxRef returns the anchor-chain reference of the latest submission.
func (f *Flight) AnchorTxRef() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result.AnchorTxRef
}

// Records returns copies of the current records in batch order.
func (f *Flight) Records() []*domain.DeploymentRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.DeploymentRecord, 0, len(f.Batch.Units))
	for _, u := range f.Batch.Units {
		out = append(out, f.records[u.Name].Clone())
	}
	return out
}

// execRefs returns the distinct execution references and the units behind
// each, in batch order.
func (f *Flight) execRefs() ([]string, map[string][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var refs []string
	owners := make(map[string][]string)
	for _, u := range f.Batch.Units {
		ref := f.records[u.Name].ExecutionTxRef
		if _, seen := owners[ref]; !seen {
			refs = append(refs, ref)
		}
		owners[ref] = append(owners[ref], u.Name)
	}
	return refs, owners
}

// =============================================================================
// Submit
// =============================================================================

// Submit hands the batch to the network and durably records every unit as
// Pending before returning.
func (t *Tracker) Submit(ctx context.Context, batch domain.Batch) (*Flight, error) {
	if len(batch.Units) == 0 {
		return nil, fmt.Errorf("batch %s is empty", batch.ID)
	}

	payload, err := chain.EncodeBatch(t.encoder, batch)
	if err != nil {
		return nil, fmt.Errorf("encode batch %s: %w", batch.ID, err)
	}

	result, err := t.submitWithRetry(ctx, payload, t.config.SubmitAttempts)
	if err != nil {
		return nil, err
	}

	f := &Flight{
		Batch:    batch,
		progress: tracking.NewProgress(batch.ID, t.now()),
	}
	if err := t.recordSubmission(ctx, f, result); err != nil {
		return nil, err
	}

	t.emit(f, tracking.EventSubmitted, nil)
	return f, nil
}

// submitWithRetry calls the submitter up to attempts times with exponential
// backoff between retryable failures.
func (t *Tracker) submitWithRetry(ctx context.Context, payload chain.BatchPayload, attempts int) (*chain.SubmitResult, error) {
	if attempts < 1 {
		attempts = 1
	}
	backoff := t.config.SubmitBackoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := t.submitter.Submit(ctx, payload)
		if err == nil {
			if verr := result.Validate(payload); verr != nil {
				err = verr
			} else {
				return result, nil
			}
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !chain.IsRetryable(err) || attempt == attempts {
			break
		}

		t.logger.Warn("batch submission failed, retrying",
			"batch_id", payload.BatchID,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		if err := sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}

	if errors.Is(lastErr, chain.ErrSubmission) {
		return nil, lastErr
	}
	return nil, &chain.SubmissionError{BatchID: payload.BatchID, Message: "submitter failed", Err: lastErr}
}

// recordSubmission writes a fresh Pending record per unit and installs the
// result on the flight.
func (t *Tracker) recordSubmission(ctx context.Context, f *Flight, result *chain.SubmitResult) error {
	height, err := t.exec.HeadHeight(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		t.logger.Warn("could not read execution-layer height", "batch_id", f.Batch.ID, "error", err)
		height = 0
	}

	records := make(map[string]*domain.DeploymentRecord, len(f.Batch.Units))
	for _, u := range f.Batch.Units {
		hash, err := u.ArgsHash()
		if err != nil {
			return fmt.Errorf("hash arguments of %q: %w", u.Name, err)
		}
		sub, _ := result.Unit(u.Name)
		rec := domain.NewPendingRecord(u.Name, hash, sub.Address, sub.ExecTxRef, height)
		rec.Kind = u.Kind
		rec.BatchID = f.Batch.ID
		records[u.Name] = rec
	}

	f.mu.Lock()
	f.result = result
	f.records = records
	f.mu.Unlock()

	if err := t.persist(ctx, f); err != nil {
		return fmt.Errorf("record submission of batch %s: %w", f.Batch.ID, err)
	}
	return nil
}

// =============================================================================
// Execution-Layer Confirmation
// =============================================================================

// AwaitExec polls the execution layer until every transaction of the batch
// reaches the required depth, then records the units as ExecConfirmed.
//
// A dropped transaction re-submits the batch while SubmitAttempts allows. A
// reverted transaction fails the whole batch.
func (t *Tracker) AwaitExec(ctx context.Context, f *Flight) error {
	if err := t.advance(f, tracking.StageAwaitingExecConfirmation); err != nil {
		return err
	}
	required := t.config.Requirement.ExecConfirmations

	timeout := time.NewTimer(t.config.ExecTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	last := uint64(0)
	for {
		depth, dropped, err := t.pollExec(ctx, f)
		if err != nil {
			return err
		}

		if dropped {
			if err := t.resubmit(ctx, f); err != nil {
				return err
			}
			last = 0
			continue
		}

		f.mu.Lock()
		f.progress.ObserveExec(depth)
		satisfied := f.progress.ExecSatisfied(required)
		f.mu.Unlock()

		if satisfied {
			return t.markExecConfirmed(ctx, f)
		}
		if depth != last {
			t.emit(f, tracking.EventExecProgress, nil)
			last = depth
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return t.timedOut(f, tracking.StageAwaitingExecConfirmation, required)
		case <-ticker.C:
		}
	}
}

// pollExec returns the shallowest depth across the flight's references.
func (t *Tracker) pollExec(ctx context.Context, f *Flight) (uint64, bool, error) {
	refs, owners := f.execRefs()

	var (
		minDepth uint64
		dropped  bool
		reverted []string
		cause    error
	)
	for i, ref := range refs {
		depth, err := t.exec.ConfirmationDepth(ctx, ref)
		switch {
		case err == nil:
		case errors.Is(err, chain.ErrTxReverted):
			reverted = append(reverted, owners[ref]...)
			cause = err
		case errors.Is(err, chain.ErrTxDropped):
			dropped = true
		case errors.Is(err, chain.ErrTxNotFound):
			depth = 0
		default:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, false, ctxErr
			}
			t.logger.Warn("execution-layer query failed", "batch_id", f.Batch.ID, "tx", ref, "error", err)
			depth = 0
		}
		if i == 0 || depth < minDepth {
			minDepth = depth
		}
	}

	if len(reverted) > 0 {
		return 0, false, t.failBatch(ctx, f, reverted, cause)
	}
	return minDepth, dropped, nil
}

// resubmit sends the batch again after a drop.
func (t *Tracker) resubmit(ctx context.Context, f *Flight) error {
	f.mu.Lock()
	attempts := f.progress.Attempts
	f.mu.Unlock()

	if attempts >= t.config.SubmitAttempts {
		return t.failBatch(ctx, f, f.Batch.Names(), fmt.Errorf("%w after %d submissions", chain.ErrTxDropped, attempts))
	}
	if err := t.advance(f, tracking.StageSubmitted); err != nil {
		return err
	}

	payload, err := chain.EncodeBatch(t.encoder, f.Batch)
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", f.Batch.ID, err)
	}
	result, err := t.submitWithRetry(ctx, payload, 1)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return t.failBatch(ctx, f, f.Batch.Names(), err)
	}
	if err := t.recordSubmission(ctx, f, result); err != nil {
		return err
	}

	t.emit(f, tracking.EventResubmitted, nil)
	return t.advance(f, tracking.StageAwaitingExecConfirmation)
}

func (t *Tracker) markExecConfirmed(ctx context.Context, f *Flight) error {
	f.mu.Lock()
	for _, u := range f.Batch.Units {
		if err := f.records[u.Name].MarkExecConfirmed(); err != nil {
			f.mu.Unlock()
			return fmt.Errorf("unit %q: %w", u.Name, err)
		}
	}
	f.mu.Unlock()

	if err := t.persist(ctx, f); err != nil {
		return fmt.Errorf("record execution confirmation of batch %s: %w", f.Batch.ID, err)
	}
	t.emit(f, tracking.EventExecConfirmed, nil)
	return t.advance(f, tracking.StageAwaitingAnchorConfirmation)
}

// =============================================================================
// Anchor-Chain Confirmation
// =============================================================================

// AwaitAnchor polls the anchor chain until the batch's anchor transaction
// reaches the required depth, then records the units as FullyConfirmed. The
// flight must have passed AwaitExec.
//
// A submission without an anchor reference is settled by whichever anchor
// transaction commits its execution reference, which requires an anchor
// reader implementing chain.SettlementLocator.
func (t *Tracker) AwaitAnchor(ctx context.Context, f *Flight) error {
	if stage := f.Progress().Stage; stage != tracking.StageAwaitingAnchorConfirmation {
		return fmt.Errorf("%w: batch %s is %s, not awaiting anchor confirmation",
			tracking.ErrInvalidStageTransition, f.Batch.ID, stage)
	}
	required := t.config.Requirement.AnchorConfirmations
	ref := f.AnchorTxRef()

	locator, canLocate := t.anchor.(chain.SettlementLocator)
	if ref == "" && !canLocate {
		err := fmt.Errorf("%w: batch %s", ErrNoSettlementRef, f.Batch.ID)
		if aerr := t.advance(f, tracking.StageFailed); aerr != nil {
			return errors.Join(err, aerr)
		}
		t.emit(f, tracking.EventFailed, err)
		return err
	}

	timeout := time.NewTimer(t.config.AnchorTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	last := uint64(0)
	for {
		var (
			depth uint64
			err   error
		)
		if ref == "" {
			ref, err = t.locateSettlement(ctx, f, locator)
		}
		if ref != "" {
			depth, err = t.anchor.ConfirmationDepth(ctx, ref)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			// The relayer rebroadcasts anchor transactions; anything short
			// of depth is waited out until the timeout.
			if !errors.Is(err, chain.ErrTxNotFound) {
				t.logger.Warn("anchor-chain query failed", "batch_id", f.Batch.ID, "tx", ref, "error", err)
			}
			depth = 0
		}

		f.mu.Lock()
		f.progress.ObserveAnchor(depth)
		satisfied := f.progress.AnchorSatisfied(required)
		f.mu.Unlock()

		if satisfied {
			return t.markSettled(ctx, f, ref)
		}
		if depth != last {
			t.emit(f, tracking.EventAnchorProgress, nil)
			last = depth
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return t.timedOut(f, tracking.StageAwaitingAnchorConfirmation, required)
		case <-ticker.C:
		}
	}
}

// locateSettlement finds the anchor transaction committing the batch and
// stores it on the flight. It returns an empty ref while none is visible.
func (t *Tracker) locateSettlement(ctx context.Context, f *Flight, locator chain.SettlementLocator) (string, error) {
	f.mu.Lock()
	execRef := f.result.ExecTxRef
	if execRef == "" && len(f.result.Units) > 0 {
		execRef = f.result.Units[0].ExecTxRef
	}
	f.mu.Unlock()

	ref, err := locator.SettlementRef(ctx, execRef)
	if err != nil || ref == "" {
		return "", err
	}

	f.mu.Lock()
	f.result.AnchorTxRef = ref
	f.mu.Unlock()
	t.logger.Debug("settlement located", "batch_id", f.Batch.ID, "exec_tx", execRef, "anchor_tx", ref)
	return ref, nil
}

func (t *Tracker) markSettled(ctx context.Context, f *Flight, anchorRef string) error {
	f.mu.Lock()
	for _, u := range f.Batch.Units {
		if err := f.records[u.Name].MarkFullyConfirmed(anchorRef); err != nil {
			f.mu.Unlock()
			return fmt.Errorf("unit %q: %w", u.Name, err)
		}
	}
	f.mu.Unlock()

	if err := t.persist(ctx, f); err != nil {
		return fmt.Errorf("record settlement of batch %s: %w", f.Batch.ID, err)
	}
	if err := t.advance(f, tracking.StageSettled); err != nil {
		return err
	}
	t.emit(f, tracking.EventSettled, nil)
	return nil
}

// =============================================================================
// Shared Helpers
// =============================================================================

// failBatch records every unit of the flight as Failed.
func (t *Tracker) failBatch(ctx context.Context, f *Flight, culprits []string, cause error) error {
	failure := &BatchFailedError{BatchID: f.Batch.ID, Units: culprits, Err: cause}

	f.mu.Lock()
	for _, u := range f.Batch.Units {
		rec := f.records[u.Name]
		if rec.Status == domain.StatusFailed {
			continue
		}
		if err := rec.MarkFailed(failure.Error()); err != nil {
			f.mu.Unlock()
			return fmt.Errorf("unit %q: %w", u.Name, err)
		}
	}
	f.mu.Unlock()

	if err := t.persist(ctx, f); err != nil {
		return errors.Join(failure, err)
	}
	if err := t.advance(f, tracking.StageFailed); err != nil {
		return errors.Join(failure, err)
	}
	t.emit(f, tracking.EventFailed, failure)
	return failure
}

// timedOut ends the flight in StageFailed. Records are not touched and keep
// the status they had when the stage began.
func (t *Tracker) timedOut(f *Flight, stage tracking.Stage, required uint64) error {
	err := &TimeoutError{Stage: stage, BatchID: f.Batch.ID, Progress: f.Progress(), Required: required}
	if aerr := t.advance(f, tracking.StageFailed); aerr != nil {
		return errors.Join(err, aerr)
	}
	t.emit(f, tracking.EventTimedOut, err)
	return err
}

func (t *Tracker) persist(ctx context.Context, f *Flight) error {
	return t.store.PutBatch(ctx, f.Records())
}

func (t *Tracker) advance(f *Flight, to tracking.Stage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.progress.Advance(to)
}

func (t *Tracker) emit(f *Flight, typ tracking.EventType, err error) {
	event := tracking.NewEvent(typ, f.Progress(), f.Batch.Names(), t.now())
	if err != nil {
		event = event.WithErr(err)
	}
	t.sink.Emit(event)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
