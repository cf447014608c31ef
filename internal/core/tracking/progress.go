package tracking

import "time"

// =============================================================================
// Progress
// =============================================================================

// Progress is a point-in-time view of a batch in flight. Timeout errors
// carry the last Progress so callers can report how far confirmation got.
type Progress struct {
	BatchID     string    `json:"batchId"`
	Stage       Stage     `json:"stage"`
	ExecDepth   uint64    `json:"execDepth"`
	AnchorDepth uint64    `json:"anchorDepth"`
	Attempts    int       `json:"attempts"`
	StartedAt   time.Time `json:"startedAt"`
}

// NewProgress starts tracking a batch at the submitted stage.
func NewProgress(batchID string, now time.Time) Progress {
	return Progress{
		BatchID:   batchID,
		Stage:     StageSubmitted,
		Attempts:  1,
		StartedAt: now,
	}
}

// Advance moves the progress to the next stage.
func (p *Progress) Advance(to Stage) error {
	if err := ValidateStageTransition(p.Stage, to); err != nil {
		return err
	}
	p.Stage = to
	if to == StageSubmitted {
		p.Attempts++
		p.ExecDepth = 0
	}
	return nil
}

// ObserveExec records the execution-layer depth of the batch, which is the
// shallowest depth over its transactions. A reorg may lower it.
func (p *Progress) ObserveExec(depth uint64) {
	p.ExecDepth = depth
}

// ObserveAnchor records the anchor-chain depth of the batch's anchor
// transaction.
func (p *Progress) ObserveAnchor(depth uint64) {
	p.AnchorDepth = depth
}

// ExecSatisfied reports whether the execution layer reached the required depth.
func (p Progress) ExecSatisfied(required uint64) bool {
	return p.ExecDepth >= required
}

// AnchorSatisfied reports whether the anchor chain reached the required depth.
func (p Progress) AnchorSatisfied(required uint64) bool {
	return p.AnchorDepth >= required
}

// Elapsed returns the time since tracking started.
func (p Progress) Elapsed(now time.Time) time.Duration {
	return now.Sub(p.StartedAt)
}
