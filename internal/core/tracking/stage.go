// Package tracking holds the pure state of a batch moving through
// dual-chain confirmation. The shell tracker drives it; nothing here
// touches the network or the store.
package tracking

import (
	"errors"
	"fmt"
)

// =============================================================================
// Stage
// =============================================================================

// Stage is the confirmation stage of one batch.
type Stage string

const (
	StageSubmitted                  Stage = "submitted"
	StageAwaitingExecConfirmation   Stage = "awaiting_exec_confirmation"
	StageAwaitingAnchorConfirmation Stage = "awaiting_anchor_confirmation"
	StageSettled                    Stage = "settled"
	StageFailed                     Stage = "failed"
)

var (
	ErrInvalidStageTransition = errors.New("invalid stage transition")
	ErrUnknownStage           = errors.New("unknown stage")
)

// IsTerminal reports whether no further transition can leave s.
func (s Stage) IsTerminal() bool {
	return s == StageSettled || s == StageFailed
}

// validStageTransitions defines the stage graph. A dropped execution
// transaction sends the batch back to submitted.
var validStageTransitions = map[Stage][]Stage{
	StageSubmitted:                  {StageAwaitingExecConfirmation, StageFailed},
	StageAwaitingExecConfirmation:   {StageAwaitingAnchorConfirmation, StageSubmitted, StageFailed},
	StageAwaitingAnchorConfirmation: {StageSettled, StageFailed},
	StageSettled:                    {},
	StageFailed:                     {},
}

// ValidateStageTransition checks if a stage transition is valid.
func ValidateStageTransition(from, to Stage) error {
	allowed, exists := validStageTransitions[from]
	if !exists {
		return fmt.Errorf("%w: %q", ErrUnknownStage, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStageTransition, from, to)
}
