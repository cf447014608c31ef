package tracker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/artpar/dualdeploy/internal/core/tracking"
)

var (
	// ErrTimeout is returned when a confirmation stage exceeds its budget.
	ErrTimeout = errors.New("confirmation timeout")

	// ErrBatchFailed is returned when any unit of a batch fails on the
	// execution layer. Every unit of the batch is then recorded Failed.
	ErrBatchFailed = errors.New("batch failed")

	// ErrNoSettlementRef is returned when a submission carries no anchor
	// reference and the anchor reader cannot locate one.
	ErrNoSettlementRef = errors.New("no anchor settlement reference")
)

// TimeoutError reports a stage that did not reach the required depth in
// time. Records keep the status they had when the stage began.
type TimeoutError struct {
	Stage    tracking.Stage
	BatchID  string
	Progress tracking.Progress
	Required uint64
}

func (e *TimeoutError) Error() string {
	depth := e.Progress.ExecDepth
	if e.Stage == tracking.StageAwaitingAnchorConfirmation {
		depth = e.Progress.AnchorDepth
	}
	return fmt.Sprintf("%s: batch %s stuck in %s at depth %d of %d", ErrTimeout, e.BatchID, e.Stage, depth, e.Required)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// BatchFailedError names the units whose transactions failed.
type BatchFailedError struct {
	BatchID string
	Units   []string // Units that caused the failure
	Err     error
}

func (e *BatchFailedError) Error() string {
	return fmt.Sprintf("%s: batch %s (%s): %v", ErrBatchFailed, e.BatchID, strings.Join(e.Units, ", "), e.Err)
}

func (e *BatchFailedError) Unwrap() []error {
	return []error{ErrBatchFailed, e.Err}
}
