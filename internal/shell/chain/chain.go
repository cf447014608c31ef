// Package chain talks to the two ledgers a deployment lands on: the
// execution layer that runs contracts and the anchor chain that settles it.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/artpar/dualdeploy/internal/core/domain"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrTxNotFound means the ledger does not know the transaction yet.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrTxDropped means the transaction was evicted and will never be
	// included. It must be submitted again.
	ErrTxDropped = errors.New("transaction dropped")

	// ErrTxReverted means the transaction was included but failed.
	ErrTxReverted = errors.New("transaction reverted")

	// ErrSubmission wraps every failure to hand a batch to the network.
	ErrSubmission = errors.New("batch submission failed")

	// ErrInvalidRef is returned for a reference the ledger cannot parse.
	ErrInvalidRef = errors.New("invalid transaction reference")
)

// SubmissionError describes a rejected submission.
type SubmissionError struct {
	BatchID    string
	StatusCode int // HTTP status when the submitter is remote, else 0
	Message    string
	Retryable  bool
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: batch %s: status %d: %s", ErrSubmission, e.BatchID, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: batch %s: %s", ErrSubmission, e.BatchID, e.Message)
}

func (e *SubmissionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSubmission}
	}
	return []error{ErrSubmission, e.Err}
}

// IsRetryable reports whether a failed submission may succeed if repeated.
// Cancellation is never retryable; a SubmissionError says so itself; any
// other error (transport, timeouts) is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var subErr *SubmissionError
	if errors.As(err, &subErr) {
		return subErr.Retryable
	}
	return true
}

// =============================================================================
// Payloads
// =============================================================================

// UnitPayload is one encoded unit of a batch.
type UnitPayload struct {
	Name string          `json:"name"`
	Kind domain.UnitKind `json:"kind"`
	Data []byte          `json:"data"`
}

// BatchPayload is what a Submitter receives.
type BatchPayload struct {
	BatchID string        `json:"batchId"`
	Units   []UnitPayload `json:"units"`
}

// UnitSubmission reports where one unit landed.
type UnitSubmission struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	ExecTxRef string `json:"execTxRef"`
}

// SubmitResult identifies a submitted batch on both ledgers. AnchorTxRef is
// empty when the network carries no anchor payload for the batch; the
// settlement is then located on the anchor chain from ExecTxRef.
type SubmitResult struct {
	ExecTxRef   string           `json:"execTxRef"`
	AnchorTxRef string           `json:"anchorTxRef,omitempty"`
	Units       []UnitSubmission `json:"units"`
}

// Unit returns the submission of the named unit. A unit without its own
// exec ref inherits the batch ref.
func (r *SubmitResult) Unit(name string) (UnitSubmission, bool) {
	for _, u := range r.Units {
		if u.Name == name {
			if u.ExecTxRef == "" {
				u.ExecTxRef = r.ExecTxRef
			}
			return u, true
		}
	}
	return UnitSubmission{}, false
}

// Validate checks that the result covers every unit of the payload.
func (r *SubmitResult) Validate(payload BatchPayload) error {
	if r == nil {
		return &SubmissionError{BatchID: payload.BatchID, Message: "empty result"}
	}
	for _, u := range payload.Units {
		sub, ok := r.Unit(u.Name)
		if !ok {
			return &SubmissionError{BatchID: payload.BatchID, Message: fmt.Sprintf("result is missing unit %q", u.Name)}
		}
		if sub.ExecTxRef == "" {
			return &SubmissionError{BatchID: payload.BatchID, Message: fmt.Sprintf("unit %q has no execution reference", u.Name)}
		}
	}
	return nil
}

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// Submitter hands a batch to the network.
type Submitter interface {
	Submit(ctx context.Context, payload BatchPayload) (*SubmitResult, error)
}

// LedgerReader reports how deep a transaction is buried on one ledger.
//
// ConfirmationDepth returns 0 for a known but unincluded transaction, and 1
// for a transaction in the head block. ErrTxNotFound, ErrTxDropped and
// ErrTxReverted classify the failures.
type LedgerReader interface {
	ConfirmationDepth(ctx context.Context, ref string) (uint64, error)
	HeadHeight(ctx context.Context) (uint64, error)
}

// SettlementLocator is implemented by anchor-chain readers that can find the
// settlement transaction committing an execution-layer transaction.
// ErrTxNotFound means it is not committed yet.
type SettlementLocator interface {
	SettlementRef(ctx context.Context, execTxRef string) (string, error)
}

// Encoder turns a unit into the bytes a Submitter expects.
type Encoder interface {
	Encode(unit domain.DeploymentUnit) ([]byte, error)
}

// depthAt converts an inclusion height into a confirmation depth.
func depthAt(head, included uint64) uint64 {
	if included == 0 || head < included {
		return 0
	}
	return head - included + 1
}
