package domain

import (
	"errors"
	"fmt"
)

// ErrZeroConfirmations is returned when a confirmation depth is zero.
var ErrZeroConfirmations = errors.New("confirmation depth must be at least 1")

// ConfirmationRequirement is the depth each ledger must reach before a unit
// advances. It belongs to the session, never to individual units.
type ConfirmationRequirement struct {
	ExecConfirmations   uint64 `json:"exec_confirmations"`
	AnchorConfirmations uint64 `json:"anchor_confirmations"`
}

// DefaultConfirmationRequirement returns one confirmation on each ledger.
func DefaultConfirmationRequirement() ConfirmationRequirement {
	return ConfirmationRequirement{
		ExecConfirmations:   1,
		AnchorConfirmations: 1,
	}
}

// Validate rejects zero depths on either ledger.
func (c ConfirmationRequirement) Validate() error {
	if c.ExecConfirmations == 0 {
		return fmt.Errorf("%w: exec_confirmations", ErrZeroConfirmations)
	}
	if c.AnchorConfirmations == 0 {
		return fmt.Errorf("%w: anchor_confirmations", ErrZeroConfirmations)
	}
	return nil
}
