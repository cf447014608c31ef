// Package intent holds the pending deployment and call intents accumulated
// during one orchestration session.
// This is part of the Functional Core - no I/O, no shared state.
package intent

import (
	"errors"
	"fmt"

	"github.com/artpar/dualdeploy/internal/core/domain"
)

// ErrDuplicateName is the sentinel behind DuplicateNameError.
var ErrDuplicateName = errors.New("duplicate intent name")

// DuplicateNameError is returned when a name is queued twice in one session.
type DuplicateNameError struct {
	Name     string
	Existing domain.UnitKind
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("intent %q is already queued as %s", e.Name, e.Existing)
}

func (e *DuplicateNameError) Unwrap() error {
	return ErrDuplicateName
}

// =============================================================================
// Queue
// =============================================================================

// Queue is an ordered list of pending intents. Declaration order is kept so
// that resolution and batching are deterministic.
type Queue struct {
	units []domain.DeploymentUnit
	index map[string]int
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{index: make(map[string]int)}
}

// Add validates the unit and appends it.
func (q *Queue) Add(unit domain.DeploymentUnit) error {
	if err := unit.Validate(); err != nil {
		return err
	}
	if i, exists := q.index[unit.Name]; exists {
		return &DuplicateNameError{Name: unit.Name, Existing: q.units[i].Kind}
	}

	q.index[unit.Name] = len(q.units)
	q.units = append(q.units, unit)
	return nil
}

// Units returns a copy of the queued units in declaration order.
func (q *Queue) Units() []domain.DeploymentUnit {
	out := make([]domain.DeploymentUnit, len(q.units))
	copy(out, q.units)
	return out
}

// Contains reports whether a name is queued.
func (q *Queue) Contains(name string) bool {
	_, ok := q.index[name]
	return ok
}

// Len returns the number of queued intents.
func (q *Queue) Len() int {
	return len(q.units)
}

// Clear drops every queued intent.
func (q *Queue) Clear() {
	q.units = nil
	q.index = make(map[string]int)
}

// Remove drops the named intents, keeping the order of the rest. Unknown
// names are ignored.
func (q *Queue) Remove(names ...string) {
	drop := make(map[string]bool, len(names))
	for _, name := range names {
		drop[name] = true
	}

	kept := q.units[:0]
	q.index = make(map[string]int, len(q.units))
	for _, u := range q.units {
		if drop[u.Name] {
			continue
		}
		q.index[u.Name] = len(kept)
		kept = append(kept, u)
	}
	q.units = kept
}
