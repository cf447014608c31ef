package resolver

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Resolution Errors
// =============================================================================

var (
	// ErrArgumentDrift is returned when a fully confirmed name is requested
	// again with different arguments. The unit is never silently redeployed.
	ErrArgumentDrift = errors.New("argument drift")

	// ErrCyclicDependency is returned when dependency edges form a cycle.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrUnknownDependency is returned when a reference matches neither a
	// pending unit, a tag, nor a stored record.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrUnsatisfiedDependency is returned when a reference names a stored
	// record that never reached execution-layer confirmation and is not
	// queued for re-submission.
	ErrUnsatisfiedDependency = errors.New("unsatisfied dependency")

	// ErrDuplicateUnit is returned when the same name appears twice in one
	// resolution input.
	ErrDuplicateUnit = errors.New("duplicate unit name")
)

// ResolutionError carries the offending names alongside the error kind.
type ResolutionError struct {
	Kind    error    // One of the sentinels above
	Names   []string // Offending unit names; for cycles, the cycle path
	Message string
}

func (e *ResolutionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Kind, strings.Join(e.Names, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ResolutionError) Unwrap() error {
	return e.Kind
}

func newResolutionError(kind error, names []string, format string, args ...any) *ResolutionError {
	return &ResolutionError{
		Kind:    kind,
		Names:   names,
		Message: fmt.Sprintf(format, args...),
	}
}

func cycleError(path []string) *ResolutionError {
	members := make([]string, 0, len(path))
	seen := make(map[string]bool, len(path))
	for _, name := range path {
		if !seen[name] {
			seen[name] = true
			members = append(members, name)
		}
	}
	return &ResolutionError{
		Kind:    ErrCyclicDependency,
		Names:   members,
		Message: strings.Join(path, " -> "),
	}
}
