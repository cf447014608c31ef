// Package plan resolves references between deployment steps. A step may use
// an address produced by an earlier step by writing ${Name.address} inside a
// string argument.
package plan

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/artpar/dualdeploy/internal/core/domain"
)

// ErrUnresolvedReference is returned when a placeholder names a unit with no
// usable record.
var ErrUnresolvedReference = errors.New("unresolved reference")

// refPattern matches ${Name.field}.
// Groups:
//   - Group 1: Unit name
//   - Group 2: Record field (address, executionTxRef or anchorTxRef)
var refPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_\-]+)\.(address|executionTxRef|anchorTxRef)\}`)

// Lookup returns a record field for a unit name.
type Lookup func(name, field string) (string, bool)

// FromRecords builds a Lookup over store records. Only records that reached
// execution-layer confirmation resolve.
func FromRecords(records map[string]*domain.DeploymentRecord) Lookup {
	return func(name, field string) (string, bool) {
		rec, ok := records[name]
		if !ok || !rec.IsUsable() {
			return "", false
		}
		switch field {
		case "address":
			return rec.Address, true
		case "executionTxRef":
			return rec.ExecutionTxRef, true
		case "anchorTxRef":
			if rec.AnchorTxRef == nil {
				return "", false
			}
			return *rec.AnchorTxRef, true
		}
		return "", false
	}
}

// SubstituteString replaces every placeholder in value.
//
// Examples:
//
//	SubstituteString("${mUSDT.address}", lookup)
//	// Returns: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
//
//	SubstituteString("plain text", lookup)
//	// Returns: "plain text"
func SubstituteString(value string, lookup Lookup) (string, error) {
	var missing error
	out := refPattern.ReplaceAllStringFunc(value, func(match string) string {
		sub := refPattern.FindStringSubmatch(match)
		if v, ok := lookup(sub[1], sub[2]); ok {
			return v
		}
		if missing == nil {
			missing = &ReferenceError{Name: sub[1], Field: sub[2]}
		}
		return match
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// Substitute walks an argument list and replaces placeholders in every
// string, including strings nested in lists and maps. The input is not
// modified.
func Substitute(args []any, lookup Lookup) ([]any, error) {
	if args == nil {
		return nil, nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		v, err := substituteValue(a, lookup)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func substituteValue(v any, lookup Lookup) (any, error) {
	switch val := v.(type) {
	case string:
		return SubstituteString(val, lookup)
	case []any:
		return Substitute(val, lookup)
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			s, err := substituteValue(item, lookup)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			m[k] = s
		}
		return m, nil
	default:
		return v, nil
	}
}

// References lists the unit names referenced by placeholders in args, in
// first-appearance order.
func References(args []any) []string {
	var names []string
	seen := make(map[string]bool)
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			for _, sub := range refPattern.FindAllStringSubmatch(val, -1) {
				if !seen[sub[1]] {
					seen[sub[1]] = true
					names = append(names, sub[1])
				}
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		}
	}
	for _, a := range args {
		walk(a)
	}
	return names
}

// ReferenceError names the placeholder that could not be resolved.
type ReferenceError struct {
	Name  string
	Field string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("%s: ${%s.%s}", ErrUnresolvedReference, e.Name, e.Field)
}

func (e *ReferenceError) Unwrap() error {
	return ErrUnresolvedReference
}
