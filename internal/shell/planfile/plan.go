// Package planfile loads declarative deployment plans and runs them step by
// step against an orchestration session.
//
// A plan is a list of steps. Each step queues its intents and executes them
// before the next step starts, so later steps can reference addresses
// produced earlier with ${Name.address}.
package planfile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/artpar/dualdeploy/internal/core/domain"
)

// =============================================================================
// Plan Errors
// =============================================================================

var (
	// ErrInvalidPlan is returned when a plan cannot be parsed or validated.
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrUnsupportedFormat is returned for file extensions other than
	// .yaml, .yml, .json and .hcl.
	ErrUnsupportedFormat = errors.New("unsupported plan format")
)

// PlanError locates a plan problem.
type PlanError struct {
	File    string
	Step    string
	Intent  string
	Message string
}

func (e *PlanError) Error() string {
	var where []string
	if e.File != "" {
		where = append(where, e.File)
	}
	if e.Step != "" {
		where = append(where, "step "+e.Step)
	}
	if e.Intent != "" {
		where = append(where, "intent "+e.Intent)
	}
	if len(where) == 0 {
		return fmt.Sprintf("%s: %s", ErrInvalidPlan, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", ErrInvalidPlan, strings.Join(where, ": "), e.Message)
}

func (e *PlanError) Unwrap() error {
	return ErrInvalidPlan
}

// =============================================================================
// Plan Types
// =============================================================================

// Plan is an ordered set of deployment steps.
type Plan struct {
	Steps []Step `yaml:"steps"`
}

// Step is one initialize, queue, execute round.
type Step struct {
	Name         string   `yaml:"name"`
	Tags         []string `yaml:"tags,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty"` // Step names or tags
	Intents      []Intent `yaml:"intents"`
}

// Intent is one deploy or call request of a step.
type Intent struct {
	Kind      domain.UnitKind `yaml:"kind"`
	Name      string          `yaml:"name"`
	Contract  string          `yaml:"contract,omitempty"`
	Target    string          `yaml:"target,omitempty"`
	Method    string          `yaml:"method,omitempty"`
	Args      []any           `yaml:"args,omitempty"`
	Tags      []string        `yaml:"tags,omitempty"`
	DependsOn []string        `yaml:"depends_on,omitempty"`
}

// Unit converts the intent to a deployment unit.
func (i Intent) Unit() domain.DeploymentUnit {
	var u domain.DeploymentUnit
	if i.Kind == domain.KindCall {
		u = domain.NewCallUnit(i.Name, i.Target, i.Method, i.Args...)
	} else {
		u = domain.NewDeployUnit(i.Name, i.Args...)
		if i.Contract != "" {
			u.Contract = i.Contract
		}
	}
	u.Tags = i.Tags
	u.DependsOn = i.DependsOn
	return u
}

// Validate checks step names for uniqueness and every intent for shape.
// Steps may be empty; a step with no intents only queries state.
func (p *Plan) Validate() error {
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if strings.TrimSpace(s.Name) == "" {
			return &PlanError{Message: "step name is required"}
		}
		if seen[s.Name] {
			return &PlanError{Step: s.Name, Message: "step declared twice"}
		}
		seen[s.Name] = true

		for _, in := range s.Intents {
			if in.Kind == "" {
				return &PlanError{Step: s.Name, Intent: in.Name, Message: "kind is required"}
			}
			if err := in.Unit().Validate(); err != nil {
				return &PlanError{Step: s.Name, Intent: in.Name, Message: err.Error()}
			}
		}
	}
	return nil
}

// =============================================================================
// Loading
// =============================================================================

// Load reads a plan file, choosing the format from its extension.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}

	var plan *Plan
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		plan, err = ParseYAML(data)
	case ".hcl":
		plan, err = ParseHCL(data, path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		var pe *PlanError
		if errors.As(err, &pe) && pe.File == "" {
			pe.File = path
		}
		return nil, err
	}
	return plan, nil
}

// ParseYAML parses a YAML (or JSON) plan. Unknown fields are rejected.
func ParseYAML(data []byte) (*Plan, error) {
	var plan Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&plan); err != nil {
		return nil, &PlanError{Message: err.Error()}
	}

	for si := range plan.Steps {
		for ii := range plan.Steps[si].Intents {
			in := &plan.Steps[si].Intents[ii]
			args, err := normalizeArgs(in.Args)
			if err != nil {
				return nil, &PlanError{Step: plan.Steps[si].Name, Intent: in.Name, Message: err.Error()}
			}
			in.Args = args
		}
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// normalizeArgs turns YAML mappings into map[string]any so the arguments
// encode as JSON.
func normalizeArgs(args []any) ([]any, error) {
	if args == nil {
		return nil, nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		v, err := normalizeValue(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case []any:
		return normalizeArgs(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			n, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("mapping key %v is not a string", k)
			}
			n, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[key] = n
		}
		return out, nil
	default:
		return v, nil
	}
}
