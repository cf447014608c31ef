package domain

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Unit Errors
// =============================================================================

var (
	ErrEmptyName       = errors.New("unit name is required")
	ErrInvalidKind     = errors.New("unit kind must be deploy or call")
	ErrMissingTarget   = errors.New("call unit requires a target")
	ErrMissingMethod   = errors.New("call unit requires a method")
	ErrSelfDependency  = errors.New("unit cannot depend on itself")
	ErrEmptyDependency = errors.New("dependency reference is empty")
)

// =============================================================================
// Unit Kind
// =============================================================================

type UnitKind string

const (
	KindDeploy UnitKind = "deploy"
	KindCall   UnitKind = "call"
)

// =============================================================================
// Deployment Unit
// =============================================================================

// DeploymentUnit identifies one contract deployment or one method invocation
// on an already deployed contract.
//
// Name is the key in the artifact store. Re-using a name across runs is how a
// caller asks whether the unit is already deployed.
type DeploymentUnit struct {
	Name     string   `json:"name"`
	Kind     UnitKind `json:"kind"`
	Contract string   `json:"contract,omitempty"` // Artifact to deploy, defaults to Name
	Args     []any    `json:"args,omitempty"`

	// Call-only fields
	Target string `json:"target,omitempty"` // Name of a previously deployed unit
	Method string `json:"method,omitempty"`

	Tags      []string `json:"tags,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"` // Unit names or tags
}

// NewDeployUnit creates a deploy unit for the named contract.
func NewDeployUnit(name string, args ...any) DeploymentUnit {
	return DeploymentUnit{
		Name:     name,
		Kind:     KindDeploy,
		Contract: name,
		Args:     args,
	}
}

// NewCallUnit creates a call unit invoking method on target.
func NewCallUnit(name, target, method string, args ...any) DeploymentUnit {
	return DeploymentUnit{
		Name:   name,
		Kind:   KindCall,
		Target: target,
		Method: method,
		Args:   args,
	}
}

// ContractName returns the artifact name to deploy.
func (u DeploymentUnit) ContractName() string {
	if u.Contract != "" {
		return u.Contract
	}
	return u.Name
}

// HasTag reports whether the unit carries the given tag.
func (u DeploymentUnit) HasTag(tag string) bool {
	for _, t := range u.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of a unit.
func (u DeploymentUnit) Validate() error {
	if strings.TrimSpace(u.Name) == "" {
		return ErrEmptyName
	}

	switch u.Kind {
	case KindDeploy:
	case KindCall:
		if strings.TrimSpace(u.Target) == "" {
			return fmt.Errorf("%w: %s", ErrMissingTarget, u.Name)
		}
		if strings.TrimSpace(u.Method) == "" {
			return fmt.Errorf("%w: %s", ErrMissingMethod, u.Name)
		}
		if u.Target == u.Name {
			return fmt.Errorf("%w: %s", ErrSelfDependency, u.Name)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, u.Kind)
	}

	for _, dep := range u.DependsOn {
		if strings.TrimSpace(dep) == "" {
			return fmt.Errorf("%w: %s", ErrEmptyDependency, u.Name)
		}
		if dep == u.Name {
			return fmt.Errorf("%w: %s", ErrSelfDependency, u.Name)
		}
	}

	return nil
}

// ArgsHash returns the hash the artifact store records for this unit's
// arguments. Calls include the target and method so that the same argument
// list sent to a different method is a different intent.
func (u DeploymentUnit) ArgsHash() (string, error) {
	if u.Kind == KindCall {
		return HashArgs(append([]any{u.Target, u.Method}, u.Args...))
	}
	return HashArgs(u.Args)
}
