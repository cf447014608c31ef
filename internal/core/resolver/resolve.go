// Package resolver computes the execution order of deployment units.
// This is part of the Functional Core - all functions are pure with no I/O.
package resolver

import (
	"fmt"

	"github.com/artpar/dualdeploy/internal/core/domain"
)

// =============================================================================
// Resolution Result
// =============================================================================

// Resolution is the outcome of resolving one execute call.
type Resolution struct {
	// Ordered holds the units to submit, dependencies first.
	Ordered []domain.DeploymentUnit

	// Skipped holds units already FullyConfirmed with identical arguments.
	Skipped []domain.DeploymentUnit

	// Filtered holds units excluded by filter tags.
	Filtered []domain.DeploymentUnit

	// Hashes maps every ordered or skipped unit name to its argument hash.
	Hashes map[string]string

	// deps maps an ordered unit to the ordered units it depends on within
	// this resolution (same execute call).
	deps map[string][]string
}

// DependenciesOf returns the same-call dependencies of an ordered unit.
func (r *Resolution) DependenciesOf(name string) []string {
	return r.deps[name]
}

// Empty reports whether nothing needs submitting.
func (r *Resolution) Empty() bool {
	return len(r.Ordered) == 0
}

// =============================================================================
// Resolve
// =============================================================================

// Resolve orders the pending units against the current artifact store
// snapshot.
//
// The steps are:
//  1. Hash every unit's arguments; a FullyConfirmed record with the same hash
//     prunes the unit, a different hash is ErrArgumentDrift
//  2. Resolve each dependsOn reference (and each call target) to a pending
//     unit, to every pending unit carrying the tag, or to a stored record
//  3. Drop units not selected by filterTags (dependencies of selected units
//     are kept)
//  4. Stable topological sort; a cycle is ErrCyclicDependency
//
// Stored records satisfy a reference once they reach ExecConfirmed. A
// reference to a stored record that is Pending or Failed, and not queued
// again, is ErrUnsatisfiedDependency.
func Resolve(units []domain.DeploymentUnit, snapshot map[string]*domain.DeploymentRecord, filterTags ...string) (*Resolution, error) {
	res := &Resolution{
		Hashes: make(map[string]string, len(units)),
		deps:   make(map[string][]string),
	}
	if len(units) == 0 {
		return res, nil
	}

	names := make([]string, len(units))
	byName := make(map[string]int, len(units))
	byTag := make(map[string][]int)
	pruned := make([]bool, len(units))

	for i, u := range units {
		if _, dup := byName[u.Name]; dup {
			return nil, newResolutionError(ErrDuplicateUnit, []string{u.Name}, "%q declared twice", u.Name)
		}
		names[i] = u.Name
		byName[u.Name] = i
		for _, tag := range u.Tags {
			byTag[tag] = append(byTag[tag], i)
		}

		hash, err := u.ArgsHash()
		if err != nil {
			return nil, fmt.Errorf("hash arguments of %q: %w", u.Name, err)
		}
		res.Hashes[u.Name] = hash

		rec, stored := snapshot[u.Name]
		if !stored || !rec.IsSettled() {
			continue
		}
		if rec.ConstructorArgsHash != hash {
			return nil, newResolutionError(ErrArgumentDrift, []string{u.Name},
				"%q is deployed at %s with arguments %s, requested %s",
				u.Name, rec.Address, rec.ConstructorArgsHash, hash)
		}
		pruned[i] = true
	}

	g := newGraph(names)
	for i, u := range units {
		if pruned[i] {
			continue
		}

		refs := u.DependsOn
		if u.Kind == domain.KindCall {
			refs = append([]string{u.Target}, refs...)
		}

		for _, ref := range refs {
			if dep, ok := byName[ref]; ok {
				if !pruned[dep] {
					g.addEdge(dep, i)
				}
				continue
			}
			if tagged, ok := byTag[ref]; ok && !(u.Kind == domain.KindCall && ref == u.Target) {
				for _, dep := range tagged {
					if !pruned[dep] {
						g.addEdge(dep, i)
					}
				}
				continue
			}
			rec, stored := snapshot[ref]
			if !stored {
				return nil, newResolutionError(ErrUnknownDependency, []string{u.Name, ref},
					"%q depends on %q which is neither queued nor recorded", u.Name, ref)
			}
			if !rec.IsUsable() {
				return nil, newResolutionError(ErrUnsatisfiedDependency, []string{u.Name, ref},
					"%q depends on %q whose record is %s", u.Name, ref, rec.Status)
			}
		}
	}

	selected := selectByTags(g, units, filterTags)

	order := g.topoOrder()
	if len(order) < len(units) {
		return nil, cycleError(g.findCycle())
	}

	for _, i := range order {
		u := units[i]
		switch {
		case !selected[i]:
			res.Filtered = append(res.Filtered, u)
			delete(res.Hashes, u.Name)
		case pruned[i]:
			res.Skipped = append(res.Skipped, u)
		default:
			res.Ordered = append(res.Ordered, u)
			for _, dep := range g.dependenciesOf(i) {
				res.deps[u.Name] = append(res.deps[u.Name], names[dep])
			}
		}
	}

	return res, nil
}

// selectByTags marks the units carrying any filter tag plus everything they
// transitively depend on. No filter selects every unit.
func selectByTags(g *graph, units []domain.DeploymentUnit, filterTags []string) []bool {
	selected := make([]bool, len(units))
	if len(filterTags) == 0 {
		for i := range selected {
			selected[i] = true
		}
		return selected
	}

	var mark func(i int)
	mark = func(i int) {
		if selected[i] {
			return
		}
		selected[i] = true
		for dep := range g.deps[i] {
			mark(dep)
		}
	}

	for i, u := range units {
		for _, tag := range filterTags {
			if u.Name == tag || u.HasTag(tag) {
				mark(i)
				break
			}
		}
	}
	return selected
}
