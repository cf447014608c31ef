package planfile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/artpar/dualdeploy/internal/core/domain"
	"github.com/artpar/dualdeploy/internal/core/plan"
	"github.com/artpar/dualdeploy/internal/core/resolver"
	"github.com/artpar/dualdeploy/internal/shell/session"
)

// =============================================================================
// Step Selection
// =============================================================================

// SelectSteps orders the plan's steps by their dependencies and keeps the
// steps matching tags by name or tag, plus everything they depend on. No
// tags selects every step.
func SelectSteps(p *Plan, tags []string) ([]Step, error) {
	nodes := make([]resolver.Node, len(p.Steps))
	for i, s := range p.Steps {
		nodes[i] = resolver.Node{Name: s.Name, Tags: s.Tags, DependsOn: s.Dependencies}
	}
	order, err := resolver.Order(nodes)
	if err != nil {
		return nil, err
	}

	selected := make([]bool, len(p.Steps))
	if len(tags) == 0 {
		for i := range selected {
			selected[i] = true
		}
	} else {
		byName := make(map[string]int, len(p.Steps))
		for i, s := range p.Steps {
			byName[s.Name] = i
		}

		var mark func(i int)
		mark = func(i int) {
			if selected[i] {
				return
			}
			selected[i] = true
			for _, ref := range p.Steps[i].Dependencies {
				if dep, ok := byName[ref]; ok {
					mark(dep)
					continue
				}
				for j, s := range p.Steps {
					if hasString(s.Tags, ref) {
						mark(j)
					}
				}
			}
		}

		for i, s := range p.Steps {
			for _, tag := range tags {
				if s.Name == tag || hasString(s.Tags, tag) {
					mark(i)
					break
				}
			}
		}
	}

	out := make([]Step, 0, len(order))
	for _, i := range order {
		if selected[i] {
			out = append(out, p.Steps[i])
		}
	}
	return out, nil
}

func hasString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// =============================================================================
// Runner
// =============================================================================

// StepError wraps a failure with the step that caused it.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// StepReport is the outcome of one executed step.
type StepReport struct {
	Step   string
	Result *session.ExecuteResult
}

// Report is the outcome of a plan run.
type Report struct {
	Steps []StepReport
}

// Records returns the final record of every unit the run covered, in step
// order.
func (r *Report) Records() []*domain.DeploymentRecord {
	var out []*domain.DeploymentRecord
	for _, s := range r.Steps {
		out = append(out, s.Result.Records...)
	}
	return out
}

// RunOptions adjusts a plan run.
type RunOptions struct {
	Tags []string // Step filter
}

// Runner drives an orchestrator through a plan.
type Runner struct {
	orch   session.Orchestrator
	logger *slog.Logger
}

// NewRunner creates a runner.
func NewRunner(orch session.Orchestrator, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{orch: orch, logger: logger.With("component", "planfile")}
}

// Run executes the selected steps in order. Each step's intents are queued
// with ${Name.address} references substituted from the store, then executed.
// References may name units of earlier steps or of the same step.
// The run stops at the first failing step; the report covers the steps that
// completed.
func (r *Runner) Run(ctx context.Context, p *Plan, opts RunOptions) (*Report, error) {
	steps, err := SelectSteps(p, opts.Tags)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		r.logger.Info("running step", "step", step.Name, "intents", len(step.Intents))
		result, err := r.runStep(ctx, step)
		if err != nil {
			return report, &StepError{Step: step.Name, Err: err}
		}
		report.Steps = append(report.Steps, StepReport{Step: step.Name, Result: result})
	}
	return report, nil
}

// runStep executes the step's intents wave by wave. An intent referencing
// another intent of the same step waits for a later wave, so its arguments
// are substituted from the record the earlier wave produced.
func (r *Runner) runStep(ctx context.Context, step Step) (*session.ExecuteResult, error) {
	waves := stepWaves(step.Intents)
	if len(waves) > 1 {
		r.logger.Debug("step split into waves", "step", step.Name, "waves", len(waves))
	}

	merged := &session.ExecuteResult{}
	for _, wave := range waves {
		result, err := r.runWave(ctx, wave)
		if err != nil {
			return nil, err
		}
		merged.Records = append(merged.Records, result.Records...)
		merged.Batches = append(merged.Batches, result.Batches...)
		merged.Skipped = append(merged.Skipped, result.Skipped...)
		merged.Filtered = append(merged.Filtered, result.Filtered...)
	}
	return merged, nil
}

func (r *Runner) runWave(ctx context.Context, intents []Intent) (*session.ExecuteResult, error) {
	for _, in := range intents {
		args, err := r.substitute(ctx, in.Args)
		if err != nil {
			r.orch.Clear()
			return nil, fmt.Errorf("intent %s: %w", in.Name, err)
		}
		in.Args = args
		if err := r.enqueue(in); err != nil {
			r.orch.Clear()
			return nil, err
		}
	}

	result, err := r.orch.Execute(ctx)
	if err != nil {
		// Intents are queued again by the next run of the step.
		r.orch.Clear()
		return nil, err
	}
	return result, nil
}

// stepWaves groups intents into consecutive executes. An intent goes one
// wave after every same-step intent its arguments reference, and no earlier
// than the intents it depends on or calls into. Declaration order is kept
// inside a wave. When the waves do not settle, as with a reference cycle,
// everything runs in one wave and resolution reports the problem.
func stepWaves(intents []Intent) [][]Intent {
	matching := func(ref string, self int) []int {
		var out []int
		for j, in := range intents {
			if j != self && (in.Name == ref || hasString(in.Tags, ref)) {
				out = append(out, j)
			}
		}
		return out
	}

	wave := make([]int, len(intents))
	settled := false
	for pass := 0; pass <= len(intents) && !settled; pass++ {
		settled = true
		for i, in := range intents {
			w := 0
			for _, ref := range plan.References(in.Args) {
				for _, j := range matching(ref, i) {
					w = max(w, wave[j]+1)
				}
			}
			deps := in.DependsOn
			if in.Kind == domain.KindCall && in.Target != "" {
				deps = append([]string{in.Target}, deps...)
			}
			for _, dep := range deps {
				for _, j := range matching(dep, i) {
					w = max(w, wave[j])
				}
			}
			if w != wave[i] {
				wave[i] = w
				settled = false
			}
		}
	}
	if !settled {
		return [][]Intent{intents}
	}

	var waves [][]Intent
	for i, in := range intents {
		for len(waves) <= wave[i] {
			waves = append(waves, nil)
		}
		waves[wave[i]] = append(waves[wave[i]], in)
	}
	return waves
}

func (r *Runner) enqueue(in Intent) error {
	if in.Kind == domain.KindCall {
		return r.orch.AddCallIntent(session.CallRequest{
			Name:      in.Name,
			Target:    in.Target,
			Method:    in.Method,
			Args:      in.Args,
			Tags:      in.Tags,
			DependsOn: in.DependsOn,
		})
	}
	return r.orch.AddDeployIntent(session.DeployRequest{
		Name:      in.Name,
		Contract:  in.Contract,
		Args:      in.Args,
		Tags:      in.Tags,
		DependsOn: in.DependsOn,
	})
}

// substitute resolves references against current store records.
func (r *Runner) substitute(ctx context.Context, args []any) ([]any, error) {
	refs := plan.References(args)
	if len(refs) == 0 {
		return args, nil
	}

	records := make(map[string]*domain.DeploymentRecord, len(refs))
	for _, name := range refs {
		rec, err := r.orch.Get(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("look up %s: %w", name, err)
		}
		if rec != nil {
			records[name] = rec
		}
	}
	return plan.Substitute(args, plan.FromRecords(records))
}
