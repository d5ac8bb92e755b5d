package newtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/newtron-network/newtconv/pkg/fault"
	"github.com/newtron-network/newtconv/pkg/harness"
	"github.com/newtron-network/newtconv/pkg/intent"
	"github.com/newtron-network/newtconv/pkg/poll"
	"github.com/newtron-network/newtconv/pkg/rib"
	"github.com/newtron-network/newtconv/pkg/util"
)

// stepExecutor executes a single step and returns its result.
type stepExecutor interface {
	Execute(ctx context.Context, r *Runner, step *Step) *StepResult
}

// executors maps each StepAction to its executor implementation.
var executors = map[StepAction]stepExecutor{
	ActionApplyConfig:      &applyConfigExecutor{},
	ActionRemoveConfig:     &removeConfigExecutor{},
	ActionResetConfig:      &resetConfigExecutor{},
	ActionVerifyBGP:        &verifyBGPExecutor{},
	ActionClearBGP:         &clearBGPExecutor{},
	ActionVerifyRoutes:     &verifyRoutesExecutor{},
	ActionSetInterface:     &setInterfaceExecutor{},
	ActionFlapInterface:    &flapInterfaceExecutor{},
	ActionResolveLinkLocal: &resolveLinkLocalExecutor{},
	ActionWait:             &waitExecutor{},
	ActionCommand:          &commandExecutor{},
}

// statusOf maps an error to a step status. Routers that did not reach the
// expected state, or refused a statement, fail the step; anything else is an
// error in the run itself.
func statusOf(err error) StepStatus {
	switch {
	case err == nil:
		return StepStatusPassed
	case errors.Is(err, util.ErrConvergenceTimeout),
		errors.Is(err, util.ErrConfigRejected),
		errors.Is(err, util.ErrValidationFailed):
		return StepStatusFailed
	}
	return StepStatusError
}

// pollOptions returns the step's polling bounds. Zero fields fall back to
// the harness defaults.
func pollOptions(step *Step) poll.Options {
	if step.Expect == nil {
		return poll.Options{}
	}
	return poll.Options{Timeout: step.Expect.Timeout, Interval: step.Expect.PollInterval}
}

// forRouters runs fn on each target router in turn and collects one detail
// per router. The step fails if any router fails.
func (r *Runner) forRouters(step *Step, fn func(router string) (string, error)) *StepResult {
	names := r.resolveRouters(step)
	if len(names) == 0 {
		return &StepResult{Status: StepStatusError, Message: "no routers resolved"}
	}

	details := make([]RouterResult, 0, len(names))
	for _, name := range names {
		msg, err := fn(name)
		if err != nil {
			details = append(details, RouterResult{Router: name, Status: statusOf(err), Message: err.Error()})
			continue
		}
		details = append(details, RouterResult{Router: name, Status: StepStatusPassed, Message: msg})
	}

	res := &StepResult{Details: details, Status: StepStatusPassed}
	if len(names) == 1 {
		res.Router = names[0]
	}
	for _, d := range details {
		switch {
		case d.Status == StepStatusFailed:
			res.Status = StepStatusFailed
		case d.Status == StepStatusError && res.Status == StepStatusPassed:
			res.Status = StepStatusError
		}
	}
	if res.Status == StepStatusPassed && len(details) == 1 {
		res.Message = details[0].Message
	}
	return res
}

// ============================================================================
// Configuration
// ============================================================================

type applyConfigExecutor struct{}

func (e *applyConfigExecutor) Execute(ctx context.Context, r *Runner, step *Step) *StepResult {
	if err := r.h.Apply(ctx, step.Config); err != nil {
		return &StepResult{Status: statusOf(err), Message: err.Error()}
	}
	return &StepResult{
		Status:  StepStatusPassed,
		Message: "applied to " + strings.Join(step.Config.Routers(), ", "),
	}
}

type removeConfigExecutor struct{}

func (e *removeConfigExecutor) Execute(ctx context.Context, r *Runner, step *Step) *StepResult {
	set := make(intent.Set, len(step.Config))
	for name, cfg := range step.Config {
		set[name] = intent.Removal(cfg)
	}
	if err := r.h.Apply(ctx, set); err != nil {
		return &StepResult{Status: statusOf(err), Message: err.Error()}
	}
	return &StepResult{
		Status:  StepStatusPassed,
		Message: "removed from " + strings.Join(set.Routers(), ", "),
	}
}

type resetConfigExecutor struct{}

func (e *resetConfigExecutor) Execute(ctx context.Context, r *Runner, step *Step) *StepResult {
	var routers []string
	if !step.Routers.IsZero() {
		routers = r.resolveRouters(step)
	}
	if err := r.h.Reset(ctx, routers...); err != nil {
		return &StepResult{Status: statusOf(err), Message: err.Error()}
	}
	if len(routers) == 0 {
		return &StepResult{Status: StepStatusPassed, Message: "all routers reset"}
	}
	return &StepResult{Status: StepStatusPassed, Message: "reset " + strings.Join(routers, ", ")}
}

// ============================================================================
// BGP sessions
// ============================================================================

// sessionTargets returns the routers named by the step, or nil for all.
func (r *Runner) sessionTargets(step *Step) []string {
	if step.Routers.IsZero() {
		return nil
	}
	return r.resolveRouters(step)
}

func sessionResult(states harness.SessionStates, err error) *StepResult {
	if err != nil {
		return &StepResult{Status: statusOf(err), Message: err.Error()}
	}
	n := 0
	for _, peers := range states {
		n += len(peers)
	}
	return &StepResult{
		Status:  StepStatusPassed,
		Message: fmt.Sprintf("%d sessions established on %d routers", n, len(states)),
	}
}

type verifyBGPExecutor struct{}

func (e *verifyBGPExecutor) Execute(ctx context.Context, r *Runner, step *Step) *StepResult {
	return sessionResult(r.h.VerifyBGPConvergence(ctx, pollOptions(step), r.sessionTargets(step)...))
}

type clearBGPExecutor struct{}

func (e *clearBGPExecutor) Execute(ctx context.Context, r *Runner, step *Step) *StepResult {
	return sessionResult(r.h.ClearBGPAndVerify(ctx, pollOptions(step), r.sessionTargets(step)...))
}

// ============================================================================
// Routes
// ============================================================================

type verifyRoutesExecutor struct{}

func (e *verifyRoutesExecutor) Execute(ctx context.Context, r *Runner, step *Step) *StepResult {
	exps, err := routeExpectations(step.Routes)
	if err != nil {
		return &StepResult{Status: StepStatusError, Message: err.Error()}
	}

	var opts []rib.MatchOption
	if x := step.Expect; x != nil {
		if x.Strict {
			opts = append(opts, rib.WithStrict())
		}
		if x.Protocol != "" {
			opts = append(opts, rib.WithProtocol(x.Protocol))
		}
	}

	return r.forRouters(step, func(router string) (string, error) {
		rep, err := r.h.VerifyRoutes(ctx, harness.RouteCheck{
			Router:       router,
			AFI:          step.AFI,
			Table:        rib.Table(step.Table),
			Expectations: exps,
			Options:      opts,
			Poll:         pollOptions(step),
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d prefixes matched", len(rep.Outcomes)), nil
	})
}

// routeExpectations expands route specs into per-prefix expectations.
func routeExpectations(routes []RouteSpec) ([]rib.Expectation, error) {
	var out []rib.Expectation
	for _, rs := range routes {
		exps, err := rib.Expand(rs.Network, rs.Count, rib.Expectation{
			Count:    rs.NextHopCount,
			NextHops: rs.NextHops,
			Absent:   rs.Absent,
			Protocol: rs.Protocol,
			Mode:     rib.Mode(rs.Mode),
		})
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rs.Network, err)
		}
		out = append(out, exps...)
	}
	return out, nil
}

// ============================================================================
// Interfaces
// ============================================================================

type setInterfaceExecutor struct{}

func (e *setInterfaceExecutor) Execute(ctx context.Context, r *Runner, step *Step) *StepResult {
	up, err := fault.ParseAdminStatus(step.Status)
	if err != nil {
		return &StepResult{Status: StepStatusError, Message: err.Error()}
	}
	return r.forRouters(step, func(router string) (string, error) {
		if err := r.h.SetInterfaceAdmin(ctx, router, step.Interface, up); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s admin %s", step.Interface, step.Status), nil
	})
}

type flapInterfaceExecutor struct{}

func (e *flapInterfaceExecutor) Execute(ctx context.Context, r *Runner, step *Step) *StepResult {
	return r.forRouters(step, func(router string) (string, error) {
		if err := r.h.Flap(ctx, router, step.Interface, step.Hold); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s flapped (hold %s)", step.Interface, step.Hold), nil
	})
}

type resolveLinkLocalExecutor struct{}

func (e *resolveLinkLocalExecutor) Execute(ctx context.Context, r *Runner, step *Step) *StepResult {
	return r.forRouters(step, func(router string) (string, error) {
		addr, err := r.h.ResolveLinkLocal(ctx, router, step.Interface, pollOptions(step))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s is %s", step.Interface, addr), nil
	})
}

// ============================================================================
// Utility
// ============================================================================

type waitExecutor struct{}

func (e *waitExecutor) Execute(ctx context.Context, r *Runner, step *Step) *StepResult {
	t := time.NewTimer(step.Duration)
	defer t.Stop()
	select {
	case <-t.C:
		return &StepResult{Status: StepStatusPassed, Message: fmt.Sprintf("waited %s", step.Duration)}
	case <-ctx.Done():
		return &StepResult{Status: StepStatusError, Message: ctx.Err().Error()}
	}
}
