package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"platforminit/pkg/feature"
	"platforminit/pkg/future"
	"platforminit/pkg/metrics"
)

// pendingResult is one issued, not yet awaited, feature step.
type pendingResult struct {
	featureID string
	result    *future.Future[bool]
	issuedAt  time.Time
}

// Pending holds the issued results of one step, in requirement order.
type Pending struct {
	step    feature.Step
	results []pendingResult
	started time.Time
}

// Len returns the number of issued results.
func (p *Pending) Len() int {
	return len(p.results)
}

// issue invokes step for every requirement, in order, on the calling goroutine.
// It never blocks on a result: a host API that only works while handling the
// gesture has been called by the time issue returns.
func (m *Machine) issue(ctx context.Context, step feature.Step, state State) *Pending {
	p := &Pending{step: step, started: time.Now()}

	for _, req := range m.requirements {
		fn := req.def.StepFunc(step)
		pr := pendingResult{featureID: req.ID, issuedAt: time.Now()}

		if fn == nil {
			pr.result = future.Resolved(true)
		} else {
			var expose func(any)
			if step == feature.StepActivate {
				expose = m.exposer(req.ID)
			}
			call := feature.NewCall(req.ID, step, *state.Infos, state.Clone(), req.Args, expose)
			pr.result = invoke(ctx, fn, call)
		}

		p.results = append(p.results, pr)
	}

	return p
}

// invoke calls fn, turning a panic or a nil future into a rejected result.
func invoke(ctx context.Context, fn feature.StepFunc, call *feature.Call) (result *future.Future[bool]) {
	defer func() {
		if r := recover(); r != nil {
			result = future.Rejected[bool](fmt.Errorf("panic: %v", r))
		}
	}()

	result = fn(ctx, call)
	if result == nil {
		result = future.Rejected[bool](errors.New("callback returned no result"))
	}
	return result
}

// resolveAll awaits every issued result in order and folds them into a
// StepResult. The verdict is the logical AND of every feature. Callback errors
// force the verdict to false and are returned joined.
func (m *Machine) resolveAll(ctx context.Context, p *Pending) (StepResult, error) {
	if m.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.stepTimeout)
		defer cancel()
	}

	res := StepResult{Details: make(map[string]bool, len(p.results)), Result: true}
	var errs []error

	for _, pr := range p.results {
		ok, err := pr.result.Wait(ctx)
		outcome := metrics.OutcomeTrue

		switch {
		case err != nil:
			errs = append(errs, &CallbackError{Step: p.step, FeatureID: pr.featureID, Err: err})
			res.Details[pr.featureID] = false
			res.Result = false
			outcome = metrics.OutcomeError
		case !ok:
			res.Details[pr.featureID] = false
			res.Result = false
			outcome = metrics.OutcomeFalse
		default:
			res.Details[pr.featureID] = true
		}

		m.recorder.ObserveFeature(p.step.String(), pr.featureID, outcome, time.Since(pr.issuedAt))
	}

	m.recorder.ObserveStep(p.step.String(), res.Result, time.Since(p.started))
	return res, errors.Join(errs...)
}
