// Package feature defines feature definitions and the registry that maps
// feature names (and their aliases) to definitions.
//
// A feature has up to two steps. Check runs before any user gesture and
// reports whether the feature can work at all. Activate runs inside the
// gesture and performs the initialization that the host only permits there.
package feature

import (
	"context"
	"fmt"

	"platforminit/pkg/future"
	"platforminit/pkg/platform"
)

// Step names a phase of the gate.
type Step string

// Steps run by the gate, in order.
const (
	StepCheck    Step = "check"
	StepActivate Step = "activate"
)

// String implements fmt.Stringer.
func (s Step) String() string {
	return string(s)
}

// StepFunc is the callback for one step of one feature.
//
// The function body runs synchronously when the step is issued. Anything that
// must happen inside the user gesture (permission prompts, audio resume) has to
// be started before returning; the returned future may settle later.
type StepFunc func(ctx context.Context, call *Call) *future.Future[bool]

// Definition describes a feature. A nil step func means the feature has
// nothing to do for that step and counts as successful.
type Definition struct {
	ID       string
	Aliases  []string
	Check    StepFunc
	Activate StepFunc
}

// StepFunc returns the callback registered for step, or nil.
func (d Definition) StepFunc(step Step) StepFunc {
	switch step {
	case StepCheck:
		return d.Check
	case StepActivate:
		return d.Activate
	default:
		return nil
	}
}

// Call carries the inputs of one step invocation.
type Call struct {
	FeatureID string
	Step      Step
	// Infos is the platform description computed before the first step.
	Infos platform.Info
	// State is a read-only snapshot of the gate state at issue time.
	State any
	Args  []any

	expose func(payload any)
}

// NewCall builds a call. expose may be nil when the caller does not collect payloads.
func NewCall(id string, step Step, infos platform.Info, state any, args []any, expose func(any)) *Call {
	return &Call{
		FeatureID: id,
		Step:      step,
		Infos:     infos,
		State:     state,
		Args:      args,
		expose:    expose,
	}
}

// Arg returns the i-th argument, or nil when absent.
func (c *Call) Arg(i int) any {
	if i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}

// Expose publishes a resource produced by the step (a media stream, a sensor
// handle) so the application can fetch it after the gate opens.
func (c *Call) Expose(payload any) {
	if c.expose != nil {
		c.expose(payload)
	}
}

// ArgAs returns the i-th argument asserted to T.
func ArgAs[T any](c *Call, i int) (T, bool) {
	v, ok := c.Arg(i).(T)
	return v, ok
}

// Func adapts a blocking predicate into a StepFunc. The predicate runs on its
// own goroutine, so it must not need the gesture context; use a raw StepFunc
// when the host API has to be called synchronously.
func Func(fn func(ctx context.Context, call *Call) (bool, error)) StepFunc {
	return func(ctx context.Context, call *Call) *future.Future[bool] {
		return future.Go(func() (bool, error) {
			return fn(ctx, call)
		})
	}
}

// Always returns a StepFunc resolving immediately to v.
func Always(v bool) StepFunc {
	return func(context.Context, *Call) *future.Future[bool] {
		return future.Resolved(v)
	}
}

// MissingArgError reports a required argument that was not supplied.
type MissingArgError struct {
	FeatureID string
	Want      string
}

func (e *MissingArgError) Error() string {
	return fmt.Sprintf("feature `%s` requires %s as argument", e.FeatureID, e.Want)
}
