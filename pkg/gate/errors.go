package gate

import (
	"errors"
	"fmt"
	"slices"

	"platforminit/pkg/feature"
)

// Readiness rejection reasons.
var (
	ErrNotCompatible    = errors.New("not compatible")
	ErrActivationFailed = errors.New("activation failed")
)

var (
	// ErrUnknownFeature is returned by New for ids missing from the registry.
	ErrUnknownFeature = errors.New("undefined required feature")
	// ErrInvalidTransition guards the state machine against illegal moves.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// UnknownFeatureError names a required feature that is not registered.
type UnknownFeatureError struct {
	ID string
}

func (e *UnknownFeatureError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownFeature, e.ID)
}

func (e *UnknownFeatureError) Unwrap() error {
	return ErrUnknownFeature
}

// CallbackError wraps an error returned by a feature callback.
type CallbackError struct {
	Step      feature.Step
	FeatureID string
	Err       error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.FeatureID, e.Step, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// FailureError is the rejection of the readiness future. It matches
// ErrNotCompatible or ErrActivationFailed with errors.Is, and any callback
// errors with errors.As.
type FailureError struct {
	Step    feature.Step
	Reason  error
	Details map[string]bool
	// Err joins the callback errors of the step, if any.
	Err error
}

func (e *FailureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Reason, e.Err)
	}
	return e.Reason.Error()
}

func (e *FailureError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

// FailedFeatures returns the sorted ids whose step result was false.
func (e *FailureError) FailedFeatures() []string {
	var ids []string
	for id, ok := range e.Details {
		if !ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}
