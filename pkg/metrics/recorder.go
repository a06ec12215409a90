// Package metrics records gate activity: per-feature step outcomes, step
// durations, state transitions and ignored duplicate gestures.
package metrics

import (
	"time"
)

// Outcome labels for feature steps.
const (
	OutcomeTrue  = "true"
	OutcomeFalse = "false"
	OutcomeError = "error"
)

// Recorder defines the interface for recording gate metrics.
type Recorder interface {
	// ObserveFeature records one feature's contribution to a step.
	ObserveFeature(step, featureID, outcome string, duration time.Duration)

	// ObserveStep records the aggregate verdict of a step.
	ObserveStep(step string, passed bool, duration time.Duration)

	// ObserveTransition counts a state change.
	ObserveTransition(from, to string)

	// IncDuplicateGesture counts gestures ignored by the once-only guard.
	IncDuplicateGesture()
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveFeature does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveFeature(_, _, _ string, _ time.Duration) {}

// ObserveStep does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveStep(_ string, _ bool, _ time.Duration) {}

// ObserveTransition does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveTransition(_, _ string) {}

// IncDuplicateGesture does nothing in the no-op recorder.
func (n *NoopRecorder) IncDuplicateGesture() {}
