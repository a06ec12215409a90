// Package builtin ships the feature definitions every gate can require without
// registering anything itself: web audio (with its iOS sample-rate guard),
// device motion, microphone and camera.
//
// Device APIs are reached through the small interfaces below; the host
// application adapts its real audio stack or media layer to them.
package builtin

import (
	"platforminit/pkg/future"
)

// AudioContext is the part of an audio context the web-audio feature drives.
type AudioContext interface {
	// Resume must be called from inside the user gesture.
	Resume() *future.Future[struct{}]
	SampleRate() float64
	CurrentTime() float64
	// CreateOscillator returns an oscillator routed through a gain of gain
	// (linear) to the context destination.
	CreateOscillator(frequency, gain float64) Oscillator
}

// Oscillator is a schedulable sound source.
type Oscillator interface {
	Start(when float64)
	Stop(when float64)
}

// MotionSensor gives access to device motion events.
type MotionSensor interface {
	// RequestPermission prompts the user; must run inside the gesture.
	RequestPermission() *future.Future[bool]
}

// MediaStream is an acquired capture stream.
type MediaStream interface {
	ID() string
	Active() bool
}

// AudioConstraints configure microphone processing.
type AudioConstraints struct {
	EchoCancellation bool `json:"echo_cancellation" yaml:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression" yaml:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control" yaml:"auto_gain_control"`
}

// MediaConstraints select which tracks to capture.
type MediaConstraints struct {
	Audio *AudioConstraints
	Video bool
}

// MediaDevices acquires capture streams.
type MediaDevices interface {
	// GetUserMedia prompts the user; must run inside the gesture.
	GetUserMedia(c MediaConstraints) *future.Future[MediaStream]
}

// Host is the environment the built-in definitions act on.
type Host interface {
	// Reload restarts the page / client. Used as the corrective action of the
	// iOS sample-rate guard.
	Reload()
	// MediaDevices returns nil when capture is unsupported.
	MediaDevices() MediaDevices
}
