package builtin

import (
	"context"
	"fmt"

	"platforminit/pkg/feature"
	"platforminit/pkg/future"
	"platforminit/pkg/logx"
	"platforminit/pkg/platform"
)

// Built-in feature ids.
const (
	WebAudio           = "web-audio"
	IOSSampleRateGuard = "clean-ios-audio-context-sample-rate"
	DeviceMotion       = "devicemotion"
	Microphone         = "microphone"
	Camera             = "camera"
)

const (
	// Below this rate iOS contexts have been seen producing clicks and noise.
	minIOSSampleRate = 40000

	keepAliveFrequency = 20
	keepAliveGain      = 0.000000001 // -180dB
	keepAliveDuration  = 0.01
)

//nolint:gochecknoglobals // package logger
var logger = logx.NewLogger("builtin")

// Register installs the built-in definitions into reg.
func Register(reg *feature.Registry, host Host) {
	reg.Register(WebAudio, WebAudioDefinition())
	reg.Register(IOSSampleRateGuard, SampleRateGuardDefinition(host))
	reg.Register(DeviceMotion, DeviceMotionDefinition())
	reg.Register(Microphone, MicrophoneDefinition(host))
	reg.Register(Camera, CameraDefinition(host))
}

// WebAudioDefinition resumes an AudioContext passed as first argument. On
// mobile it also plays an inaudible oscillator, left running on Android where
// it keeps the platform from suspending audio output.
func WebAudioDefinition() feature.Definition {
	return feature.Definition{
		ID:      WebAudio,
		Aliases: []string{"webaudio", "audio-context", "audioContext"},
		Check: func(_ context.Context, call *feature.Call) *future.Future[bool] {
			if _, ok := feature.ArgAs[AudioContext](call, 0); !ok {
				return future.Rejected[bool](&feature.MissingArgError{FeatureID: call.FeatureID, Want: "an audio context"})
			}
			return future.Resolved(true)
		},
		Activate: func(_ context.Context, call *feature.Call) *future.Future[bool] {
			audioCtx, ok := feature.ArgAs[AudioContext](call, 0)
			if !ok {
				return future.Rejected[bool](&feature.MissingArgError{FeatureID: call.FeatureID, Want: "an audio context"})
			}

			resumed := audioCtx.Resume()
			infos := call.Infos

			return future.Go(func() (bool, error) {
				<-resumed.Done()
				if _, err, _ := resumed.Peek(); err != nil {
					return false, fmt.Errorf("resume audio context: %w", err)
				}

				if !infos.Mobile {
					return true, nil
				}

				osc := audioCtx.CreateOscillator(keepAliveFrequency, keepAliveGain)
				osc.Start(0)
				if infos.OS != platform.OSAndroid {
					osc.Stop(audioCtx.CurrentTime() + keepAliveDuration)
				}
				return true, nil
			})
		},
	}
}

// SampleRateGuardDefinition reloads the client when an iOS audio context comes
// up with a broken sample rate. The reload is the fix, so the step still succeeds.
func SampleRateGuardDefinition(host Host) feature.Definition {
	return feature.Definition{
		ID: IOSSampleRateGuard,
		Activate: func(_ context.Context, call *feature.Call) *future.Future[bool] {
			if call.Infos.OS != platform.OSIOS {
				return future.Resolved(true)
			}

			audioCtx, ok := feature.ArgAs[AudioContext](call, 0)
			if !ok {
				return future.Resolved(true)
			}

			if rate := audioCtx.SampleRate(); rate < minIOSSampleRate {
				logger.Warn("⚠️ iOS audio context sample rate %.0fHz < %dHz, reloading", rate, minIOSSampleRate)
				if host != nil {
					host.Reload()
				}
			}
			return future.Resolved(true)
		},
	}
}

// DeviceMotionDefinition requests motion-sensor permission. The sensor is the
// first argument.
func DeviceMotionDefinition() feature.Definition {
	return feature.Definition{
		ID:      DeviceMotion,
		Aliases: []string{"device-motion", "@ircam/devicemotion"},
		Check: func(_ context.Context, call *feature.Call) *future.Future[bool] {
			if _, ok := feature.ArgAs[MotionSensor](call, 0); !ok {
				return future.Rejected[bool](&feature.MissingArgError{FeatureID: call.FeatureID, Want: "a motion sensor"})
			}
			return future.Resolved(true)
		},
		Activate: func(_ context.Context, call *feature.Call) *future.Future[bool] {
			sensor, ok := feature.ArgAs[MotionSensor](call, 0)
			if !ok {
				return future.Rejected[bool](&feature.MissingArgError{FeatureID: call.FeatureID, Want: "a motion sensor"})
			}
			granted := sensor.RequestPermission()
			call.Expose(sensor)
			return granted
		},
	}
}

// MicrophoneDefinition opens an audio capture stream with all processing
// disabled unless the argument says otherwise. The stream is exposed as payload.
func MicrophoneDefinition(host Host) feature.Definition {
	return feature.Definition{
		ID:      Microphone,
		Aliases: []string{"mic", "micro"},
		Check:   mediaAvailable(host),
		Activate: func(_ context.Context, call *feature.Call) *future.Future[bool] {
			constraints := MediaConstraints{Audio: audioConstraints(call.Arg(0))}
			return acquireStream(host, call, constraints)
		},
	}
}

// CameraDefinition opens a video capture stream exposed as payload.
func CameraDefinition(host Host) feature.Definition {
	return feature.Definition{
		ID:    Camera,
		Check: mediaAvailable(host),
		Activate: func(_ context.Context, call *feature.Call) *future.Future[bool] {
			return acquireStream(host, call, MediaConstraints{Video: true})
		},
	}
}

func mediaAvailable(host Host) feature.StepFunc {
	return func(context.Context, *feature.Call) *future.Future[bool] {
		return future.Resolved(host != nil && host.MediaDevices() != nil)
	}
}

func acquireStream(host Host, call *feature.Call, c MediaConstraints) *future.Future[bool] {
	if host == nil || host.MediaDevices() == nil {
		return future.Resolved(false)
	}

	pending := host.MediaDevices().GetUserMedia(c)
	id := call.FeatureID

	return future.Go(func() (bool, error) {
		<-pending.Done()
		stream, err, _ := pending.Peek()
		if err != nil {
			return false, fmt.Errorf("%s access failed: %w", id, err)
		}
		call.Expose(stream)
		return stream != nil && stream.Active(), nil
	})
}

// audioConstraints reads microphone options. Everything defaults to off.
func audioConstraints(arg any) *AudioConstraints {
	c := &AudioConstraints{}
	switch v := arg.(type) {
	case AudioConstraints:
		*c = v
	case *AudioConstraints:
		if v != nil {
			*c = *v
		}
	case map[string]any:
		c.EchoCancellation, _ = v["echo_cancellation"].(bool)
		c.NoiseSuppression, _ = v["noise_suppression"].(bool)
		c.AutoGainControl, _ = v["auto_gain_control"].(bool)
	}
	return c
}
