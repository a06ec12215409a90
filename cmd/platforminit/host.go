package main

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"platforminit/pkg/builtin"
	"platforminit/pkg/future"
	"platforminit/pkg/logx"
)

// simHost stands in for a browser: an audio context, capture devices and a
// motion sensor that all succeed after a short, configurable latency.
type simHost struct {
	logger  *logx.Logger
	latency time.Duration
	deny    map[string]bool

	audio   *simAudioContext
	devices *simMediaDevices
	motion  *simMotionSensor
	reloads atomic.Int32
}

func newSimHost(sampleRate float64, latency time.Duration, deny []string) *simHost {
	h := &simHost{
		logger:  logx.NewLogger("host"),
		latency: latency,
		deny:    make(map[string]bool, len(deny)),
	}
	for _, d := range deny {
		h.deny[d] = true
	}
	h.audio = &simAudioContext{host: h, sampleRate: sampleRate, started: time.Now()}
	h.devices = &simMediaDevices{host: h}
	h.motion = &simMotionSensor{host: h}
	return h
}

// Reload implements builtin.Host.
func (h *simHost) Reload() {
	h.reloads.Add(1)
	h.logger.Warn("🔁 Reload requested")
}

// MediaDevices implements builtin.Host.
func (h *simHost) MediaDevices() builtin.MediaDevices {
	return h.devices
}

// after settles a future once the simulated latency elapsed.
func after[T any](h *simHost, v T, err error) *future.Future[T] {
	f := future.New[T]()
	time.AfterFunc(h.latency, func() { f.Settle(v, err) })
	return f
}

type simAudioContext struct {
	host       *simHost
	sampleRate float64
	started    time.Time
}

func (c *simAudioContext) Resume() *future.Future[struct{}] {
	c.host.logger.Info("🔊 Audio context resumed at %.0fHz", c.sampleRate)
	return after(c.host, struct{}{}, nil)
}

func (c *simAudioContext) SampleRate() float64 { return c.sampleRate }

func (c *simAudioContext) CurrentTime() float64 {
	return time.Since(c.started).Seconds()
}

func (c *simAudioContext) CreateOscillator(frequency, gain float64) builtin.Oscillator {
	return &simOscillator{logger: c.host.logger, frequency: frequency, gain: gain}
}

type simOscillator struct {
	logger    *logx.Logger
	frequency float64
	gain      float64
}

func (o *simOscillator) Start(when float64) {
	o.logger.Info("🎵 Oscillator %.0fHz (gain %g) started at %.3fs", o.frequency, o.gain, when)
}

func (o *simOscillator) Stop(when float64) {
	o.logger.Info("🎵 Oscillator stopped at %.3fs", when)
}

type simMediaDevices struct {
	host *simHost
}

func (d *simMediaDevices) GetUserMedia(c builtin.MediaConstraints) *future.Future[builtin.MediaStream] {
	kind := "camera"
	if c.Audio != nil {
		kind = "microphone"
	}
	if d.host.deny[kind] {
		return after[builtin.MediaStream](d.host, nil, fmt.Errorf("%s permission denied", kind))
	}
	d.host.logger.Info("🎙️ %s stream opened", kind)
	return after[builtin.MediaStream](d.host, &simStream{id: uuid.NewString()}, nil)
}

type simStream struct {
	id string
}

func (s *simStream) ID() string    { return s.id }
func (s *simStream) Active() bool { return true }

type simMotionSensor struct {
	host *simHost
}

func (s *simMotionSensor) RequestPermission() *future.Future[bool] {
	granted := !s.host.deny["devicemotion"]
	return after(s.host, granted, nil)
}
