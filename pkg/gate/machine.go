// Package gate implements the startup gate: a state machine that checks a set
// of required features before any user gesture, activates them inside the
// first valid gesture, and settles a single readiness future with the outcome.
//
//	CONSTRUCTED -> CHECKING -> AWAITING_GESTURE -> ACTIVATING -> READY
//	                  |                                 |
//	                  +-> FAILED                        +-> FAILED
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"platforminit/pkg/feature"
	"platforminit/pkg/future"
	"platforminit/pkg/logx"
	"platforminit/pkg/metrics"
	"platforminit/pkg/platform"
)

// Machine gates application startup on its required features.
type Machine struct {
	id           string
	registry     *feature.Registry
	requirements []requirement

	mu          sync.Mutex
	status      Status
	state       State
	seq         uint64
	history     []Transition
	payloads    map[string]any
	ready       *future.Future[struct{}]
	observer    Observer
	recorder    metrics.Recorder
	logger      *logx.Logger
	userAgent   string
	infos       *platform.Info
	stepTimeout time.Duration
}

// Option configures a Machine.
type Option func(*Machine)

// WithID sets the machine id used in logs and snapshots. Defaults to a UUID.
func WithID(id string) Option {
	return func(m *Machine) { m.id = id }
}

// WithObserver mirrors every state mutation to o.
func WithObserver(o Observer) Option {
	return func(m *Machine) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithRecorder records metrics through r.
func WithRecorder(r metrics.Recorder) Option {
	return func(m *Machine) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithLogger replaces the default "gate" logger.
func WithLogger(l *logx.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithUserAgent sets the user-agent string platform detection runs on.
func WithUserAgent(ua string) Option {
	return func(m *Machine) { m.userAgent = ua }
}

// WithInfos bypasses user-agent detection.
func WithInfos(info platform.Info) Option {
	return func(m *Machine) { m.infos = &info }
}

// WithStepTimeout bounds how long each step waits for its results. Zero, the
// default, waits forever.
func WithStepTimeout(d time.Duration) Option {
	return func(m *Machine) { m.stepTimeout = d }
}

// New resolves features against reg and returns a machine in CONSTRUCTED
// state. It fails with *UnknownFeatureError if any id is not registered.
func New(reg *feature.Registry, features *Features, opts ...Option) (*Machine, error) {
	if reg == nil {
		return nil, errors.New("gate: nil registry")
	}

	reqs, err := resolveRequirements(reg, features)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		id:           uuid.NewString(),
		registry:     reg,
		requirements: reqs,
		status:       StatusConstructed,
		state:        State{Status: StatusConstructed},
		payloads:     make(map[string]any),
		ready:        future.New[struct{}](),
		observer:     nopObserver{},
		recorder:     metrics.Nop(),
		logger:       logx.NewLogger("gate"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(shortID(m.id))

	return m, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ID returns the machine id.
func (m *Machine) ID() string {
	return m.id
}

// Requirements returns the resolved required features in invocation order.
func (m *Machine) Requirements() []Requirement {
	out := make([]Requirement, len(m.requirements))
	for i, r := range m.requirements {
		out[i] = Requirement{ID: r.ID, Args: append([]any(nil), r.Args...)}
	}
	return out
}

// Ready returns the readiness future. It resolves when every feature is
// active and rejects with a *FailureError otherwise.
func (m *Machine) Ready() *future.Future[struct{}] {
	return m.ready
}

// Status returns the current machine state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// State returns a copy of the gate state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Transitions returns the transition history.
func (m *Machine) Transitions() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}

// Get returns the payload an activate callback exposed for featureID (or one
// of its aliases).
func (m *Machine) Get(featureID string) (any, bool) {
	if def, err := m.registry.Resolve(featureID); err == nil {
		featureID = def.ID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.payloads[featureID]
	return v, ok
}

func (m *Machine) exposer(id string) func(any) {
	return func(payload any) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.payloads[id] = payload
	}
}

// Start runs the check step and returns the readiness future. The future is
// already rejected when a check failed; otherwise it stays pending until
// OnUserGesture settles it. Calling Start again returns the same future.
//
// Cancelling ctx does not interrupt a running step; only WithStepTimeout
// bounds it.
func (m *Machine) Start(ctx context.Context) *future.Future[struct{}] {
	ctx = logx.WithComponent(context.WithoutCancel(ctx), m.logger.Component())

	m.mu.Lock()
	if m.status != StatusConstructed {
		m.mu.Unlock()
		return m.ready
	}

	infos := m.detectInfos()
	m.state.Infos = &infos
	if err := m.transitionLocked(StatusChecking); err != nil {
		m.mu.Unlock()
		m.ready.Reject(err)
		return m.ready
	}
	state := m.state.Clone()
	m.mu.Unlock()

	m.logger.Info("🔍 Checking %d required features (mobile=%t os=%s)", len(m.requirements), infos.Mobile, infos.OS)

	pending := m.issue(ctx, feature.StepCheck, state)
	result, err := m.resolveAll(ctx, pending)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Check = &result
	if err != nil || !result.Result {
		m.failLocked(feature.StepCheck, ErrNotCompatible, result, err)
		return m.ready
	}

	if err := m.transitionLocked(StatusAwaitingGesture); err != nil {
		m.ready.Reject(err)
		return m.ready
	}
	m.logger.Info("✅ All features available, waiting for user gesture")
	return m.ready
}

func (m *Machine) detectInfos() platform.Info {
	if m.infos != nil {
		info := *m.infos
		info.InteractionMode = ""
		return info
	}
	return platform.Detect(m.userAgent)
}

// OnUserGesture activates every required feature. Every activate callback is
// invoked before this method returns; their results are awaited in the
// background and settle the readiness future, which is returned.
//
// Only the first gesture received while AWAITING_GESTURE counts; any other
// call is a no-op returning the readiness future. An event type that cannot
// unlock host APIs is a programming error and leaves the machine untouched.
func (m *Machine) OnUserGesture(ctx context.Context, ev platform.Event) (*future.Future[struct{}], error) {
	ctx = logx.WithComponent(context.WithoutCancel(ctx), m.logger.Component())

	m.mu.Lock()
	if m.state.UserGestureTriggered || m.status != StatusAwaitingGesture {
		triggered := m.state.UserGestureTriggered
		m.mu.Unlock()
		if triggered {
			m.recorder.IncDuplicateGesture()
			logx.Debug(ctx, "gate", "ignoring duplicate %q gesture", ev.Type)
		}
		return m.ready, nil
	}

	mode, err := ev.Mode()
	if err != nil {
		m.mu.Unlock()
		return m.ready, &GestureError{Event: ev, Err: err}
	}

	m.state.UserGestureTriggered = true
	m.state.Infos.InteractionMode = mode
	if err := m.transitionLocked(StatusActivating); err != nil {
		m.mu.Unlock()
		return m.ready, err
	}
	state := m.state.Clone()
	m.mu.Unlock()

	m.logger.Info("👆 User gesture (%s, %s), activating features", ev.Type, mode)

	// Every activate callback is invoked here, before anything blocks.
	pending := m.issue(ctx, feature.StepActivate, state)
	go m.finishActivation(ctx, pending)

	return m.ready, nil
}

func (m *Machine) finishActivation(ctx context.Context, pending *Pending) {
	result, err := m.resolveAll(ctx, pending)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Activate = &result
	if err != nil || !result.Result {
		m.failLocked(feature.StepActivate, ErrActivationFailed, result, err)
		return
	}

	if err := m.transitionLocked(StatusReady); err != nil {
		m.ready.Reject(err)
		return
	}
	m.ready.Resolve(struct{}{})
	m.logger.Info("🎉 Gate open, %d features active", len(m.requirements))
}

// failLocked moves to FAILED and rejects readiness. Caller holds m.mu.
func (m *Machine) failLocked(step feature.Step, reason error, result StepResult, cause error) {
	failure := &FailureError{Step: step, Reason: reason, Details: result.Details, Err: cause}
	m.state.Reason = failure.Error()

	if err := m.transitionLocked(StatusFailed); err != nil {
		m.logger.Error("failed to record failure: %v", err)
	}
	m.logger.Error("❌ Gate %s: %s (details: %v)", step, failure.Error(), result.Details)
	m.ready.Reject(failure)
}

// transitionLocked validates and applies a state change, then publishes a
// snapshot. Caller holds m.mu.
func (m *Machine) transitionLocked(to Status) error {
	from := m.status
	if !transitions.Allows(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	m.status = to
	m.state.Status = to
	m.history = append(m.history, Transition{From: from, To: to, At: time.Now().UTC()})
	m.recorder.ObserveTransition(from.String(), to.String())
	m.logger.Debug("🔄 State transition: %s → %s", from, to)

	m.publishLocked()
	return nil
}

func (m *Machine) publishLocked() {
	m.seq++
	m.observer.Publish(Snapshot{
		MachineID: m.id,
		Seq:       m.seq,
		Time:      time.Now().UTC(),
		State:     m.state.Clone(),
	})
}

// GestureError reports an event that cannot serve as a user gesture.
type GestureError struct {
	Event platform.Event
	Err   error
}

func (e *GestureError) Error() string {
	return fmt.Sprintf("onUserGesture must be called on a click event: %v", e.Err)
}

func (e *GestureError) Unwrap() error {
	return e.Err
}
