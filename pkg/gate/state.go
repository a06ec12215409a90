package gate

import (
	"time"

	"platforminit/pkg/platform"
)

// Status is the lifecycle state of a Machine.
type Status string

// Machine states.
const (
	StatusConstructed     Status = "CONSTRUCTED"
	StatusChecking        Status = "CHECKING"
	StatusAwaitingGesture Status = "AWAITING_GESTURE"
	StatusActivating      Status = "ACTIVATING"
	StatusReady           Status = "READY"
	StatusFailed          Status = "FAILED"
)

// String implements fmt.Stringer.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition can happen.
func (s Status) IsTerminal() bool {
	return s == StatusReady || s == StatusFailed
}

// TransitionTable lists the allowed next states for each state.
type TransitionTable map[Status][]Status

//nolint:gochecknoglobals // immutable transition table
var transitions = TransitionTable{
	StatusConstructed:     {StatusChecking},
	StatusChecking:        {StatusAwaitingGesture, StatusFailed},
	StatusAwaitingGesture: {StatusActivating},
	StatusActivating:      {StatusReady, StatusFailed},
	StatusReady:           {},
	StatusFailed:          {},
}

// Allows reports whether from -> to is a valid transition.
func (t TransitionTable) Allows(from, to Status) bool {
	for _, next := range t[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition records one state change.
type Transition struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

// StepResult aggregates one step over every required feature.
type StepResult struct {
	Details map[string]bool `json:"details"`
	Result  bool            `json:"result"`
}

func (r *StepResult) clone() *StepResult {
	if r == nil {
		return nil
	}
	out := &StepResult{Details: make(map[string]bool, len(r.Details)), Result: r.Result}
	for k, v := range r.Details {
		out.Details[k] = v
	}
	return out
}

// State is the record shared with feature callbacks and observers.
type State struct {
	Status               Status         `json:"status"`
	UserGestureTriggered bool           `json:"userGestureTriggered"`
	Infos                *platform.Info `json:"infos"`
	Check                *StepResult    `json:"check"`
	Activate             *StepResult    `json:"activate"`
	// Reason is the failure message once Status is FAILED.
	Reason string `json:"reason,omitempty"`
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := s
	if s.Infos != nil {
		infos := *s.Infos
		out.Infos = &infos
	}
	out.Check = s.Check.clone()
	out.Activate = s.Activate.clone()
	return out
}

// Snapshot is what observers receive after every mutation.
type Snapshot struct {
	MachineID string    `json:"machineId"`
	Seq       uint64    `json:"seq"`
	Time      time.Time `json:"time"`
	State     State     `json:"state"`
}

// Observer receives snapshots. Publish must not block.
type Observer interface {
	Publish(s Snapshot)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Snapshot)

// Publish implements Observer.
func (f ObserverFunc) Publish(s Snapshot) {
	f(s)
}

type nopObserver struct{}

func (nopObserver) Publish(Snapshot) {}
