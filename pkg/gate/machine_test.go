package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platforminit/pkg/builtin"
	"platforminit/pkg/feature"
	"platforminit/pkg/future"
	"platforminit/pkg/platform"
)

var desktop = platform.Info{Mobile: false, OS: platform.OSOther}

var click = platform.Event{Type: platform.EventClick}

// mockFeature counts invocations and returns fixed results.
type mockFeature struct {
	checkResult    bool
	activateResult bool
	checkCalls     atomic.Int32
	activateCalls  atomic.Int32
	order          *[]string
	orderMu        *sync.Mutex
}

func (f *mockFeature) definition(id string) feature.Definition {
	return feature.Definition{
		ID: id,
		Check: func(_ context.Context, call *feature.Call) *future.Future[bool] {
			f.checkCalls.Add(1)
			f.record(call)
			return future.Resolved(f.checkResult)
		},
		Activate: func(_ context.Context, call *feature.Call) *future.Future[bool] {
			f.activateCalls.Add(1)
			f.record(call)
			return future.Go(func() (bool, error) {
				time.Sleep(5 * time.Millisecond)
				return f.activateResult, nil
			})
		},
	}
}

func (f *mockFeature) record(call *feature.Call) {
	if f.order == nil {
		return
	}
	f.orderMu.Lock()
	defer f.orderMu.Unlock()
	*f.order = append(*f.order, string(call.Step)+":"+call.FeatureID)
}

// fakeAudioContext implements builtin.AudioContext.
type fakeAudioContext struct {
	sampleRate float64
	resumed    atomic.Bool
}

func (c *fakeAudioContext) Resume() *future.Future[struct{}] {
	c.resumed.Store(true)
	return future.Resolved(struct{}{})
}
func (c *fakeAudioContext) SampleRate() float64  { return c.sampleRate }
func (c *fakeAudioContext) CurrentTime() float64 { return 0 }
func (c *fakeAudioContext) CreateOscillator(_, _ float64) builtin.Oscillator {
	return nopOscillator{}
}

type nopOscillator struct{}

func (nopOscillator) Start(float64) {}
func (nopOscillator) Stop(float64)  {}

type reloadCounter struct{ n atomic.Int32 }

func (r *reloadCounter) Reload()                             { r.n.Add(1) }
func (r *reloadCounter) MediaDevices() builtin.MediaDevices { return nil }

func wait(t *testing.T, f *future.Future[struct{}]) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := f.Wait(ctx)
	return err
}

func TestAllFeaturesPass(t *testing.T) {
	reg := feature.NewRegistry()
	a := &mockFeature{checkResult: true, activateResult: true}
	b := &mockFeature{checkResult: true, activateResult: true}
	reg.Register("a", a.definition("a"))
	reg.Register("b", b.definition("b"))

	m, err := New(reg, NewFeatures().Set("a", true).Set("b", true), WithInfos(desktop))
	require.NoError(t, err)

	ready := m.Start(context.Background())
	assert.False(t, ready.Settled())
	assert.Equal(t, StatusAwaitingGesture, m.Status())

	got, err := m.OnUserGesture(context.Background(), click)
	require.NoError(t, err)
	assert.Same(t, ready, got)
	require.NoError(t, wait(t, ready))

	assert.Equal(t, StatusReady, m.Status())
	st := m.State()
	assert.True(t, st.UserGestureTriggered)
	assert.Equal(t, map[string]bool{"a": true, "b": true}, st.Check.Details)
	assert.Equal(t, map[string]bool{"a": true, "b": true}, st.Activate.Details)
	assert.True(t, st.Activate.Result)
	assert.Equal(t, platform.ModeMouse, st.Infos.InteractionMode)
}

func TestCheckFailureRejectsBeforeGesture(t *testing.T) {
	reg := feature.NewRegistry()
	ok := &mockFeature{checkResult: true, activateResult: true}
	bad := &mockFeature{checkResult: false, activateResult: true}
	reg.Register("ok", ok.definition("ok"))
	reg.Register("bad", bad.definition("bad"))

	m, err := New(reg, NewFeatures().Set("ok", true).Set("bad", true), WithInfos(desktop))
	require.NoError(t, err)

	ready := m.Start(context.Background())
	require.True(t, ready.Settled())
	err = wait(t, ready)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotCompatible)
	assert.Equal(t, "not compatible", err.Error())
	assert.Equal(t, StatusFailed, m.Status())

	var failure *FailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, []string{"bad"}, failure.FailedFeatures())

	_, err = m.OnUserGesture(context.Background(), click)
	require.NoError(t, err)
	assert.Zero(t, ok.activateCalls.Load())
	assert.Zero(t, bad.activateCalls.Load())
	assert.False(t, m.State().UserGestureTriggered)
}

func TestActivationFailureDetails(t *testing.T) {
	reg := feature.NewRegistry()
	good := &mockFeature{checkResult: true, activateResult: true}
	bad1 := &mockFeature{checkResult: true, activateResult: false}
	bad2 := &mockFeature{checkResult: true, activateResult: false}
	reg.Register("good", good.definition("good"))
	reg.Register("bad1", bad1.definition("bad1"))
	reg.Register("bad2", bad2.definition("bad2"))

	m, err := New(reg, NewFeatures().Set("bad1", true).Set("good", true).Set("bad2", true), WithInfos(desktop))
	require.NoError(t, err)

	ready := m.Start(context.Background())
	_, err = m.OnUserGesture(context.Background(), click)
	require.NoError(t, err)

	err = wait(t, ready)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrActivationFailed)
	assert.NotErrorIs(t, err, ErrNotCompatible)
	assert.Equal(t, StatusFailed, m.Status())

	st := m.State()
	assert.Equal(t, map[string]bool{"bad1": false, "good": true, "bad2": false}, st.Activate.Details)
	assert.False(t, st.Activate.Result)
	assert.Equal(t, "activation failed", st.Reason)
}

func TestGestureIsIdempotent(t *testing.T) {
	reg := feature.NewRegistry()
	f := &mockFeature{checkResult: true, activateResult: true}
	reg.Register("f", f.definition("f"))

	m, err := New(reg, NewFeatures().Set("f", true), WithInfos(desktop))
	require.NoError(t, err)
	ready := m.Start(context.Background())

	// mouseup + touchend for one tap, plus a double click.
	_, err = m.OnUserGesture(context.Background(), platform.Event{Type: platform.EventMouseUp})
	require.NoError(t, err)
	_, err = m.OnUserGesture(context.Background(), platform.Event{Type: platform.EventTouchEnd})
	require.NoError(t, err)
	_, err = m.OnUserGesture(context.Background(), click)
	require.NoError(t, err)

	require.NoError(t, wait(t, ready))
	assert.Equal(t, int32(1), f.activateCalls.Load())
	assert.Equal(t, platform.ModeMouse, m.State().Infos.InteractionMode)
}

func TestConcurrentGesturesActivateOnce(t *testing.T) {
	reg := feature.NewRegistry()
	f := &mockFeature{checkResult: true, activateResult: true}
	reg.Register("f", f.definition("f"))

	m, err := New(reg, NewFeatures().Set("f", true), WithInfos(desktop))
	require.NoError(t, err)
	ready := m.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.OnUserGesture(context.Background(), click)
		}()
	}
	wg.Wait()

	require.NoError(t, wait(t, ready))
	assert.Equal(t, int32(1), f.activateCalls.Load())
}

func TestActivateCallsIssuedBeforeReturn(t *testing.T) {
	reg := feature.NewRegistry()
	first := future.New[bool]()
	var issued []string
	var mu sync.Mutex
	note := func(id string) {
		mu.Lock()
		defer mu.Unlock()
		issued = append(issued, id)
	}

	reg.Register("slow", feature.Definition{
		Activate: func(_ context.Context, call *feature.Call) *future.Future[bool] {
			note(call.FeatureID)
			return first
		},
	})
	reg.Register("fast", feature.Definition{
		Activate: func(_ context.Context, call *feature.Call) *future.Future[bool] {
			note(call.FeatureID)
			return future.Resolved(true)
		},
	})

	m, err := New(reg, NewFeatures().Set("slow", true).Set("fast", true), WithInfos(desktop))
	require.NoError(t, err)
	ready := m.Start(context.Background())

	_, err = m.OnUserGesture(context.Background(), click)
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []string{"slow", "fast"}, issued)
	mu.Unlock()
	assert.False(t, ready.Settled())
	assert.Equal(t, StatusActivating, m.Status())

	first.Resolve(true)
	require.NoError(t, wait(t, ready))
}

func TestAliasResolvesToSameDefinition(t *testing.T) {
	reg := feature.NewRegistry()
	reg.Register("web-audio", feature.Definition{Aliases: []string{"webaudio"}})
	reg.Register(builtin.IOSSampleRateGuard, feature.Definition{})

	byAlias, err := New(reg, NewFeatures().Set("webaudio", "ctx"))
	require.NoError(t, err)
	byID, err := New(reg, NewFeatures().Set("web-audio", "ctx"))
	require.NoError(t, err)

	assert.Equal(t, byID.Requirements(), byAlias.Requirements())
	assert.Equal(t, "web-audio", byAlias.Requirements()[0].ID)
}

func TestWebAudioInjectsSampleRateGuard(t *testing.T) {
	reg := feature.NewRegistry()
	builtin.Register(reg, nil)
	other := &mockFeature{checkResult: true, activateResult: true}
	reg.Register("other", other.definition("other"))

	audioCtx := &fakeAudioContext{sampleRate: 48000}
	m, err := New(reg, NewFeatures().Set("web-audio", audioCtx).Set("other", true))
	require.NoError(t, err)

	reqs := m.Requirements()
	require.Len(t, reqs, 3)
	assert.Equal(t, builtin.WebAudio, reqs[0].ID)
	assert.Equal(t, builtin.IOSSampleRateGuard, reqs[1].ID)
	assert.Equal(t, "other", reqs[2].ID)
	assert.Equal(t, []any{audioCtx}, reqs[1].Args)
}

func TestGuardStaysAfterWebAudio(t *testing.T) {
	reg := feature.NewRegistry()
	builtin.Register(reg, nil)
	first := &fakeAudioContext{sampleRate: 44100}
	second := &fakeAudioContext{sampleRate: 48000}

	features := NewFeatures().
		Set(builtin.IOSSampleRateGuard, first).
		Set("camera", true).
		Set("webaudio", first).
		Set("audio-context", second)

	m, err := New(reg, features)
	require.NoError(t, err)

	reqs := m.Requirements()
	require.Len(t, reqs, 3)
	assert.Equal(t, "camera", reqs[0].ID)
	assert.Equal(t, builtin.WebAudio, reqs[1].ID)
	assert.Equal(t, builtin.IOSSampleRateGuard, reqs[2].ID)
	assert.Equal(t, []any{second}, reqs[1].Args, "last args win")
	assert.Equal(t, []any{second}, reqs[2].Args)
}

func TestDesktopWebAudioScenario(t *testing.T) {
	reg := feature.NewRegistry()
	host := &reloadCounter{}
	builtin.Register(reg, host)

	audioCtx := &fakeAudioContext{sampleRate: 16000}
	m, err := New(reg, NewFeatures().Set("web-audio", audioCtx), WithInfos(desktop))
	require.NoError(t, err)

	ready := m.Start(context.Background())
	_, err = m.OnUserGesture(context.Background(), click)
	require.NoError(t, err)
	require.NoError(t, wait(t, ready))

	st := m.State()
	assert.True(t, st.Activate.Details["web-audio"])
	assert.True(t, st.Activate.Details["clean-ios-audio-context-sample-rate"])
	assert.True(t, audioCtx.resumed.Load())
	assert.Zero(t, host.n.Load(), "guard must not reload off iOS")
}

func TestCheckOnlyFeatureFailing(t *testing.T) {
	reg := feature.NewRegistry()
	reg.Register("mobile-only", feature.Definition{Check: feature.Always(false)})

	m, err := New(reg, NewFeatures().Set("mobile-only", true), WithInfos(desktop))
	require.NoError(t, err)

	err = wait(t, m.Start(context.Background()))
	assert.ErrorIs(t, err, ErrNotCompatible)
	assert.Nil(t, m.State().Activate)
}

func TestMissingStepsCountAsSuccess(t *testing.T) {
	reg := feature.NewRegistry()
	reg.Register("noop", feature.Definition{})

	m, err := New(reg, NewFeatures().Set("noop", true), WithInfos(desktop))
	require.NoError(t, err)

	ready := m.Start(context.Background())
	_, err = m.OnUserGesture(context.Background(), click)
	require.NoError(t, err)
	require.NoError(t, wait(t, ready))
	assert.Equal(t, map[string]bool{"noop": true}, m.State().Activate.Details)
}

func TestCallbackErrorIsRetained(t *testing.T) {
	reg := feature.NewRegistry()
	builtin.Register(reg, nil)

	// web-audio without an audio context rejects its check.
	m, err := New(reg, NewFeatures().Set("web-audio", true), WithInfos(desktop))
	require.NoError(t, err)

	err = wait(t, m.Start(context.Background()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotCompatible)

	var cbErr *CallbackError
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, builtin.WebAudio, cbErr.FeatureID)
	assert.Equal(t, feature.StepCheck, cbErr.Step)

	var missing *feature.MissingArgError
	assert.ErrorAs(t, err, &missing)
	assert.Contains(t, m.State().Reason, "requires an audio context")
}

func TestPanicsAndNilResultsFailTheStep(t *testing.T) {
	reg := feature.NewRegistry()
	reg.Register("panics", feature.Definition{
		Activate: func(context.Context, *feature.Call) *future.Future[bool] { panic("device gone") },
	})
	reg.Register("nil", feature.Definition{
		Activate: func(context.Context, *feature.Call) *future.Future[bool] { return nil },
	})

	m, err := New(reg, NewFeatures().Set("panics", true).Set("nil", true), WithInfos(desktop))
	require.NoError(t, err)

	ready := m.Start(context.Background())
	_, err = m.OnUserGesture(context.Background(), click)
	require.NoError(t, err)

	err = wait(t, ready)
	assert.ErrorIs(t, err, ErrActivationFailed)
	assert.Contains(t, err.Error(), "device gone")
	assert.Contains(t, err.Error(), "no result")
}

func TestUnknownFeature(t *testing.T) {
	reg := feature.NewRegistry()
	_, err := New(reg, NewFeatures().Set("teleport", true))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownFeature)

	var unknown *UnknownFeatureError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "teleport", unknown.ID)
	assert.Contains(t, err.Error(), "teleport")
}

func TestMissingCompanionIsUnknown(t *testing.T) {
	reg := feature.NewRegistry()
	reg.Register(builtin.WebAudio, feature.Definition{})

	_, err := New(reg, NewFeatures().Set(builtin.WebAudio, "ctx"))
	var unknown *UnknownFeatureError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, builtin.IOSSampleRateGuard, unknown.ID)
}

func TestInvalidGestureIsProgrammingError(t *testing.T) {
	reg := feature.NewRegistry()
	f := &mockFeature{checkResult: true, activateResult: true}
	reg.Register("f", f.definition("f"))

	m, err := New(reg, NewFeatures().Set("f", true), WithInfos(desktop))
	require.NoError(t, err)
	ready := m.Start(context.Background())

	_, err = m.OnUserGesture(context.Background(), platform.Event{Type: "mousedown"})
	require.Error(t, err)
	assert.ErrorIs(t, err, platform.ErrInvalidGesture)
	var gestureErr *GestureError
	assert.ErrorAs(t, err, &gestureErr)
	assert.Equal(t, StatusAwaitingGesture, m.Status())
	assert.False(t, m.State().UserGestureTriggered)
	assert.Zero(t, f.activateCalls.Load())

	_, err = m.OnUserGesture(context.Background(), platform.Event{Type: platform.EventTouchEnd})
	require.NoError(t, err)
	require.NoError(t, wait(t, ready))
	assert.Equal(t, platform.ModeTouch, m.State().Infos.InteractionMode)
}

func TestGestureBeforeStartIsIgnored(t *testing.T) {
	reg := feature.NewRegistry()
	f := &mockFeature{checkResult: true, activateResult: true}
	reg.Register("f", f.definition("f"))

	m, err := New(reg, NewFeatures().Set("f", true), WithInfos(desktop))
	require.NoError(t, err)

	_, err = m.OnUserGesture(context.Background(), click)
	require.NoError(t, err)
	assert.Equal(t, StatusConstructed, m.Status())
	assert.Zero(t, f.activateCalls.Load())
}

func TestStartTwiceRunsChecksOnce(t *testing.T) {
	reg := feature.NewRegistry()
	f := &mockFeature{checkResult: true, activateResult: true}
	reg.Register("f", f.definition("f"))

	m, err := New(reg, NewFeatures().Set("f", true), WithInfos(desktop))
	require.NoError(t, err)

	first := m.Start(context.Background())
	second := m.Start(context.Background())
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), f.checkCalls.Load())
}

func TestInvocationOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex
	reg := feature.NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		f := &mockFeature{checkResult: true, activateResult: true, order: &order, orderMu: &mu}
		reg.Register(id, f.definition(id))
	}

	m, err := New(reg, NewFeatures().Set("c", true).Set("a", true).Set("b", true), WithInfos(desktop))
	require.NoError(t, err)
	ready := m.Start(context.Background())
	_, err = m.OnUserGesture(context.Background(), click)
	require.NoError(t, err)
	require.NoError(t, wait(t, ready))

	assert.Equal(t, []string{
		"check:c", "check:a", "check:b",
		"activate:c", "activate:a", "activate:b",
	}, order)
}

func TestObserverReceivesEveryTransition(t *testing.T) {
	reg := feature.NewRegistry()
	f := &mockFeature{checkResult: true, activateResult: true}
	reg.Register("f", f.definition("f"))

	var mu sync.Mutex
	var snaps []Snapshot
	obs := ObserverFunc(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		snaps = append(snaps, s)
	})

	m, err := New(reg, NewFeatures().Set("f", true), WithInfos(desktop), WithObserver(obs), WithID("machine-1"))
	require.NoError(t, err)
	ready := m.Start(context.Background())
	_, err = m.OnUserGesture(context.Background(), click)
	require.NoError(t, err)
	require.NoError(t, wait(t, ready))

	mu.Lock()
	defer mu.Unlock()
	var statuses []Status
	for i, s := range snaps {
		assert.Equal(t, "machine-1", s.MachineID)
		assert.Equal(t, uint64(i+1), s.Seq)
		statuses = append(statuses, s.State.Status)
	}
	assert.Equal(t, []Status{StatusChecking, StatusAwaitingGesture, StatusActivating, StatusReady}, statuses)

	assert.NotNil(t, snaps[1].State.Check)
	assert.NotNil(t, snaps[1].State.Infos)
	assert.True(t, snaps[2].State.UserGestureTriggered)
	assert.NotNil(t, snaps[3].State.Activate)
	assert.Len(t, m.Transitions(), 4)
}

func TestGetPayload(t *testing.T) {
	reg := feature.NewRegistry()
	reg.Register("microphone", feature.Definition{
		Aliases: []string{"mic"},
		Check: func(_ context.Context, call *feature.Call) *future.Future[bool] {
			call.Expose("ignored during check")
			return future.Resolved(true)
		},
		Activate: func(_ context.Context, call *feature.Call) *future.Future[bool] {
			call.Expose("stream-1")
			return future.Resolved(true)
		},
	})

	m, err := New(reg, NewFeatures().Set("mic", true), WithInfos(desktop))
	require.NoError(t, err)

	ready := m.Start(context.Background())
	_, ok := m.Get("microphone")
	assert.False(t, ok)

	_, err = m.OnUserGesture(context.Background(), click)
	require.NoError(t, err)
	require.NoError(t, wait(t, ready))

	v, ok := m.Get("mic")
	assert.True(t, ok)
	assert.Equal(t, "stream-1", v)

	_, ok = m.Get("camera")
	assert.False(t, ok)
}

func TestStepTimeout(t *testing.T) {
	reg := feature.NewRegistry()
	reg.Register("hangs", feature.Definition{
		Check: func(context.Context, *feature.Call) *future.Future[bool] { return future.New[bool]() },
	})

	m, err := New(reg, NewFeatures().Set("hangs", true), WithInfos(desktop), WithStepTimeout(20*time.Millisecond))
	require.NoError(t, err)

	err = wait(t, m.Start(context.Background()))
	assert.ErrorIs(t, err, ErrNotCompatible)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUserAgentDetection(t *testing.T) {
	reg := feature.NewRegistry()
	reg.Register("f", feature.Definition{})

	ua := "Mozilla/5.0 (Linux; Android 13; Pixel 7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/116.0.0.0 Mobile Safari/537.36"
	m, err := New(reg, NewFeatures().Set("f", true), WithUserAgent(ua))
	require.NoError(t, err)
	m.Start(context.Background())

	infos := m.State().Infos
	require.NotNil(t, infos)
	assert.True(t, infos.Mobile)
	assert.Equal(t, platform.OSAndroid, infos.OS)
}

func TestFeaturesSet(t *testing.T) {
	f := NewFeatures().
		Set("a", nil).
		Set("b", false).
		Set("c", true).
		Set("d", []any{1, 2}).
		Set("c", "again")

	assert.Equal(t, []Requirement{
		{ID: "c", Args: []any{"again"}},
		{ID: "d", Args: []any{1, 2}},
	}, f.Requirements())
	assert.Equal(t, 2, f.Len())
}

func TestNilRegistry(t *testing.T) {
	_, err := New(nil, NewFeatures())
	assert.Error(t, err)
}

func TestFailureErrorUnwrap(t *testing.T) {
	cause := errors.New("denied")
	err := &FailureError{Reason: ErrActivationFailed, Err: cause}
	assert.ErrorIs(t, err, ErrActivationFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "activation failed: denied", err.Error())
}

func TestCancelledStartContextDoesNotAbortChecks(t *testing.T) {
	reg := feature.NewRegistry()
	reg.Register("slow", feature.Definition{
		Check: func(ctx context.Context, _ *feature.Call) *future.Future[bool] {
			return future.Go(func() (bool, error) {
				select {
				case <-ctx.Done():
					return false, ctx.Err()
				case <-time.After(30 * time.Millisecond):
					return true, nil
				}
			})
		},
	})

	m, err := New(reg, NewFeatures().Set("slow", true), WithInfos(desktop))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ready := m.Start(ctx)
	assert.False(t, ready.Settled())
	assert.Equal(t, StatusAwaitingGesture, m.Status())
	assert.Equal(t, map[string]bool{"slow": true}, m.State().Check.Details)
}

func TestFailedFeaturesAreSorted(t *testing.T) {
	err := &FailureError{
		Reason:  ErrNotCompatible,
		Details: map[string]bool{"c": false, "a": false, "d": true, "b": false},
	}
	for range 20 {
		assert.Equal(t, []string{"a", "b", "c"}, err.FailedFeatures())
	}
	assert.Empty(t, (&FailureError{Reason: ErrNotCompatible}).FailedFeatures())
}
