package reconcile

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/protocol"
)

type manualTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) pending() []*manualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*manualTimer
	for _, t := range s.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

// fire runs the single pending timer.
func (s *manualScheduler) fire(t *testing.T) {
	t.Helper()
	p := s.pending()
	if len(p) != 1 {
		t.Fatalf("expected one pending timer, got %d", len(p))
	}
	p[0].stopped = true
	p[0].f()
}

func caption(ts int64, original, translated string, listening bool) protocol.CaptionState {
	return protocol.CaptionState{
		OriginalText:   original,
		TranslatedText: translated,
		IsListening:    listening,
		Timestamp:      ts,
	}
}

func newReconciler(sched Scheduler) *Reconciler {
	return NewReconciler(Options{
		EnableAutoDissolve: true,
		DissolveAfter:      5 * time.Second,
		Messages:           Messages{Inactive: "Subtitles paused", Listening: ""},
	}, sched)
}

func TestMergeOrdering(t *testing.T) {
	current := caption(100, "안녕", "Hi", true)

	if _, d := Merge(current, Update{Source: SourcePoll, State: caption(99, "늦음", "late", true)}); d != Stale {
		t.Fatalf("older timestamp should be stale, got %s", d)
	}
	if _, d := Merge(current, Update{Source: SourceStream, State: caption(200, "안녕", "Hi", true)}); d != Duplicate {
		t.Fatalf("equal content should be duplicate, got %s", d)
	}
	next, d := Merge(current, Update{Source: SourceSocket, State: caption(200, "새", "new", true)})
	if d != Applied || next.TranslatedText != "new" {
		t.Fatalf("newer content should apply, got %s %+v", d, next)
	}
	if _, d := Merge(protocol.CaptionState{}, Update{State: caption(0, "", "", false)}); d != Applied {
		t.Fatalf("first update should always apply, got %s", d)
	}
}

func TestMergeClearsTextWhenNotListening(t *testing.T) {
	next, d := Merge(caption(1, "a", "b", true), Update{State: caption(2, "left", "over", false)})
	if d != Applied || next.OriginalText != "" || next.TranslatedText != "" {
		t.Fatalf("stop must clear text, got %s %+v", d, next)
	}
}

func TestMergeLayoutOnlyChangeApplies(t *testing.T) {
	layout := protocol.DefaultLayout()
	current := caption(1, "a", "b", true)
	current.LayoutSettings = &layout

	changed := layout
	changed.FontSize = 40
	u := caption(2, "a", "b", true)
	u.LayoutSettings = &changed
	next, d := Merge(current, Update{State: u})
	if d != Applied || next.LayoutSettings.FontSize != 40 {
		t.Fatalf("layout change should apply, got %s", d)
	}

	plain := caption(3, "c", "d", true)
	next, _ = Merge(next, Update{State: plain})
	if next.LayoutSettings == nil || next.LayoutSettings.FontSize != 40 {
		t.Fatal("missing layout should keep the current one")
	}
}

func TestIdempotentApplyDoesNotRearm(t *testing.T) {
	sched := &manualScheduler{}
	r := newReconciler(sched)
	state := caption(10, "안녕하세요", "Hello", true)

	if d := r.Apply(Update{Source: SourceStream, State: state}); d != Applied {
		t.Fatalf("first apply: %s", d)
	}
	first := r.View()
	if d := r.Apply(Update{Source: SourcePoll, State: state}); d != Duplicate {
		t.Fatalf("second apply should be duplicate, got %s", d)
	}
	if r.View() != first {
		t.Fatal("duplicate changed the view")
	}
	if len(sched.timers) != 1 {
		t.Fatalf("duplicate re-armed the timer: %d timers", len(sched.timers))
	}
}

func TestLatestTimestampWinsAcrossChannels(t *testing.T) {
	r := newReconciler(&manualScheduler{})
	r.Apply(Update{Source: SourceMessage, State: caption(300, "셋", "three", true)})
	r.Apply(Update{Source: SourceStorage, State: caption(100, "하나", "one", true)})
	r.Apply(Update{Source: SourcePoll, State: caption(200, "둘", "two", true)})
	if got := r.View().Text; got != "three" {
		t.Fatalf("expected newest caption, got %q", got)
	}
}

func TestDissolveClearsAndNotifies(t *testing.T) {
	sched := &manualScheduler{}
	r := newReconciler(sched)
	var dissolved []protocol.CaptionState
	r.OnDissolve(func(s protocol.CaptionState) { dissolved = append(dissolved, s) })

	r.Apply(Update{Source: SourceStream, State: caption(10, "안녕하세요", "Hello", true)})
	p := sched.pending()
	if len(p) != 1 || p[0].d != 5*time.Second {
		t.Fatalf("expected a 5s dissolve timer, got %+v", p)
	}
	sched.fire(t)

	v := r.View()
	if v.Text != "" || !v.Listening || !v.Dissolved {
		t.Fatalf("dissolve should blank the display and keep listening, got %+v", v)
	}
	if len(dissolved) != 1 || dissolved[0].HasText() || !dissolved[0].IsListening || dissolved[0].Timestamp <= 10 {
		t.Fatalf("unexpected dissolve notification %+v", dissolved)
	}

	// the same caption re-delivered by a slow channel stays dissolved
	if d := r.Apply(Update{Source: SourcePoll, State: caption(10, "안녕하세요", "Hello", true)}); d != Duplicate {
		t.Fatalf("expected duplicate after dissolve, got %s", d)
	}
	if r.View().Text != "" {
		t.Fatal("dissolved caption reappeared")
	}
}

func TestLayoutChangeKeepsDissolveState(t *testing.T) {
	sched := &manualScheduler{}
	r := newReconciler(sched)
	r.Apply(Update{Source: SourceStream, State: caption(10, "안녕하세요", "Hello", true)})

	bigger := protocol.DefaultLayout()
	bigger.FontSize = 40
	restyled := caption(11, "안녕하세요", "Hello", true)
	restyled.LayoutSettings = &bigger
	if d := r.Apply(Update{Source: SourceSocket, State: restyled}); d != Applied {
		t.Fatalf("layout change should apply, got %s", d)
	}
	if len(sched.timers) != 1 || len(sched.pending()) != 1 {
		t.Fatalf("layout change re-armed the timer: %d timers", len(sched.timers))
	}
	sched.fire(t)

	bigger.FontSize = 48
	again := caption(12, "안녕하세요", "Hello", true)
	again.LayoutSettings = &bigger
	if d := r.Apply(Update{Source: SourcePoll, State: again}); d != Applied {
		t.Fatalf("layout change should apply, got %s", d)
	}
	v := r.View()
	if v.Text != "" || !v.Dissolved || v.Layout.FontSize != 48 {
		t.Fatalf("layout change should restyle the dissolved display, got %+v", v)
	}
	if len(sched.pending()) != 0 {
		t.Fatal("layout change after dissolve armed a new timer")
	}

	relabeled := caption(13, "안녕하세요", "Hello", true)
	relabeled.Status = protocol.StatusReconnecting
	if d := r.Apply(Update{Source: SourceStream, State: relabeled}); d != Applied {
		t.Fatalf("status change should apply, got %s", d)
	}
	if v := r.View(); v.Text != "" || !v.Dissolved || v.Status != protocol.StatusReconnecting {
		t.Fatalf("status change should keep the display dissolved, got %+v", v)
	}
}

func TestNewCaptionRearmsTimer(t *testing.T) {
	sched := &manualScheduler{}
	r := newReconciler(sched)
	r.Apply(Update{State: caption(1, "하나", "one", true)})
	r.Apply(Update{State: caption(2, "둘", "two", true)})
	if len(sched.timers) != 2 || !sched.timers[0].stopped {
		t.Fatal("new caption should cancel and re-arm the timer")
	}
	// a stale callback from the first timer must not clear the second caption
	sched.timers[0].f()
	if r.View().Text != "two" {
		t.Fatal("cancelled timer cleared the display")
	}
}

func TestClearOnStopIsImmediate(t *testing.T) {
	sched := &manualScheduler{}
	r := newReconciler(sched)
	r.Apply(Update{State: caption(1, "안녕", "Hi", true)})
	r.Apply(Update{State: caption(2, "안녕", "Hi", false)})

	v := r.View()
	if v.Text != "Subtitles paused" || v.Listening {
		t.Fatalf("expected inactive message right after stop, got %+v", v)
	}
	if len(sched.pending()) != 0 {
		t.Fatal("stop must cancel the dissolve timer")
	}
}

func TestDissolveWaitsOnceForTranslation(t *testing.T) {
	sched := &manualScheduler{}
	r := newReconciler(sched)
	state := caption(1, "번역 중인 문장", "", true)
	state.IsTranslating = true
	r.Apply(Update{State: state})

	sched.fire(t)
	if r.View().Dissolved {
		t.Fatal("in-flight translation should re-arm instead of clearing")
	}
	sched.fire(t)
	if !r.View().Dissolved {
		t.Fatal("second expiry should clear")
	}
}

func TestDissolveDisabled(t *testing.T) {
	sched := &manualScheduler{}
	r := NewReconciler(Options{EnableAutoDissolve: false}, sched)
	r.Apply(Update{State: caption(1, "안녕", "Hi", true)})
	if len(sched.timers) != 0 {
		t.Fatal("no timer expected when auto dissolve is off")
	}
}

func TestDissolveTimingWithSystemScheduler(t *testing.T) {
	r := NewReconciler(Options{EnableAutoDissolve: true, DissolveAfter: 50 * time.Millisecond}, nil)
	defer r.Close()
	done := make(chan time.Time, 1)
	r.OnDissolve(func(protocol.CaptionState) { done <- time.Now() })

	start := time.Now()
	r.Apply(Update{State: caption(1, "안녕", "Hi", true)})
	select {
	case at := <-done:
		if elapsed := at.Sub(start); elapsed < 50*time.Millisecond {
			t.Fatalf("dissolved too early after %s", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatal("dissolve never fired")
	}
}

func TestDisplayPolicy(t *testing.T) {
	msgs := Messages{Inactive: "off", Listening: "..."}
	cases := []struct {
		name  string
		state protocol.CaptionState
		want  string
	}{
		{"translated", caption(1, "안녕", "Hi", true), "Hi"},
		{"undefined translation", caption(1, "안녕", "undefined", true), "안녕"},
		{"null translation", caption(1, "안녕", "null", true), "안녕"},
		{"identical translation", caption(1, "OK", "OK", true), "OK"},
		{"inactive", caption(1, "", "", false), "off"},
		{"listening blank", caption(1, "", "", true), "..."},
	}
	for _, tc := range cases {
		if got := DisplayText(tc.state, false, msgs); got != tc.want {
			t.Errorf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
	if got := DisplayText(caption(1, "", "", true), false, Messages{}); got != "" {
		t.Fatalf("empty listening message is a valid blank display, got %q", got)
	}
}

func TestContinuousModeHidesTranslatingIndicator(t *testing.T) {
	r := newReconciler(&manualScheduler{})
	s := caption(1, "하나", "one", true)
	s.IsTranslating = true
	r.Apply(Update{State: s})
	if r.View().Translating {
		t.Fatal("translating indicator should be hidden during continuous captions")
	}
	s2 := caption(2, "둘", "", true)
	s2.IsTranslating = true
	r.Apply(Update{State: s2})
	if !r.View().Translating {
		t.Fatal("indicator should show while no translation is on screen")
	}
}

func TestConnMachineTransitions(t *testing.T) {
	m := NewConnMachine()
	var changes []ConnChange
	m.AddListener(ConnListenerFunc(func(c ConnChange) { changes = append(changes, c) }))

	steps := []ConnState{Connecting, Streaming, PollingFallback, Connecting, Streaming, Disconnected}
	for _, s := range steps {
		if err := m.Transition(s, "test"); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if len(changes) != len(steps) {
		t.Fatalf("expected %d notifications, got %d", len(steps), len(changes))
	}

	err := m.Transition(Streaming, "skip connecting")
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) || invalid.From != Disconnected {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if err := m.Transition(Disconnected, "noop"); err != nil {
		t.Fatalf("self transition should be a no-op: %v", err)
	}
}
