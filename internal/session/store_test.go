package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events map[string][]protocol.CaptionState
}

func (n *recordingNotifier) Notify(sessionID string, state protocol.CaptionState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.events == nil {
		n.events = make(map[string][]protocol.CaptionState)
	}
	n.events[sessionID] = append(n.events[sessionID], state)
}

func (n *recordingNotifier) count(sessionID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events[sessionID])
}

type fakeRecorder struct {
	mu        sync.Mutex
	recorded  int
	forgotten []string
	pruned    int
}

func (r *fakeRecorder) Record(context.Context, string, protocol.CaptionState) error {
	r.mu.Lock()
	r.recorded++
	r.mu.Unlock()
	return nil
}

func (r *fakeRecorder) ForgetSession(_ context.Context, id string) error {
	r.mu.Lock()
	r.forgotten = append(r.forgotten, id)
	r.mu.Unlock()
	return nil
}

func (r *fakeRecorder) Prune(context.Context) error {
	r.mu.Lock()
	r.pruned++
	r.mu.Unlock()
	return nil
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T) (*Store, *recordingNotifier, *fakeRecorder, *fakeClock) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notifier := &recordingNotifier{}
	recorder := &fakeRecorder{}
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewStore(config.Default().Store, notifier, recorder, logger)
	store.clock = clock.Now
	return store, notifier, recorder, clock
}

func str(s string) *string { return &s }
func boolean(b bool) *bool { return &b }

func caption(original, translated string, listening bool) protocol.Patch {
	return protocol.Patch{
		OriginalText:   str(original),
		TranslatedText: str(translated),
		IsListening:    boolean(listening),
	}
}

func TestGetUnknownSessionReturnsDefault(t *testing.T) {
	store, _, _, _ := newTestStore(t)
	state := store.Get("nobody")
	if state.HasText() || state.IsListening || state.Status != protocol.StatusIdle {
		t.Fatalf("expected default state, got %+v", state)
	}
	if store.Len() != 0 {
		t.Fatal("GET must not create sessions")
	}
}

func TestPostMergesPartialFields(t *testing.T) {
	store, _, _, clock := newTestStore(t)
	ctx := context.Background()

	if _, _, err := store.Post(ctx, "s1", caption("안녕", "", true)); err != nil {
		t.Fatalf("post: %v", err)
	}
	clock.Advance(100 * time.Millisecond)
	state, outcome, err := store.Post(ctx, "s1", protocol.Patch{TranslatedText: str("Hi")})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if !outcome.Applied {
		t.Fatalf("expected applied, got %+v", outcome)
	}
	if state.OriginalText != "안녕" || state.TranslatedText != "Hi" || !state.IsListening {
		t.Fatalf("partial update should keep other fields: %+v", state)
	}
}

func TestPostMissingSession(t *testing.T) {
	store, _, _, _ := newTestStore(t)
	if _, _, err := store.Post(context.Background(), "", caption("a", "b", true)); err != ErrMissingSession {
		t.Fatalf("expected ErrMissingSession, got %v", err)
	}
}

func TestSessionIsolation(t *testing.T) {
	store, notifier, _, _ := newTestStore(t)
	ctx := context.Background()

	if _, _, err := store.Post(ctx, "alpha", caption("one", "uno", true)); err != nil {
		t.Fatalf("post: %v", err)
	}
	if _, _, err := store.Post(ctx, "beta", caption("two", "dos", true)); err != nil {
		t.Fatalf("post: %v", err)
	}

	if got := store.Get("alpha"); got.OriginalText != "one" {
		t.Fatalf("alpha leaked: %+v", got)
	}
	if got := store.Get("beta"); got.OriginalText != "two" {
		t.Fatalf("beta leaked: %+v", got)
	}
	if notifier.count("alpha") != 1 || notifier.count("beta") != 1 {
		t.Fatalf("each session should notify only its own subscribers")
	}
}

func TestDuplicateSuppressedWithinWindow(t *testing.T) {
	store, notifier, recorder, clock := newTestStore(t)
	ctx := context.Background()

	first, _, _ := store.Post(ctx, "s", caption("hello", "안녕", true))
	clock.Advance(500 * time.Millisecond)
	second, outcome, err := store.Post(ctx, "s", caption("hello", "안녕", true))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if !outcome.Duplicate || outcome.Applied {
		t.Fatalf("expected duplicate, got %+v", outcome)
	}
	if second.Timestamp != first.Timestamp {
		t.Fatalf("duplicate should return cached state")
	}
	if notifier.count("s") != 1 || recorder.recorded != 1 {
		t.Fatalf("duplicate must not broadcast or record")
	}

	clock.Advance(2 * time.Second)
	_, outcome, _ = store.Post(ctx, "s", caption("hello", "안녕", true))
	if !outcome.Applied {
		t.Fatalf("identical content after the window should apply, got %+v", outcome)
	}
	if notifier.count("s") != 2 {
		t.Fatalf("expected second broadcast")
	}
}

func TestStatusChangeIsNeverDuplicate(t *testing.T) {
	store, notifier, _, clock := newTestStore(t)
	ctx := context.Background()

	store.Post(ctx, "s", caption("", "", true))
	clock.Advance(10 * time.Millisecond)
	state, outcome, _ := store.Post(ctx, "s", protocol.Patch{Status: str(protocol.StatusReconnecting)})
	if !outcome.Applied || state.Status != protocol.StatusReconnecting {
		t.Fatalf("status change should apply, got %+v %+v", outcome, state)
	}
	if state.HasText() || notifier.count("s") != 2 {
		t.Fatalf("status patch should broadcast without text, got %+v", state)
	}
}

func TestClearOnStop(t *testing.T) {
	store, notifier, _, clock := newTestStore(t)
	ctx := context.Background()

	store.Post(ctx, "s", caption("말하는 중", "speaking", true))
	clock.Advance(10 * time.Millisecond)
	state, outcome, err := store.Post(ctx, "s", protocol.Patch{IsListening: boolean(false)})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if !outcome.Applied {
		t.Fatalf("expected stop to apply")
	}
	if state.OriginalText != "" || state.TranslatedText != "" {
		t.Fatalf("texts must be cleared when listening stops: %+v", state)
	}
	if notifier.count("s") != 2 {
		t.Fatalf("stop should be broadcast immediately")
	}
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	store, _, _, _ := newTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		state, outcome, _ := store.Post(ctx, "s", caption(string(rune('a'+i)), "", true))
		if !outcome.Applied {
			t.Fatalf("post %d not applied", i)
		}
		if state.Timestamp <= last {
			t.Fatalf("timestamp %d not greater than %d", state.Timestamp, last)
		}
		last = state.Timestamp
	}
}

func TestStaleProducerTimestampRejected(t *testing.T) {
	store, notifier, _, clock := newTestStore(t)
	ctx := context.Background()

	newer := caption("new", "", true)
	newer.Timestamp = 2000
	store.Post(ctx, "s", newer)
	clock.Advance(10 * time.Millisecond)

	older := caption("old", "", true)
	older.Timestamp = 1000
	state, outcome, err := store.Post(ctx, "s", older)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if !outcome.Stale {
		t.Fatalf("expected stale outcome, got %+v", outcome)
	}
	if state.OriginalText != "new" {
		t.Fatalf("stale patch must not change state: %+v", state)
	}
	if notifier.count("s") != 1 {
		t.Fatalf("stale patch must not broadcast")
	}
}

func TestLayoutPatchIsNeverDuplicate(t *testing.T) {
	store, _, _, clock := newTestStore(t)
	ctx := context.Background()

	store.Post(ctx, "s", caption("a", "b", true))
	clock.Advance(10 * time.Millisecond)
	patch := caption("a", "b", true)
	fontSize := 40.0
	patch.LayoutSettings = &protocol.LayoutPatch{FontSize: &fontSize}
	state, outcome, _ := store.Post(ctx, "s", patch)
	if !outcome.Applied {
		t.Fatalf("layout change should apply, got %+v", outcome)
	}
	if state.LayoutSettings == nil || state.LayoutSettings.FontSize != 40 || state.LayoutSettings.Position != "bottom" {
		t.Fatalf("layout should merge over defaults: %+v", state.LayoutSettings)
	}
}

func TestAdoptOnlyNewer(t *testing.T) {
	store, notifier, _, _ := newTestStore(t)
	ctx := context.Background()

	local, _, _ := store.Post(ctx, "s", caption("local", "", true))
	if store.Adopt("s", protocol.CaptionState{OriginalText: "older", Timestamp: local.Timestamp - 1}) {
		t.Fatal("older remote state must be ignored")
	}
	if !store.Adopt("s", protocol.CaptionState{OriginalText: "remote", IsListening: true, Timestamp: local.Timestamp + 5}) {
		t.Fatal("newer remote state should be adopted")
	}
	if store.Get("s").OriginalText != "remote" {
		t.Fatal("adopted state not stored")
	}
	next, _, _ := store.Post(ctx, "s", caption("after", "", true))
	if next.Timestamp <= local.Timestamp+5 {
		t.Fatalf("local stamps must stay ahead of adopted ones")
	}
	if notifier.count("s") != 2 {
		t.Fatalf("adopted states must not go through the notifier, got %d", notifier.count("s"))
	}
}

func TestSweepRemovesIdleSessions(t *testing.T) {
	store, _, recorder, clock := newTestStore(t)
	ctx := context.Background()

	store.Post(ctx, "idle", caption("a", "", true))
	clock.Advance(4 * time.Minute)
	store.Post(ctx, "busy", caption("b", "", true))
	clock.Advance(2 * time.Minute)

	removed := store.Sweep(ctx, clock.Now())
	if len(removed) != 1 || removed[0] != "idle" {
		t.Fatalf("expected only idle session swept, got %v", removed)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 remaining session")
	}
	if len(recorder.forgotten) != 1 || recorder.forgotten[0] != "idle" {
		t.Fatalf("expected history forget for swept session")
	}
}

func TestMaxSessions(t *testing.T) {
	store, _, _, _ := newTestStore(t)
	store.cfg.MaxSessions = 1
	ctx := context.Background()
	if _, _, err := store.Post(ctx, "a", caption("x", "", true)); err != nil {
		t.Fatalf("post: %v", err)
	}
	if _, _, err := store.Post(ctx, "b", caption("x", "", true)); err != ErrTooManySessions {
		t.Fatalf("expected ErrTooManySessions, got %v", err)
	}
}
