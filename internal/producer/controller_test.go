package producer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/fanout"
	"github.com/loqalabs/loqa-captions/internal/natsserver"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/recognition"
	"github.com/loqalabs/loqa-captions/internal/session"
	"github.com/loqalabs/loqa-captions/internal/translate"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingChannel struct {
	mu  sync.Mutex
	got []protocol.CaptionState
}

func (c *recordingChannel) Name() string { return "rec" }

func (c *recordingChannel) Send(_ context.Context, _ string, state protocol.CaptionState, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, state)
	return nil
}

func (c *recordingChannel) states() []protocol.CaptionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.CaptionState(nil), c.got...)
}

type fakeTranslator struct {
	mu      sync.Mutex
	calls   []string
	started chan struct{}
	release chan struct{}
	text    string
}

func (f *fakeTranslator) Translate(_ context.Context, text, targetLang, sourceLang string) translate.Result {
	f.mu.Lock()
	f.calls = append(f.calls, sourceLang+">"+targetLang+":"+text)
	f.mu.Unlock()
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		<-f.release
	}
	return translate.Result{Text: f.text, Origin: "fake"}
}

// storeChannel applies updates to a session store the way the status
// endpoint does.
type storeChannel struct {
	store *session.Store
}

func (c storeChannel) Name() string { return "store" }

func (c storeChannel) Send(ctx context.Context, sessionID string, state protocol.CaptionState, _ bool) error {
	_, _, err := c.store.Post(ctx, sessionID, protocol.PatchFrom(state))
	return err
}

func (c storeChannel) SendStatus(ctx context.Context, sessionID string, patch protocol.Patch) error {
	_, _, err := c.store.Post(ctx, sessionID, patch)
	return err
}

func newController(t *testing.T, backend recognition.Backend, tr Translator, ch fanout.Channel, busClient *bus.Client) *Controller {
	t.Helper()
	adapter := recognition.NewAdapter(backend, config.RecognitionConfig{Language: "ko-KR", MaxRestarts: 1}, testLogger())
	t.Cleanup(adapter.Close)
	pub := fanout.NewPublisher("s1", 0, testLogger(), ch)
	return NewController(adapter, tr, pub, busClient, config.ProducerConfig{TargetLanguage: "en", PublishInterim: true}, testLogger())
}

func TestLoadOrCreateSessionID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session_id")
	id, err := LoadOrCreateSessionID(path)
	if err != nil || id == "" {
		t.Fatalf("create: %q %v", id, err)
	}
	again, err := LoadOrCreateSessionID(path)
	if err != nil || again != id {
		t.Fatalf("expected persisted id %q, got %q (%v)", id, again, err)
	}

	if err := os.WriteFile(path, []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	fresh, err := LoadOrCreateSessionID(path)
	if err != nil || fresh == "" || fresh == id {
		t.Fatalf("empty file should yield a new id, got %q (%v)", fresh, err)
	}
}

func TestControllerPublishesInterimThenTranslatedFinal(t *testing.T) {
	backend := &recognition.MockBackend{
		Script: []recognition.Event{
			{Kind: recognition.EventInterim, Text: "안녕하세"},
			{Kind: recognition.EventFinal, Text: "안녕하세요"},
		},
		Err: io.EOF,
	}
	tr := &fakeTranslator{text: "Hello"}
	ch := &recordingChannel{}
	c := newController(t, backend, tr, ch, nil)

	if err := c.Run(context.Background(), "ko-KR"); err != nil {
		t.Fatalf("run: %v", err)
	}

	states := ch.states()
	var sawInterim, sawFinal bool
	for _, s := range states {
		if s.OriginalText == "안녕하세" && s.IsTranslating && s.TranslatedText == "" {
			sawInterim = true
		}
		if s.OriginalText == "안녕하세요" && s.TranslatedText == "Hello" && !s.IsTranslating {
			sawFinal = true
			if s.SourceLanguage != "ko-KR" || s.TargetLanguage != "en" {
				t.Fatalf("unexpected languages %+v", s)
			}
		}
	}
	if !sawInterim || !sawFinal {
		t.Fatalf("missing interim or final in %+v", states)
	}
	last := states[len(states)-1]
	if last.IsListening || last.HasText() || last.Status != protocol.StatusStopped {
		t.Fatalf("recognition end should publish a cleared state, got %+v", last)
	}
	if len(tr.calls) != 1 || tr.calls[0] != "ko-KR>en:안녕하세요" {
		t.Fatalf("unexpected translator calls %v", tr.calls)
	}
}

func TestControllerStopDiscardsLateTranslation(t *testing.T) {
	backend := recognition.NewMockBackend(recognition.Event{Kind: recognition.EventFinal, Text: "느린 문장"})
	tr := &fakeTranslator{text: "Late", started: make(chan struct{}, 1), release: make(chan struct{})}
	ch := &recordingChannel{}
	c := newController(t, backend, tr, ch, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, "ko-KR") }()

	select {
	case <-tr.started:
	case <-time.After(2 * time.Second):
		t.Fatal("translation never started")
	}
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(tr.release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}
	for _, s := range ch.states() {
		if s.TranslatedText == "Late" {
			t.Fatal("a translation finishing after stop must not be published")
		}
	}
	states := ch.states()
	if last := states[len(states)-1]; last.IsListening || last.HasText() {
		t.Fatalf("expected cleared state last, got %+v", last)
	}
}

func TestStatusLabelDoesNotRestoreDissolvedCaption(t *testing.T) {
	store := session.NewStore(config.Default().Store, nil, nil, testLogger())
	backend := recognition.NewMockBackend(recognition.Event{Kind: recognition.EventFinal, Text: "안녕하세요"})
	c := newController(t, backend, &fakeTranslator{text: "Hello"}, storeChannel{store: store}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, "ko-KR") }()

	deadline := time.Now().Add(2 * time.Second)
	for store.Get("s1").TranslatedText != "Hello" {
		if time.Now().After(deadline) {
			t.Fatalf("final caption never reached the store: %+v", store.Get("s1"))
		}
		time.Sleep(5 * time.Millisecond)
	}

	// the overlay dissolves the idle caption
	empty, listening := "", true
	if _, _, err := store.Post(ctx, "s1", protocol.Patch{OriginalText: &empty, TranslatedText: &empty, IsListening: &listening}); err != nil {
		t.Fatalf("dissolve: %v", err)
	}

	c.OnStatus(protocol.StatusReconnecting)
	c.flush(ctx)

	got := store.Get("s1")
	if got.HasText() {
		t.Fatalf("status change resurrected the caption: %+v", got)
	}
	if got.Status != protocol.StatusReconnecting || !got.IsListening {
		t.Fatalf("expected the new label on a listening session, got %+v", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestControllerFatalErrorStopsAndReturns(t *testing.T) {
	backend := &recognition.MockBackend{Err: &recognition.Error{Code: recognition.CodeNotAllowed, Message: "microphone denied"}}
	ch := &recordingChannel{}
	c := newController(t, backend, &fakeTranslator{}, ch, nil)

	err := c.Run(context.Background(), "ko-KR")
	var rerr *recognition.Error
	if !errors.As(err, &rerr) || rerr.Code != recognition.CodeNotAllowed {
		t.Fatalf("expected not-allowed error, got %v", err)
	}
	states := ch.states()
	if len(states) == 0 {
		t.Fatal("nothing published")
	}
	last := states[len(states)-1]
	if last.IsListening || last.Error != string(recognition.CodeNotAllowed) {
		t.Fatalf("unexpected final state %+v", last)
	}
}

func TestControllerReturnsOnFatalErrorEvent(t *testing.T) {
	backend := recognition.NewMockBackend(
		recognition.Event{Kind: recognition.EventError, Code: recognition.CodeNotAllowed, Text: "microphone revoked"},
	)
	ch := &recordingChannel{}
	c := newController(t, backend, &fakeTranslator{}, ch, nil)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), "ko-KR") }()
	select {
	case err := <-done:
		var rerr *recognition.Error
		if !errors.As(err, &rerr) || rerr.Code != recognition.CodeNotAllowed {
			t.Fatalf("expected not-allowed error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept going after a fatal error event")
	}
	if backend.Runs() != 1 {
		t.Fatalf("fatal error must not restart recognition, got %d runs", backend.Runs())
	}
	states := ch.states()
	if last := states[len(states)-1]; last.IsListening || last.Error != string(recognition.CodeNotAllowed) {
		t.Fatalf("unexpected final state %+v", last)
	}
}

func TestControllerRejectsConcurrentRun(t *testing.T) {
	backend := recognition.NewMockBackend()
	c := newController(t, backend, &fakeTranslator{}, &recordingChannel{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, "ko-KR") }()

	deadline := time.Now().Add(2 * time.Second)
	for backend.Runs() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Run(context.Background(), "ko-KR"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	cancel()
	<-done
}

func TestControllerSendsHeartbeats(t *testing.T) {
	logger := testLogger()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Host: "127.0.0.1", Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "producer-test", logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	beats := make(chan protocol.Heartbeat, 4)
	sub, err := client.SubscribePresence(func(hb protocol.Heartbeat) { beats <- hb })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	_ = client.Conn().Flush()

	c := newController(t, recognition.NewMockBackend(), &fakeTranslator{}, &recordingChannel{}, client)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, "ko-KR") }()

	select {
	case hb := <-beats:
		if hb.SessionID != "s1" || hb.ProducerID == "" {
			t.Fatalf("unexpected heartbeat %+v", hb)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat received")
	}
	cancel()
	<-done
}
