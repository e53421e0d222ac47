package overlay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/fanout"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/reconcile"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(serverURL string) config.OverlayConfig {
	return config.OverlayConfig{
		ServerURL:        serverURL,
		Transport:        "sse",
		FastPollMS:       20,
		SteadyPollMS:     50,
		FastPollWindowMS: 200,
		ReconnectMaxMS:   2000,
	}
}

// fakeServer answers the endpoints an overlay talks to.
type fakeServer struct {
	mu        sync.Mutex
	state     protocol.CaptionState
	posts     []protocol.CaptionState
	eventsOK  bool
	events    []protocol.CaptionState
	statusHit int
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/subtitle-status", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.URL.Query().Get("sessionId") != "s1" {
			t.Errorf("unexpected session %q", r.URL.Query().Get("sessionId"))
		}
		if r.Method == http.MethodPost {
			var s protocol.CaptionState
			_ = json.NewDecoder(r.Body).Decode(&s)
			f.posts = append(f.posts, s)
			_ = json.NewEncoder(w).Encode(protocol.StatusResponse{Success: true, Applied: true, CaptionState: s})
			return
		}
		f.statusHit++
		_ = json.NewEncoder(w).Encode(protocol.StatusResponse{Success: true, CaptionState: f.state})
	})
	mux.HandleFunc("/api/subtitle-events", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		ok := f.eventsOK
		events := append([]protocol.CaptionState(nil), f.events...)
		f.mu.Unlock()
		if !ok {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		fmt.Fprint(w, ": connected\n\n")
		ping, _ := json.Marshal(protocol.NewPingEvent())
		fmt.Fprintf(w, "data: %s\n\n", ping)
		for _, s := range events {
			data, _ := json.Marshal(protocol.NewUpdateEvent(s))
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		fl.Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/api/overlay-config", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ConfigResponse{
			Success:  true,
			Params:   ParseParams(r.URL.Query()),
			Messages: ConfigMessages{Inactive: "Subtitles paused", Listening: ""},
			Layout:   protocol.DefaultLayout(),
		})
	})
	return mux
}

func (f *fakeServer) postsSnapshot() []protocol.CaptionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.CaptionState(nil), f.posts...)
}

func runConsumer(t *testing.T, c *Consumer) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("consumer did not stop")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func caption(ts int64, original, translated string) protocol.CaptionState {
	return protocol.CaptionState{OriginalText: original, TranslatedText: translated, IsListening: true, Timestamp: ts}
}

func TestParseParams(t *testing.T) {
	q, _ := url.ParseQuery("sessionId=%20abc%20&source=ko-KR&target=en&controls=true&showOriginal&debug=1&host=OBS")
	p := ParseParams(q)
	if p.SessionID != "abc" || p.Source != "ko-KR" || p.Target != "en" {
		t.Fatalf("unexpected params %+v", p)
	}
	if !p.Controls || !p.ShowOriginal || !p.Debug || p.Host != HostOBS {
		t.Fatalf("unexpected flags %+v", p)
	}

	p = ParseParams(url.Values{"sessionId": {"x"}, "debug": {"no"}, "host": {"tv"}})
	if p.Debug || p.Host != HostBrowser {
		t.Fatalf("expected defaults, got %+v", p)
	}
	if got := ParseParams(p.Values()); got != p {
		t.Fatalf("values should round trip: %+v vs %+v", got, p)
	}
}

func TestSinkWritesFileAndKeepsDebugRing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caption.txt")
	var out bytes.Buffer
	s := NewSink(path, &out, true)

	if err := s.Render(reconcile.View{Text: "Hello", Original: "안녕", Listening: true}); err != nil {
		t.Fatalf("render: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "안녕\nHello" {
		t.Fatalf("unexpected file %q (%v)", data, err)
	}
	if !strings.Contains(out.String(), "안녕 / Hello") {
		t.Fatalf("unexpected stdout %q", out.String())
	}

	_ = s.Render(reconcile.View{Text: "Hello", Listening: true})
	if strings.Count(out.String(), "\n") != 1 {
		t.Fatal("unchanged text should not render twice")
	}

	for i := 0; i < 30; i++ {
		s.Debugf("line %d", i)
	}
	lines := s.DebugLines()
	if len(lines) != 20 || !strings.HasSuffix(lines[19], "line 29") {
		t.Fatalf("expected the last 20 lines, got %d ending %q", len(lines), lines[len(lines)-1])
	}
}

func TestSSEReaderAndDecode(t *testing.T) {
	body := ": comment\n\ndata: {\"type\":\"PING\",\"timestamp\":1}\n\ndata: {\"type\":\"SUBTITLE_UPDATE\",\n" +
		"data: \"translatedText\":\"Hi\",\"timestamp\":5}\n\n"
	r := newSSEReader(strings.NewReader(body))

	payload, err := r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if _, ok, err := decodeEvent(payload); ok || err != nil {
		t.Fatalf("ping should be skipped: ok=%t err=%v", ok, err)
	}
	payload, err = r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	state, ok, err := decodeEvent(payload)
	if !ok || err != nil || state.TranslatedText != "Hi" || state.Timestamp != 5 {
		t.Fatalf("unexpected update %+v ok=%t err=%v", state, ok, err)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestConsumerStreamsEvents(t *testing.T) {
	fake := &fakeServer{eventsOK: true, events: []protocol.CaptionState{caption(10, "안녕", "Hello")}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	c := NewConsumer(testConfig(srv.URL), Params{SessionID: "s1"}, nil, NewSink("", nil, true), testLogger())
	stop := runConsumer(t, c)
	defer stop()

	waitFor(t, "streamed caption", func() bool { return c.Reconciler().View().Text == "Hello" })
	if c.Conn().State() != reconcile.Streaming {
		t.Fatalf("expected streaming, got %s", c.Conn().State())
	}
}

func TestConsumerFallsBackToPolling(t *testing.T) {
	fake := &fakeServer{state: caption(20, "둘", "Two")}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	c := NewConsumer(testConfig(srv.URL), Params{SessionID: "s1"}, nil, nil, testLogger())
	stop := runConsumer(t, c)

	waitFor(t, "polled caption", func() bool { return c.Reconciler().View().Text == "Two" })
	if c.Conn().State() != reconcile.PollingFallback {
		t.Fatalf("expected polling fallback, got %s", c.Conn().State())
	}

	// newer content arrives while polling
	fake.mu.Lock()
	fake.state = caption(30, "셋", "Three")
	fake.mu.Unlock()
	waitFor(t, "second polled caption", func() bool { return c.Reconciler().View().Text == "Three" })

	stop()
	if c.Conn().State() != reconcile.Disconnected {
		t.Fatalf("expected disconnected after Run, got %s", c.Conn().State())
	}
}

func TestConsumerAppliesSyncFile(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	dir := t.TempDir()
	cfg := testConfig(srv.URL)
	cfg.Transport = "poll"
	cfg.SyncDir = dir
	c := NewConsumer(cfg, Params{SessionID: "s1"}, nil, nil, testLogger())
	stop := runConsumer(t, c)
	defer stop()

	// give the watcher a moment to start before writing
	time.Sleep(50 * time.Millisecond)
	if err := fanout.NewFileChannel(dir).Send(context.Background(), "s1", caption(100, "파일", "From file"), true); err != nil {
		t.Fatalf("write sync file: %v", err)
	}
	waitFor(t, "sync file caption", func() bool { return c.Reconciler().View().Text == "From file" })
}

func TestConsumerReportsDissolve(t *testing.T) {
	fake := &fakeServer{eventsOK: true, events: []protocol.CaptionState{caption(10, "안녕", "Hello")}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.EnableAutoDissolve = true
	cfg.AutoDissolveTime = 1
	c := NewConsumer(cfg, Params{SessionID: "s1"}, nil, nil, testLogger())
	stop := runConsumer(t, c)
	defer stop()

	waitFor(t, "dissolve report", func() bool { return len(fake.postsSnapshot()) == 1 })
	post := fake.postsSnapshot()[0]
	if post.HasText() || !post.IsListening || post.Timestamp <= 10 {
		t.Fatalf("unexpected dissolve post %+v", post)
	}
	if v := c.Reconciler().View(); !v.Dissolved || v.Text != "" {
		t.Fatalf("expected a blank dissolved view, got %+v", v)
	}
}

func TestDirectMessageForOtherSessionIgnored(t *testing.T) {
	c := NewConsumer(testConfig("http://127.0.0.1:1"), Params{SessionID: "a.b"}, nil, nil, testLogger())

	// "a_b" shares the sanitized subject of "a.b"
	c.onDirect(protocol.DirectMessage{Type: protocol.EventSubtitleUpdate, SessionID: "a_b", CaptionState: caption(10, "남", "other")})
	if st := c.Reconciler().State(); st.HasText() {
		t.Fatalf("message for another session was applied: %+v", st)
	}

	c.onDirect(protocol.DirectMessage{Type: protocol.EventSubtitleUpdate, SessionID: "a.b", CaptionState: caption(11, "내", "mine")})
	if v := c.Reconciler().View(); v.Text != "mine" {
		t.Fatalf("expected own message to apply, got %+v", v)
	}
}

func TestConsumerLoadsAdminMessages(t *testing.T) {
	fake := &fakeServer{state: protocol.CaptionState{Timestamp: 1}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Transport = "poll"
	c := NewConsumer(cfg, Params{SessionID: "s1"}, nil, nil, testLogger())
	stop := runConsumer(t, c)
	defer stop()

	waitFor(t, "inactive message", func() bool { return c.Reconciler().View().Text == "Subtitles paused" })
}

func TestConsumerOverWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/subtitle-ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(protocol.NewUpdateEvent(caption(7, "소켓", "Socket")))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Transport = "ws"
	c := NewConsumer(cfg, Params{SessionID: "s1"}, nil, nil, testLogger())
	stop := runConsumer(t, c)
	defer stop()

	waitFor(t, "socket caption", func() bool { return c.Reconciler().View().Text == "Socket" })
	if c.Conn().State() != reconcile.Streaming {
		t.Fatalf("expected streaming, got %s", c.Conn().State())
	}
}

func TestRunRequiresSession(t *testing.T) {
	c := NewConsumer(testConfig("http://127.0.0.1:1"), Params{}, nil, nil, testLogger())
	if err := c.Run(context.Background()); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}
