package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/fanout"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/reconcile"
)

// streamIdleTimeout drops a stream that has been silent for more than two
// server ping periods.
const streamIdleTimeout = 75 * time.Second

// ErrNoSession is returned by Run when the params carry no session id.
var ErrNoSession = errors.New("overlay: sessionId is required")

// ConfigResponse is the body of GET /api/overlay-config.
type ConfigResponse struct {
	Success  bool                    `json:"success"`
	Params   Params                  `json:"params"`
	Messages ConfigMessages          `json:"messages"`
	Layout   protocol.LayoutSettings `json:"layoutSettings"`
}

// ConfigMessages are the admin fallbacks an overlay displays.
type ConfigMessages struct {
	Inactive    string `json:"inactiveMessage"`
	Listening   string `json:"listeningMessage"`
	Translating string `json:"translatingMessage"`
}

// Consumer keeps one overlay in sync with a session. It streams events from
// the server, polls when the stream is down, and also applies same-host bus
// messages and sync-file changes. Every update goes through one Reconciler.
type Consumer struct {
	cfg    config.OverlayConfig
	params Params
	status *fanout.HTTPChannel
	stream *http.Client
	dialer *websocket.Dialer
	bus    *bus.Client
	sink   *Sink
	rec    *reconcile.Reconciler
	conn   *reconcile.ConnMachine
	log    *slog.Logger

	dissolved chan protocol.CaptionState
}

// NewConsumer builds a consumer. busClient and sink may be nil.
func NewConsumer(cfg config.OverlayConfig, params Params, busClient *bus.Client, sink *Sink, log *slog.Logger) *Consumer {
	showOriginal := cfg.ShowOriginal || params.ShowOriginal
	c := &Consumer{
		cfg:       cfg,
		params:    params,
		status:    fanout.NewHTTPChannel(cfg.ServerURL, 3*time.Second, nil),
		stream:    &http.Client{Transport: http.DefaultTransport},
		dialer:    &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		bus:       busClient,
		sink:      sink,
		conn:      reconcile.NewConnMachine(),
		log:       log.With(slog.String("component", "overlay"), slog.String("session_id", params.SessionID)),
		dissolved: make(chan protocol.CaptionState, 1),
	}
	c.rec = reconcile.NewReconciler(reconcile.Options{
		EnableAutoDissolve: cfg.EnableAutoDissolve,
		DissolveAfter:      time.Duration(cfg.AutoDissolveTime) * time.Second,
		ShowOriginal:       showOriginal,
	}, nil)
	c.conn.AddListener(reconcile.ConnListenerFunc(func(ch reconcile.ConnChange) {
		c.log.Debug("connection state changed",
			slog.String("from", ch.From.String()), slog.String("to", ch.To.String()), slog.String("reason", ch.Reason))
		c.debugf("conn %s -> %s (%s)", ch.From, ch.To, ch.Reason)
	}))
	return c
}

// Reconciler exposes the consumer's reconciler, e.g. to observe views.
func (c *Consumer) Reconciler() *reconcile.Reconciler { return c.rec }

// Conn exposes the connection state machine.
func (c *Consumer) Conn() *reconcile.ConnMachine { return c.conn }

// Run blocks until ctx is cancelled. All goroutines and timers it starts are
// stopped before it returns.
func (c *Consumer) Run(ctx context.Context) error {
	if c.params.SessionID == "" {
		return ErrNoSession
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.rec.OnChange(func(v reconcile.View) {
		if c.sink == nil {
			return
		}
		if err := c.sink.Render(v); err != nil {
			c.log.Warn("failed to render caption", slogError(err))
		}
	})
	c.rec.OnDissolve(func(s protocol.CaptionState) {
		// keep only the newest cleared state
		select {
		case c.dissolved <- s:
		default:
			select {
			case <-c.dissolved:
			default:
			}
			select {
			case c.dissolved <- s:
			default:
			}
		}
	})
	defer c.rec.Close()

	c.loadConfig(ctx)
	// render the initial blank/inactive view
	if c.sink != nil {
		_ = c.sink.Render(c.rec.View())
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.notifyDissolves(ctx)
	}()

	if c.bus != nil {
		sub, err := c.bus.SubscribeDirect(c.params.SessionID, c.onDirect)
		if err != nil {
			c.log.Warn("direct message subscription failed", slogError(err))
		} else {
			defer func() { _ = sub.Unsubscribe() }()
		}
	}

	if c.cfg.SyncDir != "" {
		watcher, err := c.watchSyncFile()
		if err != nil {
			c.log.Warn("sync file watcher unavailable", slogError(err))
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.runWatcher(ctx, watcher)
			}()
		}
	}

	c.connectLoop(ctx)

	cancel()
	wg.Wait()
	_ = c.conn.Transition(reconcile.Disconnected, "shutdown")
	return nil
}

func (c *Consumer) connectLoop(ctx context.Context) {
	if c.cfg.Transport == "poll" {
		c.transition(reconcile.Connecting, "polling only")
		c.transition(reconcile.PollingFallback, "polling only")
		c.pollFor(ctx, 0)
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Duration(c.cfg.ReconnectMaxMS) * time.Millisecond
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = 30 * time.Second
	}
	bo.Reset()

	for ctx.Err() == nil {
		c.transition(reconcile.Connecting, "dial "+c.transport())
		connected, err := c.runStream(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			bo.Reset()
		}
		reason := "stream ended"
		if err != nil {
			reason = err.Error()
		}
		c.log.Info("event stream unavailable, polling", slog.String("reason", reason))
		c.transition(reconcile.PollingFallback, reason)
		wait := bo.NextBackOff()
		if wait <= 0 {
			wait = bo.MaxInterval
		}
		c.pollFor(ctx, wait)
	}
}

func (c *Consumer) transport() string {
	if c.cfg.Transport == "ws" {
		return "ws"
	}
	return "sse"
}

func (c *Consumer) transition(state reconcile.ConnState, reason string) {
	if err := c.conn.Transition(state, reason); err != nil {
		c.log.Debug("ignored connection transition", slogError(err))
	}
}

// runStream reports whether the stream was established before it failed.
func (c *Consumer) runStream(ctx context.Context) (bool, error) {
	if c.transport() == "ws" {
		return c.streamWS(ctx)
	}
	return c.streamSSE(ctx)
}

func (c *Consumer) streamSSE(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/subtitle-events"), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return false, fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("open event stream: server returned %s", resp.Status)
	}
	c.transition(reconcile.Streaming, "sse connected")

	idle := time.AfterFunc(streamIdleTimeout, cancel)
	defer idle.Stop()

	reader := newSSEReader(resp.Body)
	for {
		payload, err := reader.Next()
		if err != nil {
			return true, fmt.Errorf("read event stream: %w", err)
		}
		idle.Reset(streamIdleTimeout)
		c.handlePayload(payload, reconcile.SourceStream)
	}
}

func (c *Consumer) streamWS(ctx context.Context) (bool, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.wsEndpoint(), nil)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return false, fmt.Errorf("websocket dial failed: %w", err)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
			_ = conn.Close()
		}
	}()
	c.transition(reconcile.Streaming, "websocket connected")

	for {
		_ = conn.SetReadDeadline(time.Now().Add(streamIdleTimeout))
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, nil
			}
			return true, fmt.Errorf("read websocket: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.handlePayload(payload, reconcile.SourceSocket)
	}
}

func (c *Consumer) handlePayload(payload []byte, source reconcile.Source) {
	state, ok, err := decodeEvent(payload)
	if err != nil {
		c.log.Debug("skipping stream message", slogError(err))
		return
	}
	if !ok {
		return
	}
	c.apply(source, state)
}

// pollFor polls the status endpoint until ctx ends or d elapses (d <= 0
// polls forever). Polling is fast for a warm-up window after start and after
// every applied change, then widens to the steady interval.
func (c *Consumer) pollFor(ctx context.Context, d time.Duration) {
	fast := time.Duration(c.cfg.FastPollMS) * time.Millisecond
	steady := time.Duration(c.cfg.SteadyPollMS) * time.Millisecond
	window := time.Duration(c.cfg.FastPollWindowMS) * time.Millisecond
	if fast <= 0 {
		fast = 200 * time.Millisecond
	}
	if steady < fast {
		steady = fast
	}

	start := time.Now()
	lastChange := start
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if c.pollOnce(ctx) == reconcile.Applied {
			lastChange = time.Now()
		}
		if d > 0 && time.Since(start) >= d {
			return
		}
		interval := steady
		if time.Since(lastChange) < window {
			interval = fast
		}
		timer.Reset(interval)
	}
}

func (c *Consumer) pollOnce(ctx context.Context) reconcile.Decision {
	resp, err := c.status.Fetch(ctx, c.params.SessionID)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Debug("status poll failed", slogError(err))
			c.debugf("poll failed: %v", err)
		}
		return reconcile.Stale
	}
	return c.apply(reconcile.SourcePoll, resp.CaptionState)
}

func (c *Consumer) onDirect(m protocol.DirectMessage) {
	if m.Type != protocol.EventSubtitleUpdate {
		return
	}
	// distinct ids can share a sanitized subject
	if m.SessionID != c.params.SessionID {
		c.debugf("message for session %q ignored", m.SessionID)
		return
	}
	c.apply(reconcile.SourceMessage, m.CaptionState)
}

func (c *Consumer) watchSyncFile() (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// watch the directory; atomic writes replace the file through a rename
	if err := watcher.Add(c.cfg.SyncDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", c.cfg.SyncDir, err)
	}
	return watcher, nil
}

func (c *Consumer) runWatcher(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	path := filepath.Join(c.cfg.SyncDir, protocol.SyncFileName)
	c.readSyncFile(path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != protocol.SyncFileName {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				c.readSyncFile(path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.log.Warn("sync file watcher error", slogError(err))
		}
	}
}

func (c *Consumer) readSyncFile(path string) {
	state, err := fanout.ReadSyncFile(path)
	if err != nil {
		c.log.Debug("sync file unreadable", slog.String("path", path), slogError(err))
		return
	}
	c.apply(reconcile.SourceStorage, state)
}

func (c *Consumer) apply(source reconcile.Source, state protocol.CaptionState) reconcile.Decision {
	if c.params.Target != "" && state.TargetLanguage != "" && !strings.EqualFold(state.TargetLanguage, c.params.Target) {
		c.debugf("%s caption targets %s, overlay expects %s", source, state.TargetLanguage, c.params.Target)
	}
	d := c.rec.Apply(reconcile.Update{Source: source, State: state})
	c.debugf("%s update ts=%d %s", source, state.Timestamp, d)
	return d
}

// notifyDissolves tells the server that the display was cleared so other
// consumers clear too.
func (c *Consumer) notifyDissolves(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case state := <-c.dissolved:
			if _, err := c.status.Post(ctx, c.params.SessionID, state, false); err != nil && ctx.Err() == nil {
				c.log.Warn("failed to report dissolve", slogError(err))
			}
		}
	}
}

// loadConfig fetches the admin messages. Failure keeps the built-in blanks.
func (c *Consumer) loadConfig(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.endpoint("/api/overlay-config"), nil)
	if err != nil {
		return
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		c.log.Debug("overlay config unavailable", slogError(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.log.Debug("overlay config unavailable", slog.String("status", resp.Status))
		return
	}
	var cfg ConfigResponse
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		c.log.Debug("overlay config undecodable", slogError(err))
		return
	}
	c.rec.SetMessages(reconcile.Messages{Inactive: cfg.Messages.Inactive, Listening: cfg.Messages.Listening})
}

func (c *Consumer) endpoint(path string) string {
	q := c.params.Values()
	return strings.TrimRight(c.cfg.ServerURL, "/") + path + "?" + q.Encode()
}

func (c *Consumer) wsEndpoint() string {
	u, err := url.Parse(c.endpoint("/api/subtitle-ws"))
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}

func (c *Consumer) debugf(format string, args ...any) {
	if c.sink != nil {
		c.sink.Debugf(format, args...)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
