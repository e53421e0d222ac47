package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrMissingSession  = errors.New("sessionId is required")
	ErrInvalidSession  = errors.New("sessionId is too long")
	ErrTooManySessions = errors.New("session limit reached")
)

const maxSessionIDLen = 256

// Notifier receives every applied state. Implementations must not block.
type Notifier interface {
	Notify(sessionID string, state protocol.CaptionState)
}

// Recorder persists applied states.
type Recorder interface {
	Record(ctx context.Context, sessionID string, state protocol.CaptionState) error
	ForgetSession(ctx context.Context, sessionID string) error
	Prune(ctx context.Context) error
}

// Outcome describes what a POST did to the stored state.
type Outcome struct {
	Applied   bool `json:"applied"`
	Duplicate bool `json:"duplicate"`
	Stale     bool `json:"stale"`
}

// Info is a diagnostic snapshot of one session.
type Info struct {
	ID         string                `json:"sessionId"`
	LastUpdate time.Time             `json:"lastUpdate"`
	State      protocol.CaptionState `json:"state"`
}

type entry struct {
	state       protocol.CaptionState
	lastHash    string
	lastApplied time.Time
	producerTS  int64
	touched     time.Time
}

// Store holds one CaptionState per session.
type Store struct {
	cfg      config.StoreConfig
	log      *slog.Logger
	notifier Notifier
	recorder Recorder
	clock    func() time.Time

	mu        sync.Mutex
	sessions  map[string]*entry
	lastStamp int64

	posts metric.Int64Counter
}

func NewStore(cfg config.StoreConfig, notifier Notifier, recorder Recorder, log *slog.Logger) *Store {
	s := &Store{
		cfg:      cfg,
		log:      log.With(slog.String("component", "session-store")),
		notifier: notifier,
		recorder: recorder,
		clock:    time.Now,
		sessions: make(map[string]*entry),
	}
	s.initMetrics()
	return s
}

func (s *Store) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-captions/session")
	posts, err := meter.Int64Counter("captions_session_posts_total",
		metric.WithDescription("Caption POSTs by outcome"))
	if err != nil {
		s.log.Warn("failed to create post counter", slogError(err))
	} else {
		s.posts = posts
	}
	_, err = meter.Int64ObservableGauge("captions_sessions_live",
		metric.WithDescription("Sessions currently held in memory"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.Len()))
			return nil
		}))
	if err != nil {
		s.log.Warn("failed to create session gauge", slogError(err))
	}
}

// Get returns the session's state, or the default empty state when unknown.
func (s *Store) Get(sessionID string) protocol.CaptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[sessionID]; ok {
		return e.state
	}
	return protocol.DefaultState()
}

// Post merges patch into the session state. Clearing on stop is enforced, the
// result gets a fresh strictly increasing timestamp, and repeated content
// within the dedup window is answered from the cached state.
func (s *Store) Post(ctx context.Context, sessionID string, patch protocol.Patch) (protocol.CaptionState, Outcome, error) {
	if sessionID == "" {
		return protocol.CaptionState{}, Outcome{}, ErrMissingSession
	}
	if len(sessionID) > maxSessionIDLen {
		return protocol.CaptionState{}, Outcome{}, ErrInvalidSession
	}
	now := s.clock()

	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	if !ok {
		if s.cfg.MaxSessions > 0 && len(s.sessions) >= s.cfg.MaxSessions {
			s.mu.Unlock()
			return protocol.CaptionState{}, Outcome{}, ErrTooManySessions
		}
		e = &entry{state: protocol.DefaultState()}
		s.sessions[sessionID] = e
	}
	e.touched = now

	if patch.Timestamp > 0 && patch.Timestamp < e.producerTS {
		state, latest := e.state, e.producerTS
		s.mu.Unlock()
		s.count(ctx, "stale")
		s.log.Debug("stale caption ignored", slog.String("session_id", sessionID),
			slog.Int64("timestamp", patch.Timestamp), slog.Int64("latest", latest))
		return state, Outcome{Stale: true}, nil
	}

	next := patch.Apply(e.state)
	if !next.IsListening {
		next = next.Cleared()
	}
	next.Timestamp = 0
	hash := next.ContentHash()

	window := time.Duration(s.cfg.DedupWindowMS) * time.Millisecond
	if ok && patch.LayoutSettings == nil && hash == e.lastHash && next.Status == e.state.Status && now.Sub(e.lastApplied) < window {
		state := e.state
		s.mu.Unlock()
		s.count(ctx, "duplicate")
		return state, Outcome{Duplicate: true}, nil
	}

	next.Timestamp = s.stamp(now)
	e.state = next
	e.lastHash = hash
	e.lastApplied = now
	if patch.Timestamp > e.producerTS {
		e.producerTS = patch.Timestamp
	}
	if s.notifier != nil {
		s.notifier.Notify(sessionID, next)
	}
	s.mu.Unlock()

	s.count(ctx, "applied")
	if s.recorder != nil {
		if err := s.recorder.Record(ctx, sessionID, next); err != nil {
			s.log.Warn("failed to record caption", slog.String("session_id", sessionID), slogError(err))
		}
	}
	return next, Outcome{Applied: true}, nil
}

// Adopt installs a state produced by another server node when it is newer
// than the local one. It reports whether the state was taken; the caller is
// responsible for notifying local subscribers.
func (s *Store) Adopt(sessionID string, state protocol.CaptionState) bool {
	if sessionID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		if s.cfg.MaxSessions > 0 && len(s.sessions) >= s.cfg.MaxSessions {
			return false
		}
		e = &entry{state: protocol.DefaultState()}
		s.sessions[sessionID] = e
	}
	if state.Timestamp <= e.state.Timestamp {
		return false
	}
	now := s.clock()
	e.state = state
	e.lastHash = state.ContentHash()
	e.lastApplied = now
	e.touched = now
	if state.Timestamp > s.lastStamp {
		s.lastStamp = state.Timestamp
	}
	return true
}

// stamp returns a millisecond timestamp strictly greater than any issued before.
func (s *Store) stamp(now time.Time) int64 {
	ts := now.UnixMilli()
	if ts <= s.lastStamp {
		ts = s.lastStamp + 1
	}
	s.lastStamp = ts
	return ts
}

// Sweep drops sessions idle longer than the inactivity window and returns their ids.
func (s *Store) Sweep(ctx context.Context, now time.Time) []string {
	idle := time.Duration(s.cfg.InactivityMS) * time.Millisecond
	s.mu.Lock()
	var removed []string
	for id, e := range s.sessions {
		if now.Sub(e.touched) > idle {
			delete(s.sessions, id)
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	if s.recorder != nil {
		for _, id := range removed {
			if err := s.recorder.ForgetSession(ctx, id); err != nil {
				s.log.Warn("failed to forget session history", slog.String("session_id", id), slogError(err))
			}
		}
	}
	if len(removed) > 0 {
		s.log.Info("swept idle sessions", slog.Int("count", len(removed)))
	}
	return removed
}

// RunSweeper sweeps and prunes history on the configured interval until ctx ends.
func (s *Store) RunSweeper(ctx context.Context) {
	interval := time.Duration(s.cfg.SweepIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx, s.clock())
			if s.recorder != nil {
				if err := s.recorder.Prune(ctx); err != nil {
					s.log.Warn("history prune failed", slogError(err))
				}
			}
		}
	}
}

// Len reports how many sessions are held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sessions returns a snapshot ordered by most recent update.
func (s *Store) Sessions() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.sessions))
	for id, e := range s.sessions {
		out = append(out, Info{ID: id, LastUpdate: e.touched, State: e.state})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdate.After(out[j].LastUpdate) })
	return out
}

func (s *Store) count(ctx context.Context, outcome string) {
	if s.posts == nil {
		return
	}
	s.posts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
