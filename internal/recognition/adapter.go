package recognition

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

// EventKind is the type of a backend event.
type EventKind string

const (
	EventInterim EventKind = "interim"
	EventFinal   EventKind = "final"
	EventStatus  EventKind = "status"
	EventError   EventKind = "error"
)

// Event is one item produced by a backend session.
type Event struct {
	Kind EventKind `json:"type"`
	Text string    `json:"text,omitempty"`
	Code Code      `json:"code,omitempty"`
}

// Backend runs a single recognition session until ctx is cancelled or the
// session fails. A nil return means the session ended by itself.
type Backend interface {
	Name() string
	Run(ctx context.Context, language string, emit func(Event)) error
}

// Observer receives adapter callbacks. Callbacks run on adapter goroutines and
// must not block for long.
type Observer interface {
	OnResult(text string)
	OnInterim(text string)
	OnError(err *Error)
	OnStatus(label string)
	OnEnd()
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Result  func(string)
	Interim func(string)
	Error   func(*Error)
	Status  func(string)
	End     func()
}

func (o ObserverFuncs) OnResult(text string) {
	if o.Result != nil {
		o.Result(text)
	}
}

func (o ObserverFuncs) OnInterim(text string) {
	if o.Interim != nil {
		o.Interim(text)
	}
}

func (o ObserverFuncs) OnError(err *Error) {
	if o.Error != nil {
		o.Error(err)
	}
}

func (o ObserverFuncs) OnStatus(label string) {
	if o.Status != nil {
		o.Status(label)
	}
}

func (o ObserverFuncs) OnEnd() {
	if o.End != nil {
		o.End()
	}
}

// Option customises an Adapter.
type Option func(*Adapter)

// WithRestartDelays overrides the restart backoff bounds.
func WithRestartDelays(initial, max time.Duration) Option {
	return func(a *Adapter) {
		a.restartInitial = initial
		a.restartMax = max
	}
}

// Adapter keeps a backend session alive while listening is wanted. It
// restarts recoverable failures with exponential backoff and runs a watchdog
// that revives dead or silent sessions.
type Adapter struct {
	backend Backend
	log     *slog.Logger

	maxRestarts     int
	watchdogEvery   time.Duration
	inactivity      time.Duration
	minInterimChars int
	restartInitial  time.Duration
	restartMax      time.Duration

	mu             sync.Mutex
	observer       Observer
	subID          uint64
	language       string
	wantListening  bool
	live           bool
	relaunch       bool
	lastActivity   time.Time
	attempts       int
	retry          *backoff.ExponentialBackOff
	restartTimer   *time.Timer
	generation     uint64
	cancelSession  context.CancelFunc
	sessionDone    chan struct{}
	watchdogCancel context.CancelFunc
	watchdogDone   chan struct{}
}

// NewAdapter wraps backend with the restart and watchdog policy from cfg.
func NewAdapter(backend Backend, cfg config.RecognitionConfig, log *slog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		backend:         backend,
		log:             log.With(slog.String("component", "recognition")),
		maxRestarts:     cfg.MaxRestarts,
		watchdogEvery:   msOr(cfg.WatchdogMS, 10000),
		inactivity:      msOr(cfg.InactivityMS, 30000),
		minInterimChars: cfg.MinInterimChars,
		restartInitial:  time.Second,
		restartMax:      10 * time.Second,
		language:        cfg.Language,
	}
	if a.language == "" {
		a.language = "ko-KR"
	}
	for _, opt := range opts {
		opt(a)
	}
	a.retry = backoff.NewExponentialBackOff()
	a.retry.InitialInterval = a.restartInitial
	a.retry.MaxInterval = a.restartMax
	a.retry.Multiplier = 2
	a.retry.RandomizationFactor = 0
	a.retry.Reset()
	return a
}

func msOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Millisecond
}

// Subscribe registers the single observer. The returned function removes it.
func (a *Adapter) Subscribe(obs Observer) (func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.observer != nil {
		return nil, ErrAlreadySubscribed
	}
	a.subID++
	id := a.subID
	a.observer = obs
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.subID == id {
			a.observer = nil
		}
	}, nil
}

// Start begins listening in language. It returns false when no backend is
// configured.
func (a *Adapter) Start(language string) bool {
	a.mu.Lock()
	if a.backend == nil {
		obs := a.observer
		a.mu.Unlock()
		a.log.Error("cannot start recognition", slogError(ErrNoBackend))
		if obs != nil {
			obs.OnError(&Error{Code: CodeUnsupported, Err: ErrNoBackend})
		}
		return false
	}
	if language != "" {
		a.language = language
	}
	a.wantListening = true
	a.attempts = 0
	a.retry.Reset()
	a.stopRestartTimerLocked()
	if a.watchdogCancel == nil {
		a.startWatchdogLocked()
	}
	if a.live {
		a.mu.Unlock()
		return true
	}
	a.launchLocked()
	a.mu.Unlock()
	return true
}

// Stop ends listening and waits for the running session to exit.
func (a *Adapter) Stop() {
	a.mu.Lock()
	a.wantListening = false
	a.relaunch = false
	a.stopRestartTimerLocked()
	cancel := a.cancelSession
	done := a.sessionDone
	live := a.live
	obs := a.observer
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if live && done != nil {
		<-done
		return
	}
	if obs != nil {
		obs.OnStatus(protocol.StatusStopped)
	}
}

// Close stops listening and the watchdog.
func (a *Adapter) Close() {
	a.Stop()
	a.mu.Lock()
	cancel := a.watchdogCancel
	done := a.watchdogDone
	a.watchdogCancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// SetLanguage changes the recognition language. A live session is restarted
// so the new language takes effect immediately.
func (a *Adapter) SetLanguage(lang string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if lang == "" || lang == a.language {
		return
	}
	a.language = lang
	a.log.Info("recognition language changed", slog.String("language", lang))
	if a.live && a.cancelSession != nil {
		a.relaunch = true
		a.cancelSession()
	}
}

// Language returns the current recognition language.
func (a *Adapter) Language() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.language
}

// Listening reports whether a backend session is currently running.
func (a *Adapter) Listening() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

func (a *Adapter) launchLocked() {
	a.generation++
	gen := a.generation
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.cancelSession = cancel
	a.sessionDone = done
	a.live = true
	a.lastActivity = time.Now()
	go a.runSession(ctx, gen, a.language, done)
}

func (a *Adapter) runSession(ctx context.Context, gen uint64, language string, done chan struct{}) {
	a.log.Debug("recognition session starting",
		slog.String("backend", a.backend.Name()), slog.String("language", language))
	a.mu.Lock()
	obs := a.observer
	current := gen == a.generation
	a.mu.Unlock()
	if current && obs != nil {
		obs.OnStatus(protocol.StatusListening)
	}

	err := a.backend.Run(ctx, language, func(ev Event) { a.handleEvent(gen, ev) })

	a.mu.Lock()
	if gen != a.generation {
		a.mu.Unlock()
		close(done)
		return
	}
	a.live = false
	a.cancelSession = nil
	obs = a.observer

	var notify func()
	switch {
	case !a.wantListening:
		notify = func() {
			if obs != nil {
				obs.OnStatus(protocol.StatusStopped)
				obs.OnEnd()
			}
		}
	case a.relaunch:
		a.relaunch = false
		a.launchLocked()
	default:
		rerr := classify(err)
		switch {
		case rerr == nil:
			a.wantListening = false
			notify = func() {
				if obs != nil {
					obs.OnStatus(protocol.StatusStopped)
					obs.OnEnd()
				}
			}
		case !rerr.Recoverable():
			a.wantListening = false
			a.log.Warn("recognition failed", slog.String("code", string(rerr.Code)), slogError(rerr))
			notify = func() {
				if obs != nil {
					obs.OnError(rerr)
					obs.OnStatus(protocol.StatusStopped)
					obs.OnEnd()
				}
			}
		default:
			a.log.Info("recognition session ended, restarting", slog.String("code", string(rerr.Code)))
			notify = a.scheduleRestartLocked(obs)
		}
	}
	a.mu.Unlock()
	// live is already false, so an observer calling Stop from a callback
	// does not wait on done
	if notify != nil {
		notify()
	}
	close(done)
}

// scheduleRestartLocked arms the restart timer and returns the observer
// notification to run after the lock is released.
func (a *Adapter) scheduleRestartLocked(obs Observer) func() {
	a.stopRestartTimerLocked()
	if a.attempts >= a.maxRestarts {
		a.wantListening = false
		rerr := &Error{Code: CodeRetriesExhausted, Message: "maximum restart attempts exceeded"}
		a.log.Warn("recognition restart attempts exhausted", slog.Int("attempts", a.attempts))
		return func() {
			if obs != nil {
				obs.OnError(rerr)
				obs.OnStatus(protocol.StatusStopped)
				obs.OnEnd()
			}
		}
	}
	delay := a.retry.NextBackOff()
	a.attempts++
	a.log.Debug("recognition restart scheduled",
		slog.Duration("delay", delay), slog.Int("attempt", a.attempts), slog.Int("max", a.maxRestarts))
	a.restartTimer = time.AfterFunc(delay, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.restartTimer = nil
		if a.wantListening && !a.live {
			a.launchLocked()
		}
	})
	return func() {
		if obs != nil {
			obs.OnStatus(protocol.StatusReconnecting)
		}
	}
}

func (a *Adapter) stopRestartTimerLocked() {
	if a.restartTimer != nil {
		a.restartTimer.Stop()
		a.restartTimer = nil
	}
}

func (a *Adapter) handleEvent(gen uint64, ev Event) {
	a.mu.Lock()
	if gen != a.generation || !a.wantListening {
		a.mu.Unlock()
		return
	}
	a.lastActivity = time.Now()
	if ev.Kind == EventFinal || ev.Kind == EventInterim {
		// a session producing text is healthy again
		a.attempts = 0
		a.retry.Reset()
	}
	obs := a.observer
	minInterim := a.minInterimChars
	a.mu.Unlock()

	if obs == nil {
		return
	}
	switch ev.Kind {
	case EventFinal:
		if text := strings.TrimSpace(ev.Text); text != "" {
			obs.OnResult(text)
		}
	case EventInterim:
		text := strings.TrimSpace(ev.Text)
		if len([]rune(text)) <= minInterim {
			return
		}
		if filtered, ok := FilterNoise(text); ok {
			obs.OnInterim(filtered)
		}
	case EventStatus:
		obs.OnStatus(ev.Text)
	case EventError:
		rerr := &Error{Code: ev.Code, Message: ev.Text}
		if !rerr.Recoverable() {
			cancel := a.failSession(gen, rerr)
			obs.OnError(rerr)
			if cancel != nil {
				cancel()
			}
			return
		}
		a.log.Debug("recoverable recognition error", slog.String("code", string(ev.Code)))
	}
}

// failSession ends listening after a fatal error reported mid-session and
// returns the cancel func for the running session. The session then exits
// through runSession, which reports stopped and end.
func (a *Adapter) failSession(gen uint64, rerr *Error) context.CancelFunc {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.generation {
		return nil
	}
	a.wantListening = false
	a.relaunch = false
	a.stopRestartTimerLocked()
	a.log.Warn("recognition failed", slog.String("code", string(rerr.Code)), slogError(rerr))
	return a.cancelSession
}

func (a *Adapter) startWatchdogLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.watchdogCancel = cancel
	a.watchdogDone = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(a.watchdogEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				a.checkHealth(now)
			}
		}
	}()
}

func (a *Adapter) checkHealth(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.wantListening {
		return
	}
	switch {
	case !a.live && a.restartTimer == nil:
		a.log.Info("watchdog found recognition stopped, restarting")
		a.attempts = 0
		a.retry.Reset()
		a.launchLocked()
	case a.live && now.Sub(a.lastActivity) > a.inactivity:
		a.log.Info("watchdog found recognition silent, restarting",
			slog.Duration("silence", now.Sub(a.lastActivity)))
		if a.cancelSession != nil {
			a.relaunch = true
			a.cancelSession()
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
