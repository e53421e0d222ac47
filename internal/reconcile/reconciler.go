package reconcile

import (
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/protocol"
)

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d. Tests substitute a manual scheduler.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemScheduler schedules with time.AfterFunc.
type SystemScheduler struct{}

func (SystemScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Options configure a Reconciler.
type Options struct {
	EnableAutoDissolve bool
	DissolveAfter      time.Duration
	ShowOriginal       bool
	Messages           Messages
	// ContinuousWindow hides the translating indicator while captions keep
	// arriving within this window.
	ContinuousWindow time.Duration
}

// View is what a consumer renders.
type View struct {
	Text        string                 `json:"text"`
	Original    string                 `json:"original,omitempty"`
	Listening   bool                   `json:"listening"`
	Translating bool                   `json:"translating"`
	Dissolved   bool                   `json:"dissolved"`
	Status      string                 `json:"status"`
	Timestamp   int64                  `json:"timestamp"`
	Layout      protocol.LayoutSettings `json:"layout"`
}

// Reconciler merges updates from every channel into one displayed caption
// and owns the dissolve timer.
type Reconciler struct {
	opts  Options
	sched Scheduler
	now   func() time.Time

	mu         sync.Mutex
	state      protocol.CaptionState
	dissolved  bool
	timer      Timer
	timerGen   uint64
	rearmed    bool
	lastTextAt time.Time
	closed     bool
	onChange   func(View)
	onDissolve func(protocol.CaptionState)
}

func NewReconciler(opts Options, sched Scheduler) *Reconciler {
	if sched == nil {
		sched = SystemScheduler{}
	}
	if opts.DissolveAfter <= 0 {
		opts.DissolveAfter = 5 * time.Second
	}
	if opts.ContinuousWindow <= 0 {
		opts.ContinuousWindow = 3 * time.Second
	}
	return &Reconciler{opts: opts, sched: sched, now: time.Now}
}

// OnChange registers a callback invoked with the new view after every
// applied update or dissolve.
func (r *Reconciler) OnChange(fn func(View)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// OnDissolve registers a callback invoked with the cleared, still-listening
// state when the dissolve timer clears the display.
func (r *Reconciler) OnDissolve(fn func(protocol.CaptionState)) {
	r.mu.Lock()
	r.onDissolve = fn
	r.mu.Unlock()
}

// SetMessages replaces the fallback messages, e.g. after admin settings change.
func (r *Reconciler) SetMessages(msgs Messages) {
	r.mu.Lock()
	r.opts.Messages = msgs
	view := r.viewLocked()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(view)
	}
}

// Apply merges u and returns the decision. Stale and duplicate updates leave
// the display and the dissolve timer untouched.
func (r *Reconciler) Apply(u Update) Decision {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Stale
	}
	next, decision := Merge(r.state, u)
	if decision != Applied {
		r.mu.Unlock()
		return decision
	}
	// a layout or status change with the same text restyles the display
	// and leaves the dissolve state and timer alone
	sameContent := r.state.Timestamp != 0 && next.ContentHash() == r.state.ContentHash()
	r.state = next
	if !sameContent {
		r.dissolved = false
		r.rearmed = false

		switch {
		case !next.IsListening:
			r.cancelTimerLocked()
		case next.HasText():
			r.lastTextAt = r.now()
			if r.opts.EnableAutoDissolve {
				r.armTimerLocked()
			}
		default:
			r.cancelTimerLocked()
		}
	}

	view := r.viewLocked()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(view)
	}
	return Applied
}

// State returns the last applied caption state.
func (r *Reconciler) State() protocol.CaptionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// View returns the current display.
func (r *Reconciler) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewLocked()
}

// Close cancels the dissolve timer. Later updates are ignored.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cancelTimerLocked()
}

func (r *Reconciler) viewLocked() View {
	layout := protocol.DefaultLayout()
	if r.state.LayoutSettings != nil {
		layout = *r.state.LayoutSettings
	}
	v := View{
		Text:      DisplayText(r.state, r.dissolved, r.opts.Messages),
		Listening: r.state.IsListening,
		Dissolved: r.dissolved,
		Status:    r.state.Status,
		Timestamp: r.state.Timestamp,
		Layout:    layout,
	}
	if !r.dissolved {
		continuous := !r.lastTextAt.IsZero() && r.now().Sub(r.lastTextAt) < r.opts.ContinuousWindow &&
			r.state.TranslatedText != ""
		v.Translating = r.state.IsTranslating && !continuous
		if r.opts.ShowOriginal && usableTranslation(r.state) {
			v.Original = strings.TrimSpace(r.state.OriginalText)
		}
	}
	return v
}

func (r *Reconciler) armTimerLocked() {
	r.cancelTimerLocked()
	r.timerGen++
	gen := r.timerGen
	r.timer = r.sched.AfterFunc(r.opts.DissolveAfter, func() { r.expire(gen) })
}

func (r *Reconciler) cancelTimerLocked() {
	r.timerGen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Reconciler) expire(gen uint64) {
	r.mu.Lock()
	if r.closed || gen != r.timerGen {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	// a translation still in flight gets one more period before clearing
	if r.state.IsTranslating && !r.rearmed {
		r.rearmed = true
		r.armTimerLocked()
		r.mu.Unlock()
		return
	}
	r.dissolved = true
	cleared := r.state.Cleared()
	cleared.IsListening = true
	cleared.Timestamp = protocol.NowMillis()
	if cleared.Timestamp <= r.state.Timestamp {
		cleared.Timestamp = r.state.Timestamp + 1
	}
	view := r.viewLocked()
	change := r.onChange
	dissolve := r.onDissolve
	r.mu.Unlock()

	if change != nil {
		change(view)
	}
	if dissolve != nil {
		dissolve(cleared)
	}
}
