package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrTooManySubscribers = errors.New("too many subscribers for session")
	ErrDropped            = errors.New("subscriber dropped")
)

// Subscriber receives the applied states of one session.
type Subscriber struct {
	sessionID string
	ch        chan protocol.CaptionState
	done      chan struct{}
	once      sync.Once
	hub       *Hub
}

// C delivers caption states in the order they were applied.
func (s *Subscriber) C() <-chan protocol.CaptionState { return s.ch }

// Done is closed once the subscriber is removed from the hub.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscriber) Close() { s.hub.remove(s) }

// Hub keeps per-session subscriber sets for the push endpoints.
type Hub struct {
	cfg config.StoreConfig
	log *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}

	dropped metric.Int64Counter
}

func New(cfg config.StoreConfig, log *slog.Logger) *Hub {
	h := &Hub{
		cfg:  cfg,
		log:  log.With(slog.String("component", "hub")),
		subs: make(map[string]map[*Subscriber]struct{}),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-captions/hub")
	if c, err := meter.Int64Counter("captions_hub_dropped_total",
		metric.WithDescription("Subscribers dropped because they fell behind")); err == nil {
		h.dropped = c
	}
	if _, err := meter.Int64ObservableGauge("captions_hub_subscribers",
		metric.WithDescription("Connected event stream subscribers"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(h.Total()))
			return nil
		})); err != nil {
		h.log.Warn("failed to create subscriber gauge", slog.String("error", err.Error()))
	}
	return h
}

// Subscribe registers a new subscriber for sessionID.
func (h *Hub) Subscribe(sessionID string) (*Subscriber, error) {
	buffer := h.cfg.SubscriberBuffer
	if buffer <= 0 {
		buffer = 16
	}
	sub := &Subscriber{
		sessionID: sessionID,
		ch:        make(chan protocol.CaptionState, buffer),
		done:      make(chan struct{}),
		hub:       h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sessionID]
	if set == nil {
		set = make(map[*Subscriber]struct{})
		h.subs[sessionID] = set
	}
	if h.cfg.MaxSubscribersPer > 0 && len(set) >= h.cfg.MaxSubscribersPer {
		if len(set) == 0 {
			delete(h.subs, sessionID)
		}
		return nil, ErrTooManySubscribers
	}
	set[sub] = struct{}{}
	h.log.Debug("subscriber added", slog.String("session_id", sessionID), slog.Int("count", len(set)))
	return sub, nil
}

// Notify delivers state to every subscriber of sessionID without blocking.
// A subscriber whose buffer is full is dropped.
func (h *Hub) Notify(sessionID string, state protocol.CaptionState) {
	h.mu.Lock()
	set := h.subs[sessionID]
	var slow []*Subscriber
	for sub := range set {
		select {
		case sub.ch <- state:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range slow {
		h.log.Warn("dropping slow subscriber", slog.String("session_id", sessionID))
		if h.dropped != nil {
			h.dropped.Add(context.Background(), 1)
		}
		h.remove(sub)
	}
}

func (h *Hub) remove(sub *Subscriber) {
	sub.once.Do(func() {
		h.mu.Lock()
		if set := h.subs[sub.sessionID]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, sub.sessionID)
			}
		}
		h.mu.Unlock()
		close(sub.done)
	})
}

// Count returns the number of subscribers for sessionID.
func (h *Hub) Count(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

// Total returns the number of subscribers across sessions.
func (h *Hub) Total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// Stream subscribes, then reads and sends the initial snapshot, then every
// applied state and a PING on each interval until ctx ends, send fails, or
// the subscriber is dropped. Reading the snapshot after subscribing means an
// update landing in between is either in the snapshot or queued; queued
// states the snapshot already covers are skipped.
func (h *Hub) Stream(ctx context.Context, sessionID string, snapshot func() protocol.CaptionState, ping time.Duration, send func(any) error) error {
	sub, err := h.Subscribe(sessionID)
	if err != nil {
		return err
	}
	defer sub.Close()

	initial := snapshot()
	if err := send(protocol.NewUpdateEvent(initial)); err != nil {
		return err
	}

	if ping <= 0 {
		ping = 30 * time.Second
	}
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return ErrDropped
		case state := <-sub.C():
			if initial.Timestamp != 0 && state.Timestamp <= initial.Timestamp {
				continue
			}
			if err := send(protocol.NewUpdateEvent(state)); err != nil {
				return err
			}
		case <-ticker.C:
			if err := send(protocol.NewPingEvent()); err != nil {
				return err
			}
		}
	}
}
