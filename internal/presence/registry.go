package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Controller is the last heartbeat seen from one producer.
type Controller struct {
	SessionID  string    `json:"sessionId"`
	ProducerID string    `json:"producerId"`
	LastSeen   time.Time `json:"lastSeen"`
}

// Registry tracks which sessions have a live producer.
type Registry struct {
	cfg   config.PresenceConfig
	log   *slog.Logger
	bus   *bus.Client
	clock func() time.Time

	mu          sync.RWMutex
	controllers map[string]map[string]time.Time
	sub         *nats.Subscription
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func NewRegistry(cfg config.PresenceConfig, busClient *bus.Client, log *slog.Logger) *Registry {
	r := &Registry{
		cfg:         cfg,
		log:         log.With(slog.String("component", "presence")),
		bus:         busClient,
		clock:       time.Now,
		controllers: make(map[string]map[string]time.Time),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// Start subscribes to heartbeats (when a bus is present) and expires stale
// controllers until Close.
func (r *Registry) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if r.bus != nil {
		sub, err := r.bus.SubscribePresence(func(hb protocol.Heartbeat) {
			if hb.Timestamp.IsZero() {
				hb.Timestamp = r.clock()
			}
			r.Touch(hb.SessionID, hb.ProducerID, hb.Timestamp)
		})
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe presence: %w", err)
		}
		r.sub = sub
	}

	r.wg.Add(1)
	go r.monitor(ctx)
	return nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.sub != nil {
		_ = r.sub.Drain()
	}
	r.wg.Wait()
}

func (r *Registry) monitor(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.timeout())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.expire(r.clock())
		}
	}
}

func (r *Registry) timeout() time.Duration {
	if r.cfg.HeartbeatTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
}

// Touch records activity from a producer of sessionID.
func (r *Registry) Touch(sessionID, producerID string, at time.Time) {
	if sessionID == "" {
		return
	}
	if producerID == "" {
		producerID = "anonymous"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.controllers[sessionID]
	if set == nil {
		set = make(map[string]time.Time)
		r.controllers[sessionID] = set
	}
	if prev, ok := set[producerID]; !ok || at.After(prev) {
		set[producerID] = at
	}
}

// Active reports whether any producer of sessionID was seen within the timeout.
func (r *Registry) Active(sessionID string) bool {
	now := r.clock()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, seen := range r.controllers[sessionID] {
		if now.Sub(seen) <= r.timeout() {
			return true
		}
	}
	return false
}

// Controllers lists the live producers across sessions.
func (r *Registry) Controllers() []Controller {
	now := r.clock()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Controller
	for sessionID, set := range r.controllers {
		for producerID, seen := range set {
			if now.Sub(seen) <= r.timeout() {
				out = append(out, Controller{SessionID: sessionID, ProducerID: producerID, LastSeen: seen})
			}
		}
	}
	return out
}

func (r *Registry) expire(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sessionID, set := range r.controllers {
		for producerID, seen := range set {
			if now.Sub(seen) > r.timeout() {
				delete(set, producerID)
			}
		}
		if len(set) == 0 {
			delete(r.controllers, sessionID)
		}
	}
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-captions/presence")
	gauge, err := meter.Int64ObservableGauge("captions_controllers_active",
		metric.WithDescription("Producers seen within the heartbeat timeout"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(len(r.Controllers())))
		return nil
	}, gauge)
	return err
}

// RunHeartbeat publishes a heartbeat for sessionID every interval until ctx ends.
func RunHeartbeat(ctx context.Context, client *bus.Client, sessionID, producerID string, interval time.Duration, log *slog.Logger) {
	if client == nil {
		return
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	publish := func() {
		hb := protocol.Heartbeat{SessionID: sessionID, ProducerID: producerID, Timestamp: time.Now().UTC()}
		if err := client.PublishJSON(protocol.Subject(protocol.SubjectPresencePrefix, sessionID), hb); err != nil {
			log.Debug("heartbeat publish failed", slog.String("error", err.Error()))
		}
	}
	publish()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}
