package hub

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Adopter accepts states applied on other nodes.
type Adopter interface {
	Adopt(sessionID string, state protocol.CaptionState) bool
}

// Bridge relays applied states between captiond nodes sharing a NATS bus.
// It is the session store's Notifier: local subscribers are notified first,
// then the state is broadcast to peers.
type Bridge struct {
	hub    *Hub
	bus    *bus.Client
	nodeID string
	log    *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewBridge returns a bridge; a nil bus client keeps it local-only.
func NewBridge(h *Hub, busClient *bus.Client, log *slog.Logger) *Bridge {
	return &Bridge{
		hub:    h,
		bus:    busClient,
		nodeID: uuid.NewString(),
		log:    log.With(slog.String("component", "hub-bridge")),
	}
}

// NodeID identifies this node on the broadcast subjects.
func (b *Bridge) NodeID() string { return b.nodeID }

func (b *Bridge) Notify(sessionID string, state protocol.CaptionState) {
	b.hub.Notify(sessionID, state)
	if !b.bus.Healthy() {
		return
	}
	msg := protocol.BroadcastMessage{Origin: b.nodeID, SessionID: sessionID, State: state}
	if err := b.bus.PublishJSON(protocol.Subject(protocol.SubjectBroadcastPrefix, sessionID), msg); err != nil {
		b.log.Warn("broadcast publish failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}

// Start listens for peer broadcasts and feeds newer states to adopter.
func (b *Bridge) Start(adopter Adopter) error {
	if b.bus == nil {
		return nil
	}
	sub, err := b.bus.SubscribeBroadcast(func(msg protocol.BroadcastMessage) {
		if msg.Origin == b.nodeID || msg.SessionID == "" {
			return
		}
		if adopter.Adopt(msg.SessionID, msg.State) {
			b.hub.Notify(msg.SessionID, msg.State)
		}
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	b.log.Info("hub bridge started", slog.String("node_id", b.nodeID))
	return nil
}

func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
		b.sub = nil
	}
}
