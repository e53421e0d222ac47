package reconcile

import (
	"sync"
	"time"
)

// ConnState is the consumer's connection state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Streaming
	PollingFallback
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Streaming:
		return "STREAMING"
	case PollingFallback:
		return "POLLING_FALLBACK"
	}
	return "UNKNOWN"
}

// ConnChange describes one transition.
type ConnChange struct {
	From      ConnState
	To        ConnState
	Timestamp time.Time
	Reason    string
}

// ConnListener observes connection state changes.
type ConnListener interface {
	OnConnChange(change ConnChange)
}

// ConnListenerFunc adapts a function to ConnListener.
type ConnListenerFunc func(ConnChange)

func (f ConnListenerFunc) OnConnChange(change ConnChange) { f(change) }

// InvalidTransitionError is returned for a transition the machine does not allow.
type InvalidTransitionError struct {
	From ConnState
	To   ConnState
}

func (e *InvalidTransitionError) Error() string {
	return "invalid connection transition from " + e.From.String() + " to " + e.To.String()
}

var validTransitions = map[ConnState][]ConnState{
	Disconnected:    {Connecting},
	Connecting:      {Streaming, PollingFallback, Disconnected},
	Streaming:       {PollingFallback, Disconnected},
	PollingFallback: {Connecting, Disconnected},
}

// ConnMachine tracks DISCONNECTED → CONNECTING → STREAMING with
// POLLING_FALLBACK entered whenever the stream errors.
type ConnMachine struct {
	mu        sync.RWMutex
	state     ConnState
	since     time.Time
	listeners []ConnListener
}

func NewConnMachine() *ConnMachine {
	return &ConnMachine{state: Disconnected, since: time.Now()}
}

func (m *ConnMachine) State() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Since returns when the current state was entered.
func (m *ConnMachine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

func (m *ConnMachine) AddListener(l ConnListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Transition moves to state, notifying listeners outside the lock.
// Transitioning to the current state is a no-op.
func (m *ConnMachine) Transition(state ConnState, reason string) error {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return nil
	}
	if !allowed(m.state, state) {
		from := m.state
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: state}
	}
	change := ConnChange{From: m.state, To: state, Timestamp: time.Now(), Reason: reason}
	m.state = state
	m.since = change.Timestamp
	listeners := make([]ConnListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		l.OnConnChange(change)
	}
	return nil
}

func allowed(from, to ConnState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
