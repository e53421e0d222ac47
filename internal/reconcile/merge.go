package reconcile

import (
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

// Source names the channel an update arrived on.
type Source string

const (
	SourceStorage Source = "storage" // sync file
	SourceMessage Source = "message" // bus direct message
	SourcePoll    Source = "poll"
	SourceStream  Source = "stream" // SSE
	SourceSocket  Source = "socket" // WebSocket
)

// Update is one timestamped caption state from a channel.
type Update struct {
	Source Source
	State  protocol.CaptionState
}

// Decision is the outcome of merging an update.
type Decision int

const (
	Applied Decision = iota
	Stale
	Duplicate
)

func (d Decision) String() string {
	switch d {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// Merge decides whether u replaces current. A zero current timestamp means
// nothing has been applied yet. Older timestamps are stale; equal content
// is a duplicate unless the update carries a layout or status change. An applied
// state that is not listening has its text cleared, and a missing layout
// keeps the current one.
func Merge(current protocol.CaptionState, u Update) (protocol.CaptionState, Decision) {
	next := u.State
	if current.Timestamp != 0 && next.Timestamp < current.Timestamp {
		return current, Stale
	}
	if current.Timestamp != 0 && next.ContentHash() == current.ContentHash() &&
		next.Status == current.Status && !layoutChanged(current, next) {
		return current, Duplicate
	}
	if !next.IsListening {
		next = next.Cleared()
	}
	if next.LayoutSettings == nil {
		next.LayoutSettings = current.LayoutSettings
	}
	return next, Applied
}

func layoutChanged(current, next protocol.CaptionState) bool {
	if next.LayoutSettings == nil {
		return false
	}
	if current.LayoutSettings == nil {
		return true
	}
	return *next.LayoutSettings != *current.LayoutSettings
}
