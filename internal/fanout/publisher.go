package fanout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Report records what happened on each channel for one Publish call.
type Report struct {
	State    protocol.CaptionState
	Skipped  bool
	Attempts []string
	Errors   map[string]error
}

// OK reports whether every attempted channel succeeded.
func (r Report) OK() bool { return len(r.Errors) == 0 }

// Err joins the channel errors.
func (r Report) Err() error {
	errs := make([]error, 0, len(r.Errors))
	for _, name := range r.Attempts {
		if err := r.Errors[name]; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publisher sends caption states to every channel in order. Channels are
// independent: a failure on one never stops the next.
type Publisher struct {
	sessionID string
	channels  []Channel
	debounce  time.Duration
	log       *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	lastHash string
	lastAt   time.Time
	lastTS   int64

	sends metric.Int64Counter
}

func NewPublisher(sessionID string, debounce time.Duration, log *slog.Logger, channels ...Channel) *Publisher {
	p := &Publisher{
		sessionID: sessionID,
		channels:  channels,
		debounce:  debounce,
		log:       log.With(slog.String("component", "fanout"), slog.String("session_id", sessionID)),
		now:       time.Now,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-captions/fanout")
	var err error
	if p.sends, err = meter.Int64Counter("captions_fanout_sends_total",
		metric.WithDescription("Caption deliveries by channel and result")); err != nil {
		p.log.Warn("failed to create fanout counter", slogError(err))
	}
	return p
}

func (p *Publisher) SessionID() string { return p.sessionID }

// Publish stamps state and sends it to every channel. An update with the same
// content as the previous one inside the debounce window is skipped
// everywhere.
func (p *Publisher) Publish(ctx context.Context, state protocol.CaptionState, final bool) Report {
	if !state.IsListening {
		state = state.Cleared()
	}

	p.mu.Lock()
	now := p.now()
	hash := state.ContentHash()
	if p.debounce > 0 && hash == p.lastHash && now.Sub(p.lastAt) < p.debounce {
		p.mu.Unlock()
		return Report{State: state, Skipped: true}
	}
	p.lastHash = hash
	p.lastAt = now
	ts := now.UnixMilli()
	if ts <= p.lastTS {
		ts = p.lastTS + 1
	}
	p.lastTS = ts
	p.mu.Unlock()

	state.Timestamp = ts
	report := Report{State: state, Errors: make(map[string]error)}
	for _, ch := range p.channels {
		report.Attempts = append(report.Attempts, ch.Name())
		err := ch.Send(ctx, p.sessionID, state, final)
		result := "ok"
		if err != nil {
			result = "error"
			report.Errors[ch.Name()] = err
			p.log.Warn("caption delivery failed", slog.String("channel", ch.Name()), slogError(err))
		}
		if p.sends != nil {
			p.sends.Add(ctx, 1, metric.WithAttributes(
				attribute.String("channel", ch.Name()), attribute.String("result", result)))
		}
	}
	return report
}

// PublishStatus sends a text-free status patch to the channels that accept
// one. It never touches the debounce state since the caption content is
// unchanged.
func (p *Publisher) PublishStatus(ctx context.Context, patch protocol.Patch) Report {
	patch.OriginalText = nil
	patch.TranslatedText = nil

	p.mu.Lock()
	ts := p.now().UnixMilli()
	if ts <= p.lastTS {
		ts = p.lastTS + 1
	}
	p.lastTS = ts
	p.mu.Unlock()
	patch.Timestamp = ts

	report := Report{Errors: make(map[string]error)}
	for _, ch := range p.channels {
		sender, ok := ch.(StatusSender)
		if !ok {
			continue
		}
		report.Attempts = append(report.Attempts, ch.Name())
		err := sender.SendStatus(ctx, p.sessionID, patch)
		result := "ok"
		if err != nil {
			result = "error"
			report.Errors[ch.Name()] = err
			p.log.Warn("status delivery failed", slog.String("channel", ch.Name()), slogError(err))
		}
		if p.sends != nil {
			p.sends.Add(ctx, 1, metric.WithAttributes(
				attribute.String("channel", ch.Name()), attribute.String("result", result)))
		}
	}
	return report
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
