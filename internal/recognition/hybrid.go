package recognition

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// Preparer is implemented by backends that can check their dependencies
// before the first session.
type Preparer interface {
	Prepare() error
}

// HybridBackend prefers one backend and switches to the fallback for good
// once the preferred one fails to prepare or fails at runtime.
type HybridBackend struct {
	preferred Backend
	fallback  Backend
	log       *slog.Logger

	mu           sync.Mutex
	usedFallback bool
}

func NewHybridBackend(preferred, fallback Backend, log *slog.Logger) *HybridBackend {
	h := &HybridBackend{preferred: preferred, fallback: fallback, log: log}
	if p, ok := preferred.(Preparer); ok {
		if err := p.Prepare(); err != nil {
			log.Warn("preferred recognition backend unavailable, using fallback",
				slog.String("backend", preferred.Name()), slogError(err))
			h.usedFallback = true
		}
	}
	return h
}

func (h *HybridBackend) Name() string {
	if h.onFallback() {
		return "hybrid:" + h.fallback.Name()
	}
	return "hybrid:" + h.preferred.Name()
}

func (h *HybridBackend) onFallback() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usedFallback
}

func (h *HybridBackend) Run(ctx context.Context, language string, emit func(Event)) error {
	if h.onFallback() {
		return h.fallback.Run(ctx, language, emit)
	}
	err := h.preferred.Run(ctx, language, emit)
	if err == nil || ctx.Err() != nil || errors.Is(err, io.EOF) {
		return err
	}
	h.log.Warn("preferred recognition backend failed, switching to fallback",
		slog.String("backend", h.preferred.Name()), slogError(err))
	h.mu.Lock()
	h.usedFallback = true
	h.mu.Unlock()
	emit(Event{Kind: EventStatus, Text: "fallback:" + h.fallback.Name()})
	return h.fallback.Run(ctx, language, emit)
}
