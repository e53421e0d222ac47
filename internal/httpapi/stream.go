package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-captions/internal/hub"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/session"
)

const wsWriteTimeout = 10 * time.Second

func (s *Server) pingInterval() time.Duration {
	if s.deps.Stream.PingIntervalMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.deps.Stream.PingIntervalMS) * time.Millisecond
}

// snapshot reads the session state lazily so streams take it after they
// have subscribed.
func (s *Server) snapshot(id string) func() protocol.CaptionState {
	return func() protocol.CaptionState { return s.deps.Sessions.Get(id) }
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET, OPTIONS")
		return
	}
	id := sessionID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, session.ErrMissingSession.Error())
		return
	}
	sw, err := hub.NewSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	log := s.log.With(slog.String("session_id", id), slog.String("transport", "sse"))
	log.Debug("event stream opened")
	err = s.deps.Hub.Stream(r.Context(), id, s.snapshot(id), s.pingInterval(), sw.Send)
	s.logStreamEnd(log, err)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Stream.WebSocket {
		writeError(w, http.StatusNotFound, "websocket transport disabled")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET, OPTIONS")
		return
	}
	id := sessionID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, session.ErrMissingSession.Error())
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already answered
		return
	}
	defer conn.Close()
	log := s.log.With(slog.String("session_id", id), slog.String("transport", "ws"))
	log.Debug("event stream opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// inbound frames are ignored; reading detects the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(v)
	}
	err = s.deps.Hub.Stream(ctx, id, s.snapshot(id), s.pingInterval(), send)
	code := websocket.CloseNormalClosure
	if errors.Is(err, hub.ErrDropped) || errors.Is(err, hub.ErrTooManySubscribers) {
		code = websocket.CloseTryAgainLater
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
	s.logStreamEnd(log, err)
}

func (s *Server) logStreamEnd(log *slog.Logger, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		log.Debug("event stream closed")
		return
	}
	log.Info("event stream ended", slogError(err))
}
