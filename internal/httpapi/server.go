package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-captions/internal/admin"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/eventstore"
	"github.com/loqalabs/loqa-captions/internal/hub"
	"github.com/loqalabs/loqa-captions/internal/session"
	"github.com/loqalabs/loqa-captions/internal/translate"
)

// Translator is the translation entry point behind /api/translate.
type Translator interface {
	Translate(ctx context.Context, text, targetLang, sourceLang string) translate.Result
}

// Presence reports whether a producer is currently driving a session.
type Presence interface {
	Active(sessionID string) bool
	Touch(sessionID, producerID string, at time.Time)
}

// History serves recorded captions.
type History interface {
	Enabled() bool
	History(ctx context.Context, sessionID string, limit int) ([]eventstore.Caption, error)
}

// Deps are the services the API exposes. Presence, History, Translator and
// Metrics may be nil.
type Deps struct {
	Sessions   *session.Store
	Hub        *hub.Hub
	Admin      *admin.Store
	Presence   Presence
	History    History
	Translator Translator
	Metrics    http.Handler
	Ready      func() bool
	Stream     config.StreamConfig
	HTTP       config.HTTPConfig
	Log        *slog.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	deps     Deps
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func New(deps Deps) *Server {
	if deps.Ready == nil {
		deps.Ready = func() bool { return true }
	}
	return &Server{
		deps: deps,
		log:  deps.Log.With(slog.String("component", "httpapi")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// origins are governed by the CORS settings
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routed API wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/subtitle-status", s.handleStatus)
	mux.HandleFunc("/api/subtitle-events", s.handleEvents)
	mux.HandleFunc("/api/subtitle-ws", s.handleWebSocket)
	mux.HandleFunc("/api/admin-settings", s.handleAdminSettings)
	mux.HandleFunc("/api/translate", s.handleTranslate)
	mux.HandleFunc("/api/subtitle-history", s.handleHistory)
	mux.HandleFunc("/api/overlay-config", s.handleOverlayConfig)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	if s.deps.Metrics != nil {
		mux.Handle("/metrics", s.deps.Metrics)
	}

	var h http.Handler = mux
	h = CORS(s.deps.HTTP.CORSOrigins, h)
	h = AccessLog(s.log, h)
	h = Recover(s.log, h)
	h = RequestID(h)
	return h
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
