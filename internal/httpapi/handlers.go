package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-captions/internal/admin"
	"github.com/loqalabs/loqa-captions/internal/eventstore"
	"github.com/loqalabs/loqa-captions/internal/overlay"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/session"
	"github.com/loqalabs/loqa-captions/internal/translate"
)

const (
	maxBodyBytes        = 64 << 10
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func sessionID(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("sessionId"))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	switch r.Method {
	case http.MethodGet:
		state := s.deps.Sessions.Get(id)
		state.LayoutSettings = nil
		active := s.deps.Presence != nil && s.deps.Presence.Active(id)
		writeJSON(w, http.StatusOK, protocol.StatusResponse{Success: true, ControllerActive: &active, CaptionState: state})
	case http.MethodPost:
		if id == "" {
			writeError(w, http.StatusBadRequest, session.ErrMissingSession.Error())
			return
		}
		var patch protocol.Patch
		if err := decodeBody(w, r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if patch.LayoutSettings != nil {
			if err := protocol.DefaultLayout().Merge(*patch.LayoutSettings).Validate(); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		state, outcome, err := s.deps.Sessions.Post(r.Context(), id, patch)
		switch {
		case errors.Is(err, session.ErrInvalidSession), errors.Is(err, session.ErrMissingSession):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, session.ErrTooManySessions):
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		case err != nil:
			s.log.Error("caption update failed", slogError(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if s.deps.Presence != nil && patch.IsListening != nil && *patch.IsListening {
			s.deps.Presence.Touch(id, "http", time.Now())
		}
		state.LayoutSettings = nil
		writeJSON(w, http.StatusOK, protocol.StatusResponse{
			Success:      true,
			Applied:      outcome.Applied,
			Duplicate:    outcome.Duplicate,
			Stale:        outcome.Stale,
			CaptionState: state,
		})
	default:
		methodNotAllowed(w, "GET, POST, OPTIONS")
	}
}

type adminResponse struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message,omitempty"`
	Settings  admin.Settings `json:"settings"`
	Timestamp int64          `json:"timestamp"`
}

func (s *Server) handleAdminSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, adminResponse{Success: true, Settings: s.deps.Admin.Get(), Timestamp: protocol.NowMillis()})
	case http.MethodPost:
		var patch admin.Patch
		if err := decodeBody(w, r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		settings := s.deps.Admin.Update(patch)
		s.log.Info("admin settings updated", slog.Int64("last_updated", settings.LastUpdated))
		writeJSON(w, http.StatusOK, adminResponse{
			Success:   true,
			Message:   "settings updated",
			Settings:  settings,
			Timestamp: protocol.NowMillis(),
		})
	default:
		methodNotAllowed(w, "GET, POST, OPTIONS")
	}
}

type translateRequest struct {
	Text       string `json:"text"`
	SourceLang string `json:"sourceLang"`
	TargetLang string `json:"targetLang"`
}

type translateResponse struct {
	Success bool `json:"success"`
	translate.Result
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "POST, OPTIONS")
		return
	}
	var req translateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.SourceLang == "" {
		req.SourceLang = "ko"
	}
	if req.TargetLang == "" {
		req.TargetLang = "en"
	}
	res := translate.Result{Text: req.Text, Origin: translate.OriginOriginal}
	if s.deps.Translator != nil {
		res = s.deps.Translator.Translate(r.Context(), req.Text, req.TargetLang, req.SourceLang)
	}
	writeJSON(w, http.StatusOK, translateResponse{Success: true, Result: res})
}

type historyResponse struct {
	Success  bool                 `json:"success"`
	Enabled  bool                 `json:"enabled"`
	Captions []eventstore.Caption `json:"captions"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET, OPTIONS")
		return
	}
	id := sessionID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, session.ErrMissingSession.Error())
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	resp := historyResponse{Success: true, Captions: []eventstore.Caption{}}
	if s.deps.History != nil && s.deps.History.Enabled() {
		resp.Enabled = true
		captions, err := s.deps.History.History(r.Context(), id, limit)
		if err != nil {
			s.log.Error("history query failed", slogError(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if captions != nil {
			resp.Captions = captions
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOverlayConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET, OPTIONS")
		return
	}
	params := overlay.ParseParams(r.URL.Query())
	settings := s.deps.Admin.Get()
	layout := protocol.DefaultLayout()
	if params.SessionID != "" {
		if st := s.deps.Sessions.Get(params.SessionID); st.LayoutSettings != nil {
			layout = *st.LayoutSettings
		}
	}
	writeJSON(w, http.StatusOK, overlay.ConfigResponse{
		Success: true,
		Params:  params,
		Messages: overlay.ConfigMessages{
			Inactive:    settings.InactiveMessage,
			Listening:   settings.ListeningMessage,
			Translating: settings.TranslatingMessage,
		},
		Layout: layout,
	})
}

type sessionsResponse struct {
	Success  bool           `json:"success"`
	Sessions []session.Info `json:"sessions"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET, OPTIONS")
		return
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Success: true, Sessions: s.deps.Sessions.Sessions()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
