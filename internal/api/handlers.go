package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/workshop-mini/internal/apperrors"
	"github.com/shehryarbajwa/workshop-mini/internal/session"
	"github.com/shehryarbajwa/workshop-mini/pkg/models"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	sessionMgr *session.Manager
	logger     zerolog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(sessionMgr *session.Manager, logger zerolog.Logger) *Handler {
	return &Handler{
		sessionMgr: sessionMgr,
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid request body", err))
		return
	}

	res, err := h.sessionMgr.CreateSession(r.Context(), CallerFrom(r.Context()), req.LabRef)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if res.Rejected() {
		// A duplicate carries the existing session so the client can reuse it.
		h.writeErrorWithSession(w, r, res.Err(), res.Session)
		return
	}

	writeJSON(w, http.StatusCreated, res.Session)
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sess, err := h.sessionMgr.GetSession(r.Context(), CallerFrom(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("ownerId")

	sessions, err := h.sessionMgr.ListSessions(r.Context(), CallerFrom(r.Context()), ownerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sessions)
}

// ExtendSession handles POST /v1/sessions/{id}/extend
func (h *Handler) ExtendSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req models.ExtendSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid request body", err))
		return
	}
	if req.Minutes <= 0 {
		h.writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "minutes must be positive"))
		return
	}

	sess, err := h.sessionMgr.ExtendSession(r.Context(), CallerFrom(r.Context()), id, time.Duration(req.Minutes)*time.Minute)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// DeleteSession handles DELETE /v1/sessions/{id}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sess, err := h.sessionMgr.TerminateSession(r.Context(), CallerFrom(r.Context()), id)
	if err != nil {
		h.writeErrorWithSession(w, r, err, sess)
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
