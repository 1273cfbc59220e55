package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/goodtune/engage/internal/engagement"
	"github.com/goodtune/engage/internal/session"
	"github.com/goodtune/engage/internal/storage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// StartRequest is the body of POST /api/sessions.
type StartRequest struct {
	SessionToken     string `json:"session_token,omitempty"`
	ThresholdSeconds int64  `json:"threshold_seconds,omitempty"`
	PageVisible      bool   `json:"page_visible"`
}

// PlayingRequest is the body of PUT /api/sessions/{token}/playing.
type PlayingRequest struct {
	Playing *bool `json:"playing"`
}

// VisibilityRequest is the body of PUT /api/sessions/{token}/visibility.
type VisibilityRequest struct {
	Visible *bool `json:"visible"`
}

// VerificationResponse reports whether a token has been verified.
type VerificationResponse struct {
	SessionToken string `json:"session_token"`
	Completed    bool   `json:"completed"`
}

// SessionHandler handles engagement session requests.
type SessionHandler struct {
	manager *session.Manager
	logger  zerolog.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(manager *session.Manager, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		manager: manager,
		logger:  logger.With().Str("handler", "session").Logger(),
	}
}

// List returns all tracked sessions.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions := h.manager.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// Start begins tracking a session.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	info, err := h.manager.Start(r.Context(), session.StartOptions{
		SessionToken:     req.SessionToken,
		ThresholdSeconds: req.ThresholdSeconds,
		PageVisible:      req.PageVisible,
	})
	if err != nil {
		if errors.Is(err, engagement.ErrInvalidArgument) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("session_token", req.SessionToken).Msg("Failed to start session")
		writeError(w, http.StatusInternalServerError, "Failed to start session")
		return
	}

	writeJSON(w, http.StatusCreated, info)
}

// Get returns a single session.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	info, err := h.manager.Get(mux.Vars(r)["token"])
	if err != nil {
		h.writeManagerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// SetPlaying records a play or pause event.
func (h *SessionHandler) SetPlaying(w http.ResponseWriter, r *http.Request) {
	var req PlayingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Playing == nil {
		writeError(w, http.StatusBadRequest, "Body must be {\"playing\": true|false}")
		return
	}

	info, err := h.manager.SetPlaying(mux.Vars(r)["token"], *req.Playing)
	if err != nil {
		h.writeManagerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// SetVisibility records a page visibility change.
func (h *SessionHandler) SetVisibility(w http.ResponseWriter, r *http.Request) {
	var req VisibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Visible == nil {
		writeError(w, http.StatusBadRequest, "Body must be {\"visible\": true|false}")
		return
	}

	info, err := h.manager.SetPageVisible(mux.Vars(r)["token"], *req.Visible)
	if err != nil {
		h.writeManagerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// End stops tracking a session.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	info, err := h.manager.End(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		h.writeManagerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

func (h *SessionHandler) writeManagerError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	h.logger.Error().Err(err).Msg("Session operation failed")
	writeError(w, http.StatusInternalServerError, "Session operation failed")
}

// VerificationHandler handles idempotency store requests.
type VerificationHandler struct {
	store  storage.VerificationStore
	logger zerolog.Logger
}

// NewVerificationHandler creates a new verification handler.
func NewVerificationHandler(store storage.VerificationStore, logger zerolog.Logger) *VerificationHandler {
	return &VerificationHandler{
		store:  store,
		logger: logger.With().Str("handler", "verification").Logger(),
	}
}

// List returns every verified token.
func (h *VerificationHandler) List(w http.ResponseWriter, r *http.Request) {
	verifications, err := h.store.ListCompleted(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list verifications")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve verifications")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"verifications": verifications,
		"count":         len(verifications),
	})
}

// Get reports whether a token has completed.
func (h *VerificationHandler) Get(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	completed, err := h.store.Has(r.Context(), token)
	if err != nil {
		h.logger.Error().Err(err).Str("session_token", token).Msg("Failed to check verification")
		writeError(w, http.StatusInternalServerError, "Failed to check verification")
		return
	}

	writeJSON(w, http.StatusOK, VerificationResponse{
		SessionToken: token,
		Completed:    completed,
	})
}

// Clear removes a token's verification so it can be earned again.
func (h *VerificationHandler) Clear(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	if err := h.store.Clear(r.Context(), token); err != nil {
		h.logger.Error().Err(err).Str("session_token", token).Msg("Failed to clear verification")
		writeError(w, http.StatusInternalServerError, "Failed to clear verification")
		return
	}

	h.logger.Info().Str("session_token", token).Msg("Verification cleared")
	w.WriteHeader(http.StatusNoContent)
}
