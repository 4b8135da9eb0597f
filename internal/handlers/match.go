// internal/handlers/match.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jason-s-yu/rally/internal/match"
	"github.com/jason-s-yu/rally/internal/scoring"
	"github.com/sirupsen/logrus"
)

// MatchHandlers exposes the session manager over HTTP. The gameplay event
// route is what the physics collaborator calls.
type MatchHandlers struct {
	manager *match.Manager
	logger  *logrus.Logger
}

func NewMatchHandlers(manager *match.Manager, logger *logrus.Logger) *MatchHandlers {
	return &MatchHandlers{manager: manager, logger: logger}
}

type createMatchRequest struct {
	PlayerIDs         []uuid.UUID `json:"player_ids"`
	FirstServer       uuid.UUID   `json:"first_server"`
	Mode              string      `json:"mode"`
	WinThreshold      int         `json:"win_threshold"`
	ServesPerTurn     int         `json:"serves_per_turn,omitempty"`
	ServeResetDelayMS int         `json:"serve_reset_delay_ms,omitempty"`
}

type eventRequest struct {
	Type     string    `json:"type"`
	PlayerID uuid.UUID `json:"player_id"`
}

type abortRequest struct {
	Reason string `json:"reason"`
}

// CreateMatch handles POST /matches.
func (h *MatchHandlers) CreateMatch(w http.ResponseWriter, r *http.Request) {
	var req createMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.PlayerIDs) != 2 {
		writeError(w, http.StatusBadRequest, "player_ids must name exactly two players")
		return
	}

	sess, err := h.manager.StartMatch(r.Context(), match.StartRequest{
		PlayerIDs:       [2]uuid.UUID{req.PlayerIDs[0], req.PlayerIDs[1]},
		FirstServer:     req.FirstServer,
		Mode:            req.Mode,
		WinThreshold:    req.WinThreshold,
		ServesPerTurn:   req.ServesPerTurn,
		ServeResetDelay: time.Duration(req.ServeResetDelayMS) * time.Millisecond,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"match_id": sess.ID,
	})
}

// GetMatch handles GET /matches/{matchID}.
func (h *MatchHandlers) GetMatch(w http.ResponseWriter, r *http.Request) {
	matchID, ok := matchIDParam(w, r)
	if !ok {
		return
	}
	sess, err := h.manager.Get(matchID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// PostEvent handles POST /matches/{matchID}/events. A duplicate delivery is
// acknowledged with 202 and changes nothing.
func (h *MatchHandlers) PostEvent(w http.ResponseWriter, r *http.Request) {
	matchID, ok := matchIDParam(w, r)
	if !ok {
		return
	}
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.manager.Dispatch(matchID, match.Event{Type: req.Type, PlayerID: req.PlayerID})
	if errors.Is(err, scoring.ErrDuplicateEvent) {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	sess, err := h.manager.Get(matchID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// AbortMatch handles POST /matches/{matchID}/abort.
func (h *MatchHandlers) AbortMatch(w http.ResponseWriter, r *http.Request) {
	matchID, ok := matchIDParam(w, r)
	if !ok {
		return
	}
	var req abortRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "aborted by request"
	}
	if err := h.manager.Abort(matchID, req.Reason); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps a manager or engine error to its HTTP status.
func (h *MatchHandlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("match request failed")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, scoring.ErrInvalidConfig), errors.Is(err, match.ErrUnknownEvent):
		return http.StatusBadRequest
	case errors.Is(err, match.ErrMatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, scoring.ErrInvalidParticipant):
		return http.StatusUnprocessableEntity
	case errors.Is(err, scoring.ErrDuplicateEvent):
		return http.StatusAccepted
	case errors.Is(err, scoring.ErrResetPending), errors.Is(err, scoring.ErrNotServing):
		return http.StatusConflict
	case errors.Is(err, scoring.ErrMatchEnded), errors.Is(err, scoring.ErrMatchAborted):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func matchIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "matchID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid match id")
		return uuid.Nil, false
	}
	return id, true
}
