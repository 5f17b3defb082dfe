package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gatherkit/gatherd/internal/models"
	"github.com/gatherkit/gatherd/internal/store"
	"github.com/gatherkit/gatherd/internal/sweeper"
)

type createSessionRequest struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatorID   string    `json:"creator_id"`
	CapacityMax int       `json:"capacity_max"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
}

type userRequest struct {
	UserID string `json:"user_id"`
}

type sessionResponse struct {
	ID           string                `json:"id"`
	Title        string                `json:"title"`
	Description  string                `json:"description,omitempty"`
	CreatorID    string                `json:"creator_id"`
	CapacityMax  int                   `json:"capacity_max"`
	CurrentCount int                   `json:"current_count"`
	Status       string                `json:"status"`
	StartTime    time.Time             `json:"start_time"`
	EndTime      time.Time             `json:"end_time"`
	EndedAt      *time.Time            `json:"ended_at,omitempty"`
	CancelledAt  *time.Time            `json:"cancelled_at,omitempty"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
	Participants []participantResponse `json:"participants"`
	Waitlist     []waitlistResponse    `json:"waitlist,omitempty"`
}

type participantResponse struct {
	UserID   string     `json:"user_id"`
	Status   string     `json:"status"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}

type waitlistResponse struct {
	UserID    string    `json:"user_id"`
	Position  int       `json:"position"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

func toSessionResponse(s *models.Session) sessionResponse {
	resp := sessionResponse{
		ID:           s.ID,
		Title:        s.Title,
		Description:  s.Description,
		CreatorID:    s.CreatorID,
		CapacityMax:  s.CapacityMax,
		CurrentCount: s.CurrentCount,
		Status:       string(s.Status),
		StartTime:    s.StartTime,
		EndTime:      s.EndTime,
		EndedAt:      s.EndedAt,
		CancelledAt:  s.CancelledAt,
		CompletedAt:  s.CompletedAt,
		Participants: make([]participantResponse, 0, len(s.Participants)),
	}
	for _, p := range s.Participants {
		resp.Participants = append(resp.Participants, participantResponse{
			UserID:   p.UserID,
			Status:   string(p.Status),
			JoinedAt: p.JoinedAt,
			LeftAt:   p.LeftAt,
		})
	}
	for _, e := range s.Waitlist {
		resp.Waitlist = append(resp.Waitlist, waitlistResponse{
			UserID:    e.UserID,
			Position:  e.Position,
			Status:    string(e.Status),
			ExpiresAt: e.ExpiresAt,
		})
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	created, err := s.svc.Create(r.Context(), models.Session{
		Title:       req.Title,
		Description: req.Description,
		CreatorID:   req.CreatorID,
		CapacityMax: req.CapacityMax,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSessionResponse(created))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.SessionFilter{
		CreatorID: r.URL.Query().Get("creator_id"),
		Status:    models.SessionStatus(r.URL.Query().Get("status")),
	}

	sessions, err := s.svc.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, toSessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	actorID := r.Header.Get("X-User-ID")
	if actorID == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "X-User-ID header is required")
		return
	}

	if err := s.svc.Delete(r.Context(), r.PathValue("id"), actorID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "user_id is required")
		return
	}

	sess, err := s.svc.Join(r.Context(), r.PathValue("id"), req.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "user_id is required")
		return
	}

	sess, err := s.svc.Leave(r.Context(), r.PathValue("id"), req.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleEnqueueWaitlist(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "user_id is required")
		return
	}

	entry, err := s.svc.EnqueueWaitlist(r.Context(), r.PathValue("id"), req.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, waitlistResponse{
		UserID:    entry.UserID,
		Position:  entry.Position,
		Status:    string(entry.Status),
		ExpiresAt: entry.ExpiresAt,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "user_id is required")
		return
	}

	sess, err := s.svc.Cancel(r.Context(), r.PathValue("id"), req.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "user_id is required")
		return
	}

	sess, err := s.svc.Complete(r.Context(), r.PathValue("id"), req.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "user_id query parameter is required")
		return
	}

	eligibility, err := s.svc.CheckJoinEligibility(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eligibility)
}

func (s *Server) handleRunSweep(w http.ResponseWriter, r *http.Request) {
	ended, err := s.sweeper.RunOnce(r.Context())
	if err != nil {
		if errors.Is(err, sweeper.ErrSweepInProgress) {
			writeError(w, http.StatusConflict, codeSweepInProgress, "a sweep is already running")
			return
		}
		writeError(w, http.StatusInternalServerError, codeInternalError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"ended": ended})
}
