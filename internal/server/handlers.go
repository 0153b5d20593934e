package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/agentloop/internal/session"
	"github.com/opencode-ai/agentloop/pkg/types"
)

// SessionInfo summarizes a tracked session.
type SessionInfo struct {
	ID       string      `json:"id"`
	State    string      `json:"state"`
	Usage    types.Usage `json:"usage"`
	Messages int         `json:"messages"`
}

// SessionDetail is a session with its history.
type SessionDetail struct {
	SessionInfo
	History []types.Message `json:"history"`
}

// RateLimitStatus reports the limiter's window.
type RateLimitStatus struct {
	Window            time.Duration `json:"window"`
	InputLimit        int           `json:"inputLimit"`
	OutputLimit       int           `json:"outputLimit"`
	CombinedLimit     int           `json:"combinedLimit"`
	RequestsPerMinute int           `json:"requestsPerMinute"`
	SafetyFraction    float64       `json:"safetyFraction"`
	Usage             types.Usage   `json:"usage"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) rateLimitStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.limiter.Config()
	writeJSON(w, http.StatusOK, RateLimitStatus{
		Window:            cfg.Window,
		InputLimit:        cfg.InputLimit,
		OutputLimit:       cfg.OutputLimit,
		CombinedLimit:     cfg.CombinedLimit,
		RequestsPerMinute: cfg.RequestsPerMinute,
		SafetyFraction:    cfg.SafetyFraction,
		Usage:             s.limiter.Usage(),
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	infos := make([]SessionInfo, 0, len(s.order))
	for _, id := range s.order {
		infos = append(infos, sessionInfo(s.sessions[id], len(s.sessions[id].History())))
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		writeErrorWithDetails(w, http.StatusNotFound, ErrCodeNotFound, "session not found", map[string]any{"sessionID": id})
		return
	}

	history := sess.History()
	writeJSON(w, http.StatusOK, SessionDetail{
		SessionInfo: sessionInfo(sess, len(history)),
		History:     history,
	})
}

func sessionInfo(sess *session.Session, messages int) SessionInfo {
	return SessionInfo{
		ID:       sess.ID(),
		State:    sess.State().String(),
		Usage:    sess.Usage(),
		Messages: messages,
	}
}
