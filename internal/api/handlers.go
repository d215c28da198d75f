package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mindflora/mindflora/internal/agent"
	"github.com/mindflora/mindflora/internal/core"
	"github.com/mindflora/mindflora/internal/logging"
)

// --- Agent ---

func (s *Server) handleAgentChat(w http.ResponseWriter, r *http.Request) {
	var req core.AgentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	resp, err := s.agent.Process(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			logging.WithField("user_id", req.UserID).Error("Chat request failed: %v", err)
		}
		respondError(w, status, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTestSMS(w http.ResponseWriter, r *http.Request) {
	var req agent.TestSMSRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	res, err := s.agent.TestSMS(r.Context(), req)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleSendSMS(w http.ResponseWriter, r *http.Request) {
	s.handleDirect(w, r, s.agent.SendSMS)
}

func (s *Server) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	s.handleDirect(w, r, s.agent.SendEmail)
}

func (s *Server) handleDirect(w http.ResponseWriter, r *http.Request, send func(context.Context, agent.DirectRequest) (*agent.DirectResult, error)) {
	var req agent.DirectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	res, err := send(r.Context(), req)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleAnalyzeIntent(w http.ResponseWriter, r *http.Request) {
	var req core.AgentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	analysis, err := s.agent.AnalyzeIntent(r.Context(), req)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	caps := s.agent.Capabilities()
	out := map[string]interface{}{
		"classifier": caps.Classifier,
		"tools":      caps.Tools,
	}
	if s.providers != nil {
		status, err := s.providers.Status(r.Context())
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out["providers"] = status
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleRecentActions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	records := s.agent.Recent(limit)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"actions": records,
		"count":   len(records),
	})
}

// --- Profiles ---

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	if s.profiles == nil {
		respondError(w, http.StatusServiceUnavailable, "profile store not configured")
		return
	}
	userID := core.UserID(chi.URLParam(r, "userID"))

	p, err := s.profiles.Get(r.Context(), userID)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	if s.profiles == nil {
		respondError(w, http.StatusServiceUnavailable, "profile store not configured")
		return
	}
	userID := core.UserID(chi.URLParam(r, "userID"))

	var input struct {
		Preferences map[string]any `json:"preferences"`
	}
	if err := decodeJSON(w, r, &input); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if len(input.Preferences) == 0 {
		respondError(w, http.StatusBadRequest, "preferences required")
		return
	}

	p, changed, err := s.profiles.SetPreferences(r.Context(), userID, input.Preferences)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"updated":     changed,
		"preferences": p.Preferences,
	})
}

// --- Delivery ---

func (s *Server) handleGetProviders(w http.ResponseWriter, r *http.Request) {
	if s.providers == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"providers": []interface{}{}, "simulated": true})
		return
	}
	status, err := s.providers.Status(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"providers": status,
		"simulated": len(status) == 0,
	})
}

func (s *Server) handleRecentDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.attempts == nil {
		respondError(w, http.StatusServiceUnavailable, "delivery log not configured")
		return
	}
	records, err := s.attempts.Recent(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"attempts": records,
		"count":    len(records),
	})
}

func (s *Server) handleGetDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.attempts == nil {
		respondError(w, http.StatusServiceUnavailable, "delivery log not configured")
		return
	}
	records, err := s.attempts.ByRequest(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(records) == 0 {
		respondError(w, http.StatusNotFound, "no delivery attempts for request")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"attempts": records,
		"count":    len(records),
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
