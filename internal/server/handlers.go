package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"praxismail/internal/database"
	"praxismail/internal/health"
)

// HealthCheck reports the latest watchdog health report. HTTP status
// follows aggregate health: 200 when healthy or warning, 503 when
// unhealthy or before the first sweep finished.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.healthy.LastReport()
	if report == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}

	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// GetStats returns decision statistics and per-state email counts for
// the window given by ?days= (default 7).
func (s *Server) GetStats(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = parsed
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)

	decisions, err := s.decider.StatsForWindow(r.Context(), start, end)
	if err != nil {
		s.logger.Error("Failed to compute decision stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}

	states, err := s.db.Emails.CountByState(r.Context())
	if err != nil {
		s.logger.Error("Failed to count emails by state", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"window_days": days,
		"decisions":   decisions,
		"emails":      states,
	})
}

// GetEmail returns a single email with its current state.
func (s *Server) GetEmail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid email id")
		return
	}

	email, err := s.db.Emails.GetByID(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "email not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to load email", "email_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load email")
		return
	}

	writeJSON(w, http.StatusOK, email)
}

// GetEmailEvents returns the audit trail for an email.
func (s *Server) GetEmailEvents(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid email id")
		return
	}

	events, err := s.db.Events.ListByEmail(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to load email events", "email_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}

	writeJSON(w, http.StatusOK, events)
}

// GetSettings returns all persisted settings.
func (s *Server) GetSettings(w http.ResponseWriter, r *http.Request) {
	all, err := s.db.Settings.All(r.Context())
	if err != nil {
		s.logger.Error("Failed to load settings", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, all)
}

type putSettingRequest struct {
	Value any `json:"value"`
}

// PutSetting updates one setting. The JSON type of "value" determines
// how it is stored.
func (s *Server) PutSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing setting key")
		return
	}

	var req putSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var err error
	switch value := req.Value.(type) {
	case bool:
		err = s.settings.SetBool(r.Context(), key, value)
	case float64:
		err = s.settings.SetNumber(r.Context(), key, value)
	case string:
		err = s.settings.SetString(r.Context(), key, value)
	default:
		err = s.settings.SetJSON(r.Context(), key, value)
	}
	if err != nil {
		s.logger.Error("Failed to update setting", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update setting")
		return
	}

	s.logger.Info("Setting updated", "key", key)
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "status": "updated"})
}
