package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/qwen-nexus/internal/auth/token"
	"github.com/pysugar/qwen-nexus/internal/db"
	"github.com/pysugar/qwen-nexus/internal/proxy/monitor"
	"github.com/pysugar/qwen-nexus/internal/quota"
)

type accountView struct {
	ID         string    `json:"id"`
	IsActive   bool      `json:"is_active"`
	ExpiresAt  time.Time `json:"expires_at"`
	TodayCount int       `json:"today_count"`
	DailyCap   int       `json:"daily_cap"`
	Exhausted  bool      `json:"exhausted"`
}

// AccountsAPIHandler lists accounts with today's usage for the admin API.
func AccountsAPIHandler(store *db.Store, tracker *quota.Tracker, dailyCap int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts, err := store.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "api_error")
			return
		}
		counts, err := tracker.Counts()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "api_error")
			return
		}

		views := make([]accountView, 0, len(accounts))
		for _, acc := range accounts {
			exhausted, err := tracker.IsExhausted(acc.ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error(), "api_error")
				return
			}
			views = append(views, accountView{
				ID:         acc.ID,
				IsActive:   acc.IsActive,
				ExpiresAt:  acc.ExpiresAt,
				TodayCount: counts[acc.ID],
				DailyCap:   dailyCap,
				Exhausted:  exhausted,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"accounts": views})
	}
}

// RemoveAccountHandler deletes an account and its usage record.
func RemoveAccountHandler(store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		removed, err := store.Remove(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "api_error")
			return
		}
		if !removed {
			writeError(w, http.StatusNotFound, "account not found: "+id, "invalid_request_error")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "removed", "id": id})
	}
}

// RefreshAccountHandler forces a token refresh for one account.
func RefreshAccountHandler(tokens *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		acc, err := tokens.ForceRefresh(r.Context(), id)
		if err != nil {
			if errors.Is(err, token.ErrAuthExpired) {
				writeError(w, http.StatusConflict,
					"refresh token revoked, re-authenticate with `nexus login`", "auth_expired")
				return
			}
			if errors.Is(err, db.ErrAccountNotFound) {
				writeError(w, http.StatusNotFound, "account not found: "+id, "invalid_request_error")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error(), "api_error")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     "refreshed",
			"id":         acc.ID,
			"expires_at": acc.ExpiresAt,
		})
	}
}

// StatsHandler exposes the rotation monitor's counters.
func StatsHandler(mon *monitor.RotationMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mon.Snapshot())
	}
}
