package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"geofence/bridge-server/internal/geofence"
	"geofence/bridge-server/internal/model"
)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.HandleFunc("/api/fences", a.handleFences)
	mux.HandleFunc("/api/fences/", a.handleFenceByID)
	mux.HandleFunc("/api/fences/snooze", a.handleSnooze)
	mux.HandleFunc("/api/notifications/dismiss", a.handleDismiss)
	mux.HandleFunc("/api/preconditions", a.handlePreconditions)
	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || a.broker == nil || a.svc == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleFences(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listFences(w, r)
	case http.MethodPost:
		a.upsertFences(w, r)
	case http.MethodDelete:
		a.removeAllFences(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) listFences(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()

	fences, err := a.svc.ListFences(ctx)
	if err != nil {
		a.logger.Error("failed to list fences", "error", err)
		http.Error(w, "failed to list fences", http.StatusInternalServerError)
		return
	}
	if fences == nil {
		fences = []model.Fence{}
	}

	response := struct {
		Fences []model.Fence `json:"fences"`
	}{Fences: fences}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode fences response", "error", err)
	}
}

// upsertFences accepts either a single fence object or an array of them.
func (a *App) upsertFences(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	var fences []model.Fence
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(body, &fences); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
	} else {
		var f model.Fence
		if err := json.Unmarshal(body, &f); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		fences = append(fences, f)
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	for _, f := range fences {
		if err := a.svc.UpsertFence(ctx, f); err != nil {
			if errors.Is(err, geofence.ErrMalformedFence) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			a.logger.Error("failed to store fence", "fence", f.ID, "error", err)
			http.Error(w, "failed to store fence", http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"stored"}`))
}

func (a *App) removeAllFences(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()

	if err := a.svc.RemoveAllFences(ctx); err != nil {
		a.logger.Error("failed to remove all fences", "error", err)
		http.Error(w, "failed to remove fences", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleFenceByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/fences/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", http.MethodDelete)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	if err := a.svc.RemoveFence(ctx, id); err != nil {
		a.logger.Error("failed to remove fence", "fence", id, "error", err)
		http.Error(w, "failed to remove fence", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleSnooze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID              string `json:"id"`
		DurationSeconds int    `json:"duration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.ID == "" || req.DurationSeconds < 0 {
		http.Error(w, "id and non-negative duration required", http.StatusBadRequest)
		return
	}

	a.svc.SnoozeFence(req.ID, req.DurationSeconds)

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"snoozed"}`))
}

func (a *App) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	if err := a.svc.DismissNotifications(ctx, req.IDs); err != nil {
		a.logger.Error("failed to dismiss notifications", "error", err)
		http.Error(w, "failed to dismiss notifications", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *App) handlePreconditions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	report := a.svc.CheckPreconditions(ctx)

	// Precondition failures surface as one joined human-readable message.
	message := strings.Join(report.Warnings, "\n")
	if !report.OK {
		message = strings.Join(append(append([]string{}, report.Errors...), report.Warnings...), "\n")
	}

	response := struct {
		model.PreconditionReport
		Message string `json:"message"`
	}{PreconditionReport: report, Message: message}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode preconditions response", "error", err)
	}
}

func requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 2*time.Second)
}
