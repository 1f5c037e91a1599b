package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gemdesk/gemdesk/assist"
	"github.com/gemdesk/gemdesk/assist/ingest"
	"github.com/gemdesk/gemdesk/jobs"
	"github.com/gemdesk/gemdesk/kit"
	"github.com/gemdesk/gemdesk/observability"
	"github.com/gemdesk/gemdesk/shield"
)

type handlers struct {
	svc     *assist.Service
	queue   *jobs.Queue
	metrics *observability.MetricsManager
	db      *sql.DB
}

func (h *handlers) routes(r chi.Router) {
	r.Get("/health", h.health)
	r.Post("/api/chat", h.chat)
	r.Get("/api/tasks/{id}", h.task)
	r.Post("/api/admin/import/articles", h.importFile(ingest.TaskImportArticles))
	r.Post("/api/admin/import/products", h.importFile(ingest.TaskImportProducts))
	r.Get("/api/admin/metrics", h.queryMetrics)
	r.Post("/api/admin/cache/purge", h.purgeCaches)
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	hb, err := observability.LatestHeartbeat(r.Context(), h.db, "chat-server", time.Minute)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "health check failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   version,
		"heartbeat": hb,
	})
}

func (h *handlers) chat(w http.ResponseWriter, r *http.Request) {
	var req assist.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx := r.Context()
	if req.UserID != "" {
		ctx = kit.WithUserID(ctx, req.UserID)
	}
	if req.SessionID != "" {
		ctx = kit.WithSessionID(ctx, req.SessionID)
	}
	if req.Locale != "" {
		ctx = kit.WithLocale(ctx, req.Locale)
	}

	start := time.Now()
	resp, err := h.svc.Chat(ctx, req)
	if err != nil {
		if errors.Is(err, assist.ErrEmptyMessage) || errors.Is(err, assist.ErrNoUser) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		shield.GetLogger(ctx).Error("chat turn failed", "error", err)
		writeError(w, http.StatusInternalServerError, "chat turn failed")
		return
	}

	h.metrics.RecordSimple(observability.MetricTurnDurationMs, float64(time.Since(start).Milliseconds()), "milliseconds")
	h.metrics.RecordSimple(observability.MetricLLMCallCount, float64(resp.Meta.LLMCalls), "count")
	h.metrics.RecordSimple(observability.MetricLLMTokensUsed, float64(resp.Meta.PromptTokens+resp.Meta.OutputTokens), "tokens")
	if resp.Meta.CacheHit != "" {
		h.metrics.Record(&observability.Metric{
			Name:      observability.MetricCacheHitCount,
			Timestamp: time.Now(),
			Value:     1,
			Labels:    map[string]string{"tier": resp.Meta.CacheHit},
			Unit:      "count",
		})
	}
	if resp.Meta.AgenticPath {
		h.metrics.RecordSimple(observability.MetricAgenticTurns, 1, "count")
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) task(w http.ResponseWriter, r *http.Request) {
	t, err := h.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "task lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// importFile enqueues a background import for a file under the configured
// import directory. Path traversal is rejected by the worker at load time.
func (h *handlers) importFile(taskType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload ingest.TaskPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Path == "" {
			writeError(w, http.StatusBadRequest, "body must be {\"path\": \"relative/file.yaml\"}")
			return
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "encode payload")
			return
		}
		id, err := h.queue.Enqueue(r.Context(), taskType, string(raw))
		if err != nil {
			shield.GetLogger(r.Context()).Error("enqueue import failed", "error", err)
			writeError(w, http.StatusInternalServerError, "enqueue failed")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
	}
}

func (h *handlers) queryMetrics(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1-1000")
			return
		}
		limit = n
	}
	got, err := h.metrics.Query(r.URL.Query().Get("name"), nil, nil, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "metrics query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": got})
}

func (h *handlers) purgeCaches(w http.ResponseWriter, r *http.Request) {
	purged, err := h.svc.PurgeCaches(r.Context())
	if err != nil {
		shield.GetLogger(r.Context()).Error("cache purge failed", "error", err)
		writeError(w, http.StatusInternalServerError, "cache purge failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"semantic_purged": purged})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
