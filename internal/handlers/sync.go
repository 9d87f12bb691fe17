package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-commerce/pimsync/internal/domain"
	"github.com/meridian-commerce/pimsync/internal/platform/auth"
	"github.com/meridian-commerce/pimsync/internal/platform/httpx"
	enginesync "github.com/meridian-commerce/pimsync/internal/sync"
)

const maxSyncRequestBody = 16 * 1024

// SyncEngine is the slice of the sync orchestrator driven by the HTTP layer.
type SyncEngine interface {
	RunSync(ctx context.Context, trigger domain.RunTrigger, mode domain.RunMode) (domain.RunReport, error)
	Status() enginesync.Status
	History(ctx context.Context) ([]domain.RunReport, error)
}

// SyncHandlers exposes the sync trigger, status and history endpoints.
type SyncHandlers struct {
	authn   *auth.TokenAuthenticator
	engine  SyncEngine
	limiter *triggerLimiter
}

// SyncHandlerOption customises sync handler behaviour.
type SyncHandlerOption func(*SyncHandlers)

// WithSyncRateLimiter throttles trigger requests per client.
func WithSyncRateLimiter(limit int, window time.Duration) SyncHandlerOption {
	return func(h *SyncHandlers) {
		h.limiter = newTriggerLimiter(limit, window, nil)
	}
}

// NewSyncHandlers constructs sync handlers.
func NewSyncHandlers(authn *auth.TokenAuthenticator, engine SyncEngine, opts ...SyncHandlerOption) *SyncHandlers {
	h := &SyncHandlers{authn: authn, engine: engine}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the operator-facing sync endpoints.
func (h *SyncHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireToken())
	}
	r.Route("/sync", func(rt chi.Router) {
		rt.Post("/runs", h.triggerRun(domain.TriggerManual))
		rt.Get("/runs", h.listRuns)
		rt.Get("/status", h.status)
	})
}

// ScheduledRoutes registers the scheduler-facing trigger endpoint. Callers are
// expected to guard the group with signature verification middleware.
func (h *SyncHandlers) ScheduledRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/sync/runs", h.triggerRun(domain.TriggerScheduled))
}

// triggerRun starts a run and blocks until it finishes. Failures during the
// run are reported in the body, not as an HTTP error; only an already-active
// run is rejected.
func (h *SyncHandlers) triggerRun(trigger domain.RunTrigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if h.engine == nil {
			httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "sync engine unavailable", http.StatusServiceUnavailable))
			return
		}
		if h.limiter != nil && !h.limiter.Allow(clientKey(ctx, r)) {
			httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many sync triggers", http.StatusTooManyRequests))
			return
		}

		mode, err := decodeSyncRunRequest(r)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}

		report, err := h.engine.RunSync(ctx, trigger, mode)
		if err != nil {
			if errors.Is(err, enginesync.ErrRunActive) {
				httpx.WriteError(ctx, w, httpx.NewError("run_active", "a sync run is already in progress", http.StatusConflict))
				return
			}
			httpx.WriteError(ctx, w, httpx.NewError("sync_failed", err.Error(), http.StatusInternalServerError))
			return
		}

		writeJSON(w, http.StatusOK, newRunReportResponse(report))
	}
}

func (h *SyncHandlers) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.engine == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "sync engine unavailable", http.StatusServiceUnavailable))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(h.engine.Status())})
}

func (h *SyncHandlers) listRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.engine == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "sync engine unavailable", http.StatusServiceUnavailable))
		return
	}

	reports, err := h.engine.History(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("history_unavailable", "failed to load run history", http.StatusInternalServerError))
		return
	}

	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("invalid limit %q", raw), http.StatusBadRequest))
			return
		}
		if limit < len(reports) {
			reports = reports[:limit]
		}
	}

	out := make([]runReportResponse, 0, len(reports))
	for _, report := range reports {
		out = append(out, newRunReportResponse(report))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func decodeSyncRunRequest(r *http.Request) (domain.RunMode, error) {
	if r.Body == nil {
		return domain.ModeFull, nil
	}
	limited := io.LimitReader(r.Body, maxSyncRequestBody)
	defer r.Body.Close()

	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()

	var req struct {
		Mode string `json:"mode"`
	}
	if err := decoder.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.ModeFull, nil
		}
		return "", fmt.Errorf("invalid request body: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(req.Mode)) {
	case "", string(domain.ModeFull):
		return domain.ModeFull, nil
	case string(domain.ModeIncremental):
		return domain.ModeIncremental, nil
	default:
		return "", fmt.Errorf("unknown mode %q", req.Mode)
	}
}

type runReportResponse struct {
	ID                string `json:"id"`
	Success           bool   `json:"success"`
	Mode              string `json:"mode"`
	Trigger           string `json:"trigger"`
	Created           int    `json:"created"`
	Updated           int    `json:"updated"`
	Failed            int    `json:"failed"`
	Skipped           int    `json:"skipped"`
	RetiredRecords    int    `json:"retiredRecords"`
	RetiredCategories int    `json:"retiredCategories"`
	WithFeatures      int    `json:"withFeatures"`
	WithoutFeatures   int    `json:"withoutFeatures"`
	StartedAt         string `json:"startedAt"`
	FinishedAt        string `json:"finishedAt,omitempty"`
	Error             string `json:"error,omitempty"`
}

func newRunReportResponse(report domain.RunReport) runReportResponse {
	resp := runReportResponse{
		ID:                report.ID,
		Success:           report.Success,
		Mode:              string(report.Mode),
		Trigger:           string(report.Trigger),
		Created:           report.Created,
		Updated:           report.Updated,
		Failed:            report.Failed,
		Skipped:           report.Skipped,
		RetiredRecords:    report.RetiredRecords,
		RetiredCategories: report.RetiredCategories,
		WithFeatures:      report.WithFeatures,
		WithoutFeatures:   report.WithoutFeatures,
		StartedAt:         formatTimestamp(report.StartedAt),
	}
	if !report.FinishedAt.IsZero() {
		resp.FinishedAt = formatTimestamp(report.FinishedAt)
	}
	resp.Error = report.Error
	return resp
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func clientKey(ctx context.Context, r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.Subject != "" {
		return identity.Subject
	}
	return strings.TrimSpace(r.RemoteAddr)
}
