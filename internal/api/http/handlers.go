package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/partplan/partplan/internal/catalog"
	"github.com/partplan/partplan/internal/planner"
	"github.com/partplan/partplan/internal/report"
	"github.com/partplan/partplan/internal/service"
	"github.com/partplan/partplan/internal/where"
	"github.com/partplan/partplan/pkg/types"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Long-poll bounds for scheme:watch. The maximum stays below the server's
// default write timeout.
const (
	defaultWatchTimeout = 30 * time.Second
	maxWatchTimeout     = 50 * time.Second
)

// Service is the planning service the handlers call.
type Service interface {
	Tables(ctx context.Context) []string
	Plan(ctx context.Context, table string, pred planner.Predicate) (planner.ScanPlan, error)
	PlanBatch(ctx context.Context, table string, preds []planner.Predicate) ([]planner.ScanPlan, error)
	Explain(ctx context.Context, table string, pred planner.Predicate) (planner.Explanation, error)
	Scheme(ctx context.Context, table string) (*service.TableScheme, error)
	Watch(ctx context.Context, table string, after int64) (*service.TableScheme, error)
	History(ctx context.Context, table string) ([]*catalog.Version, error)
	Stats(ctx context.Context, table string, top int) (*service.TableStats, error)
	AddPartition(ctx context.Context, table, name string, boundary types.Key) (*catalog.Version, error)
	DropPartition(ctx context.Context, table, name string) (*catalog.Version, error)
	UpdateStats(ctx context.Context, table string, counts map[string]int64) (*catalog.Version, error)
}

// PlanResponse is the body of a successful plan request.
type PlanResponse struct {
	Table     string           `json:"table"`
	Predicate string           `json:"predicate"`
	Plan      planner.ScanPlan `json:"plan"`
	Summary   string           `json:"summary"`
	RequestID string           `json:"request_id"`
}

// BatchRequest is the body of POST plan:batch.
type BatchRequest struct {
	Predicates []planner.Predicate `json:"predicates"`
}

// BatchResponse holds one plan per requested predicate, in order.
type BatchResponse struct {
	Table     string             `json:"table"`
	Plans     []planner.ScanPlan `json:"plans"`
	RequestID string             `json:"request_id"`
}

// SQLPlanRequest is the body of POST plan:sql. Where is a SQL boolean
// expression; Column names the partition key within it.
type SQLPlanRequest struct {
	Where       string   `json:"where"`
	Column      string   `json:"column"`
	Selectivity *float64 `json:"selectivity,omitempty"`
}

// AddPartitionRequest is the body of POST partitions.
type AddPartitionRequest struct {
	Name     string `json:"name"`
	Boundary string `json:"boundary"`
}

// UpdateStatsRequest is the body of PUT stats.
type UpdateStatsRequest struct {
	RowCounts map[string]int64 `json:"row_counts"`
}

// VersionResponse describes a stored scheme version without the scheme
// body.
type VersionResponse struct {
	Table       string            `json:"table"`
	Version     int64             `json:"version"`
	Fingerprint string            `json:"fingerprint"`
	Operation   catalog.Operation `json:"operation"`
	CreatedAt   string            `json:"created_at"`
	Partitions  int               `json:"partitions"`
}

func versionResponse(v *catalog.Version) VersionResponse {
	return VersionResponse{
		Table:       v.Table,
		Version:     v.Version,
		Fingerprint: v.Fingerprint,
		Operation:   v.Operation,
		CreatedAt:   v.CreatedAt.UTC().Format(time.RFC3339),
		Partitions:  v.Scheme.Len(),
	}
}

// Handler serves the planner API.
type Handler struct {
	svc    Service
	logger zerolog.Logger
}

// NewHandler creates the API handler.
func NewHandler(svc Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger.With().Str("component", "http").Logger()}
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /v1/tables", h.listTables)
	mux.HandleFunc("POST /v1/tables/{table}/plan", h.plan)
	mux.HandleFunc("POST /v1/tables/{table}/plan:batch", h.planBatch)
	mux.HandleFunc("POST /v1/tables/{table}/plan:sql", h.planSQL)
	mux.HandleFunc("POST /v1/tables/{table}/explain", h.explain)
	mux.HandleFunc("GET /v1/tables/{table}/scheme", h.scheme)
	mux.HandleFunc("GET /v1/tables/{table}/scheme:watch", h.watch)
	mux.HandleFunc("GET /v1/tables/{table}/history", h.history)
	mux.HandleFunc("GET /v1/tables/{table}/stats", h.stats)
	mux.HandleFunc("PUT /v1/tables/{table}/stats", h.updateStats)
	mux.HandleFunc("POST /v1/tables/{table}/partitions", h.addPartition)
	mux.HandleFunc("DELETE /v1/tables/{table}/partitions/{name}", h.dropPartition)
	return mux
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"tables": len(h.svc.Tables(r.Context())),
	})
}

func (h *Handler) listTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tables": h.svc.Tables(r.Context()),
	})
}

func (h *Handler) plan(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	var pred planner.Predicate
	if !decode(w, r, &pred) {
		return
	}

	h.respondPlan(w, r, table, pred)
}

func (h *Handler) planSQL(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	var req SQLPlanRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Column == "" {
		badRequest(w, r, "column is required")
		return
	}

	pred, err := where.Predicate(req.Where, req.Column)
	if err != nil {
		respondError(w, r, err)
		return
	}
	pred.Selectivity = req.Selectivity
	h.respondPlan(w, r, table, pred)
}

func (h *Handler) respondPlan(w http.ResponseWriter, r *http.Request, table string, pred planner.Predicate) {
	plan, err := h.svc.Plan(r.Context(), table, pred)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PlanResponse{
		Table:     table,
		Predicate: pred.String(),
		Plan:      plan,
		Summary:   report.Summary(table, pred, plan),
		RequestID: GetRequestID(r.Context()),
	})
}

func (h *Handler) planBatch(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	var req BatchRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Predicates) == 0 {
		badRequest(w, r, "predicates must not be empty")
		return
	}

	plans, err := h.svc.PlanBatch(r.Context(), table, req.Predicates)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BatchResponse{
		Table:     table,
		Plans:     plans,
		RequestID: GetRequestID(r.Context()),
	})
}

// explain answers JSON by default; ?format=text or ?format=markdown
// returns the rendered report instead.
func (h *Handler) explain(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	format := r.URL.Query().Get("format")
	var f report.Format
	if format != "" {
		var err error
		if f, err = report.ParseFormat(format); err != nil {
			badRequest(w, r, err.Error())
			return
		}
	}

	var pred planner.Predicate
	if !decode(w, r, &pred) {
		return
	}

	exp, err := h.svc.Explain(r.Context(), table, pred)
	if err != nil {
		respondError(w, r, err)
		return
	}

	if format == "" {
		writeJSON(w, http.StatusOK, exp)
		return
	}
	contentType := "text/plain; charset=utf-8"
	if f == report.FormatMarkdown {
		contentType = "text/markdown; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if err := report.WriteExplanation(w, table, exp, f); err != nil {
		h.logger.Warn().Err(err).Str("table", table).Msg("Failed to write explanation")
	}
}

func (h *Handler) scheme(w http.ResponseWriter, r *http.Request) {
	ts, err := h.svc.Scheme(r.Context(), r.PathValue("table"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

// watch long-polls until the table moves past ?after=N, answering 304
// when ?timeout= elapses first.
func (h *Handler) watch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, err := strconv.ParseInt(q.Get("after"), 10, 64)
	if err != nil || after < 0 {
		badRequest(w, r, fmt.Sprintf("invalid after %q", q.Get("after")))
		return
	}
	timeout := defaultWatchTimeout
	if s := q.Get("timeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			badRequest(w, r, fmt.Sprintf("invalid timeout %q", s))
			return
		}
		timeout = min(d, maxWatchTimeout)
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	ts, err := h.svc.Watch(ctx, r.PathValue("table"), after)
	if errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	versions, err := h.svc.History(r.Context(), r.PathValue("table"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := make([]VersionResponse, len(versions))
	for i, v := range versions {
		out[i] = versionResponse(v)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"versions": out})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	top := 10
	if s := r.URL.Query().Get("top"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			badRequest(w, r, fmt.Sprintf("invalid top %q", s))
			return
		}
		top = n
	}

	stats, err := h.svc.Stats(r.Context(), r.PathValue("table"), top)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) updateStats(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatsRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.RowCounts) == 0 {
		badRequest(w, r, "row_counts must not be empty")
		return
	}

	v, err := h.svc.UpdateStats(r.Context(), r.PathValue("table"), req.RowCounts)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, versionResponse(v))
}

func (h *Handler) addPartition(w http.ResponseWriter, r *http.Request) {
	var req AddPartitionRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		badRequest(w, r, "name is required")
		return
	}
	boundary, err := types.ParseKey(req.Boundary)
	if err != nil {
		badRequest(w, r, fmt.Sprintf("invalid boundary: %v", err))
		return
	}

	v, err := h.svc.AddPartition(r.Context(), r.PathValue("table"), req.Name, boundary)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, versionResponse(v))
}

func (h *Handler) dropPartition(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.DropPartition(r.Context(), r.PathValue("table"), r.PathValue("name"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, versionResponse(v))
}

// decode reads a JSON body into dst, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		badRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}
