package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/flowtrack/internal/config"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/coordinator"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/flowstore"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/registry"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/runstore"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/tracker"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/validator"
	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

const (
	maxBodyBytes     = 4 << 20
	defaultReadLimit = 1000
	maxReadLimit     = 10000
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	tracker   *tracker.Tracker
	validator *validator.Validator
	config    *config.Config
	logger    *slog.Logger

	// Record stream timing.
	pollInterval      time.Duration
	heartbeatInterval time.Duration
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(tr *tracker.Tracker, v *validator.Validator, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Handlers{
		tracker:           tr,
		validator:         v,
		config:            cfg,
		logger:            logger,
		pollInterval:      time.Second,
		heartbeatInterval: 15 * time.Second,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking every backend.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	components, err := h.tracker.Health(r.Context())
	if err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":     "unavailable",
			"components": components,
		})
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"components": components,
	})
}

// --- Flows ---

// RegisterFlow handles POST /api/v1/flows
func (h *Handlers) RegisterFlow(w http.ResponseWriter, r *http.Request) {
	var req registry.RegisterRequest
	if !h.decodeValid(w, r, h.validator.ValidateFlowJSON, &req) {
		return
	}

	flow, created, err := h.tracker.RegisterFlow(r.Context(), &req)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.respondJSON(w, status, flow)
}

// ListFlows handles GET /api/v1/flows
func (h *Handlers) ListFlows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if name := q.Get("name"); name != "" {
		flow, err := h.tracker.GetFlowByName(r.Context(), name)
		if errors.Is(err, types.ErrNotFound) {
			h.respondJSON(w, http.StatusOK, map[string]any{"flows": []*types.Flow{}})
			return
		}
		if err != nil {
			h.respondErr(w, r, err)
			return
		}
		h.respondJSON(w, http.StatusOK, map[string]any{"flows": []*types.Flow{flow}})
		return
	}

	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	offset, err := queryInt(q.Get("offset"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	flows, err := h.tracker.ListFlows(r.Context(), &flowstore.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if flows == nil {
		flows = []*types.Flow{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"flows": flows})
}

// GetFlow handles GET /api/v1/flows/{id}
func (h *Handlers) GetFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := h.tracker.GetFlow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, flow)
}

// --- Runs ---

// CreateRunRequest is the request body for creating a run.
type CreateRunRequest struct {
	FlowID     string         `json:"flow_id"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// CreateRun handles POST /api/v1/runs
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if !h.decodeValid(w, r, h.validator.ValidateRunJSON, &req) {
		return
	}

	run, err := h.tracker.CreateRun(r.Context(), req.FlowID, req.Parameters)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, run)
}

// ListRuns handles GET /api/v1/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &runstore.RunFilter{FlowID: q.Get("flow_id")}

	if s := q.Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			status := types.RunStatus(strings.TrimSpace(part))
			if !status.Valid() {
				h.respondErr(w, r, fmt.Errorf("%w: unknown status %q", types.ErrInvalidArgument, status))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	filter.Limit = limit

	runs, err := h.tracker.ListRuns(r.Context(), filter)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if runs == nil {
		runs = []*types.Run{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.tracker.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, run)
}

// StartRun handles POST /api/v1/runs/{id}/start
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.tracker.StartRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, run)
}

// FinalizeRunRequest is the request body for ending a run.
type FinalizeRunRequest struct {
	Outcome types.Outcome `json:"outcome"`
	Error   string        `json:"error,omitempty"`
}

// FinalizeRun handles POST /api/v1/runs/{id}/finalize
func (h *Handlers) FinalizeRun(w http.ResponseWriter, r *http.Request) {
	var req FinalizeRunRequest
	if !h.decodeValid(w, r, h.validator.ValidateFinalizeJSON, &req) {
		return
	}

	run, err := h.tracker.FinalizeRun(r.Context(), mux.Vars(r)["id"], req.Outcome, req.Error)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, run)
}

// --- Records ---

// AppendRecordRequest is the request body for logging a record.
type AppendRecordRequest struct {
	StepName string          `json:"step_name"`
	Data     json.RawMessage `json:"data"`
	RecordID string          `json:"record_id,omitempty"`
}

// AppendRecordResponse reports where a record landed.
type AppendRecordResponse struct {
	RecordID       string    `json:"record_id"`
	SequenceNumber int64     `json:"sequence_number"`
	LoggedAt       time.Time `json:"logged_at"`
	Duplicate      bool      `json:"duplicate"`
}

// AppendRecord handles POST /api/v1/runs/{id}/records
func (h *Handlers) AppendRecord(w http.ResponseWriter, r *http.Request) {
	var req AppendRecordRequest
	if !h.decodeValid(w, r, h.validator.ValidateRecordJSON, &req) {
		return
	}

	res, err := h.tracker.Append(r.Context(), &coordinator.AppendRequest{
		RunID:    mux.Vars(r)["id"],
		StepName: req.StepName,
		Data:     req.Data,
		RecordID: req.RecordID,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	h.respondJSON(w, status, AppendRecordResponse{
		RecordID:       res.RecordID,
		SequenceNumber: res.SequenceNumber,
		LoggedAt:       res.LoggedAt,
		Duplicate:      res.Duplicate,
	})
}

// ListRecords handles GET /api/v1/runs/{id}/records
func (h *Handlers) ListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := queryInt64(q.Get("since"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if limit == 0 {
		limit = defaultReadLimit
	}
	limit = min(limit, maxReadLimit)

	opts := &coordinator.ReadOptions{Since: since, StepName: q.Get("step"), Limit: limit}
	records := make([]*types.FlowRecord, 0)
	next := since
	for rec, err := range h.tracker.Read(r.Context(), mux.Vars(r)["id"], opts) {
		if err != nil {
			h.respondErr(w, r, err)
			return
		}
		records = append(records, rec)
		next = rec.SequenceNumber
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"records":    records,
		"next_since": next,
	})
}

// --- Helpers ---

// decodeValid reads the body, validates it against a schema and decodes
// it into dst. It writes the error response and returns false on failure.
func (h *Handlers) decodeValid(w http.ResponseWriter, r *http.Request, validate func([]byte) *validator.ValidationResult, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "failed to read request body", nil)
		return false
	}

	if result := validate(body); !result.Valid {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "request body failed validation",
			map[string]any{"errors": result.Errors})
		return false
	}

	if err := json.Unmarshal(body, dst); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body", nil)
		return false
	}
	return true
}

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: expected a non-negative integer, got %q", types.ErrInvalidArgument, s)
	}
	return n, nil
}

func queryInt64(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: expected a non-negative integer, got %q", types.ErrInvalidArgument, s)
	}
	return n, nil
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// respondErr maps err onto the error taxonomy and writes it.
func (h *Handlers) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("request_id", GetRequestID(r.Context(), r)),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			"error", err,
		)
		if status == http.StatusInternalServerError {
			message = "internal error"
		}
	} else {
		h.logger.Debug("request rejected", slog.String("path", r.URL.Path), slog.Int("status", status), "error", err)
	}
	writeErrorResponse(w, r, status, code, message, nil)
}
