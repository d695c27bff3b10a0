package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/flowtrack/internal/aggregator"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/auth"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/config"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/coordinator"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/flowstore"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/recordlog"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/registry"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/runstore"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/tracker"
	"github.com/flexinfer/mentatlab/services/flowtrack/internal/validator"
	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	reg := registry.New(flowstore.NewMemoryStore(), nil)
	runs := runstore.NewMemoryStore()
	log := recordlog.NewMemoryLog()
	agg, err := aggregator.New(aggregator.Config{Strategies: map[string]aggregator.Strategy{"loss": aggregator.Min}}, nil)
	require.NoError(t, err)
	tr := tracker.New(tracker.Options{
		Registry:    reg,
		Runs:        runs,
		Log:         log,
		Coordinator: coordinator.New(reg, runs, log, agg, coordinator.Config{}, nil),
	})
	v, err := validator.New()
	require.NoError(t, err)

	h := NewHandlers(tr, v, &config.Config{CORSOrigins: []string{"https://ui.example.com"}}, nil)
	h.pollInterval = 20 * time.Millisecond
	return h
}

func newTestRouter(t *testing.T, opts ServerOptions) http.Handler {
	t.Helper()
	return NewServer(newTestHandlers(t), opts).Router()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const f1 = `{"name":"F1","steps":["load","train"],"edges":[{"from":"load","to":"train"}]}`

func setupRun(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/v1/flows", f1)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	flow := decode[types.Flow](t, rec)

	rec = do(t, h, http.MethodPost, "/api/v1/runs", fmt.Sprintf(`{"flow_id":%q,"parameters":{"lr":0.1}}`, flow.ID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[types.Run](t, rec).ID
}

func TestAPI_FlowRegistration(t *testing.T) {
	h := newTestRouter(t, ServerOptions{})

	rec := do(t, h, http.MethodPost, "/api/v1/flows", f1)
	require.Equal(t, http.StatusCreated, rec.Code)
	flow := decode[types.Flow](t, rec)
	assert.Equal(t, "F1", flow.Name)

	rec = do(t, h, http.MethodPost, "/api/v1/flows", f1)
	assert.Equal(t, http.StatusOK, rec.Code, "identical re-registration")
	assert.Equal(t, flow.ID, decode[types.Flow](t, rec).ID)

	rec = do(t, h, http.MethodPost, "/api/v1/flows", `{"name":"F1","steps":["other"]}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, ErrCodeNameConflict, decode[ErrorResponse](t, rec).Error)

	rec = do(t, h, http.MethodPost, "/api/v1/flows", `{"name":"cyc","steps":["a","b"],"edges":[{"from":"a","to":"b"},{"from":"b","to":"a"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrCodeInvalidGraph, decode[ErrorResponse](t, rec).Error)

	rec = do(t, h, http.MethodGet, "/api/v1/flows/"+flow.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/flows?name=F1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]types.Flow](t, rec)["flows"], 1)

	rec = do(t, h, http.MethodGet, "/api/v1/flows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]types.Flow](t, rec)["flows"], 1)
}

func TestAPI_ValidationErrors(t *testing.T) {
	h := newTestRouter(t, ServerOptions{})

	tests := []struct {
		name string
		path string
		body string
	}{
		{"flow without steps", "/api/v1/flows", `{"name":"F"}`},
		{"not json", "/api/v1/flows", `{`},
		{"run without flow", "/api/v1/runs", `{}`},
		{"record data not object", "/api/v1/runs/x/records", `{"step_name":"train","data":[1,2]}`},
		{"record bad id", "/api/v1/runs/x/records", `{"step_name":"train","data":{},"record_id":"nope"}`},
		{"finalize bad outcome", "/api/v1/runs/x/finalize", `{"outcome":"maybe"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, ErrCodeBadRequest, resp.Error)
			assert.NotEmpty(t, resp.Details["errors"])
			assert.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestAPI_RunLifecycle(t *testing.T) {
	h := newTestRouter(t, ServerOptions{})
	runID := setupRun(t, h)
	base := "/api/v1/runs/" + runID

	rec := do(t, h, http.MethodPost, base+"/records", `{"step_name":"train","data":{"loss":0.9}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[AppendRecordResponse](t, rec)
	assert.Equal(t, int64(1), first.SequenceNumber)

	body := fmt.Sprintf(`{"step_name":"train","data":{"loss":0.4},"record_id":%q}`, "9b2f3a4e-1c5d-4e6f-8a7b-0c1d2e3f4a5b")
	rec = do(t, h, http.MethodPost, base+"/records", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(t, h, http.MethodPost, base+"/records", body)
	require.Equal(t, http.StatusOK, rec.Code, "retry is a duplicate")
	dup := decode[AppendRecordResponse](t, rec)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, int64(2), dup.SequenceNumber)

	rec = do(t, h, http.MethodPost, base+"/records", `{"step_name":"evaluate","data":{}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, ErrCodeUnknownStep, decode[ErrorResponse](t, rec).Error)

	rec = do(t, h, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, rec.Code)
	live := decode[types.Run](t, rec)
	assert.Equal(t, types.RunStatusRunning, live.Status)
	assert.InDelta(t, 0.4, live.Metrics["loss"], 1e-9)

	rec = do(t, h, http.MethodGet, base+"/records?since=1&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Records   []types.FlowRecord `json:"records"`
		NextSince int64              `json:"next_since"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Records, 1)
	assert.Equal(t, int64(2), page.NextSince)

	rec = do(t, h, http.MethodPost, base+"/finalize", `{"outcome":"success"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	final := decode[types.Run](t, rec)
	assert.Equal(t, types.RunStatusCompleted, final.Status)
	assert.InDelta(t, 0.4, final.Metrics["loss"], 1e-9)

	rec = do(t, h, http.MethodPost, base+"/records", `{"step_name":"train","data":{"loss":0.1}}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, ErrCodeInvalidState, decode[ErrorResponse](t, rec).Error)

	rec = do(t, h, http.MethodPost, base+"/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/runs?status=completed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]types.Run](t, rec)["runs"], 1)

	rec = do(t, h, http.MethodGet, "/api/v1/runs?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_NotFound(t *testing.T) {
	h := newTestRouter(t, ServerOptions{})

	for _, path := range []string{"/api/v1/runs/missing", "/api/v1/flows/missing", "/api/v1/runs/missing/records"} {
		rec := do(t, h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, ErrCodeNotFound, decode[ErrorResponse](t, rec).Error, path)
	}

	rec := do(t, h, http.MethodPost, "/api/v1/runs", `{"flow_id":"missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("run %w", types.ErrNotFound), http.StatusNotFound, ErrCodeNotFound},
		{types.ErrInvalidGraph, http.StatusBadRequest, ErrCodeInvalidGraph},
		{types.ErrInvalidArgument, http.StatusBadRequest, ErrCodeBadRequest},
		{types.ErrUnknownStep, http.StatusUnprocessableEntity, ErrCodeUnknownStep},
		{types.ErrNameConflict, http.StatusConflict, ErrCodeNameConflict},
		{types.ErrInvalidState, http.StatusConflict, ErrCodeInvalidState},
		{types.ErrRecordConflict, http.StatusConflict, ErrCodeRecordConflict},
		{fmt.Errorf("append: %w", types.ErrDurability), http.StatusServiceUnavailable, ErrCodeDurability},
		{errors.New("boom"), http.StatusInternalServerError, ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, code := errorStatus(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestAPI_HealthAndReady(t *testing.T) {
	h := newTestRouter(t, ServerOptions{})

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)

	rec := do(t, h, http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ready", body["status"])
	assert.Contains(t, body["components"], "records")

	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_CORSPreflight(t *testing.T) {
	h := newTestRouter(t, ServerOptions{})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/runs", nil)
	req.Header.Set("Origin", "https://ui.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ui.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

type staticVerifier struct{}

func (staticVerifier) VerifyToken(ctx context.Context, raw string) (*auth.Claims, error) {
	if raw == "writer" {
		return &auth.Claims{Subject: "w", Roles: []string{"writer"}}, nil
	}
	return &auth.Claims{Subject: "r"}, nil
}

func TestAPI_WriteRole(t *testing.T) {
	h := newTestRouter(t, ServerOptions{
		Auth: auth.NewMiddleware(staticVerifier{}, &auth.MiddlewareConfig{Enabled: true, WriteRole: "writer"}),
	})

	post := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/flows", strings.NewReader(f1))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusForbidden, post("reader"))
	assert.Equal(t, http.StatusCreated, post("writer"))

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/v1/flows", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
}

type sseEvent struct {
	id    string
	event string
	data  string
}

func readEvents(t *testing.T, sc *bufio.Scanner, until string) []sseEvent {
	t.Helper()
	var (
		events []sseEvent
		cur    sseEvent
	)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.event != "" {
				events = append(events, cur)
				if cur.event == until {
					return events
				}
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended before %q event: %v", until, sc.Err())
	return nil
}

func TestAPI_StreamRecords(t *testing.T) {
	handlers := newTestHandlers(t)
	router := NewServer(handlers, ServerOptions{}).Router()
	srv := httptest.NewServer(router)
	defer srv.Close()

	runID := setupRun(t, router)
	base := "/api/v1/runs/" + runID
	require.Equal(t, http.StatusCreated, do(t, router, http.MethodPost, base+"/records", `{"step_name":"load","data":{"rows":10}}`).Code)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+base+"/records/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	backlog := readEvents(t, sc, "record")
	require.Len(t, backlog, 1)
	assert.Equal(t, "1", backlog[0].id)

	require.Equal(t, http.StatusCreated, do(t, router, http.MethodPost, base+"/records", `{"step_name":"train","data":{"loss":0.5}}`).Code)
	live := readEvents(t, sc, "record")
	require.Len(t, live, 1)
	assert.Equal(t, "2", live[0].id)

	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, base+"/finalize", `{"outcome":"failure","error":"oom"}`).Code)
	end := readEvents(t, sc, "end")
	require.Len(t, end, 1)
	assert.JSONEq(t, fmt.Sprintf(`{"run_id":%q,"status":"failed","error":"oom"}`, runID), end[0].data)
}

func TestAPI_StreamResumesFromLastEventID(t *testing.T) {
	router := newTestRouter(t, ServerOptions{})
	srv := httptest.NewServer(router)
	defer srv.Close()

	runID := setupRun(t, router)
	base := "/api/v1/runs/" + runID
	for i := 0; i < 3; i++ {
		body := fmt.Sprintf(`{"step_name":"train","data":{"loss":%d}}`, i)
		require.Equal(t, http.StatusCreated, do(t, router, http.MethodPost, base+"/records", body).Code)
	}
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, base+"/finalize", `{"outcome":"success"}`).Code)

	req, err := http.NewRequest(http.MethodGet, srv.URL+base+"/records/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	events := readEvents(t, bufio.NewScanner(resp.Body), "end")
	require.Len(t, events, 3)
	assert.Equal(t, "2", events[0].id)
	assert.Equal(t, "3", events[1].id)
	assert.Equal(t, "end", events[2].event)
}

func TestAPI_StreamUnknownRun(t *testing.T) {
	h := newTestRouter(t, ServerOptions{})
	rec := do(t, h, http.MethodGet, "/api/v1/runs/missing/records/stream", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/missing/records/stream", nil)
	req.Header.Set("Last-Event-ID", "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_RecoversFromPanic(t *testing.T) {
	h := newTestHandlers(t)
	wrapped := h.RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", bytes.NewReader(nil)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ErrCodeInternalError, decode[ErrorResponse](t, rec).Error)
}
