package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/flowtrack/internal/metrics"
	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

// StreamRecords handles GET /api/v1/runs/{id}/records/stream
//
// Records are sent as SSE events whose id is the sequence number, so a
// reconnecting client resumes with Last-Event-ID (or ?since). Appends in
// this process wake the stream immediately; a poll ticker picks up
// appends made by other processes sharing the backend. The stream ends
// with an "end" event once the run is finalized and fully drained.
func (h *Handlers) StreamRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]
	requestID := GetRequestID(ctx, r)
	startTime := time.Now()

	since, err := resumePoint(r)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	run, err := h.tracker.RunMeta(ctx, runID)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeStreamUnsupported, "streaming not supported", nil)
		return
	}

	// Subscribe before the first drain so no append slips between them.
	wake, cleanup := h.tracker.Subscribe(runID)
	defer cleanup()

	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	metrics.SSEConnections.Inc()
	defer metrics.SSEConnections.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "retry: %d\n\n", h.pollInterval.Milliseconds())
	flusher.Flush()

	h.logger.Info("record stream opened",
		slog.String("run_id", runID),
		slog.String("request_id", requestID),
		slog.Int64("since", since),
	)
	closed := func(reason string) {
		h.logger.Info("record stream closed",
			slog.String("run_id", runID),
			slog.String("request_id", requestID),
			slog.Duration("duration", time.Since(startTime)),
			slog.String("reason", reason),
		)
	}

	if since, err = h.drain(ctx, w, flusher, runID, since); err != nil {
		closed("read_error")
		return
	}
	if run.Status.IsTerminal() {
		h.writeEnd(w, flusher, run)
		closed("run_finalized")
		return
	}

	poll := time.NewTicker(h.pollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			closed("client_disconnect")
			return

		case _, open := <-wake:
			if since, err = h.drain(ctx, w, flusher, runID, since); err != nil {
				closed("read_error")
				return
			}
			if !open {
				if h.finish(ctx, w, flusher, runID, since) {
					closed("run_finalized")
					return
				}
				wake = nil
			}

		case <-poll.C:
			if since, err = h.drain(ctx, w, flusher, runID, since); err != nil {
				closed("read_error")
				return
			}
			if h.finish(ctx, w, flusher, runID, since) {
				closed("run_finalized")
				return
			}

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// resumePoint reads the client's last seen sequence number.
func resumePoint(r *http.Request) (int64, error) {
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: bad Last-Event-ID %q", types.ErrInvalidArgument, id)
		}
		return n, nil
	}
	return queryInt64(r.URL.Query().Get("since"))
}

// drain writes every record after since and returns the new cursor.
func (h *Handlers) drain(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, runID string, since int64) (int64, error) {
	wrote := false
	for rec, err := range h.tracker.ReadRecords(ctx, runID, since) {
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Error("record stream read failed", "error", err, "run_id", runID)
			}
			return since, err
		}
		if _, err := w.Write(rec.ToSSE()); err != nil {
			return since, err
		}
		since = rec.SequenceNumber
		wrote = true
	}
	if wrote {
		flusher.Flush()
	}
	return since, nil
}

// finish ends the stream if the run is terminal. A final drain picks up
// records written between the last read and finalization.
func (h *Handlers) finish(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, runID string, since int64) bool {
	run, err := h.tracker.RunMeta(ctx, runID)
	if err != nil || !run.Status.IsTerminal() {
		return false
	}
	if _, err := h.drain(ctx, w, flusher, runID, since); err != nil {
		return true
	}
	h.writeEnd(w, flusher, run)
	return true
}

func (h *Handlers) writeEnd(w http.ResponseWriter, flusher http.Flusher, run *types.Run) {
	data, _ := json.Marshal(map[string]any{
		"run_id": run.ID,
		"status": run.Status,
		"error":  run.Error,
	})
	if _, err := fmt.Fprintf(w, "event: end\ndata: %s\n\n", data); err != nil {
		h.logger.Error("failed to write SSE event", "error", err)
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Error("failed to write SSE comment", "error", err)
		return
	}
	flusher.Flush()
}
