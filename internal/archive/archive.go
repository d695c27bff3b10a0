// Package archive uploads finalized runs to object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/flowtrack/internal/metrics"
	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

// ObjectRef describes a stored object.
type ObjectRef struct {
	// URI is the full object path, e.g. "s3://bucket/runs/<id>/run.json".
	URI         string    `json:"uri"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size,omitempty"`
	Checksum    string    `json:"checksum,omitempty"` // SHA256
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// Backend stores archive objects.
type Backend interface {
	Put(ctx context.Context, key string, data io.Reader, contentType string) (*ObjectRef, error)
}

// Archiver writes a run summary and its records as NDJSON.
type Archiver struct {
	backend Backend
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewArchiver creates an archiver over backend.
func NewArchiver(backend Backend, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{backend: backend, logger: logger}
}

// RunKey returns the object key of a run's summary.
func RunKey(runID string) string {
	return path.Join("runs", runID, "run.json")
}

// RecordsKey returns the object key of a run's records.
func RecordsKey(runID string) string {
	return path.Join("runs", runID, "records.ndjson")
}

// ArchiveRun uploads run.json and records.ndjson for a finalized run.
func (a *Archiver) ArchiveRun(ctx context.Context, run *types.Run, records iter.Seq2[*types.FlowRecord, error]) ([]*ObjectRef, error) {
	if !run.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: run %s is not finalized", types.ErrInvalidState, run.ID)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	n := 0
	for rec, err := range records {
		if err != nil {
			return nil, fmt.Errorf("read records: %w", err)
		}
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode record %d: %w", rec.SequenceNumber, err)
		}
		n++
	}
	recordsRef, err := a.backend.Put(ctx, RecordsKey(run.ID), &buf, "application/x-ndjson")
	if err != nil {
		return nil, fmt.Errorf("upload records: %w", err)
	}

	summary, err := json.MarshalIndent(struct {
		*types.Run
		RecordCount int    `json:"record_count"`
		RecordsURI  string `json:"records_uri"`
	}{run, n, recordsRef.URI}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal run: %w", err)
	}
	runRef, err := a.backend.Put(ctx, RunKey(run.ID), bytes.NewReader(summary), "application/json")
	if err != nil {
		return nil, fmt.Errorf("upload run: %w", err)
	}
	return []*ObjectRef{runRef, recordsRef}, nil
}

// ArchiveAsync archives in the background. Failures are logged and
// counted; they never affect the run.
func (a *Archiver) ArchiveAsync(run *types.Run, records func(ctx context.Context) iter.Seq2[*types.FlowRecord, error]) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		refs, err := a.ArchiveRun(ctx, run, records(ctx))
		if err != nil {
			metrics.ArchiveUploads.WithLabelValues("error").Inc()
			a.logger.Error("archive run failed", slog.String("run_id", run.ID), "error", err)
			return
		}
		metrics.ArchiveUploads.WithLabelValues("success").Inc()
		a.logger.Info("run archived",
			slog.String("run_id", run.ID),
			slog.String("uri", refs[0].URI),
		)
	}()
}

// Wait blocks until background uploads finish or ctx is done.
func (a *Archiver) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
