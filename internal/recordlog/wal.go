package recordlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flexinfer/mentatlab/services/flowtrack/internal/metrics"
	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

const (
	SyncModeFull = "full"
	SyncModeNone = "none"

	defaultCheckpointInterval = 5 * time.Second
	checkpointVersion         = 1
)

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// WALConfig holds configuration for the file-backed record log.
type WALConfig struct {
	Dir string

	// SyncMode is "full" (fsync every append, the default) or "none"
	// (leave flushing to the OS; records may be lost on power failure).
	SyncMode string

	// CheckpointInterval is how often the durable markers are persisted.
	CheckpointInterval time.Duration
}

// WAL is a file-backed Log with one append-only segment per run.
//
// Each append writes a complete frame, syncs it, and only then advances
// the run's durable marker. Readers never look past the marker. Markers are
// persisted to checkpoint.json periodically and on Close; on open, frames
// past the checkpoint are replayed if complete and a torn tail is cut off.
type WAL struct {
	dir      string
	syncMode string
	logger   *slog.Logger

	mu     sync.RWMutex // guards runs, ids and closed
	runs   map[string]*walRun
	ids    map[string]recordRef
	closed bool

	cpMu  sync.Mutex
	dirty atomic.Bool

	stop chan struct{}
	done chan struct{}
}

// recordRef locates a record. seq 0 marks a reservation whose write has
// not finished yet.
type recordRef struct {
	runID string
	seq   int64
}

type walRun struct {
	id   string
	path string

	// wmu serializes writers and is held through the write and sync.
	wmu    sync.Mutex
	f      *os.File
	sealed atomic.Bool

	// imu guards the published frame index. offsets[i] is where the frame
	// for sequence i+1 starts; end is the byte after the last durable frame.
	imu     sync.RWMutex
	offsets []int64
	end     int64
}

func (r *walRun) published() (last, end int64) {
	r.imu.RLock()
	defer r.imu.RUnlock()
	return int64(len(r.offsets)), r.end
}

type walCheckpoint struct {
	Version   int                      `json:"version"`
	UpdatedAt time.Time                `json:"updated_at"`
	Runs      map[string]runCheckpoint `json:"runs"`
}

type runCheckpoint struct {
	Durable int64 `json:"durable"`
	End     int64 `json:"end"`
	Sealed  bool  `json:"sealed,omitempty"`
}

// OpenWAL opens or creates a WAL in cfg.Dir and recovers existing segments.
func OpenWAL(cfg WALConfig, logger *slog.Logger) (*WAL, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, errors.New("wal: directory is required")
	}
	if cfg.SyncMode == "" {
		cfg.SyncMode = SyncModeFull
	}
	switch cfg.SyncMode {
	case SyncModeFull, SyncModeNone:
	default:
		return nil, fmt.Errorf("wal: invalid sync mode %q (must be full or none)", cfg.SyncMode)
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = defaultCheckpointInterval
	}

	if err := os.MkdirAll(filepath.Join(cfg.Dir, "runs"), 0o700); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	w := &WAL{
		dir:      cfg.Dir,
		syncMode: cfg.SyncMode,
		logger:   logger,
		runs:     make(map[string]*walRun),
		ids:      make(map[string]recordRef),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if err := w.recover(); err != nil {
		return nil, err
	}
	if err := w.saveCheckpoint(); err != nil {
		return nil, err
	}

	if cfg.SyncMode == SyncModeNone {
		logger.Warn("wal: sync mode is 'none'; acknowledged records may be lost on power failure")
	}

	go w.checkpointLoop(cfg.CheckpointInterval)
	return w, nil
}

func (w *WAL) runPath(runID string) string {
	return filepath.Join(w.dir, "runs", runID+".log")
}

func (w *WAL) checkpointPath() string {
	return filepath.Join(w.dir, "checkpoint.json")
}

// Append writes rec durably and then publishes it.
func (w *WAL) Append(ctx context.Context, rec *types.FlowRecord) (err error) {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if !runIDPattern.MatchString(rec.RunID) {
		return fmt.Errorf("%w: run id %q is not a valid log name", types.ErrInvalidArgument, rec.RunID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("%w: wal is closed", types.ErrDurability)
	}
	if _, ok := w.ids[rec.RecordID]; ok {
		w.mu.Unlock()
		return ErrRecordExists
	}
	w.ids[rec.RecordID] = recordRef{runID: rec.RunID}
	run, ok := w.runs[rec.RunID]
	if !ok {
		run = &walRun{id: rec.RunID, path: w.runPath(rec.RunID), end: segmentHeaderSize}
		w.runs[rec.RunID] = run
	}
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		if err != nil {
			delete(w.ids, rec.RecordID)
		} else {
			w.ids[rec.RecordID] = recordRef{runID: rec.RunID, seq: rec.SequenceNumber}
		}
		w.mu.Unlock()
	}()

	run.wmu.Lock()
	defer run.wmu.Unlock()

	if run.sealed.Load() {
		return ErrSealed
	}
	w.mu.RLock()
	closed := w.closed
	w.mu.RUnlock()
	if closed {
		return fmt.Errorf("%w: wal is closed", types.ErrDurability)
	}
	last, end := run.published()
	if err := checkNext(last, rec.SequenceNumber); err != nil {
		return err
	}

	frame, err := encodeFrame(rec)
	if err != nil {
		return err
	}

	if run.f == nil {
		if err := w.openForWrite(run); err != nil {
			return fmt.Errorf("%w: open run log: %v", types.ErrDurability, err)
		}
	}

	if _, err := run.f.WriteAt(frame, end); err != nil {
		w.rollback(run, end)
		return fmt.Errorf("%w: write frame: %v", types.ErrDurability, err)
	}
	if w.syncMode == SyncModeFull {
		if err := run.f.Sync(); err != nil {
			w.rollback(run, end)
			return fmt.Errorf("%w: sync frame: %v", types.ErrDurability, err)
		}
	}

	run.imu.Lock()
	run.offsets = append(run.offsets, end)
	run.end = end + int64(len(frame))
	run.imu.Unlock()

	w.dirty.Store(true)
	return nil
}

// rollback cuts a partially written frame so the next append starts clean.
func (w *WAL) rollback(run *walRun, end int64) {
	if err := run.f.Truncate(end); err != nil {
		w.logger.Error("wal: truncate after failed write",
			slog.String("run_id", run.id), slog.Any("error", err))
		run.f.Close()
		run.f = nil
	}
}

// openForWrite opens the run's segment, creating it with a header if new.
// Called with run.wmu held.
func (w *WAL) openForWrite(run *walRun) error {
	f, err := os.OpenFile(run.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if info.Size() < segmentHeaderSize {
		if _, err := f.WriteAt(segmentHeader(), 0); err != nil {
			f.Close()
			return err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
		if err := syncDir(filepath.Dir(run.path)); err != nil {
			f.Close()
			return err
		}
	}
	run.f = f
	return nil
}

// Scan yields durable records after from. The published index is read once
// at the start, so records appended while iterating are not included.
func (w *WAL) Scan(ctx context.Context, runID string, from int64) iter.Seq2[*types.FlowRecord, error] {
	return func(yield func(*types.FlowRecord, error) bool) {
		w.mu.RLock()
		run, ok := w.runs[runID]
		w.mu.RUnlock()
		if !ok {
			return
		}

		if from < 0 {
			from = 0
		}
		run.imu.RLock()
		if from >= int64(len(run.offsets)) {
			run.imu.RUnlock()
			return
		}
		start, end, last := run.offsets[from], run.end, int64(len(run.offsets))
		run.imu.RUnlock()

		f, err := os.Open(run.path)
		if err != nil {
			yield(nil, fmt.Errorf("%w: open run log: %v", types.ErrDurability, err))
			return
		}
		defer f.Close()

		br := bufio.NewReaderSize(io.NewSectionReader(f, start, end-start), 64<<10)
		for seq := from + 1; seq <= last; seq++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			rec, _, err := readFrame(br)
			if err != nil {
				yield(nil, fmt.Errorf("%w: read run %s seq %d: %v", types.ErrDurability, runID, seq, err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (w *WAL) Lookup(ctx context.Context, recordID string) (*types.FlowRecord, error) {
	w.mu.RLock()
	ref, ok := w.ids[recordID]
	run := w.runs[ref.runID]
	w.mu.RUnlock()
	if !ok || ref.seq == 0 || run == nil {
		return nil, ErrRecordNotFound
	}

	for rec, err := range w.Scan(ctx, ref.runID, ref.seq-1) {
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, ErrRecordNotFound
}

func (w *WAL) LastSequence(ctx context.Context, runID string) (int64, error) {
	w.mu.RLock()
	run, ok := w.runs[runID]
	w.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	last, _ := run.published()
	return last, nil
}

// Seal closes the run's write handle and rejects further appends.
func (w *WAL) Seal(ctx context.Context, runID string) error {
	w.mu.Lock()
	run, ok := w.runs[runID]
	if !ok {
		run = &walRun{id: runID, path: w.runPath(runID), end: segmentHeaderSize}
		w.runs[runID] = run
	}
	w.mu.Unlock()

	run.wmu.Lock()
	run.sealed.Store(true)
	var err error
	if run.f != nil {
		err = run.f.Close()
		run.f = nil
	}
	run.wmu.Unlock()

	w.dirty.Store(true)
	if err != nil {
		return fmt.Errorf("wal: close sealed run %s: %w", runID, err)
	}
	return nil
}

// Close persists the checkpoint and closes all segments.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	runs := make([]*walRun, 0, len(w.runs))
	for _, r := range w.runs {
		runs = append(runs, r)
	}
	w.mu.Unlock()

	close(w.stop)
	<-w.done

	var errs []error
	for _, r := range runs {
		r.wmu.Lock()
		if r.f != nil {
			if err := r.f.Close(); err != nil {
				errs = append(errs, err)
			}
			r.f = nil
		}
		r.wmu.Unlock()
	}
	if err := w.saveCheckpoint(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (w *WAL) checkpointLoop(interval time.Duration) {
	defer close(w.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if !w.dirty.Swap(false) {
				continue
			}
			if err := w.saveCheckpoint(); err != nil {
				w.dirty.Store(true)
				w.logger.Error("wal: save checkpoint", slog.Any("error", err))
			}
		}
	}
}

func (w *WAL) saveCheckpoint() error {
	w.cpMu.Lock()
	defer w.cpMu.Unlock()

	cp := walCheckpoint{
		Version:   checkpointVersion,
		UpdatedAt: time.Now().UTC(),
		Runs:      make(map[string]runCheckpoint),
	}
	w.mu.RLock()
	for id, r := range w.runs {
		last, end := r.published()
		cp.Runs[id] = runCheckpoint{Durable: last, End: end, Sealed: r.sealed.Load()}
	}
	w.mu.RUnlock()

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("wal: marshal checkpoint: %w", err)
	}

	tmp := w.checkpointPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("wal: write checkpoint tmp: %w", err)
	}
	f, err := os.Open(tmp)
	if err != nil {
		return fmt.Errorf("wal: open checkpoint tmp for sync: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("wal: sync checkpoint tmp: %w", err)
	}
	_ = f.Close()

	if err := os.Rename(tmp, w.checkpointPath()); err != nil {
		return fmt.Errorf("wal: rename checkpoint: %w", err)
	}
	return syncDir(w.dir)
}

func (w *WAL) loadCheckpoint() (walCheckpoint, error) {
	cp := walCheckpoint{Runs: map[string]runCheckpoint{}}
	data, err := os.ReadFile(w.checkpointPath())
	if errors.Is(err, os.ErrNotExist) {
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("wal: read checkpoint: %w", err)
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		// A torn checkpoint is recoverable: the segments are authoritative.
		w.logger.Warn("wal: unreadable checkpoint, rebuilding from segments", slog.Any("error", err))
		return walCheckpoint{Runs: map[string]runCheckpoint{}}, nil
	}
	if cp.Runs == nil {
		cp.Runs = map[string]runCheckpoint{}
	}
	return cp, nil
}

// recover rebuilds the in-memory index from the segments on disk.
func (w *WAL) recover() error {
	cp, err := w.loadCheckpoint()
	if err != nil {
		return err
	}

	paths, err := filepath.Glob(filepath.Join(w.dir, "runs", "*.log"))
	if err != nil {
		return fmt.Errorf("wal: list segments: %w", err)
	}

	var trusted, replayed, discarded int
	for _, path := range paths {
		runID := strings.TrimSuffix(filepath.Base(path), ".log")
		mark := cp.Runs[runID]

		run, records, cut, err := w.recoverRun(runID, path)
		if err != nil {
			return err
		}
		run.sealed.Store(mark.Sealed)

		for _, rec := range records {
			if rec.SequenceNumber <= mark.Durable {
				trusted++
			} else {
				replayed++
			}
			if prev, dup := w.ids[rec.RecordID]; dup {
				// Appends reject reused IDs, so this only follows outside
				// edits to the segments. The frame stays in its run to keep
				// sequences gap-free; Lookup resolves to the first run.
				w.logger.Warn("wal: duplicate record id during recovery",
					slog.String("record_id", rec.RecordID),
					slog.String("run_id", runID),
					slog.String("first_run_id", prev.runID))
				continue
			}
			w.ids[rec.RecordID] = recordRef{runID: runID, seq: rec.SequenceNumber}
		}
		if cut {
			discarded++
		}
		if last := int64(len(records)); last < mark.Durable {
			w.logger.Warn("wal: checkpoint ahead of segment",
				slog.String("run_id", runID),
				slog.Int64("checkpoint", mark.Durable),
				slog.Int64("recovered", last))
		}
		w.runs[runID] = run
	}

	for runID, mark := range cp.Runs {
		if _, ok := w.runs[runID]; !ok && mark.Sealed {
			run := &walRun{id: runID, path: w.runPath(runID), end: segmentHeaderSize}
			run.sealed.Store(true)
			w.runs[runID] = run
		}
	}

	metrics.RecordLogRecovered.WithLabelValues("trusted").Add(float64(trusted))
	metrics.RecordLogRecovered.WithLabelValues("replayed").Add(float64(replayed))
	metrics.RecordLogRecovered.WithLabelValues("discarded").Add(float64(discarded))
	if len(paths) > 0 {
		w.logger.Info("wal: recovered",
			slog.Int("runs", len(paths)),
			slog.Int("trusted", trusted),
			slog.Int("replayed", replayed),
			slog.Int("torn_tails", discarded))
	}
	return nil
}

// recoverRun reads one segment, truncating it after the last valid frame.
// cut reports whether a torn tail was removed.
func (w *WAL) recoverRun(runID, path string) (run *walRun, records []*types.FlowRecord, cut bool, err error) {
	run = &walRun{id: runID, path: path, end: segmentHeaderSize}

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, nil, false, fmt.Errorf("wal: open segment %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, false, fmt.Errorf("wal: stat segment %s: %w", path, err)
	}
	if info.Size() < segmentHeaderSize {
		// Crashed while creating the file.
		if err := f.Truncate(0); err != nil {
			return nil, nil, false, fmt.Errorf("wal: reset segment %s: %w", path, err)
		}
		if _, err := f.WriteAt(segmentHeader(), 0); err != nil {
			return nil, nil, false, fmt.Errorf("wal: rewrite header %s: %w", path, err)
		}
		return run, nil, info.Size() > 0, f.Sync()
	}

	hdr := make([]byte, segmentHeaderSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return nil, nil, false, fmt.Errorf("wal: read header %s: %w", path, err)
	}
	if err := checkSegmentHeader(hdr); err != nil {
		return nil, nil, false, fmt.Errorf("wal: segment %s: %w", path, err)
	}

	br := bufio.NewReaderSize(io.NewSectionReader(f, segmentHeaderSize, info.Size()-segmentHeaderSize), 64<<10)
	pos := int64(segmentHeaderSize)
	for {
		rec, n, err := readFrame(br)
		if errors.Is(err, io.EOF) {
			break
		}
		if err == nil && (rec.SequenceNumber != int64(len(records))+1 || rec.RunID != runID) {
			err = errTornFrame
		}
		if errors.Is(err, errTornFrame) {
			w.logger.Warn("wal: discarding torn tail",
				slog.String("run_id", runID),
				slog.Int64("offset", pos),
				slog.Int64("bytes", info.Size()-pos))
			if err := f.Truncate(pos); err != nil {
				return nil, nil, false, fmt.Errorf("wal: truncate %s: %w", path, err)
			}
			if err := f.Sync(); err != nil {
				return nil, nil, false, fmt.Errorf("wal: sync %s: %w", path, err)
			}
			cut = true
			break
		}
		if err != nil {
			return nil, nil, false, fmt.Errorf("wal: read segment %s: %w", path, err)
		}
		run.offsets = append(run.offsets, pos)
		pos += n
		records = append(records, rec)
	}
	run.end = pos
	return run, records, cut, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}

var (
	_ Log    = (*WAL)(nil)
	_ Sealer = (*WAL)(nil)
)
