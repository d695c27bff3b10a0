package runstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/flowtrack/internal/testutil"
	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

func backends() map[string]func(t *testing.T) RunStore {
	return map[string]func(t *testing.T) RunStore{
		"memory": func(t *testing.T) RunStore { return NewMemoryStore() },
		"sqlite": func(t *testing.T) RunStore {
			s, err := NewSQLiteStore(context.Background(), testutil.SQLiteDB(t))
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) RunStore {
			return NewRedisStoreWithClient(testutil.RedisClient(t), "test", time.Hour)
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, store RunStore)) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			t.Cleanup(func() { store.Close() })
			fn(t, store)
		})
	}
}

func TestRunStore_Lifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store RunStore) {
		ctx := context.Background()

		run, err := store.CreateRun(ctx, "flow-1", map[string]any{"lr": 0.01})
		require.NoError(t, err)
		assert.Equal(t, types.RunStatusCreated, run.Status)
		assert.Nil(t, run.StartTime)
		assert.Nil(t, run.StopTime)

		got, err := store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, "flow-1", got.FlowID)
		assert.Equal(t, 0.01, got.Parameters["lr"])

		started := time.Now().UTC()
		ok, err := store.MarkRunning(ctx, run.ID, started)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.MarkRunning(ctx, run.ID, started.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, ok, "second start must not transition")

		got, err = store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		require.NotNil(t, got.StartTime)
		assert.WithinDuration(t, started, *got.StartTime, time.Millisecond)

		stop := started.Add(5 * time.Second)
		final, err := store.Finalize(ctx, run.ID, &FinalizeInput{
			Status:     types.RunStatusCompleted,
			StopTime:   stop,
			Metrics:    map[string]float64{"loss": 0.3},
			Parameters: map[string]any{"lr": 0.01, "optimizer": "adam"},
		})
		require.NoError(t, err)
		assert.Equal(t, types.RunStatusCompleted, final.Status)

		got, err = store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, types.RunStatusCompleted, got.Status)
		require.NotNil(t, got.StopTime)
		assert.False(t, got.StopTime.Before(*got.StartTime))
		assert.Equal(t, 0.3, got.Metrics["loss"])
		assert.Equal(t, "adam", got.Parameters["optimizer"])

		_, err = store.Finalize(ctx, run.ID, &FinalizeInput{Status: types.RunStatusFailed, StopTime: stop})
		assert.ErrorIs(t, err, ErrRunTerminal)
		assert.ErrorIs(t, err, types.ErrInvalidState)

		_, err = store.MarkRunning(ctx, run.ID, stop)
		assert.ErrorIs(t, err, ErrRunTerminal)

		require.NoError(t, store.Touch(ctx, run.ID, stop.Add(time.Hour)))
		got, err = store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.True(t, got.LastActivityAt.Before(stop.Add(time.Minute)), "terminal run must not be touched")
	})
}

func TestRunStore_FinalizeFromCreated(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store RunStore) {
		ctx := context.Background()
		run, err := store.CreateRun(ctx, "flow-1", nil)
		require.NoError(t, err)

		stop := time.Now().UTC()
		final, err := store.Finalize(ctx, run.ID, &FinalizeInput{
			Status:    types.RunStatusFailed,
			StopTime:  stop,
			StartTime: &run.CreatedAt,
			Error:     "abandoned",
		})
		require.NoError(t, err)
		require.NotNil(t, final.StartTime)
		assert.WithinDuration(t, run.CreatedAt, *final.StartTime, time.Millisecond)
		assert.Equal(t, "abandoned", final.Error)
	})
}

func TestRunStore_ConcurrentFinalize(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store RunStore) {
		ctx := context.Background()
		run, err := store.CreateRun(ctx, "flow-1", nil)
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			succeeded atomic.Int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Finalize(ctx, run.ID, &FinalizeInput{Status: types.RunStatusCompleted, StopTime: time.Now()})
				if err == nil {
					succeeded.Add(1)
				} else if !errors.Is(err, ErrRunTerminal) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), succeeded.Load())
	})
}

func TestRunStore_NotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store RunStore) {
		ctx := context.Background()
		_, err := store.GetRun(ctx, "missing")
		assert.ErrorIs(t, err, types.ErrNotFound)
		_, err = store.MarkRunning(ctx, "missing", time.Now())
		assert.ErrorIs(t, err, ErrRunNotFound)
		_, err = store.Finalize(ctx, "missing", &FinalizeInput{Status: types.RunStatusFailed, StopTime: time.Now()})
		assert.ErrorIs(t, err, ErrRunNotFound)
		assert.ErrorIs(t, store.Touch(ctx, "missing", time.Now()), ErrRunNotFound)
	})
}

func TestRunStore_ListRuns(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store RunStore) {
		ctx := context.Background()

		a, err := store.CreateRun(ctx, "flow-a", nil)
		require.NoError(t, err)
		b, err := store.CreateRun(ctx, "flow-a", nil)
		require.NoError(t, err)
		c, err := store.CreateRun(ctx, "flow-b", nil)
		require.NoError(t, err)

		_, err = store.MarkRunning(ctx, b.ID, time.Now())
		require.NoError(t, err)
		_, err = store.Finalize(ctx, c.ID, &FinalizeInput{Status: types.RunStatusCompleted, StopTime: time.Now()})
		require.NoError(t, err)

		byFlow, err := store.ListRuns(ctx, &RunFilter{FlowID: "flow-a"})
		require.NoError(t, err)
		assert.Len(t, byFlow, 2)

		active, err := store.ListRuns(ctx, &RunFilter{Statuses: []types.RunStatus{types.RunStatusCreated, types.RunStatusRunning}})
		require.NoError(t, err)
		ids := map[string]bool{}
		for _, r := range active {
			ids[r.ID] = true
		}
		assert.True(t, ids[a.ID] && ids[b.ID])
		assert.False(t, ids[c.ID])

		stale, err := store.ListRuns(ctx, &RunFilter{
			Statuses:       []types.RunStatus{types.RunStatusCreated, types.RunStatusRunning},
			InactiveBefore: time.Now().Add(time.Hour),
		})
		require.NoError(t, err)
		assert.Len(t, stale, 2)

		none, err := store.ListRuns(ctx, &RunFilter{InactiveBefore: time.Now().Add(-time.Hour)})
		require.NoError(t, err)
		assert.Empty(t, none)

		limited, err := store.ListRuns(ctx, &RunFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}
