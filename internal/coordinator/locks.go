package coordinator

import (
	"hash/maphash"
	"sync"
)

const shardCount = 64

// runState is the coordinator's cached view of one run. mu is the per-run
// append lock; every field below it is guarded by mu.
type runState struct {
	mu sync.Mutex

	refs int // guarded by the owning shard's mutex

	loaded    bool
	next      int64
	finalized bool
}

type shard struct {
	mu   sync.Mutex
	runs map[string]*runState
}

// runLocks is a sharded map of per-run states. Runs in different shards
// never contend, and runs in the same shard only share the brief map lookup.
type runLocks struct {
	seed   maphash.Seed
	shards [shardCount]shard
}

func newRunLocks() *runLocks {
	l := &runLocks{seed: maphash.MakeSeed()}
	for i := range l.shards {
		l.shards[i].runs = make(map[string]*runState)
	}
	return l
}

func (l *runLocks) shardFor(runID string) *shard {
	return &l.shards[maphash.String(l.seed, runID)%shardCount]
}

// acquire locks the run's state, creating it if needed.
func (l *runLocks) acquire(runID string) *runState {
	sh := l.shardFor(runID)
	sh.mu.Lock()
	st, ok := sh.runs[runID]
	if !ok {
		st = &runState{}
		sh.runs[runID] = st
	}
	st.refs++
	sh.mu.Unlock()

	st.mu.Lock()
	return st
}

// release unlocks the run's state. Finalized states are dropped from the
// map once the last holder releases them.
func (l *runLocks) release(runID string, st *runState) {
	finalized := st.finalized
	st.mu.Unlock()

	sh := l.shardFor(runID)
	sh.mu.Lock()
	st.refs--
	if finalized && st.refs == 0 && sh.runs[runID] == st {
		delete(sh.runs, runID)
	}
	sh.mu.Unlock()
}

// len reports how many runs have cached state.
func (l *runLocks) len() int {
	n := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		n += len(sh.runs)
		sh.mu.Unlock()
	}
	return n
}
