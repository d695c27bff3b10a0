package coordinator

import "sync"

// notifier wakes record stream subscribers. Signals carry no data;
// subscribers re-read the log from their last sequence. A run's channels
// are closed when the run is finalized.
type notifier struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[string]map[chan struct{}]struct{})}
}

func (n *notifier) subscribe(runID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.subs[runID] == nil {
		n.subs[runID] = make(map[chan struct{}]struct{})
	}
	n.subs[runID][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if set, ok := n.subs[runID]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(n.subs, runID)
				}
			}
		})
	}
	return ch, cleanup
}

func (n *notifier) notify(runID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[runID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// closeRun ends every subscription to runID.
func (n *notifier) closeRun(runID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[runID] {
		close(ch)
	}
	delete(n.subs, runID)
}
