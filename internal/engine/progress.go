package engine

import "sync"

// Progress states.
const (
	StatusNone    = "none"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusStopped = "stopped"
	StatusFailed  = "failed"
)

// Progress is the state of the current video prediction.
type Progress struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Total    int    `json:"total"`
}

// ProgressBoard holds the latest progress and fans updates out to
// subscribers. Slow subscribers miss intermediate updates, never the
// latest one.
type ProgressBoard struct {
	mu   sync.Mutex
	cur  Progress
	subs map[chan Progress]struct{}
}

func NewProgressBoard() *ProgressBoard {
	return &ProgressBoard{
		cur:  Progress{Status: StatusNone, Progress: 1, Total: 1},
		subs: make(map[chan Progress]struct{}),
	}
}

// Current returns the latest progress.
func (b *ProgressBoard) Current() Progress {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur
}

// Set publishes p.
func (b *ProgressBoard) Set(p Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur = p
	for ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- p
	}
}

// Subscribe returns a channel receiving the current progress and every
// later update, and a function that ends the subscription.
func (b *ProgressBoard) Subscribe() (<-chan Progress, func()) {
	ch := make(chan Progress, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	ch <- b.cur
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
		})
	}
}
