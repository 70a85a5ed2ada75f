package progress

import (
	"sync"

	"gridvid/internal/model"
)

// Recorder keeps the latest counts and a bounded window of recent events.
type Recorder struct {
	mu     sync.Mutex
	limit  int
	events []Event
	counts model.Counts
}

func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 100
	}
	return &Recorder{limit: limit, events: make([]Event, 0, limit)}
}

func (r *Recorder) OnLog(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	if len(r.events) > r.limit {
		r.events = append(r.events[:0], r.events[len(r.events)-r.limit:]...)
	}
	r.mu.Unlock()
}

func (r *Recorder) OnProgress(c model.Counts) {
	r.mu.Lock()
	r.counts = c
	r.mu.Unlock()
}

func (r *Recorder) Counts() model.Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts
}

// Events returns up to n of the most recent events, oldest first.
func (r *Recorder) Events(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.events) {
		n = len(r.events)
	}
	out := make([]Event, n)
	copy(out, r.events[len(r.events)-n:])
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = r.events[:0]
	r.counts = model.Counts{}
	r.mu.Unlock()
}
