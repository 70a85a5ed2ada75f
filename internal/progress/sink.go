package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"gridvid/internal/model"
)

const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

const (
	KindBatch          = "batch"
	KindAccountStarted = "account_started"
	KindAccountSettled = "account_settled"
	KindItemStarted    = "item_started"
	KindItemFinished   = "item_finished"
	KindCompleted      = "batch_completed"
)

type Event struct {
	Time      time.Time `json:"time"`
	RunID     string    `json:"run_id,omitempty"`
	Level     string    `json:"level"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	AccountID string    `json:"account_id,omitempty"`
	Email     string    `json:"email,omitempty"`
	ItemID    string    `json:"item_id,omitempty"`
	ItemIndex int       `json:"item_index,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Status    string    `json:"status,omitempty"`
}

// Sink receives fire-and-forget notifications from a running batch.
type Sink interface {
	OnLog(e Event)
	OnProgress(c model.Counts)
}

type Nop struct{}

func (Nop) OnLog(Event) {}

func (Nop) OnProgress(model.Counts) {}

type Multi []Sink

func (m Multi) OnLog(e Event) {
	for _, s := range m {
		s.OnLog(e)
	}
}

func (m Multi) OnProgress(c model.Counts) {
	for _, s := range m {
		s.OnProgress(c)
	}
}

type asyncMsg struct {
	event  *Event
	counts *model.Counts
}

// Async decouples a slow sink from the caller: notifications are queued on a
// bounded buffer and dropped when it is full, so callers never block.
type Async struct {
	inner Sink

	mu     sync.RWMutex
	closed bool
	ch     chan asyncMsg
	done   chan struct{}

	dropped atomic.Int64
}

func NewAsync(inner Sink, buffer int) *Async {
	if inner == nil {
		inner = Nop{}
	}
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		inner: inner,
		ch:    make(chan asyncMsg, buffer),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for msg := range a.ch {
		if msg.event != nil {
			a.inner.OnLog(*msg.event)
		}
		if msg.counts != nil {
			a.inner.OnProgress(*msg.counts)
		}
	}
}

func (a *Async) OnLog(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	a.send(asyncMsg{event: &e})
}

func (a *Async) OnProgress(c model.Counts) {
	a.send(asyncMsg{counts: &c})
}

func (a *Async) send(msg asyncMsg) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- msg:
	default:
		a.dropped.Add(1)
	}
}

// Dropped reports how many notifications were discarded because the buffer was full.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close flushes queued notifications and stops the delivery goroutine.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.ch)
	a.mu.Unlock()
	<-a.done
}
