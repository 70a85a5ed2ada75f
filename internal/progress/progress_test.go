package progress

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"gridvid/internal/model"
)

func TestEstimateETA(t *testing.T) {
	got := estimateETA(10, 10, 10*time.Minute)
	if got != "10m" {
		t.Fatalf("expected 10m, got %q", got)
	}

	got = estimateETA(65, 1, time.Minute)
	if got != "1h 5m" {
		t.Fatalf("expected 1h 5m, got %q", got)
	}

	got = estimateETA(1, 4, time.Minute)
	if got != "<1m" {
		t.Fatalf("expected <1m, got %q", got)
	}

	got = estimateETA(48, 1, time.Hour)
	if got != "2d" {
		t.Fatalf("expected 2d, got %q", got)
	}
}

func TestEstimateETAInvalidInputs(t *testing.T) {
	if got := estimateETA(0, 3, time.Minute); got != "" {
		t.Fatalf("expected empty eta when nothing remains, got %q", got)
	}
	if got := estimateETA(3, 0, time.Minute); got != "" {
		t.Fatalf("expected empty eta before the first finished item, got %q", got)
	}
}

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	events  []Event
}

func (s *blockingSink) OnLog(e Event) {
	<-s.release
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *blockingSink) OnProgress(model.Counts) {}

func TestAsyncNeverBlocksCaller(t *testing.T) {
	inner := &blockingSink{release: make(chan struct{})}
	a := NewAsync(inner, 2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			a.OnLog(Event{Message: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected async sink to return without waiting for the inner sink")
	}
	if a.Dropped() == 0 {
		t.Fatal("expected overflow to be dropped")
	}

	close(inner.release)
	a.Close()
	a.OnLog(Event{Message: "after close"})

	inner.mu.Lock()
	defer inner.mu.Unlock()
	if len(inner.events) == 0 {
		t.Fatal("expected queued events to be flushed on close")
	}
	for _, e := range inner.events {
		if e.Message == "after close" {
			t.Fatal("expected events after close to be ignored")
		}
	}
}

func TestRecorderKeepsRecentWindow(t *testing.T) {
	r := NewRecorder(3)
	for i := 1; i <= 5; i++ {
		r.OnLog(Event{ItemIndex: i})
	}
	r.OnProgress(model.Counts{Total: 5, Succeeded: 2})

	events := r.Events(0)
	if len(events) != 3 || events[0].ItemIndex != 3 || events[2].ItemIndex != 5 {
		t.Fatalf("unexpected window: %+v", events)
	}
	if got := r.Events(1); len(got) != 1 || got[0].ItemIndex != 5 {
		t.Fatalf("expected newest event, got %+v", got)
	}
	if r.Counts().Succeeded != 2 {
		t.Fatalf("unexpected counts: %+v", r.Counts())
	}
}

func TestDashboardFrameTracksActiveAccounts(t *testing.T) {
	var buf bytes.Buffer
	d := NewDashboard(&buf)
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }
	d.started = fixed.Add(-time.Minute)

	d.OnProgress(model.Counts{Total: 4, Succeeded: 1, Pending: 3, Bound: 2})
	d.OnLog(Event{Kind: KindAccountStarted, AccountID: "a1", Email: "one@example.com"})
	d.OnLog(Event{Kind: KindItemStarted, AccountID: "a1", Email: "one@example.com", Message: "#2 a red fox"})

	frame := d.frame()
	if !strings.Contains(frame, "active 1/2") {
		t.Fatalf("expected active count in header, got:\n%s", frame)
	}
	if !strings.Contains(frame, "one@example.com") || !strings.Contains(frame, "#2 a red fox") {
		t.Fatalf("expected account row, got:\n%s", frame)
	}
	if !strings.Contains(frame, "eta ~ 3m") {
		t.Fatalf("expected eta in header, got:\n%s", frame)
	}

	d.OnLog(Event{Kind: KindAccountSettled, AccountID: "a1", Message: "one@example.com settled: ready"})
	frame = d.frame()
	if !strings.Contains(frame, "(no active accounts)") {
		t.Fatalf("expected no active accounts, got:\n%s", frame)
	}
	if !strings.Contains(frame, "settled: ready") {
		t.Fatalf("expected settle event in log, got:\n%s", frame)
	}
}
