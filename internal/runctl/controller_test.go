package runctl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gridvid/internal/driver"
	"gridvid/internal/model"
	"gridvid/internal/outcome"
	"gridvid/internal/runstore"
	"gridvid/internal/scheduler"
)

type gatedSession struct {
	account string
	closed  chan struct{}
	once    sync.Once
}

func (s *gatedSession) AccountID() string { return s.account }

// gatedDriver blocks every execution until open is closed or the session is released.
type gatedDriver struct {
	open chan struct{}

	mu       sync.Mutex
	acquires int
	releases int
}

func newGatedDriver() *gatedDriver {
	return &gatedDriver{open: make(chan struct{})}
}

func (d *gatedDriver) Acquire(ctx context.Context, account model.Account, secret string) (driver.Session, error) {
	d.mu.Lock()
	d.acquires++
	d.mu.Unlock()
	return &gatedSession{account: account.ID, closed: make(chan struct{})}, nil
}

func (d *gatedDriver) Execute(ctx context.Context, s driver.Session, item model.WorkItem) (outcome.Signal, error) {
	gs := s.(*gatedSession)
	select {
	case <-d.open:
		return outcome.Signal{Artifact: item.ID + ".mp4"}, nil
	case <-gs.closed:
		return outcome.Signal{}, errors.New("session closed")
	}
}

func (d *gatedDriver) Release(ctx context.Context, s driver.Session) error {
	gs := s.(*gatedSession)
	d.mu.Lock()
	d.releases++
	d.mu.Unlock()
	gs.once.Do(func() { close(gs.closed) })
	return nil
}

type memStore struct {
	mu       sync.Mutex
	accounts []model.Account
}

func (s *memStore) GetAll(ctx context.Context) ([]model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Account(nil), s.accounts...), nil
}

func (s *memStore) GetSecret(ctx context.Context, id string) (string, error) {
	return "secret", nil
}

func (s *memStore) SetStatus(ctx context.Context, id, status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.accounts {
		if s.accounts[i].ID == id {
			s.accounts[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("%w: %s", model.ErrAccountNotFound, id)
}

func (s *memStore) SetLastLogin(ctx context.Context, id string, at time.Time) error { return nil }

func newStore(ids ...string) *memStore {
	s := &memStore{}
	for _, id := range ids {
		s.accounts = append(s.accounts, model.Account{ID: id, Email: id + "@example.com", Status: model.AccountReady})
	}
	return s
}

func items(n int) []model.WorkItem {
	out := make([]model.WorkItem, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, model.WorkItem{ID: fmt.Sprintf("w%d", i), Kind: model.KindTextToVideo, Prompt: "a calm lake at dawn"})
	}
	return out
}

func TestStartTwiceReturnsAlreadyRunning(t *testing.T) {
	drv := newGatedDriver()
	c := New(Options{Store: newStore("a1"), Driver: drv, Concurrency: 1, ForceCloseTimeout: time.Second})

	runID, err := c.Start(context.Background(), StartRequest{Items: items(3)})
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := c.Start(context.Background(), StartRequest{Items: items(1)}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	st := c.Status()
	if st.RunID != runID || st.Counts.Total != 3 {
		t.Fatalf("expected first batch untouched, got %+v", st)
	}
	mf, ok := c.Manifest()
	if !ok || len(mf.Items) != 3 {
		t.Fatalf("expected first batch manifest, got %d items", len(mf.Items))
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestControllerTransitionsAreIdempotent(t *testing.T) {
	drv := newGatedDriver()
	c := New(Options{Store: newStore("a1"), Driver: drv, Concurrency: 1, ForceCloseTimeout: time.Second})

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop while idle: %v", err)
	}
	if err := c.Pause(); !errors.Is(err, ErrNoActiveBatch) {
		t.Fatalf("expected ErrNoActiveBatch, got %v", err)
	}
	if err := c.Resume(); !errors.Is(err, ErrNoActiveBatch) {
		t.Fatalf("expected ErrNoActiveBatch, got %v", err)
	}

	if _, err := c.Start(context.Background(), StartRequest{Items: items(2)}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Resume(); err != nil {
		t.Fatalf("resume while running: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := c.Pause(); err != nil {
			t.Fatalf("pause #%d: %v", i+1, err)
		}
	}
	if c.State() != scheduler.StatePaused {
		t.Fatalf("expected paused, got %s", c.State())
	}
	if err := c.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if c.State() != scheduler.StateRunning {
		t.Fatalf("expected running, got %s", c.State())
	}

	for i := 0; i < 2; i++ {
		if err := c.Stop(context.Background()); err != nil {
			t.Fatalf("stop #%d: %v", i+1, err)
		}
	}
	if c.State() != scheduler.StateStopped {
		t.Fatalf("expected stopped, got %s", c.State())
	}
	st := c.Status()
	if st.Result == nil || st.Result.Reason != scheduler.ReasonStopped {
		t.Fatalf("expected stopped result, got %+v", st.Result)
	}
	drv.mu.Lock()
	if drv.acquires != drv.releases {
		t.Fatalf("expected every session released, got %d acquires / %d releases", drv.acquires, drv.releases)
	}
	drv.mu.Unlock()

	close(drv.open)
	if _, err := c.Start(context.Background(), StartRequest{Items: items(1)}); err != nil {
		t.Fatalf("start after stop: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := c.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Reason != scheduler.ReasonCompleted || res.Counts.Succeeded != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	c.Reset()
	if c.State() != scheduler.StateIdle {
		t.Fatalf("expected idle after reset, got %s", c.State())
	}
}

func TestCompletedRunIsJournaled(t *testing.T) {
	drv := newGatedDriver()
	close(drv.open)
	runsDir := t.TempDir()
	c := New(Options{Store: newStore("a1", "a2"), Driver: drv, RunsDir: runsDir, Concurrency: 2})

	runID, err := c.Start(context.Background(), StartRequest{Items: items(4)})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if c.State() != scheduler.StateStopped {
		t.Fatalf("expected stopped after completion, got %s", c.State())
	}

	runDir, err := runstore.ResolveRunDir(runsDir, runID, false)
	if err != nil {
		t.Fatalf("resolve run dir: %v", err)
	}
	mf, err := runstore.LoadManifest(runDir)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if mf.Completed != 4 || mf.State != string(scheduler.StateStopped) || mf.Policy != scheduler.PolicyRetryInPlace {
		t.Fatalf("unexpected manifest: completed=%d state=%s policy=%s", mf.Completed, mf.State, mf.Policy)
	}

	j, err := runstore.OpenJournal(runDir)
	if err != nil {
		t.Fatalf("expected run lock released after completion: %v", err)
	}
	_ = j.Close()
}

func TestStartFailureReleasesRunLock(t *testing.T) {
	runsDir := t.TempDir()
	c := New(Options{Store: newStore("a1"), Driver: newGatedDriver(), RunsDir: runsDir})

	_, err := c.Start(context.Background(), StartRequest{RunID: "r1", Items: items(1), AccountIDs: []string{"ghost"}})
	if !errors.Is(err, model.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if c.State() != scheduler.StateIdle {
		t.Fatalf("expected idle after failed start, got %s", c.State())
	}
	dir, _ := runstore.ResolveRunDir(runsDir, "r1", false)
	j, err := runstore.OpenJournal(dir)
	if err != nil {
		t.Fatalf("expected lock released: %v", err)
	}
	_ = j.Close()
}

func TestSetConcurrency(t *testing.T) {
	c := New(Options{Store: newStore("a1"), Driver: newGatedDriver()})
	if err := c.SetConcurrency(0); err == nil {
		t.Fatal("expected zero to be rejected")
	}
	if err := c.SetConcurrency(5); err != nil {
		t.Fatalf("set concurrency: %v", err)
	}
	if got := c.Status().Concurrency; got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
}
