package scheduler

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
)

type fakeSession struct {
	id      int
	account string
	closed  chan struct{}
}

func (s *fakeSession) AccountID() string { return s.account }

type step struct {
	sig   outcome.Signal
	err   error
	hang  bool
	panic bool
}

type execution struct {
	Account string
	Item    string
}

// fakeDriver replays scripted outcomes per account and item and records every
// call so tests can assert on assignment order and session lifecycles.
type fakeDriver struct {
	mu         sync.Mutex
	script     map[string][]step
	acquireErr map[string]error
	gates      map[string]chan struct{}
	delay      time.Duration

	nextID         int
	acquires       int
	releases       map[int]int
	executions     []execution
	inFlight       map[string]string
	doubles        []string
	sessions       int
	peakSessions   int
	executing      int
	acquiredByAcct map[string]int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		script:         make(map[string][]step),
		acquireErr:     make(map[string]error),
		gates:          make(map[string]chan struct{}),
		releases:       make(map[int]int),
		inFlight:       make(map[string]string),
		acquiredByAcct: make(map[string]int),
	}
}

func (d *fakeDriver) on(account, item string, steps ...step) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := account + "|" + item
	d.script[key] = append(d.script[key], steps...)
}

func (d *fakeDriver) gate(item string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan struct{})
	d.gates[item] = ch
	return ch
}

func (d *fakeDriver) Acquire(ctx context.Context, account model.Account, secret string) (driver.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.acquireErr[account.ID]; err != nil {
		return nil, err
	}
	if secret == "" {
		return nil, errors.New("empty secret")
	}
	d.nextID++
	d.acquires++
	d.acquiredByAcct[account.ID]++
	d.sessions++
	if d.sessions > d.peakSessions {
		d.peakSessions = d.sessions
	}
	return &fakeSession{id: d.nextID, account: account.ID, closed: make(chan struct{})}, nil
}

func (d *fakeDriver) Execute(ctx context.Context, s driver.Session, item model.WorkItem) (outcome.Signal, error) {
	fs := s.(*fakeSession)

	d.mu.Lock()
	d.executions = append(d.executions, execution{Account: fs.account, Item: item.ID})
	if other, ok := d.inFlight[item.ID]; ok {
		d.doubles = append(d.doubles, fmt.Sprintf("%s on %s and %s", item.ID, other, fs.account))
	}
	d.inFlight[item.ID] = fs.account
	d.executing++
	gate := d.gates[item.ID]
	var st *step
	key := fs.account + "|" + item.ID
	if steps := d.script[key]; len(steps) > 0 {
		st = &steps[0]
		d.script[key] = steps[1:]
	}
	delay := d.delay
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.inFlight, item.ID)
		d.executing--
		d.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-fs.closed:
			return outcome.Signal{}, errors.New("session closed")
		}
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if st == nil {
		return outcome.Signal{Artifact: "out/" + item.ID + ".mp4"}, nil
	}
	if st.panic {
		panic("driver exploded")
	}
	if st.hang {
		// ignores ctx on purpose: only a forced release gets it out
		<-fs.closed
		return outcome.Signal{}, errors.New("session closed")
	}
	return st.sig, st.err
}

func (d *fakeDriver) Release(ctx context.Context, s driver.Session) error {
	fs := s.(*fakeSession)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releases[fs.id]++
	if d.releases[fs.id] == 1 {
		close(fs.closed)
		d.sessions--
	}
	return nil
}

func (d *fakeDriver) executed() []execution {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]execution(nil), d.executions...)
}

func (d *fakeDriver) executingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.executing
}

// assertReleasedOnce checks that every acquired session was released exactly once.
func (d *fakeDriver) assertReleasedOnce(t *testing.T) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.releases) != d.acquires {
		t.Fatalf("expected %d released sessions, got %d", d.acquires, len(d.releases))
	}
	for id, n := range d.releases {
		if n != 1 {
			t.Fatalf("expected session %d released once, got %d", id, n)
		}
	}
}

type memStore struct {
	mu        sync.Mutex
	accounts  []model.Account
	secrets   map[string]string
	lastLogin map[string]time.Time
}

func newMemStore(ids ...string) *memStore {
	s := &memStore{secrets: make(map[string]string), lastLogin: make(map[string]time.Time)}
	for _, id := range ids {
		s.accounts = append(s.accounts, model.Account{ID: id, Email: id + "@example.com", Status: model.AccountReady})
		s.secrets[id] = "pw-" + id
	}
	return s
}

func (s *memStore) GetAll(ctx context.Context) ([]model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Account(nil), s.accounts...), nil
}

func (s *memStore) GetSecret(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, ok := s.secrets[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", model.ErrAccountNotFound, id)
	}
	return secret, nil
}

func (s *memStore) SetStatus(ctx context.Context, id, status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.accounts {
		if s.accounts[i].ID == id {
			s.accounts[i].Status = status
			s.accounts[i].Reason = reason
			return nil
		}
	}
	return fmt.Errorf("%w: %s", model.ErrAccountNotFound, id)
}

func (s *memStore) SetLastLogin(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLogin[id] = at
	return nil
}

func (s *memStore) status(id string) (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.ID == id {
			return a.Status, a.Reason
		}
	}
	return "", ""
}

func (s *memStore) loggedIn(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lastLogin[id]
	return ok
}

type memJournal struct {
	mu    sync.Mutex
	saves int
	last  model.BatchManifest
}

func (j *memJournal) Save(mf model.BatchManifest) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.saves++
	j.last = mf
	return nil
}

func makeItems(n int) []model.WorkItem {
	items := make([]model.WorkItem, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, model.WorkItem{
			ID:     fmt.Sprintf("i%d", i),
			Kind:   model.KindTextToVideo,
			Prompt: fmt.Sprintf("prompt number %d", i),
		})
	}
	return items
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitResult(t *testing.T, r *Run) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := r.Wait(ctx)
	if err != nil {
		t.Fatalf("wait for batch: %v", err)
	}
	return res
}

func itemStatuses(mf model.BatchManifest) map[string]string {
	out := make(map[string]string, len(mf.Items))
	for _, it := range mf.Items {
		out[it.ID] = it.Status + "@" + it.AssignedAccount
	}
	return out
}
