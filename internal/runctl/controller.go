package runctl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gridvid/internal/driver"
	"gridvid/internal/model"
	"gridvid/internal/progress"
	"gridvid/internal/runstore"
	"gridvid/internal/scheduler"

	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning = errors.New("batch already running")
	ErrNoActiveBatch  = errors.New("no active batch")
)

type Options struct {
	Store             scheduler.AccountStore
	Driver            driver.Driver
	Sink              progress.Sink
	Logger            *zap.Logger
	RunsDir           string
	Concurrency       int
	Policy            scheduler.Policy
	ForceCloseTimeout time.Duration
}

type StartRequest struct {
	// RunID reuses an existing run directory; empty allocates a new run.
	RunID       string
	Items       []model.WorkItem
	AccountIDs  []string
	Concurrency int
	Policy      *scheduler.Policy
}

type Status struct {
	State       scheduler.State   `json:"state"`
	RunID       string            `json:"run_id,omitempty"`
	RunDir      string            `json:"run_dir,omitempty"`
	Concurrency int               `json:"concurrency"`
	Policy      string            `json:"policy"`
	Counts      model.Counts      `json:"counts"`
	Result      *scheduler.Result `json:"result,omitempty"`
}

// Controller owns at most one batch run at a time and exposes the operator
// state machine over it.
type Controller struct {
	mu      sync.Mutex
	opts    Options
	log     *zap.Logger
	state   scheduler.State
	run     *scheduler.Run
	journal *runstore.Journal
	runDir  string
	policy  string
	last    *scheduler.Result
}

func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = scheduler.DefaultConcurrency
	}
	if opts.Policy.Name == "" && opts.Policy.Rules == nil {
		opts.Policy = scheduler.RetryInPlace()
	}
	return &Controller{
		opts:   opts,
		log:    opts.Logger.Named("runctl"),
		state:  scheduler.StateIdle,
		policy: opts.Policy.Name,
	}
}

// Start begins a batch. It is allowed from Idle and Stopped; a Running or
// Paused batch makes it fail with ErrAlreadyRunning and leaves that batch alone.
func (c *Controller) Start(ctx context.Context, req StartRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == scheduler.StateRunning || c.state == scheduler.StatePaused {
		return "", fmt.Errorf("%w: run %s", ErrAlreadyRunning, c.run.ID())
	}

	policy := c.opts.Policy
	if req.Policy != nil {
		policy = *req.Policy
	}
	concurrency := c.opts.Concurrency
	if req.Concurrency > 0 {
		concurrency = req.Concurrency
	}
	runID := req.RunID
	if runID == "" {
		runID = runstore.NewRunID()
	}

	var journal *runstore.Journal
	var sj scheduler.Journal
	if c.opts.RunsDir != "" {
		j, err := runstore.CreateJournal(c.opts.RunsDir, runID)
		if err != nil {
			return "", err
		}
		journal = j
		sj = j
	}

	run, err := scheduler.Start(ctx, scheduler.Config{
		RunID:             runID,
		Concurrency:       concurrency,
		Policy:            policy,
		ForceCloseTimeout: c.opts.ForceCloseTimeout,
		Store:             c.opts.Store,
		Driver:            c.opts.Driver,
		Sink:              c.opts.Sink,
		Journal:           sj,
		Logger:            c.opts.Logger,
	}, req.Items, req.AccountIDs)
	if err != nil {
		if journal != nil {
			_ = journal.Close()
		}
		return "", err
	}

	c.run = run
	c.journal = journal
	c.runDir = ""
	if journal != nil {
		c.runDir = journal.Dir()
	}
	c.policy = policy.Name
	c.last = nil
	c.state = scheduler.StateRunning
	c.log.Info("batch run started", zap.String("run_id", runID), zap.String("run_dir", c.runDir))

	go func() {
		<-run.Done()
		c.finish(run)
	}()
	return runID, nil
}

func (c *Controller) finish(run *scheduler.Run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != run {
		return
	}
	if res, ok := run.Result(); ok {
		c.last = &res
	}
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			c.log.Warn("close run journal", zap.Error(err))
		}
	}
	c.run = nil
	c.journal = nil
	c.state = scheduler.StateStopped
}

func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case scheduler.StatePaused:
		return nil
	case scheduler.StateRunning:
		c.run.Pause()
		c.state = scheduler.StatePaused
		return nil
	}
	return ErrNoActiveBatch
}

func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case scheduler.StateRunning:
		return nil
	case scheduler.StatePaused:
		c.run.Resume()
		c.state = scheduler.StateRunning
		return nil
	}
	return ErrNoActiveBatch
}

// Stop force-closes the active batch. With no active batch it does nothing.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	run := c.run
	active := c.state == scheduler.StateRunning || c.state == scheduler.StatePaused
	c.mu.Unlock()
	if !active || run == nil {
		return nil
	}

	if err := run.Stop(ctx); err != nil {
		return err
	}
	select {
	case <-run.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	c.finish(run)
	return nil
}

// Reset returns a stopped controller to Idle and forgets the last result.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == scheduler.StateStopped {
		c.state = scheduler.StateIdle
		c.last = nil
		c.runDir = ""
	}
}

// SetConcurrency changes the bound of the active batch and of future batches.
func (c *Controller) SetConcurrency(n int) error {
	if n < 1 {
		return fmt.Errorf("concurrency must be >= 1, got %d", n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.Concurrency = n
	if c.run != nil {
		return c.run.SetConcurrency(n)
	}
	return nil
}

func (c *Controller) State() scheduler.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:       c.state,
		RunDir:      c.runDir,
		Concurrency: c.opts.Concurrency,
		Policy:      c.policy,
		Result:      c.last,
	}
	switch {
	case c.run != nil:
		st.RunID = c.run.ID()
		st.Counts = c.run.Counts()
	case c.last != nil:
		st.RunID = c.last.RunID
		st.Counts = model.Counts{
			Total:             c.last.Counts.Total,
			Processed:         c.last.Counts.Processed,
			Succeeded:         c.last.Counts.Succeeded,
			Failed:            c.last.Counts.Failed,
			Pending:           c.last.Counts.Pending,
			Interrupted:       c.last.Counts.Interrupted,
			AccountsExhausted: c.last.Counts.AccountsExhausted,
			AccountsFailed:    c.last.Counts.AccountsFailed,
			Bound:             c.opts.Concurrency,
		}
	}
	return st
}

func (c *Controller) Manifest() (model.BatchManifest, bool) {
	c.mu.Lock()
	run := c.run
	c.mu.Unlock()
	if run == nil {
		return model.BatchManifest{}, false
	}
	return run.Manifest(), true
}

// Wait blocks until the active batch finishes and returns its result.
func (c *Controller) Wait(ctx context.Context) (scheduler.Result, error) {
	c.mu.Lock()
	run := c.run
	last := c.last
	c.mu.Unlock()
	if run == nil {
		if last != nil {
			return *last, nil
		}
		return scheduler.Result{}, ErrNoActiveBatch
	}
	res, err := run.Wait(ctx)
	if err != nil {
		return scheduler.Result{}, err
	}
	c.finish(run)
	return res, nil
}
