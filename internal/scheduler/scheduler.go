package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gridvid/internal/driver"
	"gridvid/internal/model"
	"gridvid/internal/outcome"
	"gridvid/internal/progress"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrency       = 3
	DefaultForceCloseTimeout = 10 * time.Second
)

var ErrNoAccounts = errors.New("no accounts available for batch")

var ErrDuplicateItem = errors.New("duplicate work item id")

// AccountStore is the subset of the account store a batch run needs.
type AccountStore interface {
	GetAll(ctx context.Context) ([]model.Account, error)
	GetSecret(ctx context.Context, id string) (string, error)
	SetStatus(ctx context.Context, id, status, reason string) error
	SetLastLogin(ctx context.Context, id string, at time.Time) error
}

// Journal persists a manifest snapshot after state transitions.
type Journal interface {
	Save(mf model.BatchManifest) error
}

type Config struct {
	RunID             string
	Concurrency       int
	Policy            Policy
	ForceCloseTimeout time.Duration

	Store   AccountStore
	Driver  driver.Driver
	Sink    progress.Sink
	Journal Journal
	Logger  *zap.Logger
}

type accountEnd struct {
	status string
	reason string
}

// slot is one active account: its session and the cancel path that stop uses.
type slot struct {
	account model.Account
	ctx     context.Context
	cancel  context.CancelFunc

	session     driver.Session
	releaseOnce sync.Once
	current     string
	succeeded   int
	rotate      bool
	interrupted bool
	settled     bool
}

// Run is one batch: the work queue, the account queue, the exhausted set and
// the active slots. Every mutation happens under mu; driver and store calls
// happen outside it.
type Run struct {
	id     string
	cfg    Config
	policy Policy
	drv    driver.Driver
	store  AccountStore
	sink   *progress.Async
	log    *zap.Logger

	baseCtx   context.Context
	runCtx    context.Context
	cancelRun context.CancelFunc

	mu           sync.Mutex
	state        State
	bound        int
	items        []*model.WorkItem
	accountQueue []string
	order        map[string]int
	accounts     map[string]*model.Account
	runs         map[string]*model.AccountRun
	exhausted    map[string]bool
	active       map[string]*slot
	activeCount  int
	peak         int
	processed    int
	started      time.Time
	finished     bool
	result       Result

	wg    sync.WaitGroup
	dirty chan struct{}
	done  chan struct{}
}

// Start validates the inputs, resets the selected accounts to ready and
// begins dispatching. accountIDs selects and orders the accounts; empty means
// every stored account in store order.
func Start(ctx context.Context, cfg Config, items []model.WorkItem, accountIDs []string) (*Run, error) {
	if cfg.Driver == nil {
		return nil, errors.New("session driver is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("account store is required")
	}
	if cfg.Policy.Name == "" && cfg.Policy.Rules == nil {
		cfg.Policy = RetryInPlace()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ForceCloseTimeout <= 0 {
		cfg.ForceCloseTimeout = DefaultForceCloseTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sink == nil {
		cfg.Sink = progress.Nop{}
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}

	prepared, err := prepareItems(items)
	if err != nil {
		return nil, err
	}
	selected, err := selectAccounts(ctx, cfg.Store, accountIDs)
	if err != nil {
		return nil, err
	}
	for _, acc := range selected {
		if err := cfg.Store.SetStatus(ctx, acc.ID, model.AccountReady, ""); err != nil {
			return nil, fmt.Errorf("reset account %s: %w", acc.Email, err)
		}
	}

	baseCtx := context.WithoutCancel(ctx)
	runCtx, cancelRun := context.WithCancel(baseCtx)
	r := &Run{
		id:        cfg.RunID,
		cfg:       cfg,
		policy:    cfg.Policy,
		drv:       cfg.Driver,
		store:     cfg.Store,
		sink:      progress.NewAsync(cfg.Sink, 1024),
		log:       cfg.Logger.With(zap.String("run_id", cfg.RunID)),
		baseCtx:   baseCtx,
		runCtx:    runCtx,
		cancelRun: cancelRun,
		state:     StateRunning,
		bound:     cfg.Concurrency,
		order:     make(map[string]int, len(selected)),
		accounts:  make(map[string]*model.Account, len(selected)),
		runs:      make(map[string]*model.AccountRun, len(selected)),
		exhausted: make(map[string]bool),
		active:    make(map[string]*slot),
		started:   time.Now().UTC(),
		dirty:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for i, acc := range selected {
		acc := acc
		acc.Status = model.AccountReady
		acc.Reason = ""
		r.accounts[acc.ID] = &acc
		r.order[acc.ID] = i
		r.runs[acc.ID] = &model.AccountRun{AccountID: acc.ID, Email: acc.Email, Status: model.AccountReady}
		r.accountQueue = append(r.accountQueue, acc.ID)
	}
	r.items = prepared

	go r.persistLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = r.Stop(context.Background())
		case <-r.done:
		}
	}()

	r.log.Info("batch started",
		zap.Int("items", len(r.items)),
		zap.Int("accounts", len(selected)),
		zap.Int("concurrency", r.bound),
		zap.String("policy", r.policy.Name))

	r.mu.Lock()
	r.emitLocked(progress.Event{Kind: progress.KindBatch, Message: fmt.Sprintf("batch started: %d items, %d accounts, concurrency %d", len(r.items), len(selected), r.bound)})
	r.checkpointLocked()
	r.dispatchLocked()
	r.mu.Unlock()
	return r, nil
}

func selectAccounts(ctx context.Context, store AccountStore, ids []string) ([]model.Account, error) {
	all, err := store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	if len(ids) == 0 {
		if len(all) == 0 {
			return nil, ErrNoAccounts
		}
		return all, nil
	}

	byID := make(map[string]model.Account, len(all))
	for _, acc := range all {
		byID[acc.ID] = acc
	}
	seen := make(map[string]bool, len(ids))
	out := make([]model.Account, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		acc, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", model.ErrAccountNotFound, id)
		}
		seen[id] = true
		out = append(out, acc)
	}
	return out, nil
}

// prepareItems copies the caller's items, fills ids and indexes, keeps terminal
// items as they are and turns everything else pending. Ids must be unique
// within a batch.
func prepareItems(in []model.WorkItem) ([]*model.WorkItem, error) {
	out := make([]*model.WorkItem, 0, len(in))
	seen := make(map[string]int, len(in))
	for i := range in {
		it := in[i]
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		if first, ok := seen[it.ID]; ok {
			return nil, fmt.Errorf("%w: %q at positions %d and %d", ErrDuplicateItem, it.ID, first, i+1)
		}
		seen[it.ID] = i + 1
		if it.Index == 0 {
			it.Index = i + 1
		}
		it.Params = model.NormalizeParams(it.Params)
		if !model.IsTerminalItemStatus(it.Status) {
			it.Status = model.ItemPending
			if err := model.ValidateWorkItem(it); err != nil {
				it.Status = model.ItemFailed
				it.Reason = "invalid"
				it.LastError = err.Error()
			}
		}
		out = append(out, &it)
	}
	return out, nil
}

func (r *Run) ID() string {
	return r.id
}

func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) Done() <-chan struct{} {
	return r.done
}

func (r *Run) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the completion report once the run has finished.
func (r *Run) Result() (Result, bool) {
	select {
	case <-r.done:
	default:
		return Result{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, true
}

// Pause stops dispatching new items. Items already executing finish normally.
func (r *Run) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished || r.state != StateRunning {
		return
	}
	r.state = StatePaused
	r.log.Info("batch paused", zap.Int("active", r.activeCount))
	r.emitLocked(progress.Event{Kind: progress.KindBatch, Message: "batch paused"})
	r.checkpointLocked()
}

func (r *Run) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished || r.state != StatePaused {
		return
	}
	r.state = StateRunning
	r.log.Info("batch resumed")
	r.emitLocked(progress.Event{Kind: progress.KindBatch, Message: "batch resumed"})
	r.checkpointLocked()
	r.dispatchLocked()
}

// SetConcurrency changes the bound for future dispatches. Lowering it never
// preempts an active account.
func (r *Run) SetConcurrency(n int) error {
	if n < 1 {
		return fmt.Errorf("concurrency must be >= 1, got %d", n)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return nil
	}
	r.bound = n
	r.emitLocked(progress.Event{Kind: progress.KindBatch, Message: fmt.Sprintf("concurrency set to %d", n)})
	r.checkpointLocked()
	r.dispatchLocked()
	return nil
}

func (r *Run) Counts() model.Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countsLocked()
}

func (r *Run) Manifest() model.BatchManifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manifestLocked()
}

// Stop force-closes every active session, marks in-flight items interrupted
// and finishes the run. It returns once sessions are released or the force
// close timeout has passed.
func (r *Run) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return nil
	}
	if r.state == StateStopped {
		r.mu.Unlock()
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	r.state = StateStopped
	r.accountQueue = nil
	for _, it := range r.items {
		if it.Status != model.ItemRunning {
			continue
		}
		if err := model.TransitionItemStatus(it, model.ItemInterrupted, ReasonStopped); err != nil {
			r.log.Warn("interrupt item", zap.Error(err))
			continue
		}
		refundAttempt(it)
	}
	slots := make([]*slot, 0, len(r.active))
	for _, s := range r.active {
		s.interrupted = true
		s.cancel()
		slots = append(slots, s)
	}
	r.log.Info("batch stopping", zap.Int("active", len(slots)))
	r.emitLocked(progress.Event{Kind: progress.KindBatch, Level: progress.LevelWarn, Message: fmt.Sprintf("batch stopping: closing %d sessions", len(slots))})
	r.checkpointLocked()
	r.mu.Unlock()

	var g errgroup.Group
	for _, s := range slots {
		s := s
		g.Go(func() error {
			return r.forceRelease(s)
		})
	}
	if err := g.Wait(); err != nil {
		r.log.Warn("force close sessions", zap.Error(err))
	}

	loopsDone := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(loopsDone)
	}()
	timer := time.NewTimer(r.cfg.ForceCloseTimeout)
	defer timer.Stop()
	select {
	case <-loopsDone:
	case <-timer.C:
		r.log.Warn("account loops still running after force close timeout", zap.Duration("timeout", r.cfg.ForceCloseTimeout))
	case <-ctx.Done():
	}

	r.mu.Lock()
	var leftovers []*slot
	for _, s := range r.active {
		if s.settled {
			continue
		}
		s.settled = true
		leftovers = append(leftovers, s)
		r.setAccountLocked(s.account.ID, model.AccountPaused, "interrupted")
	}
	r.finishLocked(ReasonStopped)
	r.mu.Unlock()

	for _, s := range leftovers {
		if err := r.store.SetStatus(r.baseCtx, s.account.ID, model.AccountPaused, "interrupted"); err != nil {
			r.log.Warn("settle interrupted account", zap.String("account_id", s.account.ID), zap.Error(err))
		}
	}
	r.cancelRun()
	return nil
}

func (r *Run) forceRelease(s *slot) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ForceCloseTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- r.releaseSession(ctx, s)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return fmt.Errorf("force close session for account %s: %w", s.account.ID, ctx.Err())
	}
}

// releaseSession calls Driver.Release at most once per acquired session.
func (r *Run) releaseSession(ctx context.Context, s *slot) error {
	r.mu.Lock()
	sess := s.session
	r.mu.Unlock()
	if sess == nil {
		return nil
	}
	var err error
	s.releaseOnce.Do(func() {
		err = r.drv.Release(ctx, sess)
		if err != nil {
			r.log.Warn("release session", zap.String("account_id", s.account.ID), zap.Error(err))
		}
	})
	return err
}

func (r *Run) dispatchLocked() {
	for r.state == StateRunning && r.activeCount < r.bound && len(r.accountQueue) > 0 && r.hasPendingLocked() {
		id := r.accountQueue[0]
		r.accountQueue = r.accountQueue[1:]
		if r.exhausted[id] || r.active[id] != nil {
			continue
		}
		acc, ok := r.accounts[id]
		if !ok || !r.setAccountLocked(id, model.AccountRunning, "") {
			continue
		}
		ctx, cancel := context.WithCancel(r.runCtx)
		s := &slot{account: *acc, ctx: ctx, cancel: cancel}
		r.active[id] = s
		r.activeCount++
		if r.activeCount > r.peak {
			r.peak = r.activeCount
		}
		r.wg.Add(1)
		go r.runAccount(s)
	}
	r.maybeFinishLocked()
}

func (r *Run) hasPendingLocked() bool {
	for _, it := range r.items {
		if it.Status == model.ItemPending {
			return true
		}
	}
	return false
}

func (r *Run) maybeFinishLocked() {
	if r.finished || r.state == StateStopped || r.activeCount > 0 {
		return
	}
	if !r.hasPendingLocked() {
		r.finishLocked(ReasonCompleted)
		return
	}
	if r.state == StateRunning {
		r.finishLocked(ReasonNoEligibleAccounts)
	}
}

func (r *Run) finishLocked(reason string) {
	if r.finished {
		return
	}
	r.finished = true
	r.state = StateStopped
	r.accountQueue = nil
	r.result = r.resultLocked(reason)
	r.log.Info("batch finished",
		zap.String("reason", reason),
		zap.Int("processed", r.result.Counts.Processed),
		zap.Int("succeeded", r.result.Counts.Succeeded),
		zap.Int("failed", r.result.Counts.Failed),
		zap.Int("unprocessed", len(r.result.Unprocessed)),
		zap.Int("accounts_exhausted", r.result.Counts.AccountsExhausted))
	close(r.dirty)
}

// persistLoop coalesces checkpoints and, after the run finishes, writes the
// final manifest, emits the completion event and closes the sink.
func (r *Run) persistLoop() {
	for range r.dirty {
		r.saveManifest()
	}
	r.saveManifest()

	r.mu.Lock()
	res := r.result
	counts := r.countsLocked()
	r.mu.Unlock()

	level := progress.LevelInfo
	if res.Reason != ReasonCompleted {
		level = progress.LevelWarn
	}
	r.sink.OnProgress(counts)
	r.sink.OnLog(progress.Event{RunID: r.id, Kind: progress.KindCompleted, Level: level, Message: res.Summary(), Status: res.Reason})
	r.sink.Close()
	r.cancelRun()
	close(r.done)
}

func (r *Run) saveManifest() {
	if r.cfg.Journal == nil {
		return
	}
	r.mu.Lock()
	mf := r.manifestLocked()
	r.mu.Unlock()
	if err := r.cfg.Journal.Save(mf); err != nil {
		r.log.Warn("checkpoint batch manifest", zap.Error(err))
	}
}

func (r *Run) checkpointLocked() {
	if r.finished {
		return
	}
	select {
	case r.dirty <- struct{}{}:
	default:
	}
	r.sink.OnProgress(r.countsLocked())
}

func (r *Run) emitLocked(e progress.Event) {
	e.RunID = r.id
	if e.Level == "" {
		e.Level = progress.LevelInfo
	}
	r.sink.OnLog(e)
}

// setAccountLocked moves an account through the status table. Rejected moves
// are logged and leave the account as it was.
func (r *Run) setAccountLocked(id, status, reason string) bool {
	acc, ok := r.accounts[id]
	if !ok {
		return false
	}
	if err := model.TransitionAccountStatus(acc, status, reason); err != nil {
		r.log.Warn("account status", zap.Error(err))
		return false
	}
	if ar, ok := r.runs[id]; ok {
		ar.Status = status
		ar.Reason = reason
	}
	return true
}

func (r *Run) runAccount(s *slot) {
	defer r.wg.Done()

	end := accountEnd{status: model.AccountReady}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("account loop panicked", zap.String("account_id", s.account.ID), zap.Any("panic", p))
			r.mu.Lock()
			r.requeueCurrentLocked(s, "account loop panicked")
			r.mu.Unlock()
			end = accountEnd{status: model.AccountFailed, reason: fmt.Sprintf("panic: %v", p)}
		}
		releaseCtx, cancel := context.WithTimeout(r.baseCtx, r.cfg.ForceCloseTimeout)
		_ = r.releaseSession(releaseCtx, s)
		cancel()
		s.cancel()
		r.settleAccount(s, end)
	}()

	end = r.workAccount(s)
}

func (r *Run) workAccount(s *slot) accountEnd {
	acc := s.account
	log := r.log.With(zap.String("account_id", acc.ID), zap.String("email", acc.Email))

	if err := r.store.SetStatus(r.baseCtx, acc.ID, model.AccountRunning, ""); err != nil {
		log.Warn("mark account running", zap.Error(err))
	}
	r.mu.Lock()
	r.emitLocked(progress.Event{Kind: progress.KindAccountStarted, AccountID: acc.ID, Email: acc.Email, Message: acc.Email + " started"})
	r.mu.Unlock()

	secret, err := r.store.GetSecret(s.ctx, acc.ID)
	if err != nil {
		if s.ctx.Err() != nil {
			return accountEnd{status: model.AccountPaused, reason: "interrupted"}
		}
		log.Error("load account secret", zap.Error(err))
		return accountEnd{status: model.AccountFailed, reason: "secret unavailable: " + err.Error()}
	}
	sess, err := r.drv.Acquire(s.ctx, acc, secret)
	if err != nil {
		if s.ctx.Err() != nil {
			return accountEnd{status: model.AccountPaused, reason: "interrupted"}
		}
		aerr := &driver.SessionAcquisitionError{AccountID: acc.ID, Err: err}
		log.Error("session acquisition failed", zap.Error(aerr))
		return accountEnd{status: model.AccountFailed, reason: aerr.Error()}
	}

	r.mu.Lock()
	s.session = sess
	stopped := r.state == StateStopped
	r.mu.Unlock()
	if stopped {
		return accountEnd{status: model.AccountPaused, reason: "interrupted"}
	}

	for {
		item, end, ok := r.nextItem(s)
		if !ok {
			return end
		}

		started := time.Now()
		sig, err := r.drv.Execute(s.ctx, sess, item)
		if sig.Err == nil {
			sig.Err = err
		}
		if sig.Elapsed == 0 {
			sig.Elapsed = time.Since(started)
		}
		res := outcome.Classify(sig)
		log.Debug("item classified",
			zap.String("item_id", item.ID),
			zap.Int("index", item.Index),
			zap.String("outcome", string(res.Outcome)),
			zap.String("reason", res.Reason))

		if end, stop := r.applyOutcome(s, item.ID, sig, res); stop {
			return end
		}
	}
}

// nextItem claims the first pending item in queue order for s. The claim is
// atomic with respect to every other account loop.
func (r *Run) nextItem(s *slot) (model.WorkItem, accountEnd, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StatePaused:
		return model.WorkItem{}, accountEnd{status: model.AccountPaused, reason: "paused"}, false
	case StateStopped:
		return model.WorkItem{}, accountEnd{status: model.AccountPaused, reason: "interrupted"}, false
	}

	for _, it := range r.items {
		if it.Status != model.ItemPending {
			continue
		}
		if err := model.TransitionItemStatus(it, model.ItemRunning, ""); err != nil {
			r.log.Error("claim item", zap.Error(err))
			continue
		}
		it.AssignedAccount = s.account.ID
		it.Attempts++
		it.LastAttemptAt = time.Now().UTC().Format(time.RFC3339)
		s.current = it.ID
		r.emitLocked(progress.Event{
			Kind:      progress.KindItemStarted,
			AccountID: s.account.ID,
			Email:     s.account.Email,
			ItemID:    it.ID,
			ItemIndex: it.Index,
			Message:   it.Label(),
		})
		r.checkpointLocked()
		return *it, accountEnd{}, true
	}
	return model.WorkItem{}, accountEnd{status: model.AccountReady}, false
}

func (r *Run) applyOutcome(s *slot, itemID string, sig outcome.Signal, res outcome.Result) (accountEnd, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.current = ""
	it := r.itemLocked(itemID)
	if it == nil || it.Status != model.ItemRunning {
		// stop already settled the item as interrupted
		return accountEnd{status: model.AccountPaused, reason: "interrupted"}, true
	}

	r.processed++
	it.LastOutcome = string(res.Outcome)
	if res.Outcome != outcome.Success {
		it.LastError = res.Reason
	}
	rule := r.policy.Decide(res.Outcome)
	ar := r.runs[s.account.ID]
	reason := string(res.Outcome)

	var err error
	switch rule.Item {
	case ItemComplete:
		err = model.TransitionItemStatus(it, model.ItemCompleted, "")
		it.Output = sig.Artifact
		it.CompletedAt = time.Now().UTC().Format(time.RFC3339)
		it.LastError = ""
		s.succeeded++
		ar.Completed++
	case ItemRequeue:
		// the account failed, not the item
		refundAttempt(it)
		err = model.TransitionItemStatus(it, model.ItemPending, reason)
	case ItemFailAttempt:
		err = model.TransitionItemStatus(it, model.ItemFailed, reason)
		ar.Failed++
		if err == nil && it.Attempts < r.policy.MaxItemAttempts {
			err = model.TransitionItemStatus(it, model.ItemPending, "retry after "+reason)
		}
	case ItemFailPermanent:
		err = model.TransitionItemStatus(it, model.ItemFailed, reason)
		ar.Failed++
	}
	if err != nil {
		r.log.Error("apply outcome", zap.String("item_id", it.ID), zap.Error(err))
	}

	level := progress.LevelInfo
	if res.Outcome != outcome.Success {
		level = progress.LevelWarn
	}
	r.emitLocked(progress.Event{
		Kind:      progress.KindItemFinished,
		Level:     level,
		AccountID: s.account.ID,
		Email:     s.account.Email,
		ItemID:    it.ID,
		ItemIndex: it.Index,
		Outcome:   string(res.Outcome),
		Status:    it.Status,
		Message:   fmt.Sprintf("%s %s: %s", it.Label(), res.Outcome, res.Reason),
	})
	r.checkpointLocked()

	switch rule.Account {
	case AccountExhaust:
		r.exhausted[s.account.ID] = true
		return accountEnd{status: model.AccountQuotaExhausted, reason: res.Reason}, true
	case AccountFail:
		return accountEnd{status: model.AccountFailed, reason: res.Reason}, true
	case AccountRotate:
		s.rotate = true
		return accountEnd{status: model.AccountReady, reason: "rotated after " + reason}, true
	}
	return accountEnd{}, false
}

func (r *Run) requeueCurrentLocked(s *slot, reason string) {
	if s.current == "" {
		return
	}
	if it := r.itemLocked(s.current); it != nil && it.Status == model.ItemRunning {
		refundAttempt(it)
		_ = model.TransitionItemStatus(it, model.ItemPending, reason)
	}
	s.current = ""
}

// refundAttempt takes back the attempt charged when the item was claimed, for
// hand-backs that say nothing about the item itself.
func refundAttempt(it *model.WorkItem) {
	if it.Attempts > 0 {
		it.Attempts--
	}
}

func (r *Run) itemLocked(id string) *model.WorkItem {
	for _, it := range r.items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

// settleAccount records the final status of an account loop, frees its slot
// and re-enters the dispatch loop.
func (r *Run) settleAccount(s *slot, end accountEnd) {
	r.mu.Lock()
	if s.interrupted && end.status != model.AccountFailed && end.status != model.AccountQuotaExhausted {
		end = accountEnd{status: model.AccountPaused, reason: "interrupted"}
	}
	if acc, ok := r.accounts[s.account.ID]; ok && !model.CanTransitionAccount(acc.Status, end.status) {
		// stop already settled this account
		r.log.Warn("account settle rejected",
			zap.String("account_id", s.account.ID),
			zap.String("from", acc.Status),
			zap.String("to", end.status))
		end = accountEnd{status: acc.Status, reason: acc.Reason}
	}
	writeStore := !s.settled
	s.settled = true
	r.mu.Unlock()

	if writeStore {
		if err := r.store.SetStatus(r.baseCtx, s.account.ID, end.status, end.reason); err != nil {
			r.log.Warn("settle account status", zap.String("account_id", s.account.ID), zap.Error(err))
		}
		if s.succeeded > 0 {
			if err := r.store.SetLastLogin(r.baseCtx, s.account.ID, time.Now().UTC()); err != nil {
				r.log.Warn("record last login", zap.String("account_id", s.account.ID), zap.Error(err))
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, s.account.ID)
	r.activeCount--
	r.setAccountLocked(s.account.ID, end.status, end.reason)

	if r.state != StateStopped {
		switch {
		case s.rotate:
			r.accountQueue = append(r.accountQueue, s.account.ID)
		case end.status == model.AccountReady || end.status == model.AccountPaused:
			r.insertAccountLocked(s.account.ID)
		}
	}

	msg := fmt.Sprintf("%s settled: %s", s.account.Email, end.status)
	if end.reason != "" {
		msg += " (" + end.reason + ")"
	}
	level := progress.LevelInfo
	if end.status == model.AccountFailed || end.status == model.AccountQuotaExhausted {
		level = progress.LevelWarn
	}
	r.log.Info("account settled",
		zap.String("account_id", s.account.ID),
		zap.String("status", end.status),
		zap.String("reason", end.reason),
		zap.Int("succeeded", s.succeeded))
	r.emitLocked(progress.Event{Kind: progress.KindAccountSettled, Level: level, AccountID: s.account.ID, Email: s.account.Email, Status: end.status, Message: msg})
	r.checkpointLocked()
	r.dispatchLocked()
}

// insertAccountLocked puts id back into the account queue at its original position.
func (r *Run) insertAccountLocked(id string) {
	pos := len(r.accountQueue)
	for i, other := range r.accountQueue {
		if other == id {
			return
		}
		if r.order[other] > r.order[id] {
			pos = i
			break
		}
	}
	r.accountQueue = append(r.accountQueue, "")
	copy(r.accountQueue[pos+1:], r.accountQueue[pos:])
	r.accountQueue[pos] = id
}

func (r *Run) countsLocked() model.Counts {
	c := model.Counts{
		Total:             len(r.items),
		Processed:         r.processed,
		AccountsExhausted: len(r.exhausted),
		Active:            r.activeCount,
		Bound:             r.bound,
	}
	for _, it := range r.items {
		switch it.Status {
		case model.ItemCompleted:
			c.Succeeded++
		case model.ItemFailed:
			c.Failed++
		case model.ItemPending:
			c.Pending++
		case model.ItemRunning:
			c.Running++
		case model.ItemInterrupted:
			c.Interrupted++
		}
	}
	for _, ar := range r.runs {
		if ar.Status == model.AccountFailed {
			c.AccountsFailed++
		}
	}
	return c
}

func (r *Run) manifestLocked() model.BatchManifest {
	mf := model.BatchManifest{
		RunID:        r.id,
		State:        string(r.state),
		Policy:       r.policy.Name,
		Concurrency:  r.bound,
		AccountOrder: make([]string, len(r.order)),
		Accounts:     r.accountRunsLocked(),
		Items:        make([]model.WorkItem, 0, len(r.items)),
	}
	for id, pos := range r.order {
		mf.AccountOrder[pos] = id
	}
	for _, it := range r.items {
		mf.Items = append(mf.Items, *it)
	}
	model.RecomputeManifestCounts(&mf)
	return mf
}
