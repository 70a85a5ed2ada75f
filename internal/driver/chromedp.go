package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gridvid/internal/model"
	"gridvid/internal/outcome"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ChromedpDriver drives a locally installed Chrome over the DevTools protocol,
// one browser process per account profile.
type ChromedpDriver struct {
	opts Options
	log  *zap.Logger
}

type cdpSession struct {
	account     model.Account
	ctx         context.Context
	cancel      context.CancelFunc
	cancelAlloc context.CancelFunc
}

func (s *cdpSession) AccountID() string { return s.account.ID }

func NewChromedp(opts Options) *ChromedpDriver {
	opts = opts.withDefaults()
	return &ChromedpDriver{opts: opts, log: opts.Logger.Named("chromedp")}
}

func (d *ChromedpDriver) Acquire(ctx context.Context, account model.Account, secret string) (Session, error) {
	dir := ProfileDir(d.opts.ProfilesDir, account.Email)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(dir),
		chromedp.Flag("headless", d.opts.Headless),
		chromedp.WindowSize(1280, 800),
	)
	if chrome := FindChrome(d.opts.ChromePath); chrome.Found {
		allocOpts = append(allocOpts, chromedp.ExecPath(chrome.Path))
	}
	// The browser outlives Acquire, so it hangs off a background context.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	bctx, cancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(d.log.Sugar().Debugf))
	s := &cdpSession{account: account, ctx: bctx, cancel: cancel, cancelAlloc: cancelAlloc}

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := d.signIn(s, secret); err != nil {
		s.close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	d.log.Debug("session ready", zap.String("account_id", account.ID))
	return s, nil
}

func (d *ChromedpDriver) signIn(s *cdpSession, secret string) error {
	sc := d.opts.Script
	stepCtx, cancel := context.WithTimeout(s.ctx, 3*d.opts.StepTimeout)
	defer cancel()

	var loc string
	if err := chromedp.Run(stepCtx,
		chromedp.Navigate(sc.StudioURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&loc),
	); err != nil {
		return fmt.Errorf("open studio: %w", err)
	}
	if !isSignInURL(loc) {
		return nil
	}
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("%w: profile is signed out and no secret is stored", outcome.ErrPermissionDenied)
	}

	if err := chromedp.Run(stepCtx,
		chromedp.Navigate(sc.SignInURLFor(s.account.Email)),
		chromedp.WaitVisible(sc.EmailInput, chromedp.ByQuery),
		chromedp.SendKeys(sc.EmailInput, s.account.Email, chromedp.ByQuery),
		chromedp.Click(sc.EmailNext, chromedp.ByQuery),
		chromedp.WaitVisible(sc.PasswordInput, chromedp.ByQuery),
		chromedp.SendKeys(sc.PasswordInput, secret, chromedp.ByQuery),
		chromedp.Click(sc.PasswordNext, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("sign-in: %w", err)
	}

	deadline := time.Now().Add(d.opts.StepTimeout)
	for time.Now().Before(deadline) {
		if err := chromedp.Run(stepCtx, chromedp.Sleep(time.Second), chromedp.Location(&loc)); err != nil {
			return fmt.Errorf("sign-in: %w", err)
		}
		if !isSignInURL(loc) {
			break
		}
	}
	if err := chromedp.Run(stepCtx,
		chromedp.Navigate(sc.StudioURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&loc),
	); err != nil {
		return fmt.Errorf("open studio: %w", err)
	}
	if isSignInURL(loc) {
		return fmt.Errorf("%w: sign-in did not complete (%s)", outcome.ErrPermissionDenied, loc)
	}
	return nil
}

func (d *ChromedpDriver) Execute(ctx context.Context, s Session, item model.WorkItem) (outcome.Signal, error) {
	cs, ok := s.(*cdpSession)
	if !ok {
		return outcome.Signal{}, outcome.Fatal(fmt.Errorf("session %T does not belong to chromedp", s))
	}
	sc := d.opts.Script
	started := time.Now()
	sig := outcome.Signal{Budget: d.opts.GenerationTimeout}

	// Setup plus the generation budget plus the download.
	runCtx, cancel := context.WithTimeout(cs.ctx, d.opts.RunButtonTimeout+d.opts.GenerationTimeout+d.opts.StepTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var loc string
	if err := chromedp.Run(runCtx, chromedp.Location(&loc)); err != nil {
		return sig, d.runErr(cs, err)
	}
	if !strings.HasPrefix(loc, sc.StudioURL) {
		if err := chromedp.Run(runCtx, chromedp.Navigate(sc.StudioURL), chromedp.Location(&loc)); err != nil {
			return sig, d.runErr(cs, fmt.Errorf("open studio: %w", err))
		}
	}
	if isSignInURL(loc) {
		sig.URL = loc
		return sig, nil
	}

	setup := chromedp.Tasks{
		chromedp.WaitVisible(sc.PromptInput, chromedp.ByQuery),
		chromedp.Clear(sc.PromptInput, chromedp.ByQuery),
		chromedp.SendKeys(sc.PromptInput, item.Prompt, chromedp.ByQuery),
	}
	if item.Kind == model.KindImageToVideo {
		setup = append(setup, chromedp.SetUploadFiles(sc.ImageInput, []string{item.ImagePath}, chromedp.ByQuery))
	}
	if err := chromedp.Run(runCtx, setup); err != nil {
		return sig, d.runErr(cs, fmt.Errorf("fill prompt: %w", err))
	}
	d.applyParams(runCtx, item.Params)

	clickCtx, cancelClick := context.WithTimeout(runCtx, d.opts.RunButtonTimeout)
	err := chromedp.Run(clickCtx, chromedp.Click(sc.RunButton, chromedp.ByQuery))
	cancelClick()
	if err != nil {
		return sig, d.runErr(cs, fmt.Errorf("start generation: %w", err))
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sig.Elapsed = time.Since(started)
			return sig, ctx.Err()
		case <-ticker.C:
		}

		var p probe
		if err := chromedp.Run(runCtx, chromedp.Evaluate(probeJS, &p)); err != nil {
			if ctx.Err() != nil {
				return sig, ctx.Err()
			}
			return sig, d.runErr(cs, fmt.Errorf("inspect page: %w", err))
		}
		cur := p.signal(started, d.opts.GenerationTimeout)
		if p.Video != "" {
			path, err := d.download(runCtx, p.Video, OutputName(item))
			if err != nil {
				cur.Err = outcome.Transient(err)
				return cur, nil
			}
			cur.Artifact = path
			return cur, nil
		}
		if outcome.Conclusive(cur) {
			return cur, nil
		}
	}
}

func (d *ChromedpDriver) applyParams(ctx context.Context, params model.GenerationParams) {
	sc := d.opts.Script
	try := func(what string, actions ...chromedp.Action) {
		quick, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := chromedp.Run(quick, actions...); err != nil {
			d.log.Debug(what+" not selectable", zap.Error(err))
		}
	}
	if params.DurationSec > 0 {
		try("duration",
			chromedp.Click(sc.DurationSelect, chromedp.ByQuery),
			chromedp.Click(sc.DurationOptionXPath(params.DurationSec), chromedp.BySearch),
		)
	}
	if params.AspectRatio != "" {
		try("aspect ratio", chromedp.Click(sc.AspectRatioXPath(params.AspectRatio), chromedp.BySearch))
	}

	var nodes int
	probeConfirm := fmt.Sprintf(`document.evaluate(%q, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null).snapshotLength`, sc.ConfirmXPath)
	if err := chromedp.Run(ctx, chromedp.Evaluate(probeConfirm, &nodes)); err == nil && nodes > 0 {
		try("confirm", chromedp.Click(sc.ConfirmXPath, chromedp.BySearch))
	}
}

func (d *ChromedpDriver) download(ctx context.Context, src, name string) (string, error) {
	arg, err := json.Marshal(src)
	if err != nil {
		return "", err
	}
	expr := "(" + fetchAsDataURLJS + ")(" + string(arg) + ")"
	var dataURL string
	if err := chromedp.Run(ctx, chromedp.Evaluate(expr, &dataURL, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	})); err != nil {
		return "", fmt.Errorf("fetch video in page: %w", err)
	}
	return writeDataURL(d.opts.DownloadDir, name, dataURL)
}

func (d *ChromedpDriver) runErr(s *cdpSession, err error) error {
	if s.ctx.Err() != nil {
		return outcome.Fatal(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", outcome.ErrTimeout, err)
	}
	return outcome.Transient(err)
}

func (d *ChromedpDriver) Release(ctx context.Context, s Session) error {
	cs, ok := s.(*cdpSession)
	if !ok {
		return fmt.Errorf("session %T does not belong to chromedp", s)
	}
	var err error
	if cs.ctx.Err() == nil {
		err = chromedp.Cancel(cs.ctx)
	}
	cs.close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

func (s *cdpSession) close() {
	s.cancel()
	s.cancelAlloc()
}

// Close is a no-op; every browser process belongs to a session.
func (d *ChromedpDriver) Close() error { return nil }
