package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gridvid/internal/model"
	"gridvid/internal/outcome"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"
)

const pollInterval = 500 * time.Millisecond

// PlaywrightDriver runs one persistent Chromium context per account profile
// on top of a shared Playwright server process.
type PlaywrightDriver struct {
	opts Options
	log  *zap.Logger

	mu sync.Mutex
	pw *playwright.Playwright
}

type pwSession struct {
	account model.Account
	bctx    playwright.BrowserContext
	page    playwright.Page
}

func (s *pwSession) AccountID() string { return s.account.ID }

func NewPlaywright(opts Options) *PlaywrightDriver {
	opts = opts.withDefaults()
	return &PlaywrightDriver{opts: opts, log: opts.Logger.Named("playwright")}
}

func (d *PlaywrightDriver) runtime() (*playwright.Playwright, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pw != nil {
		return d.pw, nil
	}
	if d.opts.InstallBrowsers {
		if err := playwright.Install(); err != nil {
			return nil, fmt.Errorf("install playwright: %w", err)
		}
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	d.pw = pw
	return pw, nil
}

func (d *PlaywrightDriver) Acquire(ctx context.Context, account model.Account, secret string) (Session, error) {
	pw, err := d.runtime()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := ProfileDir(d.opts.ProfilesDir, account.Email)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	launch := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless:        playwright.Bool(d.opts.Headless),
		AcceptDownloads: playwright.Bool(true),
		Viewport:        &playwright.Size{Width: 1280, Height: 800},
	}
	if d.opts.ChromePath != "" {
		launch.ExecutablePath = playwright.String(d.opts.ChromePath)
	}
	bctx, err := pw.Chromium.LaunchPersistentContext(dir, launch)
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	// Closing the context is how a cancelled caller interrupts a blocked call.
	stop := context.AfterFunc(ctx, func() { _ = bctx.Close() })
	defer stop()

	var page playwright.Page
	if pages := bctx.Pages(); len(pages) > 0 {
		page = pages[0]
	} else if page, err = bctx.NewPage(); err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("open page: %w", err)
	}
	page.SetDefaultTimeout(float64(d.opts.StepTimeout.Milliseconds()))

	s := &pwSession{account: account, bctx: bctx, page: page}
	if err := d.signIn(s, secret); err != nil {
		_ = bctx.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	d.log.Debug("session ready", zap.String("account_id", account.ID))
	return s, nil
}

func (d *PlaywrightDriver) signIn(s *pwSession, secret string) error {
	sc := d.opts.Script
	if _, err := s.page.Goto(sc.StudioURL, playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateDomcontentloaded}); err != nil {
		return fmt.Errorf("open studio: %w", err)
	}
	if !isSignInURL(s.page.URL()) {
		return nil
	}
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("%w: profile is signed out and no secret is stored", outcome.ErrPermissionDenied)
	}

	if _, err := s.page.Goto(sc.SignInURLFor(s.account.Email)); err != nil {
		return fmt.Errorf("open sign-in: %w", err)
	}
	steps := []struct {
		name string
		run  func() error
	}{
		{"email", func() error { return s.page.Locator(sc.EmailInput).First().Fill(s.account.Email) }},
		{"email next", func() error { return s.page.Locator(sc.EmailNext).Click() }},
		{"password", func() error { return s.page.Locator(sc.PasswordInput).First().Fill(secret) }},
		{"password next", func() error { return s.page.Locator(sc.PasswordNext).Click() }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return fmt.Errorf("sign-in %s: %w", step.name, err)
		}
	}
	if err := s.page.WaitForURL("**aistudio.google.com/**", playwright.PageWaitForURLOptions{
		Timeout: playwright.Float(float64(d.opts.StepTimeout.Milliseconds())),
	}); err != nil && isSignInURL(s.page.URL()) {
		return fmt.Errorf("%w: sign-in did not complete (%s)", outcome.ErrPermissionDenied, s.page.URL())
	}

	if _, err := s.page.Goto(sc.StudioURL, playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateDomcontentloaded}); err != nil {
		return fmt.Errorf("open studio: %w", err)
	}
	if isSignInURL(s.page.URL()) {
		return fmt.Errorf("%w: still on sign-in after login", outcome.ErrPermissionDenied)
	}
	return nil
}

func (d *PlaywrightDriver) Execute(ctx context.Context, s Session, item model.WorkItem) (outcome.Signal, error) {
	ps, ok := s.(*pwSession)
	if !ok {
		return outcome.Signal{}, outcome.Fatal(fmt.Errorf("session %T does not belong to playwright", s))
	}
	sc := d.opts.Script
	page := ps.page
	started := time.Now()
	sig := outcome.Signal{Budget: d.opts.GenerationTimeout}

	if page.IsClosed() {
		return sig, outcome.Fatal(errors.New("page closed"))
	}
	if !strings.HasPrefix(page.URL(), sc.StudioURL) {
		if _, err := page.Goto(sc.StudioURL, playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateDomcontentloaded}); err != nil {
			return sig, d.pageErr(page, fmt.Errorf("open studio: %w", err))
		}
	}
	if isSignInURL(page.URL()) {
		sig.URL = page.URL()
		return sig, nil
	}

	if err := page.Locator(sc.PromptInput).Fill(item.Prompt); err != nil {
		return sig, d.pageErr(page, fmt.Errorf("fill prompt: %w", err))
	}
	if item.Kind == model.KindImageToVideo {
		if err := page.Locator(sc.ImageInput).First().SetInputFiles(item.ImagePath); err != nil {
			return sig, d.pageErr(page, fmt.Errorf("upload image: %w", err))
		}
	}
	d.applyParams(page, item.Params)

	if err := page.Locator(sc.RunButton).Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(float64(d.opts.RunButtonTimeout.Milliseconds())),
	}); err != nil {
		return sig, d.pageErr(page, fmt.Errorf("start generation: %w", err))
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

		p, err := d.probe(page)
		if err != nil {
			return sig, d.pageErr(page, err)
		}
		cur := p.signal(started, d.opts.GenerationTimeout)
		if p.Video != "" {
			path, err := d.download(ps, p.Video, OutputName(item))
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

func (d *PlaywrightDriver) applyParams(page playwright.Page, params model.GenerationParams) {
	sc := d.opts.Script
	quick := playwright.Float(5000)
	if params.DurationSec > 0 {
		if err := page.Locator(sc.DurationSelect).Click(playwright.LocatorClickOptions{Timeout: quick}); err == nil {
			opt := page.Locator("xpath=" + sc.DurationOptionXPath(params.DurationSec)).First()
			if err := opt.Click(playwright.LocatorClickOptions{Timeout: quick}); err != nil {
				d.log.Debug("duration option not selectable", zap.Int("duration_sec", params.DurationSec), zap.Error(err))
			}
		}
	}
	if params.AspectRatio != "" {
		btn := page.Locator("xpath=" + sc.AspectRatioXPath(params.AspectRatio)).First()
		if err := btn.Click(playwright.LocatorClickOptions{Timeout: quick}); err != nil {
			d.log.Debug("aspect ratio not selectable", zap.String("aspect_ratio", params.AspectRatio), zap.Error(err))
		}
	}
	confirm := page.Locator("xpath=" + sc.ConfirmXPath)
	if n, err := confirm.Count(); err == nil && n > 0 {
		_ = confirm.First().Click(playwright.LocatorClickOptions{Timeout: quick})
	}
}

func (d *PlaywrightDriver) probe(page playwright.Page) (probe, error) {
	raw, err := page.Evaluate(probeJS)
	if err != nil {
		return probe{}, fmt.Errorf("inspect page: %w", err)
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return probe{}, err
	}
	var p probe
	if err := json.Unmarshal(buf, &p); err != nil {
		return probe{}, fmt.Errorf("decode page probe: %w", err)
	}
	return p, nil
}

func (d *PlaywrightDriver) download(s *pwSession, src, name string) (string, error) {
	if strings.HasPrefix(src, "blob:") || strings.HasPrefix(src, "data:") {
		raw, err := s.page.Evaluate(fetchAsDataURLJS, src)
		if err != nil {
			return "", fmt.Errorf("fetch video in page: %w", err)
		}
		dataURL, _ := raw.(string)
		return writeDataURL(d.opts.DownloadDir, name, dataURL)
	}
	resp, err := s.bctx.Request().Get(src)
	if err != nil {
		return "", fmt.Errorf("download video: %w", err)
	}
	defer resp.Dispose()
	if resp.Status() >= 400 {
		return "", fmt.Errorf("download video: http %d", resp.Status())
	}
	body, err := resp.Body()
	if err != nil {
		return "", fmt.Errorf("read video: %w", err)
	}
	return writeArtifact(d.opts.DownloadDir, name, body)
}

// pageErr escalates to fatal once the page is gone; anything else is worth
// retrying in the same session.
func (d *PlaywrightDriver) pageErr(page playwright.Page, err error) error {
	if page.IsClosed() || errors.Is(err, playwright.ErrTargetClosed) {
		return outcome.Fatal(err)
	}
	if errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("%w: %v", outcome.ErrTimeout, err)
	}
	return outcome.Transient(err)
}

func (d *PlaywrightDriver) Release(ctx context.Context, s Session) error {
	ps, ok := s.(*pwSession)
	if !ok {
		return fmt.Errorf("session %T does not belong to playwright", s)
	}
	if err := ps.bctx.Close(); err != nil && !errors.Is(err, playwright.ErrTargetClosed) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// Close stops the Playwright server process.
func (d *PlaywrightDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pw == nil {
		return nil
	}
	err := d.pw.Stop()
	d.pw = nil
	return err
}
