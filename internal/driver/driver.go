package driver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gridvid/internal/model"
	"gridvid/internal/outcome"

	"go.uber.org/zap"
)

// Session is a live automation context bound to one account.
type Session interface {
	AccountID() string
}

// Driver launches sessions and executes work items in them. Release must be
// safe to call while Execute is still blocked on the same session; it is the
// forced-close path used when a batch is stopped.
type Driver interface {
	Acquire(ctx context.Context, account model.Account, secret string) (Session, error)
	Execute(ctx context.Context, s Session, item model.WorkItem) (outcome.Signal, error)
	Release(ctx context.Context, s Session) error
}

type SessionAcquisitionError struct {
	AccountID string
	Err       error
}

func (e *SessionAcquisitionError) Error() string {
	return fmt.Sprintf("acquire session for account %s: %v", e.AccountID, e.Err)
}

func (e *SessionAcquisitionError) Unwrap() error { return e.Err }

const (
	NamePlaywright = "playwright"
	NameChromedp   = "chromedp"
)

type Options struct {
	ProfilesDir string
	DownloadDir string
	ChromePath  string
	Headless    bool
	// InstallBrowsers downloads Playwright's driver and browsers on first use.
	InstallBrowsers bool

	GenerationTimeout time.Duration
	StepTimeout       time.Duration
	RunButtonTimeout  time.Duration
	Script            Script
	Logger            *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.GenerationTimeout <= 0 {
		o.GenerationTimeout = DefaultGenerationTimeout
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = 30 * time.Second
	}
	if o.RunButtonTimeout <= 0 {
		o.RunButtonTimeout = 60 * time.Second
	}
	if o.Script.StudioURL == "" {
		o.Script = DefaultScript()
	}
	if o.DownloadDir == "" {
		o.DownloadDir = "downloads"
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func Names() []string {
	return []string{NamePlaywright, NameChromedp}
}

// New builds the named browser driver. Both returned drivers also implement
// io.Closer for process-level cleanup.
func New(name string, opts Options) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NamePlaywright:
		return NewPlaywright(opts), nil
	case NameChromedp:
		return NewChromedp(opts), nil
	}
	return nil, fmt.Errorf("unknown driver %q (expected %s)", name, strings.Join(Names(), " or "))
}
