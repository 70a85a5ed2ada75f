package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gridvid/internal/accounts"
	"gridvid/internal/driver"
	"gridvid/internal/progress"
	"gridvid/internal/settings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// app is the per-invocation environment: config from the environment and a
// logger built from it.
type app struct {
	cfg settings.Config
	log *zap.Logger
}

func loadApp() (*app, error) {
	cfg, err := settings.LoadConfig()
	if err != nil {
		return nil, err
	}
	log, err := cfg.NewLogger()
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log}, nil
}

func (a *app) close() {
	_ = a.log.Sync()
}

// quiet raises the log level so a full-screen UI is not scribbled over.
func (a *app) quiet() {
	a.log = a.log.WithOptions(zap.IncreaseLevel(zapcore.ErrorLevel))
}

func (a *app) openStore() (*accounts.Store, error) {
	if strings.TrimSpace(a.cfg.SecretKey) == "" {
		return nil, errors.New("GRIDVID_SECRET_KEY is not set (run gridvid doctor)")
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return accounts.Open(a.cfg.DBPath, a.cfg.SecretKey)
}

func (a *app) runtime(o settings.Overrides) (settings.Runtime, error) {
	s, err := settings.Read(a.cfg.SettingsPath)
	if err != nil {
		return settings.Runtime{}, err
	}
	return settings.ResolveRuntime(s, o)
}

func (a *app) newDriver(rt settings.Runtime) (driver.Driver, error) {
	return driver.New(rt.Driver, driver.Options{
		ProfilesDir:       a.cfg.ProfilesDir,
		DownloadDir:       rt.DownloadDir,
		ChromePath:        a.cfg.ChromePath,
		Headless:          rt.Headless,
		InstallBrowsers:   strings.TrimSpace(a.cfg.ChromePath) == "",
		GenerationTimeout: rt.GenerationTimeout,
		Logger:            a.log,
	})
}

// sinks fans progress out to the log, the optional Redis stream and any
// caller-supplied sinks. The returned func releases what it opened.
func (a *app) sinks(ctx context.Context, extra ...progress.Sink) (progress.Sink, func()) {
	out := progress.Multi{progress.NewZapSink(a.log)}
	out = append(out, extra...)

	var redis *progress.RedisSink
	if addr := strings.TrimSpace(a.cfg.RedisAddr); addr != "" {
		redis = progress.NewRedisSink(progress.RedisOptions{
			Addr:     addr,
			Password: a.cfg.RedisPassword,
			Stream:   a.cfg.RedisStream,
		}, a.log)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := redis.Ping(pingCtx)
		cancel()
		if err != nil {
			a.log.Warn("redis unavailable, events not published", zap.String("addr", addr), zap.Error(err))
			_ = redis.Close()
			redis = nil
		} else {
			out = append(out, redis)
		}
	}

	async := progress.NewAsync(out, 256)
	return async, func() {
		async.Close()
		if redis != nil {
			_ = redis.Close()
		}
	}
}

func closeDriver(d driver.Driver) {
	if c, ok := d.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}
