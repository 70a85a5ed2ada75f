package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gridvid/internal/api"
	"gridvid/internal/progress"
	"gridvid/internal/runctl"
	"gridvid/internal/settings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", "", "listen address (default from GRIDVID_API_ADDR)")
	drvName := fs.String("driver", "", "browser driver: playwright|chromedp")
	headless := fs.Bool("headless", true, "run browsers headless")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	rt, err := a.runtime(settings.Overrides{Driver: strings.TrimSpace(*drvName), Headless: boolPtr(*headless)})
	if err != nil {
		return err
	}
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	drv, err := a.newDriver(rt)
	if err != nil {
		return err
	}
	defer closeDriver(drv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recorder := progress.NewRecorder(500)
	sink, release := a.sinks(ctx, recorder)
	defer release()

	ctl := runctl.New(runctl.Options{
		Store:             store,
		Driver:            drv,
		Sink:              sink,
		Logger:            a.log,
		RunsDir:           a.cfg.RunsDir,
		Concurrency:       rt.Concurrency,
		Policy:            rt.Policy,
		ForceCloseTimeout: rt.ForceCloseTimeout,
	})
	srv := api.New(api.Options{
		Controller:   ctl,
		Accounts:     store,
		Events:       recorder,
		SettingsPath: a.cfg.SettingsPath,
		// Batches outlive the request that started them.
		BaseContext: context.Background(),
		Logger:      a.log,
	})

	listen := strings.TrimSpace(*addr)
	if listen == "" {
		listen = a.cfg.APIAddr
	}
	fmt.Printf("serving on http://%s (driver %s)\n", listen, rt.Driver)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, listen)
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), rt.ForceCloseTimeout+30*time.Second)
		defer cancel()
		if err := ctl.Stop(stopCtx); err != nil {
			a.log.Warn("stop active batch", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}
