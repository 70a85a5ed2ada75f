package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"gridvid/internal/intake"
	"gridvid/internal/model"
	"gridvid/internal/progress"
	"gridvid/internal/runctl"
	"gridvid/internal/runstore"
	"gridvid/internal/scheduler"
	"gridvid/internal/settings"
)

type batchFlags struct {
	accounts    multiFlag
	concurrency *int
	policy      *string
	maxAttempts *int
	driver      *string
	downloadDir *string
	headless    *bool
	tui         *bool
	noProgress  *bool
	jsonOut     *bool
}

func addBatchFlags(fs *flag.FlagSet) *batchFlags {
	f := &batchFlags{}
	fs.Var(&f.accounts, "account", "account id or email to use (repeatable or comma-separated; default all)")
	f.concurrency = fs.Int("concurrency", 0, "max concurrent accounts (0 = settings default)")
	f.policy = fs.String("policy", "", "rotation policy: "+strings.Join(scheduler.PolicyNames(), "|"))
	f.maxAttempts = fs.Int("max-attempts", 0, "attempts per item before it fails (0 = policy default)")
	f.driver = fs.String("driver", "", "browser driver: playwright|chromedp")
	f.downloadDir = fs.String("download-dir", "", "directory for generated videos")
	f.headless = fs.Bool("headless", false, "run browsers headless")
	f.tui = fs.Bool("tui", false, "interactive monitor (pause/resume/stop/concurrency keys)")
	f.noProgress = fs.Bool("no-progress", false, "disable the live dashboard")
	f.jsonOut = fs.Bool("json", false, "print the run result as JSON")
	return f
}

func (f *batchFlags) overrides(fs *flag.FlagSet) settings.Overrides {
	o := settings.Overrides{
		Concurrency:     *f.concurrency,
		Policy:          strings.TrimSpace(*f.policy),
		MaxItemAttempts: *f.maxAttempts,
		Driver:          strings.TrimSpace(*f.driver),
		DownloadDir:     strings.TrimSpace(*f.downloadDir),
	}
	fs.Visit(func(fl *flag.Flag) {
		if fl.Name == "headless" {
			o.Headless = boolPtr(*f.headless)
		}
	})
	return o
}

func runBatch(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	itemsPath := fs.String("items", "", "work items file (.txt, .csv or .json)")
	bf := addBatchFlags(fs)
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := strings.TrimSpace(*itemsPath)
	if path == "" && fs.NArg() > 0 {
		path = strings.TrimSpace(fs.Arg(0))
	}
	if path == "" {
		return errors.New("--items is required")
	}
	items, err := intake.LoadItems(path)
	if err != nil {
		return err
	}

	return executeBatch(batchRequest{
		items:     items,
		selectors: bf.accounts,
		overrides: bf.overrides(fs),
		tui:       *bf.tui,
		dashboard: !*bf.noProgress,
		jsonOut:   *bf.jsonOut,
	})
}

func runResume(args []string) error {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id to resume")
	latest := fs.Bool("latest", false, "resume the most recent run")
	bf := addBatchFlags(fs)
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := settings.LoadConfig()
	if err != nil {
		return err
	}
	runDir, err := runstore.ResolveRunDir(cfg.RunsDir, *runID, *latest)
	if err != nil {
		return err
	}
	mf, err := runstore.LoadManifest(runDir)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runDir, err)
	}
	reset := runstore.ResetInterruptedItems(&mf)
	if mf.Pending == 0 {
		fmt.Printf("run %s has nothing left to process (completed %d, failed %d)\n", mf.RunID, mf.Completed, mf.Failed)
		return nil
	}

	o := bf.overrides(fs)
	if o.Policy == "" {
		o.Policy = mf.Policy
	}
	if o.Concurrency <= 0 {
		o.Concurrency = mf.Concurrency
	}
	selectors := []string(bf.accounts)
	if len(selectors) == 0 {
		selectors = mf.AccountOrder
	}
	if !*bf.jsonOut {
		fmt.Printf("resuming run %s: %d pending (%d reset after interruption)\n", mf.RunID, mf.Pending, reset)
	}

	return executeBatch(batchRequest{
		runID:     filepath.Base(runDir),
		items:     mf.Items,
		selectors: selectors,
		overrides: o,
		tui:       *bf.tui,
		dashboard: !*bf.noProgress,
		jsonOut:   *bf.jsonOut,
	})
}

type batchRequest struct {
	runID     string
	items     []model.WorkItem
	selectors []string
	overrides settings.Overrides
	tui       bool
	dashboard bool
	jsonOut   bool
}

func executeBatch(req batchRequest) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()
	if req.tui {
		a.quiet()
	}

	rt, err := a.runtime(req.overrides)
	if err != nil {
		return err
	}
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ids, err := resolveAccountIDs(ctx, store, req.selectors)
	if err != nil {
		return err
	}
	drv, err := a.newDriver(rt)
	if err != nil {
		return err
	}
	defer closeDriver(drv)

	recorder := progress.NewRecorder(200)
	extra := []progress.Sink{recorder}
	var dash *progress.Dashboard
	if req.dashboard && !req.tui && !req.jsonOut && stdoutIsTTY() {
		dash = progress.NewDashboard(os.Stdout)
		extra = append(extra, dash)
	}
	sink, release := a.sinks(ctx, extra...)
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
	if _, err := ctl.Start(ctx, runctl.StartRequest{
		RunID:      req.runID,
		Items:      req.items,
		AccountIDs: ids,
	}); err != nil {
		return err
	}

	if req.tui {
		if err := runMonitor(ctl, recorder); err != nil {
			_ = ctl.Stop(context.Background())
			return err
		}
	} else if dash != nil {
		dash.Start()
	}
	res, err := ctl.Wait(context.Background())
	if dash != nil {
		dash.Stop()
	}
	if err != nil {
		return err
	}
	runDir := ctl.Status().RunDir

	if req.jsonOut {
		return printJSON(res)
	}
	printBatchResult(res, runDir)
	return nil
}

func printBatchResult(res scheduler.Result, runDir string) {
	fmt.Println(res.Summary())
	if runDir != "" {
		fmt.Printf("run_dir: %s\n", runDir)
	}
	if res.PeakActive > 0 {
		fmt.Printf("peak_active_accounts: %d\n", res.PeakActive)
	}
	for _, ar := range res.Accounts {
		line := fmt.Sprintf("  %s: %s (completed %d, failed %d)", ar.Email, ar.Status, ar.Completed, ar.Failed)
		if ar.Reason != "" {
			line += " - " + ar.Reason
		}
		fmt.Println(line)
	}
	if len(res.Unprocessed) == 0 {
		return
	}
	fmt.Printf("unprocessed: %d\n", len(res.Unprocessed))
	for i, u := range res.Unprocessed {
		if i == 10 {
			fmt.Printf("  ... and %d more\n", len(res.Unprocessed)-i)
			break
		}
		fmt.Printf("  #%d %s: %s\n", u.Index, u.Status, u.Reason)
	}
	fmt.Printf("next: gridvid resume --run-id %s\n", res.RunID)
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", true, "use the most recent run when --run-id is empty")
	items := fs.Bool("items", false, "list every item")
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := settings.LoadConfig()
	if err != nil {
		return err
	}
	runDir, err := runstore.ResolveRunDir(cfg.RunsDir, *runID, *latest)
	if err != nil {
		return err
	}
	mf, err := runstore.LoadManifest(runDir)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runDir, err)
	}
	if *jsonOut {
		return printJSON(mf)
	}
	printManifest(mf, runDir, *items)
	return nil
}

func printManifest(mf model.BatchManifest, runDir string, withItems bool) {
	fmt.Printf("run: %s\n", mf.RunID)
	fmt.Printf("run_dir: %s\n", runDir)
	fmt.Printf("state: %s\n", mf.State)
	fmt.Printf("updated: %s\n", mf.GeneratedAt)
	fmt.Printf("policy: %s\n", mf.Policy)
	fmt.Printf("concurrency: %d\n", mf.Concurrency)
	fmt.Printf("items: total=%d completed=%d failed=%d pending=%d running=%d interrupted=%d\n",
		mf.Total, mf.Completed, mf.Failed, mf.Pending, mf.Running, mf.Interrupted)
	if len(mf.Accounts) > 0 {
		fmt.Println("accounts:")
		for _, ar := range mf.Accounts {
			line := fmt.Sprintf("  %s: %s (completed %d, failed %d)", ar.Email, ar.Status, ar.Completed, ar.Failed)
			if ar.Reason != "" {
				line += " - " + ar.Reason
			}
			fmt.Println(line)
		}
	}
	if withItems {
		fmt.Println("items:")
		for _, it := range mf.Items {
			line := fmt.Sprintf("  %s %s", it.Label(), it.Status)
			switch {
			case it.Output != "":
				line += " -> " + it.Output
			case it.Reason != "":
				line += " (" + it.Reason + ")"
			}
			fmt.Println(line)
		}
	}
	if mf.Pending+mf.Interrupted+mf.Running > 0 {
		fmt.Printf("next: gridvid resume --run-id %s\n", mf.RunID)
	}
}

func stdoutIsTTY() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
