package cli

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"gridvid/internal/settings"
)

func runSettings(args []string) error {
	if len(args) == 0 {
		printSettingsUsage()
		return nil
	}
	switch args[0] {
	case "show":
		return runSettingsShow(args[1:])
	case "set":
		return runSettingsSet(args[1:])
	case "help", "-h", "--help":
		printSettingsUsage()
		return nil
	default:
		printSettingsUsage()
		return fmt.Errorf("unknown settings subcommand %q", args[0])
	}
}

func runSettingsShow(args []string) error {
	fs := flag.NewFlagSet("settings show", flag.ContinueOnError)
	config := fs.String("config", "", "settings path (default from GRIDVID_SETTINGS_PATH)")
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	path, err := settingsPath(*config)
	if err != nil {
		return err
	}
	s, err := settings.Read(path)
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(settings.UpdateResult{SettingsPath: path, Settings: s})
	}
	printSettings(path, s)
	return nil
}

// settingFlags maps flag names to settings keys.
var settingFlags = []struct{ flag, key, help string }{
	{"concurrency", "max_concurrency", "max concurrent accounts (>=1)"},
	{"download-dir", "download_dir", "directory for generated videos"},
	{"policy", "rotation_policy", "rotation policy: retry-in-place|rotate-on-failure"},
	{"max-attempts", "max_item_attempts", "attempts per item (0 = policy default)"},
	{"driver", "driver", "browser driver: playwright|chromedp"},
	{"headless", "headless", "run browsers headless: true|false"},
	{"generation-timeout-sec", "generation_timeout_sec", "seconds to wait for one generation"},
	{"force-close-timeout-sec", "force_close_timeout_sec", "seconds to wait for sessions on stop"},
}

func runSettingsSet(args []string) error {
	fs := flag.NewFlagSet("settings set", flag.ContinueOnError)
	config := fs.String("config", "", "settings path (default from GRIDVID_SETTINGS_PATH)")
	values := make(map[string]*string, len(settingFlags))
	for _, sf := range settingFlags {
		values[sf.flag] = fs.String(sf.flag, "", sf.help+" (empty keeps current)")
	}
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	path, err := settingsPath(*config)
	if err != nil {
		return err
	}
	s, err := settings.Read(path)
	if err != nil {
		return err
	}

	changed := 0
	for _, sf := range settingFlags {
		v := strings.TrimSpace(*values[sf.flag])
		if v == "" {
			continue
		}
		if s, err = settings.Set(s, sf.key, v); err != nil {
			return fmt.Errorf("--%s: %w", sf.flag, err)
		}
		changed++
	}
	// key=value pairs are accepted as well
	for _, arg := range fs.Args() {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("expected key=value, got %q", arg)
		}
		if s, err = settings.Set(s, strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return err
		}
		changed++
	}
	if changed == 0 {
		return errors.New("nothing to update (see gridvid settings set -h)")
	}

	res, err := settings.Update(path, s)
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(res)
	}
	fmt.Printf("updated settings in %s\n", res.SettingsPath)
	printSettings(res.SettingsPath, res.Settings)
	return nil
}

func settingsPath(flagValue string) (string, error) {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p, nil
	}
	cfg, err := settings.LoadConfig()
	if err != nil {
		return "", err
	}
	return cfg.SettingsPath, nil
}

func printSettings(path string, s settings.Settings) {
	fmt.Printf("settings: %s\n", path)
	fmt.Printf("max_concurrency: %d\n", s.MaxConcurrency)
	fmt.Printf("rotation_policy: %s\n", s.RotationPolicy)
	if s.MaxItemAttempts > 0 {
		fmt.Printf("max_item_attempts: %d\n", s.MaxItemAttempts)
	} else {
		fmt.Println("max_item_attempts: (policy default)")
	}
	fmt.Printf("driver: %s\n", s.Driver)
	fmt.Printf("headless: %t\n", s.Headless)
	fmt.Printf("download_dir: %s\n", s.DownloadDir)
	fmt.Printf("generation_timeout_sec: %d\n", s.GenerationTimeoutSec)
	fmt.Printf("force_close_timeout_sec: %d\n", s.ForceCloseTimeoutSec)
}

func printSettingsUsage() {
	fmt.Println("gridvid settings: persisted run defaults")
	fmt.Println()
	fmt.Println("  gridvid settings show [--json]")
	fmt.Println("  gridvid settings set [--concurrency N] [--policy NAME] [--driver NAME] [key=value ...]")
	fmt.Println()
	fmt.Println("Keys:")
	for _, sf := range settingFlags {
		fmt.Printf("  %-24s %s\n", sf.key, sf.help)
	}
}
