package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"gridvid/internal/settings"
)

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	res, err := settings.InitWorkspace(context.Background(), a.cfg)
	if err != nil {
		return err
	}
	if *jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
		if !res.DoctorResult.OK {
			return errors.New("doctor checks failed")
		}
		return nil
	}

	fmt.Println("workspace initialized")
	fmt.Printf("data_dir: %s\n", res.DataDir)
	fmt.Printf("runs_dir: %s\n", res.RunsDir)
	fmt.Printf("settings: %s\n", res.SettingsPath)
	fmt.Printf("created_runs_dir: %t\n", res.CreatedRunsDir)
	fmt.Printf("created_settings: %t\n", res.CreatedSettings)
	fmt.Println("checks:")
	printChecks("  ", res.DoctorResult)
	if !res.DoctorResult.OK {
		return errors.New("doctor checks failed")
	}
	fmt.Println("next: gridvid accounts import --file <accounts.csv>")
	return nil
}

func runDoctor(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	res, err := settings.Doctor(context.Background(), a.cfg)
	if err != nil {
		return err
	}
	if *jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
		if !res.OK {
			return errors.New("doctor checks failed")
		}
		return nil
	}

	printChecks("", res)
	if !res.OK {
		return errors.New("doctor checks failed")
	}
	fmt.Println("doctor: all checks passed")
	return nil
}

func printChecks(indent string, res settings.DoctorResult) {
	for _, c := range res.Checks {
		status := "ok"
		switch {
		case !c.OK && c.Optional:
			status = "warn"
		case !c.OK:
			status = "fail"
		}
		fmt.Printf("%s%s: %s (%s)\n", indent, c.Name, status, c.Message)
	}
}
