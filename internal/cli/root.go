package cli

import "fmt"

func Run(args []string) error {
	if len(args) == 0 {
		printRootUsage()
		return nil
	}

	switch args[0] {
	case "init":
		return runInit(args[1:])
	case "doctor":
		return runDoctor(args[1:])
	case "accounts":
		return runAccounts(args[1:])
	case "run":
		return runBatch(args[1:])
	case "resume":
		return runResume(args[1:])
	case "status":
		return runStatus(args[1:])
	case "settings":
		return runSettings(args[1:])
	case "serve":
		return runServe(args[1:])
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		printRootUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printRootUsage() {
	fmt.Println("gridvid: batch video generation across many accounts")
	fmt.Println()
	fmt.Println("Quick Start:")
	fmt.Println("  gridvid init")
	fmt.Println("  gridvid accounts import --file accounts.csv")
	fmt.Println("  gridvid run --items prompts.txt")
	fmt.Println("  gridvid status --latest")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init      create workspace directories + settings and run checks")
	fmt.Println("  doctor    run dependency, database and filesystem checks")
	fmt.Println("  accounts  add/list/remove/import accounts and reset their status")
	fmt.Println("  run       generate one video per work item across the account pool")
	fmt.Println("  resume    continue an interrupted or stopped run")
	fmt.Println("  status    show the journal of a run")
	fmt.Println("  settings  show/update persisted settings")
	fmt.Println("  serve     expose the batch controller over HTTP")
	fmt.Println()
	fmt.Println("Notes:")
	fmt.Println("  - Use --json on commands for machine-readable output")
	fmt.Println("  - Environment: GRIDVID_SECRET_KEY encrypts stored passwords (required)")
	fmt.Println("  - Environment: GRIDVID_DATA_DIR, GRIDVID_RUNS_DIR, GRIDVID_LOG_LEVEL, GRIDVID_REDIS_ADDR")
}
