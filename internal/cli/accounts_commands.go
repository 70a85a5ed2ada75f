package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"gridvid/internal/accounts"
	"gridvid/internal/intake"
	"gridvid/internal/model"
)

func runAccounts(args []string) error {
	if len(args) == 0 {
		printAccountsUsage()
		return nil
	}
	switch args[0] {
	case "add":
		return runAccountsAdd(args[1:])
	case "list":
		return runAccountsList(args[1:])
	case "remove":
		return runAccountsRemove(args[1:])
	case "import":
		return runAccountsImport(args[1:])
	case "reset":
		return runAccountsReset(args[1:])
	case "help", "-h", "--help":
		printAccountsUsage()
		return nil
	default:
		printAccountsUsage()
		return fmt.Errorf("unknown accounts subcommand %q", args[0])
	}
}

func printAccountsUsage() {
	fmt.Println("gridvid accounts: manage the account pool")
	fmt.Println()
	fmt.Println("  gridvid accounts add --email <email> [--password-stdin]")
	fmt.Println("  gridvid accounts list [--json]")
	fmt.Println("  gridvid accounts remove --account <id|email> [--yes]")
	fmt.Println("  gridvid accounts import --file <accounts.csv>")
	fmt.Println("  gridvid accounts reset [--account <id|email>]...")
}

// withStore opens the account store for the duration of fn.
func withStore(fn func(ctx context.Context, store *accounts.Store) error) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(context.Background(), store)
}

func runAccountsAdd(args []string) error {
	fs := flag.NewFlagSet("accounts add", flag.ContinueOnError)
	email := fs.String("email", "", "account email")
	passwordStdin := fs.Bool("password-stdin", false, "read the password from stdin")
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	addr := strings.TrimSpace(*email)
	if addr == "" {
		var err error
		addr, err = promptRequired("email")
		if err != nil {
			return err
		}
	}
	var secret string
	var err error
	if *passwordStdin {
		secret, err = readSecretLine(os.Stdin, "password")
	} else {
		secret, err = promptRequired("password")
	}
	if err != nil {
		return err
	}

	return withStore(func(ctx context.Context, store *accounts.Store) error {
		acct, err := store.Add(ctx, accounts.Credential{Email: addr, Secret: secret})
		if err != nil {
			return err
		}
		if *jsonOut {
			return printJSON(acct)
		}
		fmt.Printf("added account %s\n", acct.Email)
		fmt.Printf("id: %s\n", acct.ID)
		return nil
	})
}

func runAccountsList(args []string) error {
	fs := flag.NewFlagSet("accounts list", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withStore(func(ctx context.Context, store *accounts.Store) error {
		list, err := store.GetAll(ctx)
		if err != nil {
			return err
		}
		if *jsonOut {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("no accounts (add one with: gridvid accounts add --email <email>)")
			return nil
		}
		for _, acct := range list {
			fmt.Println(formatAccountLine(acct))
		}
		return nil
	})
}

func formatAccountLine(acct model.Account) string {
	line := fmt.Sprintf("%s  %-32s  %s", acct.ID, acct.Email, acct.Status)
	if acct.Reason != "" {
		line += " (" + acct.Reason + ")"
	}
	if acct.LastLogin != "" {
		line += "  last_login=" + acct.LastLogin
	}
	return line
}

func runAccountsRemove(args []string) error {
	fs := flag.NewFlagSet("accounts remove", flag.ContinueOnError)
	target := fs.String("account", "", "account id or email")
	yes := fs.Bool("yes", false, "skip confirmation")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	key := strings.TrimSpace(*target)
	if key == "" {
		return errors.New("--account is required")
	}

	return withStore(func(ctx context.Context, store *accounts.Store) error {
		acct, err := store.Find(ctx, key)
		if err != nil {
			return err
		}
		if !*yes {
			ok, err := promptConfirm(fmt.Sprintf("remove account %s? [y/N]: ", acct.Email))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("aborted")
				return nil
			}
		}
		if err := store.Remove(ctx, acct.ID); err != nil {
			return err
		}
		fmt.Printf("removed account %s\n", acct.Email)
		return nil
	})
}

func runAccountsImport(args []string) error {
	fs := flag.NewFlagSet("accounts import", flag.ContinueOnError)
	file := fs.String("file", "", "CSV file of email,password rows")
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	path := strings.TrimSpace(*file)
	if path == "" && fs.NArg() > 0 {
		path = strings.TrimSpace(fs.Arg(0))
	}
	if path == "" {
		return errors.New("--file is required")
	}

	rows, err := intake.LoadAccountsCSV(path)
	if err != nil {
		return err
	}
	return withStore(func(ctx context.Context, store *accounts.Store) error {
		res, err := store.Import(ctx, rows.Credentials)
		if err != nil {
			return err
		}
		res.Invalid = append(rows.Invalid, res.Invalid...)
		if *jsonOut {
			return printJSON(res)
		}

		fmt.Printf("import: %s\n", path)
		fmt.Printf("added: %d\n", len(res.Added))
		fmt.Printf("skipped_duplicates: %d\n", len(res.Skipped))
		fmt.Printf("invalid: %d\n", len(res.Invalid))
		for _, email := range res.Skipped {
			fmt.Printf("  duplicate: %s\n", email)
		}
		for _, msg := range res.Invalid {
			fmt.Printf("  invalid: %s\n", msg)
		}
		if len(res.Added) > 0 {
			fmt.Println("next: gridvid run --items <prompts.txt>")
		}
		return nil
	})
}

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			*m = append(*m, p)
		}
	}
	return nil
}

func runAccountsReset(args []string) error {
	fs := flag.NewFlagSet("accounts reset", flag.ContinueOnError)
	var targets multiFlag
	fs.Var(&targets, "account", "account id or email to reset (repeatable; default all)")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withStore(func(ctx context.Context, store *accounts.Store) error {
		ids, err := resolveAccountIDs(ctx, store, targets)
		if err != nil {
			return err
		}
		n, err := store.ResetStatuses(ctx, ids)
		if err != nil {
			return err
		}
		fmt.Printf("reset %d account(s) to %s\n", n, model.AccountReady)
		return nil
	})
}

type accountFinder interface {
	Find(ctx context.Context, idOrEmail string) (model.Account, error)
}

// resolveAccountIDs maps ids or emails to account ids, keeping order and
// dropping repeats. An empty selection stays empty and means every account.
func resolveAccountIDs(ctx context.Context, store accountFinder, selectors []string) ([]string, error) {
	if len(selectors) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(selectors))
	ids := make([]string, 0, len(selectors))
	for _, sel := range selectors {
		acct, err := store.Find(ctx, sel)
		if err != nil {
			return nil, err
		}
		if seen[acct.ID] {
			continue
		}
		seen[acct.ID] = true
		ids = append(ids, acct.ID)
	}
	return ids, nil
}
