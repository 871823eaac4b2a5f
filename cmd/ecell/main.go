// ecell is the command-line front-end for E-Cell membership. Each
// invocation restores the session saved by the previous one, runs one
// command, and saves the result.
//
// By default the session lives in a SQLite file (.ecell/session.db) and
// members, registrations and admins in a second one (.ecell/members.db),
// with an admin seeded from ADMIN_PASSWORD. Set ECELL_DATA_URL to use a
// running data service, or DATA_BACKEND=postgres with DATABASE_URL to use
// Postgres directly. The in-process memory store is only used when
// ECELL_SESSION_BACKEND=memory as well.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/ecell-club/membership/internal/config"
	"github.com/ecell-club/membership/internal/session"
)

var errUsage = errors.New("usage error")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		// Bare errUsage means the help text was already printed.
		if err != errUsage {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

// options are the flags shared by every command.
type options struct {
	password string
	status   string
	refresh  bool

	name   string
	email  string
	roll   string
	branch string
	year   int
	phone  string
}

func (o *options) addFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.password, "password", "p", "", "password (default: $ECELL_PASSWORD)")
	fs.StringVar(&o.status, "status", "", "filter members by status (active, pending, inactive)")
	fs.BoolVar(&o.refresh, "refresh", false, "reload the signed-in member from the data service")
	fs.StringVar(&o.name, "name", "", "full name (register)")
	fs.StringVar(&o.email, "email", "", "institutional email (register)")
	fs.StringVar(&o.roll, "roll", "", "roll number (register)")
	fs.StringVar(&o.branch, "branch", "", "branch (register)")
	fs.IntVar(&o.year, "year", 0, "year of study (register)")
	fs.StringVar(&o.phone, "phone", "", "phone number (register)")
	fs.BoolP("help", "h", false, "show help")
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opts options
	flagSet := pflag.NewFlagSet("ecell", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	opts.addFlags(flagSet)

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stderr, flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(stderr, flagSet)
		return nil
	}
	rest := flagSet.Args()
	if len(rest) == 0 {
		printHelp(stderr, flagSet)
		return errUsage
	}
	if opts.password == "" {
		opts.password = os.Getenv("ECELL_PASSWORD")
	}

	// A missing .env is fine; the environment may already be populated.
	_ = config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateClient(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	a, err := openApp(ctx, cfg, logger, stdout)
	if err != nil {
		return err
	}
	defer a.Close()

	err = a.dispatch(ctx, rest, opts)
	var se *session.Error
	if errors.As(err, &se) {
		return errors.New(se.Message)
	}
	return err
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `ecell: E-Cell membership from the command line.

Usage:
  ecell [flags] <command> [args]

Commands:
  register --name N --email E --roll R [--branch B --year Y --phone P]
  login <email-or-roll-number>
  logout
  whoami [--refresh]
  admin login <username>
  admin logout
  admin users [--status S]
  admin registrations
  admin set-status <user-id> <status>

Passwords come from --password or $ECELL_PASSWORD.

Flags:
`)
	flagSet.SetOutput(w)
	flagSet.PrintDefaults()
}
