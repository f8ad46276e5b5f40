// Command migrate applies or rolls back the bar archive schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/livefeed/internal/infra/persistence/migrations"
	"github.com/coachpo/livefeed/internal/observability"
)

const (
	dsnEnv         = "LIVEFEED_DATABASE_DSN"
	defaultTimeout = 30 * time.Second
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		dsn     = fs.String("database", os.Getenv(dsnEnv), "PostgreSQL DSN (defaults to $"+dsnEnv+")")
		dir     = fs.String("path", "", "Directory containing SQL migrations (default: embedded migrations)")
		timeout = fs.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = fs.Bool("quiet", false, "Suppress informational logs")
	)
	if err := fs.Parse(argv); err != nil {
		return err
	}

	args := fs.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down|versions)")
	}

	if args[0] == "versions" {
		versions, err := migrations.EmbeddedVersions()
		if err != nil {
			return err
		}
		for _, v := range versions {
			fmt.Println(v)
		}
		return nil
	}

	if strings.TrimSpace(*dsn) == "" {
		return fmt.Errorf("-database flag or %s is required", dsnEnv)
	}

	logger := observability.Nop()
	if !*quiet {
		zl, err := observability.NewZapLogger("livefeed-migrate", "info", "console")
		if err != nil {
			return err
		}
		defer func() { _ = zl.Sync() }()
		logger = zl
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		return migrations.Apply(ctx, *dsn, *dir, logger)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		return migrations.Rollback(ctx, *dsn, *dir, steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up, down or versions)", args[0])
	}
}
