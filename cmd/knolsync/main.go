package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/conorfennell/knolsync/internal/config"
	"github.com/conorfennell/knolsync/internal/logger"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func usage(w io.Writer) {
	fmt.Fprintf(w, `knolsync %s: spaced repetition with offline sync

Usage: knolsync <command> [flags] [args]

Commands:
  serve                  run the HTTP API, background sync and reminders
  mcp                    serve the deck as MCP tools on stdio
  add <phrase> [meaning] add one phrase
  import <file|->        import P:/T: phrase blocks
  review <id> <rating>   record a review (again, hard, good, easy or 0-3)
  due                    list items due now
  upcoming [--days N]    list items coming due
  stats                  retention statistics
  sync                   sync with the remote now
  status                 show sync status
  hydrate                pull the remote deck onto this device
  clear                  delete all local data for the user

Run 'knolsync <command> --help' for flags.
`, Version)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		usage(stderr)
		return pflag.ErrHelp
	}
	name := args[0]
	switch name {
	case "help", "-h", "--help":
		usage(stdout)
		return nil
	case "version", "--version", "-v":
		fmt.Fprintln(stdout, Version)
		return nil
	}

	cmd, ok := commands[name]
	if !ok {
		usage(stderr)
		return fmt.Errorf("unknown command %q", name)
	}

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	config.RegisterFlags(fs)
	if cmd.flags != nil {
		cmd.flags(fs)
	}
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if fs.NArg() < cmd.minArgs {
		return fmt.Errorf("%s: expected %s", name, cmd.usage)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		return err
	}

	log, closer, err := logger.New(logger.Options{Level: cfg.Log.Level, File: cfg.Log.File, Output: stderr})
	defer closer.Close()
	if err != nil {
		log.Warn("logger configured with fallbacks", "error", err)
	}

	a, err := newApp(ctx, cfg, log, cmd.longRunning)
	if err != nil {
		return err
	}
	defer a.Close()

	return cmd.run(ctx, a, &invocation{fs: fs, stdin: stdin, stdout: stdout})
}
