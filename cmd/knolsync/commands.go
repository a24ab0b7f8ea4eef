package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/mcp"
	"github.com/conorfennell/knolsync/internal/parser"
	"github.com/conorfennell/knolsync/internal/web"
)

const shutdownTimeout = 5 * time.Second

// invocation is what a command sees of its command line.
type invocation struct {
	fs     *pflag.FlagSet
	stdin  io.Reader
	stdout io.Writer
}

func (inv *invocation) arg(i int) string { return inv.fs.Arg(i) }

func (inv *invocation) printJSON(v any) error {
	enc := json.NewEncoder(inv.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type command struct {
	usage       string
	minArgs     int
	longRunning bool
	flags       func(fs *pflag.FlagSet)
	run         func(ctx context.Context, a *app, inv *invocation) error
}

var commands = map[string]command{
	"serve":  {usage: "serve", longRunning: true, run: runServe},
	"mcp":    {usage: "mcp", longRunning: true, run: runMCP},
	"add":    {usage: "add <phrase> [meaning]", minArgs: 1, run: runAdd},
	"import": {usage: "import <file|->", minArgs: 1, run: runImport},
	"review": {usage: "review <id> <rating>", minArgs: 2, run: runReview},
	"due":    {usage: "due", run: runDue},
	"upcoming": {
		usage: "upcoming [--days N]",
		flags: func(fs *pflag.FlagSet) { fs.Int("days", 0, "horizon in days (defaults to upcoming_days)") },
		run:   runUpcoming,
	},
	"stats":   {usage: "stats", run: runStats},
	"sync":    {usage: "sync", run: runSync},
	"status":  {usage: "status", run: runStatus},
	"hydrate": {usage: "hydrate", run: runHydrate},
	"clear": {
		usage: "clear --yes",
		flags: func(fs *pflag.FlagSet) { fs.Bool("yes", false, "confirm deleting all local data") },
		run:   runClear,
	},
}

func runServe(ctx context.Context, a *app, inv *invocation) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           web.NewServer(a.deck, a.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if n, err := a.deck.ScheduleReminders(ctx); err != nil {
		a.logger.Warn("failed to schedule reminders", "error", err)
	} else {
		a.logger.Info("reminders scheduled", "items", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.dispatcher.Run(gctx, a.cfg.Notify.Poll)
		return nil
	})
	g.Go(func() error {
		a.deck.RunSyncLoop(gctx, a.cfg.Sync.Interval)
		return nil
	})
	g.Go(func() error {
		a.logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.logger.Info("server stopped")
	return err
}

func runMCP(ctx context.Context, a *app, inv *invocation) error {
	if _, err := a.deck.ScheduleReminders(ctx); err != nil {
		a.logger.Warn("failed to schedule reminders", "error", err)
	}
	go a.dispatcher.Run(ctx, a.cfg.Notify.Poll)
	return mcp.Run(a.deck, Version)
}

func runAdd(ctx context.Context, a *app, inv *invocation) error {
	item, res, err := a.deck.AddPhrase(ctx, domain.Phrase{Content: inv.arg(0), Translation: inv.arg(1)})
	if err != nil {
		return err
	}
	return inv.printJSON(map[string]any{"item": item, "result": res})
}

func runImport(ctx context.Context, a *app, inv *invocation) error {
	var (
		phrases []domain.Phrase
		err     error
	)
	if src := inv.arg(0); src == "-" {
		phrases, err = parser.Parse(inv.stdin)
	} else {
		phrases, err = parser.ParseFile(src)
	}
	if err != nil {
		return err
	}
	res, err := a.deck.Import(ctx, phrases)
	if err != nil {
		return err
	}
	return inv.printJSON(res)
}

func runReview(ctx context.Context, a *app, inv *invocation) error {
	rating, err := domain.ParseRating(inv.arg(1))
	if err != nil {
		return err
	}
	item, err := a.deck.Review(ctx, inv.arg(0), rating)
	if err != nil {
		return err
	}
	return inv.printJSON(item)
}

func runDue(ctx context.Context, a *app, inv *invocation) error {
	items, err := a.deck.Due(ctx)
	if err != nil {
		return err
	}
	return inv.printJSON(items)
}

func runUpcoming(ctx context.Context, a *app, inv *invocation) error {
	days, err := inv.fs.GetInt("days")
	if err != nil {
		return err
	}
	items, err := a.deck.Upcoming(ctx, days)
	if err != nil {
		return err
	}
	return inv.printJSON(items)
}

func runStats(ctx context.Context, a *app, inv *invocation) error {
	stats, err := a.deck.Stats(ctx)
	if err != nil {
		return err
	}
	return inv.printJSON(stats)
}

// runSync prints the result and fails the command when the sync did not
// go through, so scripts can retry.
func runSync(ctx context.Context, a *app, inv *invocation) error {
	res := a.deck.SyncNow(ctx)
	if err := inv.printJSON(res); err != nil {
		return err
	}
	if !res.Success {
		return errors.New(res.Error)
	}
	return nil
}

func runStatus(ctx context.Context, a *app, inv *invocation) error {
	return inv.printJSON(a.deck.Status(ctx))
}

func runHydrate(ctx context.Context, a *app, inv *invocation) error {
	n, err := a.deck.Hydrate(ctx)
	if err != nil {
		return err
	}
	return inv.printJSON(map[string]int{"applied": n})
}

func runClear(ctx context.Context, a *app, inv *invocation) error {
	yes, err := inv.fs.GetBool("yes")
	if err != nil {
		return err
	}
	if !yes {
		return errors.New("clear deletes the local deck and offline queue; pass --yes to confirm")
	}
	if err := a.deck.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintf(inv.stdout, "local data cleared for %s\n", a.deck.UserID())
	return nil
}
