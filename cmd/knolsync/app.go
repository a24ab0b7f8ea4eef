package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/conorfennell/knolsync/internal/clock"
	"github.com/conorfennell/knolsync/internal/config"
	"github.com/conorfennell/knolsync/internal/deck"
	"github.com/conorfennell/knolsync/internal/gitstore"
	"github.com/conorfennell/knolsync/internal/kv"
	"github.com/conorfennell/knolsync/internal/localstore"
	"github.com/conorfennell/knolsync/internal/notify"
	"github.com/conorfennell/knolsync/internal/pgstore"
	"github.com/conorfennell/knolsync/internal/storage"
	"github.com/conorfennell/knolsync/internal/sync"
)

// app is one configured device: its local store, the remote and the deck
// service on top of them.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	deck       *deck.Service
	dispatcher *notify.Dispatcher
	closers    []io.Closer
}

// newApp opens the device database and the configured remote. Reminders are
// only wired for long running commands, since a pending reminder lives in
// memory until it fires.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, reminders bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	clk := clock.System{}

	db, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db)
	store := localstore.New(db, clk, logger)

	deviceID := cfg.DeviceID
	if deviceID == "" {
		if deviceID, err = store.DeviceID(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	remote, err := a.openRemote(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	engine := sync.NewEngine(remote, sync.Options{Timeout: cfg.Sync.Timeout, Clock: clk, Logger: logger})

	opts := deck.Options{
		UserID:       cfg.UserID,
		DeviceID:     deviceID,
		UpcomingDays: cfg.UpcomingDays,
		Clock:        clk,
		Logger:       logger,
	}
	if reminders {
		sender, err := a.sender()
		if err != nil {
			a.Close()
			return nil, err
		}
		a.dispatcher = notify.NewDispatcher(sender, clk, logger)
		opts.Reminders = notify.NewScheduler(a.dispatcher, clk, logger)
	}
	a.deck = deck.New(store, engine, opts)

	logger.Debug("device ready", "user_id", cfg.UserID, "device_id", deviceID, "remote", cfg.Remote.Kind)
	return a, nil
}

func (a *app) openRemote(ctx context.Context) (kv.Store, error) {
	rc := a.cfg.Remote
	switch rc.Kind {
	case "sqlite":
		db, err := storage.Open(filepath.Join(rc.Path, "remote.db"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite remote: %w", err)
		}
		a.closers = append(a.closers, db)
		return db, nil
	case "git":
		gs, err := gitstore.Open(ctx, gitstore.Options{
			Path:        rc.Path,
			URL:         rc.URL,
			AuthorName:  rc.AuthorName,
			AuthorEmail: rc.AuthorEmail,
			Logger:      a.logger,
		})
		if err != nil {
			return nil, err
		}
		return gs, nil
	case "postgres":
		pg, err := pgstore.OpenPostgres(rc.DSN, a.logger, a.cfg.Log.GormLevel)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg)
		return pg, nil
	case "memory":
		a.logger.Warn("using an in-memory remote; synced data is lost on exit")
		return kv.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown remote kind %q", rc.Kind)
	}
}

func (a *app) sender() (notify.Sender, error) {
	nc := a.cfg.Notify
	if nc.TelegramToken == "" {
		return notify.LogSender{Logger: a.logger}, nil
	}
	tg, err := notify.NewTelegramSender(nc.TelegramToken, nc.TelegramChatID)
	if err != nil {
		return nil, err
	}
	return tg, nil
}

// Close releases the databases in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
