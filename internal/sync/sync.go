// Package sync reconciles a device's deck with the remote authoritative
// envelope using item-level last-writer-wins.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/conorfennell/knolsync/internal/clock"
	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/kv"
	"github.com/conorfennell/knolsync/internal/userlock"
)

// DefaultTimeout bounds one sync when no timeout is configured.
const DefaultTimeout = 15 * time.Second

// Options configures an Engine.
type Options struct {
	Timeout time.Duration
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Engine talks to the remote envelope store. Syncs for one user run one at a
// time; syncs for different users are independent.
type Engine struct {
	remote  kv.Store
	clock   clock.Clock
	timeout time.Duration
	logger  *slog.Logger
	locks   userlock.Map
}

// NewEngine returns an Engine pushing to and pulling from remote.
func NewEngine(remote kv.Store, opts Options) *Engine {
	e := &Engine{
		remote:  remote,
		clock:   opts.Clock,
		timeout: opts.Timeout,
		logger:  opts.Logger,
	}
	if e.clock == nil {
		e.clock = clock.System{}
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// EnvelopeKey is where the remote keeps userID's envelope.
func EnvelopeKey(userID string) string {
	return "envelopes/" + userID + ".json"
}

// Merge combines two decks per item. An item on one side only is taken as is;
// an item on both sides resolves to the copy with the strictly later
// lastReviewed, and to the remote copy on a tie. Remote items keep their
// order, followed by local-only items in local order.
func Merge(remote, local []domain.ReviewItem) []domain.ReviewItem {
	merged := make([]domain.ReviewItem, 0, len(remote)+len(local))
	index := make(map[string]int, len(remote)+len(local))

	take := func(it domain.ReviewItem, preferExisting bool) {
		i, ok := index[it.ID]
		if !ok {
			index[it.ID] = len(merged)
			merged = append(merged, it.Clone())
			return
		}
		if it.ReviewedAfter(merged[i]) || (!preferExisting && !merged[i].ReviewedAfter(it)) {
			merged[i] = it.Clone()
		}
	}
	for _, it := range remote {
		take(it, false)
	}
	for _, it := range local {
		take(it, true)
	}
	return merged
}

// SyncReviewItems merges localItems into userID's remote envelope and pushes
// the result. It never returns an error: failures are reported in the result,
// nothing partial is pushed, and a retry is always safe.
func (e *Engine) SyncReviewItems(ctx context.Context, userID string, localItems []domain.ReviewItem, deviceID string) domain.SyncResult {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	logger := e.logger.With("user_id", userID, "device_id", deviceID)
	merged, env, err := e.syncLocked(ctx, userID, localItems, deviceID)
	if err != nil {
		logger.Warn("sync failed", "error", err)
		return domain.SyncResult{
			Success:           false,
			SyncedItems:       0,
			Error:             describe(err),
			LastSyncTimestamp: e.clock.Now(),
		}
	}

	logger.Info("sync complete", "items", len(merged), "sync_version", env.SyncVersion)
	return domain.SyncResult{
		Success:           true,
		SyncedItems:       len(merged),
		LastSyncTimestamp: env.LastSyncTimestamp,
		SyncVersion:       env.SyncVersion,
		Items:             merged,
	}
}

func (e *Engine) syncLocked(ctx context.Context, userID string, localItems []domain.ReviewItem, deviceID string) ([]domain.ReviewItem, domain.SyncEnvelope, error) {
	if err := checkUser(userID); err != nil {
		return nil, domain.SyncEnvelope{}, err
	}
	unlock, err := e.locks.Lock(ctx, userID)
	if err != nil {
		return nil, domain.SyncEnvelope{}, fmt.Errorf("waiting for sync in progress: %w", err)
	}
	defer unlock()

	remote, err := e.fetch(ctx, userID)
	if err != nil {
		return nil, domain.SyncEnvelope{}, err
	}

	// An absent envelope is an empty remote deck.
	merged := Merge(remote.Items, localItems)

	if err := ctx.Err(); err != nil {
		return nil, domain.SyncEnvelope{}, err
	}

	env := domain.SyncEnvelope{
		UserID:            userID,
		DeviceID:          deviceID,
		Items:             merged,
		LastSyncTimestamp: e.clock.Now(),
		SyncVersion:       remote.SyncVersion + 1,
	}
	if err := e.push(ctx, env); err != nil {
		return nil, domain.SyncEnvelope{}, err
	}
	return merged, env, nil
}

// GetReviewItems returns the remote deck for userID. Any failure yields an
// empty deck.
func (e *Engine) GetReviewItems(ctx context.Context, userID string) []domain.ReviewItem {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := checkUser(userID); err != nil {
		e.logger.Warn("fetch remote deck failed", "user_id", userID, "error", err)
		return []domain.ReviewItem{}
	}
	env, err := e.fetch(ctx, userID)
	if err != nil {
		e.logger.Warn("fetch remote deck failed", "user_id", userID, "error", err)
		return []domain.ReviewItem{}
	}
	if env.Items == nil {
		return []domain.ReviewItem{}
	}
	return env.Items
}

// LocalState is the device-side view GetSyncStatus reads.
type LocalState interface {
	LoadAll(ctx context.Context, userID string) ([]domain.ReviewItem, error)
	GetUnsynced(ctx context.Context, userID string) ([]domain.QueueEntry, error)
	SyncMeta(ctx context.Context, userID string) (*domain.SyncMeta, error)
}

// GetSyncStatus reports the device's sync state without touching the remote.
// An unreadable queue is reported as pending.
func (e *Engine) GetSyncStatus(ctx context.Context, userID string, local LocalState) domain.SyncStatus {
	var status domain.SyncStatus
	logger := e.logger.With("user_id", userID)

	if meta, err := local.SyncMeta(ctx, userID); err != nil {
		logger.Warn("read sync metadata failed", "error", err)
	} else if meta != nil {
		ts := meta.LastSyncTimestamp
		status.LastSync = &ts
	}

	if items, err := local.LoadAll(ctx, userID); err != nil {
		logger.Warn("read local deck failed", "error", err)
	} else {
		status.ItemCount = len(items)
	}

	pending, err := local.GetUnsynced(ctx, userID)
	if err != nil {
		logger.Warn("read offline queue failed", "error", err)
		status.PendingSync = true
	} else {
		status.PendingSync = len(pending) > 0
	}
	return status
}

func (e *Engine) fetch(ctx context.Context, userID string) (domain.SyncEnvelope, error) {
	var env domain.SyncEnvelope
	raw, err := e.remote.Get(ctx, EnvelopeKey(userID))
	if err != nil {
		return env, fmt.Errorf("fetch remote envelope: %w", err)
	}
	if len(raw) == 0 {
		return env, nil
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("decode remote envelope: %w", err)
	}
	return env, nil
}

func (e *Engine) push(ctx context.Context, env domain.SyncEnvelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := e.remote.Set(ctx, EnvelopeKey(env.UserID), raw); err != nil {
		return fmt.Errorf("push remote envelope: %w", err)
	}
	return nil
}

func checkUser(userID string) error {
	if strings.TrimSpace(userID) == "" || strings.Contains(userID, "/") {
		return fmt.Errorf("invalid user id %q", userID)
	}
	return nil
}

func describe(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "sync timed out: " + err.Error()
	case errors.Is(err, context.Canceled):
		return "sync cancelled: " + err.Error()
	default:
		return err.Error()
	}
}
