// Package deck is the application layer one learner's device talks to. It
// runs reviews through the scheduler, persists them with the local store,
// syncs with the remote and keeps reminders in step.
package deck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/conorfennell/knolsync/internal/clock"
	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/knol"
	"github.com/conorfennell/knolsync/internal/localstore"
	"github.com/conorfennell/knolsync/internal/notify"
	"github.com/conorfennell/knolsync/internal/srs"
	"github.com/conorfennell/knolsync/internal/sync"
)

// DefaultUpcomingDays is the horizon used when none is given.
const DefaultUpcomingDays = 7

var (
	// ErrItemNotFound is returned when an item id is not in the local deck.
	ErrItemNotFound = errors.New("item not found")
	// ErrEmptyPhrase is returned when a phrase has no content.
	ErrEmptyPhrase = errors.New("phrase content is empty")
)

// Options configures a Service.
type Options struct {
	UserID       string
	DeviceID     string
	UpcomingDays int
	Clock        clock.Clock
	Logger       *slog.Logger
	// Reminders is optional; without it no reminders are scheduled.
	Reminders *notify.Scheduler
}

// Service is one user's deck on this device.
type Service struct {
	userID       string
	deviceID     string
	upcomingDays int

	store     *localstore.Store
	engine    *sync.Engine
	scheduler *srs.Scheduler
	reminders *notify.Scheduler
	clock     clock.Clock
	logger    *slog.Logger

	syncGroup singleflight.Group
}

// New returns a Service for opts.UserID.
func New(store *localstore.Store, engine *sync.Engine, opts Options) *Service {
	s := &Service{
		userID:       opts.UserID,
		deviceID:     opts.DeviceID,
		upcomingDays: opts.UpcomingDays,
		store:        store,
		engine:       engine,
		reminders:    opts.Reminders,
		clock:        opts.Clock,
		logger:       opts.Logger,
	}
	if s.clock == nil {
		s.clock = clock.System{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.upcomingDays <= 0 {
		s.upcomingDays = DefaultUpcomingDays
	}
	s.logger = s.logger.With("user_id", s.userID)
	s.scheduler = srs.NewScheduler(s.clock)
	return s
}

// UserID is the learner this service acts for.
func (s *Service) UserID() string { return s.userID }

// DeviceID is this device's id as sent to the remote.
func (s *Service) DeviceID() string { return s.deviceID }

// Items returns the whole local deck.
func (s *Service) Items(ctx context.Context) ([]domain.ReviewItem, error) {
	return s.store.LoadAll(ctx, s.userID)
}

// Item returns one item or ErrItemNotFound.
func (s *Service) Item(ctx context.Context, id string) (domain.ReviewItem, error) {
	item, ok, err := s.store.Get(ctx, s.userID, id)
	if err != nil {
		return domain.ReviewItem{}, err
	}
	if !ok {
		return domain.ReviewItem{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return item, nil
}

// Review applies rating to an item and persists the result.
func (s *Service) Review(ctx context.Context, id string, rating domain.Rating) (domain.ReviewItem, error) {
	if !rating.IsValid() {
		return domain.ReviewItem{}, fmt.Errorf("%w: %d", domain.ErrInvalidRating, int(rating))
	}
	item, err := s.Item(ctx, id)
	if err != nil {
		return domain.ReviewItem{}, err
	}

	next := s.scheduler.ProcessReview(item, rating)
	if err := s.store.Save(ctx, s.userID, next); err != nil {
		return domain.ReviewItem{}, fmt.Errorf("failed to save review of %s: %w", id, err)
	}
	s.logger.Info("item reviewed",
		"item_id", id,
		"rating", rating.String(),
		"interval", next.Interval,
		"next_review", next.NextReview,
	)
	s.remind(ctx, next)
	return next, nil
}

// Due returns the items due now.
func (s *Service) Due(ctx context.Context) ([]domain.ReviewItem, error) {
	items, err := s.Items(ctx)
	if err != nil {
		return nil, err
	}
	return s.scheduler.DueItems(items), nil
}

// Upcoming returns items coming due within days, soonest first.
// A non-positive days uses the configured horizon.
func (s *Service) Upcoming(ctx context.Context, days int) ([]domain.ReviewItem, error) {
	if days <= 0 {
		days = s.upcomingDays
	}
	items, err := s.Items(ctx)
	if err != nil {
		return nil, err
	}
	return s.scheduler.UpcomingReviews(items, days), nil
}

// Stats summarises the local deck.
func (s *Service) Stats(ctx context.Context) (domain.RetentionStats, error) {
	items, err := s.Items(ctx)
	if err != nil {
		return domain.RetentionStats{}, err
	}
	return srs.RetentionStats(items), nil
}

// ImportResult counts what an import did.
type ImportResult struct {
	Added     int `json:"added"`
	Unchanged int `json:"unchanged"`
}

// AddPhrase adds one phrase, see Import.
func (s *Service) AddPhrase(ctx context.Context, p domain.Phrase) (domain.ReviewItem, ImportResult, error) {
	res, items, err := s.importPhrases(ctx, []domain.Phrase{p})
	if err != nil {
		return domain.ReviewItem{}, res, err
	}
	return items[0], res, nil
}

// Import adds phrases as new items due now. A phrase already in the deck is
// left as it is, translation included; only reviews change an item.
func (s *Service) Import(ctx context.Context, phrases []domain.Phrase) (ImportResult, error) {
	res, _, err := s.importPhrases(ctx, phrases)
	return res, err
}

func (s *Service) importPhrases(ctx context.Context, phrases []domain.Phrase) (ImportResult, []domain.ReviewItem, error) {
	var res ImportResult
	existing, err := s.Items(ctx)
	if err != nil {
		return res, nil, err
	}
	byID := make(map[string]domain.ReviewItem, len(existing))
	for _, it := range existing {
		byID[it.ID] = it
	}

	now := s.clock.Now()
	var added []domain.ReviewItem
	resolved := make([]domain.ReviewItem, 0, len(phrases))
	for _, p := range phrases {
		if strings.TrimSpace(p.Content) == "" {
			return ImportResult{}, nil, ErrEmptyPhrase
		}
		id := knol.ItemID(p)
		cur, ok := byID[id]
		if ok {
			if knol.Hash(domain.Phrase{Content: cur.Content, Translation: cur.Translation}) != knol.Hash(p) {
				s.logger.Debug("phrase already in deck with different text, keeping existing", "item_id", id)
			}
			res.Unchanged++
		} else {
			cur = domain.NewReviewItem(id, p.Content, p.Translation, now)
			byID[id] = cur
			added = append(added, cur)
			res.Added++
		}
		resolved = append(resolved, cur)
	}

	if len(added) > 0 {
		if err := s.store.SaveAll(ctx, s.userID, added); err != nil {
			return ImportResult{}, nil, fmt.Errorf("failed to save imported phrases: %w", err)
		}
	}
	s.logger.Info("phrases imported", "added", res.Added, "unchanged", res.Unchanged)
	return res, resolved, nil
}

// SyncNow reconciles the local deck with the remote. Concurrent calls share
// one in-flight sync. The merged deck is applied locally and queue entries
// are marked synced only if they were not changed while the sync ran.
func (s *Service) SyncNow(ctx context.Context) domain.SyncResult {
	v, _, _ := s.syncGroup.Do(s.userID, func() (interface{}, error) {
		return s.syncOnce(ctx), nil
	})
	return v.(domain.SyncResult)
}

func (s *Service) syncOnce(ctx context.Context) domain.SyncResult {
	failed := func(err error) domain.SyncResult {
		s.logger.Warn("sync not applied", "error", err)
		return domain.SyncResult{Success: false, Error: err.Error(), LastSyncTimestamp: s.clock.Now()}
	}

	snapshot, err := s.Items(ctx)
	if err != nil {
		return failed(fmt.Errorf("load local deck: %w", err))
	}

	res := s.engine.SyncReviewItems(ctx, s.userID, snapshot, s.deviceID)
	if !res.Success {
		return res
	}

	// The remote already holds the merge, so local writes below use a fresh
	// context: a cancelled caller must not leave the device half applied.
	local := context.WithoutCancel(ctx)
	if _, err := s.store.ApplyRemote(local, s.userID, res.Items); err != nil {
		return failed(fmt.Errorf("apply merged deck: %w", err))
	}
	if _, err := s.store.MarkSyncedSnapshot(local, s.userID, snapshot); err != nil {
		return failed(fmt.Errorf("mark queue synced: %w", err))
	}
	meta := domain.SyncMeta{LastSyncTimestamp: res.LastSyncTimestamp, SyncVersion: res.SyncVersion}
	if err := s.store.SetSyncMeta(local, s.userID, meta); err != nil {
		s.logger.Warn("failed to record sync metadata", "error", err)
	}
	for _, it := range res.Items {
		s.remind(local, it)
	}
	return res
}

// Status reports this device's sync state.
func (s *Service) Status(ctx context.Context) domain.SyncStatus {
	return s.engine.GetSyncStatus(ctx, s.userID, s.store)
}

// Hydrate pulls the remote deck into this device without queueing it.
func (s *Service) Hydrate(ctx context.Context) (int, error) {
	remote := s.engine.GetReviewItems(ctx, s.userID)
	applied, err := s.store.ApplyRemote(ctx, s.userID, remote)
	if err != nil {
		return 0, fmt.Errorf("failed to apply remote deck: %w", err)
	}
	s.logger.Info("device hydrated", "remote_items", len(remote), "applied", applied)
	return applied, nil
}

// Clear deletes the local deck, queue and sync metadata.
func (s *Service) Clear(ctx context.Context) error {
	items, err := s.Items(ctx)
	if err != nil {
		return err
	}
	if err := s.store.Clear(ctx, s.userID); err != nil {
		return err
	}
	if s.reminders != nil {
		for _, it := range items {
			if err := s.reminders.Cancel(ctx, it.ID); err != nil {
				s.logger.Warn("failed to cancel reminder", "item_id", it.ID, "error", err)
			}
		}
	}
	return nil
}

// ScheduleReminders schedules a reminder for every item in the deck.
func (s *Service) ScheduleReminders(ctx context.Context) (int, error) {
	if s.reminders == nil {
		return 0, nil
	}
	items, err := s.Items(ctx)
	if err != nil {
		return 0, err
	}
	for _, it := range items {
		s.remind(ctx, it)
	}
	return len(items), nil
}

// RunSyncLoop syncs every interval until ctx is done.
func (s *Service) RunSyncLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := s.SyncNow(ctx)
			if res.Success {
				s.logger.Debug("background sync complete", "items", res.SyncedItems, "sync_version", res.SyncVersion)
			}
		}
	}
}

func (s *Service) remind(ctx context.Context, item domain.ReviewItem) {
	if s.reminders == nil {
		return
	}
	if _, err := s.reminders.NotifyDue(ctx, item); err != nil {
		s.logger.Warn("failed to schedule reminder", "item_id", item.ID, "error", err)
	}
}
