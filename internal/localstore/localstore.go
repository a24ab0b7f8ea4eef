// Package localstore holds one device's deck and its offline queue on top of a
// kv.Store. Every write for a user goes through that user's single writer slot,
// so concurrent saves of different items never drop each other.
package localstore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"

	"github.com/conorfennell/knolsync/internal/clock"
	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/kv"
	"github.com/conorfennell/knolsync/internal/userlock"
)

var (
	// ErrInvalidItem is returned when an item fails validation before persistence.
	ErrInvalidItem = errors.New("invalid review item")
	// ErrInvalidUser is returned for an empty or malformed user id.
	ErrInvalidUser = errors.New("invalid user id")
)

const deviceKey = "device"

// Store is the device-local deck and offline queue.
type Store struct {
	kv       kv.Store
	clock    clock.Clock
	validate *validator.Validate
	locks    userlock.Map
	logger   *slog.Logger
}

// New returns a Store persisting through backend.
func New(backend kv.Store, clk clock.Clock, logger *slog.Logger) *Store {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:       backend,
		clock:    clk,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

func deckKey(userID string) string { return "deck/" + userID }
func queueKey(userID string) string { return "queue/" + userID }
func metaKey(userID string) string { return "sync/" + userID }

func checkUser(userID string) error {
	if strings.TrimSpace(userID) == "" || strings.Contains(userID, "/") || kv.ValidateKey(userID) != nil {
		return fmt.Errorf("%w: %q", ErrInvalidUser, userID)
	}
	return nil
}

// Validate reports whether item may be persisted.
func (s *Store) Validate(item domain.ReviewItem) error {
	err := s.validate.Struct(item)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+" ("+fe.Tag()+")")
		}
		return fmt.Errorf("%w %q: %s", ErrInvalidItem, item.ID, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %v", ErrInvalidItem, err)
}

func (s *Store) lock(ctx context.Context, userID string) (func(), error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	return s.locks.Lock(ctx, userID)
}

// Save upserts item and queues it for sync.
func (s *Store) Save(ctx context.Context, userID string, item domain.ReviewItem) error {
	return s.SaveAll(ctx, userID, []domain.ReviewItem{item})
}

// SaveAll upserts items in one write and queues each of them.
// Nothing is written if any item is invalid.
func (s *Store) SaveAll(ctx context.Context, userID string, items []domain.ReviewItem) error {
	for _, item := range items {
		if err := s.Validate(item); err != nil {
			return err
		}
	}
	unlock, err := s.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	deck, err := s.loadDeck(ctx, userID)
	if err != nil {
		return err
	}
	queue, err := s.loadQueue(ctx, userID)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	for _, item := range items {
		deck = upsertItem(deck, item.Clone())
		queue = upsertEntry(queue, domain.QueueEntry{Item: item.Clone(), QueuedAt: now})
	}

	// Deck before queue: a crash in between leaves the review applied but
	// unqueued, which the next sync still pushes with the whole deck.
	if err := s.put(ctx, deckKey(userID), deck); err != nil {
		return err
	}
	if err := s.put(ctx, queueKey(userID), queue); err != nil {
		return err
	}
	s.logger.Debug("saved items", "user_id", userID, "count", len(items))
	return nil
}

// LoadAll returns the user's full deck.
func (s *Store) LoadAll(ctx context.Context, userID string) ([]domain.ReviewItem, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	return s.loadDeck(ctx, userID)
}

// Get returns one item from the deck.
func (s *Store) Get(ctx context.Context, userID, id string) (domain.ReviewItem, bool, error) {
	deck, err := s.LoadAll(ctx, userID)
	if err != nil {
		return domain.ReviewItem{}, false, err
	}
	for _, it := range deck {
		if it.ID == id {
			return it, true, nil
		}
	}
	return domain.ReviewItem{}, false, nil
}

// GetUnsynced returns queue entries the remote has not accepted yet.
func (s *Store) GetUnsynced(ctx context.Context, userID string) ([]domain.QueueEntry, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	queue, err := s.loadQueue(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []domain.QueueEntry
	for _, e := range queue {
		if !e.Synced {
			out = append(out, e)
		}
	}
	return out, nil
}

// MarkSynced drops the queue entries for ids.
func (s *Store) MarkSynced(ctx context.Context, userID string, ids ...string) error {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	_, err := s.markWhere(ctx, userID, func(e domain.QueueEntry) bool { return want[e.Item.ID] })
	return err
}

// MarkSyncedSnapshot drops entries whose queued item is still the revision
// found in pushed. Entries changed since the snapshot stay pending.
func (s *Store) MarkSyncedSnapshot(ctx context.Context, userID string, pushed []domain.ReviewItem) (int, error) {
	byID := make(map[string]domain.ReviewItem, len(pushed))
	for _, it := range pushed {
		byID[it.ID] = it
	}
	return s.markWhere(ctx, userID, func(e domain.QueueEntry) bool {
		p, ok := byID[e.Item.ID]
		return ok && sameRevision(p, e.Item)
	})
}

func (s *Store) markWhere(ctx context.Context, userID string, match func(domain.QueueEntry) bool) (int, error) {
	unlock, err := s.lock(ctx, userID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	queue, err := s.loadQueue(ctx, userID)
	if err != nil {
		return 0, err
	}
	// Confirmed entries leave the queue.
	kept := queue[:0]
	marked := 0
	for _, e := range queue {
		switch {
		case e.Synced:
		case match(e):
			marked++
		default:
			kept = append(kept, e)
		}
	}
	if len(kept) == len(queue) {
		return 0, nil
	}
	return marked, s.put(ctx, queueKey(userID), kept)
}

// ApplyRemote folds items received from the remote into the deck without
// queueing them. A local copy reviewed later than the incoming one is kept,
// as are local items the remote does not know yet.
func (s *Store) ApplyRemote(ctx context.Context, userID string, items []domain.ReviewItem) (int, error) {
	for _, item := range items {
		if err := s.Validate(item); err != nil {
			return 0, err
		}
	}
	unlock, err := s.lock(ctx, userID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	deck, err := s.loadDeck(ctx, userID)
	if err != nil {
		return 0, err
	}
	index := make(map[string]int, len(deck))
	for i, it := range deck {
		index[it.ID] = i
	}
	applied := 0
	for _, in := range items {
		i, ok := index[in.ID]
		switch {
		case !ok:
			index[in.ID] = len(deck)
			deck = append(deck, in.Clone())
			applied++
		case deck[i].ReviewedAfter(in):
			// local review is newer
		case !sameRevision(deck[i], in):
			deck[i] = in.Clone()
			applied++
		}
	}
	if applied == 0 {
		return 0, nil
	}
	return applied, s.put(ctx, deckKey(userID), deck)
}

// Clear removes the user's deck, queue and sync metadata.
func (s *Store) Clear(ctx context.Context, userID string) error {
	unlock, err := s.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	for _, key := range []string{deckKey(userID), queueKey(userID), metaKey(userID)} {
		if err := s.kv.Remove(ctx, key); err != nil {
			return fmt.Errorf("failed to remove %s: %w", key, err)
		}
	}
	s.logger.Info("cleared local data", "user_id", userID)
	return nil
}

// SyncMeta returns the bookkeeping of the last successful sync, or nil.
func (s *Store) SyncMeta(ctx context.Context, userID string) (*domain.SyncMeta, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	var meta domain.SyncMeta
	found, err := s.get(ctx, metaKey(userID), &meta)
	if err != nil || !found {
		return nil, err
	}
	return &meta, nil
}

// SetSyncMeta records a successful sync.
func (s *Store) SetSyncMeta(ctx context.Context, userID string, meta domain.SyncMeta) error {
	unlock, err := s.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()
	return s.put(ctx, metaKey(userID), meta)
}

// DeviceID returns this device's id, generating and persisting one on first use.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	unlock, err := s.locks.Lock(ctx, deviceKey)
	if err != nil {
		return "", err
	}
	defer unlock()

	raw, err := s.kv.Get(ctx, deviceKey)
	if err != nil {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}
	if len(raw) > 0 {
		return string(raw), nil
	}
	id := ulid.MustNew(ulid.Timestamp(s.clock.Now()), ulid.Monotonic(rand.Reader, 0)).String()
	if err := s.kv.Set(ctx, deviceKey, []byte(id)); err != nil {
		return "", fmt.Errorf("failed to store device id: %w", err)
	}
	s.logger.Info("generated device id", "device_id", id)
	return id, nil
}

func (s *Store) loadDeck(ctx context.Context, userID string) ([]domain.ReviewItem, error) {
	var deck []domain.ReviewItem
	if _, err := s.get(ctx, deckKey(userID), &deck); err != nil {
		return nil, err
	}
	return deck, nil
}

func (s *Store) loadQueue(ctx context.Context, userID string) ([]domain.QueueEntry, error) {
	var queue []domain.QueueEntry
	if _, err := s.get(ctx, queueKey(userID), &queue); err != nil {
		return nil, err
	}
	return queue, nil
}

func (s *Store) get(ctx context.Context, key string, v any) (bool, error) {
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) put(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func upsertItem(deck []domain.ReviewItem, item domain.ReviewItem) []domain.ReviewItem {
	for i := range deck {
		if deck[i].ID == item.ID {
			deck[i] = item
			return deck
		}
	}
	return append(deck, item)
}

func upsertEntry(queue []domain.QueueEntry, entry domain.QueueEntry) []domain.QueueEntry {
	for i := range queue {
		if queue[i].Item.ID == entry.Item.ID {
			queue[i] = entry
			return queue
		}
	}
	return append(queue, entry)
}

// sameRevision reports whether a and b carry the same scheduling state.
func sameRevision(a, b domain.ReviewItem) bool {
	if (a.LastReviewed == nil) != (b.LastReviewed == nil) {
		return false
	}
	if a.LastReviewed != nil && !a.LastReviewed.Equal(*b.LastReviewed) {
		return false
	}
	return a.Repetitions == b.Repetitions &&
		a.Interval == b.Interval &&
		a.NextReview.Equal(b.NextReview)
}

