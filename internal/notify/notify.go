// Package notify turns due review items into reminders.
//
// Scheduler is the adapter the rest of the app calls. It derives a stable
// integer id per item and hands the reminder to a Notifier. Dispatcher is the
// in-process Notifier used by the CLI: it holds pending reminders and fires
// them through a Sender (Telegram or the log) once they are due.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/conorfennell/knolsync/internal/clock"
	"github.com/conorfennell/knolsync/internal/domain"
)

// Notification is one reminder as the external notifier sees it.
type Notification struct {
	ID     int32     `json:"id"`
	ItemID string    `json:"itemId"`
	FireAt time.Time `json:"fireAt"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
}

// Notifier accepts and cancels reminders by integer id.
type Notifier interface {
	Schedule(ctx context.Context, n Notification) error
	Cancel(ctx context.Context, id int32) error
}

// NotificationID maps an item id to a non-negative 31-bit integer.
// The same item id always yields the same value.
func NotificationID(itemID string) int32 {
	var h int32
	for _, r := range itemID {
		h = 31*h + int32(r)
	}
	return h & 0x7fffffff
}

// Scheduler adapts review items to a Notifier.
type Scheduler struct {
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger
}

// NewScheduler returns a Scheduler handing reminders to n.
func NewScheduler(n Notifier, clk clock.Clock, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{notifier: n, clock: clk, logger: logger}
}

// NotifyDue replaces any pending reminder for item with one at its next review.
// A next review already in the past fires immediately.
func (s *Scheduler) NotifyDue(ctx context.Context, item domain.ReviewItem) (Notification, error) {
	n := Notification{
		ID:     NotificationID(item.ID),
		ItemID: item.ID,
		FireAt: item.NextReview,
		Title:  "Time to review",
		Body:   body(item),
	}
	if now := s.clock.Now(); n.FireAt.Before(now) {
		n.FireAt = now
	}

	if err := s.notifier.Cancel(ctx, n.ID); err != nil {
		return Notification{}, fmt.Errorf("cancel reminder %d: %w", n.ID, err)
	}
	if err := s.notifier.Schedule(ctx, n); err != nil {
		return Notification{}, fmt.Errorf("schedule reminder %d: %w", n.ID, err)
	}
	s.logger.Debug("reminder scheduled", "item_id", item.ID, "notification_id", n.ID, "fire_at", n.FireAt)
	return n, nil
}

// Cancel drops the pending reminder for itemID, if any.
func (s *Scheduler) Cancel(ctx context.Context, itemID string) error {
	return s.notifier.Cancel(ctx, NotificationID(itemID))
}

func body(item domain.ReviewItem) string {
	if item.Content == "" {
		return item.ID
	}
	return item.Content
}
