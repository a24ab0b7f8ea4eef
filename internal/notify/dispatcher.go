package notify

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/conorfennell/knolsync/internal/clock"
)

// Sender delivers a fired reminder.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// Dispatcher is an in-process Notifier. Reminders wait in memory until their
// fire time and are then delivered through a Sender. Failed deliveries are
// retried on the next tick.
type Dispatcher struct {
	sender Sender
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	pending map[int32]Notification
	wake    chan struct{}
}

// NewDispatcher returns a Dispatcher delivering through sender.
func NewDispatcher(sender Sender, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender:  sender,
		clock:   clk,
		logger:  logger,
		pending: make(map[int32]Notification),
		wake:    make(chan struct{}, 1),
	}
}

func (d *Dispatcher) Schedule(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.pending[n.ID] = n
	d.mu.Unlock()

	if !n.FireAt.After(d.clock.Now()) {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

func (d *Dispatcher) Cancel(ctx context.Context, id int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
	return nil
}

// Pending returns the waiting reminders ordered by fire time.
func (d *Dispatcher) Pending() []Notification {
	d.mu.Lock()
	out := make([]Notification, 0, len(d.pending))
	for _, n := range d.pending {
		out = append(out, n)
	}
	d.mu.Unlock()
	sortByFireAt(out)
	return out
}

// Run fires due reminders every poll interval, and right away when a due
// reminder is scheduled, until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, poll time.Duration) {
	if poll <= 0 {
		poll = time.Minute
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.FireDue(ctx)
		case <-d.wake:
			d.FireDue(ctx)
		}
	}
}

// FireDue delivers every reminder whose fire time has come and returns how
// many were delivered.
func (d *Dispatcher) FireDue(ctx context.Context) int {
	now := d.clock.Now()

	d.mu.Lock()
	var due []Notification
	for id, n := range d.pending {
		if !n.FireAt.After(now) {
			due = append(due, n)
			delete(d.pending, id)
		}
	}
	d.mu.Unlock()
	sortByFireAt(due)

	sent := 0
	for _, n := range due {
		if err := d.sender.Send(ctx, n); err != nil {
			d.logger.Warn("reminder delivery failed", "notification_id", n.ID, "item_id", n.ItemID, "error", err)
			d.requeue(n)
			continue
		}
		sent++
	}
	return sent
}

// requeue puts n back unless it was rescheduled meanwhile.
func (d *Dispatcher) requeue(n Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[n.ID]; !ok {
		d.pending[n.ID] = n
	}
}

func sortByFireAt(ns []Notification) {
	sort.SliceStable(ns, func(i, j int) bool {
		if ns[i].FireAt.Equal(ns[j].FireAt) {
			return ns[i].ID < ns[j].ID
		}
		return ns[i].FireAt.Before(ns[j].FireAt)
	})
}
