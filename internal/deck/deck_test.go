package deck

import (
	"context"
	"io"
	"log/slog"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/knolsync/internal/clock"
	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/kv"
	"github.com/conorfennell/knolsync/internal/localstore"
	"github.com/conorfennell/knolsync/internal/notify"
	"github.com/conorfennell/knolsync/internal/sync"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc        *Service
	store      *localstore.Store
	clock      *clock.Manual
	dispatcher *notify.Dispatcher
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, remote kv.Store, deviceID string) *fixture {
	t.Helper()
	clk := clock.NewManual(t0)
	logger := quietLogger()
	store := localstore.New(kv.NewMemory(), clk, logger)
	engine := sync.NewEngine(remote, sync.Options{Timeout: 2 * time.Second, Clock: clk, Logger: logger})
	dispatcher := notify.NewDispatcher(notify.LogSender{Logger: logger}, clk, logger)
	svc := New(store, engine, Options{
		UserID:    "u1",
		DeviceID:  deviceID,
		Clock:     clk,
		Logger:    logger,
		Reminders: notify.NewScheduler(dispatcher, clk, logger),
	})
	return &fixture{svc: svc, store: store, clock: clk, dispatcher: dispatcher}
}

func phrases() []domain.Phrase {
	return []domain.Phrase{
		{Content: "el gato", Translation: "the cat"},
		{Content: "el perro", Translation: "the dog"},
		{Content: "la casa", Translation: "the house"},
	}
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory(), "dev-a")

	res, err := f.svc.Import(ctx, phrases())
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Added: 3}, res)

	again := phrases()
	again[1].Translation = "the hound"
	res, err = f.svc.Import(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Unchanged: 3}, res)

	items, err := f.svc.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "the dog", items[1].Translation)

	_, err = f.svc.Import(ctx, []domain.Phrase{{Content: "  ", Translation: "blank"}})
	assert.ErrorIs(t, err, ErrEmptyPhrase)
}

func TestAddPhraseKeepsProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory(), "dev-a")

	item, res, err := f.svc.AddPhrase(ctx, domain.Phrase{Content: "hola", Translation: "hello"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)

	reviewed, err := f.svc.Review(ctx, item.ID, domain.Good)
	require.NoError(t, err)

	again, res, err := f.svc.AddPhrase(ctx, domain.Phrase{Content: "Hola", Translation: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unchanged)
	assert.Equal(t, reviewed.Repetitions, again.Repetitions)
}

func TestReview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory(), "dev-a")
	item, _, err := f.svc.AddPhrase(ctx, domain.Phrase{Content: "gracias", Translation: "thanks"})
	require.NoError(t, err)

	due, err := f.svc.Due(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)

	next, err := f.svc.Review(ctx, item.ID, domain.Good)
	require.NoError(t, err)
	assert.Equal(t, 1, next.Repetitions)
	assert.Equal(t, 1, next.Interval)
	assert.True(t, next.NextReview.Equal(t0.AddDate(0, 0, 1)))

	due, err = f.svc.Due(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	upcoming, err := f.svc.Upcoming(ctx, 0)
	require.NoError(t, err)
	require.Len(t, upcoming, 1)

	pending := f.dispatcher.Pending()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].FireAt.Equal(next.NextReview))

	queued, err := f.store.GetUnsynced(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, 1, queued[0].Item.Repetitions)
}

func TestReviewErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory(), "dev-a")

	_, err := f.svc.Review(ctx, "missing", domain.Good)
	assert.ErrorIs(t, err, ErrItemNotFound)

	item, _, err := f.svc.AddPhrase(ctx, domain.Phrase{Content: "sí"})
	require.NoError(t, err)
	_, err = f.svc.Review(ctx, item.ID, domain.Rating(9))
	assert.ErrorIs(t, err, domain.ErrInvalidRating)
}

func TestStatsAfterEasyReviews(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory(), "dev-a")
	item, _, err := f.svc.AddPhrase(ctx, domain.Phrase{Content: "fácil"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		item, err = f.svc.Review(ctx, item.ID, domain.Easy)
		require.NoError(t, err)
		f.clock.Advance(24 * time.Hour)
	}

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalItems)
	assert.Equal(t, 1, stats.MasteredItems)
	assert.Equal(t, 2.8, stats.AverageEaseFactor)
}

func TestSyncNowBetweenDevices(t *testing.T) {
	ctx := context.Background()
	remote := kv.NewMemory()
	a := newFixture(t, remote, "dev-a")
	b := newFixture(t, remote, "dev-b")

	_, err := a.svc.Import(ctx, phrases()[:2])
	require.NoError(t, err)
	res := a.svc.SyncNow(ctx)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.SyncedItems)

	status := a.svc.Status(ctx)
	assert.False(t, status.PendingSync)
	assert.Equal(t, 2, status.ItemCount)
	require.NotNil(t, status.LastSync)

	_, err = b.svc.Import(ctx, phrases()[2:])
	require.NoError(t, err)
	res = b.svc.SyncNow(ctx)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 3, res.SyncedItems)

	bItems, err := b.svc.Items(ctx)
	require.NoError(t, err)
	assert.Len(t, bItems, 3)

	res = a.svc.SyncNow(ctx)
	require.True(t, res.Success, res.Error)
	aItems, err := a.svc.Items(ctx)
	require.NoError(t, err)
	assert.Len(t, aItems, 3)
	assert.Len(t, a.dispatcher.Pending(), 3)
}

func TestReimportDoesNotDivergeFromRemote(t *testing.T) {
	ctx := context.Background()
	remote := kv.NewMemory()
	a := newFixture(t, remote, "dev-a")
	b := newFixture(t, remote, "dev-b")

	_, err := a.svc.Import(ctx, []domain.Phrase{{Content: "el gato", Translation: "the dgo"}})
	require.NoError(t, err)
	require.True(t, a.svc.SyncNow(ctx).Success)

	res, err := a.svc.Import(ctx, []domain.Phrase{{Content: "el gato", Translation: "the cat"}})
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Unchanged: 1}, res)
	assert.False(t, a.svc.Status(ctx).PendingSync)

	res2 := a.svc.SyncNow(ctx)
	require.True(t, res2.Success, res2.Error)

	aItems, err := a.svc.Items(ctx)
	require.NoError(t, err)
	require.Len(t, aItems, 1)

	_, err = b.svc.Hydrate(ctx)
	require.NoError(t, err)
	bItems, err := b.svc.Items(ctx)
	require.NoError(t, err)
	require.Len(t, bItems, 1)
	assert.Equal(t, aItems[0].Translation, bItems[0].Translation)
	assert.Equal(t, "the dgo", bItems[0].Translation)
}

func TestHydrate(t *testing.T) {
	ctx := context.Background()
	remote := kv.NewMemory()
	a := newFixture(t, remote, "dev-a")
	_, err := a.svc.Import(ctx, phrases())
	require.NoError(t, err)
	require.True(t, a.svc.SyncNow(ctx).Success)

	fresh := newFixture(t, remote, "dev-new")
	n, err := fresh.svc.Hydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, fresh.svc.Status(ctx).PendingSync)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemory(), "dev-a")
	_, err := f.svc.Import(ctx, phrases())
	require.NoError(t, err)
	n, err := f.svc.ScheduleReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, f.svc.Clear(ctx))
	items, err := f.svc.Items(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Empty(t, f.dispatcher.Pending())
}

// gatedRemote holds every Set until release is closed.
type gatedRemote struct {
	kv.Store
	entered chan struct{}
	release chan struct{}
	once    gosync.Once
}

func (g *gatedRemote) Set(ctx context.Context, key string, value []byte) error {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Store.Set(ctx, key, value)
}

func TestReviewDuringSyncStaysQueued(t *testing.T) {
	ctx := context.Background()
	remote := &gatedRemote{Store: kv.NewMemory(), entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, remote, "dev-a")
	item, _, err := f.svc.AddPhrase(ctx, domain.Phrase{Content: "despacio"})
	require.NoError(t, err)

	done := make(chan domain.SyncResult, 1)
	go func() { done <- f.svc.SyncNow(ctx) }()
	<-remote.entered

	f.clock.Advance(time.Minute)
	reviewed, err := f.svc.Review(ctx, item.ID, domain.Good)
	require.NoError(t, err)
	close(remote.release)

	res := <-done
	require.True(t, res.Success, res.Error)

	local, err := f.svc.Item(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, reviewed, local)

	pending, err := f.store.GetUnsynced(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Item.Repetitions)
}

func TestConcurrentSyncNowCoalesces(t *testing.T) {
	ctx := context.Background()
	remote := &gatedRemote{Store: kv.NewMemory(), entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, remote, "dev-a")
	_, err := f.svc.Import(ctx, phrases())
	require.NoError(t, err)

	first := make(chan domain.SyncResult, 1)
	go func() { first <- f.svc.SyncNow(ctx) }()
	<-remote.entered

	second := make(chan domain.SyncResult, 1)
	go func() { second <- f.svc.SyncNow(ctx) }()
	time.Sleep(20 * time.Millisecond)
	close(remote.release)

	r1, r2 := <-first, <-second
	require.True(t, r1.Success, r1.Error)
	require.True(t, r2.Success, r2.Error)
	assert.Equal(t, int64(1), r1.SyncVersion)
	assert.LessOrEqual(t, r2.SyncVersion, int64(2))
}

func TestRunSyncLoopStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, kv.NewMemory(), "dev-a")
	_, err := f.svc.Import(ctx, phrases())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		f.svc.RunSyncLoop(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return !f.svc.Status(context.Background()).PendingSync }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
