// Package srs implements the SM-2 review scheduler and the due/upcoming
// queries over a deck. Everything here is pure; the only input from the
// outside world is the injected clock.
package srs

import (
	"math"
	"sort"
	"time"

	"github.com/conorfennell/knolsync/internal/clock"
	"github.com/conorfennell/knolsync/internal/domain"
)

// Scheduler reads the current time from its clock and nothing else.
// It is safe for concurrent use.
type Scheduler struct {
	clock clock.Clock
}

// NewScheduler returns a Scheduler on clk. A nil clk means the wall clock.
func NewScheduler(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.System{}
	}
	return &Scheduler{clock: clk}
}

// Now is the scheduler's notion of the current time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// ProcessReview returns item after a review rated r at the current time.
func (s *Scheduler) ProcessReview(item domain.ReviewItem, r domain.Rating) domain.ReviewItem {
	return WithReview(item, r, s.clock.Now())
}

// DueItems returns the items with NextReview at or before now, in input order.
func (s *Scheduler) DueItems(items []domain.ReviewItem) []domain.ReviewItem {
	now := s.clock.Now()
	due := make([]domain.ReviewItem, 0, len(items))
	for _, it := range items {
		if !it.NextReview.After(now) {
			due = append(due, it)
		}
	}
	return due
}

// UpcomingReviews returns items that become due within horizonDays,
// excluding the ones already due, ordered by NextReview.
func (s *Scheduler) UpcomingReviews(items []domain.ReviewItem, horizonDays int) []domain.ReviewItem {
	now := s.clock.Now()
	horizon := now.AddDate(0, 0, horizonDays)
	upcoming := make([]domain.ReviewItem, 0)
	for _, it := range items {
		if it.NextReview.After(now) && !it.NextReview.After(horizon) {
			upcoming = append(upcoming, it)
		}
	}
	sort.SliceStable(upcoming, func(i, j int) bool {
		return upcoming[i].NextReview.Before(upcoming[j].NextReview)
	})
	return upcoming
}

// RetentionStats summarises items. An empty deck has an average ease of 0.
func RetentionStats(items []domain.ReviewItem) domain.RetentionStats {
	stats := domain.RetentionStats{TotalItems: len(items)}
	if len(items) == 0 {
		return stats
	}
	var sum float64
	for _, it := range items {
		sum += it.EaseFactor
		if it.Repetitions >= 3 && it.EaseFactor >= InitialEase {
			stats.MasteredItems++
		}
		if it.EaseFactor < 2.0 {
			stats.StrugglingItems++
		}
	}
	stats.AverageEaseFactor = math.Round(sum/float64(len(items))*100) / 100
	return stats
}
