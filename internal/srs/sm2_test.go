package srs

import (
	"math"
	"testing"
	"time"

	"github.com/conorfennell/knolsync/internal/domain"
)

var day0 = time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)

func freshItem() domain.ReviewItem {
	return domain.NewReviewItem("p1", "bonjour", "hello", day0)
}

func TestNextEase(t *testing.T) {
	testCases := []struct {
		name   string
		ease   float64
		rating domain.Rating
		want   float64
	}{
		{"Easy rewards", 2.5, domain.Easy, 2.6},
		{"Good keeps", 2.5, domain.Good, 2.5},
		{"Hard penalises", 2.5, domain.Hard, 2.3},
		{"Again penalises", 2.5, domain.Again, 2.3},
		{"Floor holds", 1.35, domain.Again, EaseFloor},
		{"Floor already reached", EaseFloor, domain.Hard, EaseFloor},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := NextEase(tc.ease, tc.rating)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("NextEase(%.2f, %s) = %.4f, want %.4f", tc.ease, tc.rating, got, tc.want)
			}
		})
	}
}

func TestWithReviewGoodSequence(t *testing.T) {
	item := freshItem()
	now := day0
	wantIntervals := []int{1, 6, 15}

	for i, want := range wantIntervals {
		item = WithReview(item, domain.Good, now)
		if item.Interval != want {
			t.Fatalf("review %d: interval = %d, want %d", i+1, item.Interval, want)
		}
		if item.Repetitions != i+1 {
			t.Fatalf("review %d: repetitions = %d, want %d", i+1, item.Repetitions, i+1)
		}
		if !item.NextReview.Equal(now.AddDate(0, 0, want)) {
			t.Fatalf("review %d: next review = %v, want %v", i+1, item.NextReview, now.AddDate(0, 0, want))
		}
		if item.LastReviewed == nil || !item.LastReviewed.Equal(now) {
			t.Fatalf("review %d: last reviewed = %v, want %v", i+1, item.LastReviewed, now)
		}
		now = item.NextReview
	}
}

func TestWithReviewEasyThreeTimes(t *testing.T) {
	item := freshItem()
	now := day0
	for i := 0; i < 3; i++ {
		item = WithReview(item, domain.Easy, now)
		now = now.AddDate(0, 0, item.Interval)
	}

	if item.Repetitions != 3 {
		t.Errorf("repetitions = %d, want 3", item.Repetitions)
	}
	if math.Abs(item.EaseFactor-2.8) > 1e-9 {
		t.Errorf("ease = %.4f, want 2.8", item.EaseFactor)
	}
	if want := int(math.Round(6 * item.EaseFactor)); item.Interval != want {
		t.Errorf("interval = %d, want %d", item.Interval, want)
	}
}

func TestWithReviewLapseResets(t *testing.T) {
	item := freshItem()
	item.Repetitions = 7
	item.Interval = 120
	item.EaseFactor = 2.9

	for _, r := range []domain.Rating{domain.Again, domain.Hard} {
		t.Run(r.String(), func(t *testing.T) {
			got := WithReview(item, r, day0)
			if got.Repetitions != 0 || got.Interval != 1 {
				t.Errorf("lapse should reset: got repetitions=%d interval=%d", got.Repetitions, got.Interval)
			}
			if !got.NextReview.Equal(day0.AddDate(0, 0, 1)) {
				t.Errorf("next review = %v, want one day later", got.NextReview)
			}
		})
	}
}

func TestWithReviewDoesNotMutateInput(t *testing.T) {
	reviewed := day0.Add(-48 * time.Hour)
	item := freshItem()
	item.LastReviewed = &reviewed
	before := item.Clone()

	_ = WithReview(item, domain.Easy, day0)

	if item.EaseFactor != before.EaseFactor || item.Interval != before.Interval || item.Repetitions != before.Repetitions {
		t.Errorf("input was modified: %+v", item)
	}
	if !item.LastReviewed.Equal(reviewed) {
		t.Errorf("input LastReviewed was modified: %v", item.LastReviewed)
	}
}

func TestWithReviewInvariantsHold(t *testing.T) {
	ratings := []domain.Rating{domain.Again, domain.Hard, domain.Good, domain.Easy}
	starts := []domain.ReviewItem{
		freshItem(),
		{ID: "low", EaseFactor: EaseFloor, Interval: 1, Repetitions: 0, NextReview: day0, CreatedAt: day0},
		{ID: "high", EaseFactor: 3.4, Interval: 400, Repetitions: 12, NextReview: day0, CreatedAt: day0},
		{ID: "broken", EaseFactor: 0.4, Interval: -3, Repetitions: -1, NextReview: day0, CreatedAt: day0},
	}

	for _, start := range starts {
		for _, first := range ratings {
			for _, second := range ratings {
				got := WithReview(WithReview(start, first, day0), second, day0.AddDate(0, 0, 1))
				if got.EaseFactor < EaseFloor {
					t.Errorf("%s %s/%s: ease %.3f below floor", start.ID, first, second, got.EaseFactor)
				}
				if got.Interval < 1 {
					t.Errorf("%s %s/%s: interval %d below 1", start.ID, first, second, got.Interval)
				}
				if got.Repetitions < 0 {
					t.Errorf("%s %s/%s: negative repetitions", start.ID, first, second)
				}
				if second.IsLapse() && (got.Repetitions != 0 || got.Interval != 1) {
					t.Errorf("%s %s/%s: lapse did not reset", start.ID, first, second)
				}
			}
		}
	}
}

func TestWithReviewClampsUnknownRating(t *testing.T) {
	got := WithReview(freshItem(), domain.Rating(42), day0)
	want := WithReview(freshItem(), domain.Easy, day0)
	if got.EaseFactor != want.EaseFactor || got.Interval != want.Interval {
		t.Errorf("out-of-range rating should behave like Easy, got %+v", got)
	}

	got = WithReview(freshItem(), domain.Rating(-5), day0)
	if got.Repetitions != 0 || got.Interval != 1 {
		t.Errorf("negative rating should behave like Again, got %+v", got)
	}
}
