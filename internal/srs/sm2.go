package srs

import (
	"math"
	"time"

	"github.com/conorfennell/knolsync/internal/domain"
)

// SM-2 constants. EaseFloor keeps intervals growing after repeated lapses.
const (
	EaseFloor      = 1.3
	InitialEase    = 2.5
	FirstInterval  = 1
	SecondInterval = 6
	lapsePenalty   = 0.2
)

// NextEase returns the ease factor after a review rated r.
func NextEase(ease float64, r domain.Rating) float64 {
	if r.IsLapse() {
		ease -= lapsePenalty
	} else {
		q := float64(domain.Easy - r)
		ease += 0.1 - q*(0.08+q*0.02)
	}
	return math.Max(EaseFloor, ease)
}

// WithReview applies one review to item and returns the new state.
// The input is never modified.
func WithReview(item domain.ReviewItem, r domain.Rating, now time.Time) domain.ReviewItem {
	next := Sanitize(item).Clone()
	r = clampRating(r)

	next.EaseFactor = NextEase(next.EaseFactor, r)

	if r.IsLapse() {
		next.Repetitions = 0
		next.Interval = FirstInterval
	} else {
		next.Repetitions++
		switch next.Repetitions {
		case 1:
			next.Interval = FirstInterval
		case 2:
			next.Interval = SecondInterval
		default:
			next.Interval = int(math.Round(float64(next.Interval) * next.EaseFactor))
		}
	}
	if next.Interval < 1 {
		next.Interval = 1
	}

	reviewed := now
	next.LastReviewed = &reviewed
	next.NextReview = NextDueDate(now, next.Interval)
	return next
}

// NextDueDate is intervalDays calendar days after from.
func NextDueDate(from time.Time, intervalDays int) time.Time {
	return from.AddDate(0, 0, intervalDays)
}

// Sanitize restores the item invariants on state that did not come from
// WithReview (hand-edited JSON, older clients).
func Sanitize(item domain.ReviewItem) domain.ReviewItem {
	if item.EaseFactor < EaseFloor || math.IsNaN(item.EaseFactor) {
		item.EaseFactor = EaseFloor
	}
	if item.Repetitions < 0 {
		item.Repetitions = 0
	}
	if item.Interval < 0 {
		item.Interval = 0
	}
	if item.LastReviewed != nil && item.Interval < 1 {
		item.Interval = 1
	}
	return item
}

func clampRating(r domain.Rating) domain.Rating {
	if r < domain.Again {
		return domain.Again
	}
	if r > domain.Easy {
		return domain.Easy
	}
	return r
}
