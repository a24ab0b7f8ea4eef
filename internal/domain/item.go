package domain

import "time"

// ReviewItem is the scheduling state of one learnable phrase.
// Content and Translation are display strings; scheduling never reads them.
type ReviewItem struct {
	ID           string     `json:"id" validate:"required"`
	Content      string     `json:"content"`
	Translation  string     `json:"translation"`
	EaseFactor   float64    `json:"easeFactor" validate:"gte=1.3"`
	Interval     int        `json:"interval" validate:"gte=0"`
	Repetitions  int        `json:"repetitions" validate:"gte=0"`
	NextReview   time.Time  `json:"nextReview" validate:"required"`
	CreatedAt    time.Time  `json:"createdAt" validate:"required"`
	LastReviewed *time.Time `json:"lastReviewed,omitempty"`
}

// NewReviewItem returns a fresh item that is due immediately.
func NewReviewItem(id, content, translation string, now time.Time) ReviewItem {
	return ReviewItem{
		ID:          id,
		Content:     content,
		Translation: translation,
		EaseFactor:  2.5,
		Interval:    1,
		Repetitions: 0,
		NextReview:  now,
		CreatedAt:   now,
	}
}

// ReviewedAfter reports whether it carries a strictly later review than other.
// An item that was never reviewed is older than any reviewed one.
func (it ReviewItem) ReviewedAfter(other ReviewItem) bool {
	switch {
	case it.LastReviewed == nil:
		return false
	case other.LastReviewed == nil:
		return true
	default:
		return it.LastReviewed.After(*other.LastReviewed)
	}
}

// Clone returns a copy that shares no pointers with it.
func (it ReviewItem) Clone() ReviewItem {
	out := it
	if it.LastReviewed != nil {
		v := *it.LastReviewed
		out.LastReviewed = &v
	}
	return out
}

// Phrase is the text of a learnable unit before it becomes a ReviewItem.
type Phrase struct {
	Content     string
	Translation string
}
