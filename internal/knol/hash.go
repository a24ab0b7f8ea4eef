package knol

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/conorfennell/knolsync/internal/domain"
)

// idLength is the number of hex characters kept in an item id.
const idLength = 16

func normalizePart(part string) string {
	p := strings.ToLower(part)
	p = strings.ReplaceAll(p, "\r\n", "\n")
	p = strings.TrimSpace(p)
	return strings.Join(strings.Fields(p), " ")
}

// Normalize joins the cleaned content and translation of a phrase.
// Case, surrounding whitespace, line endings and inner runs of whitespace
// do not affect the result.
func Normalize(p domain.Phrase) string {
	// Newline keeps "ab"+"c" apart from "a"+"bc".
	return normalizePart(p.Content) + "\n" + normalizePart(p.Translation)
}

// Hash returns the SHA-256 of the normalized phrase as a hex string.
func Hash(p domain.Phrase) string {
	hashBytes := sha256.Sum256([]byte(Normalize(p)))
	return fmt.Sprintf("%x", hashBytes)
}

// ItemID derives a review item id from the phrase content alone, so the
// same phrase added on two devices becomes one item after a sync whatever
// translation each device gave it.
func ItemID(p domain.Phrase) string {
	sum := sha256.Sum256([]byte(normalizePart(p.Content)))
	return fmt.Sprintf("k%x", sum)[:idLength+1]
}
