package parser

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/conorfennell/knolsync/internal/domain"
)

const (
	phrasePrefix      = "P:"
	translationPrefix = "T:"
	separator         = "---"
)

type state int

const (
	seeking state = iota
	readingPhrase
	readingTranslation
)

// ParseFile reads a phrase deck from path.
func ParseFile(path string) ([]domain.Phrase, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Parse(file)
}

// Parse reads P:/T: blocks from r. A block ends at a "---" line or at the
// next P: line; continuation lines belong to the field above them. Blocks
// without a phrase are dropped.
func Parse(r io.Reader) ([]domain.Phrase, error) {
	scanner := bufio.NewScanner(r)
	var phrases []domain.Phrase
	var current domain.Phrase
	var block []string
	currentState := seeking

	flushBlock := func() {
		content := strings.TrimSpace(strings.Join(block, "\n"))
		switch currentState {
		case readingPhrase:
			current.Content = content
		case readingTranslation:
			current.Translation = content
		}
		block = nil
	}

	finishPhrase := func() {
		flushBlock()
		if current.Content != "" {
			phrases = append(phrases, current)
		}
		current = domain.Phrase{}
		currentState = seeking
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		switch {
		case strings.TrimSpace(line) == separator:
			finishPhrase()
		case strings.HasPrefix(line, phrasePrefix):
			if currentState != seeking {
				finishPhrase()
			}
			currentState = readingPhrase
			block = append(block, fieldValue(line, phrasePrefix))
		case strings.HasPrefix(line, translationPrefix):
			flushBlock()
			currentState = readingTranslation
			block = append(block, fieldValue(line, translationPrefix))
		case currentState != seeking:
			block = append(block, line)
		}
	}

	finishPhrase()

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return phrases, nil
}

func fieldValue(line, prefix string) string {
	return strings.TrimPrefix(line[len(prefix):], " ")
}
