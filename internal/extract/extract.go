// Package extract turns fetched HTML into clean text through an ordered chain
// of extractors, each guarded by the same quality gate.
package extract

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
)

// Gate holds the minimum thresholds extracted text must clear.
type Gate struct {
	MinChars         int
	MinWords         int
	MinSentences     int
	MinSentenceChars int
}

// DefaultGate returns the standard thresholds: 100 chars, 20 words, 3 sentences of 10+ chars.
func DefaultGate() Gate {
	return Gate{MinChars: 100, MinWords: 20, MinSentences: 3, MinSentenceChars: 10}
}

// Passes reports whether text clears every threshold.
func (g Gate) Passes(text string) bool {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < g.MinChars {
		return false
	}
	if CountWords(text) < g.MinWords {
		return false
	}
	return g.countSentences(text) >= g.MinSentences
}

func (g Gate) countSentences(text string) int {
	fragments := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	n := 0
	for _, f := range fragments {
		if utf8.RuneCountInString(strings.TrimSpace(f)) >= g.MinSentenceChars {
			n++
		}
	}
	return n
}

// CountWords counts whitespace-separated words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// Chain tries each extractor in order; the first non-nil result wins.
type Chain []crawler.Extractor

var _ crawler.Extractor = Chain(nil)

// Extract runs the chain.
func (c Chain) Extract(html []byte, pageURL *url.URL) *crawler.ExtractionResult {
	for _, e := range c {
		if res := e.Extract(html, pageURL); res != nil {
			return res
		}
	}
	return nil
}

// NewDefaultChain builds the readability-then-heuristic chain.
func NewDefaultChain(gate Gate, containerMinChars int) Chain {
	return Chain{
		NewReadability(gate),
		NewHeuristic(gate, containerMinChars),
	}
}

func result(title, content string) *crawler.ExtractionResult {
	return &crawler.ExtractionResult{
		Title:     title,
		Content:   content,
		WordCount: CountWords(content),
	}
}

// collapseSpace folds runs of whitespace into single spaces.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// normalizeLines collapses whitespace inside each line and drops blank lines.
func normalizeLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = collapseSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
