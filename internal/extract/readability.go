package extract

import (
	"bytes"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
)

// Readability is the structured, reader-mode extraction stage.
type Readability struct {
	gate Gate
}

// NewReadability builds the stage.
func NewReadability(gate Gate) *Readability {
	return &Readability{gate: gate}
}

// Extract runs the readability algorithm and applies the gate.
func (r *Readability) Extract(html []byte, pageURL *url.URL) *crawler.ExtractionResult {
	if pageURL == nil {
		pageURL = &url.URL{Scheme: "http", Host: "localhost", Path: "/"}
	}
	article, err := readability.FromReader(bytes.NewReader(html), pageURL)
	if err != nil {
		return nil
	}
	content := normalizeLines(article.TextContent)
	if !r.gate.Passes(content) {
		return nil
	}
	return result(strings.TrimSpace(article.Title), content)
}
