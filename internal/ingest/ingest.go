// Package ingest validates ingest requests and turns them into the first
// wave of crawl work: a sitemap-seeded batch or a single root job.
package ingest

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
)

// ErrInvalidRequest marks malformed ingest input. It never enters the pipeline.
var ErrInvalidRequest = errors.New("invalid ingest request")

// Validate checks req and returns it with a trimmed knowledge base ID and a
// canonical seed URL.
func Validate(req crawler.IngestRequest) (crawler.IngestRequest, error) {
	req.KnowledgeBaseID = strings.TrimSpace(req.KnowledgeBaseID)
	req.RequesterID = strings.TrimSpace(req.RequesterID)
	if req.KnowledgeBaseID == "" {
		return req, fmt.Errorf("%w: knowledgeBaseId is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.SeedURL) == "" {
		return req, fmt.Errorf("%w: seedUrl is required", ErrInvalidRequest)
	}
	if req.MaxDepth < 0 || req.MaxDepth > crawler.MaxIngestDepth {
		return req, fmt.Errorf("%w: maxDepth must be between 0 and %d", ErrInvalidRequest, crawler.MaxIngestDepth)
	}
	parsed, err := url.Parse(strings.TrimSpace(req.SeedURL))
	if err != nil || !parsed.IsAbs() {
		return req, fmt.Errorf("%w: seedUrl must be an absolute http(s) URL", ErrInvalidRequest)
	}
	canonical, ok := crawler.Canonicalize(parsed.String(), "")
	if !ok {
		return req, fmt.Errorf("%w: seedUrl must be an absolute http(s) URL", ErrInvalidRequest)
	}
	req.SeedURL = canonical
	return req, nil
}
