// Package snapshot defines where raw HTML snapshots live inside a bucket or
// directory, so every backend lays objects out the same way.
package snapshot

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
	"github.com/JakeFAU/kb-ingest-crawler/internal/hash/sha256"
)

// ContentType is stored with every snapshot object.
const ContentType = "text/html; charset=utf-8"

// Key returns {prefix}/{knowledgeBaseID}/{sha256(sourceURL)}.html. Leading and
// trailing slashes on prefix are ignored and an empty prefix is omitted.
func Key(prefix, knowledgeBaseID, sourceURL string) string {
	name := sha256.Sum(sourceURL) + ".html"
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return knowledgeBaseID + "/" + name
	}
	return prefix + "/" + knowledgeBaseID + "/" + name
}

// Validate rejects snapshots that cannot be keyed. Knowledge base IDs become a
// path segment, so separators are refused.
func Validate(snap crawler.Snapshot) error {
	kb := strings.TrimSpace(snap.KnowledgeBaseID)
	switch {
	case kb == "":
		return fmt.Errorf("snapshot knowledge base id is required")
	case strings.ContainsAny(kb, `/\`) || kb == "." || kb == "..":
		return fmt.Errorf("snapshot knowledge base id %q is not a valid path segment", snap.KnowledgeBaseID)
	case strings.TrimSpace(snap.SourceURL) == "":
		return fmt.Errorf("snapshot source url is required")
	}
	return nil
}
