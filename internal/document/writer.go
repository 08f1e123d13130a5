// Package document owns the single mutation point into durable storage: an
// idempotent create-or-update keyed by (knowledge base, canonical URL).
package document

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
)

// Result describes what an upsert did.
type Result string

// Upsert results, also used as metric labels.
const (
	Created   Result = "created"
	Updated   Result = "updated"
	Unchanged Result = "unchanged"
)

// Changed reports whether the stored content was written.
func (r Result) Changed() bool {
	return r == Created || r == Updated
}

// MimeType is the type of all extracted content.
const MimeType = "text/plain"

// UpsertInput is the fully assembled record the pipeline wants stored.
type UpsertInput struct {
	KnowledgeBaseID string
	SourceURL       string
	Title           string
	Content         string
	WordCount       int
	RequesterID     string
}

// Writer implements the race-safe upsert on top of a DocumentStore.
type Writer struct {
	store  crawler.DocumentStore
	ids    crawler.IDGenerator
	clock  crawler.Clock
	factor float64
	logger *zap.Logger
}

// NewWriter builds a Writer. factor is the word-count multiple new content
// must exceed to replace existing content; values below 1 become 2.
func NewWriter(store crawler.DocumentStore, ids crawler.IDGenerator, clock crawler.Clock, factor float64, logger *zap.Logger) *Writer {
	if factor < 1 {
		factor = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{store: store, ids: ids, clock: clock, factor: factor, logger: logger}
}

// Upsert creates the document when absent, replaces it when the new content is
// substantially longer, and otherwise returns the stored row untouched. A
// concurrent create of the same key is resolved by reading back the winner.
func (w *Writer) Upsert(ctx context.Context, in UpsertInput) (crawler.Document, Result, error) {
	if in.KnowledgeBaseID == "" || in.SourceURL == "" {
		return crawler.Document{}, "", fmt.Errorf("knowledge base id and source url are required")
	}

	existing, err := w.store.FindBySourceURL(ctx, in.KnowledgeBaseID, in.SourceURL)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		return w.create(ctx, in)
	case err != nil:
		return crawler.Document{}, "", fmt.Errorf("find document: %w", err)
	}

	if !w.shouldReplace(existing.Size.WordCount, in.WordCount) {
		return existing, Unchanged, nil
	}

	updated := existing
	updated.Filename = Filename(in.Title, in.SourceURL)
	updated.Content = in.Content
	updated.MimeType = MimeType
	updated.Size = sizeOf(in.Content, in.WordCount)
	updated.UpdatedAt = w.clock.Now()
	if err := w.store.Update(ctx, updated); err != nil {
		return crawler.Document{}, "", fmt.Errorf("update document: %w", err)
	}
	return updated, Updated, nil
}

func (w *Writer) create(ctx context.Context, in UpsertInput) (crawler.Document, Result, error) {
	id, err := w.ids.NewID()
	if err != nil {
		return crawler.Document{}, "", fmt.Errorf("document id: %w", err)
	}
	now := w.clock.Now()
	doc := crawler.Document{
		ID:              id,
		KnowledgeBaseID: in.KnowledgeBaseID,
		SourceURL:       in.SourceURL,
		Filename:        Filename(in.Title, in.SourceURL),
		Content:         in.Content,
		MimeType:        MimeType,
		Size:            sizeOf(in.Content, in.WordCount),
		CreatedBy:       in.RequesterID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = w.store.Create(ctx, doc)
	if err == nil {
		return doc, Created, nil
	}
	if !errors.Is(err, crawler.ErrUniqueViolation) {
		return crawler.Document{}, "", fmt.Errorf("create document: %w", err)
	}

	w.logger.Debug("lost create race; reading back winner",
		zap.String("knowledge_base_id", in.KnowledgeBaseID),
		zap.String("url", in.SourceURL),
	)
	winner, err := w.store.FindBySourceURL(ctx, in.KnowledgeBaseID, in.SourceURL)
	if err != nil {
		return crawler.Document{}, "", fmt.Errorf("read back after conflict: %w", err)
	}
	return winner, Unchanged, nil
}

func (w *Writer) shouldReplace(oldWords, newWords int) bool {
	return float64(newWords) > w.factor*float64(oldWords)
}

func sizeOf(content string, words int) crawler.SizeMetadata {
	return crawler.SizeMetadata{
		WordCount: words,
		CharCount: utf8.RuneCountInString(content),
		Bytes:     len(content),
	}
}

// Filename derives a display name: the title, else the last path segment,
// else the host.
func Filename(title, sourceURL string) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	u, err := url.Parse(sourceURL)
	if err != nil {
		return sourceURL
	}
	if base := path.Base(u.Path); base != "/" && base != "." && base != "" {
		return base
	}
	return u.Host
}
