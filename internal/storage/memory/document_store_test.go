package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
)

func TestDocumentStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewDocumentStore()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	_, err := store.FindBySourceURL(ctx, "kb", "https://example.com/a")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	doc := crawler.Document{
		ID:              "doc-1",
		KnowledgeBaseID: "kb",
		SourceURL:       "https://example.com/a",
		Content:         "hello",
		CreatedBy:       "user-1",
		CreatedAt:       created,
	}
	require.NoError(t, store.Create(ctx, doc))

	dup := doc
	dup.ID = "doc-2"
	require.ErrorIs(t, store.Create(ctx, dup), crawler.ErrUniqueViolation)

	// Same URL in another knowledge base is a different key.
	other := doc
	other.ID = "doc-3"
	other.KnowledgeBaseID = "kb-2"
	require.NoError(t, store.Create(ctx, other))

	update := doc
	update.Content = "hello again"
	update.SourceURL = "https://example.com/moved"
	update.CreatedBy = "someone-else"
	require.NoError(t, store.Update(ctx, update))

	got, err := store.FindBySourceURL(ctx, "kb", "https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, "hello again", got.Content)
	require.Equal(t, "user-1", got.CreatedBy)
	require.Equal(t, created, got.CreatedAt)

	require.ErrorIs(t, store.Update(ctx, crawler.Document{ID: "missing"}), crawler.ErrNotFound)
	require.Len(t, store.Documents("kb"), 1)
	require.Len(t, store.Documents("kb-2"), 1)
}
