// Package gcs archives raw HTML snapshots in Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
	"github.com/JakeFAU/kb-ingest-crawler/internal/storage/snapshot"
)

// Object metadata keys set on every snapshot.
const (
	MetaKnowledgeBaseID = "knowledge_base_id"
	MetaSourceURL       = "source_url"
	MetaFetchedAt       = "fetched_at"
)

// Config captures the bucket layout.
type Config struct {
	Bucket string
	Prefix string
}

// SnapshotStore uploads snapshots to a bucket.
type SnapshotStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed snapshot store.
func New(client *storage.Client, cfg Config) (*SnapshotStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &SnapshotStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// PutSnapshot uploads the page HTML with its provenance as object metadata
// and returns a gs:// URI.
func (s *SnapshotStore) PutSnapshot(ctx context.Context, snap crawler.Snapshot) (string, error) {
	if err := snapshot.Validate(snap); err != nil {
		return "", err
	}
	key := snapshot.Key(s.prefix, snap.KnowledgeBaseID, snap.SourceURL)
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = snapshot.ContentType
	w.Metadata = map[string]string{
		MetaKnowledgeBaseID: snap.KnowledgeBaseID,
		MetaSourceURL:       snap.SourceURL,
	}
	if !snap.FetchedAt.IsZero() {
		w.Metadata[MetaFetchedAt] = snap.FetchedAt.UTC().Format(time.RFC3339)
	}
	if _, err := w.Write(snap.HTML); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload snapshot %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize snapshot %s: %w", key, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}
