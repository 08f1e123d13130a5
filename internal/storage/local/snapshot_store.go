// Package local archives raw HTML snapshots under a directory on disk.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
	"github.com/JakeFAU/kb-ingest-crawler/internal/storage/snapshot"
)

// Config captures the parameters for the on-disk snapshot store.
type Config struct {
	// BaseDir is the root directory snapshots are written under.
	BaseDir string
	// Prefix is the first key segment below BaseDir.
	Prefix string
}

// SnapshotStore writes one file per (knowledge base, page).
type SnapshotStore struct {
	baseDir string
	prefix  string
}

// New creates the base directory if needed and checks that it is writable.
func New(cfg Config) (*SnapshotStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	baseDir, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	probe, err := os.CreateTemp(baseDir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	_ = probe.Close()
	if err := os.Remove(probe.Name()); err != nil {
		return nil, fmt.Errorf("remove write check file: %w", err)
	}
	return &SnapshotStore{baseDir: baseDir, prefix: cfg.Prefix}, nil
}

// PutSnapshot writes the page through a temp file and rename, so readers never
// see a partial snapshot, and returns a file:// URI.
func (s *SnapshotStore) PutSnapshot(_ context.Context, snap crawler.Snapshot) (string, error) {
	if err := snapshot.Validate(snap); err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(snapshot.Key(s.prefix, snap.KnowledgeBaseID, snap.SourceURL)))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("snapshot path escapes base directory")
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return "", fmt.Errorf("create temp snapshot: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(snap.HTML); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close snapshot: %w", err)
	}
	if !snap.FetchedAt.IsZero() {
		if err := os.Chtimes(tmp.Name(), snap.FetchedAt, snap.FetchedAt); err != nil {
			return "", fmt.Errorf("stamp snapshot: %w", err)
		}
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return "", fmt.Errorf("publish snapshot: %w", err)
	}
	return "file://" + filepath.ToSlash(fullPath), nil
}
