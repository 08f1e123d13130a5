package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
	"github.com/JakeFAU/kb-ingest-crawler/internal/storage/snapshot"
)

// SnapshotStore keeps raw HTML keyed the same way the durable backends are.
type SnapshotStore struct {
	prefix string

	mu    sync.RWMutex
	pages map[string]crawler.Snapshot
}

// NewSnapshotStore creates an empty store that keys objects under prefix.
func NewSnapshotStore(prefix string) *SnapshotStore {
	return &SnapshotStore{prefix: prefix, pages: make(map[string]crawler.Snapshot)}
}

// PutSnapshot stores a copy of snap and returns a memory:// URI. A later
// snapshot of the same page replaces the earlier one.
func (s *SnapshotStore) PutSnapshot(_ context.Context, snap crawler.Snapshot) (string, error) {
	if err := snapshot.Validate(snap); err != nil {
		return "", err
	}
	key := snapshot.Key(s.prefix, snap.KnowledgeBaseID, snap.SourceURL)
	snap.HTML = append([]byte(nil), snap.HTML...)

	s.mu.Lock()
	s.pages[key] = snap
	s.mu.Unlock()
	return "memory://" + key, nil
}

// Snapshot returns the latest snapshot of sourceURL in a knowledge base.
func (s *SnapshotStore) Snapshot(knowledgeBaseID, sourceURL string) (crawler.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.pages[snapshot.Key(s.prefix, knowledgeBaseID, sourceURL)]
	snap.HTML = append([]byte(nil), snap.HTML...)
	return snap, ok
}

// Len reports how many pages are archived.
func (s *SnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages)
}
