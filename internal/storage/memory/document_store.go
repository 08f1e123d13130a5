package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
)

type docKey struct {
	kb  string
	url string
}

// DocumentStore enforces the (knowledge base, source URL) uniqueness that the
// database backends enforce with an index.
type DocumentStore struct {
	mu    sync.RWMutex
	byKey map[docKey]crawler.Document
	byID  map[string]docKey
}

// NewDocumentStore creates an empty store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		byKey: make(map[docKey]crawler.Document),
		byID:  make(map[string]docKey),
	}
}

// FindBySourceURL returns the stored document or crawler.ErrNotFound.
func (s *DocumentStore) FindBySourceURL(_ context.Context, knowledgeBaseID, sourceURL string) (crawler.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.byKey[docKey{kb: knowledgeBaseID, url: sourceURL}]
	if !ok {
		return crawler.Document{}, crawler.ErrNotFound
	}
	return doc, nil
}

// Create inserts doc or returns crawler.ErrUniqueViolation.
func (s *DocumentStore) Create(_ context.Context, doc crawler.Document) error {
	key := docKey{kb: doc.KnowledgeBaseID, url: doc.SourceURL}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byKey[key]; exists {
		return crawler.ErrUniqueViolation
	}
	if _, exists := s.byID[doc.ID]; exists {
		return crawler.ErrUniqueViolation
	}
	s.byKey[key] = doc
	s.byID[doc.ID] = key
	return nil
}

// Update replaces the document with the same ID. The key fields are immutable.
func (s *DocumentStore) Update(_ context.Context, doc crawler.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byID[doc.ID]
	if !ok {
		return crawler.ErrNotFound
	}
	current := s.byKey[key]
	doc.KnowledgeBaseID = current.KnowledgeBaseID
	doc.SourceURL = current.SourceURL
	doc.CreatedAt = current.CreatedAt
	doc.CreatedBy = current.CreatedBy
	s.byKey[key] = doc
	return nil
}

// Documents lists a knowledge base's documents ordered by source URL.
func (s *DocumentStore) Documents(knowledgeBaseID string) []crawler.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Document
	for key, doc := range s.byKey {
		if key.kb == knowledgeBaseID {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceURL < out[j].SourceURL })
	return out
}
