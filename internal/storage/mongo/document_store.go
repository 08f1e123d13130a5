// Package mongostore persists documents in a MongoDB collection.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
)

const uniqueIndexName = "knowledgeBaseId_sourceUrl_unique"

// Config locates the documents collection.
type Config struct {
	URI        string
	Database   string
	Collection string
}

// DocumentStore implements crawler.DocumentStore on a mongo collection.
type DocumentStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// Connect dials MongoDB and ensures the uniqueness index exists.
func Connect(ctx context.Context, cfg Config) (*DocumentStore, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, fmt.Errorf("store.mongo.uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = "knowledge"
	}
	if cfg.Collection == "" {
		cfg.Collection = "documents"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	store := &DocumentStore{client: client, coll: client.Database(cfg.Database).Collection(cfg.Collection)}
	if err := store.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return store, nil
}

// NewWithCollection wraps an existing collection (primarily for testing).
func NewWithCollection(coll *mongo.Collection) *DocumentStore {
	return &DocumentStore{coll: coll}
}

// Close disconnects the owned client, if any.
func (s *DocumentStore) Close(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

// Ping checks that the primary is reachable.
func (s *DocumentStore) Ping(ctx context.Context) error {
	if err := s.coll.Database().Client().Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	return nil
}

// EnsureIndexes creates the unique (knowledgeBaseId, sourceUrl) index.
func (s *DocumentStore) EnsureIndexes(ctx context.Context) error {
	model := mongo.IndexModel{
		Keys: bson.D{
			{Key: "knowledgeBaseId", Value: 1},
			{Key: "sourceUrl", Value: 1},
		},
		Options: options.Index().SetUnique(true).SetName(uniqueIndexName),
	}
	if _, err := s.coll.Indexes().CreateOne(ctx, model); err != nil {
		return fmt.Errorf("create unique index: %w", err)
	}
	return nil
}

// FindBySourceURL returns the matching document or crawler.ErrNotFound.
func (s *DocumentStore) FindBySourceURL(ctx context.Context, knowledgeBaseID, sourceURL string) (crawler.Document, error) {
	filter := bson.D{
		{Key: "knowledgeBaseId", Value: knowledgeBaseID},
		{Key: "sourceUrl", Value: sourceURL},
	}
	var doc crawler.Document
	err := s.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return crawler.Document{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Document{}, fmt.Errorf("find document: %w", err)
	}
	return doc, nil
}

// Create inserts doc, mapping duplicate-key errors to crawler.ErrUniqueViolation.
func (s *DocumentStore) Create(ctx context.Context, doc crawler.Document) error {
	_, err := s.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return crawler.ErrUniqueViolation
	}
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// Update sets the mutable fields of the document with doc.ID.
func (s *DocumentStore) Update(ctx context.Context, doc crawler.Document) error {
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "filename", Value: doc.Filename},
		{Key: "content", Value: doc.Content},
		{Key: "mimeType", Value: doc.MimeType},
		{Key: "sizeMetadata", Value: doc.Size},
		{Key: "updatedAt", Value: doc.UpdatedAt},
	}}}
	res, err := s.coll.UpdateOne(ctx, bson.D{{Key: "_id", Value: doc.ID}}, update)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if res.MatchedCount == 0 {
		return crawler.ErrNotFound
	}
	return nil
}
