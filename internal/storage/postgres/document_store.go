// Package postgres provides the Postgres-backed document store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
)

const uniqueViolationCode = "23505"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for documents.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// DocumentStore reads and writes documents keyed by (knowledge base, source URL).
type DocumentStore struct {
	pool  querier
	table string
}

// NewDocumentStore connects a pool using cfg.
func NewDocumentStore(ctx context.Context, cfg Config) (*DocumentStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &DocumentStore{pool: pool, table: table}, nil
}

// NewDocumentStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewDocumentStoreWithPool(pool querier, table string) (*DocumentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &DocumentStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "documents"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Ping checks the database connection.
func (s *DocumentStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *DocumentStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the documents table and its uniqueness index.
func (s *DocumentStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	knowledge_base_id TEXT NOT NULL,
	source_url TEXT NOT NULL,
	filename TEXT NOT NULL,
	content TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	word_count INTEGER NOT NULL,
	char_count INTEGER NOT NULL,
	size_bytes INTEGER NOT NULL,
	created_by TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	index := fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_kb_source_url_key ON %[1]s (knowledge_base_id, source_url)`, s.table)
	if _, err := s.pool.Exec(ctx, index); err != nil {
		return fmt.Errorf("create unique index: %w", err)
	}
	return nil
}

// FindBySourceURL returns the matching document or crawler.ErrNotFound.
func (s *DocumentStore) FindBySourceURL(ctx context.Context, knowledgeBaseID, sourceURL string) (crawler.Document, error) {
	query := fmt.Sprintf(`
SELECT id, knowledge_base_id, source_url, filename, content, mime_type,
	word_count, char_count, size_bytes, COALESCE(created_by, ''), created_at, updated_at
FROM %s
WHERE knowledge_base_id = $1 AND source_url = $2`, s.table)

	var doc crawler.Document
	err := s.pool.QueryRow(ctx, query, knowledgeBaseID, sourceURL).Scan(
		&doc.ID,
		&doc.KnowledgeBaseID,
		&doc.SourceURL,
		&doc.Filename,
		&doc.Content,
		&doc.MimeType,
		&doc.Size.WordCount,
		&doc.Size.CharCount,
		&doc.Size.Bytes,
		&doc.CreatedBy,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Document{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Document{}, fmt.Errorf("select document: %w", err)
	}
	return doc, nil
}

// Create inserts doc, mapping a unique-key collision to crawler.ErrUniqueViolation.
func (s *DocumentStore) Create(ctx context.Context, doc crawler.Document) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	knowledge_base_id,
	source_url,
	filename,
	content,
	mime_type,
	word_count,
	char_count,
	size_bytes,
	created_by,
	created_at,
	updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)`, s.table)

	_, err := s.pool.Exec(ctx, query,
		doc.ID,
		doc.KnowledgeBaseID,
		doc.SourceURL,
		doc.Filename,
		doc.Content,
		doc.MimeType,
		doc.Size.WordCount,
		doc.Size.CharCount,
		doc.Size.Bytes,
		nullable(doc.CreatedBy),
		doc.CreatedAt,
		doc.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return crawler.ErrUniqueViolation
	}
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// Update rewrites the mutable columns of an existing document.
func (s *DocumentStore) Update(ctx context.Context, doc crawler.Document) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	filename = $2,
	content = $3,
	mime_type = $4,
	word_count = $5,
	char_count = $6,
	size_bytes = $7,
	updated_at = $8
WHERE id = $1`, s.table)

	tag, err := s.pool.Exec(ctx, query,
		doc.ID,
		doc.Filename,
		doc.Content,
		doc.MimeType,
		doc.Size.WordCount,
		doc.Size.CharCount,
		doc.Size.Bytes,
		doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
