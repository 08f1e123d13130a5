// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// Logical queue topics.
const (
	TopicCrawl  = "crawl"
	TopicIngest = "ingest"
	TopicEmbed  = "embed"
)

// MaxIngestDepth is the deepest crawl an ingest request may ask for.
const MaxIngestDepth = 5

// CrawlJob is one unit of work on the crawl topic. Depth 0 is terminal.
type CrawlJob struct {
	KnowledgeBaseID string `json:"knowledgeBaseId"`
	TargetURL       string `json:"targetUrl"`
	RequesterID     string `json:"requesterId"`
	Depth           int    `json:"depth"`
}

// IngestRequest is the user-initiated trigger that seeds a crawl.
type IngestRequest struct {
	KnowledgeBaseID string `json:"knowledgeBaseId"`
	RequesterID     string `json:"requesterId"`
	SeedURL         string `json:"seedUrl"`
	MaxDepth        int    `json:"maxDepth"`
}

// EmbeddingJob asks the downstream embedding service to (re)index content.
// Sitemap seeding emits URL-keyed jobs before a document exists, so DocumentID
// may be empty.
type EmbeddingJob struct {
	KnowledgeBaseID string `json:"knowledgeBaseId"`
	DocumentID      string `json:"documentId,omitempty"`
	SourceURL       string `json:"sourceUrl"`
	RequesterID     string `json:"requesterId,omitempty"`
}

// ExtractionResult is the transient output of a successful content extraction.
type ExtractionResult struct {
	Title     string `json:"title"`
	Content   string `json:"content"`
	WordCount int    `json:"wordCount"`
}

// SizeMetadata describes the stored content.
type SizeMetadata struct {
	WordCount int `json:"wordCount" bson:"wordCount"`
	CharCount int `json:"charCount" bson:"charCount"`
	Bytes     int `json:"bytes" bson:"bytes"`
}

// Document is the persisted record produced by the pipeline. At most one
// exists per (KnowledgeBaseID, SourceURL).
type Document struct {
	ID              string       `json:"id" bson:"_id"`
	KnowledgeBaseID string       `json:"knowledgeBaseId" bson:"knowledgeBaseId"`
	SourceURL       string       `json:"sourceUrl" bson:"sourceUrl"`
	Filename        string       `json:"filename" bson:"filename"`
	Content         string       `json:"content" bson:"content"`
	MimeType        string       `json:"mimeType" bson:"mimeType"`
	Size            SizeMetadata `json:"sizeMetadata" bson:"sizeMetadata"`
	CreatedBy       string       `json:"createdBy,omitempty" bson:"createdBy,omitempty"`
	CreatedAt       time.Time    `json:"createdAt" bson:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt" bson:"updatedAt"`
}

// Page is a successfully fetched HTML response.
type Page struct {
	URL        string        `json:"url"`
	FinalURL   string        `json:"finalUrl"`
	StatusCode int           `json:"statusCode"`
	Headers    http.Header   `json:"headers"`
	Body       []byte        `json:"-"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
}

// OutcomeStatus summarizes how a crawl job ended.
type OutcomeStatus string

// Outcome status values, also used as metric labels.
const (
	OutcomeStored    OutcomeStatus = "stored"
	OutcomeBlocked   OutcomeStatus = "blocked"
	OutcomeNoContent OutcomeStatus = "no_content"
	OutcomeInvalid   OutcomeStatus = "invalid"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Outcome is the terminal result of handling one CrawlJob.
type Outcome struct {
	Status           OutcomeStatus `json:"status"`
	Success          bool          `json:"success"`
	Blocked          bool          `json:"blocked,omitempty"`
	Reason           string        `json:"reason,omitempty"`
	CanonicalURL     string        `json:"canonicalUrl,omitempty"`
	DocumentID       string        `json:"documentId,omitempty"`
	Upsert           string        `json:"upsert,omitempty"`
	ChildrenEnqueued int           `json:"childrenEnqueued"`
}
