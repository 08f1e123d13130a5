package crawler

import (
	"context"
	"net/url"
	"time"
)

// PublishOptions tune a single publish call.
type PublishOptions struct {
	// Delay postpones delivery. Zero means deliver as soon as possible.
	Delay time.Duration
}

// Publisher emits payloads to a queue topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, opts PublishOptions) (string, error)
}

// Message is a delivered queue message.
type Message struct {
	ID      string
	Topic   string
	Data    []byte
	Attempt int
}

type deliveryAttemptKey struct{}

// WithDeliveryAttempt records the queue delivery attempt (1-based) on ctx.
func WithDeliveryAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, deliveryAttemptKey{}, attempt)
}

// DeliveryAttempt returns the attempt stored by WithDeliveryAttempt, or 0 when
// the caller is not a queue delivery.
func DeliveryAttempt(ctx context.Context) int {
	attempt, _ := ctx.Value(deliveryAttemptKey{}).(int)
	return attempt
}

// MessageHandler processes one delivery. A non-nil error asks the queue to
// redeliver according to its own retry policy.
type MessageHandler func(ctx context.Context, msg Message) error

// Subscriber consumes messages for a topic until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
}

// DocumentStore is the persistence contract used by the document writer.
// Create must return ErrUniqueViolation when the (knowledge base, source URL)
// key already exists, and FindBySourceURL must return ErrNotFound when absent.
type DocumentStore interface {
	FindBySourceURL(ctx context.Context, knowledgeBaseID, sourceURL string) (Document, error)
	Create(ctx context.Context, doc Document) error
	Update(ctx context.Context, doc Document) error
}

// Snapshot is the raw HTML of one fetched page.
type Snapshot struct {
	KnowledgeBaseID string
	SourceURL       string
	HTML            []byte
	FetchedAt       time.Time
}

// SnapshotStore archives raw page HTML and returns the stored object's URI.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, snap Snapshot) (string, error)
}

// Fetcher retrieves one HTML page.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Page, error)
}

// Extractor turns HTML into usable text, or returns nil when it cannot.
type Extractor interface {
	Extract(html []byte, pageURL *url.URL) *ExtractionResult
}

// Gatekeeper enforces per-origin politeness.
type Gatekeeper interface {
	IsAllowed(ctx context.Context, rawURL string) bool
	CrawlDelay(ctx context.Context, origin string) time.Duration
	AcquireSlot(ctx context.Context, origin string) (func(), error)
}

// Hasher produces content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator yields unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
