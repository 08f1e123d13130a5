// Package pubsub carries crawl, ingest and embedding messages over Google
// Cloud Pub/Sub. Delayed delivery is expressed with a not_before attribute
// that subscribers honour by nacking early deliveries.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
	"github.com/JakeFAU/kb-ingest-crawler/internal/metrics"
)

// AttrNotBefore holds the RFC 3339 instant before which a message must not be processed.
const AttrNotBefore = "not_before"

// Publisher maps logical topics onto Pub/Sub topic IDs.
type Publisher struct {
	client *gpubsub.Client
	topics map[string]string
	clock  crawler.Clock

	mu      sync.Mutex
	handles map[string]*gpubsub.Topic
}

// NewPublisher creates a Publisher. topics maps logical names (crawl, ingest,
// embed) to Pub/Sub topic IDs; unmapped names are used verbatim.
func NewPublisher(client *gpubsub.Client, topics map[string]string, clock crawler.Clock) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &Publisher{
		client:  client,
		topics:  topics,
		clock:   clock,
		handles: make(map[string]*gpubsub.Topic),
	}, nil
}

func (p *Publisher) topic(name string) *gpubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.handles[name]; ok {
		return t
	}
	id := name
	if mapped, ok := p.topics[name]; ok && mapped != "" {
		id = mapped
	}
	t := p.client.Topic(id)
	p.handles[name] = t
	return t
}

// Publish marshals the payload to JSON and publishes it, waiting for the server ack.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any, opts crawler.PublishOptions) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &gpubsub.Message{Data: data, Attributes: make(map[string]string)}
	if opts.Delay > 0 {
		msg.Attributes[AttrNotBefore] = p.clock.Now().Add(opts.Delay).UTC().Format(time.RFC3339Nano)
	}
	otel.GetTextMapPropagator().Inject(ctx, attributeCarrier{attrs: msg.Attributes})

	id, err := p.topic(topic).Publish(ctx, msg).Get(ctx)
	metrics.ObservePublish(topic, err)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

// Close flushes and stops every topic handle. The client is owned by the caller.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, t := range p.handles {
		t.Stop()
		delete(p.handles, name)
	}
}
