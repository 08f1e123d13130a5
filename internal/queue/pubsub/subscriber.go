package pubsub

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
)

// Subscriber receives from the subscription mapped to each logical topic.
type Subscriber struct {
	client        *gpubsub.Client
	subscriptions map[string]string
	clock         crawler.Clock
	concurrency   int
	logger        *zap.Logger
}

// NewSubscriber creates a Subscriber. concurrency bounds outstanding messages
// per subscription.
func NewSubscriber(client *gpubsub.Client, subscriptions map[string]string, concurrency int, clock crawler.Clock, logger *zap.Logger) (*Subscriber, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		client:        client,
		subscriptions: subscriptions,
		clock:         clock,
		concurrency:   concurrency,
		logger:        logger,
	}, nil
}

// Subscribe blocks receiving messages until ctx ends. A handler error nacks
// the message so Pub/Sub redelivers it under the subscription's retry policy.
func (s *Subscriber) Subscribe(ctx context.Context, topic string, handler crawler.MessageHandler) error {
	subID, ok := s.subscriptions[topic]
	if !ok || subID == "" {
		return fmt.Errorf("no subscription configured for topic %q", topic)
	}
	sub := s.client.Subscription(subID)
	sub.ReceiveSettings.MaxOutstandingMessages = s.concurrency
	sub.ReceiveSettings.NumGoroutines = 1

	err := sub.Receive(ctx, func(ctx context.Context, m *gpubsub.Message) {
		if notBefore, ok := parseNotBefore(m.Attributes); ok && s.clock.Now().Before(notBefore) {
			m.Nack()
			return
		}
		ctx = otel.GetTextMapPropagator().Extract(ctx, attributeCarrier{attrs: m.Attributes})

		attempt := 1
		if m.DeliveryAttempt != nil {
			attempt = *m.DeliveryAttempt
		}
		msg := crawler.Message{ID: m.ID, Topic: topic, Data: m.Data, Attempt: attempt}
		if err := handler(ctx, msg); err != nil {
			s.logger.Debug("nacking message", zap.String("topic", topic), zap.String("message_id", m.ID), zap.Error(err))
			m.Nack()
			return
		}
		m.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive %s: %w", subID, err)
	}
	return nil
}

// VerifyRetryPolicies checks that every mapped subscription waits at least
// minBackoff between redeliveries. Deliveries that arrive before not_before
// are nacked, so a subscription without backoff hands them straight back and
// burns through any dead-letter delivery limit before they are due.
func (s *Subscriber) VerifyRetryPolicies(ctx context.Context, minBackoff time.Duration) error {
	for _, topic := range slices.Sorted(maps.Keys(s.subscriptions)) {
		subID := s.subscriptions[topic]
		cfg, err := s.client.Subscription(subID).Config(ctx)
		if err != nil {
			return fmt.Errorf("read subscription %s: %w", subID, err)
		}
		if cfg.RetryPolicy == nil {
			return fmt.Errorf("subscription %s (topic %q) has no retry policy; configure a minimum backoff of at least %s",
				subID, topic, minBackoff)
		}
		got, _ := cfg.RetryPolicy.MinimumBackoff.(time.Duration)
		if got < minBackoff {
			return fmt.Errorf("subscription %s (topic %q) minimum backoff %s is below %s", subID, topic, got, minBackoff)
		}
	}
	return nil
}

func parseNotBefore(attrs map[string]string) (time.Time, bool) {
	raw, ok := attrs[AttrNotBefore]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
