// Package dispatcher fans queue deliveries out to a pool of consumers.
package dispatcher

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
)

// Dispatcher runs a fixed number of consumers per topic.
type Dispatcher struct {
	subscriber  crawler.Subscriber
	routes      map[string]crawler.MessageHandler
	concurrency int
	logger      *zap.Logger
}

// New creates a Dispatcher. routes maps topics to their handlers.
func New(subscriber crawler.Subscriber, routes map[string]crawler.MessageHandler, concurrency int, logger *zap.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		subscriber:  subscriber,
		routes:      routes,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Topics lists the routed topics in a stable order.
func (d *Dispatcher) Topics() []string {
	topics := make([]string, 0, len(d.routes))
	for topic := range d.routes {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Run starts every consumer and blocks until ctx ends or a subscription fails.
// A failing subscription cancels the rest.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.subscriber == nil {
		return fmt.Errorf("subscriber is required")
	}
	if len(d.routes) == 0 {
		return fmt.Errorf("no topics to consume")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range d.Topics() {
		handler := d.routes[topic]
		for i := 0; i < d.concurrency; i++ {
			consumer := i
			g.Go(func() error {
				d.logger.Debug("consumer started", zap.String("topic", topic), zap.Int("consumer", consumer))
				if err := d.subscriber.Subscribe(ctx, topic, handler); err != nil {
					return fmt.Errorf("subscribe %s: %w", topic, err)
				}
				return nil
			})
		}
	}
	d.logger.Info("dispatcher running", zap.Strings("topics", d.Topics()), zap.Int("concurrency", d.concurrency))
	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}
