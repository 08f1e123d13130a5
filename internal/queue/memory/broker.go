// Package memory provides an in-process queue broker for local development
// and tests. It mirrors the delivery semantics the worker relies on from
// Pub/Sub: delayed publish, competing consumers and bounded redelivery.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
	"github.com/JakeFAU/kb-ingest-crawler/internal/metrics"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("broker closed")

// Config tunes the broker.
type Config struct {
	// Capacity bounds each topic's buffer.
	Capacity int
	// MaxDeliveries caps how many times a failing message is handed out.
	MaxDeliveries int
	// RedeliveryDelay spaces redeliveries of failed messages.
	RedeliveryDelay time.Duration
}

// Published captures one publish call.
type Published struct {
	ID    string
	Topic string
	Data  []byte
	Delay time.Duration
}

// Decode unmarshals the recorded payload into v.
func (p Published) Decode(v any) error {
	return json.Unmarshal(p.Data, v)
}

type delivery struct {
	id      string
	topic   string
	data    []byte
	attempt int
}

// Broker is a topic-keyed set of buffered channels.
type Broker struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	topics      map[string]chan delivery
	subscribers map[string]int
	published   []Published
	seq       int
	dropped   int

	done      chan struct{}
	closeOnce sync.Once
	pending   sync.WaitGroup
}

// NewBroker constructs a broker.
func NewBroker(cfg Config, logger *zap.Logger) *Broker {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		cfg:    cfg,
		logger: logger,
		topics:      make(map[string]chan delivery),
		subscribers: make(map[string]int),
		done:        make(chan struct{}),
	}
}

func (b *Broker) channel(topic string) chan delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.topics[topic]
	if !ok {
		ch = make(chan delivery, b.cfg.Capacity)
		b.topics[topic] = ch
	}
	return ch
}

// Publish marshals payload to JSON and enqueues it, after opts.Delay if set.
func (b *Broker) Publish(ctx context.Context, topic string, payload any, opts crawler.PublishOptions) (string, error) {
	select {
	case <-b.done:
		return "", ErrClosed
	default:
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	b.mu.Lock()
	b.seq++
	id := fmt.Sprintf("memory-%d", b.seq)
	b.published = append(b.published, Published{ID: id, Topic: topic, Data: data, Delay: opts.Delay})
	b.mu.Unlock()

	d := delivery{id: id, topic: topic, data: data, attempt: 1}
	if opts.Delay > 0 {
		b.schedule(d, opts.Delay)
		metrics.ObservePublish(topic, nil)
		return id, nil
	}
	err = b.enqueue(ctx, d)
	metrics.ObservePublish(topic, err)
	if err != nil {
		return "", err
	}
	return id, nil
}

// enqueue blocks for buffer room only while the topic has a subscriber.
// Topics consumed outside the process, such as embed, keep the publish record
// and drop the delivery once their buffer is full.
func (b *Broker) enqueue(ctx context.Context, d delivery) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	ch := b.channel(d.topic)
	if !b.subscribed(d.topic) {
		select {
		case ch <- d:
		default:
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
			b.logger.Debug("no subscriber and buffer full; delivery dropped",
				zap.String("topic", d.topic),
				zap.String("message_id", d.id),
			)
		}
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-b.done:
		return ErrClosed
	case ch <- d:
		return nil
	}
}

func (b *Broker) subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribers[topic] > 0
}

func (b *Broker) schedule(d delivery, delay time.Duration) {
	b.pending.Add(1)
	go func() {
		defer b.pending.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-b.done:
			return
		case <-timer.C:
		}
		if err := b.enqueue(context.Background(), d); err != nil && !errors.Is(err, ErrClosed) {
			b.logger.Warn("delayed enqueue failed", zap.String("topic", d.topic), zap.Error(err))
		}
	}()
}

// Subscribe delivers topic messages to handler until ctx ends. Several
// subscribers on one topic compete for messages.
func (b *Broker) Subscribe(ctx context.Context, topic string, handler crawler.MessageHandler) error {
	ch := b.channel(topic)
	b.mu.Lock()
	b.subscribers[topic]++
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.subscribers[topic]--
		b.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case d := <-ch:
			err := handler(ctx, crawler.Message{ID: d.id, Topic: d.topic, Data: d.data, Attempt: d.attempt})
			if err == nil {
				continue
			}
			if d.attempt >= b.cfg.MaxDeliveries {
				b.mu.Lock()
				b.dropped++
				b.mu.Unlock()
				b.logger.Warn("message exhausted deliveries",
					zap.String("topic", d.topic),
					zap.String("message_id", d.id),
					zap.Int("attempts", d.attempt),
					zap.Error(err),
				)
				continue
			}
			d.attempt++
			b.schedule(d, b.cfg.RedeliveryDelay)
		}
	}
}

// Published returns the recorded publishes, optionally filtered by topic.
func (b *Broker) Published(topic string) []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Published, 0, len(b.published))
	for _, p := range b.published {
		if topic == "" || p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// Dropped reports deliveries discarded after MaxDeliveries failures or for
// lack of a subscriber.
func (b *Broker) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close stops subscribers and pending delayed deliveries.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	b.pending.Wait()
}
