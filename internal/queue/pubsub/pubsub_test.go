package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestClient(t *testing.T) (*gpubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := gpubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func createTopicAndSub(t *testing.T, client *gpubsub.Client, topicID, subID string) {
	t.Helper()
	ctx := context.Background()
	topic, err := client.CreateTopic(ctx, topicID)
	require.NoError(t, err)
	_, err = client.CreateSubscription(ctx, subID, gpubsub.SubscriptionConfig{Topic: topic, AckDeadline: 10 * time.Second})
	require.NoError(t, err)
}

func TestPublisherMapsTopicAndAddsNotBefore(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	_, err := client.CreateTopic(context.Background(), "kb-embed")
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	pub, err := NewPublisher(client, map[string]string{crawler.TopicEmbed: "kb-embed"}, clock)
	require.NoError(t, err)
	defer pub.Close()

	job := crawler.EmbeddingJob{KnowledgeBaseID: "kb-1", SourceURL: "https://example.com/a"}
	id, err := pub.Publish(context.Background(), crawler.TopicEmbed, job, crawler.PublishOptions{Delay: 2 * time.Minute})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "2026-06-01T12:02:00Z", msgs[0].Attributes[AttrNotBefore])

	var decoded crawler.EmbeddingJob
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	require.Equal(t, job, decoded)
}

func TestPublisherWithoutDelayOmitsNotBefore(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	_, err := client.CreateTopic(context.Background(), crawler.TopicCrawl)
	require.NoError(t, err)

	pub, err := NewPublisher(client, nil, &fakeClock{})
	require.NoError(t, err)
	defer pub.Close()

	_, err = pub.Publish(context.Background(), crawler.TopicCrawl, crawler.CrawlJob{TargetURL: "https://example.com"}, crawler.PublishOptions{})
	require.NoError(t, err)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	_, ok := msgs[0].Attributes[AttrNotBefore]
	require.False(t, ok)
}

func TestPublisherReportsMissingTopic(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	pub, err := NewPublisher(client, nil, &fakeClock{})
	require.NoError(t, err)
	defer pub.Close()

	_, err = pub.Publish(context.Background(), "does-not-exist", map[string]string{}, crawler.PublishOptions{})
	require.Error(t, err)
}

func runSubscriber(t *testing.T, sub *Subscriber, topic string, handler crawler.MessageHandler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Subscribe(ctx, topic, handler) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

// nacked reports whether the client sent a zero-second deadline for a message.
func nacked(m *pstest.Message) bool {
	for _, mod := range m.Modacks {
		if mod.AckDeadline == 0 {
			return true
		}
	}
	return false
}

func TestSubscriberNacksOnHandlerError(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	createTopicAndSub(t, client, "kb-crawl", "kb-crawl-worker")

	clock := &fakeClock{now: time.Now()}
	pub, err := NewPublisher(client, map[string]string{crawler.TopicCrawl: "kb-crawl"}, clock)
	require.NoError(t, err)
	defer pub.Close()
	sub, err := NewSubscriber(client, map[string]string{crawler.TopicCrawl: "kb-crawl-worker"}, 1, clock, nil)
	require.NoError(t, err)

	var calls atomic.Int32
	runSubscriber(t, sub, crawler.TopicCrawl, func(context.Context, crawler.Message) error {
		calls.Add(1)
		return errors.New("store unavailable")
	})

	_, err = pub.Publish(context.Background(), crawler.TopicCrawl, crawler.CrawlJob{TargetURL: "https://example.com/a"}, crawler.PublishOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := srv.Messages()
		return len(msgs) == 1 && nacked(msgs[0])
	}, 30*time.Second, 20*time.Millisecond)
	require.GreaterOrEqual(t, calls.Load(), int32(1))
	require.Zero(t, srv.Messages()[0].Acks)
}

func TestSubscriberAcksOnSuccess(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	createTopicAndSub(t, client, "kb-crawl", "kb-crawl-worker")

	clock := &fakeClock{now: time.Now()}
	pub, err := NewPublisher(client, map[string]string{crawler.TopicCrawl: "kb-crawl"}, clock)
	require.NoError(t, err)
	defer pub.Close()
	sub, err := NewSubscriber(client, map[string]string{crawler.TopicCrawl: "kb-crawl-worker"}, 2, clock, nil)
	require.NoError(t, err)

	received := make(chan crawler.Message, 1)
	runSubscriber(t, sub, crawler.TopicCrawl, func(_ context.Context, msg crawler.Message) error {
		select {
		case received <- msg:
		default:
		}
		return nil
	})

	_, err = pub.Publish(context.Background(), crawler.TopicCrawl, crawler.CrawlJob{TargetURL: "https://example.com/a"}, crawler.PublishOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := srv.Messages()
		return len(msgs) == 1 && msgs[0].Acks > 0
	}, 30*time.Second, 20*time.Millisecond)

	msg := <-received
	var job crawler.CrawlJob
	require.NoError(t, json.Unmarshal(msg.Data, &job))
	require.Equal(t, "https://example.com/a", job.TargetURL)
	require.Equal(t, crawler.TopicCrawl, msg.Topic)
	require.Equal(t, 1, msg.Attempt)
}

func TestSubscriberHoldsMessagesUntilNotBefore(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	createTopicAndSub(t, client, "kb-embed", "kb-embed-sub")

	clock := &fakeClock{now: time.Now()}
	pub, err := NewPublisher(client, map[string]string{crawler.TopicEmbed: "kb-embed"}, clock)
	require.NoError(t, err)
	defer pub.Close()
	sub, err := NewSubscriber(client, map[string]string{crawler.TopicEmbed: "kb-embed-sub"}, 1, clock, nil)
	require.NoError(t, err)

	_, err = pub.Publish(context.Background(), crawler.TopicEmbed, crawler.EmbeddingJob{SourceURL: "https://example.com"}, crawler.PublishOptions{Delay: time.Hour})
	require.NoError(t, err)

	var handled atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = sub.Subscribe(ctx, crawler.TopicEmbed, func(context.Context, crawler.Message) error {
			handled.Store(true)
			return nil
		})
	}()

	time.Sleep(200 * time.Millisecond)
	require.False(t, handled.Load(), "message delivered before not_before")

	clock.Advance(2 * time.Hour)
	require.Eventually(t, handled.Load, 30*time.Second, 20*time.Millisecond)
}

func TestSubscriberRequiresMappedSubscription(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	sub, err := NewSubscriber(client, nil, 1, &fakeClock{}, nil)
	require.NoError(t, err)
	err = sub.Subscribe(context.Background(), crawler.TopicCrawl, func(context.Context, crawler.Message) error { return nil })
	require.Error(t, err)
}

func TestParseNotBefore(t *testing.T) {
	t.Parallel()

	_, ok := parseNotBefore(nil)
	require.False(t, ok)
	_, ok = parseNotBefore(map[string]string{AttrNotBefore: "tomorrow"})
	require.False(t, ok)
	got, ok := parseNotBefore(map[string]string{AttrNotBefore: "2026-06-01T12:00:00Z"})
	require.True(t, ok)
	require.Equal(t, time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC), got)
}

func TestConstructorsValidate(t *testing.T) {
	t.Parallel()

	_, err := NewPublisher(nil, nil, &fakeClock{})
	require.Error(t, err)
	_, err = NewSubscriber(nil, nil, 1, &fakeClock{}, nil)
	require.Error(t, err)
}

func TestVerifyRetryPolicies(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	ctx := context.Background()
	topic, err := client.CreateTopic(ctx, "kb-crawl")
	require.NoError(t, err)
	_, err = client.CreateSubscription(ctx, "with-backoff", gpubsub.SubscriptionConfig{
		Topic:       topic,
		RetryPolicy: &gpubsub.RetryPolicy{MinimumBackoff: 30 * time.Second, MaximumBackoff: 600 * time.Second},
	})
	require.NoError(t, err)
	_, err = client.CreateSubscription(ctx, "short-backoff", gpubsub.SubscriptionConfig{
		Topic:       topic,
		RetryPolicy: &gpubsub.RetryPolicy{MinimumBackoff: time.Second, MaximumBackoff: 10 * time.Second},
	})
	require.NoError(t, err)
	_, err = client.CreateSubscription(ctx, "immediate", gpubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	verify := func(subID string) error {
		sub, err := NewSubscriber(client, map[string]string{crawler.TopicCrawl: subID}, 1, &fakeClock{}, nil)
		require.NoError(t, err)
		return sub.VerifyRetryPolicies(ctx, 10*time.Second)
	}
	require.NoError(t, verify("with-backoff"))
	require.ErrorContains(t, verify("short-backoff"), "below 10s")
	require.ErrorContains(t, verify("immediate"), "no retry policy")
	require.ErrorContains(t, verify("missing"), "read subscription missing")
}
