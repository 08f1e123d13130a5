package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
	"github.com/JakeFAU/kb-ingest-crawler/internal/ingest"
	"github.com/JakeFAU/kb-ingest-crawler/internal/queue/memory"
)

type stubHandler struct {
	outcome crawler.Outcome
	err     error
	jobs    chan crawler.CrawlJob
}

func (s *stubHandler) Handle(_ context.Context, job crawler.CrawlJob) (crawler.Outcome, error) {
	if s.jobs != nil {
		s.jobs <- job
	}
	return s.outcome, s.err
}

type stubSeeder struct {
	res ingest.SeedResult
	err error
}

func (s stubSeeder) Seed(context.Context, crawler.IngestRequest) (ingest.SeedResult, error) {
	return s.res, s.err
}

func message(t *testing.T, topic string, v any) crawler.Message {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return crawler.Message{ID: "m-1", Topic: topic, Data: data, Attempt: 1}
}

func TestHandleCrawlAckSemantics(t *testing.T) {
	t.Parallel()

	job := crawler.CrawlJob{KnowledgeBaseID: "kb", TargetURL: "https://example.com"}
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"success acks", nil, false},
		{"permanent fetch failure acks", &crawler.FetchError{URL: "x", StatusCode: 404, Err: crawler.ErrClientStatus}, false},
		{"transient fetch failure redelivers", &crawler.FetchError{URL: "x", Retryable: true, Err: crawler.ErrServerStatus}, true},
		{"store failure redelivers", errors.New("db down"), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w := New(nil, &stubHandler{err: tc.err}, nil, Config{}, nil)
			err := w.HandleCrawl(context.Background(), message(t, crawler.TopicCrawl, job))
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestHandleCrawlDropsMalformedPayload(t *testing.T) {
	t.Parallel()

	handler := &stubHandler{jobs: make(chan crawler.CrawlJob, 1)}
	w := New(nil, handler, nil, Config{}, nil)
	err := w.HandleCrawl(context.Background(), crawler.Message{ID: "bad", Data: []byte("{not json")})
	require.NoError(t, err)
	require.Empty(t, handler.jobs)
}

func TestHandleIngestAckSemantics(t *testing.T) {
	t.Parallel()

	req := crawler.IngestRequest{KnowledgeBaseID: "kb", SeedURL: "https://example.com"}

	w := New(nil, nil, stubSeeder{res: ingest.SeedResult{Source: ingest.SourceRoot, CrawlJobs: 1}}, Config{}, nil)
	require.NoError(t, w.HandleIngest(context.Background(), message(t, crawler.TopicIngest, req)))

	w = New(nil, nil, stubSeeder{err: ingest.ErrInvalidRequest}, Config{}, nil)
	require.NoError(t, w.HandleIngest(context.Background(), message(t, crawler.TopicIngest, req)))

	w = New(nil, nil, stubSeeder{err: errors.New("queue down")}, Config{}, nil)
	require.Error(t, w.HandleIngest(context.Background(), message(t, crawler.TopicIngest, req)))

	require.NoError(t, w.HandleIngest(context.Background(), crawler.Message{Data: []byte("nope")}))
}

func TestRunConsumesFromBroker(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker(memory.Config{}, nil)
	defer broker.Close()
	handler := &stubHandler{jobs: make(chan crawler.CrawlJob, 4)}
	w := New(broker, handler, nil, Config{Concurrency: 2, JobTimeout: time.Second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	_, err := broker.Publish(context.Background(), crawler.TopicCrawl, crawler.CrawlJob{KnowledgeBaseID: "kb", TargetURL: "https://example.com/x"}, crawler.PublishOptions{})
	require.NoError(t, err)

	select {
	case job := <-handler.jobs:
		require.Equal(t, "https://example.com/x", job.TargetURL)
	case <-time.After(2 * time.Second):
		t.Fatal("job not consumed")
	}
	cancel()
	require.NoError(t, <-done)
}

type attemptRecorder struct {
	seen []int
}

func (a *attemptRecorder) Handle(ctx context.Context, _ crawler.CrawlJob) (crawler.Outcome, error) {
	a.seen = append(a.seen, crawler.DeliveryAttempt(ctx))
	return crawler.Outcome{Status: crawler.OutcomeStored}, nil
}

func TestHandleCrawlExposesDeliveryAttempt(t *testing.T) {
	t.Parallel()

	rec := &attemptRecorder{}
	w := New(nil, rec, nil, Config{JobTimeout: time.Second}, nil)
	msg := message(t, crawler.TopicCrawl, crawler.CrawlJob{KnowledgeBaseID: "kb", TargetURL: "https://example.com"})
	require.NoError(t, w.HandleCrawl(context.Background(), msg))
	msg.Attempt = 3
	require.NoError(t, w.HandleCrawl(context.Background(), msg))
	require.Equal(t, []int{1, 3}, rec.seen)
}
