package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
	"github.com/JakeFAU/kb-ingest-crawler/internal/dispatcher"
	"github.com/JakeFAU/kb-ingest-crawler/internal/ingest"
)

const tracerName = "github.com/JakeFAU/kb-ingest-crawler/internal/worker"

// CrawlHandler runs the pipeline for one crawl job.
type CrawlHandler interface {
	Handle(ctx context.Context, job crawler.CrawlJob) (crawler.Outcome, error)
}

// Seeder turns an ingest request into its first crawl jobs.
type Seeder interface {
	Seed(ctx context.Context, req crawler.IngestRequest) (ingest.SeedResult, error)
}

// Config controls queue consumption.
type Config struct {
	Concurrency int
	JobTimeout  time.Duration
}

// Worker decodes queue deliveries and decides between ack and redelivery.
type Worker struct {
	subscriber crawler.Subscriber
	handler    CrawlHandler
	seeder     Seeder
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker.
func New(subscriber crawler.Subscriber, handler CrawlHandler, seeder Seeder, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{subscriber: subscriber, handler: handler, seeder: seeder, cfg: cfg, logger: logger}
}

// Run consumes the crawl and ingest topics until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	routes := map[string]crawler.MessageHandler{
		crawler.TopicCrawl: w.HandleCrawl,
	}
	if w.seeder != nil {
		routes[crawler.TopicIngest] = w.HandleIngest
	}
	d := dispatcher.New(w.subscriber, routes, w.cfg.Concurrency, w.logger)
	return d.Run(ctx)
}

func (w *Worker) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.cfg.JobTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, w.cfg.JobTimeout)
}

// HandleCrawl processes one crawl delivery. Only transient failures are
// returned so the queue redelivers them; every other outcome is acked.
func (w *Worker) HandleCrawl(ctx context.Context, msg crawler.Message) error {
	var job crawler.CrawlJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		w.logger.Error("dropping malformed crawl message", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "crawl.job", trace.WithAttributes(
		attribute.String("kb.id", job.KnowledgeBaseID),
		attribute.String("url.full", job.TargetURL),
		attribute.Int("crawl.depth", job.Depth),
		attribute.Int("messaging.delivery_attempt", msg.Attempt),
	))
	defer span.End()

	jobCtx, cancel := w.jobContext(crawler.WithDeliveryAttempt(ctx, msg.Attempt))
	defer cancel()
	outcome, err := w.handler.Handle(jobCtx, job)
	span.SetAttributes(attribute.String("crawl.outcome", string(outcome.Status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	fields := []zap.Field{
		zap.String("message_id", msg.ID),
		zap.Int("attempt", msg.Attempt),
		zap.String("url", job.TargetURL),
		zap.String("status", string(outcome.Status)),
		zap.String("reason", outcome.Reason),
	}
	switch {
	case err == nil:
		w.logger.Debug("crawl job finished", fields...)
		return nil
	case errors.Is(err, crawler.ErrFetchFailed) && !crawler.IsRetryableFetch(err):
		w.logger.Warn("crawl job failed permanently", append(fields, zap.Error(err))...)
		return nil
	default:
		w.logger.Warn("crawl job will be redelivered", append(fields, zap.Error(err))...)
		return err
	}
}

// HandleIngest seeds crawl jobs for one ingest delivery.
func (w *Worker) HandleIngest(ctx context.Context, msg crawler.Message) error {
	var req crawler.IngestRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		w.logger.Error("dropping malformed ingest message", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "ingest.seed", trace.WithAttributes(
		attribute.String("kb.id", req.KnowledgeBaseID),
		attribute.String("url.full", req.SeedURL),
	))
	defer span.End()

	jobCtx, cancel := w.jobContext(ctx)
	defer cancel()
	res, err := w.seeder.Seed(jobCtx, req)
	if err != nil {
		span.RecordError(err)
	}
	if errors.Is(err, ingest.ErrInvalidRequest) {
		w.logger.Error("dropping invalid ingest request", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	if err != nil {
		w.logger.Warn("ingest seeding will be redelivered", zap.String("message_id", msg.ID), zap.Error(err))
		return err
	}
	w.logger.Info("ingest seeded",
		zap.String("knowledge_base_id", req.KnowledgeBaseID),
		zap.String("source", res.Source),
		zap.Int("crawl_jobs", res.CrawlJobs),
		zap.Int("embedding_jobs", res.EmbeddingJobs),
	)
	return nil
}
