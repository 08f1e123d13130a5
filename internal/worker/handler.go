// Package worker runs the crawl pipeline for one queue delivery at a time.
// Recursion into child pages happens only through new queue messages.
package worker

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
	"github.com/JakeFAU/kb-ingest-crawler/internal/document"
	"github.com/JakeFAU/kb-ingest-crawler/internal/links"
	"github.com/JakeFAU/kb-ingest-crawler/internal/metrics"
)

// DefaultMaxFanout bounds the child jobs published per page.
const DefaultMaxFanout = 40

// DocumentWriter is the upsert contract the handler depends on.
type DocumentWriter interface {
	Upsert(ctx context.Context, in document.UpsertInput) (crawler.Document, document.Result, error)
}

// HandlerConfig controls the crawl pipeline.
type HandlerConfig struct {
	MaxFanout int
	// PublishAttempts and PublishBackoff bound in-process retries of the
	// embedding publish before the delivery is handed back to the queue.
	PublishAttempts int
	PublishBackoff  time.Duration
}

// Handler executes the crawl pipeline for a single CrawlJob.
type Handler struct {
	gate      crawler.Gatekeeper
	fetcher   crawler.Fetcher
	extractor crawler.Extractor
	writer    DocumentWriter
	publisher crawler.Publisher
	snapshots crawler.SnapshotStore
	retry     *crawler.ExponentialRetryPolicy
	cfg       HandlerConfig
	logger    *zap.Logger
}

// NewHandler wires a Handler. snapshots may be nil to disable archival.
func NewHandler(
	gate crawler.Gatekeeper,
	fetcher crawler.Fetcher,
	extractor crawler.Extractor,
	writer DocumentWriter,
	publisher crawler.Publisher,
	snapshots crawler.SnapshotStore,
	cfg HandlerConfig,
	logger *zap.Logger,
) *Handler {
	if cfg.MaxFanout <= 0 {
		cfg.MaxFanout = DefaultMaxFanout
	}
	if cfg.PublishAttempts <= 0 {
		cfg.PublishAttempts = 3
	}
	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		gate:      gate,
		fetcher:   fetcher,
		extractor: extractor,
		writer:    writer,
		publisher: publisher,
		snapshots: snapshots,
		retry:     crawler.NewRetryPolicy(cfg.PublishAttempts, cfg.PublishBackoff, 5*cfg.PublishBackoff),
		cfg:       cfg,
		logger:    logger,
	}
}

// Handle runs canonicalize, robots, slot, fetch, extract, upsert, snapshot,
// embedding trigger and child fan-out, stopping at the first terminal step.
// Blocked, invalid and no-content outcomes are not errors. A returned error
// means the delivery may be worth retrying.
func (h *Handler) Handle(ctx context.Context, job crawler.CrawlJob) (crawler.Outcome, error) {
	outcome, err := h.handle(ctx, job)
	metrics.ObserveJob(string(outcome.Status))
	return outcome, err
}

func (h *Handler) handle(ctx context.Context, job crawler.CrawlJob) (crawler.Outcome, error) {
	canonical, ok := crawler.Canonicalize(job.TargetURL, "")
	if !ok || strings.TrimSpace(job.KnowledgeBaseID) == "" {
		h.logger.Warn("invalid crawl job", zap.String("url", job.TargetURL), zap.String("knowledge_base_id", job.KnowledgeBaseID))
		return crawler.Outcome{Status: crawler.OutcomeInvalid, Reason: "invalid_job"}, nil
	}
	log := h.logger.With(
		zap.String("knowledge_base_id", job.KnowledgeBaseID),
		zap.String("url", canonical),
		zap.Int("depth", job.Depth),
	)
	origin, _ := crawler.Origin(canonical)

	if !h.gate.IsAllowed(ctx, canonical) {
		log.Info("blocked by robots.txt")
		return crawler.Outcome{Status: crawler.OutcomeBlocked, Blocked: true, Reason: "robots", CanonicalURL: canonical}, nil
	}

	page, err := h.fetch(ctx, origin, canonical)
	if err != nil {
		log.Warn("fetch failed", zap.Error(err), zap.Bool("retryable", crawler.IsRetryableFetch(err)))
		return crawler.Outcome{Status: crawler.OutcomeFailed, Reason: "fetch_failed", CanonicalURL: canonical}, err
	}

	pageURL, _ := url.Parse(canonical)
	extraction := h.extractor.Extract(page.Body, pageURL)
	if extraction == nil {
		log.Info("no usable content")
		return crawler.Outcome{Status: crawler.OutcomeNoContent, Reason: "no_content", CanonicalURL: canonical}, nil
	}

	doc, result, err := h.writer.Upsert(ctx, document.UpsertInput{
		KnowledgeBaseID: job.KnowledgeBaseID,
		SourceURL:       canonical,
		Title:           extraction.Title,
		Content:         extraction.Content,
		WordCount:       extraction.WordCount,
		RequesterID:     job.RequesterID,
	})
	if err != nil {
		log.Error("upsert failed", zap.Error(err))
		return crawler.Outcome{Status: crawler.OutcomeFailed, Reason: "store_failed", CanonicalURL: canonical}, err
	}
	metrics.ObserveDocument(string(result))

	outcome := crawler.Outcome{
		Status:       crawler.OutcomeStored,
		Success:      true,
		CanonicalURL: canonical,
		DocumentID:   doc.ID,
		Upsert:       string(result),
	}

	h.snapshot(ctx, log, job.KnowledgeBaseID, canonical, page.Body)

	if needsEmbedding(ctx, doc, result, extraction.Content) {
		embed := crawler.EmbeddingJob{
			KnowledgeBaseID: job.KnowledgeBaseID,
			DocumentID:      doc.ID,
			SourceURL:       canonical,
			RequesterID:     job.RequesterID,
		}
		if err := h.publishEmbedding(ctx, log, embed); err != nil {
			log.Error("publish embedding job failed", zap.Error(err))
			return outcome, fmt.Errorf("publish embedding job: %w", err)
		}
	}

	if job.Depth <= 0 {
		log.Info("stored document", zap.String("document_id", doc.ID), zap.String("upsert", string(result)))
		return outcome, nil
	}

	children := h.children(page, canonical)
	for _, child := range children {
		next := crawler.CrawlJob{
			KnowledgeBaseID: job.KnowledgeBaseID,
			TargetURL:       child,
			RequesterID:     job.RequesterID,
			Depth:           job.Depth - 1,
		}
		if _, err := h.publisher.Publish(ctx, crawler.TopicCrawl, next, crawler.PublishOptions{}); err != nil {
			log.Error("publish child job failed", zap.String("child", child), zap.Error(err))
			return outcome, fmt.Errorf("publish child job: %w", err)
		}
		outcome.ChildrenEnqueued++
	}
	log.Info("stored document",
		zap.String("document_id", doc.ID),
		zap.String("upsert", string(result)),
		zap.Int("children", outcome.ChildrenEnqueued),
	)
	return outcome, nil
}

func (h *Handler) fetch(ctx context.Context, origin, canonical string) (crawler.Page, error) {
	release, err := h.gate.AcquireSlot(ctx, origin)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("acquire slot: %w", err)
	}
	defer release()

	page, err := h.fetcher.Fetch(ctx, canonical)
	if err != nil {
		return crawler.Page{}, err
	}
	return page, nil
}

// children resolves links against the final URL when a redirect stayed on the
// same origin, otherwise against the requested URL.
func (h *Handler) children(page crawler.Page, canonical string) []string {
	base := canonical
	if page.FinalURL != "" && crawler.SameOrigin(page.FinalURL, canonical) {
		base = page.FinalURL
	}
	found := links.Discover(page.Body, base)
	metrics.ObserveLinks(len(found))
	if len(found) > h.cfg.MaxFanout {
		found = found[:h.cfg.MaxFanout]
	}
	return found
}

// needsEmbedding is true for created and updated documents. A redelivered job
// whose stored content is exactly this extraction also qualifies: its earlier
// attempt wrote the row and then failed to publish the embedding job.
func needsEmbedding(ctx context.Context, doc crawler.Document, result document.Result, content string) bool {
	if result.Changed() {
		return true
	}
	return crawler.DeliveryAttempt(ctx) > 1 && doc.Content == content
}

func (h *Handler) publishEmbedding(ctx context.Context, log *zap.Logger, embed crawler.EmbeddingJob) error {
	for attempt := 1; ; attempt++ {
		_, err := h.publisher.Publish(ctx, crawler.TopicEmbed, embed, crawler.PublishOptions{})
		if !h.retry.ShouldRetry(err, true, attempt, ctx.Err()) {
			return err
		}
		wait := h.retry.Backoff(attempt)
		log.Warn("embedding publish failed; retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

func (h *Handler) snapshot(ctx context.Context, log *zap.Logger, kbID, canonical string, body []byte) {
	if h.snapshots == nil {
		return
	}
	uri, err := h.snapshots.PutSnapshot(ctx, crawler.Snapshot{
		KnowledgeBaseID: kbID,
		SourceURL:       canonical,
		HTML:            body,
		FetchedAt:       time.Now().UTC(),
	})
	if err != nil {
		log.Warn("snapshot failed", zap.Error(err))
		return
	}
	log.Debug("snapshot stored", zap.String("uri", uri))
}
