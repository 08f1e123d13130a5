package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
)

// Seed sources reported in SeedResult.
const (
	SourceSitemap = "sitemap"
	SourceRoot    = "root"
)

// SitemapDiscoverer finds seed URLs for an origin.
type SitemapDiscoverer interface {
	Discover(ctx context.Context, origin string) []string
}

// SeederConfig controls sitemap seeding.
type SeederConfig struct {
	SitemapEnabled bool
	BatchSize      int
	BatchDelay     time.Duration
	Stagger        time.Duration
	EmbedLag       time.Duration
}

// SeedResult summarises what Seed published.
type SeedResult struct {
	Source        string
	CrawlJobs     int
	EmbeddingJobs int
}

// Seeder publishes the initial crawl jobs for an ingest request.
type Seeder struct {
	cfg       SeederConfig
	sitemaps  SitemapDiscoverer
	publisher crawler.Publisher
	logger    *zap.Logger
}

// NewSeeder builds a Seeder. sitemaps may be nil to always seed the root.
func NewSeeder(cfg SeederConfig, sitemaps SitemapDiscoverer, publisher crawler.Publisher, logger *zap.Logger) *Seeder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{cfg: cfg, sitemaps: sitemaps, publisher: publisher, logger: logger}
}

// Seed validates req, then publishes one depth-0 crawl job and one delayed
// embedding job per sitemap URL, or a single root job at req.MaxDepth when
// no sitemap yields URLs.
func (s *Seeder) Seed(ctx context.Context, req crawler.IngestRequest) (SeedResult, error) {
	req, err := Validate(req)
	if err != nil {
		return SeedResult{}, err
	}
	origin, _ := crawler.Origin(req.SeedURL)

	var urls []string
	if s.cfg.SitemapEnabled && s.sitemaps != nil {
		urls = s.sitemaps.Discover(ctx, origin)
	}
	if len(urls) == 0 {
		return s.seedRoot(ctx, req)
	}
	return s.seedSitemap(ctx, req, urls)
}

func (s *Seeder) seedRoot(ctx context.Context, req crawler.IngestRequest) (SeedResult, error) {
	job := crawler.CrawlJob{
		KnowledgeBaseID: req.KnowledgeBaseID,
		TargetURL:       req.SeedURL,
		RequesterID:     req.RequesterID,
		Depth:           req.MaxDepth,
	}
	if _, err := s.publisher.Publish(ctx, crawler.TopicCrawl, job, crawler.PublishOptions{}); err != nil {
		return SeedResult{}, fmt.Errorf("publish root job: %w", err)
	}
	s.logger.Info("seeded root job",
		zap.String("knowledge_base_id", req.KnowledgeBaseID),
		zap.String("url", req.SeedURL),
		zap.Int("depth", req.MaxDepth),
	)
	return SeedResult{Source: SourceRoot, CrawlJobs: 1}, nil
}

func (s *Seeder) seedSitemap(ctx context.Context, req crawler.IngestRequest, urls []string) (SeedResult, error) {
	res := SeedResult{Source: SourceSitemap}
	pacer := rate.NewLimiter(rate.Every(s.cfg.BatchDelay), 1)
	if s.cfg.BatchDelay <= 0 {
		pacer = rate.NewLimiter(rate.Inf, 1)
	}

	for start := 0; start < len(urls); start += s.cfg.BatchSize {
		if err := pacer.Wait(ctx); err != nil {
			return res, fmt.Errorf("pace sitemap batch: %w", err)
		}
		end := min(start+s.cfg.BatchSize, len(urls))
		for i := start; i < end; i++ {
			delay := time.Duration(i) * s.cfg.Stagger
			job := crawler.CrawlJob{
				KnowledgeBaseID: req.KnowledgeBaseID,
				TargetURL:       urls[i],
				RequesterID:     req.RequesterID,
				Depth:           0,
			}
			if _, err := s.publisher.Publish(ctx, crawler.TopicCrawl, job, crawler.PublishOptions{Delay: delay}); err != nil {
				return res, fmt.Errorf("publish sitemap job %s: %w", urls[i], err)
			}
			res.CrawlJobs++

			embed := crawler.EmbeddingJob{
				KnowledgeBaseID: req.KnowledgeBaseID,
				SourceURL:       urls[i],
				RequesterID:     req.RequesterID,
			}
			if _, err := s.publisher.Publish(ctx, crawler.TopicEmbed, embed, crawler.PublishOptions{Delay: delay + s.cfg.EmbedLag}); err != nil {
				return res, fmt.Errorf("publish embedding job %s: %w", urls[i], err)
			}
			res.EmbeddingJobs++
		}
	}

	s.logger.Info("seeded from sitemap",
		zap.String("knowledge_base_id", req.KnowledgeBaseID),
		zap.String("url", req.SeedURL),
		zap.Int("jobs", res.CrawlJobs),
	)
	return res, nil
}
