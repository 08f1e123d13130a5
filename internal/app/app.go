// Package app builds the long-lived services from configuration and runs the
// API, the worker, or both.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/kb-ingest-crawler/internal/api"
	"github.com/JakeFAU/kb-ingest-crawler/internal/clock/system"
	"github.com/JakeFAU/kb-ingest-crawler/internal/config"
	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
	"github.com/JakeFAU/kb-ingest-crawler/internal/document"
	"github.com/JakeFAU/kb-ingest-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/kb-ingest-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/kb-ingest-crawler/internal/id/uuid"
	"github.com/JakeFAU/kb-ingest-crawler/internal/ingest"
	"github.com/JakeFAU/kb-ingest-crawler/internal/logging"
	"github.com/JakeFAU/kb-ingest-crawler/internal/politeness"
	queueMemory "github.com/JakeFAU/kb-ingest-crawler/internal/queue/memory"
	queuePubSub "github.com/JakeFAU/kb-ingest-crawler/internal/queue/pubsub"
	"github.com/JakeFAU/kb-ingest-crawler/internal/sitemap"
	gcsstorage "github.com/JakeFAU/kb-ingest-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/kb-ingest-crawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/kb-ingest-crawler/internal/storage/memory"
	mongostore "github.com/JakeFAU/kb-ingest-crawler/internal/storage/mongo"
	pgstore "github.com/JakeFAU/kb-ingest-crawler/internal/storage/postgres"
	"github.com/JakeFAU/kb-ingest-crawler/internal/telemetry"
	"github.com/JakeFAU/kb-ingest-crawler/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	publisher  crawler.Publisher
	subscriber crawler.Subscriber
	documents  crawler.DocumentStore
	snapshots  crawler.SnapshotStore
	readiness  []api.ReadinessCheck

	broker          *queueMemory.Broker
	pubsubClient    *gpubsub.Client
	pubsubPublisher *queuePubSub.Publisher
	storageClient   *storage.Client
	pgStore         *pgstore.DocumentStore
	mongoStore      *mongostore.DocumentStore
	tracerShutdown  func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.String("store", cfg.Store.Driver),
		zap.String("queue", cfg.Queue.Driver),
		zap.String("snapshots", cfg.Snapshots.Driver),
	)

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Options{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown

	steps := []func(context.Context) error{a.setupQueue, a.setupDocuments, a.setupSnapshots}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			a.Close(ctx)
			return nil, err
		}
	}
	return a, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Publisher returns the configured queue publisher.
func (a *App) Publisher() crawler.Publisher {
	return a.publisher
}

// Documents returns the configured document store.
func (a *App) Documents() crawler.DocumentStore {
	return a.documents
}

func (a *App) setupQueue(ctx context.Context) error {
	switch a.cfg.Queue.Driver {
	case "pubsub":
		client, err := gpubsub.NewClient(ctx, a.cfg.Queue.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		clock := system.New()
		a.pubsubPublisher, err = queuePubSub.NewPublisher(client, a.cfg.Queue.PubSub.Topics, clock)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		// The dispatcher already runs worker.concurrency receivers per topic.
		sub, err := queuePubSub.NewSubscriber(client, a.cfg.Queue.PubSub.Subscriptions, 1, clock,
			a.logger.Named("pubsub"))
		if err != nil {
			return fmt.Errorf("pubsub subscriber init failed: %w", err)
		}
		if secs := a.cfg.Queue.PubSub.MinRetryBackoffSeconds; secs > 0 {
			if err := sub.VerifyRetryPolicies(ctx, time.Duration(secs)*time.Second); err != nil {
				return fmt.Errorf("pubsub subscription check failed: %w", err)
			}
		}
		a.publisher = a.pubsubPublisher
		a.subscriber = sub
		a.logger.Info("Pub/Sub queue initialized",
			zap.String("project", a.cfg.Queue.PubSub.ProjectID),
			zap.Any("topics", a.cfg.Queue.PubSub.Topics),
		)
	default:
		a.broker = queueMemory.NewBroker(queueMemory.Config{
			Capacity:        a.cfg.Queue.Memory.Capacity,
			MaxDeliveries:   a.cfg.Queue.Memory.MaxDeliveries,
			RedeliveryDelay: time.Duration(a.cfg.Queue.Memory.RedeliveryDelayMs) * time.Millisecond,
		}, a.logger.Named("broker"))
		a.publisher = a.broker
		a.subscriber = a.broker
		a.logger.Info("using in-memory queue")
	}
	return nil
}

func (a *App) setupDocuments(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case "postgres":
		pg := a.cfg.Store.Postgres
		store, err := pgstore.NewDocumentStore(ctx, pgstore.Config{
			DSN:             pg.DSN,
			Table:           pg.Table,
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: time.Duration(pg.MaxConnLifetimeMinutes) * time.Minute,
		})
		if err != nil {
			return fmt.Errorf("postgres document store init failed: %w", err)
		}
		a.pgStore = store
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres schema init failed: %w", err)
		}
		a.documents = store
		a.readiness = append(a.readiness, store.Ping)
		a.logger.Info("postgres document store initialized", zap.String("table", pg.Table))
	case "mongo":
		store, err := mongostore.Connect(ctx, mongostore.Config{
			URI:        a.cfg.Store.Mongo.URI,
			Database:   a.cfg.Store.Mongo.Database,
			Collection: a.cfg.Store.Mongo.Collection,
		})
		if err != nil {
			return fmt.Errorf("mongo document store init failed: %w", err)
		}
		a.mongoStore = store
		a.documents = store
		a.readiness = append(a.readiness, store.Ping)
		a.logger.Info("mongo document store initialized",
			zap.String("database", a.cfg.Store.Mongo.Database),
			zap.String("collection", a.cfg.Store.Mongo.Collection),
		)
	default:
		a.documents = memoryStorage.NewDocumentStore()
		a.logger.Info("using in-memory document store")
	}
	return nil
}

func (a *App) setupSnapshots(ctx context.Context) error {
	var err error
	switch a.cfg.Snapshots.Driver {
	case "gcs":
		a.storageClient, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.snapshots, err = gcsstorage.New(a.storageClient, gcsstorage.Config{
			Bucket: a.cfg.Snapshots.Bucket,
			Prefix: a.cfg.Snapshots.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs snapshot store init failed: %w", err)
		}
		a.logger.Info("using GCS snapshot store", zap.String("bucket", a.cfg.Snapshots.Bucket))
	case "local":
		a.snapshots, err = localstorage.New(localstorage.Config{
			BaseDir: a.cfg.Snapshots.BaseDir,
			Prefix:  a.cfg.Snapshots.Prefix,
		})
		if err != nil {
			return fmt.Errorf("local snapshot store init failed: %w", err)
		}
		a.logger.Info("using local snapshot store", zap.String("path", a.cfg.Snapshots.BaseDir))
	case "memory":
		a.snapshots = memoryStorage.NewSnapshotStore(a.cfg.Snapshots.Prefix)
		a.logger.Info("using in-memory snapshot store")
	default:
		a.logger.Info("raw HTML snapshots disabled")
	}
	return nil
}

// APIServer builds the HTTP ingress.
func (a *App) APIServer() *api.Server {
	return api.NewServer(a.publisher, a.documents, a.cfg, a.logger.Named("api"), a.readiness...)
}

// Worker builds the queue consumer and its crawl pipeline.
func (a *App) Worker() *worker.Worker {
	cfg := a.cfg
	logger := a.logger.Named("worker")

	gate := politeness.New(politeness.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RobotsTTL:     time.Duration(cfg.Crawler.RobotsTTLMinutes) * time.Minute,
		FailureTTL:    time.Duration(cfg.Crawler.RobotsFailureTTLSeconds) * time.Second,
		RobotsTimeout: time.Duration(cfg.Crawler.RobotsTimeoutSeconds) * time.Second,
		MaxConcurrent: cfg.Crawler.PerOriginConcurrency,
		MinDelay:      cfg.MinDelay(),
	}, logger.Named("politeness"))

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:      cfg.Crawler.UserAgent,
		Timeout:        cfg.FetchTimeout(),
		MaxBodyBytes:   cfg.Fetch.MaxBodyBytes,
		MaxAttempts:    cfg.Fetch.MaxAttempts,
		BackoffInitial: time.Duration(cfg.Fetch.BackoffInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.Fetch.BackoffMaxMs) * time.Millisecond,
	}, logger.Named("fetcher"))
	a.logger.Info("using colly fetcher", zap.String("user_agent", cfg.Crawler.UserAgent))

	extractor := extract.NewDefaultChain(extract.Gate{
		MinChars:         cfg.Extract.MinChars,
		MinWords:         cfg.Extract.MinWords,
		MinSentences:     cfg.Extract.MinSentences,
		MinSentenceChars: cfg.Extract.MinSentenceChars,
	}, cfg.Extract.ContainerMinChars)

	writer := document.NewWriter(a.documents, uuid.New(), system.New(), cfg.Store.UpdateFactor, logger.Named("documents"))

	handler := worker.NewHandler(gate, fetcher, extractor, writer, a.publisher, a.snapshots, worker.HandlerConfig{
		MaxFanout: cfg.Crawler.MaxFanout,
	}, logger.Named("handler"))

	sitemapTimeout := time.Duration(cfg.Sitemap.FetchTimeoutSeconds) * time.Second
	discoverer := sitemap.New(sitemap.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		MaxURLs:      cfg.Sitemap.MaxURLs,
		MaxChildren:  cfg.Sitemap.MaxChildren,
		FetchTimeout: sitemapTimeout,
	}, &http.Client{Timeout: sitemapTimeout}, gate, logger.Named("sitemap"))

	seeder := ingest.NewSeeder(ingest.SeederConfig{
		SitemapEnabled: cfg.Sitemap.Enabled,
		BatchSize:      cfg.Sitemap.BatchSize,
		BatchDelay:     time.Duration(cfg.Sitemap.BatchDelayMs) * time.Millisecond,
		Stagger:        time.Duration(cfg.Sitemap.StaggerSeconds) * time.Second,
		EmbedLag:       time.Duration(cfg.Sitemap.EmbedLagSeconds) * time.Second,
	}, discoverer, a.publisher, logger.Named("seeder"))

	a.logger.Info("worker config",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Duration("job_timeout", cfg.JobTimeout()),
		zap.Int("max_fanout", cfg.Crawler.MaxFanout),
		zap.Int("per_origin_concurrency", cfg.Crawler.PerOriginConcurrency),
	)
	return worker.New(a.subscriber, handler, seeder, worker.Config{
		Concurrency: cfg.Worker.Concurrency,
		JobTimeout:  cfg.JobTimeout(),
	}, logger)
}

// Serve runs the HTTP ingress until ctx is canceled.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.APIServer().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	a.logger.Info("http shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// RunWorker consumes the queue until ctx is canceled.
func (a *App) RunWorker(ctx context.Context) error {
	a.logger.Info("worker started")
	if err := a.Worker().Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}

// RunAll serves the API and consumes the queue in one process.
func (a *App) RunAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Serve(ctx) })
	g.Go(func() error { return a.RunWorker(ctx) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("run all: %w", err)
	}
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if a.broker != nil {
		a.broker.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.mongoStore != nil {
		if err := a.mongoStore.Close(ctx); err != nil {
			a.logger.Warn("mongo close failed", zap.Error(err))
		}
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}
