// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Sitemap   SitemapConfig   `mapstructure:"sitemap"`
	Store     StoreConfig     `mapstructure:"store"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Snapshots SnapshotsConfig `mapstructure:"snapshots"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs politeness and fan-out.
type CrawlerConfig struct {
	UserAgent               string `mapstructure:"user_agent"`
	MaxFanout               int    `mapstructure:"max_fanout"`
	PerOriginConcurrency    int    `mapstructure:"per_origin_concurrency"`
	MinDelayMs              int    `mapstructure:"min_delay_ms"`
	RobotsTTLMinutes        int    `mapstructure:"robots_ttl_minutes"`
	RobotsFailureTTLSeconds int    `mapstructure:"robots_failure_ttl_seconds"`
	RobotsTimeoutSeconds    int    `mapstructure:"robots_timeout_seconds"`
}

// FetchConfig configures the page fetcher and its retry behavior.
type FetchConfig struct {
	TimeoutSeconds   int   `mapstructure:"timeout_seconds"`
	MaxAttempts      int   `mapstructure:"max_attempts"`
	BackoffInitialMs int   `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int   `mapstructure:"backoff_max_ms"`
	MaxBodyBytes     int64 `mapstructure:"max_body_bytes"`
}

// ExtractConfig holds the quality gate thresholds.
type ExtractConfig struct {
	MinChars          int `mapstructure:"min_chars"`
	MinWords          int `mapstructure:"min_words"`
	MinSentences      int `mapstructure:"min_sentences"`
	MinSentenceChars  int `mapstructure:"min_sentence_chars"`
	ContainerMinChars int `mapstructure:"container_min_chars"`
}

// SitemapConfig controls sitemap seeding.
type SitemapConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	MaxURLs             int  `mapstructure:"max_urls"`
	MaxChildren         int  `mapstructure:"max_children"`
	FetchTimeoutSeconds int  `mapstructure:"fetch_timeout_seconds"`
	BatchSize           int  `mapstructure:"batch_size"`
	BatchDelayMs        int  `mapstructure:"batch_delay_ms"`
	StaggerSeconds      int  `mapstructure:"stagger_seconds"`
	EmbedLagSeconds     int  `mapstructure:"embed_lag_seconds"`
}

// StoreConfig selects and configures the document store.
type StoreConfig struct {
	Driver       string         `mapstructure:"driver"`
	UpdateFactor float64        `mapstructure:"update_factor"`
	Postgres     PostgresConfig `mapstructure:"postgres"`
	Mongo        MongoConfig    `mapstructure:"mongo"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// MongoConfig controls access to MongoDB.
type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// QueueConfig selects the queue transport.
type QueueConfig struct {
	Driver string            `mapstructure:"driver"`
	Memory MemoryQueueConfig `mapstructure:"memory"`
	PubSub PubSubConfig      `mapstructure:"pubsub"`
}

// MemoryQueueConfig tunes the in-process broker.
type MemoryQueueConfig struct {
	Capacity          int `mapstructure:"capacity"`
	MaxDeliveries     int `mapstructure:"max_deliveries"`
	RedeliveryDelayMs int `mapstructure:"redelivery_delay_ms"`
}

// PubSubConfig maps logical topics onto Pub/Sub resources.
//
// Delayed jobs are nacked until their not_before time, so every subscription
// needs a retry policy. MinRetryBackoffSeconds is the smallest minimum backoff
// accepted at startup; zero skips the check.
type PubSubConfig struct {
	ProjectID              string            `mapstructure:"project_id"`
	Topics                 map[string]string `mapstructure:"topics"`
	Subscriptions          map[string]string `mapstructure:"subscriptions"`
	MinRetryBackoffSeconds int               `mapstructure:"min_retry_backoff_seconds"`
}

// SnapshotsConfig configures optional raw HTML archival.
type SnapshotsConfig struct {
	Driver  string `mapstructure:"driver"`
	Prefix  string `mapstructure:"prefix"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
}

// WorkerConfig controls queue consumption.
type WorkerConfig struct {
	Concurrency       int `mapstructure:"concurrency"`
	JobTimeoutSeconds int `mapstructure:"job_timeout_seconds"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KBCRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("crawler.user_agent", "kb-ingest-crawler/1.0")
	v.SetDefault("crawler.max_fanout", 40)
	v.SetDefault("crawler.per_origin_concurrency", 2)
	v.SetDefault("crawler.min_delay_ms", 1000)
	v.SetDefault("crawler.robots_ttl_minutes", 15)
	v.SetDefault("crawler.robots_failure_ttl_seconds", 60)
	v.SetDefault("crawler.robots_timeout_seconds", 10)
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.backoff_initial_ms", 1000)
	v.SetDefault("fetch.backoff_max_ms", 5000)
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("extract.min_chars", 100)
	v.SetDefault("extract.min_words", 20)
	v.SetDefault("extract.min_sentences", 3)
	v.SetDefault("extract.min_sentence_chars", 10)
	v.SetDefault("extract.container_min_chars", 200)
	v.SetDefault("sitemap.enabled", true)
	v.SetDefault("sitemap.max_urls", 100)
	v.SetDefault("sitemap.max_children", 10)
	v.SetDefault("sitemap.fetch_timeout_seconds", 10)
	v.SetDefault("sitemap.batch_size", 10)
	v.SetDefault("sitemap.batch_delay_ms", 500)
	v.SetDefault("sitemap.stagger_seconds", 2)
	v.SetDefault("sitemap.embed_lag_seconds", 120)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.update_factor", 2.0)
	v.SetDefault("store.postgres.table", "documents")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.min_conns", 1)
	v.SetDefault("store.postgres.max_conn_lifetime_minutes", 30)
	v.SetDefault("store.mongo.database", "knowledge")
	v.SetDefault("store.mongo.collection", "documents")
	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.memory.capacity", 1024)
	v.SetDefault("queue.memory.max_deliveries", 3)
	v.SetDefault("queue.memory.redelivery_delay_ms", 1000)
	v.SetDefault("queue.pubsub.topics", map[string]string{
		crawler.TopicCrawl:  "kb-crawl",
		crawler.TopicIngest: "kb-ingest",
		crawler.TopicEmbed:  "kb-embed",
	})
	v.SetDefault("queue.pubsub.subscriptions", map[string]string{
		crawler.TopicCrawl:  "kb-crawl-worker",
		crawler.TopicIngest: "kb-ingest-worker",
	})
	v.SetDefault("queue.pubsub.min_retry_backoff_seconds", 10)
	v.SetDefault("snapshots.driver", "none")
	v.SetDefault("snapshots.prefix", "snapshots")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.job_timeout_seconds", 120)
	v.SetDefault("telemetry.service_name", "kb-ingest-crawler")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.MaxFanout <= 0 {
		return fmt.Errorf("crawler.max_fanout must be > 0")
	}
	if c.Crawler.PerOriginConcurrency <= 0 {
		return fmt.Errorf("crawler.per_origin_concurrency must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Store.UpdateFactor < 1 {
		return fmt.Errorf("store.update_factor must be >= 1")
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set when store.driver is postgres")
		}
	case "mongo":
		if c.Store.Mongo.URI == "" {
			return fmt.Errorf("store.mongo.uri must be set when store.driver is mongo")
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}
	switch c.Queue.Driver {
	case "memory":
	case "pubsub":
		if c.Queue.PubSub.ProjectID == "" {
			return fmt.Errorf("queue.pubsub.project_id must be set when queue.driver is pubsub")
		}
		if c.Queue.PubSub.MinRetryBackoffSeconds < 0 || c.Queue.PubSub.MinRetryBackoffSeconds > 600 {
			return fmt.Errorf("queue.pubsub.min_retry_backoff_seconds must be between 0 and 600")
		}
	default:
		return fmt.Errorf("queue.driver %q is not supported", c.Queue.Driver)
	}
	switch c.Snapshots.Driver {
	case "none", "memory":
	case "local":
		if c.Snapshots.BaseDir == "" {
			return fmt.Errorf("snapshots.base_dir must be set when snapshots.driver is local")
		}
	case "gcs":
		if c.Snapshots.Bucket == "" {
			return fmt.Errorf("snapshots.bucket must be set when snapshots.driver is gcs")
		}
	default:
		return fmt.Errorf("snapshots.driver %q is not supported", c.Snapshots.Driver)
	}
	return nil
}

// FetchTimeout is the per-request fetch timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// MinDelay is the floor on spacing between requests to one origin.
func (c Config) MinDelay() time.Duration {
	return time.Duration(c.Crawler.MinDelayMs) * time.Millisecond
}

// JobTimeout bounds a single message handler invocation.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Worker.JobTimeoutSeconds) * time.Second
}
