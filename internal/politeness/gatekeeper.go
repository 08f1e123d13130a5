package politeness

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
	"github.com/JakeFAU/kb-ingest-crawler/internal/metrics"
)

// Config tunes the gatekeeper.
type Config struct {
	UserAgent     string
	RobotsTTL     time.Duration
	FailureTTL    time.Duration
	RobotsTimeout time.Duration
	MaxConcurrent int
	MinDelay      time.Duration
}

func (c Config) withDefaults() Config {
	if c.RobotsTTL <= 0 {
		c.RobotsTTL = 15 * time.Minute
	}
	if c.FailureTTL <= 0 {
		c.FailureTTL = time.Minute
	}
	if c.RobotsTimeout <= 0 {
		c.RobotsTimeout = 10 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.MinDelay <= 0 {
		c.MinDelay = time.Second
	}
	return c
}

// Option customizes a Gatekeeper.
type Option func(*Gatekeeper)

// WithHTTPClient overrides the robots.txt client.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gatekeeper) { g.client = client }
}

// WithClock overrides the clock used for cache expiry.
func WithClock(clock crawler.Clock) Option {
	return func(g *Gatekeeper) { g.clock = clock }
}

// WithLimiter swaps the slot limiter.
func WithLimiter(l Limiter) Option {
	return func(g *Gatekeeper) { g.limiter = l }
}

// Gatekeeper implements crawler.Gatekeeper.
type Gatekeeper struct {
	cfg     Config
	client  *http.Client
	clock   crawler.Clock
	limiter Limiter
	logger  *zap.Logger

	mu     sync.Mutex
	cache  map[string]*robotsEntry
	flight singleflight.Group
}

var _ crawler.Gatekeeper = (*Gatekeeper)(nil)

// New builds a Gatekeeper with process-local state.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Gatekeeper {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gatekeeper{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RobotsTimeout},
		clock:  systemClock{},
		logger: logger,
		cache:  make(map[string]*robotsEntry),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.limiter == nil {
		g.limiter = NewLocalLimiter(cfg.MaxConcurrent)
	}
	return g
}

// IsAllowed reports whether robots.txt permits fetching rawURL. Unparseable
// URLs are refused; robots failures allow.
func (g *Gatekeeper) IsAllowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	origin := u.Scheme + "://" + u.Host
	entry := g.rules(ctx, origin)

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	allowed := entry.allows(path)
	switch {
	case entry.failOpen:
		metrics.ObserveRobots("fail_open")
	case allowed:
		metrics.ObserveRobots("allowed")
	default:
		metrics.ObserveRobots("blocked")
	}
	return allowed
}

// CrawlDelay returns the declared Crawl-delay for origin, or zero.
func (g *Gatekeeper) CrawlDelay(ctx context.Context, origin string) time.Duration {
	return g.rules(ctx, origin).crawlDelay()
}

// AcquireSlot waits for a per-origin slot. The returned release func must be
// called once the fetch completes; calling it more than once is harmless.
func (g *Gatekeeper) AcquireSlot(ctx context.Context, origin string) (func(), error) {
	interval := g.cfg.MinDelay
	if delay := g.CrawlDelay(ctx, origin); delay > interval {
		interval = delay
	}

	start := time.Now()
	if err := g.limiter.Acquire(ctx, origin, interval); err != nil {
		return nil, err
	}
	metrics.ObservePolitenessWait(time.Since(start))

	var once sync.Once
	return func() {
		once.Do(func() { g.limiter.Release(origin) })
	}, nil
}

func (g *Gatekeeper) rules(ctx context.Context, origin string) *robotsEntry {
	now := g.clock.Now()
	g.mu.Lock()
	entry, ok := g.cache[origin]
	g.mu.Unlock()
	if ok && now.Before(entry.expiresAt) {
		return entry
	}

	// Callers share this fetch, so one caller's cancellation must not cache a
	// fail-open entry for all of them.
	v, _, _ := g.flight.Do(origin, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.RobotsTimeout)
		defer cancel()
		fresh := g.fetchRobots(fetchCtx, origin)
		g.store(fresh)
		return fresh, nil
	})
	return v.(*robotsEntry)
}

func (g *Gatekeeper) store(entry *robotsEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache[entry.origin] = entry
	if len(g.cache) < 4096 {
		return
	}
	for origin, e := range g.cache {
		if !entry.fetchedAt.Before(e.expiresAt) {
			delete(g.cache, origin)
		}
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
