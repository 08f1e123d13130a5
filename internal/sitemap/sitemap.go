// Package sitemap discovers seed URLs from well-known sitemap locations.
// Only flat urlsets and one level of sitemap index are followed.
package sitemap

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
)

const maxSitemapBytes = 10 << 20

// WellKnownPaths are tried in order against the origin.
var WellKnownPaths = []string{
	"/sitemap.xml",
	"/sitemap_index.xml",
	"/sitemap-index.xml",
	"/sitemap/sitemap.xml",
	"/sitemaps/sitemap.xml",
}

var errNotSitemap = errors.New("document is neither urlset nor sitemapindex")

type xmlURL struct {
	Loc string `xml:"loc"`
}

type xmlURLSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []xmlURL `xml:"url"`
}

type xmlSitemap struct {
	Loc string `xml:"loc"`
}

type xmlSitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	Sitemaps []xmlSitemap `xml:"sitemap"`
}

// Config bounds discovery.
type Config struct {
	UserAgent    string
	MaxURLs      int
	MaxChildren  int
	FetchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxURLs <= 0 {
		c.MaxURLs = 100
	}
	if c.MaxChildren <= 0 {
		c.MaxChildren = 10
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	return c
}

// Discoverer fetches sitemaps through the politeness gatekeeper.
type Discoverer struct {
	cfg    Config
	client *http.Client
	gate   crawler.Gatekeeper
	logger *zap.Logger
}

// New builds a Discoverer. A nil client uses http.DefaultClient.
func New(cfg Config, client *http.Client, gate crawler.Gatekeeper, logger *zap.Logger) *Discoverer {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{cfg: cfg.withDefaults(), client: client, gate: gate, logger: logger}
}

// Discover returns up to MaxURLs canonical same-origin page URLs from the
// first well-known sitemap that yields any. Failures yield an empty list.
func (d *Discoverer) Discover(ctx context.Context, origin string) []string {
	origin = strings.TrimRight(origin, "/")
	for _, p := range WellKnownPaths {
		if ctx.Err() != nil {
			return nil
		}
		urls := d.fromSitemap(ctx, origin, origin+p)
		if len(urls) > 0 {
			d.logger.Info("sitemap discovered",
				zap.String("origin", origin),
				zap.String("path", p),
				zap.Int("urls", len(urls)),
			)
			return urls
		}
	}
	return nil
}

func (d *Discoverer) fromSitemap(ctx context.Context, origin, sitemapURL string) []string {
	body, err := d.fetch(ctx, sitemapURL)
	if err != nil {
		d.logger.Debug("sitemap unavailable", zap.String("url", sitemapURL), zap.Error(err))
		return nil
	}

	c := newCollector(origin, d.cfg.MaxURLs)
	urls, children, err := parse(body)
	if err != nil {
		d.logger.Debug("sitemap unparseable", zap.String("url", sitemapURL), zap.Error(err))
		return nil
	}
	c.add(urls)

	followed := 0
	for _, child := range children {
		if c.full() || followed >= d.cfg.MaxChildren {
			break
		}
		childURL, ok := crawler.Canonicalize(child, sitemapURL)
		if !ok || !crawler.SameOrigin(childURL, origin) {
			continue
		}
		followed++
		childBody, err := d.fetch(ctx, childURL)
		if err != nil {
			d.logger.Debug("child sitemap unavailable", zap.String("url", childURL), zap.Error(err))
			continue
		}
		childURLs, _, err := parse(childBody)
		if err != nil {
			d.logger.Debug("child sitemap unparseable", zap.String("url", childURL), zap.Error(err))
			continue
		}
		// Children of a child index are ignored; only one level is followed.
		c.add(childURLs)
	}
	return c.urls
}

func (d *Discoverer) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	origin, ok := crawler.Origin(rawURL)
	if !ok {
		return nil, fmt.Errorf("invalid sitemap url %q", rawURL)
	}
	if d.gate != nil {
		release, err := d.gate.AcquireSlot(ctx, origin)
		if err != nil {
			return nil, fmt.Errorf("acquire slot: %w", err)
		}
		defer release()
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.FetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if d.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", d.cfg.UserAgent)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get sitemap: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("sitemap status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSitemapBytes))
	if err != nil {
		return nil, fmt.Errorf("read sitemap: %w", err)
	}
	return body, nil
}

// parse returns the page locations of a urlset or the child locations of a
// sitemap index.
func parse(body []byte) (urls, children []string, err error) {
	var index xmlSitemapIndex
	if err := xml.Unmarshal(body, &index); err == nil {
		for _, s := range index.Sitemaps {
			if loc := strings.TrimSpace(s.Loc); loc != "" {
				children = append(children, loc)
			}
		}
		return nil, children, nil
	}
	var set xmlURLSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, nil, errNotSitemap
	}
	for _, u := range set.URLs {
		if loc := strings.TrimSpace(u.Loc); loc != "" {
			urls = append(urls, loc)
		}
	}
	return urls, nil, nil
}

type collector struct {
	origin string
	limit  int
	seen   map[string]struct{}
	urls   []string
}

func newCollector(origin string, limit int) *collector {
	return &collector{origin: origin, limit: limit, seen: make(map[string]struct{})}
}

func (c *collector) full() bool {
	return len(c.urls) >= c.limit
}

func (c *collector) add(locs []string) {
	for _, loc := range locs {
		if c.full() {
			return
		}
		canonical, ok := crawler.Canonicalize(loc, c.origin+"/")
		if !ok || !crawler.SameOrigin(canonical, c.origin) {
			continue
		}
		if _, dup := c.seen[canonical]; dup {
			continue
		}
		c.seen[canonical] = struct{}{}
		c.urls = append(c.urls, canonical)
	}
}
