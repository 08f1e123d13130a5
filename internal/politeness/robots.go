package politeness

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const maxRobotsBytes = 1 << 20

// robotsEntry is the cached rule set for one origin. A nil group means allow all.
type robotsEntry struct {
	origin    string
	group     *robotstxt.Group
	fetchedAt time.Time
	expiresAt time.Time
	failOpen  bool
}

func (e *robotsEntry) allows(path string) bool {
	if e == nil || e.group == nil {
		return true
	}
	return e.group.Test(path)
}

func (e *robotsEntry) crawlDelay() time.Duration {
	if e == nil || e.group == nil {
		return 0
	}
	return e.group.CrawlDelay
}

// fetchRobots retrieves and parses {origin}/robots.txt. It never returns an
// error: every failure degrades to an allow-all entry that expires sooner.
func (g *Gatekeeper) fetchRobots(ctx context.Context, origin string) *robotsEntry {
	now := g.clock.Now()
	entry := &robotsEntry{origin: origin, fetchedAt: now, expiresAt: now.Add(g.cfg.RobotsTTL)}

	data, err := g.loadRobots(ctx, origin)
	if err != nil {
		g.logger.Warn("robots fetch failed; allowing access",
			zap.String("origin", origin),
			zap.Error(err),
		)
		entry.failOpen = true
		entry.expiresAt = now.Add(g.cfg.FailureTTL)
		return entry
	}
	entry.group = data.FindGroup(g.cfg.UserAgent)
	return entry
}

func (g *Gatekeeper) loadRobots(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if g.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", g.cfg.UserAgent)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get robots: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			g.logger.Debug("close robots body", zap.Error(closeErr))
		}
	}()

	// robotstxt treats 5xx as disallow-all; a broken origin must not stall the crawl.
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("robots status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}
