// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
	"github.com/JakeFAU/kb-ingest-crawler/internal/metrics"
)

// Config controls collector and retry behavior.
type Config struct {
	UserAgent      string
	Timeout        time.Duration
	MaxBodyBytes   int64
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Fetcher implements crawler.Fetcher using the Colly collector. Robots rules
// are enforced upstream by the politeness gatekeeper.
type Fetcher struct {
	cfg           Config
	retry         *crawler.ExponentialRetryPolicy
	baseCollector *colly.Collector
	logger        *zap.Logger
}

var _ crawler.Fetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponseHeaders(colly.ResponseHeadersCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// attemptState collects what the collector callbacks observed for one visit.
type attemptState struct {
	page      crawler.Page
	status    int
	headerErr error
	fetchErr  error
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		retry:         crawler.NewRetryPolicy(cfg.MaxAttempts, cfg.BackoffInitial, cfg.BackoffMax),
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch GETs rawURL, retrying transient failures with exponential backoff.
// Any failure is returned as a *crawler.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (crawler.Page, error) {
	start := time.Now()
	defer func() { metrics.ObserveFetchDuration(time.Since(start)) }()

	for attempt := 1; ; attempt++ {
		state := f.attempt(ctx, rawURL)
		retryable, err := classify(state)
		if err == nil {
			metrics.ObserveFetchAttempt("ok")
			state.page.Attempts = attempt
			state.page.Duration = time.Since(start)
			return state.page, nil
		}

		if !f.retry.ShouldRetry(err, retryable, attempt, ctx.Err()) {
			metrics.ObserveFetchAttempt("fail")
			return crawler.Page{}, &crawler.FetchError{
				URL:        rawURL,
				StatusCode: state.status,
				Attempts:   attempt,
				Retryable:  retryable,
				Err:        err,
			}
		}

		metrics.ObserveFetchAttempt("retry")
		backoff := f.retry.Backoff(attempt)
		f.logger.Debug("fetch attempt failed; retrying",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Int("status", state.status),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if err := sleep(ctx, backoff); err != nil {
			return crawler.Page{}, &crawler.FetchError{
				URL:        rawURL,
				StatusCode: state.status,
				Attempts:   attempt,
				Retryable:  true,
				Err:        err,
			}
		}
	}
}

func (f *Fetcher) attempt(ctx context.Context, rawURL string) *attemptState {
	state := &attemptState{}
	collector := f.buildCollector()
	f.configureCollectorHooks(collector, state)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		// The abandoned visit keeps writing to state; hand back a fresh one.
		return &attemptState{fetchErr: fmt.Errorf("colly fetch canceled: %w", ctx.Err())}
	case err := <-done:
		if err != nil && state.fetchErr == nil && state.headerErr == nil {
			state.fetchErr = fmt.Errorf("colly visit failed: %w", err)
		}
	}
	return state
}

func (f *Fetcher) buildCollector() *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.MaxBodySize = int(f.cfg.MaxBodyBytes)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, state *attemptState) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")
	})

	hooks.OnResponseHeaders(func(r *colly.Response) {
		state.status = r.StatusCode
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			return
		}
		if !isHTML(r.Headers.Get("Content-Type")) {
			state.headerErr = fmt.Errorf("%w: %q", crawler.ErrUnsupportedContentType, r.Headers.Get("Content-Type"))
			r.Request.Abort()
			return
		}
		if f.cfg.MaxBodyBytes > 0 {
			if n, err := strconv.ParseInt(r.Headers.Get("Content-Length"), 10, 64); err == nil && n > f.cfg.MaxBodyBytes {
				state.headerErr = fmt.Errorf("%w: %d bytes", crawler.ErrBodyTooLarge, n)
				r.Request.Abort()
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		state.status = r.StatusCode
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		state.page = crawler.Page{
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
		}
		if r.Request != nil && r.Request.URL != nil {
			state.page.URL = r.Request.URL.String()
			state.page.FinalURL = r.Request.URL.String()
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			state.status = r.StatusCode
		}
		state.fetchErr = err
	})
}

// classify reports whether an attempt is worth retrying and why it failed.
func classify(state *attemptState) (bool, error) {
	switch {
	case state.headerErr != nil:
		return false, state.headerErr
	case state.status >= http.StatusInternalServerError:
		return true, fmt.Errorf("%w: %d", crawler.ErrServerStatus, state.status)
	case state.status >= http.StatusBadRequest:
		return false, fmt.Errorf("%w: %d", crawler.ErrClientStatus, state.status)
	case state.fetchErr != nil:
		return isTransient(state.fetchErr), state.fetchErr
	case state.status < 200 || state.status >= 300:
		return false, fmt.Errorf("%w: unexpected status %d", crawler.ErrClientStatus, state.status)
	case !isHTML(state.page.Headers.Get("Content-Type")):
		return false, fmt.Errorf("%w: %q", crawler.ErrUnsupportedContentType, state.page.Headers.Get("Content-Type"))
	case len(state.page.Body) == 0:
		return false, crawler.ErrEmptyBody
	}
	return false, nil
}

// isTransient treats transport failures as retryable and anything colly
// refuses before sending as terminal.
func isTransient(err error) bool {
	switch {
	case errors.Is(err, colly.ErrMissingURL),
		errors.Is(err, colly.ErrForbiddenURL),
		errors.Is(err, colly.ErrForbiddenDomain),
		errors.Is(err, colly.ErrAbortedAfterHeaders):
		return false
	}
	return true
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html"
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
