package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
	"github.com/JakeFAU/kb-ingest-crawler/internal/document"
	"github.com/JakeFAU/kb-ingest-crawler/internal/ingest"
	"github.com/JakeFAU/kb-ingest-crawler/internal/queue/memory"
	storemem "github.com/JakeFAU/kb-ingest-crawler/internal/storage/memory"
)

type fakeGate struct {
	blocked  map[string]bool
	acquired atomic.Int32
	released atomic.Int32
}

func (g *fakeGate) IsAllowed(_ context.Context, rawURL string) bool {
	return !g.blocked[rawURL]
}

func (g *fakeGate) CrawlDelay(context.Context, string) time.Duration { return 0 }

func (g *fakeGate) AcquireSlot(context.Context, string) (func(), error) {
	g.acquired.Add(1)
	return func() { g.released.Add(1) }, nil
}

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	err   error
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (crawler.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rawURL)
	if f.err != nil {
		return crawler.Page{}, f.err
	}
	body, ok := f.pages[rawURL]
	if !ok {
		return crawler.Page{}, &crawler.FetchError{URL: rawURL, StatusCode: 404, Attempts: 1, Err: crawler.ErrClientStatus}
	}
	return crawler.Page{URL: rawURL, FinalURL: rawURL, StatusCode: 200, Body: []byte(body)}, nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// wordExtractor returns the page text with a word count scaled by words.
type wordExtractor struct {
	words int
	empty bool
}

func (e wordExtractor) Extract(html []byte, pageURL *url.URL) *crawler.ExtractionResult {
	if e.empty {
		return nil
	}
	words := e.words
	if words == 0 {
		words = 50
	}
	return &crawler.ExtractionResult{
		Title:     "Page " + pageURL.Path,
		Content:   strings.Repeat("word ", words),
		WordCount: words,
	}
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) { return fmt.Sprintf("doc-%d", s.n.Add(1)), nil }

type fixture struct {
	gate      *fakeGate
	fetcher   *fakeFetcher
	store     *storemem.DocumentStore
	broker    *memory.Broker
	snapshots *storemem.SnapshotStore
	handler   *Handler
}

func newFixture(t *testing.T, extractor crawler.Extractor, pages map[string]string) *fixture {
	t.Helper()
	f := &fixture{
		gate:      &fakeGate{blocked: map[string]bool{}},
		fetcher:   &fakeFetcher{pages: pages},
		store:     storemem.NewDocumentStore(),
		broker:    memory.NewBroker(memory.Config{Capacity: 1024}, nil),
		snapshots: storemem.NewSnapshotStore("snapshots"),
	}
	t.Cleanup(f.broker.Close)
	writer := document.NewWriter(f.store, &seqIDs{}, fixedClock{}, 2, nil)
	f.handler = NewHandler(f.gate, f.fetcher, extractor, writer, f.broker, f.snapshots,
		HandlerConfig{MaxFanout: DefaultMaxFanout}, nil)
	return f
}

func anchorsPage(n int) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `<a href="/page/%d">page %d</a>`, i, i)
	}
	b.WriteString(`<a href="https://other.example/x">off-site</a></body></html>`)
	return b.String()
}

func decodeCrawlJobs(t *testing.T, b *memory.Broker) []crawler.CrawlJob {
	t.Helper()
	var jobs []crawler.CrawlJob
	for _, p := range b.Published(crawler.TopicCrawl) {
		var job crawler.CrawlJob
		require.NoError(t, p.Decode(&job))
		jobs = append(jobs, job)
	}
	return jobs
}

func TestHandleCapsFanout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, wordExtractor{}, map[string]string{"https://example.com/": anchorsPage(200)})
	outcome, err := f.handler.Handle(context.Background(), crawler.CrawlJob{
		KnowledgeBaseID: "kb", TargetURL: "https://example.com/", RequesterID: "u", Depth: 2,
	})
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.Equal(t, crawler.OutcomeStored, outcome.Status)
	require.Equal(t, string(document.Created), outcome.Upsert)
	require.Equal(t, 40, outcome.ChildrenEnqueued)

	jobs := decodeCrawlJobs(t, f.broker)
	require.Len(t, jobs, 40)
	for i, job := range jobs {
		require.Equal(t, fmt.Sprintf("https://example.com/page/%d", i), job.TargetURL)
		require.Equal(t, 1, job.Depth)
		require.Equal(t, "kb", job.KnowledgeBaseID)
		require.Equal(t, "u", job.RequesterID)
	}
	require.Equal(t, f.gate.acquired.Load(), f.gate.released.Load())
}

func TestHandleDepthZeroPublishesNoChildren(t *testing.T) {
	t.Parallel()

	f := newFixture(t, wordExtractor{}, map[string]string{"https://example.com/docs": anchorsPage(10)})
	outcome, err := f.handler.Handle(context.Background(), crawler.CrawlJob{
		KnowledgeBaseID: "kb", TargetURL: "https://example.com/docs/", Depth: 0,
	})
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.Zero(t, outcome.ChildrenEnqueued)
	require.Empty(t, f.broker.Published(crawler.TopicCrawl))
	require.Equal(t, []string{"https://example.com/docs"}, f.fetcher.Calls())
}

func TestHandlePublishesEmbeddingOnlyWhenChanged(t *testing.T) {
	t.Parallel()

	f := newFixture(t, wordExtractor{words: 30}, map[string]string{"https://example.com/a": "<html></html>"})
	job := crawler.CrawlJob{KnowledgeBaseID: "kb", TargetURL: "https://example.com/a", RequesterID: "u"}

	first, err := f.handler.Handle(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, string(document.Created), first.Upsert)

	second, err := f.handler.Handle(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, string(document.Unchanged), second.Upsert)
	require.Equal(t, first.DocumentID, second.DocumentID)

	embeds := f.broker.Published(crawler.TopicEmbed)
	require.Len(t, embeds, 1)
	var embed crawler.EmbeddingJob
	require.NoError(t, embeds[0].Decode(&embed))
	require.Equal(t, crawler.EmbeddingJob{
		KnowledgeBaseID: "kb",
		DocumentID:      first.DocumentID,
		SourceURL:       "https://example.com/a",
		RequesterID:     "u",
	}, embed)
	require.Len(t, f.store.Documents("kb"), 1)
}

func TestHandleBlockedByRobots(t *testing.T) {
	t.Parallel()

	f := newFixture(t, wordExtractor{}, map[string]string{})
	f.gate.blocked["https://example.com/private"] = true

	outcome, err := f.handler.Handle(context.Background(), crawler.CrawlJob{KnowledgeBaseID: "kb", TargetURL: "https://example.com/private", Depth: 3})
	require.NoError(t, err)
	require.True(t, outcome.Blocked)
	require.Equal(t, crawler.OutcomeBlocked, outcome.Status)
	require.False(t, outcome.Success)
	require.Empty(t, f.fetcher.Calls())
	require.Zero(t, f.gate.acquired.Load())
}

func TestHandleNoContentIsTerminal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, wordExtractor{empty: true}, map[string]string{"https://example.com/thin": anchorsPage(5)})
	outcome, err := f.handler.Handle(context.Background(), crawler.CrawlJob{KnowledgeBaseID: "kb", TargetURL: "https://example.com/thin", Depth: 2})
	require.NoError(t, err)
	require.False(t, outcome.Success)
	require.Equal(t, "no_content", outcome.Reason)
	require.Empty(t, f.store.Documents("kb"))
	require.Empty(t, f.broker.Published(""))
	require.Zero(t, f.snapshots.Len())
}

func TestHandleInvalidJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, wordExtractor{}, nil)
	for _, job := range []crawler.CrawlJob{
		{KnowledgeBaseID: "kb", TargetURL: "mailto:someone@example.com"},
		{KnowledgeBaseID: "kb", TargetURL: ""},
		{KnowledgeBaseID: "", TargetURL: "https://example.com"},
	} {
		outcome, err := f.handler.Handle(context.Background(), job)
		require.NoError(t, err)
		require.Equal(t, crawler.OutcomeInvalid, outcome.Status)
	}
	require.Empty(t, f.fetcher.Calls())
}

func TestHandleFetchFailureReturnsError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, wordExtractor{}, nil)
	f.fetcher.err = &crawler.FetchError{URL: "https://example.com/", StatusCode: 503, Attempts: 3, Retryable: true, Err: crawler.ErrServerStatus}

	outcome, err := f.handler.Handle(context.Background(), crawler.CrawlJob{KnowledgeBaseID: "kb", TargetURL: "https://example.com/"})
	require.ErrorIs(t, err, crawler.ErrFetchFailed)
	require.True(t, crawler.IsRetryableFetch(err))
	require.Equal(t, crawler.OutcomeFailed, outcome.Status)
	require.Equal(t, int32(1), f.gate.released.Load())
}

func TestHandleStoresSnapshot(t *testing.T) {
	t.Parallel()

	f := newFixture(t, wordExtractor{}, map[string]string{"https://example.com/a": "<html>raw</html>"})
	_, err := f.handler.Handle(context.Background(), crawler.CrawlJob{KnowledgeBaseID: "kb", TargetURL: "https://example.com/a"})
	require.NoError(t, err)

	stored, ok := f.snapshots.Snapshot("kb", "https://example.com/a")
	require.True(t, ok)
	require.Equal(t, "<html>raw</html>", string(stored.HTML))
	require.False(t, stored.FetchedAt.IsZero())
}

type failingSnapshots struct{}

func (failingSnapshots) PutSnapshot(context.Context, crawler.Snapshot) (string, error) {
	return "", errors.New("bucket gone")
}

func TestHandleSnapshotFailureDoesNotFailJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, wordExtractor{}, map[string]string{"https://example.com/a": "<html>raw</html>"})
	writer := document.NewWriter(f.store, &seqIDs{}, fixedClock{}, 2, nil)
	h := NewHandler(f.gate, f.fetcher, wordExtractor{}, writer, f.broker, failingSnapshots{}, HandlerConfig{}, nil)

	outcome, err := h.Handle(context.Background(), crawler.CrawlJob{KnowledgeBaseID: "kb", TargetURL: "https://example.com/a"})
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.Len(t, f.broker.Published(crawler.TopicEmbed), 1)
}

// flakyPublisher fails the first embedFailures embedding publishes.
type flakyPublisher struct {
	crawler.Publisher

	mu            sync.Mutex
	embedFailures int
	embedCalls    int
}

func (p *flakyPublisher) Publish(ctx context.Context, topic string, payload any, opts crawler.PublishOptions) (string, error) {
	if topic == crawler.TopicEmbed {
		p.mu.Lock()
		p.embedCalls++
		fail := p.embedFailures > 0
		if fail {
			p.embedFailures--
		}
		p.mu.Unlock()
		if fail {
			return "", errors.New("embed topic unavailable")
		}
	}
	return p.Publisher.Publish(ctx, topic, payload, opts)
}

func newFlakyHandler(f *fixture, failures int) (*Handler, *flakyPublisher) {
	pub := &flakyPublisher{Publisher: f.broker, embedFailures: failures}
	writer := document.NewWriter(f.store, &seqIDs{}, fixedClock{}, 2, nil)
	h := NewHandler(f.gate, f.fetcher, wordExtractor{words: 30}, writer, pub, nil,
		HandlerConfig{PublishAttempts: 3, PublishBackoff: time.Millisecond}, nil)
	return h, pub
}

func TestHandleRetriesEmbeddingPublish(t *testing.T) {
	t.Parallel()

	f := newFixture(t, wordExtractor{}, map[string]string{"https://example.com/a": "<html></html>"})
	h, pub := newFlakyHandler(f, 1)

	outcome, err := h.Handle(context.Background(), crawler.CrawlJob{KnowledgeBaseID: "kb", TargetURL: "https://example.com/a"})
	require.NoError(t, err)
	require.Equal(t, string(document.Created), outcome.Upsert)
	require.Equal(t, 2, pub.embedCalls)
	require.Len(t, f.broker.Published(crawler.TopicEmbed), 1)
}

func TestHandleRedeliveryPublishesMissedEmbedding(t *testing.T) {
	t.Parallel()

	f := newFixture(t, wordExtractor{}, map[string]string{"https://example.com/a": "<html></html>"})
	h, _ := newFlakyHandler(f, 3)
	job := crawler.CrawlJob{KnowledgeBaseID: "kb", TargetURL: "https://example.com/a", RequesterID: "u"}

	first, err := h.Handle(crawler.WithDeliveryAttempt(context.Background(), 1), job)
	require.Error(t, err)
	require.Equal(t, string(document.Created), first.Upsert)
	require.Empty(t, f.broker.Published(crawler.TopicEmbed))
	require.Len(t, f.store.Documents("kb"), 1)

	second, err := h.Handle(crawler.WithDeliveryAttempt(context.Background(), 2), job)
	require.NoError(t, err)
	require.Equal(t, string(document.Unchanged), second.Upsert)

	embeds := f.broker.Published(crawler.TopicEmbed)
	require.Len(t, embeds, 1)
	var embed crawler.EmbeddingJob
	require.NoError(t, embeds[0].Decode(&embed))
	require.Equal(t, first.DocumentID, embed.DocumentID)

	// A fresh delivery of identical content is a plain re-crawl.
	_, err = h.Handle(crawler.WithDeliveryAttempt(context.Background(), 1), job)
	require.NoError(t, err)
	require.Len(t, f.broker.Published(crawler.TopicEmbed), 1)
}

func politenessWaitSamples(t *testing.T) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "kbcrawler_politeness_wait_seconds" {
			continue
		}
		var n uint64
		for _, m := range mf.GetMetric() {
			n += m.GetHistogram().GetSampleCount()
		}
		return n
	}
	return 0
}

func TestHandleLeavesPolitenessWaitToGatekeeper(t *testing.T) {
	f := newFixture(t, wordExtractor{}, map[string]string{"https://example.com/a": "<html></html>"})
	before := politenessWaitSamples(t)

	_, err := f.handler.Handle(context.Background(), crawler.CrawlJob{KnowledgeBaseID: "kb", TargetURL: "https://example.com/a"})
	require.NoError(t, err)
	require.Equal(t, int32(1), f.gate.acquired.Load())
	require.Equal(t, before, politenessWaitSamples(t))
}

func TestScenarioMaxDepthOneWithoutSitemap(t *testing.T) {
	t.Parallel()

	pages := map[string]string{
		"https://example.com/": `<html><body>
			<a href="/about">About</a>
			<a href="/docs/">Docs</a>
			<a href="/login">Login</a>
			<a href="/logo.png">Logo</a>
			<a href="https://other.example/">Elsewhere</a>
		</body></html>`,
		"https://example.com/about": `<html><body><a href="/team">Team</a></body></html>`,
		"https://example.com/docs":  `<html><body><a href="/docs/intro">Intro</a></body></html>`,
	}
	f := newFixture(t, wordExtractor{}, pages)

	seeder := ingest.NewSeeder(ingest.SeederConfig{SitemapEnabled: true}, emptySitemaps{}, f.broker, nil)
	res, err := seeder.Seed(context.Background(), crawler.IngestRequest{
		KnowledgeBaseID: "kb", RequesterID: "u", SeedURL: "https://example.com/", MaxDepth: 1,
	})
	require.NoError(t, err)
	require.Equal(t, ingest.SourceRoot, res.Source)

	roots := decodeCrawlJobs(t, f.broker)
	require.Len(t, roots, 1)
	require.Equal(t, 1, roots[0].Depth)

	rootOutcome, err := f.handler.Handle(context.Background(), roots[0])
	require.NoError(t, err)
	require.Equal(t, 2, rootOutcome.ChildrenEnqueued)

	children := decodeCrawlJobs(t, f.broker)[1:]
	require.Len(t, children, 2)
	for _, child := range children {
		require.Zero(t, child.Depth)
		outcome, err := f.handler.Handle(context.Background(), child)
		require.NoError(t, err)
		require.True(t, outcome.Success)
		require.Zero(t, outcome.ChildrenEnqueued)
	}

	require.Len(t, decodeCrawlJobs(t, f.broker), 3, "depth-0 children publish nothing further")
	require.Len(t, f.store.Documents("kb"), 3)
	require.Len(t, f.broker.Published(crawler.TopicEmbed), 3)
}

type emptySitemaps struct{}

func (emptySitemaps) Discover(context.Context, string) []string { return nil }
