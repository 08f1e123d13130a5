package sitemap

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingGate struct {
	acquired atomic.Int32
	released atomic.Int32
}

func (g *countingGate) IsAllowed(context.Context, string) bool { return true }

func (g *countingGate) CrawlDelay(context.Context, string) time.Duration { return 0 }

func (g *countingGate) AcquireSlot(context.Context, string) (func(), error) {
	g.acquired.Add(1)
	return func() { g.released.Add(1) }, nil
}

func urlset(locs ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for _, l := range locs {
		fmt.Fprintf(&b, "<url><loc>%s</loc></url>", l)
	}
	b.WriteString("</urlset>")
	return b.String()
}

func index(locs ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for _, l := range locs {
		fmt.Fprintf(&b, "<sitemap><loc>%s</loc></sitemap>", l)
	}
	b.WriteString("</sitemapindex>")
	return b.String()
}

type routes struct {
	mu    sync.Mutex
	pages map[string]string
	hits  []string
}

func (r *routes) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.hits = append(r.hits, req.URL.Path)
	body, ok := r.pages[req.URL.Path]
	r.mu.Unlock()
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(body))
}

func (r *routes) Hits() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.hits...)
}

func newServer(t *testing.T, pages func(base string) map[string]string) (*httptest.Server, *routes) {
	t.Helper()
	rt := &routes{}
	srv := httptest.NewServer(rt)
	t.Cleanup(srv.Close)
	rt.pages = pages(srv.URL)
	return srv, rt
}

func TestDiscoverURLSet(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t, func(base string) map[string]string {
		return map[string]string{
			"/sitemap.xml": urlset(
				base+"/docs/",
				base+"/docs?utm_source=feed",
				base+"/guide#intro",
				"https://elsewhere.example/page",
				"/relative",
			),
		}
	})
	gate := &countingGate{}
	d := New(Config{}, srv.Client(), gate, nil)

	got := d.Discover(context.Background(), srv.URL)
	require.Equal(t, []string{srv.URL + "/docs", srv.URL + "/guide", srv.URL + "/relative"}, got)
	require.Equal(t, int32(1), gate.acquired.Load())
	require.Equal(t, gate.acquired.Load(), gate.released.Load())
}

func TestDiscoverFallsThroughWellKnownPaths(t *testing.T) {
	t.Parallel()

	srv, rt := newServer(t, func(base string) map[string]string {
		return map[string]string{
			"/sitemap.xml":          urlset(),
			"/sitemap/sitemap.xml":  urlset(base + "/a"),
			"/sitemaps/sitemap.xml": urlset(base + "/never"),
		}
	})
	d := New(Config{}, srv.Client(), nil, nil)

	got := d.Discover(context.Background(), srv.URL)
	require.Equal(t, []string{srv.URL + "/a"}, got)
	require.Equal(t, []string{"/sitemap.xml", "/sitemap_index.xml", "/sitemap-index.xml", "/sitemap/sitemap.xml"}, rt.Hits())
}

func TestDiscoverIndexFollowsLimitedChildren(t *testing.T) {
	t.Parallel()

	srv, rt := newServer(t, func(base string) map[string]string {
		pages := map[string]string{}
		var children []string
		for i := 0; i < 12; i++ {
			path := fmt.Sprintf("/child-%d.xml", i)
			children = append(children, base+path)
			pages[path] = urlset(fmt.Sprintf("%s/page-%d", base, i))
		}
		pages["/sitemap_index.xml"] = index(children...)
		return pages
	})
	d := New(Config{MaxChildren: 10}, srv.Client(), nil, nil)

	got := d.Discover(context.Background(), srv.URL)
	require.Len(t, got, 10)
	require.Equal(t, srv.URL+"/page-0", got[0])
	require.NotContains(t, rt.Hits(), "/child-10.xml")
}

func TestDiscoverCapsURLs(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t, func(base string) map[string]string {
		var locs []string
		for i := 0; i < 150; i++ {
			locs = append(locs, fmt.Sprintf("%s/p/%d", base, i))
		}
		return map[string]string{"/sitemap.xml": urlset(locs...)}
	})
	d := New(Config{MaxURLs: 100}, srv.Client(), nil, nil)

	got := d.Discover(context.Background(), srv.URL)
	require.Len(t, got, 100)
	require.Equal(t, srv.URL+"/p/99", got[99])
}

func TestDiscoverNoSitemap(t *testing.T) {
	t.Parallel()

	srv, rt := newServer(t, func(string) map[string]string {
		return map[string]string{"/sitemap.xml": "<html>not xml</html>"}
	})
	d := New(Config{}, srv.Client(), nil, nil)

	require.Empty(t, d.Discover(context.Background(), srv.URL))
	require.Len(t, rt.Hits(), len(WellKnownPaths))
}

func TestDiscoverChildTimeout(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(index(srv.URL+"/slow.xml", srv.URL+"/fast.xml")))
	})
	mux.HandleFunc("/slow.xml", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	mux.HandleFunc("/fast.xml", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(urlset(srv.URL + "/fast-page")))
	})

	d := New(Config{FetchTimeout: 100 * time.Millisecond}, srv.Client(), nil, nil)
	got := d.Discover(context.Background(), srv.URL)
	require.Equal(t, []string{srv.URL + "/fast-page"}, got)
}

func TestParse(t *testing.T) {
	t.Parallel()

	urls, children, err := parse([]byte(urlset("https://a.example/x", " ")))
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example/x"}, urls)
	require.Empty(t, children)

	urls, children, err = parse([]byte(index("https://a.example/s.xml")))
	require.NoError(t, err)
	require.Empty(t, urls)
	require.Equal(t, []string{"https://a.example/s.xml"}, children)

	_, _, err = parse([]byte("{}"))
	require.ErrorIs(t, err, errNotSitemap)
}
