// Package links extracts same-origin child URLs worth crawling from a page.
package links

import (
	"bytes"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
)

// MaxQueryLength rejects heavily parameterized URLs.
const MaxQueryLength = 200

var assetExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {}, ".svg": {}, ".ico": {}, ".bmp": {}, ".tif": {}, ".tiff": {}, ".avif": {},
	".zip": {}, ".tar": {}, ".gz": {}, ".tgz": {}, ".rar": {}, ".7z": {}, ".bz2": {}, ".xz": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {},
	".mp3": {}, ".mp4": {}, ".m4a": {}, ".wav": {}, ".avi": {}, ".mov": {}, ".webm": {}, ".ogg": {}, ".mkv": {},
	".css": {}, ".js": {}, ".mjs": {}, ".map": {}, ".json": {}, ".xml": {}, ".rss": {}, ".atom": {}, ".txt": {}, ".csv": {},
	".pdf": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {}, ".ppt": {}, ".pptx": {}, ".odt": {},
	".exe": {}, ".dmg": {}, ".msi": {}, ".apk": {}, ".bin": {}, ".iso": {},
}

// Blocked anywhere in the path.
var blockedSegments = map[string]struct{}{
	"login": {}, "logout": {}, "signin": {}, "signup": {}, "register": {},
	"wp-admin": {}, "wp-content": {}, "wp-includes": {}, "wp-json": {},
	"cart": {}, "checkout": {}, "cdn-cgi": {},
}

// Blocked only as the first segment, so /docs/api/... stays crawlable.
var blockedRootSegments = map[string]struct{}{
	"admin": {}, "api": {}, "static": {}, "assets": {}, "account": {},
}

var blockedHrefPrefixes = []string{"mailto:", "tel:", "javascript:", "data:", "sms:"}

// Discover returns canonical, deduplicated child URLs in document order. The
// page itself and anything off-origin is excluded. Callers cap fan-out.
func Discover(html []byte, pageURL string) []string {
	base, ok := crawler.Canonicalize(pageURL, "")
	if !ok {
		return nil
	}
	origin, ok := crawler.Origin(base)
	if !ok {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil
	}

	// Relative links resolve against the raw page URL (canonical form drops
	// the trailing slash) or a <base href> when present.
	resolveAgainst := pageURL
	if href, exists := doc.Find("base[href]").First().Attr("href"); exists {
		if pu, err := url.Parse(pageURL); err == nil {
			if bu, err := pu.Parse(strings.TrimSpace(href)); err == nil && (bu.Scheme == "http" || bu.Scheme == "https") {
				resolveAgainst = bu.String()
			}
		}
	}

	seen := map[string]struct{}{base: {}}
	var out []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		candidate, ok := Candidate(href, resolveAgainst, origin)
		if !ok {
			return
		}
		if _, dup := seen[candidate]; dup {
			return
		}
		seen[candidate] = struct{}{}
		out = append(out, candidate)
	})
	return out
}

// Candidate canonicalizes href and applies every filter.
func Candidate(href, base, origin string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	lower := strings.ToLower(href)
	for _, prefix := range blockedHrefPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return "", false
		}
	}

	canonical, ok := crawler.Canonicalize(href, base)
	if !ok {
		return "", false
	}
	u, err := url.Parse(canonical)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if o, ok := crawler.Origin(canonical); !ok || o != origin {
		return "", false
	}
	if len(u.RawQuery) >= MaxQueryLength {
		return "", false
	}
	if hasAssetExtension(u.Path) || hasBlockedSegment(u.Path) {
		return "", false
	}
	return canonical, true
}

func hasAssetExtension(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return false
	}
	_, blocked := assetExtensions[ext]
	return blocked
}

func hasBlockedSegment(p string) bool {
	segments := strings.Split(strings.Trim(strings.ToLower(p), "/"), "/")
	if _, blocked := blockedRootSegments[segments[0]]; blocked {
		return true
	}
	for _, seg := range segments {
		if _, blocked := blockedSegments[seg]; blocked {
			return true
		}
	}
	return false
}
