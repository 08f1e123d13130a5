package crawler

import (
	"net/url"
	"strings"
)

var trackingParams = map[string]struct{}{
	"fbclid":  {},
	"gclid":   {},
	"dclid":   {},
	"msclkid": {},
	"mc_cid":  {},
	"mc_eid":  {},
	"yclid":   {},
	"igshid":  {},
	"_ga":     {},
	"_hsenc":  {},
	"_hsmi":   {},
}

func isTrackingParam(key string) bool {
	key = strings.ToLower(key)
	if strings.HasPrefix(key, "utm_") {
		return true
	}
	_, ok := trackingParams[key]
	return ok
}

// Canonicalize resolves raw against base and normalizes it into the dedup key
// used throughout the pipeline. It lowercases scheme and host, removes default
// ports, strips tracking parameters, drops the fragment, trims trailing slashes
// from non-root paths, and sorts the query. Anything that is not an absolute
// http(s) URL with a host yields ok=false.
func Canonicalize(raw, base string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	u := ref
	if !ref.IsAbs() && base != "" {
		b, err := url.Parse(strings.TrimSpace(base))
		if err != nil {
			return "", false
		}
		u = b.ResolveReference(ref)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Opaque != "" || u.Hostname() == "" {
		return "", false
	}
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.User = nil

	u.Fragment = ""
	u.RawFragment = ""

	if u.RawQuery != "" {
		// ParseQuery keeps every well-formed pair even when it reports an error.
		values, _ := url.ParseQuery(u.RawQuery)
		for key := range values {
			if isTrackingParam(key) {
				values.Del(key)
			}
		}
		u.RawQuery = values.Encode()
	}
	u.ForceQuery = false

	u.Path = trimTrailingSlash(u.Path)
	u.RawPath = trimTrailingSlash(u.RawPath)
	if u.RawPath == "/" {
		u.RawPath = ""
	}

	return u.String(), true
}

func trimTrailingSlash(p string) string {
	if p == "" {
		return "/"
	}
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" {
		return "/"
	}
	return trimmed
}

// Origin returns scheme://host[:port] for a canonical URL.
func Origin(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}

// SameOrigin reports whether a and b share scheme, host, and port.
func SameOrigin(a, b string) bool {
	oa, okA := Origin(a)
	ob, okB := Origin(b)
	return okA && okB && oa == ob
}
