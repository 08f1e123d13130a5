// Package politeness decides whether and when a URL may be fetched: robots.txt
// rules cached per origin, crawl-delay extraction, and per-origin concurrency
// and spacing. All state is process-local.
package politeness
