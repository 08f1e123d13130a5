// Package crawler holds the domain types, collaborator interfaces, URL
// canonicalization, error taxonomy, and retry policy shared by the
// knowledge-base crawl pipeline.
package crawler
