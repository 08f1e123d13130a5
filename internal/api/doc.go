// Package api hosts the HTTP ingress. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/ingest to validate an ingest request and publish it to the
//     ingest topic.
//   - GET /v1/knowledge-bases/{kbID}/documents?url= to look up a stored
//     document by canonical source URL.
package api
