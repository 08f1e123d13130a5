// Package api exposes the HTTP ingress for the ingestion pipeline.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingest-crawler/internal/config"
	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
	"github.com/JakeFAU/kb-ingest-crawler/internal/ingest"
	"github.com/JakeFAU/kb-ingest-crawler/internal/metrics"
)

// maxRequestBytes caps ingest request bodies.
const maxRequestBytes = 1 << 20

// DocumentFinder looks up a stored document by its canonical source URL.
type DocumentFinder interface {
	FindBySourceURL(ctx context.Context, knowledgeBaseID, sourceURL string) (crawler.Document, error)
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Server wires HTTP handlers to the queue and document store.
type Server struct {
	router    chi.Router
	publisher crawler.Publisher
	documents DocumentFinder
	checks    []ReadinessCheck
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. documents may be
// nil, in which case the lookup route answers 501.
func NewServer(
	publisher crawler.Publisher,
	documents DocumentFinder,
	cfg config.Config,
	logger *zap.Logger,
	checks ...ReadinessCheck,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		publisher: publisher,
		documents: documents,
		checks:    checks,
		cfg:       cfg,
		logger:    logger,
	}
	timeout := time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(middleware.Timeout(timeout))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/ingest", s.submitIngest)
		r.Get("/knowledge-bases/{kbID}/documents", s.lookupDocument)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	for _, check := range s.checks {
		if err := check(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type ingestResponse struct {
	Status    string `json:"status"`
	SeedURL   string `json:"seedUrl"`
	MessageID string `json:"messageId"`
}

func (s *Server) submitIngest(w http.ResponseWriter, r *http.Request) {
	var req crawler.IngestRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	valid, err := ingest.Validate(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgID, err := s.publisher.Publish(r.Context(), crawler.TopicIngest, valid, crawler.PublishOptions{})
	if err != nil {
		s.logger.Error("publish ingest request failed",
			zap.String("kb_id", valid.KnowledgeBaseID),
			zap.String("seed_url", valid.SeedURL),
			zap.Error(err),
		)
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		s.writeError(w, status, "failed to enqueue ingest request")
		return
	}
	s.logger.Info("ingest accepted",
		zap.String("kb_id", valid.KnowledgeBaseID),
		zap.String("seed_url", valid.SeedURL),
		zap.Int("max_depth", valid.MaxDepth),
		zap.String("message_id", msgID),
	)
	s.writeJSON(w, http.StatusAccepted, ingestResponse{
		Status:    "accepted",
		SeedURL:   valid.SeedURL,
		MessageID: msgID,
	})
}

func (s *Server) lookupDocument(w http.ResponseWriter, r *http.Request) {
	if s.documents == nil {
		s.writeError(w, http.StatusNotImplemented, "document lookup unavailable")
		return
	}
	kbID := chi.URLParam(r, "kbID")
	canonical, ok := crawler.Canonicalize(r.URL.Query().Get("url"), "")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "url query parameter must be an absolute http(s) URL")
		return
	}
	doc, err := s.documents.FindBySourceURL(r.Context(), kbID, canonical)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "document not found")
		return
	case err != nil:
		s.logger.Error("document lookup failed", zap.String("kb_id", kbID), zap.String("url", canonical), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "document lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("request completed",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("request_id", middleware.GetReqID(r.Context())),
						zap.Stack("stack"),
					)
					writeJSON(logger, w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(zap.L(), w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(s.logger, w, status, payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(s.logger, w, status, map[string]string{"error": msg})
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
