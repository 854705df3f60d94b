// Package server provides the read-only HTTP API for memex.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nicosuave/memex/internal/config"
	"github.com/nicosuave/memex/internal/models"
	"github.com/nicosuave/memex/internal/search"
	"go.uber.org/zap"
)

// Engine is the query surface the server exposes. *search.Engine implements it.
type Engine interface {
	Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error)
	Recent(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error)
	SearchSessions(ctx context.Context, q *models.SearchQuery) ([]*models.SessionSummary, []string, error)
	Show(ctx context.Context, docID string) (*models.Document, error)
	Session(ctx context.Context, sessionID string) (*models.Session, error)
	Projects(ctx context.Context, source models.Source) ([]string, error)
	Status(ctx context.Context) (*search.Status, error)
}

// Server is the HTTP server for the memex API.
type Server struct {
	engine Engine
	config *config.ServerConfig
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(engine Engine, cfg *config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine: engine,
		config: cfg,
		logger: logger,
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes returns the API router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/search", s.handleSearch)
		r.Get("/documents/{id}", s.handleGetDocument)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Get("/projects", s.handleProjects)
		r.Get("/status", s.handleStatus)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("Starting server", zap.String("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
