// Package server provides the HTTP API for Nuggetize.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/nuggetize/internal/config"
	"github.com/hyperjump/nuggetize/internal/keyword"
	"github.com/hyperjump/nuggetize/internal/models"
	"github.com/hyperjump/nuggetize/internal/queue"
	"github.com/hyperjump/nuggetize/internal/storage"
	"github.com/hyperjump/nuggetize/internal/urlwatch"
	"github.com/hyperjump/nuggetize/pkg/utils"
)

// OrganizationHeader selects the organization a request is scoped to.
const OrganizationHeader = "X-Organization-ID"

// FolderWatcher starts and stops folder watches when folder configuration changes.
type FolderWatcher interface {
	StartWatching(ctx context.Context, folder *models.WatchedFolder) error
	StopWatching(folderID string)
	Watching(folderID string) bool
}

// URLChecker runs a URL check cycle on demand.
type URLChecker interface {
	CheckAll(ctx context.Context) (urlwatch.Summary, error)
}

// Server is the HTTP server for the Nuggetize API.
type Server struct {
	store   storage.Store
	queue   queue.Queue
	index   keyword.Index
	folders FolderWatcher
	urls    URLChecker
	config  *config.Config
	logger  *zap.Logger
	server  *http.Server

	// watchCtx outlives requests; folder watches started over HTTP use it.
	watchCtx context.Context
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithKeywordIndex enables nugget search.
func WithKeywordIndex(idx keyword.Index) Option {
	return func(s *Server) { s.index = idx }
}

// WithFolderWatcher enables folder configuration endpoints.
func WithFolderWatcher(ctx context.Context, fw FolderWatcher) Option {
	return func(s *Server) {
		s.folders = fw
		s.watchCtx = ctx
	}
}

// WithURLChecker enables monitored URL endpoints.
func WithURLChecker(c URLChecker) Option {
	return func(s *Server) { s.urls = c }
}

// NewServer creates a server with the given dependencies.
func NewServer(store storage.Store, q queue.Queue, cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		store:    store,
		queue:    q,
		config:   cfg,
		watchCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = utils.OrNop(s.logger)
	return s
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs", s.handleUpload)
		r.Post("/jobs/url", s.handleURLJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/nuggets", s.handleJobNuggets)
		r.Post("/jobs/{id}/retry", s.handleRetryJob)

		r.Get("/nuggets/search", s.handleSearchNuggets)
		r.Get("/nuggets/{id}", s.handleGetNugget)

		r.Get("/folders", s.handleListFolders)
		r.Put("/folders/{id}", s.handlePutFolder)
		r.Delete("/folders/{id}", s.handleDeleteFolder)

		r.Get("/urls", s.handleListURLs)
		r.Put("/urls/{id}", s.handlePutURL)
		r.Post("/urls/check", s.handleCheckURLs)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
