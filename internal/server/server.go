// Package server provides the HTTP server and routing for kontor.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/rhagen/kontor/internal/database"
	"github.com/rhagen/kontor/internal/modules/booking"
	"github.com/rhagen/kontor/internal/modules/classify"
	"github.com/rhagen/kontor/internal/modules/directory"
	"github.com/rhagen/kontor/internal/modules/drafts"
	"github.com/rhagen/kontor/internal/modules/ledger"
	"github.com/rhagen/kontor/internal/modules/splits"
	"github.com/rhagen/kontor/internal/modules/validate"
	"github.com/rhagen/kontor/internal/queue"
)

// Config holds server configuration
type Config struct {
	Log        zerolog.Logger
	DB         *database.DB
	Port       int
	DevMode    bool
	DataDir    string
	Drafts     *drafts.Repository
	Importer   *drafts.Importer
	Directory  *directory.Repository
	Classifier *classify.Classifier
	Splits     *splits.Linker
	Validator  *validate.Validator
	Booking    *booking.Engine
	Postings   *ledger.PostingRepository
	Aggregates *ledger.AggregateRepository
	Runner     *queue.Runner
}

// Server represents the HTTP server
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	startedAt time.Time

	db         *database.DB
	dataDir    string
	drafts     *drafts.Repository
	importer   *drafts.Importer
	directory  *directory.Repository
	classifier *classify.Classifier
	splits     *splits.Linker
	validator  *validate.Validator
	booking    *booking.Engine
	postings   *ledger.PostingRepository
	aggregates *ledger.AggregateRepository
	runner     *queue.Runner
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		log:        cfg.Log.With().Str("component", "server").Logger(),
		startedAt:  time.Now(),
		db:         cfg.DB,
		dataDir:    cfg.DataDir,
		drafts:     cfg.Drafts,
		importer:   cfg.Importer,
		directory:  cfg.Directory,
		classifier: cfg.Classifier,
		splits:     cfg.Splits,
		validator:  cfg.Validator,
		booking:    cfg.Booking,
		postings:   cfg.Postings,
		aggregates: cfg.Aggregates,
		runner:     cfg.Runner,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/imports", s.handleImport)

		r.Route("/drafts", func(r chi.Router) {
			r.Get("/", s.handleListDrafts)
			r.Get("/{id}", s.handleGetDraft)
			r.Post("/{id}/commit", s.handleCommitDraft)
			r.Post("/{id}/expire", s.handleExpireDraft)
			r.Post("/{id}/validate", s.handleValidateDraft)
			r.Post("/{id}/book", s.handleBook)
		})

		r.Route("/entries/{id}", func(r chi.Router) {
			r.Post("/contact", s.handleAssignContact)
			r.Delete("/contact", s.handleClearContact)
			r.Post("/reset", s.handleResetEntry)
			r.Post("/exclude", s.handleExcludeEntry)
			r.Post("/cost-neutral", s.handleSetCostNeutral)
			r.Post("/savings-plan", s.handleAssignSavingsPlan)
			r.Delete("/savings-plan", s.handleClearSavingsPlan)
			r.Post("/security", s.handleAssignSecurity)
			r.Delete("/security", s.handleClearSecurity)
			r.Post("/classify", s.handleClassify)
			r.Post("/split", s.handleCreateSplit)
			r.Delete("/split", s.handleClearSplit)
		})

		r.Route("/aggregates", func(r chi.Router) {
			r.Get("/series", s.handleAggregateSeries)
			r.Post("/rebuild", s.handleRebuild)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/{id}", s.handleGetJob)
			r.Post("/{id}/cancel", s.handleCancelJob)
		})

		r.Get("/system/status", s.handleSystemStatus)
	})
}

// Start starts the HTTP server (blocking)
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.Conn().PingContext(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// loggingMiddleware logs every request with status and duration
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request")
	})
}
