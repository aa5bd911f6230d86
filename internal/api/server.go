package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/config"
	"github.com/foxzi/herald/internal/engine"
	"github.com/foxzi/herald/internal/metrics"
	"github.com/foxzi/herald/internal/queue"
	"github.com/foxzi/herald/internal/session"
)

// Version is reported by the health endpoint
var Version = "dev"

// Campaigns is the campaign engine as seen by the API
type Campaigns interface {
	Create(ctx context.Context, c *campaign.Campaign, activate bool) (*campaign.Campaign, error)
	Activate(ctx context.Context, id string) (*campaign.Campaign, error)
	Pause(ctx context.Context, id string) (*campaign.Campaign, error)
	Resume(ctx context.Context, id string) (*campaign.Campaign, error)
	Cancel(ctx context.Context, id string) (*campaign.Campaign, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*campaign.Campaign, error)
	List(ctx context.Context, filter campaign.ListFilter) ([]*campaign.Campaign, error)
	Counts(ctx context.Context, accountID string) (*campaign.Counts, error)
	Evaluate(ctx context.Context, id string) (*engine.Decision, error)
	Promote(ctx context.Context, id, variant string) (*engine.Decision, error)
	RecordReceipt(ctx context.Context, jobID, providerMessageID string, status campaign.RecipientStatus, at time.Time) (string, error)
	JobStatus(ctx context.Context, jobID string) (*engine.JobStatus, error)
	QueueStats() []queue.Stats
}

// RouteRegistrar adds a group of routes under /api/v1
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	campaigns  Campaigns
	sessions   *session.Registry
	config     *config.APIConfig
	limiter    *clientLimiter
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server. Extra route groups are mounted under
// /api/v1 behind the same authentication.
func NewServer(campaigns Campaigns, sessions *session.Registry, cfg *config.APIConfig, logger *slog.Logger, extra ...RouteRegistrar) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		campaigns: campaigns,
		sessions:  sessions,
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}
	if cfg.RateLimit.Enabled {
		s.limiter = newClientLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	s.setupRoutes(extra)
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes(extra []RouteRegistrar) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Instrument(nil))

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.rateLimitMiddleware)
		}

		// Provider webhook, authenticated with the callback secret
		r.Post("/sessions/{account}/callback", s.handleSessionCallback)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/campaigns", func(r chi.Router) {
				r.Post("/create", s.handleCreateCampaign)
				r.Post("/", s.handleCreateDraft)
				r.Get("/", s.handleListCampaigns)
				r.Get("/count", s.handleCountCampaigns)
				r.Get("/{id}", s.handleGetCampaign)
				r.Delete("/{id}", s.handleDeleteCampaign)
				r.Post("/{id}/activate", s.lifecycle(s.campaigns.Activate, "activated"))
				r.Post("/{id}/pause", s.lifecycle(s.campaigns.Pause, "paused"))
				r.Post("/{id}/resume", s.lifecycle(s.campaigns.Resume, "resumed"))
				r.Post("/{id}/cancel", s.lifecycle(s.campaigns.Cancel, "cancelled"))
				r.Post("/{id}/evaluate", s.handleEvaluate)
				r.Post("/{id}/promote", s.handlePromote)
			})

			r.Get("/jobs/{id}", s.handleJobStatus)
			r.Post("/receipts", s.handleReceipt)
			r.Get("/queue", s.handleQueue)

			r.Route("/sessions/{account}", func(r chi.Router) {
				r.Post("/start", s.handleSessionStart)
				r.Post("/stop", s.handleSessionStop)
				r.Get("/status", s.handleSessionStatus)
				r.Get("/events", s.handleSessionEvents)
			})

			for _, rr := range extra {
				rr.RegisterRoutes(r)
			}
		})
	})
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.limiter != nil {
		s.limiter.stop()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
