// Package server exposes the settlement engine over HTTP: public
// dashboard routes for affiliates, admin routes for tier management and
// withdrawal cancellation, and an internal route for sale-event intake.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/powersol/settlement/api/metrics"
	"github.com/powersol/settlement/engine/pkg/affiliate"
	"github.com/powersol/settlement/engine/pkg/tier"
	"github.com/powersol/settlement/engine/pkg/withdraw"
)

// AffiliateService is the slice of the affiliate store the handlers use.
type AffiliateService interface {
	GetOrCreate(ctx context.Context, wallet string) (*affiliate.Affiliate, error)
	Stats(ctx context.Context, wallet string) (*affiliate.Stats, error)
	Referrals(ctx context.Context, wallet string, limit int) ([]affiliate.Referral, error)
	SetManualTier(ctx context.Context, wallet string, t tier.Tier, admin, reason, origin string) error
	RemoveManualTier(ctx context.Context, wallet string, admin, reason, origin string) error
}

// SaleProcessor settles attributed sale events.
type SaleProcessor interface {
	ProcessSale(ctx context.Context, event affiliate.SaleEvent) (*affiliate.SaleResult, error)
}

// Withdrawer drives the withdrawal saga.
type Withdrawer interface {
	Prepare(ctx context.Context, wallet string, amount uint64) (*withdraw.Prepared, error)
	Submit(ctx context.Context, id uuid.UUID, signedBase64 string) (*withdraw.Request, error)
	Cancel(ctx context.Context, id uuid.UUID) (*withdraw.Request, error)
}

type Config struct {
	Logger     *slog.Logger
	Addr       string
	Affiliates AffiliateService
	Sales      SaleProcessor
	Withdrawer Withdrawer

	// AdminToken gates tier management and withdrawal cancellation.
	AdminToken string
	// InternalToken gates sale-event intake from the lottery backend.
	InternalToken string

	// PublicRequestsPerMinute rate limits the dashboard routes per IP.
	// Zero means the default of 100.
	PublicRequestsPerMinute int

	// AllowedOrigins for CORS. Empty disables cross-origin access.
	AllowedOrigins []string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Addr == "" {
		return errors.New("listen address is required")
	}
	if cfg.Affiliates == nil {
		return errors.New("affiliate service is required")
	}
	if cfg.Sales == nil {
		return errors.New("sale processor is required")
	}
	if cfg.Withdrawer == nil {
		return errors.New("withdrawer is required")
	}
	if cfg.AdminToken == "" {
		return errors.New("admin token is required")
	}
	if cfg.InternalToken == "" {
		return errors.New("internal token is required")
	}
	if cfg.PublicRequestsPerMinute == 0 {
		cfg.PublicRequestsPerMinute = 100
	}
	return nil
}

// Server is the settlement HTTP server.
type Server struct {
	log    *slog.Logger
	cfg    Config
	router *chi.Mux
	srv    *http.Server
	public *RateLimiter
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		router: chi.NewRouter(),
		public: NewRateLimiter(perMinute(cfg.PublicRequestsPerMinute), 20),
	}
	s.setupRoutes()

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Middleware)
	if len(s.cfg.AllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	s.router.Get("/healthz", s.handleHealthz)

	s.router.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(RateLimitMiddleware(s.public))
			r.Get("/affiliates/{wallet}/stats", s.handleStats)
			r.Get("/affiliates/{wallet}/referrals", s.handleReferrals)
			r.Post("/affiliates/{wallet}/withdrawals", s.handlePrepareWithdrawal)
			r.Post("/withdrawals/{id}/submit", s.handleSubmitWithdrawal)
		})

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(s.cfg.AdminToken))
			r.Post("/withdrawals/{id}/cancel", s.handleCancelWithdrawal)
			r.Put("/admin/affiliates/{wallet}/tier", s.handleSetTier)
			r.Delete("/admin/affiliates/{wallet}/tier", s.handleRemoveTier)
		})

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(s.cfg.InternalToken))
			r.Post("/internal/sales", s.handleSale)
		})
	})
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then drains with a timeout.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", "addr", s.cfg.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return <-errCh
}
