package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"buyback/native/buyback"
	"buyback/services/buybackd/journal"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	Auth          AuthConfig
	RateLimit     RateLimit
}

// Journal lists persisted events for an owner.
type Journal interface {
	ListByOwner(ctx context.Context, owner common.Address, after int64, limit int) ([]journal.Entry, error)
}

// Server exposes the buyback engine over HTTP.
type Server struct {
	cfg     Config
	engine  *buyback.Engine
	journal Journal
	logger  *slog.Logger
	auth    *Authenticator
	limiter *RateLimiter
}

// New constructs a new HTTP server. journal may be nil, in which case the
// events route answers 503.
func New(cfg Config, engine *buyback.Engine, events Journal, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	auth, err := NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		return nil, fmt.Errorf("configure auth: %w", err)
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":7090"
	}
	return &Server{
		cfg:     cfg,
		engine:  engine,
		journal: events,
		logger:  logger,
		auth:    auth,
		limiter: NewRateLimiter(cfg.RateLimit),
	}, nil
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(observe(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Get("/tokens/{token}/holders/{holder}", s.handleTokenBalance)

		r.Route("/accounts/{owner}", func(r chi.Router) {
			r.Post("/deposits", s.handleDeposit)
			r.Post("/ether/deposits", s.handleDepositEther)
			r.Post("/withdrawals", s.handleWithdraw)
			r.Post("/ether/withdrawals", s.handleWithdrawEther)
			r.Get("/balances/{token}", s.handleBalance)
			r.Get("/sell-balance", s.handleSellBalance)
			r.Get("/ether", s.handleEtherBalance)
		})

		r.Get("/buybacks", s.handleListOwners)
		r.Route("/buybacks/{owner}", func(r chi.Router) {
			r.Post("/", s.handleAddBuyBack)
			r.Get("/", s.handleGetBuyBack)
			r.Delete("/", s.handleRemoveBuyBack)
			r.Put("/settings/{field}", s.handleModifyField)
			r.Get("/burn-address", s.handleBurnAddress)

			r.Get("/schedule", s.handleGetSchedule)
			r.Put("/schedule", s.handleModifyAmounts)
			r.Post("/schedule", s.handleAddRounds)
			r.Post("/schedule/remove", s.handleRemoveRounds)
			r.Get("/schedule/{round}", s.handleGetRound)
			r.Put("/schedule/{round}", s.handleModifyAmount)
			r.Post("/schedule/{round}", s.handleAddRound)
			r.Delete("/schedule/{round}", s.handleRemoveRound)

			r.With(s.limiter.Middleware("post")).Post("/post", s.handlePost)
			r.With(s.limiter.Middleware("claim")).Post("/claim", s.handleClaim)
			r.Post("/release", s.handleRelease)
			r.Get("/events", s.handleEvents)
		})
	})
	return otelhttp.NewHandler(r, "buybackd.http")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "addr", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
