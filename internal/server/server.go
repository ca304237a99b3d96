// Package server wires the wallet, funding and callback services into one
// HTTP server.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/doseal/agentwallet/internal/callback"
	"github.com/doseal/agentwallet/internal/circuitbreaker"
	"github.com/doseal/agentwallet/internal/config"
	"github.com/doseal/agentwallet/internal/database"
	"github.com/doseal/agentwallet/internal/funding"
	"github.com/doseal/agentwallet/internal/gateway"
	"github.com/doseal/agentwallet/internal/health"
	"github.com/doseal/agentwallet/internal/ledger"
	"github.com/doseal/agentwallet/internal/logging"
	"github.com/doseal/agentwallet/internal/metrics"
	"github.com/doseal/agentwallet/internal/ratelimit"
	"github.com/doseal/agentwallet/internal/reconciliation"
	"github.com/doseal/agentwallet/internal/security"
	"github.com/doseal/agentwallet/internal/traces"
	"github.com/doseal/agentwallet/internal/wallet"
	"github.com/doseal/agentwallet/migrations"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *sql.DB // nil when running in memory
	ledger    *ledger.Ledger
	wallet    *wallet.Service
	funding   *funding.Service
	processor *callback.Processor
	gateway   *gateway.Client // nil without GATEWAY_URL
	sweeper   *ledger.Sweeper // nil without HOLD_EXPIRY
	limiter   *ratelimit.Limiter
	health    *health.Registry
	router    *gin.Engine
	httpSrv   *http.Server

	stopTracing func(context.Context) error
	cancelRun   context.CancelFunc
	drainDelay  time.Duration
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDrainDelay sets how long Shutdown waits, after failing readiness, for
// load balancers to stop routing before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New builds a server. With DATABASE_URL set, the stores use the configured
// SQL driver and the schema is migrated; otherwise everything is in memory.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, traces.Options{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	var (
		ledgerStore  ledger.Store
		fundingStore funding.Store
		txnStore     callback.TransactionStore
	)
	if cfg.DatabaseURL != "" {
		db, err := database.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := migrations.Up(ctx, db, cfg.DBDriver); err != nil {
			_ = db.Close()
			return nil, err
		}
		dialect, err := ledger.DialectFor(cfg.DBDriver)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.db = db
		ledgerStore = ledger.NewSQLStore(db, dialect)
		fundingStore = funding.NewSQLStore(db)
		txnStore = callback.NewSQLStore(db)
		s.health.Register("database", health.DBChecker(db))
		if err := metrics.RegisterDB(db, "agentwallet"); err != nil {
			s.logger.Warn("db pool metrics unavailable", "error", err)
		}
		s.logger.Info("using SQL storage", "driver", cfg.DBDriver, "url", maskDSN(cfg.DatabaseURL))
	} else {
		ledgerStore = ledger.NewMemoryStore()
		fundingStore = funding.NewMemoryStore()
		txnStore = callback.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.ledger = ledger.New(ledgerStore).WithLogger(s.logger)
	s.wallet = wallet.NewService(s.ledger).WithLogger(s.logger)
	s.funding = funding.NewService(fundingStore, s.wallet).WithLogger(s.logger)
	s.processor = callback.NewProcessor(txnStore, s.wallet, s.logger).WithSupportLine(cfg.SupportLine)

	if cfg.GatewayURL != "" {
		if cfg.IsProduction() {
			if err := security.ValidateOutboundURL(cfg.GatewayURL, true); err != nil {
				return nil, fmt.Errorf("GATEWAY_URL: %w", err)
			}
		}
		breaker := circuitbreaker.New(circuitbreaker.Settings{})
		breaker.Subscribe(func(tr circuitbreaker.Transition) {
			s.logger.Warn("gateway circuit changed", "operation", tr.Key, "from", string(tr.From), "to", string(tr.To))
		})
		s.gateway = gateway.New(gateway.Config{
			BaseURL:     cfg.GatewayURL,
			Token:       cfg.GatewayToken,
			CallbackURL: cfg.CallbackBaseURL,
			Timeout:     cfg.GatewayTimeout,
			RetryMax:    cfg.GatewayRetries,
		}, s.logger).WithBreaker(breaker)
		s.processor.
			WithReverser(s.gateway).
			WithCreditDispatcher(callback.NewGatewayDispatcher(s.gateway)).
			WithNotifier(callback.NewGatewayNotifier(s.gateway))
		s.logger.Info("payment gateway configured", "url", cfg.GatewayURL)
	} else {
		s.processor.WithNotifier(callback.NewLogNotifier(s.logger))
		s.logger.Warn("no GATEWAY_URL: credit legs are recorded but not dispatched")
	}

	if cfg.HoldExpiry > 0 {
		s.sweeper = ledger.NewSweeper(s.ledger, cfg.HoldExpiry, s.logger).WithInterval(cfg.SweepInterval)
		s.health.Register("hold_sweeper", health.RunningChecker(s.sweeper.Running))
		s.logger.Info("hold expiry enabled", "max_age", cfg.HoldExpiry.String())
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	// With no trusted proxies ClientIP is the socket peer.
	if err := s.router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}
	if err := s.setupRoutes(); err != nil {
		return nil, err
	}
	return s, nil
}

// maskDSN hides the password in a connection string.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return dsn
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

func (s *Server) setupRoutes() error {
	allow, err := security.ParseAllowlist(s.cfg.CallbackAllowedIPs)
	if err != nil {
		return err
	}
	s.limiter = ratelimit.New(ratelimit.Config{RequestsPerMinute: s.cfg.RateLimitRPM})

	r := s.router
	r.Use(
		logging.Recovery(),
		logging.RequestIDMiddleware(s.logger),
		logging.AccessLogMiddleware(),
		metrics.Middleware(),
		security.HeadersMiddleware(),
		security.BodyLimit(security.MaxBodyBytes),
	)

	s.health.RegisterRoutes(r)
	r.GET("/metrics", metrics.Handler())

	v1 := r.Group("/v1")

	callbacks := callback.NewHandler(s.processor, s.logger)
	gw := v1.Group("", security.IPAllowlist(allow, s.logger), s.limiter.Middleware())
	callbacks.RegisterCallbackRoutes(gw)

	admin := v1.Group("/admin", security.RequireAdminSecret(s.cfg.AdminSecret))
	wallet.NewHandler(s.wallet, s.ledger, s.logger).RegisterAdminRoutes(admin)
	funding.NewHandler(s.funding, s.logger).RegisterAdminRoutes(admin)
	callbacks.RegisterAdminRoutes(admin)
	audit := reconciliation.NewService(s.ledger).WithStaleAfter(s.cfg.HoldExpiry)
	reconciliation.NewHandler(audit, s.logger).RegisterAdminRoutes(admin)

	if s.cfg.AdminSecret == "" {
		s.logger.Warn("ADMIN_SECRET not set: admin routes are unauthenticated")
	}
	return nil
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.sweeper != nil {
		go s.sweeper.Start(runCtx)
	}

	s.health.SetReady(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.health.SetReady(false)
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}
	return s.Shutdown()
}

// Shutdown fails readiness, drains, stops background work and closes the
// database.
func (s *Server) Shutdown() error {
	s.health.SetReady(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRun != nil {
		s.cancelRun()
	}
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			firstErr = err
		}
	}
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Warn("tracing shutdown error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router returns the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
