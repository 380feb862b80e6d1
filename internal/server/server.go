// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mkarel/ringlock/internal/calls"
	"github.com/mkarel/ringlock/internal/calltoken"
	"github.com/mkarel/ringlock/internal/config"
	"github.com/mkarel/ringlock/internal/directory"
	"github.com/mkarel/ringlock/internal/health"
	"github.com/mkarel/ringlock/internal/intent"
	"github.com/mkarel/ringlock/internal/logging"
	"github.com/mkarel/ringlock/internal/metrics"
	"github.com/mkarel/ringlock/internal/operator"
	"github.com/mkarel/ringlock/internal/payments"
	"github.com/mkarel/ringlock/internal/provider"
	"github.com/mkarel/ringlock/internal/ratelimit"
	"github.com/mkarel/ringlock/internal/realtime"
	"github.com/mkarel/ringlock/internal/screening"
	"github.com/mkarel/ringlock/internal/security"
	"github.com/mkarel/ringlock/internal/settlement"
	"github.com/mkarel/ringlock/internal/telephony"
	"github.com/mkarel/ringlock/internal/traces"
	"github.com/mkarel/ringlock/internal/validation"
	"github.com/mkarel/ringlock/internal/verify"
	"github.com/mkarel/ringlock/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	wallet       wallet.WalletService
	dialer       telephony.Dialer
	directory    *directory.Service
	calls        *calls.Service
	payments     *payments.Service
	tokens       *calltoken.Service
	refs         *intent.ReferenceStore
	proofs       *verify.Ledger
	engine       *settlement.Engine
	intents      *intent.Service
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	healthReg    *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	shutdownTrc  func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithWallet sets a custom wallet (for testing)
func WithWallet(w wallet.WalletService) Option {
	return func(s *Server) {
		s.wallet = w
	}
}

// WithDialer sets a custom telephony dialer (for testing)
func WithDialer(d telephony.Dialer) Option {
	return func(s *Server) {
		s.dialer = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set wallet/dialer/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.directory = directory.NewService(directory.NewPostgresStore(db))
		s.calls = calls.NewService(calls.NewPostgresStore(db))
		s.payments = payments.NewService(payments.NewPostgresStore(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.directory = directory.NewService(directory.NewMemoryStore())
		s.calls = calls.NewService(calls.NewMemoryStore())
		s.payments = payments.NewService(payments.NewMemoryStore())
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Escrow references and verification proofs are always in-memory:
	// both are short-lived and expire on their own.
	s.refs = intent.NewReferenceStore(cfg.ReferenceTTL)
	s.proofs = verify.NewLedger(cfg.ReferenceTTL)

	// Create wallet if not injected
	if s.wallet == nil {
		w, err := wallet.New(wallet.Config{
			RPCURL:       cfg.RPCURL,
			PrivateKey:   cfg.PrivateKey,
			ChainID:      cfg.ChainID,
			USDCContract: cfg.USDCContract,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create wallet: %w", err)
		}
		s.wallet = w
	}

	// Create telephony client if not injected
	if s.dialer == nil {
		s.dialer = telephony.NewClient(cfg.TelephonyBaseURL, cfg.TelephonyToken)
	}

	// Call tokens
	s.tokens = calltoken.New(cfg.TokenSecret, cfg.TokenTTL)

	// Payment rails: on-chain always, fiat only when Stripe is configured
	var fiat provider.Verifier
	if cfg.StripeSecretKey != "" {
		fiat = provider.NewStripeVerifier(cfg.StripeSecretKey)
		s.logger.Info("fiat payment rail enabled")
	}
	rails := provider.NewRegistry(provider.NewOnChainVerifier(s.wallet), fiat)

	// Settlement engine
	engine, err := settlement.NewEngine(settlement.Config{
		AntiSpamFee:    cfg.AntiSpamFee,
		PlatformFeeBps: cfg.PlatformFeeBps,
		MaxAttempts:    cfg.SettleMaxAttempts,
		BaseDelay:      cfg.SettleBaseDelay,
	}, s.payments, s.directory, s.wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to create settlement engine: %w", err)
	}
	s.engine = engine

	// Intent orchestration
	s.intents = intent.NewService(intent.Config{
		ChainID:       cfg.ChainID,
		ProxyNumber:   cfg.ProxyNumber,
		PublicBaseURL: cfg.PublicBaseURL,
	}, intent.Deps{
		Refs:      s.refs,
		Ledger:    s.proofs,
		Directory: s.directory,
		Payments:  s.payments,
		Calls:     s.calls,
		Tokens:    s.tokens,
		Verifier:  rails,
		Dialer:    s.dialer,
		Engine:    s.engine,
	})

	// Realtime hub for WebSocket streaming, fed by service notifiers
	s.realtimeHub = realtime.NewHub(s.logger)
	s.calls.SetNotifier(s.broadcastEvent)
	s.payments.SetNotifier(s.broadcastEvent)
	s.logger.Info("realtime streaming enabled")

	// Health checks
	s.healthReg = health.NewRegistry()
	s.healthReg.Register("rpc", func(ctx context.Context) health.Status {
		if _, err := s.wallet.Balance(ctx); err != nil {
			return health.Status{Name: "rpc", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "rpc", Healthy: true}
	})
	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// broadcastEvent forwards service notifications to WebSocket clients.
func (s *Server) broadcastEvent(event string, data map[string]interface{}) {
	if s.realtimeHub != nil {
		s.realtimeHub.BroadcastSession(realtime.EventType(event), data)
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	adminAuth := operator.AuthMiddleware(s.cfg.AdminSecret)

	// WebSocket event stream for operator dashboards
	s.router.GET("/ws", adminAuth, func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// CALLER SURFACE: intents and confirmation
	intentHandler := intent.NewHandler(s.intents, s.proofs, s.wallet.Address(), s.cfg.ReferenceTTL)
	intentHandler.RegisterRoutes(s.router)

	// VERIFIER SURFACE: proof registration, restricted to the
	// verification provider so bots cannot mint their own proofs
	verifier := s.router.Group("")
	verifier.Use(security.BearerAuth(s.cfg.VerifierSecret))
	intentHandler.RegisterVerificationRoutes(verifier)

	// CALLEE SURFACE: directory signup and public profiles
	dirHandler := directory.NewHandler(s.directory)
	dirHandler.RegisterPublicRoutes(s.router)

	// GATEWAY SURFACE: telephony callbacks, HMAC-signed by the gateway
	screeningHandler := screening.NewHandler(screening.Config{
		ConfirmDigit:     s.cfg.ScreenDigit,
		GatherTimeoutSec: s.cfg.ScreenTimeoutSec,
		PublicBaseURL:    s.cfg.PublicBaseURL,
	}, s.calls, s.tokens, s.engine)
	callbacks := s.router.Group("")
	callbacks.Use(telephony.AuthMiddleware(s.cfg.TelephonySecret))
	screeningHandler.RegisterRoutes(callbacks)

	// OPERATOR SURFACE: back-office reads and the stuck-payment override
	opHandler := operator.NewHandler(s.calls, s.payments, s.directory)
	admin := s.router.Group("")
	admin.Use(adminAuth)
	opHandler.RegisterRoutes(admin)
	dirHandler.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, statuses := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Ringlock",
		"description": "Escrowed call settlement: pay to ring, confirmed pickup releases the payout",
		"version":     "0.1.0",
		"chain":       "base-sepolia",
		"currency":    "USDC",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op unless an OTLP endpoint is configured)
	shutdownTrc, err := traces.Init(runCtx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTrc = shutdownTrc
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"wallet", s.wallet.Address(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Expire unconfirmed escrow references and stale verification proofs
	s.refs.StartSweeper(runCtx, time.Minute)
	s.proofs.StartSweeper(runCtx, time.Minute)

	// Restore the stuck-payments gauge after restart
	if err := s.payments.SyncStuckGauge(runCtx); err != nil {
		s.logger.Warn("failed to sync stuck payments gauge", "error", err)
	}

	// Re-drive settlement for escrows stranded in held by a crash
	// between finalization and settlement
	s.engine.StartReconciler(runCtx, s.calls, time.Minute)

	// Runtime metrics collection
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				metrics.CollectRuntime(s.db)
			}
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, sweepers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.shutdownTrc != nil {
		if err := s.shutdownTrc(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close wallet connection
	if err := s.wallet.Close(); err != nil {
		s.logger.Error("wallet close error", "error", err)
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
