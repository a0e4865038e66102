// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/hmac"
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

	"github.com/freightmesh/securetrade/internal/auth"
	"github.com/freightmesh/securetrade/internal/config"
	"github.com/freightmesh/securetrade/internal/escrow"
	"github.com/freightmesh/securetrade/internal/gateway"
	"github.com/freightmesh/securetrade/internal/health"
	"github.com/freightmesh/securetrade/internal/logging"
	"github.com/freightmesh/securetrade/internal/metrics"
	"github.com/freightmesh/securetrade/internal/notify"
	"github.com/freightmesh/securetrade/internal/ratelimit"
	"github.com/freightmesh/securetrade/internal/realtime"
	"github.com/freightmesh/securetrade/internal/security"
	"github.com/freightmesh/securetrade/internal/traces"
	"github.com/freightmesh/securetrade/internal/trade"
	"github.com/freightmesh/securetrade/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	authMgr     *auth.Manager
	coordinator *escrow.Coordinator
	gateway     gateway.Gateway
	notifyStore notify.Store
	realtimeHub *realtime.Hub
	reconciler  *escrow.Reconciler
	rateLimiter *ratelimit.Limiter
	healthReg   *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	tracerCleanup func(context.Context) error

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

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		tradeStore trade.Store
		authStore  auth.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		pgTrades := trade.NewPostgresStore(db)
		if err := pgTrades.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate trade store", "error", err)
		}
		tradeStore = pgTrades

		pgKeys := auth.NewPostgresStore(db)
		if err := pgKeys.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		authStore = pgKeys

		pgSubs := notify.NewPostgresStore(db)
		if err := pgSubs.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate notification store", "error", err)
		}
		s.notifyStore = pgSubs

		s.healthReg.Register("database", db.PingContext)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		tradeStore = trade.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.notifyStore = notify.NewMemoryStore()
	}

	s.authMgr = auth.NewManager(authStore)

	// Payment gateway: real processor when keys are configured, otherwise the
	// in-process fake for demo mode
	if s.gateway == nil {
		if cfg.GatewayEnabled() {
			s.gateway = gateway.NewStripeGateway(cfg.StripeAPIKey, cfg.StripeWebhookSecret)
			s.logger.Info("payment gateway enabled")
		} else {
			secret := cfg.StripeWebhookSecret
			if secret == "" {
				secret = "whsec_demo"
			}
			s.gateway = gateway.NewFakeGateway(secret)
			s.logger.Warn("no payment processor configured, using in-process fake gateway")
		}
	}

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Notifier fans trade milestones out to webhooks and the realtime hub
	dispatcher := notify.NewDispatcher(s.notifyStore)
	notifier := notify.NewNotifier(dispatcher, s.realtimeHub, s.logger)

	s.coordinator = escrow.NewCoordinator(tradeStore, s.gateway, notifier, s.logger).
		WithCurrency(cfg.Currency).
		WithShipmentReleaseBps(cfg.ShipmentReleaseBps)

	s.reconciler = escrow.NewReconciler(tradeStore, s.gateway, s.logger)

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

	// CORS (allow all origins for demo - restrict in production)
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

	// Service info
	s.router.GET("/", s.infoHandler)

	// WebSocket for real-time trade event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group. The auth middleware resolves API keys on every route;
	// per-route gates decide what each role may do.
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	tradeHandler := escrow.NewHandler(s.coordinator, s.gateway)
	tradeHandler.RegisterRoutes(v1)

	// Processor callback: signature verification is the authentication
	tradeHandler.RegisterWebhookRoute(v1)

	// Notification subscription management
	notifyHandler := notify.NewHandler(s.notifyStore)
	notifyHandler.RegisterRoutes(v1)

	// API key management for the authenticated party
	v1.GET("/auth/keys", auth.RequireAuth(), s.listKeysHandler)
	v1.DELETE("/auth/keys/:keyId", auth.RequireAuth(), s.revokeKeyHandler)

	// Key issuance is an operator action, gated on the admin secret
	v1.POST("/admin/keys", s.requireAdminSecret(), s.issueKeyHandler)

	// Realtime hub stats (ops visibility)
	v1.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "SecureTrade",
		"description": "Escrow-backed trade workflow for freight marketplaces",
		"version":     "0.1.0",
		"currency":    s.cfg.Currency,
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, results := s.healthReg.Run(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    results,
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

// requireAdminSecret gates operator routes on the X-Admin-Secret header.
// In development with no secret configured the gate is open, so local
// bootstrap does not need extra setup.
func (s *Server) requireAdminSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsDevelopment() {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin operations are not configured",
			})
			return
		}

		provided := c.GetHeader("X-Admin-Secret")
		if provided == "" || !hmac.Equal([]byte(provided), []byte(s.cfg.AdminSecret)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

// issueKeyHandler handles POST /v1/admin/keys
// Operators issue role-scoped API keys to marketplace parties.
func (s *Server) issueKeyHandler(c *gin.Context) {
	var req struct {
		PartyID string `json:"partyId" binding:"required"`
		Role    string `json:"role" binding:"required"`
		Name    string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Fields 'partyId' and 'role' are required",
		})
		return
	}
	if !validation.IsValidPartyID(req.PartyID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed party id",
		})
		return
	}

	rawKey, key, err := s.authMgr.GenerateKey(c.Request.Context(), req.PartyID, auth.Role(req.Role), req.Name)
	if err != nil {
		if errors.Is(err, auth.ErrUnknownRole) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Unknown role",
			})
			return
		}
		s.logger.Error("failed to generate API key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to generate API key",
		})
		return
	}

	s.logger.Info("API key issued",
		"party", req.PartyID,
		"role", req.Role,
		"keyId", key.ID,
	)

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"warning": "Store this API key securely. It will not be shown again.",
		"usage":   "Include 'Authorization: Bearer <apiKey>' header in requests.",
	})
}

// listKeysHandler handles GET /v1/auth/keys
func (s *Server) listKeysHandler(c *gin.Context) {
	keys, err := s.authMgr.ListKeys(c.Request.Context(), auth.GetAuthenticatedParty(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list keys",
		})
		return
	}
	if keys == nil {
		keys = []*auth.APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// revokeKeyHandler handles DELETE /v1/auth/keys/:keyId
func (s *Server) revokeKeyHandler(c *gin.Context) {
	err := s.authMgr.RevokeKey(c.Request.Context(), c.Param("keyId"), auth.GetAuthenticatedParty(c))
	if err != nil {
		if errors.Is(err, auth.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Key not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to revoke key",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Distributed tracing (no-op unless an OTLP endpoint is configured)
	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracerCleanup = shutdown
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start stale-draft reconciler
	go s.reconciler.Start(runCtx)

	// DB pool stats for Prometheus
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	// Cancel the context for all background goroutines (hub, reconciler)
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

	// Stop reconciler
	s.reconciler.Stop()

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Flush pending trace spans
	if s.tracerCleanup != nil {
		if err := s.tracerCleanup(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
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

// Coordinator exposes the workflow coordinator for testing
func (s *Server) Coordinator() *escrow.Coordinator {
	return s.coordinator
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
