// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"log/slog"

	"github.com/coursepay/coursepay/internal/config"
	"github.com/coursepay/coursepay/internal/dispute"
	"github.com/coursepay/coursepay/internal/events"
	"github.com/coursepay/coursepay/internal/gateway"
	"github.com/coursepay/coursepay/internal/health"
	"github.com/coursepay/coursepay/internal/ledger"
	"github.com/coursepay/coursepay/internal/logging"
	"github.com/coursepay/coursepay/internal/metrics"
	"github.com/coursepay/coursepay/internal/notify"
	"github.com/coursepay/coursepay/internal/ratelimit"
	"github.com/coursepay/coursepay/internal/reconciliation"
	"github.com/coursepay/coursepay/internal/retry"
	"github.com/coursepay/coursepay/internal/security"
	"github.com/coursepay/coursepay/internal/settlement"
	"github.com/coursepay/coursepay/internal/traces"
	"github.com/coursepay/coursepay/internal/validation"
	"github.com/coursepay/coursepay/internal/wallet"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	bus            *events.Bus
	engine         *ledger.Engine
	disputeSvc     *dispute.Service
	gatewaySvc     *gateway.Service
	walletStore    wallet.Store
	walletConsumer *wallet.Consumer
	notifyConsumer *notify.Consumer
	settleRunner   *settlement.Runner
	settleTimer    *settlement.Timer
	reconTimer     *reconciliation.Timer
	rateLimiter    *ratelimit.Limiter
	healthReg      *health.Registry

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	traceStop    func(context.Context) error

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.bus = events.NewBus(s.logger)
	s.healthReg = health.NewRegistry()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		ledgerStore  ledger.Store
		disputeStore dispute.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// The database may still be coming up when we are; give it a moment.
		if err := retry.Do(context.Background(), 5, 500*time.Millisecond, db.Ping); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		ledgerStore = ledger.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		s.walletStore = wallet.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		ledgerStore = ledger.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		s.walletStore = wallet.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.engine = ledger.NewEngine(ledgerStore, s.logger)
	s.gatewaySvc = gateway.NewService(s.engine, s.bus, cfg.HoldDays, s.logger)
	s.disputeSvc = dispute.NewService(disputeStore, s.engine, s.bus, s.logger)

	s.walletConsumer = wallet.NewConsumer(s.bus, s.walletStore, s.logger)
	s.notifyConsumer = notify.NewConsumer(s.bus, &notify.LogSink{Logger: s.logger}, s.logger)

	s.settleRunner = settlement.NewRunner(s.engine, s.bus, s.logger)
	if cfg.SettlementInterval > 0 {
		s.settleTimer = settlement.NewTimer(s.settleRunner, cfg.SettlementInterval, s.logger)
		s.logger.Info("settlement timer enabled", "interval", cfg.SettlementInterval)
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
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	gatewayHandler := gateway.NewHandler(s.gatewaySvc, s.cfg.GatewayWebhookSecret, s.logger)
	gatewayHandler.RegisterRoutes(v1)

	disputeHandler := dispute.NewHandler(s.disputeSvc, s.cfg.AdminSecret)
	disputeHandler.RegisterRoutes(v1)

	ledgerHandler := ledger.NewHandler(s.engine.Store())
	ledgerHandler.RegisterRoutes(v1)

	walletHandler := wallet.NewHandler(s.walletStore)
	walletHandler.RegisterRoutes(v1)

	// Admin settlement trigger (same guard as dispute resolution)
	admin := v1.Group("/admin")
	admin.POST("/settlements/run", s.requireAdmin, s.runSettlement)
}

// runSettlement handles POST /v1/admin/settlements/run
//
// Fires one settlement batch outside the timer schedule. Useful for
// operations and for draining the backlog after an incident.
func (s *Server) runSettlement(c *gin.Context) {
	result, err := s.settleRunner.RunOnce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Settlement batch failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"eligible": result.Eligible,
		"settled":  result.Settled,
		"skipped":  result.Skipped,
		"failed":   result.Failed,
	})
}

func (s *Server) requireAdmin(c *gin.Context) {
	secret := c.GetHeader("X-Admin-Secret")
	if s.cfg.AdminSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.AdminSecret)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Admin secret required",
		})
		return
	}
	c.Next()
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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
		"name":        "Coursepay",
		"description": "Payment settlement and escrow ledger for the course marketplace",
		"version":     "0.1.0",
	})
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing
	traceStop, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.traceStop = traceStop
	}

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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Event consumers
	go s.walletConsumer.Start(runCtx)
	go s.notifyConsumer.Start(runCtx)

	// Settlement timer
	if s.settleTimer != nil {
		go s.settleTimer.Start(runCtx)
	}

	// DB pool stats and the ledger audit, Postgres only
	if s.db != nil {
		go metrics.CollectDBStats(runCtx, s.db, 15*time.Second)

		s.reconTimer = reconciliation.NewTimer(reconciliation.NewRunner(s.db, s.logger), 5*time.Minute, s.logger)
		go s.reconTimer.Start(runCtx)
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

	// Cancel the context for all background goroutines (consumers, timer)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.logger.Info("settlement timer stopped")
	}

	if s.reconTimer != nil {
		s.reconTimer.Stop()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close the bus after the HTTP surface is down so in-flight publishes
	// drain to the consumers first.
	s.bus.Close()

	if s.traceStop != nil {
		if err := s.traceStop(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
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
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
