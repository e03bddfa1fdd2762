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
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/mbd888/trustgate/internal/audit"
	"github.com/mbd888/trustgate/internal/config"
	"github.com/mbd888/trustgate/internal/health"
	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/mfa"
	"github.com/mbd888/trustgate/internal/ratelimit"
	"github.com/mbd888/trustgate/internal/realtime"
	"github.com/mbd888/trustgate/internal/session"
	"github.com/mbd888/trustgate/internal/signals"
	"github.com/mbd888/trustgate/internal/trust"
	"github.com/mbd888/trustgate/internal/velocity"
	"github.com/mbd888/trustgate/internal/webhooks"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	engine       *trust.Engine
	handler      *trust.Handler
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	notifier     mfa.Notifier
	db           *sql.DB       // nil if using in-memory
	redis        *redis.Client // nil without REDIS_URL
	kafka        *audit.KafkaSink
	trail        *audit.Log
	stream       *realtime.Hub
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
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

// WithNotifier sets the verification code delivery channel. The default
// writes codes to the log and is meant for development.
func WithNotifier(n mfa.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = mfa.LogNotifier{Logger: s.logger}
	}

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		store    signals.Store = signals.NewMemoryStore()
		auditLog trust.AuditLog
	)
	auditLog = audit.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db

		pgSignals := signals.NewPostgresStore(db)
		if err := pgSignals.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate signal tables: %w", err)
		}
		pgAudit := audit.NewPostgresStore(db)
		if err := pgAudit.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate audit tables: %w", err)
		}
		store, auditLog = pgSignals, pgAudit
		s.health.Register("postgres", health.Ping("postgres", db.PingContext))
		s.logger.Info("using postgres storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Info("using in-memory storage")
	}

	// Audit log, mirrored to the live stream and optionally Kafka and a webhook
	s.stream = realtime.NewHub(s.logger)
	trail := audit.NewLog(auditLog).WithMirror("stream", s.stream)
	s.trail = trail
	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = audit.NewKafkaSink(audit.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaAuditTopic))
		trail.WithMirror("kafka", s.kafka)
		s.health.Register("kafka", health.Ping("kafka", kafkaPing(cfg.KafkaBrokers)))
		s.logger.Info("audit kafka mirror enabled", "topic", cfg.KafkaAuditTopic)
	}
	if cfg.AlertWebhookURL != "" {
		trail.WithMirror("webhook", webhooks.NewAlertSink(cfg.AlertWebhookURL, cfg.AlertWebhookSecret))
		s.logger.Info("alert webhook enabled", "signed", cfg.AlertWebhookSecret != "")
	}

	// Challenges with optional Redis mirror
	challenges := mfa.NewManager(mfa.Config{
		TTL:         cfg.MFATTL,
		MaxAttempts: cfg.MFAMaxAttempts,
		CodeLength:  cfg.MFACodeLength,
	}, s.notifier)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		mirror := mfa.NewRedisStore(s.redis)
		challenges.WithMirror(mirror)
		s.health.Register("redis", health.Ping("redis", mirror.Ping))
		s.logger.Info("challenge redis mirror enabled", "addr", opt.Addr)
	}

	sessions, err := session.NewIssuer(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("session issuer: %w", err)
	}

	policy := trust.Policy{
		HighRiskThreshold:   cfg.HighRiskThreshold,
		MediumRiskThreshold: cfg.MediumRiskThreshold,
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	s.engine = trust.NewEngine(store, velocity.New(cfg.VelocityLookback), challenges, trail).
		WithPolicy(policy).
		WithParams(engineParams(cfg)).
		WithSessions(sessions)
	s.handler = trust.NewHandler(s.engine)

	if cfg.AdminSecret == "" {
		s.logger.Warn("ADMIN_SECRET not set; provisioning routes are unauthenticated")
	}

	// Router
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func engineParams(cfg *config.Config) trust.Params {
	return trust.Params{
		MaxTransactionAmount:     decimal.NewFromFloat(cfg.MaxTransactionAmount),
		MaxDailyTransactions:     cfg.MaxDailyTransactions,
		AccountAgeSaturationDays: cfg.AccountAgeSaturationDays,
		NightStartHour:           cfg.NightStartHour,
		NightEndHour:             cfg.NightEndHour,
	}
}

func kafkaPing(brokers []string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
		if err != nil {
			return err
		}
		return conn.Close()
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(headersMiddleware())
	s.router.Use(requestSizeMiddleware(MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: s.cfg.RateLimitRPS,
		BurstSize:         s.cfg.RateLimitBurst,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

// headersMiddleware adds security headers for a JSON-only API.
func headersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

func requestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// requireAdmin guards provisioning routes with the shared admin secret.
func (s *Server) requireAdmin() gin.HandlerFunc {
	secret := []byte(s.cfg.AdminSecret)
	return func(c *gin.Context) {
		if len(secret) == 0 {
			c.Next()
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), secret) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required. Include 'Authorization: Bearer <secret>' header.",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	s.handler.RegisterRoutes(v1)

	admin := v1.Group("")
	admin.Use(s.requireAdmin())
	s.handler.RegisterAdminRoutes(admin)
	admin.GET("/admin/stream", s.stream.Serve)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Route not found"})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// Version is reported by /health; set from main.
var Version = "dev"

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	go s.stream.Run(runCtx)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.close()
	s.logger.Info("server stopped")
	return nil
}

// close releases backends. In-flight audit mirror writes finish first, then
// entries still buffered in the Kafka writer are flushed.
func (s *Server) close() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.trail != nil {
		s.trail.Wait()
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka writer close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the scoring engine.
func (s *Server) Engine() *trust.Engine {
	return s.engine
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
