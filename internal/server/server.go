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
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/stripe/stripe-go/v81"

	"github.com/clearhold/clearhold/internal/arbitration"
	"github.com/clearhold/clearhold/internal/auth"
	"github.com/clearhold/clearhold/internal/authz"
	"github.com/clearhold/clearhold/internal/chain"
	"github.com/clearhold/clearhold/internal/config"
	"github.com/clearhold/clearhold/internal/deployer"
	"github.com/clearhold/clearhold/internal/escrow"
	"github.com/clearhold/clearhold/internal/funding"
	"github.com/clearhold/clearhold/internal/health"
	"github.com/clearhold/clearhold/internal/ledgersync"
	"github.com/clearhold/clearhold/internal/logging"
	"github.com/clearhold/clearhold/internal/metrics"
	"github.com/clearhold/clearhold/internal/notify"
	"github.com/clearhold/clearhold/internal/operator"
	"github.com/clearhold/clearhold/internal/predictor"
	"github.com/clearhold/clearhold/internal/ratelimit"
	"github.com/clearhold/clearhold/internal/realtime"
	"github.com/clearhold/clearhold/internal/security"
	"github.com/clearhold/clearhold/internal/settlement"
	"github.com/clearhold/clearhold/internal/validation"
	"github.com/clearhold/clearhold/internal/walletdir"
	"github.com/clearhold/clearhold/internal/watcher"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	chainClient   *chain.Client
	relayer       *operator.Relayer
	escrowStore   escrow.Store
	escrowService *escrow.Service
	authzService  *authz.Service
	settlement    *settlement.Service
	arbitration   *arbitration.Service
	funding       *funding.Service
	reconciler    *deployer.Reconciler
	deployTimer   *deployer.Timer
	syncer        *ledgersync.Syncer
	syncTimer     *ledgersync.Timer
	fundWatcher   *watcher.Watcher // nil unless WatcherEnabled
	authMgr       *auth.Manager
	notifyStore   notify.Store
	dispatcher    *notify.Dispatcher
	realtimeHub   *realtime.Hub
	checks        *health.Registry
	rateLimiter   *ratelimit.Limiter
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithChainClient sets a custom chain client (for testing)
func WithChainClient(c *chain.Client) Option {
	return func(s *Server) {
		s.chainClient = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set chain client/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Chain access. The RPC dial is lazy for HTTP endpoints, so this
	// does not require the node to be reachable yet.
	if s.chainClient == nil {
		cc, err := chain.New(chain.Config{
			RPCURL:        cfg.RPCURL,
			ChainID:       cfg.ChainID,
			TokenContract: cfg.TokenContract,
			VaultFactory:  cfg.VaultFactory,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create chain client: %w", err)
		}
		s.chainClient = cc
	}

	signer, err := operator.New(cfg.OperatorKey, cfg.ChainID, s.chainClient.Raw())
	if err != nil {
		return nil, fmt.Errorf("failed to create operator signer: %w", err)
	}
	s.relayer = operator.NewRelayer(s.chainClient, signer, cfg.Confirmations)
	s.logger.Info("operator relayer configured", "operator", s.relayer.Operator().Hex())

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
		s.escrowStore = escrow.NewPostgresStore(db)
		s.authMgr = auth.NewManager(auth.NewPostgresStore(db))
		s.notifyStore = notify.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.escrowStore = escrow.NewMemoryStore()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.notifyStore = notify.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Wallet directory resolves party identifiers to payout wallets
	var resolver escrow.WalletResolver
	if cfg.WalletDirectoryURL != "" {
		resolver = walletdir.NewHTTPResolver(cfg.WalletDirectoryURL)
		s.logger.Info("wallet directory configured", "url", cfg.WalletDirectoryURL)
	} else {
		resolver = walletdir.NewStaticResolver(nil)
		s.logger.Warn("wallet directory not configured, using empty static resolver")
	}

	// Outbound notifications
	s.dispatcher = notify.NewDispatcher(s.notifyStore)
	if cfg.NotifySecret != "" {
		s.dispatcher = s.dispatcher.WithFallbackSecret(cfg.NotifySecret)
	}
	emitter := notify.NewEmitter(s.escrowStore, s.dispatcher, s.logger)

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Escrow lifecycle service with all chain collaborators wired in
	s.escrowService = escrow.NewService(s.escrowStore, s.logger,
		escrow.WithResolver(resolver),
		escrow.WithPredictor(predictor.New(s.chainClient)),
		escrow.WithMutualReleaser(&mutualReleaser{s.relayer}),
		escrow.WithCanceller(&vaultCanceller{s.relayer}),
		escrow.WithNotifier(emitter),
		escrow.WithBroadcaster(s.realtimeHub),
		escrow.WithDeployment(cfg.ChainID, cfg.VaultFactory),
	)

	// Deployment reconciler and funding sweep
	s.reconciler = deployer.New(s.escrowStore, s.chainClient, s.relayer, s.logger)
	s.deployTimer = deployer.NewTimer(s.reconciler, s.escrowStore, cfg.SweepInterval, cfg.SweepBatchSize, s.logger)

	// Ledger reconciliation sweep
	s.syncer = ledgersync.New(s.escrowStore, s.chainClient, cfg.DefaultFeePct, s.logger)
	s.syncTimer = ledgersync.NewTimer(s.syncer, s.escrowStore, cfg.SyncInterval, cfg.SweepBatchSize, s.logger)

	// Signed resolution relay
	s.authzService = authz.NewService(s.escrowStore, s.chainClient, s.relayer, cfg.MaxSignatureDeadline, s.logger)

	// Partial settlement negotiation, sharing the lifecycle's
	// per-escrow lock so negotiation and lifecycle writes serialize
	s.settlement = settlement.NewService(s.escrowStore, s.escrowService, s.escrowService, s.logger)

	// Arbitration flow
	var testFeeMinor int64
	if cfg.ArbitrationTestFee != "" {
		testFeeMinor, err = strconv.ParseInt(cfg.ArbitrationTestFee, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ARBITRATION_TEST_FEE: %w", err)
		}
	}
	s.arbitration = arbitration.NewService(s.escrowStore, s.chainClient, s.relayer, s.escrowService, cfg.ArbitrationWindow, testFeeMinor, s.logger)

	// Card funding on-ramp (optional)
	if cfg.StripeKey != "" {
		stripe.Key = cfg.StripeKey
		s.funding = funding.NewService(s.escrowStore, funding.StripeIntents{}, s.reconciler, cfg.StripeWebhookSecret, s.logger)
		s.logger.Info("card funding enabled")
	}

	s.setupHealthChecks()

	s.logger.Info("API authentication enabled")

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

func (s *Server) setupHealthChecks() {
	s.checks = health.NewRegistry()

	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	// The factory must hold code on the configured chain; this doubles
	// as an RPC reachability check.
	cc := s.chainClient
	s.checks.Register("chain", func(ctx context.Context) health.Status {
		exists, err := cc.CodeExists(ctx, cc.FactoryAddress())
		if err != nil {
			return health.Status{Name: "chain", Healthy: false, Detail: err.Error()}
		}
		if !exists {
			return health.Status{Name: "chain", Healthy: false, Detail: "no code at vault factory"}
		}
		return health.Status{Name: "chain", Healthy: true}
	})
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

	// API index
	s.router.GET("/", s.infoHandler)
	s.router.GET("/api", s.infoHandler)

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")

	// PUBLIC ROUTES (no auth required)
	v1.GET("/platform", s.platformHandler)

	escrowHandler := escrow.NewHandler(s.escrowService)
	escrowHandler.RegisterRoutes(v1)

	// REGISTRATION (public but returns API key)
	v1.POST("/parties", s.registerPartyWithAPIKey)

	// AUTH INFO (public)
	authHandler := auth.NewHandler(s.authMgr)
	v1.GET("/auth/info", authHandler.Info)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	{
		// Escrow lifecycle (create/accept/decline/cancel/approve)
		escrowHandler.RegisterProtectedRoutes(protected)

		// Signed release/refund/settlement resolutions
		authz.NewHandler(s.authzService).RegisterProtectedRoutes(protected)

		// Partial settlement negotiation
		settlement.NewHandler(s.settlement).RegisterProtectedRoutes(protected)

		// Arbitration flow
		arbitration.NewHandler(s.arbitration).RegisterProtectedRoutes(protected)

		// Per-escrow reconciliation actions
		deployer.NewHandler(s.reconciler).RegisterProtectedRoutes(protected)
		ledgersync.NewHandler(s.syncer).RegisterProtectedRoutes(protected)

		// Out-of-band sweep trigger
		protected.POST("/sweep", s.triggerSweep)

		// Notification endpoint management
		notify.NewHandler(s.notifyStore).RegisterRoutes(protected)

		// API key management
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.POST("/auth/keys/:keyId/regenerate", authHandler.RegenerateKey)
		protected.GET("/auth/me", authHandler.GetCurrentParty)
	}

	// Card funding (optional; webhook authenticates via Stripe signature)
	if s.funding != nil {
		fundingHandler := funding.NewHandler(s.funding)
		fundingHandler.RegisterProtectedRoutes(protected)
		fundingHandler.RegisterWebhookRoutes(v1)
	}
}

// triggerSweep handles POST /v1/sweep. It kicks one deployment pass and
// one sync pass outside the timer schedule. Sweeps run in the background;
// the response only acknowledges the kick.
func (s *Server) triggerSweep(c *gin.Context) {
	ctx := context.WithoutCancel(c.Request.Context())
	go s.deployTimer.Sweep(ctx)
	go s.syncTimer.Sweep(ctx)
	c.JSON(http.StatusAccepted, gin.H{"status": "sweeping"})
}

// registerPartyWithAPIKey handles POST /v1/parties
// Parties are opaque account identifiers; registering one issues the
// API key used for every authenticated call it makes later.
func (s *Server) registerPartyWithAPIKey(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Party string `json:"party" binding:"required"`
		Name  string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidParty("party", req.Party),
		validation.MaxLength("name", req.Name, 200),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	name := req.Name
	if name == "" {
		name = "Primary key"
	}

	rawKey, keyInfo, err := s.authMgr.GenerateKey(ctx, req.Party, name)
	if err != nil {
		s.logger.Error("failed to generate API key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register party",
		})
		return
	}

	s.logger.Info("party registered with API key",
		"party", req.Party,
		"keyId", keyInfo.ID,
	)

	c.JSON(http.StatusCreated, gin.H{
		"party":   req.Party,
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
		"usage":   "Include 'Authorization: Bearer <apiKey>' header in requests.",
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

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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
		"name":        "Clearhold",
		"description": "Escrow lifecycle and ledger reconciliation engine",
		"version":     "0.1.0",
		"chainId":     s.cfg.ChainID,
		"currency":    "USDC",
	})
}

// platformHandler returns chain configuration and usage hints
func (s *Server) platformHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":          "Clearhold",
			"version":       "0.1.0",
			"chainId":       s.cfg.ChainID,
			"tokenContract": s.cfg.TokenContract,
			"vaultFactory":  s.cfg.VaultFactory,
			"operator":      s.relayer.Operator().Hex(),
			"feePct":        s.cfg.DefaultFeePct,
		},
		"instructions": gin.H{
			"create": "POST /v1/escrows as payer or recipient, then have the counterparty accept",
			"fund":   "Send tokens to the predicted vault address. Deployment is automatic once funds land.",
			"settle": "Sign a release, refund, or settlement authorization and POST it to the matching resolution route",
		},
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
			"operator", s.relayer.Operator().Hex(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start deployment sweep (funding detection + vault deployment)
	go s.deployTimer.Start(runCtx)

	// Start ledger reconciliation sweep
	go s.syncTimer.Start(runCtx)

	// Optional funding watcher. Tails Transfer logs into predicted vault
	// addresses so the deployment check runs ahead of the next sweep tick.
	if s.cfg.WatcherEnabled {
		w, err := watcher.New(watcher.Config{
			RPCURL:        s.cfg.RPCURL,
			TokenContract: common.HexToAddress(s.cfg.TokenContract),
			PollInterval:  s.cfg.WatcherInterval,
			BatchSize:     s.cfg.SweepBatchSize,
		}, s.escrowStore, s.reconciler, s.logger)
		if err != nil {
			return fmt.Errorf("failed to create funding watcher: %w", err)
		}
		if err := w.Start(runCtx); err != nil {
			return fmt.Errorf("failed to start funding watcher: %w", err)
		}
		s.fundWatcher = w
	}

	// Sample DB pool stats into Prometheus
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 30*time.Second)
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

	// Cancel the context for all background goroutines (hub, sweeps)
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

	// Stop sweep timers
	s.deployTimer.Stop()
	s.syncTimer.Stop()
	s.logger.Info("sweep timers stopped")

	if s.fundWatcher != nil {
		s.fundWatcher.Stop()
		s.logger.Info("funding watcher stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close chain RPC connection
	if err := s.chainClient.Close(); err != nil {
		s.logger.Error("chain client close error", "error", err)
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
