// Package server sets up the HTTP server with all routes
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/stripe/stripe-go/v81/client"

	"github.com/marketbrief/insightgate/internal/config"
	"github.com/marketbrief/insightgate/internal/facilitator"
	"github.com/marketbrief/insightgate/internal/health"
	"github.com/marketbrief/insightgate/internal/idgen"
	"github.com/marketbrief/insightgate/internal/insight"
	"github.com/marketbrief/insightgate/internal/ledger"
	"github.com/marketbrief/insightgate/internal/logging"
	"github.com/marketbrief/insightgate/internal/metrics"
	"github.com/marketbrief/insightgate/internal/paywall"
	"github.com/marketbrief/insightgate/internal/pricing"
	"github.com/marketbrief/insightgate/internal/ratelimit"
	"github.com/marketbrief/insightgate/internal/replay"
	"github.com/marketbrief/insightgate/internal/security"
	"github.com/marketbrief/insightgate/internal/traces"
	"github.com/marketbrief/insightgate/internal/validation"
	"github.com/marketbrief/insightgate/internal/verify"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	calc         *pricing.Calculator
	replays      *replay.Store
	recorder     *ledger.Recorder
	checks       *health.Registry
	rateLimiter  *ratelimit.Limiter
	chain         *ethclient.Client  // nil when a ChainReader was injected
	injectedChain verify.ChainReader // test override, set via WithChainReader
	db           *sql.DB           // nil if using in-memory ledger
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	shutdownOTel func(context.Context) error
	cancelRunCtx context.CancelFunc

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server) error

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithChainReader injects a chain reader instead of dialing the RPC
// endpoint (for testing).
func WithChainReader(r verify.ChainReader) Option {
	return func(s *Server) error {
		s.injectedChain = r
		return nil
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	ctx := context.Background()

	shutdownOTel, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownOTel = shutdownOTel

	// Ledger storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var ledgerStore ledger.Store
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
		ledgerStore = ledger.NewPostgresStore(db)
		s.checks.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL ledger", "url", maskDSN(cfg.DatabaseURL))
	} else {
		ledgerStore = ledger.NewMemoryStore()
		s.logger.Info("using in-memory ledger (records will not persist)")
	}
	s.recorder = ledger.NewRecorder(ledgerStore, s.logger, 10*time.Second)

	// Payment verification state
	s.replays = replay.NewStore()
	s.calc = pricing.NewCalculator(pricing.DefaultClasses(), cfg.ReceivingAddress, cfg.QuoteValidFor)

	// Exchange rates for on-chain value conversion
	static := pricing.StaticRates{"ETH": cfg.StaticETHUSD}
	var rates pricing.RateSource = static
	if cfg.RateURL != "" {
		if cfg.IsProduction() {
			if err := security.ValidateEndpointURL(cfg.RateURL); err != nil {
				return nil, fmt.Errorf("invalid RATE_URL: %w", err)
			}
		}
		rates = pricing.NewHTTPRateSource(cfg.RateURL, static, time.Minute)
		s.logger.Info("spot rate source enabled", "url", cfg.RateURL)
	}

	// Chain access for the transaction scheme
	var chainReader verify.ChainReader
	if s.injectedChain != nil {
		chainReader = s.injectedChain
	} else {
		eth, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to dial RPC endpoint: %w", err)
		}
		s.chain = eth
		chainReader = eth
		s.checks.Register("chain_rpc", health.Chain(eth, cfg.ChainID))
	}

	sigVerifier := verify.NewSignatureVerifier(cfg.ReceivingAddress, s.replays)
	txVerifier := verify.NewTransactionVerifier(verify.TxVerifierConfig{
		Client:  chainReader,
		PayTo:   cfg.ReceivingAddress,
		ChainID: cfg.ChainID,
		Rates:   rates,
		Asset:   "ETH",
		Replays: s.replays,
	})

	// Settlement facilitator: Stripe when a key is configured, otherwise the
	// x402 facilitator if one is set. Neither means the scheme is disabled.
	var settler facilitator.Settler
	switch {
	case cfg.StripeAPIKey != "":
		sc := &client.API{}
		sc.Init(cfg.StripeAPIKey, nil)
		settler = facilitator.NewStripeSettler(sc.PaymentIntents, s.replays)
		s.logger.Info("stripe settlement enabled")
	case cfg.FacilitatorURL != "":
		if cfg.IsProduction() {
			if err := security.ValidateEndpointURL(cfg.FacilitatorURL); err != nil {
				return nil, fmt.Errorf("invalid FACILITATOR_URL: %w", err)
			}
		}
		settler = facilitator.New(facilitator.Config{
			URL:     cfg.FacilitatorURL,
			PayTo:   cfg.ReceivingAddress,
			Network: cfg.FacilitatorNetwork,
		})
		s.logger.Info("x402 facilitator enabled", "url", cfg.FacilitatorURL)
	}

	gate := paywall.Config{
		Pricing:      s.calc,
		Signatures:   sigVerifier,
		Transactions: txVerifier,
		Settler:      settler,
		Logger:       s.logger,
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(gate)

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

	// CORS (agents call from anywhere)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (64KB; insight queries are small)
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

func (s *Server) setupRoutes(gate paywall.Config) {
	// Health & metrics endpoints
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	handler := insight.NewHandler(insight.NewMarketGenerator(), s.calc, s.recorder)

	v1 := s.router.Group("/v1")

	// Free endpoints
	v1.GET("/pricing", handler.Pricing)

	// Paid endpoints: one route per query class, each behind the gate with
	// its class bound at startup.
	for _, class := range s.calc.Classes() {
		v1.POST("/insights/"+string(class), paywall.Middleware(gate, class), handler.Query(class))
	}
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}

	ok, statuses := s.checks.CheckAll(c.Request.Context())
	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
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

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":           "Insightgate",
		"description":    "Pay-per-query market insights for AI agents",
		"version":        "0.1.0",
		"chain":          "base-sepolia",
		"currency":       "USDC",
		"receivingAddr":  s.cfg.ReceivingAddress,
		"pricingInfo":    "/v1/pricing",
		"paymentHeaders": []string{paywall.HeaderPaymentProof, paywall.HeaderPayment},
	})
}

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"receiving_address", s.cfg.ReceivingAddress,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Periodic DB stats sampling when Postgres is attached
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Let in-flight ledger writes land before closing stores.
	if err := s.recorder.Drain(ctx); err != nil {
		s.logger.Warn("ledger drain timed out", "error", err)
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.chain != nil {
		s.chain.Close()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	if s.shutdownOTel != nil {
		if err := s.shutdownOTel(ctx); err != nil {
			s.logger.Warn("tracer shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func generateRequestID() string {
	return idgen.Hex(8)
}
