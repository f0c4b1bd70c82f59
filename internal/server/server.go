// Package server wires the agents API: storage, chain access, the wallet
// session and every HTTP route.
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
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	goredis "github.com/redis/go-redis/v9"

	"github.com/mbd888/defiagents/internal/agents"
	"github.com/mbd888/defiagents/internal/cache"
	"github.com/mbd888/defiagents/internal/chain"
	"github.com/mbd888/defiagents/internal/config"
	"github.com/mbd888/defiagents/internal/gas"
	"github.com/mbd888/defiagents/internal/health"
	"github.com/mbd888/defiagents/internal/history"
	"github.com/mbd888/defiagents/internal/logging"
	"github.com/mbd888/defiagents/internal/metrics"
	"github.com/mbd888/defiagents/internal/notify"
	"github.com/mbd888/defiagents/internal/ratelimit"
	"github.com/mbd888/defiagents/internal/realtime"
	"github.com/mbd888/defiagents/internal/scoring"
	"github.com/mbd888/defiagents/internal/security"
	"github.com/mbd888/defiagents/internal/session"
	"github.com/mbd888/defiagents/internal/traces"
	"github.com/mbd888/defiagents/internal/validation"
	"github.com/mbd888/defiagents/internal/wallet"
)

// Version is reported by /health and /v1/info.
const Version = "0.1.0"

// warmupTimeout bounds the connect-time score and history generation.
const warmupTimeout = 30 * time.Second

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	db      *sql.DB               // nil if using in-memory
	redis   *goredis.Client       // nil without REDIS_URL
	natsPub *notify.NATSPublisher // nil without NATS_URL
	rpc     *chain.RPCProvider    // owned connection, closed on shutdown

	provider  chain.Provider
	fetcher   *chain.Fetcher
	connector wallet.Connector
	keyWallet *wallet.KeyWallet
	prompts   *wallet.PromptQueue
	sessions  *session.Manager

	hub      *realtime.Hub
	scoring  *scoring.Service
	history  *history.Synthesizer
	agents   *agents.Service
	oracle   *gas.PriceOracle
	checks   *health.Registry
	notifier notify.Notifier

	rateLimiter     *ratelimit.Limiter
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	warmups         sync.WaitGroup     // connect-time score and history generation
	drainDelay      time.Duration

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

// WithProvider sets the chain provider instead of dialing RPC_URL (for testing)
func WithProvider(p chain.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// WithConnector installs the injected wallet instead of building one from
// PRIVATE_KEY (for testing)
func WithConnector(c wallet.Connector) Option {
	return func(s *Server) {
		s.connector = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		prompts:    wallet.NewPromptQueue(),
		checks:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	if err := s.openStorage(ctx); err != nil {
		s.closeResources()
		return nil, err
	}

	if err := s.setupChain(ctx); err != nil {
		s.closeResources()
		return nil, err
	}

	if err := s.setupServices(); err != nil {
		s.closeResources()
		return nil, err
	}

	s.registerHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openStorage connects the optional backends: Postgres, Redis and NATS.
func (s *Server) openStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if s.cfg.RedisURL != "" {
		client, err := cache.DialRedis(ctx, s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.logger.Info("using redis cache", "url", maskDSN(s.cfg.RedisURL))
	}

	if s.cfg.NATSURL != "" {
		nc, err := notify.ConnectNATS(s.cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		s.natsPub = notify.NewNATSPublisher(nc, "", s.logger)
		s.logger.Info("publishing notifications to nats")
	}

	return nil
}

// setupChain builds the guarded chain reader and the injected wallet. A
// provider that fails to dial leaves the fetcher in fallback mode.
func (s *Server) setupChain(ctx context.Context) error {
	capabilities := chain.DefaultCapabilities()
	if s.cfg.CapabilitiesFile != "" {
		loaded, err := chain.LoadCapabilities(s.cfg.CapabilitiesFile)
		if err != nil {
			return fmt.Errorf("failed to load capabilities: %w", err)
		}
		capabilities = loaded
	}

	if s.provider == nil && s.cfg.RPCURL != "" {
		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
		defer cancel()
		rpc, err := chain.Dial(dialCtx, s.cfg.RPCURL, s.cfg.RPCRateLimit)
		if err != nil {
			s.logger.Warn("chain provider unavailable, serving fallback data", "error", err)
		} else {
			s.rpc = rpc
			s.provider = rpc
		}
	}

	s.fetcher = chain.NewFetcher(s.provider,
		chain.WithReadTimeout(s.cfg.ReadTimeout),
		chain.WithCapabilities(capabilities),
		chain.WithDefaultChainID(s.cfg.ChainID),
		chain.WithLogger(s.logger),
	)

	if s.connector == nil && s.cfg.HasWallet() {
		kw, err := wallet.NewKeyWallet(wallet.Config{
			RPCURL:        s.cfg.RPCURL,
			PrivateKey:    s.cfg.PrivateKey,
			ChainID:       s.cfg.ChainID,
			AutoAuthorize: s.cfg.AutoAuthorize,
		}, wallet.WithApprover(s.prompts), wallet.WithLogger(s.logger))
		if err != nil {
			return fmt.Errorf("failed to create wallet: %w", err)
		}
		s.keyWallet = kw
		s.connector = kw
		s.logger.Info("injected wallet installed", "auto_authorize", s.cfg.AutoAuthorize)
	}

	return nil
}

func (s *Server) setupServices() error {
	s.hub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(s.cfg.CORSOrigins))

	notifiers := []notify.Notifier{notify.NewLogNotifier(s.logger), s.hub.Notifier()}
	if s.natsPub != nil {
		notifiers = append(notifiers, s.natsPub)
	}
	s.notifier = notify.Multi(notifiers...)

	sessionOpts := []session.Option{
		session.WithNotifier(s.notifier),
		session.WithLogger(s.logger),
		session.WithReadTimeout(s.cfg.ReadTimeout),
	}
	if s.connector != nil {
		sessionOpts = append(sessionOpts, session.WithConnector(wallet.KindInjected, s.connector))
	}
	s.sessions = session.NewManager(sessionOpts...)
	s.sessions.Subscribe(func(sess *session.Session) {
		addr := ""
		if sess != nil {
			addr = sess.Address
		}
		s.hub.Publish(realtime.EventWalletSession, addr, sess)
	})

	var scoreStore scoring.Store = scoring.NewMemoryStore()
	var agentStore agents.Store = agents.NewMemoryStore()
	if s.db != nil {
		scoreStore = scoring.NewPostgresStore(s.db)
		agentStore = agents.NewPostgresStore(s.db)
	}

	s.scoring = scoring.NewService(scoring.NewEngine(s.fetcher, s.logger), scoreStore,
		scoring.WithNotifier(s.notifier),
		scoring.WithLogger(s.logger),
		scoring.WithListener(func(_ context.Context, cs *scoring.CreditScore) {
			s.hub.Publish(realtime.EventCreditScore, cs.Address, cs)
		}),
	)

	historyOpts := []history.Option{
		history.WithLogger(s.logger),
		history.WithFreshness(s.cfg.HistoryCacheTTL),
	}
	if s.redis != nil {
		historyOpts = append(historyOpts, history.WithCache(cache.NewRedis(s.redis, "defiagents:")))
	}
	s.history = history.New(s.fetcher, historyOpts...)

	s.sessions.Subscribe(func(sess *session.Session) {
		if sess == nil {
			return
		}
		s.warmups.Go(func() { s.warmWallet(sess.Address) })
	})

	s.oracle = gas.NewPriceOracle(s.cfg.ETHPriceFallback, 5*time.Minute)

	var executor agents.Executor = agents.NewSimulatedExecutor(s.cfg.SimulatedDelay, agents.DefaultSuccessRate)
	if s.cfg.AgentExecutor == config.ExecutorChain {
		if s.connector == nil {
			return errors.New("chain executor requires a wallet")
		}
		executor = agents.NewChainExecutor(s.sessions, 0)
	}

	s.agents = agents.NewService(agentStore, s.fetcher,
		agents.WithExecutor(executor),
		agents.WithPriceSource(s.oracle),
		agents.WithNotifier(s.notifier),
		agents.WithLogger(s.logger),
		agents.WithPersistDelay(s.cfg.SimulatedDelay),
	)
	s.agents.Subscribe(func(u agents.Update) {
		s.hub.Publish(realtime.EventAgentUpdate, u.Address, u)
	})

	return nil
}

func (s *Server) registerHealthChecks() {
	if s.provider != nil {
		s.checks.Register("rpc", health.Ping("rpc", func(ctx context.Context) error {
			if _, ok := s.fetcher.LatestBlock(ctx); !ok {
				return errors.New("latest block unavailable")
			}
			return nil
		}))
	}
	if s.db != nil {
		s.checks.Register("postgres", health.Ping("postgres", s.db.PingContext))
	}
	if s.redis != nil {
		s.checks.Register("redis", health.Ping("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
	}
	if s.natsPub != nil {
		s.checks.Register("nats", health.Ready("nats", s.natsPub.Ready, "not connected"))
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
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
		if addr := c.Param("address"); addr != "" {
			ctx = logging.WithWallet(ctx, addr)
		}
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
			logger.Debug("request completed",
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(validation.AddressParamMiddleware())
	v1.GET("/info", s.infoHandler)
	v1.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})

	session.NewHandler(s.sessions, s.prompts).RegisterRoutes(v1)
	scoring.NewHandler(s.scoring).RegisterRoutes(v1)
	history.NewHandler(s.history).RegisterRoutes(v1)
	agents.NewHandler(s.agents).RegisterRoutes(v1)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	if statuses == nil {
		statuses = []health.Status{}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
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
	chainID := s.fetcher.ChainID(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"name":             "DeFi Agents",
		"description":      "Credit scoring and automated DeFi agents for Ethereum wallets",
		"version":          Version,
		"chainId":          chainID,
		"network":          chain.NetworkName(chainID),
		"supportedNetwork": chain.IsSupportedNetwork(chainID),
		"onChain":          s.fetcher.HasProvider(),
		"walletInstalled":  s.connector != nil,
		"executor":         s.cfg.AgentExecutor,
		"agentTypes":       agents.Types(),
	})
}

// warmWallet fills the score snapshot and risk history for a newly connected
// wallet. Chain reads are guarded, so this ends within a few read timeouts.
func (s *Server) warmWallet(address string) {
	ctx, cancel := context.WithTimeout(context.Background(), warmupTimeout)
	defer cancel()

	if _, err := s.scoring.Get(ctx, address, false); err != nil {
		s.logger.Warn("credit score warm-up failed", "address", address, "error", err)
	}
	s.history.History(ctx, address)
}

// restoreSession reconnects an already-authorized wallet without prompting.
// The injected wallet announces itself and Watch handles the event; other
// connectors are asked directly.
func (s *Server) restoreSession(ctx context.Context) {
	if s.connector == nil {
		return
	}
	if s.keyWallet != nil {
		s.keyWallet.Announce()
		return
	}
	if _, err := s.sessions.Reconnect(ctx); err != nil {
		s.logger.Warn("startup reconnect failed", "error", err)
	}
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"chain_id", s.cfg.ChainID,
			"on_chain", s.fetcher.HasProvider(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)

	// Wallet events drive the session state machine
	if s.connector != nil {
		go s.sessions.Watch(runCtx, s.connector.Events())
	}
	go s.restoreSession(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

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

	var shutdownErr error
	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(s.drainDelay)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// In-flight toggles and actions finish before their stores close
	if s.agents != nil {
		s.agents.Wait()
	}
	s.warmups.Wait()

	s.closeResources()

	s.logger.Info("server stopped")
	return shutdownErr
}

// closeResources releases every connection opened by New.
func (s *Server) closeResources() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.keyWallet != nil {
		if err := s.keyWallet.Close(); err != nil {
			s.logger.Error("wallet close error", "error", err)
		}
	}

	if s.rpc != nil {
		s.rpc.Close()
	}

	if s.natsPub != nil {
		if err := s.natsPub.Close(); err != nil {
			s.logger.Error("nats close error", "error", err)
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

	if s.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}
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
