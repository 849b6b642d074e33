package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raakeshmj/entitlements/internal/audit"
	"github.com/raakeshmj/entitlements/internal/auth"
	"github.com/raakeshmj/entitlements/internal/billing"
	"github.com/raakeshmj/entitlements/internal/cache"
	"github.com/raakeshmj/entitlements/internal/circuitbreaker"
	"github.com/raakeshmj/entitlements/internal/config"
	"github.com/raakeshmj/entitlements/internal/db"
	"github.com/raakeshmj/entitlements/internal/limiter"
	"github.com/raakeshmj/entitlements/internal/metrics"
	"github.com/raakeshmj/entitlements/internal/middleware"
	"github.com/raakeshmj/entitlements/internal/notify"
	"github.com/raakeshmj/entitlements/internal/policy"
	"github.com/raakeshmj/entitlements/internal/reliability"
	"github.com/raakeshmj/entitlements/internal/repository"
	"github.com/raakeshmj/entitlements/internal/repository/memory"
	"github.com/raakeshmj/entitlements/internal/repository/sqlrepo"
	"github.com/raakeshmj/entitlements/internal/scheduler"
	"github.com/raakeshmj/entitlements/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"gorm.io/gorm"
)

const (
	DriverMemory   = "memory"
	BackendRedis   = "redis"
	billingService = "billing"
)

type Server struct {
	cfg            *config.Config
	router         *http.ServeMux
	handler        http.Handler
	svc            *service.EntitlementService
	gateway        billing.Gateway // nil when billing is not configured
	notifier       notify.Notifier
	circuitBreaker *circuitbreaker.CircuitBreaker
	metrics        *metrics.MetricsCollector
	auditLogger    audit.Logger
	configManager  *config.DynamicConfigManager
	policyEngine   *policy.Engine
	jwtManager     *auth.JWTManager
	sweeper        *scheduler.Sweeper
	redisClient    *redis.Client
	conn           *gorm.DB
	now            func() time.Time
}

// Deps are the collaborators New builds from config. Tests supply them directly.
type Deps struct {
	Users     repository.UserRepository
	Questions repository.QuestionRepository
	Windows   repository.RateLimitRepository
	Gateway   billing.Gateway
	Notifier  notify.Notifier
	Audit     audit.Logger
	Redis     *redis.Client
	Conn      *gorm.DB
	Now       func() time.Time
}

// New builds the store, rate-limit backend and integrations named by cfg.
func New(cfg *config.Config) (*Server, error) {
	var d Deps

	switch cfg.StoreDriver {
	case DriverMemory:
		repo := memory.New()
		d.Users, d.Questions, d.Windows = repo, repo, repo
	case db.DriverSQLite, db.DriverPostgres:
		conn, err := db.Open(cfg.StoreDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		repo := sqlrepo.New(conn)
		d.Users, d.Questions, d.Windows = repo, repo, repo
		d.Conn = conn
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}

	if cfg.RedisAddr != "" {
		d.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	if cfg.Limits.RateLimitBackend == BackendRedis {
		if d.Redis == nil {
			return nil, errors.New("RATE_LIMIT_BACKEND=redis requires REDIS_ADDR")
		}
		d.Windows = limiter.NewFixedWindowLimiter(d.Redis, service.RateLimitWindow)
	}

	if cfg.Stripe.Enabled() {
		d.Gateway = billing.NewStripeGateway(cfg.Stripe)
	} else {
		log.Println("Stripe not configured, upgrades are applied directly")
	}

	if cfg.Notify.WebhookURL != "" {
		d.Notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL)
	}

	return NewWithDeps(cfg, d), nil
}

func NewWithDeps(cfg *config.Config, d Deps) *Server {
	if d.Notifier == nil {
		d.Notifier = notify.LogNotifier{}
	}
	if d.Audit == nil {
		d.Audit = audit.NewJSONLogger(os.Stdout)
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}

	svc := service.NewEntitlementService(d.Users, d.Questions, d.Windows,
		cache.NewMemoryCache[uint](10*time.Minute),
		service.Options{
			QuestionCost:      cfg.Limits.QuestionCost,
			RequestsPerMinute: cfg.Limits.RequestsPerMinute,
			Now:               d.Now,
		})

	var cb *circuitbreaker.CircuitBreaker
	if d.Redis != nil {
		cb = circuitbreaker.New(d.Redis, 5, 30*time.Second)
	}

	s := &Server{
		cfg:            cfg,
		router:         http.NewServeMux(),
		svc:            svc,
		gateway:        d.Gateway,
		notifier:       d.Notifier,
		circuitBreaker: cb,
		metrics:        metrics.NewCollector(1000),
		auditLogger:    d.Audit,
		configManager:  config.NewDynamicConfigManager(cfg.Limits.RequestsPerMinute),
		policyEngine:   policy.NewEngine(policy.DefaultPolicies()...),
		jwtManager:     auth.NewJWTManager(cfg.JWTSecret, time.Hour),
		redisClient:    d.Redis,
		conn:           d.Conn,
		now:            d.Now,
	}

	s.sweeper = scheduler.NewSweeper(cfg.Scheduler.SweepInterval,
		scheduler.Job{Name: "expire subscriptions", Run: svc.ExpireSubscriptions},
		scheduler.Job{Name: "purge rate-limit windows", Run: svc.PurgeRateLimitWindows},
	)

	s.routes()
	return s
}

func (s *Server) routes() {
	identify := middleware.Identify(s.svc, middleware.IdentifyOptions{
		Create:    true,
		OnCreated: s.userCreated,
	})
	lookup := middleware.Identify(s.svc, middleware.IdentifyOptions{})
	rateOpts := middleware.RateLimitOptions{
		Checker:    s.svc,
		Config:     s.configManager,
		Strategy:   reliability.ParseStrategy(s.cfg.Limits.FailureStrategy),
		OnDecision: func(r service.Reason) { s.metrics.RecordDecision(string(r)) },
	}
	// identify -> rate limit -> h
	gated := func(endpoint string, id middleware.Middleware, h http.Handler) http.Handler {
		return middleware.Chain(h, id, middleware.RateLimit(rateOpts, endpoint))
	}
	breaker := middleware.CircuitBreakerMiddleware(s.circuitBreaker, billingService)

	s.router.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	s.router.HandleFunc("GET /ready", s.ready)

	s.router.Handle("POST /api/chat/{site}/authorize", gated("authorize", identify, http.HandlerFunc(s.authorize)))
	s.router.Handle("POST /api/chat/{site}/questions", gated("questions", identify, http.HandlerFunc(s.logQuestion)))
	s.router.Handle("GET /api/stats/{email}", gated("stats", lookup, http.HandlerFunc(s.stats)))
	s.router.HandleFunc("GET /api/plans", s.plans)

	s.router.Handle("POST /api/upgrade", gated("upgrade", identify, breaker(http.HandlerFunc(s.upgrade))))
	s.router.Handle("GET /api/payment-success", breaker(http.HandlerFunc(s.paymentSuccess)))
	s.router.Handle("POST /api/billing/portal", gated("portal", lookup, breaker(http.HandlerFunc(s.billingPortal))))
	s.router.HandleFunc("POST /api/webhook/stripe", s.stripeWebhook)

	s.router.HandleFunc("POST /api/admin/token", s.adminToken)
	s.router.HandleFunc("POST /api/admin/upgrade", s.adminUpgrade)
	s.router.HandleFunc("POST /api/admin/reload", s.ReloadPolicies)
	s.router.HandleFunc("GET /api/admin/policies", s.ListPolicies)

	s.router.HandleFunc("GET /api/metrics", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, s.metrics.GetStats())
	})

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.HTTP.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", middleware.UserEmailHeader, middleware.RequestIDHeader, "X-Timestamp"},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", middleware.RequestIDHeader},
	})

	// RequestID -> Metrics -> Audit -> Security -> CORS -> Policy -> AdminAuth -> mux
	s.handler = middleware.Chain(s.router,
		middleware.RequestID(),
		middleware.MetricsMiddleware(s.metrics),
		middleware.AuditMiddleware(s.auditLogger),
		middleware.SecureHeaders(middleware.SecurityConfig{
			EnableReplayProtection: s.cfg.HTTP.ReplayProtection,
			ReplayWindow:           s.cfg.HTTP.ReplayWindow,
			ReplayExempt:           []string{"/health", "/ready", "/api/webhook/", "/api/payment-success"},
		}),
		c.Handler,
		middleware.PolicyEnforcer(s.policyEngine),
		middleware.AdminAuth(s.jwtManager),
	)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.conn != nil {
		sqlDB, err := s.conn.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			http.Error(w, "Database Unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Ping(ctx).Err(); err != nil {
			http.Error(w, "Redis Unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

// StartSweeper runs the maintenance jobs in the background.
func (s *Server) StartSweeper() {
	s.sweeper.Start()
}

// Close stops background work and releases connections.
func (s *Server) Close() error {
	s.sweeper.Stop()

	var errs []error
	if s.redisClient != nil {
		errs = append(errs, s.redisClient.Close())
	}
	if s.conn != nil {
		if sqlDB, err := s.conn.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

func (s *Server) Start() error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.ServerPort,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.StartSweeper()
	defer s.Close()

	// Channel to listen for errors coming from the listener.
	serverErrors := make(chan error, 1)

	go func() {
		log.Printf("Server starting on port %s", s.cfg.ServerPort)
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for an interrupt or terminate signal from the OS.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Printf("main: %v : Start shutdown", sig)

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	return nil
}
