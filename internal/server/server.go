// Package server wires the gateway's components together and runs the
// HTTP surface: the WebSocket endpoint, health, metrics and stats.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/voxterm/gateway/internal/domain/auth"
	"github.com/voxterm/gateway/internal/domain/connection"
	"github.com/voxterm/gateway/internal/domain/pool"
	"github.com/voxterm/gateway/internal/domain/session"
	"github.com/voxterm/gateway/internal/executor"
	"github.com/voxterm/gateway/internal/gateway"
	"github.com/voxterm/gateway/internal/infrastructure/audit"
	"github.com/voxterm/gateway/internal/infrastructure/config"
	"github.com/voxterm/gateway/internal/infrastructure/events"
	"github.com/voxterm/gateway/internal/infrastructure/logging"
	"github.com/voxterm/gateway/internal/infrastructure/monitoring"
	"github.com/voxterm/gateway/internal/shared/id"
)

// Server owns every long-lived component and their shutdown order.
type Server struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *monitoring.Metrics
	bus     *events.Bus

	registry *connection.Registry
	auth     *auth.Service
	sessions *session.Store
	pool     *pool.Balancer
	handler  *gateway.Handler

	httpSrv *http.Server
	redis   *redis.Client

	cancelBackground context.CancelFunc
}

// New composes a server from configuration.
func New(cfg *config.Config) (*Server, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	metrics := monitoring.New()
	sink := audit.NewLogSink(logger)
	bus := events.NewBus(256)

	authService := auth.NewService(auth.Config{
		JWTSecret:        cfg.Auth.JWTSecret,
		TokenExpiry:      cfg.Auth.TokenExpiry,
		MaxLoginAttempts: cfg.Auth.MaxLoginAttempts,
		LockoutDuration:  cfg.Auth.LockoutDuration,
		BindAddress:      cfg.Auth.BindAddress,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
	}, logger, sink)

	if cfg.Auth.AdminUsername != "" && cfg.Auth.AdminPassword != "" {
		if _, err := authService.RegisterUser(cfg.Auth.AdminUsername, cfg.Auth.AdminPassword,
			[]string{"*"}, []string{"admin"}); err != nil {
			return nil, fmt.Errorf("failed to seed admin user: %w", err)
		}
		logger.Info("seeded admin account", zap.String("username", cfg.Auth.AdminUsername))
	}

	// Redis is optional. Unreachable or unconfigured Redis degrades the
	// session store to cache-only operation.
	var durable session.Durable
	var redisClient *redis.Client
	if cfg.Redis.Address != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis unreachable, sessions are cache-only",
				zap.String("address", cfg.Redis.Address), zap.Error(err))
		} else {
			logger.Info("redis connected", zap.String("address", cfg.Redis.Address))
		}
		durable = session.NewRedisStore(redisClient)
	}

	sessions := session.NewStore(session.Config{
		TTL:           cfg.Sessions.TTL,
		OrphanGrace:   cfg.Sessions.OrphanGrace,
		CacheCapacity: cfg.Sessions.CacheCapacity,
	}, logger, sink, durable)

	registry := connection.NewRegistry(connection.Config{
		MaxConnections:     cfg.Connections.MaxConnections,
		MaxPerSource:       cfg.Connections.MaxPerSource,
		IdleTimeout:        cfg.Connections.IdleTimeout,
		MessagesPerMinute:  cfg.Connections.MessagesPerMinute,
		AbuseBlockDuration: cfg.Connections.AbuseBlockDuration,
	}, logger, sink, bus)

	balancer, err := pool.NewBalancer(pool.Config{
		Strategy:            cfg.Pool.Strategy,
		FailoverThreshold:   cfg.Pool.FailoverThreshold,
		BreakerThreshold:    cfg.Pool.BreakerThreshold,
		BreakerOpenDuration: cfg.Pool.BreakerOpenDuration,
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
		HealthCheckTimeout:  cfg.Pool.HealthCheckTimeout,
		OnUnregister: func(backendID string) {
			cleared := sessions.ClearAffinity(context.Background(), backendID)
			if cleared > 0 {
				logger.Info("cleared session affinity",
					zap.String("backend_id", backendID), zap.Int("sessions", cleared))
			}
		},
	}, logger, sink, bus)
	if err != nil {
		return nil, err
	}

	for i := 0; i < cfg.Pool.LocalExecutors; i++ {
		backendID := string(id.NewBackendID())
		local := executor.NewLocal(executor.LocalConfig{}, logger)
		if err := balancer.Register(backendID, local); err != nil {
			return nil, fmt.Errorf("failed to register local executor: %w", err)
		}
	}
	metrics.BackendsRegistered.Set(float64(cfg.Pool.LocalExecutors))

	handler := gateway.NewHandler(gateway.Config{
		AuthRequired:   cfg.Auth.Required,
		BindAddress:    cfg.Auth.BindAddress,
		CommandTimeout: cfg.Pool.CommandTimeout,
	}, registry, authService, sessions, balancer, logger, metrics, bus)

	srv := &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		bus:      bus,
		registry: registry,
		auth:     authService,
		sessions: sessions,
		pool:     balancer,
		handler:  handler,
		redis:    redisClient,
	}
	srv.httpSrv = &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.Port,
		Handler: srv.router(),
	}
	return srv, nil
}

// router builds the gin engine and routes.
func (s *Server) router() *gin.Engine {
	if !s.cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(s.cfg.Server.AllowedOrigins) == 1 && s.cfg.Server.AllowedOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.cfg.Server.AllowedOrigins
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	router.Use(cors.New(corsCfg))

	router.GET("/ws", s.handler.HandleConnection)
	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/stats/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.registry.Stats())
	})
	router.GET("/stats/pool", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.pool.Stats())
	})
	router.GET("/stats/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"active": s.sessions.Len()})
	})
	return router
}

// health reports liveness and a coarse readiness signal: at least one
// backend must be selectable for the gateway to do useful work.
func (s *Server) health(c *gin.Context) {
	stats := s.pool.Stats()
	status := "ok"
	code := http.StatusOK
	if stats.Healthy == 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":   status,
		"backends": stats.Healthy,
		"strategy": stats.Strategy,
	})
}

// Run starts the background loops and serves HTTP until the listener
// fails or Shutdown is called.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelBackground = cancel

	s.metrics.BackendsHealthy.Set(float64(s.pool.Stats().Healthy))

	go s.handler.Monitor(ctx)
	go s.pool.Start(ctx)
	go s.sweepLoop(ctx)

	s.logger.Info("gateway listening",
		zap.String("address", s.httpSrv.Addr),
		zap.String("strategy", s.cfg.Pool.Strategy),
		zap.Bool("auth_required", s.cfg.Auth.Required),
	)

	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// sweepLoop drives the periodic maintenance of the registry, the
// session store and the auth service.
func (s *Server) sweepLoop(ctx context.Context) {
	connTicker := time.NewTicker(s.cfg.Connections.SweepInterval)
	sessionTicker := time.NewTicker(s.cfg.Sessions.SweepInterval)
	authTicker := time.NewTicker(s.cfg.Auth.CleanupInterval)
	defer connTicker.Stop()
	defer sessionTicker.Stop()
	defer authTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-connTicker.C:
			s.registry.Sweep()
		case <-sessionTicker.C:
			result := s.sessions.Sweep(ctx)
			if result.Expired > 0 {
				s.metrics.SessionsReclaimed.WithLabelValues("expired").Add(float64(result.Expired))
			}
			if result.Orphaned > 0 {
				s.metrics.SessionsReclaimed.WithLabelValues("orphaned").Add(float64(result.Orphaned))
			}
			s.metrics.SessionsActive.Set(float64(s.sessions.Len()))
		case <-authTicker.C:
			purged := s.auth.Cleanup()
			s.metrics.TokensActive.Set(float64(s.auth.ActiveTokens()))
			if purged > 0 {
				s.logger.Debug("purged expired tokens", zap.Int("count", purged))
			}
		}
	}
}

// Shutdown stops the gateway in dependency order: stop admitting, close
// existing connections with a notice, stop serving HTTP, drain the
// backend pool, then release the durable store and flush logs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")

	s.handler.Shutdown()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown error", zap.Error(err))
	}

	s.pool.Shutdown(ctx)

	// The bus stays open: connection read loops and sweeps may still be
	// winding down and publishing. The monitor loop exits on cancel.
	if s.cancelBackground != nil {
		s.cancelBackground()
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("redis close error", zap.Error(err))
		}
	}

	_ = s.logger.Sync()
	return nil
}
