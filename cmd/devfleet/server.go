package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devfleet/devfleet/availability"
	"github.com/devfleet/devfleet/config"
	"github.com/devfleet/devfleet/internal/cache"
	"github.com/devfleet/devfleet/internal/database"
	"github.com/devfleet/devfleet/internal/metrics"
	"github.com/devfleet/devfleet/internal/pool"
	"github.com/devfleet/devfleet/internal/retry"
	"github.com/devfleet/devfleet/internal/server"
	"github.com/devfleet/devfleet/internal/telemetry"
	"github.com/devfleet/devfleet/lifecycle"
	"github.com/devfleet/devfleet/messaging"
	"github.com/devfleet/devfleet/persistence"
	"github.com/devfleet/devfleet/router"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 DevFleet 协调器的主服务器，负责组装并管理全部组件
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager *server.Manager

	fleet     *lifecycle.Service
	registry  *availability.MemoryProvider
	transport messaging.Transport
	router    *router.Router
	workers   *pool.WorkerPool

	metricsCollector *metrics.Collector
	tracing          *telemetry.Tracing
	cacheManager     *cache.Manager
	dbPool           *database.PoolManager
	redisClient      *redis.Client
}

// NewServer 按配置组装协调器的全部组件
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}

	// 1. 遥测
	tracing, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.tracing = tracing

	// 2. 指标
	if cfg.Metrics.Enabled {
		s.metricsCollector = metrics.NewCollector(cfg.Metrics.Namespace, logger)
	}

	// 3. 工作池与生命周期服务
	s.workers = pool.New(pool.Config{
		MaxWorkers:  cfg.Pool.MaxWorkers,
		QueueSize:   cfg.Pool.QueueSize,
		IdleTimeout: cfg.Pool.IdleTimeout,
	})
	s.fleet = lifecycle.NewService(logger).WithDispatcher(s.workers)
	if s.metricsCollector != nil {
		s.fleet.WithMetrics(s.metricsCollector)
	}

	// 4. 持久层（失败降级为纯内存）
	store, err := s.openStore()
	if err != nil {
		logger.Warn("database not available, transition persistence disabled", zap.Error(err))
	} else if store != nil {
		if s.metricsCollector != nil {
			store.WithMetrics(s.metricsCollector)
			s.dbPool.WithMetrics(s.metricsCollector)
		}
		rec := persistence.NewRecorder(store, logger)
		s.fleet.OnEvent(lifecycle.EventPostTransition, rec.Handler())
	}

	// 5. 可用性服务
	s.registry = availability.NewMemoryProvider(logger)
	provider := availability.Provider(s.registry)
	if cfg.Availability.CacheEnabled {
		cm, err := cache.NewManager(cache.Config{
			Addr:         cfg.Cache.Addr,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			KeyPrefix:    cfg.Cache.KeyPrefix,
			DefaultTTL:   cfg.Availability.CacheTTL,
			PoolSize:     cfg.Cache.PoolSize,
			MinIdleConns: cfg.Cache.MinIdleConns,
		}, logger)
		if err != nil {
			logger.Warn("cache not available, serving availability from memory", zap.Error(err))
		} else {
			s.cacheManager = cm
			cached := availability.NewCachedProvider(s.registry, cm, cfg.Availability.CacheTTL, logger)
			if s.metricsCollector != nil {
				cached.WithMetrics(s.metricsCollector)
			}
			provider = cached
		}
	}

	// 6. 消息传输
	transport, err := s.openTransport()
	if err != nil {
		return nil, fmt.Errorf("failed to open transport: %w", err)
	}
	s.transport = transport

	// 7. 路由器
	s.router = router.New(s.transport, s.fleet, provider, s.workers, logger)
	if s.metricsCollector != nil {
		s.router.WithMetrics(s.metricsCollector)
	}

	// 8. 运维 HTTP 服务
	handler := server.NewHandler(s.fleet, provider, store, s.transport, logger)
	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	return s, nil
}

func (s *Server) openStore() (*persistence.Store, error) {
	if s.cfg.Database.Driver == "" {
		return nil, nil
	}

	dbPool, err := database.Open(database.Config{
		Driver:          s.cfg.Database.Driver,
		DSN:             s.cfg.Database.DSN(),
		MaxIdleConns:    s.cfg.Database.MaxIdleConns,
		MaxOpenConns:    s.cfg.Database.MaxOpenConns,
		ConnMaxLifetime: s.cfg.Database.ConnMaxLifetime,
	}, s.logger)
	if err != nil {
		return nil, err
	}
	s.dbPool = dbPool

	return persistence.NewStore(dbPool, s.logger)
}

func (s *Server) openTransport() (messaging.Transport, error) {
	var tm messaging.Metrics
	if s.metricsCollector != nil {
		tm = s.metricsCollector
	}

	switch s.cfg.Messaging.Backend {
	case "redis":
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:     s.cfg.Messaging.RedisAddr,
			Password: s.cfg.Messaging.RedisPassword,
			DB:       s.cfg.Messaging.RedisDB,
		})
		return messaging.NewRedisTransport(s.redisClient, messaging.RedisConfig{
			Prefix:       s.cfg.Messaging.StreamPrefix,
			BatchSize:    s.cfg.Messaging.BatchSize,
			BlockTimeout: s.cfg.Messaging.BlockTimeout,
			MaxStreamLen: s.cfg.Messaging.MaxStreamLen,
			PublishRate:  s.cfg.Messaging.PublishRate,
			Retry: retry.Policy{
				MaxRetries:   s.cfg.Messaging.MaxRetries,
				InitialDelay: s.cfg.Messaging.RetryInitialDelay,
				MaxDelay:     s.cfg.Messaging.RetryMaxDelay,
			},
		}, s.logger).WithMetrics(tm), nil
	case "memory", "":
		return messaging.NewMemoryTransport(s.logger).WithMetrics(tm), nil
	default:
		return nil, fmt.Errorf("unknown messaging backend: %s", s.cfg.Messaging.Backend)
	}
}

// =============================================================================
// 🚀 启动与关闭
// =============================================================================

// Start 启动运维 HTTP 服务（非阻塞）
func (s *Server) Start() error {
	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	s.logger.Info("DevFleet coordinator ready",
		zap.String("addr", s.httpManager.Addr()),
		zap.String("messaging_backend", s.transport.Stats().Backend),
	)
	return nil
}

// WaitForShutdown 等待关闭信号并依次释放组件
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()
	s.shutdown()
}

func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := s.transport.Close(ctx); err != nil {
		s.logger.Warn("transport close failed", zap.Error(err))
	}
	s.workers.Close()

	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil {
			s.logger.Warn("cache close failed", zap.Error(err))
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			s.logger.Warn("database close failed", zap.Error(err))
		}
	}
	if s.tracing != nil {
		if err := s.tracing.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
}
