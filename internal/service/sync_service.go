package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/atifkhan161/contract-crown-sub006/internal/config"
	"github.com/atifkhan161/contract-crown-sub006/internal/coordinator"
	"github.com/atifkhan161/contract-crown-sub006/internal/database"
	"github.com/atifkhan161/contract-crown-sub006/internal/httpapi"
	"github.com/atifkhan161/contract-crown-sub006/internal/journal"
	"github.com/atifkhan161/contract-crown-sub006/internal/reconcile"
	"github.com/atifkhan161/contract-crown-sub006/internal/rediscli"
	"github.com/atifkhan161/contract-crown-sub006/internal/reliability"
	"github.com/atifkhan161/contract-crown-sub006/internal/repository"
	"github.com/atifkhan161/contract-crown-sub006/internal/transport"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// 关键事件集合：丢失会让客户端停在错误界面的事件走确认重试
var defaultCriticalEvents = []string{
	string(transport.EventGameStarting),
	string(transport.EventTeamsFormed),
	string(transport.EventPlayerReadyChanged),
	string(transport.EventStateSynchronized),
}

// SyncService 房间状态同步服务
type SyncService struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redisClient *redis.Client
	hub         *transport.Hub
	coord       *coordinator.Coordinator
	httpServer  *http.Server
}

// NewSyncService 创建同步服务
func NewSyncService(cfg *config.Config, logger *zap.Logger) (*SyncService, error) {
	// 初始化数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 初始化 Redis（对账日志用；禁用时不建连接）
	var redisClient *redis.Client
	if cfg.Journal.Enabled {
		redisClient = rediscli.NewClient(&cfg.Redis)
		if err := rediscli.Ping(context.Background(), redisClient); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	repo := repository.NewPostgresRoomRepository(db, logger)
	registry := transport.NewRegistry()
	hub := transport.NewHub(logger)

	engine := reconcile.NewEngine(repo, registry,
		cfg.Reconcile.GhostTTL, cfg.Reconcile.HistoryLimit, logger)

	dispatcher := reliability.NewDispatcher(hub, reliability.Config{
		MaxRetries:      cfg.Reliability.MaxRetries,
		AckTimeout:      cfg.Reliability.AckTimeout,
		BaseDelay:       cfg.Reliability.BaseDelay,
		MaxDelay:        cfg.Reliability.MaxDelay,
		FallbackBaseURL: cfg.Reliability.FallbackBaseURL,
	}, defaultCriticalEvents, logger)

	jrnl := journal.NewJournal(redisClient, cfg.Journal.Stream, logger)

	coord := coordinator.NewCoordinator(repo, registry, engine, dispatcher, hub, jrnl,
		coordinator.Config{
			MaxPlayers:        cfg.Room.MaxPlayers,
			ReconcileInterval: cfg.Reconcile.Interval,
			IdleEvictAfter:    cfg.Room.IdleEvictAfter,
		}, logger)

	router := httpapi.NewRouter(logger)
	router.RegisterSyncRoutes(httpapi.NewSyncHandler(coord, logger))
	router.Handle("/sync/ws", hub.ServeWS)

	return &SyncService{
		config:      cfg,
		logger:      logger,
		db:          db,
		redisClient: redisClient,
		hub:         hub,
		coord:       coord,
		httpServer: &http.Server{
			Addr:    cfg.HTTP.ListenAddr,
			Handler: router,
		},
	}, nil
}

// Start 启动服务
func (s *SyncService) Start(ctx context.Context) error {
	s.logger.Info("Starting room sync service",
		zap.String("listen_addr", s.config.HTTP.ListenAddr),
		zap.Int("max_players", s.config.Room.MaxPlayers),
		zap.Duration("reconcile_interval", s.config.Reconcile.Interval),
	)

	s.coord.Start()

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return fmt.Errorf("http server failed: %w", err)
	}
}

// Stop 停止服务
func (s *SyncService) Stop(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", zap.Error(err))
	}
	s.coord.Shutdown()

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Warn("redis close error", zap.Error(err))
		}
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warn("database close error", zap.Error(err))
	}
	s.logger.Info("room sync service stopped")
	return nil
}
