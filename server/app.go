package server

import (
	"context"
	"fmt"
	"time"

	"soundslice/cache"
	"soundslice/config"
	"soundslice/core/auth"
	"soundslice/core/delivery"
	"soundslice/core/excerpt"
	"soundslice/core/ledger"
	"soundslice/core/retry"
	"soundslice/core/settlement"
	"soundslice/db"
	"soundslice/logger"
	"soundslice/repository"
	"soundslice/storage"
)

// App 服务运行所需的全部组件，HTTP 与命令行共用
type App struct {
	Cfg        *config.Config
	Tracks     repository.TrackRepository
	Reuses     repository.ReuseRepository
	Store      storage.ContentStore
	Transcoder excerpt.Transcoder
	Engine     *settlement.Engine
	Delivery   *delivery.Gateway
	Auth       *auth.Manager
}

// NewApp 按配置连接数据库、Redis、对象存储和账本，并组装结算引擎
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := db.ConnectGormDB(cfg); err != nil {
		return nil, err
	}
	if err := db.Migrate(db.GormDB); err != nil {
		return nil, err
	}

	store, err := NewContentStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var snapshots settlement.SnapshotCache
	if cfg.RedisEnabled {
		if err := db.ConnectRedis(cfg); err != nil {
			// 缓存只是加速，Redis 不可用时直接读库
			logger.Warn("Redis unavailable, snapshot cache disabled", logger.ErrorField(err))
		} else {
			snapshots = cache.NewSnapshotCache(db.RedisClient, 0)
			logger.Info("Successfully connected to Redis")
		}
	}

	gateway, err := NewLedgerGateway(cfg)
	if err != nil {
		return nil, err
	}

	tracks := repository.NewGormTrackRepository(db.GormDB)
	reuses := repository.NewGormReuseRepository(db.GormDB)
	transcoder := excerpt.NewMultiTranscoder(
		excerpt.NewWAVTranscoder(),
		excerpt.NewFFmpegTranscoder(cfg.FFmpegPath, cfg.SnippetBitrate),
	)
	authManager := auth.NewManager(cfg.JWTSecret)

	engine := settlement.NewEngine(settlement.Deps{
		Tracks:    tracks,
		Reuses:    reuses,
		Extractor: excerpt.NewContentExtractor(store, transcoder, ""),
		Store:     store,
		Ledger:    gateway,
		Cache:     snapshots,
	}, EngineOptions(cfg))

	return &App{
		Cfg:        cfg,
		Tracks:     tracks,
		Reuses:     reuses,
		Store:      store,
		Transcoder: transcoder,
		Engine:     engine,
		Delivery:   delivery.NewGateway(tracks, store, authManager),
		Auth:       authManager,
	}, nil
}

// Close 释放数据库和 Redis 连接
func (a *App) Close() {
	if err := db.CloseRedis(); err != nil {
		logger.Warn("close redis", logger.ErrorField(err))
	}
	if err := db.CloseGormDB(); err != nil {
		logger.Warn("close database", logger.ErrorField(err))
	}
}

// NewContentStore 选择 MinIO 或内存存储
func NewContentStore(ctx context.Context, cfg *config.Config) (storage.ContentStore, error) {
	switch cfg.ContentStore {
	case "memory":
		logger.Warn("Using in-memory content store, uploads are lost on restart")
		return storage.NewMemoryStore(), nil
	case "minio", "":
		return storage.NewMinioStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported CONTENT_STORE %q", cfg.ContentStore)
	}
}

// NewLedgerGateway 选择 HTTP 账本或内存账本
func NewLedgerGateway(cfg *config.Config) (ledger.Gateway, error) {
	switch cfg.LedgerMode {
	case "memory":
		logger.Warn("Using in-memory ledger, entries are not anchored anywhere")
		return ledger.NewMemoryLedger(), nil
	case "http", "":
		if cfg.LedgerURL == "" {
			return nil, fmt.Errorf("LEDGER_URL is required for LEDGER_MODE=http")
		}
		return ledger.NewHTTPGateway(cfg.LedgerURL, cfg.LedgerAPIKey), nil
	default:
		return nil, fmt.Errorf("unsupported LEDGER_MODE %q", cfg.LedgerMode)
	}
}

// EngineOptions 把配置转换成结算引擎的重试与租约参数
func EngineOptions(cfg *config.Config) settlement.Options {
	policy := func(timeout time.Duration) retry.Policy {
		return retry.Policy{
			MaxAttempts:    cfg.SettleMaxAttempts,
			BaseDelay:      cfg.SettleBaseBackoff,
			MaxDelay:       cfg.SettleMaxBackoff,
			AttemptTimeout: timeout,
		}
	}
	return settlement.Options{
		ExtractPolicy:  policy(cfg.ExtractTimeout),
		LedgerPolicy:   policy(cfg.LedgerTimeout),
		StorePolicy:    policy(0),
		LeaseTTL:       cfg.SettleLeaseTTL,
		ReconcileGrace: cfg.ReconcileGrace,
		ReconcileBatch: cfg.ReconcileBatchSize,
	}
}
