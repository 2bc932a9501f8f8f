package main

import (
	"context"
	"fmt"

	gcpfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mihaimyh/gobilling/internal/config"
	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/storage/firestore"
	"github.com/mihaimyh/gobilling/storage/gormstore"
	"github.com/mihaimyh/gobilling/storage/memory"
	"github.com/mihaimyh/gobilling/storage/postgres"
	"github.com/mihaimyh/gobilling/storage/redis"
	"github.com/mihaimyh/gobilling/storage/tiered"
)

// openedStorage is a storage backend plus what it takes to release it.
type openedStorage struct {
	billing.Storage
	closers []func()
}

func (o *openedStorage) Close() {
	for i := len(o.closers) - 1; i >= 0; i-- {
		o.closers[i]()
	}
}

func openStorage(ctx context.Context, cfg *config.Config, logger billing.Logger) (*openedStorage, error) {
	if cfg.Storage.Backend != config.BackendTiered {
		return openBackend(ctx, cfg, cfg.Storage.Backend, logger)
	}

	hot, err := openBackend(ctx, cfg, cfg.Storage.TieredHot, logger)
	if err != nil {
		return nil, fmt.Errorf("hot tier: %w", err)
	}
	cold, err := openBackend(ctx, cfg, cfg.Storage.TieredCold, logger)
	if err != nil {
		hot.Close()
		return nil, fmt.Errorf("cold tier: %w", err)
	}

	store, err := tiered.New(tiered.Config{
		Hot:            hot,
		Cold:           cold,
		AsyncEventSync: true,
		AsyncErrorHandler: func(err error) {
			logger.Warn("tiered storage sync failed", billing.Err(err))
		},
	})
	if err != nil {
		hot.Close()
		cold.Close()
		return nil, err
	}

	out := &openedStorage{Storage: store}
	out.closers = append(out.closers, hot.Close, cold.Close, func() { _ = store.Close() })
	return out, nil
}

func openBackend(ctx context.Context, cfg *config.Config, backend string, logger billing.Logger) (*openedStorage, error) {
	sc := cfg.Storage
	switch backend {
	case config.BackendMemory:
		return &openedStorage{Storage: memory.New()}, nil

	case config.BackendRedis:
		opts, err := goredis.ParseURL(sc.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rc := redis.DefaultConfig()
		rc.EventTTL = sc.EventTTL
		store, err := redis.New(goredis.NewClient(opts), rc)
		if err != nil {
			return nil, err
		}
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return &openedStorage{Storage: store, closers: []func(){func() { _ = store.Close() }}}, nil

	case config.BackendPostgres:
		pc := postgres.DefaultConfig()
		pc.ConnectionString = sc.PostgresDSN
		pc.AutoMigrate = sc.AutoMigrate
		pc.EventTTL = sc.EventTTL
		pc.Logger = logger
		store, err := postgres.New(ctx, pc)
		if err != nil {
			return nil, err
		}
		return &openedStorage{Storage: store, closers: []func(){store.Close}}, nil

	case config.BackendGorm:
		db, err := gormstore.Open(sc.GormDriver, sc.GormDSN, &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if err != nil {
			return nil, err
		}
		store, err := gormstore.New(db)
		if err != nil {
			return nil, err
		}
		closeDB := func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		return &openedStorage{Storage: store, closers: []func(){closeDB}}, nil

	case config.BackendFirestore:
		client, err := gcpfirestore.NewClient(ctx, sc.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("create firestore client: %w", err)
		}
		store, err := firestore.New(client, firestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &openedStorage{Storage: store, closers: []func(){func() { _ = client.Close() }}}, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
