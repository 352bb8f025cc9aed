package main

import (
	"context"
	"fmt"
	"time"

	"github.com/tenantshowcase/inappdb/internal/config"
	"github.com/tenantshowcase/inappdb/internal/database"
	"github.com/tenantshowcase/inappdb/internal/storage"
	"go.uber.org/zap"
)

const redisConnectTimeout = 5 * time.Second

// openBackend opens the storage backend selected by storage.driver.
func openBackend(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (storage.Backend, error) {
	switch appConfig.StorageDriver {
	case config.DriverMemory:
		return storage.NewMemoryBackend(), nil
	case config.DriverBolt:
		return storage.OpenBolt(appConfig.StoragePath)
	case config.DriverRedis:
		connectCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
		defer cancel()
		return storage.OpenRedis(connectCtx, appConfig.RedisURL)
	case config.DriverSQLite:
		db, err := database.OpenSQLite(appConfig.StoragePath, appConfig.BlobKey(), logger)
		if err != nil {
			return nil, err
		}
		return database.NewBlobStore(database.BlobStoreConfig{Database: db, Logger: logger})
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", appConfig.StorageDriver)
	}
}
