package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tenantshowcase/inappdb/internal/config"
	"github.com/tenantshowcase/inappdb/internal/inappdb"
	"go.uber.org/zap"
)

func TestOpenBackendPersistsAcrossReopen(testContext *testing.T) {
	for _, driver := range []string{config.DriverSQLite, config.DriverBolt} {
		testContext.Run(driver, func(testContext *testing.T) {
			configViper := config.NewViper()
			configViper.Set("storage.driver", driver)
			configViper.Set("storage.path", filepath.Join(testContext.TempDir(), "cache.db"))
			appConfig, err := config.Load(configViper, config.ModeDump)
			if err != nil {
				testContext.Fatalf("load config: %v", err)
			}

			ctx := context.Background()
			backend, err := openBackend(ctx, appConfig, zap.NewNop())
			if err != nil {
				testContext.Fatalf("open backend: %v", err)
			}
			store, err := inappdb.NewStore(inappdb.StoreConfig{Backend: backend, StorageKey: appConfig.BlobKey()})
			if err != nil {
				testContext.Fatalf("new store: %v", err)
			}
			if err := store.SaveUser(inappdb.User{ID: "user-1"}); err != nil {
				testContext.Fatalf("save user: %v", err)
			}
			store.Close()
			if err := backend.Close(); err != nil {
				testContext.Fatalf("close backend: %v", err)
			}

			reopened, err := openBackend(ctx, appConfig, zap.NewNop())
			if err != nil {
				testContext.Fatalf("reopen backend: %v", err)
			}
			defer reopened.Close()
			restored, err := inappdb.NewStore(inappdb.StoreConfig{Backend: reopened, StorageKey: appConfig.BlobKey()})
			if err != nil {
				testContext.Fatalf("new store: %v", err)
			}
			if !restored.Rehydrate(ctx) {
				testContext.Fatal("expected rehydration to load the persisted user")
			}
			if _, ok := restored.GetUser("user-1"); !ok {
				testContext.Fatal("expected user-1 after reopen")
			}
		})
	}
}

func TestOpenBackendMemory(testContext *testing.T) {
	configViper := config.NewViper()
	configViper.Set("storage.driver", config.DriverMemory)
	appConfig, err := config.Load(configViper, config.ModeDump)
	if err != nil {
		testContext.Fatalf("load config: %v", err)
	}
	backend, err := openBackend(context.Background(), appConfig, zap.NewNop())
	if err != nil {
		testContext.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
}
