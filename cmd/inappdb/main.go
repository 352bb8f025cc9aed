package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tenantshowcase/inappdb/internal/auth"
	"github.com/tenantshowcase/inappdb/internal/backend"
	"github.com/tenantshowcase/inappdb/internal/config"
	"github.com/tenantshowcase/inappdb/internal/inappdb"
	"github.com/tenantshowcase/inappdb/internal/logging"
	"github.com/tenantshowcase/inappdb/internal/realtime"
	"github.com/tenantshowcase/inappdb/internal/server"
	"github.com/tenantshowcase/inappdb/internal/session"
	"github.com/tenantshowcase/inappdb/internal/storage"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "inappdb",
		Short: "Local-first cache sidecar for the in-app backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		SilenceUsage: true,
	}
	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP sidecar",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	})

	var (
		syncUserID string
		syncToken  string
	)
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile one user with the backend, persist and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), syncUserID, syncToken)
		},
	}
	syncCmd.Flags().StringVar(&syncUserID, "user-id", "", "User id to reconcile")
	syncCmd.Flags().StringVar(&syncToken, "token", "", "Session token sent as bearer")
	_ = syncCmd.MarkFlagRequired("user-id")
	rootCmd.AddCommand(syncCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print the persisted snapshot as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(cmd.Context())
		},
	})
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("backend-url", defaults.GetString("backend.base_url"), "Backend base URL")
	cmd.PersistentFlags().String("realtime-url", defaults.GetString("backend.realtime_url"), "Backend change-feed websocket URL")
	cmd.PersistentFlags().String("storage-driver", defaults.GetString("storage.driver"), "Storage driver (memory, sqlite, bolt, redis)")
	cmd.PersistentFlags().String("storage-path", defaults.GetString("storage.path"), "SQLite or bbolt file path")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("storage.redis_url"), "Redis URL for the redis driver")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "backend.base_url", "backend-url")
	bindFlag(cmd, "backend.realtime_url", "realtime-url")
	bindFlag(cmd, "storage.driver", "storage-driver")
	bindFlag(cmd, "storage.path", "storage-path")
	bindFlag(cmd, "storage.redis_url", "redis-url")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// app bundles what every command opens: logger, storage backend and the store.
type app struct {
	cfg     config.AppConfig
	logger  *zap.Logger
	backend storage.Backend
	store   *inappdb.Store
}

func openApp(ctx context.Context, mode config.Mode) (*app, error) {
	appConfig, err := config.Load(viper.GetViper(), mode)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogDevelopment)
	if err != nil {
		return nil, err
	}
	blobBackend, err := openBackend(ctx, appConfig, logger)
	if err != nil {
		return nil, err
	}
	store, err := inappdb.NewStore(inappdb.StoreConfig{
		Backend:    blobBackend,
		StorageKey: appConfig.BlobKey(),
		Debounce:   appConfig.PersistDebounce,
		Logger:     logger,
	})
	if err != nil {
		_ = blobBackend.Close()
		return nil, err
	}
	return &app{cfg: appConfig, logger: logger, backend: blobBackend, store: store}, nil
}

func (r *app) close() {
	r.store.Close()
	if err := r.backend.Close(); err != nil {
		r.logger.Warn("storage close failed", zap.Error(err))
	}
	_ = r.logger.Sync()
}

func newBackendClient(appConfig config.AppConfig, logger *zap.Logger) (*backend.Client, error) {
	return backend.NewClient(backend.Config{
		BaseURL: appConfig.BackendBaseURL,
		APIKey:  appConfig.BackendAPIKey,
		Timeout: appConfig.FetchTimeout,
		Logger:  logger,
	})
}

func runServe(ctx context.Context) error {
	rt, err := openApp(ctx, config.ModeServe)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	rt.store.Rehydrate(ctx)

	client, err := newBackendClient(rt.cfg, logger)
	if err != nil {
		return err
	}
	orchestrator, err := session.NewOrchestrator(session.OrchestratorConfig{
		Store:        rt.store,
		Backend:      client,
		IDProvider:   session.NewUUIDProvider(),
		Clock:        time.Now,
		Logger:       logger,
		CacheTTL:     rt.cfg.CacheTTL,
		MinInterval:  rt.cfg.MinInterval,
		FetchTimeout: rt.cfg.FetchTimeout,
	})
	if err != nil {
		return err
	}
	defer orchestrator.Close()
	orchestrator.Start()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(rt.cfg.SigningSecret),
		Issuer:        rt.cfg.SessionIssuer,
		CookieName:    rt.cfg.SessionCookie,
	})
	if err != nil {
		return err
	}

	dispatcher := realtime.NewDispatcher()
	feed := realtime.NewFeedState(realtime.DefaultFeedLimit)
	bridge, err := realtime.NewBridge(realtime.BridgeConfig{
		Dispatcher: dispatcher,
		Feed:       feed,
		Debounce:   rt.cfg.RealtimeWindow,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer bridge.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator: validator,
		Sessions:  orchestrator,
		Store:     rt.store,
		Realtime:  dispatcher,
		Feed:      feed,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if rt.cfg.RealtimeURL != "" {
		listener, err := realtime.NewListener(realtime.ListenerConfig{
			URL:     rt.cfg.RealtimeURL,
			APIKey:  rt.cfg.BackendAPIKey,
			Handler: bridge,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		go func() {
			_ = listener.Run(signalCtx)
		}()
	} else {
		logger.Info("realtime listener disabled")
	}

	httpServer := &http.Server{
		Addr:              rt.cfg.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", rt.cfg.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runSync(ctx context.Context, userID, token string) error {
	rt, err := openApp(ctx, config.ModeSync)
	if err != nil {
		return err
	}
	defer rt.close()

	rt.store.Rehydrate(ctx)
	client, err := newBackendClient(rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	client.SetAccessToken(token)
	orchestrator, err := session.NewOrchestrator(session.OrchestratorConfig{
		Store:        rt.store,
		Backend:      client,
		IDProvider:   session.NewUUIDProvider(),
		Logger:       rt.logger,
		FetchTimeout: rt.cfg.FetchTimeout,
	})
	if err != nil {
		return err
	}
	defer orchestrator.Close()

	info, err := orchestrator.RefreshUserInfo(ctx, userID)
	if err != nil {
		return err
	}
	rt.store.Flush()
	return printJSON(info)
}

func runDump(ctx context.Context) error {
	rt, err := openApp(ctx, config.ModeDump)
	if err != nil {
		return err
	}
	defer rt.close()

	blob, err := rt.backend.Get(ctx, rt.cfg.BlobKey())
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no snapshot stored under %s", rt.cfg.BlobKey())
	}
	if err != nil {
		return err
	}
	snapshot, err := inappdb.DecodeSnapshot(blob)
	if err != nil {
		return err
	}
	return printJSON(snapshot)
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
