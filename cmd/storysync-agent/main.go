package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ceritalabs/storysync/internal/cache"
	"github.com/ceritalabs/storysync/internal/config"
	"github.com/ceritalabs/storysync/internal/database"
	"github.com/ceritalabs/storysync/internal/logging"
	"github.com/ceritalabs/storysync/internal/quota"
	"github.com/ceritalabs/storysync/internal/remote"
	"github.com/ceritalabs/storysync/internal/server"
	"github.com/ceritalabs/storysync/internal/store"
	"github.com/ceritalabs/storysync/internal/stories"
	"github.com/ceritalabs/storysync/internal/syncer"
	"github.com/ceritalabs/storysync/internal/trigger"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "storysync-agent",
		Short: "Offline-first sync agent for the Story API",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Control API listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("api-base-url", defaults.GetString("api.base_url"), "Story API base URL")
	cmd.PersistentFlags().Duration("api-timeout", defaults.GetDuration("api.timeout"), "Story API request timeout")
	cmd.PersistentFlags().Int64("cache-quota-bytes", defaults.GetInt64("cache.quota_bytes"), "Response cache quota in bytes")
	cmd.PersistentFlags().Duration("settle-delay", defaults.GetDuration("sync.settle_delay"), "Delay between connectivity restore and drain")
	cmd.PersistentFlags().Int("max-attempts", defaults.GetInt("sync.max_attempts"), "Replay attempts before a write is poisoned (0 = retry forever)")
	cmd.PersistentFlags().String("maintenance-schedule", defaults.GetString("maintenance.schedule"), "Cron spec for quota maintenance")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "api.timeout", "api-timeout")
	bindFlag(cmd, "cache.quota_bytes", "cache-quota-bytes")
	bindFlag(cmd, "sync.settle_delay", "settle-delay")
	bindFlag(cmd, "sync.max_attempts", "max-attempts")
	bindFlag(cmd, "maintenance.schedule", "maintenance-schedule")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
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

func runAgent(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	shellURL := ""
	if len(appConfig.ShellURLs) > 0 {
		shellURL = appConfig.ShellURLs[0]
	}
	engine, err := cache.NewEngine(cache.EngineConfig{
		Database:   db,
		APIBaseURL: appConfig.APIBaseURL,
		ShellURL:   shellURL,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	remoteClient, err := remote.NewClient(remote.ClientConfig{
		BaseURL: appConfig.APIBaseURL,
		HTTPClient: &http.Client{
			Transport: engine,
			Timeout:   appConfig.APITimeout,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	dataStore, err := store.NewStore(store.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: store.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	listingService, err := stories.NewService(stories.ServiceConfig{
		Store:  dataStore,
		Client: remoteClient,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	coordinator, err := syncer.NewCoordinator(syncer.CoordinatorConfig{
		Store:       dataStore,
		Uploader:    remoteClient,
		Clock:       time.Now,
		Logger:      logger,
		MaxAttempts: appConfig.MaxAttempts,
	})
	if err != nil {
		return err
	}

	events := server.NewEventDispatcher()
	coordinator.Subscribe(func(result syncer.DrainResult) {
		events.Publish(server.SyncEvent{
			EventType: server.EventSyncComplete,
			Result:    result,
			Timestamp: time.Now().UTC(),
		})
	})

	hub, err := trigger.NewHub(trigger.HubConfig{
		Drainer:      coordinator,
		Pending:      dataStore,
		SettleDelay:  appConfig.SettleDelay,
		StartupDelay: appConfig.StartupDelay,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	guardian, err := quota.NewGuardian(quota.GuardianConfig{
		Database:   db,
		QuotaBytes: appConfig.CacheQuotaBytes,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:       dataStore,
		Stories:     listingService,
		Remote:      remoteClient,
		Hub:         hub,
		Coordinator: coordinator,
		Quota:       guardian,
		Events:      events,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go hub.Run(signalCtx)
	hub.AppStarted()

	if err := guardian.Start(appConfig.MaintenanceSpec); err != nil {
		return err
	}
	defer guardian.Stop()

	if len(appConfig.ShellURLs) > 0 || len(appConfig.OptionalURLs) > 0 {
		if err := engine.WarmShell(signalCtx, appConfig.ShellURLs, appConfig.OptionalURLs); err != nil {
			logger.Warn("shell warmup incomplete", zap.Error(err))
		}
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control api starting", zap.String("address", appConfig.HTTPAddress))
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
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		engine.Flush()
		return shutdownErr
	case err := <-errCh:
		engine.Flush()
		return err
	}
}
