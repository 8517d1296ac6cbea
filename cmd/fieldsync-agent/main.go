package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openrelief/fieldsync/internal/auth"
	"github.com/openrelief/fieldsync/internal/bridge"
	"github.com/openrelief/fieldsync/internal/cache"
	"github.com/openrelief/fieldsync/internal/config"
	"github.com/openrelief/fieldsync/internal/connectivity"
	"github.com/openrelief/fieldsync/internal/database"
	"github.com/openrelief/fieldsync/internal/device"
	"github.com/openrelief/fieldsync/internal/interceptor"
	"github.com/openrelief/fieldsync/internal/logging"
	"github.com/openrelief/fieldsync/internal/queue"
	"github.com/openrelief/fieldsync/internal/server"
	"github.com/openrelief/fieldsync/internal/syncer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "fieldsync-agent",
		Short: "Offline-first sync agent for the relief field app",
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Relief backend base URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("cache-version", defaults.GetString("cache.version"), "Response cache version tag")
	cmd.PersistentFlags().Bool("auto-sync", defaults.GetBool("sync.auto"), "Trigger sync automatically on reconnect")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Device token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "cache.version", "cache-version")
	bindFlag(cmd, "sync.auto", "auto-sync")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "token.signing_secret", "signing-secret")
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

	logger, err := logging.NewLogger(appConfig.LogLevel)
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

	queueStore, err := queue.NewStore(queue.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: queue.NewOfflineIDProvider(time.Now),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	cacheStore, err := cache.NewStore(cache.StoreConfig{
		Database:  db,
		Namespace: appConfig.CacheVersion,
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	dispatcher := bridge.NewDispatcher()

	var placeholder []byte
	if appConfig.OfflinePlaceholder != "" {
		placeholder, err = os.ReadFile(appConfig.OfflinePlaceholder)
		if err != nil {
			logger.Warn("offline placeholder unreadable", zap.Error(err))
		}
	}

	networkInterceptor, err := interceptor.New(interceptor.Config{
		RemoteBaseURL:      appConfig.RemoteBaseURL,
		APIPrefix:          appConfig.APIPrefix,
		Cache:              cacheStore,
		Bridge:             dispatcher,
		HTTPClient:         &http.Client{Timeout: appConfig.RequestTimeout},
		Logger:             logger,
		OfflinePlaceholder: placeholder,
	})
	if err != nil {
		return err
	}

	deviceService, err := device.NewService(device.ServiceConfig{
		Database:   db,
		AppVersion: appConfig.CacheVersion,
		Clock:      time.Now,
	})
	if err != nil {
		return err
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		TokenTTL:      appConfig.TokenTTL,
	})

	syncClient, err := syncer.NewHTTPClient(syncer.HTTPClientConfig{
		BaseURL:    appConfig.RemoteBaseURL,
		HTTPClient: &http.Client{Timeout: appConfig.RequestTimeout},
		Tokens:     tokenIssuer,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	coordinator, err := syncer.NewCoordinator(syncer.CoordinatorConfig{
		Queue:        queueStore,
		Client:       syncClient,
		Device:       deviceService,
		Logger:       logger,
		Clock:        time.Now,
		DisplayDelay: appConfig.SyncDisplayDelay,
	})
	if err != nil {
		return err
	}

	monitor, err := connectivity.NewMonitor(connectivity.MonitorConfig{
		ProbeURL:   appConfig.RemoteBaseURL + "/healthz",
		HTTPClient: &http.Client{Timeout: appConfig.RequestTimeout},
		Interval:   appConfig.ProbeInterval,
		Bridge:     dispatcher,
		Syncer:     coordinator,
		AutoSync:   appConfig.AutoSync,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	consumer, err := server.NewConsumer(server.ConsumerConfig{
		Queue:     queueStore,
		Bridge:    dispatcher,
		APIPrefix: appConfig.APIPrefix,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Queue:             queueStore,
		Coordinator:       coordinator,
		Monitor:           monitor,
		Bridge:            dispatcher,
		Interceptor:       networkInterceptor,
		RejectedRetention: time.Duration(appConfig.RejectedRetentionDays) * 24 * time.Hour,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stale namespaces from a prior version must never be served.
	if err := networkInterceptor.Activate(signalCtx); err != nil {
		return err
	}

	go networkInterceptor.Run(signalCtx)
	go consumer.Run(signalCtx)
	go monitor.Run(signalCtx)

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("remote", appConfig.RemoteBaseURL),
			zap.String("cache_version", appConfig.CacheVersion))
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
