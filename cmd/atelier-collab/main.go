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

	"github.com/atelierhq/atelier-collab/internal/approval"
	"github.com/atelierhq/atelier-collab/internal/auth"
	"github.com/atelierhq/atelier-collab/internal/config"
	"github.com/atelierhq/atelier-collab/internal/database"
	"github.com/atelierhq/atelier-collab/internal/ident"
	"github.com/atelierhq/atelier-collab/internal/logging"
	"github.com/atelierhq/atelier-collab/internal/notify"
	"github.com/atelierhq/atelier-collab/internal/relay"
	"github.com/atelierhq/atelier-collab/internal/scene"
	"github.com/atelierhq/atelier-collab/internal/server"
	"github.com/atelierhq/atelier-collab/internal/session"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "atelier-collab",
		Short: "Atelier real-time collaboration service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Access token TTL in minutes")
	cmd.PersistentFlags().Int("scene-flush-delay-ms", defaults.GetInt("scene.flush_delay_ms"), "Scene snapshot debounce delay in milliseconds")
	cmd.PersistentFlags().Int("scene-idle-timeout-minutes", defaults.GetInt("scene.idle_timeout_minutes"), "Idle minutes before a scene document is evicted")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "scene.flush_delay_ms", "scene-flush-delay-ms")
	bindFlag(cmd, "scene.idle_timeout_minutes", "scene-idle-timeout-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

func runServer(ctx context.Context) error {
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

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        "atelier-auth",
		Audience:      "atelier-collab",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	idProvider := ident.NewUUIDProvider()

	snapshotAdapter, err := scene.NewGormSnapshotAdapter(scene.GormSnapshotAdapterConfig{Database: db})
	if err != nil {
		return err
	}
	store, err := scene.NewStore(scene.StoreConfig{
		Adapter:     snapshotAdapter,
		FlushDelay:  appConfig.SceneFlushDelay,
		IdleTimeout: appConfig.SceneIdleTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	dispatcher := notify.NewDispatcher()
	notificationService, err := notify.NewService(notify.ServiceConfig{
		Database:   db,
		Dispatcher: dispatcher,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	approvalService, err := approval.NewService(approval.ServiceConfig{
		Database:   db,
		Notifier:   notificationService,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	wsRelay, err := relay.NewRelay(relay.Config{
		Store:         store,
		Sessions:      session.NewRegistry(),
		Tokens:        tokenManager,
		Notifications: dispatcher,
		IDProvider:    idProvider,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:  tokenManager,
		Relay:         wsRelay,
		Notifications: notificationService,
		Approvals:     approvalService,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeCtx, stopStore := context.WithCancel(context.Background())
	defer stopStore()
	go store.Run(storeCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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
		store.FlushAll(shutdownCtx)
		return shutdownErr
	case err := <-errCh:
		return err
	}
}
