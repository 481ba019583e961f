package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/templatemart/internal/config"
	"github.com/tyemirov/templatemart/internal/devbackend"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var newServerLogger = func() (*zap.Logger, error) {
	return zap.NewProduction()
}

func newServeCommand(configuration *viper.Viper) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the development marketplace backend",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			return runServe(command, configuration)
		},
	}

	flags := serveCmd.Flags()
	flags.String(config.KeyListenAddr, ":8080", "HTTP listen address")
	flags.String(config.KeyJWTSigningKey, "", "HS256 signing secret for access tokens")
	flags.Duration(config.KeyAccessTTL, 15*time.Minute, "Access token TTL")
	flags.Duration(config.KeyRefreshTTL, 60*24*time.Hour, "Refresh token TTL")
	flags.String(config.KeyDatabaseURL, "", "Database URL for refresh tokens (postgres:// or sqlite://; leave empty for in-memory store)")
	flags.Bool(config.KeyEnableCORS, false, "Enable CORS for browser clients")
	flags.StringSlice(config.KeyCORSAllowedOrigins, []string{}, "Allowed origins when CORS is enabled")
	flags.String(config.KeyDownloadBaseURL, "", "Base URL of purchased template archives")
	flags.String(config.KeyAdminEmail, "", "Seed an administrator with this email")
	flags.String(config.KeyAdminPassword, "", "Password of the seeded administrator")

	for _, key := range []string{
		config.KeyListenAddr, config.KeyJWTSigningKey, config.KeyAccessTTL, config.KeyRefreshTTL,
		config.KeyDatabaseURL, config.KeyEnableCORS, config.KeyCORSAllowedOrigins,
		config.KeyDownloadBaseURL, config.KeyAdminEmail, config.KeyAdminPassword,
	} {
		_ = configuration.BindPFlag(key, flags.Lookup(key))
	}
	return serveCmd
}

func runServe(command *cobra.Command, configuration *viper.Viper) error {
	serverConfig, loadErr := config.LoadServer(configuration)
	if loadErr != nil {
		return loadErr
	}
	logger, loggerErr := newServerLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	ctx := commandContext(command)
	handler, buildErr := buildBackendHandler(ctx, serverConfig, logger)
	if buildErr != nil {
		return buildErr
	}

	server := &http.Server{
		Addr:              serverConfig.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-signalCtx.Done()
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", serverConfig.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func buildBackendHandler(ctx context.Context, serverConfig config.Server, logger *zap.Logger) (http.Handler, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(devbackend.RequestLogger(logger))

	if serverConfig.EnableCORS {
		corsMiddleware, corsErr := devbackend.ConfigureCORS(logger, serverConfig.CORSAllowedOrigins)
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
	}

	clock := devbackend.NewSystemClock()
	var refreshStore devbackend.RefreshTokenStore
	if serverConfig.DatabaseURL != "" {
		persistentStore, storeErr := devbackend.NewDatabaseRefreshTokenStore(ctx, serverConfig.DatabaseURL, clock)
		if storeErr != nil {
			return nil, storeErr
		}
		refreshStore = persistentStore
		logger.Info("using persistent refresh token store", zap.String("driver", persistentStore.Driver()))
	} else {
		refreshStore = devbackend.NewMemoryRefreshTokenStore(clock)
		logger.Info("using in-memory refresh token store")
	}

	backend, backendErr := devbackend.New(devbackend.Config{
		SigningKey:      serverConfig.JWTSigningKey,
		AccessTTL:       serverConfig.AccessTTL,
		RefreshTTL:      serverConfig.RefreshTTL,
		DownloadBaseURL: serverConfig.DownloadBaseURL,
	}, devbackend.NewMemoryAccounts(0), refreshStore, devbackend.NewCatalog(devbackend.DefaultTemplates(), clock), clock, logger)
	if backendErr != nil {
		return nil, backendErr
	}
	if serverConfig.AdminEmail != "" {
		if _, seedErr := backend.SeedAccount(ctx, "Administrator", serverConfig.AdminEmail, serverConfig.AdminPassword, devbackend.RoleAdmin); seedErr != nil {
			return nil, fmt.Errorf("serve.seed_admin: %w", seedErr)
		}
		logger.Info("seeded administrator", zap.String("email", serverConfig.AdminEmail))
	}
	backend.Mount(router)
	return router, nil
}
