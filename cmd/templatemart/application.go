package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/templatemart/internal/apiclient"
	"github.com/tyemirov/templatemart/internal/auth"
	"github.com/tyemirov/templatemart/internal/cart"
	"github.com/tyemirov/templatemart/internal/config"
	"github.com/tyemirov/templatemart/internal/market"
	"github.com/tyemirov/templatemart/internal/session"
	"github.com/tyemirov/templatemart/internal/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// application holds the services one command invocation works with.
type application struct {
	logger   *zap.Logger
	store    storage.Storage
	sessions *session.Manager
	client   *apiclient.Client
	auth     *auth.Service
	cart     *cart.Cart
	catalog  *market.Catalog
	orders   *market.Orders
}

func newApplication(ctx context.Context, clientConfig config.Client, stderr io.Writer) (*application, error) {
	logger, loggerErr := newCommandLogger(clientConfig.LogLevel, stderr)
	if loggerErr != nil {
		return nil, loggerErr
	}
	store, storeErr := openStateStorage(ctx, clientConfig.StorageURL, logger)
	if storeErr != nil {
		return nil, storeErr
	}

	sessions := session.NewManager(store, logger)
	client, clientErr := apiclient.New(sessions, apiclient.Options{
		BaseURL:         clientConfig.BaseURL,
		HTTPClient:      &http.Client{Timeout: clientConfig.RequestTimeout},
		Logger:          logger,
		Metrics:         apiclient.NewLoggingMetrics(nil, logger),
		Redirector:      loginNotice(stderr),
		CoalesceRefresh: clientConfig.CoalesceRefresh,
	})
	if clientErr != nil {
		return nil, clientErr
	}
	basket := cart.Load(ctx, store, logger)
	return &application{
		logger:   logger,
		store:    store,
		sessions: sessions,
		client:   client,
		auth:     auth.NewService(client, sessions, logger),
		cart:     basket,
		catalog:  market.NewCatalog(client, logger),
		orders:   market.NewOrders(client, basket, logger),
	}, nil
}

// runWithApplication loads the client configuration and builds the services
// before invoking run.
func runWithApplication(configuration *viper.Viper, run func(command *cobra.Command, app *application, arguments []string) error) func(*cobra.Command, []string) error {
	return func(command *cobra.Command, arguments []string) error {
		clientConfig, loadErr := config.LoadClient(configuration)
		if loadErr != nil {
			return loadErr
		}
		app, appErr := newApplication(commandContext(command), clientConfig, command.ErrOrStderr())
		if appErr != nil {
			return appErr
		}
		defer func() { _ = app.logger.Sync() }()
		return run(command, app, arguments)
	}
}

func commandContext(command *cobra.Command) context.Context {
	if ctx := command.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// loginNotice is the command-line counterpart of redirecting to the login page.
func loginNotice(stderr io.Writer) apiclient.Redirector {
	return apiclient.RedirectFunc(func(ctx context.Context, reason string) {
		_, _ = fmt.Fprintf(stderr, "Session expired (%s). Run `templatemart login` to sign in again.\n", reason)
	})
}

func openStateStorage(ctx context.Context, storageURL string, logger *zap.Logger) (storage.Storage, error) {
	if storageURL == "" {
		path, pathErr := defaultStatePath()
		if pathErr != nil {
			return nil, pathErr
		}
		fileStorage, fileErr := storage.NewFileStorage(path)
		if fileErr != nil {
			return nil, fileErr
		}
		logger.Debug("using default state file", zap.String("path", path))
		return fileStorage, nil
	}
	store, label, openErr := storage.Open(ctx, storageURL)
	if openErr != nil {
		return nil, openErr
	}
	logger.Debug("using state storage", zap.String("backend", label))
	return store, nil
}

func defaultStatePath() (string, error) {
	directory, dirErr := os.UserConfigDir()
	if dirErr != nil {
		return "", fmt.Errorf("config.state_dir: %w", dirErr)
	}
	return filepath.Join(directory, "templatemart", "state.yaml"), nil
}

func newCommandLogger(level string, stderr io.Writer) (*zap.Logger, error) {
	parsedLevel, parseErr := zapcore.ParseLevel(level)
	if parseErr != nil {
		return nil, fmt.Errorf("config.invalid_log_level: %w", parseErr)
	}
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(stderr), parsedLevel)
	return zap.New(core), nil
}
