package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wolfman30/clinicflow/cmd/mainconfig"
	"github.com/wolfman30/clinicflow/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinicflow/internal/config"
	"github.com/wolfman30/clinicflow/internal/observability/tracing"
	"github.com/wolfman30/clinicflow/pkg/logging"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting clinicflow queue engine",
		"env", cfg.Env,
		"port", cfg.Port,
		"event_bus", cfg.EventBus,
		"memory_store", cfg.UseMemoryStore,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		SampleRatio: cfg.OTELSampleRatio,
	}, logger)
	if err != nil {
		logger.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}

	clients, err := awsClients(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	app, err := bootstrap.Build(ctx, cfg, clients, logger)
	if err != nil {
		logger.Error("failed to build queue engine", "error", err)
		os.Exit(1)
	}
	if err := app.Start(ctx); err != nil {
		logger.Error("failed to start queue engine", "error", err)
		_ = app.Close()
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      app.Handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down server...")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		exitCode = 1
	}
	if err := app.Close(); err != nil {
		logger.Error("queue engine shutdown", "error", err)
		exitCode = 1
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", "error", err)
	}

	logger.Info("server stopped")
	if exitCode != 0 {
		cancel()
		stop()
		os.Exit(exitCode)
	}
	fmt.Println("Server exited gracefully")
}

// awsClients builds only the clients the configuration asks for so local
// runs never need AWS credentials.
func awsClients(ctx context.Context, cfg *appconfig.Config) (bootstrap.Clients, error) {
	if !mainconfig.NeedsAWS(cfg) {
		return bootstrap.Clients{}, nil
	}
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return bootstrap.Clients{}, err
	}
	var clients bootstrap.Clients
	if cfg.NotificationQueueURL != "" {
		clients.SQS = mainconfig.NewSQSClient(awsCfg, cfg)
	}
	if cfg.BedrockModelID != "" {
		clients.Bedrock = mainconfig.NewBedrockClient(awsCfg, cfg)
	}
	return clients, nil
}
