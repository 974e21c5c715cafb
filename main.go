package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agarvision/leaf-disease-service/diagnosis"
	"github.com/agarvision/leaf-disease-service/inference"
	"github.com/agarvision/leaf-disease-service/remedies"
	"github.com/joho/godotenv"
)

func setupLogging(cfg Config) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if cfg.Development() {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	slog.SetDefault(logger)
}

func main() {
	dotenvErr := godotenv.Load(".env", ".env.local")

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(2)
	}
	setupLogging(cfg)
	if dotenvErr != nil {
		slog.Info("no dotenv", "err", dotenvErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway := inference.NewGateway(inference.Config{
		ModelPath:    cfg.ModelPath,
		MetadataPath: cfg.MetadataPath,
		LibraryPath:  resolveLibraryPath(cfg.LibraryPath),
		PoolSize:     cfg.PoolSize,
	})
	defer func() {
		if err := gateway.Close(); err != nil {
			slog.Warn("failed to release onnxruntime", "err", err)
		}
	}()

	if cfg.Preload {
		if _, err := gateway.Load(ctx); err != nil {
			slog.Error("failed to load model", "err", err)
			os.Exit(1)
		}
	}

	state := &AppState{
		Predictor: diagnosis.NewPipeline(gateway, remedies.NewStore(cfg.RemediesPath)),
		Metrics:   newServiceMetrics(gateway),
		Debug:     cfg.Development(),
	}

	srv := &http.Server{
		Handler:      state.routes(),
		Addr:         cfg.Addr,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown", "err", err)
		}
	}()

	gatewayCfg := gateway.Config()
	slog.Info("starting server",
		"service", ServiceName,
		"addr", srv.Addr,
		"model", gatewayCfg.ModelPath,
		"metadata", gatewayCfg.MetadataPath,
		"remedies", cfg.RemediesPath,
		"pool_size", gatewayCfg.PoolSize,
		"preload", cfg.Preload)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server failed", "err", err)
		os.Exit(1)
	}
}
