// The gateway binary runs on the private host behind the tunnel. It
// verifies forwarded requests, scores their complexity, and drives the
// engine cascade.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tanvu/inferbridge/internal/audit"
	"github.com/tanvu/inferbridge/internal/classify"
	"github.com/tanvu/inferbridge/internal/config"
	"github.com/tanvu/inferbridge/internal/engine"
	"github.com/tanvu/inferbridge/internal/envelope"
	"github.com/tanvu/inferbridge/internal/gateway"
	"github.com/tanvu/inferbridge/internal/orchestrator"
	"github.com/tanvu/inferbridge/internal/router"
	"github.com/tanvu/inferbridge/internal/server"
	"github.com/tanvu/inferbridge/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdownTracer, err := telemetry.Init("inferbridge-gateway", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("tracer shutdown failed", slog.String("error", err.Error()))
		}
	}()

	signer := envelope.New(cfg.GatewaySecret, cfg.SignatureMaxAge)
	if !signer.Enabled() {
		logger.Warn("GATEWAY_SECRET is not set: accepting UNAUTHENTICATED requests from the tunnel")
	}

	engines := make(map[string]engine.Engine, len(cfg.Engines))
	engineList := make([]engine.Engine, 0, len(cfg.Engines))
	for _, ec := range cfg.Engines {
		eng, err := engine.New(ec)
		if err != nil {
			log.Fatalf("Failed to build engine %s: %v", ec.ID, err)
		}
		engines[ec.ID] = eng
		engineList = append(engineList, eng)
		logger.Info("engine registered",
			slog.String("id", ec.ID),
			slog.String("type", ec.Type),
			slog.String("model", ec.Model),
		)
	}

	var recorder gateway.Recorder
	if cfg.AuditDBPath != "" {
		store, err := audit.Open(cfg.AuditDBPath)
		if err != nil {
			log.Fatalf("Failed to open audit store: %v", err)
		}
		defer store.Close()
		recorder = store
		logger.Info("audit store enabled", slog.String("path", cfg.AuditDBPath))
	}

	handler := gateway.New(
		signer,
		router.New(classify.New(cfg.Classifier), cfg.Routing),
		orchestrator.New(engines, logger),
		engineList,
		recorder,
		logger,
	)

	srv := server.New("inferbridge-gateway", cfg.GatewayPort, 0, logger)
	handler.Routes(srv.Router)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
