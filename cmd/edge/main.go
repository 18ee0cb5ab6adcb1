// The edge binary runs the public-facing proxy on the internet host. It
// rate-limits and signs inbound traffic, then forwards it over the
// private transport (typically an SSH reverse tunnel) to the gateway.
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

	"github.com/tanvu/inferbridge/internal/config"
	"github.com/tanvu/inferbridge/internal/edge"
	"github.com/tanvu/inferbridge/internal/envelope"
	"github.com/tanvu/inferbridge/internal/ratelimit"
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

	shutdownTracer, err := telemetry.Init("inferbridge-edge", logger)
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
		logger.Warn("GATEWAY_SECRET is not set: forwarded requests are UNSIGNED and the private host cannot authenticate them")
	}

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, ratelimit.DefaultMaxClients)

	var opts []edge.Option
	if cfg.EngineOverride != "" {
		logger.Warn("ENGINE_OVERRIDE set: all traffic pinned to one engine",
			slog.String("engine", cfg.EngineOverride))
		opts = append(opts, edge.WithEngineOverride(cfg.EngineOverride))
	}
	proxy := edge.New(cfg.LocalBackendURL, limiter, signer,
		cfg.ConnectTimeout, cfg.ReadTimeout, logger, opts...)

	// No per-request timeout middleware here: the client connection must
	// outlive the gateway's full engine cascade.
	srv := server.New("inferbridge-edge", cfg.EdgePort, 0, logger)
	proxy.Routes(srv.Router)

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
