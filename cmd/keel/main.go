package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/platinummonkey/keel/pkg/config"
	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/server"
)

var configFile = flag.String("config", "", "YAML config file (overrides KEEL_CONFIG_FILE)")

func main() {
	flag.Parse()
	if *configFile != "" {
		os.Setenv("KEEL_CONFIG_FILE", *configFile)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otel, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		_ = otel.Shutdown(context.Background())
		return err
	}

	grpcLis, err := net.Listen("tcp", net.JoinHostPort(cfg.Server.Host, cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC: %w", err)
	}
	httpLis, err := net.Listen("tcp", net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort))
	if err != nil {
		grpcLis.Close()
		return fmt.Errorf("failed to listen for HTTP: %w", err)
	}

	shutdown := observability.NewShutdownManager(logger, srv.GRPC(), cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("otel", otel.Shutdown)

	served := make(chan error, 1)
	go func() {
		served <- srv.Run(ctx, grpcLis, httpLis)
		cancel()
	}()

	logger.WithFields(map[string]interface{}{
		"grpc_port":   cfg.Server.GRPCPort,
		"health_port": cfg.Server.HealthPort,
		"storage":     cfg.Storage.Backend,
	}).Info("keel started")

	// returns on a signal or when Run fails
	shutdownErr := shutdown.WaitForShutdown(ctx)
	cancel()
	runErr := <-served
	if err := srv.Close(context.Background()); err != nil {
		logger.WithError(err).Error("Failed to release connections")
	}
	if runErr != nil {
		return runErr
	}
	return shutdownErr
}
