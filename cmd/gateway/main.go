package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/tause-ai/gateway/internal/config"
	"github.com/tause-ai/gateway/internal/gateway"
	"github.com/tause-ai/gateway/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	logger, logCloser, err := logging.New(logging.Config{Level: *logLevel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	if logCloser != nil {
		defer logCloser.Close()
	}
	logging.SetGlobal(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build gateway", zap.Error(err))
	}

	logger.Info("starting gateway",
		zap.String("version", version),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("admin_listen_addr", cfg.AdminListenAddr),
	)

	server := gateway.NewServer(gw)
	if err := server.Run(ctx); err != nil {
		logger.Fatal("gateway stopped with error", zap.Error(err))
	}

	logger.Info("gateway stopped")
}
