package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/coman3/YetAnotherProxyManager/internal/agent"
	"github.com/coman3/YetAnotherProxyManager/internal/config"
	"github.com/coman3/YetAnotherProxyManager/internal/logger"
)

func main() {
	var (
		envFile    = flag.StringP("env-file", "e", ".env", "dotenv file to load before reading the environment")
		routesFile = flag.StringP("routes", "r", "", "routes file (YAML)")
		hubURL     = flag.StringP("hub", "u", "", "hub WebSocket URL for change notifications")
		hubToken   = flag.StringP("token", "t", "", "hub bearer token")
		opsAddr    = flag.String("ops-addr", "", "listen address for /metrics, /status and /healthz")
		logLevel   = flag.StringP("log-level", "l", "", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if *routesFile != "" {
		cfg.RoutesFile = *routesFile
	}
	if *hubURL != "" {
		cfg.HubURL = *hubURL
	}
	if *hubToken != "" {
		cfg.HubToken = *hubToken
	}
	if *opsAddr != "" {
		cfg.OpsAddr = *opsAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid log level", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(level)

	logger.Info("starting yapm", "routes", cfg.RoutesFile, "hub", cfg.HubURL, "ops_addr", cfg.OpsAddr)

	ag, err := agent.New(cfg)
	if err != nil {
		logger.Error("failed to start agent", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ag.Run(ctx); err != nil {
		logger.Error("agent failed", "error", err)
		os.Exit(1)
	}
}
