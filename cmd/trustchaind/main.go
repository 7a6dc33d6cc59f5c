package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"trustchain/go-backend/internal/composition"
	"trustchain/go-backend/internal/config"
	"trustchain/go-backend/internal/platform/privacylog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	listen := flag.String("listen", "", "HTTP listen address override")
	flag.Parse()
	if *showVersion {
		fmt.Printf("trustchaind version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trustchaind: config: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	logger := slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.Level})))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	daemon, err := composition.NewDaemon(ctx, cfg, logger)
	if err != nil {
		logger.Error("trustchaind failed to initialize", "error", err)
		os.Exit(1)
	}
	logger.Info("trustchaind starting", "version", version, "storage", cfg.Storage.Backend, "listen", cfg.Listen)
	if err := daemon.Run(ctx); err != nil {
		logger.Error("trustchaind failed", "error", err)
		os.Exit(1)
	}
	logger.Info("trustchaind stopped")
}
