package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/platformbuilds/teleroute/internal/config"
	"github.com/platformbuilds/teleroute/internal/service"
	"github.com/platformbuilds/teleroute/internal/version"
)

func main() {
	cfgPath := flag.String("config", "/etc/teleroute/config.yaml", "path to config yaml")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		log.Printf("teleroute %s (%s/%s)", version.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})).With("service", cfg.Service.Name)
	slog.SetDefault(logger)

	logger.Info("teleroute starting",
		"version", version.Version(),
		"pipelines", len(cfg.Pipelines),
		"exporters", len(cfg.Exporters))

	svc, err := service.New(cfg, logger)
	if err != nil {
		log.Fatalf("build service: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		logger.Error("service exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("teleroute stopped")
}
