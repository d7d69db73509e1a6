package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"simpledb/internal/http"
	"simpledb/pkg/config"
	"simpledb/pkg/metrics"
	"simpledb/pkg/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "simpledb: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := initLogger(&cfg); err != nil {
		return err
	}

	db, err := store.OpenConfig(cfg.DB,
		store.WithLogger(slog.Default()),
		store.WithMetrics(metrics.New(prometheus.DefaultRegisterer)),
	)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("failed to close store", "error", err)
		}
	}()

	server := http.NewServer(db, cfg.Server, prometheus.DefaultGatherer)
	if err := server.Start(); err != nil {
		return err
	}

	slog.Info("simpledb running", "path", db.Path(), "version", db.Version())
	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Error("error stopping server", "error", err)
	}
	slog.Info("simpledb stopped")
	return nil
}
