package main

import (
	"log/slog"
	"os"

	"simpledb/pkg/config"
)

// initLogger configures the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) error {
	level, err := cfg.Logger.SlogLevel()
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", "level", level, "json", cfg.Logger.JSON)
	return nil
}
