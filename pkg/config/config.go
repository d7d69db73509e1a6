package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root configuration of the simpledb binary.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	DB     DB           `yaml:"db"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// DB configures the storage engine.
type DB struct {
	// Path is the store root directory holding markers, checkpoints and logs.
	Path string `yaml:"path"`
	// CleanupStale removes checkpoint/log files of other versions on open.
	CleanupStale bool `yaml:"cleanup_stale"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
		},
		DB: DB{
			Path:         "./data",
			CleanupStale: true,
		},
	}
}

// Load reads a YAML config from path on top of Default(). A missing file
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks value ranges that YAML decoding cannot express.
func (c Config) Validate() error {
	if c.DB.Path == "" {
		return errors.New("config: db.path is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: http-server.port %d out of range", c.Server.Port)
	}
	if _, err := c.Logger.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps the configured level name onto slog.Level.
func (l LoggerConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToUpper(l.Level) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("config: unknown logger.level %q", l.Level)
	}
}
