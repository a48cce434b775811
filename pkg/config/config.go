// Package config loads server settings from defaults, an optional YAML file and environment overrides, in that
// order.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr      string          `yaml:"addr" validate:"required"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Sync      SyncConfig      `yaml:"sync"`
	Transport TransportConfig `yaml:"transport"`
	Uploads   UploadsConfig   `yaml:"uploads"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

type StorageConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `yaml:"dsn" validate:"required"`
}

type SyncConfig struct {
	PersistTimeout time.Duration `yaml:"persist_timeout" validate:"gte=0"`
	MaxQueue       int           `yaml:"max_queue" validate:"gte=0"`
	Overflow       string        `yaml:"overflow" validate:"oneof=drop-oldest reject-new"`
	FailurePolicy  string        `yaml:"failure_policy" validate:"oneof=drain retain"`
}

type TransportConfig struct {
	SendBuffer         int           `yaml:"send_buffer" validate:"gt=0"`
	CommitBuffer       int           `yaml:"commit_buffer" validate:"gt=0"`
	PingInterval       time.Duration `yaml:"ping_interval" validate:"gt=0"`
	PongTimeout        time.Duration `yaml:"pong_timeout" validate:"gtfield=PingInterval"`
	WriteTimeout       time.Duration `yaml:"write_timeout" validate:"gt=0"`
	MaxMessageBytes    int64         `yaml:"max_message_bytes" validate:"gt=0"`
	MaxEventsPerSecond float64       `yaml:"max_events_per_second" validate:"gte=0"`
	Burst              int           `yaml:"burst" validate:"gte=0"`
}

type UploadsConfig struct {
	Dir      string `yaml:"dir" validate:"required"`
	MaxBytes int64  `yaml:"max_bytes" validate:"gte=0"`
}

func Default() Config {
	return Config{
		Addr:    "localhost:5000",
		Log:     LogConfig{Level: "info", Format: "text"},
		Storage: StorageConfig{Driver: "sqlite", DSN: "clipboard.sqlite3"},
		Sync: SyncConfig{
			PersistTimeout: 5 * time.Second,
			MaxQueue:       1024,
			Overflow:       "drop-oldest",
			FailurePolicy:  "drain",
		},
		Transport: TransportConfig{
			SendBuffer:         256,
			CommitBuffer:       64,
			PingInterval:       30 * time.Second,
			PongTimeout:        60 * time.Second,
			WriteTimeout:       10 * time.Second,
			MaxMessageBytes:    1 << 20,
			MaxEventsPerSecond: 100,
			Burst:              200,
		},
		Uploads: UploadsConfig{Dir: "uploads", MaxBytes: 500 * 1024 * 1024},
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped when path is empty) and then with
// environment variables. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("CLIP_ADDR"); ok {
		c.Addr = v
	}
	if v, ok := lookup("CLIP_LOG_LEVEL"); ok {
		c.Log.Level = strings.ToLower(v)
	}
	if v, ok := lookup("CLIP_DB_DRIVER"); ok {
		c.Storage.Driver = v
	}
	if v, ok := lookup("CLIP_DB_DSN"); ok {
		c.Storage.DSN = v
	}
	if v, ok := lookup("UPLOADS_FOLDER"); ok {
		c.Uploads.Dir = v
	}
	if v, ok := lookup("CLIP_PERSIST_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CLIP_PERSIST_TIMEOUT: %w", err)
		}
		c.Sync.PersistTimeout = d
	}
	if v, ok := lookup("CLIP_MAX_QUEUE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CLIP_MAX_QUEUE: %w", err)
		}
		c.Sync.MaxQueue = n
	}
	return nil
}

func (c Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// NewLogger builds the slog logger described by the log section.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch c.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
