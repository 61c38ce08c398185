package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/randalmurphal/quakerelay/pkg/quakerelay/dispatch"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/reject"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/store"
)

// Settings is the typed relay configuration. Each field can be overridden
// by the QUAKERELAY_* variable in its env tag.
type Settings struct {
	// Shards partitions the event table. Default: 32
	Shards int `env:"QUAKERELAY_SHARDS"`

	// MaxPending caps each subscriber mailbox; a subscriber that reaches it
	// is cut off. Default: 0 (unbounded)
	MaxPending int `env:"QUAKERELAY_MAX_PENDING"`

	// MaxSubscribers limits subscriptions. Default: 0 (unlimited)
	MaxSubscribers int `env:"QUAKERELAY_MAX_SUBSCRIBERS"`

	// RetryAttempts is the delivery attempts per sink message, counting the
	// first. Default: 1 (no retry)
	RetryAttempts int `env:"QUAKERELAY_RETRY_ATTEMPTS"`

	// RetryBackoff is the wait before the first redelivery; it doubles up
	// to RetryMaxBackoff. Default: 200ms
	RetryBackoff time.Duration `env:"QUAKERELAY_RETRY_BACKOFF"`

	// RetryMaxBackoff caps the redelivery wait. Default: 5s
	RetryMaxBackoff time.Duration `env:"QUAKERELAY_RETRY_MAX_BACKOFF"`

	// RejectLogSize bounds the rejection log. Default: 1000
	RejectLogSize int `env:"QUAKERELAY_REJECT_LOG_SIZE"`

	// RejectRawBytes caps stored rejected bodies. Default: 4096
	RejectRawBytes int `env:"QUAKERELAY_REJECT_RAW_BYTES"`

	// JournalPath is a SQLite file or a postgres:// URL. Empty keeps the
	// journal in memory.
	JournalPath string `env:"QUAKERELAY_JOURNAL_PATH"`

	// LogLevel is debug, info, warn or error. Default: info
	LogLevel string `env:"QUAKERELAY_LOG_LEVEL"`

	// LogFormat is json or text. Default: json
	LogFormat string `env:"QUAKERELAY_LOG_FORMAT"`

	// Metrics enables OpenTelemetry metrics.
	Metrics bool `env:"QUAKERELAY_METRICS"`

	// Tracing enables OpenTelemetry spans.
	Tracing bool `env:"QUAKERELAY_TRACING"`

	// PrometheusAddr, when set, is where the relay serves /metrics.
	PrometheusAddr string `env:"QUAKERELAY_PROMETHEUS_ADDR"`
}

// DefaultSettings provides reasonable defaults.
var DefaultSettings = Settings{
	Shards:          store.DefaultConfig.Shards,
	RetryAttempts:   dispatch.NoRetry.MaxAttempts,
	RetryBackoff:    dispatch.DefaultRetry.InitialBackoff,
	RetryMaxBackoff: dispatch.DefaultRetry.MaxBackoff,
	RejectLogSize:   reject.DefaultConfig.MaxSize,
	RejectRawBytes:  reject.DefaultConfig.MaxRawBytes,
	LogLevel:        "info",
	LogFormat:       "json",
}

// ErrInvalidSettings wraps every settings validation failure.
var ErrInvalidSettings = errors.New("invalid settings")

// FromConfig reads Settings from a Config, filling defaults.
func FromConfig(cfg Config) (Settings, error) {
	s := fromConfig(cfg)
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func fromConfig(cfg Config) Settings {
	d := DefaultSettings
	s := Settings{
		Shards:          cfg.Int("store.shards", d.Shards),
		MaxPending:      cfg.Int("dispatch.max_pending", d.MaxPending),
		MaxSubscribers:  cfg.Int("dispatch.max_subscribers", d.MaxSubscribers),
		RetryAttempts:   cfg.Int("dispatch.retry.max_attempts", d.RetryAttempts),
		RetryBackoff:    cfg.Duration("dispatch.retry.initial_backoff", d.RetryBackoff),
		RetryMaxBackoff: cfg.Duration("dispatch.retry.max_backoff", d.RetryMaxBackoff),
		RejectLogSize:   cfg.Int("reject.max_size", d.RejectLogSize),
		RejectRawBytes:  cfg.Int("reject.max_raw_bytes", d.RejectRawBytes),
		JournalPath:     cfg.String("journal.path", d.JournalPath),
		LogLevel:        strings.ToLower(cfg.String("log.level", d.LogLevel)),
		LogFormat:       strings.ToLower(cfg.String("log.format", d.LogFormat)),
		Metrics:         cfg.Bool("telemetry.metrics", d.Metrics),
		Tracing:         cfg.Bool("telemetry.tracing", d.Tracing),
		PrometheusAddr:  cfg.String("telemetry.prometheus_addr", d.PrometheusAddr),
	}
	return s
}

// Load reads Settings from a YAML or JSON file, then applies environment
// overrides. An empty path falls back to QUAKERELAY_CONFIG; with neither,
// defaults plus environment are used.
func Load(path string) (Settings, error) {
	s := DefaultSettings
	if path = ResolvePath(path); path != "" {
		cfg, err := FromFile(path)
		if err != nil {
			return Settings{}, err
		}
		s = fromConfig(cfg)
	}
	return ApplyEnv(s)
}

// ApplyEnv overrides s with any QUAKERELAY_* variables that are set and
// validates the result.
func ApplyEnv(s Settings) (Settings, error) {
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse env: %w", err)
	}
	s.LogLevel = strings.ToLower(s.LogLevel)
	s.LogFormat = strings.ToLower(s.LogFormat)
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate reports the first out-of-range setting.
func (s Settings) Validate() error {
	switch {
	case s.Shards <= 0:
		return fmt.Errorf("%w: store.shards must be > 0, got %d", ErrInvalidSettings, s.Shards)
	case s.MaxPending < 0:
		return fmt.Errorf("%w: dispatch.max_pending must be >= 0, got %d", ErrInvalidSettings, s.MaxPending)
	case s.MaxSubscribers < 0:
		return fmt.Errorf("%w: dispatch.max_subscribers must be >= 0, got %d", ErrInvalidSettings, s.MaxSubscribers)
	case s.RetryAttempts < 1:
		return fmt.Errorf("%w: dispatch.retry.max_attempts must be >= 1, got %d", ErrInvalidSettings, s.RetryAttempts)
	case s.RetryBackoff < 0 || s.RetryMaxBackoff < 0:
		return fmt.Errorf("%w: dispatch.retry backoff must not be negative", ErrInvalidSettings)
	case s.RejectLogSize <= 0:
		return fmt.Errorf("%w: reject.max_size must be > 0, got %d", ErrInvalidSettings, s.RejectLogSize)
	case s.RejectRawBytes <= 0:
		return fmt.Errorf("%w: reject.max_raw_bytes must be > 0, got %d", ErrInvalidSettings, s.RejectRawBytes)
	}
	if _, err := parseLevel(s.LogLevel); err != nil {
		return err
	}
	if s.LogFormat != "json" && s.LogFormat != "text" {
		return fmt.Errorf("%w: log.format must be json or text, got %q", ErrInvalidSettings, s.LogFormat)
	}
	return nil
}

func parseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w: unknown log.level %q", ErrInvalidSettings, level)
}

// Logger builds a structured logger writing to w.
func (s Settings) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(s.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if s.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// StoreConfig returns the event table configuration.
func (s Settings) StoreConfig() store.Config {
	return store.Config{Shards: s.Shards}
}

// DispatchConfig returns the dispatcher limits. Callers add the logger,
// metrics and spans.
func (s Settings) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		MaxPending:     s.MaxPending,
		MaxSubscribers: s.MaxSubscribers,
	}
}

// RetryPolicy returns the sink redelivery policy.
func (s Settings) RetryPolicy() dispatch.RetryPolicy {
	return dispatch.RetryPolicy{
		MaxAttempts:    s.RetryAttempts,
		InitialBackoff: s.RetryBackoff,
		MaxBackoff:     s.RetryMaxBackoff,
		BackoffFactor:  dispatch.DefaultRetry.BackoffFactor,
		Jitter:         dispatch.DefaultRetry.Jitter,
	}
}

// RejectConfig returns the rejection log configuration.
func (s Settings) RejectConfig() reject.Config {
	return reject.Config{
		MaxSize:     s.RejectLogSize,
		MaxRawBytes: s.RejectRawBytes,
	}
}
