package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/artpar/dualdeploy/internal/core/domain"
	"github.com/artpar/dualdeploy/internal/shell/session"
	"github.com/artpar/dualdeploy/internal/shell/store"
	"github.com/artpar/dualdeploy/internal/shell/tracker"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Store         StoreConfig        `mapstructure:"store"`
	Confirmations ConfirmationConfig `mapstructure:"confirmations"`
	Tracker       TrackerConfig      `mapstructure:"tracker"`
	Batch         BatchConfig        `mapstructure:"batch"`
	Network       NetworkConfig      `mapstructure:"network"`
	Server        ServerConfig       `mapstructure:"server"`
	Log           LogConfig          `mapstructure:"log"`
}

// StoreConfig selects the artifact store.
type StoreConfig struct {
	Driver   string        `mapstructure:"driver"` // "sqlite" or "file"
	DSN      string        `mapstructure:"dsn"`
	Path     string        `mapstructure:"path"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

// ConfirmationConfig holds the finality depths of both ledgers.
type ConfirmationConfig struct {
	Exec   uint64 `mapstructure:"exec"`
	Anchor uint64 `mapstructure:"anchor"`
}

// TrackerConfig holds polling and submission settings.
type TrackerConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ExecTimeout    time.Duration `mapstructure:"exec_timeout"`
	AnchorTimeout  time.Duration `mapstructure:"anchor_timeout"`
	SubmitAttempts int           `mapstructure:"submit_attempts"`
	SubmitBackoff  time.Duration `mapstructure:"submit_backoff"`
}

// BatchConfig holds batch planning settings.
type BatchConfig struct {
	MaxSize int `mapstructure:"max_size"` // 0 means unlimited
}

// NetworkConfig selects the ledgers deployments go to.
type NetworkConfig struct {
	// Mode is "simulated" (in-process ledgers) or "rpc" (real endpoints).
	Mode string `mapstructure:"mode"`

	ExecRPCURL   string `mapstructure:"exec_rpc_url"`
	AnchorAPIURL string `mapstructure:"anchor_api_url"`
	AnchorAPIKey string `mapstructure:"anchor_api_key"`
	RelayerURL   string `mapstructure:"relayer_url"`
	RelayerKey   string `mapstructure:"relayer_key"`

	// DropAfter is how long a transaction may be unknown to the node
	// before it counts as dropped.
	DropAfter time.Duration `mapstructure:"drop_after"`

	// Simulated mode block cadences.
	BlockInterval  time.Duration `mapstructure:"block_interval"`
	AnchorInterval time.Duration `mapstructure:"anchor_interval"`
}

const (
	NetworkSimulated = "simulated"
	NetworkRPC       = "rpc"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("store.driver", store.DriverSQLite)
	v.SetDefault("store.dsn", "dualdeploy.db")
	v.SetDefault("store.path", "deployments.json")
	v.SetDefault("store.lease_ttl", store.DefaultLeaseTTL.String())

	v.SetDefault("confirmations.exec", 1)
	v.SetDefault("confirmations.anchor", 1)

	def := tracker.DefaultConfig()
	v.SetDefault("tracker.poll_interval", def.PollInterval.String())
	v.SetDefault("tracker.exec_timeout", def.ExecTimeout.String())
	v.SetDefault("tracker.anchor_timeout", def.AnchorTimeout.String())
	v.SetDefault("tracker.submit_attempts", def.SubmitAttempts)
	v.SetDefault("tracker.submit_backoff", def.SubmitBackoff.String())

	v.SetDefault("batch.max_size", 0)

	v.SetDefault("network.mode", NetworkSimulated)
	v.SetDefault("network.exec_rpc_url", "")
	v.SetDefault("network.anchor_api_url", "")
	v.SetDefault("network.anchor_api_key", "")
	v.SetDefault("network.relayer_url", "")
	v.SetDefault("network.relayer_key", "")
	v.SetDefault("network.drop_after", "2m")
	v.SetDefault("network.block_interval", "200ms")
	v.SetDefault("network.anchor_interval", "1s")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// A missing file falls back to defaults.
		}
	}

	v.SetEnvPrefix("DUALDEPLOY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Network.Mode {
	case NetworkSimulated:
	case NetworkRPC:
		missing := []struct{ field, value string }{
			{"network.exec_rpc_url", c.Network.ExecRPCURL},
			{"network.anchor_api_url", c.Network.AnchorAPIURL},
			{"network.relayer_url", c.Network.RelayerURL},
		}
		for _, m := range missing {
			if m.value == "" {
				return &session.ConfigurationError{Field: m.field, Message: "required in rpc mode"}
			}
		}
	default:
		return &session.ConfigurationError{
			Field:   "network.mode",
			Message: fmt.Sprintf("unknown mode %q", c.Network.Mode),
		}
	}

	if c.Batch.MaxSize < 0 {
		return &session.ConfigurationError{Field: "batch.max_size", Message: "must not be negative"}
	}
	if err := c.Requirement().Validate(); err != nil {
		return &session.ConfigurationError{Field: "confirmations", Message: "invalid depth", Err: err}
	}
	return nil
}

// Requirement returns the configured confirmation depths.
func (c *Config) Requirement() domain.ConfirmationRequirement {
	return domain.ConfirmationRequirement{
		ExecConfirmations:   c.Confirmations.Exec,
		AnchorConfirmations: c.Confirmations.Anchor,
	}
}

// SessionConfig maps the file layout onto session settings.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		Requirement:  c.Requirement(),
		MaxBatchSize: c.Batch.MaxSize,
		LeaseTTL:     c.Store.LeaseTTL,
		Tracker: tracker.Config{
			PollInterval:   c.Tracker.PollInterval,
			ExecTimeout:    c.Tracker.ExecTimeout,
			AnchorTimeout:  c.Tracker.AnchorTimeout,
			SubmitAttempts: c.Tracker.SubmitAttempts,
			SubmitBackoff:  c.Tracker.SubmitBackoff,
		},
		Store: c.StoreOptions(),
	}
}

// StoreOptions returns the options the store is opened with.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Driver: c.Store.Driver,
		DSN:    c.Store.DSN,
		Path:   c.Store.Path,
	}
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
