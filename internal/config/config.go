// Package config loads pilot settings from a YAML file, PILOT_ environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Pythagora-io/gpt-pilot-sub000/internal/logging"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/retry"
)

// EnvPrefix is prepended to every environment variable, e.g. PILOT_REDIS_ADDR.
const EnvPrefix = "PILOT"

// DefaultFile is the config file looked up in the working directory and in
// $HOME/.config/pilot when none is given.
const DefaultFile = "pilot"

// Config holds every setting the CLI needs.
type Config struct {
	Workspace      string        `mapstructure:"workspace"`
	Database       string        `mapstructure:"database"`
	WorkersFile    string        `mapstructure:"workers_file"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFormat      string        `mapstructure:"log_format"`
	HTTPAddr       string        `mapstructure:"http_addr"`
	MaxTurns       int           `mapstructure:"max_turns"`
	Concurrency    int           `mapstructure:"concurrency"`
	CommitRetries  int           `mapstructure:"commit_retries"`
	MaxRecoveries  int           `mapstructure:"max_recoveries"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	Redis          RedisConfig   `mapstructure:"redis"`
	Retry          retry.Policy  `mapstructure:"retry"`
}

// RedisConfig enables distributed locking when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	policy := retry.DefaultPolicy()

	v.SetDefault("workspace", ".")
	v.SetDefault("database", "")
	v.SetDefault("workers_file", "")
	v.SetDefault("log_level", "warn")
	v.SetDefault("log_format", "text")
	v.SetDefault("http_addr", "")
	v.SetDefault("max_turns", 0)
	v.SetDefault("concurrency", 0)
	v.SetDefault("commit_retries", 3)
	v.SetDefault("max_recoveries", 3)
	v.SetDefault("command_timeout", time.Minute)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "pilot:")
	v.SetDefault("retry.max_attempts", policy.MaxAttempts)
	v.SetDefault("retry.max_validation_retries", policy.MaxValidationRetries)
	v.SetDefault("retry.base_delay", policy.BaseDelay)
	v.SetDefault("retry.max_delay", policy.MaxDelay)
	v.SetDefault("retry.multiplier", policy.Multiplier)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file into v and decodes the result. An explicit path must
// exist; otherwise a missing default file is not an error.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultFile)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "pilot"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.resolve(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// resolve fills the paths derived from the workspace and validates the rest.
func (c *Config) resolve() error {
	abs, err := filepath.Abs(c.Workspace)
	if err != nil {
		return fmt.Errorf("invalid workspace: %w", err)
	}
	c.Workspace = abs
	if c.Database == "" {
		c.Database = filepath.Join(abs, ".pilot", "pilot.db")
	}
	if c.WorkersFile == "" {
		c.WorkersFile = filepath.Join(abs, "workers.yaml")
	}
	if c.CommitRetries < 0 {
		return fmt.Errorf("commit_retries must not be negative, got %d", c.CommitRetries)
	}
	if c.MaxRecoveries < 1 {
		return fmt.Errorf("max_recoveries must be at least 1, got %d", c.MaxRecoveries)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := logging.ParseFormat(c.LogFormat); err != nil {
		return fmt.Errorf("invalid log_format: %w", err)
	}
	return nil
}

// Format parses LogFormat.
func (c Config) Format() logging.Format {
	f, _ := logging.ParseFormat(c.LogFormat)
	return f
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return l, nil
}
