// Package config loads recordflow settings from a YAML file, RECORDFLOW_*
// environment variables and a handful of explicit environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"

	"github.com/roach88/recordflow/internal/audit"
	"github.com/roach88/recordflow/internal/keylock"
	"github.com/roach88/recordflow/internal/rules"
)

// EnvPrefix prefixes every environment variable viper reads, with dots in
// keys replaced by underscores: RECORDFLOW_HTTP_ADDR sets http.addr.
const EnvPrefix = "RECORDFLOW"

// Config holds the configuration for the service.
type Config struct {
	DB struct {
		Path string `mapstructure:"path" env:"RECORDFLOW_DB"`
	} `mapstructure:"db"`

	HTTP struct {
		Addr            string        `mapstructure:"addr" env:"LISTEN_ADDR"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"http"`

	Log struct {
		Level  string `mapstructure:"level" env:"LOG_LEVEL"`
		Format string `mapstructure:"format" env:"LOG_FORMAT"`
	} `mapstructure:"log"`

	Auth struct {
		JWTSecret string        `mapstructure:"jwt_secret" env:"RECORDFLOW_JWT_SECRET"`
		Issuer    string        `mapstructure:"issuer"`
		TokenTTL  time.Duration `mapstructure:"token_ttl"`
	} `mapstructure:"auth"`

	Records struct {
		// LockTTL expires advisory locks; zero keeps them until released.
		LockTTL time.Duration `mapstructure:"lock_ttl"`
	} `mapstructure:"records"`

	Locks struct {
		DeadlockDetection bool          `mapstructure:"deadlock_detection"`
		DeadlockTimeout   time.Duration `mapstructure:"deadlock_timeout"`
	} `mapstructure:"locks"`

	Rules struct {
		ConflictPolicy string `mapstructure:"conflict_policy"`
	} `mapstructure:"rules"`

	Audit struct {
		// HMACKeys is "id=secret,id2=secret2". Empty disables signing.
		HMACKeys    string `mapstructure:"hmac_keys" env:"RECORDFLOW_AUDIT_HMAC_KEYS"`
		ActiveKeyID string `mapstructure:"active_key_id" env:"RECORDFLOW_AUDIT_ACTIVE_KEY_ID"`
		ArchiveDir  string `mapstructure:"archive_dir"`
		ArchiveDSN  string `mapstructure:"archive_dsn" env:"RECORDFLOW_ARCHIVE_DSN"`
		// VerifyInterval runs a full chain verification periodically while
		// serving. Zero disables it.
		VerifyInterval time.Duration `mapstructure:"verify_interval"`
	} `mapstructure:"audit"`

	Workflow struct {
		ConflictRetries int           `mapstructure:"conflict_retries"`
		ConflictBackoff time.Duration `mapstructure:"conflict_backoff"`
		TickParallelism int           `mapstructure:"tick_parallelism"`
		// TickInterval ticks every published schedule workflow while
		// serving. Zero disables the scheduler.
		TickInterval time.Duration `mapstructure:"tick_interval"`
	} `mapstructure:"workflow"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.path", "recordflow.db")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 15*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "recordflow")
	v.SetDefault("auth.token_ttl", 12*time.Hour)
	v.SetDefault("records.lock_ttl", time.Duration(0))
	v.SetDefault("locks.deadlock_detection", false)
	v.SetDefault("locks.deadlock_timeout", time.Duration(0))
	v.SetDefault("rules.conflict_policy", string(rules.PolicyWarn))
	v.SetDefault("audit.hmac_keys", "")
	v.SetDefault("audit.active_key_id", "")
	v.SetDefault("audit.archive_dir", "")
	v.SetDefault("audit.archive_dsn", "")
	v.SetDefault("audit.verify_interval", time.Duration(0))
	v.SetDefault("workflow.conflict_retries", 5)
	v.SetDefault("workflow.conflict_backoff", 10*time.Millisecond)
	v.SetDefault("workflow.tick_parallelism", 4)
	v.SetDefault("workflow.tick_interval", time.Duration(0))
}

// Load reads path when given, otherwise looks for recordflow.yaml in the
// working directory and ./config. A missing file is not an error when no
// path was given.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("recordflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if _, err := rules.ParseConflictPolicy(c.Rules.ConflictPolicy); err != nil {
		return fmt.Errorf("rules.conflict_policy: %w", err)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: must be text or json", c.Log.Format)
	}
	if c.Records.LockTTL < 0 {
		return errors.New("records.lock_ttl must not be negative")
	}
	if c.Locks.DeadlockTimeout < 0 {
		return errors.New("locks.deadlock_timeout must not be negative")
	}
	if c.Workflow.ConflictRetries < 0 || c.Workflow.TickParallelism < 1 {
		return errors.New("workflow.conflict_retries must be >= 0 and workflow.tick_parallelism >= 1")
	}
	if c.Workflow.ConflictBackoff <= 0 {
		return errors.New("workflow.conflict_backoff must be positive")
	}
	if _, err := c.Keyring(); err != nil {
		return err
	}
	return nil
}

// ConflictPolicy returns the parsed rules conflict policy.
func (c *Config) ConflictPolicy() rules.ConflictPolicy {
	p, _ := rules.ParseConflictPolicy(c.Rules.ConflictPolicy)
	return p
}

// Keyring builds the audit signing keyring. It returns nil when signing is
// not configured.
func (c *Config) Keyring() (*audit.Keyring, error) {
	if strings.TrimSpace(c.Audit.HMACKeys) == "" {
		return nil, nil
	}
	keys, err := audit.ParseKeys(c.Audit.HMACKeys)
	if err != nil {
		return nil, fmt.Errorf("audit.hmac_keys: %w", err)
	}
	k, err := audit.NewKeyring(keys, c.Audit.ActiveKeyID)
	if err != nil {
		return nil, fmt.Errorf("audit.active_key_id: %w", err)
	}
	return k, nil
}

// LockDetection returns the go-deadlock settings for keyed locks.
func (c *Config) LockDetection() keylock.Detection {
	return keylock.Detection{Enabled: c.Locks.DeadlockDetection, Timeout: c.Locks.DeadlockTimeout}
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", c.Log.Level, err)
	}
	return lvl, nil
}

// NewLogger builds the structured logger described by the log section.
// verbose forces debug level.
func (c *Config) NewLogger(w io.Writer, verbose bool) *slog.Logger {
	lvl, err := c.LogLevel()
	if err != nil || verbose {
		lvl = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
