// Package config loads the activation service configuration.
//
// Values come from three layers applied in order: built-in defaults, an
// optional YAML file, then environment variables. Secrets are normally only
// supplied through the environment.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables read by Load.
const (
	EnvConfigFile      = "ACTIVATION_CONFIG"
	EnvHTTPAddr        = "ACTIVATION_HTTP_ADDR"
	EnvGRPCAddr        = "ACTIVATION_GRPC_ADDR"
	EnvPostgresDSN     = "ACTIVATION_PG_DSN"
	EnvRedisAddr       = "ACTIVATION_REDIS_ADDR"
	EnvRedisPassword   = "ACTIVATION_REDIS_PASSWORD"
	EnvSessionSecret   = "ACTIVATION_SESSION_SECRET"
	EnvCodePepper      = "ACTIVATION_CODE_PEPPER"
	EnvAuditFailClosed = "ACTIVATION_AUDIT_FAIL_CLOSED"
	EnvLogLevel        = "LOG_LEVEL"
)

// Config is the full service configuration.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	GRPC       GRPCConfig       `yaml:"grpc"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	Activation ActivationConfig `yaml:"activation"`
	Audit      AuditConfig      `yaml:"audit"`
	Log        LogConfig        `yaml:"log"`
}

// HTTPConfig configures the public and admin HTTP listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// TrustProxy makes the client origin come from X-Forwarded-For.
	TrustProxy bool `yaml:"trust_proxy"`
	// FloodRPS and FloodBurst size the per-IP token bucket in front of the
	// sliding-window limits.
	FloodRPS        float64       `yaml:"flood_rps"`
	FloodBurst      int           `yaml:"flood_burst"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// GRPCConfig configures the health service listener. Empty Addr disables it.
type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// PostgresConfig selects the durable store. Empty DSN means in-memory.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig selects the shared rate-limit store. Empty Addr means in-memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SecretsConfig holds key material.
type SecretsConfig struct {
	// SessionSecret signs session credentials; at least 32 bytes.
	SessionSecret string `yaml:"session_secret"`
	// CodePepper keys the secret lookup hash; 64 hex characters.
	CodePepper string `yaml:"code_pepper"`
}

// ActivationConfig tunes the activation engine.
type ActivationConfig struct {
	LockoutThreshold int           `yaml:"lockout_threshold"`
	DefaultTTL       time.Duration `yaml:"default_ttl"`
	Retention        time.Duration `yaml:"retention"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	PreviewFloor     time.Duration `yaml:"preview_floor"`
	CompleteFloor    time.Duration `yaml:"complete_floor"`
	Limits           LimitsConfig  `yaml:"limits"`
}

// LimitsConfig are the sliding-window budgets of the public operations.
type LimitsConfig struct {
	PreviewPerOrigin      LimitConfig `yaml:"preview_per_origin"`
	CompletePerOrigin     LimitConfig `yaml:"complete_per_origin"`
	CompletePerCredential LimitConfig `yaml:"complete_per_credential"`
}

// LimitConfig is one budget.
type LimitConfig struct {
	Count  int           `yaml:"count"`
	Window time.Duration `yaml:"window"`
}

// AuditConfig tunes the audit trail.
type AuditConfig struct {
	FailClosed    bool          `yaml:"fail_closed"`
	BufferSize    int           `yaml:"buffer_size"`
	Retries       int           `yaml:"retries"`
	Timeout       time.Duration `yaml:"timeout"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used before the file and environment.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			FloodRPS:        20,
			FloodBurst:      40,
			MaxBodyBytes:    16 << 10,
			ShutdownTimeout: 10 * time.Second,
		},
		Activation: ActivationConfig{
			LockoutThreshold: 5,
			DefaultTTL:       72 * time.Hour,
			Retention:        365 * 24 * time.Hour,
			SweepInterval:    time.Hour,
			PreviewFloor:     250 * time.Millisecond,
			CompleteFloor:    500 * time.Millisecond,
			Limits: LimitsConfig{
				PreviewPerOrigin:      LimitConfig{Count: 10, Window: time.Minute},
				CompletePerOrigin:     LimitConfig{Count: 10, Window: time.Hour},
				CompletePerCredential: LimitConfig{Count: 10, Window: time.Hour},
			},
		},
		Audit: AuditConfig{
			BufferSize:    10000,
			Retries:       2,
			Timeout:       500 * time.Millisecond,
			FlushInterval: 5 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the configuration from path (or ACTIVATION_CONFIG when path is
// empty) and the environment. A missing path is not an error.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path == "" {
		path, _ = lookup(EnvConfigFile)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		EnvHTTPAddr:      &c.HTTP.Addr,
		EnvGRPCAddr:      &c.GRPC.Addr,
		EnvPostgresDSN:   &c.Postgres.DSN,
		EnvRedisAddr:     &c.Redis.Addr,
		EnvRedisPassword: &c.Redis.Password,
		EnvSessionSecret: &c.Secrets.SessionSecret,
		EnvCodePepper:    &c.Secrets.CodePepper,
		EnvLogLevel:      &c.Log.Level,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	if v, ok := lookup(EnvAuditFailClosed); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAuditFailClosed, err)
		}
		c.Audit.FailClosed = b
	}
	return nil
}

// Pepper decodes the lookup-hash key.
func (c *Config) Pepper() ([]byte, error) {
	return hex.DecodeString(c.Secrets.CodePepper)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.FloodRPS <= 0 || c.HTTP.FloodBurst <= 0 {
		errs = append(errs, errors.New("http.flood_rps and http.flood_burst must be positive"))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("http.max_body_bytes must be positive"))
	}
	if len(c.Secrets.SessionSecret) < 32 {
		errs = append(errs, fmt.Errorf("%s must be at least 32 bytes", EnvSessionSecret))
	}
	if p, err := c.Pepper(); err != nil || len(p) != 32 {
		errs = append(errs, fmt.Errorf("%s must be 64 hex characters", EnvCodePepper))
	}

	a := c.Activation
	if a.LockoutThreshold < 1 {
		errs = append(errs, errors.New("activation.lockout_threshold must be at least 1"))
	}
	if a.DefaultTTL < time.Hour || a.DefaultTTL > 720*time.Hour {
		errs = append(errs, errors.New("activation.default_ttl must be between 1h and 720h"))
	}
	if a.Retention <= 0 || a.SweepInterval <= 0 {
		errs = append(errs, errors.New("activation.retention and activation.sweep_interval must be positive"))
	}
	if a.PreviewFloor < 0 || a.CompleteFloor < 0 {
		errs = append(errs, errors.New("activation latency floors cannot be negative"))
	}
	for name, l := range map[string]LimitConfig{
		"preview_per_origin":      a.Limits.PreviewPerOrigin,
		"complete_per_origin":     a.Limits.CompletePerOrigin,
		"complete_per_credential": a.Limits.CompletePerCredential,
	} {
		if l.Count < 1 || l.Window <= 0 {
			errs = append(errs, fmt.Errorf("activation.limits.%s needs a positive count and window", name))
		}
	}

	if c.Audit.BufferSize < 1 || c.Audit.Retries < 0 || c.Audit.Timeout <= 0 || c.Audit.FlushInterval <= 0 {
		errs = append(errs, errors.New("audit settings must be positive"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Log.Level))
	}

	return errors.Join(errs...)
}
