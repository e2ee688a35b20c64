package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	testPepper = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
)

func envOf(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadDefaultsWithSecretsFromEnv(t *testing.T) {
	cfg, err := load("", envOf(map[string]string{
		EnvSessionSecret: testSecret,
		EnvCodePepper:    testPepper,
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Activation.LockoutThreshold != 5 || cfg.Activation.DefaultTTL != 72*time.Hour {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Activation.Limits.PreviewPerOrigin.Window != time.Minute {
		t.Fatalf("preview window = %s", cfg.Activation.Limits.PreviewPerOrigin.Window)
	}
	p, err := cfg.Pepper()
	if err != nil || len(p) != 32 {
		t.Fatalf("Pepper() = %d bytes, %v", len(p), err)
	}
}

func TestFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activation.yaml")
	yaml := `
http:
  addr: ":9090"
  trust_proxy: true
postgres:
  dsn: postgres://file
activation:
  lockout_threshold: 3
  default_ttl: 48h
  limits:
    complete_per_origin:
      count: 20
      window: 30m
audit:
  fail_closed: true
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := load(path, envOf(map[string]string{
		EnvPostgresDSN:   "postgres://env",
		EnvSessionSecret: testSecret,
		EnvCodePepper:    testPepper,
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" || !cfg.HTTP.TrustProxy {
		t.Fatalf("http = %+v", cfg.HTTP)
	}
	if cfg.Postgres.DSN != "postgres://env" {
		t.Fatalf("environment must override file, got %q", cfg.Postgres.DSN)
	}
	if cfg.Activation.LockoutThreshold != 3 || cfg.Activation.DefaultTTL != 48*time.Hour {
		t.Fatalf("activation = %+v", cfg.Activation)
	}
	l := cfg.Activation.Limits
	if l.CompletePerOrigin.Count != 20 || l.CompletePerOrigin.Window != 30*time.Minute {
		t.Fatalf("complete limit = %+v", l.CompletePerOrigin)
	}
	if l.PreviewPerOrigin.Count != 10 {
		t.Fatalf("unset limits keep defaults, got %+v", l.PreviewPerOrigin)
	}
	if !cfg.Audit.FailClosed || cfg.Log.Level != "debug" {
		t.Fatalf("audit/log = %+v %+v", cfg.Audit, cfg.Log)
	}
}

func TestConfigFileFromEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activation.yaml")
	if err := os.WriteFile(path, []byte("grpc:\n  addr: \":9091\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := load("", envOf(map[string]string{
		EnvConfigFile:    path,
		EnvSessionSecret: testSecret,
		EnvCodePepper:    testPepper,
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GRPC.Addr != ":9091" {
		t.Fatalf("grpc addr = %q", cfg.GRPC.Addr)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activation.yaml")
	if err := os.WriteFile(path, []byte("activation:\n  lockout: 3\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := load(path, envOf(nil)); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"short session secret", func(c *Config) { c.Secrets.SessionSecret = "short" }, EnvSessionSecret},
		{"bad pepper", func(c *Config) { c.Secrets.CodePepper = "zz" }, EnvCodePepper},
		{"ttl out of range", func(c *Config) { c.Activation.DefaultTTL = 1000 * time.Hour }, "default_ttl"},
		{"zero threshold", func(c *Config) { c.Activation.LockoutThreshold = 0 }, "lockout_threshold"},
		{"empty limit", func(c *Config) { c.Activation.Limits.CompletePerCredential.Count = 0 }, "complete_per_credential"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Secrets = SecretsConfig{SessionSecret: testSecret, CodePepper: testPepper}
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestBadBoolEnv(t *testing.T) {
	_, err := load("", envOf(map[string]string{
		EnvSessionSecret:   testSecret,
		EnvCodePepper:      testPepper,
		EnvAuditFailClosed: "sometimes",
	}))
	if err == nil || !strings.Contains(err.Error(), EnvAuditFailClosed) {
		t.Fatalf("expected parse error, got %v", err)
	}
}
