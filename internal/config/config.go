// Package config loads service configuration from an optional YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"pharmachain/internal/identity"
)

// Journal backends.
const (
	JournalMemory   = "memory"
	JournalPostgres = "postgres"
	JournalPebble   = "pebble"
)

// Auth modes.
const (
	AuthHeader = "header" // trusts an upstream-set header; development or behind an authenticating proxy
	AuthAPIKey = "apikey"
	AuthJWT    = "jwt"
)

// Config is the root configuration shared by the cmd entry points.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Journal   JournalConfig   `yaml:"journal"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
	Gateway   GatewayConfig   `yaml:"gateway"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// JournalConfig selects where mutations are made durable.
type JournalConfig struct {
	Backend     string `yaml:"backend"`
	DatabaseURL string `yaml:"database_url"`
	PebblePath  string `yaml:"pebble_path"`
}

// AuthConfig selects how the caller identity of a request is resolved.
type AuthConfig struct {
	Mode      string         `yaml:"mode"`
	Header    string         `yaml:"header"`
	JWTSecret string         `yaml:"jwt_secret"`
	Keys      []identity.Key `yaml:"keys"`
}

// RateLimitConfig bounds mutating requests across the service. Zero disables it.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GatewayConfig is used by cmd/api only. The gateway drops the caller
// identity header from inbound requests unless TrustIdentityHeader is set,
// which is only meant for local development.
type GatewayConfig struct {
	Addr                string `yaml:"addr"`
	CustodyURL          string `yaml:"custody_url"`
	TrustIdentityHeader bool   `yaml:"trust_identity_header"`
}

// Default returns the local development configuration.
func Default() Config {
	return Config{
		HTTP:      HTTPConfig{Addr: ":8084", ShutdownTimeout: 10 * time.Second},
		Journal:   JournalConfig{Backend: JournalMemory, PebblePath: "data/journal"},
		Auth:      AuthConfig{Mode: AuthHeader, Header: identity.DefaultHeader},
		RateLimit: RateLimitConfig{PerMinute: 600, Burst: 50},
		Telemetry: TelemetryConfig{ServiceName: "pharmachain-custody"},
		Log:       LogConfig{Level: "info", Format: "text"},
		Gateway:   GatewayConfig{Addr: ":8080", CustodyURL: "http://localhost:8084"},
	}
}

// Load reads path (if non-empty) over the defaults, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.HTTP.Addr, "PHARMA_HTTP_ADDR")
	setString(&cfg.Journal.Backend, "PHARMA_JOURNAL")
	setString(&cfg.Journal.DatabaseURL, "DATABASE_URL")
	setString(&cfg.Journal.PebblePath, "PHARMA_PEBBLE_PATH")
	setString(&cfg.Auth.Mode, "PHARMA_AUTH_MODE")
	setString(&cfg.Auth.JWTSecret, "PHARMA_JWT_SECRET")
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Telemetry.ServiceName, "OTEL_SERVICE_NAME")
	setString(&cfg.Log.Level, "PHARMA_LOG_LEVEL")
	setString(&cfg.Log.Format, "PHARMA_LOG_FORMAT")
	setString(&cfg.Gateway.Addr, "PHARMA_GATEWAY_ADDR")
	setString(&cfg.Gateway.CustodyURL, "CUSTODY_SERVICE_URL")

	if err := setInt(&cfg.RateLimit.PerMinute, "PHARMA_RATE_PER_MINUTE"); err != nil {
		return err
	}
	if err := setInt(&cfg.RateLimit.Burst, "PHARMA_RATE_BURST"); err != nil {
		return err
	}
	if err := setBool(&cfg.Gateway.TrustIdentityHeader, "PHARMA_GATEWAY_TRUST_IDENTITY"); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("OTEL_EXPORTER_OTLP_INSECURE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Telemetry.Insecure = b
	}
	return nil
}

// Validate rejects unknown modes and missing settings they require.
func (c Config) Validate() error {
	switch c.Journal.Backend {
	case JournalMemory:
	case JournalPostgres:
		if c.Journal.DatabaseURL == "" {
			return fmt.Errorf("journal backend %q requires database_url", c.Journal.Backend)
		}
	case JournalPebble:
		if c.Journal.PebblePath == "" {
			return fmt.Errorf("journal backend %q requires pebble_path", c.Journal.Backend)
		}
	default:
		return fmt.Errorf("unknown journal backend %q", c.Journal.Backend)
	}

	switch c.Auth.Mode {
	case AuthHeader:
	case AuthAPIKey:
		if len(c.Auth.Keys) == 0 {
			return fmt.Errorf("auth mode %q requires at least one key", c.Auth.Mode)
		}
	case AuthJWT:
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth mode %q requires jwt_secret", c.Auth.Mode)
		}
	default:
		return fmt.Errorf("unknown auth mode %q", c.Auth.Mode)
	}

	if c.RateLimit.PerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}
