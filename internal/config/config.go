// Package config loads gateway and client settings from an optional YAML
// file, CONTENTGEN_ environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/contentgen-gateway/internal/pipeline"
	"github.com/tjfontaine/contentgen-gateway/internal/protocol"
	"github.com/tjfontaine/contentgen-gateway/internal/upstream"
)

// EnvPrefix prefixes every environment override. Double underscores
// separate nesting levels: CONTENTGEN_SERVER__PORT sets server.port.
const EnvPrefix = "CONTENTGEN_"

// Config is the full gateway and client configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Registry  RegistryConfig  `koanf:"registry"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Storage   StorageConfig   `koanf:"storage"`
	License   LicenseConfig   `koanf:"license"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Client    ClientConfig    `koanf:"client"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	Subprotocol    string        `koanf:"subprotocol"`
	AllowedOrigins []string      `koanf:"allowed_origins"`
	IdleTimeout    time.Duration `koanf:"idle_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
}

type UpstreamConfig struct {
	BaseURL        string        `koanf:"base_url"`
	APIKey         string        `koanf:"api_key"`
	MaxRetries     int           `koanf:"max_retries"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	Analysis       ModelConfig   `koanf:"analysis"`
	Generation     ModelConfig   `koanf:"generation"`
}

// ModelConfig holds per-stage model parameters.
type ModelConfig struct {
	Model       string        `koanf:"model"`
	Temperature *float64      `koanf:"temperature"`
	MaxTokens   int           `koanf:"max_tokens"`
	ReadTimeout time.Duration `koanf:"read_timeout"`
}

// Params converts m to upstream call parameters.
func (m ModelConfig) Params() upstream.Params {
	return upstream.Params{
		Model:       m.Model,
		Temperature: m.Temperature,
		MaxTokens:   m.MaxTokens,
		ReadTimeout: m.ReadTimeout,
	}
}

// Models returns the pipeline's per-stage parameters.
func (u UpstreamConfig) Models() pipeline.Models {
	return pipeline.Models{
		Analysis:   u.Analysis.Params(),
		Generation: u.Generation.Params(),
	}
}

type RegistryConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

type PipelineConfig struct {
	HistoryTokenBudget int    `koanf:"history_token_budget"`
	Encoding           string `koanf:"encoding"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // memory, sqlite, none
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type LicenseConfig struct {
	Plan      string    `koanf:"plan"`
	Valid     bool      `koanf:"valid"`
	ExpiresAt time.Time `koanf:"expires_at"`
}

// Payload renders the license as a LICENSE_UPDATED payload.
func (l LicenseConfig) Payload() protocol.LicensePayload {
	p := protocol.LicensePayload{Plan: l.Plan, Valid: l.Valid}
	if !l.ExpiresAt.IsZero() {
		p.ExpiresAt = l.ExpiresAt.UnixMilli()
	}
	return p
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type ClientConfig struct {
	URL         string `koanf:"url"`
	Subprotocol string `koanf:"subprotocol"`
	Language    string `koanf:"language"`
	ContentPath string `koanf:"content_path"`
}

var defaults = map[string]any{
	"server.port":                      8080,
	"server.subprotocol":               protocol.Subprotocol,
	"server.allowed_origins":           []string{"*"},
	"server.idle_timeout":              "120s",
	"server.write_timeout":             "10s",
	"upstream.base_url":                "https://api.openai.com/v1",
	"upstream.max_retries":             3,
	"upstream.connect_timeout":         "60s",
	"upstream.analysis.model":          "gpt-4o-mini",
	"upstream.analysis.read_timeout":   "10s",
	"upstream.generation.model":        "gpt-4o-mini",
	"upstream.generation.read_timeout": "60s",
	"registry.ttl":                     "10m",
	"pipeline.history_token_budget":    4000,
	"pipeline.encoding":                "cl100k_base",
	"storage.type":                     "memory",
	"storage.sqlite.path":              "contentgen.db",
	"license.plan":                     "free",
	"license.valid":                    true,
	"logging.level":                    "info",
	"logging.format":                   "json",
	"telemetry.service_name":           "contentgen-gateway",
	"client.url":                       "ws://localhost:8080/ws",
	"client.subprotocol":               protocol.Subprotocol,
	"client.language":                  "en",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (if non-empty and present), applies environment
// overrides and fills in defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// A missing file is fine, env vars and defaults still apply.
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Upstream.APIKey = substituteEnvVars(cfg.Upstream.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.Subprotocol == "" {
		return errors.New("server.subprotocol must not be empty")
	}
	if c.Upstream.MaxRetries < 0 {
		return fmt.Errorf("upstream.max_retries must be >= 0, got %d", c.Upstream.MaxRetries)
	}
	switch c.Storage.Type {
	case "memory", "sqlite", "none":
	default:
		return fmt.Errorf("unknown storage.type %q", c.Storage.Type)
	}
	if c.Storage.Type == "sqlite" && c.Storage.SQLite.Path == "" {
		return errors.New("storage.sqlite.path is required for sqlite storage")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
