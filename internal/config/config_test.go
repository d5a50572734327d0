package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("server.port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.Subprotocol != "contentgen.v1" {
		t.Errorf("server.subprotocol = %q, want contentgen.v1", cfg.Server.Subprotocol)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		t.Errorf("server.allowed_origins = %v, want [*]", cfg.Server.AllowedOrigins)
	}
	if cfg.Server.IdleTimeout != 120*time.Second {
		t.Errorf("server.idle_timeout = %v, want 2m0s", cfg.Server.IdleTimeout)
	}
	if cfg.Upstream.MaxRetries != 3 {
		t.Errorf("upstream.max_retries = %d, want 3", cfg.Upstream.MaxRetries)
	}
	if cfg.Upstream.ConnectTimeout != 60*time.Second {
		t.Errorf("upstream.connect_timeout = %v, want 1m0s", cfg.Upstream.ConnectTimeout)
	}
	if cfg.Upstream.Analysis.ReadTimeout != 10*time.Second {
		t.Errorf("analysis read_timeout = %v, want 10s", cfg.Upstream.Analysis.ReadTimeout)
	}
	if cfg.Upstream.Generation.ReadTimeout != 60*time.Second {
		t.Errorf("generation read_timeout = %v, want 1m0s", cfg.Upstream.Generation.ReadTimeout)
	}
	if cfg.Registry.TTL != 10*time.Minute {
		t.Errorf("registry.ttl = %v, want 10m0s", cfg.Registry.TTL)
	}
	if cfg.Pipeline.HistoryTokenBudget != 4000 {
		t.Errorf("pipeline.history_token_budget = %d, want 4000", cfg.Pipeline.HistoryTokenBudget)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("storage.type = %q, want memory", cfg.Storage.Type)
	}
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("server.port = %d, want 8080", cfg.Server.Port)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
  allowed_origins: ["https://cms.example.com"]
upstream:
  api_key: ${CONTENTGEN_TEST_KEY}
  analysis:
    model: small-model
    temperature: 0.2
  generation:
    model: big-model
    max_tokens: 2048
storage:
  type: sqlite
  sqlite:
    path: /tmp/runs.db
license:
  plan: pro
  valid: true
  expires_at: 2030-01-02T03:04:05Z
`)
	t.Setenv("CONTENTGEN_TEST_KEY", "sk-test")
	t.Setenv("CONTENTGEN_SERVER__PORT", "9100")
	t.Setenv("CONTENTGEN_UPSTREAM__GENERATION__READ_TIMEOUT", "90s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("server.port = %d, want env override 9100", cfg.Server.Port)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://cms.example.com" {
		t.Errorf("server.allowed_origins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Upstream.APIKey != "sk-test" {
		t.Errorf("upstream.api_key = %q, want substituted sk-test", cfg.Upstream.APIKey)
	}

	models := cfg.Upstream.Models()
	if models.Analysis.Model != "small-model" || models.Analysis.Temperature == nil || *models.Analysis.Temperature != 0.2 {
		t.Errorf("analysis params = %+v", models.Analysis)
	}
	if models.Analysis.ReadTimeout != 10*time.Second {
		t.Errorf("analysis read timeout = %v, want default 10s", models.Analysis.ReadTimeout)
	}
	if models.Generation.Model != "big-model" || models.Generation.MaxTokens != 2048 {
		t.Errorf("generation params = %+v", models.Generation)
	}
	if models.Generation.Temperature != nil {
		t.Errorf("generation temperature = %v, want unset", *models.Generation.Temperature)
	}
	if models.Generation.ReadTimeout != 90*time.Second {
		t.Errorf("generation read timeout = %v, want env override 90s", models.Generation.ReadTimeout)
	}

	if cfg.Storage.Type != "sqlite" || cfg.Storage.SQLite.Path != "/tmp/runs.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}

	lic := cfg.License.Payload()
	if lic.Plan != "pro" || !lic.Valid {
		t.Errorf("license payload = %+v", lic)
	}
	want := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC).UnixMilli()
	if lic.ExpiresAt != want {
		t.Errorf("license expiresAt = %d, want %d", lic.ExpiresAt, want)
	}
}

func TestLoad_ZeroTemperature(t *testing.T) {
	path := writeConfig(t, `
upstream:
  analysis:
    temperature: 0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := cfg.Upstream.Models().Analysis.Temperature
	if got == nil || *got != 0 {
		t.Errorf("analysis temperature = %v, want explicit 0", got)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown storage", "storage:\n  type: redis\n"},
		{"negative retries", "upstream:\n  max_retries: -1\n"},
		{"port out of range", "server:\n  port: 70000\n"},
		{"unknown log format", "logging:\n  format: xml\n"},
		{"malformed yaml", "server: [port\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("Load() error = nil, want error")
			}
		})
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		input string
		want  string
	}{
		{"${TEST_VAR}", "test-value"},
		{"prefix-${TEST_VAR}-suffix", "prefix-test-value-suffix"},
		{"no-vars", "no-vars"},
		{"${NONEXISTENT_VAR_FOR_TEST}", ""},
	}
	for _, tt := range tests {
		if got := substituteEnvVars(tt.input); got != tt.want {
			t.Errorf("substituteEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "upstream:\n  generation:\n    model: first\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	if err := Watch(ctx, path, nil, func(cfg *Config) { changes <- cfg }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("upstream:\n  generation:\n    model: second\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			// A write can surface as several events; the last content wins.
			if cfg.Upstream.Generation.Model == "second" {
				return
			}
		case <-deadline:
			t.Fatal("no reload observed after rewriting the config file")
		}
	}
}

func TestWatch_EmptyPath(t *testing.T) {
	if err := Watch(context.Background(), "", nil, func(*Config) {}); err == nil {
		t.Error("Watch(\"\") error = nil, want error")
	}
}
