package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.API.RootURL = "http://api.local/api/"
	cfg.OIDC.IssuerURL = "http://keycloak.local/auth/realms/renku"
	cfg.OIDC.ClientID = "renku-ui"
	cfg.Server.SecretKey = "test-secret"
	cfg.applyDerivedDefaults()
	return cfg
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `# comment lines are ignored
server:
  secret_key: from-file
  root_path: ui/
api:
  root_url: http://api.local/api/
oidc:
  issuer_url: http://keycloak.local/auth/realms/renku
  client_id: renku-ui
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("BFF_API_TIMEOUT", "30s")
	t.Setenv("BFF_CLIENT_SECRET", "xyz")
	t.Setenv("BFF_SESSION_TTL", "1h")
	t.Setenv("BFF_METRICS_ENABLED", "yes")
	t.Setenv("BFF_OIDC_DISCOVERY_ATTEMPTS", "3")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Server.RootPath != "/ui" {
		t.Fatalf("root path not normalized, got %q", cfg.Server.RootPath)
	}
	if cfg.API.StorageURL != "http://api.local/api/storage/" {
		t.Fatalf("storage url not derived, got %q", cfg.API.StorageURL)
	}
	if cfg.API.Timeout != 30*time.Second {
		t.Fatalf("api timeout override mismatch, got %s", cfg.API.Timeout)
	}
	if cfg.OIDC.ClientSecret != "xyz" {
		t.Fatalf("client secret override mismatch, got %q", cfg.OIDC.ClientSecret)
	}
	if cfg.Sessions.TTL != time.Hour {
		t.Fatalf("session ttl override mismatch, got %s", cfg.Sessions.TTL)
	}
	if !cfg.Monitoring.Metrics {
		t.Fatalf("expected metrics enabled")
	}
	if cfg.OIDC.DiscoveryAttempts != 3 || cfg.OIDC.DiscoveryInterval != DefaultDiscoveryWait {
		t.Fatalf("discovery retry settings mismatch: %d every %s", cfg.OIDC.DiscoveryAttempts, cfg.OIDC.DiscoveryInterval)
	}
	if cfg.Server.SecretKey != "from-file" {
		t.Fatalf("file value lost, got %q", cfg.Server.SecretKey)
	}
}

func TestLoadConfigFromEnvironmentOnly(t *testing.T) {
	t.Setenv("BFF_API_URL", "https://renku.example.org/api/")
	t.Setenv("BFF_OIDC_ISSUER_URL", "http://keycloak:8080/auth/realms/renku")
	t.Setenv("BFF_OIDC_REDIRECT_URL", "https://renku.example.org/auth/realms/renku")
	t.Setenv("BFF_CLIENT_ID", "renku-ui")
	t.Setenv("BFF_SECRET_KEY", "k")
	t.Setenv("BFF_STORAGE_URL", "https://files.example.org/")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.API.AuthorizePath != DefaultAuthorizePath {
		t.Fatalf("authorize path default lost, got %q", cfg.API.AuthorizePath)
	}
	if cfg.API.StorageURL != "https://files.example.org/" {
		t.Fatalf("explicit storage url replaced, got %q", cfg.API.StorageURL)
	}
	if cfg.API.Timeout != DefaultAPITimeout {
		t.Fatalf("api timeout default mismatch, got %s", cfg.API.Timeout)
	}
	if cfg.Sessions.Backend != SessionBackendMemory {
		t.Fatalf("expected memory backend, got %q", cfg.Sessions.Backend)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `server:
  secret_key: s
  unknown_field: value
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("expected error for unknown field")
	}
	if !containsAny(err.Error(), []string{"unknown_field", "not found", "field"}) {
		t.Fatalf("error should mention unknown field, got: %v", err)
	}
}

func TestSplitAndTrimRemovesEmpty(t *testing.T) {
	in := " a , ,b,, c "
	out := splitAndTrim(in)
	expected := []string{"a", "b", "c"}
	if len(out) != len(expected) {
		t.Fatalf("unexpected length: got %d want %d", len(out), len(expected))
	}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("element %d mismatch: got %q want %q", i, out[i], expected[i])
		}
	}
}

func TestParseBoolFallback(t *testing.T) {
	if parseBool("", true) != true {
		t.Fatalf("empty input should return fallback true")
	}
	if parseBool("invalid", false) != false {
		t.Fatalf("invalid input should return fallback false")
	}
	if parseBool("YES", false) != true {
		t.Fatalf("expected true for yes")
	}
	if parseBool("0", true) != false {
		t.Fatalf("expected false for zero")
	}
}

func TestParseDurationFallback(t *testing.T) {
	fallback := 5 * time.Minute
	if parseDuration("bogus", fallback) != fallback {
		t.Fatalf("invalid duration should return fallback")
	}
	if parseDuration("30s", fallback) != 30*time.Second {
		t.Fatalf("parsed duration mismatch")
	}
}

func TestParseIntFallback(t *testing.T) {
	if parseInt("ten", 4) != 4 {
		t.Fatalf("invalid integer should return fallback")
	}
	if parseInt(" 7 ", 4) != 7 {
		t.Fatalf("parsed integer mismatch")
	}
}

func TestNormalizeRootPath(t *testing.T) {
	cases := map[string]string{
		"":        "",
		"/":       "",
		"ui":      "/ui",
		"/ui/":    "/ui",
		" /a/b/ ": "/a/b",
	}
	for in, want := range cases {
		if got := normalizeRootPath(in); got != want {
			t.Fatalf("normalizeRootPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidConfigPasses(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestConfigValidationErrorMessages(t *testing.T) {
	tests := []struct {
		name          string
		setupConfig   func(*Config)
		expectedError []string
	}{
		{
			name:          "missing_api_url",
			setupConfig:   func(c *Config) { c.API.RootURL = "" },
			expectedError: []string{"api.root_url", "required"},
		},
		{
			name:          "invalid_api_url",
			setupConfig:   func(c *Config) { c.API.RootURL = "api.local/api/" },
			expectedError: []string{"http://", "https://"},
		},
		{
			name:          "missing_issuer",
			setupConfig:   func(c *Config) { c.OIDC.IssuerURL = "" },
			expectedError: []string{"oidc.issuer_url"},
		},
		{
			name:          "invalid_redirect_url",
			setupConfig:   func(c *Config) { c.OIDC.RedirectURL = "javascript:alert(1)" },
			expectedError: []string{"oidc.redirect_url"},
		},
		{
			name:          "missing_client_id",
			setupConfig:   func(c *Config) { c.OIDC.ClientID = "" },
			expectedError: []string{"client_id"},
		},
		{
			name:          "missing_secret_key",
			setupConfig:   func(c *Config) { c.Server.SecretKey = "" },
			expectedError: []string{"secret_key"},
		},
		{
			name:          "production_without_domains",
			setupConfig:   func(c *Config) { c.Server.DevMode = false },
			expectedError: []string{"tls.domains"},
		},
		{
			name: "redis_without_addr",
			setupConfig: func(c *Config) {
				c.Sessions.Backend = SessionBackendRedis
				c.Sessions.RedisAddr = ""
			},
			expectedError: []string{"redis_addr"},
		},
		{
			name:          "unknown_backend",
			setupConfig:   func(c *Config) { c.Sessions.Backend = "memcached" },
			expectedError: []string{"sessions.backend"},
		},
		{
			name:          "non_positive_timeout",
			setupConfig:   func(c *Config) { c.API.Timeout = 0 },
			expectedError: []string{"api.timeout"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.setupConfig(&cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !containsAny(err.Error(), tt.expectedError) {
				t.Errorf("error should contain one of %v, got: %v", tt.expectedError, err)
			}
		})
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if substr != "" && strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
