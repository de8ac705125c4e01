package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded timing defaults
const (
	DefaultSessionTTL      = 12 * time.Hour
	DefaultAPITimeout      = 5 * time.Minute
	DefaultProviderTimeout = 30 * time.Second
	DefaultDiscoveryTries  = 10
	DefaultDiscoveryWait   = 10 * time.Second
	DefaultAuthorizePath   = "authorize"
	DefaultStoragePath     = "storage/"
)

// Session backends
const (
	SessionBackendMemory = "memory"
	SessionBackendRedis  = "redis"
)

// Config captures the full application configuration loaded from YAML and environment variables.
// It is built once at startup and passed by value; nothing mutates it afterwards.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	OIDC       OIDCConfig       `yaml:"oidc"`
	API        APIConfig        `yaml:"api"`
	Sessions   SessionConfig    `yaml:"sessions"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string    `yaml:"public_url"`
	ListenAddr        string    `yaml:"listen_addr"`
	HTTPListenAddr    string    `yaml:"http_listen_addr"`
	HTTPSListenAddr   string    `yaml:"https_listen_addr"`
	DevMode           bool      `yaml:"dev_mode"`
	RootPath          string    `yaml:"root_path"`
	SecretKey         string    `yaml:"secret_key"`
	CookieDomain      string    `yaml:"cookie_domain"`
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers"`
	TLS               TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// OIDCConfig describes the single upstream OpenID provider.
type OIDCConfig struct {
	IssuerURL         string        `yaml:"issuer_url"`
	RedirectURL       string        `yaml:"redirect_url"`
	ClientID          string        `yaml:"client_id"`
	ClientSecret      string        `yaml:"client_secret"`
	Timeout           time.Duration `yaml:"timeout"`
	DiscoveryAttempts int           `yaml:"discovery_attempts"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
}

// APIConfig points at the upstream API the proxy and download relay talk to.
type APIConfig struct {
	RootURL       string        `yaml:"root_url"`
	AuthorizePath string        `yaml:"authorize_path"`
	StorageURL    string        `yaml:"storage_url"`
	Timeout       time.Duration `yaml:"timeout"`
}

// SessionConfig selects and tunes the session store.
type SessionConfig struct {
	Backend   string        `yaml:"backend"`
	TTL       time.Duration `yaml:"ttl"`
	RedisAddr string        `yaml:"redis_addr"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// MonitoringConfig holds optional observability settings.
type MonitoringConfig struct {
	DSN     string `yaml:"dsn"`
	Metrics bool   `yaml:"metrics"`
}

// LoadConfig reads the optional YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.applyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      "0.0.0.0:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				CacheDir:   ".secrets/tls",
				HSTSMaxAge: 31536000,
			},
		},
		OIDC: OIDCConfig{
			Timeout:           DefaultProviderTimeout,
			DiscoveryAttempts: DefaultDiscoveryTries,
			DiscoveryInterval: DefaultDiscoveryWait,
		},
		API: APIConfig{
			AuthorizePath: DefaultAuthorizePath,
			Timeout:       DefaultAPITimeout,
		},
		Sessions: SessionConfig{
			Backend:   SessionBackendMemory,
			TTL:       DefaultSessionTTL,
			KeyPrefix: "bff:session:",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"BFF_API_URL":                 func(v string) { cfg.API.RootURL = v },
		"BFF_API_TIMEOUT":             func(v string) { cfg.API.Timeout = parseDuration(v, cfg.API.Timeout) },
		"BFF_STORAGE_URL":             func(v string) { cfg.API.StorageURL = v },
		"BFF_OIDC_ISSUER_URL":         func(v string) { cfg.OIDC.IssuerURL = v },
		"BFF_OIDC_REDIRECT_URL":       func(v string) { cfg.OIDC.RedirectURL = v },
		"BFF_CLIENT_ID":               func(v string) { cfg.OIDC.ClientID = v },
		"BFF_OIDC_DISCOVERY_ATTEMPTS": func(v string) { cfg.OIDC.DiscoveryAttempts = parseInt(v, cfg.OIDC.DiscoveryAttempts) },
		"BFF_CLIENT_SECRET":           func(v string) { cfg.OIDC.ClientSecret = v },
		"BFF_SECRET_KEY":              func(v string) { cfg.Server.SecretKey = v },
		"BFF_MONITORING_DSN":          func(v string) { cfg.Monitoring.DSN = v },
		"BFF_METRICS_ENABLED":         func(v string) { cfg.Monitoring.Metrics = parseBool(v, cfg.Monitoring.Metrics) },
		"BFF_ROOT_PATH":               func(v string) { cfg.Server.RootPath = v },
		"BFF_PUBLIC_URL":              func(v string) { cfg.Server.PublicURL = v },
		"BFF_LISTEN_ADDR":             func(v string) { cfg.Server.ListenAddr = v },
		"BFF_DEV_MODE":                func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"BFF_TLS_DOMAINS":             func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"BFF_TLS_EMAIL":               func(v string) { cfg.Server.TLS.Email = v },
		"BFF_SESSION_BACKEND":         func(v string) { cfg.Sessions.Backend = strings.ToLower(strings.TrimSpace(v)) },
		"BFF_SESSION_TTL":             func(v string) { cfg.Sessions.TTL = parseDuration(v, cfg.Sessions.TTL) },
		"BFF_REDIS_ADDR":              func(v string) { cfg.Sessions.RedisAddr = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

// applyDerivedDefaults fills values that depend on other settings.
func (c *Config) applyDerivedDefaults() {
	c.Server.RootPath = normalizeRootPath(c.Server.RootPath)
	if c.API.StorageURL == "" && c.API.RootURL != "" {
		c.API.StorageURL = c.API.RootURL + DefaultStoragePath
	}
}

func normalizeRootPath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.API.RootURL == "" {
		slog.Error("Missing required configuration", "field", "api.root_url")
		return errors.New("api.root_url is required")
	}
	if !isHTTPURL(c.API.RootURL) {
		return fmt.Errorf("api.root_url must start with http:// or https://, got: %s", c.API.RootURL)
	}
	if c.API.StorageURL != "" && !isHTTPURL(c.API.StorageURL) {
		return fmt.Errorf("api.storage_url must start with http:// or https://, got: %s", c.API.StorageURL)
	}
	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}

	if c.OIDC.IssuerURL == "" {
		slog.Error("Missing required configuration", "field", "oidc.issuer_url")
		return errors.New("oidc.issuer_url is required")
	}
	if !isHTTPURL(c.OIDC.IssuerURL) {
		return fmt.Errorf("oidc.issuer_url must start with http:// or https://, got: %s", c.OIDC.IssuerURL)
	}
	if c.OIDC.RedirectURL != "" && !isHTTPURL(c.OIDC.RedirectURL) {
		return fmt.Errorf("oidc.redirect_url must start with http:// or https://, got: %s", c.OIDC.RedirectURL)
	}
	if c.OIDC.ClientID == "" {
		slog.Error("Missing required configuration", "field", "oidc.client_id")
		return errors.New("oidc.client_id is required")
	}

	if c.Server.SecretKey == "" {
		slog.Error("Missing required configuration", "field", "server.secret_key")
		return errors.New("server.secret_key is required")
	}
	if c.Server.PublicURL != "" {
		if _, err := url.Parse(c.Server.PublicURL); err != nil || !isHTTPURL(c.Server.PublicURL) {
			return fmt.Errorf("server.public_url must be an absolute http(s) URL, got: %s", c.Server.PublicURL)
		}
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	switch c.Sessions.Backend {
	case SessionBackendMemory:
	case SessionBackendRedis:
		if c.Sessions.RedisAddr == "" {
			return errors.New("sessions.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("sessions.backend must be %q or %q, got: %s", SessionBackendMemory, SessionBackendRedis, c.Sessions.Backend)
	}
	if c.Sessions.TTL <= 0 {
		return errors.New("sessions.ttl must be positive")
	}

	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
