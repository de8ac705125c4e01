package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"github.com/SwissDataScienceCenter/renku-ui/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("BFF_CONFIG"), "Path to optional YAML config")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading BFF_* variables")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := loadEnvFile(*envFile); err != nil {
		log.Fatalf("load env file: %v", err)
	}

	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = "./config.yaml"
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration template written", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if args := flag.Args(); len(args) > 0 && args[0] == "connect" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		provider, err := server.NewOIDCProvider(ctx, cfg.OIDC, logger)
		if err != nil {
			log.Fatalf("discover provider: %v", err)
		}
		baseURL := strings.TrimSuffix(cfg.Server.PublicURL, "/") + cfg.Server.RootPath + "/login"
		if err := runConnect(ctx, provider, baseURL, logger, nil); err != nil {
			logger.Error("provider connectivity failed", "error", err)
			os.Exit(1)
		}
		logger.Info("provider connectivity succeeded", "issuer", cfg.OIDC.IssuerURL)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	validateStartupURLs(ctx, cfg, logger)
	cancel()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	defer application.Close()

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	// No write timeout: proxied API streams and downloads may run for as long as
	// api.timeout allows.
	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.ListenAddr, "root_path", cfg.Server.RootPath)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}

		httpRedirect := &http.Server{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:              cfg.Server.HTTPSListenAddr,
			Handler:           handler,
			TLSConfig:         tlsCfg,
			ReadHeaderTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "root_path", cfg.Server.RootPath)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// loadEnvFile applies a dotenv file without overriding variables already set.
// A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// runConnect walks the provider's login redirect chain once to prove the
// authorization endpoint is reachable from here.
func runConnect(ctx context.Context, provider server.IdentityProvider, baseURL string, logger *slog.Logger, httpClient *http.Client) error {
	if provider == nil {
		return errors.New("provider required")
	}

	authURL := provider.AuthorizationURL(baseURL, randomHex(8))
	logger.Info("connect.start", "auth_url", authURL)

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	originalRedirect := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		logger.Info("connect.redirect", "step", len(via)+1, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { client.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}
	return nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func runConfigInit(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	return writeConfigFile(path, server.DefaultConfig())
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating configuration URLs...")
	for name, target := range checkTargets(cfg) {
		if err := validateURL(ctx, target); err != nil {
			logger.Error("URL validation failed", "target", name, "url", target, "error", err)
		} else {
			logger.Info("URL is accessible", "target", name, "url", target)
		}
	}
	logger.Info("configuration validation complete")
	return nil
}

// validateStartupURLs only warns; the server still starts when a check fails.
func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	for name, target := range checkTargets(cfg) {
		if err := validateURL(ctx, target); err != nil {
			logger.Warn("upstream may not be accessible",
				"target", name,
				"url", target,
				"error", err,
				"note", "server will continue but requests may fail")
		} else {
			logger.Debug("upstream is accessible", "target", name, "url", target)
		}
	}
}

func checkTargets(cfg server.Config) map[string]string {
	return map[string]string{
		"oidc": strings.TrimSuffix(cfg.OIDC.IssuerURL, "/") + "/.well-known/openid-configuration",
		"api":  cfg.API.RootURL,
	}
}

func validateURL(ctx context.Context, urlStr string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
