package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Token store backends.
const (
	storeFile   = "file"
	storeRedis  = "redis"
	storeMemory = "memory"
)

type config struct {
	serverURL      string
	clientID       string
	tokenStore     string
	tokenFile      string
	redisAddr      string
	redisPrefix    string
	refreshPath    string
	refreshTimeout time.Duration
	apiPath        string
	concurrency    int
	logLevel       slog.Level
}

// loadConfig reads configuration with priority flag > env > default. A .env
// file in the working directory is loaded first if present.
func loadConfig(args []string, stderr io.Writer) (*config, error) {
	// Ignore error if .env is not found
	_ = godotenv.Load()

	fs := flag.NewFlagSet("authsession", flag.ContinueOnError)
	fs.SetOutput(stderr)
	flagServerURL := fs.String(
		"server-url",
		"",
		"OAuth server URL (default: http://localhost:8080 or SERVER_URL env)",
	)
	flagClientID := fs.String("client-id", "", "OAuth client ID (required, or set CLIENT_ID env)")
	flagTokenStore := fs.String("token-store", "", "Token store: file, redis or memory (default: file)")
	flagTokenFile := fs.String(
		"token-file",
		"",
		"Token storage file (default: .authgate-tokens.json or TOKEN_FILE env)",
	)
	flagRedisAddr := fs.String("redis-addr", "", "Redis address for -token-store=redis (default: localhost:6379)")
	flagRedisPrefix := fs.String("redis-prefix", "", "Redis key prefix (default: authsession)")
	flagRefreshPath := fs.String("refresh-path", "", "Refresh endpoint path (default: /oauth/token)")
	flagRefreshTimeout := fs.String("refresh-timeout", "", "Upper bound for one refresh (default: 10s)")
	flagAPIPath := fs.String("api-path", "", "API path called by the demo (default: /oauth/tokeninfo)")
	flagConcurrency := fs.String("concurrency", "", "Number of concurrent API calls (default: 5)")
	flagLogLevel := fs.String("log-level", "", "Log level: debug, info, warn, error (default: warn)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &config{
		serverURL:   getConfig(*flagServerURL, "SERVER_URL", "http://localhost:8080"),
		clientID:    getConfig(*flagClientID, "CLIENT_ID", ""),
		tokenStore:  strings.ToLower(getConfig(*flagTokenStore, "TOKEN_STORE", storeFile)),
		tokenFile:   getConfig(*flagTokenFile, "TOKEN_FILE", ".authgate-tokens.json"),
		redisAddr:   getConfig(*flagRedisAddr, "REDIS_ADDR", "localhost:6379"),
		redisPrefix: getConfig(*flagRedisPrefix, "REDIS_PREFIX", "authsession"),
		refreshPath: getConfig(*flagRefreshPath, "REFRESH_PATH", "/oauth/token"),
		apiPath:     getConfig(*flagAPIPath, "API_PATH", "/oauth/tokeninfo"),
	}

	if err := validateServerURL(cfg.serverURL); err != nil {
		return nil, fmt.Errorf("invalid SERVER_URL: %w", err)
	}
	if cfg.clientID == "" {
		return nil, errors.New("CLIENT_ID not set (use -client-id, CLIENT_ID env or .env file)")
	}

	switch cfg.tokenStore {
	case storeFile, storeRedis, storeMemory:
	default:
		return nil, fmt.Errorf("unknown TOKEN_STORE %q (want file, redis or memory)", cfg.tokenStore)
	}

	var err error
	cfg.refreshTimeout, err = time.ParseDuration(
		getConfig(*flagRefreshTimeout, "REFRESH_TIMEOUT", "10s"),
	)
	if err != nil || cfg.refreshTimeout <= 0 {
		return nil, errors.New("invalid REFRESH_TIMEOUT: must be a positive duration")
	}

	cfg.concurrency, err = strconv.Atoi(getConfig(*flagConcurrency, "CONCURRENCY", "5"))
	if err != nil || cfg.concurrency < 1 {
		return nil, errors.New("invalid CONCURRENCY: must be a positive integer")
	}

	if err := cfg.logLevel.UnmarshalText(
		[]byte(getConfig(*flagLogLevel, "LOG_LEVEL", "warn")),
	); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

// warnings returns non-fatal configuration problems worth showing the user.
func (c *config) warnings() []string {
	var out []string
	if strings.HasPrefix(strings.ToLower(c.serverURL), "http://") {
		out = append(out,
			"WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
			"This is only safe for local development. Use HTTPS in production.",
		)
	}
	if _, err := uuid.Parse(c.clientID); err != nil {
		out = append(out,
			fmt.Sprintf("Warning: CLIENT_ID doesn't appear to be a valid UUID: %s", c.clientID),
			"This may cause authentication issues if the server expects UUID format.",
		)
	}
	return out
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}
