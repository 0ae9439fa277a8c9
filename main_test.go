package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	retry "github.com/appleboy/go-httpretry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/go-authgate/authsession/credential"
	"github.com/go-authgate/authsession/session"
	"github.com/go-authgate/authsession/tui"
)

func TestValidateServerURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr string
	}{
		{name: "https", url: "https://auth.example.com"},
		{name: "http with port", url: "http://localhost:8080"},
		{name: "empty", url: "", wantErr: "cannot be empty"},
		{name: "bad scheme", url: "ftp://example.com", wantErr: "scheme must be http or https"},
		{name: "no host", url: "http://", wantErr: "must include a host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateServerURL(tt.url)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoadConfig_Priority(t *testing.T) {
	t.Setenv("SERVER_URL", "https://env.example.com")
	t.Setenv("CLIENT_ID", "env-client")
	t.Setenv("CONCURRENCY", "12")
	t.Setenv("TOKEN_STORE", "")

	cfg, err := loadConfig([]string{"-client-id", "flag-client", "-log-level", "debug"}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.serverURL)
	assert.Equal(t, "flag-client", cfg.clientID)
	assert.Equal(t, 12, cfg.concurrency)
	assert.Equal(t, storeFile, cfg.tokenStore)
	assert.Equal(t, "/oauth/token", cfg.refreshPath)
	assert.Equal(t, 10*time.Second, cfg.refreshTimeout)
	assert.Equal(t, slog.LevelDebug, cfg.logLevel)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "missing client id", args: nil, wantErr: "CLIENT_ID not set"},
		{name: "bad server url", args: []string{"-client-id=c", "-server-url=localhost"}, wantErr: "invalid SERVER_URL"},
		{name: "bad store", args: []string{"-client-id=c", "-token-store=s3"}, wantErr: "unknown TOKEN_STORE"},
		{name: "bad timeout", args: []string{"-client-id=c", "-refresh-timeout=0s"}, wantErr: "invalid REFRESH_TIMEOUT"},
		{name: "bad concurrency", args: []string{"-client-id=c", "-concurrency=0"}, wantErr: "invalid CONCURRENCY"},
		{name: "bad log level", args: []string{"-client-id=c", "-log-level=loud"}, wantErr: "invalid LOG_LEVEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{
				"SERVER_URL", "CLIENT_ID", "TOKEN_STORE", "REFRESH_TIMEOUT", "CONCURRENCY", "LOG_LEVEL",
			} {
				t.Setenv(key, "")
			}
			_, err := loadConfig(tt.args, io.Discard)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfigWarnings(t *testing.T) {
	cfg := &config{serverURL: "http://localhost:8080", clientID: "not-a-uuid"}
	warnings := cfg.warnings()
	require.Len(t, warnings, 4)
	assert.Contains(t, warnings[0], "plaintext")
	assert.Contains(t, warnings[2], "not-a-uuid")

	cfg = &config{serverURL: "https://auth.example.com", clientID: "2f1a4c53-9b0e-4d3f-8f7a-6b1e2c3d4e5f"}
	assert.Empty(t, cfg.warnings())
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	token := &oauth2.Token{AccessToken: "access", TokenType: "Bearer"}

	t.Run("memory", func(t *testing.T) {
		store, location, cleanup, err := openStore(&config{tokenStore: storeMemory, clientID: "c"})
		require.NoError(t, err)
		defer cleanup()
		assert.Equal(t, "memory", location)
		require.NoError(t, store.Save(ctx, token))
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tokens.json")
		store, location, cleanup, err := openStore(&config{tokenStore: storeFile, tokenFile: path, clientID: "c"})
		require.NoError(t, err)
		defer cleanup()
		assert.Equal(t, path, location)
		require.NoError(t, store.Save(ctx, token))
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		store, location, cleanup, err := openStore(&config{
			tokenStore:  storeRedis,
			redisAddr:   mr.Addr(),
			redisPrefix: "test",
			clientID:    "c",
		})
		require.NoError(t, err)
		defer cleanup()
		assert.Equal(t, "redis://"+mr.Addr(), location)
		require.NoError(t, store.Save(ctx, token))
		assert.True(t, mr.Exists("test:c"))
	})

	t.Run("redis unreachable", func(t *testing.T) {
		_, _, _, err := openStore(&config{tokenStore: storeRedis, redisAddr: "127.0.0.1:1", clientID: "c"})
		assert.ErrorContains(t, err, "connect to redis")
	})
}

type summaryDisplayer struct {
	tui.NoopDisplayer
	summary  tui.Summary
	sessions atomic.Int32
}

func (d *summaryDisplayer) Done(s tui.Summary)   { d.summary = s }
func (d *summaryDisplayer) SessionEnded(_ error) { d.sessions.Add(1) }

// authServer issues "fresh" for any valid refresh token and only accepts the
// newest access token on the tokeninfo endpoint.
func authServer(t *testing.T, refreshes *atomic.Int32) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}
		if r.FormValue("grant_type") != "refresh_token" || r.FormValue("refresh_token") != "refresh-1" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		refreshes.Add(1)
		// Keep the refresh in flight long enough for other calls to queue.
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("GET /oauth/tokeninfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh-access-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"active":true}`))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestRun_SingleRefreshForConcurrentCalls(t *testing.T) {
	var refreshes atomic.Int32
	server := authServer(t, &refreshes)

	path := filepath.Join(t.TempDir(), "tokens.json")
	seed, err := credential.NewFileStore(path, "demo-client")
	require.NoError(t, err)
	require.NoError(t, seed.Save(context.Background(), &oauth2.Token{
		AccessToken:  "stale-access-token",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(-time.Minute),
	}))

	cfg := &config{
		serverURL:      server.URL,
		clientID:       "demo-client",
		tokenStore:     storeFile,
		tokenFile:      path,
		refreshPath:    "/oauth/token",
		refreshTimeout: 5 * time.Second,
		apiPath:        "/oauth/tokeninfo",
		concurrency:    8,
	}
	d := &summaryDisplayer{}

	err = run(context.Background(), cfg, d, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	assert.Equal(t, int32(1), refreshes.Load())
	assert.Equal(t, 8, d.summary.Succeeded)
	assert.Zero(t, d.summary.Failed)
	assert.Equal(t, 1, d.summary.Refreshes)
	assert.Zero(t, d.sessions.Load())
	assert.True(t, strings.HasPrefix(d.summary.Preview, "fresh-access-token"))

	// The rotated credential was persisted; the refresh token was kept.
	token, err := seed.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-access-token", token.AccessToken)
	assert.Equal(t, "refresh-1", token.RefreshToken)
}

func TestNewRetryClient_LogsThroughRunLogger(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client, httpClient, err := newRetryClient(logger,
		retry.WithInitialRetryDelay(time.Millisecond),
		retry.WithJitter(false),
	)
	require.NoError(t, err)
	assert.NotNil(t, httpClient.Jar)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := client.DoWithContext(context.Background(), req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), hits.Load())
	assert.Contains(t, buf.String(), "request failed, will retry")
}

func TestNewApp_RefreshIsSentOnce(t *testing.T) {
	var refreshHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, _ *http.Request) {
		refreshHits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("GET /oauth/tokeninfo", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := &config{
		serverURL:      server.URL,
		clientID:       "demo-client",
		tokenStore:     storeMemory,
		refreshPath:    "/oauth/token",
		refreshTimeout: 30 * time.Second,
		apiPath:        "/oauth/tokeninfo",
		concurrency:    1,
	}
	a, cleanup, err := newApp(cfg, tui.NoopDisplayer{}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, a.store.Save(ctx, &oauth2.Token{
		AccessToken:  "stale-access-token",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
	}))

	_, err = a.client.Get(ctx, cfg.apiPath)
	require.ErrorIs(t, err, session.ErrSessionEnded)
	assert.Equal(t, int32(1), refreshHits.Load())
	assert.True(t, a.ended.Load())
}
