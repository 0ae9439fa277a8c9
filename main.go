package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	tea "charm.land/bubbletea/v2"
	"github.com/go-authgate/authsession/credential"
	"github.com/go-authgate/authsession/login"
	"github.com/go-authgate/authsession/session"
	"github.com/go-authgate/authsession/tui"
)

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	for _, w := range cfg.warnings() {
		fmt.Fprintln(os.Stderr, "⚠️  "+w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if isTTY() {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Go(func() {
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		})

		// Log lines would tear the TUI.
		logger := slog.New(slog.DiscardHandler)
		runErr := run(ctx, cfg, tui.NewProgramDisplayer(p), logger)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
		if runErr != nil {
			os.Exit(1)
		}
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel}))
	if err := run(ctx, cfg, tui.NewPlainDisplayer(os.Stderr), logger); err != nil {
		os.Exit(1)
	}
}

// app holds the wired session stack for one run.
type app struct {
	cfg      *config
	d        tui.Displayer
	logger   *slog.Logger
	store    credential.Store
	location string
	flow     *login.Flow
	client   *session.Client

	refreshes atomic.Int32
	ended     atomic.Bool
}

// Refreshing counts refresh attempts before forwarding to the displayer.
func (a *app) Refreshing() {
	a.refreshes.Add(1)
	a.d.Refreshing()
}

func (a *app) AccessTokenRejected(requestID string) { a.d.AccessTokenRejected(requestID) }
func (a *app) Queued(requestID string, depth int)   { a.d.Queued(requestID, depth) }
func (a *app) RefreshOK()                           { a.d.RefreshOK() }
func (a *app) RefreshFailed(err error)              { a.d.RefreshFailed(err) }
func (a *app) Replaying(requestID string)           { a.d.Replaying(requestID) }

// SessionEnded marks the session for re-authentication once the current
// batch of calls has drained.
func (a *app) SessionEnded(_ context.Context, err error) {
	a.ended.Store(true)
	a.d.SessionEnded(err)
}

func run(ctx context.Context, cfg *config, d tui.Displayer, logger *slog.Logger) error {
	d.Banner(cfg.serverURL, cfg.tokenStore)

	a, cleanup, err := newApp(cfg, d, logger)
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer cleanup()

	token, err := a.store.Load(ctx)
	switch {
	case err == nil:
		d.TokensFound(token.Expiry)
	case errors.Is(err, credential.ErrNotFound):
		d.TokensNotFound()
		if err := a.login(ctx); err != nil {
			d.Fatal(err)
			return err
		}
	default:
		d.Fatal(err)
		return err
	}

	start := time.Now()
	summary := a.dispatch(ctx)

	// The refresh secret was rejected: log in again and retry the batch once.
	if a.ended.Load() {
		if err := a.login(ctx); err != nil {
			d.Fatal(err)
			return err
		}
		a.ended.Store(false)
		summary = a.dispatch(ctx)
	}

	summary.Elapsed = time.Since(start)
	summary.Refreshes = int(a.refreshes.Load())
	if token, err := a.client.Token(ctx); err == nil && token != nil {
		summary.Preview = token.AccessToken
		if len(summary.Preview) > 50 {
			summary.Preview = summary.Preview[:50]
		}
		summary.TokenType = token.Type()
		if !token.Expiry.IsZero() {
			summary.ExpiresIn = time.Until(token.Expiry).Round(time.Second)
		}
	}
	d.Done(summary)

	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d API calls failed", summary.Failed, cfg.concurrency)
	}
	return nil
}

func newApp(cfg *config, d tui.Displayer, logger *slog.Logger) (*app, func(), error) {
	retryClient, httpClient, err := newRetryClient(logger)
	if err != nil {
		return nil, nil, err
	}

	transport, err := session.NewHTTPTransport(cfg.serverURL, retryClient, logger)
	if err != nil {
		return nil, nil, err
	}
	refreshTransport, err := session.NewRefreshTransport(cfg.serverURL, httpClient, logger)
	if err != nil {
		return nil, nil, err
	}

	store, location, cleanup, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	a := &app{
		cfg:      cfg,
		d:        d,
		logger:   logger,
		store:    store,
		location: location,
		flow:     login.NewFlow(cfg.serverURL, cfg.clientID, retryClient),
	}

	a.client, err = session.NewClient(session.Config{
		Transport:      transport,
		Store:          store,
		Refresher:      session.NewEndpointRefresher(refreshTransport, cfg.refreshPath, cfg.clientID),
		Notifier:       a,
		Observer:       a,
		RefreshTimeout: cfg.refreshTimeout,
		Logger:         logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return a, cleanup, nil
}

// newRetryClient builds the retrying client for API calls and the plain
// http.Client underneath it. The cookie jar carries the refresh secret for
// servers that issue it as a cookie, so the refresh transport reuses the same
// http.Client.
func newRetryClient(logger *slog.Logger, opts ...retry.Option) (*retry.Client, *http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	baseHTTPClient := &http.Client{
		Jar: jar,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	// Wrap with retry logic using go-httpretry
	client, err := retry.NewBackgroundClient(append([]retry.Option{
		retry.WithHTTPClient(baseHTTPClient),
		retry.WithLogger(logger),
	}, opts...)...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	return client, baseHTTPClient, nil
}

// openStore returns the configured credential store, a human readable
// location and a cleanup function.
func openStore(cfg *config) (credential.Store, string, func(), error) {
	noop := func() {}

	switch cfg.tokenStore {
	case storeMemory:
		return credential.NewMemoryStore(nil), "memory", noop, nil

	case storeRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, "", nil, fmt.Errorf("connect to redis at %s: %w", cfg.redisAddr, err)
		}
		store, err := credential.NewRedisStore(rdb, cfg.redisPrefix, cfg.clientID)
		if err != nil {
			_ = rdb.Close()
			return nil, "", nil, err
		}
		return store, "redis://" + cfg.redisAddr, func() { _ = rdb.Close() }, nil

	default:
		store, err := credential.NewFileStore(cfg.tokenFile, cfg.clientID)
		if err != nil {
			return nil, "", nil, err
		}
		return store, store.Path(), noop, nil
	}
}

// login runs the device flow and stores the issued credential.
func (a *app) login(ctx context.Context) error {
	token, err := a.flow.Run(ctx, a.d)
	if err != nil {
		return err
	}
	a.saveToken(ctx, token)
	return nil
}

func (a *app) saveToken(ctx context.Context, token *oauth2.Token) {
	if err := a.store.Save(ctx, token); err != nil {
		a.d.TokenSaveFailed(err)
		return
	}
	a.d.TokenSaved(a.location)
}

// dispatch fires the configured number of concurrent calls and waits for all
// of them.
func (a *app) dispatch(ctx context.Context) tui.Summary {
	a.d.Dispatching(a.cfg.concurrency)

	var succeeded, failed atomic.Int32
	var wg sync.WaitGroup
	for range a.cfg.concurrency {
		wg.Go(func() {
			req := session.NewRequest(http.MethodGet, a.cfg.apiPath, nil)
			resp, err := a.client.Do(ctx, req)
			if err == nil && !resp.OK() {
				err = fmt.Errorf("status %d: %s", resp.StatusCode, preview(resp.Body))
			}
			if err != nil {
				failed.Add(1)
				a.logger.WarnContext(ctx, "api call failed",
					slog.String("request_id", req.ID()),
					slog.Any("error", err),
				)
				a.d.APICallFailed(req.ID(), err)
				return
			}
			succeeded.Add(1)
			a.d.APICallOK(req.ID(), resp.StatusCode)
		})
	}
	wg.Wait()

	return tui.Summary{Succeeded: int(succeeded.Load()), Failed: int(failed.Load())}
}

func preview(body []byte) string {
	const limit = 120
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

var (
	_ session.Observer = (*app)(nil)
	_ session.Notifier = (*app)(nil)
)
