// Package session sends HTTP requests with the current access credential and
// transparently refreshes it when the API answers 401.
//
// Every request goes through Client.Do. When many requests fail at once only
// the first triggers a refresh; the others wait for it and are replayed with
// the new credential, or rejected together if the refresh fails.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-authgate/authsession/credential"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// DefaultRefreshTimeout bounds a single refresh exchange.
const DefaultRefreshTimeout = 10 * time.Second

const requestIDHeader = "X-Request-ID"

type Config struct {
	Transport Transport
	Store     credential.Store
	Refresher Refresher

	// Notifier is told when a refresh fails. Optional.
	Notifier Notifier
	// Observer receives refresh progress events. Optional.
	Observer Observer

	RefreshTimeout time.Duration
	Logger         *slog.Logger
}

// Client is the dispatch entry point. It is safe for concurrent use.
type Client struct {
	transport Transport
	store     credential.Store
	observer  Observer
	logger    *slog.Logger
	coord     *coordinator
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("credential store is required")
	}
	if cfg.Refresher == nil {
		return nil, errors.New("refresher is required")
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RefreshTimeout
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}

	c := &Client{
		transport: cfg.Transport,
		store:     cfg.Store,
		observer:  observer,
		logger:    logger,
	}
	c.coord = &coordinator{
		dispatch:  c.Do,
		store:     cfg.Store,
		refresher: cfg.Refresher,
		notifier:  notifier,
		observer:  observer,
		logger:    logger,
		timeout:   timeout,
	}
	return c, nil
}

// Do sends req with the current credential.
//
// Responses other than 401 are returned as-is, whatever their status.
// Transport failures are returned unchanged and never trigger a refresh. A
// first 401 hands the request to the refresh protocol; the result is the
// replayed response, an *UnauthorizedError if the replay is rejected again, or
// a *RefreshError if the session could not be refreshed.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.id == "" {
		req.id = uuid.NewString()
	}

	token, err := c.currentToken(ctx)
	if err != nil {
		return nil, err
	}

	header := req.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(requestIDHeader, req.id)
	req.sentWith = ""
	if token != nil {
		header.Set("Authorization", token.Type()+" "+token.AccessToken)
		req.sentWith = token.AccessToken
	}

	if hook := req.beforeSend; hook != nil {
		req.beforeSend = nil
		hook()
	}

	resp, err := c.transport.Send(ctx, req.Method, req.Path, header, req.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	if req.retried {
		c.logger.WarnContext(ctx, "request rejected after refresh",
			slog.String("request_id", req.id),
			slog.String("method", req.Method),
			slog.String("path", req.Path),
		)
		return nil, &UnauthorizedError{
			RequestID: req.id,
			Method:    req.Method,
			Path:      req.Path,
			Body:      resp.Body,
		}
	}

	c.observer.AccessTokenRejected(req.id)
	return c.coord.handleUnauthorized(ctx, req)
}

// Get dispatches a GET request for path.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, NewRequest(http.MethodGet, path, nil))
}

// PostJSON dispatches a POST request with v encoded as JSON.
func (c *Client) PostJSON(ctx context.Context, path string, v any) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	req := NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", "application/json")
	return c.Do(ctx, req)
}

// Post dispatches a POST request with a raw body.
func (c *Client) Post(ctx context.Context, path, contentType string, body []byte) (*Response, error) {
	req := NewRequest(http.MethodPost, path, bytes.Clone(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.Do(ctx, req)
}

// Token returns the stored credential, or nil if the session holds none.
func (c *Client) Token(ctx context.Context) (*oauth2.Token, error) {
	return c.currentToken(ctx)
}

// Refreshing reports whether a credential refresh is in flight.
func (c *Client) Refreshing() bool {
	return c.coord.inFlight()
}

func (c *Client) currentToken(ctx context.Context) (*oauth2.Token, error) {
	token, err := c.store.Load(ctx)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	return token, nil
}
