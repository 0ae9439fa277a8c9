package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	retry "github.com/appleboy/go-httpretry"
)

// Transport performs one HTTP exchange. Implementations are stateless from the
// session's point of view; a returned error means no response was received.
type Transport interface {
	Send(ctx context.Context, method, path string, header http.Header, body []byte) (*Response, error)
}

// HTTPTransport sends requests relative to a base URL through a retrying HTTP
// client. Connection failures and 5xx answers are retried by the client; 401
// is always returned to the session.
type HTTPTransport struct {
	client  *retry.Client
	baseURL *url.URL
	logger  *slog.Logger
}

// NewHTTPTransport returns a transport for baseURL. A nil client gets the
// retry package defaults; a nil logger uses slog.Default.
func NewHTTPTransport(baseURL string, client *retry.Client, logger *slog.Logger) (*HTTPTransport, error) {
	base := strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("base url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	if client == nil {
		client, err = retry.NewClient()
		if err != nil {
			return nil, fmt.Errorf("create retry client: %w", err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPTransport{client: client, baseURL: parsed, logger: logger}, nil
}

// NewRefreshTransport returns a transport for the refresh endpoint. It shares
// httpClient, and so its cookie jar, with the API transport but sends every
// request exactly once: a refresh answered with 5xx or lost on the network
// fails instead of being retried.
func NewRefreshTransport(baseURL string, httpClient *http.Client, logger *slog.Logger) (*HTTPTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := retry.NewClient(
		retry.WithHTTPClient(httpClient),
		retry.WithMaxRetries(0),
		retry.WithRetryableChecker(func(error, *http.Response) bool { return false }),
		retry.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create refresh client: %w", err)
	}
	return NewHTTPTransport(baseURL, client, logger)
}

func (t *HTTPTransport) Send(
	ctx context.Context,
	method, path string,
	header http.Header,
	body []byte,
) (*Response, error) {
	rawURL, err := t.buildURL(path)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if header != nil {
		req.Header = header.Clone()
	}

	t.logRequest(ctx, method, rawURL, req.Header)

	resp, err := t.client.DoWithContext(ctx, req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	t.logResponse(ctx, resp.StatusCode, respBody)

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

func (t *HTTPTransport) buildURL(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse path: %w", err)
	}
	// Keep the base path (e.g. /api/v1) when path is absolute.
	if strings.HasPrefix(ref.Path, "/") && t.baseURL.Path != "" {
		ref.Path = t.baseURL.Path + ref.Path
	}
	return t.baseURL.ResolveReference(ref).String(), nil
}

func (t *HTTPTransport) logRequest(ctx context.Context, method, rawURL string, header http.Header) {
	if !t.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	t.logger.LogAttrs(ctx, slog.LevelDebug, "http request",
		slog.String("method", method),
		slog.String("url", rawURL),
		slog.String("request_id", header.Get(requestIDHeader)),
		slog.Any("header", redactHeader(header)),
	)
}

func (t *HTTPTransport) logResponse(ctx context.Context, statusCode int, body []byte) {
	if !t.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	attrs := []slog.Attr{slog.Int("status", statusCode)}
	if len(body) > 0 {
		attrs = append(attrs, slog.String("body", truncate(body, 256)))
	}
	t.logger.LogAttrs(ctx, slog.LevelDebug, "http response", attrs...)
}

const redactedValue = "***"

var sensitiveHeaders = map[string]struct{}{
	"Authorization": {},
	"Cookie":        {},
	"Set-Cookie":    {},
}

// redactHeader returns a copy of h with credential-bearing values masked.
func redactHeader(h http.Header) http.Header {
	out := h.Clone()
	for key := range out {
		if _, ok := sensitiveHeaders[http.CanonicalHeaderKey(key)]; ok {
			out[key] = []string{redactedValue}
		}
	}
	return out
}

func truncate(body []byte, max int) string {
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "..."
}

var _ Transport = (*HTTPTransport)(nil)
