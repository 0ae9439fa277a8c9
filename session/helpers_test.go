package session

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// fakeAPI accepts exactly one access token and answers 401 to anything else.
type fakeAPI struct {
	mu     sync.Mutex
	valid  string
	auths  []string
	ids    []string
	onSend func(n int)
}

func (a *fakeAPI) Send(
	ctx context.Context,
	method, path string,
	header http.Header,
	_ []byte,
) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	auth := header.Get("Authorization")
	a.mu.Lock()
	a.auths = append(a.auths, auth)
	a.ids = append(a.ids, header.Get(requestIDHeader))
	n := len(a.auths)
	valid := a.valid
	hook := a.onSend
	a.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if auth != "Bearer "+valid {
		return &Response{
			StatusCode: http.StatusUnauthorized,
			Body:       []byte(`{"error":"invalid_token"}`),
		}, nil
	}
	return &Response{StatusCode: http.StatusOK, Body: []byte(method + " " + path)}, nil
}

func (a *fakeAPI) exchanges() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.auths)
}

// sendOrder returns the request ids sent with token, in send order.
func (a *fakeAPI) sendOrder(token string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var ids []string
	for i, auth := range a.auths {
		if auth == "Bearer "+token {
			ids = append(ids, a.ids[i])
		}
	}
	return ids
}

func (a *fakeAPI) sentWith(token string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, auth := range a.auths {
		if auth == "Bearer "+token {
			n++
		}
	}
	return n
}

// gatedRefresher blocks every refresh until release is closed.
type gatedRefresher struct {
	calls   atomic.Int32
	release chan struct{}
	token   string
	err     error
}

func newGatedRefresher(token string) *gatedRefresher {
	return &gatedRefresher{release: make(chan struct{}), token: token}
}

func (r *gatedRefresher) open() *gatedRefresher {
	close(r.release)
	return r
}

func (r *gatedRefresher) Refresh(ctx context.Context, _ *oauth2.Token) (*oauth2.Token, error) {
	r.calls.Add(1)
	select {
	case <-r.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	return &oauth2.Token{AccessToken: r.token, TokenType: "Bearer"}, nil
}

type recordingObserver struct {
	NoopObserver

	mu       sync.Mutex
	events   []string
	onReplay func(id string)
}

func (o *recordingObserver) record(event string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
}

func (o *recordingObserver) AccessTokenRejected(id string) { o.record("rejected:" + id) }
func (o *recordingObserver) Queued(id string, _ int)       { o.record("queued:" + id) }
func (o *recordingObserver) Refreshing()                   { o.record("refreshing") }
func (o *recordingObserver) RefreshOK()                    { o.record("refresh-ok") }
func (o *recordingObserver) RefreshFailed(error)           { o.record("refresh-failed") }

func (o *recordingObserver) Replaying(id string) {
	if o.onReplay != nil {
		o.onReplay(id)
	}
	o.record("replay:" + id)
}

// with returns the recorded events starting with prefix, prefix stripped.
func (o *recordingObserver) with(prefix string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, e := range o.events {
		if rest, ok := strings.CutPrefix(e, prefix); ok {
			out = append(out, rest)
		}
	}
	return out
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c
}

type result struct {
	resp *Response
	err  error
}

func dispatchAsync(ctx context.Context, c *Client, req *Request) <-chan result {
	ch := make(chan result, 1)
	go func() {
		resp, err := c.Do(ctx, req)
		ch <- result{resp: resp, err: err}
	}()
	return ch
}

func namedRequest(id string) *Request {
	req := NewRequest(http.MethodGet, "/items/"+id, nil)
	req.id = id
	return req
}

func waitResult(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("request did not complete")
		return result{}
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}
