package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-authgate/authsession/credential"
	"golang.org/x/oauth2"
)

type dispatchFunc func(ctx context.Context, req *Request) (*Response, error)

// coordinator runs at most one refresh at a time and parks every other
// unauthorized request until that refresh settles.
type coordinator struct {
	dispatch  dispatchFunc
	store     credential.Store
	refresher Refresher
	notifier  Notifier
	observer  Observer
	logger    *slog.Logger
	timeout   time.Duration

	// mu guards refreshing, queue and issued. The queue is non-empty only
	// while refreshing is true.
	mu         sync.Mutex
	refreshing bool
	queue      waiterQueue
	// issued is the access token of the last successful refresh, empty after
	// a failed one.
	issued string
}

// handleUnauthorized resolves a request that got its first 401.
func (c *coordinator) handleUnauthorized(ctx context.Context, req *Request) (*Response, error) {
	req.retried = true

	// Store I/O stays outside the lock. A read error is returned to this
	// caller only: no refresh is started and nothing is cleared.
	current, err := c.store.Load(ctx)
	switch {
	case errors.Is(err, credential.ErrNotFound):
		current = nil
	case err != nil:
		c.logger.WarnContext(ctx, "load credential failed",
			slog.String("request_id", req.id),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("load credential: %w", err)
	}

	c.mu.Lock()
	if c.refreshing {
		w := newWaiter(ctx, req)
		depth := c.queue.push(w)
		c.mu.Unlock()

		c.observer.Queued(req.id, depth)
		c.logger.DebugContext(ctx, "request queued behind refresh",
			slog.String("request_id", req.id),
			slog.Int("depth", depth),
		)
		return w.wait(ctx)
	}

	if c.rotatedSince(req, current) {
		// A refresh completed while this request was in flight.
		c.mu.Unlock()
		c.observer.Replaying(req.id)
		return c.dispatch(ctx, req)
	}

	c.refreshing = true
	c.mu.Unlock()

	return c.refresh(ctx, req, current)
}

// refresh performs the single refresh exchange as the elected refresher. The
// exchange outlives the caller's cancellation so queued requests are never
// failed by someone else's context; RefreshTimeout bounds it instead.
func (c *coordinator) refresh(ctx context.Context, req *Request, current *oauth2.Token) (*Response, error) {
	detached := context.WithoutCancel(ctx)

	c.observer.Refreshing()
	c.logger.InfoContext(ctx, "refreshing access token", slog.String("request_id", req.id))

	refreshCtx, cancel := context.WithTimeout(detached, c.timeout)
	token, err := c.refresher.Refresh(refreshCtx, current)
	cancel()
	if err != nil {
		return nil, c.fail(detached, err)
	}

	if err := c.store.Save(detached, token); err != nil {
		return nil, c.fail(detached, err)
	}

	waiters := c.settle(token.AccessToken)
	c.observer.RefreshOK()
	c.logger.InfoContext(ctx, "access token refreshed", slog.Int("waiters", len(waiters)))

	c.drain(waiters, nil)

	c.observer.Replaying(req.id)
	return c.dispatch(ctx, req)
}

// fail ends the session: the credential is cleared, every waiter is rejected
// and the notifier fires once.
func (c *coordinator) fail(ctx context.Context, cause error) error {
	err := &RefreshError{Err: cause}

	if clearErr := c.store.Clear(ctx); clearErr != nil {
		c.logger.WarnContext(ctx, "clear credential failed", slog.Any("error", clearErr))
	}

	waiters := c.settle("")
	c.logger.WarnContext(ctx, "access token refresh failed",
		slog.Any("error", cause),
		slog.Int("waiters", len(waiters)),
	)

	c.drain(waiters, err)
	c.observer.RefreshFailed(err)
	c.notifier.SessionEnded(ctx, err)
	return err
}

// settle returns the coordinator to idle and takes the whole queue in one
// critical section, so no request can observe idle while waiters remain.
func (c *coordinator) settle(issued string) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refreshing = false
	c.issued = issued
	return c.queue.takeAll()
}

// rotatedSince reports whether a newer credential than the one req was sent
// with is already known, either from this process's last refresh or from the
// store. Caller holds mu.
func (c *coordinator) rotatedSince(req *Request, current *oauth2.Token) bool {
	if c.issued != "" && c.issued != req.sentWith {
		return true
	}
	return current != nil && current.AccessToken != req.sentWith
}

// drain resolves waiters in arrival order. With err set every waiter is
// rejected. Otherwise each one is replayed on its own goroutine, and a replay
// is not sent before the one queued ahead of it has been handed to the
// transport.
func (c *coordinator) drain(waiters []*waiter, err error) {
	var prev <-chan struct{}
	for _, w := range waiters {
		if err != nil {
			w.resolve(nil, err)
			continue
		}
		if ctxErr := w.ctx.Err(); ctxErr != nil {
			w.resolve(nil, ctxErr)
			continue
		}

		c.observer.Replaying(w.req.id)

		sent := make(chan struct{})
		var once sync.Once
		signal := func() { once.Do(func() { close(sent) }) }
		w.req.beforeSend = signal

		ahead := prev
		go func() {
			// Replays that fail before reaching the transport still release
			// the next one.
			defer signal()
			if ahead != nil {
				<-ahead
			}
			w.resolve(c.dispatch(w.ctx, w.req))
		}()
		prev = sent
	}
}

// pending returns the number of queued requests.
func (c *coordinator) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.len()
}

// inFlight reports whether a refresh is running.
func (c *coordinator) inFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshing
}
