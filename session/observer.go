package session

import "context"

// Notifier is told when the session ended: a refresh failed and every pending
// request was rejected. It fires once per failed refresh, never once per
// rejected request. Implementations typically send the user back to login.
type Notifier interface {
	SessionEnded(ctx context.Context, err error)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, err error)

func (f NotifierFunc) SessionEnded(ctx context.Context, err error) {
	f(ctx, err)
}

type noopNotifier struct{}

func (noopNotifier) SessionEnded(context.Context, error) {}

// Observer receives progress events from the refresh protocol. Calls are
// synchronous; implementations must not block.
type Observer interface {
	// AccessTokenRejected fires when a first-attempt request gets a 401.
	AccessTokenRejected(requestID string)
	// Queued fires when a request waits for a refresh already in flight.
	Queued(requestID string, depth int)
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	// Replaying fires in queue order as each request is replayed.
	Replaying(requestID string)
}

// NoopObserver ignores every event.
type NoopObserver struct{}

func (NoopObserver) AccessTokenRejected(string) {}
func (NoopObserver) Queued(string, int)         {}
func (NoopObserver) Refreshing()                {}
func (NoopObserver) RefreshOK()                 {}
func (NoopObserver) RefreshFailed(error)        {}
func (NoopObserver) Replaying(string)           {}
