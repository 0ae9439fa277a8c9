package session

import "context"

type outcome struct {
	resp *Response
	err  error
}

// waiter is a request suspended until the in-flight refresh settles.
type waiter struct {
	ctx  context.Context
	req  *Request
	done chan outcome
}

func newWaiter(ctx context.Context, req *Request) *waiter {
	return &waiter{ctx: ctx, req: req, done: make(chan outcome, 1)}
}

// resolve completes the waiter. It never blocks and is called exactly once.
func (w *waiter) resolve(resp *Response, err error) {
	w.done <- outcome{resp: resp, err: err}
}

// wait blocks until the waiter is resolved or ctx is done. An abandoned waiter
// stays queued; the drain skips its replay.
func (w *waiter) wait(ctx context.Context) (*Response, error) {
	select {
	case o := <-w.done:
		return o.resp, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// waiterQueue is a FIFO of waiters. It is not safe for concurrent use; the
// coordinator guards it with its mutex.
type waiterQueue struct {
	items []*waiter
}

// push appends w and returns the new depth.
func (q *waiterQueue) push(w *waiter) int {
	q.items = append(q.items, w)
	return len(q.items)
}

// takeAll empties the queue and returns its waiters in arrival order.
func (q *waiterQueue) takeAll() []*waiter {
	items := q.items
	q.items = nil
	return items
}

func (q *waiterQueue) len() int {
	return len(q.items)
}
