package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaiterQueue_FIFO(t *testing.T) {
	var q waiterQueue
	ctx := context.Background()

	ids := []string{"a", "b", "c"}
	for i, id := range ids {
		req := NewRequest("GET", "/"+id, nil)
		req.id = id
		assert.Equal(t, i+1, q.push(newWaiter(ctx, req)))
	}
	assert.Equal(t, 3, q.len())

	got := q.takeAll()
	require.Len(t, got, 3)
	for i, w := range got {
		assert.Equal(t, ids[i], w.req.id)
	}
	assert.Equal(t, 0, q.len())
	assert.Empty(t, q.takeAll())
}

func TestWaiter_ResolveBeforeWait(t *testing.T) {
	w := newWaiter(context.Background(), NewRequest("GET", "/", nil))
	want := &Response{StatusCode: 200}

	// resolve never blocks, even when nobody is waiting yet.
	w.resolve(want, nil)

	resp, err := w.wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, want, resp)
}

func TestWaiter_Rejected(t *testing.T) {
	w := newWaiter(context.Background(), NewRequest("GET", "/", nil))
	cause := errors.New("boom")

	go w.resolve(nil, cause)

	_, err := w.wait(context.Background())
	assert.ErrorIs(t, err, cause)
}

func TestWaiter_WaitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	w := newWaiter(ctx, NewRequest("GET", "/", nil))
	_, err := w.wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A late resolve still succeeds without a reader.
	w.resolve(&Response{StatusCode: 200}, nil)
}
