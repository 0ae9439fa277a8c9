package session

import (
	"net/http"
)

// Request describes one logical API call. The body is held in memory so the
// call can be replayed after a credential refresh.
//
// A Request carries its own retry guard: it is refreshed-and-replayed at most
// once. Build a new Request for an independent call instead of reusing one.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte

	id       string
	retried  bool
	sentWith string // access token attached on the most recent send
	// beforeSend runs once, just before the next transport send.
	beforeSend func()
}

// NewRequest returns a request for method and path relative to the transport's
// base URL.
func NewRequest(method, path string, body []byte) *Request {
	return &Request{
		Method: method,
		Path:   path,
		Header: make(http.Header),
		Body:   body,
	}
}

// ID returns the correlation id assigned on the first dispatch, sent as
// X-Request-ID.
func (r *Request) ID() string {
	return r.id
}

// Retried reports whether the request already went through a refresh.
func (r *Request) Retried() bool {
	return r.retried
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
