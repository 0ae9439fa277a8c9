package tui

import (
	"fmt"
	"io"
	"sync"
	"time"

	tea "charm.land/bubbletea/v2"
)

// Summary describes a finished batch of API calls.
type Summary struct {
	Succeeded int
	Failed    int
	Refreshes int
	Elapsed   time.Duration

	Preview   string
	TokenType string
	ExpiresIn time.Duration
}

// Displayer abstracts all output from the session demo. Its refresh methods
// match session.Observer and its device flow methods match login.Displayer.
// Methods may be called from many goroutines at once.
type Displayer interface {
	Banner(serverURL, store string)
	TokensFound(expiry time.Time)
	TokensNotFound()

	DeviceCodeReady(userCode, verifyURI, verifyURIComplete string, expiry time.Time)
	WaitingForAuth()
	PollSlowDown(newInterval time.Duration)
	AuthSuccess()
	TokenSaved(location string)
	TokenSaveFailed(err error)

	Dispatching(total int)
	AccessTokenRejected(requestID string)
	Queued(requestID string, depth int)
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	Replaying(requestID string)
	SessionEnded(err error)
	APICallOK(requestID string, statusCode int)
	APICallFailed(requestID string, err error)

	Done(summary Summary)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stdout is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *PlainDisplayer) Banner(serverURL, store string) {
	p.printf("=== AuthGate Session Demo (single-flight refresh) ===\n")
	p.printf("Server: %s\nToken store: %s\n\n", serverURL, store)
}

func (p *PlainDisplayer) TokensFound(expiry time.Time) {
	if expiry.IsZero() {
		p.printf("Found existing tokens!\n")
		return
	}
	p.printf("Found existing tokens (expire in %s)\n", formatDuration(time.Until(expiry)))
}

func (p *PlainDisplayer) TokensNotFound() {
	p.printf("No existing tokens found, starting device flow...\n")
}

func (p *PlainDisplayer) DeviceCodeReady(
	userCode, verifyURI, verifyURIComplete string,
	expiry time.Time,
) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, "Step 1: Requesting device code...")
	fmt.Fprintln(p.w, "----------------------------------------")
	fmt.Fprintf(p.w, "Please open this link to authorize:\n%s\n", verifyURIComplete)
	fmt.Fprintf(p.w, "\nOr manually visit: %s\n", verifyURI)
	fmt.Fprintf(p.w, "And enter code: %s\n", userCode)
	fmt.Fprintf(p.w, "Code expires in %s\n", formatDuration(time.Until(expiry)))
	fmt.Fprintln(p.w, "----------------------------------------")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) WaitingForAuth() {
	p.printf("Step 2: Waiting for authorization...\n")
}

func (p *PlainDisplayer) PollSlowDown(newInterval time.Duration) {
	p.printf("Server requested slower polling, new interval: %s\n", newInterval)
}

func (p *PlainDisplayer) AuthSuccess() {
	p.printf("\nAuthorization successful!\n")
}

func (p *PlainDisplayer) TokenSaved(location string) {
	p.printf("Tokens saved to %s\n", location)
}

func (p *PlainDisplayer) TokenSaveFailed(err error) {
	p.printf("Warning: Failed to save tokens: %v\n", err)
}

func (p *PlainDisplayer) Dispatching(total int) {
	p.printf("\nSending %d concurrent API calls...\n", total)
}

func (p *PlainDisplayer) AccessTokenRejected(requestID string) {
	p.printf("[%s] access token rejected (401)\n", shortID(requestID))
}

func (p *PlainDisplayer) Queued(requestID string, depth int) {
	p.printf("[%s] waiting for refresh (queue depth %d)\n", shortID(requestID), depth)
}

func (p *PlainDisplayer) Refreshing() {
	p.printf("Refreshing access token...\n")
}

func (p *PlainDisplayer) RefreshOK() {
	p.printf("Token refreshed successfully!\n")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	p.printf("Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) Replaying(requestID string) {
	p.printf("[%s] retrying with new token\n", shortID(requestID))
}

func (p *PlainDisplayer) SessionEnded(err error) {
	p.printf("Session ended, re-authenticating... (%v)\n", err)
}

func (p *PlainDisplayer) APICallOK(requestID string, statusCode int) {
	p.printf("[%s] API call finished: %d\n", shortID(requestID), statusCode)
}

func (p *PlainDisplayer) APICallFailed(requestID string, err error) {
	p.printf("[%s] API call failed: %v\n", shortID(requestID), err)
}

func (p *PlainDisplayer) Done(s Summary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintf(p.w, "Calls: %d ok, %d failed in %s\n", s.Succeeded, s.Failed, s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(p.w, "Refreshes: %d\n", s.Refreshes)
	if s.Preview != "" {
		fmt.Fprintf(p.w, "Access Token: %s...\n", s.Preview)
		fmt.Fprintf(p.w, "Token Type: %s\n", s.TokenType)
		fmt.Fprintf(p.w, "Expires In: %s\n", s.ExpiresIn.Round(time.Second))
	}
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	p.printf("Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner(_, _ string)                          {}
func (NoopDisplayer) TokensFound(_ time.Time)                     {}
func (NoopDisplayer) TokensNotFound()                             {}
func (NoopDisplayer) DeviceCodeReady(_, _, _ string, _ time.Time) {}
func (NoopDisplayer) WaitingForAuth()                             {}
func (NoopDisplayer) PollSlowDown(_ time.Duration)                {}
func (NoopDisplayer) AuthSuccess()                                {}
func (NoopDisplayer) TokenSaved(_ string)                         {}
func (NoopDisplayer) TokenSaveFailed(_ error)                     {}
func (NoopDisplayer) Dispatching(_ int)                           {}
func (NoopDisplayer) AccessTokenRejected(_ string)                {}
func (NoopDisplayer) Queued(_ string, _ int)                      {}
func (NoopDisplayer) Refreshing()                                 {}
func (NoopDisplayer) RefreshOK()                                  {}
func (NoopDisplayer) RefreshFailed(_ error)                       {}
func (NoopDisplayer) Replaying(_ string)                          {}
func (NoopDisplayer) SessionEnded(_ error)                        {}
func (NoopDisplayer) APICallOK(_ string, _ int)                   {}
func (NoopDisplayer) APICallFailed(_ string, _ error)             {}
func (NoopDisplayer) Done(_ Summary)                              {}
func (NoopDisplayer) Fatal(_ error)                               {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner(serverURL, store string) {
	t.p.Send(MsgBanner{ServerURL: serverURL, Store: store})
}

func (t *ProgramDisplayer) TokensFound(expiry time.Time) {
	t.p.Send(MsgTokensFound{Expiry: expiry})
}

func (t *ProgramDisplayer) TokensNotFound() {
	t.p.Send(MsgTokensNotFound{})
}

func (t *ProgramDisplayer) DeviceCodeReady(
	userCode, verifyURI, verifyURIComplete string,
	expiry time.Time,
) {
	t.p.Send(MsgDeviceCodeReady{
		UserCode:          userCode,
		VerifyURI:         verifyURI,
		VerifyURIComplete: verifyURIComplete,
		Expiry:            expiry,
	})
}

func (t *ProgramDisplayer) WaitingForAuth() {
	t.p.Send(MsgWaitingForAuth{})
}

func (t *ProgramDisplayer) PollSlowDown(newInterval time.Duration) {
	t.p.Send(MsgPollSlowDown{NewInterval: newInterval})
}

func (t *ProgramDisplayer) AuthSuccess() {
	t.p.Send(MsgAuthSuccess{})
}

func (t *ProgramDisplayer) TokenSaved(location string) {
	t.p.Send(MsgTokenSaved{Location: location})
}

func (t *ProgramDisplayer) TokenSaveFailed(err error) {
	t.p.Send(MsgTokenSaveFailed{Err: err})
}

func (t *ProgramDisplayer) Dispatching(total int) {
	t.p.Send(MsgDispatching{Total: total})
}

func (t *ProgramDisplayer) AccessTokenRejected(requestID string) {
	t.p.Send(MsgAccessTokenRejected{RequestID: requestID})
}

func (t *ProgramDisplayer) Queued(requestID string, depth int) {
	t.p.Send(MsgQueued{RequestID: requestID, Depth: depth})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshOK() {
	t.p.Send(MsgRefreshOK{})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) Replaying(requestID string) {
	t.p.Send(MsgReplaying{RequestID: requestID})
}

func (t *ProgramDisplayer) SessionEnded(err error) {
	t.p.Send(MsgSessionEnded{Err: err})
}

func (t *ProgramDisplayer) APICallOK(requestID string, statusCode int) {
	t.p.Send(MsgAPICallOK{RequestID: requestID, StatusCode: statusCode})
}

func (t *ProgramDisplayer) APICallFailed(requestID string, err error) {
	t.p.Send(MsgAPICallFailed{RequestID: requestID, Err: err})
}

func (t *ProgramDisplayer) Done(summary Summary) {
	t.p.Send(MsgDone{Summary: summary})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}

// shortID trims a request id for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
