package tui

import (
	"time"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct {
	ServerURL string
	Store     string
}

// MsgTokensFound signals that a stored credential was found.
type MsgTokensFound struct{ Expiry time.Time }

// MsgTokensNotFound signals that no credential was stored (starting fresh).
type MsgTokensNotFound struct{}

// MsgDeviceCodeReady signals that the device code is ready for user action.
type MsgDeviceCodeReady struct {
	UserCode          string
	VerifyURI         string
	VerifyURIComplete string
	Expiry            time.Time
}

// MsgWaitingForAuth signals that polling for authorization has started.
type MsgWaitingForAuth struct{}

// MsgPollSlowDown signals that the server requested slower polling.
type MsgPollSlowDown struct{ NewInterval time.Duration }

// MsgAuthSuccess signals that the user authorized successfully.
type MsgAuthSuccess struct{}

// MsgTokenSaved signals that the credential was written to the store.
type MsgTokenSaved struct{ Location string }

// MsgTokenSaveFailed signals that saving the credential failed.
type MsgTokenSaveFailed struct{ Err error }

// MsgDispatching signals that a batch of API calls was started.
type MsgDispatching struct{ Total int }

// MsgAccessTokenRejected signals that a request got its first 401.
type MsgAccessTokenRejected struct{ RequestID string }

// MsgQueued signals that a request is waiting for the refresh in flight.
type MsgQueued struct {
	RequestID string
	Depth     int
}

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the token was refreshed successfully.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that token refresh failed.
type MsgRefreshFailed struct{ Err error }

// MsgReplaying signals that a request is sent again with the new token.
type MsgReplaying struct{ RequestID string }

// MsgSessionEnded signals that the session must be re-authenticated.
type MsgSessionEnded struct{ Err error }

// MsgAPICallOK signals that an API call completed.
type MsgAPICallOK struct {
	RequestID  string
	StatusCode int
}

// MsgAPICallFailed signals that an API call failed.
type MsgAPICallFailed struct {
	RequestID string
	Err       error
}

// MsgDone signals that every API call finished.
type MsgDone struct{ Summary Summary }

// MsgFatal signals a fatal error that should terminate the program.
type MsgFatal struct{ Err error }
