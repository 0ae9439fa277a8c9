// Package credential holds the access credential shared by every request a
// session client sends. Stores only persist values; refresh coordination lives
// in the session package.
package credential

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// ErrNotFound is returned by Load when no credential is stored.
var ErrNotFound = errors.New("credential not found")

// Store reads and writes the current access credential.
//
// Implementations must give read-after-write visibility: once Save returns,
// every later Load from any goroutine observes the new value.
type Store interface {
	// Load returns the current credential or ErrNotFound.
	Load(ctx context.Context) (*oauth2.Token, error)
	// Save replaces the current credential.
	Save(ctx context.Context, token *oauth2.Token) error
	// Clear removes the current credential. Clearing an empty store succeeds.
	Clear(ctx context.Context) error
}

// record is the serialized form shared by the file and redis stores.
type record struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	ClientID     string `json:"client_id"`
}

func newRecord(clientID string, token *oauth2.Token) *record {
	r := &record{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ClientID:     clientID,
	}
	if !token.Expiry.IsZero() {
		r.ExpiresAt = token.Expiry.Unix()
	}
	return r
}

func (r *record) token() *oauth2.Token {
	t := &oauth2.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
	}
	if r.ExpiresAt > 0 {
		t.Expiry = unixTime(r.ExpiresAt)
	}
	return t
}

func validateToken(token *oauth2.Token) error {
	if token == nil || token.AccessToken == "" {
		return errors.New("access token is empty")
	}
	return nil
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0)
}
