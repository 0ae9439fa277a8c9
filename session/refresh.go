package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-authgate/authsession/credential"
	"golang.org/x/oauth2"
)

// DefaultRefreshPath is the identity server's refresh endpoint.
const DefaultRefreshPath = "/api/v1/auth/refresh"

// Refresher obtains a new access credential from the identity server.
// current is the credential being replaced and may be nil.
type Refresher interface {
	Refresh(ctx context.Context, current *oauth2.Token) (*oauth2.Token, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, current *oauth2.Token) (*oauth2.Token, error)

func (f RefresherFunc) Refresh(ctx context.Context, current *oauth2.Token) (*oauth2.Token, error) {
	return f(ctx, current)
}

// EndpointRefresher calls the identity server's refresh endpoint.
//
// The refresh secret normally travels out of band in a cookie set by the
// server and replayed by the transport's cookie jar; the request body is an
// empty JSON object. When the stored credential carries an OAuth2 refresh
// token it is sent as a refresh_token grant instead.
type EndpointRefresher struct {
	transport Transport
	path      string
	clientID  string
}

// NewEndpointRefresher returns a refresher posting to path through transport.
// clientID is included in refresh_token grants and may be empty.
func NewEndpointRefresher(transport Transport, path, clientID string) *EndpointRefresher {
	if path == "" {
		path = DefaultRefreshPath
	}
	return &EndpointRefresher{transport: transport, path: path, clientID: clientID}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

func (r *EndpointRefresher) Refresh(ctx context.Context, current *oauth2.Token) (*oauth2.Token, error) {
	header := make(http.Header)
	header.Set("Accept", "application/json")

	var body []byte
	if current != nil && current.RefreshToken != "" {
		data := url.Values{}
		data.Set("grant_type", "refresh_token")
		data.Set("refresh_token", current.RefreshToken)
		if r.clientID != "" {
			data.Set("client_id", r.clientID)
		}
		body = []byte(data.Encode())
		header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		body = []byte("{}")
		header.Set("Content-Type", "application/json")
	}

	resp, err := r.transport.Send(ctx, http.MethodPost, r.path, header, body)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, refreshStatusError(resp)
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.Body, &tr); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if err := ValidateTokenResponse(tr.AccessToken, tr.TokenType, tr.ExpiresIn); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}

	token := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
	}
	if tr.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	} else if exp, ok := credential.ExpiryFromJWT(tr.AccessToken); ok {
		token.Expiry = exp
	}

	// Servers that do not rotate refresh tokens omit the field; keep the old one.
	if token.RefreshToken == "" && current != nil {
		token.RefreshToken = current.RefreshToken
	}

	return token, nil
}

func refreshStatusError(resp *Response) error {
	var errResp ErrorResponse
	parsed := json.Unmarshal(resp.Body, &errResp) == nil

	if resp.StatusCode == http.StatusUnauthorized ||
		(parsed && (errResp.Error == "invalid_grant" || errResp.Error == "invalid_token")) {
		if parsed && errResp.message() != "" {
			return fmt.Errorf("%w: %s", ErrRefreshTokenExpired, errResp.message())
		}
		return ErrRefreshTokenExpired
	}

	if parsed && errResp.message() != "" {
		return fmt.Errorf("refresh failed with status %d: %s", resp.StatusCode, errResp.message())
	}
	return fmt.Errorf("refresh failed with status %d: %s", resp.StatusCode, truncate(resp.Body, 256))
}

// ValidateTokenResponse checks the fields of a token endpoint response.
func ValidateTokenResponse(accessToken, tokenType string, expiresIn int) error {
	if accessToken == "" {
		return errors.New("access_token is empty")
	}
	if expiresIn < 0 {
		return fmt.Errorf("expires_in must not be negative, got: %d", expiresIn)
	}
	// token_type is optional in OAuth 2.0; when present it must be Bearer.
	if tokenType != "" && !strings.EqualFold(tokenType, "Bearer") {
		return fmt.Errorf("unexpected token_type: %s (expected Bearer)", tokenType)
	}
	return nil
}

var _ Refresher = (*EndpointRefresher)(nil)
