// Package login runs the OAuth 2.0 device authorization grant (RFC 8628) to
// establish a session when none exists or the old one ended.
package login

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/go-authgate/authsession/session"
	"golang.org/x/oauth2"
)

// Timeout configuration for the device flow requests.
const (
	deviceCodeRequestTimeout = 10 * time.Second
	tokenExchangeTimeout     = 10 * time.Second

	defaultPollInterval = 5 * time.Second
	maxPollInterval     = 60 * time.Second
)

var (
	ErrDeviceCodeExpired = errors.New("device code expired, please restart the flow")
	ErrAccessDenied      = errors.New("user denied authorization")
)

// Displayer is told about device flow progress.
type Displayer interface {
	DeviceCodeReady(userCode, verificationURI, verificationURIComplete string, expiry time.Time)
	WaitingForAuth()
	PollSlowDown(newInterval time.Duration)
	AuthSuccess()
}

// Flow requests a device code and polls the token endpoint until the user
// approves it.
type Flow struct {
	client       *retry.Client
	config       *oauth2.Config
	pollInterval time.Duration
}

// Option configures a Flow.
type Option func(*Flow)

// WithScopes replaces the default "read write" scopes.
func WithScopes(scopes ...string) Option {
	return func(f *Flow) {
		f.config.Scopes = scopes
	}
}

// WithPollInterval overrides the interval announced by the server.
func WithPollInterval(d time.Duration) Option {
	return func(f *Flow) {
		f.pollInterval = d
	}
}

// NewFlow returns a device flow against serverURL's /oauth endpoints.
func NewFlow(serverURL, clientID string, client *retry.Client, opts ...Option) *Flow {
	serverURL = strings.TrimSuffix(serverURL, "/")
	f := &Flow{
		client: client,
		config: &oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{
				DeviceAuthURL: serverURL + "/oauth/device/code",
				TokenURL:      serverURL + "/oauth/token",
			},
			Scopes: []string{"read", "write"},
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run performs the whole flow and returns the issued token.
func (f *Flow) Run(ctx context.Context, d Displayer) (*oauth2.Token, error) {
	deviceAuth, err := f.requestDeviceCode(ctx)
	if err != nil {
		return nil, fmt.Errorf("device code request failed: %w", err)
	}

	d.DeviceCodeReady(
		deviceAuth.UserCode,
		deviceAuth.VerificationURI,
		deviceAuth.VerificationURIComplete,
		deviceAuth.Expiry,
	)

	d.WaitingForAuth()
	token, err := f.poll(ctx, deviceAuth, d)
	if err != nil {
		return nil, fmt.Errorf("token poll failed: %w", err)
	}

	d.AuthSuccess()
	return token, nil
}

func (f *Flow) requestDeviceCode(ctx context.Context) (*oauth2.DeviceAuthResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, deviceCodeRequestTimeout)
	defer cancel()

	data := url.Values{}
	data.Set("client_id", f.config.ClientID)
	data.Set("scope", strings.Join(f.config.Scopes, " "))

	body, status, err := f.postForm(reqCtx, f.config.Endpoint.DeviceAuthURL, data)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("device code request failed with status %d: %s", status, string(body))
	}

	var deviceResp struct {
		DeviceCode              string `json:"device_code"`
		UserCode                string `json:"user_code"`
		VerificationURI         string `json:"verification_uri"`
		VerificationURIComplete string `json:"verification_uri_complete"`
		ExpiresIn               int    `json:"expires_in"`
		Interval                int    `json:"interval"`
	}
	if err := json.Unmarshal(body, &deviceResp); err != nil {
		return nil, fmt.Errorf("failed to parse device code response: %w", err)
	}
	if deviceResp.DeviceCode == "" {
		return nil, errors.New("device code response has no device_code")
	}

	return &oauth2.DeviceAuthResponse{
		DeviceCode:              deviceResp.DeviceCode,
		UserCode:                deviceResp.UserCode,
		VerificationURI:         deviceResp.VerificationURI,
		VerificationURIComplete: deviceResp.VerificationURIComplete,
		Expiry:                  time.Now().Add(time.Duration(deviceResp.ExpiresIn) * time.Second),
		Interval:                int64(deviceResp.Interval),
	}, nil
}

// poll exchanges the device code until it is approved, denied or expires.
// slow_down answers grow the interval by half each time, capped at a minute.
func (f *Flow) poll(
	ctx context.Context,
	deviceAuth *oauth2.DeviceAuthResponse,
	d Displayer,
) (*oauth2.Token, error) {
	pollInterval := f.pollInterval
	if pollInterval <= 0 {
		pollInterval = time.Duration(deviceAuth.Interval) * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	backoffMultiplier := 1.0

	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-pollTicker.C:
			token, err := f.exchangeDeviceCode(ctx, deviceAuth.DeviceCode)
			if err == nil {
				return token, nil
			}

			var oauthErr *oauth2.RetrieveError
			if !errors.As(err, &oauthErr) {
				return nil, fmt.Errorf("token exchange failed: %w", err)
			}

			var errResp session.ErrorResponse
			if jsonErr := json.Unmarshal(oauthErr.Body, &errResp); jsonErr != nil {
				return nil, fmt.Errorf("token exchange failed: %w", err)
			}

			switch errResp.Error {
			case "authorization_pending":
				continue

			case "slow_down":
				backoffMultiplier *= 1.5
				pollInterval = min(
					time.Duration(float64(pollInterval)*backoffMultiplier),
					maxPollInterval,
				)
				pollTicker.Reset(pollInterval)
				d.PollSlowDown(pollInterval)
				continue

			case "expired_token":
				return nil, ErrDeviceCodeExpired

			case "access_denied":
				return nil, ErrAccessDenied

			default:
				return nil, fmt.Errorf(
					"authorization failed: %s - %s",
					errResp.Error,
					errResp.ErrorDescription,
				)
			}
		}
	}
}

func (f *Flow) exchangeDeviceCode(ctx context.Context, deviceCode string) (*oauth2.Token, error) {
	reqCtx, cancel := context.WithTimeout(ctx, tokenExchangeTimeout)
	defer cancel()

	data := url.Values{}
	data.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")
	data.Set("device_code", deviceCode)
	data.Set("client_id", f.config.ClientID)

	req, err := f.newFormRequest(reqCtx, f.config.Endpoint.TokenURL, data)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.DoWithContext(reqCtx, req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &oauth2.RetrieveError{
			Response: resp,
			Body:     body,
		}
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if err := session.ValidateTokenResponse(
		tokenResp.AccessToken,
		tokenResp.TokenType,
		tokenResp.ExpiresIn,
	); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}

	token := &oauth2.Token{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		TokenType:    tokenResp.TokenType,
	}
	if tokenResp.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}
	return token, nil
}

func (f *Flow) newFormRequest(ctx context.Context, endpoint string, data url.Values) (*http.Request, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		endpoint,
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func (f *Flow) postForm(ctx context.Context, endpoint string, data url.Values) ([]byte, int, error) {
	req, err := f.newFormRequest(ctx, endpoint, data)
	if err != nil {
		return nil, 0, err
	}

	resp, err := f.client.DoWithContext(ctx, req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
