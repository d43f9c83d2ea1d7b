package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Endpoint describes the external identity provider.
type Endpoint struct {
	AuthorizeURL string
	TokenURL     string
	ProfileURL   string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
}

// TokenResponse is the provider's answer to the code exchange.
type TokenResponse struct {
	AccessToken string
	TokenType   string
	IDToken     string
	ExpiresIn   int64
}

// Profile is the subset of provider profile data this core consumes.
type Profile struct {
	Subject string
	Email   string
	Name    string
}

// ProviderClient encapsulates outbound calls to the identity provider.
// FetchProfile is optional in the flow; it runs only when the verified
// id token carries no email claim.
type ProviderClient interface {
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*TokenResponse, error)
	FetchProfile(ctx context.Context, accessToken string) (*Profile, error)
}

// HTTPProviderClient is the default HTTP implementation. The code
// exchange is retried once on transient failure; 4xx answers are final.
type HTTPProviderClient struct {
	endpoint   Endpoint
	httpClient *http.Client
}

func NewHTTPProviderClient(endpoint Endpoint, client *http.Client) *HTTPProviderClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProviderClient{endpoint: endpoint, httpClient: client}
}

// ExchangeCode redeems the authorization code with the pkce verifier.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, code, codeVerifier string) (*TokenResponse, error) {
	if strings.TrimSpace(c.endpoint.TokenURL) == "" {
		return nil, fmt.Errorf("token url missing")
	}

	var token *TokenResponse
	attempt := func() error {
		resp, err := c.exchangeOnce(ctx, code, codeVerifier)
		if err != nil {
			return err
		}
		token = resp
		return nil
	}

	// One retry with a short pause covers a dropped connection without
	// stalling the callback.
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 1),
		ctx,
	)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, err
	}
	return token, nil
}

func (c *HTTPProviderClient) exchangeOnce(ctx context.Context, code, codeVerifier string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", c.endpoint.RedirectURI)
	data.Set("client_id", c.endpoint.ClientID)
	if c.endpoint.ClientSecret != "" {
		data.Set("client_secret", c.endpoint.ClientSecret)
	}
	data.Set("code_verifier", codeVerifier)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build token request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("token exchange failed: status=%d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		// The provider rejected the grant; retrying cannot help.
		return nil, backoff.Permanent(fmt.Errorf("token exchange failed: status=%d", resp.StatusCode))
	}

	var raw struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		IDToken     string `json:"id_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode token response: %w", err))
	}

	return &TokenResponse{
		AccessToken: raw.AccessToken,
		TokenType:   raw.TokenType,
		IDToken:     raw.IDToken,
		ExpiresIn:   raw.ExpiresIn,
	}, nil
}

// FetchProfile loads the provider profile endpoint.
func (c *HTTPProviderClient) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	if strings.TrimSpace(c.endpoint.ProfileURL) == "" {
		return nil, fmt.Errorf("profile url missing")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint.ProfileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("profile fetch failed: status=%d", resp.StatusCode)
	}

	var raw struct {
		Subject string `json:"sub"`
		Email   string `json:"email"`
		Name    string `json:"name"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}

	return &Profile{
		Subject: raw.Subject,
		Email:   raw.Email,
		Name:    raw.Name,
	}, nil
}

// authorizeRedirect assembles the provider redirect with pkce
// challenge, state, and nonce attached.
func (e Endpoint) authorizeRedirect(state, nonce, challenge string) (string, error) {
	u, err := url.Parse(e.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("parse authorize url: %w", err)
	}

	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", e.ClientID)
	q.Set("redirect_uri", e.RedirectURI)
	if len(e.Scopes) > 0 {
		q.Set("scope", strings.Join(e.Scopes, " "))
	}
	q.Set("state", state)
	q.Set("nonce", nonce)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	u.RawQuery = q.Encode()

	return u.String(), nil
}
