package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SmartIDHTTPClient drives the Smart-ID OAuth flow. InitScan only builds the
// authorization URL; the code exchange and user data fetch run when the user
// lands back on the redirect endpoint.
type SmartIDHTTPClient struct {
	authorizeURL string
	tokenURL     string
	userDataURL  string
	clientID     string
	clientSecret string
	redirectURL  string
	httpClient   *http.Client
}

// SmartIDConfig represents the vendor credentials and endpoints.
type SmartIDConfig struct {
	AuthorizeURL string
	TokenURL     string
	UserDataURL  string
	ClientID     string
	ClientSecret string
	// RedirectURL is this service's public /done endpoint.
	RedirectURL string
	Timeout     time.Duration
}

// NewSmartIDClient constructs a Smart-ID OAuth client.
func NewSmartIDClient(cfg SmartIDConfig) *SmartIDHTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SmartIDHTTPClient{
		authorizeURL: strings.TrimSpace(cfg.AuthorizeURL),
		tokenURL:     strings.TrimSpace(cfg.TokenURL),
		userDataURL:  strings.TrimSpace(cfg.UserDataURL),
		clientID:     strings.TrimSpace(cfg.ClientID),
		clientSecret: strings.TrimSpace(cfg.ClientSecret),
		redirectURL:  strings.TrimSpace(cfg.RedirectURL),
		httpClient:   &http.Client{Timeout: timeout},
	}
}

// InitScan implements Submitter. The scan reference rides in the OAuth state
// parameter and comes back on the redirect.
func (c *SmartIDHTTPClient) InitScan(_ context.Context, scanReference, _, _ string) (string, error) {
	if c.authorizeURL == "" || c.clientID == "" {
		return "", fmt.Errorf("verify: smartid not configured")
	}
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.clientID)
	q.Set("redirect_uri", c.redirectURL)
	q.Set("state", scanReference)
	return c.authorizeURL + "?" + q.Encode(), nil
}

// ExchangeCode implements SmartIDClient.
func (c *SmartIDHTTPClient) ExchangeCode(ctx context.Context, code string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("redirect_uri", c.redirectURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("verify: smartid token exchange: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("verify: smartid token exchange: status %d", resp.StatusCode)
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("verify: smartid token exchange: decode: %w", err)
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return "", fmt.Errorf("verify: smartid token exchange: empty token")
	}
	return out.AccessToken, nil
}

// UserData implements SmartIDClient: it fetches the verified identity
// document the access token grants.
func (c *SmartIDHTTPClient) UserData(ctx context.Context, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userDataURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify: smartid user data: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("verify: smartid user data: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("verify: smartid user data: read: %w", err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("verify: smartid user data: empty body")
	}
	return body, nil
}

var _ Submitter = (*SmartIDHTTPClient)(nil)
var _ SmartIDClient = (*SmartIDHTTPClient)(nil)
