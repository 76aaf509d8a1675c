package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// JumioClient talks to the Jumio Netverify REST API. It implements Submitter
// for scan initiation and Poller for the retrieval fallback when a callback
// never arrives.
type JumioClient struct {
	baseURL     string
	apiToken    string
	apiSecret   string
	callbackURL string
	httpClient  *http.Client
}

// JumioConfig represents the vendor credentials and endpoints.
type JumioConfig struct {
	BaseURL   string
	APIToken  string
	APISecret string
	// CallbackURL is this service's public /cb endpoint, registered on every
	// initiated scan.
	CallbackURL string
	Timeout     time.Duration
}

// NewJumioClient constructs a Jumio REST client.
func NewJumioClient(cfg JumioConfig) *JumioClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &JumioClient{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiToken:    strings.TrimSpace(cfg.APIToken),
		apiSecret:   strings.TrimSpace(cfg.APISecret),
		callbackURL: strings.TrimSpace(cfg.CallbackURL),
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// InitScan implements Submitter: it registers a verification transaction and
// returns the hosted redirect URL the user completes it at.
func (c *JumioClient) InitScan(ctx context.Context, scanReference, identityHandle, account string) (string, error) {
	payload := map[string]interface{}{
		"customerInternalReference": scanReference,
		"userReference":             account,
		"callbackUrl":               c.callbackURL,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v4/initiate", bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	c.decorate(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("verify: jumio initiate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("verify: jumio initiate: status %d", resp.StatusCode)
	}
	var out struct {
		RedirectURL string `json:"redirectUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("verify: jumio initiate: decode: %w", err)
	}
	if strings.TrimSpace(out.RedirectURL) == "" {
		return "", fmt.Errorf("verify: jumio initiate: no redirect url")
	}
	return strings.TrimSpace(out.RedirectURL), nil
}

// FetchResult implements Poller: it retrieves scan details for scans whose
// callback never arrived. The retrieval document carries the same fields as
// the callback body. A scan still in progress yields (nil, nil).
func (c *JumioClient) FetchResult(ctx context.Context, scanReference string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/netverify/v2/scans/"+scanReference+"/data", nil)
	if err != nil {
		return nil, err
	}
	c.decorate(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify: jumio retrieval: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		// Not finished yet; retrieval only serves completed scans.
		return nil, nil
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("verify: jumio retrieval: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("verify: jumio retrieval: read: %w", err)
	}
	var probe struct {
		Status string `json:"verificationStatus"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("verify: jumio retrieval: decode: %w", err)
	}
	if probe.Status == "" || probe.Status == "PENDING" {
		return nil, nil
	}
	return body, nil
}

func (c *JumioClient) decorate(req *http.Request) {
	req.SetBasicAuth(c.apiToken, c.apiSecret)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "attestd/1.0")
}

var _ Submitter = (*JumioClient)(nil)
var _ Poller = (*JumioClient)(nil)
