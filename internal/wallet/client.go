package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"attestd/internal/pricing"
)

// Client is a thin JSON-RPC wrapper around the ledger node's wallet API. It
// implements AddressIssuer, Sender, VestingContracts, Poster and
// UnspentLister against a single endpoint.
type Client struct {
	url        string
	httpClient *http.Client
	nextID     atomic.Int64
}

// ClientConfig represents the client configuration.
type ClientConfig struct {
	URL     string
	Timeout time.Duration
}

// NewClient constructs a JSON-RPC client targeting the supplied URL.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		url: strings.TrimSpace(cfg.URL),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// NextAddress implements AddressIssuer.
func (c *Client) NextAddress(ctx context.Context) (string, error) {
	var result struct {
		Address string `json:"address"`
	}
	if err := c.call(ctx, "wallet_nextAddress", nil, &result); err != nil {
		return "", err
	}
	if strings.TrimSpace(result.Address) == "" {
		return "", fmt.Errorf("wallet: node returned empty address")
	}
	return strings.TrimSpace(result.Address), nil
}

// AddressAt implements AddressIssuer.
func (c *Client) AddressAt(ctx context.Context, index uint32) (string, error) {
	var result struct {
		Address string `json:"address"`
	}
	if err := c.call(ctx, "wallet_addressAt", []interface{}{index}, &result); err != nil {
		return "", err
	}
	if strings.TrimSpace(result.Address) == "" {
		return "", fmt.Errorf("wallet: node returned empty address for index %d", index)
	}
	return strings.TrimSpace(result.Address), nil
}

// Send implements Sender.
func (c *Client) Send(ctx context.Context, to string, amount int64) (string, error) {
	var result struct {
		Unit string `json:"unit"`
	}
	params := []interface{}{map[string]interface{}{"to": to, "amount": amount}}
	if err := c.call(ctx, "wallet_send", params, &result); err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Unit), nil
}

// SendToContract implements Sender.
func (c *Client) SendToContract(ctx context.Context, contractAddress string, amount int64) (string, error) {
	var result struct {
		Unit string `json:"unit"`
	}
	params := []interface{}{map[string]interface{}{"contract": contractAddress, "amount": amount}}
	if err := c.call(ctx, "wallet_sendToContract", params, &result); err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Unit), nil
}

// SendAll implements Sender.
func (c *Client) SendAll(ctx context.Context, payingAddresses []string, to string) (string, error) {
	var result struct {
		Unit string `json:"unit"`
	}
	params := []interface{}{map[string]interface{}{"paying": payingAddresses, "to": to}}
	if err := c.call(ctx, "wallet_sendAll", params, &result); err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Unit), nil
}

// Create implements VestingContracts. The node either creates a fresh
// vesting contract for the account or returns the one it already holds.
func (c *Client) Create(ctx context.Context, account, identityHandle string) (string, time.Time, error) {
	var result struct {
		Address   string `json:"address"`
		VestingAt int64  `json:"vestingAt"`
	}
	params := []interface{}{map[string]interface{}{"account": account, "handle": identityHandle}}
	if err := c.call(ctx, "vesting_create", params, &result); err != nil {
		return "", time.Time{}, err
	}
	if strings.TrimSpace(result.Address) == "" {
		return "", time.Time{}, fmt.Errorf("wallet: node returned empty contract address")
	}
	return strings.TrimSpace(result.Address), time.Unix(result.VestingAt, 0).UTC(), nil
}

// PostAttestation implements Poster.
func (c *Client) PostAttestation(ctx context.Context, attestorAddress string, payload AttestationPayload) (string, error) {
	profile := map[string]interface{}{
		"address": payload.Account,
		"kind":    string(payload.Kind),
	}
	if payload.ExternalUserID != "" {
		profile["userId"] = payload.ExternalUserID
	}
	if payload.FirstName != "" {
		profile["firstName"] = payload.FirstName
	}
	if payload.LastName != "" {
		profile["lastName"] = payload.LastName
	}
	if payload.DateOfBirth != "" {
		profile["dob"] = payload.DateOfBirth
	}
	if payload.Country != "" {
		profile["country"] = payload.Country
	}
	var result struct {
		Unit string `json:"unit"`
	}
	params := []interface{}{map[string]interface{}{"attestor": attestorAddress, "profile": profile}}
	if err := c.call(ctx, "attest_post", params, &result); err != nil {
		return "", err
	}
	if strings.TrimSpace(result.Unit) == "" {
		return "", fmt.Errorf("wallet: attestation post returned no unit")
	}
	return strings.TrimSpace(result.Unit), nil
}

// StableUnspentAddresses implements UnspentLister.
func (c *Client) StableUnspentAddresses(ctx context.Context, candidates []string) ([]string, error) {
	var result struct {
		Addresses []string `json:"addresses"`
	}
	if err := c.call(ctx, "wallet_stableUnspent", []interface{}{candidates}, &result); err != nil {
		return nil, err
	}
	return result.Addresses, nil
}

// FundingAuthor returns the attestable author of the unit that funded the
// given payment unit, empty when the chain walk finds none.
func (c *Client) FundingAuthor(ctx context.Context, unit string) (string, error) {
	var result struct {
		Address string `json:"address"`
	}
	if err := c.call(ctx, "attest_fundingAuthor", []interface{}{unit}, &result); err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Address), nil
}

// LatestAttestedUserID returns the external user id from the most recent
// attestation of account posted by one of attestorAddresses, empty when the
// account was never attested by them.
func (c *Client) LatestAttestedUserID(ctx context.Context, account string, attestorAddresses []string) (string, error) {
	var result struct {
		UserID string `json:"userId"`
	}
	params := []interface{}{map[string]interface{}{"account": account, "attestors": attestorAddresses}}
	if err := c.call(ctx, "attest_latest", params, &result); err != nil {
		return "", err
	}
	return strings.TrimSpace(result.UserID), nil
}

// Discount implements pricing.DiscountSource. The node derives the
// percentage from the discounts granted for the account's other
// attestations.
func (c *Client) Discount(ctx context.Context, account string) (float64, error) {
	var result struct {
		Discount float64 `json:"discount"`
	}
	if err := c.call(ctx, "attest_discount", []interface{}{account}, &result); err != nil {
		return 0, err
	}
	return result.Discount, nil
}

// SendChat delivers plain text to a paired chat endpoint through the node.
func (c *Client) SendChat(ctx context.Context, identityHandle, text string) error {
	params := []interface{}{map[string]interface{}{"to": identityHandle, "text": text}}
	return c.call(ctx, "chat_send", params, nil)
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("wallet: client not configured")
	}
	if params == nil {
		params = []interface{}{}
	}
	id := c.nextID.Add(1)
	reqBody := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("wallet: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("wallet: %s: error %d %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("wallet: %s: unexpected status %d", method, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("wallet: %s: empty result", method)
	}
	return json.Unmarshal(rpcResp.Result, out)
}

var _ AddressIssuer = (*Client)(nil)
var _ Sender = (*Client)(nil)
var _ VestingContracts = (*Client)(nil)
var _ Poster = (*Client)(nil)
var _ UnspentLister = (*Client)(nil)
var _ pricing.DiscountSource = (*Client)(nil)
