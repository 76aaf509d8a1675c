// Package config loads deployment configuration from the environment.
// Pricing and reward policy live in the TOML policy file instead; only
// infrastructure concerns are configured here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the attestation service.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	PolicyFile  string
	// GeoDBPath points at a MaxMind country database; empty disables the
	// residency cross-check by IP.
	GeoDBPath     string
	WebhookSecret string
	// PublicBaseURL is the externally reachable base of this service, used
	// to register vendor callback and redirect URLs.
	PublicBaseURL string

	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	NodeRPCURL     string
	NodeRPCTimeout time.Duration
	OperatorHandle string

	// USDPerCoin is the fixed USD exchange rate for one whole coin.
	USDPerCoin float64

	Jumio   JumioConfig
	SmartID SmartIDConfig

	RetryInterval       time.Duration
	PollInterval        time.Duration
	PurgeInterval       time.Duration
	ConsolidateInterval time.Duration
	PayloadRetention    time.Duration
	DonationAskInterval time.Duration
}

// JumioConfig carries the Jumio REST credentials. All three fields must be
// set together or left empty together.
type JumioConfig struct {
	BaseURL   string
	APIToken  string
	APISecret string
}

// Enabled reports whether the provider is configured.
func (c JumioConfig) Enabled() bool {
	return c.BaseURL != "" && c.APIToken != "" && c.APISecret != ""
}

// SmartIDConfig carries the Smart-ID OAuth endpoints and credentials.
type SmartIDConfig struct {
	AuthorizeURL string
	TokenURL     string
	UserDataURL  string
	ClientID     string
	ClientSecret string
}

// Enabled reports whether the provider is configured.
func (c SmartIDConfig) Enabled() bool {
	return c.AuthorizeURL != "" && c.TokenURL != "" && c.UserDataURL != "" && c.ClientID != ""
}

// FromEnv loads configuration from environment variables required by the service.
func FromEnv() (*Config, error) {
	dbURL := strings.TrimSpace(os.Getenv("ATT_DB_URL"))
	if dbURL == "" {
		return nil, fmt.Errorf("ATT_DB_URL is required")
	}
	policyFile := strings.TrimSpace(os.Getenv("ATT_POLICY_FILE"))
	if policyFile == "" {
		return nil, fmt.Errorf("ATT_POLICY_FILE is required")
	}
	nodeURL := strings.TrimSpace(os.Getenv("ATT_NODE_RPC_URL"))
	if nodeURL == "" {
		return nil, fmt.Errorf("ATT_NODE_RPC_URL is required")
	}
	publicBase := strings.TrimRight(strings.TrimSpace(os.Getenv("ATT_PUBLIC_BASE_URL")), "/")
	if publicBase == "" {
		return nil, fmt.Errorf("ATT_PUBLIC_BASE_URL is required")
	}

	usdPerCoin, err := parseFloat("ATT_USD_PER_COIN", os.Getenv("ATT_USD_PER_COIN"))
	if err != nil {
		return nil, err
	}
	if usdPerCoin <= 0 {
		return nil, fmt.Errorf("ATT_USD_PER_COIN must be a positive number")
	}

	cfg := &Config{
		Port:           getEnvDefault("ATT_PORT", "8080"),
		Env:            getEnvDefault("ATT_ENV", "dev"),
		DatabaseURL:    dbURL,
		PolicyFile:     policyFile,
		GeoDBPath:      strings.TrimSpace(os.Getenv("ATT_GEO_DB")),
		WebhookSecret:  strings.TrimSpace(os.Getenv("ATT_WEBHOOK_SECRET")),
		PublicBaseURL:  publicBase,
		LogFile:        strings.TrimSpace(os.Getenv("ATT_LOG_FILE")),
		NodeRPCURL:     nodeURL,
		OperatorHandle: strings.TrimSpace(os.Getenv("ATT_OPERATOR_HANDLE")),
		USDPerCoin:     usdPerCoin,
		Jumio: JumioConfig{
			BaseURL:   strings.TrimSpace(os.Getenv("ATT_JUMIO_BASE_URL")),
			APIToken:  strings.TrimSpace(os.Getenv("ATT_JUMIO_API_TOKEN")),
			APISecret: strings.TrimSpace(os.Getenv("ATT_JUMIO_API_SECRET")),
		},
		SmartID: SmartIDConfig{
			AuthorizeURL: strings.TrimSpace(os.Getenv("ATT_SMARTID_AUTHORIZE_URL")),
			TokenURL:     strings.TrimSpace(os.Getenv("ATT_SMARTID_TOKEN_URL")),
			UserDataURL:  strings.TrimSpace(os.Getenv("ATT_SMARTID_USERDATA_URL")),
			ClientID:     strings.TrimSpace(os.Getenv("ATT_SMARTID_CLIENT_ID")),
			ClientSecret: strings.TrimSpace(os.Getenv("ATT_SMARTID_CLIENT_SECRET")),
		},
	}

	if !cfg.Jumio.Enabled() && !cfg.SmartID.Enabled() {
		return nil, fmt.Errorf("at least one verification provider must be configured")
	}
	if cfg.Jumio.BaseURL != "" && !cfg.Jumio.Enabled() {
		return nil, fmt.Errorf("ATT_JUMIO_BASE_URL, ATT_JUMIO_API_TOKEN and ATT_JUMIO_API_SECRET must be set together")
	}

	if cfg.LogMaxSizeMB, err = parseIntDefault("ATT_LOG_MAX_SIZE_MB", 100); err != nil {
		return nil, err
	}
	if cfg.LogMaxBackups, err = parseIntDefault("ATT_LOG_MAX_BACKUPS", 5); err != nil {
		return nil, err
	}

	if cfg.NodeRPCTimeout, err = parseDurationDefault("ATT_NODE_RPC_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryInterval, err = parseDurationDefault("ATT_SWEEP_RETRY_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = parseDurationDefault("ATT_SWEEP_POLL_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.PurgeInterval, err = parseDurationDefault("ATT_SWEEP_PURGE_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.ConsolidateInterval, err = parseDurationDefault("ATT_SWEEP_CONSOLIDATE_INTERVAL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.PayloadRetention, err = parseDurationDefault("ATT_PAYLOAD_RETENTION", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.DonationAskInterval, err = parseDurationDefault("ATT_DONATION_ASK_INTERVAL", 24*time.Hour); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CallbackURL is the vendor-facing webhook endpoint.
func (c *Config) CallbackURL() string {
	return c.PublicBaseURL + "/cb"
}

// RedirectURL is the OAuth redirect endpoint.
func (c *Config) RedirectURL() string {
	return c.PublicBaseURL + "/done"
}

func getEnvDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func parseFloat(key, raw string) (float64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return v, nil
}

func parseIntDefault(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return v, nil
}

func parseDurationDefault(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return v, nil
}
