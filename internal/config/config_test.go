package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ATT_DB_URL", "postgres://localhost/attestd")
	t.Setenv("ATT_POLICY_FILE", "/etc/attestd/policy.toml")
	t.Setenv("ATT_NODE_RPC_URL", "http://localhost:6611")
	t.Setenv("ATT_PUBLIC_BASE_URL", "https://attestd.example/")
	t.Setenv("ATT_USD_PER_COIN", "20")
	t.Setenv("ATT_JUMIO_BASE_URL", "https://netverify.example")
	t.Setenv("ATT_JUMIO_API_TOKEN", "token")
	t.Setenv("ATT_JUMIO_API_SECRET", "secret")
}

func TestFromEnvDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Port != "8080" || cfg.Env != "dev" {
		t.Fatalf("defaults: port=%s env=%s", cfg.Port, cfg.Env)
	}
	if cfg.RetryInterval != time.Minute || cfg.PayloadRetention != 30*24*time.Hour {
		t.Fatalf("interval defaults: %+v", cfg)
	}
	if cfg.CallbackURL() != "https://attestd.example/cb" {
		t.Fatalf("callback url = %s", cfg.CallbackURL())
	}
	if cfg.RedirectURL() != "https://attestd.example/done" {
		t.Fatalf("redirect url = %s", cfg.RedirectURL())
	}
	if !cfg.Jumio.Enabled() || cfg.SmartID.Enabled() {
		t.Fatalf("provider flags: jumio=%v smartid=%v", cfg.Jumio.Enabled(), cfg.SmartID.Enabled())
	}
}

func TestFromEnvRequiresCore(t *testing.T) {
	cases := []string{"ATT_DB_URL", "ATT_POLICY_FILE", "ATT_NODE_RPC_URL", "ATT_PUBLIC_BASE_URL", "ATT_USD_PER_COIN"}
	for _, missing := range cases {
		t.Run(missing, func(t *testing.T) {
			setRequired(t)
			t.Setenv(missing, "")
			if _, err := FromEnv(); err == nil {
				t.Fatalf("expected error when %s is missing", missing)
			}
		})
	}
}

func TestFromEnvRequiresOneProvider(t *testing.T) {
	setRequired(t)
	t.Setenv("ATT_JUMIO_BASE_URL", "")
	t.Setenv("ATT_JUMIO_API_TOKEN", "")
	t.Setenv("ATT_JUMIO_API_SECRET", "")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error with no providers configured")
	}
}

func TestFromEnvRejectsPartialJumio(t *testing.T) {
	setRequired(t)
	t.Setenv("ATT_JUMIO_API_SECRET", "")
	t.Setenv("ATT_SMARTID_AUTHORIZE_URL", "https://id.example/authorize")
	t.Setenv("ATT_SMARTID_TOKEN_URL", "https://id.example/token")
	t.Setenv("ATT_SMARTID_USERDATA_URL", "https://id.example/me")
	t.Setenv("ATT_SMARTID_CLIENT_ID", "cid")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for partial jumio credentials")
	}
}

func TestFromEnvParsesOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("ATT_SWEEP_RETRY_INTERVAL", "30s")
	t.Setenv("ATT_PAYLOAD_RETENTION", "168h")
	t.Setenv("ATT_LOG_MAX_SIZE_MB", "50")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.RetryInterval != 30*time.Second || cfg.PayloadRetention != 7*24*time.Hour || cfg.LogMaxSizeMB != 50 {
		t.Fatalf("overrides: %+v", cfg)
	}

	t.Setenv("ATT_SWEEP_RETRY_INTERVAL", "-5s")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for negative duration")
	}
}
