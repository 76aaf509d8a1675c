package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"attestd/internal/models"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writePolicy(t, `
price_usd = 8.0
refund_attestation_fee = true
contract_reward_usd = 20.0
salt = "pepper"
`)
	p, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8.0, p.PriceUSD)
	require.Equal(t, 8.0, p.PriceUSDSmartID, "smartid price falls back to the base price")
	require.Equal(t, 1, p.ContractTermYears)
	require.True(t, p.RewardsEnabled())
	require.False(t, p.ReferralsEnabled())
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing price", `salt = "pepper"`},
		{"missing salt", `price_usd = 8.0`},
		{"negative reward", `
price_usd = 8.0
referral_reward_usd = -1.0
salt = "pepper"
`},
		{"negative payout cap", `
price_usd = 8.0
instant_payout_cap = -5
salt = "pepper"
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writePolicy(t, tc.body))
			require.Error(t, err)
		})
	}
}

func TestBasePriceUSDPerProvider(t *testing.T) {
	p := &Policy{PriceUSD: 8, PriceUSDSmartID: 6, Salt: "pepper"}
	require.NoError(t, p.Validate())
	require.Equal(t, 8.0, p.BasePriceUSD(models.ProviderJumio))
	require.Equal(t, 6.0, p.BasePriceUSD(models.ProviderSmartID))
}
