// Package policy loads the attestation pricing and reward policy file.
package policy

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"attestd/internal/models"
)

// Policy is the operator-tunable pricing/reward policy, decoded from TOML.
type Policy struct {
	// Base attestation prices in USD, before per-user discounts.
	PriceUSD        float64 `toml:"price_usd"`
	PriceUSDSmartID float64 `toml:"price_usd_smartid"`

	// RefundAttestationFee refunds the received payment as the direct part
	// of the first-attestation reward.
	RefundAttestationFee bool    `toml:"refund_attestation_fee"`
	ContractRewardUSD    float64 `toml:"contract_reward_usd"`

	ReferralRewardUSD         float64 `toml:"referral_reward_usd"`
	ContractReferralRewardUSD float64 `toml:"contract_referral_reward_usd"`

	// ContractTermYears is the vesting term for contract payouts.
	ContractTermYears int `toml:"contract_term_years"`

	// InstantPayoutCap bounds the direct part of a voucher withdrawal in
	// base units; the remainder is routed to a vesting contract.
	InstantPayoutCap int64 `toml:"instant_payout_cap"`

	// Salt hashes vendor identities into external user ids.
	Salt string `toml:"salt"`
}

// Load reads and validates a policy file.
func Load(path string) (*Policy, error) {
	var p Policy
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return nil, fmt.Errorf("policy: decode %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the invariants the engine relies on.
func (p *Policy) Validate() error {
	if p.PriceUSD <= 0 {
		return fmt.Errorf("policy: price_usd must be positive")
	}
	if p.PriceUSDSmartID <= 0 {
		p.PriceUSDSmartID = p.PriceUSD
	}
	if p.ContractRewardUSD < 0 || p.ReferralRewardUSD < 0 || p.ContractReferralRewardUSD < 0 {
		return fmt.Errorf("policy: reward amounts cannot be negative")
	}
	if p.ContractTermYears <= 0 {
		p.ContractTermYears = 1
	}
	if p.InstantPayoutCap < 0 {
		return fmt.Errorf("policy: instant_payout_cap cannot be negative")
	}
	if p.Salt == "" {
		return fmt.Errorf("policy: salt is required for hashing user ids")
	}
	return nil
}

// BasePriceUSD returns the undiscounted price for a provider.
func (p *Policy) BasePriceUSD(provider string) float64 {
	if provider == models.ProviderSmartID {
		return p.PriceUSDSmartID
	}
	return p.PriceUSD
}

// RewardsEnabled reports whether first-attestation rewards are configured.
func (p *Policy) RewardsEnabled() bool {
	return p.RefundAttestationFee || p.ContractRewardUSD > 0
}

// ReferralsEnabled reports whether referral rewards are configured.
func (p *Policy) ReferralsEnabled() bool {
	return p.ReferralRewardUSD > 0 || p.ContractReferralRewardUSD > 0
}
