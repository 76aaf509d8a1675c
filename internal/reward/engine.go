// Package reward grants the one-time attestation and referral rewards and
// drives their ledger payouts. Grants are exactly-once through uniqueness
// constraints; payout sends are at-least-once and retried by the sweeper.
package reward

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"attestd/internal/keylock"
	"attestd/internal/models"
	"attestd/internal/notify"
	"attestd/internal/policy"
	"attestd/internal/pricing"
	"attestd/internal/wallet"
)

// ErrNoAttestation indicates a voucher referrer without a recorded
// attestation; the referral cannot be resolved and the ledger must not be
// guessed at.
var ErrNoAttestation = errors.New("reward: no attestation found for referrer")

// Referrer identifies the user credited for bringing a new one.
type Referrer struct {
	Account        string
	IdentityHandle string
	ExternalUserID string
}

// ReferrerResolver answers referral questions from ledger history.
type ReferrerResolver interface {
	// ReferrerByUnit resolves the attested author of the payment unit's
	// funding chain; nil when the payer was not referred.
	ReferrerByUnit(ctx context.Context, unit string) (*Referrer, error)
	// LatestAttestedUserID returns the external user id from the most
	// recent attestation of account by one of the attestor addresses,
	// empty when none exists.
	LatestAttestedUserID(ctx context.Context, account string, attestorAddresses []string) (string, error)
}

// Engine owns reward_units and referral_reward_units.
type Engine struct {
	db        *gorm.DB
	locks     *keylock.Manager
	policy    *policy.Policy
	converter pricing.Converter
	sender    wallet.Sender
	contracts wallet.VestingContracts
	resolver  ReferrerResolver
	notifier  notify.Notifier
	operator  notify.Operator
	attestors wallet.Attestors
	now       func() time.Time
}

// Config wires the engine's collaborators.
type Config struct {
	DB        *gorm.DB
	Locks     *keylock.Manager
	Policy    *policy.Policy
	Converter pricing.Converter
	Sender    wallet.Sender
	Contracts wallet.VestingContracts
	Resolver  ReferrerResolver
	Notifier  notify.Notifier
	Operator  notify.Operator
	Attestors wallet.Attestors
	Now       func() time.Time
}

// New constructs a reward engine.
func New(cfg Config) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	locks := cfg.Locks
	if locks == nil {
		locks = keylock.New()
	}
	return &Engine{
		db:        cfg.DB,
		locks:     locks,
		policy:    cfg.Policy,
		converter: cfg.Converter,
		sender:    cfg.Sender,
		contracts: cfg.Contracts,
		resolver:  cfg.Resolver,
		notifier:  cfg.Notifier,
		operator:  cfg.Operator,
		attestors: cfg.Attestors,
		now:       now,
	}
}

// AttestationGrant describes a first-attestation reward candidate.
type AttestationGrant struct {
	TransactionID  uint64
	IdentityHandle string
	LinkedAccount  string
	ExternalUserID string
	ReceivedAmount int64
}

// RecordAttestation inserts the one-time reward row. A uniqueness conflict on
// the linked account or the external user id means the user was already
// rewarded elsewhere; that is reported as granted=false without error.
func (e *Engine) RecordAttestation(ctx context.Context, g AttestationGrant) (*models.RewardUnit, bool, error) {
	if !e.policy.RewardsEnabled() {
		return nil, false, nil
	}
	var direct int64
	if e.policy.RefundAttestationFee {
		direct = g.ReceivedAmount
	}
	contractAmount, err := e.converter.BaseUnits(e.policy.ContractRewardUSD)
	if err != nil {
		return nil, false, fmt.Errorf("reward: convert contract reward: %w", err)
	}
	unit := models.RewardUnit{
		TransactionID:        g.TransactionID,
		IdentityHandle:       g.IdentityHandle,
		LinkedAccount:        g.LinkedAccount,
		ExternalUserID:       g.ExternalUserID,
		RewardAmount:         direct,
		ContractRewardAmount: contractAmount,
	}
	res := e.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&unit)
	if res.Error != nil {
		return nil, false, fmt.Errorf("reward: insert: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	// A failed contract creation does not void the grant; the payout path
	// creates the missing contract before sending.
	contractAddress, vestingAt, err := e.contracts.Create(ctx, g.LinkedAccount, g.IdentityHandle)
	if err != nil {
		if e.operator != nil {
			e.operator.Alert(ctx, "vesting contract creation failed",
				fmt.Sprintf("transaction %d: %v", g.TransactionID, err))
		}
	} else {
		if err := e.db.WithContext(ctx).Model(&models.RewardUnit{}).Where("id = ?", unit.ID).
			Updates(map[string]interface{}{
				"contract_address": contractAddress,
				"vesting_at":       vestingAt,
			}).Error; err != nil {
			return nil, false, err
		}
		unit.ContractAddress = contractAddress
		unit.VestingAt = &vestingAt
	}

	if e.notifier != nil {
		message := "You were attested for the first time."
		if direct > 0 {
			message = "You were attested for the first time and your attestation fee (" +
				notify.FormatCoins(direct) + ") will be refunded from the distribution fund."
		}
		if contractAmount > 0 {
			message += " You will also receive a reward of " + notify.FormatUSD(e.policy.ContractRewardUSD) +
				" (" + notify.FormatCoins(contractAmount) + ") locked on a smart contract"
			if unit.VestingAt != nil {
				message += ", spendable after " + unit.VestingAt.Format("2006-01-02")
			}
			message += "."
		}
		_ = e.notifier.Send(ctx, g.IdentityHandle, message)
	}
	return &unit, true, nil
}

// ReferralGrant describes a referral reward candidate.
type ReferralGrant struct {
	TransactionID     uint64
	Referrer          Referrer
	NewUserAccount    string
	NewUserExternalID string
	// DirectUSD and ContractUSD are the reward split; the voucher path
	// pays everything directly.
	DirectUSD   float64
	ContractUSD float64
}

// RecordReferral inserts the one-time referral row. Duplicate grants for the
// same new user are alerted and swallowed.
func (e *Engine) RecordReferral(ctx context.Context, g ReferralGrant) (bool, error) {
	direct, err := e.converter.BaseUnits(g.DirectUSD)
	if err != nil {
		return false, fmt.Errorf("reward: convert referral reward: %w", err)
	}
	contractAmount, err := e.converter.BaseUnits(g.ContractUSD)
	if err != nil {
		return false, fmt.Errorf("reward: convert referral contract reward: %w", err)
	}
	unit := models.ReferralRewardUnit{
		TransactionID:        g.TransactionID,
		ReferrerHandle:       g.Referrer.IdentityHandle,
		ReferrerAccount:      g.Referrer.Account,
		ReferrerExternalID:   g.Referrer.ExternalUserID,
		NewUserAccount:       g.NewUserAccount,
		NewUserExternalID:    g.NewUserExternalID,
		RewardAmount:         direct,
		ContractRewardAmount: contractAmount,
	}
	res := e.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&unit)
	if res.Error != nil {
		return false, fmt.Errorf("reward: insert referral: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if e.operator != nil {
			e.operator.Alert(ctx, "duplicate referral reward",
				fmt.Sprintf("referral reward for new user %s (%s) already written", g.NewUserAccount, g.NewUserExternalID))
		}
		return false, nil
	}
	return true, nil
}

// VoucherReferrer resolves the referral credit for a voucher-funded cycle.
// The voucher owner must have an attestation on record; a missing one is an
// integrity violation raised to the operator.
func (e *Engine) VoucherReferrer(ctx context.Context, v *models.Voucher) (Referrer, error) {
	userID, err := e.resolver.LatestAttestedUserID(ctx, v.OwnerAccount,
		[]string{e.attestors.Jumio, e.attestors.SmartID})
	if err != nil {
		return Referrer{}, err
	}
	if userID == "" {
		if e.operator != nil {
			e.operator.Alert(ctx, "voucher referrer without attestation",
				"no attestation for voucher owner "+v.OwnerAccount)
		}
		return Referrer{}, ErrNoAttestation
	}
	return Referrer{Account: v.OwnerAccount, IdentityHandle: v.OwnerHandle, ExternalUserID: userID}, nil
}

// ReferrerByUnit proxies the ledger lookup for payment-funded cycles.
func (e *Engine) ReferrerByUnit(ctx context.Context, unit string) (*Referrer, error) {
	if e.resolver == nil {
		return nil, nil
	}
	return e.resolver.ReferrerByUnit(ctx, unit)
}

// Grant sends the pending payout for one reward row and marks it sent.
// Safe to call repeatedly; a row already marked sent is a no-op.
func (e *Engine) Grant(ctx context.Context, kind models.RewardKind, transactionID uint64) error {
	key := fmt.Sprintf("reward-%s-%d", kind, transactionID)
	return e.locks.WithLock(ctx, []string{key}, func() error {
		switch kind {
		case models.RewardAttestation:
			return e.grantAttestation(ctx, transactionID)
		case models.RewardReferral:
			return e.grantReferral(ctx, transactionID)
		default:
			return fmt.Errorf("reward: unknown kind %q", kind)
		}
	})
}

func (e *Engine) grantAttestation(ctx context.Context, transactionID uint64) error {
	var unit models.RewardUnit
	if err := e.db.WithContext(ctx).First(&unit, "transaction_id = ?", transactionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if unit.SentAt != nil {
		return nil
	}
	if unit.ContractRewardAmount > 0 && unit.ContractAddress == "" {
		addr, vestingAt, err := e.contracts.Create(ctx, unit.LinkedAccount, unit.IdentityHandle)
		if err != nil {
			return fmt.Errorf("reward: attestation contract tx %d: %w", transactionID, err)
		}
		if err := e.db.WithContext(ctx).Model(&models.RewardUnit{}).Where("id = ?", unit.ID).
			Updates(map[string]interface{}{
				"contract_address": addr,
				"vesting_at":       vestingAt,
			}).Error; err != nil {
			return err
		}
		unit.ContractAddress = addr
	}
	sentUnit, err := e.payout(ctx, unit.LinkedAccount, unit.ContractAddress, unit.RewardAmount, unit.ContractRewardAmount)
	if err != nil {
		return fmt.Errorf("reward: attestation payout tx %d: %w", transactionID, err)
	}
	now := e.now()
	return e.db.WithContext(ctx).Model(&models.RewardUnit{}).Where("id = ?", unit.ID).
		Updates(map[string]interface{}{"sent_unit": sentUnit, "sent_at": now}).Error
}

func (e *Engine) grantReferral(ctx context.Context, transactionID uint64) error {
	var unit models.ReferralRewardUnit
	if err := e.db.WithContext(ctx).First(&unit, "transaction_id = ?", transactionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if unit.SentAt != nil {
		return nil
	}
	contractAddress := ""
	if unit.ContractRewardAmount > 0 {
		addr, _, err := e.contracts.Create(ctx, unit.ReferrerAccount, unit.ReferrerHandle)
		if err != nil {
			return fmt.Errorf("reward: referral contract: %w", err)
		}
		contractAddress = addr
	}
	sentUnit, err := e.payout(ctx, unit.ReferrerAccount, contractAddress, unit.RewardAmount, unit.ContractRewardAmount)
	if err != nil {
		return fmt.Errorf("reward: referral payout tx %d: %w", transactionID, err)
	}
	now := e.now()
	return e.db.WithContext(ctx).Model(&models.ReferralRewardUnit{}).Where("id = ?", unit.ID).
		Updates(map[string]interface{}{"sent_unit": sentUnit, "sent_at": now}).Error
}

func (e *Engine) payout(ctx context.Context, account, contractAddress string, direct, locked int64) (string, error) {
	// Validate before sending so a doomed payout does not repeat the direct
	// leg on every retry.
	if locked > 0 && contractAddress == "" {
		return "", fmt.Errorf("no vesting contract for locked payout")
	}
	var sentUnit string
	if direct > 0 {
		unit, err := e.sender.Send(ctx, account, direct)
		if err != nil {
			return "", err
		}
		sentUnit = unit
	}
	if locked > 0 {
		unit, err := e.sender.SendToContract(ctx, contractAddress, locked)
		if err != nil {
			return "", err
		}
		if sentUnit == "" {
			sentUnit = unit
		}
	}
	if sentUnit == "" {
		sentUnit = "none"
	}
	return sentUnit, nil
}

// RetryPending re-drives unsent payouts; called by the sweeper. One failing
// row does not block the rest of the backlog.
func (e *Engine) RetryPending(ctx context.Context) error {
	var errs []error
	var attIDs []uint64
	if err := e.db.WithContext(ctx).Model(&models.RewardUnit{}).
		Where("sent_at IS NULL").Pluck("transaction_id", &attIDs).Error; err != nil {
		return err
	}
	for _, id := range attIDs {
		if err := e.Grant(ctx, models.RewardAttestation, id); err != nil {
			errs = append(errs, err)
		}
	}
	var refIDs []uint64
	if err := e.db.WithContext(ctx).Model(&models.ReferralRewardUnit{}).
		Where("sent_at IS NULL").Pluck("transaction_id", &refIDs).Error; err != nil {
		return err
	}
	for _, id := range refIDs {
		if err := e.Grant(ctx, models.RewardReferral, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetDonation records the user's donation choice. "yes" overwrites any prior
// answer; "no" only fills an unset one, so a later regret cannot claw back a
// recorded donation.
func (e *Engine) SetDonation(ctx context.Context, identityHandle, account string, choice models.DonationChoice) error {
	q := e.db.WithContext(ctx).Model(&models.RewardUnit{}).
		Where("identity_handle = ? OR linked_account = ?", identityHandle, account)
	if choice == models.DonationNo {
		q = q.Where("donation = ?", models.DonationUnset)
	}
	return q.Update("donation", choice).Error
}

// DonationTotals sums donated rewards for the periodic accounting sweep.
func (e *Engine) DonationTotals(ctx context.Context) (count int64, total int64, err error) {
	rows := []models.RewardUnit{}
	if err := e.db.WithContext(ctx).
		Where("donation = ? AND sent_at IS NOT NULL", models.DonationYes).
		Find(&rows).Error; err != nil {
		return 0, 0, err
	}
	for _, r := range rows {
		count++
		total += r.RewardAmount + r.ContractRewardAmount
	}
	return count, total, nil
}
