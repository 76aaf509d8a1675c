package attestation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"attestd/internal/keylock"
	"attestd/internal/models"
	"attestd/internal/notify"
	"attestd/internal/reward"
	"attestd/internal/verify"
	"attestd/internal/wallet"
)

// HandleCallback processes one vendor verification result, delivered by
// webhook or fetched by the polling sweep. The transition into a terminal
// result happens exactly once; replays are alerted and rejected.
func (e *Engine) HandleCallback(ctx context.Context, provider, scanReference string, body []byte, clientIP string) error {
	tx, err := e.transactionByScan(ctx, scanReference)
	if err != nil {
		return err
	}
	if tx.Result.Terminal() {
		if e.operator != nil {
			e.operator.Alert(ctx, "duplicate verification callback",
				fmt.Sprintf("scan %s already resolved as %s", scanReference, tx.Result))
		}
		return ErrDuplicateCallback
	}

	verdict, err := e.evaluate(provider, body)
	if errors.Is(err, verify.ErrIncompleteResult) {
		// Approved but the liveness section is missing; the vendor will
		// re-deliver, or the polling sweep picks it up.
		if e.operator != nil {
			e.operator.Alert(ctx, "incomplete verification result", scanReference)
		}
		return err
	}
	if err != nil {
		return err
	}
	verdict.Profile.ClientIP = clientIP

	return e.applyVerdict(ctx, tx.ID, provider, body, verdict)
}

func (e *Engine) transactionByScan(ctx context.Context, scanReference string) (*models.Transaction, error) {
	var tx models.Transaction
	err := e.db.WithContext(ctx).First(&tx, "scan_reference = ?", scanReference).Error
	if err != nil {
		if e.operator != nil {
			e.operator.Alert(ctx, "callback for unknown scan", scanReference)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownScan, scanReference)
	}
	return &tx, nil
}

func (e *Engine) evaluate(provider string, body []byte) (verify.Verdict, error) {
	switch provider {
	case models.ProviderJumio:
		cb, err := verify.ParseJumio(body)
		if err != nil {
			return verify.Verdict{}, err
		}
		return verify.EvaluateJumio(cb)
	case models.ProviderSmartID:
		cb, err := verify.ParseSmartID(body)
		if err != nil {
			return verify.Verdict{}, err
		}
		return verify.EvaluateSmartID(cb)
	default:
		return verify.Verdict{}, fmt.Errorf("attestation: unknown provider %q", provider)
	}
}

// applyVerdict records the terminal result and, on a pass, drives the
// attestation and reward chain.
func (e *Engine) applyVerdict(ctx context.Context, transactionID uint64, provider string, body []byte, verdict verify.Verdict) error {
	return e.locks.WithLock(ctx, []string{keylock.TransactionKey(transactionID)}, func() error {
		result := models.VerificationFailed
		state := models.StateFailed
		if verdict.Passed {
			result = models.VerificationPassed
			state = models.StateVerified
		}
		now := e.now()
		update := e.db.WithContext(ctx).Model(&models.Transaction{}).
			Where("id = ? AND result = ?", transactionID, models.VerificationUnknown).
			Updates(map[string]interface{}{
				"result":            result,
				"result_reason":     verdict.Reason,
				"result_at":         now,
				"state":             state,
				"extracted_payload": body,
			})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			if e.operator != nil {
				e.operator.Alert(ctx, "duplicate verification callback",
					fmt.Sprintf("transaction %d already resolved", transactionID))
			}
			return ErrDuplicateCallback
		}

		tx, err := e.TransactionByID(ctx, transactionID)
		if err != nil {
			return err
		}
		row, err := e.receivingAddressOf(ctx, tx)
		if err != nil {
			return err
		}
		if !verdict.Passed {
			e.metrics.ObserveVerification(provider, "failed")
			if e.notifier != nil {
				_ = e.notifier.Send(ctx, row.IdentityHandle, notify.VerificationFailed(verdict.Reason))
			}
			return nil
		}
		e.metrics.ObserveVerification(provider, "passed")
		return e.completeAttestation(ctx, tx, row, verdict.Profile)
	})
}

// completeAttestation posts the identity attestation and issues rewards,
// sending the one-time offer and donation prompts. Runs once per transaction;
// the guarded result transition keeps replays out.
func (e *Engine) completeAttestation(ctx context.Context, tx *models.Transaction, row *models.ReceivingAddress, profile verify.Profile) error {
	unit, err := e.postIdentityUnit(ctx, tx, row, profile)
	if err != nil {
		return err
	}

	if e.offerNonResident(ctx, profile) && e.notifier != nil {
		_ = e.notifier.Send(ctx, row.IdentityHandle, notify.AttestNonUS())
	}
	e.askDonation(ctx, row.IdentityHandle)

	if unit.PostedUnit == nil {
		// The posting sweep re-posts and then issues the rewards.
		return nil
	}
	if err := e.issueReward(ctx, tx, row, profile); err != nil {
		return err
	}
	return e.issueReferralReward(ctx, tx, row, profile)
}

// postIdentityUnit inserts the identity attestation row and posts its ledger
// unit. Idempotent: an existing posted unit is returned as is, a post failure
// leaves the row for the posting sweep.
func (e *Engine) postIdentityUnit(ctx context.Context, tx *models.Transaction, row *models.ReceivingAddress, profile verify.Profile) (*models.AttestationUnit, error) {
	unit := models.AttestationUnit{
		TransactionID: tx.ID,
		Kind:          models.KindIdentity,
	}
	insert := e.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&unit)
	if insert.Error != nil {
		return nil, insert.Error
	}
	if insert.RowsAffected == 0 {
		if err := e.db.WithContext(ctx).
			First(&unit, "transaction_id = ? AND kind = ?", tx.ID, models.KindIdentity).Error; err != nil {
			return nil, err
		}
	}
	if unit.PostedUnit != nil {
		return &unit, nil
	}

	payload := attestationPayload(row, models.KindIdentity, e.externalUserID(profile), profile)
	postedUnit, err := e.poster.PostAttestation(ctx, e.attestors.ByProvider(row.Provider), payload)
	if err != nil {
		if e.operator != nil {
			e.operator.Alert(ctx, "attestation post failed",
				fmt.Sprintf("transaction %d: %v", tx.ID, err))
		}
		return &unit, nil
	}
	now := e.now()
	if err := e.db.WithContext(ctx).Model(&models.AttestationUnit{}).
		Where("id = ?", unit.ID).
		Updates(map[string]interface{}{"posted_unit": postedUnit, "posted_at": now}).Error; err != nil {
		return nil, err
	}
	if err := e.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ?", tx.ID).
		Update("state", models.StateAttested).Error; err != nil {
		return nil, err
	}
	unit.PostedUnit = &postedUnit
	unit.PostedAt = &now
	e.metrics.ObserveAttestationPosted(string(models.KindIdentity))
	if e.notifier != nil {
		_ = e.notifier.Send(ctx, row.IdentityHandle, notify.AttestationPosted(postedUnit))
	}
	return &unit, nil
}

// offerNonResident decides whether to suggest the optional non-US
// attestation: the document must be non-US and the client IP, when known,
// must not geolocate to the US. An IP that cannot be resolved does not
// override the document.
func (e *Engine) offerNonResident(ctx context.Context, profile verify.Profile) bool {
	if profile.Country == countryUSA {
		return false
	}
	if e.geo == nil || profile.ClientIP == "" {
		return true
	}
	return e.geo.CountryByIP(profile.ClientIP) != "US"
}

const countryUSA = "USA"

func (e *Engine) issueReward(ctx context.Context, tx *models.Transaction, row *models.ReceivingAddress, profile verify.Profile) error {
	_, granted, err := e.rewards.RecordAttestation(ctx, reward.AttestationGrant{
		TransactionID:  tx.ID,
		IdentityHandle: row.IdentityHandle,
		LinkedAccount:  row.LinkedAccount,
		ExternalUserID: e.externalUserID(profile),
		ReceivedAmount: tx.ReceivedAmount,
	})
	if err != nil {
		return err
	}
	if !granted {
		return nil
	}
	e.metrics.ObserveRewardGrant(string(models.RewardAttestation))
	if err := e.rewards.Grant(ctx, models.RewardAttestation, tx.ID); err != nil {
		// The payout sweep drains unsent grants.
		if e.operator != nil {
			e.operator.Alert(ctx, "reward payout failed",
				fmt.Sprintf("transaction %d: %v", tx.ID, err))
		}
		return nil
	}
	return e.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ?", tx.ID).
		Update("state", models.StateRewarded).Error
}

func (e *Engine) issueReferralReward(ctx context.Context, tx *models.Transaction, row *models.ReceivingAddress, profile verify.Profile) error {
	if !e.policy.ReferralsEnabled() {
		return nil
	}
	newUserID := e.externalUserID(profile)

	var (
		referrer  *reward.Referrer
		directUSD float64
		vestedUSD float64
		err       error
	)
	switch {
	case tx.PaymentUnit != nil:
		referrer, err = e.rewards.ReferrerByUnit(ctx, *tx.PaymentUnit)
		if err != nil || referrer == nil {
			return err
		}
		directUSD = e.policy.ReferralRewardUSD
		vestedUSD = e.policy.ContractReferralRewardUSD
	case tx.VoucherCode != nil:
		v, err := e.vouchers.Info(ctx, *tx.VoucherCode)
		if err != nil {
			return err
		}
		r, err := e.rewards.VoucherReferrer(ctx, v)
		if errors.Is(err, reward.ErrNoAttestation) {
			return nil
		}
		if err != nil {
			return err
		}
		referrer = &r
		// Voucher referrers prepaid the attestation fee, so it is refunded
		// on top of the referral reward, all paid out directly.
		directUSD = e.policy.ReferralRewardUSD + e.policy.ContractReferralRewardUSD +
			e.policy.BasePriceUSD(row.Provider)
	default:
		return nil
	}

	if referrer.ExternalUserID == newUserID {
		// Self-referral.
		return nil
	}

	recorded, err := e.rewards.RecordReferral(ctx, reward.ReferralGrant{
		TransactionID:     tx.ID,
		Referrer:          *referrer,
		NewUserAccount:    row.LinkedAccount,
		NewUserExternalID: newUserID,
		DirectUSD:         directUSD,
		ContractUSD:       vestedUSD,
	})
	if err != nil || !recorded {
		return err
	}
	e.metrics.ObserveRewardGrant(string(models.RewardReferral))
	if err := e.rewards.Grant(ctx, models.RewardReferral, tx.ID); err != nil {
		if e.operator != nil {
			e.operator.Alert(ctx, "referral payout failed",
				fmt.Sprintf("transaction %d: %v", tx.ID, err))
		}
		return nil
	}
	if e.notifier != nil && referrer.IdentityHandle != "" {
		_ = e.notifier.Send(ctx, referrer.IdentityHandle,
			notify.ReferredNewUser(notify.FormatUSD(directUSD+vestedUSD)))
	}
	return nil
}

// RetryAttestationPost re-posts the attestations of one transaction whose
// ledger units never materialized, used by the background sweep. The stored
// vendor payload is re-evaluated to rebuild the profile. Retries stay quiet:
// no offer or donation prompts, only the posted-unit confirmations.
func (e *Engine) RetryAttestationPost(ctx context.Context, transactionID uint64) error {
	tx, err := e.TransactionByID(ctx, transactionID)
	if err != nil {
		return err
	}
	if tx.Result != models.VerificationPassed || len(tx.ExtractedPayload) == 0 {
		return nil
	}
	row, err := e.receivingAddressOf(ctx, tx)
	if err != nil {
		return err
	}
	verdict, err := e.evaluate(row.Provider, tx.ExtractedPayload)
	if err != nil || !verdict.Passed {
		return err
	}
	return e.locks.WithLock(ctx, []string{keylock.TransactionKey(tx.ID)}, func() error {
		var units []models.AttestationUnit
		if err := e.db.WithContext(ctx).
			Where("transaction_id = ? AND posted_unit IS NULL", tx.ID).
			Find(&units).Error; err != nil {
			return err
		}
		for i := range units {
			switch units[i].Kind {
			case models.KindIdentity:
				unit, err := e.postIdentityUnit(ctx, tx, row, verdict.Profile)
				if err != nil {
					return err
				}
				if unit.PostedUnit == nil {
					continue
				}
				if err := e.issueReward(ctx, tx, row, verdict.Profile); err != nil {
					return err
				}
				if err := e.issueReferralReward(ctx, tx, row, verdict.Profile); err != nil {
					return err
				}
			case models.KindNonResident:
				if err := e.postNonResident(ctx, &units[i], row, verdict.Profile.Country); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// PurgePayloads clears stored vendor payloads older than the retention
// window. Non-resident attestations need the payload, so requests after the
// purge are refused.
func (e *Engine) PurgePayloads(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := e.now().Add(-retention)
	result := e.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("result_at IS NOT NULL AND result_at < ? AND extracted_payload IS NOT NULL", cutoff).
		Update("extracted_payload", nil)
	return result.RowsAffected, result.Error
}

func attestationPayload(row *models.ReceivingAddress, kind models.AttestationKind, externalUserID string, profile verify.Profile) wallet.AttestationPayload {
	return wallet.AttestationPayload{
		Account:        row.LinkedAccount,
		Kind:           kind,
		ExternalUserID: externalUserID,
		FirstName:      profile.FirstName,
		LastName:       profile.LastName,
		DateOfBirth:    profile.DateOfBirth,
		Country:        profile.Country,
	}
}
