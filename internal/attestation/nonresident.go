package attestation

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"attestd/internal/keylock"
	"attestd/internal/models"
	"attestd/internal/notify"
	"attestd/internal/wallet"
)

// ErrNoPassedVerification indicates a non-resident request without a prior
// successful identity verification to base it on.
var ErrNoPassedVerification = errors.New("attestation: no passed verification")

// RequestNonResident posts the optional non-US attestation on top of an
// existing passed verification. Repeated requests are answered with the
// already-posted unit instead of a second attestation.
func (e *Engine) RequestNonResident(ctx context.Context, identityHandle, account string) error {
	var tx models.Transaction
	err := e.db.WithContext(ctx).
		Joins("JOIN receiving_addresses ON receiving_addresses.address = transactions.receiving_address").
		Where("receiving_addresses.identity_handle = ? AND receiving_addresses.linked_account = ? AND transactions.result = ?",
			identityHandle, account, models.VerificationPassed).
		Order("transactions.id DESC").
		First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNoPassedVerification
	}
	if err != nil {
		return err
	}

	return e.locks.WithLock(ctx, []string{keylock.TransactionKey(tx.ID)}, func() error {
		var existing models.AttestationUnit
		err := e.db.WithContext(ctx).
			First(&existing, "transaction_id = ? AND kind = ?", tx.ID, models.KindNonResident).Error
		if err == nil {
			if e.notifier != nil {
				if existing.PostedUnit != nil {
					_ = e.notifier.Send(ctx, identityHandle, notify.AlreadyAttestedInUnit(*existing.PostedUnit))
				} else {
					_ = e.notifier.Send(ctx, identityHandle, notify.UnderWay())
				}
			}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if len(tx.ExtractedPayload) == 0 {
			// Payload purged; a fresh verification would be needed.
			return ErrNoPassedVerification
		}
		row, err := e.receivingAddressOf(ctx, &tx)
		if err != nil {
			return err
		}
		verdict, err := e.evaluate(row.Provider, tx.ExtractedPayload)
		if err != nil {
			return err
		}
		if verdict.Profile.Country == countryUSA {
			if e.notifier != nil {
				_ = e.notifier.Send(ctx, identityHandle, notify.NonUSRefused())
			}
			return nil
		}

		unit := models.AttestationUnit{
			TransactionID: tx.ID,
			Kind:          models.KindNonResident,
		}
		insert := e.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&unit)
		if insert.Error != nil {
			return insert.Error
		}
		if insert.RowsAffected == 0 {
			return nil
		}
		return e.postNonResident(ctx, &unit, row, verdict.Profile.Country)
	})
}

func (e *Engine) postNonResident(ctx context.Context, unit *models.AttestationUnit, row *models.ReceivingAddress, country string) error {
	payload := wallet.AttestationPayload{
		Account:        row.LinkedAccount,
		Kind:           models.KindNonResident,
		ExternalUserID: "",
		Country:        country,
	}
	postedUnit, err := e.poster.PostAttestation(ctx, e.attestors.NonResident, payload)
	if err != nil {
		if e.operator != nil {
			e.operator.Alert(ctx, "non-resident attestation post failed", err.Error())
		}
		// Left for the posting sweep.
		return nil
	}
	now := e.now()
	if err := e.db.WithContext(ctx).Model(&models.AttestationUnit{}).
		Where("id = ?", unit.ID).
		Updates(map[string]interface{}{"posted_unit": postedUnit, "posted_at": now}).Error; err != nil {
		return err
	}
	e.metrics.ObserveAttestationPosted(string(models.KindNonResident))
	if e.notifier != nil {
		_ = e.notifier.Send(ctx, row.IdentityHandle, notify.AttestationPosted(postedUnit))
	}
	return nil
}
