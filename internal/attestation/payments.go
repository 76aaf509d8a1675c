package attestation

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"attestd/internal/keylock"
	"attestd/internal/models"
	"attestd/internal/notify"
	"attestd/internal/wallet"
)

// Rejection reasons recorded on rejected_payments rows.
const (
	rejectWrongAsset  = "wrong asset"
	rejectUnderpaid   = "amount below quoted price"
	rejectMultiAuthor = "multi-address wallet"
	rejectWrongSender = "sender differs from declared address"
	rejectNoRecipient = "address not watched"
	routeVoucher      = "voucher"
	routeAttestation  = "attestation"
)

// HandlePaymentSeen routes an unconfirmed payment observed on a watched
// address. Voucher deposits are logged immediately; attestation payments are
// validated against the quote and the declared sender before a transaction
// row is created.
func (e *Engine) HandlePaymentSeen(ctx context.Context, ev wallet.PaymentSeen) error {
	if v, err := e.vouchers.ByReceivingAddress(ctx, ev.Address); err != nil {
		return err
	} else if v != nil {
		e.metrics.ObservePaymentSeen(routeVoucher)
		if _, err := e.vouchers.RecordDeposit(ctx, ev.Address, ev.Amount, ev.Unit, ev.FromDistribution); err != nil {
			return err
		}
		if !ev.FromDistribution && e.notifier != nil {
			_ = e.notifier.Send(ctx, v.OwnerHandle, notify.PaymentSeenText(ev.Amount))
		}
		return nil
	}

	var row models.ReceivingAddress
	err := e.db.WithContext(ctx).First(&row, "address = ?", ev.Address).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		e.metrics.ObservePaymentRejected(rejectNoRecipient)
		return nil
	}
	if err != nil {
		return err
	}

	e.metrics.ObservePaymentSeen(routeAttestation)
	return e.locks.WithLock(ctx, []string{row.IdentityHandle}, func() error {
		return e.acceptPayment(ctx, &row, ev)
	})
}

func (e *Engine) acceptPayment(ctx context.Context, row *models.ReceivingAddress, ev wallet.PaymentSeen) error {
	if ev.Asset != nil {
		return e.rejectPayment(ctx, row, ev, rejectWrongAsset, notify.WrongAsset())
	}

	quote, err := e.pricer.Quote(ctx, row.LinkedAccount, row.Provider)
	if err != nil {
		return fmt.Errorf("attestation: quote: %w", err)
	}
	ok, expected := e.pricer.Acceptable(ev.Amount, row.QuotedPrice, row.PriceQuotedAt, quote.BaseUnits)
	if !ok {
		if err := e.updatePrice(ctx, row, quote); err != nil {
			return err
		}
		return e.rejectPayment(ctx, row, ev, rejectUnderpaid, notify.PriceChanged(quote.BaseUnits))
	}

	if len(ev.AuthorAddresses) != 1 {
		e.resetLinkedAccount(ctx, row.IdentityHandle)
		return e.rejectPayment(ctx, row, ev, rejectMultiAuthor, notify.SwitchToSingleAddress())
	}
	if ev.AuthorAddresses[0] != row.LinkedAccount {
		e.resetLinkedAccount(ctx, row.IdentityHandle)
		return e.rejectPayment(ctx, row, ev, rejectWrongSender, notify.UnexpectedSender(row.LinkedAccount))
	}

	tx := models.Transaction{
		ReceivingAddress: row.Address,
		State:            models.StatePaymentReceived,
		Price:            expected,
		ReceivedAmount:   ev.Amount,
		PaymentUnit:      &ev.Unit,
		ScanReference:    newScanReference(),
	}
	if err := e.db.WithContext(ctx).Create(&tx).Error; err != nil {
		return fmt.Errorf("attestation: create transaction: %w", err)
	}
	if e.notifier != nil {
		_ = e.notifier.Send(ctx, row.IdentityHandle, notify.PaymentSeenText(ev.Amount))
	}
	return nil
}

func (e *Engine) rejectPayment(ctx context.Context, row *models.ReceivingAddress, ev wallet.PaymentSeen, reason, text string) error {
	e.metrics.ObservePaymentRejected(reason)
	rejected := models.RejectedPayment{
		ReceivingAddress: row.Address,
		ExpectedPrice:    row.QuotedPrice,
		ReceivedAmount:   ev.Amount,
		DelaySeconds:     int64(e.now().Sub(row.PriceQuotedAt).Seconds()),
		PaymentUnit:      ev.Unit,
		Reason:           reason,
	}
	result := e.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rejected)
	if result.Error != nil {
		return fmt.Errorf("attestation: record rejected payment: %w", result.Error)
	}
	// A replayed event for an already-rejected unit stays silent.
	if result.RowsAffected == 0 {
		return nil
	}
	if e.notifier != nil {
		_ = e.notifier.Send(ctx, row.IdentityHandle, text)
	}
	return nil
}

// HandlePaymentConfirmed finalizes a payment once its unit stabilizes:
// voucher deposits are credited, attestation payments move to
// VERIFICATION_PENDING and the verification scan is submitted.
func (e *Engine) HandlePaymentConfirmed(ctx context.Context, unit string) error {
	if err := e.vouchers.ConfirmDepositsByUnit(ctx, unit); err != nil {
		return err
	}

	var tx models.Transaction
	err := e.db.WithContext(ctx).
		First(&tx, "payment_unit = ? AND confirmed = ?", unit, false).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return e.locks.WithLock(ctx, []string{keylock.TransactionKey(tx.ID)}, func() error {
		now := e.now()
		result := e.db.WithContext(ctx).Model(&models.Transaction{}).
			Where("id = ? AND confirmed = ?", tx.ID, false).
			Updates(map[string]interface{}{
				"confirmed":    true,
				"confirmed_at": now,
				"state":        models.StateVerificationPending,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		tx.Confirmed = true
		tx.ConfirmedAt = &now
		tx.State = models.StateVerificationPending
		row, err := e.receivingAddressOf(ctx, &tx)
		if err != nil {
			return err
		}
		if e.notifier != nil {
			_ = e.notifier.Send(ctx, row.IdentityHandle, notify.PaymentConfirmed())
		}
		return e.submitScan(ctx, &tx, row)
	})
}

// BeginVoucherVerification starts the verification flow for a voucher-funded
// transaction, which has no on-ledger payment to wait for.
func (e *Engine) BeginVoucherVerification(ctx context.Context, transactionID uint64) error {
	return e.locks.WithLock(ctx, []string{keylock.TransactionKey(transactionID)}, func() error {
		tx, err := e.TransactionByID(ctx, transactionID)
		if err != nil {
			return err
		}
		now := e.now()
		result := e.db.WithContext(ctx).Model(&models.Transaction{}).
			Where("id = ? AND confirmed = ?", tx.ID, false).
			Updates(map[string]interface{}{
				"confirmed":    true,
				"confirmed_at": now,
				"state":        models.StateVerificationPending,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		tx.State = models.StateVerificationPending
		row, err := e.receivingAddressOf(ctx, tx)
		if err != nil {
			return err
		}
		return e.submitScan(ctx, tx, row)
	})
}

// RetryScan re-submits a scan that was never delivered to the vendor, used
// by the background sweep.
func (e *Engine) RetryScan(ctx context.Context, transactionID uint64) error {
	return e.locks.WithLock(ctx, []string{keylock.TransactionKey(transactionID)}, func() error {
		tx, err := e.TransactionByID(ctx, transactionID)
		if err != nil {
			return err
		}
		if tx.ScanSubmittedAt != nil || tx.State != models.StateVerificationPending {
			return nil
		}
		row, err := e.receivingAddressOf(ctx, tx)
		if err != nil {
			return err
		}
		return e.submitScan(ctx, tx, row)
	})
}

func (e *Engine) submitScan(ctx context.Context, tx *models.Transaction, row *models.ReceivingAddress) error {
	submitter, ok := e.submitters[row.Provider]
	if !ok {
		return fmt.Errorf("attestation: no submitter for provider %q", row.Provider)
	}
	redirectURL, err := submitter.InitScan(ctx, tx.ScanReference, row.IdentityHandle, row.LinkedAccount)
	if err != nil {
		if e.operator != nil {
			e.operator.Alert(ctx, "scan submission failed", err.Error())
		}
		// Left for the retry sweep.
		return nil
	}
	now := e.now()
	if err := e.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ?", tx.ID).
		Update("scan_submitted_at", now).Error; err != nil {
		return err
	}
	if e.notifier != nil && redirectURL != "" {
		_ = e.notifier.Send(ctx, row.IdentityHandle, notify.VerifyHere(redirectURL))
	}
	return nil
}

func (e *Engine) receivingAddressOf(ctx context.Context, tx *models.Transaction) (*models.ReceivingAddress, error) {
	var row models.ReceivingAddress
	if err := e.db.WithContext(ctx).First(&row, "address = ?", tx.ReceivingAddress).Error; err != nil {
		return nil, fmt.Errorf("attestation: receiving address %s: %w", tx.ReceivingAddress, err)
	}
	return &row, nil
}
