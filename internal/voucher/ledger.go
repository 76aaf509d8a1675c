// Package voucher implements the prepaid smart-voucher ledger. The voucher
// balance is a cached value; every change goes through a voucher_transactions
// row inside the same database transaction, and every operation runs under
// the voucher-code lock so concurrent check-then-act paths serialize.
package voucher

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"attestd/internal/keylock"
	"attestd/internal/models"
	"attestd/internal/notify"
	"attestd/internal/observability/metrics"
	"attestd/internal/wallet"
)

var (
	// ErrNotFound indicates an unknown voucher code.
	ErrNotFound = errors.New("voucher: not found")
	// ErrInsufficientFunds indicates the balance cannot cover the operation.
	ErrInsufficientFunds = errors.New("voucher: insufficient funds")
	// ErrLimitReached indicates the payer exhausted the per-user usage limit.
	ErrLimitReached = errors.New("voucher: usage limit reached")
	// ErrNotOwner indicates the requester does not own the voucher.
	ErrNotOwner = errors.New("voucher: not the owner")
	// ErrInvalidLimit indicates a usage limit below one.
	ErrInvalidLimit = errors.New("voucher: invalid limit")
)

const codeLength = 13

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

// Ledger owns voucher balances and their audit log.
type Ledger struct {
	db         *gorm.DB
	locks      *keylock.Manager
	issuer     wallet.AddressIssuer
	sender     wallet.Sender
	contracts  wallet.VestingContracts
	notifier   notify.Notifier
	metrics    *metrics.Engine
	instantCap int64
	now        func() time.Time
}

// Config wires the ledger's collaborators.
type Config struct {
	DB         *gorm.DB
	Locks      *keylock.Manager
	Issuer     wallet.AddressIssuer
	Sender     wallet.Sender
	Contracts  wallet.VestingContracts
	Notifier   notify.Notifier
	Metrics    *metrics.Engine
	InstantCap int64
	Now        func() time.Time
}

// NewLedger constructs a voucher ledger.
func NewLedger(cfg Config) *Ledger {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	locks := cfg.Locks
	if locks == nil {
		locks = keylock.New()
	}
	return &Ledger{
		db:         cfg.DB,
		locks:      locks,
		issuer:     cfg.Issuer,
		sender:     cfg.Sender,
		contracts:  cfg.Contracts,
		notifier:   cfg.Notifier,
		metrics:    cfg.Metrics,
		instantCap: cfg.InstantCap,
		now:        now,
	}
}

// IssueNew creates a voucher with its own deposit address for an attested owner.
func (l *Ledger) IssueNew(ctx context.Context, ownerAccount, ownerHandle string) (*models.Voucher, error) {
	if l.issuer == nil {
		return nil, fmt.Errorf("voucher: address issuer not configured")
	}
	address, err := l.issuer.NextAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("voucher: issue deposit address: %w", err)
	}
	code, err := newCode()
	if err != nil {
		return nil, err
	}
	v := models.Voucher{
		Code:             code,
		OwnerHandle:      ownerHandle,
		OwnerAccount:     ownerAccount,
		ReceivingAddress: address,
		UsageLimit:       1,
	}
	if err := l.db.WithContext(ctx).Create(&v).Error; err != nil {
		return nil, fmt.Errorf("voucher: create: %w", err)
	}
	return &v, nil
}

// Info loads one voucher by code.
func (l *Ledger) Info(ctx context.Context, code string) (*models.Voucher, error) {
	var v models.Voucher
	if err := l.db.WithContext(ctx).First(&v, "code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

// ByReceivingAddress loads the voucher owning a deposit address, nil when the
// address belongs to no voucher.
func (l *Ledger) ByReceivingAddress(ctx context.Context, address string) (*models.Voucher, error) {
	var v models.Voucher
	if err := l.db.WithContext(ctx).First(&v, "receiving_address = ?", address).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &v, nil
}

// ListByOwner returns all vouchers owned by an account.
func (l *Ledger) ListByOwner(ctx context.Context, ownerAccount string) ([]models.Voucher, error) {
	var out []models.Voucher
	if err := l.db.WithContext(ctx).Where("owner_account = ?", ownerAccount).Order("code").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// RecordDeposit logs a deposit the ledger has seen but not yet confirmed.
// Payments from the distribution address are trusted and credited on sight.
func (l *Ledger) RecordDeposit(ctx context.Context, address string, amount int64, unit string, fromDistribution bool) (*models.Voucher, error) {
	v, err := l.ByReceivingAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNotFound
	}
	err = l.locks.WithLock(ctx, []string{keylock.VoucherKey(v.Code)}, func() error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			entry := models.VoucherTransaction{VoucherCode: v.Code, Amount: amount, Unit: &unit, Credited: fromDistribution}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
			if !fromDistribution {
				return nil
			}
			if err := tx.Model(&models.Voucher{}).Where("code = ?", v.Code).
				Update("balance", gorm.Expr("balance + ?", amount)).Error; err != nil {
				return err
			}
			v.Balance += amount
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ConfirmDepositsByUnit credits the deposits logged for a now-final unit and
// notifies the owners. Units unknown to the voucher ledger are a no-op.
func (l *Ledger) ConfirmDepositsByUnit(ctx context.Context, unit string) error {
	var entries []models.VoucherTransaction
	if err := l.db.WithContext(ctx).
		Where("unit = ? AND credited = ? AND transaction_id IS NULL AND amount > 0", unit, false).
		Find(&entries).Error; err != nil {
		return err
	}
	for _, entry := range entries {
		entry := entry
		err := l.locks.WithLock(ctx, []string{keylock.VoucherKey(entry.VoucherCode)}, func() error {
			return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				res := tx.Model(&models.VoucherTransaction{}).
					Where("id = ? AND credited = ?", entry.ID, false).
					Update("credited", true)
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 0 {
					return nil // already credited by a concurrent sweep
				}
				return tx.Model(&models.Voucher{}).Where("code = ?", entry.VoucherCode).
					Updates(map[string]interface{}{
						"balance":         gorm.Expr("balance + ?", entry.Amount),
						"deposited_total": gorm.Expr("deposited_total + ?", entry.Amount),
					}).Error
			})
		})
		if err != nil {
			return err
		}
		if l.notifier != nil {
			v, err := l.Info(ctx, entry.VoucherCode)
			if err == nil {
				_ = l.notifier.Send(ctx, v.OwnerHandle, notify.VoucherDeposited(v.Code, v.Balance))
			}
		}
	}
	return nil
}

// ReserveForAttestation debits price from the voucher and creates the funded
// transaction in one atomic unit. This is the only debit path besides
// Withdraw; a crash can never leave the balance decremented without the
// transaction row, or vice versa.
func (l *Ledger) ReserveForAttestation(ctx context.Context, code, payerHandle, receivingAddress, signedMessage string, price int64) (*models.Transaction, error) {
	var created *models.Transaction
	err := l.locks.WithLock(ctx, []string{keylock.VoucherKey(code)}, func() error {
		v, err := l.Info(ctx, code)
		if err != nil {
			return err
		}
		if v.Balance < price {
			if l.notifier != nil {
				_ = l.notifier.Send(ctx, v.OwnerHandle,
					"A user tried to attest using your smart voucher "+code+
						", but it does not have enough funds. "+notify.DepositVoucher(code))
			}
			return ErrInsufficientFunds
		}
		var uses int64
		err = l.db.WithContext(ctx).Model(&models.Transaction{}).
			Joins("JOIN receiving_addresses ON receiving_addresses.address = transactions.receiving_address").
			Where("transactions.voucher_code = ? AND receiving_addresses.identity_handle = ?", code, payerHandle).
			Count(&uses).Error
		if err != nil {
			return err
		}
		if uses >= int64(v.UsageLimit) {
			return ErrLimitReached
		}
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			t := models.Transaction{
				ReceivingAddress: receivingAddress,
				State:            models.StatePaymentReceived,
				VoucherCode:      &code,
				SignedMessage:    signedMessage,
				ScanReference:    uuid.NewString(),
			}
			if err := tx.Create(&t).Error; err != nil {
				return err
			}
			entry := models.VoucherTransaction{VoucherCode: code, TransactionID: &t.ID, Amount: -price}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
			if err := tx.Model(&models.Voucher{}).Where("code = ?", code).
				Update("balance", gorm.Expr("balance - ?", price)).Error; err != nil {
				return err
			}
			created = &t
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	l.metrics.ObserveVoucherDebit()
	return created, nil
}

// Withdraw pays out up to the instant cap directly and routes the remainder
// into the owner's vesting contract.
func (l *Ledger) Withdraw(ctx context.Context, code, requesterHandle string, amount int64) (direct, locked int64, err error) {
	if amount <= 0 {
		return 0, 0, fmt.Errorf("voucher: withdraw amount must be positive")
	}
	err = l.locks.WithLock(ctx, []string{keylock.VoucherKey(code)}, func() error {
		v, err := l.Info(ctx, code)
		if err != nil {
			return err
		}
		if v.OwnerHandle != requesterHandle {
			return ErrNotOwner
		}
		if amount > v.Balance {
			return ErrInsufficientFunds
		}
		direct = amount
		if l.instantCap > 0 && direct > l.instantCap {
			direct = l.instantCap
		}
		locked = amount - direct
		var directUnit, contractUnit string
		if direct > 0 {
			if directUnit, err = l.sender.Send(ctx, v.OwnerAccount, direct); err != nil {
				return fmt.Errorf("voucher: direct payout: %w", err)
			}
		}
		if locked > 0 {
			contractAddress, _, err := l.contracts.Create(ctx, v.OwnerAccount, v.OwnerHandle)
			if err != nil {
				return fmt.Errorf("voucher: vesting contract: %w", err)
			}
			if contractUnit, err = l.sender.SendToContract(ctx, contractAddress, locked); err != nil {
				return fmt.Errorf("voucher: contract payout: %w", err)
			}
		}
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			unit := directUnit
			if unit == "" {
				unit = contractUnit
			}
			entry := models.VoucherTransaction{VoucherCode: code, Amount: -amount}
			if unit != "" {
				entry.Unit = &unit
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
			return tx.Model(&models.Voucher{}).Where("code = ?", code).
				Update("balance", gorm.Expr("balance - ?", amount)).Error
		})
	})
	if err != nil {
		return 0, 0, err
	}
	return direct, locked, nil
}

// SetUsageLimit sets the per-payer usage limit, owner only.
func (l *Ledger) SetUsageLimit(ctx context.Context, code, requesterHandle string, limit int) error {
	if limit < 1 {
		return ErrInvalidLimit
	}
	return l.locks.WithLock(ctx, []string{keylock.VoucherKey(code)}, func() error {
		v, err := l.Info(ctx, code)
		if err != nil {
			return err
		}
		if v.OwnerHandle != requesterHandle {
			return ErrNotOwner
		}
		return l.db.WithContext(ctx).Model(&models.Voucher{}).Where("code = ?", code).
			Update("usage_limit", limit).Error
	})
}

// LedgerSum returns the sum of audit deltas for a voucher.
func (l *Ledger) LedgerSum(ctx context.Context, code string) (int64, error) {
	var sum *int64
	err := l.db.WithContext(ctx).Model(&models.VoucherTransaction{}).
		Where("voucher_code = ?", code).
		Select("SUM(amount)").Scan(&sum).Error
	if err != nil {
		return 0, err
	}
	if sum == nil {
		return 0, nil
	}
	return *sum, nil
}

func newCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("voucher: generate code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

// IsCode reports whether text looks like a voucher code.
func IsCode(text string) bool {
	if len(text) != codeLength {
		return false
	}
	for _, r := range text {
		if (r < 'A' || r > 'Z') && (r < '2' || r > '7') {
			return false
		}
	}
	return true
}
