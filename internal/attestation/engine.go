// Package attestation owns the transaction state machine: it reconciles
// ledger payments, vendor verification callbacks, and user commands into
// exactly-once attestation and reward outcomes.
package attestation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"attestd/internal/geo"
	"attestd/internal/keylock"
	"attestd/internal/models"
	"attestd/internal/notify"
	"attestd/internal/observability/metrics"
	"attestd/internal/policy"
	"attestd/internal/pricing"
	"attestd/internal/reward"
	"attestd/internal/verify"
	"attestd/internal/voucher"
	"attestd/internal/wallet"
)

var (
	// ErrUnknownScan indicates a callback whose correlation reference maps
	// to no transaction.
	ErrUnknownScan = errors.New("attestation: unknown scan reference")
	// ErrDuplicateCallback indicates a callback for a transaction that
	// already holds a terminal verification result.
	ErrDuplicateCallback = errors.New("attestation: duplicate callback")
)

// Engine drives the attestation transaction lifecycle.
type Engine struct {
	db         *gorm.DB
	locks      *keylock.Manager
	pricer     *pricing.Engine
	policy     *policy.Policy
	rewards    *reward.Engine
	vouchers   *voucher.Ledger
	submitters map[string]verify.Submitter
	pollers    map[string]verify.Poller
	poster     wallet.Poster
	issuer     wallet.AddressIssuer
	geo        geo.Resolver
	notifier   notify.Notifier
	operator   notify.Operator
	attestors  wallet.Attestors
	metrics    *metrics.Engine
	donations  *DonationAsks
	now        func() time.Time
}

// Config wires the engine's collaborators.
type Config struct {
	DB         *gorm.DB
	Locks      *keylock.Manager
	Pricer     *pricing.Engine
	Policy     *policy.Policy
	Rewards    *reward.Engine
	Vouchers   *voucher.Ledger
	Submitters map[string]verify.Submitter
	Pollers    map[string]verify.Poller
	Poster     wallet.Poster
	Issuer     wallet.AddressIssuer
	Geo        geo.Resolver
	Notifier   notify.Notifier
	Operator   notify.Operator
	Attestors  wallet.Attestors
	Metrics    *metrics.Engine
	Donations  *DonationAsks
	Now        func() time.Time
}

// New constructs the engine.
func New(cfg Config) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	locks := cfg.Locks
	if locks == nil {
		locks = keylock.New()
	}
	donations := cfg.Donations
	if donations == nil {
		donations = NewDonationAsks(24 * time.Hour)
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewEngine(nil)
	}
	return &Engine{
		db:         cfg.DB,
		locks:      locks,
		pricer:     cfg.Pricer,
		policy:     cfg.Policy,
		rewards:    cfg.Rewards,
		vouchers:   cfg.Vouchers,
		submitters: cfg.Submitters,
		pollers:    cfg.Pollers,
		poster:     cfg.Poster,
		issuer:     cfg.Issuer,
		geo:        cfg.Geo,
		notifier:   cfg.Notifier,
		operator:   cfg.Operator,
		attestors:  cfg.Attestors,
		metrics:    m,
		donations:  donations,
		now:        now,
	}
}

// Vouchers exposes the voucher ledger for the command responder.
func (e *Engine) Vouchers() *voucher.Ledger { return e.vouchers }

// Rewards exposes the reward engine for the command responder.
func (e *Engine) Rewards() *reward.Engine { return e.rewards }

// Pricer exposes the pricing engine for the command responder.
func (e *Engine) Pricer() *pricing.Engine { return e.pricer }

// UserInfo loads (or lazily creates) the user row for a chat identity.
func (e *Engine) UserInfo(ctx context.Context, identityHandle string) (*models.User, error) {
	var user models.User
	err := e.db.WithContext(ctx).
		Where(models.User{IdentityHandle: identityHandle}).
		FirstOrCreate(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// SetLinkedAccount declares the ledger account a user will be attested for.
func (e *Engine) SetLinkedAccount(ctx context.Context, identityHandle, account string) error {
	return e.db.WithContext(ctx).Model(&models.User{}).
		Where("identity_handle = ?", identityHandle).
		Update("linked_account", account).Error
}

// SetProvider records the chosen verification provider.
func (e *Engine) SetProvider(ctx context.Context, identityHandle, provider string) error {
	return e.db.WithContext(ctx).Model(&models.User{}).
		Where("identity_handle = ?", identityHandle).
		Update("provider", provider).Error
}

func (e *Engine) resetLinkedAccount(ctx context.Context, identityHandle string) {
	_ = e.db.WithContext(ctx).Model(&models.User{}).
		Where("identity_handle = ?", identityHandle).
		Update("linked_account", nil).Error
}

// ReadOrAssignReceivingAddress returns the stable receiving address for a
// (handle, account, provider) triple, issuing one on first use. The price on
// the row is refreshed with the supplied quote.
func (e *Engine) ReadOrAssignReceivingAddress(ctx context.Context, user *models.User, q pricing.Quote) (*models.ReceivingAddress, error) {
	if user.LinkedAccount == nil || user.Provider == nil {
		return nil, errors.New("attestation: user has no account or provider")
	}
	var row models.ReceivingAddress
	err := e.locks.WithLock(ctx, []string{user.IdentityHandle}, func() error {
		err := e.db.WithContext(ctx).
			Where("identity_handle = ? AND linked_account = ? AND provider = ?",
				user.IdentityHandle, *user.LinkedAccount, *user.Provider).
			First(&row).Error
		if err == nil {
			return e.updatePrice(ctx, &row, q)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		address, err := e.issuer.NextAddress(ctx)
		if err != nil {
			return err
		}
		row = models.ReceivingAddress{
			Address:        address,
			IdentityHandle: user.IdentityHandle,
			LinkedAccount:  *user.LinkedAccount,
			Provider:       *user.Provider,
			QuotedPrice:    q.BaseUnits,
			PriceQuotedAt:  e.now(),
		}
		return e.db.WithContext(ctx).Create(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (e *Engine) updatePrice(ctx context.Context, row *models.ReceivingAddress, q pricing.Quote) error {
	now := e.now()
	if err := e.db.WithContext(ctx).Model(&models.ReceivingAddress{}).
		Where("address = ?", row.Address).
		Updates(map[string]interface{}{
			"quoted_price":    q.BaseUnits,
			"price_quoted_at": now,
		}).Error; err != nil {
		return err
	}
	row.QuotedPrice = q.BaseUnits
	row.PriceQuotedAt = now
	return nil
}

// LatestAttestationTx returns the most recent transaction that reached an
// attestation for this device or account, nil when there is none.
func (e *Engine) LatestAttestationTx(ctx context.Context, identityHandle, account string) (*models.Transaction, error) {
	var tx models.Transaction
	err := e.db.WithContext(ctx).
		Joins("JOIN receiving_addresses ON receiving_addresses.address = transactions.receiving_address").
		Joins("JOIN attestation_units ON attestation_units.transaction_id = transactions.id").
		Where("receiving_addresses.identity_handle = ? OR receiving_addresses.linked_account = ?", identityHandle, account).
		Order("transactions.id DESC").
		First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// HasSuccessfulOrOngoing reports whether the device or account already has a
// passed or still-undecided verification.
func (e *Engine) HasSuccessfulOrOngoing(ctx context.Context, identityHandle, account string) (bool, error) {
	var count int64
	err := e.db.WithContext(ctx).Model(&models.Transaction{}).
		Joins("JOIN receiving_addresses ON receiving_addresses.address = transactions.receiving_address").
		Where("(receiving_addresses.identity_handle = ? OR receiving_addresses.linked_account = ?) AND transactions.result IN ?",
			identityHandle, account,
			[]models.VerificationResult{models.VerificationPassed, models.VerificationUnknown}).
		Count(&count).Error
	return count > 0, err
}

// HasSuccessful reports whether this exact device+account pair passed before.
func (e *Engine) HasSuccessful(ctx context.Context, identityHandle, account string) (bool, error) {
	var count int64
	err := e.db.WithContext(ctx).Model(&models.Transaction{}).
		Joins("JOIN receiving_addresses ON receiving_addresses.address = transactions.receiving_address").
		Where("receiving_addresses.identity_handle = ? AND receiving_addresses.linked_account = ? AND transactions.result = ?",
			identityHandle, account, models.VerificationPassed).
		Count(&count).Error
	return count > 0, err
}

// TransactionByID loads one transaction.
func (e *Engine) TransactionByID(ctx context.Context, id uint64) (*models.Transaction, error) {
	var tx models.Transaction
	if err := e.db.WithContext(ctx).First(&tx, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &tx, nil
}

// externalUserID derives the stable external identity hash posted in
// attestation profiles and used for reward uniqueness.
func (e *Engine) externalUserID(p verify.Profile) string {
	h := sha256.New()
	for _, field := range []string{e.policy.Salt, p.FirstName, p.LastName, p.DateOfBirth, p.Country, p.DocNumber} {
		h.Write([]byte(strings.ToUpper(strings.TrimSpace(field))))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DonationAsks tracks which users were recently prompted to donate so the
// prompt is not repeated within the ask interval. Process-scoped by design;
// a restart re-asking once is acceptable.
type DonationAsks struct {
	mu       sync.Mutex
	asked    map[string]time.Time
	interval time.Duration
	now      func() time.Time
}

// NewDonationAsks constructs the ask tracker.
func NewDonationAsks(interval time.Duration) *DonationAsks {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &DonationAsks{
		asked:    make(map[string]time.Time),
		interval: interval,
		now:      time.Now,
	}
}

// ShouldAsk records the prompt and reports whether it should be sent.
func (d *DonationAsks) ShouldAsk(identityHandle string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if last, ok := d.asked[identityHandle]; ok && now.Sub(last) < d.interval {
		return false
	}
	d.asked[identityHandle] = now
	return true
}

func (e *Engine) askDonation(ctx context.Context, identityHandle string) {
	if e.notifier == nil || !e.donations.ShouldAsk(identityHandle) {
		return
	}
	_ = e.notifier.Send(ctx, identityHandle, notify.PleaseDonate())
}

func newScanReference() string { return uuid.NewString() }
