package models

import (
	"time"

	"gorm.io/gorm"
)

// Provider identifies the identity-verification vendor handling a cycle.
const (
	ProviderJumio   = "jumio"
	ProviderSmartID = "smartid"
)

// TransactionState represents a state in the attestation cycle workflow.
type TransactionState string

// All workflow states. A transaction row is created when a payment (or a
// voucher debit standing in for one) is accepted, so PAYMENT_RECEIVED is the
// initial persisted state.
const (
	StatePaymentReceived     TransactionState = "PAYMENT_RECEIVED"
	StateVerificationPending TransactionState = "VERIFICATION_PENDING"
	StateVerified            TransactionState = "VERIFIED"
	StateFailed              TransactionState = "FAILED"
	StateAttested            TransactionState = "ATTESTED"
	StateRewarded            TransactionState = "REWARDED"
)

// VerificationResult is the tri-state outcome of a vendor verification.
type VerificationResult string

const (
	VerificationUnknown VerificationResult = ""
	VerificationPassed  VerificationResult = "PASSED"
	VerificationFailed  VerificationResult = "FAILED"
)

// Terminal reports whether the result has reached a final value.
func (r VerificationResult) Terminal() bool {
	return r == VerificationPassed || r == VerificationFailed
}

// AttestationKind distinguishes the attestation profiles posted on-ledger.
type AttestationKind string

const (
	KindIdentity    AttestationKind = "identity"
	KindNonResident AttestationKind = "nonresident"
)

// RewardKind selects which reward table a payout sweep drains.
type RewardKind string

const (
	RewardAttestation RewardKind = "attestation"
	RewardReferral    RewardKind = "referral"
)

// DonationChoice is the explicit tri-state donation answer.
type DonationChoice string

const (
	DonationUnset DonationChoice = ""
	DonationYes   DonationChoice = "yes"
	DonationNo    DonationChoice = "no"
)

// User is one chat-endpoint identity talking to the bot.
type User struct {
	ID             uint64  `gorm:"primaryKey;autoIncrement"`
	IdentityHandle string  `gorm:"uniqueIndex;size:64"`
	LinkedAccount  *string `gorm:"size:64;index"`
	Provider       *string `gorm:"size:16"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ReceivingAddress maps one (handle, account, provider) triple to a stable
// ledger address carrying the last quoted price. Rows are never deleted.
type ReceivingAddress struct {
	Address        string  `gorm:"primaryKey;size:64"`
	IdentityHandle string  `gorm:"index:idx_recv_triple,unique;size:64"`
	LinkedAccount  string  `gorm:"index:idx_recv_triple,unique;size:64"`
	Provider       string  `gorm:"index:idx_recv_triple,unique;size:16"`
	QuotedPrice    int64   `gorm:"not null;default:0"`
	PriceQuotedAt  time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Transaction is one payment→verification→attestation cycle.
type Transaction struct {
	ID               uint64 `gorm:"primaryKey;autoIncrement"`
	ReceivingAddress string `gorm:"index;size:64"`
	State            TransactionState `gorm:"size:32;index"`
	Price            int64
	ReceivedAmount   int64
	PaymentUnit      *string `gorm:"size:64;index"`
	Confirmed        bool
	ConfirmedAt      *time.Time
	VoucherCode      *string `gorm:"size:13;index"`
	SignedMessage    string  `gorm:"type:text"`
	ScanReference    string  `gorm:"size:64;uniqueIndex"`
	ScanSubmittedAt  *time.Time
	Result           VerificationResult `gorm:"size:8;index"`
	ResultReason     string             `gorm:"size:512"`
	ResultAt         *time.Time
	ExtractedPayload []byte `gorm:"type:blob"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AttestationUnit is one posted (or pending) attestation for a transaction.
type AttestationUnit struct {
	ID            uint64          `gorm:"primaryKey;autoIncrement"`
	TransactionID uint64          `gorm:"index:idx_att_tx_kind,unique"`
	Kind          AttestationKind `gorm:"index:idx_att_tx_kind,unique;size:16"`
	PostedUnit    *string         `gorm:"size:64"`
	PostedAt      *time.Time
	CreatedAt     time.Time
}

// Voucher is a prepaid, capped-use credit instrument. Balance is a cached
// value; the voucher_transactions log is authoritative.
type Voucher struct {
	Code             string `gorm:"primaryKey;size:13"`
	OwnerHandle      string `gorm:"index;size:64"`
	OwnerAccount     string `gorm:"index;size:64"`
	ReceivingAddress string `gorm:"uniqueIndex;size:64"`
	Balance          int64  `gorm:"not null;default:0"`
	DepositedTotal   int64  `gorm:"not null;default:0"`
	UsageLimit       int    `gorm:"not null;default:1"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// VoucherTransaction is an audit entry of a voucher balance change. Deposits
// are logged when first seen and Credited flips once the balance was applied
// (immediately for distribution payouts, on confirmation otherwise).
type VoucherTransaction struct {
	ID            uint64  `gorm:"primaryKey;autoIncrement"`
	VoucherCode   string  `gorm:"index;size:13"`
	TransactionID *uint64 `gorm:"index"`
	Amount        int64
	Unit          *string `gorm:"size:64;index"`
	Credited      bool
	CreatedAt     time.Time
}

// RewardUnit is the one-time attestation reward grant. The unique indexes on
// LinkedAccount and ExternalUserID enforce first-successful-verification-only
// even under concurrent duplicate events.
type RewardUnit struct {
	ID                   uint64 `gorm:"primaryKey;autoIncrement"`
	TransactionID        uint64 `gorm:"uniqueIndex"`
	IdentityHandle       string `gorm:"size:64"`
	LinkedAccount        string `gorm:"uniqueIndex;size:64"`
	ExternalUserID       string `gorm:"uniqueIndex;size:64"`
	RewardAmount         int64
	ContractRewardAmount int64
	ContractAddress      string `gorm:"size:64"`
	VestingAt            *time.Time
	SentUnit             *string `gorm:"size:64"`
	SentAt               *time.Time
	Donation             DonationChoice `gorm:"size:3"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ReferralRewardUnit is the one-time referral grant for bringing a new user.
type ReferralRewardUnit struct {
	ID                   uint64 `gorm:"primaryKey;autoIncrement"`
	TransactionID        uint64 `gorm:"index"`
	ReferrerHandle       string `gorm:"size:64"`
	ReferrerAccount      string `gorm:"index;size:64"`
	ReferrerExternalID   string `gorm:"size:64"`
	NewUserAccount       string `gorm:"size:64"`
	NewUserExternalID    string `gorm:"uniqueIndex;size:64"`
	RewardAmount         int64
	ContractRewardAmount int64
	SentUnit             *string `gorm:"size:64"`
	SentAt               *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// RejectedPayment is the append-only audit of payments that failed validation.
type RejectedPayment struct {
	ID               uint64 `gorm:"primaryKey;autoIncrement"`
	ReceivingAddress string `gorm:"index;size:64"`
	ExpectedPrice    int64
	ReceivedAmount   int64
	DelaySeconds     int64
	PaymentUnit      string `gorm:"uniqueIndex;size:64"`
	Reason           string `gorm:"size:512"`
	CreatedAt        time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&ReceivingAddress{},
		&Transaction{},
		&AttestationUnit{},
		&Voucher{},
		&VoucherTransaction{},
		&RewardUnit{},
		&ReferralRewardUnit{},
		&RejectedPayment{},
	)
}
