package reward

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"attestd/internal/models"
)

// UnitSource answers unit-authorship questions from the ledger node.
// *wallet.Client satisfies it.
type UnitSource interface {
	// FundingAuthor walks the funding chain of unit and returns the author
	// account, empty when none is found.
	FundingAuthor(ctx context.Context, unit string) (string, error)
	LatestAttestedUserID(ctx context.Context, account string, attestorAddresses []string) (string, error)
}

// LedgerResolver resolves referrers from ledger history, filling in the chat
// handle from the user table when the referrer ever talked to the service.
type LedgerResolver struct {
	db        *gorm.DB
	source    UnitSource
	attestors []string
}

// NewLedgerResolver constructs a resolver over the given attestor addresses.
func NewLedgerResolver(db *gorm.DB, source UnitSource, attestorAddresses []string) *LedgerResolver {
	return &LedgerResolver{db: db, source: source, attestors: attestorAddresses}
}

// ReferrerByUnit implements ReferrerResolver. A unit whose funding author was
// never attested yields (nil, nil): an unattested payer cannot be a referrer.
func (r *LedgerResolver) ReferrerByUnit(ctx context.Context, unit string) (*Referrer, error) {
	author, err := r.source.FundingAuthor(ctx, unit)
	if err != nil {
		return nil, err
	}
	if author == "" {
		return nil, nil
	}
	userID, err := r.source.LatestAttestedUserID(ctx, author, r.attestors)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, nil
	}
	ref := &Referrer{Account: author, ExternalUserID: userID}
	var user models.User
	err = r.db.WithContext(ctx).Where("linked_account = ?", author).First(&user).Error
	switch {
	case err == nil:
		ref.IdentityHandle = user.IdentityHandle
	case errors.Is(err, gorm.ErrRecordNotFound):
		// Referrer never chatted with us; credit the account silently.
	default:
		return nil, err
	}
	return ref, nil
}

// LatestAttestedUserID implements ReferrerResolver.
func (r *LedgerResolver) LatestAttestedUserID(ctx context.Context, account string, attestorAddresses []string) (string, error) {
	return r.source.LatestAttestedUserID(ctx, account, attestorAddresses)
}

var _ ReferrerResolver = (*LedgerResolver)(nil)
