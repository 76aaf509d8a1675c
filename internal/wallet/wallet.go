// Package wallet defines the ledger collaborator interfaces and the event
// shapes the reconciliation engine consumes. The ledger node itself is an
// external process; everything here is an adapter boundary.
package wallet

import (
	"context"
	"time"

	"attestd/internal/models"
)

// PaymentSeen is emitted when the ledger observes a new credit to one of the
// service's receiving addresses. Asset is nil for the native currency.
type PaymentSeen struct {
	Address          string
	Amount           int64
	Asset            *string
	Unit             string
	AuthorAddresses  []string
	FromDistribution bool
}

// PaymentConfirmed is emitted when a previously seen unit becomes final.
type PaymentConfirmed struct {
	Unit string
}

// AddressIssuer hands out receiving addresses owned by the service wallet.
type AddressIssuer interface {
	NextAddress(ctx context.Context) (string, error)
	// AddressAt returns the stable address at a derivation index; the
	// role-keyed attestor addresses are resolved this way at startup.
	AddressAt(ctx context.Context, index uint32) (string, error)
}

// Sender moves funds out of the service wallet.
type Sender interface {
	Send(ctx context.Context, to string, amount int64) (unit string, err error)
	// SendToContract locks amount on the given vesting contract address.
	SendToContract(ctx context.Context, contractAddress string, amount int64) (unit string, err error)
	// SendAll drains the paying addresses into to, used by consolidation.
	SendAll(ctx context.Context, payingAddresses []string, to string) (unit string, err error)
}

// VestingContracts creates (or returns the existing) vesting contract for an
// account, together with its unlock date.
type VestingContracts interface {
	Create(ctx context.Context, account, identityHandle string) (contractAddress string, vestingAt time.Time, err error)
}

// AttestationPayload is the profile posted on-ledger for one transaction.
type AttestationPayload struct {
	Account        string
	Kind           models.AttestationKind
	ExternalUserID string
	// Public fields go into the posted profile; the full extracted profile
	// stays private to the service.
	FirstName   string
	LastName    string
	DateOfBirth string
	Country     string
}

// Poster posts attestation units from a role-keyed attestor address.
type Poster interface {
	PostAttestation(ctx context.Context, attestorAddress string, payload AttestationPayload) (unit string, err error)
}

// UnspentLister reports receiving addresses holding stable, unspent outputs,
// used by the consolidation sweep.
type UnspentLister interface {
	StableUnspentAddresses(ctx context.Context, candidates []string) ([]string, error)
}

// Attestors holds the role-keyed service addresses resolved once at startup.
type Attestors struct {
	Jumio        string
	SmartID      string
	NonResident  string
	Distribution string
}

// ByProvider returns the attestor address that signs identity attestations
// for the given provider.
func (a Attestors) ByProvider(provider string) string {
	if provider == models.ProviderSmartID {
		return a.SmartID
	}
	return a.Jumio
}

// Resolve populates the role addresses from fixed derivation indexes.
func Resolve(ctx context.Context, issuer AddressIssuer) (Attestors, error) {
	var out Attestors
	var err error
	if out.Jumio, err = issuer.AddressAt(ctx, 0); err != nil {
		return out, err
	}
	if out.NonResident, err = issuer.AddressAt(ctx, 1); err != nil {
		return out, err
	}
	if out.Distribution, err = issuer.AddressAt(ctx, 2); err != nil {
		return out, err
	}
	if out.SmartID, err = issuer.AddressAt(ctx, 3); err != nil {
		return out, err
	}
	return out, nil
}
