// Package verify normalizes identity-verification vendor payloads into a
// single verdict consumed by the attestation engine.
package verify

import (
	"context"
	"errors"
	"strings"
)

// ErrIncompleteResult indicates an approved scan arrived without the liveness
// section the pass criteria require. The callback is left unconsumed so a
// later delivery or poll can complete it.
var ErrIncompleteResult = errors.New("verify: approved result lacks identity verification data")

// Profile is the normalized identity extracted from a vendor payload.
type Profile struct {
	FirstName   string
	LastName    string
	DateOfBirth string
	Country     string // ISO 3166-1 alpha-3 issuing country
	DocType     string
	DocNumber   string
	Expiry      string
	Gender      string
	ClientIP    string
}

// Verdict is the engine-facing outcome of one vendor callback.
type Verdict struct {
	Passed  bool
	Reason  string // user-facing failure explanation when Passed is false
	Profile Profile
}

// Submitter initiates a verification scan with a vendor. The scan reference
// is the correlation key later echoed by the vendor callback.
type Submitter interface {
	InitScan(ctx context.Context, scanReference, identityHandle, account string) (redirectURL string, err error)
}

// Poller fetches scan results the vendor never delivered by webhook.
// A nil payload with a nil error means the scan is still pending.
type Poller interface {
	FetchResult(ctx context.Context, scanReference string) ([]byte, error)
}

// SmartIDClient exchanges the OAuth code from the redirect callback for the
// verified user data document.
type SmartIDClient interface {
	ExchangeCode(ctx context.Context, code string) (accessToken string, err error)
	UserData(ctx context.Context, accessToken string) ([]byte, error)
}

const statusApproved = "APPROVED_VERIFIED"

// hasLatinName reports whether both name fields were extracted. Vendors
// transliterate to Latin script and report "N/A" when extraction failed.
func hasLatinName(first, last string) bool {
	first = strings.TrimSpace(first)
	last = strings.TrimSpace(last)
	if first == "" || last == "" {
		return false
	}
	return first != "N/A" && last != "N/A"
}

// noLatinNameException is a deliberate anti-fraud carve-out: a Russian
// internal passport never counts as carrying a Latin-script name, even when
// the vendor populated the fields.
func noLatinNameException(country, docType string) bool {
	return country == "RUS" && docType == "ID_CARD"
}
