package verify

import (
	"encoding/json"
	"fmt"
	"strings"
)

// JumioCallback is the subset of the Jumio callback body the verdict needs.
// REST poll responses are converted to this shape before evaluation.
type JumioCallback struct {
	ScanReference        string                `json:"jumioIdScanReference"`
	VerificationStatus   string                `json:"verificationStatus"`
	IDFirstName          string                `json:"idFirstName"`
	IDLastName           string                `json:"idLastName"`
	IDDob                string                `json:"idDob"`
	IDCountry            string                `json:"idCountry"`
	IDType               string                `json:"idType"`
	IDNumber             string                `json:"idNumber"`
	IDExpiry             string                `json:"idExpiry"`
	Gender               string                `json:"gender"`
	ClientIP             string                `json:"clientIp"`
	IdentityVerification *IdentityVerification `json:"identityVerification"`
}

// IdentityVerification is Jumio's selfie/liveness section.
type IdentityVerification struct {
	Validity   bool   `json:"validity"`
	Similarity string `json:"similarity"`
	Reason     string `json:"reason"`
}

// UnmarshalJSON accepts both the documented object form and the string form
// Jumio actually sends in callbacks.
func (iv *IdentityVerification) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		type plain IdentityVerification
		var p plain
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return fmt.Errorf("identityVerification string payload: %w", err)
		}
		*iv = IdentityVerification(p)
		return nil
	}
	type plain IdentityVerification
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*iv = IdentityVerification(p)
	return nil
}

// ParseJumio decodes a raw Jumio callback body.
func ParseJumio(body []byte) (JumioCallback, error) {
	var cb JumioCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return JumioCallback{}, fmt.Errorf("verify: jumio payload: %w", err)
	}
	return cb, nil
}

// EvaluateJumio applies the pass criteria to a normalized Jumio callback.
func EvaluateJumio(cb JumioCallback) (Verdict, error) {
	profile := Profile{
		FirstName:   strings.TrimSpace(cb.IDFirstName),
		LastName:    strings.TrimSpace(cb.IDLastName),
		DateOfBirth: cb.IDDob,
		Country:     cb.IDCountry,
		DocType:     cb.IDType,
		DocNumber:   cb.IDNumber,
		Expiry:      cb.IDExpiry,
		Gender:      cb.Gender,
		ClientIP:    cb.ClientIP,
	}
	if cb.VerificationStatus != statusApproved {
		return Verdict{Reason: cb.VerificationStatus, Profile: profile}, nil
	}
	latin := hasLatinName(cb.IDFirstName, cb.IDLastName)
	if latin && noLatinNameException(cb.IDCountry, cb.IDType) {
		latin = false
	}
	if !latin {
		return Verdict{
			Reason:  "couldn't extract your name. Please try again and provide a document with your name printed in Latin characters.",
			Profile: profile,
		}, nil
	}
	if cb.IdentityVerification == nil {
		return Verdict{}, ErrIncompleteResult
	}
	if !cb.IdentityVerification.Validity || cb.IdentityVerification.Similarity != "MATCH" {
		reason := cb.IdentityVerification.Reason
		if reason == "" {
			reason = cb.IdentityVerification.Similarity
		}
		return Verdict{Reason: reason, Profile: profile}, nil
	}
	return Verdict{Passed: true, Profile: profile}, nil
}
