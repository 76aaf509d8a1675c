package verify

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SmartIDCallback is the normalized Smart-ID result document.
type SmartIDCallback struct {
	VerificationStatus string `json:"verificationStatus"`
	IDFirstName        string `json:"idFirstName"`
	IDLastName         string `json:"idLastName"`
	IDDob              string `json:"idDob"`
	IDCountry          string `json:"idCountry"`
	IDNumber           string `json:"idNumber"`
	Gender             string `json:"gender"`
	ClientIP           string `json:"clientIp"`
	ErrorDescription   string `json:"error_description"`
}

// ParseSmartID decodes a raw Smart-ID user data document.
func ParseSmartID(body []byte) (SmartIDCallback, error) {
	var cb SmartIDCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return SmartIDCallback{}, fmt.Errorf("verify: smartid payload: %w", err)
	}
	return cb, nil
}

// EvaluateSmartID applies the pass criteria to a Smart-ID result. Smart-ID
// performs its own liveness check, so only the status and the required
// identity fields are judged here.
func EvaluateSmartID(cb SmartIDCallback) (Verdict, error) {
	profile := Profile{
		FirstName:   strings.TrimSpace(cb.IDFirstName),
		LastName:    strings.TrimSpace(cb.IDLastName),
		DateOfBirth: cb.IDDob,
		Country:     cb.IDCountry,
		DocNumber:   cb.IDNumber,
		Gender:      cb.Gender,
		ClientIP:    cb.ClientIP,
	}
	if cb.VerificationStatus != statusApproved {
		reason := cb.ErrorDescription
		if reason == "" {
			reason = cb.VerificationStatus
		}
		return Verdict{Reason: reason, Profile: profile}, nil
	}
	if profile.FirstName == "" || profile.LastName == "" || cb.IDDob == "" || cb.IDCountry == "" {
		return Verdict{Reason: "some required data missing", Profile: profile}, nil
	}
	return Verdict{Passed: true, Profile: profile}, nil
}
