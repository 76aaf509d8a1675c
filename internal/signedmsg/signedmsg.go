// Package signedmsg verifies personal-sign envelopes proving control of a
// ledger account, used to authorize voucher redemptions.
package signedmsg

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrBadEnvelope indicates an envelope that could not be decoded.
	ErrBadEnvelope = errors.New("signedmsg: malformed envelope")
	// ErrBadSignature indicates a signature that fails recovery or does
	// not prove control of the claimed account.
	ErrBadSignature = errors.New("signedmsg: invalid signature")
	// ErrWrongMessage indicates a valid signature over the wrong text.
	ErrWrongMessage = errors.New("signedmsg: unexpected message")
)

// Envelope is the signed-message container a wallet produces.
type Envelope struct {
	Message   string `json:"signed_message"`
	Account   string `json:"account"`
	Signature string `json:"signature"`
}

const accountLength = 32

// AccountFromPub derives the ledger account string for a public key: the
// base32 form of the key hash, truncated to the account length.
func AccountFromPub(pub *ecdsa.PublicKey) string {
	digest := sha256.Sum256(ethcrypto.CompressPubkey(pub))
	return base32.StdEncoding.EncodeToString(digest[:])[:accountLength]
}

// Parse decodes an envelope from its JSON wire form.
func Parse(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.Message == "" || env.Account == "" || env.Signature == "" {
		return Envelope{}, fmt.Errorf("%w: missing field", ErrBadEnvelope)
	}
	return env, nil
}

// Verify checks that the envelope carries expectedMessage signed by a key
// controlling expectedAccount. The digest follows the personal-sign
// convention, so ordinary wallets can produce the signature.
func Verify(env Envelope, expectedAccount, expectedMessage string) error {
	if strings.TrimSpace(env.Message) != expectedMessage {
		return ErrWrongMessage
	}
	if !strings.EqualFold(strings.TrimSpace(env.Account), strings.TrimSpace(expectedAccount)) {
		return fmt.Errorf("%w: envelope account %s does not match %s", ErrBadSignature, env.Account, expectedAccount)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(env.Signature, "0x"))
	if err != nil {
		return fmt.Errorf("%w: signature hex: %v", ErrBadSignature, err)
	}
	if len(sig) != 65 {
		return fmt.Errorf("%w: signature must be 65 bytes", ErrBadSignature)
	}
	// Wallets emit V as 27/28; recovery wants 0/1.
	if sig[64] >= 27 {
		adjusted := make([]byte, 65)
		copy(adjusted, sig)
		adjusted[64] -= 27
		sig = adjusted
	}
	digest := accounts.TextHash([]byte(env.Message))
	pubKey, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("%w: recover: %v", ErrBadSignature, err)
	}
	if derived := AccountFromPub(pubKey); derived != strings.ToUpper(strings.TrimSpace(expectedAccount)) {
		return fmt.Errorf("%w: signer controls %s", ErrBadSignature, derived)
	}
	return nil
}

// ParseAndVerify is the common path: decode, then verify in one call.
func ParseAndVerify(raw []byte, expectedAccount, expectedMessage string) (Envelope, error) {
	env, err := Parse(raw)
	if err != nil {
		return Envelope{}, err
	}
	if err := Verify(env, expectedAccount, expectedMessage); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
