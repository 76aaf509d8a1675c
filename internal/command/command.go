// Package command parses chat input into typed commands and drives the
// conversational attestation flow.
package command

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"attestd/internal/models"
	"attestd/internal/notify"
	"attestd/internal/voucher"
)

// Kind discriminates parsed commands.
type Kind int

const (
	KindUnknown Kind = iota
	KindGreeting
	KindAddress
	KindProvider
	KindAgain
	KindNonResident
	KindDonate
	KindVoucherHelp
	KindVoucherNew
	KindVoucherList
	KindVoucherDeposit
	KindVoucherLimit
	KindVoucherWithdraw
	KindVoucherRedeem
	KindSignedRedeem
)

// Command is one parsed chat message.
type Command struct {
	Kind     Kind
	Account  string
	Provider string
	Code     string
	// AmountUSD is set for deposits, AmountUnits for withdrawals.
	AmountUSD   float64
	AmountUnits int64
	All         bool
	Limit       int
	Donate      bool
	Envelope    []byte
}

// Account addresses are 32-character base32 strings.
var accountPattern = regexp.MustCompile(`^[A-Z2-7]{32}$`)

// IsAccount reports whether text looks like a ledger account address.
func IsAccount(text string) bool {
	return accountPattern.MatchString(strings.TrimSpace(text))
}

// Parse classifies one chat message. Unrecognized input yields KindUnknown.
func Parse(text string) Command {
	trimmed := strings.TrimSpace(text)

	if strings.Contains(trimmed, "signed_message") {
		return Command{Kind: KindSignedRedeem, Envelope: []byte(trimmed)}
	}
	if IsAccount(strings.ToUpper(trimmed)) {
		return Command{Kind: KindAddress, Account: strings.ToUpper(trimmed)}
	}
	if voucher.IsCode(strings.ToUpper(trimmed)) {
		return Command{Kind: KindVoucherRedeem, Code: strings.ToUpper(trimmed)}
	}

	lower := strings.ToLower(trimmed)
	fields := strings.Fields(lower)
	if len(fields) == 0 {
		return Command{Kind: KindGreeting}
	}

	switch fields[0] {
	case "hi", "hello", "hey", "help", "start":
		return Command{Kind: KindGreeting}
	case "jumio":
		return Command{Kind: KindProvider, Provider: models.ProviderJumio}
	case "smartid", "smart-id":
		return Command{Kind: KindProvider, Provider: models.ProviderSmartID}
	case "again", "retry":
		return Command{Kind: KindAgain}
	case "attest":
		if len(fields) >= 2 && (fields[1] == "non-us" || fields[1] == "nonus") {
			return Command{Kind: KindNonResident}
		}
	case "donate":
		if len(fields) >= 2 {
			switch fields[1] {
			case "yes":
				return Command{Kind: KindDonate, Donate: true}
			case "no":
				return Command{Kind: KindDonate, Donate: false}
			}
		}
	case "voucher":
		return Command{Kind: KindVoucherHelp}
	case "vouchers":
		return Command{Kind: KindVoucherList}
	case "new":
		if len(fields) >= 2 && fields[1] == "voucher" {
			return Command{Kind: KindVoucherNew}
		}
	case "deposit":
		return parseDeposit(fields)
	case "limit":
		return parseLimit(fields)
	case "withdraw":
		return parseWithdraw(fields)
	}
	return Command{Kind: KindUnknown}
}

func parseDeposit(fields []string) Command {
	if len(fields) < 2 {
		return Command{Kind: KindVoucherDeposit}
	}
	code := strings.ToUpper(fields[1])
	if !voucher.IsCode(code) {
		return Command{Kind: KindVoucherDeposit}
	}
	cmd := Command{Kind: KindVoucherDeposit, Code: code}
	if len(fields) >= 3 {
		if usd, err := strconv.ParseFloat(fields[2], 64); err == nil && usd > 0 {
			cmd.AmountUSD = usd
		}
	}
	return cmd
}

func parseLimit(fields []string) Command {
	if len(fields) < 3 {
		return Command{Kind: KindVoucherLimit}
	}
	code := strings.ToUpper(fields[1])
	if !voucher.IsCode(code) {
		return Command{Kind: KindVoucherLimit}
	}
	n, err := strconv.Atoi(fields[2])
	if err != nil || n < 1 {
		return Command{Kind: KindVoucherLimit}
	}
	return Command{Kind: KindVoucherLimit, Code: code, Limit: n}
}

func parseWithdraw(fields []string) Command {
	if len(fields) < 2 {
		return Command{Kind: KindVoucherWithdraw}
	}
	code := strings.ToUpper(fields[1])
	if !voucher.IsCode(code) {
		return Command{Kind: KindVoucherWithdraw}
	}
	cmd := Command{Kind: KindVoucherWithdraw, Code: code}
	if len(fields) >= 3 {
		if fields[2] == "all" {
			cmd.All = true
		} else if coins, err := strconv.ParseFloat(fields[2], 64); err == nil && coins > 0 {
			cmd.AmountUnits = int64(math.Round(coins * float64(notify.UnitsPerCoin)))
		}
	}
	return cmd
}
