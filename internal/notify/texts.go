package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UnitsPerCoin is the number of base units in one display coin.
const UnitsPerCoin = 1_000_000_000

// CoinSymbol is the display symbol for the ledger's native currency.
const CoinSymbol = "GB"

// FormatCoins renders a base-unit amount as a coin amount with up to nine
// decimals and no trailing zeros.
func FormatCoins(units int64) string {
	neg := units < 0
	if neg {
		units = -units
	}
	whole := units / UnitsPerCoin
	frac := units % UnitsPerCoin
	out := strconv.FormatInt(whole, 10)
	if frac > 0 {
		digits := fmt.Sprintf("%09d", frac)
		digits = strings.TrimRight(digits, "0")
		out += "." + digits
	}
	if neg {
		out = "-" + out
	}
	return out + " " + CoinSymbol
}

// FormatUSD renders a USD amount with two decimals.
func FormatUSD(usd float64) string {
	return fmt.Sprintf("$%.2f", usd)
}

func Greeting() string {
	return "Here you can attest your real name to your ledger account. " +
		"The attested name is used by other services to verify your identity. " +
		"Start by sending me your account address."
}

func InsertMyAddress() string {
	return "Please send me your account address (use the \"Insert my address\" button)."
}

func GoingToAttest(account string) string {
	return "Thanks, going to attest your address " + account + "."
}

func WelcomeProviders() string {
	return "Please choose a verification provider: jumio or smartid."
}

func ProviderJumio() string {
	return "You chose Jumio: document photo plus selfie check."
}

func ProviderSmartID() string {
	return "You chose Smart-ID: sign in with your Smart-ID account."
}

func PleasePay(receivingAddress string, price int64, account string) string {
	return fmt.Sprintf("Please pay %s to %s from your address %s.",
		FormatCoins(price), receivingAddress, account)
}

func PriceQuote(priceUSD, discountedUSD, discount float64, price int64) string {
	if discount > 0 {
		return fmt.Sprintf("The price is %s (%s, %s off).",
			FormatCoins(price), FormatUSD(discountedUSD), strconv.FormatFloat(discount, 'f', -1, 64)+"%")
	}
	return fmt.Sprintf("The price is %s (%s).", FormatCoins(price), FormatUSD(priceUSD))
}

func PaymentSeenText(amount int64) string {
	return "Received your payment of " + FormatCoins(amount) +
		", waiting for confirmation. It should take 5-15 minutes."
}

func PaymentConfirmed() string {
	return "Your payment is confirmed, redirecting to attestation service provider..."
}

func VerifyHere(redirectURL string) string {
	return "Please verify your identity here:\n" + redirectURL
}

func WrongAsset() string {
	return "Received a payment in a wrong asset. Only base-currency payments are accepted; the payment is not refundable."
}

func UnexpectedSender(expected string) string {
	return "The payment did not come from the address you declared (" + expected +
		"). Please send your address again, then pay from it."
}

func PriceChanged(newPrice int64) string {
	return "The price has changed since your last quote. The current price is " +
		FormatCoins(newPrice) + ". Please pay the difference or contact support for a refund."
}

func UnderWay() string {
	return "Verification is under way, please wait."
}

func PreviousAttestationFailed() string {
	return "Your previous verification failed. Try again?"
}

func VerificationFailed(reason string) string {
	return "Verification failed: " + reason + "\n\nTry again?"
}

func AttestationPosted(unit string) string {
	return "Attestation posted in unit " + unit + "."
}

func NonUSRefused() string {
	return "Your document was issued in the US, a non-US attestation is not possible."
}

func AlreadyAttested(when time.Time) string {
	return "You were already attested on " + when.Format("2006-01-02") + "."
}

func AlreadyAttestedInUnit(unit string) string {
	return "You were already attested in unit " + unit + "."
}

func AlreadyHasAttestation() string {
	return "This device or address already has a successful or ongoing attestation."
}

func SwitchToSingleAddress() string {
	return "Please switch to a single-address wallet and send me your address again."
}

func AttestNonUS() string {
	return "Your document says you are not a US resident. " +
		"You can additionally request a non-US attestation: attest non-US."
}

func PleaseDonate() string {
	return "Would you like to donate your reward to charity? Reply \"donate yes\" or \"donate no\"."
}

func VouchersHelp() string {
	return "Smart voucher commands:\n" +
		"[new voucher] - issue a new voucher\n" +
		"[vouchers] - list your vouchers\n" +
		"[deposit CODE AMOUNT_USD] - top up a voucher\n" +
		"[limit CODE N] - set per-user usage limit\n" +
		"[withdraw CODE AMOUNT] - withdraw from a voucher"
}

func DepositVoucher(code string) string {
	if code == "" {
		return "To top up a voucher, send: deposit CODE AMOUNT_USD"
	}
	return "To top up voucher " + code + ", send: deposit " + code + " AMOUNT_USD"
}

func PayToVoucher(receivingAddress, code string, amount int64, account string) string {
	return fmt.Sprintf("Please pay %s to %s to top up voucher %s (from your address %s).",
		FormatCoins(amount), receivingAddress, code, account)
}

func OnlyAttestedIssueVouchers() string {
	return "Only attested users can issue vouchers. Please attest your real name first."
}

func NoVouchers() string {
	return "You have no vouchers yet. Issue one with: new voucher"
}

func ListVouchers(vouchers []VoucherLine) string {
	var b strings.Builder
	b.WriteString("Your vouchers:\n")
	for _, v := range vouchers {
		fmt.Fprintf(&b, "%s: balance %s, usage limit %d\n", v.Code, FormatCoins(v.Balance), v.UsageLimit)
	}
	return strings.TrimRight(b.String(), "\n")
}

// VoucherLine is one row of the voucher listing.
type VoucherLine struct {
	Code       string
	Balance    int64
	UsageLimit int
}

func LimitVoucher() string {
	return "To set a voucher usage limit, send: limit CODE N"
}

func WithdrawVoucher(code string, balance int64) string {
	return fmt.Sprintf("Voucher %s has %s. To withdraw, send: withdraw %s AMOUNT",
		code, FormatCoins(balance), code)
}

func WithdrawComplete(direct, contract int64, balance int64) string {
	text := "Withdrawal complete: " + FormatCoins(direct) + " sent directly"
	if contract > 0 {
		text += ", " + FormatCoins(contract) + " locked on your vesting contract"
	}
	return text + ". New voucher balance " + FormatCoins(balance) + "."
}

func VoucherDeposited(code string, balance int64) string {
	return "Voucher " + code + " deposited, new balance " + FormatCoins(balance) + "."
}

func SignMessage(account, voucherCode string) string {
	return "I own the address " + account + " and want to redeem voucher " + voucherCode
}

func PleaseSign(message string) string {
	return "To pay with this voucher, please sign this message with your wallet:\n[" + message + "]"
}

func InvalidSignature() string {
	return "The signed message could not be verified. Please sign the exact text with the address you declared."
}

func VoucherNotFound(code string) string {
	return "Voucher " + code + " was not found."
}

func VoucherLimitReached(code string) string {
	return "Voucher " + code + " has reached its per-user usage limit."
}

func VoucherOutOfFunds(code string) string {
	return "Voucher " + code + " does not have enough funds."
}

func NeedAddressFirst() string {
	return "Please send me your account address first."
}

func InvalidAddress() string {
	return "This does not look like a valid account address. " +
		"Please use the \"Insert my address\" button."
}

func DonationSaved(yes bool) string {
	if yes {
		return "Thank you! Your reward will be donated."
	}
	return "Noted, your reward stays yours."
}

func NotVerifiedYet() string {
	return "You need to pass identity verification first."
}

func Unrecognized() string {
	return "Unrecognized command. Send your account address to start, or [vouchers] for voucher commands."
}

func ReferredNewUser(rewardText string) string {
	return "A user you referred was just attested " + rewardText + "."
}
