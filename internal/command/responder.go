package command

import (
	"context"
	"errors"
	"regexp"

	"attestd/internal/attestation"
	"attestd/internal/models"
	"attestd/internal/notify"
	"attestd/internal/pricing"
	"attestd/internal/reward"
	"attestd/internal/signedmsg"
	"attestd/internal/voucher"
)

// Responder executes parsed commands and replies over the notifier.
type Responder struct {
	engine    *attestation.Engine
	vouchers  *voucher.Ledger
	rewards   *reward.Engine
	pricer    *pricing.Engine
	converter pricing.Converter
	notifier  notify.Notifier
}

// NewResponder wires the conversational surface.
func NewResponder(engine *attestation.Engine, converter pricing.Converter, notifier notify.Notifier) *Responder {
	return &Responder{
		engine:    engine,
		vouchers:  engine.Vouchers(),
		rewards:   engine.Rewards(),
		pricer:    engine.Pricer(),
		converter: converter,
		notifier:  notifier,
	}
}

// Respond handles one inbound chat message.
func (r *Responder) Respond(ctx context.Context, identityHandle, text string) error {
	cmd := Parse(text)
	user, err := r.engine.UserInfo(ctx, identityHandle)
	if err != nil {
		return err
	}

	switch cmd.Kind {
	case KindGreeting:
		r.send(ctx, identityHandle, notify.Greeting())
		return nil
	case KindAddress:
		return r.declareAddress(ctx, user, cmd.Account)
	case KindProvider:
		return r.chooseProvider(ctx, user, cmd.Provider)
	case KindAgain:
		return r.again(ctx, user)
	case KindNonResident:
		return r.nonResident(ctx, user)
	case KindDonate:
		return r.donate(ctx, user, cmd.Donate)
	case KindVoucherHelp:
		r.send(ctx, identityHandle, notify.VouchersHelp())
		return nil
	case KindVoucherNew:
		return r.voucherNew(ctx, user)
	case KindVoucherList:
		return r.voucherList(ctx, user)
	case KindVoucherDeposit:
		return r.voucherDeposit(ctx, user, cmd)
	case KindVoucherLimit:
		return r.voucherLimit(ctx, user, cmd)
	case KindVoucherWithdraw:
		return r.voucherWithdraw(ctx, user, cmd)
	case KindVoucherRedeem:
		return r.voucherRedeem(ctx, user, cmd.Code)
	case KindSignedRedeem:
		return r.signedRedeem(ctx, user, cmd.Envelope)
	default:
		r.send(ctx, identityHandle, notify.Unrecognized())
		return nil
	}
}

func (r *Responder) send(ctx context.Context, handle, text string) {
	if r.notifier != nil {
		_ = r.notifier.Send(ctx, handle, text)
	}
}

func (r *Responder) declareAddress(ctx context.Context, user *models.User, account string) error {
	done, err := r.engine.HasSuccessfulOrOngoing(ctx, user.IdentityHandle, account)
	if err != nil {
		return err
	}
	if done {
		r.send(ctx, user.IdentityHandle, notify.AlreadyHasAttestation())
		return nil
	}
	if err := r.engine.SetLinkedAccount(ctx, user.IdentityHandle, account); err != nil {
		return err
	}
	user.LinkedAccount = &account
	r.send(ctx, user.IdentityHandle, notify.GoingToAttest(account))
	if user.Provider == nil {
		r.send(ctx, user.IdentityHandle, notify.WelcomeProviders())
		return nil
	}
	return r.startCycle(ctx, user)
}

func (r *Responder) chooseProvider(ctx context.Context, user *models.User, provider string) error {
	if err := r.engine.SetProvider(ctx, user.IdentityHandle, provider); err != nil {
		return err
	}
	user.Provider = &provider
	if provider == models.ProviderJumio {
		r.send(ctx, user.IdentityHandle, notify.ProviderJumio())
	} else {
		r.send(ctx, user.IdentityHandle, notify.ProviderSmartID())
	}
	if user.LinkedAccount == nil {
		r.send(ctx, user.IdentityHandle, notify.NeedAddressFirst())
		return nil
	}
	return r.startCycle(ctx, user)
}

// startCycle quotes the price, assigns the receiving address, and asks for
// payment.
func (r *Responder) startCycle(ctx context.Context, user *models.User) error {
	quote, err := r.pricer.Quote(ctx, *user.LinkedAccount, *user.Provider)
	if err != nil {
		return err
	}
	row, err := r.engine.ReadOrAssignReceivingAddress(ctx, user, quote)
	if err != nil {
		return err
	}
	r.send(ctx, user.IdentityHandle,
		notify.PriceQuote(quote.PriceUSD, quote.DiscountedUSD, quote.DiscountPercent, quote.BaseUnits))
	r.send(ctx, user.IdentityHandle,
		notify.PleasePay(row.Address, quote.BaseUnits, *user.LinkedAccount))
	return nil
}

func (r *Responder) again(ctx context.Context, user *models.User) error {
	if user.LinkedAccount == nil {
		r.send(ctx, user.IdentityHandle, notify.NeedAddressFirst())
		return nil
	}
	if user.Provider == nil {
		r.send(ctx, user.IdentityHandle, notify.WelcomeProviders())
		return nil
	}
	done, err := r.engine.HasSuccessfulOrOngoing(ctx, user.IdentityHandle, *user.LinkedAccount)
	if err != nil {
		return err
	}
	if done {
		r.send(ctx, user.IdentityHandle, notify.AlreadyHasAttestation())
		return nil
	}
	return r.startCycle(ctx, user)
}

func (r *Responder) nonResident(ctx context.Context, user *models.User) error {
	if user.LinkedAccount == nil {
		r.send(ctx, user.IdentityHandle, notify.NeedAddressFirst())
		return nil
	}
	err := r.engine.RequestNonResident(ctx, user.IdentityHandle, *user.LinkedAccount)
	if errors.Is(err, attestation.ErrNoPassedVerification) {
		r.send(ctx, user.IdentityHandle, notify.NotVerifiedYet())
		return nil
	}
	return err
}

func (r *Responder) donate(ctx context.Context, user *models.User, yes bool) error {
	account := ""
	if user.LinkedAccount != nil {
		account = *user.LinkedAccount
	}
	choice := models.DonationNo
	if yes {
		choice = models.DonationYes
	}
	if err := r.rewards.SetDonation(ctx, user.IdentityHandle, account, choice); err != nil {
		return err
	}
	r.send(ctx, user.IdentityHandle, notify.DonationSaved(yes))
	return nil
}

func (r *Responder) voucherNew(ctx context.Context, user *models.User) error {
	if user.LinkedAccount == nil {
		r.send(ctx, user.IdentityHandle, notify.NeedAddressFirst())
		return nil
	}
	attested, err := r.engine.HasSuccessful(ctx, user.IdentityHandle, *user.LinkedAccount)
	if err != nil {
		return err
	}
	if !attested {
		r.send(ctx, user.IdentityHandle, notify.OnlyAttestedIssueVouchers())
		return nil
	}
	v, err := r.vouchers.IssueNew(ctx, *user.LinkedAccount, user.IdentityHandle)
	if err != nil {
		return err
	}
	r.send(ctx, user.IdentityHandle, notify.DepositVoucher(v.Code))
	return nil
}

func (r *Responder) voucherList(ctx context.Context, user *models.User) error {
	if user.LinkedAccount == nil {
		r.send(ctx, user.IdentityHandle, notify.NeedAddressFirst())
		return nil
	}
	vouchers, err := r.vouchers.ListByOwner(ctx, *user.LinkedAccount)
	if err != nil {
		return err
	}
	if len(vouchers) == 0 {
		r.send(ctx, user.IdentityHandle, notify.NoVouchers())
		return nil
	}
	lines := make([]notify.VoucherLine, 0, len(vouchers))
	for _, v := range vouchers {
		lines = append(lines, notify.VoucherLine{Code: v.Code, Balance: v.Balance, UsageLimit: v.UsageLimit})
	}
	r.send(ctx, user.IdentityHandle, notify.ListVouchers(lines))
	return nil
}

func (r *Responder) voucherDeposit(ctx context.Context, user *models.User, cmd Command) error {
	if cmd.Code == "" {
		r.send(ctx, user.IdentityHandle, notify.DepositVoucher(""))
		return nil
	}
	v, err := r.vouchers.Info(ctx, cmd.Code)
	if errors.Is(err, voucher.ErrNotFound) {
		r.send(ctx, user.IdentityHandle, notify.VoucherNotFound(cmd.Code))
		return nil
	}
	if err != nil {
		return err
	}
	if cmd.AmountUSD <= 0 {
		r.send(ctx, user.IdentityHandle, notify.DepositVoucher(cmd.Code))
		return nil
	}
	units, err := r.converter.BaseUnits(cmd.AmountUSD)
	if err != nil {
		return err
	}
	account := ""
	if user.LinkedAccount != nil {
		account = *user.LinkedAccount
	}
	r.send(ctx, user.IdentityHandle, notify.PayToVoucher(v.ReceivingAddress, v.Code, units, account))
	return nil
}

func (r *Responder) voucherLimit(ctx context.Context, user *models.User, cmd Command) error {
	if cmd.Code == "" || cmd.Limit < 1 {
		r.send(ctx, user.IdentityHandle, notify.LimitVoucher())
		return nil
	}
	err := r.vouchers.SetUsageLimit(ctx, cmd.Code, user.IdentityHandle, cmd.Limit)
	switch {
	case errors.Is(err, voucher.ErrNotFound):
		r.send(ctx, user.IdentityHandle, notify.VoucherNotFound(cmd.Code))
		return nil
	case errors.Is(err, voucher.ErrNotOwner):
		r.send(ctx, user.IdentityHandle, notify.VoucherNotFound(cmd.Code))
		return nil
	case err != nil:
		return err
	}
	v, err := r.vouchers.Info(ctx, cmd.Code)
	if err != nil {
		return err
	}
	r.send(ctx, user.IdentityHandle,
		notify.ListVouchers([]notify.VoucherLine{{Code: v.Code, Balance: v.Balance, UsageLimit: v.UsageLimit}}))
	return nil
}

func (r *Responder) voucherWithdraw(ctx context.Context, user *models.User, cmd Command) error {
	if cmd.Code == "" {
		r.send(ctx, user.IdentityHandle, notify.VouchersHelp())
		return nil
	}
	v, err := r.vouchers.Info(ctx, cmd.Code)
	if errors.Is(err, voucher.ErrNotFound) {
		r.send(ctx, user.IdentityHandle, notify.VoucherNotFound(cmd.Code))
		return nil
	}
	if err != nil {
		return err
	}
	amount := cmd.AmountUnits
	if cmd.All {
		amount = v.Balance
	}
	if amount <= 0 {
		r.send(ctx, user.IdentityHandle, notify.WithdrawVoucher(v.Code, v.Balance))
		return nil
	}
	direct, locked, err := r.vouchers.Withdraw(ctx, cmd.Code, user.IdentityHandle, amount)
	switch {
	case errors.Is(err, voucher.ErrNotOwner):
		r.send(ctx, user.IdentityHandle, notify.VoucherNotFound(cmd.Code))
		return nil
	case errors.Is(err, voucher.ErrInsufficientFunds):
		r.send(ctx, user.IdentityHandle, notify.VoucherOutOfFunds(cmd.Code))
		return nil
	case err != nil:
		return err
	}
	v, err = r.vouchers.Info(ctx, cmd.Code)
	if err != nil {
		return err
	}
	r.send(ctx, user.IdentityHandle, notify.WithdrawComplete(direct, locked, v.Balance))
	return nil
}

// voucherRedeem asks the user to prove address ownership before spending a
// voucher on their attestation.
func (r *Responder) voucherRedeem(ctx context.Context, user *models.User, code string) error {
	if user.LinkedAccount == nil {
		r.send(ctx, user.IdentityHandle, notify.NeedAddressFirst())
		return nil
	}
	if user.Provider == nil {
		r.send(ctx, user.IdentityHandle, notify.WelcomeProviders())
		return nil
	}
	if _, err := r.vouchers.Info(ctx, code); errors.Is(err, voucher.ErrNotFound) {
		r.send(ctx, user.IdentityHandle, notify.VoucherNotFound(code))
		return nil
	} else if err != nil {
		return err
	}
	r.send(ctx, user.IdentityHandle,
		notify.PleaseSign(notify.SignMessage(*user.LinkedAccount, code)))
	return nil
}

var redeemCodePattern = regexp.MustCompile(`redeem voucher ([A-Z2-7]{13})`)

func (r *Responder) signedRedeem(ctx context.Context, user *models.User, envelope []byte) error {
	if user.LinkedAccount == nil || user.Provider == nil {
		r.send(ctx, user.IdentityHandle, notify.NeedAddressFirst())
		return nil
	}
	env, err := signedmsg.Parse(envelope)
	if err != nil {
		r.send(ctx, user.IdentityHandle, notify.InvalidSignature())
		return nil
	}
	match := redeemCodePattern.FindStringSubmatch(env.Message)
	if match == nil {
		r.send(ctx, user.IdentityHandle, notify.InvalidSignature())
		return nil
	}
	code := match[1]
	expected := notify.SignMessage(*user.LinkedAccount, code)
	if err := signedmsg.Verify(env, *user.LinkedAccount, expected); err != nil {
		r.send(ctx, user.IdentityHandle, notify.InvalidSignature())
		return nil
	}

	done, err := r.engine.HasSuccessfulOrOngoing(ctx, user.IdentityHandle, *user.LinkedAccount)
	if err != nil {
		return err
	}
	if done {
		r.send(ctx, user.IdentityHandle, notify.AlreadyHasAttestation())
		return nil
	}

	quote, err := r.pricer.Quote(ctx, *user.LinkedAccount, *user.Provider)
	if err != nil {
		return err
	}
	row, err := r.engine.ReadOrAssignReceivingAddress(ctx, user, quote)
	if err != nil {
		return err
	}
	tx, err := r.vouchers.ReserveForAttestation(ctx, code, user.IdentityHandle, row.Address, string(envelope), quote.BaseUnits)
	switch {
	case errors.Is(err, voucher.ErrNotFound):
		r.send(ctx, user.IdentityHandle, notify.VoucherNotFound(code))
		return nil
	case errors.Is(err, voucher.ErrInsufficientFunds):
		r.send(ctx, user.IdentityHandle, notify.VoucherOutOfFunds(code))
		return nil
	case errors.Is(err, voucher.ErrLimitReached):
		r.send(ctx, user.IdentityHandle, notify.VoucherLimitReached(code))
		return nil
	case err != nil:
		return err
	}
	return r.engine.BeginVoucherVerification(ctx, tx.ID)
}
