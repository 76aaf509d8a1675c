package attestation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"attestd/internal/geo"
	"attestd/internal/keylock"
	"attestd/internal/models"
	"attestd/internal/policy"
	"attestd/internal/pricing"
	"attestd/internal/reward"
	"attestd/internal/verify"
	"attestd/internal/voucher"
	"attestd/internal/wallet"
)

const (
	testHandle  = "user-handle"
	testAccount = "USERACCOUNT"
	testAddress = "RECVADDR1"
	priceUnits  = 400_000_000 // 8 USD at 20 USD/coin
)

type recordedMessage struct {
	Handle string
	Text   string
}

type recorder struct {
	mu       sync.Mutex
	messages []recordedMessage
	alerts   []string
}

func (r *recorder) Send(_ context.Context, handle, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, recordedMessage{Handle: handle, Text: text})
	return nil
}

func (r *recorder) Alert(_ context.Context, subject, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, subject+": "+detail)
}

func (r *recorder) received(handle, substring string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.Handle == handle && strings.Contains(m.Text, substring) {
			return true
		}
	}
	return false
}

func (r *recorder) countReceived(handle, substring string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.Handle == handle && strings.Contains(m.Text, substring) {
			n++
		}
	}
	return n
}

func (r *recorder) alerted(substring string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.alerts {
		if strings.Contains(a, substring) {
			return true
		}
	}
	return false
}

type stubSubmitter struct {
	mu   sync.Mutex
	refs []string
	err  error
}

func (s *stubSubmitter) InitScan(_ context.Context, scanReference, _, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.refs = append(s.refs, scanReference)
	return "https://verify.example/" + scanReference, nil
}

type stubPoster struct {
	mu    sync.Mutex
	posts []wallet.AttestationPayload
	err   error
}

func (s *stubPoster) PostAttestation(_ context.Context, _ string, payload wallet.AttestationPayload) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.posts = append(s.posts, payload)
	return fmt.Sprintf("ATTUNIT-%d", len(s.posts)), nil
}

type stubIssuer struct {
	mu   sync.Mutex
	next int
}

func (s *stubIssuer) NextAddress(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("ISSUED%d", s.next), nil
}

func (s *stubIssuer) AddressAt(_ context.Context, index uint32) (string, error) {
	return fmt.Sprintf("ROLE%d", index), nil
}

type stubSender struct{}

func (stubSender) Send(_ context.Context, to string, _ int64) (string, error) {
	return "unit-direct-" + to, nil
}

func (stubSender) SendToContract(_ context.Context, addr string, _ int64) (string, error) {
	return "unit-contract-" + addr, nil
}

func (stubSender) SendAll(_ context.Context, _ []string, to string) (string, error) {
	return "unit-all-" + to, nil
}

type stubContracts struct{}

func (stubContracts) Create(_ context.Context, account, _ string) (string, time.Time, error) {
	return "CONTRACT-" + account, time.Now().AddDate(1, 0, 0), nil
}

type stubResolver struct {
	referrer *reward.Referrer
	latest   string
}

func (s *stubResolver) ReferrerByUnit(context.Context, string) (*reward.Referrer, error) {
	return s.referrer, nil
}

func (s *stubResolver) LatestAttestedUserID(context.Context, string, []string) (string, error) {
	return s.latest, nil
}

type zeroDiscounts struct{}

func (zeroDiscounts) Discount(context.Context, string) (float64, error) { return 0, nil }

type testEnv struct {
	engine    *Engine
	db        *gorm.DB
	recorder  *recorder
	submitter *stubSubmitter
	poster    *stubPoster
	resolver  *stubResolver
}

func setupEngineTest(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	pol := &policy.Policy{
		PriceUSD:                  8,
		RefundAttestationFee:      true,
		ContractRewardUSD:         20,
		ReferralRewardUSD:         5,
		ContractReferralRewardUSD: 5,
		ContractTermYears:         1,
		InstantPayoutCap:          500_000_000,
		Salt:                      "test-salt",
	}
	converter := pricing.RateConverter{USDPerCoin: 20, UnitsPerCoin: 1_000_000_000}
	pricer := pricing.New(pol, zeroDiscounts{}, converter)

	rec := &recorder{}
	locks := keylock.New()
	sender := stubSender{}
	contracts := stubContracts{}
	attestors := wallet.Attestors{
		Jumio:        "ATTESTOR-JUMIO",
		SmartID:      "ATTESTOR-SMARTID",
		NonResident:  "ATTESTOR-NONUS",
		Distribution: "ATTESTOR-DIST",
	}
	resolver := &stubResolver{}
	rewards := reward.New(reward.Config{
		DB:        db,
		Locks:     locks,
		Policy:    pol,
		Converter: converter,
		Sender:    sender,
		Contracts: contracts,
		Resolver:  resolver,
		Notifier:  rec,
		Operator:  rec,
		Attestors: attestors,
	})
	vouchers := voucher.NewLedger(voucher.Config{
		DB:         db,
		Locks:      locks,
		Issuer:     &stubIssuer{},
		Sender:     sender,
		Contracts:  contracts,
		Notifier:   rec,
		InstantCap: pol.InstantPayoutCap,
	})

	submitter := &stubSubmitter{}
	poster := &stubPoster{}
	engine := New(Config{
		DB:       db,
		Locks:    locks,
		Pricer:   pricer,
		Policy:   pol,
		Rewards:  rewards,
		Vouchers: vouchers,
		Submitters: map[string]verify.Submitter{
			models.ProviderJumio:   submitter,
			models.ProviderSmartID: submitter,
		},
		Poster:    poster,
		Issuer:    &stubIssuer{},
		Geo:       geo.StaticResolver{"203.0.113.5": "DE", "198.51.100.7": "US"},
		Notifier:  rec,
		Operator:  rec,
		Attestors: attestors,
	})
	return &testEnv{
		engine:    engine,
		db:        db,
		recorder:  rec,
		submitter: submitter,
		poster:    poster,
		resolver:  resolver,
	}
}

func seedReceivingAddress(t *testing.T, db *gorm.DB) {
	t.Helper()
	account := testAccount
	provider := models.ProviderJumio
	user := models.User{IdentityHandle: testHandle, LinkedAccount: &account, Provider: &provider}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	row := models.ReceivingAddress{
		Address:        testAddress,
		IdentityHandle: testHandle,
		LinkedAccount:  testAccount,
		Provider:       models.ProviderJumio,
		QuotedPrice:    priceUnits,
		PriceQuotedAt:  time.Now(),
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("seed receiving address: %v", err)
	}
}

func passingJumioPayload(country string) []byte {
	return []byte(`{
		"verificationStatus": "APPROVED_VERIFIED",
		"idFirstName": "JOHN",
		"idLastName": "DOE",
		"idDob": "1980-01-01",
		"idCountry": "` + country + `",
		"idType": "PASSPORT",
		"idNumber": "X1234567",
		"identityVerification": {"validity": true, "similarity": "MATCH"}
	}`)
}

func paymentFrom(author string, amount int64) wallet.PaymentSeen {
	return wallet.PaymentSeen{
		Address:         testAddress,
		Amount:          amount,
		Unit:            "PAYUNIT-" + uuid.NewString()[:8],
		AuthorAddresses: []string{author},
	}
}

func TestPaymentLifecycleToReward(t *testing.T) {
	env := setupEngineTest(t)
	seedReceivingAddress(t, env.db)
	ctx := context.Background()

	ev := paymentFrom(testAccount, priceUnits)
	if err := env.engine.HandlePaymentSeen(ctx, ev); err != nil {
		t.Fatalf("payment seen: %v", err)
	}
	var tx models.Transaction
	if err := env.db.First(&tx, "payment_unit = ?", ev.Unit).Error; err != nil {
		t.Fatalf("transaction not created: %v", err)
	}
	if tx.State != models.StatePaymentReceived {
		t.Fatalf("state = %s, want %s", tx.State, models.StatePaymentReceived)
	}
	if !env.recorder.received(testHandle, "waiting for confirmation") {
		t.Fatalf("payment-seen notification missing")
	}

	if err := env.engine.HandlePaymentConfirmed(ctx, ev.Unit); err != nil {
		t.Fatalf("payment confirmed: %v", err)
	}
	if err := env.db.First(&tx, "id = ?", tx.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !tx.Confirmed || tx.State != models.StateVerificationPending {
		t.Fatalf("confirmed=%v state=%s after confirmation", tx.Confirmed, tx.State)
	}
	if tx.ScanSubmittedAt == nil {
		t.Fatalf("scan was not submitted")
	}
	if !env.recorder.received(testHandle, "https://verify.example/"+tx.ScanReference) {
		t.Fatalf("redirect link not sent")
	}

	err := env.engine.HandleCallback(ctx, models.ProviderJumio, tx.ScanReference, passingJumioPayload("DEU"), "203.0.113.5")
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if err := env.db.First(&tx, "id = ?", tx.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if tx.Result != models.VerificationPassed {
		t.Fatalf("result = %s, want PASSED", tx.Result)
	}
	if tx.State != models.StateRewarded {
		t.Fatalf("state = %s, want %s", tx.State, models.StateRewarded)
	}

	var att models.AttestationUnit
	if err := env.db.First(&att, "transaction_id = ? AND kind = ?", tx.ID, models.KindIdentity).Error; err != nil {
		t.Fatalf("attestation unit missing: %v", err)
	}
	if att.PostedUnit == nil {
		t.Fatalf("attestation was not posted")
	}

	var ru models.RewardUnit
	if err := env.db.First(&ru, "transaction_id = ?", tx.ID).Error; err != nil {
		t.Fatalf("reward unit missing: %v", err)
	}
	if ru.SentAt == nil {
		t.Fatalf("reward was not paid out")
	}
	if ru.RewardAmount != priceUnits {
		t.Fatalf("direct reward = %d, want refunded fee %d", ru.RewardAmount, priceUnits)
	}

	// Non-US document with a non-US client IP gets the optional offer.
	if !env.recorder.received(testHandle, "non-US") {
		t.Fatalf("non-US offer missing")
	}

	// A replayed callback must not mint a second reward.
	err = env.engine.HandleCallback(ctx, models.ProviderJumio, tx.ScanReference, passingJumioPayload("DEU"), "203.0.113.5")
	if !errors.Is(err, ErrDuplicateCallback) {
		t.Fatalf("replay err = %v, want ErrDuplicateCallback", err)
	}
	if !env.recorder.alerted("duplicate verification callback") {
		t.Fatalf("duplicate callback was not alerted")
	}
	var rewardCount int64
	if err := env.db.Model(&models.RewardUnit{}).Count(&rewardCount).Error; err != nil {
		t.Fatalf("count rewards: %v", err)
	}
	if rewardCount != 1 {
		t.Fatalf("reward units = %d, want 1", rewardCount)
	}
}

func TestPaymentFromUndeclaredSenderRejected(t *testing.T) {
	env := setupEngineTest(t)
	seedReceivingAddress(t, env.db)
	ctx := context.Background()

	ev := paymentFrom("SOMEONEELSE", priceUnits)
	if err := env.engine.HandlePaymentSeen(ctx, ev); err != nil {
		t.Fatalf("payment seen: %v", err)
	}

	var txCount int64
	if err := env.db.Model(&models.Transaction{}).Count(&txCount).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if txCount != 0 {
		t.Fatalf("transaction created for undeclared sender")
	}
	var rejected models.RejectedPayment
	if err := env.db.First(&rejected, "payment_unit = ?", ev.Unit).Error; err != nil {
		t.Fatalf("rejection not recorded: %v", err)
	}
	if rejected.Reason != rejectWrongSender {
		t.Fatalf("reason = %q", rejected.Reason)
	}
	var user models.User
	if err := env.db.First(&user, "identity_handle = ?", testHandle).Error; err != nil {
		t.Fatalf("load user: %v", err)
	}
	if user.LinkedAccount != nil {
		t.Fatalf("linked account should be reset")
	}

	// Replaying the same unit stays silent and keeps one audit row.
	before := len(env.recorder.messages)
	if err := env.engine.HandlePaymentSeen(ctx, ev); err != nil {
		t.Fatalf("replayed payment seen: %v", err)
	}
	if len(env.recorder.messages) != before {
		t.Fatalf("replayed rejection notified again")
	}
}

func TestWrongAssetRejected(t *testing.T) {
	env := setupEngineTest(t)
	seedReceivingAddress(t, env.db)
	ctx := context.Background()

	asset := "otherasset"
	ev := paymentFrom(testAccount, priceUnits)
	ev.Asset = &asset
	if err := env.engine.HandlePaymentSeen(ctx, ev); err != nil {
		t.Fatalf("payment seen: %v", err)
	}
	var rejected models.RejectedPayment
	if err := env.db.First(&rejected, "payment_unit = ?", ev.Unit).Error; err != nil {
		t.Fatalf("rejection not recorded: %v", err)
	}
	if rejected.Reason != rejectWrongAsset {
		t.Fatalf("reason = %q", rejected.Reason)
	}
}

func TestStaleUnderpaymentUpdatesPrice(t *testing.T) {
	env := setupEngineTest(t)
	seedReceivingAddress(t, env.db)
	ctx := context.Background()

	// Quote from four days ago at half the current price.
	stale := time.Now().Add(-4 * 24 * time.Hour)
	if err := env.db.Model(&models.ReceivingAddress{}).
		Where("address = ?", testAddress).
		Updates(map[string]interface{}{"quoted_price": priceUnits / 2, "price_quoted_at": stale}).Error; err != nil {
		t.Fatalf("age quote: %v", err)
	}

	ev := paymentFrom(testAccount, priceUnits/2)
	if err := env.engine.HandlePaymentSeen(ctx, ev); err != nil {
		t.Fatalf("payment seen: %v", err)
	}
	var rejected models.RejectedPayment
	if err := env.db.First(&rejected, "payment_unit = ?", ev.Unit).Error; err != nil {
		t.Fatalf("stale underpayment accepted: %v", err)
	}
	var row models.ReceivingAddress
	if err := env.db.First(&row, "address = ?", testAddress).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if row.QuotedPrice != priceUnits {
		t.Fatalf("stored price = %d, want re-quoted %d", row.QuotedPrice, priceUnits)
	}
	if !env.recorder.received(testHandle, "price has changed") {
		t.Fatalf("price change notification missing")
	}
}

func TestFailedVerificationNotifies(t *testing.T) {
	env := setupEngineTest(t)
	seedReceivingAddress(t, env.db)
	ctx := context.Background()

	ev := paymentFrom(testAccount, priceUnits)
	if err := env.engine.HandlePaymentSeen(ctx, ev); err != nil {
		t.Fatalf("payment seen: %v", err)
	}
	if err := env.engine.HandlePaymentConfirmed(ctx, ev.Unit); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	var tx models.Transaction
	if err := env.db.First(&tx, "payment_unit = ?", ev.Unit).Error; err != nil {
		t.Fatalf("load tx: %v", err)
	}

	denied := []byte(`{"verificationStatus": "DENIED_FRAUD"}`)
	if err := env.engine.HandleCallback(ctx, models.ProviderJumio, tx.ScanReference, denied, ""); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if err := env.db.First(&tx, "id = ?", tx.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if tx.State != models.StateFailed || tx.Result != models.VerificationFailed {
		t.Fatalf("state=%s result=%s after denial", tx.State, tx.Result)
	}
	if !env.recorder.received(testHandle, "DENIED_FRAUD") {
		t.Fatalf("failure reason not delivered")
	}
	var attCount int64
	if err := env.db.Model(&models.AttestationUnit{}).Count(&attCount).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if attCount != 0 {
		t.Fatalf("attestation created for failed verification")
	}
}

func TestCallbackForUnknownScanAlerted(t *testing.T) {
	env := setupEngineTest(t)
	ctx := context.Background()

	err := env.engine.HandleCallback(ctx, models.ProviderJumio, "no-such-scan", passingJumioPayload("DEU"), "")
	if !errors.Is(err, ErrUnknownScan) {
		t.Fatalf("err = %v, want ErrUnknownScan", err)
	}
	if !env.recorder.alerted("unknown scan") {
		t.Fatalf("unknown scan was not alerted")
	}
}

func TestNonResidentAttestation(t *testing.T) {
	env := setupEngineTest(t)
	seedReceivingAddress(t, env.db)
	ctx := context.Background()

	ev := paymentFrom(testAccount, priceUnits)
	if err := env.engine.HandlePaymentSeen(ctx, ev); err != nil {
		t.Fatalf("payment seen: %v", err)
	}
	if err := env.engine.HandlePaymentConfirmed(ctx, ev.Unit); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	var tx models.Transaction
	if err := env.db.First(&tx, "payment_unit = ?", ev.Unit).Error; err != nil {
		t.Fatalf("load tx: %v", err)
	}
	if err := env.engine.HandleCallback(ctx, models.ProviderJumio, tx.ScanReference, passingJumioPayload("DEU"), "203.0.113.5"); err != nil {
		t.Fatalf("callback: %v", err)
	}

	if err := env.engine.RequestNonResident(ctx, testHandle, testAccount); err != nil {
		t.Fatalf("non-resident request: %v", err)
	}
	var unit models.AttestationUnit
	if err := env.db.First(&unit, "transaction_id = ? AND kind = ?", tx.ID, models.KindNonResident).Error; err != nil {
		t.Fatalf("non-resident unit missing: %v", err)
	}
	if unit.PostedUnit == nil {
		t.Fatalf("non-resident attestation was not posted")
	}

	// A repeated request answers with the existing unit.
	if err := env.engine.RequestNonResident(ctx, testHandle, testAccount); err != nil {
		t.Fatalf("repeat request: %v", err)
	}
	if !env.recorder.received(testHandle, "already attested in unit "+*unit.PostedUnit) {
		t.Fatalf("existing unit not referenced in reply")
	}
	var count int64
	if err := env.db.Model(&models.AttestationUnit{}).
		Where("kind = ?", models.KindNonResident).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("non-resident units = %d, want 1", count)
	}
}

func TestNonResidentRefusedForUSDocument(t *testing.T) {
	env := setupEngineTest(t)
	seedReceivingAddress(t, env.db)
	ctx := context.Background()

	ev := paymentFrom(testAccount, priceUnits)
	if err := env.engine.HandlePaymentSeen(ctx, ev); err != nil {
		t.Fatalf("payment seen: %v", err)
	}
	if err := env.engine.HandlePaymentConfirmed(ctx, ev.Unit); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	var tx models.Transaction
	if err := env.db.First(&tx, "payment_unit = ?", ev.Unit).Error; err != nil {
		t.Fatalf("load tx: %v", err)
	}
	if err := env.engine.HandleCallback(ctx, models.ProviderJumio, tx.ScanReference, passingJumioPayload("USA"), "198.51.100.7"); err != nil {
		t.Fatalf("callback: %v", err)
	}

	if err := env.engine.RequestNonResident(ctx, testHandle, testAccount); err != nil {
		t.Fatalf("request: %v", err)
	}
	if !env.recorder.received(testHandle, "not possible") {
		t.Fatalf("refusal not delivered")
	}
	var count int64
	if err := env.db.Model(&models.AttestationUnit{}).
		Where("kind = ?", models.KindNonResident).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("non-resident attestation issued for US document")
	}
}

func TestScanRetryAfterSubmitterOutage(t *testing.T) {
	env := setupEngineTest(t)
	seedReceivingAddress(t, env.db)
	ctx := context.Background()

	env.submitter.err = errors.New("vendor down")
	ev := paymentFrom(testAccount, priceUnits)
	if err := env.engine.HandlePaymentSeen(ctx, ev); err != nil {
		t.Fatalf("payment seen: %v", err)
	}
	if err := env.engine.HandlePaymentConfirmed(ctx, ev.Unit); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	ids, err := env.engine.UnsubmittedScanIDs(ctx)
	if err != nil {
		t.Fatalf("list unsubmitted: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("unsubmitted scans = %d, want 1", len(ids))
	}

	env.submitter.err = nil
	if err := env.engine.RetryScan(ctx, ids[0]); err != nil {
		t.Fatalf("retry: %v", err)
	}
	var tx models.Transaction
	if err := env.db.First(&tx, "id = ?", ids[0]).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if tx.ScanSubmittedAt == nil {
		t.Fatalf("retry did not submit the scan")
	}
	ids, err = env.engine.UnsubmittedScanIDs(ctx)
	if err != nil {
		t.Fatalf("list unsubmitted: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("scan still listed after retry")
	}
}

func TestPurgePayloads(t *testing.T) {
	env := setupEngineTest(t)
	seedReceivingAddress(t, env.db)
	ctx := context.Background()

	old := time.Now().Add(-40 * 24 * time.Hour)
	tx := models.Transaction{
		ReceivingAddress: testAddress,
		State:            models.StateAttested,
		Result:           models.VerificationPassed,
		ResultAt:         &old,
		ScanReference:    uuid.NewString(),
		ExtractedPayload: passingJumioPayload("DEU"),
	}
	if err := env.db.Create(&tx).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	purged, err := env.engine.PurgePayloads(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if err := env.db.First(&tx, "id = ?", tx.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(tx.ExtractedPayload) != 0 {
		t.Fatalf("payload survived the purge")
	}

	// The non-resident flow now has nothing to work from.
	err = env.engine.RequestNonResident(ctx, testHandle, testAccount)
	if !errors.Is(err, ErrNoPassedVerification) {
		t.Fatalf("err = %v, want ErrNoPassedVerification", err)
	}
}

// runVerifiedCycle drives payment, confirmation, and a passing verification
// callback for the seeded receiving address.
func runVerifiedCycle(t *testing.T, env *testEnv, country, clientIP string) models.Transaction {
	t.Helper()
	ctx := context.Background()

	ev := paymentFrom(testAccount, priceUnits)
	if err := env.engine.HandlePaymentSeen(ctx, ev); err != nil {
		t.Fatalf("payment seen: %v", err)
	}
	if err := env.engine.HandlePaymentConfirmed(ctx, ev.Unit); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	var tx models.Transaction
	if err := env.db.First(&tx, "payment_unit = ?", ev.Unit).Error; err != nil {
		t.Fatalf("load tx: %v", err)
	}
	if err := env.engine.HandleCallback(ctx, models.ProviderJumio, tx.ScanReference, passingJumioPayload(country), clientIP); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if err := env.db.First(&tx, "id = ?", tx.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	return tx
}

func TestNonResidentOfferWithUnresolvedIP(t *testing.T) {
	env := setupEngineTest(t)
	seedReceivingAddress(t, env.db)

	// The client IP is not in the geo database; the non-US document decides.
	runVerifiedCycle(t, env, "DEU", "198.18.0.1")
	if !env.recorder.received(testHandle, "request a non-US attestation") {
		t.Fatalf("non-US offer suppressed for unresolved IP")
	}
}

func TestAttestationRepostAfterPosterOutage(t *testing.T) {
	env := setupEngineTest(t)
	seedReceivingAddress(t, env.db)
	ctx := context.Background()

	env.poster.err = errors.New("node down")
	tx := runVerifiedCycle(t, env, "DEU", "203.0.113.5")

	var unit models.AttestationUnit
	if err := env.db.First(&unit, "transaction_id = ? AND kind = ?", tx.ID, models.KindIdentity).Error; err != nil {
		t.Fatalf("attestation unit missing: %v", err)
	}
	if unit.PostedUnit != nil {
		t.Fatalf("unit posted despite outage")
	}
	var rewardCount int64
	env.db.Model(&models.RewardUnit{}).Count(&rewardCount)
	if rewardCount != 0 {
		t.Fatalf("reward granted before the attestation was posted")
	}
	offers := env.recorder.countReceived(testHandle, "request a non-US attestation")
	donations := env.recorder.countReceived(testHandle, "donate yes")

	ids, err := env.engine.UnpostedAttestationIDs(ctx)
	if err != nil || len(ids) != 1 || ids[0] != tx.ID {
		t.Fatalf("unposted ids = %v (%v)", ids, err)
	}

	// A retry during the outage changes nothing.
	if err := env.engine.RetryAttestationPost(ctx, tx.ID); err != nil {
		t.Fatalf("retry during outage: %v", err)
	}

	env.poster.err = nil
	if err := env.engine.RetryAttestationPost(ctx, tx.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if err := env.db.First(&unit, "id = ?", unit.ID).Error; err != nil {
		t.Fatalf("reload unit: %v", err)
	}
	if unit.PostedUnit == nil {
		t.Fatalf("retry did not post the attestation")
	}
	var ru models.RewardUnit
	if err := env.db.First(&ru, "transaction_id = ?", tx.ID).Error; err != nil {
		t.Fatalf("retry did not issue the reward: %v", err)
	}
	if ru.SentAt == nil {
		t.Fatalf("reward not paid out after repost")
	}

	// The sweep retries stay quiet: the offer and donation prompts were sent
	// once, with the verification result.
	if got := env.recorder.countReceived(testHandle, "request a non-US attestation"); got != offers {
		t.Fatalf("non-US offer repeated by retry: %d -> %d", offers, got)
	}
	if got := env.recorder.countReceived(testHandle, "donate yes"); got != donations {
		t.Fatalf("donation prompt repeated by retry: %d -> %d", donations, got)
	}
}

func TestNonResidentRepostedBySweep(t *testing.T) {
	env := setupEngineTest(t)
	seedReceivingAddress(t, env.db)
	ctx := context.Background()

	tx := runVerifiedCycle(t, env, "DEU", "203.0.113.5")

	env.poster.err = errors.New("node down")
	if err := env.engine.RequestNonResident(ctx, testHandle, testAccount); err != nil {
		t.Fatalf("non-resident request: %v", err)
	}
	var unit models.AttestationUnit
	if err := env.db.First(&unit, "transaction_id = ? AND kind = ?", tx.ID, models.KindNonResident).Error; err != nil {
		t.Fatalf("non-resident unit missing: %v", err)
	}
	if unit.PostedUnit != nil {
		t.Fatalf("unit posted despite outage")
	}

	ids, err := env.engine.UnpostedAttestationIDs(ctx)
	if err != nil || len(ids) != 1 || ids[0] != tx.ID {
		t.Fatalf("unposted ids = %v (%v)", ids, err)
	}
	offers := env.recorder.countReceived(testHandle, "request a non-US attestation")

	env.poster.err = nil
	if err := env.engine.RetryAttestationPost(ctx, tx.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if err := env.db.First(&unit, "id = ?", unit.ID).Error; err != nil {
		t.Fatalf("reload unit: %v", err)
	}
	if unit.PostedUnit == nil {
		t.Fatalf("retry did not post the non-resident attestation")
	}
	var rewardCount int64
	env.db.Model(&models.RewardUnit{}).Count(&rewardCount)
	if rewardCount != 1 {
		t.Fatalf("reward units = %d after repost, want 1", rewardCount)
	}
	if got := env.recorder.countReceived(testHandle, "request a non-US attestation"); got != offers {
		t.Fatalf("non-US offer repeated by retry: %d -> %d", offers, got)
	}
}

func TestVoucherReferralRefundsAttestationFee(t *testing.T) {
	env := setupEngineTest(t)
	seedReceivingAddress(t, env.db)
	ctx := context.Background()

	env.resolver.latest = "owner-ext-id"
	v := models.Voucher{
		Code:             "ABCDEFGHJKMN2",
		OwnerHandle:      "owner-handle",
		OwnerAccount:     "OWNERACCT",
		ReceivingAddress: "VOUCHERADDR",
		Balance:          2_000_000_000,
		UsageLimit:       1,
	}
	if err := env.db.Create(&v).Error; err != nil {
		t.Fatalf("seed voucher: %v", err)
	}

	tx, err := env.engine.Vouchers().ReserveForAttestation(ctx, v.Code, testHandle, testAddress, "signed", priceUnits)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := env.engine.HandleCallback(ctx, models.ProviderJumio, tx.ScanReference, passingJumioPayload("DEU"), "203.0.113.5"); err != nil {
		t.Fatalf("callback: %v", err)
	}

	var ref models.ReferralRewardUnit
	if err := env.db.First(&ref, "transaction_id = ?", tx.ID).Error; err != nil {
		t.Fatalf("referral reward missing: %v", err)
	}
	// 5 + 5 USD referral reward plus the 8 USD fee the owner prepaid, all
	// direct: 18 USD at 20 USD/coin.
	if ref.RewardAmount != 900_000_000 {
		t.Fatalf("direct referral reward = %d, want 900000000", ref.RewardAmount)
	}
	if ref.ContractRewardAmount != 0 {
		t.Fatalf("voucher referral must not lock funds, got %d", ref.ContractRewardAmount)
	}
	if !env.recorder.received("owner-handle", "$18.00") {
		t.Fatalf("referrer notification missing the full amount")
	}
}
