package reward

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"attestd/internal/keylock"
	"attestd/internal/models"
	"attestd/internal/policy"
	"attestd/internal/pricing"
	"attestd/internal/wallet"
)

type stubSender struct {
	mu          sync.Mutex
	direct      []int64
	contract    []int64
	err         error
	failAccount string
}

func (s *stubSender) Send(_ context.Context, account string, amount int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	if s.failAccount != "" && account == s.failAccount {
		return "", fmt.Errorf("send to %s refused", account)
	}
	s.direct = append(s.direct, amount)
	return fmt.Sprintf("unit-direct-%d", len(s.direct)), nil
}

func (s *stubSender) SendToContract(_ context.Context, _ string, amount int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.contract = append(s.contract, amount)
	return fmt.Sprintf("unit-contract-%d", len(s.contract)), nil
}

func (s *stubSender) SendAll(_ context.Context, _ []string, to string) (string, error) {
	return "unit-all-" + to, nil
}

func (s *stubSender) directCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.direct)
}

func (s *stubSender) contractCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contract)
}

type stubContracts struct{}

func (stubContracts) Create(_ context.Context, account, _ string) (string, time.Time, error) {
	return "CONTRACT-" + account, time.Now().AddDate(1, 0, 0), nil
}

type flakyContracts struct {
	mu  sync.Mutex
	err error
}

func (c *flakyContracts) Create(_ context.Context, account, _ string) (string, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", time.Time{}, c.err
	}
	return "CONTRACT-" + account, time.Now().AddDate(1, 0, 0), nil
}

func (c *flakyContracts) heal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = nil
}

type stubUnitSource struct {
	author string
	userID string
}

func (s *stubUnitSource) FundingAuthor(context.Context, string) (string, error) {
	return s.author, nil
}

func (s *stubUnitSource) ReferrerByUnit(context.Context, string) (*Referrer, error) {
	if s.author == "" || s.userID == "" {
		return nil, nil
	}
	return &Referrer{Account: s.author, ExternalUserID: s.userID}, nil
}

func (s *stubUnitSource) LatestAttestedUserID(context.Context, string, []string) (string, error) {
	return s.userID, nil
}

type recorder struct {
	mu     sync.Mutex
	texts  []string
	alerts []string
}

func (r *recorder) Send(_ context.Context, _, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return nil
}

func (r *recorder) Alert(_ context.Context, subject, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, subject+": "+detail)
}

func setupRewardTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestEngine(t *testing.T, db *gorm.DB) (*Engine, *stubSender, *recorder) {
	t.Helper()
	return newTestEngineWith(t, db, stubContracts{})
}

func newTestEngineWith(t *testing.T, db *gorm.DB, contracts wallet.VestingContracts) (*Engine, *stubSender, *recorder) {
	t.Helper()
	sender := &stubSender{}
	rec := &recorder{}
	engine := New(Config{
		DB:    db,
		Locks: keylock.New(),
		Policy: &policy.Policy{
			PriceUSD:                  8,
			RefundAttestationFee:      true,
			ContractRewardUSD:         20,
			ReferralRewardUSD:         5,
			ContractReferralRewardUSD: 5,
			ContractTermYears:         1,
			Salt:                      "salt",
		},
		Converter: pricing.RateConverter{USDPerCoin: 20, UnitsPerCoin: 1_000_000_000},
		Sender:    sender,
		Contracts: contracts,
		Resolver:  &stubUnitSource{},
		Notifier:  rec,
		Operator:  rec,
		Attestors: wallet.Attestors{Jumio: "AJ", SmartID: "AS", NonResident: "AN", Distribution: "AD"},
	})
	return engine, sender, rec
}

func attestationGrant(txID uint64) AttestationGrant {
	return AttestationGrant{
		TransactionID:  txID,
		IdentityHandle: "user-handle",
		LinkedAccount:  "USERACCOUNT",
		ExternalUserID: "ext-1",
		ReceivedAmount: 400_000_000,
	}
}

func TestRecordAttestationIsOneTimePerIdentity(t *testing.T) {
	db := setupRewardTestDB(t)
	engine, _, _ := newTestEngine(t, db)

	unit, granted, err := engine.RecordAttestation(context.Background(), attestationGrant(1))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !granted {
		t.Fatal("first grant not granted")
	}
	if unit.RewardAmount != 400_000_000 {
		t.Fatalf("refund amount = %d", unit.RewardAmount)
	}
	// 20 USD at 20 USD per coin is exactly one coin.
	if unit.ContractRewardAmount != 1_000_000_000 {
		t.Fatalf("contract amount = %d", unit.ContractRewardAmount)
	}
	if unit.ContractAddress == "" || unit.VestingAt == nil {
		t.Fatalf("vesting contract not attached: %+v", unit)
	}

	// Same identity attesting again through another transaction.
	g := attestationGrant(2)
	_, granted, err = engine.RecordAttestation(context.Background(), g)
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if granted {
		t.Fatal("duplicate identity granted twice")
	}
	var count int64
	db.Model(&models.RewardUnit{}).Count(&count)
	if count != 1 {
		t.Fatalf("reward rows = %d", count)
	}
}

func TestGrantSendsOnceEvenWhenRepeated(t *testing.T) {
	db := setupRewardTestDB(t)
	engine, sender, _ := newTestEngine(t, db)
	if _, _, err := engine.RecordAttestation(context.Background(), attestationGrant(1)); err != nil {
		t.Fatalf("record: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := engine.Grant(context.Background(), models.RewardAttestation, 1); err != nil {
				t.Errorf("grant: %v", err)
			}
		}()
	}
	wg.Wait()

	if sender.directCount() != 1 || sender.contractCount() != 1 {
		t.Fatalf("sends = %d direct, %d contract, want 1 each", sender.directCount(), sender.contractCount())
	}
	var unit models.RewardUnit
	if err := db.First(&unit, "transaction_id = ?", 1).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if unit.SentAt == nil || unit.SentUnit == nil {
		t.Fatal("payout not marked sent")
	}
}

func TestRetryPendingDrainsFailedPayouts(t *testing.T) {
	db := setupRewardTestDB(t)
	engine, sender, _ := newTestEngine(t, db)
	if _, _, err := engine.RecordAttestation(context.Background(), attestationGrant(1)); err != nil {
		t.Fatalf("record: %v", err)
	}

	sender.err = errors.New("node down")
	if err := engine.Grant(context.Background(), models.RewardAttestation, 1); err == nil {
		t.Fatal("expected payout failure")
	}

	sender.err = nil
	if err := engine.RetryPending(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	var unit models.RewardUnit
	if err := db.First(&unit, "transaction_id = ?", 1).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if unit.SentAt == nil {
		t.Fatal("retry did not complete the payout")
	}
}

func TestGrantCreatesMissingVestingContract(t *testing.T) {
	db := setupRewardTestDB(t)
	contracts := &flakyContracts{err: errors.New("node down")}
	engine, sender, rec := newTestEngineWith(t, db, contracts)

	unit, granted, err := engine.RecordAttestation(context.Background(), attestationGrant(1))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !granted {
		t.Fatal("grant voided by contract outage")
	}
	if unit.ContractAddress != "" {
		t.Fatalf("contract address = %q during outage", unit.ContractAddress)
	}
	rec.mu.Lock()
	alerts := len(rec.alerts)
	rec.mu.Unlock()
	if alerts == 0 {
		t.Fatal("contract creation failure not alerted")
	}

	// The payout fails while the contract is missing, without sending the
	// direct leg.
	if err := engine.Grant(context.Background(), models.RewardAttestation, 1); err == nil {
		t.Fatal("expected grant failure while contract is missing")
	}
	if sender.directCount() != 0 {
		t.Fatalf("direct leg sent %d times before the contract existed", sender.directCount())
	}

	contracts.heal()
	if err := engine.RetryPending(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	var row models.RewardUnit
	if err := db.First(&row, "transaction_id = ?", 1).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if row.ContractAddress == "" || row.VestingAt == nil {
		t.Fatalf("contract not created at grant time: %+v", row)
	}
	if row.SentAt == nil {
		t.Fatal("payout not completed after contract repair")
	}
	if sender.directCount() != 1 || sender.contractCount() != 1 {
		t.Fatalf("sends = %d direct, %d contract, want 1 each", sender.directCount(), sender.contractCount())
	}
}

func TestRetryPendingContinuesPastFailingRow(t *testing.T) {
	db := setupRewardTestDB(t)
	engine, sender, _ := newTestEngine(t, db)

	if _, _, err := engine.RecordAttestation(context.Background(), attestationGrant(1)); err != nil {
		t.Fatalf("record first: %v", err)
	}
	second := AttestationGrant{
		TransactionID:  2,
		IdentityHandle: "other-handle",
		LinkedAccount:  "OTHERACCOUNT",
		ExternalUserID: "ext-2",
		ReceivedAmount: 400_000_000,
	}
	if _, _, err := engine.RecordAttestation(context.Background(), second); err != nil {
		t.Fatalf("record second: %v", err)
	}

	sender.mu.Lock()
	sender.failAccount = "USERACCOUNT"
	sender.mu.Unlock()
	if err := engine.RetryPending(context.Background()); err == nil {
		t.Fatal("failing row not reported")
	}

	var first, rest models.RewardUnit
	if err := db.First(&first, "transaction_id = ?", 1).Error; err != nil {
		t.Fatalf("load first: %v", err)
	}
	if first.SentAt != nil {
		t.Fatal("failing payout marked sent")
	}
	if err := db.First(&rest, "transaction_id = ?", 2).Error; err != nil {
		t.Fatalf("load second: %v", err)
	}
	if rest.SentAt == nil {
		t.Fatal("payout behind the failing row was not drained")
	}
}

func TestRecordReferralDuplicateAlerts(t *testing.T) {
	db := setupRewardTestDB(t)
	engine, _, rec := newTestEngine(t, db)

	grant := ReferralGrant{
		TransactionID:     1,
		Referrer:          Referrer{Account: "REFACCOUNT", IdentityHandle: "ref-handle", ExternalUserID: "ext-ref"},
		NewUserAccount:    "NEWACCOUNT",
		NewUserExternalID: "ext-new",
		DirectUSD:         5,
		ContractUSD:       5,
	}
	granted, err := engine.RecordReferral(context.Background(), grant)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !granted {
		t.Fatal("first referral not granted")
	}

	grant.TransactionID = 2
	granted, err = engine.RecordReferral(context.Background(), grant)
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if granted {
		t.Fatal("same new user credited twice")
	}
	rec.mu.Lock()
	alerts := len(rec.alerts)
	rec.mu.Unlock()
	if alerts == 0 {
		t.Fatal("duplicate referral not alerted")
	}
}

func TestSetDonationNoCannotClawBackYes(t *testing.T) {
	db := setupRewardTestDB(t)
	engine, _, _ := newTestEngine(t, db)
	if _, _, err := engine.RecordAttestation(context.Background(), attestationGrant(1)); err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := engine.SetDonation(context.Background(), "user-handle", "USERACCOUNT", models.DonationYes); err != nil {
		t.Fatalf("set yes: %v", err)
	}
	if err := engine.SetDonation(context.Background(), "user-handle", "USERACCOUNT", models.DonationNo); err != nil {
		t.Fatalf("set no: %v", err)
	}
	var unit models.RewardUnit
	if err := db.First(&unit, "transaction_id = ?", 1).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if unit.Donation != models.DonationYes {
		t.Fatalf("donation = %q, want yes", unit.Donation)
	}
}

func TestDonationTotalsCountSentRewardsOnly(t *testing.T) {
	db := setupRewardTestDB(t)
	engine, _, _ := newTestEngine(t, db)
	if _, _, err := engine.RecordAttestation(context.Background(), attestationGrant(1)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := engine.SetDonation(context.Background(), "user-handle", "USERACCOUNT", models.DonationYes); err != nil {
		t.Fatalf("set: %v", err)
	}

	count, total, err := engine.DonationTotals(context.Background())
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if count != 0 || total != 0 {
		t.Fatalf("unsent reward counted: count=%d total=%d", count, total)
	}

	if err := engine.Grant(context.Background(), models.RewardAttestation, 1); err != nil {
		t.Fatalf("grant: %v", err)
	}
	count, total, err = engine.DonationTotals(context.Background())
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if count != 1 || total != 1_400_000_000 {
		t.Fatalf("count=%d total=%d", count, total)
	}
}

func TestVoucherReferrerWithoutAttestationAlerts(t *testing.T) {
	db := setupRewardTestDB(t)
	engine, _, rec := newTestEngine(t, db)

	v := &models.Voucher{Code: "ABCDEFGHJKMN2", OwnerHandle: "owner", OwnerAccount: "OWNERACCOUNT"}
	_, err := engine.VoucherReferrer(context.Background(), v)
	if !errors.Is(err, ErrNoAttestation) {
		t.Fatalf("err = %v, want ErrNoAttestation", err)
	}
	rec.mu.Lock()
	alerts := len(rec.alerts)
	rec.mu.Unlock()
	if alerts == 0 {
		t.Fatal("missing attestation not alerted")
	}
}

func TestLedgerResolverFillsHandleFromUserTable(t *testing.T) {
	db := setupRewardTestDB(t)
	account := "REFERRERACCT"
	if err := db.Create(&models.User{IdentityHandle: "ref-handle", LinkedAccount: &account}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}

	source := &stubUnitSource{author: account, userID: "ext-ref"}
	resolver := NewLedgerResolver(db, source, []string{"AJ", "AS"})
	ref, err := resolver.ReferrerByUnit(context.Background(), "unit-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ref == nil || ref.Account != account || ref.IdentityHandle != "ref-handle" || ref.ExternalUserID != "ext-ref" {
		t.Fatalf("referrer = %+v", ref)
	}

	// An unattested author is not a referrer.
	source.userID = ""
	ref, err = resolver.ReferrerByUnit(context.Background(), "unit-2")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ref != nil {
		t.Fatalf("unattested author resolved: %+v", ref)
	}
}
