// Package sweeper runs the background reconciliation loops: scan
// resubmission, vendor result polling, attestation re-posting, reward payout
// retries, payload retention, and funds consolidation.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"attestd/internal/models"
	"attestd/internal/observability/metrics"
	"attestd/internal/wallet"
)

// EngineAPI is the slice of the attestation engine the sweeps drive.
type EngineAPI interface {
	UnsubmittedScanIDs(ctx context.Context) ([]uint64, error)
	RetryScan(ctx context.Context, transactionID uint64) error
	PendingScans(ctx context.Context) ([]models.Transaction, error)
	PollScan(ctx context.Context, tx *models.Transaction) error
	UnpostedAttestationIDs(ctx context.Context) ([]uint64, error)
	RetryAttestationPost(ctx context.Context, transactionID uint64) error
	PurgePayloads(ctx context.Context, retention time.Duration) (int64, error)
	ReceivingAddresses(ctx context.Context) ([]string, error)
}

// RewardsAPI drains reward rows whose payout never went through and reports
// donation accounting totals.
type RewardsAPI interface {
	RetryPending(ctx context.Context) error
	DonationTotals(ctx context.Context) (count int64, total int64, err error)
}

// Config wires the sweeper.
type Config struct {
	Engine    EngineAPI
	Rewards   RewardsAPI
	Sender    wallet.Sender
	Unspent   wallet.UnspentLister
	Attestors wallet.Attestors
	Metrics   *metrics.Engine
	Logger    *slog.Logger

	RetryInterval       time.Duration
	PollInterval        time.Duration
	PurgeInterval       time.Duration
	ConsolidateInterval time.Duration
	PayloadRetention    time.Duration
}

// Sweeper owns the background loops.
type Sweeper struct {
	engine    EngineAPI
	rewards   RewardsAPI
	sender    wallet.Sender
	unspent   wallet.UnspentLister
	attestors wallet.Attestors
	metrics   *metrics.Engine
	logger    *slog.Logger

	retryInterval       time.Duration
	pollInterval        time.Duration
	purgeInterval       time.Duration
	consolidateInterval time.Duration
	payloadRetention    time.Duration
}

// New constructs a sweeper with sane defaults.
func New(cfg Config) *Sweeper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewEngine(nil)
	}
	s := &Sweeper{
		engine:              cfg.Engine,
		rewards:             cfg.Rewards,
		sender:              cfg.Sender,
		unspent:             cfg.Unspent,
		attestors:           cfg.Attestors,
		metrics:             m,
		logger:              logger,
		retryInterval:       cfg.RetryInterval,
		pollInterval:        cfg.PollInterval,
		purgeInterval:       cfg.PurgeInterval,
		consolidateInterval: cfg.ConsolidateInterval,
		payloadRetention:    cfg.PayloadRetention,
	}
	if s.retryInterval <= 0 {
		s.retryInterval = time.Minute
	}
	if s.pollInterval <= 0 {
		s.pollInterval = 5 * time.Minute
	}
	if s.purgeInterval <= 0 {
		s.purgeInterval = time.Hour
	}
	if s.consolidateInterval <= 0 {
		s.consolidateInterval = 24 * time.Hour
	}
	if s.payloadRetention <= 0 {
		s.payloadRetention = 30 * 24 * time.Hour
	}
	return s
}

// Start runs all loops until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) error
	}{
		{"scan_retry", s.retryInterval, s.RunScanRetry},
		{"scan_poll", s.pollInterval, s.RunScanPoll},
		{"attestation_retry", s.retryInterval, s.RunAttestationRetry},
		{"reward_retry", s.retryInterval, s.RunRewardRetry},
		{"payload_purge", s.purgeInterval, s.RunPayloadPurge},
		{"donation_accounting", s.consolidateInterval, s.RunDonationAccounting},
		{"consolidate", s.consolidateInterval, s.RunConsolidation},
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(name string, interval time.Duration, run func(context.Context) error) {
			defer wg.Done()
			s.loop(ctx, name, interval, run)
		}(loop.name, loop.interval, loop.run)
	}
	wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.ObserveSweepRun(name)
			if err := run(ctx); err != nil {
				s.metrics.ObserveSweepFailure(name)
				s.logger.Error("sweep failed", "task", name, "error", err)
			}
		}
	}
}

// RunScanRetry re-submits verification scans that never reached the vendor.
func (s *Sweeper) RunScanRetry(ctx context.Context) error {
	ids, err := s.engine.UnsubmittedScanIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.engine.RetryScan(ctx, id); err != nil {
			s.logger.Warn("scan retry failed", "transaction", id, "error", err)
		}
	}
	return nil
}

// RunScanPoll fetches results the vendor never delivered by webhook.
func (s *Sweeper) RunScanPoll(ctx context.Context) error {
	txs, err := s.engine.PendingScans(ctx)
	if err != nil {
		return err
	}
	for i := range txs {
		if err := s.engine.PollScan(ctx, &txs[i]); err != nil {
			s.logger.Warn("scan poll failed", "transaction", txs[i].ID, "error", err)
		}
	}
	return nil
}

// RunAttestationRetry re-posts attestations whose ledger unit never
// materialized.
func (s *Sweeper) RunAttestationRetry(ctx context.Context) error {
	ids, err := s.engine.UnpostedAttestationIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.engine.RetryAttestationPost(ctx, id); err != nil {
			s.logger.Warn("attestation repost failed", "transaction", id, "error", err)
		}
	}
	return nil
}

// RunRewardRetry drains reward rows with a pending payout.
func (s *Sweeper) RunRewardRetry(ctx context.Context) error {
	if s.rewards == nil {
		return nil
	}
	return s.rewards.RetryPending(ctx)
}

// RunPayloadPurge drops stored vendor payloads past the retention window.
func (s *Sweeper) RunPayloadPurge(ctx context.Context) error {
	purged, err := s.engine.PurgePayloads(ctx, s.payloadRetention)
	if err != nil {
		return err
	}
	if purged > 0 {
		s.logger.Info("purged vendor payloads", "count", purged)
	}
	return nil
}

// RunDonationAccounting logs the running donation totals so the operator can
// forward the aggregate to the distribution fund.
func (s *Sweeper) RunDonationAccounting(ctx context.Context) error {
	if s.rewards == nil {
		return nil
	}
	count, total, err := s.rewards.DonationTotals(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		s.logger.Info("donation accounting", "rewards", count, "total", total)
	}
	return nil
}

// consolidationBatch bounds how many receiving addresses one sweep unit
// spends from.
const consolidationBatch = 16

// RunConsolidation moves stable funds accumulated on the receiving addresses
// to the attestor addresses, in bounded batches rotated across the attestors,
// so attestation posting stays funded.
func (s *Sweeper) RunConsolidation(ctx context.Context) error {
	if s.engine == nil || s.unspent == nil || s.sender == nil {
		return nil
	}
	candidates, err := s.engine.ReceivingAddresses(ctx)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}
	addresses, err := s.unspent.StableUnspentAddresses(ctx, candidates)
	if err != nil {
		return err
	}
	if len(addresses) == 0 {
		return nil
	}
	targets := []string{s.attestors.Jumio, s.attestors.SmartID, s.attestors.NonResident}
	for i := 0; i < len(addresses); i += consolidationBatch {
		end := i + consolidationBatch
		if end > len(addresses) {
			end = len(addresses)
		}
		to := targets[(i/consolidationBatch)%len(targets)]
		unit, err := s.sender.SendAll(ctx, addresses[i:end], to)
		if err != nil {
			return err
		}
		s.logger.Info("consolidated receiving-address funds",
			"addresses", end-i, "to", to, "unit", unit)
	}
	return nil
}
