package attestation

import (
	"context"

	"attestd/internal/models"
)

// UnsubmittedScanIDs lists confirmed transactions whose verification scan
// was never delivered to the vendor.
func (e *Engine) UnsubmittedScanIDs(ctx context.Context) ([]uint64, error) {
	var ids []uint64
	err := e.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("state = ? AND scan_submitted_at IS NULL", models.StateVerificationPending).
		Pluck("id", &ids).Error
	return ids, err
}

// PendingScans lists submitted scans still waiting for a vendor result,
// oldest first.
func (e *Engine) PendingScans(ctx context.Context) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := e.db.WithContext(ctx).
		Where("result = ? AND scan_submitted_at IS NOT NULL", models.VerificationUnknown).
		Order("id ASC").
		Find(&txs).Error
	return txs, err
}

// PollScan fetches the result of one pending scan from the vendor and, if it
// arrived, runs it through the regular callback path.
func (e *Engine) PollScan(ctx context.Context, tx *models.Transaction) error {
	row, err := e.receivingAddressOf(ctx, tx)
	if err != nil {
		return err
	}
	poller, ok := e.pollers[row.Provider]
	if !ok {
		return nil
	}
	body, err := poller.FetchResult(ctx, tx.ScanReference)
	if err != nil {
		return err
	}
	if body == nil {
		// Still pending at the vendor.
		return nil
	}
	return e.HandleCallback(ctx, row.Provider, tx.ScanReference, body, "")
}

// ReceivingAddresses lists every assigned receiving address; the
// consolidation sweep checks them for stable unspent funds.
func (e *Engine) ReceivingAddresses(ctx context.Context) ([]string, error) {
	var addresses []string
	err := e.db.WithContext(ctx).Model(&models.ReceivingAddress{}).
		Pluck("address", &addresses).Error
	return addresses, err
}

// UnpostedAttestationIDs lists transactions whose attestation row exists but
// whose ledger unit never materialized.
func (e *Engine) UnpostedAttestationIDs(ctx context.Context) ([]uint64, error) {
	var ids []uint64
	err := e.db.WithContext(ctx).Model(&models.AttestationUnit{}).
		Where("posted_unit IS NULL").
		Distinct().
		Pluck("transaction_id", &ids).Error
	return ids, err
}
