package usdt

import (
	"context"
	"time"

	"agentpay/internal/domain/billing"
	apperrors "agentpay/internal/shared/errors"
	"agentpay/internal/shared/biztime"
)

// withTransactionScope serializes storage mutation against other verifiers.
// Acquisition is bounded by lockTimeout; on timeout the contention counter
// is bumped and the call fails. When the backend supports transactions the
// body runs inside one: commit on success, rollback on error.
func (p *Provider) withTransactionScope(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case p.scopeCh <- struct{}{}:
	case <-time.After(lockTimeout):
		count := p.bumpContention()
		if count > contentionEscalation {
			p.Logger().Errorw("storage lock contention escalation",
				"count_this_hour", count, "threshold", contentionEscalation)
		}
		return apperrors.NewProviderError("timed out waiting for storage lock",
			map[string]any{"timeout": lockTimeout.String(), "contention_count": count})
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.scopeCh }()

	transactional := p.Storage().Capabilities().SupportsTransactions
	if transactional {
		if err := p.Storage().BeginTransaction(ctx); err != nil {
			return err
		}
	}
	if err := fn(ctx); err != nil {
		if transactional {
			if rbErr := p.Storage().Rollback(ctx); rbErr != nil {
				p.Logger().Errorw("rollback failed", "error", rbErr)
			}
		}
		return err
	}
	if transactional {
		return p.Storage().Commit(ctx)
	}
	return nil
}

// VerifyPayment checks whether the expected transfer landed on-chain. The
// whole verification runs inside one transaction scope so status
// transitions are atomic relative to concurrent verifiers.
func (p *Provider) VerifyPayment(ctx context.Context, transactionID string) (bool, error) {
	var verified bool
	err := p.withTransactionScope(ctx, func(ctx context.Context) error {
		ok, err := p.verifyLocked(ctx, transactionID)
		verified = ok
		return err
	})
	return verified, err
}

func (p *Provider) verifyLocked(ctx context.Context, transactionID string) (bool, error) {
	tx, err := p.Storage().GetTransaction(ctx, transactionID)
	if err != nil {
		return false, err
	}
	if tx == nil {
		p.Logger().Debugw("verification for unknown transaction", "transaction_id", transactionID)
		return false, nil
	}
	if tx.Status() == billing.TransactionStatusCompleted {
		return true, nil
	}
	if tx.Status() != billing.TransactionStatusPending {
		return false, nil
	}

	// Required metadata.
	weiStr, _ := tx.MetadataString("usdt_amount_wei")
	contractAddr, _ := tx.MetadataString("contract_address")
	if weiStr == "" || contractAddr == "" {
		return false, p.failPayment(ctx, tx, "required payment metadata missing")
	}
	expectedWei, ok := parseWei(weiStr)
	if !ok {
		return false, p.failPayment(ctx, tx, "usdt_amount_wei is not a valid integer")
	}
	if contractAddr != p.contract.Hex() {
		return false, p.failPayment(ctx, tx, "contract address does not match the configured network")
	}

	// Timeout. A missing or malformed timeout_at falls back to
	// created_at + 30 minutes.
	deadline := tx.CreatedAt().Add(paymentTimeout)
	if raw, ok := tx.MetadataString("timeout_at"); ok {
		if parsed, err := biztime.ParseMetadataTime(raw); err == nil {
			deadline = parsed
		} else {
			p.Logger().Warnw("malformed timeout_at, using created_at fallback",
				"transaction_id", tx.ID(), "timeout_at", raw)
		}
	}
	if biztime.NowUTC().After(deadline) {
		return false, p.failPayment(ctx, tx, "payment timed out before a matching transfer was found")
	}

	match, stats, err := p.scanForTransfer(ctx, tx, expectedWei)
	if err != nil {
		return false, err
	}
	if match == nil {
		// Counters are persisted even without a match so operators can
		// see scan pressure on the record.
		if stats.rateLimitErrors > 0 || stats.abandoned {
			stats.apply(tx)
			if err := p.persistWithRetry(ctx, tx); err != nil {
				p.Logger().Warnw("cannot persist scan counters",
					"transaction_id", tx.ID(), "error", err)
			}
		}
		return false, nil
	}

	if err := tx.MarkCompleted(); err != nil {
		return false, err
	}
	p.enrichVerified(tx, match, stats)
	if err := p.persistWithRetry(ctx, tx); err != nil {
		return false, err
	}
	if err := p.markTransferAsUsed(ctx, tx, match); err != nil {
		return false, err
	}
	p.StoreCached(tx)
	p.Logger().Infow("payment verified",
		"transaction_id", tx.ID(),
		"confirmed_tx_hash", match.event.TxHash.Hex(),
		"confirmations", match.confirmations)
	return true, nil
}

// failPayment marks the transaction failed with a reason and persists it.
func (p *Provider) failPayment(ctx context.Context, tx *billing.Transaction, reason string) error {
	if err := tx.MarkFailed(reason); err != nil {
		return err
	}
	if err := p.persistWithRetry(ctx, tx); err != nil {
		return err
	}
	p.StoreCached(tx)
	p.Logger().Infow("payment failed", "transaction_id", tx.ID(), "reason", reason)
	return nil
}

// persistWithRetry updates the transaction up to three times, reading it
// back after each write to confirm status and completion time stuck.
func (p *Provider) persistWithRetry(ctx context.Context, tx *billing.Transaction) error {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if err := p.Storage().UpdateTransaction(ctx, tx); err != nil {
			lastErr = err
			continue
		}
		got, err := p.Storage().GetTransaction(ctx, tx.ID())
		if err != nil {
			lastErr = err
			continue
		}
		if got == nil || got.Status() != tx.Status() || !timePtrEqual(got.CompletedAt(), tx.CompletedAt()) {
			lastErr = apperrors.NewStorageError("write verification mismatch",
				map[string]any{"transaction_id": tx.ID(), "attempt": attempt})
			continue
		}
		return nil
	}
	return apperrors.NewStorageError("cannot persist transaction update",
		map[string]any{"transaction_id": tx.ID()}).WithCause(lastErr)
}

// enrichVerified records the full verification evidence on the transaction.
func (p *Provider) enrichVerified(tx *billing.Transaction, match *transferMatch, stats *scanStats) {
	e := match.event
	tx.SetMetadata("confirmed_tx_hash", e.TxHash.Hex())
	tx.SetMetadata("confirmed_block", e.BlockNumber)
	tx.SetMetadata("confirmations", match.confirmations)
	tx.SetMetadata("safety_margin_applied", confirmationSafetyMargin)
	tx.SetMetadata("effective_confirmations", p.confirmations+confirmationSafetyMargin)
	tx.SetMetadata("from_address", e.From.Hex())
	tx.SetMetadata("actual_amount_wei", e.Value.String())
	tx.SetMetadata("actual_amount_usdt", weiToUSDT(e.Value, p.decimals).String())
	tx.SetMetadata("verification_method", "transfer_event")
	tx.SetMetadata("canonical_chain_verified", true)
	tx.SetMetadata("block_hash_verified", e.BlockHash.Hex())
	tx.SetMetadata("reorg_protection_applied", true)
	tx.SetMetadata("receipt_validation_applied", true)
	tx.SetMetadata("receipt_status", match.receiptStatus)
	tx.SetMetadata("gas_used", match.gasUsed)
	tx.SetMetadata("gas_limit", match.gasLimit)
	stats.apply(tx)
}

// markTransferAsUsed pins the credited transfer to this transaction so no
// other verification can claim the same on-chain event. Runs inside the
// caller's scope; persisted with read-back retries.
func (p *Provider) markTransferAsUsed(ctx context.Context, tx *billing.Transaction, match *transferMatch) error {
	tx.SetMetadata("confirmed_tx_hash", match.event.TxHash.Hex())
	tx.SetMetadata("actual_amount_wei", match.event.Value.String())
	tx.SetMetadata("marked_as_used", true)
	tx.SetMetadata("mark_timestamp", biztime.NowUTC().Format(time.RFC3339))

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if err := p.Storage().UpdateTransaction(ctx, tx); err != nil {
			lastErr = err
			continue
		}
		got, err := p.Storage().GetTransaction(ctx, tx.ID())
		if err != nil {
			lastErr = err
			continue
		}
		if got == nil {
			lastErr = apperrors.NewStorageError("transaction vanished during mark",
				map[string]any{"transaction_id": tx.ID()})
			continue
		}
		hash, _ := got.MetadataString("confirmed_tx_hash")
		wei, _ := got.MetadataString("actual_amount_wei")
		marked, _ := got.GetMetadata("marked_as_used")
		if hash != match.event.TxHash.Hex() || wei != match.event.Value.String() || marked != true {
			lastErr = apperrors.NewStorageError("mark metadata not preserved",
				map[string]any{"transaction_id": tx.ID(), "attempt": attempt})
			continue
		}
		return nil
	}
	return apperrors.NewStorageError("cannot mark transfer as used",
		map[string]any{"transaction_id": tx.ID()}).WithCause(lastErr)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
