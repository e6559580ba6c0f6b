package usdt

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"agentpay/internal/domain/billing"
	apperrors "agentpay/internal/shared/errors"
	"agentpay/internal/shared/biztime"
	"agentpay/internal/storage"
)

const (
	// confirmationSafetyMargin is added on top of the configured
	// confirmation count before a transfer is accepted.
	confirmationSafetyMargin = 5

	// scanBatchBlocks is the per-filter block window.
	scanBatchBlocks = 100

	// maxLookbackBlocks caps how far behind the head a scan starts.
	maxLookbackBlocks = 1000

	// maxEventsPerScan abandons scans drowning in unrelated transfers.
	maxEventsPerScan = 1000

	// maxRateLimitStreak abandons a scan after this many consecutive
	// rate-limited RPC calls.
	maxRateLimitStreak = 3

	// lookbackGrace widens the scan window before the payment's creation
	// so clock skew cannot hide the transfer.
	lookbackGrace = 5 * time.Minute

	// blockTimeSamples is how many recent headers feed the block-time
	// estimate.
	blockTimeSamples = 10
)

// rateLimitBackoffBase is the first backoff step after a rate-limited RPC
// call; subsequent steps double it.
var rateLimitBackoffBase = 2 * time.Second

// pendingFilterID is the tracker placeholder held while a filter install
// RPC is in flight. It never names a server-side filter, so uninstall and
// sweep skip it.
const pendingFilterID = "__pending__"

// transferMatch is a Transfer event that passed every gate.
type transferMatch struct {
	event         TransferEvent
	confirmations uint64
	receiptStatus uint64
	gasUsed       uint64
	gasLimit      uint64
}

// scanStats accumulates scan counters for the transaction metadata.
type scanStats struct {
	eventsProcessed int
	totalEvents     int
	blocksScanned   uint64
	gasPriceSkips   int
	rateLimitErrors int
	abandoned       bool
}

func (s *scanStats) apply(tx *billing.Transaction) {
	tx.SetMetadata("events_processed", s.eventsProcessed)
	tx.SetMetadata("blocks_scanned", s.blocksScanned)
	tx.SetMetadata("gas_price_skips", s.gasPriceSkips)
	tx.SetMetadata("total_transactions_scanned", s.totalEvents)
	tx.SetMetadata("rate_limit_errors", s.rateLimitErrors)
}

// estimateSecondsPerBlock samples the last few headers and averages the
// timestamp deltas, clamped to [1s, 60s]. Falls back to the configured
// network block time when sampling fails.
func (p *Provider) estimateSecondsPerBlock(ctx context.Context, head uint64) float64 {
	fallback := p.netCfg.blockTimeSeconds
	if head < blockTimeSamples {
		return fallback
	}
	var (
		prev  *BlockInfo
		total float64
		count int
	)
	for n := head + 1 - blockTimeSamples; n <= head; n++ {
		h, err := p.client.BlockHeader(ctx, n)
		if err != nil {
			return fallback
		}
		if prev != nil && h.Timestamp > prev.Timestamp {
			total += float64(h.Timestamp - prev.Timestamp)
			count++
		}
		prev = h
	}
	if count == 0 {
		return fallback
	}
	avg := total / float64(count)
	if avg < 1 {
		avg = 1
	}
	if avg > 60 {
		avg = 60
	}
	return avg
}

// scanWindow computes the block range to search: from roughly the block
// containing created_at minus the grace period, capped at the lookback
// limit, up to the current head.
func (p *Provider) scanWindow(ctx context.Context, createdAt time.Time) (fromBlock, toBlock uint64, err error) {
	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return 0, 0, apperrors.NewProviderError("cannot read head block").WithCause(err)
	}
	secPerBlock := p.estimateSecondsPerBlock(ctx, head)

	age := biztime.NowUTC().Sub(createdAt) + lookbackGrace
	if age < 0 {
		age = lookbackGrace
	}
	back := uint64(age.Seconds()/secPerBlock) + 1
	if back > maxLookbackBlocks {
		back = maxLookbackBlocks
	}
	if back > head {
		back = head
	}
	return head - back, head, nil
}

// scanForTransfer searches the window for a Transfer event to the wallet
// matching the expected amount and passing all gates. A nil match with a
// nil error means "nothing found yet".
func (p *Provider) scanForTransfer(ctx context.Context, tx *billing.Transaction, expectedWei *big.Int) (*transferMatch, *scanStats, error) {
	stats := &scanStats{}
	sender, _ := tx.MetadataString("sender_address")

	fromBlock, head, err := p.scanWindow(ctx, tx.CreatedAt())
	if err != nil {
		return nil, stats, err
	}

	// Gas-price gate state. When most inspected events fail the ceiling
	// the network is simply expensive right now, so the ceiling relaxes
	// once to 1.5x.
	gasCeiling := p.maxGasGwei
	gasSampled, gasSkipped := 0, 0
	relaxed := false

	// Filter ids are registered before use and uninstalled after each
	// batch; ids whose uninstall failed stay tracked for a final sweep.
	tracker := make(map[string]bool)
	defer p.sweepFilters(tracker)

	rateLimitStreak := 0
	batchStart := fromBlock
	for batchStart <= head {
		batchEnd := batchStart + scanBatchBlocks - 1
		if batchEnd > head {
			batchEnd = head
		}

		events, filterID, err := p.fetchBatch(ctx, tracker, batchStart, batchEnd)
		if err != nil {
			if !isRateLimited(err) {
				return nil, stats, err
			}
			stats.rateLimitErrors++
			p.bumpRateLimit()
			rateLimitStreak++
			if rateLimitStreak >= maxRateLimitStreak {
				stats.abandoned = true
				p.Logger().Warnw("scan abandoned after repeated rate limiting",
					"transaction_id", tx.ID(), "rate_limit_errors", stats.rateLimitErrors)
				return nil, stats, nil
			}
			if err := sleepCtx(ctx, time.Duration(1<<(rateLimitStreak-1))*rateLimitBackoffBase); err != nil {
				return nil, stats, err
			}
			continue // retry the same batch
		}
		rateLimitStreak = 0
		stats.blocksScanned += batchEnd - batchStart + 1
		stats.totalEvents += len(events)

		if stats.totalEvents > maxEventsPerScan {
			stats.abandoned = true
			p.uninstallFilter(ctx, tracker, filterID)
			p.Logger().Warnw("scan abandoned, too many events",
				"transaction_id", tx.ID(), "total_events", stats.totalEvents)
			return nil, stats, nil
		}

		for _, e := range events {
			stats.eventsProcessed++

			// Gate 1: sender.
			if sender == "" || !strings.EqualFold(e.From.Hex(), sender) {
				continue
			}

			// Gate 2: gas-price sanity.
			info, err := p.client.TransactionInfo(ctx, e.TxHash)
			if err != nil {
				p.Logger().Debugw("cannot inspect transaction gas",
					"tx_hash", e.TxHash.Hex(), "error", err)
				continue
			}
			gasSampled++
			if gwei := weiToGwei(info.GasPrice); gwei > gasCeiling {
				gasSkipped++
				stats.gasPriceSkips++
				if !relaxed && gasSampled >= 10 && 2*gasSkipped > gasSampled {
					gasCeiling = p.maxGasGwei * 1.5
					relaxed = true
					p.Logger().Warnw("gas ceiling relaxed for this scan",
						"ceiling_gwei", gasCeiling)
				}
				continue
			}

			// Gate 3: transfer not already credited elsewhere.
			used, err := p.transferAlreadyUsed(ctx, e)
			if err != nil {
				return nil, stats, err
			}
			if used {
				continue
			}

			// Gate 4: amount within 0.1% tolerance.
			if !amountWithinTolerance(e.Value, expectedWei) {
				continue
			}

			// Gate 5: successful receipt.
			receipt, err := p.client.TransactionReceipt(ctx, e.TxHash)
			if err != nil || receipt == nil {
				if !p.IsDevMode() {
					continue
				}
				p.Logger().Debugw("receipt unavailable, accepted in dev mode",
					"tx_hash", e.TxHash.Hex())
				receipt = &ReceiptInfo{Status: 1}
			}
			if receipt.Status != 1 {
				continue
			}
			if receipt.GasUsed > 0 && receipt.GasUsed == info.GasLimit {
				p.Logger().Warnw("gas used equals gas limit, possible out-of-gas",
					"tx_hash", e.TxHash.Hex())
			}

			// Gate 6: confirmations with safety margin.
			required := uint64(p.confirmations + confirmationSafetyMargin)
			if head < e.BlockNumber || head-e.BlockNumber < required {
				continue
			}

			// Gate 7: canonical chain.
			header, err := p.client.BlockHeader(ctx, e.BlockNumber)
			if err != nil {
				continue
			}
			if header.Hash != e.BlockHash {
				p.Logger().Warnw("block hash mismatch, reorg suspected",
					"block", e.BlockNumber, "event_hash", e.BlockHash.Hex(),
					"canonical_hash", header.Hash.Hex())
				continue
			}

			return &transferMatch{
				event:         e,
				confirmations: head - e.BlockNumber,
				receiptStatus: receipt.Status,
				gasUsed:       receipt.GasUsed,
				gasLimit:      info.GasLimit,
			}, stats, nil
		}

		batchStart = batchEnd + 1
	}
	return nil, stats, nil
}

// fetchBatch installs a filter for one batch, fetches its logs, and
// uninstalls it. A placeholder tracker entry is taken before the install
// RPC and swapped for the server-assigned id when the call returns, so any
// id the server did assign is still uninstalled even when the call errors,
// and a failed uninstall is retried by the caller's final sweep.
func (p *Provider) fetchBatch(ctx context.Context, tracker map[string]bool, fromBlock, toBlock uint64) ([]TransferEvent, string, error) {
	tracker[pendingFilterID] = true
	filterID, err := p.client.NewTransferFilter(ctx, p.contract, p.wallet, fromBlock, toBlock)
	delete(tracker, pendingFilterID)
	if filterID != "" {
		tracker[filterID] = true
	}
	if err != nil {
		return nil, filterID, err
	}
	events, err := p.client.FilterLogs(ctx, filterID)
	p.uninstallFilter(ctx, tracker, filterID)
	if err != nil {
		return nil, filterID, err
	}
	return events, filterID, nil
}

func (p *Provider) uninstallFilter(ctx context.Context, tracker map[string]bool, filterID string) {
	if filterID == "" || filterID == pendingFilterID || !tracker[filterID] {
		return
	}
	if ok, err := p.client.UninstallFilter(ctx, filterID); err == nil && ok {
		delete(tracker, filterID)
	}
}

// sweepFilters makes a final uninstall attempt for every leftover filter.
func (p *Provider) sweepFilters(tracker map[string]bool) {
	if len(tracker) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for id := range tracker {
		if id == pendingFilterID {
			continue
		}
		if ok, err := p.client.UninstallFilter(ctx, id); err != nil || !ok {
			p.Logger().Warnw("filter uninstall failed", "filter_id", id, "error", err)
		}
	}
}

// transferAlreadyUsed reports whether any completed transaction already
// credits this exact on-chain transfer.
func (p *Provider) transferAlreadyUsed(ctx context.Context, e TransferEvent) (bool, error) {
	completed, err := p.Storage().ListTransactions(ctx, storage.ListTransactionsOptions{
		Status: billing.TransactionStatusCompleted,
	})
	if err != nil {
		return false, err
	}
	for _, c := range completed {
		hash, _ := c.MetadataString("confirmed_tx_hash")
		wei, _ := c.MetadataString("actual_amount_wei")
		if hash == e.TxHash.Hex() && wei == e.Value.String() {
			return true, nil
		}
	}
	return false, nil
}

// amountWithinTolerance accepts values within 0.1% of the expected wei.
func amountWithinTolerance(actual, expected *big.Int) bool {
	diff := new(big.Int).Sub(actual, expected)
	diff.Abs(diff)
	// diff * 1000 <= expected
	return new(big.Int).Mul(diff, big.NewInt(1000)).Cmp(expected) <= 0
}

func parseWei(s string) (*big.Int, bool) {
	wei, ok := new(big.Int).SetString(s, 10)
	if !ok || wei.Sign() <= 0 {
		return nil, false
	}
	return wei, true
}

func weiToUSDT(wei *big.Int, decimals uint8) decimal.Decimal {
	scale := int32(decimals)
	if scale == 0 {
		scale = 6
	}
	return decimal.NewFromBigInt(wei, -scale)
}

// isRateLimited detects HTTP 429 and rate-limit flavored RPC errors.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
