package usdt

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentpay/internal/domain/billing"
	"agentpay/internal/storage"
)

// openPayment opens a 10 USD payment (10,000,000 wei at the pinned price)
// from testSender.
func openPayment(t *testing.T, p *Provider, userID string) *billing.Transaction {
	t.Helper()
	tx, err := p.ProcessPayment(context.Background(), userID,
		decimal.RequireFromString("10"), "USD",
		map[string]any{"sender_address": testSender})
	require.NoError(t, err)
	return tx
}

func tenUSDT() *big.Int { return big.NewInt(10_000_000) }

func TestVerifyPayment_Success(t *testing.T) {
	chain := newFakeChain()
	store := storage.NewMemory()
	p := newTestProvider(t, chain, store)
	ctx := context.Background()

	tx := openPayment(t, p, "usr_1")
	chain.addTransfer(common.HexToAddress(testSender), p.wallet, tenUSDT(), 290, 1, 20)

	ok, err := p.VerifyPayment(ctx, tx.ID())
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetTransaction(ctx, tx.ID())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, billing.TransactionStatusCompleted, got.Status())
	require.NotNil(t, got.CompletedAt())

	meta := got.Metadata()
	assert.NotEmpty(t, meta["confirmed_tx_hash"])
	assert.EqualValues(t, 290, meta["confirmed_block"])
	assert.EqualValues(t, 10, meta["confirmations"])
	assert.Equal(t, "transfer_event", meta["verification_method"])
	assert.Equal(t, true, meta["canonical_chain_verified"])
	assert.Equal(t, true, meta["reorg_protection_applied"])
	assert.EqualValues(t, 1, meta["receipt_status"])
	assert.Equal(t, "10000000", meta["actual_amount_wei"])
	assert.Equal(t, "10", meta["actual_amount_usdt"])
	assert.Equal(t, true, meta["marked_as_used"])
	assert.NotEmpty(t, meta["mark_timestamp"])

	// No server-side filters left behind.
	assert.Empty(t, chain.leakedFilters())

	// Verifying a completed payment short-circuits to true.
	ok, err = p.VerifyPayment(ctx, tx.ID())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyPayment_UnknownTransaction(t *testing.T) {
	p := newTestProvider(t, newFakeChain(), storage.NewMemory())
	ok, err := p.VerifyPayment(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyPayment_NoTransferYet(t *testing.T) {
	chain := newFakeChain()
	store := storage.NewMemory()
	p := newTestProvider(t, chain, store)
	ctx := context.Background()

	tx := openPayment(t, p, "usr_1")

	ok, err := p.VerifyPayment(ctx, tx.ID())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetTransaction(ctx, tx.ID())
	require.NoError(t, err)
	assert.Equal(t, billing.TransactionStatusPending, got.Status(),
		"no match leaves the payment pending")
}

func TestVerifyPayment_SenderMismatch(t *testing.T) {
	chain := newFakeChain()
	p := newTestProvider(t, chain, storage.NewMemory())
	ctx := context.Background()

	tx := openPayment(t, p, "usr_1")
	other := common.HexToAddress("0x3333333333333333333333333333333333333333")
	chain.addTransfer(other, p.wallet, tenUSDT(), 290, 1, 20)

	ok, err := p.VerifyPayment(ctx, tx.ID())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyPayment_ReceiptFailure(t *testing.T) {
	chain := newFakeChain()
	store := storage.NewMemory()
	p := newTestProvider(t, chain, store)
	ctx := context.Background()

	tx := openPayment(t, p, "usr_1")
	// The transfer is on-chain but its transaction reverted.
	chain.addTransfer(common.HexToAddress(testSender), p.wallet, tenUSDT(), 290, 0, 20)

	ok, err := p.VerifyPayment(ctx, tx.ID())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetTransaction(ctx, tx.ID())
	require.NoError(t, err)
	assert.Equal(t, billing.TransactionStatusPending, got.Status())
}

func TestVerifyPayment_ReorgProtection(t *testing.T) {
	chain := newFakeChain()
	p := newTestProvider(t, chain, storage.NewMemory())
	ctx := context.Background()

	tx := openPayment(t, p, "usr_1")
	chain.addTransfer(common.HexToAddress(testSender), p.wallet, tenUSDT(), 290, 1, 20)
	// The canonical chain no longer contains the block the event cites.
	chain.headerOverrides[290] = common.HexToHash("0xdeadbeef")

	ok, err := p.VerifyPayment(ctx, tx.ID())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyPayment_ConfirmationsMature(t *testing.T) {
	chain := newFakeChain()
	p := newTestProvider(t, chain, storage.NewMemory())
	ctx := context.Background()

	tx := openPayment(t, p, "usr_1")
	// 5 confirmations at head 300 is under the required 3 + 5 margin.
	chain.addTransfer(common.HexToAddress(testSender), p.wallet, tenUSDT(), 295, 1, 20)

	ok, err := p.VerifyPayment(ctx, tx.ID())
	require.NoError(t, err)
	assert.False(t, ok)

	// More blocks land; the same transfer now clears the margin.
	chain.mu.Lock()
	chain.head = 310
	chain.mu.Unlock()

	ok, err = p.VerifyPayment(ctx, tx.ID())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyPayment_GasPriceGate(t *testing.T) {
	chain := newFakeChain()
	p := newTestProvider(t, chain, storage.NewMemory())
	ctx := context.Background()

	tx := openPayment(t, p, "usr_1")
	// Paid 200 gwei against a 100 gwei ceiling.
	chain.addTransfer(common.HexToAddress(testSender), p.wallet, tenUSDT(), 290, 1, 200)

	ok, err := p.VerifyPayment(ctx, tx.ID())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyPayment_AmountTolerance(t *testing.T) {
	t.Run("within 0.1 percent", func(t *testing.T) {
		chain := newFakeChain()
		p := newTestProvider(t, chain, storage.NewMemory())
		tx := openPayment(t, p, "usr_1")
		chain.addTransfer(common.HexToAddress(testSender), p.wallet, big.NewInt(10_005_000), 290, 1, 20)

		ok, err := p.VerifyPayment(context.Background(), tx.ID())
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("outside 0.1 percent", func(t *testing.T) {
		chain := newFakeChain()
		p := newTestProvider(t, chain, storage.NewMemory())
		tx := openPayment(t, p, "usr_1")
		chain.addTransfer(common.HexToAddress(testSender), p.wallet, big.NewInt(10_020_000), 290, 1, 20)

		ok, err := p.VerifyPayment(context.Background(), tx.ID())
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestVerifyPayment_DuplicateTransferNotDoubleCredited(t *testing.T) {
	chain := newFakeChain()
	store := storage.NewMemory()
	p := newTestProvider(t, chain, store)
	ctx := context.Background()

	first := openPayment(t, p, "usr_1")
	second := openPayment(t, p, "usr_2")
	chain.addTransfer(common.HexToAddress(testSender), p.wallet, tenUSDT(), 290, 1, 20)

	ok, err := p.VerifyPayment(ctx, first.ID())
	require.NoError(t, err)
	assert.True(t, ok)

	// The single on-chain transfer is already credited to the first
	// payment and cannot settle the second one.
	ok, err = p.VerifyPayment(ctx, second.ID())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetTransaction(ctx, second.ID())
	require.NoError(t, err)
	assert.Equal(t, billing.TransactionStatusPending, got.Status())
}

func TestVerifyPayment_Timeout(t *testing.T) {
	chain := newFakeChain()
	store := storage.NewMemory()
	p := newTestProvider(t, chain, store)
	ctx := context.Background()

	tx := openPayment(t, p, "usr_1")
	chain.addTransfer(common.HexToAddress(testSender), p.wallet, tenUSDT(), 290, 1, 20)

	// Rewind the deadline into the past.
	stored, err := store.GetTransaction(ctx, tx.ID())
	require.NoError(t, err)
	stored.SetMetadata("timeout_at", time.Now().UTC().Add(-time.Minute).Format(time.RFC3339))
	require.NoError(t, store.UpdateTransaction(ctx, stored))

	ok, err := p.VerifyPayment(ctx, tx.ID())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetTransaction(ctx, tx.ID())
	require.NoError(t, err)
	assert.Equal(t, billing.TransactionStatusFailed, got.Status())
	reason, _ := got.MetadataString("failure_reason")
	assert.Contains(t, reason, "timed out")
}

func TestVerifyPayment_MalformedTimeoutFallsBack(t *testing.T) {
	chain := newFakeChain()
	store := storage.NewMemory()
	p := newTestProvider(t, chain, store)
	ctx := context.Background()

	tx := openPayment(t, p, "usr_1")
	chain.addTransfer(common.HexToAddress(testSender), p.wallet, tenUSDT(), 290, 1, 20)

	stored, err := store.GetTransaction(ctx, tx.ID())
	require.NoError(t, err)
	stored.SetMetadata("timeout_at", "not-a-timestamp")
	require.NoError(t, store.UpdateTransaction(ctx, stored))

	// created_at + 30 minutes is still in the future, so verification
	// proceeds and succeeds.
	ok, err := p.VerifyPayment(ctx, tx.ID())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyPayment_MissingMetadataFails(t *testing.T) {
	chain := newFakeChain()
	store := storage.NewMemory()
	p := newTestProvider(t, chain, store)
	ctx := context.Background()

	bare, err := billing.NewTransaction(billing.TransactionParams{
		ID:            "tx-bare",
		UserID:        "usr_1",
		Amount:        decimal.RequireFromString("10"),
		Currency:      "USD",
		PaymentMethod: ProviderName,
	})
	require.NoError(t, err)
	require.NoError(t, store.SaveTransaction(ctx, bare))

	ok, err := p.VerifyPayment(ctx, "tx-bare")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetTransaction(ctx, "tx-bare")
	require.NoError(t, err)
	assert.Equal(t, billing.TransactionStatusFailed, got.Status())
}

func TestVerifyPayment_FilterInstallFailureUninstalls(t *testing.T) {
	chain := newFakeChain()
	store := storage.NewMemory()
	p := newTestProvider(t, chain, store)
	ctx := context.Background()

	tx := openPayment(t, p, "usr_1")

	// The install call errors after the server already assigned an id.
	chain.failFilters = 1
	chain.failErr = errors.New("connection reset by peer")
	chain.failWithID = true

	_, err := p.VerifyPayment(ctx, tx.ID())
	require.Error(t, err)

	assert.Empty(t, chain.leakedFilters(),
		"an id assigned by a failed install call is still uninstalled")
}

func TestVerifyPayment_RateLimitAbandon(t *testing.T) {
	orig := rateLimitBackoffBase
	rateLimitBackoffBase = time.Millisecond
	defer func() { rateLimitBackoffBase = orig }()

	chain := newFakeChain()
	chain.failFilters = 10
	chain.failErr = errors.New("429 Too Many Requests")
	store := storage.NewMemory()
	p := newTestProvider(t, chain, store)
	ctx := context.Background()

	tx := openPayment(t, p, "usr_1")

	ok, err := p.VerifyPayment(ctx, tx.ID())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetTransaction(ctx, tx.ID())
	require.NoError(t, err)
	assert.Equal(t, billing.TransactionStatusPending, got.Status())
	assert.EqualValues(t, 3, got.Metadata()["rate_limit_errors"],
		"scan counters are persisted on abandon")
}
