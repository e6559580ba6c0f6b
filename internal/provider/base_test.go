package provider

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentpay/internal/domain/billing"
	apperrors "agentpay/internal/shared/errors"
	"agentpay/internal/shared/logger"
	"agentpay/internal/storage"
)

func newTestBase(t *testing.T) *Base {
	t.Helper()
	caps := Capabilities{
		SupportsMetadata:    true,
		SupportedCurrencies: []string{"USD", "USDT"},
		MinAmount:           decimal.RequireFromString("0.01"),
		MaxAmount:           decimal.RequireFromString("10000"),
	}
	return NewBase("test", caps, storage.NewMemory(), logger.NewNopLogger(), true)
}

func TestBase_ValidatePaymentRequest(t *testing.T) {
	b := newTestBase(t)

	tests := []struct {
		name     string
		userID   string
		amount   string
		currency string
		metadata map[string]any
		wantErr  bool
	}{
		{"valid", "usr_1", "10", "USD", nil, false},
		{"valid with metadata", "usr_1", "10", "USDT", map[string]any{"k": "v"}, false},
		{"empty user", "", "10", "USD", nil, true},
		{"zero amount", "usr_1", "0", "USD", nil, true},
		{"negative amount", "usr_1", "-5", "USD", nil, true},
		{"unsupported currency", "usr_1", "10", "EUR", nil, true},
		{"below minimum", "usr_1", "0.001", "USD", nil, true},
		{"above maximum", "usr_1", "10001", "USD", nil, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := b.ValidatePaymentRequest(tc.userID,
				decimal.RequireFromString(tc.amount), tc.currency, tc.metadata)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsValidationError(err))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestBase_MetadataGate(t *testing.T) {
	caps := Capabilities{
		SupportedCurrencies: []string{"USD"},
		SupportsMetadata:    false,
	}
	b := NewBase("nometa", caps, storage.NewMemory(), logger.NewNopLogger(), true)

	err := b.ValidatePaymentRequest("usr_1", decimal.RequireFromString("1"), "USD",
		map[string]any{"k": "v"})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidationError(err))

	require.NoError(t, b.ValidatePaymentRequest("usr_1", decimal.RequireFromString("1"), "USD", nil))
}

func TestBase_ReserveTransactionID(t *testing.T) {
	b := newTestBase(t)
	ctx := context.Background()

	txID, err := b.ReserveTransactionID(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, txID)

	// The reservation is invisible to cache reads and listings.
	_, ok := b.CachedTransaction(txID)
	assert.False(t, ok)
	assert.Empty(t, b.CachedTransactions())

	// A second reservation never collides with the first.
	other, err := b.ReserveTransactionID(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, txID, other)

	// Replacing the sentinel with the real record makes it visible.
	tx, err := billing.NewTransaction(billing.TransactionParams{
		ID: txID, UserID: "usr_1", Amount: decimal.RequireFromString("1"),
		Currency: "USD", PaymentMethod: "test",
	})
	require.NoError(t, err)
	b.StoreCached(tx)

	got, ok := b.CachedTransaction(txID)
	require.True(t, ok)
	assert.Equal(t, txID, got.ID())
	assert.Len(t, b.CachedTransactions(), 1)
}

func TestBase_ConcurrentReservations(t *testing.T) {
	b := newTestBase(t)
	ctx := context.Background()

	const workers = 50
	ids := make(chan string, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			txID, err := b.ReserveTransactionID(ctx)
			if err != nil {
				t.Errorf("reserve failed: %v", err)
				return
			}
			b.ReleaseReservation(txID)
			ids <- txID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, workers)
	for id := range ids {
		assert.False(t, seen[id], "reservation id %s handed out twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, workers)

	// All sentinels were released; nothing is left to sweep.
	assert.Equal(t, 0, b.SweepReservations())
	assert.Empty(t, b.CachedTransactions())
}

func TestBase_ReleaseReservation(t *testing.T) {
	b := newTestBase(t)
	ctx := context.Background()

	txID, err := b.ReserveTransactionID(ctx)
	require.NoError(t, err)

	b.ReleaseReservation(txID)
	b.cacheMu.Lock()
	_, exists := b.cache[txID]
	b.cacheMu.Unlock()
	assert.False(t, exists)

	// Releasing a real record is a no-op.
	tx, err := billing.NewTransaction(billing.TransactionParams{
		ID: "tx-1", UserID: "usr_1", Amount: decimal.RequireFromString("1"),
		Currency: "USD", PaymentMethod: "test",
	})
	require.NoError(t, err)
	b.StoreCached(tx)
	b.ReleaseReservation("tx-1")
	_, ok := b.CachedTransaction("tx-1")
	assert.True(t, ok)
}

func TestBase_SweepReservations(t *testing.T) {
	b := newTestBase(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.ReserveTransactionID(ctx)
		require.NoError(t, err)
	}
	tx, err := billing.NewTransaction(billing.TransactionParams{
		ID: "tx-keep", UserID: "usr_1", Amount: decimal.RequireFromString("1"),
		Currency: "USD", PaymentMethod: "test",
	})
	require.NoError(t, err)
	b.StoreCached(tx)

	assert.Equal(t, 3, b.SweepReservations())
	assert.Len(t, b.CachedTransactions(), 1)
	assert.Equal(t, 0, b.SweepReservations())
}

func TestBase_ValidateStorageCapabilities(t *testing.T) {
	caps := Capabilities{SupportedCurrencies: []string{"USD"}}

	prod := NewBase("p", caps, storage.NewMemory(), logger.NewNopLogger(), false)
	require.NoError(t, prod.ValidateStorageCapabilities(),
		"memory backend supports transactions")

	missing := NewBase("p", caps, nil, logger.NewNopLogger(), false)
	err := missing.ValidateStorageCapabilities()
	require.Error(t, err)
	assert.True(t, apperrors.IsConfigurationError(err))
}
