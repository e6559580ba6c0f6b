package provider

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"agentpay/internal/domain/billing"
	apperrors "agentpay/internal/shared/errors"
	"agentpay/internal/shared/id"
	"agentpay/internal/shared/logger"
	"agentpay/internal/shared/sanitize"
	"agentpay/internal/storage"
)

// reservedSentinel marks a transaction id claimed by an in-flight
// ProcessPayment before its record exists anywhere. Cache iteration skips
// sentinel entries.
const reservedSentinel = "__RESERVED__"

// maxReservationAttempts bounds the id reservation loop.
const maxReservationAttempts = 10

// Base carries the state and helpers shared by every provider: the declared
// capabilities, the storage handle, the transaction cache with its
// reservation protocol, and the dev-mode flag that relaxes production-only
// invariants.
type Base struct {
	name    string
	caps    Capabilities
	store   storage.Storage
	log     logger.Interface
	devMode bool

	cacheMu sync.Mutex
	cache   map[string]any // *billing.Transaction or reservedSentinel
}

// NewBase builds the shared provider state.
func NewBase(name string, caps Capabilities, store storage.Storage, log logger.Interface, devMode bool) *Base {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Base{
		name:    name,
		caps:    caps,
		store:   store,
		log:     log.Named(name),
		devMode: devMode,
		cache:   make(map[string]any),
	}
}

func (b *Base) Name() string               { return b.name }
func (b *Base) Capabilities() Capabilities { return b.caps }
func (b *Base) Storage() storage.Storage   { return b.store }
func (b *Base) Logger() logger.Interface   { return b.log }

// IsDevMode reports whether production-only invariants are relaxed.
func (b *Base) IsDevMode() bool { return b.devMode }

// ValidatePaymentRequest gates a payment request against the declared
// capabilities before any side effect.
func (b *Base) ValidatePaymentRequest(userID string, amount decimal.Decimal, currency string, metadata map[string]any) error {
	if err := sanitize.UserID(userID); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return apperrors.NewValidationError("amount must be positive",
			map[string]any{"field": "amount", "value": amount.String()})
	}
	if !b.caps.SupportsCurrency(currency) {
		return apperrors.NewValidationError("currency not supported by provider",
			map[string]any{"provider": b.name, "currency": currency})
	}
	if !b.caps.MinAmount.IsZero() && amount.LessThan(b.caps.MinAmount) {
		return apperrors.NewValidationError("amount below provider minimum",
			map[string]any{"amount": amount.String(), "min_amount": b.caps.MinAmount.String()})
	}
	if !b.caps.MaxAmount.IsZero() && amount.GreaterThan(b.caps.MaxAmount) {
		return apperrors.NewValidationError("amount above provider maximum",
			map[string]any{"amount": amount.String(), "max_amount": b.caps.MaxAmount.String()})
	}
	if len(metadata) > 0 {
		if !b.caps.SupportsMetadata {
			return apperrors.NewValidationError("provider does not accept metadata",
				map[string]any{"provider": b.name})
		}
		if err := billing.ValidateMetadataDeep(metadata); err != nil {
			return err
		}
	}
	return nil
}

// ReserveTransactionID allocates a transaction id no other concurrent call
// or stored record holds. The caller owns the reservation and must either
// replace it with the real record (StoreCached) or release it
// (ReleaseReservation).
func (b *Base) ReserveTransactionID(ctx context.Context) (string, error) {
	for attempt := 1; attempt <= maxReservationAttempts; attempt++ {
		candidate := id.NewUUID()

		existing, err := b.store.GetTransaction(ctx, candidate)
		if err != nil {
			return "", err
		}
		if existing != nil {
			continue
		}

		b.cacheMu.Lock()
		if _, taken := b.cache[candidate]; taken {
			b.cacheMu.Unlock()
			continue
		}
		b.cache[candidate] = reservedSentinel
		b.cacheMu.Unlock()

		// The id could have been persisted between the first storage
		// probe and the cache claim. Re-check under the reservation.
		existing, err = b.store.GetTransaction(ctx, candidate)
		if err != nil {
			b.ReleaseReservation(candidate)
			return "", err
		}
		if existing != nil {
			b.ReleaseReservation(candidate)
			continue
		}
		return candidate, nil
	}
	return "", apperrors.NewProviderError("cannot allocate a unique transaction id",
		map[string]any{"attempts": maxReservationAttempts})
}

// ReleaseReservation removes a sentinel left behind by an aborted
// ProcessPayment. Releasing a non-reserved entry is a no-op.
func (b *Base) ReleaseReservation(transactionID string) {
	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	if b.cache[transactionID] == reservedSentinel {
		delete(b.cache, transactionID)
	}
}

// StoreCached replaces a reservation (or an older record) with the actual
// transaction.
func (b *Base) StoreCached(tx *billing.Transaction) {
	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	b.cache[tx.ID()] = tx
}

// RemoveCached drops a transaction from the cache entirely.
func (b *Base) RemoveCached(transactionID string) {
	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	delete(b.cache, transactionID)
}

// CachedTransaction reads a cached record. Reservations are invisible.
func (b *Base) CachedTransaction(transactionID string) (*billing.Transaction, bool) {
	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	v, ok := b.cache[transactionID]
	if !ok || v == reservedSentinel {
		return nil, false
	}
	return v.(*billing.Transaction), true
}

// CachedTransactions lists cached records, skipping reservations.
func (b *Base) CachedTransactions() []*billing.Transaction {
	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	out := make([]*billing.Transaction, 0, len(b.cache))
	for _, v := range b.cache {
		if v == reservedSentinel {
			continue
		}
		out = append(out, v.(*billing.Transaction))
	}
	return out
}

// SweepReservations drops every outstanding sentinel. Called on shutdown or
// after a failed batch so abandoned reservations cannot pin ids forever.
func (b *Base) SweepReservations() int {
	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	n := 0
	for k, v := range b.cache {
		if v == reservedSentinel {
			delete(b.cache, k)
			n++
		}
	}
	if n > 0 {
		b.log.Debugw("swept abandoned id reservations", "count", n)
	}
	return n
}

// ValidateStorageCapabilities enforces the startup storage contract: in
// production mode the backend must support transactions.
func (b *Base) ValidateStorageCapabilities() error {
	if b.store == nil {
		return apperrors.NewConfigurationError("storage backend is required")
	}
	if !b.devMode && !b.store.Capabilities().SupportsTransactions {
		return apperrors.NewConfigurationError(
			"production mode requires a transactional storage backend",
			map[string]any{"provider": b.name})
	}
	return nil
}
