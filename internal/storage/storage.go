// Package storage persists billing records behind a uniform contract with
// three interchangeable backends: in-memory, JSON files, and SQLite.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"agentpay/internal/domain/billing"
	apperrors "agentpay/internal/shared/errors"
)

// Capabilities describes what a backend can do. The core and the payment
// providers consult these before relying on optional behavior.
type Capabilities struct {
	SupportsTransactions   bool
	SupportsBulkOperations bool
	// MaxDataSize is the largest serialized record accepted, in bytes.
	MaxDataSize int
}

// ListTransactionsOptions narrows ListTransactions. Zero values mean
// "no filter"; Limit 0 means unlimited.
type ListTransactionsOptions struct {
	UserID string
	Status billing.TransactionStatus
	Limit  int
}

// Storage is the persistence contract. Get operations return (nil, nil)
// when the record does not exist.
type Storage interface {
	SavePlan(ctx context.Context, plan *billing.Plan) error
	GetPlan(ctx context.Context, id string) (*billing.Plan, error)
	ListPlans(ctx context.Context) ([]*billing.Plan, error)

	SaveSubscription(ctx context.Context, sub *billing.Subscription) error
	GetSubscription(ctx context.Context, id string) (*billing.Subscription, error)
	// GetUserSubscription returns the user's active subscription, if any.
	GetUserSubscription(ctx context.Context, userID string) (*billing.Subscription, error)

	SaveUsage(ctx context.Context, rec *billing.UsageRecord) error
	// GetUserUsage returns the user's usage records sorted by timestamp
	// ascending, optionally bounded by [from, to].
	GetUserUsage(ctx context.Context, userID string, from, to *time.Time) ([]*billing.UsageRecord, error)

	// SaveTransaction inserts a new transaction. A duplicate id fails with
	// a storage error.
	SaveTransaction(ctx context.Context, tx *billing.Transaction) error
	// UpdateTransaction replaces an existing transaction. An absent id
	// fails with a storage error.
	UpdateTransaction(ctx context.Context, tx *billing.Transaction) error
	GetTransaction(ctx context.Context, id string) (*billing.Transaction, error)
	// ListTransactions returns transactions sorted by created_at descending.
	ListTransactions(ctx context.Context, opts ListTransactionsOptions) ([]*billing.Transaction, error)

	// BeginTransaction opens a storage transaction. Backends that do not
	// support transactions fail with a storage error, as do out-of-order
	// calls (double begin, commit without begin).
	BeginTransaction(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	Capabilities() Capabilities

	// HealthCheck performs a write+read round-trip on a scratch record.
	HealthCheck(ctx context.Context) error

	Close() error
}

// DefaultMaxDataSize bounds a single serialized record.
const DefaultMaxDataSize = 1 << 20 // 1 MiB

// checkRecordSize rejects records whose serialized form exceeds the
// backend's advertised maximum.
func checkRecordSize(v any, maxSize int) error {
	if maxSize <= 0 {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return apperrors.NewValidationError("record is not serializable",
			map[string]any{"error": err.Error()})
	}
	if len(b) > maxSize {
		return apperrors.NewValidationError("record exceeds maximum data size",
			map[string]any{"size": len(b), "max_size": maxSize})
	}
	return nil
}

func errNoTransaction() error {
	return apperrors.NewStorageError("no storage transaction in progress")
}

func errTransactionOpen() error {
	return apperrors.NewStorageError("a storage transaction is already in progress")
}
