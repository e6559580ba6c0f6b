package billing

import (
	"time"

	"github.com/shopspring/decimal"

	apperrors "agentpay/internal/shared/errors"
	"agentpay/internal/shared/biztime"
	"agentpay/internal/shared/sanitize"
)

// TransactionStatus is the lifecycle state of a payment transaction.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusRefunded  TransactionStatus = "refunded"
	TransactionStatusCancelled TransactionStatus = "cancelled"
)

// IsValid reports whether the status is known.
func (s TransactionStatus) IsValid() bool {
	switch s {
	case TransactionStatusPending, TransactionStatusCompleted, TransactionStatusFailed,
		TransactionStatusRefunded, TransactionStatusCancelled:
		return true
	default:
		return false
	}
}

func (s TransactionStatus) String() string {
	return string(s)
}

// IsFinal reports whether the status admits no further transitions.
func (s TransactionStatus) IsFinal() bool {
	return s == TransactionStatusFailed || s == TransactionStatusRefunded ||
		s == TransactionStatusCancelled
}

// transactionTransitions is the allowed status transition table.
// completed -> failed is exceptional but allowed (late receipt invalidation).
var transactionTransitions = map[TransactionStatus]map[TransactionStatus]bool{
	TransactionStatusPending: {
		TransactionStatusCompleted: true,
		TransactionStatusFailed:    true,
	},
	TransactionStatusCompleted: {
		TransactionStatusFailed:   true,
		TransactionStatusRefunded: true,
	},
}

// Transaction is the unit a payment provider produces. Metadata is opaque to
// the core; each provider owns its key space.
type Transaction struct {
	id            string
	userID        string
	amount        decimal.Decimal
	currency      string
	paymentMethod string
	status        TransactionStatus
	createdAt     time.Time
	completedAt   *time.Time
	metadata      map[string]any
}

// TransactionParams carries transaction fields across construction and
// persistence boundaries.
type TransactionParams struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`
	PaymentMethod string            `json:"payment_method"`
	Status        TransactionStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

// NewTransaction validates and builds a pending transaction. Status defaults
// to pending and CreatedAt to now.
func NewTransaction(p TransactionParams) (*Transaction, error) {
	if p.ID == "" {
		return nil, apperrors.NewValidationError("transaction id is required",
			map[string]any{"field": "id"})
	}
	if err := sanitize.UserID(p.UserID); err != nil {
		return nil, err
	}
	if p.Amount.IsNegative() {
		return nil, apperrors.NewValidationError("amount cannot be negative",
			map[string]any{"field": "amount", "value": p.Amount.String()})
	}
	if !IsSupportedCurrency(p.Currency) {
		return nil, apperrors.NewValidationError("unsupported currency",
			map[string]any{"field": "currency", "value": p.Currency})
	}
	if p.PaymentMethod == "" {
		return nil, apperrors.NewValidationError("payment method is required",
			map[string]any{"field": "payment_method"})
	}
	if p.Status == "" {
		p.Status = TransactionStatusPending
	}
	if !p.Status.IsValid() {
		return nil, apperrors.NewValidationError("invalid transaction status",
			map[string]any{"field": "status", "value": string(p.Status)})
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = biztime.NowUTC()
	}
	if err := ValidateMetadataJSON(p.Metadata); err != nil {
		return nil, err
	}

	metadata := p.Metadata
	if metadata == nil {
		metadata = make(map[string]any)
	}

	return &Transaction{
		id:            p.ID,
		userID:        p.UserID,
		amount:        p.Amount,
		currency:      p.Currency,
		paymentMethod: p.PaymentMethod,
		status:        p.Status,
		createdAt:     p.CreatedAt.UTC(),
		completedAt:   p.CompletedAt,
		metadata:      metadata,
	}, nil
}

// ReconstructTransaction rebuilds a transaction from persistence.
func ReconstructTransaction(p TransactionParams) (*Transaction, error) {
	if p.ID == "" {
		return nil, apperrors.NewValidationError("transaction id cannot be empty")
	}
	if !p.Status.IsValid() {
		return nil, apperrors.NewValidationError("invalid transaction status",
			map[string]any{"value": string(p.Status)})
	}
	metadata := p.Metadata
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &Transaction{
		id:            p.ID,
		userID:        p.UserID,
		amount:        p.Amount,
		currency:      p.Currency,
		paymentMethod: p.PaymentMethod,
		status:        p.Status,
		createdAt:     p.CreatedAt.UTC(),
		completedAt:   p.CompletedAt,
		metadata:      metadata,
	}, nil
}

func (t *Transaction) ID() string                { return t.id }
func (t *Transaction) UserID() string            { return t.userID }
func (t *Transaction) Amount() decimal.Decimal   { return t.amount }
func (t *Transaction) Currency() string          { return t.currency }
func (t *Transaction) PaymentMethod() string     { return t.paymentMethod }
func (t *Transaction) Status() TransactionStatus { return t.status }
func (t *Transaction) CreatedAt() time.Time      { return t.createdAt }
func (t *Transaction) CompletedAt() *time.Time   { return t.completedAt }
func (t *Transaction) Metadata() map[string]any  { return t.metadata }

func (t *Transaction) transition(next TransactionStatus) error {
	if next == t.status {
		return nil
	}
	if !transactionTransitions[t.status][next] {
		return apperrors.NewValidationError("transaction status transition not allowed",
			map[string]any{"from": string(t.status), "to": string(next), "transaction_id": t.id})
	}
	t.status = next
	return nil
}

// MarkCompleted transitions to completed and records the completion time.
// Completing an already-completed transaction is a no-op.
func (t *Transaction) MarkCompleted() error {
	if t.status == TransactionStatusCompleted {
		return nil
	}
	if err := t.transition(TransactionStatusCompleted); err != nil {
		return err
	}
	now := biztime.NowUTC()
	t.completedAt = &now
	return nil
}

// MarkFailed transitions to failed, recording the reason in metadata.
func (t *Transaction) MarkFailed(reason string) error {
	if err := t.transition(TransactionStatusFailed); err != nil {
		return err
	}
	if reason != "" {
		t.SetMetadata("failure_reason", reason)
	}
	return nil
}

// MarkRefunded transitions a completed transaction to refunded.
func (t *Transaction) MarkRefunded() error {
	return t.transition(TransactionStatusRefunded)
}

// SetMetadata sets a metadata key-value pair.
func (t *Transaction) SetMetadata(key string, value any) {
	if t.metadata == nil {
		t.metadata = make(map[string]any)
	}
	t.metadata[key] = value
}

// GetMetadata reads a metadata value.
func (t *Transaction) GetMetadata(key string) (any, bool) {
	v, ok := t.metadata[key]
	return v, ok
}

// MetadataString reads a metadata value as a string.
func (t *Transaction) MetadataString(key string) (string, bool) {
	v, ok := t.metadata[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Snapshot exports the transaction fields for persistence.
func (t *Transaction) Snapshot() TransactionParams {
	return TransactionParams{
		ID:            t.id,
		UserID:        t.userID,
		Amount:        t.amount,
		Currency:      t.currency,
		PaymentMethod: t.paymentMethod,
		Status:        t.status,
		CreatedAt:     t.createdAt,
		CompletedAt:   t.completedAt,
		Metadata:      CloneMetadata(t.metadata),
	}
}
