package provider

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"agentpay/internal/domain/billing"
	apperrors "agentpay/internal/shared/errors"
	"agentpay/internal/shared/logger"
	"agentpay/internal/storage"
)

// Mock is the development provider: every payment settles on the first
// verification, refunds always succeed, and no external service is touched.
type Mock struct {
	*Base
}

// NewMock builds the mock provider on the given storage.
func NewMock(store storage.Storage, log logger.Interface) *Mock {
	caps := Capabilities{
		SupportsRefunds:        true,
		SupportsWebhooks:       true,
		SupportsPartialRefunds: true,
		SupportsSubscriptions:  true,
		SupportsMetadata:       true,
		SupportedCurrencies:    []string{"USD", "EUR", "GBP", "USDT", "USDC", "DAI"},
		MinAmount:              decimal.RequireFromString("0.01"),
		MaxAmount:              decimal.RequireFromString("1000000"),
		ExpectedProcessingTime: "instant",
	}
	return &Mock{Base: NewBase("mock", caps, store, log, true)}
}

// ProcessPayment opens a pending transaction and persists it.
func (m *Mock) ProcessPayment(ctx context.Context, userID string, amount decimal.Decimal, currency string, metadata map[string]any) (*billing.Transaction, error) {
	if err := m.ValidatePaymentRequest(userID, amount, currency, metadata); err != nil {
		return nil, err
	}

	txID, err := m.ReserveTransactionID(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := billing.NewTransaction(billing.TransactionParams{
		ID:            txID,
		UserID:        userID,
		Amount:        amount,
		Currency:      currency,
		PaymentMethod: "mock",
		Metadata:      metadata,
	})
	if err != nil {
		m.ReleaseReservation(txID)
		return nil, err
	}

	if err := m.Storage().SaveTransaction(ctx, tx); err != nil {
		m.ReleaseReservation(txID)
		return nil, apperrors.NewPaymentFailedError("cannot persist payment",
			map[string]any{"transaction_id": txID}).WithCause(err)
	}
	m.StoreCached(tx)

	stored, err := m.Storage().GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	m.Logger().Infow("payment opened", "transaction_id", txID, "user_id", userID,
		"amount", amount.String(), "currency", currency)
	return stored, nil
}

// VerifyPayment settles any pending transaction immediately.
func (m *Mock) VerifyPayment(ctx context.Context, transactionID string) (bool, error) {
	tx, err := m.Storage().GetTransaction(ctx, transactionID)
	if err != nil {
		return false, err
	}
	if tx == nil {
		return false, nil
	}
	switch tx.Status() {
	case billing.TransactionStatusCompleted:
		return true, nil
	case billing.TransactionStatusPending:
		if err := tx.MarkCompleted(); err != nil {
			return false, err
		}
		if err := m.Storage().UpdateTransaction(ctx, tx); err != nil {
			return false, err
		}
		m.StoreCached(tx)
		return true, nil
	default:
		return false, nil
	}
}

// RefundPayment refunds a completed transaction, partially when amount is
// set.
func (m *Mock) RefundPayment(ctx context.Context, transactionID string, amount *decimal.Decimal) (*RefundInfo, error) {
	tx, err := m.Storage().GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, apperrors.NewPaymentFailedError("transaction not found",
			map[string]any{"transaction_id": transactionID})
	}
	if tx.Status() != billing.TransactionStatusCompleted {
		return nil, apperrors.NewPaymentFailedError("only completed transactions can be refunded",
			map[string]any{"transaction_id": transactionID, "status": tx.Status().String()})
	}

	refundAmount := tx.Amount()
	if amount != nil {
		if amount.GreaterThan(tx.Amount()) {
			return nil, apperrors.NewValidationError("refund exceeds transaction amount",
				map[string]any{"amount": amount.String(), "transaction_amount": tx.Amount().String()})
		}
		refundAmount = *amount
	}

	if refundAmount.Equal(tx.Amount()) {
		if err := tx.MarkRefunded(); err != nil {
			return nil, err
		}
	} else {
		tx.SetMetadata("partial_refund_amount", refundAmount.String())
	}
	if err := m.Storage().UpdateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	m.StoreCached(tx)

	return &RefundInfo{
		TransactionID: transactionID,
		Amount:        refundAmount,
		Currency:      tx.Currency(),
		Status:        "refunded",
	}, nil
}

// GetPaymentStatus reads the transaction status from storage.
func (m *Mock) GetPaymentStatus(ctx context.Context, transactionID string) (billing.TransactionStatus, error) {
	tx, err := m.Storage().GetTransaction(ctx, transactionID)
	if err != nil {
		return "", err
	}
	if tx == nil {
		return "", apperrors.NewPaymentFailedError("transaction not found",
			map[string]any{"transaction_id": transactionID})
	}
	return tx.Status(), nil
}

// VerifyWebhookSignature always accepts; the mock has no signing secret.
func (m *Mock) VerifyWebhookSignature(payload []byte, headers map[string]string) (bool, error) {
	return true, nil
}

// CreateCheckoutSession returns a synthetic local session.
func (m *Mock) CreateCheckoutSession(ctx context.Context, userID, planID, successURL, cancelURL string) (*CheckoutSession, error) {
	txID, err := m.ReserveTransactionID(ctx)
	if err != nil {
		return nil, err
	}
	m.ReleaseReservation(txID)
	return &CheckoutSession{
		SessionID:   "mock_" + txID,
		CheckoutURL: fmt.Sprintf("https://checkout.invalid/mock/%s?plan=%s", txID, planID),
	}, nil
}

// HealthCheck probes the storage round trip, the mock's only dependency.
func (m *Mock) HealthCheck(ctx context.Context) error {
	return m.Storage().HealthCheck(ctx)
}
