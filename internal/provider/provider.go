// Package provider defines the payment provider contract and the shared
// behavior every concrete provider builds on: capability gating, metadata
// validation, and the transaction-id reservation protocol.
package provider

import (
	"context"

	"github.com/shopspring/decimal"

	"agentpay/internal/domain/billing"
)

// Capabilities describes what a provider supports. The core consults these
// before dispatching and rejects requests the provider cannot honour.
type Capabilities struct {
	SupportsRefunds        bool
	SupportsWebhooks       bool
	SupportsPartialRefunds bool
	SupportsSubscriptions  bool
	SupportsMetadata       bool

	SupportedCurrencies []string
	MinAmount           decimal.Decimal
	MaxAmount           decimal.Decimal

	// ExpectedProcessingTime is advisory, e.g. "instant" or "minutes".
	ExpectedProcessingTime string
}

// SupportsCurrency reports whether the currency is accepted.
func (c Capabilities) SupportsCurrency(currency string) bool {
	for _, cur := range c.SupportedCurrencies {
		if cur == currency {
			return true
		}
	}
	return false
}

// RefundInfo is the structured result of a refund request. Providers that
// cannot move funds themselves return advisory instructions instead.
type RefundInfo struct {
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	Status        string
	Instructions  string
	Details       map[string]any
}

// CheckoutSession is a provider-hosted payment page reference.
type CheckoutSession struct {
	SessionID   string
	CheckoutURL string
}

// PaymentProvider is the uniform provider contract.
type PaymentProvider interface {
	Name() string
	Capabilities() Capabilities

	// ProcessPayment opens a payment and returns the pending transaction
	// as read back from storage.
	ProcessPayment(ctx context.Context, userID string, amount decimal.Decimal, currency string, metadata map[string]any) (*billing.Transaction, error)

	// VerifyPayment checks whether the payment settled, updating the
	// transaction on success or terminal failure.
	VerifyPayment(ctx context.Context, transactionID string) (bool, error)

	// RefundPayment refunds a completed transaction, fully when amount is
	// nil, partially otherwise.
	RefundPayment(ctx context.Context, transactionID string, amount *decimal.Decimal) (*RefundInfo, error)

	GetPaymentStatus(ctx context.Context, transactionID string) (billing.TransactionStatus, error)

	VerifyWebhookSignature(payload []byte, headers map[string]string) (bool, error)

	CreateCheckoutSession(ctx context.Context, userID, planID, successURL, cancelURL string) (*CheckoutSession, error)

	// HealthCheck probes the provider's external dependencies.
	HealthCheck(ctx context.Context) error
}
