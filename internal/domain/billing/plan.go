// Package billing holds the domain records of the monetization SDK: payment
// plans, subscriptions, usage records, and payment transactions. Records are
// constructor-validated and mutated only through their methods.
package billing

import (
	"time"

	"github.com/shopspring/decimal"

	apperrors "agentpay/internal/shared/errors"
	"agentpay/internal/shared/biztime"
	"agentpay/internal/shared/sanitize"
)

// PaymentType classifies how a plan charges.
type PaymentType string

const (
	PaymentTypePayPerUse    PaymentType = "pay_per_use"
	PaymentTypeSubscription PaymentType = "subscription"
	PaymentTypeFreemium     PaymentType = "freemium"
)

// IsValid reports whether the payment type is known.
func (t PaymentType) IsValid() bool {
	switch t {
	case PaymentTypePayPerUse, PaymentTypeSubscription, PaymentTypeFreemium:
		return true
	default:
		return false
	}
}

func (t PaymentType) String() string {
	return string(t)
}

// BillingPeriod is the recurrence of a subscription plan.
type BillingPeriod string

const (
	BillingPeriodDaily   BillingPeriod = "daily"
	BillingPeriodWeekly  BillingPeriod = "weekly"
	BillingPeriodMonthly BillingPeriod = "monthly"
	BillingPeriodYearly  BillingPeriod = "yearly"
)

// IsValid reports whether the billing period is known.
func (p BillingPeriod) IsValid() bool {
	switch p {
	case BillingPeriodDaily, BillingPeriodWeekly, BillingPeriodMonthly, BillingPeriodYearly:
		return true
	default:
		return false
	}
}

func (p BillingPeriod) String() string {
	return string(p)
}

// Plan is the payment plan aggregate. Operator-created; replaced, never
// mutated in place.
type Plan struct {
	id                string
	name              string
	description       string
	paymentType       PaymentType
	price             decimal.Decimal
	currency          string
	pricePerRequest   *decimal.Decimal
	billingPeriod     *BillingPeriod
	requestsPerPeriod *int
	freeRequests      int
	features          []string
	isActive          bool
	createdAt         time.Time
}

// PlanParams carries every plan field across the construction and
// persistence boundaries. JSON tags match the storage column/key names.
type PlanParams struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Description       string           `json:"description,omitempty"`
	PaymentType       PaymentType      `json:"payment_type"`
	Price             decimal.Decimal  `json:"price"`
	Currency          string           `json:"currency"`
	PricePerRequest   *decimal.Decimal `json:"price_per_request,omitempty"`
	BillingPeriod     *BillingPeriod   `json:"billing_period,omitempty"`
	RequestsPerPeriod *int             `json:"requests_per_period,omitempty"`
	FreeRequests      int              `json:"free_requests"`
	Features          []string         `json:"features"`
	IsActive          bool             `json:"is_active"`
	CreatedAt         time.Time        `json:"created_at"`
}

// NewPlan validates and builds a payment plan. CreatedAt defaults to now.
func NewPlan(p PlanParams) (*Plan, error) {
	if err := sanitize.RequiredField("id", p.ID, sanitize.MaxIDLength); err != nil {
		return nil, err
	}
	if err := sanitize.RequiredField("name", p.Name, sanitize.MaxNameLength); err != nil {
		return nil, err
	}
	if err := sanitize.Field("description", p.Description, sanitize.MaxDescriptionLength); err != nil {
		return nil, err
	}
	if !p.PaymentType.IsValid() {
		return nil, apperrors.NewValidationError("invalid payment type",
			map[string]any{"field": "payment_type", "value": string(p.PaymentType)})
	}
	if !IsSupportedCurrency(p.Currency) {
		return nil, apperrors.NewValidationError("unsupported currency",
			map[string]any{"field": "currency", "value": p.Currency})
	}
	if err := validateAmountForCurrency("price", p.Price, p.Currency); err != nil {
		return nil, err
	}
	if p.PricePerRequest != nil {
		if err := validateAmountForCurrency("price_per_request", *p.PricePerRequest, p.Currency); err != nil {
			return nil, err
		}
	}
	if p.PaymentType == PaymentTypeSubscription {
		if p.BillingPeriod == nil {
			return nil, apperrors.NewValidationError("subscription plans require a billing period",
				map[string]any{"field": "billing_period"})
		}
		if !p.BillingPeriod.IsValid() {
			return nil, apperrors.NewValidationError("invalid billing period",
				map[string]any{"field": "billing_period", "value": string(*p.BillingPeriod)})
		}
	} else if p.BillingPeriod != nil && !p.BillingPeriod.IsValid() {
		return nil, apperrors.NewValidationError("invalid billing period",
			map[string]any{"field": "billing_period", "value": string(*p.BillingPeriod)})
	}
	if p.RequestsPerPeriod != nil && *p.RequestsPerPeriod < 0 {
		return nil, apperrors.NewValidationError("requests per period cannot be negative",
			map[string]any{"field": "requests_per_period", "value": *p.RequestsPerPeriod})
	}
	if p.FreeRequests < 0 {
		return nil, apperrors.NewValidationError("free requests cannot be negative",
			map[string]any{"field": "free_requests", "value": p.FreeRequests})
	}
	for _, f := range p.Features {
		if err := sanitize.RequiredField("feature", f, sanitize.MaxFeatureLength); err != nil {
			return nil, err
		}
	}

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = biztime.NowUTC()
	}

	features := make([]string, len(p.Features))
	copy(features, p.Features)

	return &Plan{
		id:                p.ID,
		name:              p.Name,
		description:       p.Description,
		paymentType:       p.PaymentType,
		price:             p.Price,
		currency:          p.Currency,
		pricePerRequest:   p.PricePerRequest,
		billingPeriod:     p.BillingPeriod,
		requestsPerPeriod: p.RequestsPerPeriod,
		freeRequests:      p.FreeRequests,
		features:          features,
		isActive:          p.IsActive,
		createdAt:         createdAt.UTC(),
	}, nil
}

// ReconstructPlan rebuilds a plan from persistence without re-running the
// full constructor gate. Storage is trusted to hold records that passed
// validation when saved.
func ReconstructPlan(p PlanParams) (*Plan, error) {
	if p.ID == "" {
		return nil, apperrors.NewValidationError("plan id cannot be empty")
	}
	if !p.PaymentType.IsValid() {
		return nil, apperrors.NewValidationError("invalid payment type",
			map[string]any{"value": string(p.PaymentType)})
	}
	features := make([]string, len(p.Features))
	copy(features, p.Features)
	return &Plan{
		id:                p.ID,
		name:              p.Name,
		description:       p.Description,
		paymentType:       p.PaymentType,
		price:             p.Price,
		currency:          p.Currency,
		pricePerRequest:   p.PricePerRequest,
		billingPeriod:     p.BillingPeriod,
		requestsPerPeriod: p.RequestsPerPeriod,
		freeRequests:      p.FreeRequests,
		features:          features,
		isActive:          p.IsActive,
		createdAt:         p.CreatedAt.UTC(),
	}, nil
}

func (p *Plan) ID() string                         { return p.id }
func (p *Plan) Name() string                       { return p.name }
func (p *Plan) Description() string                { return p.description }
func (p *Plan) PaymentType() PaymentType           { return p.paymentType }
func (p *Plan) Price() decimal.Decimal             { return p.price }
func (p *Plan) Currency() string                   { return p.currency }
func (p *Plan) PricePerRequest() *decimal.Decimal  { return p.pricePerRequest }
func (p *Plan) BillingPeriod() *BillingPeriod      { return p.billingPeriod }
func (p *Plan) RequestsPerPeriod() *int            { return p.requestsPerPeriod }
func (p *Plan) FreeRequests() int                  { return p.freeRequests }
func (p *Plan) IsActive() bool                     { return p.isActive }
func (p *Plan) CreatedAt() time.Time               { return p.createdAt }

// Features returns a copy of the ordered feature tag list.
func (p *Plan) Features() []string {
	out := make([]string, len(p.features))
	copy(out, p.features)
	return out
}

// HasFeature reports whether the plan declares the feature tag.
func (p *Plan) HasFeature(feature string) bool {
	for _, f := range p.features {
		if f == feature {
			return true
		}
	}
	return false
}

// Snapshot exports the plan fields for persistence.
func (p *Plan) Snapshot() PlanParams {
	features := make([]string, len(p.features))
	copy(features, p.features)
	return PlanParams{
		ID:                p.id,
		Name:              p.name,
		Description:       p.description,
		PaymentType:       p.paymentType,
		Price:             p.price,
		Currency:          p.currency,
		PricePerRequest:   p.pricePerRequest,
		BillingPeriod:     p.billingPeriod,
		RequestsPerPeriod: p.requestsPerPeriod,
		FreeRequests:      p.freeRequests,
		Features:          features,
		IsActive:          p.isActive,
		CreatedAt:         p.createdAt,
	}
}
