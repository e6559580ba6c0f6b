package billing

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "agentpay/internal/shared/errors"
)

// --- helpers ---

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func periodPtr(p BillingPeriod) *BillingPeriod {
	return &p
}

func intPtr(i int) *int {
	return &i
}

func validPlanParams() PlanParams {
	return PlanParams{
		ID:          "basic",
		Name:        "Basic Plan",
		Description: "entry tier",
		PaymentType: PaymentTypeFreemium,
		Price:       dec("0"),
		Currency:    "USD",
		FreeRequests: 5,
		Features:    []string{"chat"},
		IsActive:    true,
	}
}

// =============================================================================
// Constructor tests
// =============================================================================

func TestNewPlan_ValidInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PlanParams)
	}{
		{"freemium", func(p *PlanParams) {}},
		{"pay per use with per-request price", func(p *PlanParams) {
			p.ID = "ppu"
			p.PaymentType = PaymentTypePayPerUse
			p.PricePerRequest = decPtr("0.01")
		}},
		{"monthly subscription", func(p *PlanParams) {
			p.ID = "pro"
			p.PaymentType = PaymentTypeSubscription
			p.Price = dec("19.99")
			p.BillingPeriod = periodPtr(BillingPeriodMonthly)
			p.RequestsPerPeriod = intPtr(1000)
		}},
		{"stablecoin pricing", func(p *PlanParams) {
			p.ID = "usdt-plan"
			p.PaymentType = PaymentTypeSubscription
			p.Price = dec("10.50")
			p.Currency = "USDT"
			p.BillingPeriod = periodPtr(BillingPeriodYearly)
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			params := validPlanParams()
			tc.mutate(&params)

			plan, err := NewPlan(params)
			require.NoError(t, err)
			require.NotNil(t, plan)

			assert.Equal(t, params.ID, plan.ID())
			assert.Equal(t, params.PaymentType, plan.PaymentType())
			assert.True(t, plan.Price().Equal(params.Price))
			assert.False(t, plan.CreatedAt().IsZero())
			assert.Equal(t, time.UTC, plan.CreatedAt().Location())
		})
	}
}

func TestNewPlan_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PlanParams)
	}{
		{"empty id", func(p *PlanParams) { p.ID = "" }},
		{"id too long", func(p *PlanParams) { p.ID = strings.Repeat("x", 101) }},
		{"empty name", func(p *PlanParams) { p.Name = "" }},
		{"name too long", func(p *PlanParams) { p.Name = strings.Repeat("x", 256) }},
		{"description too long", func(p *PlanParams) { p.Description = strings.Repeat("x", 1001) }},
		{"bad payment type", func(p *PlanParams) { p.PaymentType = "one_time" }},
		{"negative price", func(p *PlanParams) { p.Price = dec("-1") }},
		{"too many fractional digits", func(p *PlanParams) { p.Price = dec("0.0000001") }},
		{"unknown currency", func(p *PlanParams) { p.Currency = "XXX" }},
		{"subscription without period", func(p *PlanParams) {
			p.PaymentType = PaymentTypeSubscription
			p.Price = dec("5")
			p.BillingPeriod = nil
		}},
		{"invalid billing period", func(p *PlanParams) {
			p.PaymentType = PaymentTypeSubscription
			p.Price = dec("5")
			bad := BillingPeriod("hourly")
			p.BillingPeriod = &bad
		}},
		{"negative per-request price", func(p *PlanParams) { p.PricePerRequest = decPtr("-0.01") }},
		{"negative requests per period", func(p *PlanParams) { p.RequestsPerPeriod = intPtr(-1) }},
		{"negative free requests", func(p *PlanParams) { p.FreeRequests = -1 }},
		{"injection in id", func(p *PlanParams) { p.ID = "basic;drop" }},
		{"html in name", func(p *PlanParams) { p.Name = "<b>Basic</b>" }},
		{"empty feature tag", func(p *PlanParams) { p.Features = []string{""} }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			params := validPlanParams()
			tc.mutate(&params)

			plan, err := NewPlan(params)
			require.Error(t, err)
			assert.Nil(t, plan)
			assert.True(t, apperrors.IsValidationError(err), "expected validation error, got %v", err)
		})
	}
}

func TestNewPlan_StablecoinMinimum(t *testing.T) {
	params := validPlanParams()
	params.PaymentType = PaymentTypeSubscription
	params.Currency = "USDT"
	params.BillingPeriod = periodPtr(BillingPeriodMonthly)

	params.Price = dec("0.0000001")
	_, err := NewPlan(params)
	require.Error(t, err)

	params.Price = dec("0.000001")
	plan, err := NewPlan(params)
	require.NoError(t, err)
	assert.True(t, plan.Price().Equal(dec("0.000001")))

	// GUSD carries a 2-decimal minimum.
	params.Currency = "GUSD"
	params.Price = dec("0.001")
	_, err = NewPlan(params)
	require.Error(t, err)
}

func TestPlan_HasFeature(t *testing.T) {
	params := validPlanParams()
	params.Features = []string{"chat", "search", "embed"}
	plan, err := NewPlan(params)
	require.NoError(t, err)

	assert.True(t, plan.HasFeature("search"))
	assert.False(t, plan.HasFeature("video"))
}

func TestPlan_FeaturesReturnsCopy(t *testing.T) {
	plan, err := NewPlan(validPlanParams())
	require.NoError(t, err)

	features := plan.Features()
	features[0] = "mutated"
	assert.Equal(t, "chat", plan.Features()[0])
}

func TestPlan_SnapshotRoundTrip(t *testing.T) {
	params := validPlanParams()
	params.PaymentType = PaymentTypeSubscription
	params.Price = dec("19.99")
	params.BillingPeriod = periodPtr(BillingPeriodMonthly)
	params.RequestsPerPeriod = intPtr(500)

	plan, err := NewPlan(params)
	require.NoError(t, err)

	restored, err := ReconstructPlan(plan.Snapshot())
	require.NoError(t, err)

	assert.Equal(t, plan.ID(), restored.ID())
	assert.Equal(t, plan.Name(), restored.Name())
	assert.True(t, plan.Price().Equal(restored.Price()))
	assert.Equal(t, *plan.BillingPeriod(), *restored.BillingPeriod())
	assert.Equal(t, *plan.RequestsPerPeriod(), *restored.RequestsPerPeriod())
	assert.Equal(t, plan.Features(), restored.Features())
	assert.True(t, plan.CreatedAt().Equal(restored.CreatedAt()))
}
