package billing

import (
	"github.com/shopspring/decimal"

	apperrors "agentpay/internal/shared/errors"
)

// Fiat currencies accepted alongside the stablecoin set. ISO 4217 codes.
var fiatCurrencies = map[string]bool{
	"USD": true,
	"EUR": true,
	"GBP": true,
	"JPY": true,
	"CNY": true,
	"AUD": true,
	"CAD": true,
	"CHF": true,
	"INR": true,
	"KRW": true,
	"BRL": true,
	"SGD": true,
	"HKD": true,
}

// stablecoinMinimums maps each supported stablecoin to its minimum accepted
// amount, derived from the token's on-chain precision. GUSD carries 2
// decimals; the rest settle at 6 or finer, capped by the SDK-wide 6
// fractional digit rule.
var stablecoinMinimums = map[string]decimal.Decimal{
	"USDT": decimal.RequireFromString("0.000001"),
	"USDC": decimal.RequireFromString("0.000001"),
	"DAI":  decimal.RequireFromString("0.000001"),
	"BUSD": decimal.RequireFromString("0.000001"),
	"GUSD": decimal.RequireFromString("0.01"),
}

// IsStablecoin reports whether the currency is one of the supported
// stablecoins.
func IsStablecoin(currency string) bool {
	_, ok := stablecoinMinimums[currency]
	return ok
}

// IsSupportedCurrency reports whether the currency is a known fiat or
// stablecoin code.
func IsSupportedCurrency(currency string) bool {
	return fiatCurrencies[currency] || IsStablecoin(currency)
}

// StablecoinMinimum returns the minimum amount for a stablecoin. The second
// return is false for non-stablecoins.
func StablecoinMinimum(currency string) (decimal.Decimal, bool) {
	min, ok := stablecoinMinimums[currency]
	return min, ok
}

// validateAmountForCurrency enforces the shared amount rules: non-negative,
// at most 6 fractional digits, and at least the stablecoin minimum when the
// amount is positive and the currency is a stablecoin.
func validateAmountForCurrency(field string, amount decimal.Decimal, currency string) error {
	if amount.IsNegative() {
		return apperrors.NewValidationError(field+" cannot be negative",
			map[string]any{"field": field, "value": amount.String()})
	}
	if amount.Exponent() < -6 {
		return apperrors.NewValidationError(field+" exceeds 6 fractional digits",
			map[string]any{"field": field, "value": amount.String()})
	}
	if min, ok := StablecoinMinimum(currency); ok && amount.IsPositive() && amount.LessThan(min) {
		return apperrors.NewValidationError(field+" below minimum for currency",
			map[string]any{"field": field, "value": amount.String(), "currency": currency, "minimum": min.String()})
	}
	return nil
}
