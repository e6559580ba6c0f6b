// Package redact strips payment-provider secrets from strings destined for
// logs or error messages. The pattern list covers Stripe keys, PayPal
// identifiers, Ethereum private keys, bearer tokens, and generic key=value
// credential assignments.
package redact

import (
	"errors"
	"regexp"
)

const placeholder = "[REDACTED]"

var patterns = []*regexp.Regexp{
	// Stripe secret keys and webhook secrets
	regexp.MustCompile(`sk_live_[A-Za-z0-9]+`),
	regexp.MustCompile(`sk_test_[A-Za-z0-9]+`),
	regexp.MustCompile(`whsec_[A-Za-z0-9]+`),
	// Stripe payment intents and charges can expose account activity.
	// Anchored on word boundaries so the prefix inside words like
	// "api_key" is not taken for a Stripe id.
	regexp.MustCompile(`\bpi_[A-Za-z0-9]+\b`),
	regexp.MustCompile(`\bch_[A-Za-z0-9]+\b`),
	// PayPal client identifiers
	regexp.MustCompile(`(?i)paypal[_-]?(client[_-]?id|secret)["':\s=]+[A-Za-z0-9._-]+`),
	// Ethereum private keys and raw 64-hex secrets
	regexp.MustCompile(`0x[0-9a-fA-F]{64}`),
	regexp.MustCompile(`\b[0-9a-fA-F]{64}\b`),
	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]+=*`),
	// Generic credential assignments
	regexp.MustCompile(`(?i)(api[_-]?key|password|secret|token|client[_-]?secret)\s*[=:]\s*[^\s,;&"']+`),
}

// String returns s with every recognized secret replaced by a placeholder.
func String(s string) string {
	for _, p := range patterns {
		s = p.ReplaceAllString(s, placeholder)
	}
	return s
}

// Error returns an error whose message has secrets redacted. A nil error
// passes through unchanged.
func Error(err error) error {
	if err == nil {
		return nil
	}
	redacted := String(err.Error())
	if redacted == err.Error() {
		return err
	}
	return errors.New(redacted)
}
