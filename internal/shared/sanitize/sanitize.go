// Package sanitize gates every operator- or host-supplied string before it
// reaches storage or log output. Identifiers here end up in SQL text columns,
// JSON files, and shell-adjacent CLI output, so the gate rejects rather than
// rewrites.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"

	apperrors "agentpay/internal/shared/errors"
)

// Per-field length caps.
const (
	MaxIDLength          = 100
	MaxNameLength        = 255
	MaxDescriptionLength = 1000
	MaxUserIDLength      = 255
	MaxFeatureLength     = 255
)

var (
	// htmlPolicy strips all markup; any difference from the input means the
	// string carried HTML/JS markers.
	htmlPolicy = bluemonday.StrictPolicy()

	sqlKeywordPattern = regexp.MustCompile(`(?i)\b(select|insert|update|delete|drop|alter|union|exec|truncate)\b\s`)
	sqlCommentPattern = regexp.MustCompile(`(--|/\*|\*/|;\s*$)`)
	shellMetaPattern  = regexp.MustCompile("[`$|&;<>]")
	traversalPattern  = regexp.MustCompile(`\.\.[/\\]|[/\\]\.\.`)
)

// Field validates a single string field against the injection rules and the
// given length cap. The returned error is a VALIDATION_ERROR naming the field.
func Field(field, value string, maxLen int) error {
	if value == "" {
		return nil
	}
	if len(value) > maxLen {
		return apperrors.NewValidationError(
			fmt.Sprintf("%s exceeds maximum length", field),
			map[string]any{"field": field, "max_length": maxLen, "length": len(value)},
		)
	}
	if strings.ContainsRune(value, '\x00') {
		return reject(field, value, "null byte")
	}
	for _, r := range value {
		if unicode.IsControl(r) {
			return reject(field, value, "control character")
		}
	}
	if strings.TrimSpace(value) != value {
		return reject(field, value, "leading or trailing whitespace")
	}
	if sqlKeywordPattern.MatchString(value) || sqlCommentPattern.MatchString(value) {
		return reject(field, value, "SQL keyword sequence")
	}
	if htmlPolicy.Sanitize(value) != value {
		return reject(field, value, "HTML or script markup")
	}
	if shellMetaPattern.MatchString(value) {
		return reject(field, value, "shell metacharacter")
	}
	if traversalPattern.MatchString(value) {
		return reject(field, value, "path traversal fragment")
	}
	return nil
}

func reject(field, value, reason string) error {
	return apperrors.NewValidationError(
		fmt.Sprintf("%s contains %s", field, reason),
		map[string]any{"field": field, "reason": reason, "length": len(value)},
	)
}

// RequiredField validates like Field but also rejects the empty string.
func RequiredField(field, value string, maxLen int) error {
	if value == "" {
		return apperrors.NewValidationError(
			fmt.Sprintf("%s is required", field),
			map[string]any{"field": field},
		)
	}
	return Field(field, value, maxLen)
}

// UserID validates a user identifier.
func UserID(value string) error {
	return RequiredField("user_id", value, MaxUserIDLength)
}

// Feature validates a feature tag.
func Feature(value string) error {
	return RequiredField("feature", value, MaxFeatureLength)
}
