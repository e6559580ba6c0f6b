package billing

import (
	"encoding/json"
	"fmt"

	apperrors "agentpay/internal/shared/errors"
)

// Metadata limits applied by provider-level deep validation.
const (
	MaxMetadataTopLevelKeys = 100
	MaxMetadataNestedKeys   = 50
	MaxMetadataListElements = 100
	MaxMetadataDepth        = 3
	MaxMetadataKeyLength    = 100
)

// ValidateMetadataJSON checks that the metadata map is JSON-serializable
// recursively. This is the baseline rule every record enforces at
// construction time.
func ValidateMetadataJSON(metadata map[string]any) error {
	if metadata == nil {
		return nil
	}
	if _, err := json.Marshal(metadata); err != nil {
		return apperrors.NewValidationError("metadata is not JSON-serializable",
			map[string]any{"error": err.Error()}).WithCause(err)
	}
	return nil
}

// ValidateMetadataDeep applies the provider-level caps on top of the JSON
// rule: key counts, list lengths, nesting depth, key length, and the allowed
// value type set.
func ValidateMetadataDeep(metadata map[string]any) error {
	if metadata == nil {
		return nil
	}
	if len(metadata) > MaxMetadataTopLevelKeys {
		return apperrors.NewValidationError("metadata has too many top-level keys",
			map[string]any{"keys": len(metadata), "max": MaxMetadataTopLevelKeys})
	}
	for key, value := range metadata {
		if err := validateMetadataKey(key); err != nil {
			return err
		}
		if err := validateMetadataValue(key, value, 1); err != nil {
			return err
		}
	}
	return nil
}

func validateMetadataKey(key string) error {
	if len(key) > MaxMetadataKeyLength {
		return apperrors.NewValidationError("metadata key too long",
			map[string]any{"key": key[:MaxMetadataKeyLength], "max": MaxMetadataKeyLength})
	}
	return nil
}

func validateMetadataValue(key string, value any, depth int) error {
	switch v := value.(type) {
	case nil, string, bool:
		return nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return nil
	case map[string]any:
		if depth >= MaxMetadataDepth {
			return apperrors.NewValidationError("metadata nesting too deep",
				map[string]any{"key": key, "max_depth": MaxMetadataDepth})
		}
		if len(v) > MaxMetadataNestedKeys {
			return apperrors.NewValidationError("nested metadata object has too many keys",
				map[string]any{"key": key, "keys": len(v), "max": MaxMetadataNestedKeys})
		}
		for k, nested := range v {
			if err := validateMetadataKey(k); err != nil {
				return err
			}
			if err := validateMetadataValue(fmt.Sprintf("%s.%s", key, k), nested, depth+1); err != nil {
				return err
			}
		}
		return nil
	case []any:
		if depth >= MaxMetadataDepth {
			return apperrors.NewValidationError("metadata nesting too deep",
				map[string]any{"key": key, "max_depth": MaxMetadataDepth})
		}
		if len(v) > MaxMetadataListElements {
			return apperrors.NewValidationError("metadata list too long",
				map[string]any{"key": key, "elements": len(v), "max": MaxMetadataListElements})
		}
		for i, elem := range v {
			if err := validateMetadataValue(fmt.Sprintf("%s[%d]", key, i), elem, depth+1); err != nil {
				return err
			}
		}
		return nil
	default:
		return apperrors.NewValidationError("metadata value has unsupported type",
			map[string]any{"key": key, "type": fmt.Sprintf("%T", value)})
	}
}

// CloneMetadata returns a shallow-safe deep copy of a metadata map via a
// JSON round trip. Storage backends use it so callers cannot mutate
// persisted state through retained references.
func CloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		// Construction-time validation guarantees serializability; an error
		// here means the caller mutated metadata with a non-JSON value.
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
