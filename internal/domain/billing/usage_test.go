package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "agentpay/internal/shared/errors"
)

func TestNewUsageRecord_FreeEvent(t *testing.T) {
	rec, err := NewUsageRecord(UsageRecordParams{
		UserID:  "usr_1",
		Feature: "chat",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID())
	assert.True(t, rec.IsFree())
	assert.False(t, rec.Timestamp().IsZero())
}

func TestNewUsageRecord_BillableEvent(t *testing.T) {
	rec, err := NewUsageRecord(UsageRecordParams{
		UserID:   "usr_1",
		Feature:  "chat",
		Cost:     decPtr("0.01"),
		Currency: "USD",
	})
	require.NoError(t, err)

	assert.False(t, rec.IsFree())
	assert.True(t, rec.Cost().Equal(dec("0.01")))
}

func TestNewUsageRecord_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		params UsageRecordParams
	}{
		{"missing user", UsageRecordParams{Feature: "chat"}},
		{"missing feature", UsageRecordParams{UserID: "u"}},
		{"negative cost", UsageRecordParams{UserID: "u", Feature: "chat", Cost: decPtr("-0.01"), Currency: "USD"}},
		{"stablecoin below minimum", UsageRecordParams{UserID: "u", Feature: "chat", Cost: decPtr("0.0000001"), Currency: "USDT"}},
		{"feature with markup", UsageRecordParams{UserID: "u", Feature: "<img src=x>"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewUsageRecord(tc.params)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidationError(err))
		})
	}
}

func TestUsageRecord_StablecoinMinimumBoundary(t *testing.T) {
	rec, err := NewUsageRecord(UsageRecordParams{
		UserID:   "u",
		Feature:  "chat",
		Cost:     decPtr("0.000001"),
		Currency: "USDT",
	})
	require.NoError(t, err)
	assert.True(t, rec.Cost().Equal(dec("0.000001")))
}

func TestUsageRecord_SnapshotRoundTrip(t *testing.T) {
	rec, err := NewUsageRecord(UsageRecordParams{
		UserID:   "usr_1",
		Feature:  "embed",
		Cost:     decPtr("0.25"),
		Currency: "USD",
		Metadata: map[string]any{"tokens": 512},
	})
	require.NoError(t, err)

	restored, err := ReconstructUsageRecord(rec.Snapshot())
	require.NoError(t, err)

	assert.Equal(t, rec.ID(), restored.ID())
	assert.Equal(t, rec.Feature(), restored.Feature())
	assert.True(t, rec.Cost().Equal(*restored.Cost()))
	assert.True(t, rec.Timestamp().Equal(restored.Timestamp()))
}
