package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "agentpay/internal/shared/errors"
)

func activeSubscription(t *testing.T) *Subscription {
	t.Helper()
	sub, err := NewSubscription(SubscriptionParams{
		UserID: "usr_1",
		PlanID: "pro",
	})
	require.NoError(t, err)
	return sub
}

func TestNewSubscription_Defaults(t *testing.T) {
	sub := activeSubscription(t)

	assert.NotEmpty(t, sub.ID())
	assert.Equal(t, SubscriptionStatusActive, sub.Status())
	assert.False(t, sub.StartDate().IsZero())
	assert.Nil(t, sub.EndDate())
	assert.Zero(t, sub.UsageCount())
	assert.NotNil(t, sub.Metadata())
}

func TestNewSubscription_Rejections(t *testing.T) {
	past := time.Now().UTC().Add(-time.Hour)
	start := time.Now().UTC()

	tests := []struct {
		name   string
		params SubscriptionParams
	}{
		{"missing user", SubscriptionParams{PlanID: "pro"}},
		{"missing plan", SubscriptionParams{UserID: "usr_1"}},
		{"end before start", SubscriptionParams{
			UserID: "usr_1", PlanID: "pro", StartDate: start, EndDate: &past,
		}},
		{"period end before start", SubscriptionParams{
			UserID: "usr_1", PlanID: "pro",
			CurrentPeriodStart: &start, CurrentPeriodEnd: &past,
		}},
		{"negative usage", SubscriptionParams{
			UserID: "usr_1", PlanID: "pro", UsageCount: -1,
		}},
		{"bad status", SubscriptionParams{
			UserID: "usr_1", PlanID: "pro", Status: "paused",
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSubscription(tc.params)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidationError(err))
		})
	}
}

// =============================================================================
// Status machine
// =============================================================================

func TestSubscription_StatusTransitions(t *testing.T) {
	tests := []struct {
		from    SubscriptionStatus
		to      SubscriptionStatus
		allowed bool
	}{
		{SubscriptionStatusActive, SubscriptionStatusCancelled, true},
		{SubscriptionStatusActive, SubscriptionStatusExpired, true},
		{SubscriptionStatusActive, SubscriptionStatusSuspended, true},
		{SubscriptionStatusCancelled, SubscriptionStatusActive, true},
		{SubscriptionStatusCancelled, SubscriptionStatusExpired, false},
		{SubscriptionStatusCancelled, SubscriptionStatusSuspended, false},
		{SubscriptionStatusExpired, SubscriptionStatusActive, true},
		{SubscriptionStatusExpired, SubscriptionStatusCancelled, false},
		{SubscriptionStatusExpired, SubscriptionStatusSuspended, false},
		{SubscriptionStatusSuspended, SubscriptionStatusActive, true},
		{SubscriptionStatusSuspended, SubscriptionStatusCancelled, true},
		{SubscriptionStatusSuspended, SubscriptionStatusExpired, false},
	}

	for _, tc := range tests {
		name := string(tc.from) + "->" + string(tc.to)
		t.Run(name, func(t *testing.T) {
			sub, err := NewSubscription(SubscriptionParams{
				UserID: "usr_1", PlanID: "pro", Status: tc.from,
			})
			require.NoError(t, err)

			err = sub.SetStatus(tc.to)
			if tc.allowed {
				require.NoError(t, err)
				assert.Equal(t, tc.to, sub.Status())
			} else {
				require.Error(t, err)
				assert.True(t, apperrors.IsValidationError(err))
				assert.Equal(t, tc.from, sub.Status(), "status must not change on rejected transition")
			}
		})
	}
}

func TestSubscription_SameStatusIsNoOp(t *testing.T) {
	for _, status := range []SubscriptionStatus{
		SubscriptionStatusActive, SubscriptionStatusCancelled,
		SubscriptionStatusExpired, SubscriptionStatusSuspended,
	} {
		sub, err := NewSubscription(SubscriptionParams{
			UserID: "usr_1", PlanID: "pro", Status: status,
		})
		require.NoError(t, err)
		require.NoError(t, sub.SetStatus(status))
		assert.Equal(t, status, sub.Status())
	}
}

func TestSubscription_Lifecycle(t *testing.T) {
	// active -> suspended -> active -> expired -> (suspended rejected)
	sub := activeSubscription(t)

	require.NoError(t, sub.SetStatus(SubscriptionStatusSuspended))
	require.NoError(t, sub.SetStatus(SubscriptionStatusActive))
	require.NoError(t, sub.SetStatus(SubscriptionStatusExpired))

	err := sub.SetStatus(SubscriptionStatusSuspended)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidationError(err))
}

// =============================================================================
// IsActive
// =============================================================================

func TestSubscription_IsActive(t *testing.T) {
	now := time.Now().UTC()
	future := now.Add(24 * time.Hour)
	past := now.Add(-24 * time.Hour)
	wayPast := now.Add(-48 * time.Hour)

	tests := []struct {
		name   string
		params SubscriptionParams
		want   bool
	}{
		{"active open-ended", SubscriptionParams{
			UserID: "u", PlanID: "p",
		}, true},
		{"active with future end", SubscriptionParams{
			UserID: "u", PlanID: "p", EndDate: &future,
		}, true},
		{"active with past end", SubscriptionParams{
			UserID: "u", PlanID: "p", StartDate: wayPast, EndDate: &past,
		}, false},
		{"active with expired period", SubscriptionParams{
			UserID: "u", PlanID: "p", StartDate: wayPast,
			CurrentPeriodStart: &wayPast, CurrentPeriodEnd: &past,
		}, false},
		{"cancelled", SubscriptionParams{
			UserID: "u", PlanID: "p", Status: SubscriptionStatusCancelled,
		}, false},
		{"suspended", SubscriptionParams{
			UserID: "u", PlanID: "p", Status: SubscriptionStatusSuspended,
		}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sub, err := NewSubscription(tc.params)
			require.NoError(t, err)
			assert.Equal(t, tc.want, sub.IsActive())
		})
	}
}

func TestSubscription_UsageCounter(t *testing.T) {
	sub := activeSubscription(t)
	sub.IncrementUsage()
	sub.IncrementUsage()
	assert.Equal(t, 2, sub.UsageCount())
	sub.ResetUsage()
	assert.Zero(t, sub.UsageCount())
}

func TestSubscription_SetPeriod(t *testing.T) {
	sub := activeSubscription(t)
	start := time.Now().UTC()
	end := start.AddDate(0, 1, 0)

	require.NoError(t, sub.SetPeriod(start, end))
	assert.True(t, sub.CurrentPeriodStart().Equal(start))
	assert.True(t, sub.CurrentPeriodEnd().Equal(end))

	assert.Error(t, sub.SetPeriod(end, start))
}

func TestSubscription_SnapshotRoundTrip(t *testing.T) {
	sub := activeSubscription(t)
	sub.IncrementUsage()
	sub.SetMetadata("source", "test")

	restored, err := ReconstructSubscription(sub.Snapshot())
	require.NoError(t, err)

	assert.Equal(t, sub.ID(), restored.ID())
	assert.Equal(t, sub.UserID(), restored.UserID())
	assert.Equal(t, sub.Status(), restored.Status())
	assert.Equal(t, sub.UsageCount(), restored.UsageCount())
	assert.Equal(t, "test", restored.Metadata()["source"])
}
