package billing

import (
	"time"

	apperrors "agentpay/internal/shared/errors"
	"agentpay/internal/shared/biztime"
	"agentpay/internal/shared/id"
	"agentpay/internal/shared/sanitize"
)

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
	SubscriptionStatusSuspended SubscriptionStatus = "suspended"
)

// IsValid reports whether the status is known.
func (s SubscriptionStatus) IsValid() bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusCancelled,
		SubscriptionStatusExpired, SubscriptionStatusSuspended:
		return true
	default:
		return false
	}
}

func (s SubscriptionStatus) String() string {
	return string(s)
}

// subscriptionTransitions is the allowed status transition table.
var subscriptionTransitions = map[SubscriptionStatus]map[SubscriptionStatus]bool{
	SubscriptionStatusActive: {
		SubscriptionStatusCancelled: true,
		SubscriptionStatusExpired:   true,
		SubscriptionStatusSuspended: true,
	},
	SubscriptionStatusCancelled: {
		SubscriptionStatusActive: true,
	},
	SubscriptionStatusExpired: {
		SubscriptionStatusActive: true,
	},
	SubscriptionStatusSuspended: {
		SubscriptionStatusActive:    true,
		SubscriptionStatusCancelled: true,
	},
}

// Subscription binds a user to a plan over time.
type Subscription struct {
	id                 string
	userID             string
	planID             string
	status             SubscriptionStatus
	startDate          time.Time
	endDate            *time.Time
	currentPeriodStart *time.Time
	currentPeriodEnd   *time.Time
	usageCount         int
	metadata           map[string]any
}

// SubscriptionParams carries subscription fields across construction and
// persistence boundaries.
type SubscriptionParams struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"user_id"`
	PlanID             string             `json:"plan_id"`
	Status             SubscriptionStatus `json:"status"`
	StartDate          time.Time          `json:"start_date"`
	EndDate            *time.Time         `json:"end_date,omitempty"`
	CurrentPeriodStart *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time         `json:"current_period_end,omitempty"`
	UsageCount         int                `json:"usage_count"`
	Metadata           map[string]any     `json:"metadata,omitempty"`
}

// NewSubscription validates and builds a subscription. An empty ID gets a
// generated one; an empty status defaults to active; a zero start date
// defaults to now.
func NewSubscription(p SubscriptionParams) (*Subscription, error) {
	if p.ID == "" {
		p.ID = id.MustGenerateWithPrefix(id.PrefixSubscription, id.DefaultLength)
	}
	if err := sanitize.UserID(p.UserID); err != nil {
		return nil, err
	}
	if err := sanitize.RequiredField("plan_id", p.PlanID, sanitize.MaxIDLength); err != nil {
		return nil, err
	}
	if p.Status == "" {
		p.Status = SubscriptionStatusActive
	}
	if !p.Status.IsValid() {
		return nil, apperrors.NewValidationError("invalid subscription status",
			map[string]any{"field": "status", "value": string(p.Status)})
	}
	if p.StartDate.IsZero() {
		p.StartDate = biztime.NowUTC()
	}
	if p.EndDate != nil && p.EndDate.Before(p.StartDate) {
		return nil, apperrors.NewValidationError("end date must not precede start date",
			map[string]any{"start_date": p.StartDate, "end_date": *p.EndDate})
	}
	if p.CurrentPeriodStart != nil && p.CurrentPeriodEnd != nil &&
		p.CurrentPeriodEnd.Before(*p.CurrentPeriodStart) {
		return nil, apperrors.NewValidationError("period end must not precede period start",
			map[string]any{"current_period_start": *p.CurrentPeriodStart, "current_period_end": *p.CurrentPeriodEnd})
	}
	if p.UsageCount < 0 {
		return nil, apperrors.NewValidationError("usage count cannot be negative",
			map[string]any{"field": "usage_count", "value": p.UsageCount})
	}
	if err := ValidateMetadataJSON(p.Metadata); err != nil {
		return nil, err
	}

	metadata := p.Metadata
	if metadata == nil {
		metadata = make(map[string]any)
	}

	return &Subscription{
		id:                 p.ID,
		userID:             p.UserID,
		planID:             p.PlanID,
		status:             p.Status,
		startDate:          p.StartDate.UTC(),
		endDate:            p.EndDate,
		currentPeriodStart: p.CurrentPeriodStart,
		currentPeriodEnd:   p.CurrentPeriodEnd,
		usageCount:         p.UsageCount,
		metadata:           metadata,
	}, nil
}

// ReconstructSubscription rebuilds a subscription from persistence.
func ReconstructSubscription(p SubscriptionParams) (*Subscription, error) {
	if p.ID == "" {
		return nil, apperrors.NewValidationError("subscription id cannot be empty")
	}
	if !p.Status.IsValid() {
		return nil, apperrors.NewValidationError("invalid subscription status",
			map[string]any{"value": string(p.Status)})
	}
	metadata := p.Metadata
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &Subscription{
		id:                 p.ID,
		userID:             p.UserID,
		planID:             p.PlanID,
		status:             p.Status,
		startDate:          p.StartDate.UTC(),
		endDate:            p.EndDate,
		currentPeriodStart: p.CurrentPeriodStart,
		currentPeriodEnd:   p.CurrentPeriodEnd,
		usageCount:         p.UsageCount,
		metadata:           metadata,
	}, nil
}

func (s *Subscription) ID() string                     { return s.id }
func (s *Subscription) UserID() string                 { return s.userID }
func (s *Subscription) PlanID() string                 { return s.planID }
func (s *Subscription) Status() SubscriptionStatus     { return s.status }
func (s *Subscription) StartDate() time.Time           { return s.startDate }
func (s *Subscription) EndDate() *time.Time            { return s.endDate }
func (s *Subscription) CurrentPeriodStart() *time.Time { return s.currentPeriodStart }
func (s *Subscription) CurrentPeriodEnd() *time.Time   { return s.currentPeriodEnd }
func (s *Subscription) UsageCount() int                { return s.usageCount }
func (s *Subscription) Metadata() map[string]any       { return s.metadata }

// SetStatus transitions the subscription to a new status. Same-status
// assignment is a no-op; disallowed transitions fail with a validation error.
func (s *Subscription) SetStatus(next SubscriptionStatus) error {
	if !next.IsValid() {
		return apperrors.NewValidationError("invalid subscription status",
			map[string]any{"value": string(next)})
	}
	if next == s.status {
		return nil
	}
	if !subscriptionTransitions[s.status][next] {
		return apperrors.NewValidationError("subscription status transition not allowed",
			map[string]any{"from": string(s.status), "to": string(next)})
	}
	s.status = next
	return nil
}

// IsActive reports whether the subscription currently grants access:
// status active, end date not passed, current period not passed.
func (s *Subscription) IsActive() bool {
	if s.status != SubscriptionStatusActive {
		return false
	}
	now := biztime.NowUTC()
	if s.endDate != nil && now.After(*s.endDate) {
		return false
	}
	if s.currentPeriodEnd != nil && now.After(*s.currentPeriodEnd) {
		return false
	}
	return true
}

// IncrementUsage bumps the usage counter by one.
func (s *Subscription) IncrementUsage() {
	s.usageCount++
}

// ResetUsage zeroes the usage counter. Called when a billing period rolls.
func (s *Subscription) ResetUsage() {
	s.usageCount = 0
}

// SetPeriod replaces the current billing period bounds.
func (s *Subscription) SetPeriod(start, end time.Time) error {
	if end.Before(start) {
		return apperrors.NewValidationError("period end must not precede period start",
			map[string]any{"current_period_start": start, "current_period_end": end})
	}
	start = start.UTC()
	end = end.UTC()
	s.currentPeriodStart = &start
	s.currentPeriodEnd = &end
	return nil
}

// SetMetadata sets a metadata key-value pair.
func (s *Subscription) SetMetadata(key string, value any) {
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata[key] = value
}

// Snapshot exports the subscription fields for persistence.
func (s *Subscription) Snapshot() SubscriptionParams {
	return SubscriptionParams{
		ID:                 s.id,
		UserID:             s.userID,
		PlanID:             s.planID,
		Status:             s.status,
		StartDate:          s.startDate,
		EndDate:            s.endDate,
		CurrentPeriodStart: s.currentPeriodStart,
		CurrentPeriodEnd:   s.currentPeriodEnd,
		UsageCount:         s.usageCount,
		Metadata:           CloneMetadata(s.metadata),
	}
}
