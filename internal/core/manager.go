// Package core implements the access and billing decisions of the SDK:
// plan catalog, subscription lifecycle, usage accounting, and dispatch to
// the configured payment provider.
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"agentpay/internal/domain/billing"
	"agentpay/internal/provider"
	apperrors "agentpay/internal/shared/errors"
	"agentpay/internal/shared/biztime"
	"agentpay/internal/shared/id"
	"agentpay/internal/shared/logger"
	"agentpay/internal/shared/sanitize"
	"agentpay/internal/storage"
)

// Manager coordinates plans, subscriptions, usage and payments over one
// storage backend and one payment provider. The provider is optional; calls
// that need one fail with an invalid-payment-method error when it is absent.
type Manager struct {
	store storage.Storage
	prov  provider.PaymentProvider
	log   logger.Interface
}

// New builds a manager. Storage is required.
func New(store storage.Storage, prov provider.PaymentProvider, log logger.Interface) (*Manager, error) {
	if store == nil {
		return nil, apperrors.NewConfigurationError("storage backend is required")
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Manager{
		store: store,
		prov:  prov,
		log:   log.Named("core"),
	}, nil
}

// Storage exposes the backing store for health checks and CLI inspection.
func (m *Manager) Storage() storage.Storage { return m.store }

// Provider exposes the configured payment provider, nil when none is bound.
func (m *Manager) Provider() provider.PaymentProvider { return m.prov }

// CreatePaymentPlan validates and persists a plan.
func (m *Manager) CreatePaymentPlan(ctx context.Context, params billing.PlanParams) (*billing.Plan, error) {
	plan, err := billing.NewPlan(params)
	if err != nil {
		return nil, err
	}
	if err := m.store.SavePlan(ctx, plan); err != nil {
		return nil, err
	}
	m.log.Infow("payment plan created",
		"plan_id", plan.ID(), "payment_type", plan.PaymentType().String())
	return plan, nil
}

// ListPaymentPlans returns every stored plan.
func (m *Manager) ListPaymentPlans(ctx context.Context) ([]*billing.Plan, error) {
	return m.store.ListPlans(ctx)
}

// SubscribeUser binds a user to a plan. Subscription plans get their first
// billing period set to [now, now+period).
func (m *Manager) SubscribeUser(ctx context.Context, userID, planID string) (*billing.Subscription, error) {
	if err := sanitize.UserID(userID); err != nil {
		return nil, err
	}
	if err := sanitize.RequiredField("plan_id", planID, sanitize.MaxIDLength); err != nil {
		return nil, err
	}
	plan, err := m.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, apperrors.NewValidationError("unknown payment plan",
			map[string]any{"plan_id": planID})
	}
	if !plan.IsActive() {
		return nil, apperrors.NewValidationError("payment plan is not active",
			map[string]any{"plan_id": planID})
	}

	sub, err := billing.NewSubscription(billing.SubscriptionParams{
		UserID: userID,
		PlanID: planID,
	})
	if err != nil {
		return nil, err
	}
	if plan.PaymentType() == billing.PaymentTypeSubscription {
		start := sub.StartDate()
		end, err := biztime.AddBillingPeriod(start, plan.BillingPeriod().String())
		if err != nil {
			return nil, apperrors.NewValidationError("invalid billing period").WithCause(err)
		}
		if err := sub.SetPeriod(start, end); err != nil {
			return nil, err
		}
	}
	if err := m.store.SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}
	m.log.Infow("user subscribed",
		"user_id", userID, "plan_id", planID, "subscription_id", sub.ID())
	return sub, nil
}

// CancelUserSubscription cancels the user's active subscription.
func (m *Manager) CancelUserSubscription(ctx context.Context, userID string) error {
	if err := sanitize.UserID(userID); err != nil {
		return err
	}
	sub, err := m.store.GetUserSubscription(ctx, userID)
	if err != nil {
		return err
	}
	if sub == nil {
		return apperrors.NewValidationError("user has no active subscription",
			map[string]any{"user_id": userID})
	}
	if err := sub.SetStatus(billing.SubscriptionStatusCancelled); err != nil {
		return err
	}
	if err := m.store.SaveSubscription(ctx, sub); err != nil {
		return err
	}
	m.log.Infow("subscription cancelled", "user_id", userID, "subscription_id", sub.ID())
	return nil
}

// CheckAccess decides whether the user may use the feature right now. The
// decision never mutates state; quota consumption happens in RecordUsage.
func (m *Manager) CheckAccess(ctx context.Context, userID, feature string) (bool, error) {
	if err := sanitize.UserID(userID); err != nil {
		return false, err
	}
	if err := sanitize.Feature(feature); err != nil {
		return false, err
	}

	sub, err := m.store.GetUserSubscription(ctx, userID)
	if err != nil {
		return false, err
	}
	if sub == nil {
		return m.checkUnsubscribedAccess(ctx, userID, feature)
	}

	plan, err := m.store.GetPlan(ctx, sub.PlanID())
	if err != nil {
		return false, err
	}
	if plan == nil {
		m.log.Warnw("active subscription references a missing plan",
			"subscription_id", sub.ID(), "plan_id", sub.PlanID())
		return false, nil
	}
	if !plan.HasFeature(feature) {
		return false, nil
	}
	if plan.PaymentType() == billing.PaymentTypeFreemium &&
		plan.FreeRequests() > 0 && sub.UsageCount() >= plan.FreeRequests() {
		return false, nil
	}
	if plan.PaymentType() == billing.PaymentTypeSubscription {
		if limit := plan.RequestsPerPeriod(); limit != nil && sub.UsageCount() >= *limit {
			return false, nil
		}
		if !sub.IsActive() {
			return false, nil
		}
	}
	return true, nil
}

// checkUnsubscribedAccess grants the feature to users without a subscription
// when a freemium plan still has free requests left for them, or when a
// pay-per-use plan covers the feature. Pay-per-use access is always granted;
// payment is collected in RecordUsage.
func (m *Manager) checkUnsubscribedAccess(ctx context.Context, userID, feature string) (bool, error) {
	plans, err := m.store.ListPlans(ctx)
	if err != nil {
		return false, err
	}
	var freemiumCandidate *billing.Plan
	for _, plan := range plans {
		if !plan.IsActive() || !plan.HasFeature(feature) {
			continue
		}
		switch plan.PaymentType() {
		case billing.PaymentTypePayPerUse:
			return true, nil
		case billing.PaymentTypeFreemium:
			if freemiumCandidate == nil {
				freemiumCandidate = plan
			}
		}
	}
	if freemiumCandidate == nil {
		return false, nil
	}
	used, err := m.countUsage(ctx, userID, feature)
	if err != nil {
		return false, err
	}
	return used < freemiumCandidate.FreeRequests(), nil
}

func (m *Manager) countUsage(ctx context.Context, userID, feature string) (int, error) {
	records, err := m.store.GetUserUsage(ctx, userID, nil, nil)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, r := range records {
		if r.Feature() == feature {
			count++
		}
	}
	return count, nil
}

// RecordUsage accounts one use of a feature. Subscribed users have their
// usage counter bumped and a usage record stored inside one storage
// transaction. Unsubscribed users on a pay-per-use plan are charged through
// the provider first; a provider failure surfaces as a payment error and no
// usage is recorded.
func (m *Manager) RecordUsage(ctx context.Context, userID, feature string, cost *decimal.Decimal) error {
	if err := sanitize.UserID(userID); err != nil {
		return err
	}
	if err := sanitize.Feature(feature); err != nil {
		return err
	}

	sub, err := m.store.GetUserSubscription(ctx, userID)
	if err != nil {
		return err
	}
	if sub != nil {
		return m.recordSubscribedUsage(ctx, sub, userID, feature, cost)
	}
	return m.recordPayPerUse(ctx, userID, feature, cost)
}

func (m *Manager) recordSubscribedUsage(ctx context.Context, sub *billing.Subscription, userID, feature string, cost *decimal.Decimal) error {
	currency := "USD"
	if plan, err := m.store.GetPlan(ctx, sub.PlanID()); err == nil && plan != nil {
		currency = plan.Currency()
	}
	record, err := m.newUsageRecord(userID, feature, cost, currency, nil)
	if err != nil {
		return err
	}

	transactional := m.store.Capabilities().SupportsTransactions
	if transactional {
		if err := m.store.BeginTransaction(ctx); err != nil {
			return err
		}
	}
	commit := func(err error) error {
		if !transactional {
			return err
		}
		if err != nil {
			if rbErr := m.store.Rollback(ctx); rbErr != nil {
				m.log.Errorw("rollback failed", "error", rbErr)
			}
			return err
		}
		return m.store.Commit(ctx)
	}

	sub.IncrementUsage()
	if err := m.store.SaveSubscription(ctx, sub); err != nil {
		return commit(err)
	}
	if err := m.store.SaveUsage(ctx, record); err != nil {
		return commit(err)
	}
	return commit(nil)
}

func (m *Manager) recordPayPerUse(ctx context.Context, userID, feature string, cost *decimal.Decimal) error {
	plan, err := m.payPerUsePlanFor(ctx, feature)
	if err != nil {
		return err
	}
	if plan == nil {
		return apperrors.NewPaymentRequiredError("no plan covers this feature",
			map[string]any{"user_id": userID, "feature": feature})
	}

	price := plan.Price()
	if per := plan.PricePerRequest(); per != nil {
		price = *per
	}
	if cost != nil {
		price = *cost
	}

	var meta map[string]any
	if price.IsPositive() {
		if m.prov == nil {
			return apperrors.NewInvalidPaymentMethodError("no payment provider configured",
				map[string]any{"feature": feature})
		}
		tx, err := m.prov.ProcessPayment(ctx, userID, price, plan.Currency(), map[string]any{
			"feature": feature,
			"plan_id": plan.ID(),
		})
		if err != nil {
			if apperrors.IsPaymentFailed(err) {
				return err
			}
			return apperrors.NewPaymentFailedError("pay-per-use charge failed",
				map[string]any{"user_id": userID, "feature": feature}).WithCause(err)
		}
		meta = map[string]any{"transaction_id": tx.ID()}
	}

	record, err := m.newUsageRecord(userID, feature, &price, plan.Currency(), meta)
	if err != nil {
		return err
	}
	return m.store.SaveUsage(ctx, record)
}

func (m *Manager) payPerUsePlanFor(ctx context.Context, feature string) (*billing.Plan, error) {
	plans, err := m.store.ListPlans(ctx)
	if err != nil {
		return nil, err
	}
	for _, plan := range plans {
		if plan.IsActive() && plan.PaymentType() == billing.PaymentTypePayPerUse && plan.HasFeature(feature) {
			return plan, nil
		}
	}
	return nil, nil
}

func (m *Manager) newUsageRecord(userID, feature string, cost *decimal.Decimal, currency string, metadata map[string]any) (*billing.UsageRecord, error) {
	return billing.NewUsageRecord(billing.UsageRecordParams{
		ID:       id.MustGenerateWithPrefix(id.PrefixUsage, id.DefaultLength),
		UserID:   userID,
		Feature:  feature,
		Cost:     cost,
		Currency: currency,
		Metadata: metadata,
	})
}

// ProcessPayment charges the user through the configured provider.
func (m *Manager) ProcessPayment(ctx context.Context, userID string, amount decimal.Decimal, currency string, metadata map[string]any) (*billing.Transaction, error) {
	if m.prov == nil {
		return nil, apperrors.NewInvalidPaymentMethodError("no payment provider configured")
	}
	return m.prov.ProcessPayment(ctx, userID, amount, currency, metadata)
}

// GetUserUsage lists the user's usage records, oldest first, optionally
// bounded by [from, to].
func (m *Manager) GetUserUsage(ctx context.Context, userID string, from, to *time.Time) ([]*billing.UsageRecord, error) {
	if err := sanitize.UserID(userID); err != nil {
		return nil, err
	}
	return m.store.GetUserUsage(ctx, userID, from, to)
}

// GetUserSubscription returns the user's active subscription, nil when none.
func (m *Manager) GetUserSubscription(ctx context.Context, userID string) (*billing.Subscription, error) {
	if err := sanitize.UserID(userID); err != nil {
		return nil, err
	}
	return m.store.GetUserSubscription(ctx, userID)
}
