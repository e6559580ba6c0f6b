package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"agentpay/internal/domain/billing"
	apperrors "agentpay/internal/shared/errors"
	"agentpay/internal/shared/id"
)

// Memory is the in-memory backend for tests and development. All maps are
// guarded by one mutex; a storage transaction snapshots every map on begin
// and restores them on rollback. One transaction at a time.
type Memory struct {
	mu sync.Mutex

	plans    map[string]billing.PlanParams
	subs     map[string]billing.SubscriptionParams
	userSubs map[string]string // user_id -> active subscription id
	usage    map[string]billing.UsageRecordParams
	txs      map[string]billing.TransactionParams

	snapshot *memorySnapshot
}

type memorySnapshot struct {
	plans    map[string]billing.PlanParams
	subs     map[string]billing.SubscriptionParams
	userSubs map[string]string
	usage    map[string]billing.UsageRecordParams
	txs      map[string]billing.TransactionParams
}

// NewMemory builds an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		plans:    make(map[string]billing.PlanParams),
		subs:     make(map[string]billing.SubscriptionParams),
		userSubs: make(map[string]string),
		usage:    make(map[string]billing.UsageRecordParams),
		txs:      make(map[string]billing.TransactionParams),
	}
}

// Capabilities implements Storage.
func (m *Memory) Capabilities() Capabilities {
	return Capabilities{
		SupportsTransactions:   true,
		SupportsBulkOperations: true,
		MaxDataSize:            DefaultMaxDataSize,
	}
}

// --- plans ---

func (m *Memory) SavePlan(ctx context.Context, plan *billing.Plan) error {
	snap := plan.Snapshot()
	if err := checkRecordSize(snap, m.Capabilities().MaxDataSize); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[snap.ID] = snap
	return nil
}

func (m *Memory) GetPlan(ctx context.Context, planID string) (*billing.Plan, error) {
	m.mu.Lock()
	p, ok := m.plans[planID]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return billing.ReconstructPlan(clonePlanParams(p))
}

func (m *Memory) ListPlans(ctx context.Context) ([]*billing.Plan, error) {
	m.mu.Lock()
	params := make([]billing.PlanParams, 0, len(m.plans))
	for _, p := range m.plans {
		params = append(params, clonePlanParams(p))
	}
	m.mu.Unlock()

	sortPlansByID(params)
	out := make([]*billing.Plan, 0, len(params))
	for _, p := range params {
		plan, err := billing.ReconstructPlan(p)
		if err != nil {
			return nil, err
		}
		out = append(out, plan)
	}
	return out, nil
}

// --- subscriptions ---

func (m *Memory) SaveSubscription(ctx context.Context, sub *billing.Subscription) error {
	snap := sub.Snapshot()
	if err := checkRecordSize(snap, m.Capabilities().MaxDataSize); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[snap.ID] = snap
	if snap.Status == billing.SubscriptionStatusActive {
		m.userSubs[snap.UserID] = snap.ID
	} else if m.userSubs[snap.UserID] == snap.ID {
		delete(m.userSubs, snap.UserID)
	}
	return nil
}

func (m *Memory) GetSubscription(ctx context.Context, subID string) (*billing.Subscription, error) {
	m.mu.Lock()
	s, ok := m.subs[subID]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return billing.ReconstructSubscription(cloneSubscriptionParams(s))
}

func (m *Memory) GetUserSubscription(ctx context.Context, userID string) (*billing.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subID, ok := m.userSubs[userID]; ok {
		if s, ok := m.subs[subID]; ok && s.Status == billing.SubscriptionStatusActive {
			return billing.ReconstructSubscription(cloneSubscriptionParams(s))
		}
	}
	// Index miss: fall back to a scan so externally reconstructed state
	// still resolves.
	for _, s := range m.subs {
		if s.UserID == userID && s.Status == billing.SubscriptionStatusActive {
			return billing.ReconstructSubscription(cloneSubscriptionParams(s))
		}
	}
	return nil, nil
}

// --- usage ---

func (m *Memory) SaveUsage(ctx context.Context, rec *billing.UsageRecord) error {
	snap := rec.Snapshot()
	if err := checkRecordSize(snap, m.Capabilities().MaxDataSize); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[snap.ID] = snap
	return nil
}

func (m *Memory) GetUserUsage(ctx context.Context, userID string, from, to *time.Time) ([]*billing.UsageRecord, error) {
	m.mu.Lock()
	params := make([]billing.UsageRecordParams, 0)
	for _, r := range m.usage {
		if r.UserID != userID {
			continue
		}
		if !usageInRange(r.Timestamp, from, to) {
			continue
		}
		params = append(params, cloneUsageParams(r))
	}
	m.mu.Unlock()

	sortUsageAsc(params)
	out := make([]*billing.UsageRecord, 0, len(params))
	for _, p := range params {
		rec, err := billing.ReconstructUsageRecord(p)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// --- transactions ---

func (m *Memory) SaveTransaction(ctx context.Context, tx *billing.Transaction) error {
	snap := tx.Snapshot()
	if err := checkRecordSize(snap, m.Capabilities().MaxDataSize); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.txs[snap.ID]; exists {
		return apperrors.NewDuplicateError("transaction already exists",
			map[string]any{"transaction_id": snap.ID})
	}
	m.txs[snap.ID] = snap
	return nil
}

func (m *Memory) UpdateTransaction(ctx context.Context, tx *billing.Transaction) error {
	snap := tx.Snapshot()
	if err := checkRecordSize(snap, m.Capabilities().MaxDataSize); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.txs[snap.ID]; !exists {
		return apperrors.NewStorageError("transaction not found",
			map[string]any{"transaction_id": snap.ID})
	}
	m.txs[snap.ID] = snap
	return nil
}

func (m *Memory) GetTransaction(ctx context.Context, txID string) (*billing.Transaction, error) {
	m.mu.Lock()
	t, ok := m.txs[txID]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return billing.ReconstructTransaction(cloneTransactionParams(t))
}

func (m *Memory) ListTransactions(ctx context.Context, opts ListTransactionsOptions) ([]*billing.Transaction, error) {
	m.mu.Lock()
	params := make([]billing.TransactionParams, 0)
	for _, t := range m.txs {
		if !transactionMatches(t, opts) {
			continue
		}
		params = append(params, cloneTransactionParams(t))
	}
	m.mu.Unlock()

	sortTransactionsDesc(params)
	if opts.Limit > 0 && len(params) > opts.Limit {
		params = params[:opts.Limit]
	}
	out := make([]*billing.Transaction, 0, len(params))
	for _, p := range params {
		tx, err := billing.ReconstructTransaction(p)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

// --- transaction scope ---

func (m *Memory) BeginTransaction(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot != nil {
		return errTransactionOpen()
	}
	m.snapshot = &memorySnapshot{
		plans:    clonePlanMap(m.plans),
		subs:     cloneSubMap(m.subs),
		userSubs: cloneStringMap(m.userSubs),
		usage:    cloneUsageMap(m.usage),
		txs:      cloneTxMap(m.txs),
	}
	return nil
}

func (m *Memory) Commit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot == nil {
		return errNoTransaction()
	}
	m.snapshot = nil
	return nil
}

func (m *Memory) Rollback(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot == nil {
		return errNoTransaction()
	}
	m.plans = m.snapshot.plans
	m.subs = m.snapshot.subs
	m.userSubs = m.snapshot.userSubs
	m.usage = m.snapshot.usage
	m.txs = m.snapshot.txs
	m.snapshot = nil
	return nil
}

// HealthCheck implements Storage: save, read back, compare, scrub.
func (m *Memory) HealthCheck(ctx context.Context) error {
	scratchID := "health-" + id.NewUUID()
	scratch, err := billing.NewTransaction(billing.TransactionParams{
		ID:            scratchID,
		UserID:        "health_check",
		Amount:        healthCheckAmount(),
		Currency:      "USD",
		PaymentMethod: "health_check",
	})
	if err != nil {
		return apperrors.NewStorageError("health check: cannot build scratch record").WithCause(err)
	}
	if err := m.SaveTransaction(ctx, scratch); err != nil {
		return apperrors.NewStorageError("health check: write failed").WithCause(err)
	}
	defer func() {
		m.mu.Lock()
		delete(m.txs, scratchID)
		m.mu.Unlock()
	}()
	got, err := m.GetTransaction(ctx, scratchID)
	if err != nil {
		return apperrors.NewStorageError("health check: read failed").WithCause(err)
	}
	if got == nil || got.ID() != scratchID || got.Status() != billing.TransactionStatusPending {
		return apperrors.NewStorageError("health check: round-trip mismatch",
			map[string]any{"transaction_id": scratchID})
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// --- helpers shared with the file backend ---

func usageInRange(ts time.Time, from, to *time.Time) bool {
	if from != nil && ts.Before(*from) {
		return false
	}
	if to != nil && ts.After(*to) {
		return false
	}
	return true
}

func transactionMatches(t billing.TransactionParams, opts ListTransactionsOptions) bool {
	if opts.UserID != "" && t.UserID != opts.UserID {
		return false
	}
	if opts.Status != "" && t.Status != opts.Status {
		return false
	}
	return true
}

func sortPlansByID(params []billing.PlanParams) {
	sort.Slice(params, func(i, j int) bool { return params[i].ID < params[j].ID })
}

func sortUsageAsc(params []billing.UsageRecordParams) {
	sort.Slice(params, func(i, j int) bool { return params[i].Timestamp.Before(params[j].Timestamp) })
}

func sortTransactionsDesc(params []billing.TransactionParams) {
	sort.Slice(params, func(i, j int) bool {
		if !params[i].CreatedAt.Equal(params[j].CreatedAt) {
			return params[i].CreatedAt.After(params[j].CreatedAt)
		}
		return params[i].ID < params[j].ID
	})
}

func clonePlanParams(p billing.PlanParams) billing.PlanParams {
	out := p
	if p.PricePerRequest != nil {
		d := *p.PricePerRequest
		out.PricePerRequest = &d
	}
	if p.BillingPeriod != nil {
		b := *p.BillingPeriod
		out.BillingPeriod = &b
	}
	if p.RequestsPerPeriod != nil {
		n := *p.RequestsPerPeriod
		out.RequestsPerPeriod = &n
	}
	out.Features = append([]string(nil), p.Features...)
	return out
}

func cloneSubscriptionParams(s billing.SubscriptionParams) billing.SubscriptionParams {
	out := s
	out.EndDate = cloneTimePtr(s.EndDate)
	out.CurrentPeriodStart = cloneTimePtr(s.CurrentPeriodStart)
	out.CurrentPeriodEnd = cloneTimePtr(s.CurrentPeriodEnd)
	out.Metadata = billing.CloneMetadata(s.Metadata)
	return out
}

func cloneUsageParams(r billing.UsageRecordParams) billing.UsageRecordParams {
	out := r
	if r.Cost != nil {
		d := *r.Cost
		out.Cost = &d
	}
	out.Metadata = billing.CloneMetadata(r.Metadata)
	return out
}

func cloneTransactionParams(t billing.TransactionParams) billing.TransactionParams {
	out := t
	out.CompletedAt = cloneTimePtr(t.CompletedAt)
	out.Metadata = billing.CloneMetadata(t.Metadata)
	return out
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func clonePlanMap(in map[string]billing.PlanParams) map[string]billing.PlanParams {
	out := make(map[string]billing.PlanParams, len(in))
	for k, v := range in {
		out[k] = clonePlanParams(v)
	}
	return out
}

func cloneSubMap(in map[string]billing.SubscriptionParams) map[string]billing.SubscriptionParams {
	out := make(map[string]billing.SubscriptionParams, len(in))
	for k, v := range in {
		out[k] = cloneSubscriptionParams(v)
	}
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneUsageMap(in map[string]billing.UsageRecordParams) map[string]billing.UsageRecordParams {
	out := make(map[string]billing.UsageRecordParams, len(in))
	for k, v := range in {
		out[k] = cloneUsageParams(v)
	}
	return out
}

func cloneTxMap(in map[string]billing.TransactionParams) map[string]billing.TransactionParams {
	out := make(map[string]billing.TransactionParams, len(in))
	for k, v := range in {
		out[k] = cloneTransactionParams(v)
	}
	return out
}
