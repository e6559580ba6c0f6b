package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"agentpay/internal/domain/billing"
	apperrors "agentpay/internal/shared/errors"
	"agentpay/internal/shared/id"
)

// SQL is the SQLite backend. Plans, subscriptions, and usage records are
// upserted; transactions are insert-only (a duplicate id is an error) so
// the placeholder protocol can rely on first-writer-wins. Storage
// transactions map to native BEGIN/COMMIT/ROLLBACK.
type SQL struct {
	db *gorm.DB

	mu sync.Mutex
	tx *gorm.DB
}

// NewSQL opens (creating if needed) the SQLite database at path and
// migrates the schema.
func NewSQL(path string) (*SQL, error) {
	if path == "" {
		return nil, apperrors.NewConfigurationError("database path is required")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, apperrors.NewStorageError("cannot open database",
			map[string]any{"path": path}).WithCause(err)
	}
	if err := db.AutoMigrate(
		&planModel{}, &subscriptionModel{}, &usageModel{}, &transactionModel{},
	); err != nil {
		return nil, apperrors.NewStorageError("schema migration failed").WithCause(err)
	}
	return &SQL{db: db}, nil
}

// Capabilities implements Storage.
func (s *SQL) Capabilities() Capabilities {
	return Capabilities{
		SupportsTransactions:   true,
		SupportsBulkOperations: true,
		MaxDataSize:            DefaultMaxDataSize,
	}
}

// conn returns the open storage transaction when one is active, otherwise
// the base connection.
func (s *SQL) conn(ctx context.Context) *gorm.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return s.tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

// --- plans ---

func (s *SQL) SavePlan(ctx context.Context, plan *billing.Plan) error {
	snap := plan.Snapshot()
	if err := checkRecordSize(snap, s.Capabilities().MaxDataSize); err != nil {
		return err
	}
	m := planToModel(snap)
	if err := s.conn(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&m).Error; err != nil {
		return apperrors.NewStorageError("cannot save plan",
			map[string]any{"plan_id": snap.ID}).WithCause(err)
	}
	return nil
}

func (s *SQL) GetPlan(ctx context.Context, planID string) (*billing.Plan, error) {
	var m planModel
	err := s.conn(ctx).First(&m, "id = ?", planID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageError("cannot load plan",
			map[string]any{"plan_id": planID}).WithCause(err)
	}
	params, err := planFromModel(m)
	if err != nil {
		return nil, err
	}
	return billing.ReconstructPlan(params)
}

func (s *SQL) ListPlans(ctx context.Context) ([]*billing.Plan, error) {
	var models []planModel
	if err := s.conn(ctx).Order("id ASC").Find(&models).Error; err != nil {
		return nil, apperrors.NewStorageError("cannot list plans").WithCause(err)
	}
	out := make([]*billing.Plan, 0, len(models))
	for _, m := range models {
		params, err := planFromModel(m)
		if err != nil {
			return nil, err
		}
		plan, err := billing.ReconstructPlan(params)
		if err != nil {
			return nil, err
		}
		out = append(out, plan)
	}
	return out, nil
}

// --- subscriptions ---

func (s *SQL) SaveSubscription(ctx context.Context, sub *billing.Subscription) error {
	snap := sub.Snapshot()
	if err := checkRecordSize(snap, s.Capabilities().MaxDataSize); err != nil {
		return err
	}
	m := subscriptionToModel(snap)
	if err := s.conn(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&m).Error; err != nil {
		return apperrors.NewStorageError("cannot save subscription",
			map[string]any{"subscription_id": snap.ID}).WithCause(err)
	}
	return nil
}

func (s *SQL) GetSubscription(ctx context.Context, subID string) (*billing.Subscription, error) {
	var m subscriptionModel
	err := s.conn(ctx).First(&m, "id = ?", subID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageError("cannot load subscription",
			map[string]any{"subscription_id": subID}).WithCause(err)
	}
	return billing.ReconstructSubscription(subscriptionFromModel(m))
}

func (s *SQL) GetUserSubscription(ctx context.Context, userID string) (*billing.Subscription, error) {
	var m subscriptionModel
	err := s.conn(ctx).
		Where("user_id = ? AND status = ?", userID, string(billing.SubscriptionStatusActive)).
		Order("start_date DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageError("cannot load user subscription",
			map[string]any{"user_id": userID}).WithCause(err)
	}
	return billing.ReconstructSubscription(subscriptionFromModel(m))
}

// --- usage ---

func (s *SQL) SaveUsage(ctx context.Context, rec *billing.UsageRecord) error {
	snap := rec.Snapshot()
	if err := checkRecordSize(snap, s.Capabilities().MaxDataSize); err != nil {
		return err
	}
	m := usageToModel(snap)
	if err := s.conn(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&m).Error; err != nil {
		return apperrors.NewStorageError("cannot save usage record",
			map[string]any{"usage_id": snap.ID}).WithCause(err)
	}
	return nil
}

func (s *SQL) GetUserUsage(ctx context.Context, userID string, from, to *time.Time) ([]*billing.UsageRecord, error) {
	q := s.conn(ctx).Where("user_id = ?", userID)
	if from != nil {
		q = q.Where("timestamp >= ?", *from)
	}
	if to != nil {
		q = q.Where("timestamp <= ?", *to)
	}
	var models []usageModel
	if err := q.Order("timestamp ASC").Find(&models).Error; err != nil {
		return nil, apperrors.NewStorageError("cannot list usage records",
			map[string]any{"user_id": userID}).WithCause(err)
	}
	out := make([]*billing.UsageRecord, 0, len(models))
	for _, m := range models {
		params, err := usageFromModel(m)
		if err != nil {
			return nil, err
		}
		rec, err := billing.ReconstructUsageRecord(params)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// --- transactions ---

func (s *SQL) SaveTransaction(ctx context.Context, tx *billing.Transaction) error {
	snap := tx.Snapshot()
	if err := checkRecordSize(snap, s.Capabilities().MaxDataSize); err != nil {
		return err
	}
	m := transactionToModel(snap)
	if err := s.conn(ctx).Create(&m).Error; err != nil {
		if apperrors.IsDuplicateError(err) {
			return apperrors.NewDuplicateError("transaction already exists",
				map[string]any{"transaction_id": snap.ID}).WithCause(err)
		}
		return apperrors.NewStorageError("cannot save transaction",
			map[string]any{"transaction_id": snap.ID}).WithCause(err)
	}
	return nil
}

func (s *SQL) UpdateTransaction(ctx context.Context, tx *billing.Transaction) error {
	snap := tx.Snapshot()
	if err := checkRecordSize(snap, s.Capabilities().MaxDataSize); err != nil {
		return err
	}
	conn := s.conn(ctx)
	var count int64
	if err := conn.Model(&transactionModel{}).Where("id = ?", snap.ID).Count(&count).Error; err != nil {
		return apperrors.NewStorageError("cannot load transaction",
			map[string]any{"transaction_id": snap.ID}).WithCause(err)
	}
	if count == 0 {
		return apperrors.NewStorageError("transaction not found",
			map[string]any{"transaction_id": snap.ID})
	}
	m := transactionToModel(snap)
	if err := conn.Save(&m).Error; err != nil {
		return apperrors.NewStorageError("cannot update transaction",
			map[string]any{"transaction_id": snap.ID}).WithCause(err)
	}
	return nil
}

func (s *SQL) GetTransaction(ctx context.Context, txID string) (*billing.Transaction, error) {
	var m transactionModel
	err := s.conn(ctx).First(&m, "id = ?", txID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageError("cannot load transaction",
			map[string]any{"transaction_id": txID}).WithCause(err)
	}
	params, err := transactionFromModel(m)
	if err != nil {
		return nil, err
	}
	return billing.ReconstructTransaction(params)
}

func (s *SQL) ListTransactions(ctx context.Context, opts ListTransactionsOptions) ([]*billing.Transaction, error) {
	q := s.conn(ctx).Model(&transactionModel{})
	if opts.UserID != "" {
		q = q.Where("user_id = ?", opts.UserID)
	}
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	var models []transactionModel
	if err := q.Order("created_at DESC, id ASC").Find(&models).Error; err != nil {
		return nil, apperrors.NewStorageError("cannot list transactions").WithCause(err)
	}
	out := make([]*billing.Transaction, 0, len(models))
	for _, m := range models {
		params, err := transactionFromModel(m)
		if err != nil {
			return nil, err
		}
		tx, err := billing.ReconstructTransaction(params)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

// --- transaction scope ---

func (s *SQL) BeginTransaction(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return errTransactionOpen()
	}
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return apperrors.NewStorageError("cannot begin transaction").WithCause(tx.Error)
	}
	s.tx = tx
	return nil
}

func (s *SQL) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return errNoTransaction()
	}
	err := s.tx.Commit().Error
	s.tx = nil
	if err != nil {
		return apperrors.NewStorageError("commit failed").WithCause(err)
	}
	return nil
}

func (s *SQL) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return errNoTransaction()
	}
	err := s.tx.Rollback().Error
	s.tx = nil
	if err != nil {
		return apperrors.NewStorageError("rollback failed").WithCause(err)
	}
	return nil
}

// HealthCheck implements Storage: save, read back, compare, scrub.
func (s *SQL) HealthCheck(ctx context.Context) error {
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
	if err := s.SaveTransaction(ctx, scratch); err != nil {
		return apperrors.NewStorageError("health check: write failed").WithCause(err)
	}
	defer s.conn(ctx).Delete(&transactionModel{}, "id = ?", scratchID)
	got, err := s.GetTransaction(ctx, scratchID)
	if err != nil {
		return apperrors.NewStorageError("health check: read failed").WithCause(err)
	}
	if got == nil || got.ID() != scratchID || got.Status() != billing.TransactionStatusPending {
		return apperrors.NewStorageError("health check: round-trip mismatch",
			map[string]any{"transaction_id": scratchID})
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SQL) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
