package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"agentpay/internal/domain/billing"
	apperrors "agentpay/internal/shared/errors"
	"agentpay/internal/shared/id"
)

const (
	plansFile    = "payment_plans.json"
	subsFile     = "subscriptions.json"
	userSubsFile = "user_subscriptions.json"
	usageFile    = "usage_records.json"
	txsFile      = "transactions.json"
)

// File persists one JSON file per record type in a directory. Every file is
// a JSON object keyed by record id; user_subscriptions.json maps user_id to
// the user's active subscription id. Reads take a shared advisory lock,
// writes an exclusive one. Writes go to a sibling .tmp file and are renamed
// into place; inside a storage transaction the rename is deferred to commit.
type File struct {
	mu  sync.Mutex
	dir string

	inTx   bool
	staged map[string]bool // file names with a pending .tmp
}

// NewFile opens (and creates if needed) the storage directory.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, apperrors.NewConfigurationError("storage directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.NewStorageError("cannot create storage directory",
			map[string]any{"dir": dir}).WithCause(err)
	}
	return &File{dir: dir, staged: make(map[string]bool)}, nil
}

// Capabilities implements Storage.
func (f *File) Capabilities() Capabilities {
	return Capabilities{
		SupportsTransactions:   true,
		SupportsBulkOperations: false,
		MaxDataSize:            DefaultMaxDataSize,
	}
}

// withLock runs fn while holding the directory lock file. Shared for reads,
// exclusive for writes.
func (f *File) withLock(exclusive bool, fn func() error) error {
	lockPath := filepath.Join(f.dir, ".lock")
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return apperrors.NewStorageError("cannot open lock file",
			map[string]any{"path": lockPath}).WithCause(err)
	}
	defer lf.Close()

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(lf.Fd()), how); err != nil {
		return apperrors.NewStorageError("cannot acquire file lock",
			map[string]any{"path": lockPath}).WithCause(err)
	}
	defer unix.Flock(int(lf.Fd()), unix.LOCK_UN)

	return fn()
}

// readMap decodes the named file into out. A staged .tmp shadows the real
// file so in-transaction reads see pending writes. A missing file reads as
// empty.
func (f *File) readMap(name string, out any) error {
	path := filepath.Join(f.dir, name)
	if f.staged[name] {
		path += ".tmp"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.NewStorageError("cannot read storage file",
			map[string]any{"file": name}).WithCause(err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.NewStorageError("corrupt storage file",
			map[string]any{"file": name}).WithCause(err)
	}
	return nil
}

// writeMap serializes v to the named file's .tmp sibling. Outside a
// transaction it is renamed into place immediately; inside one the rename
// happens on commit.
func (f *File) writeMap(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperrors.NewStorageError("cannot serialize storage file",
			map[string]any{"file": name}).WithCause(err)
	}
	path := filepath.Join(f.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.NewStorageError("cannot write storage file",
			map[string]any{"file": name}).WithCause(err)
	}
	if f.inTx {
		f.staged[name] = true
		return nil
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperrors.NewStorageError("cannot commit storage file",
			map[string]any{"file": name}).WithCause(err)
	}
	return nil
}

// --- plans ---

func (f *File) SavePlan(ctx context.Context, plan *billing.Plan) error {
	snap := plan.Snapshot()
	if err := checkRecordSize(snap, f.Capabilities().MaxDataSize); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.withLock(true, func() error {
		plans := make(map[string]billing.PlanParams)
		if err := f.readMap(plansFile, &plans); err != nil {
			return err
		}
		plans[snap.ID] = snap
		return f.writeMap(plansFile, plans)
	})
}

func (f *File) GetPlan(ctx context.Context, planID string) (*billing.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found *billing.PlanParams
	err := f.withLock(false, func() error {
		plans := make(map[string]billing.PlanParams)
		if err := f.readMap(plansFile, &plans); err != nil {
			return err
		}
		if p, ok := plans[planID]; ok {
			found = &p
		}
		return nil
	})
	if err != nil || found == nil {
		return nil, err
	}
	return billing.ReconstructPlan(*found)
}

func (f *File) ListPlans(ctx context.Context) ([]*billing.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	plans := make(map[string]billing.PlanParams)
	if err := f.withLock(false, func() error {
		return f.readMap(plansFile, &plans)
	}); err != nil {
		return nil, err
	}
	params := make([]billing.PlanParams, 0, len(plans))
	for _, p := range plans {
		params = append(params, p)
	}
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

func (f *File) SaveSubscription(ctx context.Context, sub *billing.Subscription) error {
	snap := sub.Snapshot()
	if err := checkRecordSize(snap, f.Capabilities().MaxDataSize); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.withLock(true, func() error {
		subs := make(map[string]billing.SubscriptionParams)
		if err := f.readMap(subsFile, &subs); err != nil {
			return err
		}
		userSubs := make(map[string]string)
		if err := f.readMap(userSubsFile, &userSubs); err != nil {
			return err
		}
		subs[snap.ID] = snap
		if snap.Status == billing.SubscriptionStatusActive {
			userSubs[snap.UserID] = snap.ID
		} else if userSubs[snap.UserID] == snap.ID {
			delete(userSubs, snap.UserID)
		}
		if err := f.writeMap(subsFile, subs); err != nil {
			return err
		}
		return f.writeMap(userSubsFile, userSubs)
	})
}

func (f *File) GetSubscription(ctx context.Context, subID string) (*billing.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found *billing.SubscriptionParams
	err := f.withLock(false, func() error {
		subs := make(map[string]billing.SubscriptionParams)
		if err := f.readMap(subsFile, &subs); err != nil {
			return err
		}
		if s, ok := subs[subID]; ok {
			found = &s
		}
		return nil
	})
	if err != nil || found == nil {
		return nil, err
	}
	return billing.ReconstructSubscription(*found)
}

func (f *File) GetUserSubscription(ctx context.Context, userID string) (*billing.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found *billing.SubscriptionParams
	err := f.withLock(false, func() error {
		subs := make(map[string]billing.SubscriptionParams)
		if err := f.readMap(subsFile, &subs); err != nil {
			return err
		}
		userSubs := make(map[string]string)
		if err := f.readMap(userSubsFile, &userSubs); err != nil {
			return err
		}
		if subID, ok := userSubs[userID]; ok {
			if s, ok := subs[subID]; ok && s.Status == billing.SubscriptionStatusActive {
				found = &s
				return nil
			}
		}
		for _, s := range subs {
			if s.UserID == userID && s.Status == billing.SubscriptionStatusActive {
				cp := s
				found = &cp
				return nil
			}
		}
		return nil
	})
	if err != nil || found == nil {
		return nil, err
	}
	return billing.ReconstructSubscription(*found)
}

// --- usage ---

func (f *File) SaveUsage(ctx context.Context, rec *billing.UsageRecord) error {
	snap := rec.Snapshot()
	if err := checkRecordSize(snap, f.Capabilities().MaxDataSize); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.withLock(true, func() error {
		usage := make(map[string]billing.UsageRecordParams)
		if err := f.readMap(usageFile, &usage); err != nil {
			return err
		}
		usage[snap.ID] = snap
		return f.writeMap(usageFile, usage)
	})
}

func (f *File) GetUserUsage(ctx context.Context, userID string, from, to *time.Time) ([]*billing.UsageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	usage := make(map[string]billing.UsageRecordParams)
	if err := f.withLock(false, func() error {
		return f.readMap(usageFile, &usage)
	}); err != nil {
		return nil, err
	}
	params := make([]billing.UsageRecordParams, 0)
	for _, r := range usage {
		if r.UserID != userID || !usageInRange(r.Timestamp, from, to) {
			continue
		}
		params = append(params, r)
	}
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

func (f *File) SaveTransaction(ctx context.Context, tx *billing.Transaction) error {
	snap := tx.Snapshot()
	if err := checkRecordSize(snap, f.Capabilities().MaxDataSize); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.withLock(true, func() error {
		txs := make(map[string]billing.TransactionParams)
		if err := f.readMap(txsFile, &txs); err != nil {
			return err
		}
		if _, exists := txs[snap.ID]; exists {
			return apperrors.NewDuplicateError("transaction already exists",
				map[string]any{"transaction_id": snap.ID})
		}
		txs[snap.ID] = snap
		return f.writeMap(txsFile, txs)
	})
}

func (f *File) UpdateTransaction(ctx context.Context, tx *billing.Transaction) error {
	snap := tx.Snapshot()
	if err := checkRecordSize(snap, f.Capabilities().MaxDataSize); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.withLock(true, func() error {
		txs := make(map[string]billing.TransactionParams)
		if err := f.readMap(txsFile, &txs); err != nil {
			return err
		}
		if _, exists := txs[snap.ID]; !exists {
			return apperrors.NewStorageError("transaction not found",
				map[string]any{"transaction_id": snap.ID})
		}
		txs[snap.ID] = snap
		return f.writeMap(txsFile, txs)
	})
}

func (f *File) GetTransaction(ctx context.Context, txID string) (*billing.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found *billing.TransactionParams
	err := f.withLock(false, func() error {
		txs := make(map[string]billing.TransactionParams)
		if err := f.readMap(txsFile, &txs); err != nil {
			return err
		}
		if t, ok := txs[txID]; ok {
			found = &t
		}
		return nil
	})
	if err != nil || found == nil {
		return nil, err
	}
	return billing.ReconstructTransaction(*found)
}

func (f *File) ListTransactions(ctx context.Context, opts ListTransactionsOptions) ([]*billing.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txs := make(map[string]billing.TransactionParams)
	if err := f.withLock(false, func() error {
		return f.readMap(txsFile, &txs)
	}); err != nil {
		return nil, err
	}
	params := make([]billing.TransactionParams, 0)
	for _, t := range txs {
		if transactionMatches(t, opts) {
			params = append(params, t)
		}
	}
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

func (f *File) BeginTransaction(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inTx {
		return errTransactionOpen()
	}
	f.inTx = true
	f.staged = make(map[string]bool)
	return nil
}

// Commit renames every staged .tmp file into place.
func (f *File) Commit(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.inTx {
		return errNoTransaction()
	}
	err := f.withLock(true, func() error {
		for name := range f.staged {
			path := filepath.Join(f.dir, name)
			if renameErr := os.Rename(path+".tmp", path); renameErr != nil {
				return apperrors.NewStorageError("cannot commit storage file",
					map[string]any{"file": name}).WithCause(renameErr)
			}
		}
		return nil
	})
	f.inTx = false
	f.staged = make(map[string]bool)
	return err
}

// Rollback discards every staged .tmp file.
func (f *File) Rollback(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.inTx {
		return errNoTransaction()
	}
	for name := range f.staged {
		os.Remove(filepath.Join(f.dir, name) + ".tmp")
	}
	f.inTx = false
	f.staged = make(map[string]bool)
	return nil
}

// HealthCheck implements Storage: save, read back, compare, scrub.
func (f *File) HealthCheck(ctx context.Context) error {
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
	if err := f.SaveTransaction(ctx, scratch); err != nil {
		return apperrors.NewStorageError("health check: write failed").WithCause(err)
	}
	defer f.deleteTransaction(scratchID)
	got, err := f.GetTransaction(ctx, scratchID)
	if err != nil {
		return apperrors.NewStorageError("health check: read failed").WithCause(err)
	}
	if got == nil || got.ID() != scratchID || got.Status() != billing.TransactionStatusPending {
		return apperrors.NewStorageError("health check: round-trip mismatch",
			map[string]any{"transaction_id": scratchID})
	}
	return nil
}

func (f *File) deleteTransaction(txID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.withLock(true, func() error {
		txs := make(map[string]billing.TransactionParams)
		if err := f.readMap(txsFile, &txs); err != nil {
			return err
		}
		delete(txs, txID)
		return f.writeMap(txsFile, txs)
	})
}

func (f *File) Close() error { return nil }
