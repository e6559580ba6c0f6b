package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"agentpay/internal/shared/biztime"
	"agentpay/internal/shared/id"
	"agentpay/internal/shared/sanitize"
)

// UsageRecord is one billable or free event. A nil cost means free.
type UsageRecord struct {
	id        string
	userID    string
	feature   string
	timestamp time.Time
	cost      *decimal.Decimal
	currency  string
	metadata  map[string]any
}

// UsageRecordParams carries usage record fields across construction and
// persistence boundaries.
type UsageRecordParams struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Feature   string           `json:"feature"`
	Timestamp time.Time        `json:"timestamp"`
	Cost      *decimal.Decimal `json:"cost,omitempty"`
	Currency  string           `json:"currency"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// NewUsageRecord validates and builds a usage record. An empty ID gets a
// generated one; a zero timestamp defaults to now.
func NewUsageRecord(p UsageRecordParams) (*UsageRecord, error) {
	if p.ID == "" {
		p.ID = id.MustGenerateWithPrefix(id.PrefixUsage, id.DefaultLength)
	}
	if err := sanitize.UserID(p.UserID); err != nil {
		return nil, err
	}
	if err := sanitize.Feature(p.Feature); err != nil {
		return nil, err
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = biztime.NowUTC()
	}
	if p.Cost != nil {
		if err := validateAmountForCurrency("cost", *p.Cost, p.Currency); err != nil {
			return nil, err
		}
	}
	if err := ValidateMetadataJSON(p.Metadata); err != nil {
		return nil, err
	}

	metadata := p.Metadata
	if metadata == nil {
		metadata = make(map[string]any)
	}

	return &UsageRecord{
		id:        p.ID,
		userID:    p.UserID,
		feature:   p.Feature,
		timestamp: p.Timestamp.UTC(),
		cost:      p.Cost,
		currency:  p.Currency,
		metadata:  metadata,
	}, nil
}

// ReconstructUsageRecord rebuilds a usage record from persistence.
func ReconstructUsageRecord(p UsageRecordParams) (*UsageRecord, error) {
	metadata := p.Metadata
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &UsageRecord{
		id:        p.ID,
		userID:    p.UserID,
		feature:   p.Feature,
		timestamp: p.Timestamp.UTC(),
		cost:      p.Cost,
		currency:  p.Currency,
		metadata:  metadata,
	}, nil
}

func (r *UsageRecord) ID() string              { return r.id }
func (r *UsageRecord) UserID() string          { return r.userID }
func (r *UsageRecord) Feature() string         { return r.feature }
func (r *UsageRecord) Timestamp() time.Time    { return r.timestamp }
func (r *UsageRecord) Cost() *decimal.Decimal  { return r.cost }
func (r *UsageRecord) Currency() string        { return r.currency }
func (r *UsageRecord) Metadata() map[string]any { return r.metadata }

// IsFree reports whether the event carried no cost.
func (r *UsageRecord) IsFree() bool {
	return r.cost == nil
}

// Snapshot exports the usage record fields for persistence.
func (r *UsageRecord) Snapshot() UsageRecordParams {
	return UsageRecordParams{
		ID:        r.id,
		UserID:    r.userID,
		Feature:   r.feature,
		Timestamp: r.timestamp,
		Cost:      r.cost,
		Currency:  r.currency,
		Metadata:  CloneMetadata(r.metadata),
	}
}
