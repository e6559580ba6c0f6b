package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"agentpay/internal/domain/billing"
	apperrors "agentpay/internal/shared/errors"
)

// JSONB stores a metadata map as JSON text in SQLite.
type JSONB map[string]any

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}
	if len(data) == 0 {
		*j = nil
		return nil
	}
	return json.Unmarshal(data, j)
}

// stringList stores an ordered string slice as JSON text.
type stringList []string

func (l stringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return json.Marshal(l)
}

func (l *stringList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported string list source type %T", value)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}

// Amounts are stored as decimal strings so no precision is lost in SQLite.

type planModel struct {
	ID                string `gorm:"primaryKey;size:100"`
	Name              string `gorm:"size:255;not null"`
	Description       string `gorm:"size:1000"`
	PaymentType       string `gorm:"size:32;not null"`
	Price             string `gorm:"size:64;not null"`
	Currency          string `gorm:"size:8;not null"`
	PricePerRequest   *string `gorm:"size:64"`
	BillingPeriod     *string `gorm:"size:16"`
	RequestsPerPeriod *int
	FreeRequests      int
	Features          stringList `gorm:"type:text"`
	IsActive          bool
	CreatedAt         time.Time
}

func (planModel) TableName() string { return "payment_plans" }

type subscriptionModel struct {
	ID                 string `gorm:"primaryKey;size:100"`
	UserID             string `gorm:"size:255;not null;index"`
	PlanID             string `gorm:"size:100;not null"`
	Status             string `gorm:"size:16;not null;index"`
	StartDate          time.Time
	EndDate            *time.Time
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	UsageCount         int
	Metadata           JSONB `gorm:"type:text"`
}

func (subscriptionModel) TableName() string { return "subscriptions" }

type usageModel struct {
	ID        string `gorm:"primaryKey;size:100"`
	UserID    string `gorm:"size:255;not null;index"`
	Feature   string `gorm:"size:255;not null"`
	Timestamp time.Time `gorm:"index"`
	Cost      *string   `gorm:"size:64"`
	Currency  string    `gorm:"size:8"`
	Metadata  JSONB     `gorm:"type:text"`
}

func (usageModel) TableName() string { return "usage_records" }

type transactionModel struct {
	ID            string `gorm:"primaryKey;size:100"`
	UserID        string `gorm:"size:255;not null;index"`
	Amount        string `gorm:"size:64;not null"`
	Currency      string `gorm:"size:8;not null"`
	PaymentMethod string `gorm:"size:64;not null"`
	Status        string `gorm:"size:16;not null;index"`
	CreatedAt     time.Time `gorm:"index"`
	CompletedAt   *time.Time
	Metadata      JSONB `gorm:"type:text"`
}

func (transactionModel) TableName() string { return "payment_transactions" }

// --- converters ---

func planToModel(p billing.PlanParams) planModel {
	m := planModel{
		ID:           p.ID,
		Name:         p.Name,
		Description:  p.Description,
		PaymentType:  string(p.PaymentType),
		Price:        p.Price.String(),
		Currency:     p.Currency,
		FreeRequests: p.FreeRequests,
		Features:     stringList(p.Features),
		IsActive:     p.IsActive,
		CreatedAt:    p.CreatedAt,
	}
	if p.PricePerRequest != nil {
		s := p.PricePerRequest.String()
		m.PricePerRequest = &s
	}
	if p.BillingPeriod != nil {
		s := string(*p.BillingPeriod)
		m.BillingPeriod = &s
	}
	if p.RequestsPerPeriod != nil {
		n := *p.RequestsPerPeriod
		m.RequestsPerPeriod = &n
	}
	return m
}

func planFromModel(m planModel) (billing.PlanParams, error) {
	price, err := decimal.NewFromString(m.Price)
	if err != nil {
		return billing.PlanParams{}, apperrors.NewStorageError("corrupt plan price",
			map[string]any{"plan_id": m.ID, "value": m.Price})
	}
	p := billing.PlanParams{
		ID:           m.ID,
		Name:         m.Name,
		Description:  m.Description,
		PaymentType:  billing.PaymentType(m.PaymentType),
		Price:        price,
		Currency:     m.Currency,
		FreeRequests: m.FreeRequests,
		Features:     []string(m.Features),
		IsActive:     m.IsActive,
		CreatedAt:    m.CreatedAt,
	}
	if m.PricePerRequest != nil {
		d, err := decimal.NewFromString(*m.PricePerRequest)
		if err != nil {
			return billing.PlanParams{}, apperrors.NewStorageError("corrupt per-request price",
				map[string]any{"plan_id": m.ID, "value": *m.PricePerRequest})
		}
		p.PricePerRequest = &d
	}
	if m.BillingPeriod != nil {
		b := billing.BillingPeriod(*m.BillingPeriod)
		p.BillingPeriod = &b
	}
	if m.RequestsPerPeriod != nil {
		n := *m.RequestsPerPeriod
		p.RequestsPerPeriod = &n
	}
	return p, nil
}

func subscriptionToModel(p billing.SubscriptionParams) subscriptionModel {
	return subscriptionModel{
		ID:                 p.ID,
		UserID:             p.UserID,
		PlanID:             p.PlanID,
		Status:             string(p.Status),
		StartDate:          p.StartDate,
		EndDate:            p.EndDate,
		CurrentPeriodStart: p.CurrentPeriodStart,
		CurrentPeriodEnd:   p.CurrentPeriodEnd,
		UsageCount:         p.UsageCount,
		Metadata:           JSONB(p.Metadata),
	}
}

func subscriptionFromModel(m subscriptionModel) billing.SubscriptionParams {
	return billing.SubscriptionParams{
		ID:                 m.ID,
		UserID:             m.UserID,
		PlanID:             m.PlanID,
		Status:             billing.SubscriptionStatus(m.Status),
		StartDate:          m.StartDate,
		EndDate:            m.EndDate,
		CurrentPeriodStart: m.CurrentPeriodStart,
		CurrentPeriodEnd:   m.CurrentPeriodEnd,
		UsageCount:         m.UsageCount,
		Metadata:           map[string]any(m.Metadata),
	}
}

func usageToModel(p billing.UsageRecordParams) usageModel {
	m := usageModel{
		ID:        p.ID,
		UserID:    p.UserID,
		Feature:   p.Feature,
		Timestamp: p.Timestamp,
		Currency:  p.Currency,
		Metadata:  JSONB(p.Metadata),
	}
	if p.Cost != nil {
		s := p.Cost.String()
		m.Cost = &s
	}
	return m
}

func usageFromModel(m usageModel) (billing.UsageRecordParams, error) {
	p := billing.UsageRecordParams{
		ID:        m.ID,
		UserID:    m.UserID,
		Feature:   m.Feature,
		Timestamp: m.Timestamp,
		Currency:  m.Currency,
		Metadata:  map[string]any(m.Metadata),
	}
	if m.Cost != nil {
		d, err := decimal.NewFromString(*m.Cost)
		if err != nil {
			return billing.UsageRecordParams{}, apperrors.NewStorageError("corrupt usage cost",
				map[string]any{"usage_id": m.ID, "value": *m.Cost})
		}
		p.Cost = &d
	}
	return p, nil
}

func transactionToModel(p billing.TransactionParams) transactionModel {
	return transactionModel{
		ID:            p.ID,
		UserID:        p.UserID,
		Amount:        p.Amount.String(),
		Currency:      p.Currency,
		PaymentMethod: p.PaymentMethod,
		Status:        string(p.Status),
		CreatedAt:     p.CreatedAt,
		CompletedAt:   p.CompletedAt,
		Metadata:      JSONB(p.Metadata),
	}
}

func transactionFromModel(m transactionModel) (billing.TransactionParams, error) {
	amount, err := decimal.NewFromString(m.Amount)
	if err != nil {
		return billing.TransactionParams{}, apperrors.NewStorageError("corrupt transaction amount",
			map[string]any{"transaction_id": m.ID, "value": m.Amount})
	}
	return billing.TransactionParams{
		ID:            m.ID,
		UserID:        m.UserID,
		Amount:        amount,
		Currency:      m.Currency,
		PaymentMethod: m.PaymentMethod,
		Status:        billing.TransactionStatus(m.Status),
		CreatedAt:     m.CreatedAt,
		CompletedAt:   m.CompletedAt,
		Metadata:      map[string]any(m.Metadata),
	}, nil
}
