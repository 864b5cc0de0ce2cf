package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// EventRecord is the business record of a payment webhook.
type EventRecord struct {
	ID              snowflake.ID  `json:"id" gorm:"primaryKey"`
	OrgID           snowflake.ID  `json:"org_id" gorm:"not null;index"`
	Provider        string        `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string        `json:"provider_event_id" gorm:"type:text;not null"`
	EventType       string        `json:"event_type" gorm:"type:text;not null"`
	InvoiceID       *snowflake.ID `json:"invoice_id,omitempty"`
	CustomerID      *snowflake.ID `json:"customer_id,omitempty"`
	Amount          int64         `json:"amount" gorm:"not null"`
	Currency        string        `json:"currency" gorm:"type:text;not null"`
	OccurredAt      time.Time     `json:"occurred_at" gorm:"not null"`
	CreatedAt       time.Time     `json:"created_at" gorm:"not null"`
}

func (EventRecord) TableName() string { return "payment_events" }

type Repository interface {
	// InsertEvent ignores a second insert for the same provider event.
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
	FindCustomerEmail(ctx context.Context, db *gorm.DB, customerID snowflake.ID) (string, error)
}

var ErrMissingOrg = errors.New("payment_event_missing_org")
