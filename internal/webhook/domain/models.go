package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusIgnored    Status = "ignored"
	StatusError      Status = "error"
)

// LedgerEntry records one provider event. (provider, event_id) is unique.
type LedgerEntry struct {
	ID          snowflake.ID  `json:"id" gorm:"primaryKey"`
	Provider    string        `json:"provider" gorm:"type:text;not null"`
	EventID     string        `json:"event_id" gorm:"type:text;not null"`
	EventType   string        `json:"event_type" gorm:"type:text;not null"`
	PayloadHash string        `json:"payload_hash" gorm:"type:text;not null"`
	OrgID       *snowflake.ID `json:"org_id,omitempty"`
	Payload     []byte        `json:"-" gorm:"not null"`
	Status      Status        `json:"status" gorm:"type:text;not null"`
	Attempts    int           `json:"attempts" gorm:"not null"`
	LastError   *string       `json:"last_error,omitempty"`
	CreatedAt   time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time     `json:"updated_at" gorm:"not null"`
	ProcessedAt *time.Time    `json:"processed_at,omitempty"`
}

func (LedgerEntry) TableName() string { return "inbound_events" }

// Canonical payment event types. Provider types without a mapping keep their
// raw name.
const (
	EventTypePaymentSucceeded = "payment_succeeded"
	EventTypePaymentFailed    = "payment_failed"
	EventTypeRefunded         = "refunded"
)

// References are entity ids carried in provider metadata and used for tenant
// resolution.
type References struct {
	InvoiceID  *snowflake.ID
	CustomerID *snowflake.ID
}

type PaymentDetails struct {
	PaymentID     string
	Amount        int64
	Currency      string
	CustomerEmail string
}

// InboundEvent is the provider-neutral form of a verified webhook.
type InboundEvent struct {
	Provider   string
	ID         string
	Type       string
	OrgID      *snowflake.ID
	References References
	Payment    *PaymentDetails
	OccurredAt time.Time
	RawPayload []byte
}

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeIgnored   Outcome = "ignored"
)

// Result is what the receiver reports for one delivery.
type Result string

const (
	ResultProcessed    Result = "processed"
	ResultIgnored      Result = "ignored"
	ResultDuplicate    Result = "duplicate"
	ResultInFlight     Result = "in_flight"
	ResultDeadLettered Result = "dead_lettered"
)
