package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Kind is the closed set of side effects the outbox can carry.
type Kind string

const (
	KindEmail         Kind = "email"
	KindSMS           Kind = "sms"
	KindExportWebhook Kind = "export_webhook"
	KindOther         Kind = "other"
)

func (k Kind) Valid() bool {
	switch k {
	case KindEmail, KindSMS, KindExportWebhook, KindOther:
		return true
	default:
		return false
	}
}

func ParseKind(raw string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if !kind.Valid() {
		return "", ErrInvalidKind
	}
	return kind, nil
}

type Status string

const (
	StatusPending      Status = "pending"
	StatusInFlight     Status = "in_flight"
	StatusDelivered    Status = "delivered"
	StatusDeadLettered Status = "dead_lettered"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusDelivered, StatusDeadLettered:
		return true
	default:
		return false
	}
}

// Event is one intent to perform an outbound side effect.
type Event struct {
	ID            snowflake.ID   `json:"id" gorm:"primaryKey"`
	OrgID         *snowflake.ID  `json:"org_id,omitempty"`
	Kind          Kind           `json:"kind" gorm:"type:text;not null"`
	DedupeKey     string         `json:"dedupe_key" gorm:"type:text;not null"`
	Payload       datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	Status        Status         `json:"status" gorm:"type:text;not null"`
	Attempts      int            `json:"attempts" gorm:"not null"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	LastError     *string        `json:"last_error,omitempty"`
	LockedBy      *string        `json:"-"`
	LockedUntil   *time.Time     `json:"locked_until,omitempty"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt     time.Time      `json:"updated_at" gorm:"not null"`
}

func (Event) TableName() string { return "outbox_events" }
