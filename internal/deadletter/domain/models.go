package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Source string

const (
	SourceOutbox  Source = "outbox"
	SourceInbound Source = "inbound"
)

func (s Source) Valid() bool {
	return s == SourceOutbox || s == SourceInbound
}

type EntryStatus string

const (
	EntryStatusOpen     EntryStatus = "open"
	EntryStatusReplayed EntryStatus = "replayed"
)

func (s EntryStatus) Valid() bool {
	return s == EntryStatusOpen || s == EntryStatusReplayed
}

// Entry points at an outbox event or inbound ledger row that ran out of
// attempts.
type Entry struct {
	ID              snowflake.ID  `json:"id" gorm:"primaryKey"`
	Source          Source        `json:"source" gorm:"type:text;not null"`
	SourceID        snowflake.ID  `json:"source_id" gorm:"not null"`
	OrgID           *snowflake.ID `json:"org_id,omitempty"`
	Kind            string        `json:"kind" gorm:"type:text;not null"`
	Reference       string        `json:"reference" gorm:"type:text;not null"`
	LastError       string        `json:"last_error" gorm:"type:text;not null"`
	Attempts        int           `json:"attempts" gorm:"not null"`
	Status          EntryStatus   `json:"status" gorm:"type:text;not null"`
	ReplayCount     int           `json:"replay_count" gorm:"not null"`
	SourceCreatedAt time.Time     `json:"source_created_at" gorm:"not null"`
	DeadLetteredAt  time.Time     `json:"dead_lettered_at" gorm:"not null"`
	ReplayedAt      *time.Time    `json:"replayed_at,omitempty"`
}

func (Entry) TableName() string { return "dead_letter_entries" }

type ReplayResult string

const (
	ReplayAccepted ReplayResult = "accepted"
	ReplayRejected ReplayResult = "rejected"
)

// Replay is the audit row written for every replay request.
type Replay struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	EntryID   snowflake.ID `json:"entry_id" gorm:"not null"`
	Actor     string       `json:"actor" gorm:"type:text;not null"`
	Result    ReplayResult `json:"result" gorm:"type:text;not null"`
	Detail    string       `json:"detail,omitempty" gorm:"type:text"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null"`
}

func (Replay) TableName() string { return "dead_letter_replays" }

// InboundDeadLetter describes an exhausted inbound ledger row. Dependency is
// the breaker that guarded its processing.
type InboundDeadLetter struct {
	SourceID        snowflake.ID
	OrgID           *snowflake.ID
	EventType       string
	Reference       string
	Dependency      string
	LastError       string
	Attempts        int
	SourceCreatedAt time.Time
}
