package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type EnqueueRequest struct {
	OrgID     *snowflake.ID
	Kind      Kind
	DedupeKey string
	Payload   json.RawMessage
}

type ClaimRequest struct {
	Limit int
	Now   time.Time
	Lease time.Duration
	Owner string
}

// Failure describes the outcome of a failed delivery attempt.
type Failure struct {
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
}

type Service interface {
	// Enqueue writes in its own transaction.
	Enqueue(ctx context.Context, req EnqueueRequest) (*Event, error)
	// EnqueueTx joins the caller's transaction; rolling it back discards the event.
	EnqueueTx(ctx context.Context, tx *gorm.DB, req EnqueueRequest) (*Event, error)
	ClaimBatch(ctx context.Context, req ClaimRequest) ([]*Event, error)
	MarkDelivered(ctx context.Context, id snowflake.ID, owner string) error
	Reschedule(ctx context.Context, id snowflake.ID, owner string, failure Failure) error
	// MarkDeadLettered moves the event to dead_lettered and hands it to the
	// DeadLetterSink in the same transaction.
	MarkDeadLettered(ctx context.Context, id snowflake.ID, owner string, attempts int, lastError string) error
	// Release returns a claimed event to pending without counting an attempt.
	Release(ctx context.Context, id snowflake.ID, owner string, nextAttemptAt time.Time) error
	ReleaseExpiredLeases(ctx context.Context, now time.Time, limit int) (int64, error)
	Get(ctx context.Context, id snowflake.ID) (*Event, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Event, error)
}

// DeadLetterSink records an exhausted event for operator triage. It must use
// tx so the entry commits together with the status change.
type DeadLetterSink interface {
	RecordOutboxDeadLetter(ctx context.Context, tx *gorm.DB, event *Event) error
}

var (
	ErrInvalidKind      = errors.New("invalid_kind")
	ErrInvalidDedupeKey = errors.New("invalid_dedupe_key")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidStatus    = errors.New("invalid_status")
	ErrInvalidClaim     = errors.New("invalid_claim")
	ErrNotFound         = errors.New("not_found")
	// ErrLeaseLost means another claimant owns the row now; the caller's
	// outcome must be dropped.
	ErrLeaseLost = errors.New("lease_lost")
)
