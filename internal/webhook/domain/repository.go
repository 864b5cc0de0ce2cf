package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Insert is insert-or-ignore on (provider, event_id).
	Insert(ctx context.Context, db *gorm.DB, entry *LedgerEntry) (bool, error)
	FindByProviderEvent(ctx context.Context, db *gorm.DB, provider, eventID string) (*LedgerEntry, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*LedgerEntry, error)
	// Reclaim moves an error row, or a processing row last touched before
	// staleBefore, back to processing. It compares on status and updated_at.
	Reclaim(ctx context.Context, db *gorm.DB, entry *LedgerEntry, staleBefore, now time.Time) (bool, error)
	MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, status Status, now time.Time) (bool, error)
	// MarkError returns the row to error. countAttempt=false keeps attempts
	// unchanged, used when the breaker rejected the call.
	MarkError(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string, countAttempt bool, now time.Time) (*LedgerEntry, error)
}
