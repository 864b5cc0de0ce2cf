package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *Event) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Event, error)
	FindLiveByDedupeKey(ctx context.Context, db *gorm.DB, dedupeKey string) (*Event, error)
	LockDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error)
	MarkInFlight(ctx context.Context, db *gorm.DB, ids []snowflake.ID, owner string, lockedUntil, now time.Time) error
	FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]*Event, error)
	MarkDelivered(ctx context.Context, db *gorm.DB, id snowflake.ID, owner string, now time.Time) (bool, error)
	Reschedule(ctx context.Context, db *gorm.DB, id snowflake.ID, owner string, failure Failure, now time.Time) (bool, error)
	Release(ctx context.Context, db *gorm.DB, id snowflake.ID, owner string, nextAttemptAt, now time.Time) (bool, error)
	MarkDeadLettered(ctx context.Context, db *gorm.DB, id snowflake.ID, owner string, attempts int, lastError string, now time.Time) (bool, error)
	LockExpiredLeases(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error)
	ReleaseLeases(ctx context.Context, db *gorm.DB, ids []snowflake.ID, now time.Time) (int64, error)
	ResetForReplay(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	ListByStatus(ctx context.Context, db *gorm.DB, status Status, limit int) ([]*Event, error)
}
