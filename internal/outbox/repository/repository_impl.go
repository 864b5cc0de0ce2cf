package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/courier/internal/outbox/domain"
	"gorm.io/gorm"
)

const eventColumns = `id, org_id, kind, dedupe_key, payload, status, attempts, next_attempt_at,
	last_error, locked_by, locked_until, delivered_at, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Insert relies on the partial unique index over live dedupe keys. It reports
// false when an equivalent live event already exists.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.Event) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO outbox_events (
			id, org_id, kind, dedupe_key, payload, status, attempts, next_attempt_at,
			last_error, locked_by, locked_until, delivered_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		event.ID,
		event.OrgID,
		event.Kind,
		event.DedupeKey,
		event.Payload,
		event.Status,
		event.Attempts,
		event.NextAttemptAt,
		event.LastError,
		event.LockedBy,
		event.LockedUntil,
		event.DeliveredAt,
		event.CreatedAt,
		event.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Event, error) {
	var item domain.Event
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM outbox_events
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindLiveByDedupeKey(ctx context.Context, db *gorm.DB, dedupeKey string) (*domain.Event, error) {
	var item domain.Event
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM outbox_events
		 WHERE dedupe_key = ? AND status <> ?
		 LIMIT 1`,
		dedupeKey,
		domain.StatusDeadLettered,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) LockDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id
		 FROM outbox_events
		 WHERE status = ?
		   AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		domain.StatusPending,
		now,
		limit,
	).Scan(&ids).Error
	return ids, err
}

func (r *repo) MarkInFlight(ctx context.Context, db *gorm.DB, ids []snowflake.ID, owner string, lockedUntil, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`UPDATE outbox_events
		 SET status = ?, locked_by = ?, locked_until = ?, updated_at = ?
		 WHERE id IN ? AND status = ?`,
		domain.StatusInFlight,
		owner,
		lockedUntil,
		now,
		ids,
		domain.StatusPending,
	).Error
}

func (r *repo) FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]*domain.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var items []*domain.Event
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM outbox_events
		 WHERE id IN ?
		 ORDER BY created_at ASC, id ASC`,
		ids,
	).Scan(&items).Error
	return items, err
}

func (r *repo) MarkDelivered(ctx context.Context, db *gorm.DB, id snowflake.ID, owner string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE outbox_events
		 SET status = ?, delivered_at = ?, last_error = NULL, locked_by = NULL,
		     locked_until = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND locked_by = ?`,
		domain.StatusDelivered,
		now,
		now,
		id,
		domain.StatusInFlight,
		owner,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Reschedule(ctx context.Context, db *gorm.DB, id snowflake.ID, owner string, failure domain.Failure, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE outbox_events
		 SET status = ?, attempts = ?, next_attempt_at = ?, last_error = ?,
		     locked_by = NULL, locked_until = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND locked_by = ?`,
		domain.StatusPending,
		failure.Attempts,
		failure.NextAttemptAt,
		failure.LastError,
		now,
		id,
		domain.StatusInFlight,
		owner,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Release(ctx context.Context, db *gorm.DB, id snowflake.ID, owner string, nextAttemptAt, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE outbox_events
		 SET status = ?, next_attempt_at = ?, locked_by = NULL, locked_until = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND locked_by = ?`,
		domain.StatusPending,
		nextAttemptAt,
		now,
		id,
		domain.StatusInFlight,
		owner,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkDeadLettered(ctx context.Context, db *gorm.DB, id snowflake.ID, owner string, attempts int, lastError string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE outbox_events
		 SET status = ?, attempts = ?, last_error = ?, next_attempt_at = NULL,
		     locked_by = NULL, locked_until = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND locked_by = ?`,
		domain.StatusDeadLettered,
		attempts,
		lastError,
		now,
		id,
		domain.StatusInFlight,
		owner,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) LockExpiredLeases(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id
		 FROM outbox_events
		 WHERE status = ? AND locked_until < ?
		 ORDER BY locked_until ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		domain.StatusInFlight,
		now,
		limit,
	).Scan(&ids).Error
	return ids, err
}

// ReleaseLeases returns expired claims to pending. Attempts are untouched: a
// crashed worker never reported an outcome.
func (r *repo) ReleaseLeases(ctx context.Context, db *gorm.DB, ids []snowflake.ID, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE outbox_events
		 SET status = ?, locked_by = NULL, locked_until = NULL, updated_at = ?
		 WHERE id IN ? AND status = ? AND locked_until < ?`,
		domain.StatusPending,
		now,
		ids,
		domain.StatusInFlight,
		now,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) ResetForReplay(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE outbox_events
		 SET status = ?, attempts = 0, next_attempt_at = ?, last_error = NULL,
		     locked_by = NULL, locked_until = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusPending,
		now,
		now,
		id,
		domain.StatusDeadLettered,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListByStatus(ctx context.Context, db *gorm.DB, status domain.Status, limit int) ([]*domain.Event, error) {
	var items []*domain.Event
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM outbox_events
		 WHERE status = ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		status,
		limit,
	).Scan(&items).Error
	return items, err
}
