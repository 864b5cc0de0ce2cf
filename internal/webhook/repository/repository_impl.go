package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/courier/internal/webhook/domain"
	"gorm.io/gorm"
)

const entryColumns = `id, provider, event_id, event_type, payload_hash, org_id, payload, status,
	attempts, last_error, created_at, updated_at, processed_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.LedgerEntry) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO inbound_events (
			id, provider, event_id, event_type, payload_hash, org_id, payload, status,
			attempts, last_error, created_at, updated_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		entry.ID,
		entry.Provider,
		entry.EventID,
		entry.EventType,
		entry.PayloadHash,
		entry.OrgID,
		entry.Payload,
		entry.Status,
		entry.Attempts,
		entry.LastError,
		entry.CreatedAt,
		entry.UpdatedAt,
		entry.ProcessedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByProviderEvent(ctx context.Context, db *gorm.DB, provider, eventID string) (*domain.LedgerEntry, error) {
	var item domain.LedgerEntry
	err := db.WithContext(ctx).Raw(
		`SELECT `+entryColumns+`
		 FROM inbound_events
		 WHERE provider = ? AND event_id = ?
		 LIMIT 1`,
		provider,
		eventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.LedgerEntry, error) {
	var item domain.LedgerEntry
	err := db.WithContext(ctx).Raw(
		`SELECT `+entryColumns+`
		 FROM inbound_events
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

// Reclaim uses status and attempts as the compare-and-swap version. Bumping
// updated_at also defeats a concurrent stale reclaim of the same row.
func (r *repo) Reclaim(ctx context.Context, db *gorm.DB, entry *domain.LedgerEntry, staleBefore, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE inbound_events
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND attempts = ?
		   AND (status = ? OR (status = ? AND updated_at < ?))`,
		domain.StatusProcessing,
		now,
		entry.ID,
		entry.Status,
		entry.Attempts,
		domain.StatusError,
		domain.StatusProcessing,
		staleBefore,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.Status, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE inbound_events
		 SET status = ?, last_error = NULL, processed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		status,
		now,
		now,
		id,
		domain.StatusProcessing,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkError(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string, countAttempt bool, now time.Time) (*domain.LedgerEntry, error) {
	increment := 0
	if countAttempt {
		increment = 1
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE inbound_events
		 SET status = ?, attempts = attempts + ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusError,
		increment,
		lastError,
		now,
		id,
		domain.StatusProcessing,
	)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, domain.ErrClaimLost
	}
	return r.FindByID(ctx, db, id)
}
