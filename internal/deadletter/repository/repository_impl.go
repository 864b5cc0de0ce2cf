package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/courier/internal/deadletter/domain"
	"gorm.io/gorm"
)

const entryColumns = `id, source, source_id, org_id, kind, reference, last_error, attempts,
	status, replay_count, source_created_at, dead_lettered_at, replayed_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.Entry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO dead_letter_entries (
			id, source, source_id, org_id, kind, reference, last_error, attempts,
			status, replay_count, source_created_at, dead_lettered_at, replayed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.Source,
		entry.SourceID,
		entry.OrgID,
		entry.Kind,
		entry.Reference,
		entry.LastError,
		entry.Attempts,
		entry.Status,
		entry.ReplayCount,
		entry.SourceCreatedAt,
		entry.DeadLetteredAt,
		entry.ReplayedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Entry, error) {
	return r.findOne(ctx, db, `SELECT `+entryColumns+` FROM dead_letter_entries WHERE id = ? LIMIT 1`, id)
}

func (r *repo) LockByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Entry, error) {
	return r.findOne(ctx, db, `SELECT `+entryColumns+` FROM dead_letter_entries WHERE id = ? LIMIT 1 FOR UPDATE`, id)
}

func (r *repo) FindOpenBySource(ctx context.Context, db *gorm.DB, source domain.Source, sourceID snowflake.ID) (*domain.Entry, error) {
	return r.findOne(ctx, db,
		`SELECT `+entryColumns+`
		 FROM dead_letter_entries
		 WHERE source = ? AND source_id = ? AND status = ?
		 ORDER BY dead_lettered_at DESC
		 LIMIT 1`,
		source, sourceID, domain.EntryStatusOpen,
	)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...interface{}) (*domain.Entry, error) {
	var item domain.Entry
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter, after *domain.Position, limit int) ([]*domain.Entry, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if after != nil {
		where = append(where, "(dead_lettered_at < ? OR (dead_lettered_at = ? AND id < ?))")
		args = append(args, after.DeadLetteredAt, after.DeadLetteredAt, after.ID)
	}

	query := `SELECT ` + entryColumns + ` FROM dead_letter_entries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY dead_lettered_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var items []*domain.Entry
	err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error
	return items, err
}

func (r *repo) MarkReplayed(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE dead_letter_entries
		 SET status = ?, replay_count = replay_count + 1, replayed_at = ?
		 WHERE id = ? AND status = ?`,
		domain.EntryStatusReplayed,
		now,
		id,
		domain.EntryStatusOpen,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) InsertReplay(ctx context.Context, db *gorm.DB, replay *domain.Replay) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO dead_letter_replays (id, entry_id, actor, result, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		replay.ID,
		replay.EntryID,
		replay.Actor,
		replay.Result,
		replay.Detail,
		replay.CreatedAt,
	).Error
}

func (r *repo) ListReplays(ctx context.Context, db *gorm.DB, entryID snowflake.ID) ([]*domain.Replay, error) {
	var items []*domain.Replay
	err := db.WithContext(ctx).Raw(
		`SELECT id, entry_id, actor, result, detail, created_at
		 FROM dead_letter_replays
		 WHERE entry_id = ?
		 ORDER BY created_at ASC, id ASC`,
		entryID,
	).Scan(&items).Error
	return items, err
}
