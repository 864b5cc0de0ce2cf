package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListFilter struct {
	Kind   string
	Source Source
	Status EntryStatus
}

// Position is a keyset cursor over (dead_lettered_at DESC, id DESC).
type Position struct {
	ID             snowflake.ID
	DeadLetteredAt time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *Entry) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Entry, error)
	LockByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Entry, error)
	FindOpenBySource(ctx context.Context, db *gorm.DB, source Source, sourceID snowflake.ID) (*Entry, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter, after *Position, limit int) ([]*Entry, error)
	MarkReplayed(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	InsertReplay(ctx context.Context, db *gorm.DB, replay *Replay) error
	ListReplays(ctx context.Context, db *gorm.DB, entryID snowflake.ID) ([]*Replay, error)
}
