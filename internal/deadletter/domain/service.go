package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/courier/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListRequest struct {
	Kind      string
	Source    Source
	Status    EntryStatus
	PageSize  int
	PageToken string
}

type ListResponse struct {
	pagination.PageInfo
	Entries []*Entry `json:"entries"`
}

type ReplayRequest struct {
	EntryID snowflake.ID
	Actor   string
}

type ReplayResponse struct {
	EntryID snowflake.ID `json:"entry_id"`
	Source  Source       `json:"source"`
	Result  ReplayResult `json:"result"`
	Detail  string       `json:"detail,omitempty"`
}

type Service interface {
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	Get(ctx context.Context, id snowflake.ID) (*Entry, error)
	ListReplays(ctx context.Context, entryID snowflake.ID) ([]*Replay, error)
	Replay(ctx context.Context, req ReplayRequest) (ReplayResponse, error)
}

// InboundRecorder parks an exhausted inbound event inside the caller's
// transaction.
type InboundRecorder interface {
	RecordInboundDeadLetter(ctx context.Context, tx *gorm.DB, entry InboundDeadLetter) error
}

// InboundReplayer re-runs an inbound ledger row through the same checks a
// live delivery gets. It returns the processing outcome on success.
type InboundReplayer interface {
	ReplayInbound(ctx context.Context, ledgerID snowflake.ID) (string, error)
}

var (
	ErrNotFound                 = errors.New("not_found")
	ErrNotReplayable            = errors.New("not_replayable")
	ErrReplayConflict           = errors.New("replay_conflict")
	ErrInvalidActor             = errors.New("invalid_actor")
	ErrInvalidSource            = errors.New("invalid_source")
	ErrInvalidStatus            = errors.New("invalid_status")
	ErrInboundReplayUnavailable = errors.New("inbound_replay_unavailable")
)
