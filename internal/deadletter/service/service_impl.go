package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/courier/internal/clock"
	"github.com/smallbiznis/courier/internal/deadletter/domain"
	obsmetrics "github.com/smallbiznis/courier/internal/observability/metrics"
	outboxdomain "github.com/smallbiznis/courier/internal/outbox/domain"
	"github.com/smallbiznis/courier/pkg/db"
	"github.com/smallbiznis/courier/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	OutboxRepo outboxdomain.Repository
	Inbound    domain.InboundReplayer      `optional:"true"`
	Metrics    *obsmetrics.Metrics         `optional:"true"`
	ObsMetrics *obsmetrics.DeliveryMetrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	outboxRepo outboxdomain.Repository
	inbound    domain.InboundReplayer
	metrics    *obsmetrics.Metrics
	obsMetrics *obsmetrics.DeliveryMetrics
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("deadletter.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		outboxRepo: p.OutboxRepo,
		inbound:    p.Inbound,
		metrics:    p.Metrics,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	if req.Source != "" && !req.Source.Valid() {
		return domain.ListResponse{}, domain.ErrInvalidSource
	}
	if req.Status != "" && !req.Status.Valid() {
		return domain.ListResponse{}, domain.ErrInvalidStatus
	}

	var after *domain.Position
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return domain.ListResponse{}, err
		}
		id, at, err := cursor.Position()
		if err != nil {
			return domain.ListResponse{}, err
		}
		after = &domain.Position{ID: snowflake.ID(id), DeadLetteredAt: at}
	}

	limit := pagination.ClampPageSize(req.PageSize)
	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		Kind:   strings.TrimSpace(req.Kind),
		Source: req.Source,
		Status: req.Status,
	}, after, limit+1)
	if err != nil {
		return domain.ListResponse{}, err
	}

	page, info := pagination.BuildCursorPageInfo(items, limit, func(e *domain.Entry) pagination.Cursor {
		return pagination.Cursor{
			ID:        strconv.FormatInt(e.ID.Int64(), 10),
			CreatedAt: e.DeadLetteredAt.UTC().Format(time.RFC3339Nano),
		}
	})
	if page == nil {
		page = []*domain.Entry{}
	}
	return domain.ListResponse{PageInfo: *info, Entries: page}, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Entry, error) {
	entry, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, domain.ErrNotFound
	}
	return entry, nil
}

func (s *Service) ListReplays(ctx context.Context, entryID snowflake.ID) ([]*domain.Replay, error) {
	if _, err := s.Get(ctx, entryID); err != nil {
		return nil, err
	}
	return s.repo.ListReplays(ctx, s.db, entryID)
}

// Replay re-admits the entry's source row exactly once. Every request, accepted
// or rejected, leaves an audit row.
func (s *Service) Replay(ctx context.Context, req domain.ReplayRequest) (domain.ReplayResponse, error) {
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		return domain.ReplayResponse{}, domain.ErrInvalidActor
	}

	entry, err := s.Get(ctx, req.EntryID)
	if err != nil {
		return domain.ReplayResponse{}, err
	}

	var resp domain.ReplayResponse
	switch entry.Source {
	case domain.SourceOutbox:
		resp, err = s.replayOutbox(ctx, entry, actor)
	case domain.SourceInbound:
		resp, err = s.replayInbound(ctx, entry, actor)
	default:
		err = domain.ErrInvalidSource
	}

	result := domain.ReplayAccepted
	if err != nil {
		result = domain.ReplayRejected
		if auditErr := s.audit(ctx, s.db, entry.ID, actor, result, replayDetail(err)); auditErr != nil {
			s.log.Error("failed to write replay audit", zap.Error(auditErr))
		}
	}
	s.metrics.RecordReplay(ctx, string(entry.Source), string(result))

	logFields := []zap.Field{
		zap.String("entry_id", entry.ID.String()),
		zap.String("source", string(entry.Source)),
		zap.String("source_id", entry.SourceID.String()),
		zap.String("actor", actor),
		zap.String("result", string(result)),
	}
	if err != nil {
		s.log.Info("dead letter replay rejected", append(logFields, zap.Error(err))...)
		return domain.ReplayResponse{}, err
	}
	s.log.Info("dead letter replayed", logFields...)
	return resp, nil
}

func (s *Service) replayOutbox(ctx context.Context, entry *domain.Entry, actor string) (domain.ReplayResponse, error) {
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lockStart := time.Now()
		locked, err := s.repo.LockByID(ctx, tx, entry.ID)
		s.obsMetrics.ObserveDBLockWait(obsmetrics.LockResourceDeadLetter, time.Since(lockStart))
		if err != nil {
			return err
		}
		if locked == nil {
			return domain.ErrNotFound
		}
		if locked.Status != domain.EntryStatusOpen {
			return domain.ErrNotReplayable
		}

		reset, err := s.outboxRepo.ResetForReplay(ctx, tx, locked.SourceID, now)
		if err != nil {
			// Another live event already holds the dedupe key.
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrReplayConflict
			}
			return fmt.Errorf("reset outbox event: %w", err)
		}
		if !reset {
			return domain.ErrNotReplayable
		}

		ok, err := s.repo.MarkReplayed(ctx, tx, locked.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotReplayable
		}
		return s.audit(ctx, tx, locked.ID, actor, domain.ReplayAccepted, "")
	})
	if err != nil {
		return domain.ReplayResponse{}, err
	}
	return domain.ReplayResponse{
		EntryID: entry.ID,
		Source:  entry.Source,
		Result:  domain.ReplayAccepted,
		Detail:  string(outboxdomain.StatusPending),
	}, nil
}

func (s *Service) replayInbound(ctx context.Context, entry *domain.Entry, actor string) (domain.ReplayResponse, error) {
	if entry.Status != domain.EntryStatusOpen {
		return domain.ReplayResponse{}, domain.ErrNotReplayable
	}
	if s.inbound == nil {
		return domain.ReplayResponse{}, domain.ErrInboundReplayUnavailable
	}

	// The replayer claims the ledger row with a compare-and-set, so two
	// concurrent replays cannot both run the handler.
	outcome, err := s.inbound.ReplayInbound(ctx, entry.SourceID)
	if err != nil {
		return domain.ReplayResponse{}, err
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.MarkReplayed(ctx, tx, entry.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotReplayable
		}
		return s.audit(ctx, tx, entry.ID, actor, domain.ReplayAccepted, outcome)
	})
	if err != nil {
		return domain.ReplayResponse{}, err
	}
	return domain.ReplayResponse{
		EntryID: entry.ID,
		Source:  entry.Source,
		Result:  domain.ReplayAccepted,
		Detail:  outcome,
	}, nil
}

func (s *Service) audit(ctx context.Context, tx *gorm.DB, entryID snowflake.ID, actor string, result domain.ReplayResult, detail string) error {
	return s.repo.InsertReplay(ctx, tx, &domain.Replay{
		ID:        s.genID.Generate(),
		EntryID:   entryID,
		Actor:     actor,
		Result:    result,
		Detail:    detail,
		CreatedAt: s.clock.Now(),
	})
}

func replayDetail(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotReplayable):
		return domain.ErrNotReplayable.Error()
	case errors.Is(err, domain.ErrReplayConflict):
		return domain.ErrReplayConflict.Error()
	case errors.Is(err, domain.ErrInboundReplayUnavailable):
		return domain.ErrInboundReplayUnavailable.Error()
	}
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
