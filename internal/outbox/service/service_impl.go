package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/courier/internal/clock"
	obsmetrics "github.com/smallbiznis/courier/internal/observability/metrics"
	"github.com/smallbiznis/courier/internal/outbox/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxListLimit = 500

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        domain.Repository
	DeadLetters domain.DeadLetterSink
	Metrics     *obsmetrics.Metrics         `optional:"true"`
	ObsMetrics  *obsmetrics.DeliveryMetrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        domain.Repository
	deadLetters domain.DeadLetterSink
	metrics     *obsmetrics.Metrics
	obsMetrics  *obsmetrics.DeliveryMetrics
}

func New(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("outbox.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		deadLetters: p.DeadLetters,
		metrics:     p.Metrics,
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *Service) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.Event, error) {
	var out *domain.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		event, err := s.EnqueueTx(ctx, tx, req)
		if err != nil {
			return err
		}
		out = event
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EnqueueTx is idempotent per live dedupe key: a second call returns the row
// the first call wrote.
func (s *Service) EnqueueTx(ctx context.Context, tx *gorm.DB, req domain.EnqueueRequest) (*domain.Event, error) {
	if tx == nil {
		return nil, gorm.ErrInvalidTransaction
	}
	if !req.Kind.Valid() {
		return nil, domain.ErrInvalidKind
	}
	dedupeKey := strings.TrimSpace(req.DedupeKey)
	if dedupeKey == "" {
		return nil, domain.ErrInvalidDedupeKey
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		return nil, domain.ErrInvalidPayload
	}

	now := s.clock.Now()
	event := &domain.Event{
		ID:        s.genID.Generate(),
		OrgID:     req.OrgID,
		Kind:      req.Kind,
		DedupeKey: dedupeKey,
		Payload:   datatypes.JSON(req.Payload),
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	inserted, err := s.repo.Insert(ctx, tx, event)
	if err != nil {
		return nil, fmt.Errorf("insert outbox event: %w", err)
	}
	s.metrics.RecordOutboxEnqueued(ctx, string(req.Kind), inserted)
	if inserted {
		return event, nil
	}

	existing, err := s.repo.FindLiveByDedupeKey(ctx, tx, dedupeKey)
	if err != nil {
		return nil, fmt.Errorf("load outbox event: %w", err)
	}
	if existing == nil {
		// The conflicting row was dead-lettered between the insert and the read.
		return nil, fmt.Errorf("outbox dedupe conflict for %q", dedupeKey)
	}
	s.log.Debug("outbox enqueue deduplicated",
		zap.String("dedupe_key", dedupeKey),
		zap.String("event_id", existing.ID.String()),
	)
	return existing, nil
}

func (s *Service) ClaimBatch(ctx context.Context, req domain.ClaimRequest) ([]*domain.Event, error) {
	owner := strings.TrimSpace(req.Owner)
	if req.Limit <= 0 || req.Lease <= 0 || owner == "" {
		return nil, domain.ErrInvalidClaim
	}
	now := req.Now
	if now.IsZero() {
		now = s.clock.Now()
	}

	var claimed []*domain.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lockStart := time.Now()
		ids, err := s.repo.LockDue(ctx, tx, now, req.Limit)
		s.obsMetrics.ObserveDBLockWait(obsmetrics.LockResourceOutboxClaim, time.Since(lockStart))
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := s.repo.MarkInFlight(ctx, tx, ids, owner, now.Add(req.Lease), now); err != nil {
			return err
		}
		claimed, err = s.repo.FindByIDs(ctx, tx, ids)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	for _, event := range claimed {
		s.obsMetrics.IncClaimed(string(event.Kind))
	}
	return claimed, nil
}

func (s *Service) MarkDelivered(ctx context.Context, id snowflake.ID, owner string) error {
	ok, err := s.repo.MarkDelivered(ctx, s.db, id, owner, s.clock.Now())
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if !ok {
		return domain.ErrLeaseLost
	}
	return nil
}

func (s *Service) Reschedule(ctx context.Context, id snowflake.ID, owner string, failure domain.Failure) error {
	ok, err := s.repo.Reschedule(ctx, s.db, id, owner, failure, s.clock.Now())
	if err != nil {
		return fmt.Errorf("reschedule: %w", err)
	}
	if !ok {
		return domain.ErrLeaseLost
	}
	return nil
}

func (s *Service) Release(ctx context.Context, id snowflake.ID, owner string, nextAttemptAt time.Time) error {
	ok, err := s.repo.Release(ctx, s.db, id, owner, nextAttemptAt, s.clock.Now())
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	if !ok {
		return domain.ErrLeaseLost
	}
	return nil
}

func (s *Service) MarkDeadLettered(ctx context.Context, id snowflake.ID, owner string, attempts int, lastError string) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.MarkDeadLettered(ctx, tx, id, owner, attempts, lastError, now)
		if err != nil {
			return fmt.Errorf("mark dead lettered: %w", err)
		}
		if !ok {
			return domain.ErrLeaseLost
		}
		event, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if event == nil {
			return domain.ErrNotFound
		}
		return s.deadLetters.RecordOutboxDeadLetter(ctx, tx, event)
	})
}

func (s *Service) ReleaseExpiredLeases(ctx context.Context, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	var released int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lockStart := time.Now()
		ids, err := s.repo.LockExpiredLeases(ctx, tx, now, limit)
		s.obsMetrics.ObserveDBLockWait(obsmetrics.LockResourceOutboxReap, time.Since(lockStart))
		if err != nil {
			return err
		}
		released, err = s.repo.ReleaseLeases(ctx, tx, ids, now)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("release expired leases: %w", err)
	}
	if released > 0 {
		s.log.Warn("reclaimed expired outbox leases", zap.Int64("count", released))
	}
	s.obsMetrics.AddReclaimed(released)
	return released, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Event, error) {
	event, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, domain.ErrNotFound
	}
	return event, nil
}

func (s *Service) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Event, error) {
	if !status.Valid() {
		return nil, domain.ErrInvalidStatus
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	return s.repo.ListByStatus(ctx, s.db, status, limit)
}
