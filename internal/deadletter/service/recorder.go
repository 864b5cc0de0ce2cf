package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/courier/internal/clock"
	"github.com/smallbiznis/courier/internal/deadletter/domain"
	obsmetrics "github.com/smallbiznis/courier/internal/observability/metrics"
	outboxdomain "github.com/smallbiznis/courier/internal/outbox/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type RecorderParams struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	ObsMetrics *obsmetrics.DeliveryMetrics `optional:"true"`
}

// Recorder writes dead-letter entries inside the transaction that exhausts
// the source row. It is kept apart from Service so the webhook and outbox
// services can depend on it without depending on replay.
type Recorder struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	obsMetrics *obsmetrics.DeliveryMetrics
}

func NewRecorder(p RecorderParams) *Recorder {
	return &Recorder{
		log:        p.Log.Named("deadletter.recorder"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

func (r *Recorder) RecordOutboxDeadLetter(ctx context.Context, tx *gorm.DB, event *outboxdomain.Event) error {
	if tx == nil {
		return gorm.ErrInvalidTransaction
	}
	if event == nil {
		return domain.ErrNotFound
	}

	lastError := ""
	if event.LastError != nil {
		lastError = *event.LastError
	}
	entry := &domain.Entry{
		ID:              r.genID.Generate(),
		Source:          domain.SourceOutbox,
		SourceID:        event.ID,
		OrgID:           event.OrgID,
		Kind:            string(event.Kind),
		Reference:       event.DedupeKey,
		LastError:       lastError,
		Attempts:        event.Attempts,
		Status:          domain.EntryStatusOpen,
		SourceCreatedAt: event.CreatedAt,
		DeadLetteredAt:  r.clock.Now(),
	}
	if err := r.repo.Insert(ctx, tx, entry); err != nil {
		return fmt.Errorf("insert outbox dead letter: %w", err)
	}

	r.log.Warn("outbox event dead-lettered",
		zap.String("entry_id", entry.ID.String()),
		zap.String("outbox_id", event.ID.String()),
		zap.String("kind", entry.Kind),
		zap.Int("attempts", entry.Attempts),
	)
	return nil
}

func (r *Recorder) RecordInboundDeadLetter(ctx context.Context, tx *gorm.DB, in domain.InboundDeadLetter) error {
	if tx == nil {
		return gorm.ErrInvalidTransaction
	}

	// A replayed inbound row can exhaust again; keep a single open entry.
	existing, err := r.repo.FindOpenBySource(ctx, tx, domain.SourceInbound, in.SourceID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	entry := &domain.Entry{
		ID:              r.genID.Generate(),
		Source:          domain.SourceInbound,
		SourceID:        in.SourceID,
		OrgID:           in.OrgID,
		Kind:            in.EventType,
		Reference:       in.Reference,
		LastError:       in.LastError,
		Attempts:        in.Attempts,
		Status:          domain.EntryStatusOpen,
		SourceCreatedAt: in.SourceCreatedAt,
		DeadLetteredAt:  r.clock.Now(),
	}
	if err := r.repo.Insert(ctx, tx, entry); err != nil {
		return fmt.Errorf("insert inbound dead letter: %w", err)
	}

	r.obsMetrics.IncDeadLetter(string(domain.SourceInbound), entry.Kind, in.Dependency)
	r.log.Warn("inbound event dead-lettered",
		zap.String("entry_id", entry.ID.String()),
		zap.String("ledger_id", in.SourceID.String()),
		zap.String("reference", in.Reference),
		zap.Int("attempts", in.Attempts),
	)
	return nil
}
