package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/courier/internal/circuitbreaker"
	"github.com/smallbiznis/courier/internal/clock"
	"github.com/smallbiznis/courier/internal/config"
	deadletterdomain "github.com/smallbiznis/courier/internal/deadletter/domain"
	obsmetrics "github.com/smallbiznis/courier/internal/observability/metrics"
	"github.com/smallbiznis/courier/internal/webhook/adapters"
	"github.com/smallbiznis/courier/internal/webhook/domain"
	"github.com/smallbiznis/courier/internal/webhook/tenant"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxLastErrorLen = 1000

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Config      config.Config
	Repo        domain.Repository
	Adapters    *adapters.Registry
	Resolver    tenant.Resolver
	Breakers    *circuitbreaker.Registry
	Handler     domain.EventHandler
	DeadLetters deadletterdomain.InboundRecorder
	Metrics     *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	cfg         config.WebhookConfig
	repo        domain.Repository
	adapters    *adapters.Registry
	resolver    tenant.Resolver
	breakers    *circuitbreaker.Registry
	handler     domain.EventHandler
	deadLetters deadletterdomain.InboundRecorder
	metrics     *obsmetrics.Metrics
}

func New(p Params) *Service {
	cfg := p.Config.Webhook
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 10 * time.Second
	}
	if cfg.StaleProcessingAfter <= cfg.ProcessingTimeout {
		cfg.StaleProcessingAfter = 2 * cfg.ProcessingTimeout
	}
	if cfg.MaxInboundAttempts <= 0 {
		cfg.MaxInboundAttempts = 10
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("webhook.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		cfg:         cfg,
		repo:        p.Repo,
		adapters:    p.Adapters,
		resolver:    p.Resolver,
		breakers:    p.Breakers,
		handler:     p.Handler,
		deadLetters: p.DeadLetters,
		metrics:     p.Metrics,
	}
}

func (s *Service) Receive(ctx context.Context, req domain.ReceiveRequest) (*domain.ReceiveResponse, error) {
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	adapter, err := s.adapter(provider)
	if err != nil {
		return nil, err
	}
	if err := adapter.Verify(ctx, req.Payload, req.Headers); err != nil {
		return nil, asDomainError(err, domain.ErrInvalidSignature)
	}
	event, err := adapter.Parse(ctx, req.Payload)
	if err != nil {
		return nil, asDomainError(err, domain.ErrInvalidPayload)
	}
	event.Provider = provider
	hash := payloadHash(req.Payload)

	// Known events are answered from the ledger before tenant resolution, so
	// a repeat of a finished event never depends on the resolver.
	existing, err := s.repo.FindByProviderEvent(ctx, s.db, provider, event.ID)
	if err != nil {
		return nil, fmt.Errorf("load inbound event: %w", err)
	}
	if existing != nil {
		return s.redeliver(ctx, event, hash, existing)
	}

	orgID, err := s.resolver.Resolve(ctx, event)
	if err != nil {
		return nil, err
	}
	event.OrgID = &orgID

	now := s.clock.Now()
	entry := &domain.LedgerEntry{
		ID:          s.genID.Generate(),
		Provider:    provider,
		EventID:     event.ID,
		EventType:   event.Type,
		PayloadHash: hash,
		OrgID:       &orgID,
		Payload:     req.Payload,
		Status:      domain.StatusProcessing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	inserted, err := s.repo.Insert(ctx, s.db, entry)
	if err != nil {
		return nil, fmt.Errorf("insert inbound event: %w", err)
	}
	if inserted {
		return s.process(ctx, event, entry)
	}

	// Lost the insert race to a concurrent delivery of the same event.
	existing, err = s.repo.FindByProviderEvent(ctx, s.db, provider, event.ID)
	if err != nil {
		return nil, fmt.Errorf("load inbound event: %w", err)
	}
	if existing == nil {
		return nil, fmt.Errorf("inbound event %s/%s vanished after conflict", provider, event.ID)
	}
	return s.redeliver(ctx, event, hash, existing)
}

// redeliver answers a delivery whose event already has a ledger row. Finished
// rows are duplicates; failed or stale rows are reclaimed after the tenant is
// checked against the stored one.
func (s *Service) redeliver(ctx context.Context, event *domain.InboundEvent, hash string, existing *domain.LedgerEntry) (*domain.ReceiveResponse, error) {
	if existing.PayloadHash != hash {
		s.log.Warn("inbound payload conflict",
			zap.String("provider", event.Provider),
			zap.String("event_id", event.ID),
		)
		return nil, domain.ErrPayloadConflict
	}

	response := &domain.ReceiveResponse{EventID: event.ID}
	switch existing.Status {
	case domain.StatusSucceeded, domain.StatusIgnored:
		response.Result = domain.ResultDuplicate
		return response, nil
	case domain.StatusError:
		if existing.Attempts >= s.cfg.MaxInboundAttempts {
			response.Result = domain.ResultDeadLettered
			return response, nil
		}
	}

	now := s.clock.Now()
	if existing.Status == domain.StatusProcessing && existing.UpdatedAt.After(now.Add(-s.cfg.StaleProcessingAfter)) {
		response.Result = domain.ResultInFlight
		return response, nil
	}

	if event.OrgID == nil {
		orgID, err := s.resolver.Resolve(ctx, event)
		if err != nil {
			return nil, err
		}
		event.OrgID = &orgID
	}
	if existing.OrgID == nil || *existing.OrgID != *event.OrgID {
		return nil, domain.ErrTenantConflict
	}

	claimed, err := s.repo.Reclaim(ctx, s.db, existing, now.Add(-s.cfg.StaleProcessingAfter), now)
	if err != nil {
		return nil, fmt.Errorf("reclaim inbound event: %w", err)
	}
	if !claimed {
		response.Result = domain.ResultInFlight
		return response, nil
	}
	s.log.Info("reclaimed inbound event",
		zap.String("provider", event.Provider),
		zap.String("event_id", event.ID),
		zap.String("previous_status", string(existing.Status)),
		zap.Int("attempts", existing.Attempts),
	)
	return s.process(ctx, event, existing)
}

// ReplayInbound re-runs a dead-lettered delivery from the stored body. The
// signature was checked when the body was first accepted; hash, tenant and
// claim checks run again.
func (s *Service) ReplayInbound(ctx context.Context, ledgerID snowflake.ID) (string, error) {
	entry, err := s.repo.FindByID(ctx, s.db, ledgerID)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "", domain.ErrLedgerNotFound
	}
	if entry.Status == domain.StatusSucceeded || entry.Status == domain.StatusIgnored {
		return "", domain.ErrAlreadyProcessed
	}
	if payloadHash(entry.Payload) != entry.PayloadHash {
		return "", domain.ErrPayloadConflict
	}

	adapter, err := s.adapter(entry.Provider)
	if err != nil {
		return "", err
	}
	event, err := adapter.Parse(ctx, entry.Payload)
	if err != nil {
		return "", asDomainError(err, domain.ErrInvalidPayload)
	}
	if event.ID != entry.EventID {
		return "", domain.ErrPayloadConflict
	}
	event.Provider = entry.Provider

	orgID, err := s.resolver.Resolve(ctx, event)
	if err != nil {
		return "", err
	}
	if entry.OrgID == nil || *entry.OrgID != orgID {
		return "", domain.ErrTenantConflict
	}
	event.OrgID = &orgID

	now := s.clock.Now()
	claimed, err := s.repo.Reclaim(ctx, s.db, entry, now.Add(-s.cfg.StaleProcessingAfter), now)
	if err != nil {
		return "", fmt.Errorf("reclaim inbound event: %w", err)
	}
	if !claimed {
		return "", domain.ErrClaimLost
	}

	resp, err := s.process(ctx, event, entry)
	if err != nil {
		return "", err
	}
	return string(resp.Result), nil
}

func (s *Service) adapter(provider string) (domain.Adapter, error) {
	if !s.adapters.ProviderExists(provider) {
		return nil, domain.ErrProviderNotFound
	}
	secret := strings.TrimSpace(s.cfg.Secrets[provider])
	if secret == "" {
		return nil, domain.ErrWebhookNotConfigured
	}
	return s.adapters.NewAdapter(provider, domain.AdapterConfig{Secret: secret, Clock: s.clock})
}

// process runs the handler for a claimed ledger row. The row is completed in
// the handler's transaction or moved to error afterwards.
func (s *Service) process(ctx context.Context, event *domain.InboundEvent, entry *domain.LedgerEntry) (*domain.ReceiveResponse, error) {
	breaker := s.breakers.Get(inboundDependency(entry.Provider))

	var outcome domain.Outcome
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.ProcessingTimeout)
		defer cancel()
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			out, err := s.handle(ctx, tx, event)
			if err != nil {
				return err
			}
			status := domain.StatusSucceeded
			if out == domain.OutcomeIgnored {
				status = domain.StatusIgnored
			}
			ok, err := s.repo.MarkCompleted(ctx, tx, entry.ID, status, s.clock.Now())
			if err != nil {
				return err
			}
			if !ok {
				return domain.ErrClaimLost
			}
			outcome = out
			return nil
		})
	})
	if err != nil {
		return nil, s.fail(ctx, entry, err)
	}

	s.metrics.RecordInboundHandled(ctx, entry.Provider, entry.EventType, string(outcome))
	result := domain.ResultProcessed
	if outcome == domain.OutcomeIgnored {
		result = domain.ResultIgnored
	}
	return &domain.ReceiveResponse{Result: result, EventID: entry.EventID}, nil
}

func (s *Service) handle(ctx context.Context, tx *gorm.DB, event *domain.InboundEvent) (outcome domain.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("inbound handler panic: %v", r)
		}
	}()
	return s.handler.Handle(ctx, tx, event)
}

// fail moves the row to error. A breaker rejection is not an attempt; any
// other failure counts and may dead-letter the row.
func (s *Service) fail(ctx context.Context, entry *domain.LedgerEntry, cause error) error {
	rejected := errors.Is(cause, circuitbreaker.ErrOpen)
	lastError := truncate(cause.Error(), maxLastErrorLen)
	now := s.clock.Now()
	bg := context.WithoutCancel(ctx)

	var updated *domain.LedgerEntry
	err := s.db.WithContext(bg).Transaction(func(tx *gorm.DB) error {
		var err error
		updated, err = s.repo.MarkError(bg, tx, entry.ID, lastError, !rejected, now)
		if err != nil {
			return err
		}
		if rejected || updated.Attempts < s.cfg.MaxInboundAttempts {
			return nil
		}
		return s.deadLetters.RecordInboundDeadLetter(bg, tx, deadletterdomain.InboundDeadLetter{
			SourceID:        updated.ID,
			OrgID:           updated.OrgID,
			EventType:       updated.EventType,
			Reference:       updated.Provider + ":" + updated.EventID,
			Dependency:      inboundDependency(updated.Provider),
			LastError:       lastError,
			Attempts:        updated.Attempts,
			SourceCreatedAt: updated.CreatedAt,
		})
	})
	if err != nil {
		s.log.Error("failed to record inbound failure",
			zap.String("provider", entry.Provider),
			zap.String("event_id", entry.EventID),
			zap.Error(err),
		)
	}

	outcome := "error"
	if rejected {
		outcome = "rejected"
	}
	s.metrics.RecordInboundHandled(ctx, entry.Provider, entry.EventType, outcome)
	s.log.Warn("inbound event processing failed",
		zap.String("provider", entry.Provider),
		zap.String("event_id", entry.EventID),
		zap.Bool("circuit_open", rejected),
		zap.Error(cause),
	)

	if rejected {
		return cause
	}
	return fmt.Errorf("%w: %w", domain.ErrProcessingFailed, cause)
}

// asDomainError keeps adapter domain errors and maps anything else to def.
func asDomainError(err, def error) error {
	for _, known := range []error{
		domain.ErrInvalidSignature,
		domain.ErrInvalidPayload,
		domain.ErrWebhookNotConfigured,
	} {
		if errors.Is(err, known) {
			return known
		}
	}
	return def
}

func inboundDependency(provider string) string {
	return "inbound." + provider
}

func payloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
