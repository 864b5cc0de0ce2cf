package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/courier/internal/circuitbreaker"
	"github.com/smallbiznis/courier/internal/clock"
	"github.com/smallbiznis/courier/internal/config"
	"github.com/smallbiznis/courier/internal/dbtest"
	deadletterdomain "github.com/smallbiznis/courier/internal/deadletter/domain"
	deadletterrepository "github.com/smallbiznis/courier/internal/deadletter/repository"
	deadletterservice "github.com/smallbiznis/courier/internal/deadletter/service"
	outboxrepository "github.com/smallbiznis/courier/internal/outbox/repository"
	"github.com/smallbiznis/courier/internal/providers/exportwebhook"
	"github.com/smallbiznis/courier/internal/webhook/adapters"
	hmacadapter "github.com/smallbiznis/courier/internal/webhook/adapters/hmac"
	"github.com/smallbiznis/courier/internal/webhook/adapters/stripe"
	"github.com/smallbiznis/courier/internal/webhook/domain"
	"github.com/smallbiznis/courier/internal/webhook/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const testSecret = "s3cret"

type stubResolver struct {
	orgID snowflake.ID
	err   error
}

func (r *stubResolver) Resolve(context.Context, *domain.InboundEvent) (snowflake.ID, error) {
	return r.orgID, r.err
}

type countingHandler struct {
	mu      sync.Mutex
	calls   int
	outcome domain.Outcome
	err     error
	panics  bool
}

func (h *countingHandler) Handle(ctx context.Context, tx *gorm.DB, event *domain.InboundEvent) (domain.Outcome, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	if h.panics {
		panic("boom")
	}
	if h.err != nil {
		return "", h.err
	}
	return h.outcome, nil
}

type fixture struct {
	db         *gorm.DB
	clock      *clock.FakeClock
	resolver   *stubResolver
	handler    *countingHandler
	breakers   *circuitbreaker.Registry
	svc        *Service
	deadLetter deadletterdomain.Service
}

func newFixture(t *testing.T, breaker circuitbreaker.Settings) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	log := zaptest.NewLogger(t)

	cfg := config.Config{Webhook: config.WebhookConfig{
		Secrets:              map[string]string{"acme": testSecret, "stripe": "whsec"},
		ProcessingTimeout:    5 * time.Second,
		StaleProcessingAfter: time.Minute,
		MaxInboundAttempts:   3,
	}}
	dlRepo := deadletterrepository.Provide()
	recorder := deadletterservice.NewRecorder(deadletterservice.RecorderParams{Log: log, GenID: node, Clock: clk, Repo: dlRepo})

	f := &fixture{
		db:       db,
		clock:    clk,
		resolver: &stubResolver{orgID: 100},
		handler:  &countingHandler{outcome: domain.OutcomeProcessed},
		breakers: circuitbreaker.NewStaticRegistry(clk, breaker, nil),
	}
	f.svc = New(Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		Clock:       clk,
		Config:      cfg,
		Repo:        repository.Provide(),
		Adapters:    adapters.NewRegistry(hmacadapter.NewFactory(), stripe.NewFactory()),
		Resolver:    f.resolver,
		Breakers:    f.breakers,
		Handler:     f.handler,
		DeadLetters: recorder,
	})
	f.deadLetter = deadletterservice.New(deadletterservice.Params{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      clk,
		Repo:       dlRepo,
		OutboxRepo: outboxrepository.Provide(),
		Inbound:    f.svc,
	})
	return f
}

func (f *fixture) request(eventID, body string) domain.ReceiveRequest {
	payload := []byte(body)
	if body == "" {
		payload = []byte(fmt.Sprintf(`{"id":%q,"type":"payment_succeeded","metadata":{"org_id":"100"}}`, eventID))
	}
	headers := http.Header{}
	headers.Set(hmacadapter.SignatureHeader, exportwebhook.Sign(testSecret, f.clock.Now(), payload))
	return domain.ReceiveRequest{Provider: "acme", Payload: payload, Headers: headers}
}

func (f *fixture) ledger(t *testing.T, eventID string) *domain.LedgerEntry {
	t.Helper()
	entry, err := repository.Provide().FindByProviderEvent(context.Background(), f.db, "acme", eventID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	return entry
}

func defaultBreaker() circuitbreaker.Settings {
	return circuitbreaker.Settings{FailureThreshold: 100, Window: time.Minute, RecoveryTime: time.Minute, HalfOpenMaxCalls: 1}
}

func TestReceiveProcessesOnceAndDeduplicates(t *testing.T) {
	f := newFixture(t, defaultBreaker())
	ctx := context.Background()

	resp, err := f.svc.Receive(ctx, f.request("evt_1", ""))
	require.NoError(t, err)
	assert.Equal(t, domain.ResultProcessed, resp.Result)

	resp, err = f.svc.Receive(ctx, f.request("evt_1", ""))
	require.NoError(t, err)
	assert.Equal(t, domain.ResultDuplicate, resp.Result)
	assert.Equal(t, 1, f.handler.calls)

	entry := f.ledger(t, "evt_1")
	assert.Equal(t, domain.StatusSucceeded, entry.Status)
	require.NotNil(t, entry.OrgID)
	assert.Equal(t, snowflake.ID(100), *entry.OrgID)
	assert.NotNil(t, entry.ProcessedAt)
}

func TestReceiveIgnoredOutcome(t *testing.T) {
	f := newFixture(t, defaultBreaker())
	f.handler.outcome = domain.OutcomeIgnored

	resp, err := f.svc.Receive(context.Background(), f.request("evt_1", ""))
	require.NoError(t, err)
	assert.Equal(t, domain.ResultIgnored, resp.Result)
	assert.Equal(t, domain.StatusIgnored, f.ledger(t, "evt_1").Status)
}

func TestReceiveRejectsPayloadConflict(t *testing.T) {
	f := newFixture(t, defaultBreaker())
	ctx := context.Background()

	_, err := f.svc.Receive(ctx, f.request("evt_1", ""))
	require.NoError(t, err)
	before := f.ledger(t, "evt_1")

	_, err = f.svc.Receive(ctx, f.request("evt_1", `{"id":"evt_1","type":"refunded","metadata":{"org_id":"100"}}`))
	assert.ErrorIs(t, err, domain.ErrPayloadConflict)

	after := f.ledger(t, "evt_1")
	assert.Equal(t, before.PayloadHash, after.PayloadHash)
	assert.Equal(t, before.EventType, after.EventType)
	assert.Equal(t, 1, f.handler.calls)
}

func TestReceiveRejectsTenantConflict(t *testing.T) {
	f := newFixture(t, defaultBreaker())
	ctx := context.Background()

	f.handler.err = errors.New("retry later")
	_, err := f.svc.Receive(ctx, f.request("evt_1", ""))
	assert.ErrorIs(t, err, domain.ErrProcessingFailed)
	f.handler.err = nil

	f.resolver.orgID = 200
	_, err = f.svc.Receive(ctx, f.request("evt_1", ""))
	assert.ErrorIs(t, err, domain.ErrTenantConflict)
	assert.Equal(t, domain.StatusError, f.ledger(t, "evt_1").Status)
	assert.Equal(t, 1, f.handler.calls)
}

func TestDuplicateOfFinishedEventSkipsTenantResolution(t *testing.T) {
	f := newFixture(t, defaultBreaker())
	ctx := context.Background()

	_, err := f.svc.Receive(ctx, f.request("evt_1", ""))
	require.NoError(t, err)

	f.resolver.err = errors.New("invoice lookup: connection refused")
	resp, err := f.svc.Receive(ctx, f.request("evt_1", ""))
	require.NoError(t, err)
	assert.Equal(t, domain.ResultDuplicate, resp.Result)

	f.resolver.err = domain.ErrTenantUnresolved
	resp, err = f.svc.Receive(ctx, f.request("evt_1", ""))
	require.NoError(t, err)
	assert.Equal(t, domain.ResultDuplicate, resp.Result)

	_, err = f.svc.Receive(ctx, f.request("evt_1", `{"id":"evt_1","type":"refunded","metadata":{"org_id":"100"}}`))
	assert.ErrorIs(t, err, domain.ErrPayloadConflict)
	assert.Equal(t, 1, f.handler.calls)
}

func TestConcurrentDeliveriesProcessOnce(t *testing.T) {
	f := newFixture(t, defaultBreaker())
	ctx := context.Background()
	req := f.request("evt_1", "")

	const deliveries = 8
	results := make([]domain.Result, deliveries)
	errs := make([]error, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.svc.Receive(ctx, req)
			errs[i] = err
			if resp != nil {
				results[i] = resp.Result
			}
		}(i)
	}
	wg.Wait()

	processed := 0
	for i := 0; i < deliveries; i++ {
		require.NoError(t, errs[i])
		switch results[i] {
		case domain.ResultProcessed:
			processed++
		case domain.ResultDuplicate, domain.ResultInFlight:
		default:
			t.Fatalf("delivery %d: unexpected result %q", i, results[i])
		}
	}
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, f.handler.calls)
	assert.Equal(t, domain.StatusSucceeded, f.ledger(t, "evt_1").Status)
}

func TestReceiveRejectsBeforeRecording(t *testing.T) {
	f := newFixture(t, defaultBreaker())
	ctx := context.Background()

	f.resolver.err = domain.ErrTenantUnresolved
	_, err := f.svc.Receive(ctx, f.request("evt_1", ""))
	assert.ErrorIs(t, err, domain.ErrTenantUnresolved)
	f.resolver.err = nil

	req := f.request("evt_2", "")
	req.Headers.Set(hmacadapter.SignatureHeader, exportwebhook.Sign("wrong", f.clock.Now(), req.Payload))
	_, err = f.svc.Receive(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = f.svc.Receive(ctx, f.request("evt_3", `{"type":"payment_succeeded"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	req = f.request("evt_4", "")
	req.Provider = "unconfigured"
	_, err = f.svc.Receive(ctx, req)
	assert.ErrorIs(t, err, domain.ErrWebhookNotConfigured)

	var count int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM inbound_events`).Scan(&count).Error)
	assert.Zero(t, count)
	assert.Zero(t, f.handler.calls)
}

func TestHandlerFailureIsRetriedByNextDelivery(t *testing.T) {
	f := newFixture(t, defaultBreaker())
	ctx := context.Background()

	f.handler.err = errors.New("db unavailable")
	_, err := f.svc.Receive(ctx, f.request("evt_1", ""))
	assert.ErrorIs(t, err, domain.ErrProcessingFailed)

	entry := f.ledger(t, "evt_1")
	assert.Equal(t, domain.StatusError, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	require.NotNil(t, entry.LastError)
	assert.Contains(t, *entry.LastError, "db unavailable")

	f.handler.err = nil
	resp, err := f.svc.Receive(ctx, f.request("evt_1", ""))
	require.NoError(t, err)
	assert.Equal(t, domain.ResultProcessed, resp.Result)
	assert.Equal(t, domain.StatusSucceeded, f.ledger(t, "evt_1").Status)
	assert.Equal(t, 2, f.handler.calls)
}

func TestHandlerPanicIsAFailure(t *testing.T) {
	f := newFixture(t, defaultBreaker())
	f.handler.panics = true

	_, err := f.svc.Receive(context.Background(), f.request("evt_1", ""))
	assert.ErrorIs(t, err, domain.ErrProcessingFailed)
	assert.Equal(t, domain.StatusError, f.ledger(t, "evt_1").Status)
}

func TestProcessingRowIsInFlightUntilStale(t *testing.T) {
	f := newFixture(t, defaultBreaker())
	ctx := context.Background()

	f.handler.err = errors.New("fail once")
	_, _ = f.svc.Receive(ctx, f.request("evt_1", ""))
	f.handler.err = nil

	// Simulate a receiver that crashed mid-processing.
	require.NoError(t, f.db.Exec(
		`UPDATE inbound_events SET status = ?, updated_at = ? WHERE event_id = ?`,
		domain.StatusProcessing, f.clock.Now(), "evt_1",
	).Error)

	resp, err := f.svc.Receive(ctx, f.request("evt_1", ""))
	require.NoError(t, err)
	assert.Equal(t, domain.ResultInFlight, resp.Result)
	assert.Equal(t, 1, f.handler.calls)

	f.clock.Advance(2 * time.Minute)
	resp, err = f.svc.Receive(ctx, f.request("evt_1", ""))
	require.NoError(t, err)
	assert.Equal(t, domain.ResultProcessed, resp.Result)
	assert.Equal(t, 2, f.handler.calls)
}

func TestCircuitOpenDoesNotCountAttempt(t *testing.T) {
	f := newFixture(t, circuitbreaker.Settings{FailureThreshold: 1, Window: time.Minute, RecoveryTime: time.Minute, HalfOpenMaxCalls: 1})
	ctx := context.Background()

	f.handler.err = errors.New("downstream down")
	_, err := f.svc.Receive(ctx, f.request("evt_1", ""))
	assert.ErrorIs(t, err, domain.ErrProcessingFailed)
	assert.Equal(t, circuitbreaker.StateOpen, f.breakers.Get("inbound.acme").State())

	_, err = f.svc.Receive(ctx, f.request("evt_1", ""))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	entry := f.ledger(t, "evt_1")
	assert.Equal(t, domain.StatusError, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, 1, f.handler.calls)

	f.clock.Advance(time.Minute)
	f.handler.err = nil
	resp, err := f.svc.Receive(ctx, f.request("evt_1", ""))
	require.NoError(t, err)
	assert.Equal(t, domain.ResultProcessed, resp.Result)
	assert.Equal(t, circuitbreaker.StateClosed, f.breakers.Get("inbound.acme").State())
}

func TestExhaustedEventIsDeadLetteredAndReplayable(t *testing.T) {
	f := newFixture(t, defaultBreaker())
	ctx := context.Background()

	f.handler.err = errors.New("still broken")
	for i := 0; i < 3; i++ {
		_, err := f.svc.Receive(ctx, f.request("evt_1", ""))
		assert.ErrorIs(t, err, domain.ErrProcessingFailed)
	}

	resp, err := f.svc.Receive(ctx, f.request("evt_1", ""))
	require.NoError(t, err)
	assert.Equal(t, domain.ResultDeadLettered, resp.Result)
	assert.Equal(t, 3, f.handler.calls)

	list, err := f.deadLetter.List(ctx, deadletterdomain.ListRequest{Source: deadletterdomain.SourceInbound})
	require.NoError(t, err)
	require.Len(t, list.Entries, 1)
	entry := list.Entries[0]
	assert.Equal(t, "acme:evt_1", entry.Reference)
	assert.Equal(t, 3, entry.Attempts)

	f.handler.err = nil
	replay, err := f.deadLetter.Replay(ctx, deadletterdomain.ReplayRequest{EntryID: entry.ID, Actor: "ops@example.com"})
	require.NoError(t, err)
	assert.Equal(t, deadletterdomain.ReplayAccepted, replay.Result)
	assert.Equal(t, "processed", replay.Detail)
	assert.Equal(t, domain.StatusSucceeded, f.ledger(t, "evt_1").Status)

	_, err = f.svc.ReplayInbound(ctx, entry.SourceID)
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
}

func TestReplayInboundChecksTenant(t *testing.T) {
	f := newFixture(t, defaultBreaker())
	ctx := context.Background()

	f.handler.err = errors.New("broken")
	_, _ = f.svc.Receive(ctx, f.request("evt_1", ""))
	entry := f.ledger(t, "evt_1")

	f.resolver.orgID = 999
	_, err := f.svc.ReplayInbound(ctx, entry.ID)
	assert.ErrorIs(t, err, domain.ErrTenantConflict)

	_, err = f.svc.ReplayInbound(ctx, snowflake.ID(42))
	assert.ErrorIs(t, err, domain.ErrLedgerNotFound)
}
