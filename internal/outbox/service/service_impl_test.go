package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/courier/internal/clock"
	"github.com/smallbiznis/courier/internal/dbtest"
	"github.com/smallbiznis/courier/internal/outbox/domain"
	"github.com/smallbiznis/courier/internal/outbox/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type recordingSink struct {
	events []*domain.Event
}

func (s *recordingSink) RecordOutboxDeadLetter(_ context.Context, _ *gorm.DB, event *domain.Event) error {
	s.events = append(s.events, event)
	return nil
}

type fixture struct {
	db    *gorm.DB
	clock *clock.FakeClock
	sink  *recordingSink
	svc   domain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	sink := &recordingSink{}
	svc := New(Params{
		DB:          db,
		Log:         zaptest.NewLogger(t),
		GenID:       node,
		Clock:       clk,
		Repo:        repository.Provide(),
		DeadLetters: sink,
	})
	return &fixture{db: db, clock: clk, sink: sink, svc: svc}
}

func emailRequest(key string) domain.EnqueueRequest {
	return domain.EnqueueRequest{
		Kind:      domain.KindEmail,
		DedupeKey: key,
		Payload:   json.RawMessage(`{"to":"a@example.com","subject":"hi"}`),
	}
}

func countRows(t *testing.T, db *gorm.DB, key string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM outbox_events WHERE dedupe_key = ?`, key).Scan(&n).Error)
	return n
}

func TestEnqueueIsIdempotentPerDedupeKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Enqueue(ctx, emailRequest("receipt:1"))
	require.NoError(t, err)
	second, err := f.svc.Enqueue(ctx, emailRequest("receipt:1"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(1), countRows(t, f.db, "receipt:1"))
	assert.Equal(t, domain.StatusPending, second.Status)
}

func TestEnqueueTxRollbackDiscardsEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := errors.New("business mutation failed")

	err := f.db.Transaction(func(tx *gorm.DB) error {
		if _, err := f.svc.EnqueueTx(ctx, tx, emailRequest("receipt:rollback")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int64(0), countRows(t, f.db, "receipt:rollback"))
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Enqueue(ctx, domain.EnqueueRequest{Kind: "fax", DedupeKey: "k", Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, domain.ErrInvalidKind)

	_, err = f.svc.Enqueue(ctx, domain.EnqueueRequest{Kind: domain.KindSMS, DedupeKey: "  ", Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, domain.ErrInvalidDedupeKey)

	_, err = f.svc.Enqueue(ctx, domain.EnqueueRequest{Kind: domain.KindSMS, DedupeKey: "k", Payload: json.RawMessage(`{bad`)})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestClaimBatchSkipsFutureAndClaimedRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		_, err := f.svc.Enqueue(ctx, emailRequest(key))
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}
	later := f.clock.Now().Add(time.Hour)
	require.NoError(t, f.db.Exec(`UPDATE outbox_events SET next_attempt_at = ? WHERE dedupe_key = 'c'`, later).Error)

	first, err := f.svc.ClaimBatch(ctx, domain.ClaimRequest{Limit: 10, Lease: time.Minute, Owner: "w1"})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "a", first[0].DedupeKey)
	assert.Equal(t, domain.StatusInFlight, first[0].Status)
	require.NotNil(t, first[0].LockedBy)
	assert.Equal(t, "w1", *first[0].LockedBy)

	second, err := f.svc.ClaimBatch(ctx, domain.ClaimRequest{Limit: 10, Lease: time.Minute, Owner: "w2"})
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestCompletionRequiresLeaseOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Enqueue(ctx, emailRequest("lease"))
	require.NoError(t, err)
	claimed, err := f.svc.ClaimBatch(ctx, domain.ClaimRequest{Limit: 1, Lease: time.Minute, Owner: "w1"})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	err = f.svc.MarkDelivered(ctx, claimed[0].ID, "someone-else")
	assert.ErrorIs(t, err, domain.ErrLeaseLost)

	require.NoError(t, f.svc.MarkDelivered(ctx, claimed[0].ID, "w1"))
	event, err := f.svc.Get(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, event.Status)
	assert.NotNil(t, event.DeliveredAt)
}

func TestReleaseExpiredLeasesReturnsRowsToPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Enqueue(ctx, emailRequest("crash"))
	require.NoError(t, err)
	claimed, err := f.svc.ClaimBatch(ctx, domain.ClaimRequest{Limit: 1, Lease: time.Minute, Owner: "crashed"})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	released, err := f.svc.ReleaseExpiredLeases(ctx, f.clock.Now().Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), released, "lease still valid")

	f.clock.Advance(2 * time.Minute)
	released, err = f.svc.ReleaseExpiredLeases(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	event, err := f.svc.Get(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, event.Status)
	assert.Equal(t, 0, event.Attempts)

	// The crashed worker can no longer report an outcome.
	assert.ErrorIs(t, f.svc.MarkDelivered(ctx, claimed[0].ID, "crashed"), domain.ErrLeaseLost)
}

func TestMarkDeadLetteredFreesDedupeKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Enqueue(ctx, emailRequest("dead"))
	require.NoError(t, err)
	claimed, err := f.svc.ClaimBatch(ctx, domain.ClaimRequest{Limit: 1, Lease: time.Minute, Owner: "w1"})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, f.svc.MarkDeadLettered(ctx, claimed[0].ID, "w1", 8, "smtp 550"))
	require.Len(t, f.sink.events, 1)
	assert.Equal(t, domain.StatusDeadLettered, f.sink.events[0].Status)

	fresh, err := f.svc.Enqueue(ctx, emailRequest("dead"))
	require.NoError(t, err)
	assert.NotEqual(t, claimed[0].ID, fresh.ID)
	assert.Equal(t, int64(2), countRows(t, f.db, "dead"))
}

func TestRescheduleRecordsFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Enqueue(ctx, emailRequest("retry"))
	require.NoError(t, err)
	claimed, err := f.svc.ClaimBatch(ctx, domain.ClaimRequest{Limit: 1, Lease: time.Minute, Owner: "w1"})
	require.NoError(t, err)

	next := f.clock.Now().Add(10 * time.Second)
	require.NoError(t, f.svc.Reschedule(ctx, claimed[0].ID, "w1", domain.Failure{
		Attempts:      1,
		LastError:     "timeout",
		NextAttemptAt: next,
	}))

	event, err := f.svc.Get(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, event.Status)
	assert.Equal(t, 1, event.Attempts)
	require.NotNil(t, event.LastError)
	assert.Equal(t, "timeout", *event.LastError)

	due, err := f.svc.ClaimBatch(ctx, domain.ClaimRequest{Limit: 1, Lease: time.Minute, Owner: "w1"})
	require.NoError(t, err)
	assert.Empty(t, due, "not due before next_attempt_at")

	f.clock.Advance(10 * time.Second)
	due, err = f.svc.ClaimBatch(ctx, domain.ClaimRequest{Limit: 1, Lease: time.Minute, Owner: "w1"})
	require.NoError(t, err)
	assert.Len(t, due, 1)
}
