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
	"github.com/smallbiznis/courier/internal/deadletter/domain"
	"github.com/smallbiznis/courier/internal/deadletter/repository"
	outboxdomain "github.com/smallbiznis/courier/internal/outbox/domain"
	outboxrepository "github.com/smallbiznis/courier/internal/outbox/repository"
	outboxservice "github.com/smallbiznis/courier/internal/outbox/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type fakeReplayer struct {
	calls   []snowflake.ID
	outcome string
	err     error
}

func (f *fakeReplayer) ReplayInbound(_ context.Context, id snowflake.ID) (string, error) {
	f.calls = append(f.calls, id)
	return f.outcome, f.err
}

type fixture struct {
	db       *gorm.DB
	clock    *clock.FakeClock
	node     *snowflake.Node
	recorder *Recorder
	outbox   outboxdomain.Service
	replayer *fakeReplayer
	svc      domain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	log := zaptest.NewLogger(t)
	repo := repository.Provide()
	outboxRepo := outboxrepository.Provide()

	recorder := NewRecorder(RecorderParams{Log: log, GenID: node, Clock: clk, Repo: repo})
	outbox := outboxservice.New(outboxservice.Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		Clock:       clk,
		Repo:        outboxRepo,
		DeadLetters: recorder,
	})
	replayer := &fakeReplayer{outcome: "processed"}
	svc := New(Params{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      clk,
		Repo:       repo,
		OutboxRepo: outboxRepo,
		Inbound:    replayer,
	})
	return &fixture{
		db:       db,
		clock:    clk,
		node:     node,
		recorder: recorder,
		outbox:   outbox,
		replayer: replayer,
		svc:      svc,
	}
}

// exhaust enqueues an email event and drives it straight to dead_lettered.
func (f *fixture) exhaust(t *testing.T, key string) *outboxdomain.Event {
	t.Helper()
	ctx := context.Background()
	event, err := f.outbox.Enqueue(ctx, outboxdomain.EnqueueRequest{
		Kind:      outboxdomain.KindEmail,
		DedupeKey: key,
		Payload:   json.RawMessage(`{"to":"ops@example.com"}`),
	})
	require.NoError(t, err)
	claimed, err := f.outbox.ClaimBatch(ctx, outboxdomain.ClaimRequest{Limit: 10, Lease: time.Minute, Owner: "worker-a"})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, f.outbox.MarkDeadLettered(ctx, event.ID, "worker-a", 8, "smtp: 550 mailbox unavailable"))
	return event
}

func (f *fixture) onlyEntry(t *testing.T) *domain.Entry {
	t.Helper()
	resp, err := f.svc.List(context.Background(), domain.ListRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Entries, 1)
	return resp.Entries[0]
}

func TestOutboxDeadLetterIsRecordedWithEvent(t *testing.T) {
	f := newFixture(t)
	event := f.exhaust(t, "receipt:dl-1")

	entry := f.onlyEntry(t)
	assert.Equal(t, domain.SourceOutbox, entry.Source)
	assert.Equal(t, event.ID, entry.SourceID)
	assert.Equal(t, "email", entry.Kind)
	assert.Equal(t, "receipt:dl-1", entry.Reference)
	assert.Equal(t, 8, entry.Attempts)
	assert.Equal(t, "smtp: 550 mailbox unavailable", entry.LastError)
	assert.Equal(t, domain.EntryStatusOpen, entry.Status)
}

func TestReplayOutboxResetsEventOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.exhaust(t, "receipt:dl-2")
	entry := f.onlyEntry(t)

	f.clock.Advance(time.Hour)
	resp, err := f.svc.Replay(ctx, domain.ReplayRequest{EntryID: entry.ID, Actor: "ops@acme"})
	require.NoError(t, err)
	assert.Equal(t, domain.ReplayAccepted, resp.Result)

	reset, err := f.outbox.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, outboxdomain.StatusPending, reset.Status)
	assert.Equal(t, 0, reset.Attempts)
	assert.Nil(t, reset.LastError)

	_, err = f.svc.Replay(ctx, domain.ReplayRequest{EntryID: entry.ID, Actor: "ops@acme"})
	assert.ErrorIs(t, err, domain.ErrNotReplayable)

	replays, err := f.svc.ListReplays(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, replays, 2)
	assert.Equal(t, domain.ReplayAccepted, replays[0].Result)
	assert.Equal(t, domain.ReplayRejected, replays[1].Result)
	assert.Equal(t, "not_replayable", replays[1].Detail)

	updated, err := f.svc.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStatusReplayed, updated.Status)
	assert.Equal(t, 1, updated.ReplayCount)
}

func TestReplayOutboxConflictsWithLiveDedupeKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exhaust(t, "receipt:dl-3")
	entry := f.onlyEntry(t)

	_, err := f.outbox.Enqueue(ctx, outboxdomain.EnqueueRequest{
		Kind:      outboxdomain.KindEmail,
		DedupeKey: "receipt:dl-3",
		Payload:   json.RawMessage(`{"to":"ops@example.com"}`),
	})
	require.NoError(t, err)

	_, err = f.svc.Replay(ctx, domain.ReplayRequest{EntryID: entry.ID, Actor: "ops@acme"})
	require.ErrorIs(t, err, domain.ErrReplayConflict)

	still, err := f.svc.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStatusOpen, still.Status)

	replays, err := f.svc.ListReplays(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, replays, 1)
	assert.Equal(t, "replay_conflict", replays[0].Detail)
}

func TestReplayRequiresActorAndExistingEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Replay(ctx, domain.ReplayRequest{EntryID: 1, Actor: " "})
	assert.ErrorIs(t, err, domain.ErrInvalidActor)

	_, err = f.svc.Replay(ctx, domain.ReplayRequest{EntryID: 424242, Actor: "ops"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func (f *fixture) recordInbound(t *testing.T, ledgerID snowflake.ID) {
	t.Helper()
	err := f.db.Transaction(func(tx *gorm.DB) error {
		return f.recorder.RecordInboundDeadLetter(context.Background(), tx, domain.InboundDeadLetter{
			SourceID:        ledgerID,
			EventType:       "payment_intent.succeeded",
			Reference:       "stripe:evt_1",
			LastError:       "handler: invoice missing",
			Attempts:        5,
			SourceCreatedAt: f.clock.Now(),
		})
	})
	require.NoError(t, err)
}

func TestInboundDeadLetterKeepsSingleOpenEntry(t *testing.T) {
	f := newFixture(t)
	f.recordInbound(t, 77)
	f.recordInbound(t, 77)

	entry := f.onlyEntry(t)
	assert.Equal(t, domain.SourceInbound, entry.Source)
	assert.Equal(t, snowflake.ID(77), entry.SourceID)
}

func TestReplayInboundDelegatesToReplayer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.recordInbound(t, 88)
	entry := f.onlyEntry(t)

	resp, err := f.svc.Replay(ctx, domain.ReplayRequest{EntryID: entry.ID, Actor: "ops"})
	require.NoError(t, err)
	assert.Equal(t, "processed", resp.Detail)
	assert.Equal(t, []snowflake.ID{88}, f.replayer.calls)

	_, err = f.svc.Replay(ctx, domain.ReplayRequest{EntryID: entry.ID, Actor: "ops"})
	assert.ErrorIs(t, err, domain.ErrNotReplayable)
	assert.Len(t, f.replayer.calls, 1)
}

func TestReplayInboundFailureLeavesEntryOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.recordInbound(t, 99)
	entry := f.onlyEntry(t)
	f.replayer.err = errors.New("tenant_mismatch")

	_, err := f.svc.Replay(ctx, domain.ReplayRequest{EntryID: entry.ID, Actor: "ops"})
	require.Error(t, err)

	still, err := f.svc.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStatusOpen, still.Status)

	replays, err := f.svc.ListReplays(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, replays, 1)
	assert.Equal(t, domain.ReplayRejected, replays[0].Result)
	assert.Equal(t, "tenant_mismatch", replays[0].Detail)
}

func TestListPagesNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []snowflake.ID{1, 2, 3} {
		f.recordInbound(t, id)
		f.clock.Advance(time.Minute)
	}
	f.exhaust(t, "receipt:dl-4")

	first, err := f.svc.List(ctx, domain.ListRequest{Source: domain.SourceInbound, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first.Entries, 2)
	assert.True(t, first.HasMore)
	assert.Equal(t, snowflake.ID(3), first.Entries[0].SourceID)
	assert.Equal(t, snowflake.ID(2), first.Entries[1].SourceID)

	second, err := f.svc.List(ctx, domain.ListRequest{
		Source:    domain.SourceInbound,
		PageSize:  2,
		PageToken: first.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, second.Entries, 1)
	assert.False(t, second.HasMore)
	assert.Equal(t, snowflake.ID(1), second.Entries[0].SourceID)

	byKind, err := f.svc.List(ctx, domain.ListRequest{Kind: "email"})
	require.NoError(t, err)
	require.Len(t, byKind.Entries, 1)

	_, err = f.svc.List(ctx, domain.ListRequest{PageToken: "not-a-token"})
	assert.Error(t, err)

	_, err = f.svc.List(ctx, domain.ListRequest{Source: "kafka"})
	assert.ErrorIs(t, err, domain.ErrInvalidSource)
}
