package handler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/courier/internal/clock"
	"github.com/smallbiznis/courier/internal/dbtest"
	outboxdomain "github.com/smallbiznis/courier/internal/outbox/domain"
	outboxrepository "github.com/smallbiznis/courier/internal/outbox/repository"
	outboxservice "github.com/smallbiznis/courier/internal/outbox/service"
	"github.com/smallbiznis/courier/internal/payment/repository"
	"github.com/smallbiznis/courier/internal/providers/email"
	webhookdomain "github.com/smallbiznis/courier/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type noopSink struct{}

func (noopSink) RecordOutboxDeadLetter(context.Context, *gorm.DB, *outboxdomain.Event) error {
	return nil
}

type fixture struct {
	db      *gorm.DB
	outbox  outboxdomain.Service
	handler *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	log := zaptest.NewLogger(t)

	outbox := outboxservice.New(outboxservice.Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		Clock:       clk,
		Repo:        outboxrepository.Provide(),
		DeadLetters: noopSink{},
	})
	return &fixture{
		db:     db,
		outbox: outbox,
		handler: New(Params{
			Log:    log,
			GenID:  node,
			Clock:  clk,
			Repo:   repository.Provide(),
			Outbox: outbox,
		}),
	}
}

func (f *fixture) handle(t *testing.T, event *webhookdomain.InboundEvent) webhookdomain.Outcome {
	t.Helper()
	var outcome webhookdomain.Outcome
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = f.handler.Handle(context.Background(), tx, event)
		return err
	})
	require.NoError(t, err)
	return outcome
}

func idPtr(v int64) *snowflake.ID {
	id := snowflake.ID(v)
	return &id
}

func paymentEvent(eventType string) *webhookdomain.InboundEvent {
	return &webhookdomain.InboundEvent{
		Provider:   "stripe",
		ID:         "evt_1",
		Type:       eventType,
		OrgID:      idPtr(100),
		References: webhookdomain.References{InvoiceID: idPtr(20), CustomerID: idPtr(10)},
		Payment: &webhookdomain.PaymentDetails{
			PaymentID: "pi_1",
			Amount:    2500,
			Currency:  "USD",
		},
		OccurredAt: time.Date(2026, 4, 1, 8, 59, 0, 0, time.UTC),
	}
}

func TestPaymentSucceededQueuesReceipt(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Exec(`INSERT INTO customers (id, org_id, email) VALUES (10, 100, 'ana@example.com')`).Error)

	outcome := f.handle(t, paymentEvent(webhookdomain.EventTypePaymentSucceeded))
	assert.Equal(t, webhookdomain.OutcomeProcessed, outcome)

	events, err := f.outbox.ListByStatus(context.Background(), outboxdomain.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, outboxdomain.KindEmail, events[0].Kind)
	assert.Equal(t, "payment-receipt:stripe:evt_1", events[0].DedupeKey)

	var payload email.Payload
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, []string{"ana@example.com"}, payload.To)
	assert.Equal(t, "payment_receipt", payload.Template)
	assert.Equal(t, "USD 25.00", payload.Data["amount"])
	require.NotNil(t, payload.Receipt)
	assert.Equal(t, "stripe:evt_1", payload.Receipt.Reference)

	record, err := repository.Provide().FindEvent(context.Background(), f.db, "stripe", "evt_1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, int64(2500), record.Amount)
}

func TestHandleTwiceQueuesOneEmail(t *testing.T) {
	f := newFixture(t)
	event := paymentEvent(webhookdomain.EventTypePaymentFailed)
	event.Payment.CustomerEmail = "ana@example.com"

	f.handle(t, event)
	f.handle(t, event)

	events, err := f.outbox.ListByStatus(context.Background(), outboxdomain.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	var payload email.Payload
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, "payment_failed", payload.Template)
	assert.Nil(t, payload.Receipt)
}

func TestUnhandledTypesAreIgnored(t *testing.T) {
	f := newFixture(t)
	event := paymentEvent("customer.created")
	assert.Equal(t, webhookdomain.OutcomeIgnored, f.handle(t, event))

	var count int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM payment_events`).Scan(&count).Error)
	assert.Zero(t, count)
}

func TestNoRecipientRecordsWithoutEmail(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, webhookdomain.OutcomeProcessed, f.handle(t, paymentEvent(webhookdomain.EventTypeRefunded)))

	events, err := f.outbox.ListByStatus(context.Background(), outboxdomain.StatusPending, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "USD 25.00", FormatAmount(2500, "usd"))
	assert.Equal(t, "USD 0.05", FormatAmount(5, "USD"))
	assert.Equal(t, "JPY 1200", FormatAmount(1200, "jpy"))
	assert.Equal(t, "EUR -1.50", FormatAmount(-150, "EUR"))
}
