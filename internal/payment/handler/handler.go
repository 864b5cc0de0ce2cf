// Package handler applies verified payment webhooks: it records the payment
// event and queues the customer notification in the same transaction.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/courier/internal/clock"
	outboxdomain "github.com/smallbiznis/courier/internal/outbox/domain"
	paymentdomain "github.com/smallbiznis/courier/internal/payment/domain"
	"github.com/smallbiznis/courier/internal/providers/email"
	"github.com/smallbiznis/courier/internal/providers/pdf"
	webhookdomain "github.com/smallbiznis/courier/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Repo   paymentdomain.Repository
	Outbox outboxdomain.Service
}

type Handler struct {
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	repo   paymentdomain.Repository
	outbox outboxdomain.Service
}

func New(p Params) *Handler {
	return &Handler{
		log:    p.Log.Named("payment.handler"),
		genID:  p.GenID,
		clock:  p.Clock,
		repo:   p.Repo,
		outbox: p.Outbox,
	}
}

var templates = map[string]string{
	webhookdomain.EventTypePaymentSucceeded: "payment_receipt",
	webhookdomain.EventTypePaymentFailed:    "payment_failed",
	webhookdomain.EventTypeRefunded:         "payment_refunded",
}

func (h *Handler) Handle(ctx context.Context, tx *gorm.DB, event *webhookdomain.InboundEvent) (webhookdomain.Outcome, error) {
	template, ok := templates[event.Type]
	if !ok || event.Payment == nil {
		return webhookdomain.OutcomeIgnored, nil
	}
	if event.OrgID == nil {
		return "", paymentdomain.ErrMissingOrg
	}

	now := h.clock.Now()
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}
	record := &paymentdomain.EventRecord{
		ID:              h.genID.Generate(),
		OrgID:           *event.OrgID,
		Provider:        event.Provider,
		ProviderEventID: event.ID,
		EventType:       event.Type,
		InvoiceID:       event.References.InvoiceID,
		CustomerID:      event.References.CustomerID,
		Amount:          event.Payment.Amount,
		Currency:        event.Payment.Currency,
		OccurredAt:      occurredAt,
		CreatedAt:       now,
	}
	if _, err := h.repo.InsertEvent(ctx, tx, record); err != nil {
		return "", fmt.Errorf("insert payment event: %w", err)
	}

	recipient := strings.TrimSpace(event.Payment.CustomerEmail)
	if recipient == "" && event.References.CustomerID != nil {
		found, err := h.repo.FindCustomerEmail(ctx, tx, *event.References.CustomerID)
		if err != nil {
			return "", fmt.Errorf("load customer email: %w", err)
		}
		recipient = strings.TrimSpace(found)
	}
	if recipient == "" {
		h.log.Info("payment event has no recipient; skipping notification",
			zap.String("provider", event.Provider),
			zap.String("event_id", event.ID),
		)
		return webhookdomain.OutcomeProcessed, nil
	}

	payload, err := json.Marshal(notification(event, template, recipient, occurredAt))
	if err != nil {
		return "", err
	}
	// Enqueue is idempotent on the dedupe key, so a replayed webhook does not
	// queue a second email.
	_, err = h.outbox.EnqueueTx(ctx, tx, outboxdomain.EnqueueRequest{
		OrgID:     event.OrgID,
		Kind:      outboxdomain.KindEmail,
		DedupeKey: "payment-receipt:" + event.Provider + ":" + event.ID,
		Payload:   payload,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue payment notification: %w", err)
	}
	return webhookdomain.OutcomeProcessed, nil
}

func notification(event *webhookdomain.InboundEvent, template, recipient string, occurredAt time.Time) email.Payload {
	reference := event.Provider + ":" + event.ID
	amount := FormatAmount(event.Payment.Amount, event.Payment.Currency)
	paidAt := occurredAt.UTC().Format(time.RFC3339)

	data := map[string]any{
		"amount":    amount,
		"reference": reference,
		"paid_at":   paidAt,
	}
	var invoiceID string
	if event.References.InvoiceID != nil {
		invoiceID = event.References.InvoiceID.String()
		data["invoice_id"] = invoiceID
	}

	payload := email.Payload{
		To:       []string{recipient},
		Template: template,
		Data:     data,
	}
	if event.Type == webhookdomain.EventTypePaymentSucceeded {
		payload.Receipt = &pdf.ReceiptData{
			Reference:     reference,
			Provider:      event.Provider,
			PaymentID:     event.Payment.PaymentID,
			InvoiceID:     invoiceID,
			CustomerEmail: recipient,
			Amount:        amount,
			PaidAt:        paidAt,
			Status:        "paid",
		}
	}
	return payload
}

var zeroDecimal = map[string]bool{"JPY": true, "KRW": true, "VND": true, "CLP": true}

// FormatAmount renders minor units as "USD 25.00".
func FormatAmount(minor int64, currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if zeroDecimal[currency] {
		return strings.TrimSpace(fmt.Sprintf("%s %d", currency, minor))
	}
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return strings.TrimSpace(fmt.Sprintf("%s %s%d.%02d", currency, sign, minor/100, minor%100))
}
