package stripe

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/courier/internal/clock"
	"github.com/smallbiznis/courier/internal/webhook/adapters"
	"github.com/smallbiznis/courier/internal/webhook/domain"
)

const SignatureHeader = "Stripe-Signature"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, domain.ErrWebhookNotConfigured
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Adapter{webhookSecret: secret, clock: clk, tolerance: adapters.DefaultTolerance}, nil
}

type Adapter struct {
	webhookSecret string
	clock         clock.Clock
	tolerance     time.Duration
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHeader == "" {
		return domain.ErrInvalidSignature
	}
	return adapters.VerifyTimestamped(sigHeader, payload, a.webhookSecret, a.clock.Now(), a.tolerance)
}

// Parse maps payment events onto canonical types. Every other Stripe type
// keeps its raw name so the handler can ignore it.
func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.InboundEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.Type) == "" {
		return nil, domain.ErrInvalidPayload
	}

	var object stripeObject
	if len(event.Data.Object) > 0 {
		if err := json.Unmarshal(event.Data.Object, &object); err != nil {
			return nil, domain.ErrInvalidPayload
		}
	}

	out := &domain.InboundEvent{
		Provider:   "stripe",
		ID:         event.ID,
		Type:       strings.TrimSpace(event.Type),
		OccurredAt: timestamp(object.Created, event.Created),
		RawPayload: payload,
	}
	adapters.ApplyMetadata(out, object.Metadata)

	switch out.Type {
	case "payment_intent.succeeded":
		out.Type = domain.EventTypePaymentSucceeded
		out.Payment = object.payment(object.AmountReceived)
	case "payment_intent.payment_failed":
		out.Type = domain.EventTypePaymentFailed
		out.Payment = object.payment(object.Amount)
	case "charge.succeeded":
		out.Type = domain.EventTypePaymentSucceeded
		out.Payment = object.payment(object.Amount)
	case "charge.refunded":
		out.Type = domain.EventTypeRefunded
		out.Payment = object.payment(object.AmountRefunded)
	}
	return out, nil
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

// stripeObject covers the payment_intent and charge fields used here.
type stripeObject struct {
	ID             string         `json:"id"`
	Amount         int64          `json:"amount"`
	AmountReceived int64          `json:"amount_received"`
	AmountRefunded int64          `json:"amount_refunded"`
	Currency       string         `json:"currency"`
	ReceiptEmail   string         `json:"receipt_email"`
	Created        int64          `json:"created"`
	Metadata       map[string]any `json:"metadata"`
}

func (o stripeObject) payment(amount int64) *domain.PaymentDetails {
	if amount <= 0 {
		amount = o.Amount
	}
	email := strings.TrimSpace(o.ReceiptEmail)
	if email == "" {
		email = adapters.ReadMetadataValue(o.Metadata, "customer_email")
	}
	return &domain.PaymentDetails{
		PaymentID:     o.ID,
		Amount:        amount,
		Currency:      strings.ToUpper(strings.TrimSpace(o.Currency)),
		CustomerEmail: email,
	}
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Time{}
	}
	return time.Unix(value, 0).UTC()
}
