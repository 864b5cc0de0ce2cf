// Package hmac verifies providers that sign with the generic
// "t=<unix>,v1=<hex>" scheme and post the courier event envelope.
package hmac

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

const SignatureHeader = "X-Webhook-Signature"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "hmac"
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
	provider := cfg.Provider
	if provider == "" {
		provider = f.Provider()
	}
	return &Adapter{provider: provider, secret: secret, clock: clk}, nil
}

type Adapter struct {
	provider string
	secret   string
	clock    clock.Clock
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	header := strings.TrimSpace(headers.Get(SignatureHeader))
	if header == "" {
		return domain.ErrInvalidSignature
	}
	return adapters.VerifyTimestamped(header, payload, a.secret, a.clock.Now(), adapters.DefaultTolerance)
}

// envelope is the generic event body:
//
//	{"id": "...", "type": "payment_succeeded", "occurred_at": "RFC3339",
//	 "metadata": {"org_id": "...", "invoice_id": "..."},
//	 "payment": {"id": "...", "amount": 100, "currency": "usd", "email": "..."}}
type envelope struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Metadata   map[string]any `json:"metadata"`
	Payment    *struct {
		ID       string `json:"id"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Email    string `json:"email"`
	} `json:"payment"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.InboundEvent, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(env.ID) == "" || strings.TrimSpace(env.Type) == "" {
		return nil, domain.ErrInvalidPayload
	}

	out := &domain.InboundEvent{
		Provider:   a.provider,
		ID:         strings.TrimSpace(env.ID),
		Type:       strings.TrimSpace(env.Type),
		OccurredAt: env.OccurredAt.UTC(),
		RawPayload: payload,
	}
	adapters.ApplyMetadata(out, env.Metadata)
	if env.Payment != nil {
		out.Payment = &domain.PaymentDetails{
			PaymentID:     env.Payment.ID,
			Amount:        env.Payment.Amount,
			Currency:      strings.ToUpper(strings.TrimSpace(env.Payment.Currency)),
			CustomerEmail: strings.TrimSpace(env.Payment.Email),
		}
	}
	return out, nil
}
