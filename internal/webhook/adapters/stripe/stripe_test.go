package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/courier/internal/clock"
	"github.com/smallbiznis/courier/internal/webhook/domain"
)

var testNow = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newTestAdapter(t *testing.T) domain.Adapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(domain.AdapterConfig{Secret: "whsec_test", Clock: clock.NewFakeClock(testNow)})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter
}

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_123","type":"charge.succeeded","data":{"object":{}}}`)
	timestamp := testNow.Unix()

	header := buildStripeSignatureHeader(secret, payload, timestamp)
	reqHeader := http.Header{}
	reqHeader.Set("Stripe-Signature", header)

	adapter := newTestAdapter(t)
	if err := adapter.Verify(context.Background(), payload, reqHeader); err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}

	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader("wrong", payload, timestamp))
	if err := adapter.Verify(context.Background(), payload, reqHeader); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature error, got %v", err)
	}

	reqHeader.Del("Stripe-Signature")
	if err := adapter.Verify(context.Background(), payload, reqHeader); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected missing signature to be rejected, got %v", err)
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	payload := []byte(`{"id":"evt_old"}`)
	reqHeader := http.Header{}
	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader("whsec_test", payload, testNow.Add(-6*time.Minute).Unix()))

	if err := newTestAdapter(t).Verify(context.Background(), payload, reqHeader); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected stale signature to be rejected, got %v", err)
	}
}

func TestNewAdapterRequiresSecret(t *testing.T) {
	if _, err := NewFactory().NewAdapter(domain.AdapterConfig{}); !errors.Is(err, domain.ErrWebhookNotConfigured) {
		t.Fatalf("expected ErrWebhookNotConfigured, got %v", err)
	}
}

func TestParsePaymentEvent(t *testing.T) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	customerID := node.Generate()
	invoiceID := node.Generate()
	orgID := node.Generate()
	created := testNow.Unix()

	tests := []struct {
		name     string
		event    any
		wantType string
		amount   int64
		org      bool
	}{{
		name: "payment_intent.succeeded",
		event: map[string]any{
			"id":      "evt_pi",
			"type":    "payment_intent.succeeded",
			"created": created,
			"data": map[string]any{
				"object": map[string]any{
					"id":              "pi_1",
					"amount":          2500,
					"amount_received": 2500,
					"currency":        "usd",
					"created":         created,
					"metadata": map[string]any{
						"customer_id": customerID.String(),
						"invoice_id":  invoiceID.String(),
						"org_id":      orgID.String(),
					},
				},
			},
		},
		wantType: domain.EventTypePaymentSucceeded,
		amount:   2500,
		org:      true,
	}, {
		name: "charge.refunded",
		event: map[string]any{
			"id":      "evt_charge",
			"type":    "charge.refunded",
			"created": created,
			"data": map[string]any{
				"object": map[string]any{
					"id":              "ch_1",
					"amount":          5000,
					"amount_refunded": 1200,
					"currency":        "usd",
					"created":         created,
					"metadata": map[string]any{
						"customer_id": customerID.String(),
					},
				},
			},
		},
		wantType: domain.EventTypeRefunded,
		amount:   1200,
	}}

	adapter := newTestAdapter(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("marshal payload: %v", err)
			}
			event, err := adapter.Parse(context.Background(), payload)
			if err != nil {
				t.Fatalf("parse event: %v", err)
			}
			if event.Type != tt.wantType {
				t.Fatalf("expected type %s, got %s", tt.wantType, event.Type)
			}
			if event.Payment == nil || event.Payment.Amount != tt.amount {
				t.Fatalf("expected amount %d, got %+v", tt.amount, event.Payment)
			}
			if event.References.CustomerID == nil || *event.References.CustomerID != customerID {
				t.Fatalf("expected customer ID")
			}
			if event.Payment.Currency != "USD" {
				t.Fatalf("expected currency USD, got %s", event.Payment.Currency)
			}
			if tt.org != (event.OrgID != nil) {
				t.Fatalf("unexpected org id %v", event.OrgID)
			}
		})
	}
}

func TestParseKeepsUnmappedTypes(t *testing.T) {
	event, err := newTestAdapter(t).Parse(context.Background(), []byte(`{"id":"evt_c","type":"customer.created","data":{"object":{"id":"cus_1"}}}`))
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}
	if event.Type != "customer.created" || event.Payment != nil {
		t.Fatalf("expected raw type without payment, got %+v", event)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	adapter := newTestAdapter(t)
	for _, payload := range []string{`not json`, `{"type":"charge.succeeded"}`, `{"id":"evt_1","type":"x","data":{"object":"str"}}`} {
		if _, err := adapter.Parse(context.Background(), []byte(payload)); !errors.Is(err, domain.ErrInvalidPayload) {
			t.Fatalf("payload %s: expected ErrInvalidPayload, got %v", payload, err)
		}
	}
}

func buildStripeSignatureHeader(secret string, payload []byte, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	signature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}
