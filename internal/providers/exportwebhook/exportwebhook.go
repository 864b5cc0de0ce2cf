// Package exportwebhook pushes outbox events to customer endpoints as
// signed JSON POSTs.
package exportwebhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/courier/internal/clock"
	"github.com/smallbiznis/courier/internal/delivery"
	outboxdomain "github.com/smallbiznis/courier/internal/outbox/domain"
	"github.com/smallbiznis/courier/internal/providers/httpclient"
)

const (
	SignatureHeader = "X-Courier-Signature"
	EventIDHeader   = "X-Courier-Event-Id"
	EventTypeHeader = "X-Courier-Event-Type"
)

// Payload is the JSON body of an export_webhook outbox event. Data is sent
// verbatim as the request body.
type Payload struct {
	URL       string          `json:"url"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

type Handler struct {
	secret string
	client *http.Client
	clock  clock.Clock
}

func NewHandler(secret string, client *http.Client, clk clock.Clock) *Handler {
	if client == nil {
		client = httpclient.New(0)
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Handler{secret: secret, client: client, clock: clk}
}

func (h *Handler) Kind() outboxdomain.Kind { return outboxdomain.KindExportWebhook }

func (h *Handler) Dependency() string { return "export_webhook" }

func (h *Handler) Deliver(ctx context.Context, event *outboxdomain.Event) error {
	var payload Payload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return delivery.Permanent(fmt.Errorf("%w: %v", delivery.ErrInvalidEvent, err))
	}
	target, err := parseTarget(payload.URL)
	if err != nil {
		return delivery.Permanent(err)
	}
	body := []byte(payload.Data)
	if len(body) == 0 {
		body = []byte("{}")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return delivery.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventIDHeader, event.ID.String())
	req.Header.Set("Idempotency-Key", event.DedupeKey)
	if payload.EventType != "" {
		req.Header.Set(EventTypeHeader, payload.EventType)
	}
	if h.secret != "" {
		req.Header.Set(SignatureHeader, Sign(h.secret, h.clock.Now(), body))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("export webhook: %w", err)
	}
	defer resp.Body.Close()
	return httpclient.CheckResponse(resp)
}

// Sign builds the signature header value "t=<unix>,v1=<hex>" where v1 is
// HMAC-SHA256 over "<unix>." followed by the body.
func Sign(secret string, at time.Time, body []byte) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func parseTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("%w: invalid export url", delivery.ErrInvalidEvent)
	}
	switch parsed.Scheme {
	case "http", "https":
		return parsed.String(), nil
	default:
		return "", fmt.Errorf("%w: unsupported export url scheme %q", delivery.ErrInvalidEvent, parsed.Scheme)
	}
}
