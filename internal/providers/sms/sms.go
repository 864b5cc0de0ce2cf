// Package sms delivers outbox events of kind sms through an HTTP gateway.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/courier/internal/delivery"
	outboxdomain "github.com/smallbiznis/courier/internal/outbox/domain"
	"github.com/smallbiznis/courier/internal/providers/httpclient"
	"golang.org/x/time/rate"
)

var ErrThrottled = errors.New("sms_throttled")

type Config struct {
	GatewayURL    string
	APIKey        string
	Sender        string
	Timeout       time.Duration
	RatePerSecond float64
}

// Payload is the JSON body of an sms outbox event.
type Payload struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

type gatewayRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Message   string `json:"message"`
	Reference string `json:"reference"`
}

type Handler struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

func NewHandler(cfg Config, client *http.Client) *Handler {
	if client == nil {
		client = httpclient.New(cfg.Timeout)
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return &Handler{cfg: cfg, client: client, limiter: limiter}
}

func (h *Handler) Kind() outboxdomain.Kind { return outboxdomain.KindSMS }

func (h *Handler) Dependency() string { return "sms_gateway" }

func (h *Handler) Deliver(ctx context.Context, event *outboxdomain.Event) error {
	var payload Payload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return delivery.Permanent(fmt.Errorf("%w: %v", delivery.ErrInvalidEvent, err))
	}
	to := strings.TrimSpace(payload.To)
	if to == "" || strings.TrimSpace(payload.Message) == "" {
		return delivery.Permanent(fmt.Errorf("%w: sms needs to and message", delivery.ErrInvalidEvent))
	}

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return &throttledError{err: err}
		}
	}

	body, err := json.Marshal(gatewayRequest{
		From:      h.cfg.Sender,
		To:        to,
		Message:   payload.Message,
		Reference: event.DedupeKey,
	})
	if err != nil {
		return delivery.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return delivery.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", event.DedupeKey)
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway: %w", err)
	}
	defer resp.Body.Close()
	return httpclient.CheckResponse(resp)
}

// throttledError reports the local limiter ran out of time before a token
// was free. The gateway was never called.
type throttledError struct {
	err error
}

func (e *throttledError) Error() string { return ErrThrottled.Error() + ": " + e.err.Error() }
func (e *throttledError) Unwrap() []error { return []error{ErrThrottled, e.err} }
func (e *throttledError) BreakerNeutral() bool { return true }
