package sms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smallbiznis/courier/internal/delivery"
	outboxdomain "github.com/smallbiznis/courier/internal/outbox/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func smsEvent(payload string) *outboxdomain.Event {
	return &outboxdomain.Event{
		Kind:      outboxdomain.KindSMS,
		DedupeKey: "otp:42",
		Payload:   datatypes.JSON(payload),
	}
}

func TestDeliverPostsToGateway(t *testing.T) {
	var got gatewayRequest
	var auth, idem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		idem = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	handler := NewHandler(Config{GatewayURL: srv.URL, APIKey: "key", Sender: "COURIER"}, srv.Client())
	require.NoError(t, handler.Deliver(context.Background(), smsEvent(`{"to":"+6281","message":"code 1234"}`)))

	assert.Equal(t, "Bearer key", auth)
	assert.Equal(t, "otp:42", idem)
	assert.Equal(t, gatewayRequest{From: "COURIER", To: "+6281", Message: "code 1234", Reference: "otp:42"}, got)
}

func TestDeliverClassifiesGatewayStatus(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	handler := NewHandler(Config{GatewayURL: srv.URL}, srv.Client())

	err := handler.Deliver(context.Background(), smsEvent(`{"to":"+6281","message":"hi"}`))
	require.Error(t, err)
	assert.False(t, delivery.IsPermanent(err))

	status = http.StatusUnprocessableEntity
	err = handler.Deliver(context.Background(), smsEvent(`{"to":"+6281","message":"hi"}`))
	assert.True(t, delivery.IsPermanent(err))
}

func TestDeliverRejectsIncompletePayload(t *testing.T) {
	handler := NewHandler(Config{GatewayURL: "http://127.0.0.1:1"}, nil)
	err := handler.Deliver(context.Background(), smsEvent(`{"to":"","message":"hi"}`))
	assert.True(t, delivery.IsPermanent(err))
}

func TestLimiterThrottleIsNeutral(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	handler := NewHandler(Config{GatewayURL: srv.URL, RatePerSecond: 0.01}, srv.Client())

	require.NoError(t, handler.Deliver(context.Background(), smsEvent(`{"to":"+6281","message":"1"}`)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := handler.Deliver(ctx, smsEvent(`{"to":"+6281","message":"2"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrThrottled))
	var neutral interface{ BreakerNeutral() bool }
	require.True(t, errors.As(err, &neutral))
	assert.True(t, neutral.BreakerNeutral())
	assert.False(t, delivery.IsPermanent(err))
}
