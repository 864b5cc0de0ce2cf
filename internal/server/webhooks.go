package server

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/courier/internal/circuitbreaker"
	"github.com/smallbiznis/courier/internal/observability/logger"
	webhookdomain "github.com/smallbiznis/courier/internal/webhook/domain"
	"go.uber.org/zap"
)

const defaultMaxWebhookBody = 1 << 20

const (
	webhookOutcomeRejected    = "rejected"
	webhookOutcomeFailed      = "failed"
	webhookOutcomeUnavailable = "unavailable"
	webhookOutcomeThrottled   = "throttled"
)

type webhookResponse struct {
	Status string `json:"status"`
}

// webhookError carries the receiver's status decision to the request logger.
type webhookError struct {
	status  int
	outcome string
	err     error
}

func (e *webhookError) Error() string { return e.outcome + ": " + e.err.Error() }
func (e *webhookError) Unwrap() error { return e.err }

// ReceiveWebhook answers providers with a status that tells them whether to
// retry. The body is always one of a fixed set of outcomes.
func (s *Server) ReceiveWebhook(c *gin.Context) {
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	ctx := c.Request.Context()

	if s.intake != nil {
		allowed, retryAfter, err := s.intake.AllowProvider(ctx, provider)
		switch {
		case err != nil:
			// Redis trouble must not turn into dropped deliveries.
			logger.FromContext(ctx).Warn("webhook intake limiter failed", zap.Error(err))
		case !allowed:
			c.Header("Retry-After", retryAfterSeconds(retryAfter))
			s.respondWebhookError(c, provider, http.StatusServiceUnavailable, webhookOutcomeThrottled, ErrRateLimited)
			return
		}
	}

	maxBody := s.cfg.Webhook.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxWebhookBody
	}
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBody))
	if err != nil {
		s.respondWebhookError(c, provider, http.StatusBadRequest, webhookOutcomeRejected,
			fmt.Errorf("%w: read body: %w", webhookdomain.ErrInvalidPayload, err))
		return
	}

	resp, err := s.webhooks.Receive(ctx, webhookdomain.ReceiveRequest{
		Provider: provider,
		Payload:  payload,
		Headers:  c.Request.Header,
	})
	if err != nil {
		status, outcome := webhookStatus(err)
		if wait, ok := circuitbreaker.RetryAfter(err); ok {
			c.Header("Retry-After", retryAfterSeconds(wait))
		}
		s.respondWebhookError(c, provider, status, outcome, err)
		return
	}

	outcome := string(resp.Result)
	c.Set("webhook_outcome", outcome)
	s.obsMetrics.RecordWebhookOutcome(ctx, provider, outcome, http.StatusOK)
	c.JSON(http.StatusOK, webhookResponse{Status: outcome})
}

func (s *Server) respondWebhookError(c *gin.Context, provider string, status int, outcome string, err error) {
	_ = c.Error(&webhookError{status: status, outcome: outcome, err: err})
	c.Set("webhook_outcome", outcome)
	s.obsMetrics.RecordWebhookOutcome(c.Request.Context(), provider, outcome, status)
	c.AbortWithStatusJSON(status, webhookResponse{Status: outcome})
}

// webhookStatus maps a receiver error to the HTTP status providers act on:
// 4xx stops their retries, 5xx keeps them coming.
func webhookStatus(err error) (int, string) {
	switch {
	case errors.Is(err, webhookdomain.ErrInvalidSignature),
		errors.Is(err, webhookdomain.ErrInvalidPayload),
		errors.Is(err, webhookdomain.ErrTenantUnresolved),
		errors.Is(err, webhookdomain.ErrPayloadConflict),
		errors.Is(err, webhookdomain.ErrTenantConflict):
		return http.StatusBadRequest, webhookOutcomeRejected
	case errors.Is(err, circuitbreaker.ErrOpen),
		errors.Is(err, webhookdomain.ErrWebhookNotConfigured),
		errors.Is(err, webhookdomain.ErrProviderNotFound):
		return http.StatusServiceUnavailable, webhookOutcomeUnavailable
	default:
		return http.StatusInternalServerError, webhookOutcomeFailed
	}
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int64(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.FormatInt(seconds, 10)
}
