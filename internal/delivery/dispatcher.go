package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/courier/internal/circuitbreaker"
	"github.com/smallbiznis/courier/internal/clock"
	"github.com/smallbiznis/courier/internal/config"
	obsmetrics "github.com/smallbiznis/courier/internal/observability/metrics"
	outboxdomain "github.com/smallbiznis/courier/internal/outbox/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxLastErrorLen = 1000

type DispatcherParams struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Outbox     outboxdomain.Service
	Handlers   *Registry
	Breakers   *circuitbreaker.Registry
	Policy     *config.DeliveryPolicyHolder
	Config     Config                      `optional:"true"`
	ObsMetrics *obsmetrics.DeliveryMetrics `optional:"true"`
}

// Dispatcher claims due outbox events and hands them to their handlers.
type Dispatcher struct {
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	outbox     outboxdomain.Service
	handlers   *Registry
	breakers   *circuitbreaker.Registry
	policy     *config.DeliveryPolicyHolder
	obsMetrics *obsmetrics.DeliveryMetrics
	owner      string
	random     func() float64
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "dispatcher"
	}
	owner := fmt.Sprintf("%s/%s", host, ulid.Make().String())
	return &Dispatcher{
		log:        p.Log.Named("delivery.dispatcher").With(zap.String("owner", owner)),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		outbox:     p.Outbox,
		handlers:   p.Handlers,
		breakers:   p.Breakers,
		policy:     p.Policy,
		obsMetrics: p.ObsMetrics,
		owner:      owner,
		random:     rand.Float64,
	}
}

// Owner is the claimant token written to locked_by.
func (d *Dispatcher) Owner() string { return d.owner }

// RunOnce claims and processes a single batch and returns its size.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	events, err := d.outbox.ClaimBatch(ctx, outboxdomain.ClaimRequest{
		Limit: d.cfg.BatchSize,
		Now:   d.clock.Now(),
		Lease: d.cfg.Lease,
		Owner: d.owner,
	})
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)
	for _, event := range events {
		g.Go(func() error {
			d.process(ctx, event)
			return nil
		})
	}
	_ = g.Wait()
	return len(events), nil
}

// Drain runs batches until one comes back short or ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, err := d.RunOnce(ctx)
		if err != nil {
			return err
		}
		if n < d.cfg.BatchSize {
			return nil
		}
	}
}

func (d *Dispatcher) RunForever(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	nextRun := time.Now()

	d.log.Info("dispatcher started",
		zap.Int("batch_size", d.cfg.BatchSize),
		zap.Int("workers", d.cfg.Workers),
		zap.Duration("lease", d.cfg.Lease),
		zap.Any("kinds", d.handlers.Kinds()),
	)
	for {
		if lag := time.Since(nextRun); lag > 0 {
			d.obsMetrics.ObserveRunLoopLag(lag)
		}
		if err := d.Drain(ctx); err != nil && ctx.Err() == nil {
			d.obsMetrics.IncLoopError("dispatcher", err)
			d.log.Warn("dispatcher run failed", zap.Error(err))
		}
		nextRun = time.Now().Add(d.cfg.PollInterval)

		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopped")
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, event *outboxdomain.Event) {
	start := time.Now()
	log := d.log.With(
		zap.String("outbox_id", event.ID.String()),
		zap.String("kind", string(event.Kind)),
		zap.Int("attempt", event.Attempts+1),
	)

	err := d.deliver(ctx, event)
	d.obsMetrics.ObserveDeliveryDuration(string(event.Kind), time.Since(start))
	d.settle(ctx, event, err, log)
}

func (d *Dispatcher) deliver(ctx context.Context, event *outboxdomain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	handler, ok := d.handlers.Get(event.Kind)
	if !ok {
		return Permanent(fmt.Errorf("%w: %s", ErrUnknownKind, event.Kind))
	}
	breaker := d.breakers.Get(handler.Dependency())
	return breaker.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
		defer cancel()
		return handler.Deliver(callCtx, event)
	})
}

// settle records the outcome. Writes use a context detached from shutdown so
// an in-flight result is not lost when the loop is stopped.
func (d *Dispatcher) settle(ctx context.Context, event *outboxdomain.Event, deliverErr error, log *zap.Logger) {
	writeCtx := context.WithoutCancel(ctx)
	now := d.clock.Now()
	kind := string(event.Kind)
	dependency := d.dependency(event.Kind)

	var (
		result string
		err    error
	)
	switch {
	case deliverErr == nil:
		result = obsmetrics.AttemptResultDelivered
		err = d.outbox.MarkDelivered(writeCtx, event.ID, d.owner)

	case errors.Is(deliverErr, circuitbreaker.ErrOpen):
		wait, _ := circuitbreaker.RetryAfter(deliverErr)
		if wait <= 0 {
			wait = time.Second
		}
		result = obsmetrics.AttemptResultCircuitOpen
		err = d.outbox.Release(writeCtx, event.ID, d.owner, now.Add(wait))

	case ctx.Err() != nil:
		result = obsmetrics.AttemptResultReleased
		err = d.outbox.Release(writeCtx, event.ID, d.owner, now)

	default:
		attempts := event.Attempts + 1
		lastError := truncate(deliverErr.Error(), maxLastErrorLen)
		retry := d.retryPolicy()
		if IsPermanent(deliverErr) || attempts >= retry.MaxAttempts {
			result = obsmetrics.AttemptResultDeadLettered
			err = d.outbox.MarkDeadLettered(writeCtx, event.ID, d.owner, attempts, lastError)
			log.Warn("outbox delivery exhausted",
				zap.Int("attempts", attempts),
				zap.Bool("permanent", IsPermanent(deliverErr)),
				zap.Error(deliverErr),
			)
			break
		}
		next := now.Add(Backoff(retry, attempts, d.random))
		result = obsmetrics.AttemptResultRetried
		err = d.outbox.Reschedule(writeCtx, event.ID, d.owner, outboxdomain.Failure{
			Attempts:      attempts,
			LastError:     lastError,
			NextAttemptAt: next,
		})
		log.Info("outbox delivery failed, rescheduled",
			zap.Time("next_attempt_at", next),
			zap.Error(deliverErr),
		)
	}

	if errors.Is(err, outboxdomain.ErrLeaseLost) {
		d.obsMetrics.IncAttempt(kind, dependency, obsmetrics.AttemptResultLeaseLost)
		log.Warn("outbox lease lost before outcome was recorded", zap.String("outcome", result))
		return
	}
	if err != nil {
		d.obsMetrics.IncLoopError("dispatcher", err)
		log.Error("failed to record delivery outcome", zap.String("outcome", result), zap.Error(err))
		return
	}
	d.obsMetrics.IncAttempt(kind, dependency, result)
	if result == obsmetrics.AttemptResultDeadLettered {
		d.obsMetrics.IncDeadLetter("outbox", kind, dependency)
	}
}

// dependency names the breaker guarding kind, for metric labels.
func (d *Dispatcher) dependency(kind outboxdomain.Kind) string {
	if handler, ok := d.handlers.Get(kind); ok {
		return handler.Dependency()
	}
	return "unknown"
}

func (d *Dispatcher) retryPolicy() config.RetryPolicy {
	if d.policy == nil {
		return config.DefaultDeliveryPolicy().Retry
	}
	return d.policy.Get().Retry
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
