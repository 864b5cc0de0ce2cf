package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	AttemptResultDelivered    = "delivered"
	AttemptResultRetried      = "retried"
	AttemptResultDeadLettered = "dead_lettered"
	AttemptResultCircuitOpen  = "circuit_open"
	AttemptResultLeaseLost    = "lease_lost"
	AttemptResultReleased     = "released"
)

const (
	ErrorReasonDeadlineExceeded     = "deadline_exceeded"
	ErrorReasonDBLockTimeout        = "db_lock_timeout"
	ErrorReasonSerializationFailure = "serialization_failure"
	ErrorReasonUniqueViolation      = "unique_violation"
	ErrorReasonDB                   = "db"
	ErrorReasonUnknown              = "unknown"
)

const (
	LockResourceOutboxClaim  = "outbox_claim"
	LockResourceOutboxReap   = "outbox_reap"
	LockResourceDeadLetter   = "dead_letter_replay"
	LockResourceInboundClaim = "inbound_claim"
)

// DeliveryMetrics captures dispatcher, reaper and breaker health.
type DeliveryMetrics struct {
	attempts         *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	deadLetters      *prometheus.CounterVec
	claimed          *prometheus.CounterVec
	loopErrors       *prometheus.CounterVec
	reclaimed        prometheus.Counter
	runLoopLag       prometheus.Observer
	dbLockWait       *prometheus.HistogramVec
	breakerChanges   *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	lockWaitObserver map[string]prometheus.Observer
}

var (
	deliveryMetricsOnce sync.Once
	deliveryMetrics     *DeliveryMetrics
)

// Delivery returns the singleton delivery metrics registry.
func Delivery() *DeliveryMetrics {
	return DeliveryWithConfig(Config{})
}

// DeliveryWithConfig returns the singleton using config labels. Only the first
// call's config is used.
func DeliveryWithConfig(cfg Config) *DeliveryMetrics {
	deliveryMetricsOnce.Do(func() {
		deliveryMetrics = newDeliveryMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return deliveryMetrics
}

// NewDeliveryMetricsForTest builds an isolated instance on the given registry.
func NewDeliveryMetricsForTest(registerer prometheus.Registerer) *DeliveryMetrics {
	return newDeliveryMetrics(registerer, Config{ServiceName: "courier", Environment: "test"})
}

func newDeliveryMetrics(registerer prometheus.Registerer, cfg Config) *DeliveryMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "courier"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "courier_delivery_attempts_total",
		Help:        "Outbox delivery attempts by kind, dependency and result.",
		ConstLabels: constLabels,
	}, []string{"kind", "dependency", "result"})
	deliveryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "courier_delivery_duration_seconds",
		Help:        "Handler latency for one outbox delivery.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"kind"})
	deadLetters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "courier_dead_letters_total",
		Help:        "Entries written to the dead-letter queue.",
		ConstLabels: constLabels,
	}, []string{"source", "kind", "dependency"})
	claimed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "courier_dispatcher_claimed_total",
		Help:        "Outbox rows claimed by dispatchers.",
		ConstLabels: constLabels,
	}, []string{"kind"})
	loopErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "courier_dispatcher_loop_errors_total",
		Help:        "Dispatcher and reaper loop errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"loop", "reason"})
	reclaimed := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "courier_reaper_reclaimed_total",
		Help:        "Expired leases returned to pending by the reaper.",
		ConstLabels: constLabels,
	})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "courier_dispatcher_runloop_lag_seconds",
		Help:        "Dispatcher tick lag beyond the configured poll interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	})
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "courier_db_lock_wait_seconds",
		Help:        "Time spent in SELECT FOR UPDATE claims.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	}, []string{"resource"})
	breakerChanges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "courier_circuit_breaker_transitions_total",
		Help:        "Circuit breaker state transitions.",
		ConstLabels: constLabels,
	}, []string{"name", "from", "to"})
	breakerState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "courier_circuit_breaker_state",
		Help:        "Current breaker state: 0 closed, 1 half_open, 2 open.",
		ConstLabels: constLabels,
	}, []string{"name"})

	registerer.MustRegister(
		attempts,
		deliveryDuration,
		deadLetters,
		claimed,
		loopErrors,
		reclaimed,
		runLoopLag,
		dbLockWait,
		breakerChanges,
		breakerState,
	)

	lockWaitObserver := map[string]prometheus.Observer{}
	for _, resource := range []string{
		LockResourceOutboxClaim,
		LockResourceOutboxReap,
		LockResourceDeadLetter,
		LockResourceInboundClaim,
	} {
		lockWaitObserver[resource] = dbLockWait.WithLabelValues(resource)
	}

	return &DeliveryMetrics{
		attempts:         attempts,
		deliveryDuration: deliveryDuration,
		deadLetters:      deadLetters,
		claimed:          claimed,
		loopErrors:       loopErrors,
		reclaimed:        reclaimed,
		runLoopLag:       runLoopLag,
		dbLockWait:       dbLockWait,
		breakerChanges:   breakerChanges,
		breakerState:     breakerState,
		lockWaitObserver: lockWaitObserver,
	}
}

func (m *DeliveryMetrics) IncAttempt(kind, dependency, result string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(kind, dependency, result).Inc()
}

func (m *DeliveryMetrics) ObserveDeliveryDuration(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.deliveryDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *DeliveryMetrics) IncDeadLetter(source, kind, dependency string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(source, kind, dependency).Inc()
}

func (m *DeliveryMetrics) IncClaimed(kind string) {
	if m == nil {
		return
	}
	m.claimed.WithLabelValues(kind).Inc()
}

// IncLoopError classifies err before counting it.
func (m *DeliveryMetrics) IncLoopError(loop string, err error) {
	if m == nil || err == nil {
		return
	}
	m.loopErrors.WithLabelValues(loop, ClassifyErrorReason(err)).Inc()
}

func (m *DeliveryMetrics) AddReclaimed(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.reclaimed.Add(float64(count))
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *DeliveryMetrics) ObserveRunLoopLag(d time.Duration) {
	if m == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	m.runLoopLag.Observe(d.Seconds())
}

// ObserveDBLockWait records lock wait time for SELECT FOR UPDATE work.
func (m *DeliveryMetrics) ObserveDBLockWait(resource string, d time.Duration) {
	if m == nil {
		return
	}
	if observer, ok := m.lockWaitObserver[resource]; ok {
		observer.Observe(d.Seconds())
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(d.Seconds())
}

// ObserveBreakerTransition records a transition and sets the state gauge.
func (m *DeliveryMetrics) ObserveBreakerTransition(name, from, to string) {
	if m == nil {
		return
	}
	m.breakerChanges.WithLabelValues(name, from, to).Inc()
	m.breakerState.WithLabelValues(name).Set(breakerStateValue(to))
}

func breakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}

// ClassifyErrorReason maps errors to low-cardinality reasons.
func ClassifyErrorReason(err error) string {
	if err == nil {
		return ErrorReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return ErrorReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return ErrorReasonSerializationFailure
	}
	if IsUniqueViolation(err) {
		return ErrorReasonUniqueViolation
	}
	if isDBError(err) {
		return ErrorReasonDB
	}
	return ErrorReasonUnknown
}

// IsUniqueViolation reports duplicate-key errors from gorm or postgres.
func IsUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return hasPGCode(err, "23505")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrNotImplemented) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
