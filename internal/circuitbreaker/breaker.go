package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/smallbiznis/courier/internal/clock"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Settings controls one breaker. Zero fields fall back to DefaultSettings.
type Settings struct {
	FailureThreshold int
	Window           time.Duration
	RecoveryTime     time.Duration
	HalfOpenMaxCalls int
}

func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		RecoveryTime:     30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = def.FailureThreshold
	}
	if s.Window <= 0 {
		s.Window = def.Window
	}
	if s.RecoveryTime <= 0 {
		s.RecoveryTime = def.RecoveryTime
	}
	if s.HalfOpenMaxCalls <= 0 {
		s.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	return s
}

// TransitionFunc observes state changes. It runs after the lock is released.
type TransitionFunc func(name string, from, to State)

// Snapshot is a point-in-time copy of breaker state.
type Snapshot struct {
	Name              string     `json:"name"`
	State             State      `json:"state"`
	FailureCount      int        `json:"failure_count"`
	WindowStart       *time.Time `json:"window_start,omitempty"`
	OpenedAt          *time.Time `json:"opened_at,omitempty"`
	HalfOpenInflight  int        `json:"half_open_inflight"`
	HalfOpenSuccesses int        `json:"half_open_successes"`
}

// Breaker guards one dependency. All state lives under mu; the protected call
// itself runs outside the lock.
type Breaker struct {
	name     string
	clock    clock.Clock
	settings func() Settings
	onChange TransitionFunc

	mu                sync.Mutex
	state             State
	generation        uint64
	failures          []time.Time
	openedAt          time.Time
	halfOpenInflight  int
	halfOpenSuccesses int
}

func newBreaker(name string, clk clock.Clock, settings func() Settings, onChange TransitionFunc) *Breaker {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if settings == nil {
		settings = DefaultSettings
	}
	return &Breaker{
		name:     name,
		clock:    clk,
		settings: settings,
		onChange: onChange,
		state:    StateClosed,
	}
}

// New builds a standalone breaker with fixed settings.
func New(name string, settings Settings, clk clock.Clock) *Breaker {
	return newBreaker(name, clk, func() Settings { return settings }, nil)
}

func (b *Breaker) Name() string { return b.name }

// Execute runs fn when the breaker permits it and records the outcome. When
// the breaker rejects the call fn is not invoked and the error matches ErrOpen.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	gen, err := b.acquire()
	if err != nil {
		return err
	}

	var callErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				b.record(gen, outcomeFailure)
				panic(r)
			}
		}()
		callErr = fn(ctx)
	}()

	b.record(gen, b.classify(ctx, callErr))
	return callErr
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	// outcomeNeutral frees a half-open slot without counting as a trial.
	outcomeNeutral
)

func (b *Breaker) classify(ctx context.Context, err error) outcome {
	if err == nil {
		return outcomeSuccess
	}
	if isNeutral(err) {
		return outcomeNeutral
	}
	// The caller going away says nothing about the dependency.
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return outcomeNeutral
	}
	return outcomeFailure
}

// State returns the current state, promoting open to half_open once the
// recovery time has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	from, to := b.refreshLocked(b.settings().withDefaults(), b.clock.Now())
	state := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	cfg := b.settings().withDefaults()
	now := b.clock.Now()
	from, to := b.refreshLocked(cfg, now)
	b.pruneLocked(cfg, now)

	snap := Snapshot{
		Name:              b.name,
		State:             b.state,
		FailureCount:      len(b.failures),
		HalfOpenInflight:  b.halfOpenInflight,
		HalfOpenSuccesses: b.halfOpenSuccesses,
	}
	if len(b.failures) > 0 {
		ws := b.failures[0]
		snap.WindowStart = &ws
	}
	if b.state != StateClosed {
		opened := b.openedAt
		snap.OpenedAt = &opened
	}
	b.mu.Unlock()
	b.notify(from, to)
	return snap
}

func (b *Breaker) acquire() (uint64, error) {
	b.mu.Lock()
	cfg := b.settings().withDefaults()
	now := b.clock.Now()
	from, to := b.refreshLocked(cfg, now)

	var err error
	switch b.state {
	case StateOpen:
		err = &OpenError{Name: b.name, RetryAfter: b.openedAt.Add(cfg.RecoveryTime).Sub(now)}
	case StateHalfOpen:
		if b.halfOpenInflight+b.halfOpenSuccesses >= cfg.HalfOpenMaxCalls {
			err = &OpenError{Name: b.name, RetryAfter: cfg.RecoveryTime}
		} else {
			b.halfOpenInflight++
		}
	}
	gen := b.generation
	b.mu.Unlock()

	b.notify(from, to)
	return gen, err
}

func (b *Breaker) record(gen uint64, result outcome) {
	b.mu.Lock()
	cfg := b.settings().withDefaults()
	now := b.clock.Now()

	// Results from calls admitted under an earlier state are stale.
	if gen != b.generation {
		b.mu.Unlock()
		return
	}

	var from, to State
	switch b.state {
	case StateClosed:
		if result == outcomeFailure {
			b.pruneLocked(cfg, now)
			b.failures = append(b.failures, now)
			if len(b.failures) >= cfg.FailureThreshold {
				from, to = b.transitionLocked(StateOpen, now)
			}
		}
	case StateHalfOpen:
		b.halfOpenInflight--
		switch result {
		case outcomeFailure:
			from, to = b.transitionLocked(StateOpen, now)
		case outcomeSuccess:
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= cfg.HalfOpenMaxCalls {
				from, to = b.transitionLocked(StateClosed, now)
			}
		}
	}
	b.mu.Unlock()

	b.notify(from, to)
}

func (b *Breaker) refreshLocked(cfg Settings, now time.Time) (State, State) {
	if b.state == StateOpen && !now.Before(b.openedAt.Add(cfg.RecoveryTime)) {
		return b.transitionLocked(StateHalfOpen, now)
	}
	return "", ""
}

func (b *Breaker) pruneLocked(cfg Settings, now time.Time) {
	cutoff := now.Add(-cfg.Window)
	keep := 0
	for keep < len(b.failures) && !b.failures[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		b.failures = append(b.failures[:0], b.failures[keep:]...)
	}
}

func (b *Breaker) transitionLocked(to State, now time.Time) (State, State) {
	from := b.state
	b.state = to
	b.generation++
	b.halfOpenInflight = 0
	b.halfOpenSuccesses = 0

	switch to {
	case StateOpen:
		b.openedAt = now
	case StateClosed:
		b.failures = b.failures[:0]
		b.openedAt = time.Time{}
	}
	return from, to
}

func (b *Breaker) notify(from, to State) {
	if from == "" || from == to || b.onChange == nil {
		return
	}
	b.onChange(b.name, from, to)
}
