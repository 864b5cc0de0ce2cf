package delivery

import (
	"testing"
	"time"

	outboxdomain "github.com/smallbiznis/courier/internal/outbox/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/fx/fxtest"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestStartWorkersStopsLoopsOnShutdown(t *testing.T) {
	f := newFixture(t, defaultRetry(), lenientBreaker())
	f.enqueue(t, outboxdomain.KindEmail, "w:lifecycle")
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reaper := NewReaper(ReaperParams{
		Log:    zaptest.NewLogger(t),
		Clock:  f.clock,
		Outbox: f.outbox,
		Config: Config{ReapInterval: 10 * time.Millisecond},
	})

	lc := fxtest.NewLifecycle(t)
	StartWorkers(lc, Config{Enabled: true}, f.dispatcher, reaper, zaptest.NewLogger(t))
	lc.RequireStart()

	assert.Eventually(t, func() bool { return f.email.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	lc.RequireStop()
}

func TestStartWorkersDisabledRegistersNothing(t *testing.T) {
	f := newFixture(t, defaultRetry(), lenientBreaker())
	f.enqueue(t, outboxdomain.KindEmail, "w:disabled")
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lc := fxtest.NewLifecycle(t)
	StartWorkers(lc, Config{Enabled: false}, f.dispatcher, nil, zaptest.NewLogger(t))
	lc.RequireStart()
	lc.RequireStop()

	assert.Zero(t, f.email.callCount())
}
