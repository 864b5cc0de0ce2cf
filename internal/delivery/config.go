package delivery

import (
	"time"

	"github.com/smallbiznis/courier/internal/config"
)

// Config controls the dispatcher and reaper loops.
type Config struct {
	Enabled         bool
	PollInterval    time.Duration
	BatchSize       int
	Workers         int
	Lease           time.Duration
	DeliveryTimeout time.Duration
	ReapInterval    time.Duration
	ReapBatchSize   int
}

func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		PollInterval:    2 * time.Second,
		BatchSize:       50,
		Workers:         8,
		Lease:           2 * time.Minute,
		DeliveryTimeout: 15 * time.Second,
		ReapInterval:    30 * time.Second,
		ReapBatchSize:   500,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:         cfg.Dispatcher.Enabled,
		PollInterval:    cfg.Dispatcher.PollInterval,
		BatchSize:       cfg.Dispatcher.BatchSize,
		Workers:         cfg.Dispatcher.Workers,
		Lease:           cfg.Dispatcher.Lease,
		DeliveryTimeout: cfg.Dispatcher.DeliveryTimeout,
		ReapInterval:    cfg.Dispatcher.ReapInterval,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.Lease <= 0 {
		c.Lease = defaults.Lease
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = defaults.DeliveryTimeout
	}
	// A lease shorter than the delivery timeout would let the reaper hand a
	// live delivery to a second worker.
	if c.Lease <= c.DeliveryTimeout {
		c.Lease = 2 * c.DeliveryTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = defaults.ReapInterval
	}
	if c.ReapBatchSize <= 0 {
		c.ReapBatchSize = defaults.ReapBatchSize
	}
	return c
}
