package domain

import (
	"context"
	"net/http"

	"github.com/smallbiznis/courier/internal/clock"
)

// AdapterConfig carries what an adapter needs to verify one provider.
type AdapterConfig struct {
	Provider string
	Secret   string
	Clock    clock.Clock
}

// Adapter verifies and parses one provider's webhook format.
type Adapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*InboundEvent, error)
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}
