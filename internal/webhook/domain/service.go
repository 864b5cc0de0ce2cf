package domain

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ReceiveRequest struct {
	Provider string
	Payload  []byte
	Headers  http.Header
}

type ReceiveResponse struct {
	Result  Result
	EventID string
}

type Service interface {
	Receive(ctx context.Context, req ReceiveRequest) (*ReceiveResponse, error)
	ReplayInbound(ctx context.Context, ledgerID snowflake.ID) (string, error)
}

// EventHandler applies a verified inbound event inside the ledger transaction.
type EventHandler interface {
	Handle(ctx context.Context, tx *gorm.DB, event *InboundEvent) (Outcome, error)
}

type EventHandlerFunc func(ctx context.Context, tx *gorm.DB, event *InboundEvent) (Outcome, error)

func (f EventHandlerFunc) Handle(ctx context.Context, tx *gorm.DB, event *InboundEvent) (Outcome, error) {
	return f(ctx, tx, event)
}
