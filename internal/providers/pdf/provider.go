package pdf

import (
	"context"
	"errors"

	"go.uber.org/fx"
)

var Module = fx.Module("providers.pdf",
	fx.Provide(New),
)

var ErrInvalidReceipt = errors.New("invalid_receipt")

// Renderer turns receipt data into a PDF document.
type Renderer interface {
	Receipt(ctx context.Context, data ReceiptData) ([]byte, error)
}

type NoOpRenderer struct{}

func (NoOpRenderer) Receipt(context.Context, ReceiptData) ([]byte, error) {
	return nil, nil
}
