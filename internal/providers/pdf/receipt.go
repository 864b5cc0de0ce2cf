package pdf

import (
	"context"
	"strings"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

// ReceiptData is carried inside the email outbox payload so the document can
// be rebuilt on every delivery attempt.
type ReceiptData struct {
	Reference     string `json:"reference"`
	Provider      string `json:"provider"`
	PaymentID     string `json:"payment_id,omitempty"`
	InvoiceID     string `json:"invoice_id,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
	Amount        string `json:"amount"`
	PaidAt        string `json:"paid_at"`
	Status        string `json:"status"`
}

type MarotoRenderer struct{}

func New() Renderer {
	return &MarotoRenderer{}
}

func (r *MarotoRenderer) Receipt(ctx context.Context, receipt ReceiptData) ([]byte, error) {
	if strings.TrimSpace(receipt.Reference) == "" || strings.TrimSpace(receipt.Amount) == "" {
		return nil, ErrInvalidReceipt
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(30,
		text.NewCol(8, "Payment receipt", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, strings.ToUpper(receipt.Status), props.Text{
			Size:  12,
			Style: fontstyle.Bold,
			Align: align.Right,
		}),
	)

	m.AddRow(30,
		col.New(6).Add(
			text.New("Reference: "+receipt.Reference, props.Text{Top: 0}),
			text.New("Paid at: "+receipt.PaidAt, props.Text{Top: 5}),
			text.New("Provider: "+receipt.Provider, props.Text{Top: 10}),
		),
		col.New(6).Add(
			text.New("Payment: "+receipt.PaymentID, props.Text{Top: 0, Align: align.Right}),
			text.New("Invoice: "+receipt.InvoiceID, props.Text{Top: 5, Align: align.Right}),
			text.New(receipt.CustomerEmail, props.Text{Top: 10, Align: align.Right}),
		),
	)

	m.AddRow(15,
		text.NewCol(12, receipt.Amount+" received", props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}
