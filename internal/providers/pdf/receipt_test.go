package pdf

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestReceiptRendersPDF(t *testing.T) {
	doc, err := New().Receipt(context.Background(), ReceiptData{
		Reference: "stripe:evt_1",
		Provider:  "stripe",
		Amount:    "USD 25.00",
		PaidAt:    "2026-04-01T09:00:00Z",
		Status:    "paid",
	})
	if err != nil {
		t.Fatalf("render receipt: %v", err)
	}
	if !bytes.HasPrefix(doc, []byte("%PDF")) {
		t.Fatalf("expected a PDF document, got %q", doc[:min(len(doc), 8)])
	}
}

func TestReceiptRequiresReferenceAndAmount(t *testing.T) {
	_, err := New().Receipt(context.Background(), ReceiptData{Amount: "USD 1.00"})
	if !errors.Is(err, ErrInvalidReceipt) {
		t.Fatalf("expected ErrInvalidReceipt, got %v", err)
	}
}
