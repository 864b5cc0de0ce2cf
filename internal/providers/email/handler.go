package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/courier/internal/delivery"
	outboxdomain "github.com/smallbiznis/courier/internal/outbox/domain"
	"github.com/smallbiznis/courier/internal/providers/pdf"
	"github.com/wneessen/go-mail"
)

// Payload is the JSON body of an email outbox event. Either Template or
// HTMLBody must be set.
type Payload struct {
	To       []string         `json:"to"`
	Subject  string           `json:"subject,omitempty"`
	Template string           `json:"template,omitempty"`
	HTMLBody string           `json:"html_body,omitempty"`
	Data     map[string]any   `json:"data,omitempty"`
	Receipt  *pdf.ReceiptData `json:"receipt,omitempty"`
}

type Handler struct {
	provider Provider
	renderer pdf.Renderer
}

func NewHandler(provider Provider, renderer pdf.Renderer) *Handler {
	if provider == nil {
		provider = &NoOpProvider{}
	}
	if renderer == nil {
		renderer = pdf.NoOpRenderer{}
	}
	return &Handler{provider: provider, renderer: renderer}
}

func (h *Handler) Kind() outboxdomain.Kind { return outboxdomain.KindEmail }

func (h *Handler) Dependency() string { return "smtp" }

func (h *Handler) Deliver(ctx context.Context, event *outboxdomain.Event) error {
	var payload Payload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return delivery.Permanent(fmt.Errorf("%w: %v", delivery.ErrInvalidEvent, err))
	}
	msg, err := h.compose(ctx, payload)
	if err != nil {
		return err
	}
	return classifySendError(h.provider.Send(ctx, msg))
}

func (h *Handler) compose(ctx context.Context, payload Payload) (Message, error) {
	to := make([]string, 0, len(payload.To))
	for _, addr := range payload.To {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	if len(to) == 0 {
		return Message{}, delivery.Permanent(ErrNoRecipients)
	}

	msg := Message{To: to, Subject: strings.TrimSpace(payload.Subject), HTMLBody: payload.HTMLBody}
	if name := strings.TrimSpace(payload.Template); name != "" {
		body, err := Render(name, payload.Data)
		if err != nil {
			return Message{}, delivery.Permanent(err)
		}
		msg.HTMLBody = body
		if msg.Subject == "" {
			msg.Subject = DefaultSubject(name)
		}
	}
	if msg.HTMLBody == "" {
		return Message{}, delivery.Permanent(fmt.Errorf("%w: empty email body", delivery.ErrInvalidEvent))
	}
	if msg.Subject == "" {
		msg.Subject = DefaultSubject("")
	}

	if payload.Receipt != nil {
		doc, err := h.renderer.Receipt(ctx, *payload.Receipt)
		if err != nil {
			if errors.Is(err, pdf.ErrInvalidReceipt) {
				return Message{}, delivery.Permanent(err)
			}
			return Message{}, fmt.Errorf("render receipt: %w", err)
		}
		if len(doc) > 0 {
			msg.Attachments = append(msg.Attachments, Attachment{
				Filename:    receiptFilename(payload.Receipt.Reference),
				ContentType: "application/pdf",
				Content:     doc,
			})
		}
	}
	return msg, nil
}

// classifySendError marks 5xx SMTP replies permanent; 4xx replies and
// transport errors stay retryable.
func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNoRecipients) || errors.Is(err, ErrInvalidAddress) {
		return delivery.Permanent(err)
	}
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) && sendErr.ErrorCode() >= 500 {
		return delivery.Permanent(err)
	}
	return err
}

func receiptFilename(reference string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, reference)
	if clean == "" {
		clean = "payment"
	}
	return "receipt-" + clean + ".pdf"
}
