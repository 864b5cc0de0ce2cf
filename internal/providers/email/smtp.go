package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/wneessen/go-mail"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

var (
	ErrNoRecipients   = errors.New("email_no_recipients")
	ErrInvalidAddress = errors.New("email_invalid_address")
)

type SMTPProvider struct {
	cfg Config
}

func NewSMTP(cfg Config) *SMTPProvider {
	return &SMTPProvider{cfg: cfg}
}

// Send delivers msg over one SMTP session. STARTTLS is used when the server
// offers it. Server replies surface as *mail.SendError.
func (p *SMTPProvider) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipients
	}
	m, err := buildMessage(p.cfg.From, msg)
	if err != nil {
		return err
	}

	client, err := mail.NewClient(p.cfg.Host, p.clientOptions()...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, m)
}

func (p *SMTPProvider) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(p.cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if p.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(p.cfg.Username),
			mail.WithPassword(p.cfg.Password),
		)
	}
	return opts
}

// buildMessage renders msg as an HTML mail. Attachments switch the body to
// multipart/mixed.
func buildMessage(from string, msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("%w: from: %v", ErrInvalidAddress, err)
	}
	if err := m.To(msg.To...); err != nil {
		return nil, fmt.Errorf("%w: to: %v", ErrInvalidAddress, err)
	}
	m.Subject(msg.Subject)
	m.SetDate()
	m.SetMessageID()
	m.SetBodyString(mail.TypeTextHTML, msg.HTMLBody)

	for _, att := range msg.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = string(mail.TypeAppOctetStream)
		}
		err := m.AttachReader(att.Filename, bytes.NewReader(att.Content),
			mail.WithFileContentType(mail.ContentType(contentType)))
		if err != nil {
			return nil, fmt.Errorf("attach %s: %w", att.Filename, err)
		}
	}
	return m, nil
}
