package email

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

var ErrUnknownTemplate = errors.New("email_unknown_template")

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

var defaultSubjects = map[string]string{
	"payment_receipt":  "Your payment receipt",
	"payment_failed":   "Your payment could not be completed",
	"payment_refunded": "Your refund has been issued",
}

// Render executes the named template. Missing templates are reported as
// ErrUnknownTemplate so the caller can treat them as permanent.
func Render(name string, data map[string]any) (string, error) {
	tmpl := templates.Lookup(name + ".html")
	if tmpl == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return "", fmt.Errorf("execute template %s: %w", name, err)
	}
	return body.String(), nil
}

func DefaultSubject(name string) string {
	if subject, ok := defaultSubjects[name]; ok {
		return subject
	}
	return "Notification from Courier"
}
