package capability

import (
	"context"
	"fmt"
	"strings"
)

// Mailer sends an email message. Implemented by notify/email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SetMailer registers the send_email capability.
func (r *Registry) SetMailer(m Mailer) {
	r.Register(&Capability{
		Name:        "send_email",
		Description: "Send an email message. Use when the user asks to email someone or to forward information by email.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to": map[string]any{
					"type":        "string",
					"description": "Recipient email address",
				},
				"subject": map[string]any{
					"type":        "string",
					"description": "Subject line",
				},
				"body": map[string]any{
					"type":        "string",
					"description": "Plain-text message body",
				},
			},
			"required": []string{"to", "subject", "body"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return handleSendEmail(ctx, m, args)
		},
	})
}

func handleSendEmail(ctx context.Context, m Mailer, args map[string]any) (string, error) {
	to, err := stringArg(args, "to")
	if err != nil {
		return "", err
	}
	if !strings.Contains(to, "@") {
		return "", fmt.Errorf("invalid recipient address: %s", to)
	}
	subject, err := stringArg(args, "subject")
	if err != nil {
		return "", err
	}
	body, err := stringArg(args, "body")
	if err != nil {
		return "", err
	}

	if err := m.Send(ctx, to, subject, body); err != nil {
		return "", fmt.Errorf("send email to %s: %w", to, err)
	}
	return fmt.Sprintf("Email sent to %s.", to), nil
}
