package mailer

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	texttemplate "text/template"
	"time"

	"gopkg.in/mail.v2"

	"github.com/platinummonkey/dtc/pkg/config"
)

const dialTimeout = 30 * time.Second

// MediaLink is a download link included in a delivery email
type MediaLink struct {
	Name      string
	URL       string
	SizeBytes int64
}

// CapsuleEmail is the content of one capsule delivery
type CapsuleEmail struct {
	To         string
	SenderName string
	Title      string
	Message    string
	WrittenAt  time.Time
	Media      []MediaLink
}

// Sender delivers composed messages. *mail.Dialer implements it.
type Sender interface {
	DialAndSend(m ...*mail.Message) error
}

// Mailer sends capsule emails
type Mailer struct {
	sender Sender
	from   string
	html   *template.Template
	text   *texttemplate.Template
}

// New creates a Mailer that sends through the configured SMTP server
func New(cfg config.MailConfig) *Mailer {
	dialer := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	dialer.Timeout = dialTimeout
	return NewWithSender(dialer, cfg.From)
}

// NewWithSender creates a Mailer with a custom transport
func NewWithSender(sender Sender, from string) *Mailer {
	funcs := map[string]interface{}{
		"size": formatSize,
		"date": func(t time.Time) string { return t.Format("January 2, 2006") },
	}
	return &Mailer{
		sender: sender,
		from:   from,
		html:   template.Must(template.New("capsule.html").Funcs(funcs).Parse(htmlTemplate)),
		text:   texttemplate.Must(texttemplate.New("capsule.txt").Funcs(funcs).Parse(textTemplate)),
	}
}

// Subject returns the subject line for a capsule email
func Subject(email CapsuleEmail) string {
	if email.SenderName != "" {
		return fmt.Sprintf("A time capsule from %s: %s", email.SenderName, email.Title)
	}
	return "A time capsule for you: " + email.Title
}

// Render produces the HTML and plain text bodies
func (m *Mailer) Render(email CapsuleEmail) (htmlBody, textBody string, err error) {
	var hb, tb bytes.Buffer
	if err := m.html.Execute(&hb, email); err != nil {
		return "", "", fmt.Errorf("failed to execute html template: %w", err)
	}
	if err := m.text.Execute(&tb, email); err != nil {
		return "", "", fmt.Errorf("failed to execute text template: %w", err)
	}
	return hb.String(), tb.String(), nil
}

// SendCapsule renders and sends a delivery email
func (m *Mailer) SendCapsule(ctx context.Context, email CapsuleEmail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	htmlBody, textBody, err := m.Render(email)
	if err != nil {
		return err
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", email.To)
	msg.SetHeader("Subject", Subject(email))
	msg.SetBody("text/plain", textBody)
	msg.AddAlternative("text/html", htmlBody)

	if err := m.sender.DialAndSend(msg); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", email.To, err)
	}
	return nil
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

const htmlTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="font-family: sans-serif; max-width: 640px; margin: 0 auto;">
  <h1>{{.Title}}</h1>
  <p>{{if .SenderName}}{{.SenderName}} wrote{{else}}Written{{end}} this on {{date .WrittenAt}} to be opened today.</p>
  <div style="white-space: pre-wrap; border-left: 4px solid #ccc; padding-left: 12px;">{{.Message}}</div>
  {{- if .Media}}
  <h2>Attachments</h2>
  <ul>
    {{- range .Media}}
    <li><a href="{{.URL}}">{{.Name}}</a> ({{size .SizeBytes}})</li>
    {{- end}}
  </ul>
  {{- end}}
</body>
</html>
`

const textTemplate = `{{.Title}}

{{if .SenderName}}{{.SenderName}} wrote{{else}}Written{{end}} this on {{date .WrittenAt}} to be opened today.

{{.Message}}
{{- if .Media}}

Attachments:
{{- range .Media}}
- {{.Name}} ({{size .SizeBytes}}): {{.URL}}
{{- end}}
{{- end}}
`
