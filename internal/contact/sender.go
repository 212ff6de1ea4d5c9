package contact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltpl "html/template"
	"time"

	"github.com/wneessen/go-mail"
)

// ErrNotConfigured is returned when no email credentials are set.
var ErrNotConfigured = errors.New("email service not configured")

// Sender delivers a validated submission.
type Sender interface {
	Send(ctx context.Context, sub Submission) error
}

// SMTPConfig configures SMTPSender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	To       string
	Timeout  time.Duration
}

// SMTPSender relays submissions through an SMTP server with STARTTLS.
type SMTPSender struct {
	cfg SMTPConfig
}

// NewSMTPSender validates cfg and returns a sender. It returns
// ErrNotConfigured when credentials are missing.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Host == "" {
		cfg.Host = "smtp.gmail.com"
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.To == "" {
		cfg.To = cfg.Username
	}
	if cfg.FromName == "" {
		cfg.FromName = "MyOpenClawAgent Website"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &SMTPSender{cfg: cfg}, nil
}

var htmlBody = htmltpl.Must(htmltpl.New("contact").Parse(
	`<h2>New Contact Form Submission</h2>
<p><strong>Name:</strong> {{.Name}}</p>
<p><strong>Email:</strong> {{.Email}}</p>
<p><strong>Message:</strong></p>
<p style="white-space: pre-line">{{.Message}}</p>
`))

func textBody(sub Submission) string {
	return fmt.Sprintf("New contact form submission:\n\nName: %s\nEmail: %s\n\nMessage:\n%s\n",
		sub.Name, sub.Email, sub.Message)
}

// message builds the email for sub.
func (s *SMTPSender) message(sub Submission) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.FromFormat(s.cfg.FromName, s.cfg.From); err != nil {
		return nil, fmt.Errorf("set from: %w", err)
	}
	if err := m.To(s.cfg.To); err != nil {
		return nil, fmt.Errorf("set to: %w", err)
	}
	if err := m.ReplyTo(sub.Email); err != nil {
		return nil, fmt.Errorf("set reply-to: %w", err)
	}
	m.Subject("Contact Form: " + sub.Name)
	m.SetBodyString(mail.TypeTextPlain, textBody(sub))

	var html bytes.Buffer
	if err := htmlBody.Execute(&html, sub); err != nil {
		return nil, fmt.Errorf("render html body: %w", err)
	}
	m.AddAlternativeString(mail.TypeTextHTML, html.String())
	return m, nil
}

// Send implements Sender.
func (s *SMTPSender) Send(ctx context.Context, sub Submission) error {
	m, err := s.message(sub)
	if err != nil {
		return err
	}

	client, err := mail.NewClient(s.cfg.Host,
		mail.WithTLSPortPolicy(mail.TLSMandatory),
		mail.WithPort(s.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(s.cfg.Username),
		mail.WithPassword(s.cfg.Password),
		mail.WithTimeout(s.cfg.Timeout),
	)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send contact email: %w", err)
	}
	return nil
}
