package sender

import (
	"context"
	"fmt"
	"html"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Subject  string
}

// mailDialer is the part of gomail.Dialer the sender uses.
type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPSender delivers sequences by email. Media goes out as links.
type SMTPSender struct {
	cfg    SMTPConfig
	dialer mailDialer
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

func (s *SMTPSender) Channel() string { return "email" }

func (s *SMTPSender) SendText(ctx context.Context, recipient, content string) (string, error) {
	return s.send(ctx, recipient, content, "<p>"+html.EscapeString(content)+"</p>")
}

func (s *SMTPSender) SendImage(ctx context.Context, recipient, url string) (string, error) {
	u := html.EscapeString(url)
	return s.send(ctx, recipient, url, fmt.Sprintf(`<p><img src="%s" alt=""/></p>`, u))
}

func (s *SMTPSender) SendVideo(ctx context.Context, recipient, url string) (string, error) {
	u := html.EscapeString(url)
	return s.send(ctx, recipient, url, fmt.Sprintf(`<p><a href="%s">%s</a></p>`, u, u))
}

func (s *SMTPSender) send(ctx context.Context, recipient, plain, htmlBody string) (string, error) {
	if recipient == "" {
		return "", ErrNoAddress
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", recipient)
	m.SetHeader("Subject", s.cfg.Subject)
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@crm-outbound>", id))
	m.SetBody("text/plain", plain)
	m.AddAlternative("text/html", htmlBody)

	if err := s.dialer.DialAndSend(m); err != nil {
		return "", fmt.Errorf("smtp send to %s: %w", recipient, err)
	}
	return id, nil
}
