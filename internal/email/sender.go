package email

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/campusedge/internal/offline"
)

type Sender interface {
	Send(to, subject, html string) error
}

// StdoutSender logs mail instead of delivering it
type StdoutSender struct {
	Log zerolog.Logger
}

func (s StdoutSender) Send(to, subject, html string) error {
	s.Log.Info().Str("to", to).Str("subject", subject).Msg(html)
	return nil
}

// SMTPSender delivers mail through a plain SMTP relay such as MailHog
type SMTPSender struct {
	Addr string
	From string
	Auth smtp.Auth
}

func NewSMTPSender(addr, from string) *SMTPSender {
	if addr == "" {
		addr = "localhost:1025"
	}
	if from == "" {
		from = "no-reply@studentspoint.local"
	}
	return &SMTPSender{Addr: addr, From: from}
}

func (s *SMTPSender) Send(to, subject, body string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return errors.New("email: recipient required")
	}
	if strings.ContainsAny(to+subject, "\r\n") {
		return errors.New("email: header values must not contain newlines")
	}
	msg := strings.Join([]string{
		"From: " + s.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
		"",
		body,
	}, "\r\n")
	if err := smtp.SendMail(s.Addr, s.Auth, s.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("email: send to %s: %w", to, err)
	}
	return nil
}

// Notifier mirrors shown notifications to an inbox
type Notifier struct {
	Sender Sender
	To     string
}

func (n Notifier) Notify(_ context.Context, note offline.Notification) error {
	var b strings.Builder
	b.WriteString("<p>" + html.EscapeString(note.Body) + "</p>")
	for _, a := range note.Actions {
		if a.URL == "" {
			continue
		}
		b.WriteString(`<p><a href="` + html.EscapeString(a.URL) + `">` + html.EscapeString(a.Title) + "</a></p>")
	}
	return n.Sender.Send(n.To, note.Title, b.String())
}
