package email

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/campusedge/internal/offline"
)

func TestNewSMTPSender_Defaults(t *testing.T) {
	s := NewSMTPSender("", "")
	if s.Addr != "localhost:1025" {
		t.Fatalf("expected default addr localhost:1025, got %s", s.Addr)
	}
	if s.From != "no-reply@studentspoint.local" {
		t.Fatalf("expected default from no-reply@studentspoint.local, got %s", s.From)
	}
}

func TestStdoutSender_Send(t *testing.T) {
	s := StdoutSender{Log: zerolog.Nop()}
	if err := s.Send("user@example.com", "Test subject", "<p>Test</p>"); err != nil {
		t.Fatalf("StdoutSender.Send returned error: %v", err)
	}
}

func TestSMTPSender_Send_EmptyRecipient(t *testing.T) {
	s := NewSMTPSender("localhost:1025", "from@example.com")
	if err := s.Send("", "subj", "body"); err == nil {
		t.Fatalf("expected error when recipient is empty")
	}
}

func TestSMTPSender_Send_HeaderInjection(t *testing.T) {
	s := NewSMTPSender("localhost:1025", "from@example.com")
	if err := s.Send("a@example.com", "hi\r\nBcc: x@example.com", "body"); err == nil {
		t.Fatalf("expected error for newline in subject")
	}
}

// Sends through MailHog when it is running locally, then cleans up.
func TestSMTPSender_MailHog_Send(t *testing.T) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://localhost:8025/api/v2/messages")
	if err != nil {
		t.Skipf("MailHog HTTP API not available: %v", err)
	}
	_ = resp.Body.Close()

	sender := NewSMTPSender("localhost:1025", "test-from@example.com")
	if err := sender.Send("recipient@example.com", "Test MailHog", "<p>Hola</p>"); err != nil {
		t.Skipf("MailHog SMTP not available or send failed: %v", err)
	}

	req, _ := http.NewRequest(http.MethodDelete, "http://localhost:8025/api/v1/messages", nil)
	if resp, err := client.Do(req); err == nil {
		_ = resp.Body.Close()
	}
}

type capture struct {
	to, subject, html string
	err               error
}

func (c *capture) Send(to, subject, html string) error {
	c.to, c.subject, c.html = to, subject, html
	return c.err
}

func TestNotifier(t *testing.T) {
	c := &capture{}
	n := Notifier{Sender: c, To: "ops@example.edu"}

	note := offline.Notification{
		ID:    "n-1",
		Title: "StudentsPoint",
		Body:  "Nuevo <tema> en el foro",
		Actions: []offline.NotificationAction{
			{Action: offline.ActionOpen, Title: "Ver notificación", URL: "https://edge.example.edu/_edge/notifications/click?token=a&b"},
			{Action: offline.ActionDismiss, Title: "Cerrar"},
		},
	}
	if err := n.Notify(context.Background(), note); err != nil {
		t.Fatalf("Notify() failed: %v", err)
	}
	if c.to != "ops@example.edu" || c.subject != "StudentsPoint" {
		t.Errorf("unexpected envelope to=%s subject=%s", c.to, c.subject)
	}
	if !strings.Contains(c.html, "Nuevo &lt;tema&gt; en el foro") {
		t.Errorf("body not escaped: %s", c.html)
	}
	if !strings.Contains(c.html, "token=a&amp;b") {
		t.Errorf("action link missing: %s", c.html)
	}
	if strings.Contains(c.html, "Cerrar") {
		t.Errorf("actions without links should be omitted: %s", c.html)
	}

	c.err = errors.New("relay down")
	if err := n.Notify(context.Background(), note); err == nil {
		t.Fatal("expected sender error")
	}
}
