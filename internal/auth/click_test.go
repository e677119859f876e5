package auth

import (
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestClickLinkRoundTrip(t *testing.T) {
	c := ClickLink{Secret: []byte("secret"), BaseURL: "http://localhost:8080"}

	tok := c.Sign("n-1", "open", time.Now().Add(time.Hour))
	id, action, err := c.Verify(tok)
	if err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}
	if id != "n-1" || action != "open" {
		t.Errorf("Expected n-1/open, got %s/%s", id, action)
	}

	// the default body click carries no action
	id, action, err = c.Verify(c.Sign("n-2", "", time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}
	if id != "n-2" || action != "" {
		t.Errorf("Expected n-2 with empty action, got %s/%q", id, action)
	}
}

func TestClickLinkRejects(t *testing.T) {
	c := ClickLink{Secret: []byte("secret")}
	valid := c.Sign("n-1", "dismiss", time.Now().Add(time.Hour))
	other := ClickLink{Secret: []byte("other")}

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"no separator", "abc", ErrBadToken},
		{"bad base64", "!!!.sig", ErrBadToken},
		{"wrong secret", other.Sign("n-1", "dismiss", time.Now().Add(time.Hour)), ErrBadSig},
		{"tampered signature", valid + "x", ErrBadSig},
		{"expired", c.Sign("n-1", "open", time.Now().Add(-time.Minute)), ErrExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := c.Verify(tt.token)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestClickLinkURL(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := ClickLink{Secret: []byte("secret"), BaseURL: "https://edge.example.edu", TTL: time.Hour, Now: func() time.Time { return now }}

	raw := c.URL("n-7", "open")
	if !strings.HasPrefix(raw, "https://edge.example.edu"+ClickPath+"?token=") {
		t.Fatalf("Unexpected URL %s", raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	id, action, err := c.Verify(u.Query().Get("token"))
	if err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}
	if id != "n-7" || action != "open" {
		t.Errorf("Expected n-7/open, got %s/%s", id, action)
	}

	later := c
	later.Now = func() time.Time { return now.Add(2 * time.Hour) }
	if _, _, err := later.Verify(u.Query().Get("token")); !errors.Is(err, ErrExpired) {
		t.Errorf("Expected ErrExpired, got %v", err)
	}
}
