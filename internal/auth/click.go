// Package auth signs the links placed on notification actions so a click can
// be honoured without a session.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrBadToken   = errors.New("bad token")
	ErrBadSig     = errors.New("invalid signature")
	ErrExpired    = errors.New("expired")
	ErrBadPayload = errors.New("bad payload")
)

// ClickPath is where signed click links point
const ClickPath = "/_edge/notifications/click"

// ClickLink signs notification id and action pairs
type ClickLink struct {
	Secret  []byte
	BaseURL string // eg., http://localhost:8080
	TTL     time.Duration

	// Now defaults to time.Now
	Now func() time.Time
}

func (c ClickLink) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c ClickLink) Sign(notificationID, action string, exp time.Time) string {
	msg := strings.Join([]string{notificationID, action, strconv.FormatInt(exp.Unix(), 10)}, "|")
	mac := hmac.New(sha256.New, c.Secret)
	mac.Write([]byte(msg))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	payload := base64.RawURLEncoding.EncodeToString([]byte(msg))
	return payload + "." + sig
}

func (c ClickLink) Verify(token string) (notificationID, action string, err error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", "", ErrBadToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", "", ErrBadToken
	}

	mac := hmac.New(sha256.New, c.Secret)
	mac.Write(payload)
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(parts[1])) {
		return "", "", ErrBadSig
	}

	// ids and actions never contain '|'
	fields := strings.SplitN(string(payload), "|", 3)
	if len(fields) != 3 || fields[0] == "" {
		return "", "", ErrBadPayload
	}
	expUnix, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return "", "", ErrBadPayload
	}
	if c.now().After(time.Unix(expUnix, 0)) {
		return "", "", ErrExpired
	}
	return fields[0], fields[1], nil
}

// URL returns the absolute signed link for a notification action.
func (c ClickLink) URL(notificationID, action string) string {
	ttl := c.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	tok := c.Sign(notificationID, action, c.now().Add(ttl))
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		u = &url.URL{}
	}
	u.Path = ClickPath
	q := u.Query()
	q.Set("token", tok)
	u.RawQuery = q.Encode()
	return u.String()
}
