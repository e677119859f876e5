package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	ActionOpen    = "open"
	ActionDismiss = "dismiss"
)

// ErrNotificationNotFound is returned when clicking an unknown notification
var ErrNotificationNotFound = errors.New("notification not found")

// NotificationAction is a button shown on a notification
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
	URL    string `json:"url,omitempty"`
}

// NotificationTemplate holds the fixed parts of every pushed notification
type NotificationTemplate struct {
	Title   string
	Body    string
	Icon    string
	Badge   string
	Vibrate []int
	Actions []NotificationAction
}

// DefaultNotification is the template the platform ships with.
func DefaultNotification(app string) NotificationTemplate {
	return NotificationTemplate{
		Title:   app,
		Body:    "Tienes una nueva notificación de " + app,
		Icon:    "/static/images/icons/icon-192x192.png",
		Badge:   "/static/images/icons/icon-72x72.png",
		Vibrate: []int{100, 50, 100},
		Actions: []NotificationAction{
			{Action: ActionOpen, Title: "Ver notificación", Icon: "/static/images/icons/icon-96x96.png"},
			{Action: ActionDismiss, Title: "Cerrar", Icon: "/static/images/icons/icon-96x96.png"},
		},
	}
}

// Notification is one shown notification
type Notification struct {
	ID        string               `json:"id"`
	Title     string               `json:"title"`
	Body      string               `json:"body"`
	Icon      string               `json:"icon,omitempty"`
	Badge     string               `json:"badge,omitempty"`
	Vibrate   []int                `json:"vibrate,omitempty"`
	Actions   []NotificationAction `json:"actions,omitempty"`
	Data      map[string]any       `json:"data,omitempty"`
	CreatedAt int64                `json:"created_at"`
	Closed    bool                 `json:"closed"`
}

// Notifier displays notifications
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// LogNotifier writes notifications to the log
type LogNotifier struct {
	Log zerolog.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	l.Log.Info().Str("id", n.ID).Str("title", n.Title).Str("body", n.Body).Msg("notification shown")
	return nil
}

// MultiNotifier shows a notification through every notifier and joins the errors
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Push shows a notification for a push payload. A JSON object may override
// the body and adds its fields to the notification data; any other non-empty
// payload is used as the body text.
func (c *Controller) Push(ctx context.Context, payload []byte) (*Notification, error) {
	tmpl := c.current().Notification
	now := c.now()

	n := &Notification{
		ID:        uuid.NewString(),
		Title:     tmpl.Title,
		Body:      tmpl.Body,
		Icon:      tmpl.Icon,
		Badge:     tmpl.Badge,
		Vibrate:   append([]int(nil), tmpl.Vibrate...),
		CreatedAt: now.UnixMilli(),
		Data: map[string]any{
			"dateOfArrival": now.UnixMilli(),
			"primaryKey":    1,
		},
	}

	payload = bytes.TrimSpace(payload)
	var fields map[string]any
	switch {
	case len(payload) == 0:
	case json.Unmarshal(payload, &fields) == nil && fields != nil:
		if body, ok := fields["body"].(string); ok && body != "" {
			n.Body = body
		}
		for k, v := range fields {
			n.Data[k] = v
		}
	default:
		n.Body = string(payload)
	}

	for _, a := range tmpl.Actions {
		if c.actionURL != nil {
			a.URL = c.actionURL(n.ID, a.Action)
		}
		n.Actions = append(n.Actions, a)
	}

	if err := c.notifier.Notify(ctx, *n); err != nil {
		return nil, fmt.Errorf("show notification: %w", err)
	}

	c.notifyMu.Lock()
	c.notifications = append(c.notifications, n)
	c.notifyMu.Unlock()

	out := *n
	return &out, nil
}

// Notifications returns the notifications shown so far, oldest first.
func (c *Controller) Notifications() []Notification {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	out := make([]Notification, len(c.notifications))
	for i, n := range c.notifications {
		out[i] = *n
	}
	return out
}

// ClickResult describes what a notification click did
type ClickResult struct {
	Closed bool    `json:"closed"`
	Opened bool    `json:"opened"`
	Client *Client `json:"client,omitempty"`
	URL    string  `json:"url,omitempty"`
}

// NotificationClick closes the notification. Dismiss stops there; any other
// action, including a click on the body, opens or focuses the root URL.
func (c *Controller) NotificationClick(ctx context.Context, id, action string) (ClickResult, error) {
	if err := ctx.Err(); err != nil {
		return ClickResult{}, err
	}

	c.notifyMu.Lock()
	var found *Notification
	for _, n := range c.notifications {
		if n.ID == id {
			found = n
			break
		}
	}
	if found != nil {
		found.Closed = true
	}
	c.notifyMu.Unlock()
	if found == nil {
		return ClickResult{}, fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}

	res := ClickResult{Closed: true}
	if action == ActionDismiss {
		return res, nil
	}

	root := c.current().RootURL
	client := c.clients.OpenWindow(root)
	c.log.Info().Str("notification", id).Str("action", action).Str("client", client.ID).Msg("notification opened")
	res.Opened = true
	res.Client = &client
	res.URL = root
	return res, nil
}
