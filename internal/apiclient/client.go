// Package apiclient talks to a running edge with the bearer token kept in
// the local session.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/briangreenhill/campusedge/internal/offline"
	"github.com/briangreenhill/campusedge/internal/session"
)

const DefaultBaseURL = "http://localhost:8080"

// ErrUnauthorized means the server rejected the token. The session has been
// cleared and the user must log in again.
var ErrUnauthorized = errors.New("unauthorized, log in again")

// APIError is a non-2xx answer other than 401
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("edge returned %d: %s", e.Status, e.Body)
}

type Client struct {
	http    *http.Client
	base    http.RoundTripper
	baseURL *url.URL
	store   *session.Store
	timeout time.Duration
}

type Option func(*Client)

// WithTransport sets the transport under the bearer injection
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.base = rt }
}

func WithBaseURL(raw string) Option {
	return func(c *Client) {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			c.baseURL = u
		}
	}
}

// WithSession authenticates requests with the token in store
func WithSession(store *session.Store) Option {
	return func(c *Client) { c.store = store }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func New(opts ...Option) *Client {
	u, _ := url.Parse(DefaultBaseURL)
	c := &Client{
		base:    http.DefaultTransport,
		baseURL: u,
		timeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}

	rt := c.base
	if c.store != nil {
		rt = &oauth2.Transport{Source: c.store, Base: c.base}
	}
	c.http = &http.Client{Transport: rt, Timeout: c.timeout}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL.String() }

func (c *Client) newReq(ctx context.Context, method, ref string, body any) (*http.Request, error) {
	rel, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse path %q: %w", ref, err)
	}
	u := c.baseURL.ResolveReference(rel)

	var rd io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
		contentType = "application/octet-stream"
		if json.Valid(b) {
			contentType = "application/json"
		}
	default:
		buf, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// do sends the request and decodes a JSON body into out. It returns the
// response status so callers can tell 200 from 202.
func (c *Client) do(ctx context.Context, method, ref string, body, out any) (int, error) {
	req, err := c.newReq(ctx, method, ref, body)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			return 0, session.ErrNoSession
		}
		return 0, fmt.Errorf("%s %s: %w", method, ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		if c.store != nil {
			if err := c.store.Clear(); err != nil {
				return resp.StatusCode, errors.Join(ErrUnauthorized, err)
			}
		}
		return resp.StatusCode, ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s response: %w", ref, err)
	}
	return resp.StatusCode, nil
}

// Get fetches a JSON document through the edge
func (c *Client) Get(ctx context.Context, ref string, out any) error {
	_, err := c.do(ctx, http.MethodGet, ref, nil, out)
	return err
}

type State struct {
	State        string `json:"state"`
	Version      string `json:"version,omitempty"`
	StaticCache  string `json:"staticCache,omitempty"`
	DynamicCache string `json:"dynamicCache,omitempty"`
	Clients      int    `json:"clients"`
}

func (c *Client) State(ctx context.Context) (*State, error) {
	var st State
	if err := c.Get(ctx, "/_edge/state", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Message(ctx context.Context, msg offline.Message) (*offline.Reply, error) {
	var reply offline.Reply
	if _, err := c.do(ctx, http.MethodPost, "/_edge/messages", msg, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Push sends a raw push payload: a JSON object or plain body text
func (c *Client) Push(ctx context.Context, payload []byte) (*offline.Notification, error) {
	var n offline.Notification
	if _, err := c.do(ctx, http.MethodPost, "/_edge/push", payload, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// SyncResult is either a queued task or the report of an inline pass
type SyncResult struct {
	Queued bool
	TaskID string
	Report *offline.SyncReport
}

func (c *Client) Sync(ctx context.Context, tag string) (*SyncResult, error) {
	var raw json.RawMessage
	status, err := c.do(ctx, http.MethodPost, "/_edge/sync", map[string]string{"tag": tag}, &raw)
	if err != nil {
		return nil, err
	}
	if status == http.StatusAccepted {
		var queued struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(raw, &queued); err != nil {
			return nil, fmt.Errorf("decode sync response: %w", err)
		}
		return &SyncResult{Queued: true, TaskID: queued.TaskID}, nil
	}
	var report offline.SyncReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("decode sync report: %w", err)
	}
	return &SyncResult{Report: &report}, nil
}
