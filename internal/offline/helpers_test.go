package offline_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/campusedge/cache"
	"github.com/briangreenhill/campusedge/internal/offline"
)

const originURL = "https://campus.test"

var testManifest = []string{
	"/",
	"/index.html",
	"/static/css/app.css",
	"/static/js/app.js",
	"/static/images/icons/icon-192x192.png",
	"https://cdn.example.com/bootstrap.min.css",
}

type page struct {
	status int
	body   string
	header http.Header
}

// fakeNet answers fetches from a table of pages, keyed by absolute URL.
type fakeNet struct {
	mu      sync.Mutex
	pages   map[string]page
	failing map[string]bool
	calls   map[string]int
	down    bool
	hang    bool
	gate    chan struct{}
}

func newFakeNet() *fakeNet {
	n := &fakeNet{
		pages:   make(map[string]page),
		failing: make(map[string]bool),
		calls:   make(map[string]int),
	}
	for _, ref := range testManifest {
		n.set(ref, 200, "asset "+ref)
	}
	return n
}

func abs(ref string) string {
	if strings.HasPrefix(ref, "http") {
		return ref
	}
	return originURL + ref
}

func (n *fakeNet) set(ref string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pages[abs(ref)] = page{status: status, body: body}
}

// setHeader adds a response header to an already registered page
func (n *fakeNet) setHeader(ref, key, value string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := n.pages[abs(ref)]
	if p.header == nil {
		p.header = http.Header{}
	}
	p.header.Add(key, value)
	n.pages[abs(ref)] = p
}

func (n *fakeNet) fail(ref string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failing[abs(ref)] = true
}

func (n *fakeNet) setDown(down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down = down
}

func (n *fakeNet) callCount(ref string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[abs(ref)]
}

func (n *fakeNet) Fetch(ctx context.Context, req *http.Request) (*cache.Entry, error) {
	u := req.URL.String()

	n.mu.Lock()
	n.calls[u]++
	p, ok := n.pages[u]
	down := n.down || n.failing[u]
	hang := n.hang
	gate := n.gate
	n.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if down {
		return nil, errors.New("connection refused")
	}
	if !ok {
		p = page{status: http.StatusNotFound, body: "not found"}
	}
	header := http.Header{"Content-Type": {"text/plain"}}
	for k, vs := range p.header {
		header[k] = append([]string(nil), vs...)
	}
	return &cache.Entry{
		Method: req.Method,
		URL:    u,
		Status: p.status,
		Header: header,
		Body:   []byte(p.body),
	}, nil
}

func testConfig(t *testing.T, version string) offline.Config {
	t.Helper()
	origin, err := url.Parse(originURL)
	require.NoError(t, err)
	cfg := offline.NewConfig("StudentsPoint", version, origin)
	cfg.Manifest = append([]string(nil), testManifest...)
	return cfg
}

func newController(t *testing.T, net *fakeNet, storage cache.Storage, opts ...func(*offline.Options)) *offline.Controller {
	t.Helper()
	o := offline.Options{
		Storage: storage,
		Fetcher: net,
		Logger:  zerolog.Nop(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	ctrl, err := offline.New(testConfig(t, "v1"), o)
	require.NoError(t, err)
	return ctrl
}

// startedController returns an activated v1 controller over memory storage.
func startedController(t *testing.T, net *fakeNet) (*offline.Controller, *cache.MemoryStorage) {
	t.Helper()
	storage := cache.NewMemoryStorage()
	ctrl := newController(t, net, storage)
	require.NoError(t, ctrl.Start(context.Background()))
	require.Equal(t, offline.StateActivated, ctrl.State())
	return ctrl, storage
}

func get(ref string, accept string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, abs(ref), nil)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	return req
}

func keysOf(t *testing.T, s cache.Storage, partition string) []string {
	t.Helper()
	ctx := context.Background()
	p, err := s.Open(ctx, partition)
	require.NoError(t, err)
	keys, err := p.Keys(ctx)
	require.NoError(t, err)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.URL
	}
	return out
}

func bodyOf(t *testing.T, s cache.Storage, partition, ref string) (string, bool) {
	t.Helper()
	ctx := context.Background()
	p, err := s.Open(ctx, partition)
	require.NoError(t, err)
	e, ok, err := p.Match(ctx, cache.NewKey(http.MethodGet, abs(ref)))
	require.NoError(t, err)
	if !ok {
		return "", false
	}
	return string(e.Body), true
}

// flakyStorage fails deletions of partitions whose name contains failOn.
type flakyStorage struct {
	cache.Storage
	mu     sync.Mutex
	failOn string
}

func (f *flakyStorage) setFailOn(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn = s
}

func (f *flakyStorage) Delete(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	failOn := f.failOn
	f.mu.Unlock()
	if failOn != "" && strings.Contains(name, failOn) {
		return false, errors.New("disk busy")
	}
	return f.Storage.Delete(ctx, name)
}
