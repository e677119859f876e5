package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/briangreenhill/campusedge/cache"
)

var (
	// ErrNetwork marks a fetch that never produced a response
	ErrNetwork = errors.New("network request failed")
	// ErrTimeout marks a fetch abandoned after the network timeout
	ErrTimeout = errors.New("network request timed out")
	// ErrBadResponse marks a non-2xx response where one is required
	ErrBadResponse = errors.New("unexpected response status")
)

// DefaultMaxBodyBytes caps how much of a response body is buffered
const DefaultMaxBodyBytes = 32 << 20

// Fetcher performs network requests. Only transport failures are errors;
// any HTTP status is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*cache.Entry, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context, req *http.Request) (*cache.Entry, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*cache.Entry, error) {
	return f(ctx, req)
}

// HTTPFetcher fetches with an http.Client and buffers the body
type HTTPFetcher struct {
	Client       *http.Client
	MaxBodyBytes int64
}

// NewHTTPFetcher returns a fetcher using client, or http.DefaultClient when nil.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{Client: client, MaxBodyBytes: DefaultMaxBodyBytes}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*cache.Entry, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""

	resp, err := f.Client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	limit := f.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrNetwork, req.URL, err)
	}

	header := resp.Header.Clone()
	header.Del("Content-Length")
	return &cache.Entry{
		Method: req.Method,
		URL:    req.URL.String(),
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
	}, nil
}

// fetch applies the generation's timeout and maps a deadline to ErrTimeout.
func (c *Controller) fetch(ctx context.Context, req *http.Request, timeout time.Duration) (*cache.Entry, error) {
	fctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := c.fetcher.Fetch(fctx, req.WithContext(fctx))
	if err != nil {
		if errors.Is(fctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, req.URL)
		}
		if !errors.Is(err, ErrNetwork) {
			err = fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		return nil, err
	}
	return resp, nil
}
