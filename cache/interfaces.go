// Package cache provides named cache partitions holding request/response
// pairs, with in-memory and filesystem backends.
package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrPartitionNotFound is returned when an operation needs an existing partition
	ErrPartitionNotFound = errors.New("cache partition not found")
)

// Entry represents a stored response with the request it answers
type Entry struct {
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Key returns the key the entry is stored under
func (e *Entry) Key() Key {
	return NewKey(e.Method, e.URL)
}

// OK reports whether the response status is in the 2xx range
func (e *Entry) OK() bool {
	return e.Status >= 200 && e.Status < 300
}

// Clone returns a deep copy so callers can hand one copy to a partition
// and return the other.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Header = e.Header.Clone()
	if e.Body != nil {
		c.Body = append([]byte(nil), e.Body...)
	}
	return &c
}

// Reader defines the interface for reading partition entries
type Reader interface {
	// Match returns the entry stored under key, false if there is none
	Match(ctx context.Context, key Key) (*Entry, bool, error)
}

// Writer defines the interface for writing partition entries
type Writer interface {
	// Put stores entry under its key, overwriting any previous entry
	Put(ctx context.Context, entry *Entry) error
}

// Partition is a named, isolated collection of request/response pairs
type Partition interface {
	Reader
	Writer

	Name() string

	// Delete removes a single entry; it reports whether one existed
	Delete(ctx context.Context, key Key) (bool, error)

	// Keys lists stored keys in insertion order
	Keys(ctx context.Context) ([]Key, error)
}

// Storage manages the set of partitions
type Storage interface {
	// Open returns the named partition, creating it if needed
	Open(ctx context.Context, name string) (Partition, error)

	Has(ctx context.Context, name string) (bool, error)

	// Delete removes a whole partition with its entries
	Delete(ctx context.Context, name string) (bool, error)

	// Names lists partition names in creation order
	Names(ctx context.Context) ([]string, error)
}

// Match searches every partition in creation order and returns the first
// entry stored under key.
func Match(ctx context.Context, s Storage, key Key) (*Entry, bool, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, name := range names {
		p, err := s.Open(ctx, name)
		if err != nil {
			return nil, false, err
		}
		e, ok, err := p.Match(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return e, true, nil
		}
	}
	return nil, false, nil
}

// Clear deletes every partition and returns how many were removed.
func Clear(ctx context.Context, s Storage) (int, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, name := range names {
		ok, err := s.Delete(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}
