package offline

import "github.com/briangreenhill/campusedge/cache"

// Kind tags how a request was resolved
type Kind int

const (
	// Bypass: not intercepted, the caller forwards the request untouched
	Bypass Kind = iota
	// Network: answered by a fresh network response
	Network
	// CacheHit: answered by the entry stored for this exact request
	CacheHit
	// Fallback: answered by the cached shell page
	Fallback
	// Failed: no network response and nothing cached to fall back on
	Failed
)

func (k Kind) String() string {
	switch k {
	case Bypass:
		return "bypass"
	case Network:
		return "network"
	case CacheHit:
		return "cache-hit"
	case Fallback:
		return "fallback"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Outcome is the result of intercepting one request
type Outcome struct {
	Kind     Kind
	Strategy Strategy
	Entry    *cache.Entry
	Err      error
}

func bypass() Outcome { return Outcome{Kind: Bypass} }

func failed(s Strategy, err error) Outcome {
	return Outcome{Kind: Failed, Strategy: s, Err: err}
}
