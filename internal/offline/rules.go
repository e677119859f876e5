package offline

import (
	"fmt"
	"net/url"
	"strings"
)

// Strategy is the policy that resolves a request between cache and network
type Strategy string

const (
	NetworkFirst         Strategy = "networkFirst"
	CacheFirst           Strategy = "cacheFirst"
	StaleWhileRevalidate Strategy = "staleWhileRevalidate"
)

// ParseStrategy accepts the camelCase tags and their kebab-case spelling.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "")) {
	case "networkfirst":
		return NetworkFirst, nil
	case "cachefirst":
		return CacheFirst, nil
	case "stalewhilerevalidate":
		return StaleWhileRevalidate, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Predicate tests a request URL
type Predicate func(u *url.URL) bool

// Rule maps matching URLs to a strategy. Rules are evaluated in order and
// the first match wins.
type Rule struct {
	Name     string
	Match    Predicate
	Strategy Strategy
}

// PathPrefix matches URL paths starting with any prefix
func PathPrefix(prefixes ...string) Predicate {
	return func(u *url.URL) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(u.Path, p) {
				return true
			}
		}
		return false
	}
}

// PathExact matches URL paths equal to any of paths
func PathExact(paths ...string) Predicate {
	return func(u *url.URL) bool {
		p := u.Path
		if p == "" {
			p = "/"
		}
		for _, want := range paths {
			if p == want {
				return true
			}
		}
		return false
	}
}

// URLContains matches when the full URL contains any substring
func URLContains(subs ...string) Predicate {
	return func(u *url.URL) bool {
		s := u.String()
		for _, sub := range subs {
			if strings.Contains(s, sub) {
				return true
			}
		}
		return false
	}
}

// AnyOf matches when one of preds matches
func AnyOf(preds ...Predicate) Predicate {
	return func(u *url.URL) bool {
		for _, p := range preds {
			if p != nil && p(u) {
				return true
			}
		}
		return false
	}
}

// SelectStrategy returns the strategy of the first matching rule, or fallback.
func SelectStrategy(rules []Rule, u *url.URL, fallback Strategy) Strategy {
	for _, r := range rules {
		if r.Match != nil && r.Match(u) {
			return r.Strategy
		}
	}
	return fallback
}

// DefaultRules: API endpoints network-first, static assets cache-first and
// the application shell root stale-while-revalidate.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "api", Match: PathPrefix("/api/"), Strategy: NetworkFirst},
		{Name: "static", Match: PathPrefix("/static/", "/imagenes/"), Strategy: CacheFirst},
		{Name: "shell", Match: PathExact("/", "/index.html"), Strategy: StaleWhileRevalidate},
	}
}
