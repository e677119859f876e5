package cache

import (
	"crypto/md5"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Key identifies an entry: the full request method and URL
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey normalises the method (empty means GET) and strips URL fragments.
func NewKey(method, rawURL string) Key {
	m := strings.ToUpper(strings.TrimSpace(method))
	if m == "" {
		m = http.MethodGet
	}
	if u, err := url.Parse(rawURL); err == nil {
		u.Fragment = ""
		u.RawFragment = ""
		rawURL = u.String()
	}
	return Key{Method: m, URL: rawURL}
}

// KeyFor builds the key for an outgoing request
func KeyFor(r *http.Request) Key {
	return NewKey(r.Method, r.URL.String())
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// FileName maps the key onto a fixed-length name. Distinct keys never share
// a file.
func (k Key) FileName() string {
	return fmt.Sprintf("%x.json", md5.Sum([]byte(k.String())))
}

var filenameReplacer = strings.NewReplacer(
	"/", "_",
	"\\", "_",
	":", "_",
	"*", "_",
	"?", "_",
	"\"", "_",
	"<", "_",
	">", "_",
	"|", "_",
	"#", "_",
	"&", "_",
	"=", "_",
	" ", "_",
)

func sanitizeForFilename(s string) string {
	return filenameReplacer.Replace(s)
}
