package offline

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is a browsing context that sends requests through the edge
type Client struct {
	ID         string    `json:"id"`
	URL        string    `json:"url,omitempty"`
	Controlled bool      `json:"controlled"`
	Focused    bool      `json:"focused"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// Clients tracks browsing clients. A client first seen while no generation
// is active stays uncontrolled until the next activation claims it.
type Clients struct {
	mu      sync.Mutex
	now     func() time.Time
	clients map[string]*Client
}

func NewClients(now func() time.Time) *Clients {
	if now == nil {
		now = time.Now
	}
	return &Clients{now: now, clients: make(map[string]*Client)}
}

// Touch records activity of a client and returns a copy of it. url is the
// page the client navigated to, empty when unchanged.
func (r *Clients) Touch(id, url string, active bool) Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cl, ok := r.clients[id]
	if !ok {
		cl = &Client{ID: id, Controlled: active, FirstSeen: now}
		r.clients[id] = cl
	}
	cl.LastSeen = now
	if url != "" {
		cl.URL = url
	}
	return *cl
}

// Claim takes control of every known client and reports how many changed.
func (r *Clients) Claim() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, cl := range r.clients {
		if !cl.Controlled {
			cl.Controlled = true
			n++
		}
	}
	return n
}

func (r *Clients) Get(id string) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cl, ok := r.clients[id]
	if !ok {
		return Client{}, false
	}
	return *cl, true
}

// List returns the clients ordered by first sight.
func (r *Clients) List() []Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Client, 0, len(r.clients))
	for _, cl := range r.clients {
		out = append(out, *cl)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].ID < out[j].ID
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out
}

func (r *Clients) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// OpenWindow focuses a client already showing url, or opens a new one there.
func (r *Clients) OpenWindow(url string) Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var target *Client
	for _, cl := range r.clients {
		if cl.URL == url && (target == nil || cl.LastSeen.After(target.LastSeen)) {
			target = cl
		}
	}
	if target == nil {
		target = &Client{ID: uuid.NewString(), URL: url, Controlled: true, FirstSeen: now}
		r.clients[target.ID] = target
	}
	for _, cl := range r.clients {
		cl.Focused = cl == target
	}
	target.LastSeen = now
	return *target
}
