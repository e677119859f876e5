package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/campusedge/cache"
	"github.com/briangreenhill/campusedge/internal/auth"
	"github.com/briangreenhill/campusedge/internal/jobs"
	"github.com/briangreenhill/campusedge/internal/offline"
)

const adminToken = "admin-s3cret"

// switchableFetcher fails every fetch while down is set
type switchableFetcher struct {
	inner offline.Fetcher
	down  atomic.Bool
}

func (f *switchableFetcher) Fetch(ctx context.Context, req *http.Request) (*cache.Entry, error) {
	if f.down.Load() {
		return nil, offline.ErrNetwork
	}
	return f.inner.Fetch(ctx, req)
}

type fakeEnqueuer struct {
	got []jobs.BackgroundSyncPayload
	err error
}

func (f *fakeEnqueuer) EnqueueSync(_ context.Context, p jobs.BackgroundSyncPayload) (string, error) {
	f.got = append(f.got, p)
	return "task-1", f.err
}

type testEdge struct {
	srv    *Server
	net    *switchableFetcher
	origin *httptest.Server
	posts  atomic.Int32
	forums atomic.Int32
}

func newTestEdge(t *testing.T, mutate func(*ServerOptions)) *testEdge {
	t.Helper()
	te := &testEdge{}

	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html>home</html>")
	})
	mux.HandleFunc("/index.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html>shell</html>")
	})
	mux.HandleFunc("/static/css/app.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		io.WriteString(w, "body{}")
	})
	mux.HandleFunc("/api/perfil/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Set-Cookie", "csrftoken=abc; Path=/")
		json.NewEncoder(w).Encode(map[string]string{
			"authorization": r.Header.Get("Authorization"),
			"cookie":        r.Header.Get("Cookie"),
		})
	})
	mux.HandleFunc("/api/foros/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			te.posts.Add(1)
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"created":true}`)
			return
		}
		n := te.forums.Add(1)
		io.WriteString(w, `{"version":`+strconv.Itoa(int(n))+`}`)
	})
	te.origin = httptest.NewServer(mux)
	t.Cleanup(te.origin.Close)

	originURL, err := url.Parse(te.origin.URL)
	require.NoError(t, err)

	cfg := offline.NewConfig("StudentsPoint", "v1", originURL)
	cfg.Manifest = []string{"/", "/index.html", "/static/css/app.css"}
	cfg.NetworkTimeout = 2 * time.Second

	te.net = &switchableFetcher{inner: offline.NewHTTPFetcher(te.origin.Client())}
	ctrl, err := offline.New(cfg, offline.Options{
		Storage: cache.NewMemoryStorage(),
		Fetcher: te.net,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(ctrl.Wait)

	opts := ServerOptions{
		Ctrl:       ctrl,
		Origin:     originURL,
		AdminToken: adminToken,
		Log:        zerolog.Nop(),
		Transport:  te.origin.Client().Transport,
	}
	if mutate != nil {
		mutate(&opts)
	}
	te.srv = New(opts)
	return te
}

func (te *testEdge) do(method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	te.srv.Router.ServeHTTP(rec, req)
	return rec
}

func (te *testEdge) admin(method, target, body string) *httptest.ResponseRecorder {
	return te.do(method, target, body, map[string]string{
		"Authorization": "Bearer " + adminToken,
		"Content-Type":  "application/json",
	})
}

func TestHealthz(t *testing.T) {
	te := newTestEdge(t, nil)
	rec := te.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStaticAssetsServedFromCache(t *testing.T) {
	te := newTestEdge(t, nil)
	te.net.down.Store(true)

	rec := te.do(http.MethodGet, "/static/css/app.css", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache-hit", rec.Header().Get(HeaderOutcome))
	assert.Equal(t, string(offline.CacheFirst), rec.Header().Get(HeaderStrategy))
	assert.Equal(t, "text/css", rec.Header().Get("Content-Type"))
	assert.Equal(t, "body{}", rec.Body.String())
}

func TestAPIFallsBackToLastResponse(t *testing.T) {
	te := newTestEdge(t, nil)

	rec := te.do(http.MethodGet, "/api/foros/", "", map[string]string{"Accept": "application/json"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "network", rec.Header().Get(HeaderOutcome))
	assert.JSONEq(t, `{"version":1}`, rec.Body.String())

	te.net.down.Store(true)
	rec = te.do(http.MethodGet, "/api/foros/", "", map[string]string{"Accept": "application/json"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache-hit", rec.Header().Get(HeaderOutcome))
	assert.JSONEq(t, `{"version":1}`, rec.Body.String())
}

func TestOfflineNavigationGetsShell(t *testing.T) {
	te := newTestEdge(t, nil)
	te.net.down.Store(true)

	rec := te.do(http.MethodGet, "/foros/42", "", map[string]string{"Accept": "text/html,application/xhtml+xml"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fallback", rec.Header().Get(HeaderOutcome))
	assert.Equal(t, "<html>shell</html>", rec.Body.String())
}

func TestOfflineMissIs503(t *testing.T) {
	te := newTestEdge(t, nil)
	te.net.down.Store(true)

	rec := te.do(http.MethodGet, "/api/notas/", "", map[string]string{"Accept": "application/json"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "failed", rec.Header().Get(HeaderOutcome))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "offline", body["error"])
	assert.NotEmpty(t, body["message"])
}

func TestNonGETIsProxied(t *testing.T) {
	te := newTestEdge(t, nil)

	rec := te.do(http.MethodPost, "/api/foros/", `{"title":"hola"}`, map[string]string{"Content-Type": "application/json"})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "bypass", rec.Header().Get(HeaderOutcome))
	assert.JSONEq(t, `{"created":true}`, rec.Body.String())
	assert.EqualValues(t, 1, te.posts.Load())
}

func TestState(t *testing.T) {
	te := newTestEdge(t, nil)
	rec := te.do(http.MethodGet, "/_edge/state", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st stateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "activated", st.State)
	assert.Equal(t, "StudentsPoint-v1", st.Version)
	assert.Equal(t, "StudentsPoint-static-v1", st.StaticCache)
	assert.Equal(t, "StudentsPoint-dynamic-v1", st.DynamicCache)
}

func TestMessages(t *testing.T) {
	te := newTestEdge(t, nil)

	tests := []struct {
		name  string
		body  string
		token bool
		want  int
	}{
		{"no token", `{"type":"GET_VERSION"}`, false, http.StatusUnauthorized},
		{"get version", `{"type":"GET_VERSION"}`, true, http.StatusOK},
		{"unknown", `{"type":"REBOOT"}`, true, http.StatusBadRequest},
		{"malformed", `{`, true, http.StatusBadRequest},
		{"clean cache", `{"type":"CLEAN_CACHE"}`, true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec *httptest.ResponseRecorder
			if tt.token {
				rec = te.admin(http.MethodPost, "/_edge/messages", tt.body)
			} else {
				rec = te.do(http.MethodPost, "/_edge/messages", tt.body, nil)
			}
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	rec := te.admin(http.MethodPost, "/_edge/messages", `{"type":"GET_VERSION"}`)
	var reply offline.Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, "StudentsPoint-v1", reply.Version)
}

func TestPushAndClick(t *testing.T) {
	te := newTestEdge(t, nil)

	rec := te.admin(http.MethodPost, "/_edge/push", `{"body":"Nueva nota publicada"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var n offline.Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &n))
	assert.Equal(t, "Nueva nota publicada", n.Body)

	rec = te.do(http.MethodGet, "/_edge/notifications", "", nil)
	var list []offline.Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, n.ID, list[0].ID)

	rec = te.do(http.MethodPost, "/_edge/notifications/"+n.ID+"/click", `{"action":"dismiss"}`, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = te.do(http.MethodPost, "/_edge/notifications/"+n.ID+"/click", `{"action":"open"}`, nil)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	rec = te.do(http.MethodPost, "/_edge/notifications/missing/click", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSignedClick(t *testing.T) {
	link := &auth.ClickLink{Secret: []byte("click-secret"), BaseURL: "http://edge.test"}
	te := newTestEdge(t, func(o *ServerOptions) { o.Click = link })

	rec := te.admin(http.MethodPost, "/_edge/push", "Hola")
	require.Equal(t, http.StatusCreated, rec.Code)
	var n offline.Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &n))

	token := link.Sign(n.ID, offline.ActionOpen, time.Now().Add(time.Hour))
	rec = te.do(http.MethodGet, auth.ClickPath+"?token="+url.QueryEscape(token), "", nil)
	assert.Equal(t, http.StatusSeeOther, rec.Code)

	rec = te.do(http.MethodGet, auth.ClickPath+"?token=bogus", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSignedClickDisabledWithoutSecret(t *testing.T) {
	te := newTestEdge(t, nil)
	rec := te.do(http.MethodGet, auth.ClickPath+"?token=x", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncInline(t *testing.T) {
	te := newTestEdge(t, nil)
	te.do(http.MethodGet, "/api/foros/", "", map[string]string{"Accept": "application/json"})

	rec := te.admin(http.MethodPost, "/_edge/sync", `{"tag":"background-sync"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var report offline.SyncReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Updated)

	rec = te.do(http.MethodGet, "/api/foros/", "", map[string]string{"Accept": "application/json"})
	assert.Equal(t, "network", rec.Header().Get(HeaderOutcome))
}

func TestSyncQueued(t *testing.T) {
	q := &fakeEnqueuer{}
	te := newTestEdge(t, func(o *ServerOptions) { o.Jobs = q })

	rec := te.admin(http.MethodPost, "/_edge/sync", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, q.got, 1)
	assert.Equal(t, offline.DefaultSyncTag, q.got[0].Tag)
	assert.NotEmpty(t, q.got[0].ClientID)
}

func TestSyncAlreadyQueuedIsAccepted(t *testing.T) {
	q := &fakeEnqueuer{err: jobs.ErrAlreadyQueued}
	te := newTestEdge(t, func(o *ServerOptions) { o.Jobs = q })

	rec := te.admin(http.MethodPost, "/_edge/sync", `{"tag":"background-sync"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "task-1", body["task_id"])
	assert.Equal(t, "already_queued", body["status"])
}

func TestSyncEnqueueFailure(t *testing.T) {
	q := &fakeEnqueuer{err: errors.New("redis down")}
	te := newTestEdge(t, func(o *ServerOptions) { o.Jobs = q })

	rec := te.admin(http.MethodPost, "/_edge/sync", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCredentialedResponsesStayWithTheirUser(t *testing.T) {
	te := newTestEdge(t, nil)
	accept := "application/json"

	rec := te.do(http.MethodGet, "/api/perfil/", "", map[string]string{"Accept": accept, "Authorization": "Bearer alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "network", rec.Header().Get(HeaderOutcome))
	assert.Contains(t, rec.Body.String(), "Bearer alice")

	rec = te.do(http.MethodGet, "/api/perfil/", "", map[string]string{"Accept": accept, "Cookie": "sessionid=alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sessionid=alice")

	te.net.down.Store(true)
	tests := []struct {
		name   string
		header map[string]string
	}{
		{"other bearer", map[string]string{"Accept": accept, "Authorization": "Bearer bob"}},
		{"other cookie", map[string]string{"Accept": accept, "Cookie": "sessionid=bob"}},
		{"same user", map[string]string{"Accept": accept, "Authorization": "Bearer alice"}},
		{"anonymous", map[string]string{"Accept": accept}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := te.do(http.MethodGet, "/api/perfil/", "", tt.header)
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
			assert.Equal(t, "failed", rec.Header().Get(HeaderOutcome))
			assert.NotContains(t, rec.Body.String(), "alice")
		})
	}
}

func TestCredentialedNavigationOfflineGetsShell(t *testing.T) {
	te := newTestEdge(t, nil)
	te.net.down.Store(true)

	rec := te.do(http.MethodGet, "/perfil", "", map[string]string{"Accept": "text/html", "Cookie": "sessionid=alice"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fallback", rec.Header().Get(HeaderOutcome))
	assert.Equal(t, "<html>shell</html>", rec.Body.String())
}

func TestEdgeCookieIsNotForwarded(t *testing.T) {
	te := newTestEdge(t, nil)

	// the first response hands out the edge's client cookie
	rec := te.do(http.MethodGet, "/api/foros/", "", map[string]string{"Accept": "application/json"})
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	edge := cookies[0].Name + "=" + cookies[0].Value

	rec = te.do(http.MethodGet, "/api/foros/", "", map[string]string{"Accept": "application/json", "Cookie": edge})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"version":2}`, rec.Body.String())

	te.net.down.Store(true)
	rec = te.do(http.MethodGet, "/api/foros/", "", map[string]string{"Accept": "application/json", "Cookie": edge})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache-hit", rec.Header().Get(HeaderOutcome))
	assert.JSONEq(t, `{"version":2}`, rec.Body.String())

	te.net.down.Store(false)
	rec = te.do(http.MethodGet, "/api/perfil/", "", map[string]string{"Accept": "application/json", "Cookie": edge + "; sessionid=alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	var seen map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &seen))
	assert.Equal(t, "sessionid=alice", seen["cookie"])
}
