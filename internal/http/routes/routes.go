package routes

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	scs "github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/campusedge/internal/auth"
	appmw "github.com/briangreenhill/campusedge/internal/http/middleware"
	"github.com/briangreenhill/campusedge/internal/jobs"
	"github.com/briangreenhill/campusedge/internal/offline"
)

const (
	HeaderOutcome  = "X-Edge-Outcome"
	HeaderStrategy = "X-Edge-Strategy"

	maxPushBytes = 64 << 10
)

type Server struct {
	Router     *chi.Mux
	Ctrl       *offline.Controller
	Sess       *scs.SessionManager
	Click      *auth.ClickLink // nil disables signed click links
	Jobs       jobs.Enqueuer   // nil runs sync passes inline
	Origin     *url.URL
	AdminToken string
	Log        zerolog.Logger

	proxy *httputil.ReverseProxy
}

type ServerOptions struct {
	Ctrl       *offline.Controller
	Sess       *scs.SessionManager
	Click      *auth.ClickLink
	Jobs       jobs.Enqueuer
	Origin     *url.URL
	AdminToken string
	Log        zerolog.Logger

	// Transport used for passthrough requests; http.DefaultTransport when nil
	Transport http.RoundTripper
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Log))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("took", d).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	sess := opts.Sess
	if sess == nil {
		sess = scs.New()
	}
	s := &Server{
		Router:     r,
		Ctrl:       opts.Ctrl,
		Sess:       sess,
		Click:      opts.Click,
		Jobs:       opts.Jobs,
		Origin:     opts.Origin,
		AdminToken: opts.AdminToken,
		Log:        opts.Log,
	}
	s.proxy = s.newProxy(opts.Transport)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("write health check response")
		}
	})

	r.Group(func(er chi.Router) {
		er.Use(sess.LoadAndSave)
		er.Use(appmw.ClientSession(sess))

		er.Get("/_edge/state", s.handleState)
		er.Get("/_edge/notifications", s.handleNotifications)
		er.Post("/_edge/notifications/{id}/click", s.handleClick)
		er.Get("/_edge/notifications/click", s.handleSignedClick)

		er.Group(func(ar chi.Router) {
			ar.Use(appmw.RequireBearer(s.AdminToken))
			ar.Post("/_edge/messages", s.handleMessage)
			ar.Post("/_edge/push", s.handlePush)
			ar.Post("/_edge/sync", s.handleSync)
		})

		er.Handle("/*", http.HandlerFunc(s.handleIntercept))
	})

	return s
}

func (s *Server) newProxy(transport http.RoundTripper) *httputil.ReverseProxy {
	origin := s.Origin
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.Out.Host = origin.Host
			pr.SetXForwarded()
			dropCookie(pr.Out, s.Sess.Cookie.Name)
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			hlog.FromRequest(r).Warn().Err(err).Str("path", r.URL.Path).Msg("passthrough failed")
			writeJSON(w, r, http.StatusBadGateway, map[string]string{
				"error":   "offline",
				"message": "No se pudo contactar al servidor",
			})
		},
	}
}

// originRequest maps an incoming request onto the origin
func (s *Server) originRequest(r *http.Request) *http.Request {
	u := *s.Origin
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery
	u.Fragment = ""

	out := r.Clone(r.Context())
	out.URL = &u
	out.Host = u.Host
	out.RequestURI = ""
	// the edge's own client cookie is not a credential of the origin
	dropCookie(out, s.Sess.Cookie.Name)
	return out
}

// dropCookie removes the named cookie from r and keeps the rest
func dropCookie(r *http.Request, name string) {
	cookies := r.Cookies()
	r.Header.Del("Cookie")
	for _, c := range cookies {
		if c.Name != name {
			r.AddCookie(c)
		}
	}
}

func (s *Server) handleIntercept(w http.ResponseWriter, r *http.Request) {
	clientID := appmw.ClientID(r.Context())
	out := s.Ctrl.Intercept(r.Context(), s.originRequest(r), clientID)

	w.Header().Set(HeaderOutcome, out.Kind.String())
	if out.Strategy != "" {
		w.Header().Set(HeaderStrategy, string(out.Strategy))
	}

	switch out.Kind {
	case offline.Bypass:
		s.proxy.ServeHTTP(w, r)
	case offline.Failed:
		hlog.FromRequest(r).Warn().Err(out.Err).Str("path", r.URL.Path).Msg("request failed offline")
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{
			"error":   "offline",
			"message": "Sin conexión y sin copia en caché",
		})
	default:
		e := out.Entry
		for k, vs := range e.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(e.Status)
		if _, err := w.Write(e.Body); err != nil {
			hlog.FromRequest(r).Debug().Err(err).Msg("write cached body")
		}
	}
}

type stateResponse struct {
	State        string `json:"state"`
	Version      string `json:"version,omitempty"`
	StaticCache  string `json:"staticCache,omitempty"`
	DynamicCache string `json:"dynamicCache,omitempty"`
	Clients      int    `json:"clients"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	resp := stateResponse{
		State:   s.Ctrl.State().String(),
		Clients: s.Ctrl.Clients().Len(),
	}
	if cfg, ok := s.Ctrl.Active(); ok {
		resp.Version = cfg.Version
		resp.StaticCache = cfg.StaticPartition
		resp.DynamicCache = cfg.DynamicPartition
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg offline.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid message")
		return
	}
	reply, err := s.Ctrl.HandleMessage(r.Context(), msg)
	switch {
	case errors.Is(err, offline.ErrUnknownMessage):
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Str("type", string(msg.Type)).Msg("message failed")
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, reply)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPushBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "could not read payload")
		return
	}
	n, err := s.Ctrl.Push(r.Context(), payload)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("push failed")
		writeError(w, r, http.StatusInternalServerError, "could not show notification")
		return
	}
	writeJSON(w, r, http.StatusCreated, n)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.Ctrl.Notifications())
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, http.StatusBadRequest, "invalid click")
			return
		}
	}
	if a := r.URL.Query().Get("action"); body.Action == "" && a != "" {
		body.Action = a
	}
	s.click(w, r, chi.URLParam(r, "id"), body.Action)
}

func (s *Server) handleSignedClick(w http.ResponseWriter, r *http.Request) {
	if s.Click == nil {
		http.NotFound(w, r)
		return
	}
	id, action, err := s.Click.Verify(r.URL.Query().Get("token"))
	if err != nil {
		hlog.FromRequest(r).Info().Err(err).Msg("click link rejected")
		writeError(w, r, http.StatusUnauthorized, "invalid or expired link")
		return
	}
	s.click(w, r, id, action)
}

func (s *Server) click(w http.ResponseWriter, r *http.Request, id, action string) {
	res, err := s.Ctrl.NotificationClick(r.Context(), id, action)
	switch {
	case errors.Is(err, offline.ErrNotificationNotFound):
		writeError(w, r, http.StatusNotFound, "notification not found")
		return
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	if !res.Opened {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, res.URL, http.StatusSeeOther)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tag string `json:"tag"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, http.StatusBadRequest, "invalid sync request")
			return
		}
	}
	tag := strings.TrimSpace(body.Tag)
	if tag == "" {
		tag = offline.DefaultSyncTag
		if cfg, ok := s.Ctrl.Active(); ok {
			tag = cfg.SyncTag
		}
	}

	if s.Jobs != nil {
		id, err := s.Jobs.EnqueueSync(r.Context(), jobs.BackgroundSyncPayload{
			Tag:         tag,
			RequestedAt: time.Now().UTC(),
			ClientID:    appmw.ClientID(r.Context()),
		})
		if errors.Is(err, jobs.ErrAlreadyQueued) {
			writeJSON(w, r, http.StatusAccepted, map[string]string{"task_id": id, "tag": tag, "status": "already_queued"})
			return
		}
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("enqueue sync failed")
			writeError(w, r, http.StatusInternalServerError, "failed to queue sync job")
			return
		}
		writeJSON(w, r, http.StatusAccepted, map[string]string{"task_id": id, "tag": tag})
		return
	}

	report, err := s.Ctrl.BackgroundSync(r.Context(), tag)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("sync failed")
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("encode response")
	}
}
