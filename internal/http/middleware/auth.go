package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	scs "github.com/alexedwards/scs/v2"
	"github.com/google/uuid"
)

type contextKey string

const ClientIDKey contextKey = "client_id"

// ClientID returns the browsing client id stored by ClientSession
func ClientID(ctx context.Context) string {
	id, _ := ctx.Value(ClientIDKey).(string)
	return id
}

// WithClientID stores a client id on ctx
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ClientIDKey, id)
}

// ClientSession gives every browsing session a stable client id. It must
// run inside sess.LoadAndSave.
func ClientSession(sess *scs.SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := sess.GetString(r.Context(), string(ClientIDKey))
			if id == "" {
				id = uuid.NewString()
				sess.Put(r.Context(), string(ClientIDKey), id)
			}
			next.ServeHTTP(w, r.WithContext(WithClientID(r.Context(), id)))
		})
	}
}

// RequireBearer rejects requests without the given bearer token. An empty
// token disables the check.
func RequireBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="campusedge"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
