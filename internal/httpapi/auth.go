package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/azirkitai/quetama-live-sub000/internal/models"
	"github.com/azirkitai/quetama-live-sub000/internal/store"
)

type contextKey string

const sessionContextKey contextKey = "session"

func sessionFromContext(ctx context.Context) (models.Session, bool) {
	session, ok := ctx.Value(sessionContextKey).(models.Session)
	return session, ok
}

// ContextWithSession is used by tests and the realtime handler to inject
// an already-resolved session.
func ContextWithSession(ctx context.Context, session models.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}

// publicPath reports whether the endpoint is reachable without a
// session. Pairing endpoints are public on purpose: the TV has no
// credentials until the handshake finishes.
func publicPath(path string) bool {
	switch path {
	case "/healthz", "/metrics", "/api/auth/login", "/api/pairing/sessions":
		return true
	}
	return strings.HasPrefix(path, "/api/pairing/")
}

// SessionAuth resolves the bearer session and stores it on the request
// context. Requests with a missing or expired session are rejected
// before they reach a handler.
func SessionAuth(st store.QueueStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || publicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		sessionID := bearerToken(r)
		if sessionID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
			return
		}
		session, err := st.GetSession(r.Context(), sessionID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), session)))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("X-Session-ID"))
}
