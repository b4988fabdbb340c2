package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/heliachat/helia/common/trace"
	"github.com/heliachat/helia/internal/helia/store"
)

type userKey struct{}

// currentUser returns the authenticated user placed on the context by
// requireAuth, or nil.
func currentUser(ctx context.Context) *store.User {
	u, _ := ctx.Value(userKey{}).(*store.User)
	return u
}

// withTrace assigns a trace ID to every request and logs it on completion.
func (s *Server) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := trace.GenerateID()
		ctx := trace.WithTraceID(r.Context(), id)
		start := time.Now()

		next.ServeHTTP(w, r.WithContext(ctx))

		s.logger.Debug("request",
			"trace_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// requireAuth authenticates the bearer token, resolves the user and puts it
// on the request context. Failures get a uniform 401 regardless of cause.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.tokens.Verify(token, s.accessPurpose)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		user, err := s.store.GetUser(r.Context(), claims.Subject)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if !user.IsActive {
			writeError(w, http.StatusUnauthorized, "account disabled")
			return
		}

		ctx := context.WithValue(r.Context(), userKey{}, user)
		next(w, r.WithContext(ctx))
	}
}

// limited applies the per-client fixed-window limit. Used on the auth
// endpoints that accept credentials or send email.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientAddr(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
