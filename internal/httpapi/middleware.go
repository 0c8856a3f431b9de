package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/git-pkgs/registry-server/internal/domain"
)

type contextKey int

const (
	ctxKeyRequestID contextKey = iota
	ctxKeyUserID
)

// requestID returns the request-scoped ID attached by requestIDMiddleware,
// or "" if none was attached (e.g. in a unit test calling a handler
// directly).
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// userID returns the authenticated caller's ID attached by
// authMiddleware. Handlers behind authMiddleware may assume it is
// present; handlers on unauthenticated routes must not call it.
func userID(ctx context.Context) uint64 {
	id, _ := ctx.Value(ctxKeyUserID).(uint64)
	return id
}

// requestIDMiddleware assigns a UUID per inbound request, echoes it on
// the X-Request-Id response header, and attaches it to the request
// context for logging.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs one structured entry per request.
func loggingMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.WithFields(logrus.Fields{
				"request_id": requestID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     rec.status,
				"duration":   time.Since(start).String(),
			}).Info("handled request")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// authenticator is the subset of auth.Service a handler needs to resolve
// a bearer token to a user ID.
type authenticator interface {
	Authenticate(token string) (uint64, error)
}

// authMiddleware requires the Authorization header to carry a token that
// resolves through auth. On success it attaches the resolved user ID to
// the request context; on failure it renders a 401 and never calls next.
func authMiddleware(auth authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("Authorization")
			if token == "" {
				writeError(w, domain.New(domain.KindUnauthorized, "missing Authorization header"))
				return
			}

			id, err := auth.Authenticate(token)
			if err != nil {
				writeError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyUserID, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
