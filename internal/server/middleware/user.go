package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
)

// UserHeader carries the caller's user id. It is set by the gateway in front
// of the server.
const UserHeader = "X-User-ID"

type userKey struct{}

// WithUserID returns ctx carrying id.
func WithUserID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, userKey{}, id)
}

// UserID returns the caller id stored by User, if any.
func UserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userKey{}).(int64)
	return id, ok
}

// User parses the X-User-ID header onto the request context. A malformed or
// non-positive id is rejected; a missing header passes through and handlers
// that need a caller answer 401.
func User(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(UserHeader))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid "+UserHeader)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
	})
}
