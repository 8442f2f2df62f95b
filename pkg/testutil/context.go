package testutil

import (
	"context"
	"net/http"
	"time"

	"carevault/pkg/domain"
	"carevault/pkg/requestcontext"
)

// WithPrincipal adds an authenticated principal to the request context,
// as the session middleware would.
func WithPrincipal(req *http.Request, userID string, role domain.Role) *http.Request {
	ctx := requestcontext.WithPrincipal(req.Context(), domain.UserID(userID), role)
	return req.WithContext(ctx)
}

// WithRequestTime pins requestcontext.Now for the request.
func WithRequestTime(req *http.Request, t time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), t))
}

// WithContextValue adds an arbitrary key-value pair to the request context.
func WithContextValue(req *http.Request, key, value any) *http.Request {
	ctx := context.WithValue(req.Context(), key, value)
	return req.WithContext(ctx)
}
