package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
	"carevault/pkg/platform/httputil"
	"carevault/pkg/requestcontext"
)

// SessionValidator validates a bearer session token.
type SessionValidator interface {
	ValidateToken(ctx context.Context, tokenString string) (*SessionClaims, error)
}

// PrincipalChecker reports whether a principal may still act. Sessions of
// deactivated identities are rejected even before the token expires.
type PrincipalChecker interface {
	IsActive(ctx context.Context, userID domain.UserID) (bool, error)
}

// SessionClaims are the claims the middleware needs from a validated token.
type SessionClaims struct {
	UserID    domain.UserID
	Role      domain.Role
	JTI       string
	ExpiresAt time.Time
}

// RequireAuth rejects requests without a valid session and injects the principal into the context.
func RequireAuth(validator SessionValidator, checker PrincipalChecker, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := requestcontext.RequestID(ctx)

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestID,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing or invalid Authorization header"))
				return
			}

			claims, err := validator.ValidateToken(ctx, token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", requestID,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token"))
				return
			}

			if checker != nil {
				active, err := checker.IsActive(ctx, claims.UserID)
				if err != nil {
					logger.ErrorContext(ctx, "failed to check principal status",
						"error", err,
						"request_id", requestID,
					)
					httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to validate session"))
					return
				}
				if !active {
					logger.WarnContext(ctx, "unauthorized access - principal inactive",
						"user_id", claims.UserID,
						"request_id", requestID,
					)
					httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token"))
					return
				}
			}

			ctx = requestcontext.WithPrincipal(ctx, claims.UserID, claims.Role)
			ctx = requestcontext.WithSession(ctx, claims.JTI, claims.ExpiresAt)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
