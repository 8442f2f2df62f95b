package jwttoken

import (
	"context"

	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
	authmw "carevault/pkg/platform/middleware/auth"
)

// RevocationChecker reports whether a token id was ended by logout.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

func ToMiddlewareClaims(claims *Claims) *authmw.SessionClaims {
	sc := &authmw.SessionClaims{
		UserID: domain.UserID(claims.UserID),
		Role:   domain.Role(claims.Role),
		JTI:    claims.ID,
	}
	if claims.ExpiresAt != nil {
		sc.ExpiresAt = claims.ExpiresAt.Time
	}
	return sc
}

// JWTServiceAdapter satisfies the auth middleware, rejecting revoked sessions.
type JWTServiceAdapter struct {
	service *JWTService
	revoked RevocationChecker
}

func NewJWTServiceAdapter(service *JWTService, revoked RevocationChecker) *JWTServiceAdapter {
	return &JWTServiceAdapter{service: service, revoked: revoked}
}

func (a *JWTServiceAdapter) ValidateToken(ctx context.Context, tokenString string) (*authmw.SessionClaims, error) {
	claims, err := a.service.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if a.revoked != nil {
		revoked, err := a.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, err
		}
		if revoked {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "session has ended")
		}
	}
	return ToMiddlewareClaims(claims), nil
}

var _ authmw.SessionValidator = (*JWTServiceAdapter)(nil)
