package models

import (
	"time"

	"carevault/pkg/domain"
)

// Nonce is a single-use authentication challenge bound to one user.
type Nonce struct {
	Value     string
	Owner     domain.UserID
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ValidFor reports whether owner may consume the nonce at now. Expiry is inclusive.
func (n Nonce) ValidFor(owner domain.UserID, now time.Time) bool {
	return n.Owner == owner && !now.After(n.ExpiresAt)
}

// Session is the principal issued by a successful authentication.
type Session struct {
	UserID    domain.UserID
	Role      domain.Role
	Token     string
	TokenID   string
	ExpiresAt time.Time
}
