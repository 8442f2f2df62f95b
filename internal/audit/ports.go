package audit

//go:generate mockgen -source=ports.go -destination=mocks/ports.go -package=mocks

import (
	"context"

	"carevault/pkg/domain"
)

// Principal is the identity information the trail needs to authorize exports.
type Principal struct {
	UserID     domain.UserID
	Role       domain.Role
	SigningKey []byte
	Usable     bool // approved and active
}

// PrincipalLookup resolves requesters for export authorization.
type PrincipalLookup interface {
	Principal(ctx context.Context, userID domain.UserID) (*Principal, error)
}

// Recorder is the narrow interface other modules depend on to write entries.
type Recorder interface {
	Record(ctx context.Context, in Input) (*Entry, error)
}
