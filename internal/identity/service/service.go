// Package service implements the identity directory: registration, admin
// review, deactivation and the configured bootstrap trust anchors.
package service

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"

	"carevault/internal/audit"
	"carevault/internal/identity/models"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
	"carevault/pkg/platform/sentinel"
	"carevault/pkg/requestcontext"
)

const maxEncryptionKeyBytes = 4096

// Store persists identities.
type Store interface {
	Create(ctx context.Context, identity *models.Identity) error
	Get(ctx context.Context, id domain.UserID) (*models.Identity, error)
	Update(ctx context.Context, id domain.UserID, fn func(*models.Identity) error) (*models.Identity, error)
}

// Service owns the identity lifecycle.
type Service struct {
	store   Store
	auditor audit.Recorder
	logger  *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func New(store Store, auditor audit.Recorder, opts ...Option) *Service {
	s := &Service{store: store, auditor: auditor, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterRequest is a self-registration. The identity starts pending review.
type RegisterRequest struct {
	UserID     domain.UserID
	Role       domain.Role
	PublicKeys models.PublicKeys
}

func validateKeys(keys models.PublicKeys) error {
	if len(keys.SigningKey) != ed25519.PublicKeySize {
		return dErrors.New(dErrors.CodeValidation, "signingKey must be a 32-byte Ed25519 public key")
	}
	if len(keys.EncryptionKey) > maxEncryptionKeyBytes {
		return dErrors.New(dErrors.CodeValidation, "encryptionKey is too large")
	}
	return nil
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*models.Identity, error) {
	if req.UserID.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "userId is required")
	}
	if !req.Role.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "invalid role")
	}
	if err := validateKeys(req.PublicKeys); err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx).UTC()
	identity := &models.Identity{
		UserID:     req.UserID,
		Role:       req.Role,
		PublicKeys: req.PublicKeys,
		Status:     models.StatusPending,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, identity); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "identity already registered")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to register identity")
	}
	s.record(ctx, audit.EventIdentityRegistered, req.UserID, req.UserID.String(), map[string]string{
		audit.DetailOutcome: audit.OutcomeSuccess,
		"role":              string(req.Role),
	})
	return identity.Clone(), nil
}

// Approve is performed by an approved, active system_admin.
func (s *Service) Approve(ctx context.Context, adminID, userID domain.UserID) (*models.Identity, error) {
	return s.review(ctx, adminID, userID, audit.EventIdentityApproved, func(i *models.Identity) error {
		return i.Approve(adminID, requestcontext.Now(ctx).UTC())
	})
}

func (s *Service) Reject(ctx context.Context, adminID, userID domain.UserID) (*models.Identity, error) {
	return s.review(ctx, adminID, userID, audit.EventIdentityRejected, func(i *models.Identity) error {
		return i.Reject(adminID, requestcontext.Now(ctx).UTC())
	})
}

func (s *Service) Deactivate(ctx context.Context, adminID, userID domain.UserID) (*models.Identity, error) {
	if adminID == userID {
		return nil, dErrors.New(dErrors.CodeValidation, "administrators cannot deactivate themselves")
	}
	return s.review(ctx, adminID, userID, audit.EventIdentityDeactivated, func(i *models.Identity) error {
		return i.Deactivate(requestcontext.Now(ctx).UTC())
	})
}

func (s *Service) review(ctx context.Context, adminID, userID domain.UserID, event audit.EventType, fn func(*models.Identity) error) (*models.Identity, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		s.record(ctx, event, adminID, userID.String(), map[string]string{
			audit.DetailOutcome: audit.OutcomeDenied,
			audit.DetailReason:  "requester is not an active system_admin",
		})
		return nil, err
	}
	identity, err := s.store.Update(ctx, userID, fn)
	if err != nil {
		outcome := map[string]string{audit.DetailOutcome: audit.OutcomeFailure}
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			err = dErrors.New(dErrors.CodeNotFound, "identity not found")
		case dErrors.HasCode(err, dErrors.CodeConflict):
		default:
			err = dErrors.Wrap(err, dErrors.CodeInternal, "failed to update identity")
		}
		outcome[audit.DetailReason] = string(dErrors.GetCode(err))
		s.record(ctx, event, adminID, userID.String(), outcome)
		return nil, err
	}
	s.record(ctx, event, adminID, userID.String(), map[string]string{audit.DetailOutcome: audit.OutcomeSuccess})
	s.logger.InfoContext(ctx, "identity reviewed",
		"event_type", event,
		"user_id", userID,
		"admin_id", adminID,
		"request_id", requestcontext.RequestID(ctx),
	)
	return identity, nil
}

func (s *Service) requireAdmin(ctx context.Context, adminID domain.UserID) error {
	admin, err := s.store.Get(ctx, adminID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeForbidden, "system_admin role required")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load administrator")
	}
	if !admin.IsUsable() || admin.Role != domain.RoleSystemAdmin {
		return dErrors.New(dErrors.CodeForbidden, "system_admin role required")
	}
	return nil
}

// Get returns any identity regardless of status.
func (s *Service) Get(ctx context.Context, userID domain.UserID) (*models.Identity, error) {
	identity, err := s.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "identity not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
	}
	return identity, nil
}

// PublicKeys returns the keys of a usable identity. Pending, rejected and
// deactivated identities are reported as not found.
func (s *Service) PublicKeys(ctx context.Context, userID domain.UserID) (models.PublicKeys, error) {
	identity, err := s.Get(ctx, userID)
	if err != nil {
		return models.PublicKeys{}, err
	}
	if !identity.IsUsable() {
		return models.PublicKeys{}, dErrors.New(dErrors.CodeNotFound, "identity not found")
	}
	return identity.PublicKeys, nil
}

// IsActive backs the session middleware: unknown identities are inactive.
func (s *Service) IsActive(ctx context.Context, userID domain.UserID) (bool, error) {
	identity, err := s.store.Get(ctx, userID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return identity.IsUsable(), nil
}

// Principal adapts an identity for audit export authorization.
func (s *Service) Principal(ctx context.Context, userID domain.UserID) (*audit.Principal, error) {
	identity, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &audit.Principal{
		UserID:     identity.UserID,
		Role:       identity.Role,
		SigningKey: identity.PublicKeys.SigningKey,
		Usable:     identity.IsUsable(),
	}, nil
}

// Bootstrap seeds approved identities from configuration. Seeds that already
// exist are left untouched, so restarts are idempotent.
func (s *Service) Bootstrap(ctx context.Context, seeds []models.Seed) (int, error) {
	created := 0
	for _, seed := range seeds {
		if seed.UserID.IsZero() || !seed.Role.IsValid() {
			return created, dErrors.New(dErrors.CodeValidation, "bootstrap identity needs a userId and a valid role")
		}
		if err := validateKeys(seed.PublicKeys); err != nil {
			return created, err
		}
		now := requestcontext.Now(ctx).UTC()
		err := s.store.Create(ctx, &models.Identity{
			UserID:     seed.UserID,
			Role:       seed.Role,
			PublicKeys: seed.PublicKeys,
			Status:     models.StatusApproved,
			Active:     true,
			CreatedAt:  now,
			UpdatedAt:  now,
			ReviewedBy: seed.UserID,
		})
		if errors.Is(err, sentinel.ErrConflict) {
			continue
		}
		if err != nil {
			return created, dErrors.Wrap(err, dErrors.CodeInternal, "failed to bootstrap identity")
		}
		created++
		s.record(ctx, audit.EventIdentityApproved, seed.UserID, seed.UserID.String(), map[string]string{
			audit.DetailOutcome: audit.OutcomeSuccess,
			"source":            "bootstrap",
			"role":              string(seed.Role),
		})
	}
	return created, nil
}

func (s *Service) record(ctx context.Context, event audit.EventType, actor domain.UserID, resource string, details map[string]string) {
	if s.auditor == nil {
		return
	}
	if _, err := s.auditor.Record(ctx, audit.Input{EventType: event, UserID: actor, ResourceID: resource, Details: details}); err != nil {
		s.logger.ErrorContext(ctx, "failed to audit identity event",
			"event_type", event,
			"user_id", actor,
			"error", err,
		)
	}
}
