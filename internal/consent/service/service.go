// Package service implements the consent registry: patient-signed grants,
// revocation by the patient of record, and the lookups access checks rely on.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"carevault/internal/audit"
	"carevault/internal/consent/models"
	"carevault/internal/crypto/signature"
	idmodels "carevault/internal/identity/models"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
	"carevault/pkg/platform/sentinel"
	"carevault/pkg/requestcontext"
)

const maxPermissionsPerToken = 64

// Store persists consent tokens. List methods return newest first.
type Store interface {
	Create(ctx context.Context, t *models.ConsentToken) error
	Get(ctx context.Context, id domain.ConsentTokenID) (*models.ConsentToken, error)
	Update(ctx context.Context, id domain.ConsentTokenID, fn func(*models.ConsentToken) error) (*models.ConsentToken, error)
	ListByPatient(ctx context.Context, patientID domain.UserID) ([]*models.ConsentToken, error)
	ListByProvider(ctx context.Context, providerID domain.UserID) ([]*models.ConsentToken, error)
	ListByPair(ctx context.Context, patientID, providerID domain.UserID) ([]*models.ConsentToken, error)
}

// Directory resolves the keys and status of registered identities.
type Directory interface {
	PublicKeys(ctx context.Context, userID domain.UserID) (idmodels.PublicKeys, error)
	IsActive(ctx context.Context, userID domain.UserID) (bool, error)
}

type Metrics struct {
	ops *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ops: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "carevault_consent_operations_total",
			Help: "Consent grants and revocations by outcome.",
		}, []string{"operation", "outcome"}),
	}
}

func (m *Metrics) inc(op, outcome string) {
	if m != nil {
		m.ops.WithLabelValues(op, outcome).Inc()
	}
}

// Service owns the consent token lifecycle.
type Service struct {
	store     Store
	directory Directory
	verifier  signature.Verifier
	auditor   audit.Recorder
	tx        *shardedConsentTx
	logger    *slog.Logger
	metrics   *Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithVerifier(v signature.Verifier) Option {
	return func(s *Service) { s.verifier = v }
}

// WithTxTimeout bounds both the wait for a token's shard and the work done
// while holding it, for callers whose context carries no deadline.
func WithTxTimeout(d time.Duration) Option {
	return func(s *Service) { s.tx.timeout = d }
}

func New(store Store, directory Directory, auditor audit.Recorder, opts ...Option) *Service {
	s := &Service{
		store:     store,
		directory: directory,
		verifier:  signature.Ed25519Verifier{},
		auditor:   auditor,
		tx:        &shardedConsentTx{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GrantRequest is a patient's signed consent to one provider.
// GrantRequest carries the caller as RequesterID; a zero RequesterID is
// treated as the patient.
type GrantRequest struct {
	RequesterID      domain.UserID
	PatientID        domain.UserID
	ProviderID       domain.UserID
	Permissions      []models.Permission
	ExpirationTime   *time.Time
	PatientSignature []byte
}

// Grant verifies the patient's signature over GrantSigningPayload and stores a
// new active token. Every call is audited as CONSENT_GRANTED.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (*models.ConsentToken, error) {
	tok, err := s.grant(ctx, req)
	resource := ""
	if tok != nil {
		resource = tok.TokenID.String()
	}
	actor := req.RequesterID
	if actor.IsZero() {
		actor = req.PatientID
	}
	details := map[string]string{
		"patientId":  req.PatientID.String(),
		"providerId": req.ProviderID.String(),
	}
	s.finish(ctx, "grant", audit.EventConsentGranted, actor, resource, details, err)
	if err != nil {
		return nil, err
	}
	return tok, nil
}

func (s *Service) grant(ctx context.Context, req GrantRequest) (*models.ConsentToken, error) {
	now := requestcontext.Now(ctx).UTC().Truncate(time.Microsecond)
	if !req.RequesterID.IsZero() && req.RequesterID != req.PatientID {
		return nil, dErrors.New(dErrors.CodeForbidden, "consent can only be granted by the patient")
	}
	if err := validateGrant(req, now); err != nil {
		return nil, err
	}
	keys, err := s.directory.PublicKeys(ctx, req.PatientID)
	if err != nil {
		return nil, s.lookupError(err, "patient")
	}
	active, err := s.directory.IsActive(ctx, req.ProviderID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve provider")
	}
	if !active {
		return nil, dErrors.New(dErrors.CodeValidation, "providerId is not an active identity")
	}
	msg, err := models.GrantSigningPayload(req.PatientID, req.ProviderID, req.Permissions, req.ExpirationTime)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode grant")
	}
	if !s.verifier.Verify(keys.SigningKey, msg, req.PatientSignature) {
		return nil, dErrors.New(dErrors.CodeForbidden, "patient signature does not verify")
	}

	tok := &models.ConsentToken{
		TokenID:     domain.NewConsentTokenID(),
		PatientID:   req.PatientID,
		ProviderID:  req.ProviderID,
		Permissions: req.Permissions,
		IsActive:    true,
		CreatedAt:   now,
		Signature:   req.PatientSignature,
	}
	if req.ExpirationTime != nil {
		exp := req.ExpirationTime.UTC().Truncate(time.Microsecond)
		tok.ExpirationTime = &exp
	}
	tok = tok.Clone()
	if err := s.store.Create(ctx, tok); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store consent")
	}
	return tok, nil
}

func validateGrant(req GrantRequest, now time.Time) error {
	if req.PatientID.IsZero() || req.ProviderID.IsZero() {
		return dErrors.New(dErrors.CodeValidation, "patientId and providerId are required")
	}
	if req.PatientID == req.ProviderID {
		return dErrors.New(dErrors.CodeValidation, "a patient cannot grant consent to themselves")
	}
	if len(req.Permissions) == 0 {
		return dErrors.New(dErrors.CodeValidation, "permissions must not be empty")
	}
	if len(req.Permissions) > maxPermissionsPerToken {
		return dErrors.New(dErrors.CodeValidation, "too many permissions")
	}
	for _, p := range req.Permissions {
		rt, err := domain.ParseResourceType(string(p.ResourceType))
		if err != nil {
			return err
		}
		if rt != p.ResourceType {
			return dErrors.New(dErrors.CodeValidation, "resource type must be snake_case")
		}
		if _, err := domain.ParseAccessLevel(string(p.AccessLevel)); err != nil {
			return err
		}
	}
	if req.ExpirationTime != nil && !req.ExpirationTime.After(now) {
		return dErrors.New(dErrors.CodeValidation, "expirationTime must be in the future")
	}
	if len(req.PatientSignature) == 0 {
		return dErrors.New(dErrors.CodeValidation, "patientSignature is required")
	}
	return nil
}

// RevokeRequest ends a token. RequesterID is the authenticated caller.
type RevokeRequest struct {
	RequesterID      domain.UserID
	ConsentTokenID   domain.ConsentTokenID
	PatientSignature []byte
}

// Revoke deactivates a token on behalf of its patient. Concurrent revokes of
// one token are serialized; all but the first report ALREADY_REVOKED.
func (s *Service) Revoke(ctx context.Context, req RevokeRequest) (*models.ConsentToken, error) {
	var tok *models.ConsentToken
	err := s.tx.RunInTx(ctx, req.ConsentTokenID.String(), func(ctx context.Context) error {
		var err error
		tok, err = s.revoke(ctx, req)
		return err
	})
	details := map[string]string{}
	if tok != nil {
		details["providerId"] = tok.ProviderID.String()
	}
	s.finish(ctx, "revoke", audit.EventConsentRevoked, req.RequesterID, req.ConsentTokenID.String(), details, err)
	if err != nil {
		return nil, err
	}
	return tok, nil
}

func (s *Service) revoke(ctx context.Context, req RevokeRequest) (*models.ConsentToken, error) {
	if req.ConsentTokenID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "consentTokenId is required")
	}
	current, err := s.store.Get(ctx, req.ConsentTokenID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "consent token not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load consent")
	}
	if current.PatientID != req.RequesterID {
		return nil, dErrors.New(dErrors.CodeForbidden, "only the patient of record can revoke this consent")
	}
	keys, err := s.directory.PublicKeys(ctx, current.PatientID)
	if err != nil {
		return nil, s.lookupError(err, "patient")
	}
	msg, err := models.RevokeSigningPayload(current.TokenID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode revocation")
	}
	if !s.verifier.Verify(keys.SigningKey, msg, req.PatientSignature) {
		return nil, dErrors.New(dErrors.CodeForbidden, "patient signature does not verify")
	}

	now := requestcontext.Now(ctx).UTC().Truncate(time.Microsecond)
	updated, err := s.store.Update(ctx, current.TokenID, func(t *models.ConsentToken) error {
		return t.Revoke(now)
	})
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeAlreadyRevoked) {
			return current, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to revoke consent")
	}
	return updated, nil
}

// FindActive returns the newest effective token covering the query exactly.
// When none qualifies, Reason names why: the newest covering token was revoked
// or expired, or no covering token exists.
func (s *Service) FindActive(ctx context.Context, q models.Query) (*models.Match, error) {
	tokens, err := s.store.ListByPair(ctx, q.PatientID, q.ProviderID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load consents")
	}
	now := requestcontext.Now(ctx)
	var newestCovering *models.ConsentToken
	for _, t := range tokens {
		if !t.Covers(q.ResourceType, q.AccessLevel) {
			continue
		}
		if t.IsEffective(now) {
			return &models.Match{Token: t}, nil
		}
		if newestCovering == nil {
			newestCovering = t
		}
	}
	if newestCovering == nil {
		return &models.Match{Reason: models.ReasonNoActiveConsent}, nil
	}
	return &models.Match{Reason: newestCovering.Status(now)}, nil
}

// ListForPatient returns every token the patient granted, newest first.
func (s *Service) ListForPatient(ctx context.Context, patientID domain.UserID) ([]*models.ConsentToken, error) {
	tokens, err := s.store.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list consents")
	}
	return tokens, nil
}

// ListForProvider returns every token granted to the provider, newest first.
func (s *Service) ListForProvider(ctx context.Context, providerID domain.UserID) ([]*models.ConsentToken, error) {
	tokens, err := s.store.ListByProvider(ctx, providerID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list consents")
	}
	return tokens, nil
}

// StatusSummary counts the pair's tokens by state and unions the permissions
// of effective ones, using the same rules as FindActive.
func (s *Service) StatusSummary(ctx context.Context, patientID, providerID domain.UserID) (*models.Summary, error) {
	tokens, err := s.store.ListByPair(ctx, patientID, providerID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load consents")
	}
	now := requestcontext.Now(ctx)
	sum := &models.Summary{PatientID: patientID, ProviderID: providerID, Tokens: tokens, Permissions: []models.Permission{}}
	type key struct {
		rt domain.ResourceType
		al domain.AccessLevel
	}
	seen := map[key]bool{}
	for _, t := range tokens {
		switch t.Status(now) {
		case models.StateRevoked:
			sum.Revoked++
		case models.StateExpired:
			sum.Expired++
		default:
			sum.Active++
			for _, p := range t.Permissions {
				k := key{p.ResourceType, p.AccessLevel}
				if !seen[k] {
					seen[k] = true
					sum.Permissions = append(sum.Permissions, models.Permission{ResourceType: p.ResourceType, AccessLevel: p.AccessLevel})
				}
			}
		}
	}
	sum.HasActive = sum.Active > 0
	return sum, nil
}

func (s *Service) lookupError(err error, who string) error {
	if errors.Is(err, sentinel.ErrNotFound) || dErrors.HasCode(err, dErrors.CodeNotFound) {
		return dErrors.New(dErrors.CodeForbidden, who+" is not an approved identity")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve "+who)
}

// finish records the single audit entry for a grant or revoke call.
func (s *Service) finish(ctx context.Context, op string, event audit.EventType, actor domain.UserID, resource string, details map[string]string, err error) {
	outcome := audit.OutcomeSuccess
	switch {
	case err == nil:
	case dErrors.HasCode(err, dErrors.CodeForbidden):
		outcome = audit.OutcomeDenied
	default:
		outcome = audit.OutcomeFailure
	}
	details[audit.DetailOutcome] = outcome
	if err != nil {
		details[audit.DetailReason] = string(dErrors.GetCode(err))
		s.logger.WarnContext(ctx, "consent "+op+" failed",
			"user_id", actor,
			"token_id", resource,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
	}
	s.metrics.inc(op, outcome)
	if s.auditor == nil {
		return
	}
	if _, aerr := s.auditor.Record(ctx, audit.Input{
		EventType:  event,
		UserID:     actor,
		ResourceID: resource,
		Details:    details,
	}); aerr != nil {
		s.logger.ErrorContext(ctx, "failed to audit consent "+op,
			"token_id", resource,
			"error", aerr,
		)
	}
}
