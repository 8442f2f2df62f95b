// Package service implements challenge-response authentication and session issuing.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"carevault/internal/audit"
	"carevault/internal/auth/device"
	"carevault/internal/auth/models"
	"carevault/internal/crypto/signature"
	idmodels "carevault/internal/identity/models"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
	"carevault/pkg/platform/sentinel"
	"carevault/pkg/requestcontext"
)

const defaultSessionTTL = 15 * time.Minute

// authFailedMessage is the only message unauthenticated callers ever see.
const authFailedMessage = "authentication failed"

// IdentityLookup resolves registered identities.
type IdentityLookup interface {
	Get(ctx context.Context, userID domain.UserID) (*idmodels.Identity, error)
}

// NonceAuthority issues and consumes single-use challenges.
type NonceAuthority interface {
	Issue(ctx context.Context, userID domain.UserID) (*models.Nonce, error)
	Consume(ctx context.Context, userID domain.UserID, value string) bool
}

// TokenService signs and parses session tokens.
type TokenService interface {
	GenerateSessionToken(userID domain.UserID, role domain.Role, now time.Time, expiresIn time.Duration) (string, string, error)
}

// RevocationList ends sessions before their expiry.
type RevocationList interface {
	RevokeToken(ctx context.Context, jti string, ttl time.Duration) error
}

type Metrics struct {
	attempts *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		attempts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "carevault_auth_attempts_total",
			Help: "Authentication attempts by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) incAttempt(outcome string) {
	if m != nil {
		m.attempts.WithLabelValues(outcome).Inc()
	}
}

// Service verifies identities against issued nonces and hands out sessions.
type Service struct {
	identities IdentityLookup
	nonces     NonceAuthority
	verifier   signature.Verifier
	tokens     TokenService
	revocation RevocationList
	auditor    audit.Recorder
	sessionTTL time.Duration
	logger     *slog.Logger
	metrics    *Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

func WithVerifier(v signature.Verifier) Option {
	return func(s *Service) { s.verifier = v }
}

func New(
	identities IdentityLookup,
	nonces NonceAuthority,
	tokens TokenService,
	revocation RevocationList,
	auditor audit.Recorder,
	opts ...Option,
) *Service {
	s := &Service{
		identities: identities,
		nonces:     nonces,
		verifier:   signature.Ed25519Verifier{},
		tokens:     tokens,
		revocation: revocation,
		auditor:    auditor,
		sessionTTL: defaultSessionTTL,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestNonce issues a challenge for any well-formed user id. Whether the
// identity exists is only decided at Verify, so this is not an enumeration oracle.
func (s *Service) RequestNonce(ctx context.Context, userID domain.UserID) (*models.Nonce, error) {
	if userID.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "userId is required")
	}
	n, err := s.nonces.Issue(ctx, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to issue nonce")
	}
	return n, nil
}

// Verify checks the identity is approved and active, consumes the nonce, then
// checks sig over the exact nonce bytes. Every failure is the same AUTH_FAILED,
// and every attempt is audited.
func (s *Service) Verify(ctx context.Context, userID domain.UserID, nonce string, sig []byte) (*idmodels.Identity, error) {
	identity, reason := s.verify(ctx, userID, nonce, sig)
	if reason != "" {
		s.logger.WarnContext(ctx, "authentication failed",
			"user_id", userID,
			"reason", reason,
			"request_id", requestcontext.RequestID(ctx),
		)
		s.metrics.incAttempt(audit.OutcomeFailure)
		s.recordAttempt(ctx, userID, audit.OutcomeFailure)
		return nil, dErrors.New(dErrors.CodeAuthFailed, authFailedMessage)
	}
	s.metrics.incAttempt(audit.OutcomeSuccess)
	s.recordAttempt(ctx, userID, audit.OutcomeSuccess)
	return identity, nil
}

// verify returns a server-side reason on failure. The reason is logged, never returned.
func (s *Service) verify(ctx context.Context, userID domain.UserID, nonce string, sig []byte) (*idmodels.Identity, string) {
	if userID.IsZero() || nonce == "" {
		return nil, "malformed request"
	}
	identity, err := s.identities.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) || dErrors.HasCode(err, dErrors.CodeNotFound) {
			return nil, "unknown identity"
		}
		return nil, "identity lookup failed: " + err.Error()
	}
	if !identity.IsUsable() {
		return nil, "identity not approved or inactive"
	}
	// Consumed before the signature check: a bad signature still burns the nonce.
	if !s.nonces.Consume(ctx, userID, nonce) {
		return nil, "nonce rejected"
	}
	if !s.verifier.Verify(identity.PublicKeys.SigningKey, []byte(nonce), sig) {
		return nil, "signature mismatch"
	}
	return identity, ""
}

// Authenticate verifies the challenge response and issues a session token.
func (s *Service) Authenticate(ctx context.Context, userID domain.UserID, nonce string, sig []byte) (*models.Session, error) {
	identity, err := s.Verify(ctx, userID, nonce, sig)
	if err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)
	token, jti, err := s.tokens.GenerateSessionToken(identity.UserID, identity.Role, now, s.sessionTTL)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to issue session")
	}
	return &models.Session{
		UserID:    identity.UserID,
		Role:      identity.Role,
		Token:     token,
		TokenID:   jti,
		ExpiresAt: now.Add(s.sessionTTL),
	}, nil
}

// Logout revokes the session token id until the token would have expired.
func (s *Service) Logout(ctx context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return dErrors.New(dErrors.CodeValidation, "session id is required")
	}
	ttl := expiresAt.Sub(requestcontext.Now(ctx))
	if ttl <= 0 {
		return nil
	}
	if err := s.revocation.RevokeToken(ctx, jti, ttl); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to end session")
	}
	s.logger.InfoContext(ctx, "session ended",
		"user_id", requestcontext.UserID(ctx),
		"request_id", requestcontext.RequestID(ctx),
	)
	return nil
}

func (s *Service) recordAttempt(ctx context.Context, userID domain.UserID, outcome string) {
	if s.auditor == nil {
		return
	}
	ua := requestcontext.UserAgent(ctx)
	details := map[string]string{
		audit.DetailOutcome: outcome,
		audit.DetailClient:  device.ParseUserAgent(ua),
	}
	if ua != "" {
		details["deviceFingerprint"] = device.Fingerprint(ua)
	}
	if ip := requestcontext.ClientIP(ctx); ip != "" {
		details["clientIp"] = ip
	}
	if _, err := s.auditor.Record(ctx, audit.Input{
		EventType: audit.EventLoginAttempt,
		UserID:    userID,
		Details:   details,
	}); err != nil {
		s.logger.ErrorContext(ctx, "failed to audit login attempt",
			"user_id", userID,
			"error", err,
		)
	}
}
