// Package access decides whether a requester may touch a patient's resources.
package access

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	consentmodels "carevault/internal/consent/models"
	idmodels "carevault/internal/identity/models"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
)

// IdentityLookup resolves the requester's role and standing.
type IdentityLookup interface {
	Get(ctx context.Context, userID domain.UserID) (*idmodels.Identity, error)
}

// ConsentFinder is the consent registry's lookup.
type ConsentFinder interface {
	FindActive(ctx context.Context, q consentmodels.Query) (*consentmodels.Match, error)
}

type Metrics struct {
	decisions *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "carevault_access_decisions_total",
			Help: "Access decisions by outcome and reason.",
		}, []string{"outcome", "reason"}),
	}
}

func (m *Metrics) observe(res Result) {
	if m == nil {
		return
	}
	outcome := "denied"
	if res.AccessGranted {
		outcome = "granted"
	}
	m.decisions.WithLabelValues(outcome, res.Reason).Inc()
}

// Validator evaluates access requests against the role policy and the consent registry.
type Validator struct {
	identities IdentityLookup
	consents   ConsentFinder
	policy     PolicySet
	metrics    *Metrics
	logger     *slog.Logger
}

type Option func(*Validator)

func WithPolicy(p PolicySet) Option {
	return func(v *Validator) { v.policy = p }
}

func WithMetrics(m *Metrics) Option {
	return func(v *Validator) { v.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) { v.logger = logger }
}

func New(identities IdentityLookup, consents ConsentFinder, opts ...Option) *Validator {
	v := &Validator{
		identities: identities,
		consents:   consents,
		policy:     DefaultPolicy(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// CheckAccess never returns an error: denial, including denial caused by an
// unreachable dependency, is a Result with AccessGranted=false.
func (v *Validator) CheckAccess(ctx context.Context, req Request) Result {
	res := v.evaluate(ctx, req)
	res.PolicyVersion = v.policy.Version
	if res.Sensitivity == "" {
		res.Sensitivity = SensitivityNormal
	}
	if res.Permissions == nil {
		res.Permissions = []domain.AccessLevel{}
	}
	v.metrics.observe(res)
	v.logger.DebugContext(ctx, "access decision",
		"provider_id", req.ProviderID,
		"patient_id", req.PatientID,
		"resource_type", req.ResourceType,
		"access_level", req.AccessLevel,
		"granted", res.AccessGranted,
		"reason", res.Reason,
	)
	return res
}

func (v *Validator) evaluate(ctx context.Context, req Request) Result {
	if req.ProviderID.IsZero() || req.PatientID.IsZero() {
		return deny(ReasonRequesterUnknown, "requester and patient are required")
	}
	if req.ProviderID == req.PatientID {
		return Result{
			AccessGranted: true,
			Permissions:   []domain.AccessLevel{domain.AccessRead, domain.AccessWrite},
			Reason:        ReasonSelfAccess,
			Message:       "patients may always access their own records",
		}
	}

	requester, err := v.identities.Get(ctx, req.ProviderID)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return deny(ReasonRequesterUnknown, "requester is not a registered identity")
		}
		v.logger.ErrorContext(ctx, "identity lookup failed during access check",
			"provider_id", req.ProviderID, "error", err)
		return deny(ReasonUnavailable, "access could not be evaluated")
	}
	if !requester.IsUsable() {
		return deny(ReasonRequesterUnknown, "requester is not approved or is deactivated")
	}

	for _, rule := range v.policy.RulesFor(requester.Role) {
		if res, decided := rule.Apply(req); decided {
			return res
		}
	}

	match, err := v.consents.FindActive(ctx, consentmodels.Query{
		PatientID:    req.PatientID,
		ProviderID:   req.ProviderID,
		ResourceType: req.ResourceType,
		AccessLevel:  req.AccessLevel,
	})
	if err != nil {
		v.logger.ErrorContext(ctx, "consent lookup failed during access check",
			"provider_id", req.ProviderID, "patient_id", req.PatientID, "error", err)
		return deny(ReasonUnavailable, "access could not be evaluated")
	}
	if match.Token == nil {
		return deny(match.Reason, denyMessage(match.Reason))
	}
	id := match.Token.TokenID
	return Result{
		AccessGranted:  true,
		ConsentTokenID: &id,
		Permissions:    levelsFor(match.Token, req.ResourceType),
		Reason:         ReasonActiveConsent,
		Message:        "granted by consent token " + id.String(),
	}
}

func deny(reason, message string) Result {
	return Result{Reason: reason, Message: message}
}

func denyMessage(reason string) string {
	switch reason {
	case ReasonExpired:
		return "the covering consent has expired"
	case ReasonRevoked:
		return "the covering consent was revoked"
	default:
		return "no active consent covers this request"
	}
}

// levelsFor lists the access levels the token grants on rt.
func levelsFor(t *consentmodels.ConsentToken, rt domain.ResourceType) []domain.AccessLevel {
	var out []domain.AccessLevel
	seen := map[domain.AccessLevel]bool{}
	for _, p := range t.Permissions {
		if p.ResourceType == rt && !seen[p.AccessLevel] {
			seen[p.AccessLevel] = true
			out = append(out, p.AccessLevel)
		}
	}
	return out
}
