package access

import (
	"carevault/pkg/domain"
)

// Result reasons. Consent denials carry the consent registry's reason verbatim.
const (
	ReasonSelfAccess       = "self-access"
	ReasonAdminOverride    = "administrative-override"
	ReasonAuditorRead      = "auditor-read"
	ReasonActiveConsent    = "active-consent"
	ReasonNoActiveConsent  = "no-active-consent"
	ReasonExpired          = "expired"
	ReasonRevoked          = "revoked"
	ReasonRequesterUnknown = "requester-not-authorized"
	ReasonUnavailable      = "access-check-unavailable"
)

// Sensitivity values. High-sensitivity decisions are flagged in audit details.
const (
	SensitivityNormal = "normal"
	SensitivityHigh   = "high"
)

// Request is one access question.
type Request struct {
	ProviderID   domain.UserID
	PatientID    domain.UserID
	ResourceType domain.ResourceType
	AccessLevel  domain.AccessLevel
}

// Result is recomputed on every check and never cached.
type Result struct {
	AccessGranted  bool
	ConsentTokenID *domain.ConsentTokenID
	Permissions    []domain.AccessLevel
	Reason         string
	Message        string
	Sensitivity    string
	PolicyVersion  string
}

// Rule is one role-specific override. Apply reports decided=false when the
// rule has no opinion and evaluation should continue to consent.
type Rule interface {
	Name() string
	Role() domain.Role
	Apply(req Request) (res Result, decided bool)
}

// PolicySet is a versioned table of role rules. New roles extend the table
// by adding a Rule, not by branching in the validator.
type PolicySet struct {
	Version string
	Rules   []Rule
}

// RulesFor returns the rules bound to role, in table order.
func (p PolicySet) RulesFor(role domain.Role) []Rule {
	var out []Rule
	for _, r := range p.Rules {
		if r.Role() == role {
			out = append(out, r)
		}
	}
	return out
}

// DefaultPolicy is the built-in role table.
func DefaultPolicy() PolicySet {
	return PolicySet{
		Version: "2026.1",
		Rules: []Rule{
			AdminOverrideRule{},
			AuditorReadRule{ResourceTypes: []domain.ResourceType{"audit_log", "consent_record", "access_log"}},
		},
	}
}

// AdminOverrideRule grants system administrators everything, at high sensitivity.
type AdminOverrideRule struct{}

func (AdminOverrideRule) Name() string      { return "admin-override" }
func (AdminOverrideRule) Role() domain.Role { return domain.RoleSystemAdmin }

func (AdminOverrideRule) Apply(req Request) (Result, bool) {
	return Result{
		AccessGranted: true,
		Permissions:   []domain.AccessLevel{req.AccessLevel},
		Reason:        ReasonAdminOverride,
		Message:       "granted by administrative override",
		Sensitivity:   SensitivityHigh,
	}, true
}

// AuditorReadRule grants auditors read access to audit-relevant resource types.
type AuditorReadRule struct {
	ResourceTypes []domain.ResourceType
}

func (AuditorReadRule) Name() string      { return "auditor-read" }
func (AuditorReadRule) Role() domain.Role { return domain.RoleAuditor }

func (r AuditorReadRule) Apply(req Request) (Result, bool) {
	if req.AccessLevel != domain.AccessRead {
		return Result{}, false
	}
	for _, rt := range r.ResourceTypes {
		if rt == req.ResourceType {
			return Result{
				AccessGranted: true,
				Permissions:   []domain.AccessLevel{domain.AccessRead},
				Reason:        ReasonAuditorRead,
				Message:       "auditor read of " + string(rt),
				Sensitivity:   SensitivityNormal,
			}, true
		}
	}
	return Result{}, false
}
