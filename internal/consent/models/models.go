// Package models defines consent tokens and the payloads patients sign for them.
package models

import (
	"sort"
	"time"

	"carevault/internal/crypto/signature"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
)

// Token states as reported by Status.
const (
	StateActive  = "active"
	StateExpired = "expired"
	StateRevoked = "revoked"
)

// Permission is one grant of an access level over a resource type.
type Permission struct {
	ResourceType domain.ResourceType `json:"resourceType"`
	AccessLevel  domain.AccessLevel  `json:"accessLevel"`
	Conditions   map[string]string   `json:"conditions,omitempty"`
}

func (p Permission) Matches(rt domain.ResourceType, level domain.AccessLevel) bool {
	return p.ResourceType == rt && p.AccessLevel == level
}

// ConsentToken is a patient's signed grant to one provider. Permissions are
// fixed at creation; only revocation changes a token.
type ConsentToken struct {
	TokenID        domain.ConsentTokenID
	PatientID      domain.UserID
	ProviderID     domain.UserID
	Permissions    []Permission
	ExpirationTime *time.Time
	IsActive       bool
	CreatedAt      time.Time
	RevokedAt      *time.Time
	Signature      []byte
}

// IsExpired reports whether the token has reached its expiration time.
func (t *ConsentToken) IsExpired(now time.Time) bool {
	return t.ExpirationTime != nil && !now.Before(*t.ExpirationTime)
}

// IsEffective reports whether the token can authorize access at now.
func (t *ConsentToken) IsEffective(now time.Time) bool {
	return t.IsActive && !t.IsExpired(now)
}

// Status reports the token state at now. Revocation wins over expiry.
func (t *ConsentToken) Status(now time.Time) string {
	switch {
	case !t.IsActive:
		return StateRevoked
	case t.IsExpired(now):
		return StateExpired
	default:
		return StateActive
	}
}

// Covers reports whether any permission matches exactly.
func (t *ConsentToken) Covers(rt domain.ResourceType, level domain.AccessLevel) bool {
	for _, p := range t.Permissions {
		if p.Matches(rt, level) {
			return true
		}
	}
	return false
}

// Revoke deactivates the token. A token is revoked at most once.
func (t *ConsentToken) Revoke(at time.Time) error {
	if !t.IsActive {
		return dErrors.New(dErrors.CodeAlreadyRevoked, "consent token is already revoked")
	}
	t.IsActive = false
	t.RevokedAt = &at
	return nil
}

func (t *ConsentToken) Clone() *ConsentToken {
	if t == nil {
		return nil
	}
	c := *t
	c.Permissions = make([]Permission, len(t.Permissions))
	for i, p := range t.Permissions {
		c.Permissions[i] = p
		if p.Conditions != nil {
			c.Permissions[i].Conditions = make(map[string]string, len(p.Conditions))
			for k, v := range p.Conditions {
				c.Permissions[i].Conditions[k] = v
			}
		}
	}
	if t.ExpirationTime != nil {
		exp := *t.ExpirationTime
		c.ExpirationTime = &exp
	}
	if t.RevokedAt != nil {
		rev := *t.RevokedAt
		c.RevokedAt = &rev
	}
	c.Signature = append([]byte(nil), t.Signature...)
	return &c
}

// ResourceTypes returns the distinct resource types named by the permissions, sorted.
func (t *ConsentToken) ResourceTypes() []string {
	seen := make(map[string]bool, len(t.Permissions))
	var out []string
	for _, p := range t.Permissions {
		if !seen[string(p.ResourceType)] {
			seen[string(p.ResourceType)] = true
			out = append(out, string(p.ResourceType))
		}
	}
	sort.Strings(out)
	return out
}

// NewestFirst orders tokens by creation time, newest first.
func NewestFirst(tokens []*ConsentToken) {
	sort.SliceStable(tokens, func(i, j int) bool {
		return tokens[i].CreatedAt.After(tokens[j].CreatedAt)
	})
}

type grantBody struct {
	PatientID      string       `json:"patientId"`
	ProviderID     string       `json:"providerId"`
	Permissions    []Permission `json:"permissions"`
	ExpirationTime string       `json:"expirationTime,omitempty"`
}

// GrantSigningPayload is what a patient signs to grant consent.
func GrantSigningPayload(patientID, providerID domain.UserID, perms []Permission, exp *time.Time) ([]byte, error) {
	body := grantBody{
		PatientID:   patientID.String(),
		ProviderID:  providerID.String(),
		Permissions: perms,
	}
	if exp != nil {
		body.ExpirationTime = exp.UTC().Format(time.RFC3339Nano)
	}
	return signature.Canonical(signature.ActionConsentGrant, body)
}

type revokeBody struct {
	ConsentTokenID string `json:"consentTokenId"`
}

// RevokeSigningPayload is what the patient of record signs to revoke a token.
func RevokeSigningPayload(id domain.ConsentTokenID) ([]byte, error) {
	return signature.Canonical(signature.ActionConsentRevoke, revokeBody{ConsentTokenID: id.String()})
}

// Query selects the token that would authorize one access.
type Query struct {
	PatientID    domain.UserID
	ProviderID   domain.UserID
	ResourceType domain.ResourceType
	AccessLevel  domain.AccessLevel
}

// Match is the outcome of FindActive. Token is nil when nothing authorizes the
// query; Reason then names why.
type Match struct {
	Token  *ConsentToken
	Reason string
}

// Denial reasons for Match.
const (
	ReasonNoActiveConsent = "no-active-consent"
	ReasonExpired         = "expired"
	ReasonRevoked         = "revoked"
)

// Summary is the consent state between one patient and one provider.
type Summary struct {
	PatientID   domain.UserID
	ProviderID  domain.UserID
	HasActive   bool
	Active      int
	Expired     int
	Revoked     int
	Permissions []Permission // union over effective tokens
	Tokens      []*ConsentToken
}
