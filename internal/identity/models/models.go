// Package models defines the identity directory entities.
package models

import (
	"time"

	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
)

// RegistrationStatus tracks the admin review of a registration.
type RegistrationStatus string

const (
	StatusPending  RegistrationStatus = "pending"
	StatusApproved RegistrationStatus = "approved"
	StatusRejected RegistrationStatus = "rejected"
)

// PublicKeys are the keys an identity registers. SigningKey is an Ed25519
// public key; EncryptionKey is opaque to this service.
type PublicKeys struct {
	EncryptionKey []byte `json:"encryptionKey,omitempty"`
	SigningKey    []byte `json:"signingKey"`
}

// Identity is a registered principal. Identities are never deleted, only deactivated.
type Identity struct {
	UserID     domain.UserID
	Role       domain.Role
	PublicKeys PublicKeys
	Status     RegistrationStatus
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ReviewedBy domain.UserID
}

// IsUsable reports whether the identity may authenticate and act.
func (i *Identity) IsUsable() bool {
	return i != nil && i.Status == StatusApproved && i.Active
}

// Approve moves a pending registration to approved.
func (i *Identity) Approve(by domain.UserID, at time.Time) error {
	if i.Status != StatusPending {
		return dErrors.New(dErrors.CodeConflict, "identity is not pending review")
	}
	i.Status = StatusApproved
	i.ReviewedBy = by
	i.UpdatedAt = at
	return nil
}

// Reject moves a pending registration to rejected.
func (i *Identity) Reject(by domain.UserID, at time.Time) error {
	if i.Status != StatusPending {
		return dErrors.New(dErrors.CodeConflict, "identity is not pending review")
	}
	i.Status = StatusRejected
	i.ReviewedBy = by
	i.UpdatedAt = at
	return nil
}

// Deactivate disables the identity. It cannot be undone.
func (i *Identity) Deactivate(at time.Time) error {
	if !i.Active {
		return dErrors.New(dErrors.CodeConflict, "identity is already deactivated")
	}
	i.Active = false
	i.UpdatedAt = at
	return nil
}

// Clone returns a deep copy.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	c.PublicKeys.SigningKey = append([]byte(nil), i.PublicKeys.SigningKey...)
	if i.PublicKeys.EncryptionKey != nil {
		c.PublicKeys.EncryptionKey = append([]byte(nil), i.PublicKeys.EncryptionKey...)
	}
	return &c
}

// Seed is an approved identity supplied by deployment configuration.
type Seed struct {
	UserID     domain.UserID
	Role       domain.Role
	PublicKeys PublicKeys
}
