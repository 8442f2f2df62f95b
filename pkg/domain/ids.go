package domain

import (
	"strings"

	"github.com/google/uuid"

	dErrors "carevault/pkg/domain-errors"
)

// UserID identifies a registered principal (patient, provider, auditor, admin).
// Invariant: 1..128 characters drawn from [A-Za-z0-9._:@-].
type UserID string

// ConsentTokenID identifies a consent token; always a non-nil UUID.
type ConsentTokenID uuid.UUID

// AuditEntryID identifies an audit entry; always a non-nil UUID.
type AuditEntryID uuid.UUID

// ContentID is the content-addressed identifier returned by the content store.
type ContentID string

const maxUserIDLength = 128

// ParseUserID validates external input and returns a UserID.
func ParseUserID(s string) (UserID, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeValidation, "user id cannot be empty")
	}
	if len(s) > maxUserIDLength {
		return "", dErrors.New(dErrors.CodeValidation, "user id too long")
	}
	for i := 0; i < len(s); i++ {
		if !isUserIDChar(s[i]) {
			return "", dErrors.New(dErrors.CodeValidation, "user id contains invalid characters")
		}
	}
	return UserID(s), nil
}

func isUserIDChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.', c == '_', c == ':', c == '@', c == '-':
		return true
	}
	return false
}

func (id UserID) String() string { return string(id) }

// IsZero reports whether the id is unset.
func (id UserID) IsZero() bool { return id == "" }

// NewConsentTokenID generates a fresh token id.
func NewConsentTokenID() ConsentTokenID { return ConsentTokenID(uuid.New()) }

// ParseConsentTokenID validates external input and returns a ConsentTokenID.
func ParseConsentTokenID(s string) (ConsentTokenID, error) {
	u, err := parseNonNilUUID(s, "consent token id")
	return ConsentTokenID(u), err
}

func (id ConsentTokenID) String() string { return uuid.UUID(id).String() }
func (id ConsentTokenID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

// NewAuditEntryID generates a fresh audit entry id.
func NewAuditEntryID() AuditEntryID { return AuditEntryID(uuid.New()) }

// ParseAuditEntryID validates external input and returns an AuditEntryID.
func ParseAuditEntryID(s string) (AuditEntryID, error) {
	u, err := parseNonNilUUID(s, "audit entry id")
	return AuditEntryID(u), err
}

func (id AuditEntryID) String() string { return uuid.UUID(id).String() }

// ParseContentID validates a content identifier: 64 lowercase hex characters (sha-256).
func ParseContentID(s string) (ContentID, error) {
	s = strings.TrimSpace(s)
	if len(s) != 64 {
		return "", dErrors.New(dErrors.CodeValidation, "invalid content id")
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return "", dErrors.New(dErrors.CodeValidation, "invalid content id")
		}
	}
	return ContentID(s), nil
}

func (id ContentID) String() string { return string(id) }

func parseNonNilUUID(s, field string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, field+" cannot be empty")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, "invalid "+field)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, field+" cannot be nil")
	}
	return u, nil
}

func (id ConsentTokenID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id AuditEntryID) MarshalText() ([]byte, error)   { return []byte(id.String()), nil }
