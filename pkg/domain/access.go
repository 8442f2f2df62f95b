package domain

import (
	"strings"

	dErrors "carevault/pkg/domain-errors"
)

// AccessLevel is the operation class a permission covers.
// Matching is exact: write does not imply read and read does not imply write.
type AccessLevel string

const (
	AccessRead  AccessLevel = "read"
	AccessWrite AccessLevel = "write"
)

// ParseAccessLevel constructs an AccessLevel from external input.
func ParseAccessLevel(s string) (AccessLevel, error) {
	switch AccessLevel(s) {
	case AccessRead, AccessWrite:
		return AccessLevel(s), nil
	case "":
		return "", dErrors.New(dErrors.CodeValidation, "access level cannot be empty")
	default:
		return "", dErrors.New(dErrors.CodeValidation, "invalid access level")
	}
}

func (a AccessLevel) String() string { return string(a) }

// ResourceType names a class of medical resource (lab_result, prescription, ...).
// Invariant: lowercase snake_case, at most 64 characters.
type ResourceType string

// ParseResourceType normalizes and validates a resource type.
func ParseResourceType(s string) (ResourceType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", dErrors.New(dErrors.CodeValidation, "resource type cannot be empty")
	}
	if len(s) > 64 {
		return "", dErrors.New(dErrors.CodeValidation, "resource type too long")
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_') {
			return "", dErrors.New(dErrors.CodeValidation, "resource type must be snake_case")
		}
	}
	return ResourceType(s), nil
}

func (r ResourceType) String() string { return string(r) }
