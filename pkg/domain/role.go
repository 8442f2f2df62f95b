package domain

import dErrors "carevault/pkg/domain-errors"

// Role is the registered role of an identity.
// Invariant: the value must be one of the supported roles.
//
// Usage: construct via ParseRole at trust boundaries; direct casting bypasses validation.
type Role string

const (
	RolePatient     Role = "patient"
	RoleDoctor      Role = "doctor"
	RoleLaboratory  Role = "laboratory"
	RoleInsurer     Role = "insurer"
	RoleAuditor     Role = "auditor"
	RoleSystemAdmin Role = "system_admin"
)

var validRoles = map[Role]bool{
	RolePatient:     true,
	RoleDoctor:      true,
	RoleLaboratory:  true,
	RoleInsurer:     true,
	RoleAuditor:     true,
	RoleSystemAdmin: true,
}

// ParseRole constructs a Role from external input.
func ParseRole(s string) (Role, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeValidation, "role cannot be empty")
	}
	r := Role(s)
	if !r.IsValid() {
		return "", dErrors.New(dErrors.CodeValidation, "invalid role")
	}
	return r, nil
}

func (r Role) IsValid() bool { return validRoles[r] }

func (r Role) String() string { return string(r) }

// CanExportAudit reports whether the role may export the audit trail.
func (r Role) CanExportAudit() bool {
	return r == RoleAuditor || r == RoleSystemAdmin
}
