package identity

import "github.com/google/uuid"

// Participant roles understood by the core.
const (
	RoleFaculty = "faculty"
	RoleStudent = "student"
)

// ValidRole reports whether role is one the core understands.
func ValidRole(role string) bool {
	return role == RoleFaculty || role == RoleStudent
}

// ValidIdentifier reports whether raw is a well-formed participant token.
// Tokens are canonical 36-char UUID strings; the short fixed format keeps
// them inside radio broadcast payload limits. Anything else is radio noise.
func ValidIdentifier(raw string) bool {
	if len(raw) != 36 {
		return false
	}
	_, err := uuid.Parse(raw)
	return err == nil
}

// NewIdentifier mints a fresh participant or session token.
func NewIdentifier() string {
	return uuid.NewString()
}
