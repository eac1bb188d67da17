package model

import "fmt"

// Role is the RBAC role carried in a principal's token.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleAgent    Role = "agent"
	RoleReader   Role = "reader"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleOperator, RoleAgent, RoleReader:
		return true
	}
	return false
}

// Principal is an authenticated caller: an agent, a human operator, or an admin.
// Senior operators form the reviewer pool that takes over escalated windows.
type Principal struct {
	ID         string `json:"id" yaml:"id"`
	Role       Role   `json:"role" yaml:"role"`
	Senior     bool   `json:"senior,omitempty" yaml:"senior"`
	APIKeyHash string `json:"-" yaml:"api_key_hash"`
}

// ValidatePrincipalID checks that an id is 1-255 ASCII characters:
// alphanumeric, dots, hyphens, underscores, and @ signs.
func ValidatePrincipalID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
