// Package auth gates privileged oracle operations behind roles.
package auth

import (
	"errors"
	"fmt"
	"sync"

	"Attestor/internal/curve"
)

var (
	// ErrUnauthorized is returned when the caller lacks the required role.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnknownRole is returned for a role name or value that is not defined.
	ErrUnknownRole = errors.New("unknown role")
)

// Role is a named privilege.
type Role uint8

const (
	// RoleAdmin manages signers, pricing and protocol feeds.
	RoleAdmin Role = iota + 1

	// RoleRegistryOwner may claim rewards on behalf of signers.
	RoleRegistryOwner
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleRegistryOwner:
		return "registry-owner"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// ParseRole parses "admin" or "registry-owner".
func ParseRole(s string) (Role, error) {
	switch s {
	case "admin":
		return RoleAdmin, nil
	case "registry-owner":
		return RoleRegistryOwner, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

// Valid reports whether r is a defined role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleRegistryOwner
}

// Authorizer decides whether a caller holds a role and tracks grants.
type Authorizer interface {
	RequireRole(caller curve.Identity, role Role) error
	GrantRole(caller curve.Identity, role Role)
	RevokeRole(caller curve.Identity, role Role)
}

// Static is an in-memory Authorizer.
type Static struct {
	mu    sync.RWMutex
	roles map[Role]map[curve.Identity]struct{}
}

// NewStatic creates an authorizer granting RoleAdmin to admins and
// RoleRegistryOwner to owners.
func NewStatic(admins, owners []curve.Identity) *Static {
	s := &Static{roles: make(map[Role]map[curve.Identity]struct{})}

	for _, id := range admins {
		s.GrantRole(id, RoleAdmin)
	}

	for _, id := range owners {
		s.GrantRole(id, RoleRegistryOwner)
	}

	return s
}

// RequireRole returns ErrUnauthorized unless caller holds role.
func (s *Static) RequireRole(caller curve.Identity, role Role) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.roles[role][caller]; !ok {
		return fmt.Errorf("%w: %s is not %s", ErrUnauthorized, caller, role)
	}

	return nil
}

// GrantRole gives caller the role.
func (s *Static) GrantRole(caller curve.Identity, role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.roles[role] == nil {
		s.roles[role] = make(map[curve.Identity]struct{})
	}

	s.roles[role][caller] = struct{}{}
}

// RevokeRole removes the role from caller.
func (s *Static) RevokeRole(caller curve.Identity, role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.roles[role], caller)
}
