package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the authentication subsystem.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSubjectRevoked   = errors.New("subject is disabled")
)

// Operator permissions checked by the HTTP API.
const (
	PermRead           = "read"
	PermGoalsSubmit    = "goals:submit"
	PermTasksCreate    = "tasks:create"
	PermPaymentsDecide = "payments:decide"
)

// AllPermissions lists every permission an operator token can carry.
func AllPermissions() []string {
	return []string{PermRead, PermGoalsSubmit, PermTasksCreate, PermPaymentsDecide}
}

// AnonymousSubject is the name attached to requests when authentication is
// disabled.
const AnonymousSubject = "anonymous"

// Store resolves a token digest to the operator that owns it. Implementations
// must be safe for concurrent use.
type Store interface {
	LookupDigest(ctx context.Context, digest string) (*Subject, error)
}

// Subject is the authenticated operator passed to request handlers via
// context.
type Subject struct {
	Name        string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Clone creates a copy that does not share slices with the stored subject.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		Name:        s.Name,
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}

// Token binds a static bearer token to an operator.
type Token struct {
	Subject     string
	Token       string
	Permissions []string
	Disabled    bool
}

// Config configures the authentication service.
type Config struct {
	Disabled bool
	Tokens   []Token
}
