package core

import (
	"fmt"
	"strings"
	"time"
)

// Token is a bearer token issued by a registry's authorization service.
type Token struct {
	// Value is attached verbatim as "Authorization: Bearer <Value>".
	Value string
	// ExpiresIn is the lifetime reported by the service (0 if not reported).
	ExpiresIn time.Duration
	// IssuedAt is the issue time reported by the service, or the local
	// receive time when the service did not report one.
	IssuedAt time.Time
	// ExpiresAt is zero when the service did not report an expiry.
	ExpiresAt time.Time
}

// Expired reports whether the token's reported expiry is at or before now.
// A token without an expiry never reports expired.
func (t *Token) Expired(now time.Time) bool {
	if t == nil || t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(t.ExpiresAt)
}

// String redacts the token value.
func (t *Token) String() string {
	if t == nil {
		return "<nil>"
	}
	if t.ExpiresAt.IsZero() {
		return "Token{redacted}"
	}
	return fmt.Sprintf("Token{redacted, expires %s}", t.ExpiresAt.Format(time.RFC3339))
}

// Scope names what a token authorizes, e.g. repository:library/ubuntu:pull.
// Types and actions are not checked against a fixed vocabulary.
type Scope struct {
	Type    string
	Name    string
	Actions []string
}

// NewScope builds a scope from a single action string, which may itself be
// a comma-separated list ("pull,push").
func NewScope(scopeType, name, action string) Scope {
	s := Scope{Type: scopeType, Name: name}
	if action != "" {
		s.Actions = strings.Split(action, ",")
	}
	return s
}

// String renders the scope in type:name:actions form.
func (s Scope) String() string {
	return s.Type + ":" + s.Name + ":" + strings.Join(s.Actions, ",")
}

// ParseScope parses a type:name:actions string. The name may contain colons
// (registry hosts with ports); the type is everything before the first colon
// and the actions everything after the last.
func ParseScope(s string) (Scope, error) {
	scopeType, rest, ok := strings.Cut(s, ":")
	if !ok || scopeType == "" {
		return Scope{}, fmt.Errorf("%w: scope %q", ErrInvalidInput, s)
	}
	i := strings.LastIndex(rest, ":")
	if i <= 0 {
		return Scope{}, fmt.Errorf("%w: scope %q", ErrInvalidInput, s)
	}
	return NewScope(scopeType, rest[:i], rest[i+1:]), nil
}

// Challenge is a parsed WWW-Authenticate header.
type Challenge struct {
	// Scheme is "bearer" or "basic", lower-cased.
	Scheme  string
	Realm   string
	Service string
	Scopes  []Scope
	// Error carries the error parameter some registries include
	// (for example "insufficient_scope").
	Error string
}

// String renders the challenge for diagnostics.
func (c Challenge) String() string {
	parts := []string{c.Scheme}
	if c.Realm != "" {
		parts = append(parts, fmt.Sprintf("realm=%q", c.Realm))
	}
	if c.Service != "" {
		parts = append(parts, fmt.Sprintf("service=%q", c.Service))
	}
	for _, s := range c.Scopes {
		parts = append(parts, fmt.Sprintf("scope=%q", s.String()))
	}
	if c.Error != "" {
		parts = append(parts, fmt.Sprintf("error=%q", c.Error))
	}
	return strings.Join(parts, " ")
}
