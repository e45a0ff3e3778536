// Package identity produces collision-resistant names and emails scoped to a
// single provisioning session. Generation is pure string composition over a
// per-session random token: deterministic for the same arguments within a
// session, distinct across sessions with overwhelming probability.
package identity

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DefaultEmailDomain is used when the caller does not configure one.
const DefaultEmailDomain = "fixtures.test"

// Generator derives run-scoped identifiers. The zero value is not usable;
// construct with New or NewWithToken.
type Generator struct {
	token  string
	domain string
}

// New creates a Generator with a fresh random run token.
func New(emailDomain string) Generator {
	return NewWithToken(uuid.NewString()[:8], emailDomain)
}

// NewWithToken creates a Generator with an explicit run token. Used by tests
// that need reproducible output.
func NewWithToken(token, emailDomain string) Generator {
	if emailDomain == "" {
		emailDomain = DefaultEmailDomain
	}
	return Generator{token: token, domain: emailDomain}
}

// Token returns the per-session run token.
func (g Generator) Token() string { return g.token }

// Name composes a run-unique name from a namespace and base, e.g.
// Name("group", "qa-team") -> "qa-team-group-3f9c01ab".
func (g Generator) Name(namespace, base string) string {
	return fmt.Sprintf("%s-%s-%s", sanitize(base), namespace, g.token)
}

// Email composes a run-unique address from a base local part.
func (g Generator) Email(base string) string {
	return fmt.Sprintf("%s-%s@%s", sanitize(base), g.token, g.domain)
}

// sanitize keeps generated values safe for email local parts and store keys.
func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		case r == ' ', r == '_':
			return '-'
		default:
			return -1
		}
	}, s)
}
