// Package identity parses and matches the project[:stack[:context]] naming
// scheme used for services, channels, locks and agents. A pattern may replace
// any whole component with "*"; MatchSQL translates a pattern to a SQL LIKE
// clause so filters run inside the database instead of in Go.
package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxLength bounds a full identity string.
const MaxLength = 200

var (
	// ErrInvalid reports a malformed identity or component.
	ErrInvalid = errors.New("identity: invalid")

	componentRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

// Identity is a parsed project[:stack[:context]] name.
type Identity struct {
	Project string
	Stack   string
	Context string
}

// Parse validates and splits an identity string. Stack and Context are
// optional; empty components and more than three components are rejected.
func Parse(s string) (Identity, error) {
	if s == "" || len(s) > MaxLength {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalid, truncate(s))
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return Identity{}, fmt.Errorf("%w: %q has more than three components", ErrInvalid, truncate(s))
	}
	for _, p := range parts {
		if !componentRe.MatchString(p) {
			return Identity{}, fmt.Errorf("%w: component %q", ErrInvalid, truncate(p))
		}
	}
	id := Identity{Project: parts[0]}
	if len(parts) > 1 {
		id.Stack = parts[1]
	}
	if len(parts) > 2 {
		id.Context = parts[2]
	}
	return id, nil
}

// String reassembles the identity in canonical form.
func (id Identity) String() string {
	s := id.Project
	if id.Stack != "" {
		s += ":" + id.Stack
	}
	if id.Context != "" {
		s += ":" + id.Context
	}
	return s
}

// ValidateName checks a bare name (channel, lock, agent id) against the
// shared component character class. Unlike identities, names have no colons.
func ValidateName(s string) error {
	if s == "" || len(s) > MaxLength || !componentRe.MatchString(s) {
		return fmt.Errorf("%w: name %q", ErrInvalid, truncate(s))
	}
	return nil
}

// ValidatePattern checks a pattern string: each component must be either a
// valid component or a bare "*". "myapp:*" also matches the missing-suffix
// case ("myapp"), which MatchSQL handles.
func ValidatePattern(s string) error {
	if s == "" || len(s) > MaxLength {
		return fmt.Errorf("%w: pattern %q", ErrInvalid, truncate(s))
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return fmt.Errorf("%w: pattern %q has more than three components", ErrInvalid, truncate(s))
	}
	for _, p := range parts {
		if p == "*" {
			continue
		}
		if !componentRe.MatchString(p) {
			return fmt.Errorf("%w: pattern component %q", ErrInvalid, truncate(p))
		}
	}
	return nil
}

// IsPattern reports whether s contains a wildcard component.
func IsPattern(s string) bool {
	for _, p := range strings.Split(s, ":") {
		if p == "*" {
			return true
		}
	}
	return false
}

// Match reports whether id matches a validated pattern in-process, with the
// same semantics as MatchSQL: "*" matches any one component, and a trailing
// "*" also matches identities that omit the suffix entirely.
func Match(id, pattern string) bool {
	idParts := strings.Split(id, ":")
	patParts := strings.Split(pattern, ":")
	if len(idParts) > len(patParts) {
		return false
	}
	for i, p := range patParts {
		if i >= len(idParts) {
			// Shorter id is fine only if every remaining component is "*".
			if p != "*" {
				return false
			}
			continue
		}
		if p != "*" && p != idParts[i] {
			return false
		}
	}
	return true
}

// MatchSQL converts a validated pattern into a SQL condition on column col.
// "*" components become "%"; literal %, _ and \ in remaining components are
// escaped so they match themselves. A trailing "*" also matches identities
// that omit the suffix entirely ("myapp:*" matches "myapp").
//
//	expr, args := MatchSQL("id", "myapp:*")
//	// expr = "(id LIKE ? ESCAPE '\' OR id = ?)"
//	// args = ["myapp:%", "myapp"]
func MatchSQL(col, pattern string) (expr string, args []any) {
	parts := strings.Split(pattern, ":")
	out := make([]string, len(parts))
	for i, p := range parts {
		if p == "*" {
			out[i] = "%"
			continue
		}
		out[i] = escapeLike(p)
	}
	like := strings.Join(out, ":")

	// "proj:*" and "proj:stack:*" should also match the shorter forms.
	if parts[len(parts)-1] == "*" && len(parts) > 1 {
		exact := strings.Join(parts[:len(parts)-1], ":")
		return `(` + col + ` LIKE ? ESCAPE '\' OR ` + col + ` = ?)`, []any{like, exact}
	}
	return col + ` LIKE ? ESCAPE '\'`, []any{like}
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
