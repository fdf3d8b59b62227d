// Package token implements the token registry and validation pipeline:
// parsing opaque API tokens, deduping them by secret, and tracking their
// validation lifecycle.
package token

import (
	"sort"
	"strings"

	"github.com/flagedge/edge/internal/edgeerrors"
)

// Kind identifies which API surface a token is allowed to authenticate.
type Kind int

const (
	// KindUnknown is assigned until a request first exercises the token
	// against a specific API surface.
	KindUnknown Kind = iota
	KindClient
	KindFrontend
	KindAdmin
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindFrontend:
		return "frontend"
	case KindAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Status is the token's position in its validation lifecycle. Upstream
// validation moves it from Unknown to Validated or Invalid; Trusted is set
// by static configuration at startup. SetStatus applies whatever status it
// is given, and the refresher uses it to mark a token Invalid after a
// 401/403, whatever its previous status (Trusted included).
type Status int

const (
	StatusUnknown Status = iota
	StatusValidated
	StatusInvalid
	StatusTrusted
)

func (s Status) String() string {
	switch s {
	case StatusValidated:
		return "validated"
	case StatusInvalid:
		return "invalid"
	case StatusTrusted:
		return "trusted"
	default:
		return "unknown"
	}
}

// WildcardProject is the sentinel project name meaning "all projects".
const WildcardProject = "*"

// Token is the parsed, registered representation of an opaque API secret of
// the form "<projects>:<environment>.<secret>".
type Token struct {
	Secret      string
	Kind        Kind
	Environment string
	Projects    []string // sorted; may be [WildcardProject]
	Status      Status
	// DeferredScope is set when the secret encoded an empty bracket "[]":
	// the projects scope is not yet known and must be resolved against
	// upstream validation before the token can be used for routing.
	DeferredScope bool
}

// HasWildcardScope reports whether the token may read every project.
func (t *Token) HasWildcardScope() bool {
	return len(t.Projects) == 1 && t.Projects[0] == WildcardProject
}

// ProjectSet returns the token's projects as a lookup set.
func (t *Token) ProjectSet() map[string]struct{} {
	set := make(map[string]struct{}, len(t.Projects))
	for _, p := range t.Projects {
		set[p] = struct{}{}
	}
	return set
}

// HasProject reports whether the token's scope includes project p.
func (t *Token) HasProject(p string) bool {
	if t.HasWildcardScope() {
		return true
	}
	for _, candidate := range t.Projects {
		if candidate == p {
			return true
		}
	}
	return false
}

// CanonicalProjectScope is "*" if the token holds a wildcard scope, else the
// lexicographic join of its project names, per the Environment Key rule.
func (t *Token) CanonicalProjectScope() string {
	if t.HasWildcardScope() {
		return WildcardProject
	}
	sorted := append([]string(nil), t.Projects...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// Parse splits an opaque secret into a Token. The grammar is:
//
//	secret := projects ":" environment "." rest
//	projects := "*" | name | "[" name ("," name)* "]" | "[]"
//
// "[]" denotes a deferred wildcard scope: the caller must resolve it against
// upstream validation before using the token for routing.
func Parse(secret string) (*Token, error) {
	colonIdx := strings.Index(secret, ":")
	if colonIdx < 0 {
		return nil, edgeerrors.ParseError("token missing ':' separator")
	}
	left := secret[:colonIdx]
	right := secret[colonIdx+1:]

	dotIdx := strings.Index(right, ".")
	if dotIdx < 0 {
		return nil, edgeerrors.ParseError("token missing '.' separator")
	}
	environment := right[:dotIdx]
	if environment == "" {
		return nil, edgeerrors.ParseError("token has empty environment")
	}

	projects, deferred, err := parseProjects(left)
	if err != nil {
		return nil, err
	}

	return &Token{
		Secret:        secret,
		Environment:   environment,
		Projects:      projects,
		DeferredScope: deferred,
		Status:        StatusUnknown,
	}, nil
}

func parseProjects(raw string) (projects []string, deferred bool, err error) {
	switch {
	case raw == WildcardProject:
		return []string{WildcardProject}, false, nil
	case raw == "":
		return nil, false, edgeerrors.ParseError("token has empty project scope")
	case strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]"):
		inner := raw[1 : len(raw)-1]
		if inner == "" {
			// Empty bracket: wildcard scope unknown, defer to upstream.
			return []string{WildcardProject}, true, nil
		}
		names := strings.Split(inner, ",")
		out := make([]string, 0, len(names))
		for _, n := range names {
			n = strings.TrimSpace(n)
			if n == "" {
				return nil, false, edgeerrors.ParseError("token project list has empty entry")
			}
			out = append(out, n)
		}
		sort.Strings(out)
		return out, false, nil
	case strings.ContainsAny(raw, "[]"):
		return nil, false, edgeerrors.ParseError("token project scope malformed")
	default:
		return []string{raw}, false, nil
	}
}

// String renders the token back to its canonical secret form. Parse-then-
// String on a syntactically valid token yields the original string, except
// that a deferred "[]" scope prints as "*" once resolved and as "[]" while
// still deferred.
func (t *Token) String() string {
	// A token whose scope still matches its own secret prints that secret
	// unchanged, keeping a bracketed list in its original order.
	if prefix, _, ok := strings.Cut(t.Secret, ":"); ok && !t.DeferredScope {
		projects, deferred, err := parseProjects(prefix)
		if err == nil && !deferred && len(projects) == len(t.Projects) &&
			strings.Join(projects, ",") == strings.Join(t.Projects, ",") {
			return t.Secret
		}
	}
	var left string
	switch {
	case t.DeferredScope:
		left = "[]"
	case t.HasWildcardScope():
		left = WildcardProject
	case len(t.Projects) == 1:
		left = t.Projects[0]
	default:
		left = "[" + strings.Join(t.Projects, ",") + "]"
	}
	return left + ":" + t.Environment + "." + secretSuffix(t.Secret)
}

// secretSuffix returns the portion of a full secret after the final parsed
// prefix, i.e. everything after the first '.' following the ':'.
func secretSuffix(full string) string {
	colonIdx := strings.Index(full, ":")
	if colonIdx < 0 {
		return full
	}
	rest := full[colonIdx+1:]
	dotIdx := strings.Index(rest, ".")
	if dotIdx < 0 {
		return ""
	}
	return rest[dotIdx+1:]
}
