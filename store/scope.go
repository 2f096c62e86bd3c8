package store

import (
	"slices"
)

// globalScopeName is the storage sentinel for the global scope. The value is
// kept as "globe" for compatibility with catalogs written by earlier releases.
const globalScopeName = "globe"

// Scope is the visibility domain of a picture: either the global domain
// visible to every group, or one specific chat group. The zero value is the
// global scope.
type Scope struct {
	group string
}

// GlobalScope returns the scope visible to all groups.
func GlobalScope() Scope {
	return Scope{}
}

// GroupScope returns the scope of a single chat group. The id is an opaque
// platform-qualified identifier such as "qq_group:123" or "telegram:-100987".
// An empty id is the global scope.
func GroupScope(id string) Scope {
	if id == globalScopeName {
		return Scope{}
	}
	return Scope{group: id}
}

// ParseScope converts the stored string form back into a Scope.
func ParseScope(s string) Scope {
	return GroupScope(s)
}

// IsGlobal reports whether s is the global scope.
func (s Scope) IsGlobal() bool {
	return s.group == ""
}

// String returns the storage form of the scope.
func (s Scope) String() string {
	if s.group == "" {
		return globalScopeName
	}
	return s.group
}

// ReadFilter returns the storage forms a read in scope s must match: the scope
// itself plus the global scope. Reads always widen to global, never narrow.
func (s Scope) ReadFilter() []string {
	if s.IsGlobal() {
		return []string{globalScopeName}
	}
	return []string{s.String(), globalScopeName}
}

// ParseScopes converts a stored scope list into Scope values.
func ParseScopes(ss []string) []Scope {
	scopes := make([]Scope, 0, len(ss))
	for _, s := range ss {
		scopes = append(scopes, ParseScope(s))
	}
	return scopes
}

// ScopeStrings converts scopes to their storage form.
func ScopeStrings(scopes []Scope) []string {
	ss := make([]string, 0, len(scopes))
	for _, s := range scopes {
		ss = append(ss, s.String())
	}
	return ss
}

// ContainsScope reports whether scopes contains s.
func ContainsScope(scopes []Scope, s Scope) bool {
	return slices.Contains(scopes, s)
}

// ContainsGlobal reports whether scopes contains the global scope.
func ContainsGlobal(scopes []Scope) bool {
	return ContainsScope(scopes, GlobalScope())
}

// MergeScope applies the save-time scope-merge rule to an existing scope set:
//
//   - an incoming global scope collapses the set to exactly {global};
//   - once a set is {global}, group scopes are not added (global is sticky,
//     only an explicit rename moves a picture out of global);
//   - otherwise the incoming scope is union-added, idempotently.
func MergeScope(scopes []Scope, incoming Scope) []Scope {
	if incoming.IsGlobal() {
		return []Scope{GlobalScope()}
	}
	if ContainsGlobal(scopes) {
		return slices.Clone(scopes)
	}
	if ContainsScope(scopes, incoming) {
		return slices.Clone(scopes)
	}
	return append(slices.Clone(scopes), incoming)
}

// RenameScopes applies the rename scope transition: moving to global collapses
// the set to {global}; moving a global picture to a group replaces the set
// with just that group; otherwise the source scope is swapped for the
// destination, preserving the picture's other scopes.
func RenameScopes(scopes []Scope, src, dst Scope) []Scope {
	if dst.IsGlobal() {
		return []Scope{GlobalScope()}
	}
	if ContainsGlobal(scopes) {
		return []Scope{dst}
	}
	out := make([]Scope, 0, len(scopes))
	for _, s := range scopes {
		if s != src && s != dst {
			out = append(out, s)
		}
	}
	return append(out, dst)
}

// RemoveScope returns scopes without s.
func RemoveScope(scopes []Scope, s Scope) []Scope {
	out := make([]Scope, 0, len(scopes))
	for _, sc := range scopes {
		if sc != s {
			out = append(out, sc)
		}
	}
	return out
}
