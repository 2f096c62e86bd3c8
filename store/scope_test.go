package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScope_StringRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		scope  Scope
		want   string
		global bool
	}{
		{"global", GlobalScope(), "globe", true},
		{"qq group", GroupScope("qq_group:123"), "qq_group:123", false},
		{"telegram group", GroupScope("telegram:-100987"), "telegram:-100987", false},
		{"sentinel parses to global", GroupScope("globe"), "globe", true},
		{"empty id is global", GroupScope(""), "globe", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.scope.String())
			assert.Equal(t, tt.global, tt.scope.IsGlobal())
			assert.Equal(t, tt.scope, ParseScope(tt.scope.String()))
		})
	}
}

func TestScope_ReadFilter(t *testing.T) {
	assert.Equal(t, []string{"globe"}, GlobalScope().ReadFilter())
	assert.Equal(t, []string{"qq_group:1", "globe"}, GroupScope("qq_group:1").ReadFilter())
}

func TestMergeScope(t *testing.T) {
	g1 := GroupScope("qq_group:1")
	g2 := GroupScope("qq_group:2")

	tests := []struct {
		name     string
		scopes   []Scope
		incoming Scope
		want     []Scope
	}{
		{"add to empty", nil, g1, []Scope{g1}},
		{"union add", []Scope{g1}, g2, []Scope{g1, g2}},
		{"idempotent", []Scope{g1, g2}, g2, []Scope{g1, g2}},
		{"global collapses", []Scope{g1, g2}, GlobalScope(), []Scope{GlobalScope()}},
		{"global is sticky", []Scope{GlobalScope()}, g1, []Scope{GlobalScope()}},
		{"global onto global", []Scope{GlobalScope()}, GlobalScope(), []Scope{GlobalScope()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MergeScope(tt.scopes, tt.incoming))
		})
	}
}

func TestMergeScope_DoesNotMutateInput(t *testing.T) {
	g1 := GroupScope("qq_group:1")
	scopes := []Scope{g1}
	_ = MergeScope(scopes, GroupScope("qq_group:2"))
	assert.Equal(t, []Scope{g1}, scopes)
}

func TestRenameScopes(t *testing.T) {
	g1 := GroupScope("qq_group:1")
	g2 := GroupScope("qq_group:2")
	g3 := GroupScope("qq_group:3")

	tests := []struct {
		name   string
		scopes []Scope
		src    Scope
		dst    Scope
		want   []Scope
	}{
		{"to global collapses", []Scope{g1, g2}, g1, GlobalScope(), []Scope{GlobalScope()}},
		{"from global replaces", []Scope{GlobalScope()}, GlobalScope(), g1, []Scope{g1}},
		{"swap preserves others", []Scope{g1, g2}, g1, g3, []Scope{g2, g3}},
		{"swap onto existing dedupes", []Scope{g1, g2}, g1, g2, []Scope{g2}},
		{"same scope is stable", []Scope{g1}, g1, g1, []Scope{g1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenameScopes(tt.scopes, tt.src, tt.dst))
		})
	}
}

func TestRemoveScope(t *testing.T) {
	g1 := GroupScope("qq_group:1")
	g2 := GroupScope("qq_group:2")

	assert.Equal(t, []Scope{g2}, RemoveScope([]Scope{g1, g2}, g1))
	assert.Equal(t, []Scope{g1, g2}, RemoveScope([]Scope{g1, g2}, GroupScope("qq_group:3")))
	assert.Empty(t, RemoveScope([]Scope{g1}, g1))
}

func TestScopeStrings_RoundTrip(t *testing.T) {
	scopes := []Scope{GlobalScope(), GroupScope("telegram:5")}
	assert.Equal(t, scopes, ParseScopes(ScopeStrings(scopes)))
}
