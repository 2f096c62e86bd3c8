package savepic

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yan-zero/savepic/store"
)

func TestResolveWriteScope(t *testing.T) {
	h := &Handler{profile: testProfile()}
	chat := store.GroupScope("telegram:-100")

	tests := []struct {
		name        string
		wantGlobal  bool
		caller      string
		wantScope   store.Scope
		wantWarning bool
	}{
		{"chat scope stays", false, "telegram:42", chat, false},
		{"admin gets global", true, adminID, store.GlobalScope(), false},
		{"non-admin downgraded", true, "telegram:42", chat, true},
		{"admin without flag stays local", false, adminID, chat, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope, warning := h.resolveWriteScope(chat, tt.wantGlobal, tt.caller)
			assert.Equal(t, tt.wantScope, scope)
			assert.Equal(t, tt.wantWarning, warning != "")
		})
	}
}
