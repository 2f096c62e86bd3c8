package savepic

import (
	"github.com/yan-zero/savepic/store"
)

const globalDowngradeWarning = "only bot admins can write the global scope; saved to this chat instead.\n"

// resolveWriteScope turns a command's scope request into the scope actually
// written. The global scope is admin-only: a non-admin asking for it is
// downgraded to the chat scope and the reply carries a warning. Reads never
// go through here; they always widen to {chat, global} via Scope.ReadFilter.
func (h *Handler) resolveWriteScope(chat store.Scope, wantGlobal bool, caller string) (store.Scope, string) {
	if !wantGlobal {
		return chat, ""
	}
	if h.profile.IsAdmin(caller) {
		return store.GlobalScope(), ""
	}
	return chat, globalDowngradeWarning
}
