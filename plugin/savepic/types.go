// Package savepic implements the picture-store commands: saving named
// pictures into group or global scope, retrieving them by name, keyword,
// regex or similarity, and managing the catalog. The package is
// platform-neutral; chat platforms plug in under channels/.
package savepic

import "github.com/yan-zero/savepic/store"

// SaveRequest saves a picture under a name.
type SaveRequest struct {
	// Name is the raw user-supplied picture name; it is sanitized before use.
	Name string

	// Image is the picture bytes.
	Image []byte

	// Chat is the scope of the chat the command came from.
	Chat store.Scope

	// Caller is the platform-qualified user ID of the requester.
	Caller string

	// WantGlobal requests the global scope. Non-admins are silently
	// downgraded to the chat scope with a warning in the reply.
	WantGlobal bool

	// AllowCollision skips the near-duplicate rejection.
	AllowCollision bool
}

// DeleteRequest deletes a picture from one scope.
type DeleteRequest struct {
	Name       string
	Chat       store.Scope
	Caller     string
	WantGlobal bool
}

// RenameRequest renames a picture and/or moves it between scopes.
type RenameRequest struct {
	OldName string
	NewName string
	Chat    store.Scope
	Caller  string

	// SrcGlobal addresses the global copy instead of the chat-scoped one.
	SrcGlobal bool

	// DstGlobal moves the picture into the global scope. Admin only.
	DstGlobal bool
}

// RandomRequest picks a random picture by keyword, falling back to
// similarity search when nothing matches the keyword directly.
type RandomRequest struct {
	Keyword string
	Chat    store.Scope
}

// ListRequest lists one page of picture names.
type ListRequest struct {
	Pattern string
	Chat    store.Scope
	Page    int
}

// Reply is a platform-neutral response: text, a picture, or both.
type Reply struct {
	Text      string
	Image     []byte
	ImageName string
}

func textReply(text string) *Reply {
	return &Reply{Text: text}
}
