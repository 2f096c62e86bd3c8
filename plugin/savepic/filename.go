package savepic

import (
	"strings"
)

// filenameReplacer maps characters that are unsafe in picture names (path
// separators and shell-hostile punctuation) to a hyphen.
var filenameReplacer = strings.NewReplacer(
	`\`, "-",
	`/`, "-",
	`:`, "-",
	`*`, "-",
	`?`, "-",
	`"`, "-",
	`<`, "-",
	`>`, "-",
	`|`, "-",
)

// imageExtensions are the extensions accepted as-is; anything else gets
// ".jpg" appended so "cat" and "cat.jpg" address the same picture.
var imageExtensions = []string{".jpg", ".png", ".gif"}

// SanitizeFilename normalizes a user-supplied picture name: unsafe
// characters become hyphens and a missing image extension defaults to .jpg.
func SanitizeFilename(name string) string {
	name = filenameReplacer.Replace(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	for _, ext := range imageExtensions {
		if strings.HasSuffix(name, ext) {
			return name
		}
	}
	return name + ".jpg"
}
