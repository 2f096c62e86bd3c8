package savepic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain name gets jpg", "cat", "cat.jpg"},
		{"jpg kept", "cat.jpg", "cat.jpg"},
		{"png kept", "cat.png", "cat.png"},
		{"gif kept", "cat.gif", "cat.gif"},
		{"other extension gets jpg", "cat.webp", "cat.webp.jpg"},
		{"path separators replaced", `a/b\c`, "a-b-c.jpg"},
		{"punctuation replaced", `a:b*c?d"e<f>g|h`, "a-b-c-d-e-f-g-h.jpg"},
		{"spaces kept", "my cat", "my cat.jpg"},
		{"surrounding whitespace trimmed", "  cat  ", "cat.jpg"},
		{"empty", "", ""},
		{"whitespace only", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.in))
		})
	}
}
