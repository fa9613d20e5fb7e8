package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalAddress(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"alice@example.com", "alice@example.com"},
		{"Alice@Example.COM", "alice@example.com"},
		{"Alice Smith <Alice@Example.com>", "alice@example.com"},
		{"  bob@example.com  ", "bob@example.com"},
		{"<carol@example.com>", "carol@example.com"},
		{"no address here", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanonicalAddress(tt.input), "input %q", tt.input)
	}
}
