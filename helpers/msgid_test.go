package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanMessageID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bracketed", "<abc@example.com>", "abc@example.com"},
		{"bare", "abc@example.com", "abc@example.com"},
		{"padded", "  <abc@example.com>  ", "abc@example.com"},
		{"empty", "", ""},
		{"whitespace only", "   ", ""},
		{"unbalanced open", "<abc@example.com", "abc@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanMessageID(tt.input))
		})
	}
}

func TestParseReferences(t *testing.T) {
	refs := ParseReferences("<a@x> <b@y>\r\n <c@z>")
	assert.Equal(t, []string{"a@x", "b@y", "c@z"}, refs)

	assert.Nil(t, ParseReferences("no brackets here"))
	assert.Nil(t, ParseReferences(""))
}

func TestLastReference(t *testing.T) {
	assert.Equal(t, "c@z", LastReference("<a@x> <b@y> <c@z>"))
	assert.Equal(t, "", LastReference(""))
}
