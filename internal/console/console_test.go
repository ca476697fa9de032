package console

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorWithSuggestionsFormatsBulletList(t *testing.T) {
	out := ErrorWithSuggestions("undefined variable", []string{"did you mean agpm.project.name?"})
	assert.Contains(t, out, "undefined variable")
	assert.Contains(t, out, "• did you mean agpm.project.name?")
}

func TestErrorWithSuggestionsNoSuggestionsOmitsSection(t *testing.T) {
	out := ErrorWithSuggestions("boom", nil)
	assert.NotContains(t, out, "Suggestions")
}
