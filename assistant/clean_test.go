package assistant

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "x = 2", "x = 2"},
		{"inline math", `Answer: \(x^2 - 1\)`, "Answer: x^2 - 1"},
		{"display math", "\\[ a + b \\]", "a + b"},
		{"code fence", "```\nprint(1)\n```", "print(1)"},
		{"tagged code fence", "```python\nprint(1)\n```", "print(1)"},
		{"trailing space", "a  \nb", "a\nb"},
		{"blank lines", "a\n\n\n\nb", "a\n\nb"},
		{"fence leaves no gap", "a\n\n```\n\nb", "a\n\nb"},
		{"surrounding space", "  \n ok \n", "ok"},
		{"plain parens kept", "f(x) = [1, 2]", "f(x) = [1, 2]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.in))
		})
	}
}

func TestRulesAreNamed(t *testing.T) {
	seen := map[string]bool{}
	for _, r := range Rules {
		assert.NotEmpty(t, r.Name)
		assert.False(t, seen[r.Name], "duplicate rule %q", r.Name)
		seen[r.Name] = true
	}
}
