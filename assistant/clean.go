package assistant

import (
	"regexp"
	"strings"
)

// Rule is one substitution applied by Clean.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Replace string
}

// Rules is the ordered table Clean applies. Order matters: code fences go
// before blank-line collapsing so a removed fence does not leave a gap.
var Rules = []Rule{
	{Name: "inline-math-open", Pattern: regexp.MustCompile(`\\\(`)},
	{Name: "inline-math-close", Pattern: regexp.MustCompile(`\\\)`)},
	{Name: "display-math-open", Pattern: regexp.MustCompile(`\\\[`)},
	{Name: "display-math-close", Pattern: regexp.MustCompile(`\\\]`)},
	{Name: "code-fence", Pattern: regexp.MustCompile("```[a-zA-Z0-9_+-]*")},
	{Name: "trailing-space", Pattern: regexp.MustCompile(`[ \t]+\n`), Replace: "\n"},
	{Name: "blank-lines", Pattern: regexp.MustCompile(`\n{3,}`), Replace: "\n\n"},
}

// Clean strips LaTeX delimiters and code fences from a model answer.
func Clean(s string) string {
	for _, r := range Rules {
		s = r.Pattern.ReplaceAllString(s, r.Replace)
	}
	return strings.TrimSpace(s)
}
