// Package highlight implements the collab.Highlighter collaborator using
// chroma, the same syntax-highlighting library the teacher imports
// directly in cmd/up/trace/app.go.
package highlight

import (
	"strings"

	"github.com/alecthomas/chroma/formatters/html"
	"github.com/alecthomas/chroma/lexers"
	"github.com/alecthomas/chroma/styles"
)

// Chroma renders source to HTML via a chroma lexer and HTML formatter, with a
// fixed style so output is deterministic for snapshot/query tests.
type Chroma struct {
	Style string
}

// New returns a Chroma highlighter using the "github" style, matching the
// light background the dashboard UI (out of scope here) expects.
func New() *Chroma {
	return &Chroma{Style: "github"}
}

// Render renders source as HTML, guessing the lexer from language (a
// chroma lexer name or a file extension like ".go").
func (c *Chroma) Render(language, source string) (string, error) {
	lexer := lexers.Get(strings.TrimPrefix(language, "."))
	if lexer == nil {
		lexer = lexers.Fallback
	}

	style := styles.Get(c.Style)
	if style == nil {
		style = styles.Fallback
	}

	formatter := html.New(html.WithClasses(true), html.TabWidth(4))

	it, err := lexer.Tokenise(nil, source)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if err := formatter.Format(&sb, style, it); err != nil {
		return "", err
	}
	return sb.String(), nil
}
