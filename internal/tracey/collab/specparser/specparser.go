// Package specparser implements the collab.SpecParser collaborator: it
// extracts rule definitions (`prefix[id]` on their own line) and a section
// outline from Markdown, rendering each rule's surrounding text to HTML
// with blackfriday.
package specparser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"

	"github.com/traceyhq/tracey/internal/tracey/collab"
)

// definitionRE matches a bracketed rule id occupying its own line, with a
// required leading prefix immediately before '[' — the same id grammar the
// lexer uses, but without a verb (definitions are bare `prefix[id]`).
var (
	definitionRE = regexp.MustCompile(`^\s*([a-z0-9]+)\[([a-z][a-z0-9.\-]*(?:\+[0-9]+)?)\]\s*$`)
	headingRE    = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
)

// Default is blackfriday-backed SpecParser implementation, scoped to a
// single spec's configured prefix so it only recognizes definitions that
// belong to that spec.
type Default struct {
	Prefix string
}

// New returns a Default SpecParser recognizing definitions for prefix.
func New(prefix string) *Default {
	return &Default{Prefix: prefix}
}

// Parse extracts rule definitions and the section outline from markdown.
func (d *Default) Parse(path, markdown string) (collab.SpecParseResult, error) {
	lines := strings.Split(markdown, "\n")

	var result collab.SpecParseResult
	var section struct {
		slug  string
		title string
	}

	offset := 0
	for i, line := range lines {
		lineNo := i + 1

		if m := headingRE.FindStringSubmatch(line); m != nil {
			section.title = strings.TrimSpace(m[2])
			section.slug = slugify(section.title)
			result.Outline = append(result.Outline, collab.OutlineEntry{
				Slug:  section.slug,
				Title: section.title,
				Level: len(m[1]),
			})
		}

		if m := definitionRE.FindStringSubmatch(line); m != nil && m[1] == d.Prefix {
			id := m[2]
			// The rule's raw text is the remainder of the paragraph: scan
			// forward until a blank line or the next definition/heading.
			raw := collectParagraph(lines, i+1)
			html := string(blackfriday.Run([]byte(raw)))

			col := strings.Index(line, m[1]+"[") + 1
			result.Rules = append(result.Rules, collab.RuleDef{
				ID:           id,
				RawMarkdown:  raw,
				RenderedHTML: html,
				SourceLine:   lineNo,
				SourceColumn: col,
				MarkerSpan: collab.RuleSpan{
					Offset: offset + strings.Index(line, m[1]+"["),
					Length: len(m[1]) + len(m[2]) + 2,
					Line:   lineNo,
					Column: col,
				},
				SectionSlug:  section.slug,
				SectionTitle: section.title,
				Metadata:     map[string]string{},
			})
		}

		offset += len(line) + 1
	}

	return result, nil
}

func collectParagraph(lines []string, start int) string {
	var sb strings.Builder
	for i := start; i < len(lines); i++ {
		l := lines[i]
		if strings.TrimSpace(l) == "" {
			break
		}
		if definitionRE.MatchString(l) || headingRE.MatchString(l) {
			break
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(l)
	}
	return sb.String()
}

var slugPunct = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(title string) string {
	s := strings.ToLower(title)
	s = slugPunct.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return fmt.Sprintf("section-%d", len(title))
	}
	return s
}
