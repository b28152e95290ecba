// Package codeparser implements a minimal, regex-based collab.CodeParser
// collaborator. It is deliberately not a full language parser — the spec
// treats CodeUnit extraction as an external collaborator's job, and this
// default implementation exists so the daemon has something to walk
// source trees with out of the box for the languages Tracey's own code
// references exercise (Go, Rust).
package codeparser

import (
	"regexp"
	"strings"

	"github.com/traceyhq/tracey/internal/tracey/collab"
)

// Default dispatches extraction by file extension.
type Default struct{}

// New returns a Default CodeParser.
func New() *Default { return &Default{} }

type rule struct {
	re   *regexp.Regexp
	kind collab.UnitKind
	name int // submatch index holding the unit name, or -1
}

var goRules = []rule{
	{regexp.MustCompile(`^func\s+(?:\([^)]*\)\s+)?([A-Za-z_][A-Za-z0-9_]*)\s*\(`), collab.Function, 1},
	{regexp.MustCompile(`^type\s+([A-Za-z_][A-Za-z0-9_]*)\s+struct\b`), collab.Struct, 1},
	{regexp.MustCompile(`^type\s+([A-Za-z_][A-Za-z0-9_]*)\s+interface\b`), collab.Trait, 1},
	{regexp.MustCompile(`^type\s+([A-Za-z_][A-Za-z0-9_]*)\s+=?\s*[A-Za-z\[\]*]`), collab.TypeAlias, 1},
	{regexp.MustCompile(`^const\s+([A-Za-z_][A-Za-z0-9_]*)`), collab.Const, 1},
	{regexp.MustCompile(`^var\s+([A-Za-z_][A-Za-z0-9_]*)`), collab.Static, 1},
}

var rustRules = []rule{
	{regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?fn\s+([A-Za-z_][A-Za-z0-9_]*)`), collab.Function, 1},
	{regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?struct\s+([A-Za-z_][A-Za-z0-9_]*)`), collab.Struct, 1},
	{regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?enum\s+([A-Za-z_][A-Za-z0-9_]*)`), collab.Enum, 1},
	{regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?trait\s+([A-Za-z_][A-Za-z0-9_]*)`), collab.Trait, 1},
	{regexp.MustCompile(`^\s*impl(?:<[^>]*>)?\s+(?:[A-Za-z_][A-Za-z0-9_:<>]*\s+for\s+)?([A-Za-z_][A-Za-z0-9_:<>]*)`), collab.Impl, 1},
	{regexp.MustCompile(`^\s*mod\s+([A-Za-z_][A-Za-z0-9_]*)`), collab.Module, 1},
	{regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?const\s+([A-Za-z_][A-Za-z0-9_]*)`), collab.Const, 1},
	{regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?static\s+([A-Za-z_][A-Za-z0-9_]*)`), collab.Static, 1},
	{regexp.MustCompile(`^\s*macro_rules!\s*([A-Za-z_][A-Za-z0-9_]*)`), collab.Macro, 1},
}

// Extract finds (brace-nesting-aware) units in content, nested ones such as
// methods inside an impl block included.
func (d *Default) Extract(path, ext, content string) ([]collab.Unit, error) {
	var rules []rule
	switch ext {
	case ".go":
		rules = goRules
	case ".rs":
		rules = rustRules
	default:
		return nil, nil
	}

	lines := strings.Split(content, "\n")
	var units []collab.Unit

	depth := 0
	// Stack of in-progress units awaiting a closing brace at their
	// opening depth.
	type open struct {
		unit    collab.Unit
		atDepth int
	}
	var stack []open

	for i, line := range lines {
		lineNo := i + 1
		trimmed := line

		for _, r := range rules {
			if m := r.re.FindStringSubmatch(trimmed); m != nil {
				name := ""
				if r.name >= 0 && r.name < len(m) {
					name = m[r.name]
				}
				u := collab.Unit{Kind: r.kind, Name: name, File: path, StartLine: lineNo, EndLine: lineNo}
				if strings.Contains(line, "{") {
					stack = append(stack, open{unit: u, atDepth: depth})
				} else {
					units = append(units, u)
				}
				break
			}
		}

		opens := strings.Count(line, "{")
		closes := strings.Count(line, "}")
		depth += opens
		depth -= closes

		for closes > 0 && len(stack) > 0 && stack[len(stack)-1].atDepth >= depth {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			top.unit.EndLine = lineNo
			units = append(units, top.unit)
			closes--
		}
	}

	// Any units whose closing brace was never found (malformed/truncated
	// source) still get reported, spanning to EOF.
	for _, o := range stack {
		o.unit.EndLine = len(lines)
		units = append(units, o.unit)
	}

	return units, nil
}
