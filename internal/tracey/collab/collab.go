// Package collab defines the capability interfaces Tracey consumes but
// does not itself specify: Markdown rule extraction, code-unit extraction,
// syntax highlighting, and gitignore matching. Each has a concrete default
// implementation in a sibling package.
package collab

// RuleSpan is a byte range plus 1-indexed line/column within a Markdown
// source file.
type RuleSpan struct {
	Offset int
	Length int
	Line   int
	Column int
}

// RuleDef is one requirement definition extracted from Markdown.
type RuleDef struct {
	ID           string // canonical id text as written, e.g. "auth.login" or "auth.login+2"
	RawMarkdown  string
	RenderedHTML string
	SourceLine   int
	SourceColumn int
	MarkerSpan   RuleSpan
	SectionSlug  string
	SectionTitle string
	Metadata     map[string]string
}

// OutlineEntry describes one heading in a rendered spec, used by
// spec_content's outline.
type OutlineEntry struct {
	Slug  string
	Title string
	Level int
}

// SpecParseResult is everything a SpecParser extracts from one Markdown
// file.
type SpecParseResult struct {
	Rules   []RuleDef
	Outline []OutlineEntry
}

// SpecParser extracts rule definitions and section structure from
// Markdown. This is a collaborator per spec.md §1 — Tracey only consumes
// its output.
type SpecParser interface {
	Parse(path, markdown string) (SpecParseResult, error)
}

// UnitKind enumerates the code-construct kinds a CodeParser can report.
type UnitKind int

const (
	Function UnitKind = iota
	Struct
	Enum
	Trait
	Impl
	Module
	Const
	Static
	TypeAlias
	Macro
)

func (k UnitKind) String() string {
	switch k {
	case Function:
		return "Function"
	case Struct:
		return "Struct"
	case Enum:
		return "Enum"
	case Trait:
		return "Trait"
	case Impl:
		return "Impl"
	case Module:
		return "Module"
	case Const:
		return "Const"
	case Static:
		return "Static"
	case TypeAlias:
		return "TypeAlias"
	case Macro:
		return "Macro"
	default:
		return "Unknown"
	}
}

// Unit is one code construct extracted from a source file, by line range.
type Unit struct {
	Kind      UnitKind
	Name      string // optional; empty for anonymous constructs
	File      string
	StartLine int // 1-indexed, inclusive
	EndLine   int // 1-indexed, inclusive
}

// CodeParser extracts CodeUnits from a source file by extension.
type CodeParser interface {
	// Extract returns the units found in content. ext is the file
	// extension including the leading dot (e.g. ".go").
	Extract(path, ext, content string) ([]Unit, error)
}

// Highlighter renders source text to HTML for a given language name (or
// file extension if the caller has no better hint).
type Highlighter interface {
	Render(language, source string) (string, error)
}

// GitignoreMatcher reports whether a path is excluded by the project's
// gitignore rules.
type GitignoreMatcher interface {
	Matches(path string, isDir bool) bool
}
