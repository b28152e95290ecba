// Package lexer scans source text for `prefix[verb rule.id]` reference
// markers inside line and block comments.
package lexer

import (
	"regexp"
	"strings"
)

// Verb classifies the relationship a reference expresses between a code
// location and a rule. Verb zero value (Impl) is also the default when the
// bracket body omits a verb token.
type Verb int

const (
	Impl Verb = iota
	Define
	Verify
	Depends
	Related
)

func (v Verb) String() string {
	switch v {
	case Define:
		return "define"
	case Verify:
		return "verify"
	case Depends:
		return "depends"
	case Related:
		return "related"
	default:
		return "impl"
	}
}

func parseVerb(s string) (Verb, bool) {
	switch s {
	case "define":
		return Define, true
	case "impl":
		return Impl, true
	case "verify":
		return Verify, true
	case "depends":
		return Depends, true
	case "related":
		return Related, true
	default:
		return 0, false
	}
}

// Span is a byte range within the scanned file content.
type Span struct {
	Offset int
	Length int
}

// Reference is one `prefix[verb rule.id]` occurrence found in a comment.
type Reference struct {
	Prefix string
	Verb   Verb
	RuleID string
	File   string
	Line   int
	Span   Span
}

// WarningKind enumerates lexer-level parse warnings. Unknown bracket
// contents are silently ignored per spec, so the lexer currently never
// emits warnings of its own; the type exists so callers (and tests) have a
// stable place to attach them if the grammar grows stricter.
type WarningKind int

// Warning describes a problem the lexer noticed but chose not to reject.
type Warning struct {
	File string
	Line int
	Span Span
	Kind WarningKind
}

// prefix: maximal run of [a-z0-9]+ immediately before '['.
// id: [a-z][a-z0-9.\-]*, must contain at least one '.', must not end with '.'.
var (
	prefixRunRE = regexp.MustCompile(`[a-z0-9]+$`)
	bracketRE   = regexp.MustCompile(`\[([^\[\]]*)\]`)
	idRE        = regexp.MustCompile(`^[a-z][a-z0-9.\-]*(\+[0-9]+)?$`)
)

// Scan finds every comment region in content (line comments `//` to EOL,
// and block comments `/* ... */`, non-nestable) and extracts references
// from within them. References outside comments are not recognized.
func Scan(file, content string) ([]Reference, []Warning) {
	var refs []Reference
	var warns []Warning

	for _, region := range commentRegions(content) {
		regionRefs := scanRegion(file, content, region)
		refs = append(refs, regionRefs...)
	}

	return refs, warns
}

type region struct {
	start, end int // byte offsets, end exclusive
}

// commentRegions locates `//...\n` and `/* ... */` spans. It does not
// understand string literals, so a `//` or `/*` inside a string is
// (rarely, harmlessly) treated as a comment start — matching the spec's
// explicit non-goal of full language-aware parsing.
func commentRegions(content string) []region {
	var regions []region
	i := 0
	n := len(content)
	for i < n {
		if i+1 < n && content[i] == '/' && content[i+1] == '/' {
			j := strings.IndexByte(content[i:], '\n')
			end := n
			if j >= 0 {
				end = i + j
			}
			regions = append(regions, region{start: i, end: end})
			i = end
			continue
		}
		if i+1 < n && content[i] == '/' && content[i+1] == '*' {
			j := strings.Index(content[i+2:], "*/")
			end := n
			if j >= 0 {
				end = i + 2 + j + 2
			}
			regions = append(regions, region{start: i, end: end})
			i = end
			continue
		}
		i++
	}
	return regions
}

func scanRegion(file, content string, r region) []Reference {
	var refs []Reference
	text := content[r.start:r.end]

	matches := bracketRE.FindAllStringSubmatchIndex(text, -1)
	for _, m := range matches {
		openIdx := m[0]   // index of '[' within text
		closeIdx := m[1]  // index just past ']' within text
		bodyStart, bodyEnd := m[2], m[3]
		body := text[bodyStart:bodyEnd]

		prefix, ok := findPrefix(text, openIdx)
		if !ok {
			continue
		}

		verb, ruleID, ok := parseBody(body)
		if !ok {
			// Unknown first word: silently ignored per spec.
			continue
		}

		literalStart := openIdx - len(prefix)
		literalEnd := closeIdx
		absOffset := r.start + literalStart
		length := literalEnd - literalStart

		refs = append(refs, Reference{
			Prefix: prefix,
			Verb:   verb,
			RuleID: ruleID,
			File:   file,
			Line:   lineOf(content, absOffset),
			Span:   Span{Offset: absOffset, Length: length},
		})
	}

	return refs
}

// findPrefix looks for a maximal run of [a-z0-9]+ immediately preceding
// text[bracketIdx] (the '[' character).
func findPrefix(text string, bracketIdx int) (string, bool) {
	loc := prefixRunRE.FindStringIndex(text[:bracketIdx])
	if loc == nil {
		return "", false
	}
	if loc[1] != bracketIdx {
		return "", false
	}
	return text[loc[0]:loc[1]], true
}

// parseBody splits "verb id" or "id" and validates the id grammar.
func parseBody(body string) (Verb, string, bool) {
	fields := strings.Fields(body)
	switch len(fields) {
	case 1:
		if !validID(fields[0]) {
			return 0, "", false
		}
		return Impl, fields[0], true
	case 2:
		verb, ok := parseVerb(fields[0])
		if !ok {
			return 0, "", false
		}
		if !validID(fields[1]) {
			return 0, "", false
		}
		return verb, fields[1], true
	default:
		return 0, "", false
	}
}

func validID(s string) bool {
	if !idRE.MatchString(s) {
		return false
	}
	base := s
	if i := strings.LastIndexByte(s, '+'); i >= 0 {
		base = s[:i]
	}
	if strings.HasSuffix(base, ".") {
		return false
	}
	return strings.Contains(base, ".")
}

// lineOf returns the 1-indexed line number containing byte offset off.
func lineOf(content string, off int) int {
	line := 1
	for i := 0; i < off && i < len(content); i++ {
		if content[i] == '\n' {
			line++
		}
	}
	return line
}
