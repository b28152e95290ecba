// LSP-family operations (spec.md §4.7's "LSP family" row). Reference
// resolution is line-based: a `prefix[verb id]` marker is lexed as
// occupying one source line, so a cursor position resolves to a marker by
// matching its Line field, the same granularity the teacher's own xpls
// handler.go uses for publishDiagnostics ranges.
package service

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sourcegraph/go-lsp"

	"github.com/traceyhq/tracey/internal/tracey/config"
	"github.com/traceyhq/tracey/internal/tracey/ruleid"
	"github.com/traceyhq/tracey/internal/tracey/snapshot"
)

// refAtPosition returns the reference on the given file whose Line matches
// pos.Line (0-indexed, LSP convention), if any.
func refAtPosition(snap *snapshot.Snapshot, path string, pos lsp.Position) (snapshot.Reference, bool) {
	for _, u := range snap.UnitsByFile[path] {
		for _, r := range u.RuleRefs {
			if r.Line == pos.Line+1 {
				return r, true
			}
		}
	}
	return snapshot.Reference{}, false
}

func lineRange(line int) lsp.Range {
	return lsp.Range{
		Start: lsp.Position{Line: line - 1, Character: 0},
		End:   lsp.Position{Line: line - 1, Character: 1 << 20},
	}
}

// Hover implements textDocument/hover: hovering a reference shows the
// target rule's rendered text.
func (s *Service) Hover(spec, path string, pos lsp.Position) (*lsp.Hover, error) {
	snap := s.eng.Current()
	ref, ok := refAtPosition(snap, path, pos)
	if !ok {
		return nil, nil
	}
	specName, err := defaultSpecName(snap, spec)
	if err != nil {
		return nil, err
	}
	def, ok := snap.RuleDefinitionByBase(specName, ref.RuleID.Base)
	if !ok {
		return &lsp.Hover{Contents: []lsp.MarkedString{lsp.RawMarkedString(fmt.Sprintf("unknown requirement %q", ref.RawID))}}, nil
	}
	r := lineRange(ref.Line)
	return &lsp.Hover{
		Contents: []lsp.MarkedString{lsp.RawMarkedString(def.RawMarkdown)},
		Range:    &r,
	}, nil
}

// Definition implements textDocument/definition: jumps to the rule's
// Markdown source location.
func (s *Service) Definition(spec, path string, pos lsp.Position) ([]lsp.Location, error) {
	snap := s.eng.Current()
	ref, ok := refAtPosition(snap, path, pos)
	if !ok {
		return nil, nil
	}
	specName, err := defaultSpecName(snap, spec)
	if err != nil {
		return nil, err
	}
	def, ok := snap.RuleDefinitionByBase(specName, ref.RuleID.Base)
	if !ok {
		return nil, nil
	}
	return []lsp.Location{{
		URI:   lsp.DocumentURI("file://" + def.SourceFile),
		Range: lineRange(def.SourceLine),
	}}, nil
}

// Implementation implements textDocument/implementation: from a rule
// definition (or any reference to it), lists every Impl reference.
func (s *Service) Implementation(spec, path string, pos lsp.Position) ([]lsp.Location, error) {
	base, specName, err := s.baseAtCursor(spec, path, pos)
	if err != nil || base == "" {
		return nil, err
	}
	var out []lsp.Location
	for key, rules := range s.eng.Current().RulesBySpecImpl {
		if key.Spec != specName {
			continue
		}
		for _, r := range rules {
			if r.ID.Base != base {
				continue
			}
			for _, ref := range r.ImplRefs {
				out = append(out, lsp.Location{URI: lsp.DocumentURI("file://" + ref.File), Range: lineRange(ref.Line)})
			}
		}
	}
	sortLocations(out)
	return out, nil
}

// References implements textDocument/references: every Impl, Verify,
// Depends, and Related reference to the rule under the cursor, plus
// (optionally) its definition.
func (s *Service) References(spec, path string, pos lsp.Position, includeDeclaration bool) ([]lsp.Location, error) {
	base, specName, err := s.baseAtCursor(spec, path, pos)
	if err != nil || base == "" {
		return nil, err
	}
	snap := s.eng.Current()

	var out []lsp.Location
	for key, rules := range snap.RulesBySpecImpl {
		if key.Spec != specName {
			continue
		}
		for _, r := range rules {
			if r.ID.Base != base {
				continue
			}
			for _, refs := range [][]snapshot.Reference{r.ImplRefs, r.VerifyRefs, r.DependsRefs, r.RelatedRefs} {
				for _, ref := range refs {
					out = append(out, lsp.Location{URI: lsp.DocumentURI("file://" + ref.File), Range: lineRange(ref.Line)})
				}
			}
			if includeDeclaration && r.Definition.SourceFile != "" {
				out = append(out, lsp.Location{URI: lsp.DocumentURI("file://" + r.Definition.SourceFile), Range: lineRange(r.Definition.SourceLine)})
			}
		}
	}
	sortLocations(out)
	return dedupeLocations(out), nil
}

// Completions implements textDocument/completion: every known rule id in
// the resolved spec, offered as a completion candidate.
func (s *Service) Completions(spec string) ([]lsp.CompletionItem, error) {
	snap := s.eng.Current()
	sc, err := snap.Config.DefaultSpec(spec)
	if err != nil {
		return nil, err
	}
	ic, err := config.DefaultImpl(sc, "")
	if err != nil {
		return nil, err
	}
	rules := snap.RulesBySpecImpl[snapshot.SpecImplKey{Spec: sc.Name, Impl: ic.Name}]

	items := make([]lsp.CompletionItem, 0, len(rules))
	for _, r := range rules {
		items = append(items, lsp.CompletionItem{
			Label: r.ID.String(), Kind: lsp.CIKText, Detail: r.Definition.SectionTitle,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Label < items[j].Label })
	return items, nil
}

// Diagnostics implements textDocument/publishDiagnostics for a single
// file: validation diagnostics whose File matches path.
func (s *Service) Diagnostics(path string) []lsp.Diagnostic {
	return s.diagnosticsMatching(func(d snapshot.Diagnostic) bool { return d.File == path })
}

// WorkspaceDiagnostics returns every diagnostic across the workspace.
func (s *Service) WorkspaceDiagnostics() []lsp.Diagnostic {
	return s.diagnosticsMatching(func(snapshot.Diagnostic) bool { return true })
}

func (s *Service) diagnosticsMatching(keep func(snapshot.Diagnostic) bool) []lsp.Diagnostic {
	snap := s.eng.Current()
	var out []lsp.Diagnostic
	for _, d := range snap.Diagnostics {
		if !keep(d) || d.Line == 0 {
			continue
		}
		sev := lsp.Warning
		if d.Kind == snapshot.UnknownRequirement || d.Kind == snapshot.CircularDependency {
			sev = lsp.Error
		}
		r := lineRange(d.Line)
		out = append(out, lsp.Diagnostic{Range: r, Severity: sev, Source: "tracey", Message: d.Message})
	}
	return out
}

// DocumentSymbols implements textDocument/documentSymbol: one symbol per
// code unit in the file.
func (s *Service) DocumentSymbols(path string) []lsp.SymbolInformation {
	snap := s.eng.Current()
	units := snap.UnitsByFile[path]
	out := make([]lsp.SymbolInformation, 0, len(units))
	for _, u := range units {
		out = append(out, lsp.SymbolInformation{
			Name: u.Name, Kind: unitSymbolKind(u.Kind.String()),
			Location: lsp.Location{URI: lsp.DocumentURI("file://" + u.File), Range: unitRange(u)},
		})
	}
	return out
}

// WorkspaceSymbols implements workspace/symbol: every code unit across
// every indexed file, optionally filtered by a name substring.
func (s *Service) WorkspaceSymbols(query string) []lsp.SymbolInformation {
	snap := s.eng.Current()
	var out []lsp.SymbolInformation
	for _, units := range snap.UnitsByFile {
		for _, u := range units {
			if query != "" && !containsFold(u.Name, query) {
				continue
			}
			out = append(out, lsp.SymbolInformation{
				Name: u.Name, Kind: unitSymbolKind(u.Kind.String()),
				Location: lsp.Location{URI: lsp.DocumentURI("file://" + u.File), Range: unitRange(u)},
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SemanticToken is one classified span; Tracey only classifies the
// `prefix[verb id]` markers themselves (there is no general-purpose
// semantic analysis in scope), so this is a small, flat list rather than
// the relative-delta encoding the full LSP 3.16 semantic-tokens wire
// format uses (sourcegraph/go-lsp predates that extension).
type SemanticToken struct {
	Line      int
	StartChar int
	Length    int
	TokenType string
}

// SemanticTokens implements textDocument/semanticTokens/full.
func (s *Service) SemanticTokens(path string) []SemanticToken {
	snap := s.eng.Current()
	var out []SemanticToken
	for _, u := range snap.UnitsByFile[path] {
		for _, r := range u.RuleRefs {
			out = append(out, SemanticToken{Line: r.Line - 1, StartChar: r.Span.Offset, Length: r.Span.Length, TokenType: r.Verb.String()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Line < out[j].Line })
	return out
}

// InlayHint is a label anchored at a position; Tracey surfaces each
// reference's coverage state (e.g. "stale -> rule+2") the way an editor
// plugin would want to render it inline.
type InlayHint struct {
	Position lsp.Position
	Label    string
}

// InlayHints implements textDocument/inlayHint for the given file.
func (s *Service) InlayHints(spec, path string) ([]InlayHint, error) {
	snap := s.eng.Current()
	specName, err := defaultSpecName(snap, spec)
	if err != nil {
		return nil, err
	}
	var out []InlayHint
	for _, u := range snap.UnitsByFile[path] {
		for _, r := range u.RuleRefs {
			def, ok := snap.RuleDefinitionByBase(specName, r.RuleID.Base)
			label := "ok"
			if !ok {
				label = "unknown"
			} else if ruleid.Classify(def.ID, r.RuleID) == ruleid.Stale {
				label = "stale -> " + def.ID.String()
			}
			out = append(out, InlayHint{Position: lsp.Position{Line: r.Line - 1, Character: 0}, Label: label})
		}
	}
	return out, nil
}

// CodeAction implements textDocument/codeAction: offers a quick-fix
// Command for every diagnostic overlapping the requested range.
func (s *Service) CodeAction(path string, rng lsp.Range) []lsp.Command {
	snap := s.eng.Current()
	var out []lsp.Command
	for _, d := range snap.Diagnostics {
		if d.File != path || d.Line == 0 {
			continue
		}
		if d.Line-1 < rng.Start.Line || d.Line-1 > rng.End.Line {
			continue
		}
		switch d.Kind {
		case snapshot.StaleRequirement:
			out = append(out, lsp.Command{Title: "Update reference to current rule version", Command: "tracey.fixStale", Arguments: []interface{}{path, d.Line}})
		case snapshot.UnknownRequirement:
			out = append(out, lsp.Command{Title: "Remove reference to unknown requirement", Command: "tracey.removeRef", Arguments: []interface{}{path, d.Line}})
		}
	}
	return out
}

// CodeLens implements textDocument/codeLens: one lens per rule reference
// reporting its classification.
func (s *Service) CodeLens(spec, path string) ([]lsp.CodeLens, error) {
	snap := s.eng.Current()
	specName, err := defaultSpecName(snap, spec)
	if err != nil {
		return nil, err
	}
	var out []lsp.CodeLens
	for _, u := range snap.UnitsByFile[path] {
		for _, r := range u.RuleRefs {
			title := "unknown requirement"
			if def, ok := snap.RuleDefinitionByBase(specName, r.RuleID.Base); ok {
				title = ruleid.Classify(def.ID, r.RuleID).String()
			}
			out = append(out, lsp.CodeLens{
				Range:   lineRange(r.Line),
				Command: &lsp.Command{Title: title, Command: "tracey.showRule", Arguments: []interface{}{r.RawID}},
			})
		}
	}
	return out, nil
}

// PrepareRename implements textDocument/prepareRename: only positions on a
// reference marker (not arbitrary code) may be renamed.
func (s *Service) PrepareRename(path string, pos lsp.Position) (*lsp.Range, error) {
	snap := s.eng.Current()
	ref, ok := refAtPosition(snap, path, pos)
	if !ok {
		return nil, nil
	}
	r := lineRange(ref.Line)
	return &r, nil
}

// Rename implements textDocument/rename: every reference to the rule
// (across every impl of the resolved spec and the definition itself) is rewritten to
// newID, expressed as a WorkspaceEdit.
func (s *Service) Rename(spec, path string, pos lsp.Position, newID string) (*lsp.WorkspaceEdit, error) {
	base, specName, err := s.baseAtCursor(spec, path, pos)
	if err != nil || base == "" {
		return nil, err
	}
	snap := s.eng.Current()

	edits := map[lsp.DocumentURI][]lsp.TextEdit{}
	addEdit := func(file string, line int, oldID string) {
		uri := lsp.DocumentURI("file://" + file)
		edits[uri] = append(edits[uri], lsp.TextEdit{Range: lineRange(line), NewText: newID})
		_ = oldID
	}

	for key, rules := range snap.RulesBySpecImpl {
		if key.Spec != specName {
			continue
		}
		for _, r := range rules {
			if r.ID.Base != base {
				continue
			}
			if r.Definition.SourceFile != "" {
				addEdit(r.Definition.SourceFile, r.Definition.SourceLine, r.ID.String())
			}
			for _, refs := range [][]snapshot.Reference{r.ImplRefs, r.VerifyRefs, r.DependsRefs, r.RelatedRefs} {
				for _, ref := range refs {
					addEdit(ref.File, ref.Line, ref.RawID)
				}
			}
		}
	}
	return &lsp.WorkspaceEdit{Changes: edits}, nil
}

// baseAtCursor resolves the rule base id referenced at a cursor position,
// accepting either a reference marker or a rule definition's own line.
func (s *Service) baseAtCursor(spec, path string, pos lsp.Position) (base, specName string, err error) {
	snap := s.eng.Current()
	specName, err = defaultSpecName(snap, spec)
	if err != nil {
		return "", "", err
	}
	if ref, ok := refAtPosition(snap, path, pos); ok {
		return ref.RuleID.Base, specName, nil
	}
	for _, byBase := range snap.RulesBySpecImpl {
		for _, r := range byBase {
			if r.Definition.SourceFile == path && r.Definition.SourceLine == pos.Line+1 {
				return r.ID.Base, specName, nil
			}
		}
	}
	return "", specName, nil
}

func defaultSpecName(snap *snapshot.Snapshot, spec string) (string, error) {
	sc, err := snap.Config.DefaultSpec(spec)
	if err != nil {
		return "", err
	}
	return sc.Name, nil
}

func unitRange(u snapshot.CodeUnit) lsp.Range {
	return lsp.Range{Start: lsp.Position{Line: u.StartLine - 1}, End: lsp.Position{Line: u.EndLine - 1}}
}

func unitSymbolKind(kind string) lsp.SymbolKind {
	switch kind {
	case "Function":
		return lsp.SKFunction
	case "Struct":
		return lsp.SKClass
	case "Enum":
		return lsp.SKEnum
	case "Trait":
		return lsp.SKInterface
	case "Module":
		return lsp.SKModule
	case "Const":
		return lsp.SKConstant
	default:
		return lsp.SKVariable
	}
}

func sortLocations(locs []lsp.Location) {
	sort.Slice(locs, func(i, j int) bool {
		if locs[i].URI != locs[j].URI {
			return locs[i].URI < locs[j].URI
		}
		return locs[i].Range.Start.Line < locs[j].Range.Start.Line
	})
}

func dedupeLocations(locs []lsp.Location) []lsp.Location {
	out := locs[:0]
	var prev lsp.Location
	for i, l := range locs {
		if i > 0 && l == prev {
			continue
		}
		out = append(out, l)
		prev = l
	}
	return out
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
