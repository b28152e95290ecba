package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/spf13/afero"

	"github.com/traceyhq/tracey/internal/tracey/collab"
	"github.com/traceyhq/tracey/internal/tracey/config"
	"github.com/traceyhq/tracey/internal/tracey/lexer"
	"github.com/traceyhq/tracey/internal/tracey/ruleid"
	"github.com/traceyhq/tracey/internal/tracey/searchindex"
	"github.com/traceyhq/tracey/internal/tracey/vfs"
)

const errWalkGlob = "failed to walk include globs"

// Input is everything the Builder needs to produce one Snapshot. It is a
// pure function of these fields: same Input in, same Snapshot out (modulo
// BuiltAt/Elapsed/Version bookkeeping).
type Input struct {
	Fs      afero.Fs
	Root    string
	Config  *config.Config
	Version uint64

	// ConfigError, when non-empty, is the message the Engine recorded
	// after a failed config reload; the Builder runs against the prior
	// (retained) Config but still surfaces the error on the Snapshot.
	ConfigError string

	// Overlay is a point-in-time copy (vfs.Overlay.Snapshot) so the
	// Builder never observes a half-applied mutation.
	Overlay map[string]string

	// Prior is the previous Snapshot, used for step 8's delta
	// computation. Nil on the first build.
	Prior *Snapshot

	SpecParser func(prefix string) collab.SpecParser
	CodeParser collab.CodeParser
	Gitignore  collab.GitignoreMatcher
}

// specState is the Builder's working set for one SpecConfig across all of
// its steps.
type specState struct {
	cfg        config.SpecConfig
	defsByBase map[string]RuleDefinition
	order      []string // base, in definition order, for deterministic iteration
}

// Build runs the 8-step pipeline documented in the traceability daemon's
// component design and returns a complete Snapshot.
func Build(in Input) (*Snapshot, error) {
	start := time.Now()

	reader := vfs.NewReader(in.Fs, in.Overlay)

	var diagnostics []Diagnostic
	knownPrefixes := make(map[string]bool, len(in.Config.Specs))
	for _, s := range in.Config.Specs {
		knownPrefixes[s.Prefix] = true
	}

	// Step 1: parse every spec's rule definitions.
	specs := make(map[string]*specState, len(in.Config.Specs))
	for _, sc := range in.Config.Specs {
		st := &specState{cfg: sc, defsByBase: map[string]RuleDefinition{}}
		parser := in.SpecParser(sc.Prefix)

		files, err := matchGlobs(in.Fs, in.Root, sc.Include, nil, in.Gitignore)
		if err != nil {
			return nil, errors.Wrap(err, errWalkGlob)
		}
		sort.Strings(files)

		for _, f := range files {
			content, rerr := reader.ReadFile(filepath.Join(in.Root, f))
			if rerr != nil {
				continue // unreadable file: treated as absent, not fatal
			}
			result, perr := parser.Parse(f, content)
			if perr != nil {
				continue
			}
			for _, rd := range result.Rules {
				id, idErr := ruleid.Parse(rd.ID)
				if idErr != nil {
					diagnostics = append(diagnostics, Diagnostic{
						Kind: InvalidNaming, Spec: sc.Name, File: f, Line: rd.SourceLine,
						Message: fmt.Sprintf("invalid rule id %q: %v", rd.ID, idErr),
					})
					continue
				}
				def := RuleDefinition{
					ID: id, RawMarkdown: rd.RawMarkdown, RenderedHTML: rd.RenderedHTML,
					SourceFile: f, SourceLine: rd.SourceLine, SourceColumn: rd.SourceColumn,
					MarkerSpan:   lexer.Span{Offset: rd.MarkerSpan.Offset, Length: rd.MarkerSpan.Length},
					SectionSlug:  rd.SectionSlug, SectionTitle: rd.SectionTitle,
					Metadata: rd.Metadata,
				}
				if existing, dup := st.defsByBase[id.Base]; dup {
					diagnostics = append(diagnostics, Diagnostic{
						Kind: DuplicateRequirement, Spec: sc.Name, File: f, Line: rd.SourceLine,
						Message: fmt.Sprintf("duplicate requirement base %q (also defined at %s:%d)", id.Base, existing.SourceFile, existing.SourceLine),
						RelatedRules: []string{existing.ID.String()},
					})
					continue
				}
				st.defsByBase[id.Base] = def
				st.order = append(st.order, id.Base)
			}
		}
		specs[sc.Name] = st
	}

	// fileScan holds one impl-scoped file's extracted units and raw refs,
	// kept around so step 4/5 don't need to re-walk or re-read files.
	type fileScan struct {
		path    string
		content string
		units   []CodeUnit
		refs    []lexer.Reference
		isTest  bool
	}

	rulesBySpecImpl := map[SpecImplKey][]ApiRule{}
	filesBySpecImpl := map[SpecImplKey][]ApiFileEntry{}
	unitsByFile := map[string][]CodeUnit{}
	testFiles := map[string]bool{}
	fileContents := map[string]string{}

	for _, sc := range in.Config.Specs {
		st := specs[sc.Name]

		for _, ic := range sc.Impls {
			key := SpecImplKey{Spec: sc.Name, Impl: ic.Name}

			files, err := matchGlobs(in.Fs, in.Root, ic.Include, ic.Exclude, in.Gitignore)
			if err != nil {
				return nil, errors.Wrap(err, errWalkGlob)
			}
			sort.Strings(files)

			var scans []fileScan
			for _, f := range files {
				abs := filepath.Join(in.Root, f)
				content, rerr := reader.ReadFile(abs)
				if rerr != nil {
					continue
				}
				isTest := matchesAny(f, ic.TestInclude)
				if isTest {
					testFiles[f] = true
				}

				ext := filepath.Ext(f)
				units, _ := in.CodeParser.Extract(f, ext, content)
				refs, _ := lexer.Scan(f, content)

				cus := make([]CodeUnit, len(units))
				for i, u := range units {
					cus[i] = CodeUnit{Kind: u.Kind, Name: u.Name, File: u.File, StartLine: u.StartLine, EndLine: u.EndLine}
				}

				// Step 3: attach references to owning units, inclusive of
				// nested sub-units, plus any immediately preceding
				// contiguous comment block.
				lines := strings.Split(content, "\n")
				attachRefs(cus, refs, lines)

				scans = append(scans, fileScan{path: f, content: content, units: cus, refs: refs, isTest: isTest})
				unitsByFile[f] = cus
				fileContents[f] = content
			}

			// Step 4 (forward index) + unknown-prefix / unknown-requirement
			// / impl-in-test diagnostics, scoped to this (spec, impl)'s
			// reference set.
			refsByBase := map[string][]Reference{}
			for _, sc2 := range scans {
				for _, r := range sc2.refs {
					ref := Reference{Prefix: r.Prefix, Verb: r.Verb, RawID: r.RuleID, File: r.File, Line: r.Line, Span: r.Span}
					id, idErr := ruleid.Parse(r.RuleID)
					if idErr == nil {
						ref.RuleID = id
					}

					if !knownPrefixes[r.Prefix] {
						diagnostics = append(diagnostics, Diagnostic{
							Kind: UnknownPrefix, Spec: sc.Name, File: sc2.path, Line: r.Line,
							Message: fmt.Sprintf("unknown reference prefix %q", r.Prefix),
						})
						continue
					}
					if r.Prefix != sc.Prefix {
						continue // belongs to another spec, validated there
					}
					if idErr != nil {
						diagnostics = append(diagnostics, Diagnostic{
							Kind: InvalidNaming, Spec: sc.Name, File: sc2.path, Line: r.Line,
							Message: fmt.Sprintf("invalid reference id %q: %v", r.RuleID, idErr),
						})
						continue
					}
					if r.Verb == lexer.Impl && sc2.isTest {
						diagnostics = append(diagnostics, Diagnostic{
							Kind: ImplInTestFile, Spec: sc.Name, File: sc2.path, Line: r.Line,
							Message: fmt.Sprintf("impl reference %q in test file", r.RuleID),
						})
						continue
					}
					refsByBase[id.Base] = append(refsByBase[id.Base], ref)
				}
			}

			var apiRules []ApiRule
			for _, base := range st.order {
				def := st.defsByBase[base]
				ar := ApiRule{ID: def.ID, Definition: def}
				for _, ref := range refsByBase[base] {
					switch ruleid.Classify(def.ID, ref.RuleID) {
					case ruleid.Exact:
						appendByVerb(&ar, ref)
					case ruleid.Stale:
						ar.IsStale = true
						diagnostics = append(diagnostics, Diagnostic{
							Kind: StaleRequirement, Spec: sc.Name, File: ref.File, Line: ref.Line,
							Message:      fmt.Sprintf("Reference '%s' is stale; current rule is '%s'", ref.RuleID, def.ID),
							RelatedRules: []string{def.ID.String()},
						})
					default: // NoMatch
						diagnostics = append(diagnostics, Diagnostic{
							Kind: UnknownRequirement, Spec: sc.Name, File: ref.File, Line: ref.Line,
							Message: fmt.Sprintf("reference to unknown requirement %q", ref.RuleID),
						})
					}
				}
				ar.IsCovered = len(ar.ImplRefs) > 0
				ar.IsVerified = ar.IsCovered && len(ar.VerifyRefs) > 0
				apiRules = append(apiRules, ar)
			}
			rulesBySpecImpl[key] = apiRules

			// References whose base was never defined anywhere in this spec
			// don't appear in st.order, so the loop above never visits them;
			// walk the leftover bases here so they still get flagged.
			unknownBases := make([]string, 0, len(refsByBase))
			for base := range refsByBase {
				if _, defined := st.defsByBase[base]; !defined {
					unknownBases = append(unknownBases, base)
				}
			}
			sort.Strings(unknownBases)
			for _, base := range unknownBases {
				for _, ref := range refsByBase[base] {
					diagnostics = append(diagnostics, Diagnostic{
						Kind: UnknownRequirement, Spec: sc.Name, File: ref.File, Line: ref.Line,
						Message: fmt.Sprintf("reference to unknown requirement %q", ref.RuleID),
					})
				}
			}

			// Step 5: reverse index.
			var entries []ApiFileEntry
			for _, sc2 := range scans {
				covered := 0
				for _, u := range sc2.units {
					if unitCovered(u, sc.Prefix, st.defsByBase) {
						covered++
					}
				}
				entries = append(entries, ApiFileEntry{
					Path: sc2.path, TotalUnits: len(sc2.units), CoveredUnits: covered, Units: sc2.units,
				})
			}
			filesBySpecImpl[key] = entries
		}
	}

	// Step 6 (continued): circular-dependency detection over Depends
	// edges, derived from units that both implement and depend on rules.
	diagnostics = append(diagnostics, detectCycles(unitsByFile, knownPrefixes)...)

	// Step 7: search index over rule text and source lines. Indexing
	// failures are not fatal: the error is dropped and the Snapshot gets a
	// nil SearchIndex, which just means `search` returns no results.
	searchIdx, sErr := buildSearchIndex(specs, fileContents)
	if sErr != nil {
		searchIdx = nil
	}

	snap := &Snapshot{
		Config:          in.Config,
		Version:         in.Version,
		BuiltAt:         start,
		ConfigError:     in.ConfigError,
		RulesBySpecImpl: rulesBySpecImpl,
		FilesBySpecImpl: filesBySpecImpl,
		UnitsByFile:     unitsByFile,
		TestFiles:       testFiles,
		Diagnostics:     diagnostics,
		SearchIndex:     searchIdx,
		rulesByID:       map[string]map[string]RuleDefinition{},
	}
	for name, st := range specs {
		snap.rulesByID[name] = st.defsByBase
	}

	// Step 8: delta vs prior.
	snap.DeltaFromPrior = computeDelta(in.Prior, snap)

	snap.Elapsed = time.Since(start)
	return snap, nil
}

func appendByVerb(ar *ApiRule, ref Reference) {
	switch ref.Verb {
	case lexer.Verify:
		ar.VerifyRefs = append(ar.VerifyRefs, ref)
	case lexer.Depends:
		ar.DependsRefs = append(ar.DependsRefs, ref)
	case lexer.Related:
		ar.RelatedRefs = append(ar.RelatedRefs, ref)
	case lexer.Define:
		// Define markers live in Markdown, not code; a stray code-side
		// Define reference is tracked as neither impl nor verify.
	default: // Impl
		ar.ImplRefs = append(ar.ImplRefs, ref)
	}
}

// unitCovered reports whether any reference attached to u is an Exact
// match against one of defsByBase — step 5's coverage definition.
func unitCovered(u CodeUnit, prefix string, defsByBase map[string]RuleDefinition) bool {
	for _, r := range u.RuleRefs {
		if r.Prefix != prefix || r.RuleID.Base == "" {
			continue
		}
		def, ok := defsByBase[r.RuleID.Base]
		if !ok {
			continue
		}
		if ruleid.Classify(def.ID, r.RuleID) == ruleid.Exact {
			return true
		}
	}
	return false
}

// attachRefs implements step 3: each unit collects references on its own
// lines, on lines of nested sub-units (inclusive attribution), and on a
// contiguous run of comment lines immediately preceding it.
func attachRefs(units []CodeUnit, refs []lexer.Reference, lines []string) {
	for i := range units {
		u := &units[i]
		precedingStart := u.StartLine
		for l := u.StartLine - 1; l >= 1; l-- {
			text := strings.TrimSpace(lines[l-1])
			if text == "" {
				break
			}
			if !strings.HasPrefix(text, "//") && !strings.HasPrefix(text, "/*") && !strings.HasPrefix(text, "*") {
				break
			}
			precedingStart = l
		}
		for _, r := range refs {
			if r.Line >= precedingStart && r.Line <= u.EndLine {
				id, _ := ruleid.Parse(r.RuleID)
				u.RuleRefs = append(u.RuleRefs, Reference{
					Prefix: r.Prefix, Verb: r.Verb, RuleID: id, RawID: r.RuleID,
					File: r.File, Line: r.Line, Span: r.Span,
				})
			}
		}
	}
}

// matchGlobs resolves include (minus exclude) doublestar patterns rooted
// at root, filtering anything the gitignore matcher excludes. Returned
// paths are root-relative, slash-separated.
func matchGlobs(fs afero.Fs, root string, include, exclude []string, gi collab.GitignoreMatcher) ([]string, error) {
	var out []string

	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable subtrees are skipped, not fatal
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if info.IsDir() {
			if gi != nil && gi.Matches(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if gi != nil && gi.Matches(rel, false) {
			return nil
		}
		if !matchesAny(rel, include) {
			return nil
		}
		if matchesAny(rel, exclude) {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func matchesAny(relPath string, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, relPath); ok {
			return true
		}
	}
	return false
}

// detectCycles performs a DFS over the rule-dependency graph formed by
// units that both implement/verify a rule and declare a Depends reference
// in the same unit: edge implemented-rule -> depended-on-rule.
func detectCycles(unitsByFile map[string][]CodeUnit, knownPrefixes map[string]bool) []Diagnostic {
	type node = string // "prefix:base"
	graph := map[node][]node{}

	for _, units := range unitsByFile {
		for _, u := range units {
			var impls, deps []node
			for _, r := range u.RuleRefs {
				if !knownPrefixes[r.Prefix] || r.RuleID.Base == "" {
					continue
				}
				key := r.Prefix + ":" + r.RuleID.Base
				switch r.Verb {
				case lexer.Impl, lexer.Verify:
					impls = append(impls, key)
				case lexer.Depends:
					deps = append(deps, key)
				}
			}
			for _, a := range impls {
				for _, b := range deps {
					if a == b {
						continue
					}
					graph[a] = append(graph[a], b)
				}
			}
		}
	}

	var diags []Diagnostic
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[node]int{}
	var stack []node
	reported := map[string]bool{}

	var visit func(n node) []node
	visit = func(n node) []node {
		color[n] = gray
		stack = append(stack, n)
		for _, m := range graph[n] {
			switch color[m] {
			case white:
				if cyc := visit(m); cyc != nil {
					return cyc
				}
			case gray:
				// Found the cycle: the portion of stack from m's first
				// occurrence to the top, closed back to m.
				idx := -1
				for i, s := range stack {
					if s == m {
						idx = i
						break
					}
				}
				cyc := append([]node{}, stack[idx:]...)
				cyc = append(cyc, m)
				return cyc
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}

	keys := make([]node, 0, len(graph))
	for k := range graph {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if color[k] != white {
			continue
		}
		stack = nil
		if cyc := visit(k); cyc != nil {
			sig := strings.Join(cyc, ">")
			if reported[sig] {
				continue
			}
			reported[sig] = true
			diags = append(diags, Diagnostic{Kind: CircularDependency, Message: fmt.Sprintf("circular dependency: %s", sig), Cycle: cyc})
		}
	}
	return diags
}

// buildSearchIndex assembles the C11 index from every spec's rule
// definitions plus every scanned file's lines.
func buildSearchIndex(specs map[string]*specState, fileContents map[string]string) (*searchindex.Index, error) {
	var texts []searchindex.RuleText
	for name, st := range specs {
		for _, base := range st.order {
			def := st.defsByBase[base]
			texts = append(texts, searchindex.RuleText{Spec: name, ID: def.ID.String(), Text: def.RawMarkdown})
		}
	}

	idx, err := searchindex.Build(texts)
	if err != nil {
		return nil, err
	}
	for path, content := range fileContents {
		if err := idx.IndexSourceLines(path, content); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// computeDelta is step 8: symmetric difference of the covered-rule set
// between consecutive snapshots, per (spec, impl).
func computeDelta(prior, cur *Snapshot) map[SpecImplKey]Delta {
	deltas := map[SpecImplKey]Delta{}
	priorCovered := map[SpecImplKey]map[string]ruleid.ID{}
	if prior != nil {
		for key, rules := range prior.RulesBySpecImpl {
			m := map[string]ruleid.ID{}
			for _, r := range rules {
				if r.IsCovered {
					m[r.ID.Base] = r.ID
				}
			}
			priorCovered[key] = m
		}
	}
	for key, rules := range cur.RulesBySpecImpl {
		curM := map[string]ruleid.ID{}
		for _, r := range rules {
			if r.IsCovered {
				curM[r.ID.Base] = r.ID
			}
		}
		prevM := priorCovered[key]
		var d Delta
		for base, id := range curM {
			if _, ok := prevM[base]; !ok {
				d.NewlyCovered = append(d.NewlyCovered, id)
			}
		}
		for base, id := range prevM {
			if _, ok := curM[base]; !ok {
				d.NewlyUncovered = append(d.NewlyUncovered, id)
			}
		}
		sort.Slice(d.NewlyCovered, func(i, j int) bool { return d.NewlyCovered[i].Base < d.NewlyCovered[j].Base })
		sort.Slice(d.NewlyUncovered, func(i, j int) bool { return d.NewlyUncovered[i].Base < d.NewlyUncovered[j].Base })
		deltas[key] = d
	}
	return deltas
}
