// Package service implements the RPC surface (spec.md §4.7): it resolves
// (spec, impl) defaults, reads the Engine's current Snapshot, and shapes
// query results into the DTOs the IPC listener marshals onto the wire.
// Every read takes the Engine's read lock through Current(); mutations go
// through the Engine so the Snapshot itself never changes underfoot.
package service

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/gobwas/glob"
	"github.com/spf13/afero"

	"github.com/traceyhq/tracey/internal/tracey/collab"
	"github.com/traceyhq/tracey/internal/tracey/config"
	"github.com/traceyhq/tracey/internal/tracey/engine"
	"github.com/traceyhq/tracey/internal/tracey/ruleid"
	"github.com/traceyhq/tracey/internal/tracey/searchindex"
	"github.com/traceyhq/tracey/internal/tracey/snapshot"
	"github.com/traceyhq/tracey/internal/tracey/watcher"
)

const (
	errNoSpecImpl    = "no such spec/impl pair"
	errHashMismatch  = "file contents changed since file_hash was read"
	errRangeBounds   = "start/end out of range for file content"
	errUnknownRuleID = "unknown rule id"
)

// Service is the stateless query/mutation layer over one Engine. It holds
// no data of its own beyond what it needs to resolve defaults and persist
// config edits; all coverage state is read fresh from engine.Current().
type Service struct {
	eng    *engine.Engine
	fs     afero.Fs
	root   string
	source config.Source
	hl     collab.Highlighter
	watch  *watcher.Watcher // may be nil (health reports watcher as inactive)

	shutdown chan struct{}
}

// New constructs a Service over the given Engine.
func New(eng *engine.Engine, fs afero.Fs, root string, source config.Source, hl collab.Highlighter, w *watcher.Watcher) *Service {
	return &Service{
		eng: eng, fs: fs, root: root, source: source, hl: hl, watch: w,
		shutdown: make(chan struct{}),
	}
}

// ShutdownRequested returns a channel closed when the shutdown RPC fires.
func (s *Service) ShutdownRequested() <-chan struct{} { return s.shutdown }

func (s *Service) resolve(spec, impl string) (snapshot.SpecImplKey, error) {
	cfg := s.eng.Current().Config
	sc, err := cfg.DefaultSpec(spec)
	if err != nil {
		return snapshot.SpecImplKey{}, errors.Wrap(err, errNoSpecImpl)
	}
	ic, err := config.DefaultImpl(sc, impl)
	if err != nil {
		return snapshot.SpecImplKey{}, errors.Wrap(err, errNoSpecImpl)
	}
	return snapshot.SpecImplKey{Spec: sc.Name, Impl: ic.Name}, nil
}

// StatusEntry is one (spec, impl) pair's coverage counts.
type StatusEntry struct {
	Spec     string
	Impl     string
	Total    int
	Covered  int
	Stale    int
	Verified int // covered AND has a Verify ref (supplemented feature #1)
}

// Status implements the `status` op.
func (s *Service) Status() []StatusEntry {
	snap := s.eng.Current()
	keys := sortedKeys(snap.RulesBySpecImpl)

	out := make([]StatusEntry, 0, len(keys))
	for _, key := range keys {
		rules := snap.RulesBySpecImpl[key]
		e := StatusEntry{Spec: key.Spec, Impl: key.Impl, Total: len(rules)}
		for _, r := range rules {
			if r.IsCovered {
				e.Covered++
			}
			if r.IsStale {
				e.Stale++
			}
			if r.IsVerified {
				e.Verified++
			}
		}
		out = append(out, e)
	}
	return out
}

// RuleSummary is one rule as surfaced by uncovered/untested/stale.
type RuleSummary struct {
	ID           string
	SectionSlug  string
	SectionTitle string
	SourceFile   string
	SourceLine   int
}

func summarize(r snapshot.ApiRule) RuleSummary {
	return RuleSummary{
		ID: r.ID.String(), SectionSlug: r.Definition.SectionSlug, SectionTitle: r.Definition.SectionTitle,
		SourceFile: r.Definition.SourceFile, SourceLine: r.Definition.SourceLine,
	}
}

// Uncovered implements the `uncovered` op: rules with no non-stale Impl
// ref, optionally filtered by an id-prefix glob.
func (s *Service) Uncovered(spec, impl, prefix string) ([]RuleSummary, error) {
	return s.filterRules(spec, impl, prefix, func(r snapshot.ApiRule) bool { return !r.IsCovered })
}

// Untested implements the `untested` op: rules with Impl but no Verify.
func (s *Service) Untested(spec, impl, prefix string) ([]RuleSummary, error) {
	return s.filterRules(spec, impl, prefix, func(r snapshot.ApiRule) bool {
		return r.IsCovered && len(r.VerifyRefs) == 0
	})
}

// StaleRef is one reference classified Stale, paired with the rule's
// current canonical id.
type StaleRef struct {
	File      string
	Line      int
	RawID     string
	CurrentID string
}

// Stale implements the `stale` op by re-deriving staleness from the
// diagnostics collected at build time (the Builder is the single source
// of truth for the stale classification).
func (s *Service) Stale(spec, impl string) ([]StaleRef, error) {
	key, err := s.resolve(spec, impl)
	if err != nil {
		return nil, err
	}
	snap := s.eng.Current()
	var out []StaleRef
	for _, d := range snap.Diagnostics {
		if d.Kind != snapshot.StaleRequirement || d.Spec != key.Spec {
			continue
		}
		current := ""
		if len(d.RelatedRules) > 0 {
			current = d.RelatedRules[0]
		}
		out = append(out, StaleRef{File: d.File, Line: d.Line, RawID: extractRawID(d.Message), CurrentID: current})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out, nil
}

// extractRawID pulls the quoted reference id out of the Builder's
// StaleRequirement message ("Reference 'id' is stale; ...").
func extractRawID(msg string) string {
	i := strings.IndexByte(msg, '\'')
	if i < 0 {
		return ""
	}
	j := strings.IndexByte(msg[i+1:], '\'')
	if j < 0 {
		return ""
	}
	return msg[i+1 : i+1+j]
}

func (s *Service) filterRules(spec, impl, prefixFilter string, keep func(snapshot.ApiRule) bool) ([]RuleSummary, error) {
	key, err := s.resolve(spec, impl)
	if err != nil {
		return nil, err
	}
	g, gerr := compileGlob(prefixFilter)
	if gerr != nil {
		return nil, gerr
	}
	rules := s.eng.Current().RulesBySpecImpl[key]
	out := make([]RuleSummary, 0, len(rules))
	for _, r := range rules {
		if !keep(r) {
			continue
		}
		if g != nil && !g.Match(r.ID.Base) {
			continue
		}
		out = append(out, summarize(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SectionSlug != out[j].SectionSlug {
			return out[i].SectionSlug < out[j].SectionSlug
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UnitDetail is one uncovered code unit, with any related rule IDs pointed
// at it by a Related reference (supplemented feature #3).
type UnitDetail struct {
	Kind         string
	Name         string
	StartLine    int
	EndLine      int
	RelatedRules []string
}

// FileCoverage is `unmapped`'s per-file summary.
type FileCoverage struct {
	Path         string
	TotalUnits   int
	CoveredUnits int
	CoveragePct  float64
	Units        []UnitDetail // populated only when a specific path was requested
}

// Unmapped implements the `unmapped` op.
func (s *Service) Unmapped(spec, impl, path string) ([]FileCoverage, error) {
	key, err := s.resolve(spec, impl)
	if err != nil {
		return nil, err
	}
	snap := s.eng.Current()
	sc, err := snap.Config.DefaultSpec(key.Spec)
	if err != nil {
		return nil, err
	}
	entries := snap.FilesBySpecImpl[key]

	out := make([]FileCoverage, 0, len(entries))
	for _, e := range entries {
		if path != "" && e.Path != path {
			continue
		}
		pct := 100.0
		if e.TotalUnits > 0 {
			pct = 100 * float64(e.CoveredUnits) / float64(e.TotalUnits)
		}
		fc := FileCoverage{Path: e.Path, TotalUnits: e.TotalUnits, CoveredUnits: e.CoveredUnits, CoveragePct: pct}
		if path != "" {
			fc.Units = uncoveredUnitDetail(e.Units, sc.Prefix, snap, sc.Name)
		}
		out = append(out, fc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// uncoveredUnitDetail returns only the units with no Exact Impl ref,
// sorted by start line, each annotated with Related-reference rule ids.
func uncoveredUnitDetail(units []snapshot.CodeUnit, prefix string, snap *snapshot.Snapshot, specName string) []UnitDetail {
	var out []UnitDetail
	for _, u := range units {
		covered := false
		var related []string
		for _, r := range u.RuleRefs {
			if r.Prefix != prefix {
				continue
			}
			if r.Verb.String() == "impl" {
				if def, ok := snap.RuleDefinitionByBase(specName, r.RuleID.Base); ok && ruleid.Classify(def.ID, r.RuleID) == ruleid.Exact {
					covered = true
				}
			}
			if r.Verb.String() == "related" {
				related = append(related, r.RawID)
			}
		}
		if covered {
			continue
		}
		out = append(out, UnitDetail{Kind: u.Kind.String(), Name: u.Name, StartLine: u.StartLine, EndLine: u.EndLine, RelatedRules: related})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartLine < out[j].StartLine })
	return out
}

// RuleDetail is the `rule` op's result.
type RuleDetail struct {
	ID             string
	RawMarkdown    string
	RenderedHTML   string
	SourceFile     string
	SourceLine     int
	SectionSlug    string
	SectionTitle   string
	CoverageByImpl map[string]bool
	VersionNote    string // non-empty only when Version() > 1 (supplemented feature #2)
}

// Rule implements the `rule` op, looking a definition up by spec+base id.
func (s *Service) Rule(spec, id string) (RuleDetail, error) {
	rid, err := ruleid.Parse(id)
	if err != nil {
		return RuleDetail{}, errors.Wrap(err, errUnknownRuleID)
	}
	snap := s.eng.Current()
	specName := spec
	if specName == "" {
		sc, derr := snap.Config.DefaultSpec("")
		if derr != nil {
			return RuleDetail{}, derr
		}
		specName = sc.Name
	}
	def, ok := snap.RuleDefinitionByBase(specName, rid.Base)
	if !ok {
		return RuleDetail{}, errors.New(errUnknownRuleID)
	}

	coverage := map[string]bool{}
	for key, rules := range snap.RulesBySpecImpl {
		if key.Spec != specName {
			continue
		}
		for _, r := range rules {
			if r.ID.Base == rid.Base {
				coverage[key.Impl] = r.IsCovered
			}
		}
	}

	note := ""
	if def.ID.Version > 1 {
		note = "this rule is at version " + def.ID.String() + "; Tracey retains no prior-version text, so no diff body is available"
	}

	return RuleDetail{
		ID: def.ID.String(), RawMarkdown: def.RawMarkdown, RenderedHTML: def.RenderedHTML,
		SourceFile: def.SourceFile, SourceLine: def.SourceLine,
		SectionSlug: def.SectionSlug, SectionTitle: def.SectionTitle,
		CoverageByImpl: coverage, VersionNote: note,
	}, nil
}

// Validate implements the `validate` op.
func (s *Service) Validate(spec, impl string) []snapshot.Diagnostic {
	snap := s.eng.Current()
	if spec == "" && impl == "" {
		return snap.Diagnostics
	}
	out := make([]snapshot.Diagnostic, 0, len(snap.Diagnostics))
	for _, d := range snap.Diagnostics {
		if spec != "" && d.Spec != spec {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Config implements the `config` op.
func (s *Service) Config() *config.Config {
	return s.eng.Current().Config
}

// Reload implements the `reload` op.
func (s *Service) Reload() (uint64, time.Duration, error) {
	return s.eng.Rebuild()
}

// Version implements the `version` op.
func (s *Service) Version() uint64 {
	return s.eng.Version()
}

// Health is the `health` op's result.
type Health struct {
	Version     uint64
	UptimeSec   float64
	ConfigError string

	WatcherActive      bool
	WatcherLastError   string
	WatcherEventCount  uint64
	WatcherLastEventAt time.Time
	WatchedDirs        []string
}

// Health implements the `health` op.
func (s *Service) Health() Health {
	h := Health{
		Version: s.eng.Version(), UptimeSec: s.eng.Uptime().Seconds(), ConfigError: s.eng.ConfigError(),
	}
	if s.watch != nil {
		h.WatcherActive, h.WatcherLastError, h.WatcherEventCount, h.WatcherLastEventAt, h.WatchedDirs = s.watch.State().Snapshot()
	}
	return h
}

// Shutdown implements the `shutdown` op: it signals the lifecycle
// controller to exit immediately, bypassing the idle timeout.
func (s *Service) Shutdown() {
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}
}

// Subscribe implements the `subscribe` op by returning the Engine's raw
// Update channel; the IPC layer streams one message per value received
// until the client disconnects, then calls Unsubscribe.
func (s *Service) Subscribe() chan engine.Update { return s.eng.Subscribe() }

// Unsubscribe releases a channel returned by Subscribe.
func (s *Service) Unsubscribe(ch chan engine.Update) { s.eng.Unsubscribe(ch) }

// FileResult is the `file` op's result.
type FileResult struct {
	Path    string
	Content string
	HTML    string
	Units   []snapshot.CodeUnit
}

// File implements the `file` op.
func (s *Service) File(spec, impl, path string) (FileResult, error) {
	if _, err := s.resolve(spec, impl); err != nil {
		return FileResult{}, err
	}
	if c, ok := s.eng.Overlay().Get(absPath(s.root, path)); ok {
		return s.renderFile(path, c)
	}
	b, rerr := afero.ReadFile(s.fs, absPath(s.root, path))
	if rerr != nil {
		return FileResult{}, errors.Wrap(rerr, "failed to read file")
	}
	return s.renderFile(path, string(b))
}

func (s *Service) renderFile(path, content string) (FileResult, error) {
	html := content
	if s.hl != nil {
		if rendered, herr := s.hl.Render(extOf(path), content); herr == nil {
			html = rendered
		}
	}
	units := s.eng.Current().UnitsByFile[path]
	return FileResult{Path: path, Content: content, HTML: html, Units: units}, nil
}

func extOf(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return ""
	}
	return path[i:]
}

func absPath(root, path string) string {
	if strings.HasPrefix(path, root) {
		return path
	}
	return root + "/" + strings.TrimPrefix(path, "/")
}

// SpecContent is the `spec_content` op's result.
type SpecContent struct {
	Path    string
	Content string
	HTML    string
	Outline []collab.OutlineEntry
}

// SpecContentOp implements the `spec_content` op: it re-parses each
// configured spec source file (the Snapshot keeps only extracted rules,
// not the outline) and returns every file's rendered content.
func (s *Service) SpecContentOp(spec, impl string, specParser func(prefix string) collab.SpecParser) ([]SpecContent, error) {
	if _, err := s.resolve(spec, impl); err != nil {
		return nil, err
	}

	snap := s.eng.Current()
	sc, serr := snap.Config.DefaultSpec(spec)
	if serr != nil {
		return nil, serr
	}

	var out []SpecContent
	parser := specParser(sc.Prefix)
	for file := range filesForSpec(snap, sc.Name) {
		b, rerr := afero.ReadFile(s.fs, absPath(s.root, file))
		if rerr != nil {
			continue
		}
		result, perr := parser.Parse(file, string(b))
		if perr != nil {
			continue
		}
		html := string(b)
		if s.hl != nil {
			if rendered, herr := s.hl.Render(".md", string(b)); herr == nil {
				html = rendered
			}
		}
		out = append(out, SpecContent{Path: file, Content: string(b), HTML: html, Outline: result.Outline})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// filesForSpec recovers the distinct source files a spec's rule
// definitions came from, since the Snapshot doesn't separately retain the
// include-glob match list for Markdown sources.
func filesForSpec(snap *snapshot.Snapshot, specName string) map[string]bool {
	files := map[string]bool{}
	for key, rules := range snap.RulesBySpecImpl {
		if key.Spec != specName {
			continue
		}
		for _, r := range rules {
			if r.Definition.SourceFile != "" {
				files[r.Definition.SourceFile] = true
			}
		}
	}
	return files
}

// Search implements the `search` op.
func (s *Service) Search(query string, limit int) ([]searchindex.Result, error) {
	snap := s.eng.Current()
	if snap.SearchIndex == nil {
		return nil, nil
	}
	return snap.SearchIndex.Search(query, limit)
}

// UpdateFileRange implements `update_file_range`: a hash-gated, atomic
// byte-range replacement against the file on disk (never the VFS overlay
// — overlay buffers are unsaved editor state, while this op represents a
// tool-driven edit meant to persist).
func (s *Service) UpdateFileRange(path string, fileHash string, start, end int, content string) (string, error) {
	abs := absPath(s.root, path)
	b, err := afero.ReadFile(s.fs, abs)
	if err != nil {
		return "", errors.Wrap(err, "failed to read file")
	}
	if hashOf(b) != fileHash {
		return hashOf(b), errors.New(errHashMismatch)
	}
	if start < 0 || end > len(b) || start > end {
		return hashOf(b), errors.New(errRangeBounds)
	}
	next := append(append(append([]byte{}, b[:start]...), content...), b[end:]...)
	if werr := afero.WriteFile(s.fs, abs, next, 0o644); werr != nil {
		return "", errors.Wrap(werr, "failed to write file")
	}
	go func() { _, _, _ = s.eng.Rebuild() }()
	return hashOf(next), nil
}

func hashOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// IsTestFile implements the `is_test_file` op.
func (s *Service) IsTestFile(path string) bool {
	return s.eng.Current().TestFiles[path]
}

// ConfigAddInclude implements `config_add_include`: a pattern appended to
// impl.include, persisted through the Source, picked up on the next
// watcher-triggered rebuild.
func (s *Service) ConfigAddInclude(specName, implName, pattern string) error {
	return s.mutateImpl(specName, implName, func(ic *config.ImplConfig) { ic.Include = append(ic.Include, pattern) })
}

// ConfigAddExclude implements `config_add_exclude`.
func (s *Service) ConfigAddExclude(specName, implName, pattern string) error {
	return s.mutateImpl(specName, implName, func(ic *config.ImplConfig) { ic.Exclude = append(ic.Exclude, pattern) })
}

func (s *Service) mutateImpl(specName, implName string, mutate func(*config.ImplConfig)) error {
	cfg, err := s.source.GetConfig()
	if err != nil {
		return err
	}
	sc, err := cfg.DefaultSpec(specName)
	if err != nil {
		return err
	}
	ic, err := config.DefaultImpl(sc, implName)
	if err != nil {
		return err
	}
	mutate(ic)
	if err := s.source.UpdateConfig(cfg); err != nil {
		return err
	}
	if s.watch != nil {
		s.watch.Reconfigure(cfg, nil)
	}
	return nil
}

// VFSOpen implements `vfs_open`/`vfs_change`.
func (s *Service) VFSOpen(path, content string) { s.eng.VFSOpen(absPath(s.root, path), content) }

// VFSChange implements `vfs_change` explicitly (alias of VFSOpen).
func (s *Service) VFSChange(path, content string) { s.eng.VFSChange(absPath(s.root, path), content) }

// VFSClose implements `vfs_close`.
func (s *Service) VFSClose(path string) { s.eng.VFSClose(absPath(s.root, path)) }

// compileGlob compiles an optional rule-id-prefix filter pattern. An empty
// pattern matches everything (returns a nil Glob, checked at call sites).
func compileGlob(pattern string) (glob.Glob, error) {
	if pattern == "" {
		return nil, nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, errors.Wrap(err, "invalid prefix filter pattern")
	}
	return g, nil
}

func sortedKeys(m map[snapshot.SpecImplKey][]snapshot.ApiRule) []snapshot.SpecImplKey {
	keys := make([]snapshot.SpecImplKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Spec != keys[j].Spec {
			return keys[i].Spec < keys[j].Spec
		}
		return keys[i].Impl < keys[j].Impl
	})
	return keys
}
