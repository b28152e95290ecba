// Package snapshot holds the Tracey data model (spec.md §3) and the pure
// Builder function that turns a (Config, Overlay) pair into an immutable
// Snapshot.
package snapshot

import (
	"time"

	"github.com/traceyhq/tracey/internal/tracey/collab"
	"github.com/traceyhq/tracey/internal/tracey/config"
	"github.com/traceyhq/tracey/internal/tracey/lexer"
	"github.com/traceyhq/tracey/internal/tracey/ruleid"
	"github.com/traceyhq/tracey/internal/tracey/searchindex"
)

// Reference is a lexed `prefix[verb id]` occurrence, resolved against its
// owning CodeUnit (if any).
type Reference struct {
	Prefix string
	Verb   lexer.Verb
	RuleID ruleid.ID
	RawID  string // the id text as written, e.g. "auth.login+2"
	File   string
	Line   int
	Span   lexer.Span
}

// RuleDefinition is one requirement declared in a spec's Markdown.
type RuleDefinition struct {
	ID           ruleid.ID
	RawMarkdown  string
	RenderedHTML string
	SourceFile   string
	SourceLine   int
	SourceColumn int
	MarkerSpan   lexer.Span
	SectionSlug  string
	SectionTitle string
	Metadata     map[string]string
}

// CodeUnit is one code construct, with the references attached to it by
// the Builder's attribution pass.
type CodeUnit struct {
	Kind      collab.UnitKind
	Name      string
	File      string
	StartLine int
	EndLine   int
	RuleRefs  []Reference
}

// DiagnosticKind enumerates the validation diagnostic taxonomy of
// spec.md §7.
type DiagnosticKind int

const (
	DuplicateRequirement DiagnosticKind = iota
	InvalidNaming
	ImplInTestFile
	UnknownPrefix
	UnknownRequirement
	StaleRequirement
	CircularDependency
)

func (k DiagnosticKind) String() string {
	switch k {
	case DuplicateRequirement:
		return "DuplicateRequirement"
	case InvalidNaming:
		return "InvalidNaming"
	case ImplInTestFile:
		return "ImplInTestFile"
	case UnknownPrefix:
		return "UnknownPrefix"
	case UnknownRequirement:
		return "UnknownRequirement"
	case StaleRequirement:
		return "StaleRequirement"
	case CircularDependency:
		return "CircularDependency"
	default:
		return "Unknown"
	}
}

// Diagnostic is a validation-time finding. Diagnostics are collected, never
// returned as Go errors (spec.md §7's propagation policy).
type Diagnostic struct {
	Kind         DiagnosticKind
	Spec         string
	File         string
	Line         int
	Message      string
	RelatedRules []string
	Cycle        []string // populated for CircularDependency
}

// ApiRule is one rule's coverage state within a specific (spec, impl).
type ApiRule struct {
	ID            ruleid.ID
	Definition    RuleDefinition
	ImplRefs      []Reference
	VerifyRefs    []Reference
	DependsRefs   []Reference
	RelatedRefs   []Reference
	IsStale       bool
	IsCovered     bool // >=1 non-stale Impl ref
	IsVerified    bool // covered AND >=1 Verify ref
}

// ApiFileEntry is one file's coverage summary within the reverse index.
type ApiFileEntry struct {
	Path          string
	TotalUnits    int
	CoveredUnits  int
	Units         []CodeUnit
}

// SpecImplKey identifies one (spec, impl) pair.
type SpecImplKey struct {
	Spec string
	Impl string
}

// Delta is the minimal coverage change between two consecutive snapshots
// for one (spec, impl) pair.
type Delta struct {
	NewlyCovered   []ruleid.ID
	NewlyUncovered []ruleid.ID
}

// Snapshot is the complete, immutable product of one Builder run.
type Snapshot struct {
	Config      *config.Config
	Version     uint64
	BuiltAt     time.Time
	Elapsed     time.Duration
	ConfigError string

	RulesBySpecImpl map[SpecImplKey][]ApiRule
	FilesBySpecImpl map[SpecImplKey][]ApiFileEntry
	UnitsByFile     map[string][]CodeUnit

	TestFiles map[string]bool

	Diagnostics []Diagnostic

	DeltaFromPrior map[SpecImplKey]Delta

	// SearchIndex is rebuilt fresh with every Snapshot (C11); nil only if
	// indexing itself failed, which the Builder treats as non-fatal.
	SearchIndex *searchindex.Index

	// rulesByID indexes RuleDefinition by (spec, base id) for the
	// `rule` query; kept alongside RulesBySpecImpl rather than
	// duplicating ApiRule construction per impl.
	rulesByID map[string]map[string]RuleDefinition // spec -> base -> def (keyed by base so version lookups are O(1))
}

// RuleDefinitionByBase looks up a rule definition by spec name and base id.
func (s *Snapshot) RuleDefinitionByBase(spec, base string) (RuleDefinition, bool) {
	byBase, ok := s.rulesByID[spec]
	if !ok {
		return RuleDefinition{}, false
	}
	d, ok := byBase[base]
	return d, ok
}
