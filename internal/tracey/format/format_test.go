package format

import (
	"strings"
	"testing"

	"github.com/traceyhq/tracey/internal/tracey/searchindex"
	"github.com/traceyhq/tracey/internal/tracey/service"
	"github.com/traceyhq/tracey/internal/tracey/snapshot"
)

func TestStatusBannersConfigError(t *testing.T) {
	out := Status(nil, service.Health{ConfigError: "spec.md:3: duplicate rule id"}, CLI)
	if !strings.HasPrefix(out, "CONFIG ERROR: spec.md:3: duplicate rule id\n\n") {
		t.Fatalf("expected a leading CONFIG ERROR banner, got %q", out)
	}
}

func TestStatusOrdersBySpecThenImpl(t *testing.T) {
	entries := []service.StatusEntry{
		{Spec: "b", Impl: "x", Total: 1},
		{Spec: "a", Impl: "z", Total: 2},
		{Spec: "a", Impl: "y", Total: 3},
	}
	out := Status(entries, service.Health{}, CLI)
	ai := strings.Index(out, "a")
	bi := strings.Index(out, "b")
	if ai == -1 || bi == -1 || ai > bi {
		t.Fatalf("expected spec a's rows before spec b's: %q", out)
	}
	yi := strings.Index(out, "y")
	zi := strings.Index(out, "z")
	if yi == -1 || zi == -1 || yi > zi {
		t.Fatalf("expected impl y before impl z within spec a: %q", out)
	}
}

func TestUncoveredEmptyMessage(t *testing.T) {
	out := Uncovered(nil, service.Health{}, CLI)
	if out != "no uncovered rules\n" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestUncoveredHintsBySurface(t *testing.T) {
	rules := []service.RuleSummary{{ID: "auth.login", SectionSlug: "auth"}}
	cli := Uncovered(rules, service.Health{}, CLI)
	if !strings.Contains(cli, "run `tracey query rule auth.login`") {
		t.Fatalf("expected CLI-style hint, got %q", cli)
	}
	mcp := Uncovered(rules, service.Health{}, MCP)
	if !strings.Contains(mcp, `call the "rule" tool with "auth.login"`) {
		t.Fatalf("expected MCP-style hint, got %q", mcp)
	}
}

func TestStaleOrdersByFileThenLine(t *testing.T) {
	refs := []service.StaleRef{
		{File: "b.rs", Line: 1, RawID: "x.y", CurrentID: "x.y+2"},
		{File: "a.rs", Line: 9, RawID: "x.y", CurrentID: "x.y+2"},
		{File: "a.rs", Line: 2, RawID: "x.y", CurrentID: "x.y+2"},
	}
	out := Stale(refs, service.Health{}, CLI)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	var rows []string
	for _, l := range lines {
		if strings.HasPrefix(l, "a.rs") || strings.HasPrefix(l, "b.rs") {
			rows = append(rows, l)
		}
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 data rows, got %v", rows)
	}
	if !strings.HasPrefix(rows[0], "a.rs") || !strings.Contains(rows[0], "2") {
		t.Fatalf("expected a.rs:2 first, got %v", rows)
	}
}

func TestUnmappedListsUncoveredUnitsWithRelatedRules(t *testing.T) {
	files := []service.FileCoverage{{
		Path: "src/a.rs", TotalUnits: 2, CoveredUnits: 1, CoveragePct: 50,
		Units: []service.UnitDetail{{Kind: "Function", Name: "f", StartLine: 10, EndLine: 20, RelatedRules: []string{"auth.login"}}},
	}}
	out := Unmapped(files, service.Health{}, CLI)
	if !strings.Contains(out, "Function f (lines 10-20) [related: auth.login]") {
		t.Fatalf("expected unit detail line, got %q", out)
	}
}

func TestRuleRendersVersionNoteWhenPresent(t *testing.T) {
	d := service.RuleDetail{
		ID: "auth.login+2", RawMarkdown: "Users must log in.", SourceFile: "spec.md", SourceLine: 3,
		SectionSlug: "auth", SectionTitle: "Authentication",
		CoverageByImpl: map[string]bool{"m": true}, VersionNote: "this rule is at version auth.login+2",
	}
	out := Rule(d, service.Health{}, CLI)
	if !strings.Contains(out, "auth.login+2") || !strings.Contains(out, "this rule is at version auth.login+2") {
		t.Fatalf("expected id and version note present, got %q", out)
	}
	if !strings.Contains(out, "m: covered") {
		t.Fatalf("expected coverage line, got %q", out)
	}
}

func TestValidateEmptyMessage(t *testing.T) {
	out := Validate(nil, service.Health{}, CLI)
	if out != "no diagnostics\n" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestValidateOrdersByFileThenLine(t *testing.T) {
	diags := []snapshot.Diagnostic{
		{Kind: snapshot.DuplicateRequirement, File: "b.rs", Line: 1, Message: "dup"},
		{Kind: snapshot.DuplicateRequirement, File: "a.rs", Line: 5, Message: "dup"},
	}
	out := Validate(diags, service.Health{}, CLI)
	ai := strings.Index(out, "a.rs")
	bi := strings.Index(out, "b.rs")
	if ai == -1 || bi == -1 || ai > bi {
		t.Fatalf("expected a.rs before b.rs: %q", out)
	}
}

func TestHealthRendersWatcherState(t *testing.T) {
	h := service.Health{Version: 3, UptimeSec: 12.5, WatcherActive: true, WatcherEventCount: 4, WatchedDirs: []string{"src"}}
	out := Health(h, CLI)
	if !strings.Contains(out, "version: 3") || !strings.Contains(out, "watcher: active=true events=4") {
		t.Fatalf("unexpected health output: %q", out)
	}
	if !strings.Contains(out, "watched dirs: src") {
		t.Fatalf("expected watched dirs line, got %q", out)
	}
}

func TestSearchEmptyMessage(t *testing.T) {
	out := Search(nil, service.Health{}, CLI)
	if out != "no matches\n" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestSearchRendersRuleAndFileHits(t *testing.T) {
	results := []searchindex.Result{
		{Kind: "rule", RuleID: "auth.login", Score: 0.91, Snippet: "Users must log in."},
		{Kind: "line", Path: "src/a.rs", Line: 4, Score: 0.5, Snippet: "fn f(){}"},
	}
	out := Search(results, service.Health{}, CLI)
	if !strings.Contains(out, "rule auth.login: Users must log in.") {
		t.Fatalf("expected rule hit rendered, got %q", out)
	}
	if !strings.Contains(out, "src/a.rs:4: fn f(){}") {
		t.Fatalf("expected file hit rendered, got %q", out)
	}
}
