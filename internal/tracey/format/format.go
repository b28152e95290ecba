// Package format renders Service query results into bounded
// human-readable text, the way the teacher's own list commands render a
// tabwriter-aligned table plus a trailing hint line, generalized to cover
// every query op and both the CLI and MCP surface's wording.
package format

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/traceyhq/tracey/internal/tracey/searchindex"
	"github.com/traceyhq/tracey/internal/tracey/service"
	"github.com/traceyhq/tracey/internal/tracey/snapshot"
)

// Surface distinguishes the wording of navigation hints: a human typing
// commands in a terminal vs. an MCP tool-calling agent.
type Surface int

const (
	CLI Surface = iota
	MCP
)

func (s Surface) hint(action, arg string) string {
	switch s {
	case MCP:
		return fmt.Sprintf("call the %q tool with %q", action, arg)
	default:
		return fmt.Sprintf("run `tracey query %s %s`", action, arg)
	}
}

// configErrorBanner returns the leading CONFIG ERROR banner whenever the
// daemon is running on a stale or fallback config due to a parse error.
func configErrorBanner(configError string) string {
	if configError == "" {
		return ""
	}
	return "CONFIG ERROR: " + configError + "\n\n"
}

func newTabWriter(b *strings.Builder) *tabwriter.Writer {
	return tabwriter.NewWriter(b, 0, 2, 2, ' ', 0)
}

// Status renders the `status` op's per-(spec,impl) counts.
func Status(entries []service.StatusEntry, health service.Health, surface Surface) string {
	var b strings.Builder
	b.WriteString(configErrorBanner(health.ConfigError))

	sorted := append([]service.StatusEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Spec != sorted[j].Spec {
			return sorted[i].Spec < sorted[j].Spec
		}
		return sorted[i].Impl < sorted[j].Impl
	})

	tw := newTabWriter(&b)
	fmt.Fprintf(tw, "SPEC\tIMPL\tTOTAL\tCOVERED\tSTALE\tVERIFIED\n")
	for _, e := range sorted {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n", e.Spec, e.Impl, e.Total, e.Covered, e.Stale, e.Verified)
	}
	tw.Flush()

	if len(sorted) > 0 {
		b.WriteString("\n" + surface.hint("uncovered", sorted[0].Spec) + "\n")
	}
	return b.String()
}

// ruleSummaryTable renders a sorted list of RuleSummary rows, shared by
// Uncovered, Untested, and similar listings.
func ruleSummaryTable(b *strings.Builder, rules []service.RuleSummary) {
	sorted := append([]service.RuleSummary(nil), rules...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].SectionSlug != sorted[j].SectionSlug {
			return sorted[i].SectionSlug < sorted[j].SectionSlug
		}
		return sorted[i].ID < sorted[j].ID
	})
	tw := newTabWriter(b)
	fmt.Fprintf(tw, "RULE\tSECTION\tSOURCE\n")
	for _, r := range sorted {
		fmt.Fprintf(tw, "%s\t%s\t%s:%d\n", r.ID, r.SectionTitle, r.SourceFile, r.SourceLine)
	}
	tw.Flush()
}

// Uncovered renders the `uncovered` op's result.
func Uncovered(rules []service.RuleSummary, health service.Health, surface Surface) string {
	var b strings.Builder
	b.WriteString(configErrorBanner(health.ConfigError))
	if len(rules) == 0 {
		b.WriteString("no uncovered rules\n")
		return b.String()
	}
	ruleSummaryTable(&b, rules)
	b.WriteString("\n" + surface.hint("rule", rules[0].ID) + "\n")
	return b.String()
}

// Untested renders the `untested` op's result.
func Untested(rules []service.RuleSummary, health service.Health, surface Surface) string {
	var b strings.Builder
	b.WriteString(configErrorBanner(health.ConfigError))
	if len(rules) == 0 {
		b.WriteString("no untested rules\n")
		return b.String()
	}
	ruleSummaryTable(&b, rules)
	b.WriteString("\n" + surface.hint("rule", rules[0].ID) + "\n")
	return b.String()
}

// Stale renders the `stale` op's result.
func Stale(refs []service.StaleRef, health service.Health, surface Surface) string {
	var b strings.Builder
	b.WriteString(configErrorBanner(health.ConfigError))
	if len(refs) == 0 {
		b.WriteString("no stale references\n")
		return b.String()
	}

	sorted := append([]service.StaleRef(nil), refs...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].File != sorted[j].File {
			return sorted[i].File < sorted[j].File
		}
		return sorted[i].Line < sorted[j].Line
	})

	tw := newTabWriter(&b)
	fmt.Fprintf(tw, "FILE\tLINE\tREFERENCED\tCURRENT\n")
	for _, r := range sorted {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", r.File, r.Line, r.RawID, r.CurrentID)
	}
	tw.Flush()
	b.WriteString("\n" + surface.hint("rule", sorted[0].CurrentID) + "\n")
	return b.String()
}

// Unmapped renders the `unmapped` op's per-file coverage result.
func Unmapped(files []service.FileCoverage, health service.Health, surface Surface) string {
	var b strings.Builder
	b.WriteString(configErrorBanner(health.ConfigError))
	if len(files) == 0 {
		b.WriteString("no source files indexed\n")
		return b.String()
	}

	sorted := append([]service.FileCoverage(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	tw := newTabWriter(&b)
	fmt.Fprintf(tw, "FILE\tUNITS\tCOVERED\tCOVERAGE\n")
	for _, f := range sorted {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.0f%%\n", f.Path, f.TotalUnits, f.CoveredUnits, f.CoveragePct)
	}
	tw.Flush()

	for _, f := range sorted {
		if len(f.Units) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s uncovered units:\n", f.Path)
		for _, u := range f.Units {
			fmt.Fprintf(&b, "  %s %s (lines %d-%d)", u.Kind, u.Name, u.StartLine, u.EndLine)
			if len(u.RelatedRules) > 0 {
				fmt.Fprintf(&b, " [related: %s]", strings.Join(u.RelatedRules, ", "))
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\n" + surface.hint("unmapped", sorted[0].Path) + "\n")
	return b.String()
}

// Rule renders the `rule` op's detail view.
func Rule(d service.RuleDetail, health service.Health, surface Surface) string {
	var b strings.Builder
	b.WriteString(configErrorBanner(health.ConfigError))

	fmt.Fprintf(&b, "%s  (%s:%d)\n", d.ID, d.SourceFile, d.SourceLine)
	fmt.Fprintf(&b, "section: %s / %s\n\n", d.SectionSlug, d.SectionTitle)
	b.WriteString(strings.TrimSpace(d.RawMarkdown) + "\n")
	if d.VersionNote != "" {
		b.WriteString("\n" + d.VersionNote + "\n")
	}

	impls := make([]string, 0, len(d.CoverageByImpl))
	for impl := range d.CoverageByImpl {
		impls = append(impls, impl)
	}
	sort.Strings(impls)
	if len(impls) > 0 {
		b.WriteString("\ncoverage:\n")
		for _, impl := range impls {
			status := "uncovered"
			if d.CoverageByImpl[impl] {
				status = "covered"
			}
			fmt.Fprintf(&b, "  %s: %s\n", impl, status)
		}
	}
	return b.String()
}

// Validate renders the `validate` op's diagnostic list.
func Validate(diags []snapshot.Diagnostic, health service.Health, surface Surface) string {
	var b strings.Builder
	b.WriteString(configErrorBanner(health.ConfigError))
	if len(diags) == 0 {
		b.WriteString("no diagnostics\n")
		return b.String()
	}

	sorted := append([]snapshot.Diagnostic(nil), diags...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].File != sorted[j].File {
			return sorted[i].File < sorted[j].File
		}
		return sorted[i].Line < sorted[j].Line
	})

	tw := newTabWriter(&b)
	fmt.Fprintf(tw, "KIND\tFILE\tLINE\tMESSAGE\n")
	for _, d := range sorted {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", d.Kind.String(), d.File, d.Line, d.Message)
	}
	tw.Flush()
	return b.String()
}

// Health renders the `health` op's daemon status.
func Health(h service.Health, surface Surface) string {
	var b strings.Builder
	b.WriteString(configErrorBanner(h.ConfigError))
	fmt.Fprintf(&b, "version: %d\n", h.Version)
	fmt.Fprintf(&b, "uptime: %.0fs\n", h.UptimeSec)
	fmt.Fprintf(&b, "watcher: active=%v events=%d", h.WatcherActive, h.WatcherEventCount)
	if h.WatcherLastError != "" {
		fmt.Fprintf(&b, " last_error=%q", h.WatcherLastError)
	}
	b.WriteString("\n")
	if len(h.WatchedDirs) > 0 {
		fmt.Fprintf(&b, "watched dirs: %s\n", strings.Join(h.WatchedDirs, ", "))
	}
	return b.String()
}

// Search renders the `search` op's scored results.
func Search(results []searchindex.Result, health service.Health, surface Surface) string {
	var b strings.Builder
	b.WriteString(configErrorBanner(health.ConfigError))
	if len(results) == 0 {
		b.WriteString("no matches\n")
		return b.String()
	}
	for _, r := range results {
		switch r.Kind {
		case "rule":
			fmt.Fprintf(&b, "[%.2f] rule %s: %s\n", r.Score, r.RuleID, r.Snippet)
		default:
			fmt.Fprintf(&b, "[%.2f] %s:%d: %s\n", r.Score, r.Path, r.Line, r.Snippet)
		}
	}
	return b.String()
}
