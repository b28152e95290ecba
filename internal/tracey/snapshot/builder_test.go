package snapshot

import (
	"testing"

	"github.com/spf13/afero"

	"github.com/traceyhq/tracey/internal/tracey/collab"
	"github.com/traceyhq/tracey/internal/tracey/collab/codeparser"
	"github.com/traceyhq/tracey/internal/tracey/collab/gitignore"
	"github.com/traceyhq/tracey/internal/tracey/collab/specparser"
	"github.com/traceyhq/tracey/internal/tracey/config"
)

func newBuildInput(t *testing.T, fs afero.Fs, root string, cfg *config.Config, version uint64, prior *Snapshot) Input {
	t.Helper()
	gi, err := gitignore.Load(fs, root)
	if err != nil {
		t.Fatalf("gitignore.Load: %v", err)
	}
	return Input{
		Fs:      fs,
		Root:    root,
		Config:  cfg,
		Version: version,
		Overlay: map[string]string{},
		Prior:   prior,
		SpecParser: func(prefix string) collab.SpecParser {
			return specparser.New(prefix)
		},
		CodeParser: codeparser.New(),
		Gitignore:  gi,
	}
}

func oneSpecConfig() *config.Config {
	return &config.Config{
		Specs: []config.SpecConfig{{
			Name:    "s",
			Prefix:  "r",
			Include: []string{"spec.md"},
			Impls: []config.ImplConfig{{
				Name:    "m",
				Include: []string{"src/**"},
			}},
		}},
	}
}

// TestBuildMinimalCoverage exercises scenario S1: one rule, one matching
// Impl reference.
func TestBuildMinimalCoverage(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/work"
	must(t, afero.WriteFile(fs, root+"/spec.md", []byte("r[auth.login]\nUsers must log in.\n"), 0o644))
	must(t, afero.WriteFile(fs, root+"/src/a.rs", []byte("// r[impl auth.login]\nfn f(){}\n"), 0o644))

	snap, err := Build(newBuildInput(t, fs, root, oneSpecConfig(), 1, nil))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	key := SpecImplKey{Spec: "s", Impl: "m"}
	rules := snap.RulesBySpecImpl[key]
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %+v", rules)
	}
	if !rules[0].IsCovered || rules[0].IsStale || rules[0].IsVerified {
		t.Fatalf("unexpected coverage state: %+v", rules[0])
	}
}

// TestBuildStaleDetection exercises scenario S2: the rule is bumped to
// version 2 but the code still references version 1.
func TestBuildStaleDetection(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/work"
	must(t, afero.WriteFile(fs, root+"/spec.md", []byte("r[auth.login+2]\nText2.\n"), 0o644))
	must(t, afero.WriteFile(fs, root+"/src/a.rs", []byte("// r[impl auth.login]\nfn f(){}\n"), 0o644))

	snap, err := Build(newBuildInput(t, fs, root, oneSpecConfig(), 1, nil))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	key := SpecImplKey{Spec: "s", Impl: "m"}
	rules := snap.RulesBySpecImpl[key]
	if len(rules) != 1 || !rules[0].IsStale || rules[0].IsCovered {
		t.Fatalf("expected a stale, uncovered rule, got %+v", rules)
	}

	found := false
	for _, d := range snap.Diagnostics {
		if d.Kind == StaleRequirement {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a StaleRequirement diagnostic, got %+v", snap.Diagnostics)
	}
}

// TestBuildUnknownRequirement exercises the UnknownRequirement error-table
// row: an impl reference whose base rule no spec defines anywhere.
func TestBuildUnknownRequirement(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/work"
	must(t, afero.WriteFile(fs, root+"/spec.md", []byte("r[auth.login]\nUsers must log in.\n"), 0o644))
	must(t, afero.WriteFile(fs, root+"/src/a.rs", []byte("// r[impl auth.ghost]\nfn f(){}\n"), 0o644))

	snap, err := Build(newBuildInput(t, fs, root, oneSpecConfig(), 1, nil))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	found := false
	for _, d := range snap.Diagnostics {
		if d.Kind == UnknownRequirement && d.Line == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an UnknownRequirement diagnostic for the undefined base, got %+v", snap.Diagnostics)
	}

	key := SpecImplKey{Spec: "s", Impl: "m"}
	rules := snap.RulesBySpecImpl[key]
	if len(rules) != 1 || rules[0].IsCovered {
		t.Fatalf("expected the one defined rule to remain uncovered, got %+v", rules)
	}
}

// TestBuildImplInTestFile exercises scenario S3.
func TestBuildImplInTestFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/work"
	cfg := oneSpecConfig()
	cfg.Specs[0].Impls[0].TestInclude = []string{"src/**/tests.rs"}

	must(t, afero.WriteFile(fs, root+"/spec.md", []byte("r[auth.login]\nUsers must log in.\n"), 0o644))
	must(t, afero.WriteFile(fs, root+"/src/tests.rs", []byte("// r[impl auth.login]\n#[test] fn t(){}\n"), 0o644))

	snap, err := Build(newBuildInput(t, fs, root, cfg, 1, nil))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	key := SpecImplKey{Spec: "s", Impl: "m"}
	rules := snap.RulesBySpecImpl[key]
	if len(rules) != 1 || rules[0].IsCovered {
		t.Fatalf("expected the impl ref to not count toward coverage, got %+v", rules)
	}

	found := false
	for _, d := range snap.Diagnostics {
		if d.Kind == ImplInTestFile {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an ImplInTestFile diagnostic, got %+v", snap.Diagnostics)
	}
}

// TestBuildDeltaTracksNewlyCovered exercises scenario S6: a second build
// after a new reference appears reports the rule as newly covered.
func TestBuildDeltaTracksNewlyCovered(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/work"
	must(t, afero.WriteFile(fs, root+"/spec.md", []byte("r[auth.login]\nUsers must log in.\n"), 0o644))
	must(t, afero.WriteFile(fs, root+"/src/a.rs", []byte("fn f(){}\n"), 0o644))

	cfg := oneSpecConfig()
	first, err := Build(newBuildInput(t, fs, root, cfg, 1, nil))
	if err != nil {
		t.Fatalf("Build (first): %v", err)
	}
	key := SpecImplKey{Spec: "s", Impl: "m"}
	if first.RulesBySpecImpl[key][0].IsCovered {
		t.Fatalf("expected uncovered before the reference is added")
	}

	must(t, afero.WriteFile(fs, root+"/src/a.rs", []byte("// r[impl auth.login]\nfn f(){}\n"), 0o644))
	second, err := Build(newBuildInput(t, fs, root, cfg, 2, first))
	if err != nil {
		t.Fatalf("Build (second): %v", err)
	}

	delta := second.DeltaFromPrior[key]
	if len(delta.NewlyCovered) != 1 || delta.NewlyCovered[0].Base != "auth.login" {
		t.Fatalf("expected auth.login newly covered, got %+v", delta)
	}
	if len(delta.NewlyUncovered) != 0 {
		t.Fatalf("expected no newly uncovered rules, got %+v", delta)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
