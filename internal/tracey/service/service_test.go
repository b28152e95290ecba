package service

import (
	"testing"

	"github.com/spf13/afero"

	"github.com/traceyhq/tracey/internal/tracey/collab"
	"github.com/traceyhq/tracey/internal/tracey/collab/codeparser"
	"github.com/traceyhq/tracey/internal/tracey/collab/gitignore"
	"github.com/traceyhq/tracey/internal/tracey/collab/highlight"
	"github.com/traceyhq/tracey/internal/tracey/collab/specparser"
	"github.com/traceyhq/tracey/internal/tracey/config"
	"github.com/traceyhq/tracey/internal/tracey/engine"
)

type memSource struct{ cfg *config.Config }

func (s *memSource) GetConfig() (*config.Config, error) { cp := *s.cfg; return &cp, nil }
func (s *memSource) UpdateConfig(c *config.Config) error { s.cfg = c; return nil }

func testConfig() *config.Config {
	return &config.Config{Specs: []config.SpecConfig{{
		Name: "s", Prefix: "r", Include: []string{"spec.md"},
		Impls: []config.ImplConfig{{Name: "m", Include: []string{"src/**"}}},
	}}}
}

func newTestService(t *testing.T, fs afero.Fs, root string, cfg *config.Config) *Service {
	t.Helper()
	gi, err := gitignore.Load(fs, root)
	if err != nil {
		t.Fatalf("gitignore.Load: %v", err)
	}
	src := &memSource{cfg: cfg}
	eng, err := engine.New(fs, root, src, func(prefix string) collab.SpecParser {
		return specparser.New(prefix)
	}, codeparser.New(), gi)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return New(eng, fs, root, src, highlight.New(), nil)
}

func TestStatusCountsCoverageAndVerification(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/work"
	must(t, afero.WriteFile(fs, root+"/spec.md", []byte("r[auth.login]\nUsers must log in.\n\nr[auth.logout]\nUsers must log out.\n"), 0o644))
	must(t, afero.WriteFile(fs, root+"/src/a.rs", []byte("// r[impl auth.login]\n// r[verify auth.login]\nfn f(){}\n"), 0o644))

	svc := newTestService(t, fs, root, testConfig())
	status := svc.Status()
	if len(status) != 1 {
		t.Fatalf("expected one (spec,impl) entry, got %d", len(status))
	}
	e := status[0]
	if e.Total != 2 || e.Covered != 1 || e.Verified != 1 {
		t.Fatalf("unexpected status entry: %+v", e)
	}
}

func TestUncoveredListsOnlyUnimplementedRules(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/work"
	must(t, afero.WriteFile(fs, root+"/spec.md", []byte("r[auth.login]\nUsers must log in.\n\nr[auth.logout]\nUsers must log out.\n"), 0o644))
	must(t, afero.WriteFile(fs, root+"/src/a.rs", []byte("// r[impl auth.login]\nfn f(){}\n"), 0o644))

	svc := newTestService(t, fs, root, testConfig())
	uncov, err := svc.Uncovered("", "", "")
	must(t, err)
	if len(uncov) != 1 || uncov[0].ID != "auth.logout" {
		t.Fatalf("expected only auth.logout uncovered, got %+v", uncov)
	}
}

func TestRuleReturnsVersionNoteOnlyAboveV1(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/work"
	must(t, afero.WriteFile(fs, root+"/spec.md", []byte("r[auth.login+2]\nUsers must log in.\n"), 0o644))
	must(t, afero.WriteFile(fs, root+"/src/a.rs", []byte("// r[impl auth.login+2]\nfn f(){}\n"), 0o644))

	svc := newTestService(t, fs, root, testConfig())
	detail, err := svc.Rule("", "auth.login")
	must(t, err)
	if detail.VersionNote == "" {
		t.Fatal("expected a version note for a +2 rule")
	}
	if !detail.CoverageByImpl["m"] {
		t.Fatalf("expected impl %q to be covered, got %+v", "m", detail.CoverageByImpl)
	}
}

func TestUpdateFileRangeRejectsStaleHash(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/work"
	must(t, afero.WriteFile(fs, root+"/spec.md", []byte("r[auth.login]\nUsers must log in.\n"), 0o644))
	must(t, afero.WriteFile(fs, root+"/src/a.rs", []byte("fn f(){}\n"), 0o644))

	svc := newTestService(t, fs, root, testConfig())
	if _, err := svc.UpdateFileRange("src/a.rs", "deadbeef", 0, 0, "// r[impl auth.login]\n"); err == nil {
		t.Fatal("expected a hash-mismatch error")
	}
}

func TestUpdateFileRangeAppliesMatchingHash(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/work"
	must(t, afero.WriteFile(fs, root+"/spec.md", []byte("r[auth.login]\nUsers must log in.\n"), 0o644))
	must(t, afero.WriteFile(fs, root+"/src/a.rs", []byte("fn f(){}\n"), 0o644))

	svc := newTestService(t, fs, root, testConfig())
	b, err := afero.ReadFile(fs, root+"/src/a.rs")
	must(t, err)
	newHash, err := svc.UpdateFileRange("src/a.rs", hashOf(b), 0, 0, "// r[impl auth.login]\n")
	must(t, err)
	if newHash == hashOf(b) {
		t.Fatal("expected the hash to change after a successful update")
	}
}

func TestUnmappedReportsFullCoverageForFileWithNoUnits(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/work"
	must(t, afero.WriteFile(fs, root+"/spec.md", []byte("r[auth.login]\nUsers must log in.\n"), 0o644))
	must(t, afero.WriteFile(fs, root+"/src/a.rs", []byte("// just a comment, no units here\n"), 0o644))

	svc := newTestService(t, fs, root, testConfig())
	cov, err := svc.Unmapped("", "", "")
	must(t, err)
	if len(cov) != 1 || cov[0].TotalUnits != 0 {
		t.Fatalf("expected one file with zero units, got %+v", cov)
	}
	if cov[0].CoveragePct != 100.0 {
		t.Fatalf("expected a file with no units to read as 100%% covered, got %v", cov[0].CoveragePct)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
