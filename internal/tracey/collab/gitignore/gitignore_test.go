package gitignore

import (
	"testing"

	"github.com/spf13/afero"
)

func TestMatcherExcludesIgnoredPaths(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/ws/.gitignore", []byte("target/\n*.log\n"), 0o644) //nolint:errcheck
	afero.WriteFile(fs, "/ws/src/main.rs", []byte(""), 0o644)               //nolint:errcheck

	m, err := Load(fs, "/ws")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !m.Matches("target", true) {
		t.Fatalf("expected target/ to be excluded")
	}
	if !m.Matches("debug.log", false) {
		t.Fatalf("expected *.log to be excluded")
	}
	if m.Matches("src/main.rs", false) {
		t.Fatalf("expected src/main.rs to not be excluded")
	}
}

func TestMatcherWithNoGitignore(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/ws/src/main.rs", []byte(""), 0o644) //nolint:errcheck

	m, err := Load(fs, "/ws")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Matches("anything", false) {
		t.Fatalf("expected no matches with no .gitignore present")
	}
}
