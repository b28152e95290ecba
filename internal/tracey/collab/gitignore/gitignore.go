// Package gitignore implements the collab.GitignoreMatcher collaborator
// on top of go-git's gitignore pattern engine, the same library the
// teacher depends on for its own repository plumbing.
package gitignore

import (
	"os"
	"path/filepath"
	"strings"

	gogitignore "github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/spf13/afero"
)

const gitignoreFileName = ".gitignore"

// Matcher compiles every .gitignore found under a project root into a
// single pattern set, in the order go-git expects (root-relative domains
// innermost-last so more specific directories can re-include paths).
type Matcher struct {
	root     string
	patterns []gogitignore.Pattern
}

// Load walks root collecting every .gitignore file's patterns.
// A tree with no .gitignore files yields a Matcher with no patterns,
// which matches nothing.
func Load(fs afero.Fs, root string) (*Matcher, error) {
	m := &Matcher{root: root}

	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable subtrees are skipped, not fatal
		}
		if info.IsDir() || info.Name() != gitignoreFileName {
			return nil
		}
		b, readErr := afero.ReadFile(fs, path)
		if readErr != nil {
			return nil //nolint:nilerr
		}
		rel, relErr := filepath.Rel(root, filepath.Dir(path))
		if relErr != nil {
			rel = ""
		}
		var domain []string
		if rel != "." && rel != "" {
			domain = strings.Split(filepath.ToSlash(rel), "/")
		}
		for _, line := range strings.Split(string(b), "\n") {
			if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
				continue
			}
			m.patterns = append(m.patterns, gogitignore.ParsePattern(line, domain))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Matches reports whether path (relative to the project root, using '/'
// separators) is excluded.
func (m *Matcher) Matches(path string, isDir bool) bool {
	if len(m.patterns) == 0 {
		return false
	}
	parts := strings.Split(filepath.ToSlash(path), "/")
	result := gogitignore.NoMatch
	for _, p := range m.patterns {
		if r := p.Match(parts, isDir); r != gogitignore.NoMatch {
			result = r
		}
	}
	return result == gogitignore.Exclude
}
