// Package config defines the resolved Tracey configuration tree (specs,
// their impls, and daemon-level settings) and a filesystem-backed Source
// for loading and persisting it, mirroring the teacher's own
// internal/config.Source abstraction.
package config

import (
	"path/filepath"
	"time"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/goccy/go-yaml"
	"github.com/spf13/afero"
)

const (
	// FileName is the default config file name, relative to the workspace
	// root.
	FileName = "tracey.yaml"

	// DefaultIdleTimeout is how long the daemon waits with zero
	// connections before shutting itself down.
	DefaultIdleTimeout = 600 * time.Second
)

const (
	errReadConfig   = "failed to read config file"
	errParseConfig  = "failed to parse config file"
	errWriteConfig  = "failed to write config file"
	errNoSuchSpec   = "no such spec"
	errNoSuchImpl   = "no such impl"
	errEmptySpecs   = "config must declare at least one spec"
	errEmptyImpls   = "spec must declare at least one impl"
	errDuplicateTag = "duplicate spec name"
)

// ImplConfig describes one implementation (one language, one source tree)
// of a SpecConfig.
type ImplConfig struct {
	Name        string   `yaml:"name"`
	Include     []string `yaml:"include"`
	Exclude     []string `yaml:"exclude,omitempty"`
	TestInclude []string `yaml:"test_include,omitempty"`
}

// SpecConfig describes one specification: its Markdown sources and the
// prefix that partitions the reference namespace for it.
type SpecConfig struct {
	Name      string       `yaml:"name"`
	Prefix    string       `yaml:"prefix"`
	SourceURL string       `yaml:"source_url,omitempty"`
	Include   []string     `yaml:"include"`
	Impls     []ImplConfig `yaml:"impls"`
}

// Config is the full resolved Tracey configuration.
type Config struct {
	Specs       []SpecConfig  `yaml:"specs"`
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty"`
}

// Validate checks structural invariants that are cheap to verify up
// front (non-empty spec/impl lists, unique names). Deeper validation
// (duplicate rule IDs, grammar, etc.) happens in the Snapshot Builder.
func (c *Config) Validate() error {
	if len(c.Specs) == 0 {
		return errors.New(errEmptySpecs)
	}
	seen := make(map[string]bool, len(c.Specs))
	for _, s := range c.Specs {
		if seen[s.Name] {
			return errors.Errorf("%s: %s", errDuplicateTag, s.Name)
		}
		seen[s.Name] = true
		if len(s.Impls) == 0 {
			return errors.Errorf("%s: %s", errEmptyImpls, s.Name)
		}
	}
	return nil
}

// DefaultSpec resolves an optional spec name to the first configured spec
// when name is empty, per spec.md §4.7's "missing spec -> first configured
// spec" rule.
func (c *Config) DefaultSpec(name string) (*SpecConfig, error) {
	if name == "" {
		if len(c.Specs) == 0 {
			return nil, errors.New(errEmptySpecs)
		}
		return &c.Specs[0], nil
	}
	for i := range c.Specs {
		if c.Specs[i].Name == name {
			return &c.Specs[i], nil
		}
	}
	return nil, errors.Errorf("%s: %s", errNoSuchSpec, name)
}

// DefaultImpl resolves an optional impl name to the first impl of spec
// when name is empty.
func DefaultImpl(spec *SpecConfig, name string) (*ImplConfig, error) {
	if name == "" {
		if len(spec.Impls) == 0 {
			return nil, errors.Errorf("%s: %s", errEmptyImpls, spec.Name)
		}
		return &spec.Impls[0], nil
	}
	for i := range spec.Impls {
		if spec.Impls[i].Name == name {
			return &spec.Impls[i], nil
		}
	}
	return nil, errors.Errorf("%s: %s", errNoSuchImpl, name)
}

// Source loads and persists a Config.
type Source interface {
	GetConfig() (*Config, error)
	UpdateConfig(*Config) error
}

// FSSource is a Source backed by a YAML file on an afero.Fs.
type FSSource struct {
	fs   afero.Fs
	path string
}

// NewFSSource returns a Source rooted at <root>/tracey.yaml (or the
// explicit path, if non-empty).
func NewFSSource(fs afero.Fs, root, path string) *FSSource {
	if path == "" {
		path = filepath.Join(root, FileName)
	}
	return &FSSource{fs: fs, path: path}
}

// GetConfig reads and parses the config file.
func (s *FSSource) GetConfig() (*Config, error) {
	b, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return nil, errors.Wrap(err, errReadConfig)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrap(err, errParseConfig)
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return cfg, nil
}

// UpdateConfig serializes and writes cfg back to the file, used by
// config_add_include/config_add_exclude.
func (s *FSSource) UpdateConfig(cfg *Config) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, errWriteConfig)
	}
	if err := afero.WriteFile(s.fs, s.path, b, 0o644); err != nil {
		return errors.Wrap(err, errWriteConfig)
	}
	return nil
}

// Path returns the config file's path, used by the Watcher to recognize
// Reconfigure events.
func (s *FSSource) Path() string {
	return s.path
}
