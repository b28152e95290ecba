// Package ruleid implements the rule-identity algebra: parsing, canonical
// rendering, and staleness classification of versioned rule IDs of the form
// `base` or `base+N`.
package ruleid

import (
	"strconv"
	"strings"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
)

const (
	errEmptyID      = "rule id must not be empty"
	errEmptyBase    = "rule id base must not be empty"
	errMultiplePlus = "rule id must contain at most one '+'"
	errBadVersion   = "rule id version must be a positive integer"
)

// ID is a structured, versioned rule identifier.
type ID struct {
	Base    string
	Version uint
}

// New constructs an ID, rejecting an empty base or a zero version.
func New(base string, version uint) (ID, error) {
	if base == "" {
		return ID{}, errors.New(errEmptyBase)
	}
	if strings.Contains(base, "+") {
		return ID{}, errors.New(errMultiplePlus)
	}
	if version == 0 {
		return ID{}, errors.New(errBadVersion)
	}
	return ID{Base: base, Version: version}, nil
}

// Parse accepts `base` (implicit version 1) or `base+N` (N>=1).
func Parse(s string) (ID, error) {
	if s == "" {
		return ID{}, errors.New(errEmptyID)
	}
	if !strings.Contains(s, "+") {
		return New(s, 1)
	}
	if strings.Count(s, "+") > 1 {
		return ID{}, errors.New(errMultiplePlus)
	}
	i := strings.LastIndexByte(s, '+')
	base, versionStr := s[:i], s[i+1:]
	if base == "" || versionStr == "" {
		return ID{}, errors.New(errBadVersion)
	}
	n, err := strconv.ParseUint(versionStr, 10, 32)
	if err != nil || n == 0 {
		return ID{}, errors.New(errBadVersion)
	}
	return New(base, uint(n))
}

// String renders the canonical form: `base` for v1, else `base+N`.
func (id ID) String() string {
	if id.Version <= 1 {
		return id.Base
	}
	return id.Base + "+" + strconv.FormatUint(uint64(id.Version), 10)
}

// SameBase reports whether two IDs refer to the same rule across versions.
func (id ID) SameBase(other ID) bool {
	return id.Base == other.Base
}

// Match is the classification of a reference against a rule's current
// version.
type Match int

const (
	// NoMatch: different base, or the reference names a version newer than
	// the rule's current version.
	NoMatch Match = iota
	// Exact: same base, same version.
	Exact
	// Stale: same base, reference names an older version.
	Stale
)

func (m Match) String() string {
	switch m {
	case Exact:
		return "Exact"
	case Stale:
		return "Stale"
	default:
		return "NoMatch"
	}
}

// Classify compares a reference ID against a rule's canonical ID.
func Classify(rule, ref ID) Match {
	if rule.Base != ref.Base {
		return NoMatch
	}
	switch {
	case ref.Version == rule.Version:
		return Exact
	case ref.Version < rule.Version:
		return Stale
	default:
		return NoMatch
	}
}
