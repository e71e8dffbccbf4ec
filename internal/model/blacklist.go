package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MatchKind selects how a blacklist pattern is compared to a database name.
type MatchKind string

// Blacklist match kinds.
const (
	MatchExact  MatchKind = "exact"
	MatchPrefix MatchKind = "prefix"
	MatchRegex  MatchKind = "regex"
)

// BlacklistEntry hides system or internal databases from the discovered
// inventory. Entries are append-only.
type BlacklistEntry struct {
	ID        string    `json:"id" yaml:"-"`
	Pattern   string    `json:"pattern" yaml:"pattern"`
	Kind      MatchKind `json:"kind" yaml:"kind"`
	Reason    string    `json:"reason" yaml:"reason"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// DefaultBlacklist lists the system schemas of the supported engines.
var DefaultBlacklist = []BlacklistEntry{
	{Pattern: "postgres", Kind: MatchExact, Reason: "postgres maintenance database"},
	{Pattern: `^template[0-9]+$`, Kind: MatchRegex, Reason: "postgres template databases"},
	{Pattern: "admin", Kind: MatchExact, Reason: "mongodb system database"},
	{Pattern: "config", Kind: MatchExact, Reason: "mongodb system database"},
	{Pattern: "local", Kind: MatchExact, Reason: "mongodb system database"},
	{Pattern: "information_schema", Kind: MatchExact, Reason: "mysql system schema"},
	{Pattern: "mysql", Kind: MatchExact, Reason: "mysql system schema"},
	{Pattern: "performance_schema", Kind: MatchExact, Reason: "mysql system schema"},
	{Pattern: "sys", Kind: MatchExact, Reason: "mysql system schema"},
}

// Validate checks that the entry has a pattern and a known kind, and that
// regex patterns compile.
func (e *BlacklistEntry) Validate() error {
	if e.Pattern == "" {
		return fmt.Errorf("blacklist pattern is required")
	}
	switch e.Kind {
	case MatchExact, MatchPrefix:
	case MatchRegex:
		if _, err := regexp.Compile(e.Pattern); err != nil {
			return fmt.Errorf("blacklist pattern %q: %w", e.Pattern, err)
		}
	default:
		return fmt.Errorf("unsupported blacklist kind %q", e.Kind)
	}
	return nil
}

// Blacklist is a compiled, read-only view of a set of blacklist entries.
type Blacklist struct {
	entries []BlacklistEntry
	regexes map[int]*regexp.Regexp
}

// NewBlacklist compiles entries into a Blacklist. It fails if any regex entry
// does not compile.
func NewBlacklist(entries []BlacklistEntry) (*Blacklist, error) {
	b := &Blacklist{
		entries: entries,
		regexes: make(map[int]*regexp.Regexp),
	}
	for i, e := range entries {
		if e.Kind != MatchRegex {
			continue
		}
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile blacklist entry %q: %w", e.Pattern, err)
		}
		b.regexes[i] = re
	}
	return b, nil
}

// Match returns the first entry excluding name, if any.
func (b *Blacklist) Match(name string) (BlacklistEntry, bool) {
	for i, e := range b.entries {
		var hit bool
		switch e.Kind {
		case MatchExact:
			hit = name == e.Pattern
		case MatchPrefix:
			hit = strings.HasPrefix(name, e.Pattern)
		case MatchRegex:
			hit = b.regexes[i].MatchString(name)
		}
		if hit {
			return e, true
		}
	}
	return BlacklistEntry{}, false
}

// Filter splits names into those kept and those excluded by any entry.
func (b *Blacklist) Filter(names []string) (kept, excluded []string) {
	for _, n := range names {
		if _, ok := b.Match(n); ok {
			excluded = append(excluded, n)
			continue
		}
		kept = append(kept, n)
	}
	return kept, excluded
}
