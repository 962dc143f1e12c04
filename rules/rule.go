// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

// Package rules defines the moderation rule model, the SQL-backed rule
// store, and the copy-on-write snapshot cache the engine reads on the
// request path.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Kind identifies which detector drives a rule and whether its patterns
// field is consulted.
type Kind string

const (
	// KindPII rules use the built-in PII recognizers (email, phone, SSN,
	// credit card, IPv4). Patterns are ignored.
	KindPII Kind = "PII"

	// KindToxicity rules score the response with the toxicity model and
	// trigger when the maximum label score reaches the rule threshold.
	KindToxicity Kind = "TOXICITY"

	// KindKeyword rules match patterns as case-insensitive substrings.
	KindKeyword Kind = "KEYWORD"

	// KindRegex rules match patterns as RE2 regular expressions.
	KindRegex Kind = "REGEX"

	// KindFinancial rules use the built-in financial vocabulary. Patterns
	// are ignored.
	KindFinancial Kind = "FINANCIAL"

	// KindMedical rules use the built-in medical vocabulary. Patterns are
	// ignored.
	KindMedical Kind = "MEDICAL"
)

// Kinds returns all valid rule kinds.
func Kinds() []Kind {
	return []Kind{KindPII, KindToxicity, KindKeyword, KindRegex, KindFinancial, KindMedical}
}

// IsValid returns true if the Kind is a known value.
func (k Kind) IsValid() bool {
	switch k {
	case KindPII, KindToxicity, KindKeyword, KindRegex, KindFinancial, KindMedical:
		return true
	default:
		return false
	}
}

// Label returns the lowercase form used in metric labels.
func (k Kind) Label() string {
	return strings.ToLower(string(k))
}

// UsesPatterns reports whether the patterns field is consulted for this kind.
func (k Kind) UsesPatterns() bool {
	return k == KindKeyword || k == KindRegex
}

// ParseKind converts a string to a Kind, case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("unknown rule kind %q", s)
	}
	return k, nil
}

// Region is the jurisdiction tag that selects which non-global rules apply
// to a request.
type Region string

const (
	RegionGlobal Region = "GLOBAL"
	RegionUS     Region = "US"
	RegionEU     Region = "EU"
	RegionUK     Region = "UK"
	RegionAPAC   Region = "APAC"
)

// Regions returns all valid regions.
func Regions() []Region {
	return []Region{RegionGlobal, RegionUS, RegionEU, RegionUK, RegionAPAC}
}

// IsValid returns true if the Region is a known value.
func (r Region) IsValid() bool {
	switch r {
	case RegionGlobal, RegionUS, RegionEU, RegionUK, RegionAPAC:
		return true
	default:
		return false
	}
}

// Label returns the lowercase form used in metric labels.
func (r Region) Label() string {
	return strings.ToLower(string(r))
}

// ParseRegion converts a string to a Region, case-insensitively.
func ParseRegion(s string) (Region, error) {
	r := Region(strings.ToUpper(strings.TrimSpace(s)))
	if !r.IsValid() {
		return "", fmt.Errorf("unknown region %q", s)
	}
	return r, nil
}

// DefaultThreshold is applied to toxicity rules that do not carry an
// explicit threshold.
const DefaultThreshold = 0.7

// Rule is the authoritative moderation rule record. Rules are created and
// mutated by the admin surface; the engine only ever reads them through the
// snapshot cache.
type Rule struct {
	ID          int64     `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	Kind        Kind      `json:"rule_type" db:"rule_type"`
	Region      Region    `json:"region" db:"region"`
	Patterns    []string  `json:"patterns,omitempty" db:"patterns"`
	Threshold   float64   `json:"threshold" db:"threshold"`
	Priority    int       `json:"priority" db:"priority"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	// Blocking overrides the kind-based blocking default when set. Nil
	// means "use the default for this kind" (see the decision policy).
	Blocking  *bool     `json:"blocking,omitempty" db:"blocking"`
	CreatedBy string    `json:"created_by,omitempty" db:"created_by"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Validation errors returned by Rule.Validate.
var (
	ErrNameRequired     = errors.New("rule name is required")
	ErrInvalidKind      = errors.New("rule kind is not a recognized value")
	ErrInvalidRegion    = errors.New("rule region is not a recognized value")
	ErrInvalidThreshold = errors.New("threshold must be between 0 and 1")
	ErrInvalidPriority  = errors.New("priority must be non-negative")
	ErrPatternsRequired = errors.New("keyword and regex rules require at least one pattern")
)

// Validate checks the invariants the admin surface must uphold before a
// rule is persisted. The snapshot loader re-validates regex patterns
// because stored rules may predate stricter checks.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return ErrNameRequired
	}
	if !r.Kind.IsValid() {
		return ErrInvalidKind
	}
	if !r.Region.IsValid() {
		return ErrInvalidRegion
	}
	if r.Threshold < 0 || r.Threshold > 1 {
		return ErrInvalidThreshold
	}
	if r.Priority < 0 {
		return ErrInvalidPriority
	}
	if r.Kind.UsesPatterns() && len(r.Patterns) == 0 {
		return ErrPatternsRequired
	}
	if r.Kind == KindRegex {
		for _, p := range r.Patterns {
			if err := ValidatePattern(p); err != nil {
				return fmt.Errorf("pattern %q: %w", p, err)
			}
		}
	}
	return nil
}

// EffectiveThreshold returns the rule threshold, applying the default for
// toxicity rules stored without one.
func (r *Rule) EffectiveThreshold() float64 {
	if r.Threshold <= 0 {
		return DefaultThreshold
	}
	return r.Threshold
}

// CompiledRule is a rule prepared for evaluation: keyword patterns are
// lowercased and regex patterns are compiled exactly once per rule version.
// Compiled rules live inside an immutable snapshot and are shared across
// requests without locking.
type CompiledRule struct {
	Rule

	// Substrings holds lowercased keyword patterns (KEYWORD rules only).
	Substrings []string

	// Regexps holds compiled patterns (REGEX rules only).
	Regexps []*regexp.Regexp
}

// Compile prepares a rule for evaluation. Regex rules with any invalid
// pattern fail to compile; the snapshot loader skips them and records a
// detector error so a bad pattern never reaches the request path.
func Compile(r Rule) (*CompiledRule, error) {
	cr := &CompiledRule{Rule: r}

	switch r.Kind {
	case KindKeyword:
		cr.Substrings = make([]string, 0, len(r.Patterns))
		for _, p := range r.Patterns {
			p = strings.ToLower(strings.TrimSpace(p))
			if p == "" {
				continue
			}
			cr.Substrings = append(cr.Substrings, p)
		}
		if len(cr.Substrings) == 0 {
			return nil, ErrPatternsRequired
		}
	case KindRegex:
		cr.Regexps = make([]*regexp.Regexp, 0, len(r.Patterns))
		for _, p := range r.Patterns {
			if err := ValidatePattern(p); err != nil {
				return nil, fmt.Errorf("pattern %q: %w", p, err)
			}
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("pattern %q: %w", p, err)
			}
			cr.Regexps = append(cr.Regexps, re)
		}
		if len(cr.Regexps) == 0 {
			return nil, ErrPatternsRequired
		}
	}

	return cr, nil
}
