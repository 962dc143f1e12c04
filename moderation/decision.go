// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package moderation

import (
	"strings"

	"modgate/platform/rules"
)

// hateMarker opts a KEYWORD rule into blocking. Keyword rules are
// advisory by default; a name containing this marker (any case) makes
// the rule block instead of flag.
const hateMarker = "hate"

// IsBlockingKeywordRule reports whether a KEYWORD rule's name opts it
// into blocking rather than flag-only behavior.
func IsBlockingKeywordRule(name string) bool {
	return strings.Contains(strings.ToLower(name), hateMarker)
}

// shouldBlock decides whether a triggered rule blocks the reply. A
// non-nil Blocking field on the rule overrides the per-kind convention.
func shouldBlock(cr *rules.CompiledRule) bool {
	if cr.Blocking != nil {
		return *cr.Blocking
	}
	switch cr.Kind {
	case rules.KindPII, rules.KindToxicity, rules.KindRegex, rules.KindFinancial, rules.KindMedical:
		return true
	case rules.KindKeyword:
		return IsBlockingKeywordRule(cr.Name)
	default:
		return false
	}
}
