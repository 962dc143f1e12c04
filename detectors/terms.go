// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package detectors

import "strings"

// matchTerms returns the vocabulary terms present in text as
// case-insensitive substrings. Vocabularies are stored lowercased.
func matchTerms(text string, vocabulary []string) []string {
	textLower := strings.ToLower(text)
	var found []string
	for _, term := range vocabulary {
		if strings.Contains(textLower, term) {
			found = append(found, term)
		}
	}
	return found
}
