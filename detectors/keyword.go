// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package detectors

import "strings"

// MatchKeywords returns the substrings found in text, case-insensitively.
// The caller passes pre-lowercased substrings (rule compilation does
// this); text is lowercased once here.
func MatchKeywords(text string, substrings []string) []string {
	if len(substrings) == 0 {
		return nil
	}

	textLower := strings.ToLower(text)
	var found []string
	for _, sub := range substrings {
		if sub == "" {
			continue
		}
		if strings.Contains(textLower, sub) {
			found = append(found, sub)
		}
	}
	return found
}
