// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package detectors

import "regexp"

// MatchRegexps returns the source patterns that matched text. Patterns
// arrive compiled; rule compilation rejects anything that will not
// compile, so this never runs an unvetted expression.
func MatchRegexps(text string, regexps []*regexp.Regexp) []string {
	var found []string
	for _, re := range regexps {
		if re == nil {
			continue
		}
		if re.MatchString(text) {
			found = append(found, re.String())
		}
	}
	return found
}
