// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Pattern validation constants
const (
	// MaxPatternLength is the maximum allowed length for a regex pattern.
	MaxPatternLength = 1000

	// MaxCaptureGroups is the maximum number of capture groups allowed.
	MaxCaptureGroups = 10

	// PatternMatchTimeout is the timeout for pattern matching tests.
	PatternMatchTimeout = 100 * time.Millisecond
)

// Pattern validation errors
var (
	ErrPatternEmpty         = errors.New("pattern cannot be empty")
	ErrPatternTooLong       = errors.New("pattern exceeds maximum length")
	ErrPatternTooManyGroups = errors.New("pattern has too many capture groups")
	ErrPatternMatchTimeout  = errors.New("pattern matching timed out")
	ErrPatternInvalidSyntax = errors.New("pattern has invalid RE2 syntax")
	ErrPatternNestedGroups  = errors.New("pattern contains nested quantifiers")
)

// ValidatePattern checks that a pattern is valid RE2 regex with safety
// limits. It runs at rule create/update time and again when the snapshot
// loader compiles stored rules, so a pattern that slips past an older
// validator still cannot reach the request path.
func ValidatePattern(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return ErrPatternEmpty
	}

	if len(pattern) > MaxPatternLength {
		return ErrPatternTooLong
	}

	// Reject Perl syntax RE2 does not support before compiling so the
	// error names the construct instead of parroting the parser.
	if err := checkRE2Syntax(pattern); err != nil {
		return err
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPatternInvalidSyntax, err)
	}

	if re.NumSubexp() > MaxCaptureGroups {
		return ErrPatternTooManyGroups
	}

	// Go's regexp uses RE2 which is guaranteed linear time, but nested
	// quantifiers can still be slow on very long inputs.
	if containsNestedQuantifiers(pattern) {
		return ErrPatternNestedGroups
	}

	if err := testPatternTimeout(re); err != nil {
		return err
	}

	return nil
}

// checkRE2Syntax rejects common unsupported Perl regex syntax.
func checkRE2Syntax(pattern string) error {
	unsupportedPatterns := map[string]string{
		`\(\?!`:   "negative lookahead (?!...)",
		`\(\?=`:   "positive lookahead (?=...)",
		`\(\?<!`:  "negative lookbehind (?<!...)",
		`\(\?<=`:  "positive lookbehind (?<=...)",
		`\\[0-9]`: "backreferences (\\1, \\2, etc.)",
		`\(\?P=`:  "named backreferences (?P=name)",
	}

	for regexPattern, description := range unsupportedPatterns {
		matched, _ := regexp.MatchString(regexPattern, pattern)
		if matched {
			return fmt.Errorf("%w: %s not supported in Go regexp", ErrPatternInvalidSyntax, description)
		}
	}

	return nil
}

// containsNestedQuantifiers checks for patterns that might cause
// performance issues on long chat transcripts.
func containsNestedQuantifiers(pattern string) bool {
	nestedQuantifiers := []string{
		`\(\.\*\)\+`, // (.*)+
		`\(\.\+\)\+`, // (.+)+
		`\(\.\*\)\*`, // (.*)*
		`\(\.\+\)\*`, // (.+)*
	}

	for _, nq := range nestedQuantifiers {
		if matched, _ := regexp.MatchString(nq, pattern); matched {
			return true
		}
	}

	return false
}

// testPatternTimeout tests that the pattern can match within the timeout.
func testPatternTimeout(re *regexp.Regexp) error {
	// Inputs shaped like the chat text the pattern will actually see.
	testInputs := []string{
		"",
		"hello, how can I help you today?",
		strings.Repeat("a", 100),
		strings.Repeat("ab", 50),
		"contact me at user@example.com or 555-123-4567",
		"my SSN is 123-45-6789",
		"card number 4111 1111 1111 1111 expires 12/26",
		"guaranteed return on your investment, act now",
	}

	done := make(chan bool, 1)
	go func() {
		for _, input := range testInputs {
			re.MatchString(input)
		}
		done <- true
	}()

	select {
	case <-done:
		return nil
	case <-time.After(PatternMatchTimeout):
		return ErrPatternMatchTimeout
	}
}
