// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

// Package detectors holds the content recognizers that drive moderation
// rules. Every detector is pure over its input text and safe for
// concurrent use; compiled tables are built once at package init.
package detectors

import "regexp"

// PII recognizer types reported in PIIResult.ByType.
const (
	PIITypeEmail      = "email"
	PIITypePhone      = "phone"
	PIITypeSSN        = "ssn"
	PIITypeCreditCard = "credit_card"
	PIITypeIPAddress  = "ip_address"
)

// piiPatterns is the fixed recognizer family. Patterns tolerate inline
// occurrences (word boundaries, not line anchors) so PII embedded mid
// sentence is still caught.
var piiPatterns = map[string]*regexp.Regexp{
	PIITypeEmail:      regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	PIITypePhone:      regexp.MustCompile(`\b(\+?\d{1,3}[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`),
	PIITypeSSN:        regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	PIITypeCreditCard: regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`),
	PIITypeIPAddress:  regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
}

// PIIResult reports what the PII recognizers found.
type PIIResult struct {
	HasPII  bool           `json:"has_pii"`
	ByType  map[string]int `json:"detected_types,omitempty"`
	Matches int            `json:"matches"`
}

// DetectPII scans text with the built-in recognizer family. Types with
// zero hits are omitted from ByType.
func DetectPII(text string) PIIResult {
	result := PIIResult{ByType: make(map[string]int)}

	for piiType, re := range piiPatterns {
		n := len(re.FindAllString(text, -1))
		if n > 0 {
			result.ByType[piiType] = n
			result.Matches += n
			result.HasPII = true
		}
	}

	return result
}
