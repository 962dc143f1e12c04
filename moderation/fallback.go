// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package moderation

import "modgate/platform/rules"

// Fallback replies substituted for blocked responses. The wording is part
// of the product surface; downstream clients match on these strings.
const (
	FallbackDefault   = "I apologize, but I cannot provide that response. Please rephrase your question."
	FallbackPII       = "I detected potential personal information in the response. For your privacy, I cannot share that."
	FallbackToxicity  = "I apologize, but that response doesn't meet our community guidelines."
	FallbackFinancial = "I cannot provide specific financial advice or information on that topic."
	FallbackMedical   = "I cannot provide specific medical information. Please consult a healthcare professional."
)

// Fallbacks holds the replacement messages per blocking category. Empty
// fields keep the stock wording, so a config file can override a single
// message without restating the rest.
type Fallbacks struct {
	Default   string `yaml:"default" json:"default"`
	PII       string `yaml:"pii" json:"pii"`
	Toxicity  string `yaml:"toxicity" json:"toxicity"`
	Financial string `yaml:"financial" json:"financial"`
	Medical   string `yaml:"medical" json:"medical"`
}

// DefaultFallbacks returns the stock messages.
func DefaultFallbacks() Fallbacks {
	return Fallbacks{
		Default:   FallbackDefault,
		PII:       FallbackPII,
		Toxicity:  FallbackToxicity,
		Financial: FallbackFinancial,
		Medical:   FallbackMedical,
	}
}

// withDefaults fills empty fields with the stock wording.
func (f Fallbacks) withDefaults() Fallbacks {
	d := DefaultFallbacks()
	if f.Default == "" {
		f.Default = d.Default
	}
	if f.PII == "" {
		f.PII = d.PII
	}
	if f.Toxicity == "" {
		f.Toxicity = d.Toxicity
	}
	if f.Financial == "" {
		f.Financial = d.Financial
	}
	if f.Medical == "" {
		f.Medical = d.Medical
	}
	return f
}

// pick returns the user-facing replacement for a blocked reply based on
// the highest-precedence blocking kind among the triggered outcomes.
// REGEX and KEYWORD rules share the generic message.
func (f Fallbacks) pick(outcomes []RuleOutcome) string {
	blocking := make(map[rules.Kind]bool, len(outcomes))
	for _, o := range outcomes {
		if o.Triggered && o.ShouldBlock {
			blocking[o.Kind] = true
		}
	}
	order := []struct {
		kind    rules.Kind
		message string
	}{
		{rules.KindPII, f.PII},
		{rules.KindToxicity, f.Toxicity},
		{rules.KindFinancial, f.Financial},
		{rules.KindMedical, f.Medical},
	}
	for _, o := range order {
		if blocking[o.kind] {
			return o.message
		}
	}
	return f.Default
}

// fallbackFor picks with the stock messages.
func fallbackFor(outcomes []RuleOutcome) string {
	return DefaultFallbacks().pick(outcomes)
}
