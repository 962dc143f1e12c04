// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package detectors

import (
	"context"
	"regexp"
	"strings"
)

// Toxicity score labels. Every score map carries all six.
const (
	LabelToxicity       = "toxicity"
	LabelSevereToxicity = "severe_toxicity"
	LabelObscene        = "obscene"
	LabelThreat         = "threat"
	LabelInsult         = "insult"
	LabelIdentityHate   = "identity_hate"
)

// ToxicityLabels returns the six labels in reporting order.
func ToxicityLabels() []string {
	return []string{
		LabelToxicity, LabelSevereToxicity, LabelObscene,
		LabelThreat, LabelInsult, LabelIdentityHate,
	}
}

// ToxicityScores maps each label to a score in [0,1].
type ToxicityScores map[string]float64

// Max returns the highest label score.
func (s ToxicityScores) Max() float64 {
	max := 0.0
	for _, v := range s {
		if v > max {
			max = v
		}
	}
	return max
}

// ToxicityScorer scores text for toxicity. Implementations must be
// deterministic for a given input once initialized and safe for
// concurrent use.
type ToxicityScorer interface {
	Score(ctx context.Context, text string) (ToxicityScores, error)
}

// labelRule contributes a weight to one label when its pattern matches
// the normalized text.
type labelRule struct {
	pattern *regexp.Regexp
	label   string
	weight  float64
}

func rule(label string, weight float64, pattern string) labelRule {
	return labelRule{
		pattern: regexp.MustCompile("(?i)" + pattern),
		label:   label,
		weight:  weight,
	}
}

// RuleScorer is the built-in scorer: weighted pattern rules per label,
// applied to leetspeak-normalized text, dampened by surrounding context.
// It holds no mutable state after construction.
type RuleScorer struct {
	rules []labelRule
}

// NewRuleScorer builds the scorer with its built-in rule table.
func NewRuleScorer() *RuleScorer {
	return &RuleScorer{rules: []labelRule{
		// General toxicity
		rule(LabelToxicity, 0.75, `\bi hate you\b`),
		rule(LabelToxicity, 0.70, `\byou (suck|disgust me|make me sick)\b`),
		rule(LabelToxicity, 0.70, `\b(horrible|disgusting|terrible) (person|human)\b`),
		rule(LabelToxicity, 0.50, `\bworthless\b`),
		rule(LabelToxicity, 0.40, `\b(idiot|moron|stupid|dumb)\b`),

		// Severe toxicity
		rule(LabelSevereToxicity, 1.00, `\b(kill yourself|kys)\b`),
		rule(LabelSevereToxicity, 0.90, `\bgo die\b`),
		rule(LabelSevereToxicity, 0.90, `\bnobody would miss you\b`),

		// Obscenity
		rule(LabelObscene, 0.80, `\bf+u+c+k+`),
		rule(LabelObscene, 0.60, `\bs+h+i+t+\b`),
		rule(LabelObscene, 0.70, `\b(b+i+t+c+h+|a+s+s+h+o+l+e+)\b`),
		rule(LabelObscene, 0.30, `\bd+a+m+n+\b`),

		// Threats
		rule(LabelThreat, 0.95, `\b(kill|murder|hurt|beat) (you|him|her|them)\b`),
		rule(LabelThreat, 0.90, `\byou (will|are going to) (die|regret this)\b`),
		rule(LabelThreat, 0.60, `\bwatch your back\b`),
		rule(LabelThreat, 0.85, `\bviolent threat\b`),

		// Insults
		rule(LabelInsult, 0.80, `\byou( a|')?re (an? )?(idiot|moron|imbecile|fool|loser)\b`),
		rule(LabelInsult, 0.50, `\b(idiot|moron|loser|pathetic)\b`),
		rule(LabelInsult, 0.40, `\bshut up\b`),

		// Identity hate
		rule(LabelIdentityHate, 0.95, `\b(hate|despise) (all )?(muslims|jews|christians|immigrants|foreigners|women|men)\b`),
		rule(LabelIdentityHate, 0.90, `\bgo back to your country\b`),
		rule(LabelIdentityHate, 0.85, `\b(white power|ethnic cleansing|racial purity)\b`),
		rule(LabelIdentityHate, 0.60, `\bextremist\b`),
	}}
}

// Score computes the six label scores for text. It never returns an
// error; the interface carries one for model-backed scorers.
func (rs *RuleScorer) Score(_ context.Context, text string) (ToxicityScores, error) {
	scores := make(ToxicityScores, 6)
	for _, label := range ToxicityLabels() {
		scores[label] = 0
	}

	if strings.TrimSpace(text) == "" {
		return scores, nil
	}

	normalized := normalizeToxicityText(text)
	multiplier := contextMultiplier(text)

	for _, r := range rs.rules {
		if r.pattern.MatchString(normalized) {
			scores[r.label] += r.weight
		}
	}

	for label, score := range scores {
		score *= multiplier
		if score > 1.0 {
			score = 1.0
		}
		scores[label] = score
	}

	return scores, nil
}

// normalizeToxicityText lowercases and undoes common obfuscation:
// l33tspeak substitutions and repeated characters.
func normalizeToxicityText(text string) string {
	text = strings.ToLower(text)

	// Letter substitutions first, then separator stripping.
	replacements := []struct{ old, new string }{
		{"@", "a"},
		{"4", "a"},
		{"3", "e"},
		{"1", "i"},
		{"!", "i"},
		{"0", "o"},
		{"$", "s"},
		{"5", "s"},
		{"7", "t"},
		{"+", "t"},
		{"*", "u"},
		{"_", ""},
		{"-", ""},
	}
	for _, r := range replacements {
		text = strings.ReplaceAll(text, r.old, r.new)
	}

	// Collapse runs of the same character to at most two.
	var b strings.Builder
	b.Grow(len(text))
	lastChar := rune(0)
	repeat := 0
	for _, ch := range text {
		if ch == lastChar {
			repeat++
			if repeat < 3 {
				b.WriteRune(ch)
			}
			continue
		}
		b.WriteRune(ch)
		lastChar = ch
		repeat = 1
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

// contextMultiplier dampens scores for text that is likely quoting,
// code, or link sharing rather than speech directed at the user.
func contextMultiplier(text string) float64 {
	multiplier := 1.0

	if len(strings.TrimSpace(text)) < 10 {
		multiplier *= 0.8
	}

	if (strings.HasPrefix(text, `"`) && strings.HasSuffix(text, `"`)) ||
		(strings.HasPrefix(text, "'") && strings.HasSuffix(text, "'")) {
		multiplier *= 0.5
	}

	if strings.Contains(text, "```") || strings.Contains(text, "function") ||
		strings.Contains(text, "class ") || strings.Contains(text, "def ") {
		multiplier *= 0.6
	}

	if strings.Contains(text, "http://") || strings.Contains(text, "https://") ||
		strings.Contains(text, "www.") {
		multiplier *= 0.7
	}

	return multiplier
}
