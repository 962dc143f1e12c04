// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

// Package moderation implements the synchronous reply-moderation engine.
// Every chatbot reply passes through Engine.Moderate before it reaches a
// user: the engine evaluates the active rule snapshot for the request's
// region, decides whether to deliver, flag, or replace the reply, and
// emits exactly one audit record per invocation. The engine never returns
// an error and never panics outward; internal failures degrade to
// delivering the unmodified reply with the lapse recorded in metrics.
package moderation

import (
	"time"

	"modgate/platform/rules"
)

// Request carries one chatbot exchange through the engine. Rules scan
// BotResponse only; UserMessage is retained for the audit trail.
type Request struct {
	UserMessage string       `json:"user_message"`
	BotResponse string       `json:"bot_response"`
	Region      rules.Region `json:"region"`
	SessionID   string       `json:"session_id,omitempty"`
}

// RuleOutcome records a single rule evaluation that fired. Score is only
// set for detectors that produce one (toxicity); Matches holds
// detector-specific evidence such as matched keywords or PII types.
type RuleOutcome struct {
	RuleID      int64                  `json:"rule_id"`
	RuleName    string                 `json:"rule_name"`
	Kind        rules.Kind             `json:"rule_type"`
	Triggered   bool                   `json:"triggered"`
	ShouldBlock bool                   `json:"should_block"`
	Score       *float64               `json:"score,omitempty"`
	Matches     map[string]interface{} `json:"matches,omitempty"`
}

// Result is the verdict for one moderated exchange. Triggered lists the
// rules that fired in evaluation order (priority descending); Scores maps
// a detector kind label to its highest observed score.
type Result struct {
	RequestID     string             `json:"request_id"`
	FinalResponse string             `json:"final_response"`
	IsFlagged     bool               `json:"is_flagged"`
	IsBlocked     bool               `json:"is_blocked"`
	Triggered     []RuleOutcome      `json:"triggered_rules,omitempty"`
	Scores        map[string]float64 `json:"scores,omitempty"`
	Latency       time.Duration      `json:"latency_ns"`
	Region        rules.Region       `json:"region"`
	SessionID     string             `json:"session_id,omitempty"`
}

// Audit tags mark invocations that did not complete the normal path.
const (
	// TagCancelled marks an invocation whose caller went away before all
	// rules were evaluated. The partial verdict is still audited.
	TagCancelled = "cancelled"

	// TagEngineError marks an invocation rescued by the failsafe path.
	// The unmodified reply was delivered.
	TagEngineError = "engine_error"
)

// AuditRecord is the immutable trail entry emitted once per invocation,
// whether the exchange was allowed, flagged, blocked, or rescued.
type AuditRecord struct {
	RequestID     string             `json:"request_id"`
	Timestamp     time.Time          `json:"timestamp"`
	SessionID     string             `json:"session_id,omitempty"`
	Region        rules.Region       `json:"region"`
	UserMessage   string             `json:"user_message"`
	BotResponse   string             `json:"bot_response"`
	FinalResponse string             `json:"final_response"`
	IsFlagged     bool               `json:"is_flagged"`
	IsBlocked     bool               `json:"is_blocked"`
	Triggered     []RuleOutcome      `json:"triggered_rules,omitempty"`
	Scores        map[string]float64 `json:"scores,omitempty"`
	LatencyMS     float64            `json:"moderation_latency_ms"`
	Tag           string             `json:"tag,omitempty"`
}

// AuditSink receives one record per moderation invocation. Submit must
// not block the request path: implementations enqueue and report whether
// the record was accepted, accounting for drops themselves.
type AuditSink interface {
	Submit(rec AuditRecord) bool
}
