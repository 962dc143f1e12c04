// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

// Package metrics defines the Prometheus metric families for the moderation
// gateway. Metric names are stable and scraped by the operations dashboards;
// renaming one is a breaking change for the monitoring stack.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ModerationLatency tracks time spent in the moderation layer.
	// Buckets are tuned around the 100ms SLA.
	ModerationLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "moderation_latency_seconds",
			Help:    "Time spent in moderation layer (seconds)",
			Buckets: []float64{0.01, 0.025, 0.05, 0.075, 0.1, 0.15, 0.2, 0.5, 1.0},
		},
	)

	// SLAViolations counts requests that exceeded (or approached) the 100ms SLA.
	SLAViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_sla_violations_total",
			Help: "Number of moderation requests exceeding 100ms SLA",
		},
		[]string{"severity"}, // warning (80-100ms), critical (>100ms)
	)

	// ModerationRequests counts moderation invocations by final verdict.
	// Summed over status it equals the total invocation count.
	ModerationRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_requests_total",
			Help: "Total number of moderation requests processed",
		},
		[]string{"region", "status"}, // status: allowed, flagged, blocked
	)

	// Interception tracks the 100%-interception property. Any increment with
	// intercepted="false" means a reply reached a user through the failsafe
	// path and is treated as a critical alarm.
	Interception = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_interception_total",
			Help: "Total responses intercepted by moderation",
		},
		[]string{"intercepted"},
	)

	// RulesTriggered counts how often each rule fired.
	RulesTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_rules_triggered_total",
			Help: "Number of times each rule was triggered",
		},
		[]string{"rule_id", "rule_name", "rule_type"},
	)

	// RuleExecution tracks per-rule evaluation time.
	RuleExecution = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rule_execution_seconds",
			Help:    "Time to execute individual moderation rules",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
		[]string{"rule_type"},
	)

	// DetectorErrors counts per-detector failures (regex compile, model
	// error, timeout). Failed rules are skipped, never escalated, so this
	// counter is the only place those failures surface.
	DetectorErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detector_errors_total",
			Help: "Number of detector evaluation failures",
		},
		[]string{"detector", "reason"}, // reason: regex_compile, model_error, timeout, cancelled
	)

	// AuditRecords counts audit emissions by tag ("" is reported as "ok").
	AuditRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_records_total",
			Help: "Audit records submitted per moderation invocation",
		},
		[]string{"tag"}, // ok, engine_error, cancelled
	)

	// AuditDropped counts audit records dropped because the queue was full.
	AuditDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_queue_dropped_total",
			Help: "Audit records dropped due to a full queue",
		},
	)

	// AuditWriteFailures counts audit records that failed to persist after retries.
	AuditWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Audit records that failed to persist after retries",
		},
	)

	// RuleRefreshFailures counts failed rule snapshot refreshes. The engine
	// keeps serving from the last good snapshot, so operators must watch this.
	RuleRefreshFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rule_refresh_failures_total",
			Help: "Failed rule snapshot refreshes (stale snapshot still served)",
		},
	)

	// ActiveRules reports the current active rule count per region and type.
	ActiveRules = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "active_rules_count",
			Help: "Number of active moderation rules",
		},
		[]string{"region", "rule_type"},
	)

	// ChatbotResponseTime tracks upstream reply generation time.
	ChatbotResponseTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatbot_response_seconds",
			Help:    "Time to generate chatbot response",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"provider"}, // openai, anthropic, ollama, bedrock, mock
	)

	// ChatbotErrors counts upstream provider failures.
	ChatbotErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbot_errors_total",
			Help: "Number of chatbot errors",
		},
		[]string{"provider", "error_type"},
	)

	// DatabaseQueryTime tracks store query latency.
	DatabaseQueryTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_seconds",
			Help:    "Database query execution time",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
		},
		[]string{"query_type"}, // get_rules, create_audit_log, etc.
	)

	// CacheHits and CacheMisses track the rule snapshot and toxicity caches.
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Number of cache hits",
		},
		[]string{"cache_type"}, // rule_snapshot, toxicity_redis
	)
	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Number of cache misses",
		},
		[]string{"cache_type"},
	)

	// MLInferenceTime tracks detector model scoring time.
	MLInferenceTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ml_inference_seconds",
			Help:    "ML model inference time",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"model_type"}, // toxicity
	)

	// MLModelScores tracks the distribution of model confidence scores.
	MLModelScores = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ml_model_scores",
			Help:    "Distribution of ML model confidence scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
		[]string{"model_type"},
	)
)

// registerOnce ensures metrics are registered exactly once even when
// multiple components import this package.
var registerOnce sync.Once

func init() {
	Register()
}

// Register registers all metric families with the default registry.
// Safe to call multiple times.
func Register() {
	registerOnce.Do(func() {
		collectors := []prometheus.Collector{
			ModerationLatency,
			SLAViolations,
			ModerationRequests,
			Interception,
			RulesTriggered,
			RuleExecution,
			DetectorErrors,
			AuditRecords,
			AuditDropped,
			AuditWriteFailures,
			RuleRefreshFailures,
			ActiveRules,
			ChatbotResponseTime,
			ChatbotErrors,
			DatabaseQueryTime,
			CacheHits,
			CacheMisses,
			MLInferenceTime,
			MLModelScores,
		}
		for _, c := range collectors {
			// Duplicate registration is fine (tests re-init packages)
			_ = prometheus.Register(c)
		}
	})
}

// TrackModerationLatency records latency and increments the SLA counters.
// Thresholds: warning above 80ms, critical above 100ms.
func TrackModerationLatency(latency time.Duration) {
	seconds := latency.Seconds()
	ModerationLatency.Observe(seconds)

	ms := seconds * 1000
	if ms > 100 {
		SLAViolations.WithLabelValues("critical").Inc()
	} else if ms > 80 {
		SLAViolations.WithLabelValues("warning").Inc()
	}
}

// TrackModerationDecision increments the per-verdict request counter.
// Blocked wins over flagged when both are set.
func TrackModerationDecision(isBlocked, isFlagged bool, region string) {
	status := "allowed"
	if isBlocked {
		status = "blocked"
	} else if isFlagged {
		status = "flagged"
	}
	ModerationRequests.WithLabelValues(region, status).Inc()
}

// TrackInterception records whether a reply passed through the engine.
// intercepted=false is only ever emitted by the engine failsafe path.
func TrackInterception(intercepted bool) {
	if intercepted {
		Interception.WithLabelValues("true").Inc()
	} else {
		Interception.WithLabelValues("false").Inc()
	}
}

// TrackRuleTriggered increments the trigger counter for a rule.
func TrackRuleTriggered(ruleID, ruleName, ruleType string) {
	RulesTriggered.WithLabelValues(ruleID, ruleName, ruleType).Inc()
}

// TrackDetectorError increments the per-detector failure counter.
func TrackDetectorError(detector, reason string) {
	DetectorErrors.WithLabelValues(detector, reason).Inc()
}

// TrackAuditRecord counts one audit emission under its tag.
func TrackAuditRecord(tag string) {
	if tag == "" {
		tag = "ok"
	}
	AuditRecords.WithLabelValues(tag).Inc()
}
