// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package moderation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"modgate/platform/detectors"
	"modgate/platform/metrics"
	"modgate/platform/rules"
	"modgate/platform/shared/logger"
)

// defaultScoreTimeout bounds a single toxicity scorer call. The built-in
// scorer finishes in microseconds; the bound exists for model-backed and
// cache-backed scorers that do I/O.
const defaultScoreTimeout = 500 * time.Millisecond

// Config wires an Engine's collaborators. Cache is required; a nil
// Scorer defaults to the built-in rule scorer and a nil Sink disables
// audit emission (tests only; production always wires a sink).
type Config struct {
	Cache  *rules.SnapshotCache
	Scorer detectors.ToxicityScorer
	Sink   AuditSink

	// Fallbacks overrides the stock replacement messages for blocked
	// replies. Empty fields keep the stock wording.
	Fallbacks Fallbacks

	// ToxicityFailClosed blocks the reply when the toxicity scorer fails
	// instead of the default observable fail-open.
	ToxicityFailClosed bool

	// ToxicityScoreTimeout caps one scorer call. Zero means the default.
	ToxicityScoreTimeout time.Duration
}

// Engine evaluates chatbot replies against the active rule snapshot.
// It is safe for concurrent use; all per-request state lives on the
// stack of Moderate.
type Engine struct {
	cache              *rules.SnapshotCache
	scorer             detectors.ToxicityScorer
	sink               AuditSink
	fallbacks          Fallbacks
	log                *logger.Logger
	toxicityFailClosed bool
	scoreTimeout       time.Duration
}

// NewEngine builds a moderation engine from cfg.
func NewEngine(cfg Config) *Engine {
	scorer := cfg.Scorer
	if scorer == nil {
		scorer = detectors.NewRuleScorer()
	}
	scoreTimeout := cfg.ToxicityScoreTimeout
	if scoreTimeout <= 0 {
		scoreTimeout = defaultScoreTimeout
	}
	return &Engine{
		cache:              cfg.Cache,
		scorer:             scorer,
		sink:               cfg.Sink,
		fallbacks:          cfg.Fallbacks.withDefaults(),
		log:                logger.New("moderation-engine"),
		toxicityFailClosed: cfg.ToxicityFailClosed,
		scoreTimeout:       scoreTimeout,
	}
}

// Moderate evaluates one chatbot reply and returns the verdict. It never
// returns an error and never panics outward: any internal failure falls
// back to delivering the unmodified reply, with the lapse visible in the
// interception metric and the audit trail.
//
// Rules are evaluated highest priority first. A cancelled context stops
// evaluation early; the partial verdict is still returned and audited.
func (e *Engine) Moderate(ctx context.Context, req Request) (res Result) {
	start := time.Now()

	res = Result{
		RequestID:     uuid.New().String(),
		FinalResponse: req.BotResponse,
		Region:        req.Region,
		SessionID:     req.SessionID,
	}

	audited := false
	emit := func(tag string) {
		if audited {
			return
		}
		audited = true
		metrics.TrackAuditRecord(tag)
		if e.sink != nil {
			e.sink.Submit(buildAudit(req, res, tag))
		}
	}

	// completed flips once the verdict is final. A panic after that point
	// (for example inside the audit sink) must not replace a blocked reply
	// with the original one.
	completed := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if !completed {
			res = Result{
				RequestID:     res.RequestID,
				FinalResponse: req.BotResponse,
				Region:        req.Region,
				SessionID:     req.SessionID,
				Latency:       time.Since(start),
			}
			metrics.TrackInterception(false)
			metrics.TrackModerationDecision(false, false, req.Region.Label())
			metrics.TrackModerationLatency(res.Latency)
		}
		e.log.Error(req.SessionID, res.RequestID, "Moderation engine panic, delivering unmodified response", map[string]interface{}{
			"panic": fmt.Sprint(r),
		})
		emit(TagEngineError)
	}()

	// An empty reply can never trigger a rule; skip straight to the verdict.
	var active []*rules.CompiledRule
	if req.BotResponse != "" {
		active = e.cache.ForRegion(req.Region)
	}

	var outcomes []RuleOutcome
	scores := make(map[string]float64)
	cancelled := false

	for _, cr := range active {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		outcome, err := e.evaluate(ctx, cr, req.BotResponse)
		if err != nil {
			e.log.ErrorWithErr(req.SessionID, res.RequestID, "Rule evaluation failed, skipping rule", err, map[string]interface{}{
				"rule_id":   cr.ID,
				"rule_name": cr.Name,
				"rule_type": cr.Kind.Label(),
			})
			continue
		}
		if outcome.Score != nil {
			label := cr.Kind.Label()
			if prev, ok := scores[label]; !ok || *outcome.Score > prev {
				scores[label] = *outcome.Score
			}
		}
		if !outcome.Triggered {
			continue
		}
		outcomes = append(outcomes, outcome)
		metrics.TrackRuleTriggered(strconv.FormatInt(cr.ID, 10), cr.Name, cr.Kind.Label())
	}

	res.Triggered = outcomes
	if len(scores) > 0 {
		res.Scores = scores
	}
	for _, o := range outcomes {
		res.IsFlagged = true
		if o.ShouldBlock {
			res.IsBlocked = true
		}
	}
	if res.IsBlocked {
		res.FinalResponse = e.fallbacks.pick(outcomes)
	}
	res.Latency = time.Since(start)
	completed = true

	tag := ""
	if cancelled {
		tag = TagCancelled
	}
	metrics.TrackInterception(true)
	metrics.TrackModerationDecision(res.IsBlocked, res.IsFlagged, req.Region.Label())
	metrics.TrackModerationLatency(res.Latency)

	if res.IsBlocked {
		e.log.InfoWithLatency(req.SessionID, res.RequestID, "Response blocked by moderation", res.Latency.Seconds()*1000, map[string]interface{}{
			"region":          req.Region.Label(),
			"triggered_rules": len(outcomes),
		})
	}

	emit(tag)
	return res
}

// evaluate runs a single compiled rule against the reply text. Detector
// errors are returned to the caller, which skips the rule; detector
// panics escape to the engine failsafe.
func (e *Engine) evaluate(ctx context.Context, cr *rules.CompiledRule, text string) (RuleOutcome, error) {
	start := time.Now()
	defer func() {
		metrics.RuleExecution.WithLabelValues(cr.Kind.Label()).Observe(time.Since(start).Seconds())
	}()

	outcome := RuleOutcome{
		RuleID:   cr.ID,
		RuleName: cr.Name,
		Kind:     cr.Kind,
	}

	switch cr.Kind {
	case rules.KindPII:
		pii := detectors.DetectPII(text)
		if pii.HasPII {
			outcome.Triggered = true
			outcome.Matches = map[string]interface{}{
				"detected_types": pii.ByType,
				"match_count":    pii.Matches,
			}
		}

	case rules.KindToxicity:
		scoreCtx, cancel := context.WithTimeout(ctx, e.scoreTimeout)
		mlStart := time.Now()
		labelScores, err := e.scorer.Score(scoreCtx, text)
		cancel()
		metrics.MLInferenceTime.WithLabelValues("toxicity").Observe(time.Since(mlStart).Seconds())
		if err != nil {
			metrics.TrackDetectorError("toxicity", scoreFailureReason(err))
			if e.toxicityFailClosed {
				outcome.Triggered = true
				outcome.Matches = map[string]interface{}{
					"error":       err.Error(),
					"fail_closed": true,
				}
				break
			}
			return outcome, fmt.Errorf("toxicity scoring: %w", err)
		}
		top := labelScores.Max()
		metrics.MLModelScores.WithLabelValues("toxicity").Observe(top)
		outcome.Score = &top
		if top >= cr.EffectiveThreshold() {
			outcome.Triggered = true
			outcome.Matches = map[string]interface{}{"scores": labelScores}
		}

	case rules.KindKeyword:
		if hits := detectors.MatchKeywords(text, cr.Substrings); len(hits) > 0 {
			outcome.Triggered = true
			outcome.Matches = map[string]interface{}{"keywords": hits}
		}

	case rules.KindRegex:
		if hits := detectors.MatchRegexps(text, cr.Regexps); len(hits) > 0 {
			outcome.Triggered = true
			outcome.Matches = map[string]interface{}{"patterns": hits}
		}

	case rules.KindFinancial:
		if hits := detectors.DetectFinancial(text); len(hits) > 0 {
			outcome.Triggered = true
			outcome.Matches = map[string]interface{}{"terms": hits}
		}

	case rules.KindMedical:
		if hits := detectors.DetectMedical(text); len(hits) > 0 {
			outcome.Triggered = true
			outcome.Matches = map[string]interface{}{"terms": hits}
		}
	}

	if outcome.Triggered {
		outcome.ShouldBlock = shouldBlock(cr)
	}
	return outcome, nil
}

// scoreFailureReason maps a scorer error onto the detector error label
// vocabulary.
func scoreFailureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "model_error"
	}
}

func buildAudit(req Request, res Result, tag string) AuditRecord {
	return AuditRecord{
		RequestID:     res.RequestID,
		Timestamp:     time.Now().UTC(),
		SessionID:     req.SessionID,
		Region:        req.Region,
		UserMessage:   req.UserMessage,
		BotResponse:   req.BotResponse,
		FinalResponse: res.FinalResponse,
		IsFlagged:     res.IsFlagged,
		IsBlocked:     res.IsBlocked,
		Triggered:     res.Triggered,
		Scores:        res.Scores,
		LatencyMS:     res.Latency.Seconds() * 1000,
		Tag:           tag,
	}
}
