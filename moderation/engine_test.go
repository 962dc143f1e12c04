// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package moderation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modgate/platform/detectors"
	"modgate/platform/metrics"
	"modgate/platform/rules"
)

// stubStore serves a fixed rule set to the snapshot cache.
type stubStore struct {
	mu    sync.Mutex
	rules []rules.Rule
}

func (s *stubStore) ListActive(ctx context.Context) ([]rules.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]rules.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

func (s *stubStore) ListAll(ctx context.Context) ([]rules.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]rules.Rule, len(s.rules))
	copy(out, s.rules)
	return out, nil
}

func (s *stubStore) setActive(id int64, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		if s.rules[i].ID == id {
			s.rules[i].IsActive = active
		}
	}
}

func (s *stubStore) Get(ctx context.Context, id int64) (*rules.Rule, error) {
	return nil, rules.ErrRuleNotFound
}

func (s *stubStore) Create(ctx context.Context, r *rules.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, *r)
	return nil
}

func (s *stubStore) Update(ctx context.Context, r *rules.Rule) error { return nil }
func (s *stubStore) Delete(ctx context.Context, id int64) error      { return nil }

// captureSink records every audit submission.
type captureSink struct {
	mu   sync.Mutex
	recs []AuditRecord
}

func (s *captureSink) Submit(rec AuditRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return true
}

func (s *captureSink) records() []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditRecord, len(s.recs))
	copy(out, s.recs)
	return out
}

type errScorer struct{ err error }

func (s errScorer) Score(context.Context, string) (detectors.ToxicityScores, error) {
	return nil, s.err
}

type panicScorer struct{}

func (panicScorer) Score(context.Context, string) (detectors.ToxicityScores, error) {
	panic("scorer exploded")
}

// blockingScorer hangs until the context expires, standing in for a stuck
// model backend.
type blockingScorer struct{}

func (blockingScorer) Score(ctx context.Context, _ string) (detectors.ToxicityScores, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type testEngine struct {
	engine *Engine
	sink   *captureSink
	cache  *rules.SnapshotCache
	store  *stubStore
}

func newTestEngine(t *testing.T, seed []rules.Rule, mutate func(*Config)) *testEngine {
	t.Helper()
	store := &stubStore{rules: seed}
	cache := rules.NewSnapshotCache(store, time.Hour)
	require.NoError(t, cache.Refresh(context.Background()))
	sink := &captureSink{}
	cfg := Config{Cache: cache, Sink: sink}
	if mutate != nil {
		mutate(&cfg)
	}
	return &testEngine{engine: NewEngine(cfg), sink: sink, cache: cache, store: store}
}

func piiRule() rules.Rule {
	return rules.Rule{
		ID: 1, Name: "Global PII Detection", Kind: rules.KindPII,
		Region: rules.RegionGlobal, Threshold: rules.DefaultThreshold, Priority: 90, IsActive: true,
	}
}

func toxicityRule() rules.Rule {
	return rules.Rule{
		ID: 2, Name: "Global Toxicity Detection", Kind: rules.KindToxicity,
		Region: rules.RegionGlobal, Threshold: 0.7, Priority: 100, IsActive: true,
	}
}

func financialRule() rules.Rule {
	return rules.Rule{
		ID: 3, Name: "Restricted Financial Advice", Kind: rules.KindFinancial,
		Region: rules.RegionGlobal, Threshold: rules.DefaultThreshold, Priority: 70, IsActive: true,
	}
}

func medicalRuleUS() rules.Rule {
	return rules.Rule{
		ID: 4, Name: "US HIPAA Medical Terms", Kind: rules.KindMedical,
		Region: rules.RegionUS, Threshold: rules.DefaultThreshold, Priority: 80, IsActive: true,
	}
}

func cryptoKeywordRule() rules.Rule {
	return rules.Rule{
		ID: 5, Name: "Cryptocurrency Scam Detection", Kind: rules.KindKeyword,
		Region: rules.RegionGlobal, Threshold: rules.DefaultThreshold, Priority: 75, IsActive: true,
		Patterns: []string{"send bitcoin", "double your crypto", "free cryptocurrency"},
	}
}

func hateKeywordRule() rules.Rule {
	return rules.Rule{
		ID: 6, Name: "Hate Speech Keywords", Kind: rules.KindKeyword,
		Region: rules.RegionGlobal, Threshold: rules.DefaultThreshold, Priority: 95, IsActive: true,
		Patterns: []string{"extremist", "violent threat"},
	}
}

func regexRule(pattern string) rules.Rule {
	return rules.Rule{
		ID: 7, Name: "Case References", Kind: rules.KindRegex,
		Region: rules.RegionGlobal, Threshold: rules.DefaultThreshold, Priority: 60, IsActive: true,
		Patterns: []string{pattern},
	}
}

func TestModerateAllowsCleanResponse(t *testing.T) {
	te := newTestEngine(t, []rules.Rule{toxicityRule(), piiRule()}, nil)

	req := Request{
		UserMessage: "What's the weather tomorrow?",
		BotResponse: "The weather tomorrow looks sunny with a high of 72 degrees.",
		Region:      rules.RegionUS,
		SessionID:   "sess-clean",
	}
	res := te.engine.Moderate(context.Background(), req)

	assert.False(t, res.IsFlagged)
	assert.False(t, res.IsBlocked)
	assert.Equal(t, req.BotResponse, res.FinalResponse)
	assert.Empty(t, res.Triggered)
	assert.Greater(t, res.Latency, time.Duration(0))
	assert.Less(t, res.Scores["toxicity"], 0.7)

	_, err := uuid.Parse(res.RequestID)
	assert.NoError(t, err)

	recs := te.sink.records()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, res.RequestID, rec.RequestID)
	assert.Equal(t, req.BotResponse, rec.FinalResponse)
	assert.Equal(t, req.UserMessage, rec.UserMessage)
	assert.Equal(t, "sess-clean", rec.SessionID)
	assert.Empty(t, rec.Tag)
	assert.Greater(t, rec.LatencyMS, 0.0)
}

func TestModerateBlocksPIIEmail(t *testing.T) {
	te := newTestEngine(t, []rules.Rule{toxicityRule(), piiRule()}, nil)

	req := Request{
		UserMessage: "How do I contact John?",
		BotResponse: "You can reach John at john.doe@example.com for details.",
		Region:      rules.RegionUS,
	}
	res := te.engine.Moderate(context.Background(), req)

	require.True(t, res.IsBlocked)
	assert.True(t, res.IsFlagged)
	assert.Equal(t, FallbackPII, res.FinalResponse)

	require.Len(t, res.Triggered, 1)
	out := res.Triggered[0]
	assert.Equal(t, rules.KindPII, out.Kind)
	assert.Equal(t, "Global PII Detection", out.RuleName)
	assert.True(t, out.ShouldBlock)
	types, ok := out.Matches["detected_types"].(map[string]int)
	require.True(t, ok)
	assert.GreaterOrEqual(t, types["email"], 1)

	recs := te.sink.records()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].IsBlocked)
	assert.Equal(t, FallbackPII, recs[0].FinalResponse)
	assert.Equal(t, req.BotResponse, recs[0].BotResponse)
}

func TestModerateBlocksToxicInsult(t *testing.T) {
	te := newTestEngine(t, []rules.Rule{toxicityRule()}, nil)

	res := te.engine.Moderate(context.Background(), Request{
		UserMessage: "What do you think of me?",
		BotResponse: "You are an idiot and a pathetic loser.",
		Region:      rules.RegionEU,
	})

	require.True(t, res.IsBlocked)
	assert.Equal(t, FallbackToxicity, res.FinalResponse)
	assert.GreaterOrEqual(t, res.Scores["toxicity"], 0.7)

	require.Len(t, res.Triggered, 1)
	out := res.Triggered[0]
	require.NotNil(t, out.Score)
	assert.GreaterOrEqual(t, *out.Score, 0.7)
	labelScores, ok := out.Matches["scores"].(detectors.ToxicityScores)
	require.True(t, ok)
	assert.GreaterOrEqual(t, labelScores[detectors.LabelInsult], 0.7)
}

func TestModerateKeywordFlagsWithoutBlocking(t *testing.T) {
	te := newTestEngine(t, []rules.Rule{cryptoKeywordRule()}, nil)

	req := Request{
		BotResponse: "Just send bitcoin here and you can double your crypto fast.",
		Region:      rules.RegionAPAC,
	}
	res := te.engine.Moderate(context.Background(), req)

	assert.True(t, res.IsFlagged)
	assert.False(t, res.IsBlocked)
	assert.Equal(t, req.BotResponse, res.FinalResponse)

	require.Len(t, res.Triggered, 1)
	out := res.Triggered[0]
	assert.False(t, out.ShouldBlock)
	assert.Equal(t, []string{"send bitcoin", "double your crypto"}, out.Matches["keywords"])

	recs := te.sink.records()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].IsFlagged)
	assert.False(t, recs[0].IsBlocked)
}

func TestModerateHateKeywordBlocks(t *testing.T) {
	te := newTestEngine(t, []rules.Rule{hateKeywordRule()}, nil)

	res := te.engine.Moderate(context.Background(), Request{
		BotResponse: "Those extremist voices do not speak for us.",
		Region:      rules.RegionUK,
	})

	require.True(t, res.IsBlocked)
	assert.Equal(t, FallbackDefault, res.FinalResponse)
	require.Len(t, res.Triggered, 1)
	assert.True(t, res.Triggered[0].ShouldBlock)
}

func TestModerateBlockingOverride(t *testing.T) {
	t.Run("keyword forced blocking", func(t *testing.T) {
		rule := rules.Rule{
			ID: 10, Name: "Competitor Mentions", Kind: rules.KindKeyword,
			Region: rules.RegionGlobal, Threshold: rules.DefaultThreshold, Priority: 50, IsActive: true,
			Patterns: []string{"acme corp"}, Blocking: boolPtr(true),
		}
		te := newTestEngine(t, []rules.Rule{rule}, nil)

		res := te.engine.Moderate(context.Background(), Request{
			BotResponse: "You could also try Acme Corp instead.",
			Region:      rules.RegionUS,
		})
		require.True(t, res.IsBlocked)
		assert.Equal(t, FallbackDefault, res.FinalResponse)
	})

	t.Run("pii forced flag only", func(t *testing.T) {
		rule := piiRule()
		rule.Blocking = boolPtr(false)
		te := newTestEngine(t, []rules.Rule{rule}, nil)

		req := Request{
			BotResponse: "Reach the desk at support@example.com anytime.",
			Region:      rules.RegionUS,
		}
		res := te.engine.Moderate(context.Background(), req)
		assert.True(t, res.IsFlagged)
		assert.False(t, res.IsBlocked)
		assert.Equal(t, req.BotResponse, res.FinalResponse)
	})
}

func TestModerateFallbackPrecedence(t *testing.T) {
	te := newTestEngine(t, []rules.Rule{piiRule(), financialRule()}, nil)

	res := te.engine.Moderate(context.Background(), Request{
		BotResponse: "Email jane@fund.example about the guaranteed return plan.",
		Region:      rules.RegionUS,
	})

	require.True(t, res.IsBlocked)
	require.Len(t, res.Triggered, 2)
	// Priority order: PII (90) before FINANCIAL (70).
	assert.Equal(t, rules.KindPII, res.Triggered[0].Kind)
	assert.Equal(t, rules.KindFinancial, res.Triggered[1].Kind)
	assert.Equal(t, FallbackPII, res.FinalResponse)
}

func TestModerateRegexRuleBlocks(t *testing.T) {
	te := newTestEngine(t, []rules.Rule{regexRule(`\b[A-Z]{2}\d{6}\b`)}, nil)

	res := te.engine.Moderate(context.Background(), Request{
		BotResponse: "Your case reference is AB123456.",
		Region:      rules.RegionUK,
	})

	require.True(t, res.IsBlocked)
	assert.Equal(t, FallbackDefault, res.FinalResponse)
	require.Len(t, res.Triggered, 1)
	assert.Equal(t, []string{`\b[A-Z]{2}\d{6}\b`}, res.Triggered[0].Matches["patterns"])
}

func TestModerateEmptyResponseNeverBlocked(t *testing.T) {
	// (?s).* matches the empty string, so this would block if the engine
	// evaluated rules against an empty reply.
	te := newTestEngine(t, []rules.Rule{regexRule(`(?s).*`), piiRule()}, nil)

	res := te.engine.Moderate(context.Background(), Request{
		UserMessage: "Anything to add?",
		BotResponse: "",
		Region:      rules.RegionUS,
	})

	assert.False(t, res.IsFlagged)
	assert.False(t, res.IsBlocked)
	assert.Equal(t, "", res.FinalResponse)
	assert.Empty(t, res.Triggered)

	recs := te.sink.records()
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].Tag)
}

func TestModerateRegionScoping(t *testing.T) {
	te := newTestEngine(t, []rules.Rule{medicalRuleUS()}, nil)
	req := Request{
		BotResponse: "The diagnosis requires a prescription refill.",
	}

	req.Region = rules.RegionEU
	res := te.engine.Moderate(context.Background(), req)
	assert.False(t, res.IsFlagged)
	assert.Equal(t, req.BotResponse, res.FinalResponse)

	req.Region = rules.RegionUS
	res = te.engine.Moderate(context.Background(), req)
	require.True(t, res.IsBlocked)
	assert.Equal(t, FallbackMedical, res.FinalResponse)
	terms := res.Triggered[0].Matches["terms"].([]string)
	assert.Contains(t, terms, "diagnosis")
	assert.Contains(t, terms, "prescription")
}

func TestModerateToxicityFailOpen(t *testing.T) {
	te := newTestEngine(t, []rules.Rule{toxicityRule()}, func(cfg *Config) {
		cfg.Scorer = errScorer{err: assert.AnError}
	})
	before := testutil.ToFloat64(metrics.DetectorErrors.WithLabelValues("toxicity", "model_error"))

	req := Request{
		BotResponse: "You are an idiot.",
		Region:      rules.RegionUS,
	}
	res := te.engine.Moderate(context.Background(), req)

	assert.False(t, res.IsFlagged)
	assert.False(t, res.IsBlocked)
	assert.Equal(t, req.BotResponse, res.FinalResponse)

	after := testutil.ToFloat64(metrics.DetectorErrors.WithLabelValues("toxicity", "model_error"))
	assert.Equal(t, before+1, after)

	recs := te.sink.records()
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].Tag)
}

func TestModerateToxicityScoreTimeout(t *testing.T) {
	te := newTestEngine(t, []rules.Rule{toxicityRule()}, func(cfg *Config) {
		cfg.Scorer = blockingScorer{}
		cfg.ToxicityScoreTimeout = 5 * time.Millisecond
	})
	before := testutil.ToFloat64(metrics.DetectorErrors.WithLabelValues("toxicity", "timeout"))

	req := Request{
		BotResponse: "You are an idiot.",
		Region:      rules.RegionUS,
	}
	res := te.engine.Moderate(context.Background(), req)

	assert.False(t, res.IsFlagged)
	assert.Equal(t, req.BotResponse, res.FinalResponse)

	after := testutil.ToFloat64(metrics.DetectorErrors.WithLabelValues("toxicity", "timeout"))
	assert.Equal(t, before+1, after)
}

func TestScoreFailureReason(t *testing.T) {
	assert.Equal(t, "timeout", scoreFailureReason(context.DeadlineExceeded))
	assert.Equal(t, "cancelled", scoreFailureReason(context.Canceled))
	assert.Equal(t, "timeout", scoreFailureReason(fmt.Errorf("scoring: %w", context.DeadlineExceeded)))
	assert.Equal(t, "model_error", scoreFailureReason(assert.AnError))
}

func TestModerateToxicityFailClosed(t *testing.T) {
	te := newTestEngine(t, []rules.Rule{toxicityRule()}, func(cfg *Config) {
		cfg.Scorer = errScorer{err: assert.AnError}
		cfg.ToxicityFailClosed = true
	})

	res := te.engine.Moderate(context.Background(), Request{
		BotResponse: "Completely harmless text.",
		Region:      rules.RegionUS,
	})

	require.True(t, res.IsBlocked)
	assert.Equal(t, FallbackToxicity, res.FinalResponse)
	require.Len(t, res.Triggered, 1)
	out := res.Triggered[0]
	assert.Nil(t, out.Score)
	assert.Equal(t, true, out.Matches["fail_closed"])
}

func TestModeratePanicFailsafe(t *testing.T) {
	te := newTestEngine(t, []rules.Rule{toxicityRule(), piiRule()}, func(cfg *Config) {
		cfg.Scorer = panicScorer{}
	})
	before := testutil.ToFloat64(metrics.Interception.WithLabelValues("false"))

	req := Request{
		UserMessage: "Tell me something.",
		BotResponse: "Reach me at leak@example.com.",
		Region:      rules.RegionUS,
		SessionID:   "sess-panic",
	}
	res := te.engine.Moderate(context.Background(), req)

	// The failsafe delivers the reply unmodified, even though the PII rule
	// would have blocked it on a healthy run.
	assert.False(t, res.IsFlagged)
	assert.False(t, res.IsBlocked)
	assert.Equal(t, req.BotResponse, res.FinalResponse)
	assert.Empty(t, res.Triggered)
	assert.Greater(t, res.Latency, time.Duration(0))

	after := testutil.ToFloat64(metrics.Interception.WithLabelValues("false"))
	assert.Equal(t, before+1, after)

	recs := te.sink.records()
	require.Len(t, recs, 1)
	assert.Equal(t, TagEngineError, recs[0].Tag)
	assert.Equal(t, req.BotResponse, recs[0].FinalResponse)
	assert.Equal(t, "sess-panic", recs[0].SessionID)
}

func TestModerateCancelledContext(t *testing.T) {
	te := newTestEngine(t, []rules.Rule{piiRule()}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := Request{
		BotResponse: "Reach me at leak@example.com.",
		Region:      rules.RegionUS,
	}
	res := te.engine.Moderate(ctx, req)

	assert.False(t, res.IsBlocked)
	assert.Equal(t, req.BotResponse, res.FinalResponse)

	recs := te.sink.records()
	require.Len(t, recs, 1)
	assert.Equal(t, TagCancelled, recs[0].Tag)
}

func TestModerateEmitsOneAuditPerInvocation(t *testing.T) {
	te := newTestEngine(t, []rules.Rule{toxicityRule(), piiRule()}, nil)
	cancelledCtx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := []struct {
		ctx context.Context
		req Request
	}{
		{context.Background(), Request{BotResponse: "All clear today.", Region: rules.RegionUS}},
		{context.Background(), Request{BotResponse: "Write to ops@example.com.", Region: rules.RegionEU}},
		{context.Background(), Request{BotResponse: "", Region: rules.RegionUK}},
		{cancelledCtx, Request{BotResponse: "Write to ops@example.com.", Region: rules.RegionUS}},
	}
	for _, c := range calls {
		te.engine.Moderate(c.ctx, c.req)
	}
	assert.Len(t, te.sink.records(), len(calls))

	panicked := newTestEngine(t, []rules.Rule{toxicityRule()}, func(cfg *Config) {
		cfg.Scorer = panicScorer{}
	})
	panicked.engine.Moderate(context.Background(), Request{BotResponse: "boom", Region: rules.RegionUS})
	assert.Len(t, panicked.sink.records(), 1)
}

func TestModerateRequestIDsUnique(t *testing.T) {
	te := newTestEngine(t, []rules.Rule{piiRule()}, nil)

	first := te.engine.Moderate(context.Background(), Request{BotResponse: "hello", Region: rules.RegionUS})
	second := te.engine.Moderate(context.Background(), Request{BotResponse: "hello", Region: rules.RegionUS})
	assert.NotEqual(t, first.RequestID, second.RequestID)
}

func TestModerateSeesRefreshedRules(t *testing.T) {
	te := newTestEngine(t, []rules.Rule{piiRule()}, nil)
	ctx := context.Background()

	req := Request{
		BotResponse: "Claim your free cryptocurrency giveaway today!",
		Region:      rules.RegionUS,
	}
	res := te.engine.Moderate(ctx, req)
	assert.False(t, res.IsFlagged)

	rule := cryptoKeywordRule()
	require.NoError(t, te.store.Create(ctx, &rule))
	require.NoError(t, te.cache.Refresh(ctx))

	res = te.engine.Moderate(ctx, req)
	assert.True(t, res.IsFlagged)
	assert.False(t, res.IsBlocked)
	assert.Equal(t, req.BotResponse, res.FinalResponse)
}

func TestModerateActiveToggleRoundTrip(t *testing.T) {
	te := newTestEngine(t, []rules.Rule{cryptoKeywordRule()}, nil)
	ctx := context.Background()

	req := Request{
		BotResponse: "Claim your free cryptocurrency giveaway today!",
		Region:      rules.RegionUS,
	}
	res := te.engine.Moderate(ctx, req)
	require.True(t, res.IsFlagged)

	te.store.setActive(5, false)
	require.NoError(t, te.cache.Refresh(ctx))
	res = te.engine.Moderate(ctx, req)
	assert.False(t, res.IsFlagged)

	te.store.setActive(5, true)
	require.NoError(t, te.cache.Refresh(ctx))
	res = te.engine.Moderate(ctx, req)
	assert.True(t, res.IsFlagged)
}

func TestModerateIdempotentOnFixedSnapshot(t *testing.T) {
	te := newTestEngine(t, []rules.Rule{piiRule(), cryptoKeywordRule()}, nil)
	ctx := context.Background()

	req := Request{
		UserMessage: "Where do I claim it?",
		BotResponse: "Email alice@example.com to claim your free cryptocurrency now.",
		Region:      rules.RegionUS,
	}
	first := te.engine.Moderate(ctx, req)
	second := te.engine.Moderate(ctx, req)

	require.True(t, first.IsFlagged)
	require.True(t, first.IsBlocked)
	assert.Equal(t, first.IsFlagged, second.IsFlagged)
	assert.Equal(t, first.IsBlocked, second.IsBlocked)
	assert.Equal(t, first.FinalResponse, second.FinalResponse)
	assert.Equal(t, first.Triggered, second.Triggered)
	assert.Equal(t, first.Scores, second.Scores)
}
