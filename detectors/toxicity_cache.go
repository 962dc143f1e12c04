// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package detectors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"modgate/platform/metrics"
)

// ScoreCacheTTL is how long cached toxicity scores remain valid.
const ScoreCacheTTL = 15 * time.Minute

// CachedScorer wraps a ToxicityScorer with a Redis cache keyed by the
// content hash. Identical responses (canned bot phrasing is common)
// skip re-scoring. Cache failures degrade to direct scoring.
type CachedScorer struct {
	inner  ToxicityScorer
	client *redis.Client
	ttl    time.Duration
}

// NewCachedScorer connects to Redis at addr and wraps inner. An empty
// addr returns inner unwrapped so callers need no nil checks.
func NewCachedScorer(ctx context.Context, inner ToxicityScorer, addr, password string, db int) (ToxicityScorer, error) {
	if addr == "" {
		return inner, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     100,
		MinIdleConns: 10,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &CachedScorer{inner: inner, client: client, ttl: ScoreCacheTTL}, nil
}

// Score returns cached scores when the content hash is known, otherwise
// scores directly and stores the result.
func (cs *CachedScorer) Score(ctx context.Context, text string) (ToxicityScores, error) {
	key := scoreCacheKey(text)

	cached, err := cs.client.Get(ctx, key).Result()
	if err == nil {
		var scores ToxicityScores
		if json.Unmarshal([]byte(cached), &scores) == nil {
			metrics.CacheHits.WithLabelValues("toxicity_redis").Inc()
			return scores, nil
		}
	}
	metrics.CacheMisses.WithLabelValues("toxicity_redis").Inc()

	scores, err := cs.inner.Score(ctx, text)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(scores); err == nil {
		if err := cs.client.Set(ctx, key, encoded, cs.ttl).Err(); err != nil {
			metrics.TrackDetectorError("toxicity", "cache_write")
		}
	}

	return scores, nil
}

// Close releases the Redis connection pool.
func (cs *CachedScorer) Close() error {
	return cs.client.Close()
}

func scoreCacheKey(text string) string {
	hash := sha256.Sum256([]byte(text))
	return "toxicity:" + hex.EncodeToString(hash[:])
}
