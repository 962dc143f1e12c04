// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package rules

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"modgate/platform/metrics"
)

// DefaultRefreshInterval bounds how stale a snapshot may get before a
// reader kicks off a background refresh.
const DefaultRefreshInterval = 1 * time.Second

// Snapshot is an immutable view of the active rule set. Snapshots are
// built off the request path and shared by pointer, so readers never
// lock and never see a partially loaded rule set.
type Snapshot struct {
	// Rules holds every active compiled rule, priority descending.
	Rules []*CompiledRule

	// ByRegion maps each region to the rules that apply to it: the
	// global rules merged with that region's own, priority order kept.
	// The GLOBAL entry holds only global rules.
	ByRegion map[Region][]*CompiledRule

	// LoadedAt is when this snapshot was built.
	LoadedAt time.Time

	// Epoch increments once per successful refresh.
	Epoch uint64
}

// SnapshotCache keeps the latest rule snapshot and refreshes it from the
// store in the background. The read path costs one atomic load.
type SnapshotCache struct {
	store           Store
	refreshInterval time.Duration

	snapshot   atomic.Value // *Snapshot
	refreshing atomic.Bool
	epoch      atomic.Uint64
}

// NewSnapshotCache builds a cache around the store. A non-positive
// refreshInterval falls back to DefaultRefreshInterval. The cache starts
// with an empty snapshot; call Refresh before serving traffic.
func NewSnapshotCache(store Store, refreshInterval time.Duration) *SnapshotCache {
	if refreshInterval <= 0 {
		refreshInterval = DefaultRefreshInterval
	}
	c := &SnapshotCache{
		store:           store,
		refreshInterval: refreshInterval,
	}
	c.snapshot.Store(emptySnapshot())
	return c
}

func emptySnapshot() *Snapshot {
	byRegion := make(map[Region][]*CompiledRule, len(Regions()))
	for _, r := range Regions() {
		byRegion[r] = nil
	}
	return &Snapshot{ByRegion: byRegion}
}

// Current returns the latest snapshot. A stale snapshot triggers a
// non-blocking background refresh; the caller still gets the last good
// rule set immediately.
func (c *SnapshotCache) Current() *Snapshot {
	snap := c.snapshot.Load().(*Snapshot)

	if time.Since(snap.LoadedAt) > c.refreshInterval {
		metrics.CacheMisses.WithLabelValues("rule_snapshot").Inc()
		c.refreshAsync()
	} else {
		metrics.CacheHits.WithLabelValues("rule_snapshot").Inc()
	}

	return snap
}

// ForRegion returns the rules that apply to a region, priority descending.
func (c *SnapshotCache) ForRegion(region Region) []*CompiledRule {
	return c.Current().ByRegion[region]
}

// Invalidate forces the next read to kick off a refresh. Admin mutations
// call Refresh directly; this is for callers that cannot block.
func (c *SnapshotCache) Invalidate() {
	snap := c.snapshot.Load().(*Snapshot)
	stale := *snap
	stale.LoadedAt = time.Time{}
	c.snapshot.Store(&stale)
}

// refreshAsync starts a background refresh unless one is already running.
func (c *SnapshotCache) refreshAsync() {
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.refreshing.Store(false)
		if err := c.refresh(context.Background()); err != nil {
			log.Printf("Background rule refresh failed: %v", err)
		}
	}()
}

// Refresh reloads the rule set from the store and swaps in a new
// snapshot. On failure the previous snapshot stays in place.
func (c *SnapshotCache) Refresh(ctx context.Context) error {
	return c.refresh(ctx)
}

func (c *SnapshotCache) refresh(ctx context.Context) error {
	loaded, err := c.store.ListActive(ctx)
	if err != nil {
		metrics.RuleRefreshFailures.Inc()
		return err
	}

	compiled := make([]*CompiledRule, 0, len(loaded))
	for i := range loaded {
		cr, err := Compile(loaded[i])
		if err != nil {
			// A rule that fails to compile is skipped so it can never
			// reach the request path. The row stays in the store for
			// the admin surface to fix.
			log.Printf("⚠️  Rule %d (%s) skipped: %v", loaded[i].ID, loaded[i].Name, err)
			metrics.TrackDetectorError(loaded[i].Kind.Label(), "regex_compile")
			continue
		}
		compiled = append(compiled, cr)
	}

	snap := &Snapshot{
		Rules:    compiled,
		ByRegion: buildRegionIndex(compiled),
		LoadedAt: time.Now(),
		Epoch:    c.epoch.Add(1),
	}
	c.snapshot.Store(snap)

	publishActiveRuleCounts(compiled)
	log.Printf("Loaded %d moderation rules from store (%d skipped)", len(compiled), len(loaded)-len(compiled))

	return nil
}

// Start refreshes the snapshot on a ticker until ctx is cancelled. Call
// it on its own goroutine.
func (c *SnapshotCache) Start(ctx context.Context) {
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.refresh(ctx); err != nil {
				log.Printf("Rule refresh failed: %v", err)
			}
		}
	}
}

// buildRegionIndex precomputes the per-region evaluation lists. The input
// is already priority ordered, so a single filtered pass per region keeps
// that order without re-sorting.
func buildRegionIndex(compiled []*CompiledRule) map[Region][]*CompiledRule {
	byRegion := make(map[Region][]*CompiledRule, len(Regions()))
	for _, region := range Regions() {
		var list []*CompiledRule
		for _, cr := range compiled {
			if cr.Region == RegionGlobal || cr.Region == region {
				list = append(list, cr)
			}
		}
		byRegion[region] = list
	}
	return byRegion
}

func publishActiveRuleCounts(compiled []*CompiledRule) {
	metrics.ActiveRules.Reset()
	counts := make(map[[2]string]int)
	for _, cr := range compiled {
		counts[[2]string{cr.Region.Label(), cr.Kind.Label()}]++
	}
	for key, n := range counts {
		metrics.ActiveRules.WithLabelValues(key[0], key[1]).Set(float64(n))
	}
}
