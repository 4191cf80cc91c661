// Package cache implements C3, the PatternCache: a keyed in-memory store
// for detections plus sorted indexes for range queries, an eviction
// sweeper, and a response micro-cache above scan (spec.md §4.3).
package cache

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mcfalli/patternstream/internal/events"
)

// CachedPattern is one stored detection (spec.md §3.1).
type CachedPattern struct {
	ID          string
	Symbol      string
	PatternName string
	Tier        events.Tier
	Confidence  float64
	DetectedAt  time.Time
	ExpiresAt   time.Time
	Raw         map[string]interface{}
}

// Filter constrains a Scan call (spec.md §4.7).
type Filter struct {
	Symbols          []string
	Tiers            []events.Tier
	PatternNames     []string
	MinConfidence    float64
	HasMinConfidence bool
}

// ScanResult is the response to a scan call.
type ScanResult struct {
	Items      []CachedPattern
	Page       int
	PerPage    int
	Total      int
	Pages      int
	TookMS     float64
	Source     string // "cache" (response micro-cache hit) or "cache_miss"
}

// Stats is the snapshot returned by Stats() (spec.md §4.3, §6.3).
type Stats struct {
	Count             int
	ResponseCacheHits int
	ResponseCacheMiss int
	HitRatio          float64
	Inserts           int
	Evictions         int
}

// Config configures a PatternCache (spec.md §6.4).
type Config struct {
	DefaultTTL        time.Duration
	ResponseCacheTTL  time.Duration
	MaxEntries        int // 0 = unbounded
	SweepInterval     time.Duration
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:       time.Hour,
		ResponseCacheTTL: 30 * time.Second,
		MaxEntries:       0,
		SweepInterval:    30 * time.Second,
	}
}

// Cache is the PatternCache (C3).
type Cache struct {
	mu       sync.RWMutex
	cfg      Config
	patterns map[string]*CachedPattern

	byConfidence       *sortedIndex
	byDetectedAt       *sortedIndex
	bySymbolDetectedAt map[string]*sortedIndex

	resp *responseCache

	inserts           int
	evictions         int
	responseCacheHits int
	responseCacheMiss int
}

// New creates a PatternCache with the given configuration.
func New(cfg Config) *Cache {
	return &Cache{
		cfg:                cfg,
		patterns:           make(map[string]*CachedPattern),
		byConfidence:       newSortedIndex(),
		byDetectedAt:       newSortedIndex(),
		bySymbolDetectedAt: make(map[string]*sortedIndex),
		resp:               newResponseCache(cfg.ResponseCacheTTL, 1024),
	}
}

// Insert inserts or replaces a pattern, updating every index in place
// (spec.md's idempotence law: insert(p); insert(p) == insert(p)).
func (c *Cache) Insert(p CachedPattern) {
	if p.ExpiresAt.IsZero() {
		p.ExpiresAt = p.DetectedAt.Add(c.cfg.DefaultTTL)
	}

	c.mu.Lock()
	if existing, ok := c.patterns[p.ID]; ok {
		c.removeFromIndexesLocked(existing)
	}
	stored := p
	c.patterns[p.ID] = &stored
	c.addToIndexesLocked(&stored)
	c.inserts++
	c.evictIfOverCapacityLocked()
	c.mu.Unlock()

	c.resp.Purge()
}

// Remove explicitly deletes a pattern by id.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	if existing, ok := c.patterns[id]; ok {
		c.removeFromIndexesLocked(existing)
		delete(c.patterns, id)
	}
	c.mu.Unlock()
	c.resp.Purge()
}

// GetByID returns the pattern with the given id, if present.
func (c *Cache) GetByID(id string) (CachedPattern, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.patterns[id]
	if !ok {
		return CachedPattern{}, false
	}
	return *p, true
}

func (c *Cache) addToIndexesLocked(p *CachedPattern) {
	c.byConfidence.Insert(p.Confidence, p.ID)
	c.byDetectedAt.Insert(float64(p.DetectedAt.Unix()), p.ID)

	si, ok := c.bySymbolDetectedAt[p.Symbol]
	if !ok {
		si = newSortedIndex()
		c.bySymbolDetectedAt[p.Symbol] = si
	}
	si.Insert(float64(p.DetectedAt.Unix()), p.ID)
}

func (c *Cache) removeFromIndexesLocked(p *CachedPattern) {
	c.byConfidence.Remove(p.Confidence, p.ID)
	c.byDetectedAt.Remove(float64(p.DetectedAt.Unix()), p.ID)
	if si, ok := c.bySymbolDetectedAt[p.Symbol]; ok {
		si.Remove(float64(p.DetectedAt.Unix()), p.ID)
		if si.Len() == 0 {
			delete(c.bySymbolDetectedAt, p.Symbol)
		}
	}
}

// evictIfOverCapacityLocked evicts the oldest-by-detected_at entries when
// MaxEntries is exceeded (spec.md §4.3). Caller holds c.mu.
func (c *Cache) evictIfOverCapacityLocked() {
	if c.cfg.MaxEntries <= 0 {
		return
	}
	for len(c.patterns) > c.cfg.MaxEntries {
		oldest := c.byDetectedAt.Ascending()
		if len(oldest) == 0 {
			return
		}
		victimID := oldest[0]
		if victim, ok := c.patterns[victimID]; ok {
			c.removeFromIndexesLocked(victim)
			delete(c.patterns, victimID)
			c.evictions++
		}
	}
}

// Sweep evicts entries past ExpiresAt, updating indexes transactionally
// (spec.md §4.3's periodic eviction sweep).
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	expired := make([]string, 0)
	for id, p := range c.patterns {
		if now.After(p.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		if p, ok := c.patterns[id]; ok {
			c.removeFromIndexesLocked(p)
			delete(c.patterns, id)
			c.evictions++
		}
	}
	c.mu.Unlock()

	if len(expired) > 0 {
		c.resp.Purge()
	}
	return len(expired)
}

// RunSweeper runs Sweep on cfg.SweepInterval until stop is closed. Intended to
// run as C3's dedicated TTL sweeper task (spec.md §5).
func (c *Cache) RunSweeper(stop <-chan struct{}) {
	interval := c.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.Sweep(time.Now())
		}
	}
}

// ClearAll removes every pattern and purges the response cache.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	c.patterns = make(map[string]*CachedPattern)
	c.byConfidence = newSortedIndex()
	c.byDetectedAt = newSortedIndex()
	c.bySymbolDetectedAt = make(map[string]*sortedIndex)
	c.mu.Unlock()
	c.resp.Purge()
}

// Stats returns a snapshot of counters (spec.md §4.3, §6.3).
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := c.responseCacheHits + c.responseCacheMiss
	ratio := 0.0
	if total > 0 {
		ratio = float64(c.responseCacheHits) / float64(total)
	}
	return Stats{
		Count:             len(c.patterns),
		ResponseCacheHits: c.responseCacheHits,
		ResponseCacheMiss: c.responseCacheMiss,
		HitRatio:          ratio,
		Inserts:           c.inserts,
		Evictions:         c.evictions,
	}
}

func matchesFilter(p *CachedPattern, f Filter) bool {
	if len(f.Symbols) > 0 && !containsString(f.Symbols, p.Symbol) {
		return false
	}
	if len(f.Tiers) > 0 && !containsTier(f.Tiers, p.Tier) {
		return false
	}
	if len(f.PatternNames) > 0 && !containsString(f.PatternNames, p.PatternName) {
		return false
	}
	if f.HasMinConfidence && p.Confidence < f.MinConfidence {
		return false
	}
	return true
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsTier(set []events.Tier, v events.Tier) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// cacheKey derives a stable response-cache key from normalized query
// parameters (spec.md §4.7: "key = hash of normalized query params").
func cacheKey(f Filter, sortBy, sortDir string, page, perPage int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "sort=%s:%s|page=%d|per_page=%d", sortBy, sortDir, page, perPage)
	if len(f.Symbols) > 0 {
		sorted := append([]string(nil), f.Symbols...)
		sort.Strings(sorted)
		fmt.Fprintf(&b, "|symbols=%s", strings.Join(sorted, ","))
	}
	if len(f.Tiers) > 0 {
		tiers := make([]string, len(f.Tiers))
		for i, t := range f.Tiers {
			tiers[i] = string(t)
		}
		sort.Strings(tiers)
		fmt.Fprintf(&b, "|tiers=%s", strings.Join(tiers, ","))
	}
	if len(f.PatternNames) > 0 {
		sorted := append([]string(nil), f.PatternNames...)
		sort.Strings(sorted)
		fmt.Fprintf(&b, "|patterns=%s", strings.Join(sorted, ","))
	}
	if f.HasMinConfidence {
		fmt.Fprintf(&b, "|min_confidence=%.4f", f.MinConfidence)
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(b.String()))
	return fmt.Sprintf("%x", h.Sum64())
}

// Scan implements the composite filter/sort/paginate read (spec.md §4.7).
// Callers (C7) are responsible for validating page/per_page bounds before
// calling Scan.
func (c *Cache) Scan(f Filter, sortBy, sortDir string, page, perPage int) ScanResult {
	start := time.Now()
	key := cacheKey(f, sortBy, sortDir, page, perPage)

	computed, hit := c.resp.GetOrCompute(key, func() interface{} {
		return c.computeScan(f, sortBy, sortDir, page, perPage)
	})

	result := computed.(ScanResult)
	c.mu.Lock()
	if hit {
		c.responseCacheHits++
		result.Source = "cache"
	} else {
		c.responseCacheMiss++
		result.Source = "cache_miss"
	}
	c.mu.Unlock()

	result.TookMS = float64(time.Since(start)) / float64(time.Millisecond)
	return result
}

func (c *Cache) computeScan(f Filter, sortBy, sortDir string, page, perPage int) ScanResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var orderedIDs []string
	switch sortBy {
	case "confidence":
		if sortDir == "desc" {
			orderedIDs = c.byConfidence.Descending()
		} else {
			orderedIDs = c.byConfidence.Ascending()
		}
	case "symbol":
		orderedIDs = c.symbolOrderLocked(sortDir)
	default: // "detected_at"
		if sortDir == "desc" {
			orderedIDs = c.byDetectedAt.Descending()
		} else {
			orderedIDs = c.byDetectedAt.Ascending()
		}
	}

	matched := make([]CachedPattern, 0, perPage)
	total := 0
	skip := (page - 1) * perPage
	for _, id := range orderedIDs {
		p, ok := c.patterns[id]
		if !ok || !matchesFilter(p, f) {
			continue
		}
		total++
		if total <= skip {
			continue
		}
		if len(matched) < perPage {
			matched = append(matched, *p)
		}
	}

	pages := 0
	if perPage > 0 {
		pages = (total + perPage - 1) / perPage
	}

	return ScanResult{
		Items:   matched,
		Page:    page,
		PerPage: perPage,
		Total:   total,
		Pages:   pages,
	}
}

// symbolOrderLocked returns ids sorted by (symbol, detected_at). Caller
// holds c.mu.
func (c *Cache) symbolOrderLocked(sortDir string) []string {
	type keyed struct {
		symbol string
		ts     int64
		id     string
	}
	all := make([]keyed, 0, len(c.patterns))
	for id, p := range c.patterns {
		all = append(all, keyed{symbol: p.Symbol, ts: p.DetectedAt.Unix(), id: id})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].symbol != all[j].symbol {
			if sortDir == "desc" {
				return all[i].symbol > all[j].symbol
			}
			return all[i].symbol < all[j].symbol
		}
		return all[i].ts < all[j].ts
	})
	out := make([]string, len(all))
	for i, k := range all {
		out[i] = k.id
	}
	return out
}
