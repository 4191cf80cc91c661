// Package query implements C7, the QueryService: synchronous reads over
// C3 with filter/sort/paginate, stats, summary, and health (spec.md §4.7,
// §6.3). Parameter validation follows the teacher's go-playground/
// validator struct-tag convention (pkg/validation).
package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mcfalli/patternstream/internal/broadcast"
	"github.com/mcfalli/patternstream/internal/buffer"
	"github.com/mcfalli/patternstream/internal/bus"
	"github.com/mcfalli/patternstream/internal/cache"
	"github.com/mcfalli/patternstream/internal/events"
	"github.com/mcfalli/patternstream/internal/ingest"
)

var validate = validator.New()

// ErrorKind mirrors spec.md §7's error taxonomy for query-surface errors.
type ErrorKind string

const (
	KindValidationError ErrorKind = "ValidationError"
	KindQueryTimeout     ErrorKind = "QueryTimeout"
)

// QueryError is the structured error returned to callers (spec.md §7:
// "invalid queries return a structured error { kind, message, field? }").
type QueryError struct {
	Kind    ErrorKind
	Message string
	Field   string
}

func (e *QueryError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field=%s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ScanParams are the validated parameters to a scan call (spec.md §4.7).
type ScanParams struct {
	Kinds         []string `validate:"omitempty,dive,oneof=pattern indicator"`
	Symbols       []string
	Tiers         []string `validate:"omitempty,dive,oneof=daily intraday combo"`
	PatternNames  []string
	MinConfidence *float64 `validate:"omitempty,gte=0,lte=1"`
	SortBy        string   `validate:"required,oneof=confidence detected_at symbol"`
	SortDir       string   `validate:"required,oneof=asc desc"`
	Page          int      `validate:"required,gte=1"`
	PerPage       int      `validate:"required,gte=1"`
}

// Config configures the QueryService (spec.md §6.4).
type Config struct {
	Deadline time.Duration
}

// DefaultConfig returns spec.md's documented default query deadline.
func DefaultConfig() Config {
	return Config{Deadline: time.Second}
}

// Service is C7.
type Service struct {
	cfg         Config
	cache       *cache.Cache
	subscriber  *ingest.Subscriber
	bus         *bus.Pool
	buffer      *buffer.Buffer
	broadcaster *broadcast.Broadcaster
}

// New creates a QueryService over the given PatternCache. busPool, buf, and
// bcast back the stats surface's connection/buffer/broadcast counters
// (spec.md §4.7, §6.3) and may be nil in tests that don't need them.
func New(cfg Config, c *cache.Cache, subscriber *ingest.Subscriber, busPool *bus.Pool, buf *buffer.Buffer, bcast *broadcast.Broadcaster) *Service {
	return &Service{cfg: cfg, cache: c, subscriber: subscriber, bus: busPool, buffer: buf, broadcaster: bcast}
}

// Scan validates params, clamps per_page to 100 (spec.md §8), and runs the
// query with a hard deadline (spec.md §5: "exceeded ⇒ TimeoutError").
func (s *Service) Scan(ctx context.Context, params ScanParams) (cache.ScanResult, error) {
	if params.PerPage > 100 {
		params.PerPage = 100
	}
	if err := validate.Struct(params); err != nil {
		return cache.ScanResult{}, translateValidationError(err)
	}

	filter := cache.Filter{
		Symbols:      params.Symbols,
		PatternNames: params.PatternNames,
	}
	for _, t := range params.Tiers {
		filter.Tiers = append(filter.Tiers, events.Tier(t))
	}
	if params.MinConfidence != nil {
		filter.MinConfidence = *params.MinConfidence
		filter.HasMinConfidence = true
	}

	type resultOrErr struct {
		result cache.ScanResult
	}
	done := make(chan resultOrErr, 1)
	go func() {
		done <- resultOrErr{result: s.cache.Scan(filter, params.SortBy, params.SortDir, params.Page, params.PerPage)}
	}()

	deadline := s.cfg.Deadline
	if deadline <= 0 {
		deadline = time.Second
	}
	select {
	case r := <-done:
		return r.result, nil
	case <-time.After(deadline):
		return cache.ScanResult{}, &QueryError{Kind: KindQueryTimeout, Message: "scan exceeded query deadline"}
	case <-ctx.Done():
		return cache.ScanResult{}, &QueryError{Kind: KindQueryTimeout, Message: ctx.Err().Error()}
	}
}

// GetByID returns a single cached pattern.
func (s *Service) GetByID(id string) (cache.CachedPattern, bool) {
	return s.cache.GetByID(id)
}

// StatsSnapshot is the response to stats() (spec.md §4.7, §6.3).
type StatsSnapshot struct {
	Cached              int     `json:"cached"`
	ResponseCacheHits   int     `json:"hits"`
	ResponseCacheMisses int     `json:"misses"`
	HitRatio            float64 `json:"hit_ratio"`
	EventsProcessed     int64   `json:"events_processed"`
	DecodeErrors        int64   `json:"decode_errors"`
	DroppedMissingField int64   `json:"dropped_missing_field"`
	BufferOverflow      int     `json:"buffer_overflow"`
	BufferFlushes       int     `json:"buffer_flushes"`
	DroppedRateLimit    int64   `json:"dropped_rate_limit"`
	DroppedSendDeadline int64   `json:"dropped_send_deadline"`
	BusConnectionLosses int     `json:"bus_connection_losses"`
}

// Stats returns a snapshot of cache, subscriber, buffer, broadcaster, and
// bus counters.
func (s *Service) Stats() StatsSnapshot {
	cs := s.cache.Stats()
	snap := StatsSnapshot{
		Cached:              cs.Count,
		ResponseCacheHits:   cs.ResponseCacheHits,
		ResponseCacheMisses: cs.ResponseCacheMiss,
		HitRatio:            cs.HitRatio,
	}
	if s.subscriber != nil {
		ss := s.subscriber.Snapshot()
		snap.EventsProcessed = ss.Processed
		snap.DecodeErrors = ss.DecodeErrors
		snap.DroppedMissingField = ss.DroppedMissingField
	}
	if s.buffer != nil {
		snap.BufferOverflow = s.buffer.OverflowCount()
		snap.BufferFlushes = s.buffer.FlushCount()
	}
	if s.broadcaster != nil {
		snap.DroppedRateLimit = s.broadcaster.DroppedRateLimit()
		snap.DroppedSendDeadline = s.broadcaster.DroppedSendDeadline()
	}
	if s.bus != nil {
		snap.BusConnectionLosses = s.bus.ConnectionLosses()
	}
	return snap
}

// SummarySnapshot is the response to summary() (spec.md §4.7).
type SummarySnapshot struct {
	TopPatternNames []NameCount `json:"top_pattern_names"`
	TopSymbols      []NameCount `json:"top_symbols"`
	CountsByTier    map[string]int `json:"counts_by_tier"`
	HitRatio        float64        `json:"hit_ratio"`
}

// NameCount pairs a name with its occurrence count.
type NameCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Summary computes aggregated distributions over the cached patterns. It
// reads through cache.Scan as a single detected_at-descending page of up
// to 100000 items, so it shares the response micro-cache (and its hit/miss
// counters) with scan; patterns beyond that page are not counted.
func (s *Service) Summary(ctx context.Context) SummarySnapshot {
	const scanAll = 100000
	result := s.cache.Scan(cache.Filter{}, "detected_at", "desc", 1, scanAll)

	patternCounts := make(map[string]int)
	symbolCounts := make(map[string]int)
	tierCounts := make(map[string]int)
	for _, p := range result.Items {
		patternCounts[p.PatternName]++
		symbolCounts[p.Symbol]++
		tierCounts[string(p.Tier)]++
	}

	return SummarySnapshot{
		TopPatternNames: topN(patternCounts, 10),
		TopSymbols:      topN(symbolCounts, 10),
		CountsByTier:    tierCounts,
		HitRatio:        s.cache.Stats().HitRatio,
	}
}

func topN(counts map[string]int, n int) []NameCount {
	out := make([]NameCount, 0, len(counts))
	for name, count := range counts {
		out = append(out, NameCount{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func translateValidationError(err error) error {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		return &QueryError{
			Kind:    KindValidationError,
			Message: fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()),
			Field:   fe.Field(),
		}
	}
	return &QueryError{Kind: KindValidationError, Message: err.Error()}
}
