// Package subscription implements C2, the SubscriptionIndex: a
// multi-dimensional reverse index from (kind, symbol, tier, pattern_name)
// to the set of client IDs whose predicate admits that value (spec.md
// §4.2). The index is protected by a single reader/writer lock rather than
// per-dimension copy-on-write snapshots — spec.md §5 explicitly allows
// either strategy, and a subscribe/unsubscribe call here only ever holds
// the write lock long enough to touch the handful of sets its predicate
// names, so match() readers see negligible contention in steady state.
package subscription

import (
	"sort"
	"sync"

	"github.com/mcfalli/patternstream/internal/events"
)

// Predicate is a client's declared interest (spec.md §3.1). A nil/empty
// slice on a dimension means "wildcard": the client admits every value on
// that dimension.
type Predicate struct {
	Kinds            []events.Kind
	Symbols          []string
	Tiers            []events.Tier
	PatternNames     []string
	MinConfidence    float64
	HasMinConfidence bool
}

type clientSet map[string]struct{}

// Index is the live subscription index (C2).
type Index struct {
	mu sync.RWMutex

	subs map[string]Predicate

	byKind        map[events.Kind]clientSet
	bySymbol      map[string]clientSet
	byTier        map[events.Tier]clientSet
	byPatternName map[string]clientSet

	wildcardKind        clientSet
	wildcardSymbol      clientSet
	wildcardTier        clientSet
	wildcardPatternName clientSet
}

// NewIndex creates an empty subscription index.
func NewIndex() *Index {
	return &Index{
		subs:                make(map[string]Predicate),
		byKind:              make(map[events.Kind]clientSet),
		bySymbol:            make(map[string]clientSet),
		byTier:              make(map[events.Tier]clientSet),
		byPatternName:       make(map[string]clientSet),
		wildcardKind:        make(clientSet),
		wildcardSymbol:      make(clientSet),
		wildcardTier:        make(clientSet),
		wildcardPatternName: make(clientSet),
	}
}

// Subscribe installs or replaces the subscription for clientID, becoming
// observable atomically across every dimension it touches (spec.md §4.2).
func (idx *Index) Subscribe(clientID string, pred Predicate) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if old, ok := idx.subs[clientID]; ok {
		idx.remove(clientID, old)
	}
	idx.subs[clientID] = pred
	idx.add(clientID, pred)
}

// Unsubscribe removes clientID's subscription entirely.
func (idx *Index) Unsubscribe(clientID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	old, ok := idx.subs[clientID]
	if !ok {
		return
	}
	idx.remove(clientID, old)
	delete(idx.subs, clientID)
}

// Count returns the number of active subscriptions.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.subs)
}

func (idx *Index) add(clientID string, pred Predicate) {
	addKeyed(idx.byKind, idx.wildcardKind, clientID, pred.Kinds)
	addKeyed(idx.bySymbol, idx.wildcardSymbol, clientID, pred.Symbols)
	addKeyed(idx.byTier, idx.wildcardTier, clientID, pred.Tiers)
	addKeyed(idx.byPatternName, idx.wildcardPatternName, clientID, pred.PatternNames)
}

func (idx *Index) remove(clientID string, pred Predicate) {
	removeKeyed(idx.byKind, idx.wildcardKind, clientID, pred.Kinds)
	removeKeyed(idx.bySymbol, idx.wildcardSymbol, clientID, pred.Symbols)
	removeKeyed(idx.byTier, idx.wildcardTier, clientID, pred.Tiers)
	removeKeyed(idx.byPatternName, idx.wildcardPatternName, clientID, pred.PatternNames)
}

func addKeyed[K comparable](m map[K]clientSet, wildcard clientSet, clientID string, values []K) {
	if len(values) == 0 {
		wildcard[clientID] = struct{}{}
		return
	}
	for _, v := range values {
		set, ok := m[v]
		if !ok {
			set = make(clientSet)
			m[v] = set
		}
		set[clientID] = struct{}{}
	}
}

func removeKeyed[K comparable](m map[K]clientSet, wildcard clientSet, clientID string, values []K) {
	if len(values) == 0 {
		delete(wildcard, clientID)
		return
	}
	for _, v := range values {
		if set, ok := m[v]; ok {
			delete(set, clientID)
			if len(set) == 0 {
				delete(m, v)
			}
		}
	}
}

type dimCandidate struct {
	priority int
	ids      clientSet
}

// Match returns the client IDs whose predicate admits ev (spec.md §4.2).
// Candidate sets are formed per applicable dimension, intersected
// smallest-set-first, with ties broken by dimension priority
// kind > symbol > tier > pattern_name.
func (idx *Index) Match(ev *events.Event) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	dims := make([]dimCandidate, 0, 4)
	dims = append(dims, dimCandidate{priority: 0, ids: union(idx.byKind[ev.Kind], idx.wildcardKind)})

	if symbol := ev.Symbol(); symbol != "" {
		dims = append(dims, dimCandidate{priority: 1, ids: union(idx.bySymbol[symbol], idx.wildcardSymbol)})
	}

	if ev.Kind == events.KindPattern {
		dims = append(dims, dimCandidate{priority: 2, ids: union(idx.byTier[ev.Detection.Tier], idx.wildcardTier)})
		dims = append(dims, dimCandidate{priority: 3, ids: union(idx.byPatternName[ev.Detection.PatternName], idx.wildcardPatternName)})
	}

	sort.SliceStable(dims, func(i, j int) bool {
		if len(dims[i].ids) != len(dims[j].ids) {
			return len(dims[i].ids) < len(dims[j].ids)
		}
		return dims[i].priority < dims[j].priority
	})

	result := dims[0].ids
	for _, d := range dims[1:] {
		if len(result) == 0 {
			break
		}
		result = intersect(result, d.ids)
	}

	matched := make([]string, 0, len(result))
	for clientID := range result {
		pred := idx.subs[clientID]
		if pred.HasMinConfidence {
			conf, applicable := confidenceOf(ev)
			if applicable && conf < pred.MinConfidence {
				continue
			}
		}
		matched = append(matched, clientID)
	}
	return matched
}

func confidenceOf(ev *events.Event) (float64, bool) {
	if ev.Kind != events.KindPattern {
		return 0, false
	}
	return ev.Detection.Confidence, true
}

func union(a, b clientSet) clientSet {
	out := make(clientSet, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

func intersect(a, b clientSet) clientSet {
	small, large := a, b
	if len(large) < len(small) {
		small, large = large, small
	}
	out := make(clientSet, len(small))
	for k := range small {
		if _, ok := large[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}
