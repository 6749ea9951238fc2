// Package registry implements the Adapter Registry: the routing index
// from (source-language, target-language) to a weighted set of ready
// adapters, and the aggregated supported-languages snapshot.
package registry

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/duskline/langrelay/langid"
	"github.com/duskline/langrelay/metrics"
)

// Adapter is the subset of adapter.Adapter the registry needs: stable
// identity, routing weight, and the ability to carry a request once
// chosen. Defined here (rather than importing package adapter) so the
// registry depends only on the behavior it uses, matching the testable
// fake used in registry_test.go.
type Adapter interface {
	ID() string
	Weight() uint32
	Send(ctx context.Context, payload []byte) error
}

// targetEntry is the (src,tgt)-keyed routing node: an ordered adapter
// list plus its cached weighted distribution. Once created it is never
// removed from its Source Entry map — only its adapter list changes.
type targetEntry struct {
	mu          sync.RWMutex
	adapters    []Adapter
	cumWeights  []uint64
	totalWeight uint64
}

func (t *targetEntry) recomputeLocked() {
	t.cumWeights = make([]uint64, len(t.adapters))
	var sum uint64
	for i, a := range t.adapters {
		sum += uint64(a.Weight())
		t.cumWeights[i] = sum
	}
	t.totalWeight = sum
}

func (t *targetEntry) add(a Adapter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.adapters = append(t.adapters, a)
	t.recomputeLocked()
}

func (t *targetEntry) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, a := range t.adapters {
		if a.ID() == id {
			t.adapters = append(t.adapters[:i], t.adapters[i+1:]...)
			break
		}
	}
	t.recomputeLocked()
}

// choose implements the weighted selection algorithm: 0 adapters -> none,
// 1 adapter -> return it unconditionally (weight ignored, including
// weight 0), 2+ -> sample proportional to weight.
func (t *targetEntry) choose() (Adapter, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	switch len(t.adapters) {
	case 0:
		return nil, false
	case 1:
		return t.adapters[0], true
	default:
		if t.totalWeight == 0 {
			// Every candidate has weight 0: nobody has nonzero probability.
			return nil, false
		}
		pick := rand.Int64N(int64(t.totalWeight))
		for i, cw := range t.cumWeights {
			if pick < int64(cw) {
				return t.adapters[i], true
			}
		}
		return t.adapters[len(t.adapters)-1], true
	}
}

func (t *targetEntry) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.adapters)
}

// Registry is the Adapter Registry component. The zero value is not
// usable; construct with New.
type Registry struct {
	lang *langid.Table

	sourceMu sync.RWMutex
	sources  map[langid.UID]map[langid.UID]*targetEntry

	// mutateMu serializes OnAdapterReady/OnAdapterDisconnected against
	// each other so the supported-languages snapshot is never built from
	// a partially-applied membership change. It does not guard selection.
	mutateMu sync.Mutex

	registrations map[string][]*targetEntry // adapter id -> entries it's in

	snapMu   sync.RWMutex
	snapshot []byte
}

// New returns an empty registry backed by lang for name<->uid interning.
func New(lang *langid.Table) *Registry {
	r := &Registry{
		lang:          lang,
		sources:       make(map[langid.UID]map[langid.UID]*targetEntry),
		registrations: make(map[string][]*targetEntry),
	}
	r.snapshot, _ = json.Marshal(map[string][]string{})
	return r
}

func (r *Registry) getOrCreate(src, tgt langid.UID) *targetEntry {
	r.sourceMu.RLock()
	if srcMap, ok := r.sources[src]; ok {
		if t, ok := srcMap[tgt]; ok {
			r.sourceMu.RUnlock()
			return t
		}
	}
	r.sourceMu.RUnlock()

	r.sourceMu.Lock()
	defer r.sourceMu.Unlock()
	srcMap, ok := r.sources[src]
	if !ok {
		srcMap = make(map[langid.UID]*targetEntry)
		r.sources[src] = srcMap
	}
	if t, ok := srcMap[tgt]; ok {
		return t
	}
	t := &targetEntry{}
	srcMap[tgt] = t
	return t
}

// OnAdapterReady interns each (src_name, tgt_name) pair langs describes,
// appends adapter to the corresponding Target Entry, records the
// registration, and recomputes the supported-languages snapshot.
func (r *Registry) OnAdapterReady(adapter Adapter, langs map[string][]string) {
	r.mutateMu.Lock()
	defer r.mutateMu.Unlock()

	var entries []*targetEntry
	for srcName, tgts := range langs {
		srcUID := r.lang.Register(srcName)
		for _, tgtName := range tgts {
			tgtUID := r.lang.Register(tgtName)
			t := r.getOrCreate(srcUID, tgtUID)
			t.add(adapter)
			entries = append(entries, t)
		}
	}
	r.registrations[adapter.ID()] = entries
	r.recomputeSnapshotLocked()
	metrics.AdaptersConnected.Inc()
}

// OnAdapterDisconnected removes adapter from every Target Entry it was
// registered in, clears its registration set, and recomputes the
// supported-languages snapshot.
func (r *Registry) OnAdapterDisconnected(adapter Adapter) {
	r.mutateMu.Lock()
	defer r.mutateMu.Unlock()

	for _, t := range r.registrations[adapter.ID()] {
		t.remove(adapter.ID())
	}
	delete(r.registrations, adapter.ID())
	r.recomputeSnapshotLocked()
	metrics.AdaptersConnected.Dec()
}

// ChooseAdapter locates the Target Entry for (src,tgt), lazily creating it
// so a concurrent OnAdapterReady can populate it without racing, then
// selects an adapter by the cached weighted distribution.
func (r *Registry) ChooseAdapter(src, tgt langid.UID) (Adapter, bool) {
	t := r.getOrCreate(src, tgt)
	return t.choose()
}

// SupportedLanguagesJSON returns the latest supported-languages snapshot.
func (r *Registry) SupportedLanguagesJSON() []byte {
	r.snapMu.RLock()
	defer r.snapMu.RUnlock()
	return r.snapshot
}

// recomputeSnapshotLocked rebuilds the snapshot from the current routing
// table. Caller must hold mutateMu. Result is deterministic: json.Marshal
// sorts map keys, and target-language slices are sorted explicitly, so two
// recomputations with no intervening membership change are byte-identical.
func (r *Registry) recomputeSnapshotLocked() {
	r.sourceMu.RLock()
	out := make(map[string][]string, len(r.sources))
	for srcUID, srcMap := range r.sources {
		var tgts []string
		for tgtUID, t := range srcMap {
			if t.size() > 0 {
				tgts = append(tgts, r.lang.Name(tgtUID))
			}
		}
		if len(tgts) > 0 {
			sort.Strings(tgts)
			out[r.lang.Name(srcUID)] = tgts
		}
	}
	r.sourceMu.RUnlock()

	b, err := json.Marshal(out)
	if err != nil {
		// Marshal of a map[string][]string cannot fail; guard anyway so a
		// future field addition can't silently corrupt the cached snapshot.
		return
	}

	r.snapMu.Lock()
	r.snapshot = b
	r.snapMu.Unlock()
}
