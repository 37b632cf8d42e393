// Package buffer provides the bounded, time-indexed event buffer that rule
// evaluation reads windows from.
package buffer

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	derrors "dfir-detect/internal/errors"
	"dfir-detect/internal/metrics"
	"dfir-detect/internal/schema"
)

// Config holds buffer configuration.
type Config struct {
	// MaxEventsPerTenant caps each tenant's buffer. Zero means unbounded.
	MaxEventsPerTenant int
}

// Buffer is a per-tenant, time-ordered event store. Appends for one tenant
// never block readers or writers of another tenant.
type Buffer struct {
	mu      sync.RWMutex
	tenants map[string]*tenantIndex

	maxPerTenant int
	seq          atomic.Uint64

	// Metrics (accessed atomically)
	totalAppended   atomic.Uint64
	totalDuplicates atomic.Uint64
	totalEvicted    atomic.Uint64
	totalExhausted  atomic.Uint64
}

type entry struct {
	ev  *schema.Event
	seq uint64
}

func (e entry) before(ts time.Time, seq uint64) bool {
	if e.ev.Timestamp.Equal(ts) {
		return e.seq < seq
	}
	return e.ev.Timestamp.Before(ts)
}

type tenantIndex struct {
	mu        sync.RWMutex
	entries   []entry
	byEntity  map[string][]entry
	ids       map[uuid.UUID]struct{}
	exhausted bool
}

// New creates a new Buffer.
func New(cfg Config) *Buffer {
	return &Buffer{
		tenants:      make(map[string]*tenantIndex),
		maxPerTenant: cfg.MaxEventsPerTenant,
	}
}

func (b *Buffer) tenant(id string, create bool) *tenantIndex {
	b.mu.RLock()
	idx, ok := b.tenants[id]
	b.mu.RUnlock()
	if ok || !create {
		return idx
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok = b.tenants[id]; !ok {
		idx = &tenantIndex{
			byEntity: make(map[string][]entry),
			ids:      make(map[uuid.UUID]struct{}),
		}
		b.tenants[id] = idx
	}
	return idx
}

// Append adds an event to its tenant's buffer. It returns false when an event
// with the same id is already buffered. Late events are inserted in timestamp
// order; ties keep arrival order.
func (b *Buffer) Append(ev *schema.Event) bool {
	idx := b.tenant(ev.TenantID, true)

	idx.mu.Lock()
	if _, dup := idx.ids[ev.EventID]; dup {
		idx.mu.Unlock()
		b.totalDuplicates.Add(1)
		return false
	}

	e := entry{ev: ev, seq: b.seq.Add(1)}
	idx.ids[ev.EventID] = struct{}{}
	idx.entries = insertSorted(idx.entries, e)
	for _, key := range uniqueEntityKeys(ev) {
		idx.byEntity[key] = insertSorted(idx.byEntity[key], e)
	}

	var exhaustion *derrors.BufferExhaustion
	if b.maxPerTenant > 0 && len(idx.entries) > b.maxPerTenant {
		n := len(idx.entries) - b.maxPerTenant
		idx.dropOldest(n)
		b.totalEvicted.Add(uint64(n))
		b.totalExhausted.Add(uint64(n))
		metrics.BufferEvictedTotal.WithLabelValues(ev.TenantID, "cap").Add(float64(n))
		if !idx.exhausted {
			idx.exhausted = true
			exhaustion = &derrors.BufferExhaustion{TenantID: ev.TenantID, Evicted: n, Cap: b.maxPerTenant}
		}
	}
	size := len(idx.entries)
	idx.mu.Unlock()

	b.totalAppended.Add(1)
	metrics.BufferEvents.WithLabelValues(ev.TenantID).Set(float64(size))
	if exhaustion != nil {
		slog.Warn("event buffer exhausted, evicting oldest events early",
			"tenant_id", exhaustion.TenantID,
			"cap", exhaustion.Cap,
			"error", exhaustion,
		)
	}
	return true
}

// insertSorted places e after every entry ordered before it. Arrivals are
// usually newest, so the common case is an append.
func insertSorted(s []entry, e entry) []entry {
	n := len(s)
	if n == 0 || s[n-1].before(e.ev.Timestamp, e.seq) {
		return append(s, e)
	}
	i := sort.Search(n, func(i int) bool {
		return !s[i].before(e.ev.Timestamp, e.seq)
	})
	s = append(s, entry{})
	copy(s[i+1:], s[i:])
	s[i] = e
	return s
}

// dropOldest removes the n oldest entries. Caller holds idx.mu.
func (idx *tenantIndex) dropOldest(n int) {
	for _, e := range idx.entries[:n] {
		delete(idx.ids, e.ev.EventID)
		for _, key := range uniqueEntityKeys(e.ev) {
			// The globally oldest entry is also the oldest under each of its keys.
			list := idx.byEntity[key]
			if len(list) > 0 && list[0].seq == e.seq {
				list = list[1:]
			}
			if len(list) == 0 {
				delete(idx.byEntity, key)
			} else {
				idx.byEntity[key] = list
			}
		}
	}
	idx.entries = idx.entries[n:]
}

func uniqueEntityKeys(ev *schema.Event) []string {
	keys := ev.EntityKeys()
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, dup := seen[k]; !dup {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

// lowerBound returns the first position whose timestamp is >= ts.
func lowerBound(s []entry, ts time.Time) int {
	return sort.Search(len(s), func(i int) bool {
		return !s[i].ev.Timestamp.Before(ts)
	})
}

// Query returns the tenant's events with timestamps in [start, end), ordered
// by timestamp then arrival. With entity keys, only events indexed under at
// least one key are returned. The result is a fresh slice.
func (b *Buffer) Query(tenantID string, start, end time.Time, entityKeys ...string) []*schema.Event {
	idx := b.tenant(tenantID, false)
	if idx == nil || !start.Before(end) {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(entityKeys) == 0 {
		return window(idx.entries, start, end)
	}
	if len(entityKeys) == 1 {
		return window(idx.byEntity[entityKeys[0]], start, end)
	}

	var merged []entry
	seen := make(map[uint64]struct{})
	for _, key := range entityKeys {
		list := idx.byEntity[key]
		for _, e := range list[lowerBound(list, start):lowerBound(list, end)] {
			if _, dup := seen[e.seq]; dup {
				continue
			}
			seen[e.seq] = struct{}{}
			merged = append(merged, e)
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].before(merged[j].ev.Timestamp, merged[j].seq)
	})
	out := make([]*schema.Event, len(merged))
	for i, e := range merged {
		out[i] = e.ev
	}
	return out
}

func window(s []entry, start, end time.Time) []*schema.Event {
	lo, hi := lowerBound(s, start), lowerBound(s, end)
	if lo >= hi {
		return nil
	}
	out := make([]*schema.Event, 0, hi-lo)
	for _, e := range s[lo:hi] {
		out = append(out, e.ev)
	}
	return out
}

// Evict removes events with timestamps before the cutoff from every tenant.
// It returns the number of events removed.
func (b *Buffer) Evict(before time.Time) int {
	b.mu.RLock()
	ids := make([]string, 0, len(b.tenants))
	for id := range b.tenants {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	total := 0
	for _, id := range ids {
		total += b.EvictTenant(id, before)
	}
	return total
}

// EvictTenant removes one tenant's events with timestamps before the cutoff.
func (b *Buffer) EvictTenant(tenantID string, before time.Time) int {
	idx := b.tenant(tenantID, false)
	if idx == nil {
		return 0
	}

	idx.mu.Lock()
	n := lowerBound(idx.entries, before)
	if n > 0 {
		for _, e := range idx.entries[:n] {
			delete(idx.ids, e.ev.EventID)
		}
		idx.entries = append([]entry(nil), idx.entries[n:]...)
		for key, list := range idx.byEntity {
			k := lowerBound(list, before)
			switch {
			case k == len(list):
				delete(idx.byEntity, key)
			case k > 0:
				idx.byEntity[key] = append([]entry(nil), list[k:]...)
			}
		}
	}
	if b.maxPerTenant > 0 && len(idx.entries) < b.maxPerTenant {
		idx.exhausted = false
	}
	size := len(idx.entries)
	idx.mu.Unlock()

	if n > 0 {
		b.totalEvicted.Add(uint64(n))
		metrics.BufferEvictedTotal.WithLabelValues(tenantID, "retention").Add(float64(n))
		metrics.BufferEvents.WithLabelValues(tenantID).Set(float64(size))
		slog.Debug("evicted buffered events", "tenant_id", tenantID, "count", n, "before", before)
	}
	return n
}

// Len returns the number of buffered events for a tenant.
func (b *Buffer) Len(tenantID string) int {
	idx := b.tenant(tenantID, false)
	if idx == nil {
		return 0
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Oldest returns the oldest buffered timestamp for a tenant.
func (b *Buffer) Oldest(tenantID string) (time.Time, bool) {
	idx := b.tenant(tenantID, false)
	if idx == nil {
		return time.Time{}, false
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if len(idx.entries) == 0 {
		return time.Time{}, false
	}
	return idx.entries[0].ev.Timestamp, true
}

// Stats holds buffer statistics.
type Stats struct {
	Tenants    map[string]int `json:"tenants"`
	Buffered   int            `json:"buffered"`
	Appended   uint64         `json:"appended"`
	Duplicates uint64         `json:"duplicates"`
	Evicted    uint64         `json:"evicted"`
	Exhausted  uint64         `json:"exhausted"`
}

// Stats returns buffer statistics.
func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	tenants := make(map[string]*tenantIndex, len(b.tenants))
	for id, idx := range b.tenants {
		tenants[id] = idx
	}
	b.mu.RUnlock()

	s := Stats{
		Tenants:    make(map[string]int, len(tenants)),
		Appended:   b.totalAppended.Load(),
		Duplicates: b.totalDuplicates.Load(),
		Evicted:    b.totalEvicted.Load(),
		Exhausted:  b.totalExhausted.Load(),
	}
	for id, idx := range tenants {
		idx.mu.RLock()
		n := len(idx.entries)
		idx.mu.RUnlock()
		s.Tenants[id] = n
		s.Buffered += n
	}
	return s
}
