// Package telemetry keeps local counters for sync and cache activity.
//
// Counters never leave the process. They are exposed through the desktop
// status endpoint and the mobile bridge so the UI can show sync health.
// All methods are safe on a nil *Counters.
package telemetry

import "sync/atomic"

// Counters aggregates sync engine and read-through cache activity.
type Counters struct {
	drains         int64
	dispatched     int64
	removed        int64
	failed         int64
	aborted        int64
	cacheHits      int64
	cacheMisses    int64
	cacheFallbacks int64
}

// New creates zeroed counters.
func New() *Counters {
	return &Counters{}
}

// RecordDrain counts a drain pass that found work.
func (c *Counters) RecordDrain() {
	if c != nil {
		atomic.AddInt64(&c.drains, 1)
	}
}

// RecordDispatch counts one replayed action.
func (c *Counters) RecordDispatch() {
	if c != nil {
		atomic.AddInt64(&c.dispatched, 1)
	}
}

// RecordRemoved counts actions removed after a successful replay.
func (c *Counters) RecordRemoved(n int) {
	if c != nil {
		atomic.AddInt64(&c.removed, int64(n))
	}
}

// RecordFailed counts an action marked FAILED.
func (c *Counters) RecordFailed() {
	if c != nil {
		atomic.AddInt64(&c.failed, 1)
	}
}

// RecordAbort counts a drain cut short by a network failure or cancellation.
func (c *Counters) RecordAbort() {
	if c != nil {
		atomic.AddInt64(&c.aborted, 1)
	}
}

// RecordCacheHit counts a read served from cache while offline.
func (c *Counters) RecordCacheHit() {
	if c != nil {
		atomic.AddInt64(&c.cacheHits, 1)
	}
}

// RecordCacheMiss counts a read that found neither network nor cache.
func (c *Counters) RecordCacheMiss() {
	if c != nil {
		atomic.AddInt64(&c.cacheMisses, 1)
	}
}

// RecordCacheFallback counts a failed live read answered from cache.
func (c *Counters) RecordCacheFallback() {
	if c != nil {
		atomic.AddInt64(&c.cacheFallbacks, 1)
	}
}

// Stats is a point-in-time copy of the counters.
type Stats struct {
	Drains         int64 `json:"drains"`
	Dispatched     int64 `json:"dispatched"`
	Removed        int64 `json:"removed"`
	Failed         int64 `json:"failed"`
	Aborted        int64 `json:"aborted"`
	CacheHits      int64 `json:"cache_hits"`
	CacheMisses    int64 `json:"cache_misses"`
	CacheFallbacks int64 `json:"cache_fallbacks"`
}

// Snapshot returns the current values. A nil receiver yields zeros.
func (c *Counters) Snapshot() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		Drains:         atomic.LoadInt64(&c.drains),
		Dispatched:     atomic.LoadInt64(&c.dispatched),
		Removed:        atomic.LoadInt64(&c.removed),
		Failed:         atomic.LoadInt64(&c.failed),
		Aborted:        atomic.LoadInt64(&c.aborted),
		CacheHits:      atomic.LoadInt64(&c.cacheHits),
		CacheMisses:    atomic.LoadInt64(&c.cacheMisses),
		CacheFallbacks: atomic.LoadInt64(&c.cacheFallbacks),
	}
}

// Reset zeroes every counter.
func (c *Counters) Reset() {
	if c == nil {
		return
	}
	for _, f := range []*int64{&c.drains, &c.dispatched, &c.removed, &c.failed, &c.aborted, &c.cacheHits, &c.cacheMisses, &c.cacheFallbacks} {
		atomic.StoreInt64(f, 0)
	}
}
