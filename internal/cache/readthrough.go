// Package cache serves reads from the backend and falls back to the last good
// payload stored in the key/value store when the network is unavailable.
package cache

import (
	"context"
	"encoding/json"

	"github.com/kimhsiao/fieldsync/internal/kv"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/telemetry"
)

// DefaultPrefix namespaces cache keys in the shared store.
const DefaultPrefix = "@cache:"

// EmptyCollection is returned as Data when neither network nor cache can answer.
var EmptyCollection = json.RawMessage(`[]`)

// Getter performs a live read.
type Getter interface {
	Get(ctx context.Context, url string, params map[string]any) (json.RawMessage, error)
}

// GetterFunc adapts a function, such as (*httpclient.Client).GetJSON, to Getter.
type GetterFunc func(ctx context.Context, url string, params map[string]any) (json.RawMessage, error)

// Get calls f.
func (f GetterFunc) Get(ctx context.Context, url string, params map[string]any) (json.RawMessage, error) {
	return f(ctx, url, params)
}

// ConnectivityState reports current reachability.
type ConnectivityState interface {
	IsConnected() bool
}

// Result is the outcome of one fetch. Error is set only when both the live
// read and the cache failed, in which case Data is EmptyCollection.
type Result struct {
	Data      json.RawMessage
	Error     error
	FromCache bool
}

// ReadThrough caches every successful live read and serves it back on failure.
// Entries never expire.
type ReadThrough struct {
	getter   Getter
	store    kv.Store
	conn     ConnectivityState
	prefix   string
	counters *telemetry.Counters
}

// Option configures a ReadThrough.
type Option func(*ReadThrough)

// WithTelemetry attaches local counters.
func WithTelemetry(c *telemetry.Counters) Option {
	return func(r *ReadThrough) { r.counters = c }
}

// NewReadThrough creates a cache over getter. A nil conn is treated as always online.
func NewReadThrough(getter Getter, store kv.Store, conn ConnectivityState, prefix string, opts ...Option) *ReadThrough {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	r := &ReadThrough{getter: getter, store: store, conn: conn, prefix: prefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Key returns the store key for url and params.
func (r *ReadThrough) Key(url string, params map[string]any) string {
	return Key(r.prefix, url, params)
}

// Fetch reads url with params.
//
// While offline a cached payload is returned without touching the network.
// Otherwise the live read runs; success overwrites the cache entry, failure
// falls back to the entry when one exists.
func (r *ReadThrough) Fetch(ctx context.Context, url string, params map[string]any) Result {
	key := r.Key(url, params)

	if r.conn != nil && !r.conn.IsConnected() {
		if cached, ok := r.lookup(ctx, key); ok {
			r.counters.RecordCacheHit()
			return Result{Data: cached, FromCache: true}
		}
	}

	data, err := r.getter.Get(ctx, url, params)
	// Store I/O outlives the read deadline so a timed-out read can still fall back.
	storeCtx := context.WithoutCancel(ctx)
	if err == nil {
		if data == nil {
			data = json.RawMessage("null")
		}
		if werr := r.store.Set(storeCtx, key, string(data)); werr != nil {
			logging.Warn("Failed to write cache entry", map[string]interface{}{"key": key, "error": werr.Error()})
		}
		return Result{Data: data}
	}

	if cached, ok := r.lookup(storeCtx, key); ok {
		r.counters.RecordCacheFallback()
		logging.Debug("Serving cached payload after failed read", map[string]interface{}{"url": url, "error": err.Error()})
		return Result{Data: cached, FromCache: true}
	}

	r.counters.RecordCacheMiss()
	return Result{Data: EmptyCollection, Error: err}
}

// Invalidate removes the entry for url and params.
func (r *ReadThrough) Invalidate(ctx context.Context, url string, params map[string]any) error {
	return r.store.Remove(ctx, r.Key(url, params))
}

func (r *ReadThrough) lookup(ctx context.Context, key string) (json.RawMessage, bool) {
	raw, ok, err := r.store.Get(ctx, key)
	if err != nil {
		logging.Warn("Failed to read cache entry", map[string]interface{}{"key": key, "error": err.Error()})
		return nil, false
	}
	if !ok || !json.Valid([]byte(raw)) {
		return nil, false
	}
	return json.RawMessage(raw), true
}
