package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// State is what a screen renders for one query.
type State struct {
	Data      json.RawMessage `json:"data"`
	IsLoading bool            `json:"isLoading"`
	Error     error           `json:"-"`
	FromCache bool            `json:"fromCache"`
}

// ErrorMessage returns the error text, empty when there is none.
func (s State) ErrorMessage() string {
	if s.Error == nil {
		return ""
	}
	return s.Error.Error()
}

// Subscriber delivers connectivity changes; *connectivity.Monitor implements it.
type Subscriber interface {
	Subscribe(cb func(connected bool)) (unsubscribe func())
}

// Query keeps the latest result for a url and params, re-running on demand,
// on parameter changes and on connectivity changes once bound.
//
// Every run takes a generation number. A run whose generation has been
// superseded is cancelled and its result dropped, so a slow stale response
// never overwrites a newer one.
type Query struct {
	rt      *ReadThrough
	timeout time.Duration

	mu        sync.Mutex
	url       string
	params    map[string]any
	state     State
	gen       uint64
	cancel    context.CancelFunc
	listeners map[int]func(State)
	nextID    int
	unbind    func()
	closed    bool

	notifyMu sync.Mutex
	wg       sync.WaitGroup
}

// QueryOption configures a Query.
type QueryOption func(*Query)

// WithTimeout bounds each run.
func WithTimeout(d time.Duration) QueryOption {
	return func(q *Query) { q.timeout = d }
}

// NewQuery creates a query and starts its first run.
func NewQuery(rt *ReadThrough, url string, params map[string]any, opts ...QueryOption) *Query {
	q := &Query{
		rt:        rt,
		url:       url,
		params:    params,
		listeners: make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.run()
	return q
}

// Snapshot returns the current state.
func (q *Query) Snapshot() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Refetch starts a new run, superseding any in flight.
func (q *Query) Refetch() {
	q.run()
}

// SetParams changes the target and starts a new run.
func (q *Query) SetParams(url string, params map[string]any) {
	q.mu.Lock()
	q.url = url
	q.params = params
	q.mu.Unlock()
	q.run()
}

// Bind re-runs the query on every connectivity change after the first value.
// A later Bind replaces the earlier one.
func (q *Query) Bind(sub Subscriber) {
	var (
		mu   sync.Mutex
		seen bool
	)
	unsub := sub.Subscribe(func(bool) {
		mu.Lock()
		first := !seen
		seen = true
		mu.Unlock()
		if !first {
			q.run()
		}
	})

	q.mu.Lock()
	prev := q.unbind
	q.unbind = unsub
	closed := q.closed
	q.mu.Unlock()

	if prev != nil {
		prev()
	}
	if closed {
		unsub()
	}
}

// OnChange registers fn for every state change. Calls are serialized and
// always carry the state current at call time.
func (q *Query) OnChange(fn func(State)) func() {
	q.mu.Lock()
	q.nextID++
	id := q.nextID
	q.listeners[id] = fn
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

// Close cancels any run in flight, unbinds connectivity and waits for runs to finish.
func (q *Query) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.gen++
	cancel, unbind := q.cancel, q.unbind
	q.cancel, q.unbind = nil, nil
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unbind != nil {
		unbind()
	}
	q.wg.Wait()
}

func (q *Query) run() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if q.cancel != nil {
		q.cancel()
	}
	q.gen++
	gen := q.gen
	url, params := q.url, q.params

	var ctx context.Context
	var cancel context.CancelFunc
	if q.timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), q.timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	q.cancel = cancel
	q.state.IsLoading = true
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		defer cancel()

		q.notify()
		res := q.rt.Fetch(ctx, url, params)

		q.mu.Lock()
		if gen != q.gen {
			q.mu.Unlock()
			return
		}
		q.state = State{Data: res.Data, Error: res.Error, FromCache: res.FromCache}
		q.cancel = nil
		q.mu.Unlock()

		q.notify()
	}()
}

func (q *Query) notify() {
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()

	q.mu.Lock()
	state := q.state
	fns := make([]func(State), 0, len(q.listeners))
	for _, fn := range q.listeners {
		fns = append(fns, fn)
	}
	q.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}
