// Package sync tests for queue draining.
package sync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/httpclient"
	"github.com/kimhsiao/fieldsync/internal/kv"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/telemetry"
)

// =====================================================
// Test Helpers
// =====================================================

type outcome int

const (
	succeed outcome = iota
	appFailure
	networkFailure
)

// mockDispatcher answers per URL and records every call in order.
type mockDispatcher struct {
	mu       sync.Mutex
	outcomes map[string]outcome
	calls    []httpclient.Request
	block    chan struct{}
	started  chan struct{}
}

func newMockDispatcher(outcomes map[string]outcome) *mockDispatcher {
	return &mockDispatcher{outcomes: outcomes}
}

func (d *mockDispatcher) Do(ctx context.Context, req httpclient.Request) (*httpclient.Response, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	block, started := d.block, d.started
	out := d.outcomes[req.URL]
	d.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}

	switch out {
	case appFailure:
		resp := &httpclient.Response{Status: http.StatusUnprocessableEntity, Data: []byte(`{"message":"rejected"}`)}
		return resp, &httpclient.RequestError{Method: req.Method, URL: req.URL, Response: resp, Err: errors.New("status 422")}
	case networkFailure:
		return nil, &httpclient.RequestError{Method: req.Method, URL: req.URL, Err: errors.New("Network request failed")}
	default:
		return &httpclient.Response{Status: http.StatusOK}, nil
	}
}

func (d *mockDispatcher) urls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	for i, c := range d.calls {
		out[i] = c.URL
	}
	return out
}

// testEventHandler collects emitted events.
type testEventHandler struct {
	mu     sync.Mutex
	events []SyncEvent
}

func (h *testEventHandler) OnSyncEvent(event SyncEvent) {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
}

func (h *testEventHandler) types() []SyncEventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SyncEventType, len(h.events))
	for i, e := range h.events {
		out[i] = e.Type
	}
	return out
}

func newQueue(t *testing.T, urls ...string) (*queue.Queue, []models.QueuedAction) {
	t.Helper()
	q := queue.NewQueue(kv.NewMemoryStore(), "")
	var actions []models.QueuedAction
	for _, u := range urls {
		a, err := q.Enqueue(context.Background(), models.ActionRequest{URL: u, Method: "POST", Body: map[string]any{"u": u}, Label: u}, "")
		require.NoError(t, err)
		actions = append(actions, a)
	}
	return q, actions
}

// =====================================================
// Drain Tests
// =====================================================

// TestNewEngine verifies engine creation.
func TestNewEngine(t *testing.T) {
	q, _ := newQueue(t)
	engine := NewEngine(q, newMockDispatcher(nil))

	assert.Equal(t, SyncStatusIdle, engine.Status())
	assert.False(t, engine.IsSyncing())
	assert.Nil(t, engine.LastDrain())
	assert.Nil(t, engine.LastResult())
	assert.NoError(t, engine.LastError())
	assert.Equal(t, 0, engine.PendingChanges())
}

// TestDrain_empty verifies an empty queue yields a zero result without dispatches.
func TestDrain_empty(t *testing.T) {
	q, _ := newQueue(t)
	d := newMockDispatcher(nil)
	handler := &testEventHandler{}
	engine := NewEngine(q, d)
	engine.SetEventHandler(handler)

	result, err := engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Total)
	assert.Empty(t, d.urls())
	assert.Empty(t, handler.types())
	assert.NotNil(t, engine.LastDrain())
}

// TestDrain_fifoReplay verifies all successes empty the queue in order.
func TestDrain_fifoReplay(t *testing.T) {
	urls := []string{"/sales", "/sales/1/approve", "/opname", "/attendance", "/finance"}
	q, _ := newQueue(t, urls...)
	d := newMockDispatcher(nil)
	counters := telemetry.New()

	var notified []int
	engine := NewEngine(q, d, WithTelemetry(counters), WithNotifier(NotifierFunc(func(n int) { notified = append(notified, n) })))

	result, err := engine.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, urls, d.urls())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 5, result.Total)
	assert.Equal(t, 5, result.Removed)
	assert.Equal(t, 0, result.Remaining)
	assert.False(t, result.Aborted)
	assert.Equal(t, []int{5}, notified)
	assert.Equal(t, int64(5), counters.Snapshot().Dispatched)
	assert.Equal(t, int64(5), counters.Snapshot().Removed)
}

// TestDrain_partialFailure verifies [A ok, B 4xx, C ok] leaves exactly [B FAILED].
func TestDrain_partialFailure(t *testing.T) {
	q, actions := newQueue(t, "/a", "/b", "/c")
	d := newMockDispatcher(map[string]outcome{"/b": appFailure})

	var notified []int
	engine := NewEngine(q, d, WithNotifier(NotifierFunc(func(n int) { notified = append(notified, n) })))

	result, err := engine.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"/a", "/b", "/c"}, d.urls())
	remaining := q.List()
	require.Len(t, remaining, 1)
	assert.Equal(t, actions[1].ID, remaining[0].ID)
	assert.Equal(t, models.StatusFailed, remaining[0].Status)
	assert.Equal(t, 1, remaining[0].Attempts)
	assert.Equal(t, "rejected", remaining[0].LastError)
	assert.JSONEq(t, string(actions[1].Body), string(remaining[0].Body))

	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 2, result.Removed)
	assert.Equal(t, []int{2}, notified)
	assert.Len(t, engine.GetErrorHistory(), 1)
}

// TestDrain_failedActionRetriedNextDrain verifies a FAILED action is retried on the next trigger.
func TestDrain_failedActionRetriedNextDrain(t *testing.T) {
	q, _ := newQueue(t, "/a")
	d := newMockDispatcher(map[string]outcome{"/a": appFailure})
	engine := NewEngine(q, d)

	_, _ = engine.Drain(context.Background())
	require.Equal(t, 1, q.Len())

	d.mu.Lock()
	d.outcomes["/a"] = succeed
	d.mu.Unlock()

	result, err := engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Removed)
	assert.Equal(t, 0, q.Len())
}

// TestDrain_systemicAbort verifies a network failure on A keeps [A, B, C] unchanged.
func TestDrain_systemicAbort(t *testing.T) {
	q, actions := newQueue(t, "/a", "/b", "/c")
	d := newMockDispatcher(map[string]outcome{"/a": networkFailure})
	handler := &testEventHandler{}
	notified := 0
	engine := NewEngine(q, d, WithNotifier(NotifierFunc(func(int) { notified++ })))
	engine.SetEventHandler(handler)

	result, err := engine.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"/a"}, d.urls(), "nothing after the abort point is attempted")
	got := q.List()
	require.Len(t, got, 3)
	for i := range actions {
		assert.Equal(t, actions[i].ID, got[i].ID)
		assert.Equal(t, models.StatusPending, got[i].Status)
		assert.Equal(t, 0, got[i].Attempts)
	}
	assert.True(t, result.Aborted)
	assert.Equal(t, AbortNetwork, result.AbortReason)
	assert.Equal(t, 0, notified)
	assert.True(t, apperrors.Is(engine.LastError(), apperrors.ErrNetworkUnavailable))
	assert.Equal(t, []SyncEventType{SyncEventStarted, SyncEventAborted}, handler.types())
}

// TestDrain_abortMidway verifies successes before the abort point are still removed.
func TestDrain_abortMidway(t *testing.T) {
	q, actions := newQueue(t, "/a", "/b", "/c", "/d")
	d := newMockDispatcher(map[string]outcome{"/b": appFailure, "/c": networkFailure})
	notified := 0
	engine := NewEngine(q, d, WithNotifier(NotifierFunc(func(n int) { notified = n })))

	result, err := engine.Drain(context.Background())
	require.NoError(t, err)

	got := q.List()
	require.Len(t, got, 3)
	assert.Equal(t, actions[1].ID, got[0].ID)
	assert.Equal(t, models.StatusFailed, got[0].Status)
	assert.Equal(t, actions[2].ID, got[1].ID)
	assert.Equal(t, models.StatusPending, got[1].Status)
	assert.Equal(t, actions[3].ID, got[2].ID)
	assert.Equal(t, 1, result.Removed)
	assert.Equal(t, 1, notified)
}

// TestDrain_noNotificationWhenNothingRemoved verifies the summary fires only for removals.
func TestDrain_noNotificationWhenNothingRemoved(t *testing.T) {
	q, _ := newQueue(t, "/a", "/b")
	d := newMockDispatcher(map[string]outcome{"/a": appFailure, "/b": appFailure})
	notified := false
	engine := NewEngine(q, d, WithNotifier(NotifierFunc(func(int) { notified = true })))

	_, err := engine.Drain(context.Background())
	require.NoError(t, err)
	assert.False(t, notified)
	assert.Equal(t, 2, q.Len())
}

// TestDrain_reentrancyGuard verifies a second drain is refused while one runs.
func TestDrain_reentrancyGuard(t *testing.T) {
	q, _ := newQueue(t, "/a")
	d := newMockDispatcher(nil)
	d.block = make(chan struct{})
	d.started = make(chan struct{}, 1)
	engine := NewEngine(q, d)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = engine.Drain(context.Background())
	}()

	<-d.started
	assert.True(t, engine.IsSyncing())

	result, err := engine.Drain(context.Background())
	assert.Nil(t, result)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncInProgress))

	close(d.block)
	<-done
	assert.Equal(t, SyncStatusIdle, engine.Status())
	assert.Len(t, d.urls(), 1)
}

// TestDrain_enqueueDuringDrain verifies actions queued mid-drain survive the replace.
func TestDrain_enqueueDuringDrain(t *testing.T) {
	q, _ := newQueue(t, "/a")
	d := newMockDispatcher(nil)
	d.block = make(chan struct{})
	d.started = make(chan struct{}, 1)
	engine := NewEngine(q, d)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = engine.Drain(context.Background())
	}()

	<-d.started
	late, err := q.Enqueue(context.Background(), models.ActionRequest{URL: "/late", Method: "POST"}, "")
	require.NoError(t, err)
	close(d.block)
	<-done

	got := q.List()
	require.Len(t, got, 1)
	assert.Equal(t, late.ID, got[0].ID)
}

// TestDrain_cancelled verifies cancellation keeps the untried remainder unchanged.
func TestDrain_cancelled(t *testing.T) {
	q, _ := newQueue(t, "/a", "/b")
	d := newMockDispatcher(nil)
	engine := NewEngine(q, d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := engine.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, result.Aborted)
	assert.Equal(t, AbortCancelled, result.AbortReason)
	assert.Empty(t, d.urls())
	assert.Equal(t, 2, q.Len())
}

// TestDrain_ownerGuard verifies actions queued by another user are held back untouched.
func TestDrain_ownerGuard(t *testing.T) {
	q := queue.NewQueue(kv.NewMemoryStore(), "")
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, models.ActionRequest{URL: "/mine", Method: "POST"}, "alice")
	theirs, _ := q.Enqueue(ctx, models.ActionRequest{URL: "/theirs", Method: "POST"}, "bob")
	_, _ = q.Enqueue(ctx, models.ActionRequest{URL: "/anon", Method: "POST"}, "")

	d := newMockDispatcher(nil)
	engine := NewEngine(q, d, WithOwner(func() string { return "alice" }))

	result, err := engine.Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"/mine", "/anon"}, d.urls())
	got := q.List()
	require.Len(t, got, 1)
	assert.Equal(t, theirs.ID, got[0].ID)
	assert.Equal(t, models.StatusPending, got[0].Status)
	assert.Equal(t, 1, result.Skipped)
}

// TestDrain_idempotencyHeader verifies the action id travels with each replay.
func TestDrain_idempotencyHeader(t *testing.T) {
	q, actions := newQueue(t, "/a")
	d := newMockDispatcher(nil)
	engine := NewEngine(q, d)

	_, err := engine.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, d.calls, 1)
	assert.Equal(t, actions[0].ID, d.calls[0].Headers[DefaultIdempotencyHeader])

	q2, _ := newQueue(t, "/b")
	d2 := newMockDispatcher(nil)
	_, err = NewEngine(q2, d2, WithIdempotencyHeader("")).Drain(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, d2.calls[0].Headers, DefaultIdempotencyHeader)
}

// TestDrain_events verifies the event sequence of a successful drain.
func TestDrain_events(t *testing.T) {
	q, _ := newQueue(t, "/a", "/b")
	handler := &testEventHandler{}
	engine := NewEngine(q, newMockDispatcher(nil))
	engine.SetEventHandler(handler)

	_, err := engine.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []SyncEventType{SyncEventStarted, SyncEventProgress, SyncEventProgress, SyncEventCompleted}, handler.types())
	last := handler.events[len(handler.events)-1]
	assert.Equal(t, 2, last.Removed)
	assert.False(t, last.Timestamp.IsZero())
}

// TestDrain_multipartOverHTTP verifies a queued upload is replayed as multipart/form-data.
func TestDrain_multipartOverHTTP(t *testing.T) {
	photo := filepath.Join(t.TempDir(), "p.jpg")
	require.NoError(t, os.WriteFile(photo, []byte("IMG"), 0o600))

	var gotSKU, gotFile, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			gotSKU = r.FormValue("sku")
			if fh := r.MultipartForm.File["photo"]; len(fh) == 1 {
				gotFile = fh[0].Header.Get("Content-Type")
			}
		}
		gotKey = r.Header.Get(DefaultIdempotencyHeader)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	q := queue.NewQueue(kv.NewMemoryStore(), "")
	action, err := q.Enqueue(context.Background(), models.ActionRequest{
		URL:         "/opname",
		Method:      "POST",
		IsMultipart: true,
		Form: []models.FormField{
			models.TextField("sku", "SKU-9"),
			models.FileField("photo", models.FileRef{URI: "file://" + photo}),
		},
	}, "")
	require.NoError(t, err)

	engine := NewEngine(q, httpclient.New(srv.URL))
	result, err := engine.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Removed)
	assert.Equal(t, "SKU-9", gotSKU)
	assert.Equal(t, "image/jpeg", gotFile)
	assert.Equal(t, action.ID, gotKey)
}

// TestDrain_unreachableServer verifies a real transport failure aborts the drain.
func TestDrain_unreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	q, _ := newQueue(t, "/a", "/b")
	result, err := NewEngine(q, httpclient.New(url)).Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Aborted)
	assert.Equal(t, 2, q.Len())
	for _, a := range q.List() {
		assert.Equal(t, models.StatusPending, a.Status)
	}
}

// =====================================================
// Error History Tests
// =====================================================

// TestGetErrorHistory verifies error history retrieval returns a copy.
func TestGetErrorHistory(t *testing.T) {
	q, _ := newQueue(t)
	engine := NewEngine(q, nil)

	history := engine.GetErrorHistory()
	require.NotNil(t, history)
	assert.Empty(t, history)

	engine.recordError("a1", "dispatch", errors.New("test error"))
	engine.recordError("a2", "persist", errors.New("another error"))

	history = engine.GetErrorHistory()
	require.Len(t, history, 2)
	history[0] = SyncErrorEntry{}
	assert.Equal(t, "a1", engine.GetErrorHistory()[0].ActionID)

	engine.ClearErrorHistory()
	assert.Empty(t, engine.GetErrorHistory())
}

// TestRecordError_capped verifies history is capped at maxErrorHistory.
func TestRecordError_capped(t *testing.T) {
	q, _ := newQueue(t)
	engine := NewEngine(q, nil)

	for i := 0; i < maxErrorHistory+25; i++ {
		engine.recordError("a", "dispatch", errors.New("x"))
	}
	assert.Len(t, engine.GetErrorHistory(), maxErrorHistory)
}

// TestEmitEvent_preservesTimestamp verifies a preset timestamp is kept.
func TestEmitEvent_preservesTimestamp(t *testing.T) {
	q, _ := newQueue(t)
	engine := NewEngine(q, nil)
	handler := &testEventHandler{}
	engine.SetEventHandler(handler)

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	engine.emitEvent(SyncEvent{Type: SyncEventStarted, Timestamp: ts})
	engine.SetEventHandler(nil)
	engine.emitEvent(SyncEvent{Type: SyncEventStarted})

	require.Len(t, handler.events, 1)
	assert.Equal(t, ts, handler.events[0].Timestamp)
}
