// Package sync replays the offline action queue against the backend.
//
// A drain walks a snapshot of the queue in FIFO order and dispatches each
// action sequentially. Successful actions are dropped, application failures
// are kept as FAILED, and a network failure stops the pass and keeps the
// current and every later action untouched. The surviving list is written
// back to the queue in one step.
package sync

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/httpclient"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/telemetry"
)

// SyncStatus represents the current engine state.
type SyncStatus string

const (
	SyncStatusIdle     SyncStatus = "idle"
	SyncStatusDraining SyncStatus = "draining"
)

// DefaultIdempotencyHeader carries the action id on every replay.
const DefaultIdempotencyHeader = "Idempotency-Key"

// Abort reasons reported in DrainResult.
const (
	AbortNetwork   = "network_unavailable"
	AbortCancelled = "cancelled"
)

// ErrDrainInProgress is returned when a drain is requested while one is running.
var ErrDrainInProgress = apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")

// Dispatcher sends one request. *httpclient.Client implements it.
type Dispatcher interface {
	Do(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)
}

// Notifier receives the user-visible summary of a drain that removed actions.
type Notifier interface {
	DrainSucceeded(removed int)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(removed int)

// DrainSucceeded calls f(removed).
func (f NotifierFunc) DrainSucceeded(removed int) { f(removed) }

// DrainResult summarises one pass.
type DrainResult struct {
	Total       int           `json:"total"`
	Removed     int           `json:"removed"`
	Remaining   int           `json:"remaining"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	Aborted     bool          `json:"aborted"`
	AbortReason string        `json:"abortReason,omitempty"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Duration    time.Duration `json:"duration"`
}

// Engine drains the offline queue.
type Engine struct {
	queue             *queue.Queue
	dispatcher        Dispatcher
	owner             func() string
	idempotencyHeader string
	notifier          Notifier
	counters          *telemetry.Counters
	now               func() time.Time

	mu         sync.Mutex
	status     SyncStatus
	lastDrain  *time.Time
	lastErr    error
	lastResult *DrainResult
	handler    SyncEventHandler

	errorMu      sync.RWMutex
	errorHistory []SyncErrorEntry
}

// Option configures an Engine.
type Option func(*Engine)

// WithOwner supplies the identity of the signed-in user. Actions queued by
// someone else are held back while it differs.
func WithOwner(fn func() string) Option {
	return func(e *Engine) { e.owner = fn }
}

// WithIdempotencyHeader names the header carrying the action id. Empty disables it.
func WithIdempotencyHeader(name string) Option {
	return func(e *Engine) { e.idempotencyHeader = name }
}

// WithNotifier sets the drain summary receiver.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithTelemetry attaches local counters.
func WithTelemetry(c *telemetry.Counters) Option {
	return func(e *Engine) { e.counters = c }
}

// NewEngine creates an idle engine over q.
func NewEngine(q *queue.Queue, d Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		queue:             q,
		dispatcher:        d,
		idempotencyHeader: DefaultIdempotencyHeader,
		now:               time.Now,
		status:            SyncStatusIdle,
		errorHistory:      make([]SyncErrorEntry, 0),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Status returns the current engine state.
func (e *Engine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// IsSyncing reports whether a drain is running.
func (e *Engine) IsSyncing() bool {
	return e.Status() == SyncStatusDraining
}

// LastDrain returns when the last drain finished, or nil.
func (e *Engine) LastDrain() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastDrain
}

// LastResult returns the outcome of the last drain, or nil.
func (e *Engine) LastResult() *DrainResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastResult == nil {
		return nil
	}
	r := *e.lastResult
	return &r
}

// LastError returns the error that cut the last drain short, if any.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// PendingChanges returns the number of queued actions.
func (e *Engine) PendingChanges() int {
	return e.queue.Len()
}

// Drain replays the queue once. It returns ErrDrainInProgress when a drain is
// already running; every other failure is folded into the result and the queue.
func (e *Engine) Drain(ctx context.Context) (*DrainResult, error) {
	e.mu.Lock()
	if e.status == SyncStatusDraining {
		e.mu.Unlock()
		return nil, ErrDrainInProgress
	}
	e.status = SyncStatusDraining
	e.lastErr = nil
	e.mu.Unlock()

	result := &DrainResult{StartTime: e.now()}
	var drainErr error

	defer func() {
		result.EndTime = e.now()
		result.Duration = result.EndTime.Sub(result.StartTime)

		e.mu.Lock()
		e.status = SyncStatusIdle
		e.lastErr = drainErr
		end := result.EndTime
		e.lastDrain = &end
		r := *result
		e.lastResult = &r
		e.mu.Unlock()
	}()

	snapshot := e.queue.List()
	result.Total = len(snapshot)
	if result.Total == 0 {
		return result, nil
	}

	e.counters.RecordDrain()
	e.emitEvent(SyncEvent{Type: SyncEventStarted, Total: result.Total})
	logging.Info("Drain started", map[string]interface{}{"total": result.Total})

	owner := e.currentOwner()
	remaining := make([]models.QueuedAction, 0, len(snapshot))

	for i, action := range snapshot {
		if err := ctx.Err(); err != nil {
			drainErr = e.abort(result, AbortCancelled, err)
			remaining = append(remaining, snapshot[i:]...)
			break
		}

		if action.Owner != "" && owner != "" && action.Owner != owner {
			logging.Warn("Holding back action queued by another user", map[string]interface{}{
				"id":    action.ID,
				"label": action.Label,
			})
			result.Skipped++
			remaining = append(remaining, action)
			continue
		}

		_, err := e.dispatcher.Do(ctx, e.requestFor(action))
		e.counters.RecordDispatch()

		if err == nil {
			result.Removed++
			e.emitEvent(SyncEvent{
				Type:      SyncEventProgress,
				ActionID:  action.ID,
				Label:     action.Label,
				Total:     result.Total,
				Completed: i + 1,
			})
			continue
		}

		if ctx.Err() != nil {
			drainErr = e.abort(result, AbortCancelled, err)
			remaining = append(remaining, snapshot[i:]...)
			break
		}

		if httpclient.IsNetworkError(err) {
			e.recordError(action.ID, "dispatch", err)
			drainErr = e.abort(result, AbortNetwork, err)
			remaining = append(remaining, snapshot[i:]...)
			break
		}

		action.Status = models.StatusFailed
		action.Attempts++
		action.LastError = httpclient.Message(err)
		remaining = append(remaining, action)
		result.Failed++
		e.counters.RecordFailed()
		e.recordError(action.ID, "dispatch", err)

		logging.Warn("Action replay failed, keeping it queued", map[string]interface{}{
			"id":     action.ID,
			"label":  action.Label,
			"status": httpclient.StatusOf(err),
			"error":  action.LastError,
		})
		e.emitEvent(SyncEvent{
			Type:      SyncEventProgress,
			ActionID:  action.ID,
			Label:     action.Label,
			Total:     result.Total,
			Completed: i + 1,
			Error:     action.LastError,
		})
	}

	if err := e.queue.Reconcile(context.WithoutCancel(ctx), snapshot, remaining); err != nil {
		e.recordError("", "persist", err)
		logging.Error("Failed to persist queue after drain", err)
	}

	result.Remaining = len(remaining)
	removed := result.Total - result.Remaining
	e.counters.RecordRemoved(removed)

	if removed > 0 && e.notifier != nil {
		e.notifier.DrainSucceeded(removed)
	}

	fields := map[string]interface{}{
		"total":     result.Total,
		"removed":   removed,
		"remaining": result.Remaining,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
	}
	if result.Aborted {
		fields["reason"] = result.AbortReason
		logging.Warn("Drain aborted", fields)
		e.emitEvent(SyncEvent{Type: SyncEventAborted, Total: result.Total, Removed: removed, Message: result.AbortReason, Error: errString(drainErr)})
	} else {
		logging.Info("Drain completed", fields)
		e.emitEvent(SyncEvent{Type: SyncEventCompleted, Total: result.Total, Removed: removed})
	}

	return result, nil
}

func (e *Engine) abort(result *DrainResult, reason string, cause error) error {
	result.Aborted = true
	result.AbortReason = reason
	e.counters.RecordAbort()

	code := apperrors.ErrNetworkUnavailable
	if reason == AbortCancelled {
		code = apperrors.ErrSyncFailed
	}
	return apperrors.Wrap(code, "drain aborted", cause)
}

func (e *Engine) currentOwner() string {
	if e.owner == nil {
		return ""
	}
	return e.owner()
}

// requestFor rebuilds the HTTP call stored in action.
func (e *Engine) requestFor(action models.QueuedAction) httpclient.Request {
	headers := make(map[string]string, len(action.Headers)+1)
	for k, v := range action.Headers {
		headers[k] = v
	}
	if e.idempotencyHeader != "" {
		if _, ok := headers[e.idempotencyHeader]; !ok {
			headers[e.idempotencyHeader] = action.ID
		}
	}

	req := httpclient.Request{
		Method:    action.Method,
		URL:       action.URL,
		Headers:   headers,
		Multipart: action.IsMultipart,
	}
	if action.IsMultipart {
		req.Form = action.Form
	} else {
		req.Body = action.Body
	}
	return req
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
