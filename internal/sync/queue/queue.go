// Package queue provides the durable FIFO buffer of actions deferred while offline.
//
// The queue is a passive store: it validates, orders and persists actions. Draining
// lives in the sync engine, which reads a snapshot via List and writes the survivors
// back through Replace.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/kv"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// DefaultKey is the store key holding the JSON array of queued actions.
const DefaultKey = "@offline_queue"

// ChangeHandler is notified with the new queue length after every mutation.
type ChangeHandler func(size int)

// Queue holds deferred actions in insertion order, mirrored to a kv.Store
// under a single key after every mutation.
type Queue struct {
	mu       sync.RWMutex
	store    kv.Store
	key      string
	items    []models.QueuedAction
	now      func() time.Time
	onChange ChangeHandler
}

// NewQueue creates an empty queue persisting under key. Call Load to hydrate it.
func NewQueue(store kv.Store, key string) *Queue {
	if key == "" {
		key = DefaultKey
	}
	return &Queue{
		store: store,
		key:   key,
		now:   time.Now,
	}
}

// SetChangeHandler registers the mutation callback. It runs outside the queue lock.
func (q *Queue) SetChangeHandler(h ChangeHandler) {
	q.mu.Lock()
	q.onChange = h
	q.mu.Unlock()
}

// Key returns the store key the queue persists under.
func (q *Queue) Key() string {
	return q.key
}

// Load replaces the in-memory queue with the persisted snapshot.
// A missing key yields an empty queue. A corrupt snapshot empties the queue and
// is reported; a store read failure keeps the current in-memory state.
func (q *Queue) Load(ctx context.Context) error {
	q.mu.Lock()

	raw, ok, err := q.store.Get(ctx, q.key)
	if err != nil {
		q.mu.Unlock()
		logging.Warn("Failed to read persisted queue", map[string]interface{}{"key": q.key, "error": err.Error()})
		return apperrors.Wrap(apperrors.ErrStorage, "load queue", err)
	}

	if !ok || raw == "" {
		q.items = nil
		q.mu.Unlock()
		q.notify(0)
		return nil
	}

	var items []models.QueuedAction
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		q.items = nil
		q.mu.Unlock()
		logging.Error("Persisted queue is corrupt, starting empty", err, map[string]interface{}{"key": q.key})
		q.notify(0)
		return apperrors.Wrap(apperrors.ErrStorage, "decode queue", err)
	}

	q.items = items
	size := len(items)
	q.mu.Unlock()

	logging.Info("Offline queue loaded", map[string]interface{}{"size": size})
	q.notify(size)
	return nil
}

// Enqueue validates req, appends it as a PENDING action and persists the queue.
// Only validation errors are returned; a failed write is logged and the action
// stays queued in memory.
func (q *Queue) Enqueue(ctx context.Context, req models.ActionRequest, owner string) (models.QueuedAction, error) {
	if err := req.Validate(); err != nil {
		return models.QueuedAction{}, err
	}
	body, err := req.EncodeBody()
	if err != nil {
		return models.QueuedAction{}, err
	}

	action := models.QueuedAction{
		URL:         req.URL,
		Method:      req.Method,
		Body:        body,
		Form:        req.Form,
		Headers:     req.Headers,
		Status:      models.StatusPending,
		Label:       req.Label,
		IsMultipart: req.IsMultipart,
		Owner:       owner,
	}
	action = action.Clone()

	q.mu.Lock()
	action.ID = uuid.NewUnique(q.hasIDLocked)
	action.CreatedAt = q.now().UTC()
	q.items = append(q.items, action)
	_ = q.persistLocked(ctx, "enqueue")
	size := len(q.items)
	q.mu.Unlock()

	logging.Info("Action queued", map[string]interface{}{
		"id":     action.ID,
		"method": action.Method,
		"url":    action.URL,
		"label":  action.Label,
		"size":   size,
	})
	q.notify(size)

	return action.Clone(), nil
}

// List returns a deep copy of the queue in FIFO order.
func (q *Queue) List() []models.QueuedAction {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]models.QueuedAction, len(q.items))
	for i, a := range q.items {
		out[i] = a.Clone()
	}
	return out
}

// Len returns the number of queued actions.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Get returns a copy of the action with id.
func (q *Queue) Get(id string) (models.QueuedAction, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, a := range q.items {
		if a.ID == id {
			return a.Clone(), true
		}
	}
	return models.QueuedAction{}, false
}

// Replace swaps the whole queue for items and persists it. The in-memory swap always
// happens; a failed write is returned as STORAGE_ERROR.
func (q *Queue) Replace(ctx context.Context, items []models.QueuedAction) error {
	next := make([]models.QueuedAction, len(items))
	for i, a := range items {
		next[i] = a.Clone()
	}

	q.mu.Lock()
	q.items = next
	err := q.persistLocked(ctx, "replace")
	size := len(q.items)
	q.mu.Unlock()

	q.notify(size)
	return err
}

// Reconcile applies the outcome of a drain over snapshot in one atomic step.
// The queue becomes remaining, restricted to actions still queued, followed by
// every action enqueued after snapshot was taken. Actions cleared while the
// drain ran therefore stay cleared, and actions enqueued meanwhile are kept.
func (q *Queue) Reconcile(ctx context.Context, snapshot, remaining []models.QueuedAction) error {
	inSnapshot := make(map[string]bool, len(snapshot))
	for _, a := range snapshot {
		inSnapshot[a.ID] = true
	}

	q.mu.Lock()
	present := make(map[string]bool, len(q.items))
	var added []models.QueuedAction
	for _, a := range q.items {
		present[a.ID] = true
		if !inSnapshot[a.ID] {
			added = append(added, a)
		}
	}

	next := make([]models.QueuedAction, 0, len(remaining)+len(added))
	for _, a := range remaining {
		if present[a.ID] {
			next = append(next, a.Clone())
		}
	}
	next = append(next, added...)

	q.items = next
	err := q.persistLocked(ctx, "reconcile")
	size := len(q.items)
	q.mu.Unlock()

	q.notify(size)
	return err
}

// Clear empties the queue in memory and in the store.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	dropped := len(q.items)
	q.items = nil
	err := q.store.Remove(ctx, q.key)
	q.mu.Unlock()

	if err != nil {
		logging.Warn("Failed to remove persisted queue", map[string]interface{}{"key": q.key, "error": err.Error()})
		err = apperrors.Wrap(apperrors.ErrStorage, "clear queue", err)
	}
	logging.Info("Offline queue cleared", map[string]interface{}{"dropped": dropped})
	q.notify(0)
	return err
}

// Stats returns counts per status.
func (q *Queue) Stats() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := map[string]int{
		"total":   len(q.items),
		"pending": 0,
		"syncing": 0,
		"failed":  0,
	}
	for _, a := range q.items {
		switch a.Status {
		case models.StatusPending:
			stats["pending"]++
		case models.StatusSyncing:
			stats["syncing"]++
		case models.StatusFailed:
			stats["failed"]++
		}
	}
	return stats
}

func (q *Queue) hasIDLocked(id string) bool {
	for _, a := range q.items {
		if a.ID == id {
			return true
		}
	}
	return false
}

// persistLocked writes the full array. Callers hold q.mu.
func (q *Queue) persistLocked(ctx context.Context, op string) error {
	items := q.items
	if items == nil {
		items = []models.QueuedAction{}
	}
	raw, err := json.Marshal(items)
	if err == nil {
		err = q.store.Set(ctx, q.key, string(raw))
	}
	if err != nil {
		logging.Warn("Failed to persist queue, keeping in-memory state", map[string]interface{}{
			"key":   q.key,
			"op":    op,
			"size":  len(q.items),
			"error": err.Error(),
		})
		return apperrors.Wrap(apperrors.ErrStorage, "persist queue", err)
	}
	return nil
}

func (q *Queue) notify(size int) {
	q.mu.RLock()
	h := q.onChange
	q.mu.RUnlock()
	if h != nil {
		h(size)
	}
}
