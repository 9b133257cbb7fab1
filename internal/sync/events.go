package sync

import "time"

// SyncEventType identifies a drain lifecycle event.
type SyncEventType string

const (
	SyncEventStarted   SyncEventType = "sync.started"
	SyncEventProgress  SyncEventType = "sync.progress"
	SyncEventCompleted SyncEventType = "sync.completed"
	SyncEventAborted   SyncEventType = "sync.aborted"
)

// SyncEvent is emitted during a drain. Progress events carry the action
// just attempted; completed and aborted events carry the removed count.
type SyncEvent struct {
	Type      SyncEventType `json:"type"`
	ActionID  string        `json:"actionId,omitempty"`
	Label     string        `json:"label,omitempty"`
	Total     int           `json:"total"`
	Completed int           `json:"completed,omitempty"`
	Removed   int           `json:"removed,omitempty"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// SyncEventHandler receives drain events on the draining goroutine.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(SyncEvent)

// OnSyncEvent calls f(event).
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) { f(event) }

// SyncErrorEntry is one recorded replay or persistence failure.
type SyncErrorEntry struct {
	ActionID  string    `json:"actionId"`
	Operation string    `json:"operation"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

const maxErrorHistory = 100

// SetEventHandler replaces the event handler. Nil disables events.
func (e *Engine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()
}

func (e *Engine) emitEvent(event SyncEvent) {
	e.mu.Lock()
	handler := e.handler
	e.mu.Unlock()
	if handler == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	handler.OnSyncEvent(event)
}

func (e *Engine) recordError(actionID, operation string, err error) {
	e.errorMu.Lock()
	defer e.errorMu.Unlock()

	e.errorHistory = append(e.errorHistory, SyncErrorEntry{
		ActionID:  actionID,
		Operation: operation,
		Error:     err.Error(),
		Timestamp: e.now(),
	})
	if len(e.errorHistory) > maxErrorHistory {
		e.errorHistory = e.errorHistory[len(e.errorHistory)-maxErrorHistory:]
	}
}

// GetErrorHistory returns a copy of the recorded failures, oldest first.
func (e *Engine) GetErrorHistory() []SyncErrorEntry {
	e.errorMu.RLock()
	defer e.errorMu.RUnlock()
	out := make([]SyncErrorEntry, len(e.errorHistory))
	copy(out, e.errorHistory)
	return out
}

// ClearErrorHistory drops every recorded failure.
func (e *Engine) ClearErrorHistory() {
	e.errorMu.Lock()
	e.errorHistory = make([]SyncErrorEntry, 0)
	e.errorMu.Unlock()
}
