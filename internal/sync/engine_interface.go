package sync

import (
	"context"
	"time"
)

// Syncer is the engine surface the scheduler, services and bridges depend on.
type Syncer interface {
	// Drain replays the queue once.
	Drain(ctx context.Context) (*DrainResult, error)

	// SetEventHandler sets the receiver for drain events.
	SetEventHandler(handler SyncEventHandler)

	Status() SyncStatus
	IsSyncing() bool

	// LastDrain returns when the last drain finished.
	LastDrain() *time.Time
	LastResult() *DrainResult

	// LastError returns the error that cut the last drain short.
	LastError() error

	// PendingChanges returns the number of queued actions.
	PendingChanges() int
}

var _ Syncer = (*Engine)(nil)
