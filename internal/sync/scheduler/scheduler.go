// Package scheduler decides when the sync engine drains the offline queue.
//
// Drains are started on the offline to online edge of the connectivity
// monitor, once at start-up when configured, on an optional cron schedule,
// and on demand.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// Drain triggers reported in status and logs.
const (
	TriggerStart     = "start"
	TriggerReconnect = "reconnect"
	TriggerSchedule  = "schedule"
	TriggerManual    = "manual"
)

// Connectivity is the part of the connectivity monitor the scheduler reads.
type Connectivity interface {
	IsConnected() bool
	Subscribe(cb func(connected bool)) (unsubscribe func())
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	DrainOnStart  bool          // drain once after Start when online with a non-empty queue
	RetrySchedule string        // cron spec for periodic retries; empty disables
	DrainTimeout  time.Duration // upper bound for one drain
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		DrainOnStart: true,
		DrainTimeout: 5 * time.Minute,
	}
}

// Scheduler starts drains in response to connectivity, time and callers.
type Scheduler struct {
	engine syncpkg.Syncer
	queue  *queue.Queue
	conn   Connectivity
	config SchedulerConfig

	mu           sync.RWMutex
	isRunning    bool
	isOnline     bool
	baselineSet  bool
	lastSyncTime time.Time
	lastTrigger  string
	lastResult   *syncpkg.DrainResult

	cron    *cron.Cron
	entryID cron.EntryID
	unsub   func()
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a stopped scheduler. A nil config uses the defaults.
func NewScheduler(engine syncpkg.Syncer, q *queue.Queue, conn Connectivity, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	cfg := *config
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Minute
	}

	return &Scheduler{
		engine:   engine,
		queue:    q,
		conn:     conn,
		config:   cfg,
		isOnline: true,
	}
}

// Start subscribes to connectivity and arms the retry schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}

	var c *cron.Cron
	if s.config.RetrySchedule != "" {
		c = cron.New()
		id, err := c.AddFunc(s.config.RetrySchedule, s.onSchedule)
		if err != nil {
			s.mu.Unlock()
			return errors.Wrap(errors.ErrConfigInvalid, "invalid retry schedule", err)
		}
		s.entryID = id
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = c
	s.isRunning = true
	s.baselineSet = false
	s.mu.Unlock()

	// Subscribe before reading connectivity: the first delivery is the baseline
	// and every change after it is seen as an edge.
	if s.conn != nil {
		unsub := s.conn.Subscribe(s.onConnectivity)
		s.mu.Lock()
		if !s.isRunning {
			s.mu.Unlock()
			unsub()
			return nil
		}
		s.unsub = unsub
		s.mu.Unlock()
	}
	if c != nil {
		c.Start()
	}

	logging.Info("Sync scheduler started", map[string]interface{}{
		"drain_on_start": s.config.DrainOnStart,
		"retry_schedule": s.config.RetrySchedule,
	})

	if s.config.DrainOnStart && s.IsOnline() && s.queue.Len() > 0 {
		s.launch(TriggerStart)
	}
	return nil
}

// Stop detaches from connectivity, stops the schedule and waits for running drains.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	unsub, c, cancel := s.unsub, s.cron, s.cancel
	s.unsub, s.cron = nil, nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if c != nil {
		<-c.Stop().Done()
	}
	cancel()
	s.wg.Wait()

	logging.Info("Sync scheduler stopped")
}

// onConnectivity tracks the online flag. The first value is the baseline; every
// later false to true edge starts one drain when there is work and no drain runs.
func (s *Scheduler) onConnectivity(connected bool) {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	wasOnline, hadBaseline := s.isOnline, s.baselineSet
	s.isOnline = connected
	s.baselineSet = true
	s.mu.Unlock()

	if !hadBaseline || wasOnline == connected {
		return
	}

	logging.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  connected,
	})

	if connected && s.queue.Len() > 0 && !s.engine.IsSyncing() {
		s.launch(TriggerReconnect)
	}
}

func (s *Scheduler) onSchedule() {
	if !s.IsOnline() || s.queue.Len() == 0 || s.engine.IsSyncing() {
		return
	}
	s.launch(TriggerSchedule)
}

// launch runs one drain in the background, bound to the scheduler's lifetime.
func (s *Scheduler) launch(trigger string) {
	ctx, ok := s.track()
	if !ok {
		return
	}
	go func() {
		defer s.wg.Done()
		_, _ = s.drain(ctx, trigger)
	}()
}

// track registers a background drain with Stop. It fails once the scheduler is stopped.
func (s *Scheduler) track() (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning || s.ctx == nil {
		return nil, false
	}
	s.wg.Add(1)
	return s.ctx, true
}

func (s *Scheduler) drain(ctx context.Context, trigger string) (*syncpkg.DrainResult, error) {
	drainCtx, cancel := context.WithTimeout(ctx, s.config.DrainTimeout)
	defer cancel()

	result, err := s.engine.Drain(drainCtx)
	if err != nil {
		if errors.Is(err, errors.ErrSyncInProgress) {
			logging.Debug("Drain already in progress, skipping", map[string]interface{}{"trigger": trigger})
		} else {
			logging.ErrorWithCode("Drain failed", string(errors.ErrSyncFailed), err, map[string]interface{}{"trigger": trigger})
		}
		return nil, err
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.lastTrigger = trigger
	s.lastResult = result
	s.mu.Unlock()

	logging.Debug("Drain finished", map[string]interface{}{
		"trigger":   trigger,
		"removed":   result.Total - result.Remaining,
		"remaining": result.Remaining,
	})
	return result, nil
}

// TriggerSync starts a drain in the background. The drain ends when ctx is
// cancelled or the scheduler stops, whichever comes first.
// Returns false if a drain is already running or the scheduler is stopped.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if s.engine.IsSyncing() {
		return false
	}
	base, ok := s.track()
	if !ok {
		return false
	}

	drainCtx, cancel := context.WithCancel(base)
	stop := context.AfterFunc(ctx, cancel)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer stop()
		_, _ = s.drain(drainCtx, TriggerManual)
	}()
	return true
}

// SyncNow drains immediately and waits for the result.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.DrainResult, error) {
	return s.drain(ctx, TriggerManual)
}

// SchedulerStatus is a snapshot of scheduler and engine state.
type SchedulerStatus struct {
	IsRunning      bool                 `json:"isRunning"`
	IsOnline       bool                 `json:"isOnline"`
	SyncInProgress bool                 `json:"syncInProgress"`
	LastSyncTime   *time.Time           `json:"lastSyncTime,omitempty"`
	LastTrigger    string               `json:"lastTrigger,omitempty"`
	LastResult     *syncpkg.DrainResult `json:"lastResult,omitempty"`
	NextRetry      *time.Time           `json:"nextRetry,omitempty"`
	PendingItems   int                  `json:"pendingItems"`
	QueueStats     map[string]int       `json:"queueStats"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:   s.isRunning,
		LastTrigger: s.lastTrigger,
		LastResult:  s.lastResult,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if s.cron != nil {
		if next := s.cron.Entry(s.entryID).Next; !next.IsZero() {
			status.NextRetry = &next
		}
	}
	s.mu.RUnlock()

	status.IsOnline = s.IsOnline()
	status.SyncInProgress = s.engine.IsSyncing()
	status.PendingItems = s.queue.Len()
	status.QueueStats = s.queue.Stats()
	return status
}

// IsOnline returns the last connectivity value the scheduler saw, or the
// monitor's current value before the first delivery.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	online, baseline := s.isOnline, s.baselineSet
	s.mu.RUnlock()
	if !baseline && s.conn != nil {
		return s.conn.IsConnected()
	}
	return online
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
