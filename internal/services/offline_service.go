// Package services exposes the offline-first surface screens are built on:
// connectivity, the action queue, manual sync and cached reads.
package services

import (
	"context"

	"github.com/kimhsiao/fieldsync/internal/cache"
	"github.com/kimhsiao/fieldsync/internal/httpclient"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// Connectivity is the monitor surface the service reads.
type Connectivity interface {
	IsConnected() bool
	IsOffline() bool
	Subscribe(cb func(connected bool)) (unsubscribe func())
}

// Drainer runs a manual drain; *scheduler.Scheduler implements it.
type Drainer interface {
	SyncNow(ctx context.Context) (*syncpkg.DrainResult, error)
}

// SubmitResult tells the caller whether a call went out or was deferred.
type SubmitResult struct {
	Queued   bool                 `json:"queued"`
	Action   *models.QueuedAction `json:"action,omitempty"`
	Status   int                  `json:"status,omitempty"`
	Response *httpclient.Response `json:"-"`
}

// OfflineService wires connectivity, queue, engine and cache together.
type OfflineService struct {
	conn       Connectivity
	queue      *queue.Queue
	engine     syncpkg.Syncer
	drainer    Drainer
	dispatcher syncpkg.Dispatcher
	cache      *cache.ReadThrough
	owner      func() string
	queryOpts  []cache.QueryOption
}

// Option configures an OfflineService.
type Option func(*OfflineService)

// WithOwner tags queued actions with the signed-in identity.
func WithOwner(fn func() string) Option {
	return func(s *OfflineService) { s.owner = fn }
}

// WithDrainer routes ProcessQueue through d instead of calling the engine directly.
func WithDrainer(d Drainer) Option {
	return func(s *OfflineService) { s.drainer = d }
}

// WithQueryOptions applies opts to every query created by NewQuery.
func WithQueryOptions(opts ...cache.QueryOption) Option {
	return func(s *OfflineService) { s.queryOpts = append(s.queryOpts, opts...) }
}

// NewOfflineService creates the service.
func NewOfflineService(conn Connectivity, q *queue.Queue, engine syncpkg.Syncer, dispatcher syncpkg.Dispatcher, rt *cache.ReadThrough, opts ...Option) *OfflineService {
	s := &OfflineService{
		conn:       conn,
		queue:      q,
		engine:     engine,
		dispatcher: dispatcher,
		cache:      rt,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsOffline reports the current connectivity.
func (s *OfflineService) IsOffline() bool {
	return s.conn.IsOffline()
}

// Queue returns the queued actions in replay order.
func (s *OfflineService) Queue() []models.QueuedAction {
	return s.queue.List()
}

// IsSyncing reports whether a drain is running.
func (s *OfflineService) IsSyncing() bool {
	return s.engine.IsSyncing()
}

// AddToQueue defers req until the next drain.
func (s *OfflineService) AddToQueue(ctx context.Context, req models.ActionRequest) (models.QueuedAction, error) {
	return s.queue.Enqueue(ctx, req, s.currentOwner())
}

// ProcessQueue drains the queue now and waits for the outcome.
func (s *OfflineService) ProcessQueue(ctx context.Context) (*syncpkg.DrainResult, error) {
	if s.drainer != nil {
		return s.drainer.SyncNow(ctx)
	}
	return s.engine.Drain(ctx)
}

// ClearQueue drops every queued action. Used for manual recovery.
func (s *OfflineService) ClearQueue(ctx context.Context) error {
	return s.queue.Clear(ctx)
}

// Submit sends req now when online and queues it when offline or when the
// server cannot be reached. An application error from the server is returned
// as is and nothing is queued.
func (s *OfflineService) Submit(ctx context.Context, req models.ActionRequest) (SubmitResult, error) {
	if err := req.Validate(); err != nil {
		return SubmitResult{}, err
	}

	if s.conn.IsOffline() {
		return s.enqueue(ctx, req, "offline")
	}

	body, err := req.EncodeBody()
	if err != nil {
		return SubmitResult{}, err
	}
	resp, err := s.dispatcher.Do(ctx, httpclient.Request{
		Method:    req.Method,
		URL:       req.URL,
		Body:      body,
		Form:      req.Form,
		Headers:   req.Headers,
		Multipart: req.IsMultipart,
	})
	if err != nil && httpclient.IsNetworkError(err) {
		return s.enqueue(ctx, req, "unreachable")
	}

	result := SubmitResult{Response: resp}
	if resp != nil {
		result.Status = resp.Status
	}
	return result, err
}

func (s *OfflineService) enqueue(ctx context.Context, req models.ActionRequest, reason string) (SubmitResult, error) {
	action, err := s.queue.Enqueue(ctx, req, s.currentOwner())
	if err != nil {
		return SubmitResult{}, err
	}
	logging.Info("Submission deferred to offline queue", map[string]interface{}{
		"id":     action.ID,
		"label":  action.Label,
		"reason": reason,
	})
	return SubmitResult{Queued: true, Action: &action}, nil
}

// Fetch performs one read-through read.
func (s *OfflineService) Fetch(ctx context.Context, url string, params map[string]any) cache.Result {
	return s.cache.Fetch(ctx, url, params)
}

// NewQuery creates a query bound to connectivity. Callers must Close it.
func (s *OfflineService) NewQuery(url string, params map[string]any) *cache.Query {
	q := cache.NewQuery(s.cache, url, params, s.queryOpts...)
	q.Bind(s.conn)
	return q
}

func (s *OfflineService) currentOwner() string {
	if s.owner == nil {
		return ""
	}
	return s.owner()
}
