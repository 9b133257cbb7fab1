// Package app builds the offline sync core from configuration and owns its lifecycle.
package app

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/kimhsiao/fieldsync/internal/cache"
	"github.com/kimhsiao/fieldsync/internal/config"
	"github.com/kimhsiao/fieldsync/internal/connectivity"
	"github.com/kimhsiao/fieldsync/internal/crypto"
	"github.com/kimhsiao/fieldsync/internal/db"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/httpclient"
	"github.com/kimhsiao/fieldsync/internal/kv"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/services"
	"github.com/kimhsiao/fieldsync/internal/session"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/sync/scheduler"
	"github.com/kimhsiao/fieldsync/internal/telemetry"
)

// App holds every component of a running core.
type App struct {
	Config    *config.Config
	Store     kv.Store
	Session   *session.Session
	Client    *httpclient.Client
	Source    *connectivity.ManualSource // nil when a custom source was supplied
	Monitor   *connectivity.Monitor
	Queue     *queue.Queue
	Engine    *syncpkg.Engine
	Scheduler *scheduler.Scheduler
	Cache     *cache.ReadThrough
	Service   *services.OfflineService
	Telemetry *telemetry.Counters

	ownsStore bool
	closeOnce sync.Once
	closeErr  error
}

type options struct {
	source     connectivity.Source
	store      kv.Store
	httpClient *http.Client
	notifier   syncpkg.Notifier
	events     syncpkg.SyncEventHandler
	online     bool
}

// Option customises New.
type Option func(*options)

// WithConnectivitySource replaces the default ManualSource.
func WithConnectivitySource(src connectivity.Source) Option {
	return func(o *options) { o.source = src }
}

// WithInitialConnectivity sets the starting value of the default ManualSource.
func WithInitialConnectivity(online bool) Option {
	return func(o *options) { o.online = online }
}

// WithStore uses store instead of opening the configured driver. The caller keeps ownership.
func WithStore(store kv.Store) Option {
	return func(o *options) { o.store = store }
}

// WithHTTPClient sets the transport used for backend calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithNotifier receives the summary of drains that removed actions.
func WithNotifier(n syncpkg.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithEventHandler receives sync progress events.
func WithEventHandler(h syncpkg.SyncEventHandler) Option {
	return func(o *options) { o.events = h }
}

// New wires the core described by cfg. ctx bounds the lifetime of background drains;
// Close releases everything New acquired.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{online: true}
	for _, opt := range opts {
		opt(&o)
	}

	if err := logging.Configure(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "logging", err)
	}

	a := &App{Config: cfg, Telemetry: telemetry.New()}

	store := o.store
	if store == nil {
		var err error
		if store, err = OpenStore(cfg.Storage); err != nil {
			return nil, err
		}
		a.ownsStore = true
	}
	a.Store = store

	machineID := cfg.Session.MachineID
	if machineID == "" {
		machineID = crypto.MachineID()
	}
	a.Session = session.New(store, cfg.Storage.TokenKey, machineID)
	if err := a.Session.Load(ctx); err != nil {
		logging.Warn("Failed to restore session, starting signed out", map[string]interface{}{"error": err.Error()})
	}

	clientOpts := []httpclient.Option{
		httpclient.WithTimeout(cfg.API.Timeout),
		httpclient.WithUserAgent(cfg.API.UserAgent),
		httpclient.WithTokenSource(a.Session.Token),
		httpclient.WithUnauthorizedHandler(func() {
			a.Session.Expire(context.Background())
		}),
	}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, httpclient.WithHTTPClient(o.httpClient))
	}
	a.Client = httpclient.New(cfg.API.BaseURL, clientOpts...)

	src := o.source
	if src == nil {
		a.Source = connectivity.NewManualSource(o.online)
		src = a.Source
	}
	a.Monitor = connectivity.NewMonitor(src)

	a.Queue = queue.NewQueue(store, cfg.Storage.QueueKey)
	if err := a.Queue.Load(ctx); err != nil {
		logging.Warn("Offline queue not restored", map[string]interface{}{"error": err.Error()})
	}

	notifier := o.notifier
	if notifier == nil {
		notifier = syncpkg.NotifierFunc(func(removed int) {
			logging.Info("Queued actions synced", map[string]interface{}{"removed": removed})
		})
	}
	a.Engine = syncpkg.NewEngine(a.Queue, a.Client,
		syncpkg.WithOwner(a.Session.Owner),
		syncpkg.WithIdempotencyHeader(cfg.Sync.IdempotencyHeader),
		syncpkg.WithNotifier(notifier),
		syncpkg.WithTelemetry(a.Telemetry),
	)
	if o.events != nil {
		a.Engine.SetEventHandler(o.events)
	}

	a.Cache = cache.NewReadThrough(cache.GetterFunc(a.Client.GetJSON), store, a.Monitor,
		cfg.Storage.CachePrefix, cache.WithTelemetry(a.Telemetry))

	a.Scheduler = scheduler.NewScheduler(a.Engine, a.Queue, a.Monitor, &scheduler.SchedulerConfig{
		DrainOnStart:  cfg.Sync.DrainOnStart,
		RetrySchedule: cfg.Sync.RetrySchedule,
		DrainTimeout:  cfg.Sync.DrainTimeout,
	})

	a.Service = services.NewOfflineService(a.Monitor, a.Queue, a.Engine, a.Client, a.Cache,
		services.WithOwner(a.Session.Owner),
		services.WithDrainer(a.Scheduler),
	)

	if err := a.Scheduler.Start(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	logging.Info("Sync core started", map[string]interface{}{
		"driver":    cfg.Storage.Driver,
		"base_url":  cfg.API.BaseURL,
		"queued":    a.Queue.Len(),
		"signed_in": a.Session.SignedIn(),
	})
	return a, nil
}

// OpenStore opens the durable store selected by cfg.Driver.
func OpenStore(cfg config.StorageConfig) (kv.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		database, err := db.Open(cfg.DataDir)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "open sqlite store", err)
		}
		return db.NewKVStore(database), nil
	case config.DriverRedis:
		store, err := kv.NewRedisStore(cfg.RedisURL, "")
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "open redis store", err)
		}
		return store, nil
	case config.DriverMemory:
		return kv.NewMemoryStore(), nil
	default:
		return nil, apperrors.New(apperrors.ErrConfigInvalid, "unknown storage driver "+cfg.Driver)
	}
}

// SetConnectivity forwards a platform reachability value to the default source.
func (a *App) SetConnectivity(online bool) error {
	if a.Source == nil {
		return apperrors.New(apperrors.ErrInvalid, "connectivity is driven by a custom source")
	}
	a.Source.Set(online)
	return nil
}

// Status is a point-in-time view of the core.
type Status struct {
	Online    bool                      `json:"online"`
	SignedIn  bool                      `json:"signedIn"`
	Owner     string                    `json:"owner,omitempty"`
	Sync      scheduler.SchedulerStatus `json:"sync"`
	Telemetry telemetry.Stats           `json:"telemetry"`
}

// Status reports connectivity, session, sync and counters.
func (a *App) Status() Status {
	return Status{
		Online:    a.Monitor.IsConnected(),
		SignedIn:  a.Session.SignedIn(),
		Owner:     a.Session.Owner(),
		Sync:      a.Scheduler.GetStatus(),
		Telemetry: a.Telemetry.Snapshot(),
	}
}

// Close stops the scheduler, closes the monitor and the store, and flushes logs.
// It is safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		if a.Scheduler != nil {
			a.Scheduler.Stop()
		}
		if a.Monitor != nil {
			a.Monitor.Close()
		}
		if c, ok := a.Store.(io.Closer); ok && a.ownsStore {
			if err := c.Close(); err != nil {
				a.closeErr = apperrors.Wrap(apperrors.ErrStorage, "close store", err)
			}
		}
		logging.Info("Sync core stopped")
		_ = logging.Sync()
	})
	return a.closeErr
}
