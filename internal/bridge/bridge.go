// Package bridge exposes the sync core to mobile hosts as JSON-in, JSON-out calls.
//
// Every function returns an envelope:
//
//	{"ok": true, "data": ...}
//	{"ok": false, "error": {"code": "...", "message": "..."}}
//
// The bridge holds a single core instance created by Init and released by Shutdown.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/kimhsiao/fieldsync/internal/app"
	"github.com/kimhsiao/fieldsync/internal/config"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/httpclient"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
)

// maxPendingEvents bounds the buffer read by PollEvents; older events are dropped.
const maxPendingEvents = 256

// Envelope is the response shape of every bridge call.
type Envelope struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

// ErrorBody describes a failed call.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

// Event is a buffered notification for hosts that poll.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

var (
	mu      sync.Mutex
	core    *app.App
	unsubs  []func()
	eventMu sync.Mutex
	events  []Event
)

// Init starts the core from a JSON config document. An empty document uses the defaults.
func Init(configJSON string) string {
	mu.Lock()
	defer mu.Unlock()

	if core != nil {
		return fail(apperrors.New(apperrors.ErrInvalid, "already initialized"))
	}

	cfg, err := config.Parse([]byte(configJSON), "json")
	if err != nil {
		return fail(err)
	}

	a, err := app.New(context.Background(), cfg,
		app.WithEventHandler(syncpkg.SyncEventHandlerFunc(func(ev syncpkg.SyncEvent) {
			push(string(ev.Type), ev)
		})),
		app.WithNotifier(syncpkg.NotifierFunc(func(removed int) {
			push("sync.summary", map[string]int{"removed": removed})
		})),
	)
	if err != nil {
		logging.Error("Bridge init failed", err)
		return fail(err)
	}

	a.Queue.SetChangeHandler(func(size int) {
		push("queue.changed", map[string]int{"size": size})
	})
	unsubs = append(unsubs, a.Monitor.Subscribe(func(online bool) {
		push("connectivity.changed", map[string]bool{"online": online})
	}))

	core = a
	return ok(map[string]any{"queued": a.Queue.Len(), "online": a.Monitor.IsConnected()})
}

// Shutdown releases the core. Calling it without Init is not an error.
func Shutdown() string {
	mu.Lock()
	defer mu.Unlock()

	if core == nil {
		return ok(nil)
	}
	for _, u := range unsubs {
		u()
	}
	unsubs = nil
	err := core.Close()
	core = nil

	eventMu.Lock()
	events = nil
	eventMu.Unlock()

	if err != nil {
		return fail(err)
	}
	return ok(nil)
}

// SetConnectivity forwards the platform network state.
func SetConnectivity(online bool) string {
	return with(func(a *app.App) (any, error) {
		return nil, a.SetConnectivity(online)
	})
}

// QueueAdd queues an action request given as JSON.
func QueueAdd(requestJSON string) string {
	return with(func(a *app.App) (any, error) {
		req, err := decodeRequest(requestJSON)
		if err != nil {
			return nil, err
		}
		return a.Service.AddToQueue(context.Background(), req)
	})
}

// Submit sends a request now or queues it when the device is offline.
func Submit(requestJSON string) string {
	return with(func(a *app.App) (any, error) {
		req, err := decodeRequest(requestJSON)
		if err != nil {
			return nil, err
		}
		res, err := a.Service.Submit(context.Background(), req)
		if err != nil {
			return nil, err
		}
		out := map[string]any{"queued": res.Queued, "status": res.Status}
		if res.Action != nil {
			out["action"] = res.Action
		}
		if res.Response != nil {
			out["body"] = res.Response.Data
		}
		return out, nil
	})
}

// QueueList returns the queued actions in replay order.
func QueueList() string {
	return with(func(a *app.App) (any, error) {
		return a.Service.Queue(), nil
	})
}

// QueueProcess drains the queue and returns the drain summary.
func QueueProcess() string {
	return with(func(a *app.App) (any, error) {
		return a.Service.ProcessQueue(context.Background())
	})
}

// QueueClear drops every queued action.
func QueueClear() string {
	return with(func(a *app.App) (any, error) {
		return nil, a.Service.ClearQueue(context.Background())
	})
}

// Fetch performs a cached read. On failure the envelope carries the error and
// data is still the empty collection.
func Fetch(url, paramsJSON string) string {
	mu.Lock()
	a := core
	mu.Unlock()
	if a == nil {
		return fail(notInitialized())
	}

	var params map[string]any
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return fail(apperrors.Wrap(apperrors.ErrInvalid, "decode params", err))
		}
	}

	res := a.Service.Fetch(context.Background(), url, params)
	data := map[string]any{"data": res.Data, "fromCache": res.FromCache}
	if res.Error != nil {
		return encode(Envelope{OK: false, Data: data, Error: errorBody(res.Error)})
	}
	return ok(data)
}

// SignIn stores the credential and the identity queued actions are tagged with.
func SignIn(token, owner string) string {
	return with(func(a *app.App) (any, error) {
		return nil, a.Session.SignIn(context.Background(), token, owner)
	})
}

// Logout clears the credential. The queue is kept.
func Logout() string {
	return with(func(a *app.App) (any, error) {
		return nil, a.Session.Logout(context.Background())
	})
}

// Status reports connectivity, session, sync and counters.
func Status() string {
	return with(func(a *app.App) (any, error) {
		return a.Status(), nil
	})
}

// PollEvents returns and clears the buffered events.
func PollEvents() string {
	return with(func(*app.App) (any, error) {
		eventMu.Lock()
		out := events
		events = nil
		eventMu.Unlock()
		if out == nil {
			out = []Event{}
		}
		return out, nil
	})
}

func with(fn func(a *app.App) (any, error)) string {
	mu.Lock()
	a := core
	mu.Unlock()
	if a == nil {
		return fail(notInitialized())
	}

	data, err := fn(a)
	if err != nil {
		return fail(err)
	}
	return ok(data)
}

func decodeRequest(raw string) (models.ActionRequest, error) {
	var req models.ActionRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return req, apperrors.Wrap(apperrors.ErrInvalid, "decode request", err)
	}
	return req, nil
}

func push(typ string, data any) {
	eventMu.Lock()
	events = append(events, Event{Type: typ, Data: data})
	if over := len(events) - maxPendingEvents; over > 0 {
		events = append([]Event(nil), events[over:]...)
	}
	eventMu.Unlock()
}

func notInitialized() error {
	return apperrors.New(apperrors.ErrInvalid, "bridge not initialized")
}

func ok(data any) string {
	return encode(Envelope{OK: true, Data: data})
}

func fail(err error) string {
	return encode(Envelope{OK: false, Error: errorBody(err)})
}

func errorBody(err error) *ErrorBody {
	if httpclient.IsNetworkError(err) {
		return &ErrorBody{Code: string(apperrors.ErrNetworkUnavailable), Message: httpclient.Message(err)}
	}
	if status := httpclient.StatusOf(err); status != 0 {
		return &ErrorBody{Code: string(apperrors.ErrHTTPStatus), Message: httpclient.Message(err), Status: status}
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return &ErrorBody{Code: string(appErr.Code), Message: appErr.Message}
	}
	return &ErrorBody{Code: string(apperrors.ErrInternal), Message: err.Error()}
}

func encode(env Envelope) string {
	raw, err := json.Marshal(env)
	if err != nil {
		return `{"ok":false,"error":{"code":"INTERNAL_ERROR","message":"encode response"}}`
	}
	return string(raw)
}
