// Package handlers provides REST API handlers for the offline queue, sync and cached reads.
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/kimhsiao/fieldsync/internal/app"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// SyncHandler handles queue inspection and drains.
type SyncHandler struct {
	app *app.App
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(a *app.App) *SyncHandler {
	return &SyncHandler{app: a}
}

// =====================================================
// Status
// =====================================================

// GetStatus handles GET /api/status
// Returns connectivity, session, scheduler and counter state.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := h.app.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online":          status.Online,
		"signed_in":       status.SignedIn,
		"owner":           status.Owner,
		"sync":            status.Sync,
		"telemetry":       status.Telemetry,
		"pending_changes": h.app.Engine.PendingChanges(),
		"recent_errors":   h.app.Engine.GetErrorHistory(),
	})
}

// =====================================================
// Queue
// =====================================================

// ListQueue handles GET /api/queue
func (h *SyncHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": h.app.Service.Queue(),
		"stats": h.app.Queue.Stats(),
	})
}

// AddToQueue handles POST /api/queue
// Defers the request body, an action request, until the next drain.
func (h *SyncHandler) AddToQueue(w http.ResponseWriter, r *http.Request) {
	var req models.ActionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	action, err := h.app.Service.AddToQueue(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, action)
}

// ClearQueue handles DELETE /api/queue
func (h *SyncHandler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Service.ClearQueue(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "cleared"})
}

// ProcessQueue handles POST /api/queue/process
// Drains now and returns the summary. With ?async=true the drain runs in the
// background and the call returns 202.
func (h *SyncHandler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		started := h.app.Scheduler.TriggerSync(context.WithoutCancel(r.Context()))
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"started": started})
		return
	}

	result, err := h.app.Service.ProcessQueue(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
