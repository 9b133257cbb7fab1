package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kimhsiao/fieldsync/internal/app"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// DataHandler handles reads through the cache and online-or-queued writes.
type DataHandler struct {
	app *app.App
}

// NewDataHandler creates a new DataHandler.
func NewDataHandler(a *app.App) *DataHandler {
	return &DataHandler{app: a}
}

// Fetch handles GET /api/fetch?url=/path&params={json}
// A failed read with nothing cached still answers 200 with an empty
// collection and the error text, so screens render the empty state.
func (h *DataHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "url is required"))
		return
	}

	var params map[string]any
	if raw := r.URL.Query().Get("params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "params must be a JSON object", err))
			return
		}
	}

	res := h.app.Service.Fetch(r.Context(), url, params)
	response := map[string]interface{}{
		"data":       res.Data,
		"from_cache": res.FromCache,
	}
	if res.Error != nil {
		response["error"] = res.Error.Error()
	}
	writeJSON(w, http.StatusOK, response)
}

// Submit handles POST /api/submit
// Sends the action now when online (200 with the upstream body) or queues it (202).
func (h *DataHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req models.ActionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.app.Service.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	if res.Queued {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"queued": true,
			"action": res.Action,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queued": false,
		"status": res.Status,
		"body":   res.Response.Data,
	})
}
