package handlers

import (
	"net/http"

	"github.com/kimhsiao/fieldsync/internal/app"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
)

// DeviceHandler handles connectivity reports and the signed-in session.
type DeviceHandler struct {
	app *app.App
}

// NewDeviceHandler creates a new DeviceHandler.
func NewDeviceHandler(a *app.App) *DeviceHandler {
	return &DeviceHandler{app: a}
}

// SetConnectivity handles POST /api/connectivity {"online": bool}
func (h *DeviceHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := decodeBody(r, &request); err != nil {
		writeError(w, err)
		return
	}
	if request.Online == nil {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "online is required"))
		return
	}

	if err := h.app.SetConnectivity(*request.Online); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"online": h.app.Monitor.IsConnected()})
}

// SignIn handles POST /api/session {"token": "...", "owner": "..."}
func (h *DeviceHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Token string `json:"token"`
		Owner string `json:"owner"`
	}
	if err := decodeBody(r, &request); err != nil {
		writeError(w, err)
		return
	}
	if request.Token == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "token is required"))
		return
	}

	if err := h.app.Session.SignIn(r.Context(), request.Token, request.Owner); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"signed_in": true, "owner": request.Owner})
}

// SignOut handles DELETE /api/session
// The offline queue is kept; actions queued by this user wait for them to sign in again.
func (h *DeviceHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Session.Logout(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"signed_in": false})
}
