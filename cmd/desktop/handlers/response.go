package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/httpclient"
	"github.com/kimhsiao/fieldsync/internal/logging"
)

// ErrorBody is the error shape returned by every endpoint.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"` // upstream status for HTTP_STATUS errors
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// writeError maps err to an HTTP status and writes {"error": {...}}.
func writeError(w http.ResponseWriter, err error) {
	body := ErrorBody{Code: string(apperrors.ErrInternal), Message: err.Error()}
	status := http.StatusInternalServerError

	switch {
	case httpclient.IsNetworkError(err):
		body.Code, body.Message = string(apperrors.ErrNetworkUnavailable), httpclient.Message(err)
		status = http.StatusServiceUnavailable
	case httpclient.StatusOf(err) != 0:
		body.Code, body.Message = string(apperrors.ErrHTTPStatus), httpclient.Message(err)
		body.Status = httpclient.StatusOf(err)
		status = http.StatusBadGateway
	default:
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			body.Code, body.Message = string(appErr.Code), appErr.Message
		}
		status = statusFor(apperrors.CodeOf(err))
	}

	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", body.Code, err)
	}
	writeJSON(w, status, map[string]interface{}{"error": body})
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrQueueInvalidAction, apperrors.ErrConfigInvalid:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrSyncInProgress:
		return http.StatusConflict
	case apperrors.ErrAuthExpired:
		return http.StatusUnauthorized
	case apperrors.ErrNetworkUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err)
	}
	return nil
}
