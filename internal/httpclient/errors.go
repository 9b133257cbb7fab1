package httpclient

import (
	"context"
	"errors"
	"fmt"
)

// RequestError describes a failed call. Response is nil when no response was
// received at all (systemic network failure) and set for non-2xx answers.
type RequestError struct {
	Method   string
	URL      string
	Response *Response
	Err      error
}

func (e *RequestError) Error() string {
	if e.Response != nil {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Response.Status)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// IsNetworkError reports whether err means the server was never reached.
// Cancellation by the caller is not a network error.
func IsNetworkError(err error) bool {
	var re *RequestError
	if !errors.As(err, &re) || re.Response != nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var re *RequestError
	if errors.As(err, &re) && re.Response != nil {
		return re.Response.Status
	}
	return 0
}

// Message extracts a human-readable message from err, preferring a "message"
// field in the response payload.
func Message(err error) string {
	var re *RequestError
	if errors.As(err, &re) && re.Response != nil {
		if msg := re.Response.message(); msg != "" {
			return msg
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
