// Package models provides the data model shared by the offline queue, the sync engine and the bridges.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
)

// ActionStatus is the replay state of a queued action.
type ActionStatus string

const (
	StatusPending ActionStatus = "PENDING"
	StatusSyncing ActionStatus = "SYNCING"
	StatusFailed  ActionStatus = "FAILED"
)

// Methods accepted for deferred calls.
var allowedMethods = map[string]bool{
	"POST":   true,
	"PUT":    true,
	"DELETE": true,
	"GET":    true,
}

// FieldKind tags a multipart form field.
type FieldKind string

const (
	FieldText FieldKind = "text"
	FieldFile FieldKind = "file"
)

// Multipart defaults applied at replay when a file reference leaves them empty.
const (
	DefaultFileContentType = "image/jpeg"
	DefaultFileExt         = "jpg"
	DefaultFilePrefix      = "upload"
)

// FileRef points at a local file captured by the device (camera, picker).
type FileRef struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"type,omitempty"`
}

// FormField is one multipart field. Exactly one of Value (text) or File (file) is meaningful,
// selected by Kind at enqueue time.
type FormField struct {
	Name  string    `json:"name"`
	Kind  FieldKind `json:"kind"`
	Value string    `json:"value,omitempty"`
	File  *FileRef  `json:"file,omitempty"`
}

// UnmarshalJSON accepts any JSON scalar as a text value. Numbers and booleans
// keep their literal text; objects and arrays are kept as compact JSON.
func (f *FormField) UnmarshalJSON(data []byte) error {
	type plain FormField
	var raw struct {
		plain
		Value json.RawMessage `json:"value,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = FormField(raw.plain)

	value, err := fieldText(raw.Value)
	if err != nil {
		return fmt.Errorf("form field %q: %w", f.Name, err)
	}
	f.Value = value
	return nil
}

func fieldText(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// TextField builds a text form field.
func TextField(name, value string) FormField {
	return FormField{Name: name, Kind: FieldText, Value: value}
}

// FileField builds a file form field.
func FileField(name string, ref FileRef) FormField {
	return FormField{Name: name, Kind: FieldFile, File: &ref}
}

// QueuedAction is one deferred mutating call. Only Status, Attempts and LastError change
// after enqueue.
type QueuedAction struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Body        json.RawMessage   `json:"body,omitempty"`
	Form        []FormField       `json:"form,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	Status      ActionStatus      `json:"status"`
	Label       string            `json:"label"`
	IsMultipart bool              `json:"isMultipart"`
	Owner       string            `json:"owner,omitempty"`
	Attempts    int               `json:"attempts,omitempty"`
	LastError   string            `json:"lastError,omitempty"`
}

// Clone returns a deep copy so snapshots handed out never alias queue state.
func (a QueuedAction) Clone() QueuedAction {
	c := a
	if a.Body != nil {
		c.Body = append(json.RawMessage(nil), a.Body...)
	}
	if a.Form != nil {
		c.Form = make([]FormField, len(a.Form))
		for i, f := range a.Form {
			c.Form[i] = f
			if f.File != nil {
				ref := *f.File
				c.Form[i].File = &ref
			}
		}
	}
	if a.Headers != nil {
		c.Headers = make(map[string]string, len(a.Headers))
		for k, v := range a.Headers {
			c.Headers[k] = v
		}
	}
	return c
}

// ActionRequest is what a caller supplies to defer a call.
type ActionRequest struct {
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Body        any               `json:"body,omitempty"`
	Form        []FormField       `json:"form,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Label       string            `json:"label"`
	IsMultipart bool              `json:"isMultipart"`
}

func invalid(format string, args ...interface{}) error {
	return apperrors.New(apperrors.ErrQueueInvalidAction, fmt.Sprintf(format, args...))
}

// Validate normalises the method and checks the request is replayable.
func (r *ActionRequest) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return invalid("url is required")
	}
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	if !allowedMethods[r.Method] {
		return invalid("unsupported method %q", r.Method)
	}

	if r.IsMultipart {
		if len(r.Form) == 0 {
			return invalid("multipart action %q has no form fields", r.Label)
		}
		if r.Body != nil {
			return invalid("multipart action %q must carry fields in form, not body", r.Label)
		}
		for _, f := range r.Form {
			if f.Name == "" {
				return invalid("form field without a name")
			}
			switch f.Kind {
			case FieldText:
			case FieldFile:
				if f.File == nil || f.File.URI == "" {
					return invalid("file field %q has no uri", f.Name)
				}
			default:
				return invalid("form field %q has unknown kind %q", f.Name, f.Kind)
			}
		}
	} else if len(r.Form) > 0 {
		return invalid("form fields require isMultipart")
	}
	return nil
}

// EncodeBody marshals the opaque body. A nil body stays nil; raw JSON passes through.
func (r *ActionRequest) EncodeBody() (json.RawMessage, error) {
	switch b := r.Body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(b) {
			return nil, invalid("body is not valid JSON")
		}
		return append(json.RawMessage(nil), b...), nil
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrQueueInvalidAction, "encode body", err)
		}
		return raw, nil
	}
}
