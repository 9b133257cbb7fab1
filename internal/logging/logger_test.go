// Package logging tests for structured logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "line: %s", line)
		entries = append(entries, entry)
	}
	return entries
}

// TestNew_jsonFields verifies entries carry message, level and context fields.
func TestNew_jsonFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug, FormatJSON)

	l.Info("queued action", map[string]interface{}{"id": "a1", "method": "POST"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "queued action", entries[0]["message"])
	assert.Equal(t, "INFO", entries[0]["level"])
	assert.Equal(t, "a1", entries[0]["id"])
	assert.Equal(t, "POST", entries[0]["method"])
	assert.NotEmpty(t, entries[0]["timestamp"])
}

// TestLevelFiltering verifies entries below the minimum level are dropped.
func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn, FormatJSON)

	l.Debug("debug")
	l.Info("info")
	l.Warn("warn")
	l.Error("error", errors.New("boom"))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "warn", entries[0]["message"])
	assert.Equal(t, "error", entries[1]["message"])
	assert.Equal(t, "boom", entries[1]["error"])
}

// TestErrorWithCode verifies the error code is attached as a field.
func TestErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo, FormatJSON)

	l.ErrorWithCode("drain failed", "SYNC_FAILED", errors.New("offline"), map[string]interface{}{"total": 3})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "SYNC_FAILED", entries[0]["error_code"])
	assert.Equal(t, "offline", entries[0]["error"])
	assert.EqualValues(t, 3, entries[0]["total"])
}

// TestContextMerge verifies later context maps override earlier keys.
func TestContextMerge(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo, FormatJSON)

	l.Info("merge", map[string]interface{}{"a": 1, "b": 1}, map[string]interface{}{"b": 2}, nil)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.EqualValues(t, 1, entries[0]["a"])
	assert.EqualValues(t, 2, entries[0]["b"])
}

// TestSetLogger verifies package helpers route to the swapped logger.
func TestSetLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := Get()
	SetLogger(New(&buf, LevelInfo, FormatJSON))
	defer SetLogger(prev)

	Warn("storage write failed", map[string]interface{}{"key": "@offline_queue"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "WARN", entries[0]["level"])
	assert.Equal(t, "@offline_queue", entries[0]["key"])
}

// TestParseLevel verifies textual level parsing.
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"", LevelInfo, false},
		{"debug", LevelDebug, false},
		{"Warning", LevelWarn, false},
		{"ERROR", LevelError, false},
		{"loud", "", true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

// TestConfigure_rejectsUnknownFormat verifies format validation.
func TestConfigure_rejectsUnknownFormat(t *testing.T) {
	assert.Error(t, Configure("info", "xml"))
	assert.Error(t, Configure("chatty", "json"))
}

// TestConsoleFormat verifies the console encoder is selectable.
func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo, FormatConsole)
	l.Info("hello")

	assert.Contains(t, buf.String(), "hello")
	assert.False(t, strings.HasPrefix(strings.TrimSpace(buf.String()), "{"))
}
