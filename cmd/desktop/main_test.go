// Package main tests for desktop server initialization and routing.
// These tests verify route registration, the health check and the event hub.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/internal/app"
	"github.com/kimhsiao/fieldsync/internal/config"
)

// setupTestServer wires a memory-backed core, a hub and the router behind an
// httptest server, the same way run does.
func setupTestServer(t *testing.T) (*httptest.Server, *app.App, *WSHub) {
	t.Helper()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(backend.Close)

	cfg := config.Default()
	cfg.API.BaseURL = backend.URL
	cfg.Storage.Driver = config.DriverMemory
	cfg.Sync.DrainOnStart = false
	cfg.Session.MachineID = "desktop-test"
	cfg.Logging.Level = "error"

	hub := NewWSHub()
	a, err := app.New(context.Background(), cfg, app.WithEventHandler(hub), app.WithNotifier(hub))
	require.NoError(t, err)
	detach := attachHub(a, hub)

	srv := httptest.NewServer(newRouter(a, hub))
	t.Cleanup(func() {
		srv.Close()
		detach()
		_ = a.Close()
		hub.Stop()
	})
	return srv, a, hub
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// nextEvent reads messages until one of type want arrives.
func nextEvent(t *testing.T, conn *websocket.Conn, want string) WSEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", want)
		var env WSEnvelope
		if json.Unmarshal(raw, &env) == nil && env.Type == want {
			return env
		}
	}
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// =====================================================
// Routing Tests
// =====================================================

func TestMain_HealthCheck(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Health check returned status %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", resp.Header.Get("Content-Type"))
	}

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, serviceName, body["service"])
}

func TestMain_HealthCheck_MethodNotAllowed(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	resp := post(t, srv.URL+"/api/health", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", resp.StatusCode)
	}
}

// TestMain_RouteRegistration verifies every API route is mounted.
func TestMain_RouteRegistration(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	routes := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/api/status", "", http.StatusOK},
		{http.MethodGet, "/api/queue", "", http.StatusOK},
		{http.MethodPost, "/api/queue", `{"url":"/sales","method":"POST"}`, http.StatusCreated},
		{http.MethodPost, "/api/queue/process", "", http.StatusOK},
		{http.MethodDelete, "/api/queue", "", http.StatusOK},
		{http.MethodGet, "/api/fetch?url=/items", "", http.StatusOK},
		{http.MethodPost, "/api/submit", `{"url":"/sales","method":"POST"}`, http.StatusOK},
		{http.MethodPost, "/api/connectivity", `{"online":true}`, http.StatusOK},
		{http.MethodPost, "/api/session", `{"token":"t","owner":"o"}`, http.StatusOK},
		{http.MethodDelete, "/api/session", "", http.StatusOK},
		{http.MethodGet, "/api/unknown", "", http.StatusNotFound},
	}

	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			req, err := http.NewRequest(rt.method, srv.URL+rt.path, strings.NewReader(rt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, rt.want, resp.StatusCode)
		})
	}
}

// TestRun_badConfig verifies run fails fast on an unreadable config.
func TestRun_badConfig(t *testing.T) {
	err := run(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// =====================================================
// WebSocket Tests
// =====================================================

// TestWebSocket_QueueAndConnectivityEvents verifies mutations reach connected clients.
func TestWebSocket_QueueAndConnectivityEvents(t *testing.T) {
	srv, _, hub := setupTestServer(t)
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	post(t, srv.URL+"/api/connectivity", `{"online":false}`)
	// the hub may also relay the monitor's initial online state
	env := nextEvent(t, conn, EventConnectivityChanged)
	if env.Data["online"] == true {
		env = nextEvent(t, conn, EventConnectivityChanged)
	}
	assert.Equal(t, false, env.Data["online"])

	post(t, srv.URL+"/api/queue", `{"url":"/sales","method":"POST","label":"Create sale"}`)
	env = nextEvent(t, conn, EventQueueChanged)
	assert.EqualValues(t, 1, env.Data["size"])
}

// TestWebSocket_SyncEvents verifies a reconnect drain is reported start to summary.
func TestWebSocket_SyncEvents(t *testing.T) {
	srv, a, hub := setupTestServer(t)
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, a.SetConnectivity(false))
	post(t, srv.URL+"/api/queue", `{"url":"/sales","method":"POST"}`)
	require.NoError(t, a.SetConnectivity(true))

	nextEvent(t, conn, EventSyncStarted)
	summary := nextEvent(t, conn, EventSyncSummary)
	assert.EqualValues(t, 1, summary.Data["removed"])
	completed := nextEvent(t, conn, EventSyncCompleted)
	assert.EqualValues(t, 1, completed.Data["removed"])
}

// TestWebSocket_Subscribe verifies clients only receive events they subscribed to.
func TestWebSocket_Subscribe(t *testing.T) {
	srv, _, hub := setupTestServer(t)
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{EventQueueChanged},
	}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ack map[string]interface{}
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribe_ack", ack["action"])

	post(t, srv.URL+"/api/connectivity", `{"online":false}`)
	post(t, srv.URL+"/api/queue", `{"url":"/sales","method":"POST"}`)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env WSEnvelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, EventQueueChanged, env.Type, "connectivity.changed should be filtered out")
}

// TestWebSocket_Ping verifies the application-level ping.
func TestWebSocket_Ping(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var pong map[string]interface{}
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["action"])
}

// TestIsLocalOrigin verifies browser origins are restricted to loopback.
func TestIsLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8090", true},
		{"http://[::1]:8090", true},
		{"https://evil.example.com", false},
		{"://bad", false},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, isLocalOrigin(r), tt.origin)
	}
}

// TestHub_StopIsIdempotent verifies Stop can be called twice and drops later broadcasts.
func TestHub_StopIsIdempotent(t *testing.T) {
	hub := NewWSHub()
	hub.Stop()
	hub.Stop()
	hub.BroadcastQueueChanged(1)
	assert.Equal(t, 0, hub.ClientCount())
}
