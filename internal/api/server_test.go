package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jamesenki/shadowcore/internal/events"
	"github.com/jamesenki/shadowcore/internal/history"
	"github.com/jamesenki/shadowcore/internal/infrastructure/config"
	"github.com/jamesenki/shadowcore/internal/infrastructure/logging"
	"github.com/jamesenki/shadowcore/internal/shadow"
)

// testServer creates a Server backed by an in-memory provider and an
// in-memory history store, plus an httptest listener serving its router.
func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	bus := events.NewBus()
	registry := events.NewRegistry()
	store := shadow.NewStore(shadow.NewMemoryProvider(), shadow.WithPublisher(bus))
	hist := history.NewMemoryStore()

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:   log,
		Shadows:  store,
		History:  hist,
		Bus:      bus,
		Registry: registry,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	srv.start = time.Now()
	srv.subscribeShadowEvents()

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(func() {
		registry.DisconnectAll()
		ts.Close()
	})

	return srv, ts
}

// doJSON performs an HTTP request with a JSON body and decodes the response.
func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && resp.StatusCode != http.StatusNoContent {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHandleHealth(t *testing.T) {
	_, ts := testServer(t)

	var body map[string]any
	status := doJSON(t, http.MethodGet, ts.URL+"/api/v1/health", nil, &body)
	if status != http.StatusOK {
		t.Fatalf("health status = %d, want 200", status)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if body["version"] != "test" {
		t.Errorf("version field = %v, want test", body["version"])
	}
}

func TestCreateShadow(t *testing.T) {
	_, ts := testServer(t)

	req := map[string]any{
		"device_id": "thermostat-1",
		"reported":  map[string]any{"temperature": 21.5},
		"desired":   map[string]any{},
	}

	var doc map[string]any
	status := doJSON(t, http.MethodPost, ts.URL+"/api/v1/shadows", req, &doc)
	if status != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", status)
	}
	if doc["device_id"] != "thermostat-1" {
		t.Errorf("device_id = %v", doc["device_id"])
	}
	if doc["version"] != float64(1) {
		t.Errorf("version = %v, want 1", doc["version"])
	}

	// Duplicate create conflicts
	var errBody Error
	status = doJSON(t, http.MethodPost, ts.URL+"/api/v1/shadows", req, &errBody)
	if status != http.StatusConflict {
		t.Fatalf("duplicate create status = %d, want 409", status)
	}
	if errBody.Code != ErrCodeConflict {
		t.Errorf("error code = %q, want %q", errBody.Code, ErrCodeConflict)
	}
}

func TestCreateShadowValidation(t *testing.T) {
	_, ts := testServer(t)

	var errBody Error
	status := doJSON(t, http.MethodPost, ts.URL+"/api/v1/shadows", map[string]any{
		"reported": map[string]any{"temp": 1},
	}, &errBody)
	if status != http.StatusBadRequest {
		t.Fatalf("missing device_id status = %d, want 400", status)
	}
}

func TestGetShadowNotFound(t *testing.T) {
	_, ts := testServer(t)

	var errBody Error
	status := doJSON(t, http.MethodGet, ts.URL+"/api/v1/shadows/nope", nil, &errBody)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if errBody.Code != ErrCodeNotFound {
		t.Errorf("error code = %q, want %q", errBody.Code, ErrCodeNotFound)
	}
}

func TestUpdateShadowVersionConflict(t *testing.T) {
	_, ts := testServer(t)

	status := doJSON(t, http.MethodPost, ts.URL+"/api/v1/shadows", map[string]any{
		"device_id": "lock-1",
		"reported":  map[string]any{"locked": true},
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("create status = %d", status)
	}

	var errBody Error
	status = doJSON(t, http.MethodPatch, ts.URL+"/api/v1/shadows/lock-1", map[string]any{
		"desired":          map[string]any{"locked": false},
		"expected_version": 42,
	}, &errBody)
	if status != http.StatusConflict {
		t.Fatalf("stale update status = %d, want 409", status)
	}
	if errBody.Code != ErrCodeVersionConflict {
		t.Errorf("error code = %q, want %q", errBody.Code, ErrCodeVersionConflict)
	}
}

func TestDesiredReportLifecycle(t *testing.T) {
	_, ts := testServer(t)

	status := doJSON(t, http.MethodPost, ts.URL+"/api/v1/shadows", map[string]any{
		"device_id": "hvac-1",
		"reported":  map[string]any{"temperature": 70},
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("create status = %d", status)
	}

	// Set desired: the key becomes pending
	var result map[string]any
	status = doJSON(t, http.MethodPut, ts.URL+"/api/v1/shadows/hvac-1/desired", map[string]any{
		"temperature": 75,
	}, &result)
	if status != http.StatusOK {
		t.Fatalf("set desired status = %d", status)
	}
	if result["version"] != float64(2) {
		t.Errorf("version after desired = %v, want 2", result["version"])
	}

	// Delta shows the divergence
	var deltaBody map[string]any
	status = doJSON(t, http.MethodGet, ts.URL+"/api/v1/shadows/hvac-1/delta", nil, &deltaBody)
	if status != http.StatusOK {
		t.Fatalf("delta status = %d", status)
	}
	if deltaBody["count"] != float64(1) {
		t.Errorf("delta count = %v, want 1", deltaBody["count"])
	}

	// Device reports the desired value: pending resolves, delta clears
	status = doJSON(t, http.MethodPost, ts.URL+"/api/v1/shadows/hvac-1/report", map[string]any{
		"temperature": 75,
	}, &result)
	if status != http.StatusOK {
		t.Fatalf("report status = %d", status)
	}
	if result["version"] != float64(3) {
		t.Errorf("version after report = %v, want 3", result["version"])
	}

	status = doJSON(t, http.MethodGet, ts.URL+"/api/v1/shadows/hvac-1/delta", nil, &deltaBody)
	if status != http.StatusOK {
		t.Fatalf("delta status = %d", status)
	}
	if deltaBody["count"] != float64(0) {
		t.Errorf("delta count after report = %v, want 0", deltaBody["count"])
	}

	// Wire format: pending folded into desired, never top-level
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, ts.URL+"/api/v1/shadows/hvac-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get shadow: %v", err)
	}
	defer resp.Body.Close()
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := raw["pending"]; ok {
		t.Error("pending present at document top level")
	}
}

func TestDeleteShadow(t *testing.T) {
	_, ts := testServer(t)

	status := doJSON(t, http.MethodPost, ts.URL+"/api/v1/shadows", map[string]any{
		"device_id": "sensor-9",
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("create status = %d", status)
	}

	status = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/shadows/sensor-9", nil, nil)
	if status != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", status)
	}

	status = doJSON(t, http.MethodGet, ts.URL+"/api/v1/shadows/sensor-9", nil, nil)
	if status != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", status)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv, ts := testServer(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for v := int64(1); v <= 3; v++ {
		err := srv.history.Append(context.Background(), history.Entry{
			DeviceID:  "meter-1",
			Version:   v,
			Reported:  shadow.StateMap{"kwh": float64(v) * 10},
			Source:    shadow.SourceReport,
			CreatedAt: base.Add(time.Duration(v) * time.Minute),
		})
		if err != nil {
			t.Fatalf("seed history: %v", err)
		}
	}

	var body struct {
		DeviceID string          `json:"device_id"`
		Entries  []history.Entry `json:"entries"`
		Count    int             `json:"count"`
	}
	status := doJSON(t, http.MethodGet, ts.URL+"/api/v1/shadows/meter-1/history?limit=2", nil, &body)
	if status != http.StatusOK {
		t.Fatalf("history status = %d", status)
	}
	if body.Count != 2 {
		t.Fatalf("count = %d, want 2", body.Count)
	}
	if body.Entries[0].Version != 3 {
		t.Errorf("first entry version = %d, want 3 (newest first)", body.Entries[0].Version)
	}

	// Window query
	start := base.Add(90 * time.Second).Format(time.RFC3339)
	status = doJSON(t, http.MethodGet, ts.URL+"/api/v1/shadows/meter-1/history?start="+start, nil, &body)
	if status != http.StatusOK {
		t.Fatalf("window status = %d", status)
	}
	if body.Count != 2 {
		t.Errorf("window count = %d, want 2", body.Count)
	}

	// Invalid timestamps rejected
	status = doJSON(t, http.MethodGet, ts.URL+"/api/v1/shadows/meter-1/history?start=yesterday", nil, nil)
	if status != http.StatusBadRequest {
		t.Errorf("bad start status = %d, want 400", status)
	}
}

func TestWebSocketEventRelay(t *testing.T) {
	srv, ts := testServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	// Subscribe to device events
	sub := WSMessage{
		Type: WSTypeSubscribe,
		ID:   "sub-1",
		Payload: WSSubscribePayload{
			Devices: []string{"camera-1"},
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read subscribe ack: %v", err)
	}
	if ack.Type != WSTypeResponse || ack.ID != "sub-1" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	// A create on the subscribed device reaches the client
	if _, err := srv.shadows.Create(context.Background(), "camera-1", shadow.StateMap{"recording": true}, nil); err != nil {
		t.Fatalf("create shadow: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev WSMessage
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != WSTypeEvent {
		t.Errorf("event type = %q, want %q", ev.Type, WSTypeEvent)
	}
	if ev.EventType != shadow.TopicCreated {
		t.Errorf("event topic = %q, want %q", ev.EventType, shadow.TopicCreated)
	}
}

func TestWebSocketPing(t *testing.T) {
	_, ts := testServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "p1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong WSMessage
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.Type != WSTypePong {
		t.Errorf("response type = %q, want %q", pong.Type, WSTypePong)
	}
}

func TestRequestIDHeader(t *testing.T) {
	_, ts := testServer(t)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, ts.URL+"/api/v1/health", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-Request-ID", "fixed-id-123")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Request-ID"); got != "fixed-id-123" {
		t.Errorf("X-Request-ID = %q, want fixed-id-123", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := testServer(t)

	var body map[string]any
	status := doJSON(t, http.MethodGet, ts.URL+"/api/v1/metrics", nil, &body)
	if status != http.StatusOK {
		t.Fatalf("metrics status = %d", status)
	}
	for _, key := range []string{"uptime_seconds", "goroutines", "websocket_connections"} {
		if _, ok := body[key]; !ok {
			t.Errorf("metrics missing %q", key)
		}
	}
}

func TestBodySizeLimit(t *testing.T) {
	_, ts := testServer(t)

	// Build a payload just over the 1 MB limit
	big := strings.Repeat("x", maxRequestBodySize+1)
	payload := fmt.Sprintf(`{"device_id":"big-1","reported":{"blob":%q}}`, big)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, ts.URL+"/api/v1/shadows", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusCreated {
		t.Error("oversized body accepted")
	}
}
