package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"els-go/pkg/hmi"
)

// mockMachine implements MachineInterface for testing.
type mockMachine struct {
	mu       sync.Mutex
	events   []hmi.Event
	stopped  bool
	full     bool
	progress float64
}

func (m *mockMachine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Mode:          "TURN",
		State:         "ready",
		StatusLine:    "TURN ready",
		Measure:       "mm",
		Pitch:         "1.000mm",
		PitchDU:       10000,
		Progress:      m.progress,
		EmergencyStop: m.stopped,
	}
}

func (m *mockMachine) PushEvent(ev hmi.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		return false
	}
	m.events = append(m.events, ev)
	return true
}

func (m *mockMachine) EmergencyStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *mockMachine) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *mockMachine) lastEvent() hmi.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return hmi.Event{}
	}
	return m.events[len(m.events)-1]
}

func newTestServer() (*Server, *mockMachine) {
	machine := &mockMachine{}
	return New(Config{Addr: ":8080", Machine: machine}), machine
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer()

	req := httptest.NewRequest("GET", "/machine/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatal("response missing 'result' field")
	}

	if result["mode"] != "TURN" {
		t.Errorf("expected mode 'TURN', got %v", result["mode"])
	}
	if result["state"] != "ready" {
		t.Errorf("expected state 'ready', got %v", result["state"])
	}
}

func TestStatusMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer()

	req := httptest.NewRequest("POST", "/machine/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rec.Code)
	}
}

func TestCommandEndpoint(t *testing.T) {
	s, machine := newTestServer()

	body := bytes.NewBufferString(`{"action":"digit","value":7}`)
	req := httptest.NewRequest("POST", "/machine/command", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	if machine.eventCount() != 1 {
		t.Fatalf("expected 1 event, got %d", machine.eventCount())
	}

	ev := machine.lastEvent()
	if ev.Action != hmi.ActionDigit {
		t.Errorf("expected digit action, got %s", ev.Action)
	}
	if ev.Value != 7 {
		t.Errorf("expected value 7, got %d", ev.Value)
	}
	if ev.Source != "web" {
		t.Errorf("expected source 'web', got %s", ev.Source)
	}
}

func TestCommandJog(t *testing.T) {
	s, machine := newTestServer()

	body := bytes.NewBufferString(`{"action":"jog","axis":"z","value":-160}`)
	req := httptest.NewRequest("POST", "/machine/command", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	ev := machine.lastEvent()
	if ev.Action != hmi.ActionJog {
		t.Errorf("expected jog action, got %s", ev.Action)
	}
	if ev.Axis != "z" {
		t.Errorf("expected axis z, got %s", ev.Axis)
	}
	if ev.Value != -160 {
		t.Errorf("expected value -160, got %d", ev.Value)
	}
}

func TestCommandUnknownAction(t *testing.T) {
	s, machine := newTestServer()

	body := bytes.NewBufferString(`{"action":"frobnicate"}`)
	req := httptest.NewRequest("POST", "/machine/command", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rec.Code)
	}
	if machine.eventCount() != 0 {
		t.Errorf("unknown action should not queue an event")
	}
}

func TestCommandQueueFull(t *testing.T) {
	s, machine := newTestServer()
	machine.full = true

	body := bytes.NewBufferString(`{"action":"enter"}`)
	req := httptest.NewRequest("POST", "/machine/command", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rec.Code)
	}

	var ack ackFrame
	if err := json.NewDecoder(rec.Body).Decode(&ack); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if ack.Error != "event queue full" {
		t.Errorf("expected queue full error, got %q", ack.Error)
	}
}

func TestCommandBadJSON(t *testing.T) {
	s, _ := newTestServer()

	body := bytes.NewBufferString(`{not json`)
	req := httptest.NewRequest("POST", "/machine/command", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
}

func TestEmergencyStopEndpoint(t *testing.T) {
	s, machine := newTestServer()

	req := httptest.NewRequest("POST", "/machine/emergency_stop", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !machine.stopped {
		t.Error("emergency stop should reach the machine")
	}
	if machine.eventCount() != 0 {
		t.Error("emergency stop should not go through the event queue")
	}
}

func TestEStopCommandBypassesQueue(t *testing.T) {
	s, machine := newTestServer()
	machine.full = true

	body := bytes.NewBufferString(`{"action":"estop","value":1}`)
	req := httptest.NewRequest("POST", "/machine/command", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !machine.stopped {
		t.Error("estop command should reach the machine even with a full queue")
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer()

	req := httptest.NewRequest("OPTIONS", "/machine/command", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS allow-origin header")
	}
}

func TestWebSocketStatusAndCommand(t *testing.T) {
	s, machine := newTestServer()
	s.running.Store(true)

	server := httptest.NewServer(s.Handler())
	defer server.Close()

	wsURL := "ws" + server.URL[4:] + "/websocket"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}
	defer conn.Close()

	// The initial status frame arrives without asking.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame statusFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("failed to read status frame: %v", err)
	}
	if frame.Type != "status" {
		t.Fatalf("expected status frame, got %q", frame.Type)
	}
	if frame.Status.Mode != "TURN" {
		t.Errorf("expected mode TURN, got %s", frame.Status.Mode)
	}

	// Send a command and expect an ack.
	if err := conn.WriteJSON(commandMessage{Action: "enter"}); err != nil {
		t.Fatalf("failed to send command: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack ackFrame
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("failed to read ack: %v", err)
	}
	if ack.Type != "ack" || ack.Error != "" {
		t.Errorf("expected clean ack, got %+v", ack)
	}

	deadline := time.Now().Add(2 * time.Second)
	for machine.eventCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if machine.eventCount() != 1 {
		t.Fatalf("expected 1 queued event, got %d", machine.eventCount())
	}
	if machine.lastEvent().Action != hmi.ActionEnter {
		t.Errorf("expected enter action, got %s", machine.lastEvent().Action)
	}
}

func TestWebSocketBroadcast(t *testing.T) {
	s, _ := newTestServer()
	s.running.Store(true)
	go s.statusBroadcastLoop()
	defer s.running.Store(false)

	server := httptest.NewServer(s.Handler())
	defer server.Close()

	wsURL := "ws" + server.URL[4:] + "/websocket"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}
	defer conn.Close()

	// Initial frame plus at least one broadcast frame.
	for i := 0; i < 2; i++ {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var frame statusFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("failed to read frame %d: %v", i, err)
		}
		if frame.Type != "status" {
			t.Fatalf("expected status frame, got %q", frame.Type)
		}
	}
}

func TestClientCount(t *testing.T) {
	s, _ := newTestServer()
	s.running.Store(true)

	if s.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", s.ClientCount())
	}

	server := httptest.NewServer(s.Handler())
	defer server.Close()

	wsURL := "ws" + server.URL[4:] + "/websocket"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", s.ClientCount())
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for s.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close, got %d", s.ClientCount())
	}
}

func TestParseAction(t *testing.T) {
	cases := []struct {
		name string
		want hmi.Action
	}{
		{"digit", hmi.ActionDigit},
		{"enter", hmi.ActionEnter},
		{"estop", hmi.ActionEStop},
		{"bogus", hmi.ActionNone},
	}
	for _, tc := range cases {
		if got := hmi.ParseAction(tc.name); got != tc.want {
			t.Errorf("ParseAction(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}
