// Package web provides the browser-facing status and command server.
// It serves the machine status as JSON over HTTP, pushes periodic
// status frames to WebSocket clients, and translates command messages
// into hmi events for the control loop to consume.
package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"els-go/pkg/hmi"
	"els-go/pkg/log"
)

// Status is one snapshot of the machine state as shown to clients.
type Status struct {
	Mode          string  `json:"mode"`
	State         string  `json:"state"`
	StatusLine    string  `json:"status_line"`
	Prompt        string  `json:"prompt,omitempty"`
	Measure       string  `json:"measure"`
	Pitch         string  `json:"pitch"`
	PitchDU       int32   `json:"pitch_du"`
	CurrentPass   int     `json:"current_pass"`
	Progress      float64 `json:"progress"`
	ZSteps        int32   `json:"z_steps"`
	XSteps        int32   `json:"x_steps"`
	ZMM           float64 `json:"z_mm"`
	XMM           float64 `json:"x_mm"`
	SpindleTicks  int32   `json:"spindle_ticks"`
	SpindleRPM    float64 `json:"spindle_rpm"`
	EmergencyStop bool    `json:"emergency_stop"`
	Running       bool    `json:"running"`
}

// MachineInterface is what the server needs from the host: a status
// snapshot, an event queue, and a direct path for the emergency stop
// that does not wait for the input scan.
type MachineInterface interface {
	Status() Status
	PushEvent(ev hmi.Event) bool
	EmergencyStop()
}

// Config holds server configuration.
type Config struct {
	// HTTP address to listen on (e.g., ":8080").
	Addr string

	// Machine supplies status and receives command events.
	Machine MachineInterface
}

// Server serves the web interface.
type Server struct {
	machine MachineInterface
	logger  *log.Logger

	httpServer *http.Server
	addr       string

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*wsClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	running   atomic.Bool
	startTime time.Time
}

// New creates a web server.
func New(cfg Config) *Server {
	s := &Server{
		machine:   cfg.Machine,
		logger:    log.GetLogger("web"),
		addr:      cfg.Addr,
		wsClients: make(map[int64]*wsClient),
		startTime: time.Now(),
	}

	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return s
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/websocket", s.handleWebSocket)
	mux.HandleFunc("/machine/status", s.handleStatus)
	mux.HandleFunc("/machine/command", s.handleCommand)
	mux.HandleFunc("/machine/emergency_stop", s.handleEmergencyStop)

	return s.corsMiddleware(mux)
}

// Start starts the server. Blocks until the server stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	s.running.Store(true)
	s.logger.Info("web server starting on %s", s.addr)

	go s.statusBroadcastLoop()

	return s.httpServer.ListenAndServe()
}

// Stop stops the server and closes all WebSocket clients.
func (s *Server) Stop() error {
	s.running.Store(false)

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.close()
	}
	s.wsClients = make(map[int64]*wsClient)
	s.wsClientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	return len(s.wsClients)
}

// Wire messages

type commandMessage struct {
	Action string `json:"action"`
	Axis   string `json:"axis,omitempty"`
	Value  int64  `json:"value,omitempty"`
}

type statusFrame struct {
	Type   string `json:"type"`
	Status Status `json:"status"`
}

type ackFrame struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Error  string `json:"error,omitempty"`
}

// dispatchCommand maps one command message onto the machine.
func (s *Server) dispatchCommand(msg commandMessage, source string) ackFrame {
	ack := ackFrame{Type: "ack", Action: msg.Action}

	action := hmi.ParseAction(msg.Action)
	if action == hmi.ActionNone {
		ack.Error = "unknown action"
		return ack
	}

	// The emergency stop bypasses the event queue.
	if action == hmi.ActionEStop {
		s.machine.EmergencyStop()
		return ack
	}

	ev := hmi.Event{
		Source: source,
		Action: action,
		Axis:   msg.Axis,
		Value:  msg.Value,
	}
	if !s.machine.PushEvent(ev) {
		ack.Error = "event queue full"
	}
	return ack
}

// HTTP handlers

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, map[string]any{"result": s.machine.Status()})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var msg commandMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	ack := s.dispatchCommand(msg, "web")
	if ack.Error != "" {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	s.writeJSON(w, ack)
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Warn("emergency stop requested over http")
	s.machine.EmergencyStop()
	s.writeJSON(w, ackFrame{Type: "ack", Action: "estop"})
}

// corsMiddleware allows cross-origin requests so the interface can be
// served from a separate development host.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// wsClient is one WebSocket connection.
type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	mu     sync.Mutex
}

func (s *Server) newWSClient(conn *websocket.Conn) *wsClient {
	id := atomic.AddInt64(&s.nextWSID, 1)
	return &wsClient{
		id:     id,
		conn:   conn,
		server: s,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
	}
}

// send queues a message for the client, dropping it when the channel
// is full.
func (c *wsClient) send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.logger.Warn("dropping message to client %d (channel full)", c.id)
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}

	c.conn.Close()
}

// readPump reads command messages until the connection closes.
func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("websocket read error: %v", err)
			}
			break
		}

		var msg commandMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.send(ackFrame{Type: "ack", Error: "parse error"})
			continue
		}
		c.send(c.server.dispatchCommand(msg, "web"))
	}
}

// writePump sends queued messages and keepalive pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Warn("websocket write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error: %v", err)
		return
	}

	client := s.newWSClient(conn)

	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()

	s.logger.Info("websocket client %d connected", client.id)

	go client.writePump()

	// Send the current status immediately so the client does not wait
	// for the first broadcast tick.
	client.send(statusFrame{Type: "status", Status: s.machine.Status()})

	client.readPump()
}

func (s *Server) removeClient(client *wsClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()

	s.logger.Info("websocket client %d disconnected", client.id)
}

// statusBroadcastLoop pushes status frames to all clients at 4 Hz.
func (s *Server) statusBroadcastLoop() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for s.running.Load() {
		<-ticker.C
		s.broadcastStatus()
	}
}

func (s *Server) broadcastStatus() {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()

	if len(s.wsClients) == 0 {
		return
	}

	frame := statusFrame{Type: "status", Status: s.machine.Status()}
	for _, client := range s.wsClients {
		client.send(frame)
	}
}
