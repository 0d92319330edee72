// Package safety provides the safety-critical layer for the lathe host:
// emergency stop, shutdown state management, the main-loop watchdog and
// stop-latency accounting.
package safety

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ShutdownState represents the host's shutdown state.
type ShutdownState int

const (
	// StateRunning indicates normal operation.
	StateRunning ShutdownState = iota

	// StateShuttingDown indicates shutdown is in progress.
	StateShuttingDown

	// StateShutdown indicates an orderly shutdown completed.
	StateShutdown

	// StateError indicates an error-triggered shutdown.
	StateError
)

func (s ShutdownState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdown:
		return "shutdown"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ShutdownReason describes why the host was shut down.
type ShutdownReason string

const (
	ReasonNone            ShutdownReason = ""
	ReasonEmergencyStop   ShutdownReason = "emergency_stop"
	ReasonFollowingError  ShutdownReason = "following_error"
	ReasonWatchdogTimeout ShutdownReason = "watchdog_timeout"
	ReasonHMILoss         ShutdownReason = "hmi_loss"
	ReasonUserRequest     ShutdownReason = "user_request"
)

// Common errors
var (
	ErrShutdown      = errors.New("safety: host is shut down")
	ErrEmergencyStop = errors.New("safety: emergency stop triggered")
)

// MotionStopper latches all motion off. The motion controller
// implements this.
type MotionStopper interface {
	SetEmergencyStop(stop bool)
}

// MotorDisabler can de-energize stepper drivers.
type MotorDisabler interface {
	DisableMotors() error
}

// SpindleBrake can stop a powered spindle drive, when fitted.
type SpindleBrake interface {
	BrakeSpindle() error
}

// Manager manages safety features and shutdown state.
type Manager struct {
	mu sync.RWMutex

	// Current state
	state          ShutdownState
	shutdownReason ShutdownReason
	shutdownMsg    string
	shutdownTime   time.Time

	// Registered components
	stoppers []MotionStopper
	motors   []MotorDisabler
	brakes   []SpindleBrake

	// Watchdog
	watchdogStop    chan struct{}
	watchdogTimeout time.Duration
	lastHeartbeat   time.Time
	watchdogMu      sync.Mutex

	// Stop latency accounting: trigger to motion-halted, microseconds.
	lastStopLatencyUS int64
	maxStopLatencyUS  int64

	// Callbacks
	onShutdown    []func(reason ShutdownReason, msg string)
	onStateChange []func(oldState, newState ShutdownState)
}

// New creates a new safety Manager.
func New() *Manager {
	return &Manager{
		state:           StateRunning,
		watchdogTimeout: 5 * time.Second,
	}
}

// Config holds configuration for the safety manager.
type Config struct {
	WatchdogTimeout time.Duration
}

// Configure applies configuration to the manager.
func (m *Manager) Configure(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.WatchdogTimeout > 0 {
		m.watchdogTimeout = cfg.WatchdogTimeout
	}
}

// RegisterMotionStopper registers a motion controller for emergency
// latching.
func (m *Manager) RegisterMotionStopper(s MotionStopper) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stoppers = append(m.stoppers, s)
}

// RegisterMotor registers a stepper driver bank for emergency shutdown.
func (m *Manager) RegisterMotor(motor MotorDisabler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.motors = append(m.motors, motor)
}

// RegisterSpindleBrake registers a spindle drive for emergency braking.
func (m *Manager) RegisterSpindleBrake(b SpindleBrake) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brakes = append(m.brakes, b)
}

// OnShutdown registers a callback for when shutdown occurs.
func (m *Manager) OnShutdown(fn func(reason ShutdownReason, msg string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onShutdown = append(m.onShutdown, fn)
}

// OnStateChange registers a callback for state changes.
func (m *Manager) OnStateChange(fn func(oldState, newState ShutdownState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = append(m.onStateChange, fn)
}

// GetState returns the current shutdown state.
func (m *Manager) GetState() ShutdownState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GetShutdownInfo returns shutdown details.
func (m *Manager) GetShutdownInfo() (ShutdownReason, string, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shutdownReason, m.shutdownMsg, m.shutdownTime
}

// IsShutdown returns true if the host is shut down.
func (m *Manager) IsShutdown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateShutdown || m.state == StateError
}

// IsOperational returns true if the host is running normally.
func (m *Manager) IsOperational() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateRunning
}

// CheckOperational returns an error if the host is not operational.
func (m *Manager) CheckOperational() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state != StateRunning {
		return fmt.Errorf("%w: %s - %s", ErrShutdown, m.shutdownReason, m.shutdownMsg)
	}
	return nil
}

// EmergencyStop triggers an immediate emergency stop. Motion is latched
// off before anything else happens.
func (m *Manager) EmergencyStop(msg string) error {
	return m.invokeShutdown(ReasonEmergencyStop, msg)
}

// FollowingError triggers a shutdown because an axis fell too far
// behind its spindle-derived target.
func (m *Manager) FollowingError(axis string, errorUM float64) error {
	msg := fmt.Sprintf("axis %s: following error %.1fum", axis, errorUM)
	return m.invokeShutdown(ReasonFollowingError, msg)
}

// WatchdogTimeout triggers a shutdown due to watchdog timeout.
func (m *Manager) WatchdogTimeout() error {
	return m.invokeShutdown(ReasonWatchdogTimeout, "main loop heartbeat timeout")
}

// HMILoss triggers a shutdown when the pendant link drops mid-cut.
func (m *Manager) HMILoss(errMsg string) error {
	return m.invokeShutdown(ReasonHMILoss, errMsg)
}

// RequestShutdown triggers a graceful shutdown by user request.
func (m *Manager) RequestShutdown(msg string) error {
	return m.invokeShutdown(ReasonUserRequest, msg)
}

// invokeShutdown performs the shutdown sequence.
func (m *Manager) invokeShutdown(reason ShutdownReason, msg string) error {
	start := time.Now()
	m.mu.Lock()

	// Don't shutdown if already shut down
	if m.state == StateShutdown || m.state == StateError {
		m.mu.Unlock()
		return nil
	}

	oldState := m.state
	m.state = StateShuttingDown
	m.shutdownReason = reason
	m.shutdownMsg = msg
	m.shutdownTime = start

	// Copy components to disable (to avoid holding lock during disable)
	stoppers := make([]MotionStopper, len(m.stoppers))
	copy(stoppers, m.stoppers)
	motors := make([]MotorDisabler, len(m.motors))
	copy(motors, m.motors)
	brakes := make([]SpindleBrake, len(m.brakes))
	copy(brakes, m.brakes)

	m.mu.Unlock()

	// Latch motion off first; everything after is cleanup.
	for _, s := range stoppers {
		s.SetEmergencyStop(true)
	}
	latency := time.Since(start).Microseconds()

	m.StopWatchdog()

	for _, b := range brakes {
		_ = b.BrakeSpindle() // Best effort
	}
	for _, motor := range motors {
		_ = motor.DisableMotors() // Best effort
	}

	// Update final state
	m.mu.Lock()
	finalState := StateShutdown
	if reason == ReasonEmergencyStop || reason == ReasonFollowingError ||
		reason == ReasonWatchdogTimeout {
		finalState = StateError
	}
	m.state = finalState

	m.lastStopLatencyUS = latency
	if latency > m.maxStopLatencyUS {
		m.maxStopLatencyUS = latency
	}

	// Copy callbacks
	onShutdown := make([]func(ShutdownReason, string), len(m.onShutdown))
	copy(onShutdown, m.onShutdown)
	onStateChange := make([]func(ShutdownState, ShutdownState), len(m.onStateChange))
	copy(onStateChange, m.onStateChange)
	m.mu.Unlock()

	// Call callbacks
	for _, fn := range onStateChange {
		fn(oldState, finalState)
	}
	for _, fn := range onShutdown {
		fn(reason, msg)
	}

	return nil
}

// StopLatency returns the last and worst observed trigger-to-stop
// latency in microseconds.
func (m *Manager) StopLatency() (lastUS, maxUS int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastStopLatencyUS, m.maxStopLatencyUS
}

// StartWatchdog starts the watchdog timer.
func (m *Manager) StartWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()

	if m.watchdogStop != nil {
		return // Already running
	}

	m.watchdogStop = make(chan struct{})
	m.lastHeartbeat = time.Now()

	go m.watchdogLoop(m.watchdogStop)
}

// StopWatchdog stops the watchdog timer.
func (m *Manager) StopWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()

	if m.watchdogStop != nil {
		close(m.watchdogStop)
		m.watchdogStop = nil
	}
}

// Heartbeat updates the watchdog timer.
// Call this regularly from the control loop.
func (m *Manager) Heartbeat() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	m.lastHeartbeat = time.Now()
}

// watchdogLoop runs the watchdog timer.
func (m *Manager) watchdogLoop(stop chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.watchdogMu.Lock()
			elapsed := time.Since(m.lastHeartbeat)
			timeout := m.watchdogTimeout
			m.watchdogMu.Unlock()

			if elapsed > timeout {
				m.WatchdogTimeout()
				return
			}
		}
	}
}

// Reset attempts an operator reset after a stop. Only allowed from
// shutdown or error states; the motion latch is released so manual
// jogging works again.
func (m *Manager) Reset() error {
	m.mu.Lock()

	if m.state == StateRunning || m.state == StateShuttingDown {
		m.mu.Unlock()
		return errors.New("safety: cannot reset while running or shutting down")
	}

	m.state = StateRunning
	m.shutdownReason = ReasonNone
	m.shutdownMsg = ""
	m.shutdownTime = time.Time{}

	stoppers := make([]MotionStopper, len(m.stoppers))
	copy(stoppers, m.stoppers)
	m.mu.Unlock()

	for _, s := range stoppers {
		s.SetEmergencyStop(false)
	}
	return nil
}

// Status returns a status struct for reporting.
type Status struct {
	State          string
	ShutdownReason string
	ShutdownMsg    string
	ShutdownTime   time.Time
	IsOperational  bool
}

// GetStatus returns the current status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Status{
		State:          m.state.String(),
		ShutdownReason: string(m.shutdownReason),
		ShutdownMsg:    m.shutdownMsg,
		ShutdownTime:   m.shutdownTime,
		IsOperational:  m.state == StateRunning,
	}
}
