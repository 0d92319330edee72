// Lathe host metrics.
//
// One instance holds every metric the host exports: axis and spindle
// motion, operation progress, control-loop timing, safety events and
// Go runtime statistics. Gather() renders the lot in Prometheus text
// format for the /metrics endpoint.

package metrics

import (
	goruntime "runtime"
	"sync"
	"time"
)

// LatheMetrics holds all metrics exported by the lathe host.
type LatheMetrics struct {
	// Motion metrics
	AxisPosition   *Gauge
	StepsExecuted  *Counter
	FollowingError *Gauge
	AxisEnabled    *Gauge
	MaxSpeed       *Gauge

	// Spindle metrics
	SpindlePosition *Gauge
	SpindleRPM      *Gauge
	SyncLossEvents  *Counter

	// Operation metrics
	OperationState      *Gauge
	OperationProgress   *Gauge
	CurrentPass         *Gauge
	PitchDeciMicrons    *Gauge
	PassesCompleted     *Counter
	OperationsCompleted *Counter
	OperationsAborted   *Counter

	// Control-loop metrics
	LoopTime     *Histogram
	TaskTime     *Histogram
	TaskOverruns *Counter

	// Safety metrics
	StopLatency    *Histogram
	ShutdownEvents *Counter
	EmergencyStops *Counter

	// HMI metrics
	PendantConnected *Gauge
	WebClients       *Gauge
	KeyEvents        *Counter

	// System metrics
	HostUptime    *Counter
	GoGoroutines  *Gauge
	GoMemoryHeap  *Gauge
	GoMemoryAlloc *Gauge
	GoGCCycles    *Counter

	// Error metrics
	ErrorsTotal   *Counter
	WarningsTotal *Counter

	// Internal
	startTime time.Time
	registry  *Registry
	mu        sync.RWMutex
}

// NewLatheMetrics creates and registers all lathe metrics.
func NewLatheMetrics() *LatheMetrics {
	lm := &LatheMetrics{
		startTime: time.Now(),
		registry:  NewRegistry(),
	}

	// Motion metrics
	lm.AxisPosition = NewGauge("els_axis_position_mm",
		"Current axis position in millimeters from the reference point")
	lm.StepsExecuted = NewCounter("els_steps_executed_total",
		"Total motor steps executed per axis")
	lm.FollowingError = NewGauge("els_following_error_um",
		"Distance between commanded and actual position in micrometers")
	lm.AxisEnabled = NewGauge("els_axis_enabled",
		"Axis enable state (1=enabled, 0=disabled)")
	lm.MaxSpeed = NewGauge("els_axis_max_speed_steps_s",
		"Configured maximum axis speed in steps per second")

	// Spindle metrics
	lm.SpindlePosition = NewGauge("els_spindle_position_ticks",
		"Spindle encoder position in quadrature ticks")
	lm.SpindleRPM = NewGauge("els_spindle_rpm",
		"Measured spindle speed in revolutions per minute")
	lm.SyncLossEvents = NewCounter("els_sync_loss_events_total",
		"Total spindle sync loss events")

	// Operation metrics
	lm.OperationState = NewGauge("els_operation_state",
		"Current operation state (0=idle, 1=setup, 2=ready, 3=running, 4=error)")
	lm.OperationProgress = NewGauge("els_operation_progress",
		"Fraction of the current operation completed (0-1)")
	lm.CurrentPass = NewGauge("els_operation_current_pass",
		"Pass number of the running operation")
	lm.PitchDeciMicrons = NewGauge("els_pitch_deci_microns",
		"Active pitch in deci-microns per spindle revolution")
	lm.PassesCompleted = NewCounter("els_passes_completed_total",
		"Total cutting passes completed per mode")
	lm.OperationsCompleted = NewCounter("els_operations_completed_total",
		"Total operations run to completion per mode")
	lm.OperationsAborted = NewCounter("els_operations_aborted_total",
		"Total operations stopped before completion per mode")

	// Control-loop metrics
	lm.LoopTime = NewHistogram("els_loop_time_seconds",
		"Control loop iteration time",
		[]float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01})
	lm.TaskTime = NewHistogram("els_task_time_seconds",
		"Per-task execution time in the control loop",
		[]float64{0.00001, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.005})
	lm.TaskOverruns = NewCounter("els_task_overruns_total",
		"Tasks that exceeded their time allowance per task name")

	// Safety metrics
	lm.StopLatency = NewHistogram("els_stop_latency_seconds",
		"Time from stop trigger to motion latched",
		[]float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01})
	lm.ShutdownEvents = NewCounter("els_shutdown_events_total",
		"Total shutdown events per reason")
	lm.EmergencyStops = NewCounter("els_emergency_stops_total",
		"Total emergency stop activations")

	// HMI metrics
	lm.PendantConnected = NewGauge("els_pendant_connected",
		"Pendant serial link state (1=connected, 0=disconnected)")
	lm.WebClients = NewGauge("els_web_clients",
		"Number of connected web interface clients")
	lm.KeyEvents = NewCounter("els_key_events_total",
		"Total key events processed per source")

	// System metrics
	lm.HostUptime = NewCounter("els_host_uptime_seconds_total",
		"Total host uptime in seconds")
	lm.GoGoroutines = NewGauge("els_go_goroutines",
		"Number of active goroutines")
	lm.GoMemoryHeap = NewGauge("els_go_memory_heap_bytes",
		"Go heap memory in use")
	lm.GoMemoryAlloc = NewGauge("els_go_memory_alloc_bytes",
		"Go total memory allocated")
	lm.GoGCCycles = NewCounter("els_go_gc_cycles_total",
		"Total Go garbage collection cycles")

	// Error metrics
	lm.ErrorsTotal = NewCounter("els_errors_total",
		"Total errors by type")
	lm.WarningsTotal = NewCounter("els_warnings_total",
		"Total warnings by type")

	// Register all metrics
	lm.registerAll()

	return lm
}

// registerAll registers all metrics with the internal registry
func (lm *LatheMetrics) registerAll() {
	metrics := []Metric{
		lm.AxisPosition, lm.StepsExecuted, lm.FollowingError,
		lm.AxisEnabled, lm.MaxSpeed,
		lm.SpindlePosition, lm.SpindleRPM, lm.SyncLossEvents,
		lm.OperationState, lm.OperationProgress, lm.CurrentPass,
		lm.PitchDeciMicrons, lm.PassesCompleted,
		lm.OperationsCompleted, lm.OperationsAborted,
		lm.LoopTime, lm.TaskTime, lm.TaskOverruns,
		lm.StopLatency, lm.ShutdownEvents, lm.EmergencyStops,
		lm.PendantConnected, lm.WebClients, lm.KeyEvents,
		lm.HostUptime, lm.GoGoroutines, lm.GoMemoryHeap, lm.GoMemoryAlloc,
		lm.GoGCCycles,
		lm.ErrorsTotal, lm.WarningsTotal,
	}
	for _, m := range metrics {
		lm.registry.MustRegister(m)
	}
}

// UpdateSystemMetrics updates Go runtime metrics
func (lm *LatheMetrics) UpdateSystemMetrics() {
	var m goruntime.MemStats
	goruntime.ReadMemStats(&m)

	lm.GoGoroutines.Set(nil, float64(goruntime.NumGoroutine()))
	lm.GoMemoryHeap.Set(nil, float64(m.HeapAlloc))
	lm.GoMemoryAlloc.Set(nil, float64(m.Alloc))
	lm.GoGCCycles.Add(nil, uint64(m.NumGC)-lm.GoGCCycles.Get(nil))
	lm.HostUptime.Add(nil, uint64(time.Since(lm.startTime).Seconds()))
}

// SetAxisStatus updates position, enable state and following error for
// one axis. Position is in millimeters, following error in micrometers.
func (lm *LatheMetrics) SetAxisStatus(name string, posMM float64, enabled bool, followingUM float64) {
	enabledVal := float64(0)
	if enabled {
		enabledVal = 1
	}
	lm.AxisPosition.Set(Labels{"axis": name}, posMM)
	lm.AxisEnabled.Set(Labels{"axis": name}, enabledVal)
	lm.FollowingError.Set(Labels{"axis": name}, followingUM)
}

// AddSteps increments the step counter for an axis
func (lm *LatheMetrics) AddSteps(name string, steps uint64) {
	if steps > 0 {
		lm.StepsExecuted.Add(Labels{"axis": name}, steps)
	}
}

// SetSpindleStatus updates spindle position and speed
func (lm *LatheMetrics) SetSpindleStatus(posTicks int64, rpm float64) {
	lm.SpindlePosition.Set(nil, float64(posTicks))
	lm.SpindleRPM.Set(nil, rpm)
}

// SetOperationStatus updates the operation gauges.
// States: 0=idle, 1=setup, 2=ready, 3=running, 4=error
func (lm *LatheMetrics) SetOperationStatus(state int, pass int, progress float64, pitchDU int64) {
	lm.OperationState.Set(nil, float64(state))
	lm.CurrentPass.Set(nil, float64(pass))
	lm.OperationProgress.Set(nil, progress)
	lm.PitchDeciMicrons.Set(nil, float64(pitchDU))
}

// RecordPassCompleted records one finished cutting pass
func (lm *LatheMetrics) RecordPassCompleted(mode string) {
	lm.PassesCompleted.Inc(Labels{"mode": mode})
}

// RecordOperationCompleted records an operation that ran to completion
func (lm *LatheMetrics) RecordOperationCompleted(mode string) {
	lm.OperationsCompleted.Inc(Labels{"mode": mode})
}

// RecordOperationAborted records an operation stopped before completion
func (lm *LatheMetrics) RecordOperationAborted(mode string) {
	lm.OperationsAborted.Inc(Labels{"mode": mode})
}

// RecordLoopTime records one control loop iteration
func (lm *LatheMetrics) RecordLoopTime(d time.Duration) {
	lm.LoopTime.Observe(nil, d.Seconds())
}

// RecordTaskTime records the execution time of one scheduler task
func (lm *LatheMetrics) RecordTaskTime(task string, d time.Duration) {
	lm.TaskTime.Observe(Labels{"task": task}, d.Seconds())
}

// RecordTaskOverrun records a task that exceeded its time allowance
func (lm *LatheMetrics) RecordTaskOverrun(task string) {
	lm.TaskOverruns.Inc(Labels{"task": task})
}

// RecordStopLatency records a measured trigger-to-stop latency
func (lm *LatheMetrics) RecordStopLatency(d time.Duration) {
	lm.StopLatency.Observe(nil, d.Seconds())
}

// RecordShutdown records a shutdown event
func (lm *LatheMetrics) RecordShutdown(reason string) {
	lm.ShutdownEvents.Inc(Labels{"reason": reason})
}

// RecordEmergencyStop records an emergency stop activation
func (lm *LatheMetrics) RecordEmergencyStop() {
	lm.EmergencyStops.Inc(nil)
}

// SetHMIStatus updates pendant and web client state
func (lm *LatheMetrics) SetHMIStatus(pendantConnected bool, webClients int) {
	pendantVal := float64(0)
	if pendantConnected {
		pendantVal = 1
	}
	lm.PendantConnected.Set(nil, pendantVal)
	lm.WebClients.Set(nil, float64(webClients))
}

// RecordKeyEvent records one key event from a given source
func (lm *LatheMetrics) RecordKeyEvent(source string) {
	lm.KeyEvents.Inc(Labels{"source": source})
}

// RecordError records an error
func (lm *LatheMetrics) RecordError(errorType string) {
	lm.ErrorsTotal.Inc(Labels{"type": errorType})
}

// RecordWarning records a warning
func (lm *LatheMetrics) RecordWarning(warningType string) {
	lm.WarningsTotal.Inc(Labels{"type": warningType})
}

// Gather returns all metrics in Prometheus text format
func (lm *LatheMetrics) Gather() string {
	lm.UpdateSystemMetrics()
	return lm.registry.Gather()
}

// Registry returns the internal registry
func (lm *LatheMetrics) Registry() *Registry {
	return lm.registry
}

// Operation state values exported via els_operation_state
const (
	OpStateIdle    = 0
	OpStateSetup   = 1
	OpStateReady   = 2
	OpStateRunning = 3
	OpStateError   = 4
)

// Global metrics instance
var globalMetrics *LatheMetrics
var globalMetricsOnce sync.Once

// GlobalMetrics returns the global lathe metrics instance
func GlobalMetrics() *LatheMetrics {
	globalMetricsOnce.Do(func() {
		globalMetrics = NewLatheMetrics()
	})
	return globalMetrics
}
