// Package host composes the machine: configuration, motion controller,
// operation manager, safety manager, scheduler, and the HMI surfaces
// (web server, serial pendant, metrics exposition).
//
// All operation and motion state is owned by the control loop
// goroutine. The web server and the pendant run on their own
// goroutines and only ever touch two synchronized surfaces: the
// bounded event queue, drained during the input scan, and the status
// snapshot, published during the web update. The emergency stop is the
// one exception: it is latched through an atomic request flag that the
// critical emergency-check task observes on the very next pass.
package host

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"els-go/pkg/config"
	"els-go/pkg/hmi"
	"els-go/pkg/log"
	"els-go/pkg/metrics"
	"els-go/pkg/motion"
	"els-go/pkg/operation"
	"els-go/pkg/safety"
	"els-go/pkg/scheduler"
	"els-go/pkg/serial"
	"els-go/pkg/web"
)

// Control loop task intervals, microseconds. Critical tasks run every
// pass; the rest at these rates.
const (
	inputScanIntervalUS   = 1_000
	displayIntervalUS     = 50_000
	webUpdateIntervalUS   = 100_000
	diagnosticsIntervalUS = 1_000_000
)

// eventQueueDepth bounds the HMI event queue. Operators do not type
// faster than the input scan drains.
const eventQueueDepth = 64

// maxEventsPerScan caps the work done in one input scan pass.
const maxEventsPerScan = 8

// defaultJogStepDU is the jog increment for pendant arrow keys, in
// deci-microns (1 mm).
const defaultJogStepDU = 10_000

// followingErrorLimitUM is the spindle-tracking error above which the
// safety manager shuts the machine down, in microns.
const followingErrorLimitUM = 200.0

// Machine is the composed host. Build one with NewMachine, then Start
// it; Stop tears the subsystems down in reverse order.
type Machine struct {
	cfg    *config.LatheConfig
	clk    motion.Clock
	logger *log.Logger

	ctl    *motion.Controller
	op     *operation.Manager
	safety *safety.Manager
	sched  *scheduler.Scheduler
	cycle  *scheduler.StateMachine
	lm     *metrics.LatheMetrics

	webSrv      *web.Server
	metricsSrv  *metrics.MetricsServer
	pendant     *serial.Pendant
	pendantPort *serial.Port

	events   chan hmi.Event
	estopReq atomic.Bool

	statusMu sync.RWMutex
	status   web.Status

	jogStepDU int64

	// Spindle RPM estimate, sampled on the display cadence.
	lastSpindlePos  int32
	lastRPMSampleUS int64
	rpm             float64

	// Run transition tracking for the operation counters.
	prevOpRunning bool
	prevPass      int
	stopRequested bool

	// Stop latency already exported, so each event is observed once.
	reportedStopUS int64

	// Set once Start arms the watchdog; a reset then re-arms it.
	watchdogArmed bool
}

// motorDisabler de-energizes both axes through the safety chain.
type motorDisabler struct {
	ctl *motion.Controller
}

func (d motorDisabler) DisableMotors() error {
	d.ctl.Axis(motion.AxisX).SetEnabled(false)
	d.ctl.Axis(motion.AxisZ).SetEnabled(false)
	return nil
}

// NewMachine builds the machine over the given hardware. A nil hw runs
// on simulated hardware, which is what the tests and the bench setup
// use.
func NewMachine(cfg *config.LatheConfig, hw *motion.Hardware) (*Machine, error) {
	if hw == nil {
		hw = motion.SimHardware()
	}

	m := &Machine{
		cfg:       cfg,
		clk:       hw.Clock,
		logger:    log.GetLogger("host"),
		lm:        metrics.GlobalMetrics(),
		events:    make(chan hmi.Event, eventQueueDepth),
		jogStepDU: defaultJogStepDU,
	}

	m.ctl = motion.NewController(cfg, hw)
	m.op = operation.NewManager(m.ctl)

	m.safety = safety.New()
	m.safety.Configure(safety.Config{WatchdogTimeout: 2 * time.Second})
	m.safety.RegisterMotionStopper(m.ctl)
	m.safety.RegisterMotor(motorDisabler{ctl: m.ctl})
	m.safety.OnShutdown(func(reason safety.ShutdownReason, msg string) {
		m.lm.RecordShutdown(string(reason))
		m.logger.Error("shutdown: %s: %s", reason, msg)
	})

	m.sched = scheduler.New(hw.Clock, cfg.LoopIntervalUS)
	m.cycle = scheduler.NewStateMachine(hw.Clock)
	m.cycle.SetEmergencyHandler(func() {
		m.ctl.SetEmergencyStop(true)
	})
	m.cycle.SetHandler(scheduler.StateEmergencyCheck, m.emergencyCheck)
	m.cycle.SetHandler(scheduler.StateInputScan, m.inputScan)
	m.cycle.SetHandler(scheduler.StateMotionUpdate, m.motionUpdate)
	m.cycle.SetHandler(scheduler.StateDisplayUpdate, m.displayUpdate)
	m.cycle.SetHandler(scheduler.StateWebUpdate, m.webUpdate)
	m.cycle.SetHandler(scheduler.StateDiagnostics, m.diagnostics)

	// Registration order is the execution order: the emergency check
	// first, input before motion so a stop key acts this pass, motion
	// before the reporting tiers.
	type taskDef struct {
		name       string
		state      scheduler.CycleState
		priority   scheduler.Priority
		intervalUS int64
	}
	for _, t := range []taskDef{
		{"emergency_check", scheduler.StateEmergencyCheck, scheduler.PriorityCritical, 0},
		{"input_scan", scheduler.StateInputScan, scheduler.PriorityHigh, inputScanIntervalUS},
		{"motion_update", scheduler.StateMotionUpdate, scheduler.PriorityCritical, 0},
		{"display_update", scheduler.StateDisplayUpdate, scheduler.PriorityNormal, displayIntervalUS},
		{"web_update", scheduler.StateWebUpdate, scheduler.PriorityNormal, webUpdateIntervalUS},
		{"diagnostics", scheduler.StateDiagnostics, scheduler.PriorityLow, diagnosticsIntervalUS},
	} {
		state := t.state
		if err := m.sched.AddTask(t.name, func() { m.runCycleState(state) }, t.priority, t.intervalUS); err != nil {
			return nil, err
		}
	}

	m.ctl.Axis(motion.AxisX).SetEnabled(true)
	m.ctl.Axis(motion.AxisZ).SetEnabled(true)

	if cfg.WebListen != "" {
		m.webSrv = web.New(web.Config{Addr: cfg.WebListen, Machine: m})
	}
	if cfg.MetricsListen != "" {
		m.metricsSrv = metrics.NewMetricsServer(m.lm, cfg.MetricsListen)
	}

	return m, nil
}

// Controller exposes the motion controller, mainly for tests and the
// hardware bring-up tool.
func (m *Machine) Controller() *motion.Controller { return m.ctl }

// Operation exposes the operation manager.
func (m *Machine) Operation() *operation.Manager { return m.op }

// Safety exposes the safety manager.
func (m *Machine) Safety() *safety.Manager { return m.safety }

// Scheduler exposes the control loop scheduler.
func (m *Machine) Scheduler() *scheduler.Scheduler { return m.sched }

// Start brings up the watchdog, the HMI surfaces, and the control
// loop.
func (m *Machine) Start() error {
	m.safety.StartWatchdog()
	m.watchdogArmed = true

	if m.webSrv != nil {
		go func() {
			if err := m.webSrv.Start(); err != nil {
				m.logger.Error("web server: %v", err)
			}
		}()
		m.logger.Info("web interface on %s", m.cfg.WebListen)
	}
	if m.metricsSrv != nil {
		m.metricsSrv.StartAsync()
		m.logger.Info("metrics on %s", m.cfg.MetricsListen)
	}

	if m.cfg.HMIDevice != "" {
		port, err := m.openPendantPort()
		if err != nil {
			m.logger.Warn("pendant %s unavailable: %v", m.cfg.HMIDevice, err)
		} else {
			m.pendantPort = port
			m.pendant = serial.NewPendant(serial.PendantConfig{
				Reader: port,
				Sink:   m.PushEvent,
				EStop:  m.pendantEStop,
			})
			m.pendant.Start()
			m.logger.Info("pendant on %s @ %d baud", m.cfg.HMIDevice, m.cfg.HMIBaud)
		}
	}

	m.sched.Run()
	m.logger.Info("control loop running at %dus interval", m.cfg.LoopIntervalUS)
	return nil
}

// openPendantPort opens the pendant link. A tcp: prefix or a Unix
// socket path selects the simulated pendant transports; anything else
// is a real serial device.
func (m *Machine) openPendantPort() (*serial.Port, error) {
	dev := m.cfg.HMIDevice
	if strings.HasPrefix(dev, "tcp:") {
		return serial.OpenTCP(strings.TrimPrefix(dev, "tcp:"), 10*time.Second)
	}
	if fi, err := os.Stat(dev); err == nil && fi.Mode()&os.ModeSocket != 0 {
		return serial.OpenSocket(dev, 10*time.Second)
	}
	return serial.Open(serial.Config{
		Device:   dev,
		BaudRate: m.cfg.HMIBaud,
	})
}

// Stop shuts the machine down: control loop first so no task touches a
// closed subsystem, then the HMI surfaces.
func (m *Machine) Stop() {
	m.sched.End()
	m.sched.Wait()

	if m.pendant != nil {
		m.pendant.Stop()
	}
	if m.pendantPort != nil {
		m.pendantPort.Close()
	}
	if m.webSrv != nil {
		m.webSrv.Stop()
	}
	if m.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		m.metricsSrv.Shutdown(ctx)
		cancel()
	}
	m.safety.StopWatchdog()
	m.logger.Info("stopped")
}

// RunOnce executes a single scheduler pass. Tests drive the machine
// with this and a SimClock instead of Start.
func (m *Machine) RunOnce() {
	m.sched.RunOnce()
}

// runCycleState runs one cycle state's handler through the state
// machine. When the previous task already advanced the cycle here, the
// dwell clock keeps running, so a slow hand-off between states is
// warned about; after a skipped interval task the state is forced and
// the clock restarts.
func (m *Machine) runCycleState(state scheduler.CycleState) {
	if m.cycle.Current() != state {
		m.cycle.ForceState(state)
	}
	m.cycle.Update()
}

// PushEvent queues one operator event for the next input scan. Returns
// false when the queue is full; the caller drops the event.
func (m *Machine) PushEvent(ev hmi.Event) bool {
	select {
	case m.events <- ev:
		return true
	default:
		return false
	}
}

// EmergencyStop requests an emergency stop from any goroutine. The
// request is latched and acted on by the critical emergency-check
// task, so the stop lands within one scheduler pass without racing the
// control loop.
func (m *Machine) EmergencyStop() {
	m.estopReq.Store(true)
	m.lm.RecordEmergencyStop()
}

// pendantEStop is the pendant's emergency key: it toggles, because the
// pendant's stop key doubles as the reset key on the physical unit.
func (m *Machine) pendantEStop() {
	if m.safety.IsShutdown() {
		m.PushEvent(hmi.Event{Source: "pendant", Action: hmi.ActionEStop, Value: 0})
		return
	}
	m.EmergencyStop()
}

// ResetEmergency clears a latched shutdown and re-enables motion. Only
// call from the control loop goroutine or before Start.
func (m *Machine) ResetEmergency() error {
	if err := m.safety.Reset(); err != nil {
		return err
	}
	if m.watchdogArmed {
		m.safety.StartWatchdog()
	}
	m.ctl.SetEmergencyStop(false)
	m.ctl.Axis(motion.AxisX).SetEnabled(true)
	m.ctl.Axis(motion.AxisZ).SetEnabled(true)
	m.logger.Info("emergency stop cleared")
	return nil
}

// Status returns the last published status snapshot.
func (m *Machine) Status() web.Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

// emergencyCheck is the critical task run on every pass.
func (m *Machine) emergencyCheck() {
	if m.estopReq.CompareAndSwap(true, false) {
		m.safety.EmergencyStop("operator emergency stop")
	}
	if !m.safety.IsOperational() && !m.ctl.EmergencyStop() {
		m.ctl.SetEmergencyStop(true)
	}
	m.safety.Heartbeat()
}

// inputScan drains queued operator events.
func (m *Machine) inputScan() {
	for i := 0; i < maxEventsPerScan; i++ {
		select {
		case ev := <-m.events:
			m.handleEvent(ev)
		default:
			return
		}
	}
}

func (m *Machine) handleEvent(ev hmi.Event) {
	m.lm.RecordKeyEvent(ev.Source)

	switch ev.Action {
	case hmi.ActionSelectMode:
		mode := operation.Mode(ev.Value)
		if ev.Value < 0 {
			mode = m.nextMode()
		} else if mode > operation.ModeGcode {
			m.warnEvent(ev, "unknown mode")
			return
		}
		if err := m.op.SetMode(mode); err != nil {
			m.warnEvent(ev, err.Error())
		}
	case hmi.ActionDigit:
		if ev.Value >= 0 && ev.Value <= 9 {
			m.op.Digit(int(ev.Value))
		}
	case hmi.ActionBackspace:
		m.op.Backspace()
	case hmi.ActionEnter:
		m.confirmOrAdvance(ev)
	case hmi.ActionCancel:
		m.op.Cancel()
	case hmi.ActionTouchOff:
		if err := m.op.BeginTouchOff(); err != nil {
			m.warnEvent(ev, err.Error())
		}
	case hmi.ActionStart:
		if err := m.op.StartOperation(); err != nil {
			m.warnEvent(ev, err.Error())
		}
	case hmi.ActionStop:
		if m.op.State() == operation.StateRunning {
			m.stopRequested = true
		}
		m.op.StopOperation()
	case hmi.ActionMeasure:
		if err := m.op.CycleMeasure(); err != nil {
			m.warnEvent(ev, err.Error())
		}
	case hmi.ActionPitch:
		if err := m.op.SetPitch(int32(ev.Value)); err != nil {
			m.warnEvent(ev, err.Error())
		}
	case hmi.ActionDirection:
		if err := m.op.ToggleDirection(); err != nil {
			m.warnEvent(ev, err.Error())
		}
	case hmi.ActionJog:
		m.jog(ev)
	case hmi.ActionSetParking:
		if err := m.op.BeginParkingSetup(); err != nil {
			m.warnEvent(ev, err.Error())
		}
	case hmi.ActionGoParking:
		if !m.op.MoveToParking() {
			m.warnEvent(ev, "no parking position stored")
		}
	case hmi.ActionEStop:
		if ev.Value != 0 {
			m.safety.EmergencyStop("operator emergency stop")
		} else if err := m.ResetEmergency(); err != nil {
			m.warnEvent(ev, err.Error())
		}
	}
}

func (m *Machine) warnEvent(ev hmi.Event, msg string) {
	m.logger.Warn("%s %s rejected: %s", ev.Source, ev.Action, msg)
	m.lm.RecordWarning("event_rejected")
}

// confirmOrAdvance maps the enter key: it confirms an active entry, or
// enters setup from idle.
func (m *Machine) confirmOrAdvance(ev hmi.Event) {
	switch m.op.State() {
	case operation.StateIdle, operation.StateReady:
		if !m.op.AdvanceSetup() {
			m.warnEvent(ev, "touch off before setting up an operation")
		}
	default:
		if err := m.op.Confirm(); err != nil {
			m.warnEvent(ev, err.Error())
		}
	}
}

// nextMode cycles to the following operation family, for the pendant's
// single mode key.
func (m *Machine) nextMode() operation.Mode {
	next := m.op.Mode() + 1
	if next > operation.ModeGcode {
		next = operation.ModeNormal
	}
	return next
}

// jog moves an axis by hand. Web clients send steps directly; the
// pendant sends a direction and the host applies the jog increment.
func (m *Machine) jog(ev hmi.Event) {
	if m.op.State() == operation.StateRunning || m.ctl.EmergencyStop() {
		m.warnEvent(ev, "jog refused while running")
		return
	}
	a := m.ctl.Axis(ev.Axis)
	if a == nil {
		m.warnEvent(ev, "unknown axis")
		return
	}
	steps := int32(ev.Value)
	if ev.Source == "pendant" {
		steps = a.DeciMicronsToSteps(ev.Value * m.jogStepDU)
	}
	a.MoveRelative(steps)
}

// motionUpdate runs the controller and, on top of it, the operation
// pass machine. Controller first so the operation sees this pass's
// encoder read.
func (m *Machine) motionUpdate() {
	m.updateMPGGate()
	m.ctl.Update()
	m.op.Update()
	m.checkFollowingError()
}

// updateMPGGate keeps the handwheels live during manual work and
// locked out while an operation is cutting.
func (m *Machine) updateMPGGate() {
	manual := m.op.State() != operation.StateRunning && !m.ctl.EmergencyStop()
	for _, axis := range []string{motion.AxisX, motion.AxisZ} {
		if mpg := m.ctl.MPG(axis); mpg != nil && mpg.Active() != manual {
			mpg.Enable(manual)
		}
	}
}

func (m *Machine) checkFollowingError() {
	if !m.safety.IsOperational() {
		return
	}
	for _, axis := range []string{motion.AxisX, motion.AxisZ} {
		fe := m.ctl.FollowingError(axis)
		if fe > followingErrorLimitUM {
			m.safety.FollowingError(axis, fe)
			return
		}
	}
}

// displayUpdate refreshes the slow-rate telemetry: RPM estimate, axis
// and spindle gauges, pass transitions.
func (m *Machine) displayUpdate() {
	m.sampleRPM()

	x := m.ctl.Axis(motion.AxisX)
	z := m.ctl.Axis(motion.AxisZ)
	m.lm.SetAxisStatus(motion.AxisX, x.StepsToMM(x.Position()), x.Enabled(), m.ctl.FollowingError(motion.AxisX))
	m.lm.SetAxisStatus(motion.AxisZ, z.StepsToMM(z.Position()), z.Enabled(), m.ctl.FollowingError(motion.AxisZ))
	m.lm.SetSpindleStatus(int64(m.ctl.Spindle().Position()), m.rpm)
	m.lm.SetOperationStatus(opMetricState(m.op.State()), m.op.CurrentPass(), m.op.Progress(), int64(m.op.PitchDU()))

	m.trackRunTransitions()
}

func opMetricState(s operation.State) int {
	switch s {
	case operation.StateIdle:
		return metrics.OpStateIdle
	case operation.StateReady:
		return metrics.OpStateReady
	case operation.StateRunning:
		return metrics.OpStateRunning
	default:
		return metrics.OpStateSetup
	}
}

func (m *Machine) sampleRPM() {
	now := m.clk.NowMicros()
	pos := m.ctl.Spindle().Position()
	if m.lastRPMSampleUS != 0 {
		if dt := now - m.lastRPMSampleUS; dt > 0 {
			revs := float64(pos-m.lastSpindlePos) / float64(m.ctl.Spindle().QuadTicks())
			m.rpm = revs / (float64(dt) / 60e6)
			if m.rpm < 0 {
				m.rpm = -m.rpm
			}
		}
	}
	m.lastSpindlePos = pos
	m.lastRPMSampleUS = now
}

// trackRunTransitions feeds the pass and operation counters from state
// edges: this code has no hook inside the pass machine and does not
// want one.
func (m *Machine) trackRunTransitions() {
	running := m.op.State() == operation.StateRunning
	mode := m.op.Mode().String()

	if running && m.op.CurrentPass() > m.prevPass {
		for i := m.prevPass; i < m.op.CurrentPass(); i++ {
			m.lm.RecordPassCompleted(mode)
		}
	}
	if m.prevOpRunning && !running {
		if m.stopRequested || m.ctl.EmergencyStop() {
			m.lm.RecordOperationAborted(mode)
		} else {
			m.lm.RecordPassCompleted(mode)
			m.lm.RecordOperationCompleted(mode)
		}
		m.stopRequested = false
	}
	m.prevOpRunning = running
	if running {
		m.prevPass = m.op.CurrentPass()
	} else {
		m.prevPass = 0
	}
}

// webUpdate publishes the status snapshot read by the web server and
// anything else outside the loop.
func (m *Machine) webUpdate() {
	x := m.ctl.Axis(motion.AxisX)
	z := m.ctl.Axis(motion.AxisZ)
	sp := m.ctl.Spindle()

	st := web.Status{
		Mode:          m.op.Mode().String(),
		State:         m.op.State().String(),
		StatusLine:    m.op.StatusText(),
		Prompt:        m.op.PromptText(),
		Measure:       m.op.Measure().String(),
		Pitch:         operation.FormatDupr(int64(m.op.PitchDU()), m.op.Measure()),
		PitchDU:       m.op.PitchDU(),
		CurrentPass:   m.op.CurrentPass(),
		Progress:      m.op.Progress(),
		ZSteps:        z.Position(),
		XSteps:        x.Position(),
		ZMM:           z.StepsToMM(z.Position()),
		XMM:           x.StepsToMM(x.Position()),
		SpindleTicks:  sp.Position(),
		SpindleRPM:    m.rpm,
		EmergencyStop: m.ctl.EmergencyStop(),
		Running:       m.op.State() == operation.StateRunning,
	}

	m.statusMu.Lock()
	m.status = st
	m.statusMu.Unlock()
}

// diagnostics exports the loop statistics and system health.
func (m *Machine) diagnostics() {
	stats := m.sched.Stats()
	if stats.LoopCount > 0 {
		m.lm.RecordLoopTime(time.Duration(stats.AvgLoopUS) * time.Microsecond)
	}
	for _, t := range stats.Tasks {
		if t.MaxDurationUS > 0 {
			m.lm.RecordTaskTime(t.Name, time.Duration(t.MaxDurationUS)*time.Microsecond)
		}
	}

	if last, _ := m.safety.StopLatency(); last > 0 && last != m.reportedStopUS {
		m.lm.RecordStopLatency(time.Duration(last) * time.Microsecond)
		m.reportedStopUS = last
	}

	pendantUp := m.pendant != nil && m.pendant.Connected()
	webClients := 0
	if m.webSrv != nil {
		webClients = m.webSrv.ClientCount()
	}
	m.lm.SetHMIStatus(pendantUp, webClients)
	m.lm.UpdateSystemMetrics()
}
