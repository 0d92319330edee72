package host

import (
	"testing"

	"els-go/pkg/config"
	"els-go/pkg/hmi"
	"els-go/pkg/motion"
	"els-go/pkg/operation"
)

func testLatheConfig() *config.LatheConfig {
	axis := func(name string) *config.AxisConfig {
		return &config.AxisConfig{
			Name:         name,
			MotorSteps:   800,
			ScrewPitchDU: 50000, // 5mm screw, 160 steps/mm
			SpeedStart:   800,
			SpeedManual:  8000,
			Acceleration: 16000,
			MaxTravelMM:  300,
		}
	}
	return &config.LatheConfig{
		AxisZ:   axis("z"),
		AxisX:   axis("x"),
		Encoder: config.EncoderConfig{PPR: 600, Backlash: 3},
		MPG: map[string]*config.MPGConfig{
			"x": {Axis: "x", PulsePerRev: 400, ScaleDivisor: 4},
		},
		LoopIntervalUS: 200,
	}
}

func newTestMachine(t *testing.T) (*Machine, *motion.SimCounter, *motion.SimClock) {
	t.Helper()
	hw := motion.SimHardware()
	m, err := NewMachine(testLatheConfig(), hw)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	return m, hw.SpindleCounter.(*motion.SimCounter), hw.Clock.(*motion.SimClock)
}

// drain runs enough scheduler passes to consume every queued event.
func drain(m *Machine, clk *motion.SimClock) {
	for i := 0; i < 20; i++ {
		clk.Advance(1000)
		m.RunOnce()
	}
}

// drainFor runs n scheduler passes, enough for short motions to finish.
func drainFor(m *Machine, clk *motion.SimClock, n int) {
	for i := 0; i < n; i++ {
		clk.Advance(1000)
		m.RunOnce()
	}
}

func push(t *testing.T, m *Machine, ev hmi.Event) {
	t.Helper()
	if !m.PushEvent(ev) {
		t.Fatalf("event queue full pushing %s", ev.Action)
	}
}

func webEvent(action hmi.Action, value int64) hmi.Event {
	return hmi.Event{Source: "web", Action: action, Value: value}
}

func pushDigits(t *testing.T, m *Machine, digits string) {
	t.Helper()
	for _, ch := range digits {
		push(t, m, webEvent(hmi.ActionDigit, int64(ch-'0')))
	}
}

// touchOffViaEvents latches both references through the event queue.
func touchOffViaEvents(t *testing.T, m *Machine, clk *motion.SimClock, diameterDigits string) {
	t.Helper()
	push(t, m, webEvent(hmi.ActionTouchOff, 0))
	pushDigits(t, m, diameterDigits)
	push(t, m, webEvent(hmi.ActionEnter, 0)) // diameter
	push(t, m, webEvent(hmi.ActionEnter, 0)) // face
	drain(m, clk)
	if !m.Operation().HasTouchOff() {
		t.Fatal("touch-off not latched through events")
	}
}

func TestEventFlowTouchOff(t *testing.T) {
	m, _, clk := newTestMachine(t)
	touchOffViaEvents(t, m, clk, "20000")
	if m.Operation().State() != operation.StateIdle {
		t.Errorf("state after touch-off: got %s, want idle", m.Operation().State())
	}
}

func TestModeSelectEvent(t *testing.T) {
	m, _, clk := newTestMachine(t)

	push(t, m, webEvent(hmi.ActionSelectMode, int64(operation.ModeTurn)))
	drain(m, clk)
	if m.Operation().Mode() != operation.ModeTurn {
		t.Fatalf("mode: got %s, want TURN", m.Operation().Mode())
	}

	// A negative value cycles, for the pendant's single mode key.
	push(t, m, hmi.Event{Source: "pendant", Action: hmi.ActionSelectMode, Value: -1})
	drain(m, clk)
	if m.Operation().Mode() != operation.ModeFace {
		t.Errorf("cycled mode: got %s, want FACE", m.Operation().Mode())
	}
}

func TestDirectionEvent(t *testing.T) {
	m, _, clk := newTestMachine(t)

	// No direction choice exists in gearbox mode.
	push(t, m, webEvent(hmi.ActionDirection, 0))
	drain(m, clk)
	if m.Operation().LeftToRight() {
		t.Fatal("gearbox mode latched a direction")
	}

	push(t, m, webEvent(hmi.ActionSelectMode, int64(operation.ModeTurn)))
	push(t, m, webEvent(hmi.ActionDirection, 0))
	drain(m, clk)
	if !m.Operation().LeftToRight() {
		t.Error("direction key did not flip the carriage travel")
	}
}

func TestParkingViaEvents(t *testing.T) {
	m, _, clk := newTestMachine(t)

	push(t, m, webEvent(hmi.ActionSetParking, 0))
	drain(m, clk)
	if m.Operation().State() != operation.StateParkingSetup {
		t.Fatalf("state: got %s, want parking_setup", m.Operation().State())
	}

	// Jog the carriage out, then latch the spot with enter.
	jog := webEvent(hmi.ActionJog, 80)
	jog.Axis = "z"
	push(t, m, jog)
	drainFor(m, clk, 600)
	push(t, m, webEvent(hmi.ActionEnter, 0))
	drain(m, clk)
	if m.Operation().State() != operation.StateIdle {
		t.Fatalf("state after latch: got %s, want idle", m.Operation().State())
	}

	// Return home, then go-parking targets the latched spot.
	jog = webEvent(hmi.ActionJog, -80)
	jog.Axis = "z"
	push(t, m, jog)
	drainFor(m, clk, 600)
	push(t, m, webEvent(hmi.ActionGoParking, 0))
	drainFor(m, clk, 600)
	if got := m.Controller().Axis(motion.AxisZ).Position(); got != 80 {
		t.Errorf("z position: got %d, want 80", got)
	}
}

func TestEmergencyStopLandsNextPass(t *testing.T) {
	m, _, clk := newTestMachine(t)

	m.EmergencyStop()
	if m.Controller().EmergencyStop() {
		t.Fatal("stop latched before the control loop observed it")
	}

	clk.Advance(200)
	m.RunOnce()
	if !m.Controller().EmergencyStop() {
		t.Fatal("stop not latched within one pass")
	}
	if m.Safety().IsOperational() {
		t.Error("safety manager still operational after stop")
	}
	if m.Controller().Axis(motion.AxisX).Enabled() {
		t.Error("motors still energized after stop")
	}
}

func TestEmergencyResetViaEvent(t *testing.T) {
	m, _, clk := newTestMachine(t)

	m.EmergencyStop()
	clk.Advance(200)
	m.RunOnce()

	push(t, m, webEvent(hmi.ActionEStop, 0))
	drain(m, clk)

	if m.Controller().EmergencyStop() {
		t.Fatal("stop still latched after reset")
	}
	if !m.Safety().IsOperational() {
		t.Error("safety manager not operational after reset")
	}
	if !m.Controller().Axis(motion.AxisZ).Enabled() {
		t.Error("axes not re-enabled after reset")
	}
}

func TestJogScaling(t *testing.T) {
	m, _, clk := newTestMachine(t)

	// Pendant sends a direction; the host applies the 1mm increment.
	push(t, m, hmi.Event{Source: "pendant", Action: hmi.ActionJog, Axis: "z", Value: 1})
	// Web clients send steps directly.
	push(t, m, hmi.Event{Source: "web", Action: hmi.ActionJog, Axis: "x", Value: -80})
	drain(m, clk)

	if got := m.Controller().Axis(motion.AxisZ).TargetPosition(); got != 160 {
		t.Errorf("pendant jog target: got %d, want 160", got)
	}
	if got := m.Controller().Axis(motion.AxisX).TargetPosition(); got != -80 {
		t.Errorf("web jog target: got %d, want -80", got)
	}
}

func TestJogRefusedUnderEmergencyStop(t *testing.T) {
	m, _, clk := newTestMachine(t)

	m.EmergencyStop()
	clk.Advance(200)
	m.RunOnce()

	push(t, m, hmi.Event{Source: "pendant", Action: hmi.ActionJog, Axis: "z", Value: 1})
	drain(m, clk)
	if got := m.Controller().Axis(motion.AxisZ).TargetPosition(); got != 0 {
		t.Errorf("jog moved target under emergency stop: %d", got)
	}
}

func TestMPGGatedByMachineState(t *testing.T) {
	m, _, clk := newTestMachine(t)
	mpg := m.Controller().MPG(motion.AxisX)
	if mpg == nil {
		t.Fatal("no x handwheel configured")
	}

	clk.Advance(200)
	m.RunOnce()
	if !mpg.Active() {
		t.Fatal("handwheel not enabled for manual work")
	}

	m.EmergencyStop()
	clk.Advance(200)
	m.RunOnce()
	clk.Advance(200)
	m.RunOnce()
	if mpg.Active() {
		t.Error("handwheel still live under emergency stop")
	}
}

func TestStartRefusedWithoutSetup(t *testing.T) {
	m, _, clk := newTestMachine(t)

	push(t, m, webEvent(hmi.ActionStart, 0))
	drain(m, clk)
	if m.Operation().State() != operation.StateIdle {
		t.Errorf("state: got %s, want idle", m.Operation().State())
	}
}

func TestStatusSnapshot(t *testing.T) {
	m, _, clk := newTestMachine(t)

	push(t, m, webEvent(hmi.ActionPitch, 10000))
	drain(m, clk)

	st := m.Status()
	if st.Mode != "GEAR" {
		t.Errorf("mode: got %q, want GEAR", st.Mode)
	}
	if st.State != "idle" {
		t.Errorf("state: got %q, want idle", st.State)
	}
	if st.PitchDU != 10000 {
		t.Errorf("pitch: got %d, want 10000", st.PitchDU)
	}
	if st.EmergencyStop || st.Running {
		t.Error("fresh machine reports stopped or running")
	}
}

func TestPushEventQueueBounded(t *testing.T) {
	m, _, _ := newTestMachine(t)

	for i := 0; i < eventQueueDepth; i++ {
		if !m.PushEvent(webEvent(hmi.ActionDigit, 1)) {
			t.Fatalf("queue full after %d events", i)
		}
	}
	if m.PushEvent(webEvent(hmi.ActionDigit, 1)) {
		t.Error("queue accepted an event past its bound")
	}
}

// setupAndStartTurn runs the whole setup dialog through the event
// queue and starts the cut: 20.000mm stock to 18.000mm over 40mm at
// 1mm/rev, two passes.
func setupAndStartTurn(t *testing.T, m *Machine, clk *motion.SimClock) {
	t.Helper()
	op := m.Operation()

	push(t, m, webEvent(hmi.ActionSelectMode, int64(operation.ModeTurn)))
	push(t, m, webEvent(hmi.ActionPitch, 10000))
	drain(m, clk)
	touchOffViaEvents(t, m, clk, "20000")

	push(t, m, webEvent(hmi.ActionEnter, 0)) // enter setup
	pushDigits(t, m, "18000")                // target diameter
	push(t, m, webEvent(hmi.ActionEnter, 0))
	drain(m, clk)
	pushDigits(t, m, "40000") // length 40.000mm
	push(t, m, webEvent(hmi.ActionEnter, 0))
	pushDigits(t, m, "2") // passes
	push(t, m, webEvent(hmi.ActionEnter, 0))
	drain(m, clk)
	if op.State() != operation.StateReady {
		t.Fatalf("state after setup: got %s, want ready", op.State())
	}

	push(t, m, webEvent(hmi.ActionStart, 0))
	drain(m, clk)
	if op.State() != operation.StateRunning {
		t.Fatalf("state after start: got %s, want running", op.State())
	}
}

// TestTurningOperationViaEvents drives a full two-pass turning job
// through the event queue.
func TestTurningOperationViaEvents(t *testing.T) {
	m, counter, clk := newTestMachine(t)
	op := m.Operation()

	setupAndStartTurn(t, m, clk)

	maxDepth := int32(0)
	for i := 0; i < 400000; i++ {
		if op.State() != operation.StateRunning {
			break
		}
		clk.Advance(200)
		if ph := op.Phase(); ph == operation.PhaseSyncSpindle || ph == operation.PhaseCutting {
			counter.Add(4)
		}
		m.RunOnce()
		if op.Phase() == operation.PhaseCutting {
			if d := -m.Controller().Axis(motion.AxisX).Position(); d > maxDepth {
				maxDepth = d
			}
		}
	}
	if op.State() != operation.StateReady {
		t.Fatalf("operation did not finish: state %s phase %s pass %d",
			op.State(), op.Phase(), op.CurrentPass())
	}
	// Full radial depth is 1mm = 160 steps.
	if maxDepth != 160 {
		t.Errorf("max plunge depth: got %d steps, want 160", maxDepth)
	}

	// The snapshot republishes on the web-update cadence; run past one
	// full interval before reading it.
	for i := 0; i < 600; i++ {
		clk.Advance(200)
		m.RunOnce()
	}
	st := m.Status()
	if st.Running {
		t.Error("status still reports running after completion")
	}
}

// TestEmergencyStopDuringCut asserts the stop lands within one pass of
// the request: axis targets collapse to current positions and the
// operation does not keep running.
func TestEmergencyStopDuringCut(t *testing.T) {
	m, counter, clk := newTestMachine(t)
	op := m.Operation()

	setupAndStartTurn(t, m, clk)

	// Run into the cutting sub-state.
	for i := 0; i < 200000 && op.Phase() != operation.PhaseCutting; i++ {
		clk.Advance(200)
		counter.Add(4)
		m.RunOnce()
	}
	if op.Phase() != operation.PhaseCutting {
		t.Fatal("never reached the cutting phase")
	}

	m.EmergencyStop()
	clk.Advance(200)
	counter.Add(4)
	m.RunOnce()

	for _, axis := range []string{motion.AxisX, motion.AxisZ} {
		a := m.Controller().Axis(axis)
		if a.TargetPosition() != a.Position() {
			t.Errorf("%s target %d != position %d after stop",
				axis, a.TargetPosition(), a.Position())
		}
	}
	if !m.Controller().EmergencyStop() {
		t.Fatal("stop not latched")
	}

	// Further spindle motion must not drag the carriage.
	z := m.Controller().Axis(motion.AxisZ).Position()
	for i := 0; i < 100; i++ {
		clk.Advance(200)
		counter.Add(4)
		m.RunOnce()
	}
	if got := m.Controller().Axis(motion.AxisZ).Position(); got != z {
		t.Errorf("carriage moved under emergency stop: %d -> %d", z, got)
	}
}
