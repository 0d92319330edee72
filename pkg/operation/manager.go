// Package operation implements the multi-pass machining workflow on top
// of the motion engine: touch-off and parking references, numpad
// parameter entry, per-mode setup sequences and the pass state machine
// that sequences positioning, spindle sync, cutting and retraction.
package operation

import (
	"fmt"
	"math"

	"els-go/pkg/errors"
	"els-go/pkg/log"
	"els-go/pkg/motion"
)

// Retraction clearance away from the cut surface, deci-microns.
const retractClearanceDU = 10000

const (
	minPasses = 1
	maxPasses = 999
	maxStarts = 99
)

// runState holds everything latched by StartOperation. Recomputed for
// every run so setup edits between runs cannot leak stale geometry.
type runState struct {
	drive  *motion.Axis // spindle-paced feed axis
	plunge *motion.Axis // depth axis

	startDrive int32
	endDrive   int32

	plungeBase      int32 // touch-off position on the plunge axis
	plungeSign      int32 // +1 cuts toward positive plunge positions
	totalDepthSteps int32
	clearanceSteps  int32

	passes      int // depth schedule length
	starts      int
	totalPasses int // passes * starts
	startOffset int32
	syncBase    int32 // spindle phase reference, latched once per run
	cutBase     int32 // spindle position at cut begin, latched per pass
	coneRatio   float64

	spindlePaced bool // false for plunge-only cutting
}

// Manager owns the operator-facing workflow: mode and measure
// selection, touch-off, parameter entry and run sequencing. All methods
// are called from the single control loop context.
type Manager struct {
	ctl    *motion.Controller
	logger *log.Logger

	measure Measure
	mode    Mode
	params  opParams
	pitchDU int32 // as entered, sign encodes direction for NORMAL/CONE

	state    State
	setupIdx int
	numpad   Numpad

	touchOffX          int32 // X axis steps at touch-off
	touchOffZ          int32
	touchOffDiameterDU int64
	hasTouchOffX       bool
	hasTouchOffZ       bool

	parkingX   int32
	parkingZ   int32
	hasParking bool

	run         runState
	currentPass int
	phase       PassPhase
}

// NewManager builds an idle manager over a motion controller.
func NewManager(ctl *motion.Controller) *Manager {
	return &Manager{
		ctl:     ctl,
		logger:  log.GetLogger("operation"),
		measure: MeasureMetric,
		mode:    ModeNormal,
		params:  newParams(ModeNormal),
	}
}

func (m *Manager) Mode() Mode { return m.mode }

func (m *Manager) State() State { return m.state }

func (m *Manager) Phase() PassPhase { return m.phase }

func (m *Manager) Measure() Measure { return m.measure }

func (m *Manager) CurrentPass() int { return m.currentPass }

func (m *Manager) PitchDU() int32 { return m.pitchDU }

// HasTouchOff reports whether both axis references are latched.
func (m *Manager) HasTouchOff() bool { return m.hasTouchOffX && m.hasTouchOffZ }

// SetMode selects the operation family. Rejected while running; any
// partial setup is discarded.
func (m *Manager) SetMode(mode Mode) error {
	if m.state == StateRunning {
		return errors.OperationError("cannot change mode while an operation is running")
	}
	m.mode = mode
	m.params = newParams(mode)
	m.state = StateIdle
	m.setupIdx = 0
	m.numpad.Reset()
	return nil
}

// CycleMeasure rotates metric -> inch -> TPI. Rejected while entering a
// value because it would reinterpret digits already typed.
func (m *Manager) CycleMeasure() error {
	if m.numpad.Active() {
		return errors.OperationError("cannot change measure during value entry")
	}
	m.measure = m.measure.Next()
	return nil
}

// SetPitch sets the thread pitch or feed in deci-microns per
// revolution. Sign encodes carriage direction for gearbox and cone use.
func (m *Manager) SetPitch(duprDU int32) error {
	if duprDU > MaxDupr || duprDU < -MaxDupr {
		return errors.OperationError("pitch out of range")
	}
	if !m.ctl.Spindle().PitchChangeAllowed() || m.state == StateRunning {
		return errors.OperationError("cannot change pitch during a cut")
	}
	m.pitchDU = duprDU
	return nil
}

// ToggleDirection flips the directional choice of the current mode:
// carriage travel for TURN and THREAD, bore side for CONE. Locked
// while a cut is running.
func (m *Manager) ToggleDirection() error {
	if m.state == StateRunning {
		return errors.OperationError("cannot change direction during a cut")
	}
	switch p := m.params.(type) {
	case turnOp:
		p.leftToRight = !p.leftToRight
		m.params = p
	case threadOp:
		p.leftToRight = !p.leftToRight
		m.params = p
	case coneOp:
		p.internal = !p.internal
		m.params = p
	default:
		return errors.OperationError(fmt.Sprintf("%s has no direction choice", m.mode))
	}
	return nil
}

// LeftToRight reports the carriage travel direction for TURN and
// THREAD. The default cuts toward the chuck.
func (m *Manager) LeftToRight() bool {
	switch p := m.params.(type) {
	case turnOp:
		return p.leftToRight
	case threadOp:
		return p.leftToRight
	}
	return false
}

// BeginTouchOff starts the two-step touch-off: the tool touches the
// workpiece diameter, the operator enters the measured diameter, then
// touches the face for the Z reference.
func (m *Manager) BeginTouchOff() error {
	if m.state == StateRunning {
		return errors.OperationError("cannot touch off while running")
	}
	m.state = StateTouchOffX
	m.numpad.Begin()
	return nil
}

// BeginParkingSetup starts parking capture: the operator jogs the tool
// to a safe spot, then confirms to latch it.
func (m *Manager) BeginParkingSetup() error {
	if m.state == StateRunning {
		return errors.OperationError("cannot set parking while running")
	}
	m.numpad.Reset()
	m.state = StateParkingSetup
	return nil
}

func (m *Manager) ClearParking() { m.hasParking = false }

// MoveToParking targets both axes at the stored parking spot. Returns
// false when no spot is stored or motion is not allowed right now.
func (m *Manager) MoveToParking() bool {
	if !m.hasParking || m.state == StateRunning || m.ctl.EmergencyStop() {
		return false
	}
	m.ctl.Axis(motion.AxisX).SetTargetPosition(m.parkingX)
	m.ctl.Axis(motion.AxisZ).SetTargetPosition(m.parkingZ)
	return true
}

// Digit feeds one numpad digit into the active entry.
func (m *Manager) Digit(d int) { m.numpad.Push(d) }

func (m *Manager) Backspace() { m.numpad.Backspace() }

// Cancel abandons the current entry or setup sequence and returns to
// idle. Running operations are not cancelled here; use StopOperation.
func (m *Manager) Cancel() {
	if m.state == StateRunning {
		return
	}
	m.numpad.Reset()
	m.state = StateIdle
	m.setupIdx = 0
}

// AdvanceSetup enters the parameter entry sequence for the current
// mode, or moves it to READY when the mode needs no parameters.
// Returns false until touch-off is done; geometry without a workpiece
// reference is meaningless.
func (m *Manager) AdvanceSetup() bool {
	if m.state != StateIdle && m.state != StateReady {
		return false
	}
	if !m.HasTouchOff() {
		return false
	}
	steps := m.params.setupSteps()
	if len(steps) == 0 {
		if !m.mode.Implemented() {
			return false
		}
		m.state = StateReady
		return true
	}
	m.setupIdx = 0
	m.state = steps[0]
	m.numpad.Begin()
	return true
}

// Confirm commits the numpad entry for the current state and advances
// the workflow.
func (m *Manager) Confirm() error {
	switch m.state {
	case StateTouchOffX:
		du := entryToDeciMicrons(m.numpad.Result(), m.measure)
		if du <= 0 {
			return errors.OperationError("workpiece diameter must be positive")
		}
		m.touchOffX = m.ctl.Axis(motion.AxisX).Position()
		m.touchOffDiameterDU = du
		m.hasTouchOffX = true
		m.state = StateTouchOffZ
		m.numpad.Begin()
		return nil
	case StateTouchOffZ:
		// The face is the Z origin; no value to enter.
		m.touchOffZ = m.ctl.Axis(motion.AxisZ).Position()
		m.hasTouchOffZ = true
		m.numpad.Reset()
		m.state = StateIdle
		m.logger.Info("touch-off latched: x=%d z=%d diameter=%s",
			m.touchOffX, m.touchOffZ, FormatDeciMicrons(m.touchOffDiameterDU, m.measure))
		return nil
	case StateParkingSetup:
		m.parkingX = m.ctl.Axis(motion.AxisX).Position()
		m.parkingZ = m.ctl.Axis(motion.AxisZ).Position()
		m.hasParking = true
		m.state = StateIdle
		m.logger.Info("parking latched: x=%d z=%d", m.parkingX, m.parkingZ)
		return nil
	case StateTargetDiameter, StateTargetLength, StateSetupPasses,
		StateSetupStarts, StateSetupCone:
		if err := m.storeSetupValue(); err != nil {
			return err
		}
		m.advanceSetupStep()
		return nil
	default:
		return errors.OperationError(fmt.Sprintf("nothing to confirm in state %s", m.state))
	}
}

func (m *Manager) storeSetupValue() error {
	raw := m.numpad.Result()
	switch m.state {
	case StateTargetDiameter:
		du := entryToDeciMicrons(raw, m.measure)
		if du <= 0 {
			return errors.OperationError("target diameter must be positive")
		}
		switch p := m.params.(type) {
		case turnOp:
			p.targetDiameterDU = du
			// A target wider than the stock can only be a bore.
			p.internal = du > m.touchOffDiameterDU
			m.params = p
		case faceOp:
			p.targetDiameterDU = du
			m.params = p
		case threadOp:
			p.targetDiameterDU = du
			p.internal = du > m.touchOffDiameterDU
			m.params = p
		case cutOp:
			p.targetDiameterDU = du
			m.params = p
		}
	case StateTargetLength:
		du := entryToDeciMicrons(raw, m.measure)
		if du <= 0 {
			return errors.OperationError("length must be positive")
		}
		switch p := m.params.(type) {
		case turnOp:
			p.targetLengthDU = du
			m.params = p
		case faceOp:
			p.depthDU = du
			m.params = p
		case threadOp:
			p.targetLengthDU = du
			m.params = p
		}
	case StateSetupPasses:
		n := clampInt(int(raw), minPasses, maxPasses)
		switch p := m.params.(type) {
		case turnOp:
			p.passes = n
			m.params = p
		case faceOp:
			p.passes = n
			m.params = p
		case threadOp:
			p.passes = n
			m.params = p
		case cutOp:
			p.passes = n
			m.params = p
		}
	case StateSetupStarts:
		n := clampInt(int(raw), 1, maxStarts)
		if p, ok := m.params.(threadOp); ok {
			p.starts = n
			m.params = p
		}
	case StateSetupCone:
		// Entered with five implied decimal places, like 1.00000.
		ratio := float64(raw) / 100000.0
		switch p := m.params.(type) {
		case threadOp:
			p.coneRatio = ratio
			m.params = p
		case coneOp:
			if ratio == 0 {
				return errors.OperationError("cone ratio must be nonzero")
			}
			p.ratio = ratio
			m.params = p
		}
	}
	return nil
}

func (m *Manager) advanceSetupStep() {
	steps := m.params.setupSteps()
	m.setupIdx++
	if m.setupIdx >= len(steps) {
		m.numpad.Reset()
		m.state = StateReady
		return
	}
	m.state = steps[m.setupIdx]
	m.numpad.Begin()
}

// StartOperation latches run geometry and begins cutting. Every guard
// returns an error rather than starting a partial cut.
func (m *Manager) StartOperation() error {
	if m.state != StateReady {
		return errors.OperationSetupError(m.mode.String(), fmt.Sprintf("not set up (state %s)", m.state))
	}
	if !m.HasTouchOff() {
		return errors.TouchOffError("touch-off required before cutting")
	}
	if m.ctl.EmergencyStop() {
		return errors.OperationError("emergency stop is asserted")
	}
	if !m.params.ready() {
		return errors.OperationError("missing operation parameters")
	}
	if m.pitchDU == 0 && m.mode != ModeCut {
		return errors.OperationError("pitch is zero")
	}

	x := m.ctl.Axis(motion.AxisX)
	z := m.ctl.Axis(motion.AxisZ)
	if !x.Enabled() || !z.Enabled() {
		return errors.OperationError("axes must be enabled")
	}
	sp := m.ctl.Spindle()

	if err := m.latchRun(x, z, sp); err != nil {
		return err
	}

	m.currentPass = 0
	m.phase = PhaseMoveToStart
	m.state = StateRunning
	m.logger.Info("starting %s: %d passes, pitch %s",
		m.mode, m.run.totalPasses, FormatDupr(int64(sp.Dupr()), m.measure))
	return nil
}

func (m *Manager) latchRun(x, z *motion.Axis, sp *motion.Spindle) error {
	r := runState{
		plungeBase:     m.touchOffX,
		plungeSign:     -1, // external cut: X toward the centerline
		clearanceSteps: x.DeciMicronsToSteps(retractClearanceDU),
		spindlePaced:   true,
		starts:         1,
	}
	pitch := m.pitchDU
	if pitch < 0 {
		pitch = -pitch
	}

	switch p := m.params.(type) {
	case normalOp:
		// Gearbox: the controller follows the spindle directly.
		sp.SetPitch(m.pitchDU, 1)
		sp.StartThreading()
		m.run = runState{totalPasses: 1, spindlePaced: true}
		return nil

	case turnOp:
		depthDU := (m.touchOffDiameterDU - p.targetDiameterDU) / 2
		if p.internal {
			r.plungeSign = 1
			depthDU = (p.targetDiameterDU - m.touchOffDiameterDU) / 2
		}
		if depthDU <= 0 {
			return errors.OperationError("target diameter leaves nothing to cut")
		}
		dupr := -pitch
		if p.leftToRight {
			dupr = pitch
		}
		sp.SetPitch(dupr, 1)
		r.drive, r.plunge = z, x
		r.totalDepthSteps = x.DeciMicronsToSteps(depthDU)
		r.startDrive = m.touchOffZ
		length := z.DeciMicronsToSteps(p.targetLengthDU)
		if p.leftToRight {
			r.endDrive = m.touchOffZ + length
		} else {
			r.endDrive = m.touchOffZ - length
		}
		r.passes = p.passes
		r.totalPasses = p.passes

	case threadOp:
		depthDU := (m.touchOffDiameterDU - p.targetDiameterDU) / 2
		if p.internal {
			r.plungeSign = 1
			depthDU = (p.targetDiameterDU - m.touchOffDiameterDU) / 2
		}
		if depthDU <= 0 {
			return errors.OperationError("target diameter leaves nothing to cut")
		}
		dupr := -pitch
		if p.leftToRight {
			dupr = pitch
		}
		sp.SetPitch(dupr, int32(p.starts))
		r.drive, r.plunge = z, x
		r.totalDepthSteps = x.DeciMicronsToSteps(depthDU)
		r.startDrive = m.touchOffZ
		length := z.DeciMicronsToSteps(p.targetLengthDU)
		if p.leftToRight {
			r.endDrive = m.touchOffZ + length
		} else {
			r.endDrive = m.touchOffZ - length
		}
		r.passes = p.passes
		r.starts = p.starts
		r.totalPasses = p.passes * p.starts
		r.startOffset = sp.StartOffset()
		r.coneRatio = p.coneRatio

	case faceOp:
		// Facing: X is spindle-paced across the face, Z plunges.
		cutLenDU := (m.touchOffDiameterDU - p.targetDiameterDU) / 2
		if cutLenDU <= 0 {
			return errors.OperationError("target diameter leaves nothing to face")
		}
		sp.SetPitch(-pitch, 1)
		r.drive, r.plunge = x, z
		r.plungeBase = m.touchOffZ
		r.plungeSign = -1
		r.clearanceSteps = z.DeciMicronsToSteps(retractClearanceDU)
		r.totalDepthSteps = z.DeciMicronsToSteps(p.depthDU)
		r.startDrive = m.touchOffX
		r.endDrive = m.touchOffX - x.DeciMicronsToSteps(cutLenDU)
		r.passes = p.passes
		r.totalPasses = p.passes

	case cutOp:
		depthDU := (m.touchOffDiameterDU - p.targetDiameterDU) / 2
		if depthDU <= 0 {
			return errors.OperationError("target diameter leaves nothing to cut")
		}
		r.drive, r.plunge = z, x
		r.totalDepthSteps = x.DeciMicronsToSteps(depthDU)
		r.startDrive = z.Position()
		r.endDrive = r.startDrive
		r.passes = p.passes
		r.totalPasses = p.passes
		r.spindlePaced = false

	case coneOp:
		sp.SetPitch(m.pitchDU, 1)
		r.drive, r.plunge = z, x
		if p.internal {
			r.plungeSign = 1
		}
		r.coneRatio = p.ratio
		r.startDrive = z.Position()
		r.totalPasses = 1

	default:
		return errors.OperationSetupError(m.mode.String(), "mode is not implemented")
	}

	if r.starts == 0 {
		r.starts = 1
	}
	r.syncBase = sp.PositionAvg()
	m.run = r
	return nil
}

// StopOperation halts a run in place. The setup survives, so the run
// can be restarted from READY.
func (m *Manager) StopOperation() {
	if m.state != StateRunning {
		return
	}
	m.ctl.StopAll()
	m.ctl.Spindle().StopThreading()
	m.state = StateReady
	m.logger.Info("%s stopped at pass %d/%d", m.mode, m.currentPass+1, m.run.totalPasses)
}

// Update advances the running operation by one control pass. Call after
// the motion controller's own Update so spindle tracking is fresh.
func (m *Manager) Update() {
	if m.state != StateRunning || m.ctl.EmergencyStop() {
		return
	}
	switch m.mode {
	case ModeNormal:
		// The motion controller drives the carriage directly.
	case ModeCone:
		m.updateCone()
	default:
		m.updatePass()
	}
}

// passDepth is the plunge depth for a depth index, in steps. Later
// passes go deeper; the last pass lands exactly on the target.
func (m *Manager) passDepth(depthIdx int) int32 {
	return int32(int64(m.run.totalDepthSteps) * int64(depthIdx+1) / int64(m.run.passes))
}

func (m *Manager) updatePass() {
	r := &m.run
	sp := m.ctl.Spindle()

	depthIdx := m.currentPass / r.starts
	startIdx := int32(m.currentPass % r.starts)
	depth := m.passDepth(depthIdx)
	retractPos := r.plungeBase - r.plungeSign*r.clearanceSteps

	switch m.phase {
	case PhaseMoveToStart:
		r.plunge.SetTargetPosition(retractPos)
		r.drive.SetTargetPosition(r.startDrive)
		if atTarget(r.plunge, retractPos) && atTarget(r.drive, r.startDrive) {
			m.phase = PhaseSyncSpindle
		}

	case PhaseSyncSpindle:
		cutPos := r.plungeBase + r.plungeSign*depth
		r.plunge.SetTargetPosition(cutPos)
		if !atTarget(r.plunge, cutPos) {
			return
		}
		if !r.spindlePaced {
			// Plunge-only cut: the feed itself was the cut.
			m.phase = PhaseRetracting
			return
		}
		if sp.Modulo(sp.PositionAvg()-r.syncBase-startIdx*r.startOffset) == 0 {
			r.cutBase = sp.PositionAvg()
			m.phase = PhaseCutting
		}

	case PhaseCutting:
		target := r.startDrive + sp.StepsFromTicks(r.drive, sp.PositionAvg()-r.cutBase)
		target = clampBetween(target, r.startDrive, r.endDrive)
		r.drive.SetTargetPosition(target)
		if r.coneRatio != 0 {
			cutPos := r.plungeBase + r.plungeSign*depth
			r.plunge.SetTargetPosition(cutPos + m.coneOffset(target-r.startDrive))
		}
		if atTarget(r.drive, r.endDrive) {
			m.phase = PhaseRetracting
		}

	case PhaseRetracting:
		r.plunge.SetTargetPosition(retractPos)
		if atTarget(r.plunge, retractPos) {
			m.phase = PhaseReturning
		}

	case PhaseReturning:
		r.drive.SetTargetPosition(r.startDrive)
		if atTarget(r.drive, r.startDrive) {
			m.currentPass++
			if m.currentPass >= r.totalPasses {
				m.finishRun()
			} else {
				m.phase = PhaseMoveToStart
			}
		}
	}
}

// updateCone drives both axes continuously from the spindle. A cone has
// no pass structure; it runs until stopped or a soft limit is reached.
func (m *Manager) updateCone() {
	r := &m.run
	sp := m.ctl.Spindle()
	z := r.drive
	x := m.ctl.Axis(motion.AxisX)

	target := r.startDrive + sp.StepsFromTicks(z, sp.PositionAvg()-r.syncBase)
	z.SetTargetPosition(target)
	x.SetTargetPosition(m.touchOffX + m.coneOffset(z.TargetPosition()-r.startDrive))
}

// coneOffset is the plunge-axis correction for a drive-axis travel. The
// ratio is diameter change per unit length, so the radial move is half.
func (m *Manager) coneOffset(driveDelta int32) int32 {
	r := &m.run
	du := r.drive.StepsToDeciMicrons(driveDelta)
	radialDU := int64(math.Round(m.run.coneRatio * float64(du) / 2))
	if radialDU < 0 {
		radialDU = -radialDU
	}
	return m.run.plungeSign * m.ctl.Axis(motion.AxisX).DeciMicronsToSteps(radialDU)
}

func (m *Manager) finishRun() {
	m.ctl.Spindle().StopThreading()
	m.state = StateReady
	m.logger.Info("%s complete: %d passes", m.mode, m.run.totalPasses)
	if m.hasParking {
		m.MoveToParking()
	}
}

// Progress reports run completion in [0, 1].
func (m *Manager) Progress() float64 {
	if m.state != StateRunning || m.run.totalPasses == 0 {
		return 0
	}
	r := &m.run
	var frac float64
	switch m.phase {
	case PhaseCutting:
		span := r.endDrive - r.startDrive
		if span != 0 {
			frac = float64(r.drive.Position()-r.startDrive) / float64(span)
		}
	case PhaseRetracting, PhaseReturning:
		frac = 1
	}
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}
	return (float64(m.currentPass) + frac) / float64(r.totalPasses)
}

// StatusText is the one-line run summary shown on the pendant display.
func (m *Manager) StatusText() string {
	switch m.state {
	case StateRunning:
		if m.mode == ModeNormal || m.mode == ModeCone {
			return fmt.Sprintf("%s %s", m.mode, FormatDupr(int64(m.ctl.Spindle().Dupr()), m.measure))
		}
		return fmt.Sprintf("%s %d/%d %s", m.mode, m.currentPass+1, m.run.totalPasses, m.phase)
	case StateReady:
		if m.mode == ModeTurn || m.mode == ModeThread {
			dir := "<-"
			if m.LeftToRight() {
				dir = "->"
			}
			return fmt.Sprintf("%s ready %s", m.mode, dir)
		}
		return fmt.Sprintf("%s ready", m.mode)
	default:
		return fmt.Sprintf("%s %s", m.mode, m.state)
	}
}

// PromptText is the entry prompt for the current setup state, with the
// live numpad preview.
func (m *Manager) PromptText() string {
	preview := numpadPreview(&m.numpad, m.measure)
	switch m.state {
	case StateTouchOffX:
		return "workpiece diameter? " + preview
	case StateTouchOffZ:
		return "touch the face, confirm"
	case StateParkingSetup:
		return "jog to parking spot, confirm"
	case StateTargetDiameter:
		return "target diameter? " + preview
	case StateTargetLength:
		if m.mode == ModeFace {
			return "face depth? " + preview
		}
		return "length? " + preview
	case StateSetupPasses:
		return fmt.Sprintf("passes? %d", m.numpad.Result())
	case StateSetupStarts:
		return fmt.Sprintf("starts? %d", m.numpad.Result())
	case StateSetupCone:
		return fmt.Sprintf("cone ratio? %.5f", float64(m.numpad.Result())/100000.0)
	default:
		return ""
	}
}

func atTarget(a *motion.Axis, pos int32) bool {
	return a.Position() == pos && !a.IsMoving()
}

func clampBetween(v, a, b int32) int32 {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
