package operation

// Mode names an operation family. Each mode carries its parameters in
// its own variant type so fields that are meaningless for a mode (cone
// ratio outside THREAD/CONE, starts outside THREAD) cannot exist on it.
type Mode int

const (
	ModeNormal Mode = iota // plain gearbox: carriage geared to spindle
	ModeTurn
	ModeFace
	ModeThread
	ModeCone
	ModeCut
	ModeAsync   // stub
	ModeEllipse // stub
	ModeGcode   // stub
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "GEAR"
	case ModeTurn:
		return "TURN"
	case ModeFace:
		return "FACE"
	case ModeThread:
		return "THRD"
	case ModeCone:
		return "CONE"
	case ModeCut:
		return "CUT"
	case ModeAsync:
		return "ASYNC"
	case ModeEllipse:
		return "ELLI"
	case ModeGcode:
		return "GCODE"
	default:
		return "?"
	}
}

// Implemented reports whether the mode has a working executor. The
// stub modes can be selected but never started.
func (m Mode) Implemented() bool {
	switch m {
	case ModeAsync, ModeEllipse, ModeGcode:
		return false
	default:
		return true
	}
}

// State is the setup/run state of the manager.
type State int

const (
	StateIdle State = iota
	StateTouchOffX      // entering the X reference (workpiece diameter)
	StateTouchOffZ      // entering the Z reference (workpiece face)
	StateParkingSetup   // positioning for the parking reference
	StateTargetDiameter // numpad entry: final diameter
	StateTargetLength   // numpad entry: cut length (FACE: face depth)
	StateSetupPasses    // numpad entry: pass count
	StateSetupStarts    // numpad entry: thread starts
	StateSetupCone      // numpad entry: cone ratio
	StateReady
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTouchOffX:
		return "touchoff_x"
	case StateTouchOffZ:
		return "touchoff_z"
	case StateParkingSetup:
		return "parking_setup"
	case StateTargetDiameter:
		return "target_diameter"
	case StateTargetLength:
		return "target_length"
	case StateSetupPasses:
		return "setup_passes"
	case StateSetupStarts:
		return "setup_starts"
	case StateSetupCone:
		return "setup_cone"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// PassPhase is the sub-state inside one running pass.
type PassPhase int

const (
	PhaseMoveToStart PassPhase = iota
	PhaseSyncSpindle
	PhaseCutting
	PhaseRetracting
	PhaseReturning
)

func (p PassPhase) String() string {
	switch p {
	case PhaseMoveToStart:
		return "move_to_start"
	case PhaseSyncSpindle:
		return "sync_spindle"
	case PhaseCutting:
		return "cutting"
	case PhaseRetracting:
		return "retracting"
	case PhaseReturning:
		return "returning"
	default:
		return "unknown"
	}
}

// opParams is the per-mode parameter variant. setupSteps is the ordered
// numpad-entry sequence between touch-off and READY; ready reports
// whether every required parameter is present.
type opParams interface {
	mode() Mode
	setupSteps() []State
	ready() bool
}

// normalOp needs nothing beyond the configured pitch.
type normalOp struct{}

func (normalOp) mode() Mode          { return ModeNormal }
func (normalOp) setupSteps() []State { return nil }
func (normalOp) ready() bool         { return true }

// turnOp: straight turning to a target diameter over a length.
type turnOp struct {
	targetDiameterDU int64
	targetLengthDU   int64
	passes           int
	internal         bool // bore instead of outside diameter
	leftToRight      bool
}

func (turnOp) mode() Mode { return ModeTurn }
func (turnOp) setupSteps() []State {
	return []State{StateTargetDiameter, StateTargetLength, StateSetupPasses}
}
func (o turnOp) ready() bool {
	return o.targetDiameterDU > 0 && o.targetLengthDU > 0
}

// faceOp: facing to a depth, feeding toward a final diameter.
type faceOp struct {
	targetDiameterDU int64
	depthDU          int64
	passes           int
}

func (faceOp) mode() Mode { return ModeFace }
func (faceOp) setupSteps() []State {
	return []State{StateTargetDiameter, StateTargetLength, StateSetupPasses}
}
func (o faceOp) ready() bool {
	return o.targetDiameterDU > 0 && o.depthDU > 0
}

// threadOp: like turnOp plus starts and an optional taper ratio.
type threadOp struct {
	targetDiameterDU int64
	targetLengthDU   int64
	passes           int
	starts           int
	coneRatio        float64
	internal         bool
	leftToRight      bool
}

func (threadOp) mode() Mode { return ModeThread }
func (threadOp) setupSteps() []State {
	return []State{StateTargetDiameter, StateTargetLength, StateSetupPasses,
		StateSetupStarts, StateSetupCone}
}
func (o threadOp) ready() bool {
	return o.targetDiameterDU > 0 && o.targetLengthDU > 0
}

// coneOp: continuous taper, both axes spindle-driven, no passes.
type coneOp struct {
	ratio    float64
	internal bool
}

func (coneOp) mode() Mode          { return ModeCone }
func (coneOp) setupSteps() []State { return []State{StateSetupCone} }
func (o coneOp) ready() bool       { return o.ratio != 0 }

// cutOp: parting/grooving plunge to a final diameter.
type cutOp struct {
	targetDiameterDU int64
	passes           int
}

func (cutOp) mode() Mode { return ModeCut }
func (cutOp) setupSteps() []State {
	return []State{StateTargetDiameter, StateSetupPasses}
}
func (o cutOp) ready() bool { return o.targetDiameterDU > 0 }

// stubOp backs the selectable-but-unimplemented modes.
type stubOp struct{ m Mode }

func (o stubOp) mode() Mode          { return o.m }
func (o stubOp) setupSteps() []State { return nil }
func (o stubOp) ready() bool         { return false }

// newParams returns the zero-value variant for a mode, with the
// original firmware's defaults applied.
func newParams(m Mode) opParams {
	switch m {
	case ModeNormal:
		return normalOp{}
	case ModeTurn:
		return turnOp{passes: 3}
	case ModeFace:
		return faceOp{passes: 3}
	case ModeThread:
		return threadOp{passes: 3, starts: 1}
	case ModeCone:
		return coneOp{}
	case ModeCut:
		return cutOp{passes: 1}
	default:
		return stubOp{m: m}
	}
}
