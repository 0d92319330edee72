package scheduler

import (
	"els-go/pkg/log"
	"els-go/pkg/motion"
)

// CycleState is one stop in the fixed subsystem cycle. The cycle order
// never changes; the emergency check always comes around first.
type CycleState int

const (
	StateEmergencyCheck CycleState = iota
	StateInputScan
	StateMotionUpdate
	StateDisplayUpdate
	StateWebUpdate
	StateDiagnostics
	StateCycleIdle
)

func (c CycleState) String() string {
	switch c {
	case StateEmergencyCheck:
		return "emergency_check"
	case StateInputScan:
		return "input_scan"
	case StateMotionUpdate:
		return "motion_update"
	case StateDisplayUpdate:
		return "display_update"
	case StateWebUpdate:
		return "web_update"
	case StateDiagnostics:
		return "diagnostics"
	case StateCycleIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// maxDwellUS is the longest a single handler may hold the loop before a
// warning is logged. Handlers never block; an overrun means one is
// doing too much work in one pass.
var maxDwellUS = map[CycleState]int64{
	StateEmergencyCheck: 1_000,
	StateInputScan:      2_000,
	StateMotionUpdate:   5_000,
	StateDisplayUpdate:  10_000,
	StateWebUpdate:      20_000,
	StateDiagnostics:    50_000,
	StateCycleIdle:      100_000,
}

// cycleOrder maps each state to its successor.
var cycleOrder = map[CycleState]CycleState{
	StateEmergencyCheck: StateInputScan,
	StateInputScan:      StateMotionUpdate,
	StateMotionUpdate:   StateDisplayUpdate,
	StateDisplayUpdate:  StateWebUpdate,
	StateWebUpdate:      StateDiagnostics,
	StateDiagnostics:    StateCycleIdle,
	StateCycleIdle:      StateEmergencyCheck,
}

// StateMachine walks the subsystem cycle, one state per Update call.
// Handlers are plain functions registered per state; a state with no
// handler is skipped over at no cost.
type StateMachine struct {
	clk    motion.Clock
	logger *log.Logger

	current      CycleState
	stateStartUS int64

	handlers  map[CycleState]func()
	emergency func()
}

// NewStateMachine starts at the emergency check state.
func NewStateMachine(clk motion.Clock) *StateMachine {
	return &StateMachine{
		clk:      clk,
		logger:   log.GetLogger("sched"),
		current:  StateEmergencyCheck,
		handlers: make(map[CycleState]func()),
	}
}

// SetHandler installs the handler for one cycle state.
func (sm *StateMachine) SetHandler(state CycleState, fn func()) {
	sm.handlers[state] = fn
}

// SetEmergencyHandler installs the function run by TriggerEmergency.
func (sm *StateMachine) SetEmergencyHandler(fn func()) {
	sm.emergency = fn
}

func (sm *StateMachine) Current() CycleState { return sm.current }

// Update runs the current state's handler and advances to the next
// state. Dwell overruns are logged, never enforced; the handlers stay
// in charge of their own budget.
func (sm *StateMachine) Update() {
	now := sm.clk.NowMicros()
	if sm.stateStartUS != 0 {
		if dwell := now - sm.stateStartUS; dwell > maxDwellUS[sm.current] {
			sm.logger.Warn("state %s exceeded max dwell: %dus > %dus",
				sm.current, dwell, maxDwellUS[sm.current])
		}
	}

	if fn := sm.handlers[sm.current]; fn != nil {
		fn()
	}
	sm.current = cycleOrder[sm.current]
	sm.stateStartUS = sm.clk.NowMicros()
}

// ForceState jumps the cycle to a specific state.
func (sm *StateMachine) ForceState(state CycleState) {
	sm.current = state
	sm.stateStartUS = sm.clk.NowMicros()
}

// TriggerEmergency runs the emergency handler and forces the cycle back
// to the emergency check so the stop is observed on the very next pass.
func (sm *StateMachine) TriggerEmergency() {
	sm.logger.Warn("emergency stop triggered")
	if sm.emergency != nil {
		sm.emergency()
	}
	sm.ForceState(StateEmergencyCheck)
}
