// Package motion implements the axis/spindle motion engine: trapezoidal
// step generation per axis, spindle encoder tracking with backlash
// filtering, spindle-to-axis position conversion and soft-limit handling.
//
// Positions are signed motor steps. Distances entering from the operator
// side are deci-microns (1/10000 mm); the fixed-point unit avoids
// floating-point drift over long threading runs.
package motion

import (
	"math"

	"els-go/pkg/config"
)

// RampState is the trapezoidal speed profile state of an axis.
type RampState int

const (
	RampIdle RampState = iota
	RampAccelerating
	RampConstant
	RampDecelerating
)

func (r RampState) String() string {
	switch r {
	case RampIdle:
		return "idle"
	case RampAccelerating:
		return "accelerating"
	case RampConstant:
		return "constant"
	case RampDecelerating:
		return "decelerating"
	default:
		return "unknown"
	}
}

// Soft-limit sentinels: an axis starts with no operator stops.
const (
	NoLeftStop  = math.MaxInt32
	NoRightStop = math.MinInt32
)

// Idle time before a needs-rest driver is de-energized, in microseconds.
// Long enough that the gaps between spindle-following steps never touch
// the enable line.
const restDelayMicros = 1000000

// Axis owns one physical axis: its step/dir/enable lines, current and
// target position, trapezoidal speed state and soft travel limits. It
// knows nothing about the spindle or operations; callers set targets and
// call Tick once per scheduler pass.
type Axis struct {
	name string
	line StepDirLine
	clk  Clock

	// Steps <-> distance mapping, immutable after construction.
	motorSteps   int64 // steps per lead screw revolution
	screwPitchDU int64 // lead screw pitch in deci-microns

	maxTravel     int32 // hard travel bound around the origin, 0 = unrestricted
	backlashSteps int32 // extra pulses emitted on direction reversal
	needsRest     bool  // de-energize the driver after restDelayMicros idle

	position       int32
	targetPosition int32
	moving         bool

	currentSpeed int64 // steps/s
	maxSpeed     int64
	startSpeed   int64
	acceleration int64 // steps/s^2
	ramp         RampState

	leftStop  int32
	rightStop int32
	// Staged stop values, applied only when the axis is idle so a
	// final step is never truncated mid-pulse.
	nextLeftStop  *int32
	nextRightStop *int32

	enabled      bool
	resting      bool
	direction    bool
	backlashLeft int32
	lastStepTime int64
	idleSince    int64
}

// NewAxis builds an axis from its config block. The axis starts
// disabled with no soft limits and position zero.
func NewAxis(cfg *config.AxisConfig, line StepDirLine, clk Clock) *Axis {
	a := &Axis{
		name:         cfg.Name,
		line:         line,
		clk:          clk,
		motorSteps:   cfg.MotorSteps,
		screwPitchDU: cfg.ScrewPitchDU,
		maxTravel:    cfg.MaxTravelSteps(),
		needsRest:    cfg.NeedsRest,
		currentSpeed: cfg.SpeedStart,
		startSpeed:   cfg.SpeedStart,
		maxSpeed:     cfg.SpeedManual,
		acceleration: cfg.Acceleration,
		leftStop:     NoLeftStop,
		rightStop:    NoRightStop,
	}
	a.backlashSteps = a.DeciMicronsToSteps(cfg.BacklashDU)
	return a
}

func (a *Axis) Name() string { return a.name }

// Position returns the current position in motor steps. It is mutated
// only by step emission in Tick.
func (a *Axis) Position() int32 { return a.position }

func (a *Axis) TargetPosition() int32 { return a.targetPosition }

func (a *Axis) IsMoving() bool { return a.moving }

func (a *Axis) Enabled() bool { return a.enabled }

func (a *Axis) CurrentSpeed() int64 { return a.currentSpeed }

func (a *Axis) MaxSpeed() int64 { return a.maxSpeed }

func (a *Axis) Ramp() RampState { return a.ramp }

// SetEnabled gates the driver. A disabled axis drops motion requests
// without error.
func (a *Axis) SetEnabled(on bool) {
	a.enabled = on
	a.resting = false
	a.idleSince = a.clk.NowMicros()
	a.line.SetEnabled(on)
}

// Resting reports whether a needs-rest driver is currently
// de-energized. The axis is still logically enabled and wakes on the
// next motion request.
func (a *Axis) Resting() bool { return a.resting }

func (a *Axis) SetMaxSpeed(speed int64) {
	if speed < a.startSpeed {
		speed = a.startSpeed
	}
	a.maxSpeed = speed
}

// SetTargetPosition sets an absolute target, clamped to the soft limits.
// No-op when the axis is disabled.
func (a *Axis) SetTargetPosition(steps int32) {
	if !a.enabled {
		return
	}
	a.targetPosition = a.clampToStops(steps)
}

// MoveRelative offsets the target from the current position.
func (a *Axis) MoveRelative(delta int32) {
	a.SetTargetPosition(a.position + delta)
}

// Stop abandons the current move: target := position.
func (a *Axis) Stop() {
	a.targetPosition = a.position
	a.moving = false
}

// Zero makes the current position the coordinate origin. No physical
// movement.
func (a *Axis) Zero() {
	a.position = 0
	a.targetPosition = 0
}

// forceTarget bypasses the enable gate and operator stops; used by
// spindle following where the conversion has already clamped. The
// configured travel bound still applies.
func (a *Axis) forceTarget(steps int32) {
	a.targetPosition = a.clampToTravel(steps)
}

func (a *Axis) clampToStops(steps int32) int32 {
	steps = a.clampToTravel(steps)
	if steps > a.leftStop {
		return a.leftStop
	}
	if steps < a.rightStop {
		return a.rightStop
	}
	return steps
}

// clampToTravel bounds a target to the machine travel around the zero
// point. Unlike operator stops this limit comes from the config and is
// never lifted.
func (a *Axis) clampToTravel(steps int32) int32 {
	if a.maxTravel == 0 {
		return steps
	}
	if steps > a.maxTravel {
		return a.maxTravel
	}
	if steps < -a.maxTravel {
		return -a.maxTravel
	}
	return steps
}

// LeftStop and RightStop return the active soft limits.
func (a *Axis) LeftStop() int32 { return a.leftStop }

func (a *Axis) RightStop() int32 { return a.rightStop }

// StageLeftStop stages a new left stop, applied at the next idle tick.
func (a *Axis) StageLeftStop(steps int32) {
	v := steps
	a.nextLeftStop = &v
}

// StageRightStop stages a new right stop, applied at the next idle tick.
func (a *Axis) StageRightStop(steps int32) {
	v := steps
	a.nextRightStop = &v
}

// ClearStops stages removal of both limits.
func (a *Axis) ClearStops() {
	l := int32(NoLeftStop)
	r := int32(NoRightStop)
	a.nextLeftStop = &l
	a.nextRightStop = &r
}

// applyPendingStops installs staged limits once the axis is idle.
// Returns the previous value of any stop that changed, for sync-loss
// bookkeeping by the caller.
func (a *Axis) applyPendingStops() (oldLeft, oldRight *int32) {
	if a.moving {
		return nil, nil
	}
	if a.nextLeftStop != nil {
		old := a.leftStop
		a.leftStop = *a.nextLeftStop
		a.nextLeftStop = nil
		if old != a.leftStop {
			oldLeft = &old
		}
	}
	if a.nextRightStop != nil {
		old := a.rightStop
		a.rightStop = *a.nextRightStop
		a.nextRightStop = nil
		if old != a.rightStop {
			oldRight = &old
		}
	}
	return oldLeft, oldRight
}

// Tick advances the axis by at most one step pulse, paced against the
// microsecond clock. Call once per scheduler pass, after spindle
// tracking has refreshed the target.
func (a *Axis) Tick() {
	if !a.enabled {
		return
	}
	now := a.clk.NowMicros()
	remaining := int64(a.targetPosition) - int64(a.position)
	if remaining == 0 {
		a.backlashLeft = 0
		if a.moving {
			a.moving = false
			a.idleSince = now
		}
		a.ramp = RampIdle
		if a.currentSpeed > a.startSpeed {
			a.currentSpeed--
		}
		if a.needsRest && !a.resting && now-a.idleSince >= restDelayMicros {
			a.resting = true
			a.line.SetEnabled(false)
		}
		return
	}
	a.moving = true
	if a.resting {
		a.resting = false
		a.line.SetEnabled(true)
	}

	a.updateRamp(remaining)

	interval := int64(1000000) / a.currentSpeed
	if now-a.lastStepTime >= interval {
		a.step(remaining > 0)
		a.lastStepTime = now
	}
}

// updateRamp advances the trapezoid. The deceleration trigger
// remaining <= v^2/(2a) is re-checked every tick so the profile adapts
// if the target changes mid-move.
func (a *Axis) updateRamp(remaining int64) {
	if remaining < 0 {
		remaining = -remaining
	}
	decelDistance := a.currentSpeed * a.currentSpeed / (2 * a.acceleration)
	switch {
	case remaining <= decelDistance:
		a.ramp = RampDecelerating
		a.currentSpeed -= a.acceleration / a.currentSpeed
		if a.currentSpeed < a.startSpeed {
			a.currentSpeed = a.startSpeed
		}
	case a.currentSpeed < a.maxSpeed:
		a.ramp = RampAccelerating
		a.currentSpeed += a.acceleration / a.currentSpeed
		if a.currentSpeed > a.maxSpeed {
			a.currentSpeed = a.maxSpeed
		}
	default:
		a.ramp = RampConstant
	}
}

// step emits one pulse and updates position. The sole mutation point of
// position. A direction reversal first drains backlashSteps pulses that
// take up the mechanical slack without moving the carriage.
func (a *Axis) step(forward bool) {
	if forward != a.direction {
		a.direction = forward
		a.line.SetDirection(forward)
		a.backlashLeft = a.backlashSteps
	}
	a.line.Pulse()
	if a.backlashLeft > 0 {
		a.backlashLeft--
		return
	}
	if forward {
		a.position++
	} else {
		a.position--
	}
}

// StepsToMM converts motor steps to millimeters.
func (a *Axis) StepsToMM(steps int32) float64 {
	return float64(steps) * float64(a.screwPitchDU) / float64(a.motorSteps) / 10000.0
}

// MMToSteps converts millimeters to motor steps.
func (a *Axis) MMToSteps(mm float64) int32 {
	return int32(math.Round(mm * 10000.0 * float64(a.motorSteps) / float64(a.screwPitchDU)))
}

// DeciMicronsToSteps converts a deci-micron distance to motor steps.
func (a *Axis) DeciMicronsToSteps(du int64) int32 {
	return int32(math.Round(float64(du) * float64(a.motorSteps) / float64(a.screwPitchDU)))
}

// StepsToDeciMicrons converts motor steps to deci-microns.
func (a *Axis) StepsToDeciMicrons(steps int32) int64 {
	return int64(math.Round(float64(steps) * float64(a.screwPitchDU) / float64(a.motorSteps)))
}
