package motion

import (
	"math"

	"els-go/pkg/config"
)

// Spindle tracks the spindle encoder and owns the spindle-to-axis
// conversion formulas. The raw position follows every encoder tick; the
// filtered positionAvg absorbs reversals inside the encoder backlash
// band so direction noise never jitters a following axis.
type Spindle struct {
	counter   QuadratureCounter
	lastCount int32

	position    int32 // raw encoder ticks
	positionAvg int32 // backlash-filtered
	backlash    int32
	quadTicks   int32 // encoder ticks per revolution after quadrature

	dupr   int32 // thread pitch, deci-microns per revolution, signed
	starts int32
	active bool // axis targets driven from spindle position

	// Accumulated phase offset while an axis sat on a stop with the
	// spindle still turning. Zero means in sync.
	posSync int32
}

// NewSpindle builds the tracker. Ticks per revolution is the quadrature
// count: encoder PPR doubled.
func NewSpindle(counter QuadratureCounter, cfg *config.EncoderConfig) *Spindle {
	return &Spindle{
		counter:   counter,
		backlash:  int32(cfg.Backlash),
		quadTicks: int32(cfg.QuadratureTicks()),
		starts:    1,
	}
}

func (s *Spindle) Position() int32 { return s.position }

func (s *Spindle) PositionAvg() int32 { return s.positionAvg }

func (s *Spindle) QuadTicks() int32 { return s.quadTicks }

func (s *Spindle) Dupr() int32 { return s.dupr }

func (s *Spindle) Starts() int32 { return s.starts }

func (s *Spindle) ThreadingActive() bool { return s.active }

func (s *Spindle) PosSync() int32 { return s.posSync }

// SetPitch configures thread pitch (deci-microns/rev, sign encodes
// direction) and start count. Starts below 1 are clamped.
func (s *Spindle) SetPitch(dupr int32, starts int32) {
	if starts < 1 {
		starts = 1
	}
	s.dupr = dupr
	s.starts = starts
}

// PitchChangeAllowed reports whether the pitch may be changed; a pitch
// change would corrupt a cut in progress.
func (s *Spindle) PitchChangeAllowed() bool { return !s.active }

// StartThreading begins driving axis targets from spindle position.
func (s *Spindle) StartThreading() { s.active = true }

func (s *Spindle) StopThreading() { s.active = false }

// Reset zeroes all tracked positions and the hardware counter.
func (s *Spindle) Reset() {
	s.position = 0
	s.positionAvg = 0
	s.posSync = 0
	s.lastCount = 0
	s.counter.Reset()
}

// Update reads the hardware counter once and applies the dead-band
// filter. Returns the raw tick delta for this pass. Invariant after
// every update: position-backlash <= positionAvg <= position.
func (s *Spindle) Update() int32 {
	count := s.counter.Count()
	delta := count - s.lastCount
	if delta == 0 {
		return 0
	}
	s.lastCount = count

	s.position += delta
	s.applyBacklash()
	return delta
}

func (s *Spindle) applyBacklash() {
	if s.position > s.positionAvg {
		// Forward motion follows immediately.
		s.positionAvg = s.position
	} else if s.position < s.positionAvg-s.backlash {
		s.positionAvg = s.position + s.backlash
	}
	// Inside the dead band: positionAvg holds.
}

// StepsFromTicks converts a spindle tick count to motor steps for an
// axis, without soft-limit clamping. Zero pitch converts to zero.
func (s *Spindle) StepsFromTicks(a *Axis, ticks int32) int32 {
	if s.dupr == 0 {
		return 0
	}
	return int32(float64(ticks) * float64(a.motorSteps) / float64(a.screwPitchDU) /
		float64(s.quadTicks) * float64(s.dupr) * float64(s.starts))
}

// PosFromSpindle converts spindle ticks to an axis target in motor
// steps, clamped to the axis soft limits. Zero pitch means no
// synchronization, not an error.
func (s *Spindle) PosFromSpindle(a *Axis, ticks int32) int32 {
	return a.clampToStops(s.StepsFromTicks(a, ticks))
}

// SpindleFromPos is the inverse conversion: axis steps to spindle ticks.
func (s *Spindle) SpindleFromPos(a *Axis, steps int32) int32 {
	d := int64(s.dupr) * int64(s.starts)
	if d == 0 {
		return 0
	}
	return int32(float64(steps) * float64(a.screwPitchDU) * float64(s.quadTicks) /
		float64(a.motorSteps) / float64(d))
}

// StartOffset is the spindle phase shift between adjacent thread
// starts, in ticks. Zero for a single-start thread.
func (s *Spindle) StartOffset() int32 {
	if s.starts <= 1 {
		return 0
	}
	return int32(math.Round(float64(s.quadTicks) / float64(s.starts)))
}

// Modulo maps a tick value into [0, quadTicks).
func (s *Spindle) Modulo(v int32) int32 {
	m := v % s.quadTicks
	if m < 0 {
		m += s.quadTicks
	}
	return m
}

// LeaveStop captures the phase offset accumulated while the axis sat on
// a stop with the spindle turning. Called when a stop the axis is parked
// on is moved or removed.
func (s *Spindle) LeaveStop(a *Axis, oldStop int32) {
	if a.position != oldStop {
		return
	}
	s.posSync = s.Modulo(s.position - s.SpindleFromPos(a, a.position))
}

// advanceSync walks the offset toward zero by this pass's spindle delta.
// When it lands on a whole revolution the phase relationship is back and
// the tracked position re-latches onto the axis. Self-healing, not an
// error path.
func (s *Spindle) advanceSync(a *Axis, delta int32) {
	if s.posSync == 0 || delta == 0 {
		return
	}
	s.posSync = s.Modulo(s.posSync + delta)
	if s.posSync == 0 {
		s.position = s.SpindleFromPos(a, a.position)
		s.positionAvg = s.position
	}
}

// discountFullTurns drops whole spindle revolutions accumulated while
// the axis is parked on a stop with nonzero pitch and no step activity.
// Without this a long idle spindle spin would force the axis to traverse
// the equivalent distance the moment the stop is released.
func (s *Spindle) discountFullTurns(a *Axis) {
	if s.dupr == 0 || a.moving {
		return
	}
	var diff int32
	switch a.position {
	case a.rightStop:
		stopPos := s.SpindleFromPos(a, a.rightStop)
		if s.dupr > 0 {
			if s.position < stopPos-s.quadTicks {
				diff = s.quadTicks
			}
		} else {
			if s.position > stopPos+s.quadTicks {
				diff = -s.quadTicks
			}
		}
	case a.leftStop:
		stopPos := s.SpindleFromPos(a, a.leftStop)
		if s.dupr > 0 {
			if s.position > stopPos+s.quadTicks {
				diff = -s.quadTicks
			}
		} else {
			if s.position < stopPos-s.quadTicks {
				diff = s.quadTicks
			}
		}
	}
	if diff != 0 {
		s.position += diff
		s.positionAvg += diff
	}
}
