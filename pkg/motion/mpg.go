package motion

import (
	"math"

	"els-go/pkg/config"
)

// MPG tracks one manual pulse generator handwheel. Pulse deltas are
// scaled to motor steps through the configured step size with a
// fractional accumulator so sub-step residue is never lost across
// passes.
type MPG struct {
	counter   QuadratureCounter
	lastCount int32

	fractional   float64
	stepSizeDU   int64 // travel per handwheel detent, deci-microns
	scaleDivisor float64
	active       bool
}

// NewMPG builds a handwheel tracker; inactive until Enable.
func NewMPG(counter QuadratureCounter, cfg *config.MPGConfig) *MPG {
	return &MPG{
		counter:      counter,
		stepSizeDU:   10000, // 1mm default
		scaleDivisor: cfg.ScaleDivisor,
	}
}

func (m *MPG) Active() bool { return m.active }

// Enable switches manual mode on or off, resetting pulse tracking on
// activation so stale counts never turn into movement.
func (m *MPG) Enable(on bool) {
	m.active = on
	if on {
		m.fractional = 0
		m.counter.Reset()
		m.lastCount = 0
	}
}

func (m *MPG) StepSizeDU() int64 { return m.stepSizeDU }

func (m *MPG) SetStepSizeDU(du int64) {
	if du < 1 {
		du = 1
	}
	m.stepSizeDU = du
}

// delta reads the handwheel counter once and returns the pulse delta.
func (m *MPG) delta() int32 {
	count := m.counter.Count()
	d := count - m.lastCount
	if d == 0 {
		return 0
	}
	m.lastCount = count
	return d
}

// apply converts this pass's handwheel pulses into a target offset on
// the axis, keeping the fractional remainder. Soft limits are enforced
// by the caller's clamp.
func (m *MPG) apply(a *Axis) {
	if !m.active {
		return
	}
	pulses := m.delta()
	if pulses == 0 {
		return
	}
	frac := float64(pulses)*float64(m.stepSizeDU)/float64(a.screwPitchDU)*
		float64(a.motorSteps)/m.scaleDivisor + m.fractional
	steps := int32(math.Round(frac))
	m.fractional = frac - float64(steps)
	if steps != 0 {
		a.forceTarget(a.clampToStops(a.targetPosition + steps))
	}
}
