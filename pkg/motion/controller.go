package motion

import (
	"els-go/pkg/config"
	"els-go/pkg/log"
)

// Axis names used throughout the controller API.
const (
	AxisX = "x"
	AxisZ = "z"
)

// Hardware bundles the lines, counters and clock a Controller drives.
// Simulated implementations back tests and hosts with no machine
// attached.
type Hardware struct {
	XLine StepDirLine
	ZLine StepDirLine

	SpindleCounter QuadratureCounter

	// Handwheel counters, nil when the wheel is not fitted.
	XMPGCounter QuadratureCounter
	ZMPGCounter QuadratureCounter

	Clock Clock
}

// SimHardware returns a fully simulated hardware set.
func SimHardware() *Hardware {
	return &Hardware{
		XLine:          NewSimLine(),
		ZLine:          NewSimLine(),
		SpindleCounter: NewSimCounter(),
		XMPGCounter:    NewSimCounter(),
		ZMPGCounter:    NewSimCounter(),
		Clock:          NewSimClock(),
	}
}

// Controller composes the axes, the spindle tracker and the handwheels
// into the per-pass motion update. All state is owned by the single
// control loop; the only cross-context values are the hardware counters,
// read once per Update.
type Controller struct {
	axes    map[string]*Axis
	order   []string // stable update order
	spindle *Spindle
	mpg     map[string]*MPG

	emergencyStop bool
	logger        *log.Logger
}

// NewController wires up a two-axis lathe from config and hardware.
func NewController(cfg *config.LatheConfig, hw *Hardware) *Controller {
	c := &Controller{
		axes:   make(map[string]*Axis),
		order:  []string{AxisX, AxisZ},
		mpg:    make(map[string]*MPG),
		logger: log.GetLogger("motion"),
	}
	c.axes[AxisX] = NewAxis(cfg.AxisX, hw.XLine, hw.Clock)
	c.axes[AxisZ] = NewAxis(cfg.AxisZ, hw.ZLine, hw.Clock)
	c.spindle = NewSpindle(hw.SpindleCounter, &cfg.Encoder)

	if m := cfg.MPGFor(AxisX); m != nil && hw.XMPGCounter != nil {
		c.mpg[AxisX] = NewMPG(hw.XMPGCounter, m)
	}
	if m := cfg.MPGFor(AxisZ); m != nil && hw.ZMPGCounter != nil {
		c.mpg[AxisZ] = NewMPG(hw.ZMPGCounter, m)
	}
	return c
}

// Axis returns the named axis, or nil.
func (c *Controller) Axis(name string) *Axis { return c.axes[name] }

func (c *Controller) Spindle() *Spindle { return c.spindle }

// MPG returns the handwheel for an axis, or nil when not fitted.
func (c *Controller) MPG(axis string) *MPG { return c.mpg[axis] }

// PitchAxis returns the axis driven by thread pitch: the carriage.
func (c *Controller) PitchAxis() *Axis { return c.axes[AxisZ] }

// Update runs one motion pass: pending stop application, spindle
// tracking (with sync recovery and full-turn discounting), handwheel
// movement, spindle-driven target refresh, then at most one step per
// axis. Axis ticks run last so targets reflect this pass's filtered
// spindle position, not the previous one.
func (c *Controller) Update() {
	if c.emergencyStop {
		return
	}

	pitchAxis := c.PitchAxis()
	for _, name := range c.order {
		a := c.axes[name]
		oldLeft, oldRight := a.applyPendingStops()
		if a == pitchAxis {
			if oldLeft != nil {
				c.spindle.LeaveStop(a, *oldLeft)
			}
			if oldRight != nil {
				c.spindle.LeaveStop(a, *oldRight)
			}
		}
	}

	delta := c.spindle.Update()
	c.spindle.advanceSync(pitchAxis, delta)
	c.spindle.discountFullTurns(pitchAxis)

	for _, name := range c.order {
		a := c.axes[name]
		if !a.enabled {
			continue
		}
		m := c.mpg[name]
		if m != nil {
			m.apply(a)
		}
		// Threading drives the target unless the handwheel owns the
		// axis; sync offset must be fully recovered first.
		if c.spindle.active && c.spindle.dupr != 0 &&
			c.spindle.posSync == 0 && (m == nil || !m.active) {
			a.forceTarget(c.spindle.PosFromSpindle(a, c.spindle.positionAvg))
		}
		a.Tick()
	}
}

// SetEmergencyStop asserts or releases the emergency stop. Asserting
// zeroes every axis target delta, stops threading and drops queued
// motion; it is the sole cancellation primitive and is reversible.
func (c *Controller) SetEmergencyStop(stop bool) {
	c.emergencyStop = stop
	if stop {
		for _, a := range c.axes {
			a.Stop()
		}
		c.spindle.StopThreading()
		c.logger.Warn("emergency stop asserted, all axis motion halted")
	} else {
		c.logger.Info("emergency stop released")
	}
}

func (c *Controller) EmergencyStop() bool { return c.emergencyStop }

// StopAll abandons motion on every axis without latching e-stop.
func (c *Controller) StopAll() {
	for _, a := range c.axes {
		a.Stop()
	}
}

// FollowingError reports how far an axis lags its spindle-derived
// position, in micrometers. Zero when threading is inactive.
func (c *Controller) FollowingError(axis string) float64 {
	a := c.axes[axis]
	if a == nil || !c.spindle.active {
		return 0
	}
	expected := c.spindle.PosFromSpindle(a, c.spindle.positionAvg)
	return a.StepsToMM(expected-a.position) * 1000.0
}
