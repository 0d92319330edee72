package config

import (
	"strings"
)

// AxisConfig holds the mechanical and electrical setup of one driven axis.
// Distances are deci-microns (1/10000 mm); speeds are motor steps per
// second, accelerations steps per second squared.
type AxisConfig struct {
	Name string // "z" (carriage) or "x" (cross-slide)

	MotorSteps   int64 // motor steps per lead screw revolution
	ScrewPitchDU int64 // lead screw pitch, deci-microns per revolution

	SpeedStart   int64 // starting speed for trapezoid ramps
	SpeedManual  int64 // manual move speed cap
	Acceleration int64

	MaxTravelMM int64 // travel limit used for target clamping
	BacklashDU  int64 // mechanical backlash compensation

	// NeedsRest disables the driver when the axis idles. Closed-loop
	// drivers hold position on their own and should set this false.
	NeedsRest bool

	StepPin   Pin
	DirPin    Pin
	EnablePin Pin
}

// MaxTravelSteps converts the travel limit to motor steps.
func (a *AxisConfig) MaxTravelSteps() int32 {
	if a.ScrewPitchDU == 0 {
		return 0
	}
	return int32(a.MaxTravelMM * 10000 * a.MotorSteps / a.ScrewPitchDU)
}

// EncoderConfig holds the spindle encoder setup.
type EncoderConfig struct {
	PPR      int // pulses per revolution
	Backlash int // quadrature ticks the encoder can emit without spindle motion

	PinA Pin
	PinB Pin
}

// QuadratureTicks returns encoder ticks per spindle revolution after
// 2x quadrature decoding.
func (e *EncoderConfig) QuadratureTicks() int {
	return e.PPR * 2
}

// MPGConfig holds one manual pulse generator (handwheel) setup.
type MPGConfig struct {
	Axis string // axis the wheel drives

	PulsePerRev  float64 // quadrature counts per handwheel revolution
	ScaleDivisor float64 // counts per one step-size increment of travel

	PinA Pin
	PinB Pin
}

// LatheConfig is the validated, typed view of a lathe.cfg file. It is
// built once at startup and treated as read-only by every component.
type LatheConfig struct {
	AxisZ *AxisConfig
	AxisX *AxisConfig

	Encoder EncoderConfig

	// Handwheels keyed by axis name; absent when not fitted.
	MPG map[string]*MPGConfig

	// Host collaborators. Empty listen address disables the server.
	WebListen     string
	MetricsListen string
	HMIDevice     string
	HMIBaud       int

	// Scheduler pacing.
	LoopIntervalUS int64
}

// MPGFor returns the handwheel config for an axis, or nil.
func (lc *LatheConfig) MPGFor(axis string) *MPGConfig {
	return lc.MPG[axis]
}

// LoadLathe builds a LatheConfig from a parsed config. Both axis
// sections and the spindle encoder section are required; everything
// else is optional.
func LoadLathe(c *Config) (*LatheConfig, error) {
	lc := &LatheConfig{
		MPG: make(map[string]*MPGConfig),
	}

	var err error
	if lc.AxisZ, err = loadAxis(c, "z"); err != nil {
		return nil, err
	}
	if lc.AxisX, err = loadAxis(c, "x"); err != nil {
		return nil, err
	}

	enc, err := c.GetSection("spindle_encoder")
	if err != nil {
		return nil, err
	}
	one := 1
	if lc.Encoder.PPR, err = enc.GetIntWithBounds("ppr", &one, nil); err != nil {
		return nil, err
	}
	zero := 0
	if lc.Encoder.Backlash, err = enc.GetIntWithBounds("backlash", &zero, nil, 3); err != nil {
		return nil, err
	}
	pinOpts := PinOptions{CanInvert: true, CanPullup: true}
	if lc.Encoder.PinA, err = enc.GetPin("pin_a", pinOpts); err != nil {
		return nil, err
	}
	if lc.Encoder.PinB, err = enc.GetPin("pin_b", pinOpts); err != nil {
		return nil, err
	}

	for _, name := range c.GetPrefixSectionNames("mpg_") {
		mpg, merr := loadMPG(c, name)
		if merr != nil {
			return nil, merr
		}
		lc.MPG[mpg.Axis] = mpg
	}

	if web := c.GetSectionOptional("web"); web != nil {
		if lc.WebListen, err = web.Get("listen", ":8080"); err != nil {
			return nil, err
		}
	}
	if m := c.GetSectionOptional("metrics"); m != nil {
		if lc.MetricsListen, err = m.Get("listen", ":9100"); err != nil {
			return nil, err
		}
	}
	if hmi := c.GetSectionOptional("hmi_serial"); hmi != nil {
		if lc.HMIDevice, err = hmi.Get("device"); err != nil {
			return nil, err
		}
		if lc.HMIBaud, err = hmi.GetIntWithBounds("baud", &one, nil, 115200); err != nil {
			return nil, err
		}
	}

	lc.LoopIntervalUS = 200
	if sched := c.GetSectionOptional("scheduler"); sched != nil {
		interval, serr := sched.GetIntWithBounds("loop_interval_us", &one, nil, 200)
		if serr != nil {
			return nil, serr
		}
		lc.LoopIntervalUS = int64(interval)
	}

	return lc, nil
}

func loadAxis(c *Config, name string) (*AxisConfig, error) {
	s, err := c.GetSection("axis_" + name)
	if err != nil {
		return nil, err
	}
	a := &AxisConfig{Name: name}

	one := 1
	geti := func(option string, fallback ...int) int64 {
		if err != nil {
			return 0
		}
		var v int
		v, err = s.GetIntWithBounds(option, &one, nil, fallback...)
		return int64(v)
	}
	a.MotorSteps = geti("motor_steps")
	a.ScrewPitchDU = geti("screw_pitch_du")
	a.SpeedStart = geti("speed_start", 800)
	a.SpeedManual = geti("speed_manual")
	a.Acceleration = geti("acceleration")
	a.MaxTravelMM = geti("max_travel_mm")
	if err != nil {
		return nil, err
	}

	zero := 0
	backlash, err := s.GetIntWithBounds("backlash_du", &zero, nil, 0)
	if err != nil {
		return nil, err
	}
	a.BacklashDU = int64(backlash)

	if a.NeedsRest, err = s.GetBool("needs_rest", true); err != nil {
		return nil, err
	}

	pinOpts := PinOptions{CanInvert: true}
	if a.StepPin, err = s.GetPin("step_pin", pinOpts); err != nil {
		return nil, err
	}
	if a.DirPin, err = s.GetPin("dir_pin", pinOpts); err != nil {
		return nil, err
	}
	if a.EnablePin, err = s.GetPin("enable_pin", pinOpts); err != nil {
		return nil, err
	}
	return a, nil
}

func loadMPG(c *Config, section string) (*MPGConfig, error) {
	s, err := c.GetSection(section)
	if err != nil {
		return nil, err
	}
	m := &MPGConfig{Axis: strings.TrimPrefix(section, "mpg_")}

	fzero := 0.0
	if m.PulsePerRev, err = s.GetFloatWithBounds("pulse_per_rev", FloatBounds{Above: &fzero}, 400); err != nil {
		return nil, err
	}
	if m.ScaleDivisor, err = s.GetFloatWithBounds("scale_divisor", FloatBounds{Above: &fzero}, 4); err != nil {
		return nil, err
	}

	pinOpts := PinOptions{CanInvert: true, CanPullup: true}
	if m.PinA, err = s.GetPin("pin_a", pinOpts); err != nil {
		return nil, err
	}
	if m.PinB, err = s.GetPin("pin_b", pinOpts); err != nil {
		return nil, err
	}
	return m, nil
}
