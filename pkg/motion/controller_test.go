package motion

import (
	"testing"

	"els-go/pkg/config"
)

func testLatheConfig() *config.LatheConfig {
	return &config.LatheConfig{
		AxisZ:   testAxisConfig("z"),
		AxisX:   testAxisConfig("x"),
		Encoder: *testEncoderConfig(),
		MPG: map[string]*config.MPGConfig{
			"x": {Axis: "x", PulsePerRev: 400, ScaleDivisor: 4},
		},
	}
}

func newTestController() (*Controller, *Hardware) {
	hw := SimHardware()
	c := NewController(testLatheConfig(), hw)
	return c, hw
}

func simOf(hw *Hardware) (spindle *SimCounter, clk *SimClock) {
	return hw.SpindleCounter.(*SimCounter), hw.Clock.(*SimClock)
}

func TestControllerComposition(t *testing.T) {
	c, _ := newTestController()

	if c.Axis(AxisX) == nil || c.Axis(AxisZ) == nil {
		t.Fatal("missing axis")
	}
	if c.Axis("y") != nil {
		t.Error("unexpected y axis")
	}
	if c.MPG(AxisX) == nil {
		t.Error("x handwheel missing")
	}
	if c.MPG(AxisZ) != nil {
		t.Error("z handwheel should not exist")
	}
	if c.PitchAxis() != c.Axis(AxisZ) {
		t.Error("pitch axis must be the carriage")
	}
}

// With threading active, the carriage target follows the filtered
// spindle position 1mm per revolution.
func TestSpindleFollowing(t *testing.T) {
	c, hw := newTestController()
	counter, clk := simOf(hw)
	z := c.Axis(AxisZ)
	z.SetEnabled(true)

	c.Spindle().SetPitch(10000, 1) // 1mm/rev
	c.Spindle().StartThreading()

	// One full revolution: 1200 quadrature ticks -> 160 steps (1mm).
	counter.Add(1200)
	for i := 0; i < 2000; i++ {
		clk.Advance(2000)
		c.Update()
		if !z.IsMoving() && z.Position() == z.TargetPosition() && z.TargetPosition() != 0 {
			break
		}
	}
	if z.TargetPosition() != 160 {
		t.Errorf("z target: got %d, want 160", z.TargetPosition())
	}
	if z.Position() != 160 {
		t.Errorf("z position: got %d, want 160", z.Position())
	}
}

// Disabled axes do not follow the spindle.
func TestFollowingRequiresEnable(t *testing.T) {
	c, hw := newTestController()
	counter, clk := simOf(hw)

	c.Spindle().SetPitch(10000, 1)
	c.Spindle().StartThreading()
	counter.Add(1200)
	for i := 0; i < 10; i++ {
		clk.Advance(2000)
		c.Update()
	}
	if got := c.Axis(AxisZ).Position(); got != 0 {
		t.Errorf("disabled z moved to %d", got)
	}
}

// Asserting e-stop zeroes every target delta within one pass and halts
// further motion until released.
func TestEmergencyStop(t *testing.T) {
	c, hw := newTestController()
	counter, clk := simOf(hw)
	z := c.Axis(AxisZ)
	z.SetEnabled(true)

	c.Spindle().SetPitch(10000, 1)
	c.Spindle().StartThreading()
	counter.Add(1200)
	for i := 0; i < 100; i++ {
		clk.Advance(500)
		c.Update()
	}
	if z.Position() == 0 {
		t.Fatal("z never started moving")
	}

	c.SetEmergencyStop(true)
	if z.TargetPosition() != z.Position() {
		t.Errorf("target %d != position %d after e-stop",
			z.TargetPosition(), z.Position())
	}
	if c.Spindle().ThreadingActive() {
		t.Error("threading still active after e-stop")
	}

	// Motion stays frozen while e-stop is latched.
	before := z.Position()
	counter.Add(1200)
	for i := 0; i < 50; i++ {
		clk.Advance(2000)
		c.Update()
	}
	if z.Position() != before {
		t.Errorf("axis moved under e-stop: %d -> %d", before, z.Position())
	}

	// Reversible by operator action.
	c.SetEmergencyStop(false)
	if c.EmergencyStop() {
		t.Error("e-stop still latched after release")
	}
}

// Handwheel pulses move the axis target with fractional accumulation,
// and the wheel overrides spindle following on its axis.
func TestMPGMovement(t *testing.T) {
	c, hw := newTestController()
	_, clk := simOf(hw)
	x := c.Axis(AxisX)
	x.SetEnabled(true)

	m := c.MPG(AxisX)
	m.Enable(true)
	m.SetStepSizeDU(1000) // 0.1mm per detent

	// 4 pulses = one detent at divisor 4: 0.1mm = 16 steps on the 5mm
	// screw with 800 steps/rev.
	hw.XMPGCounter.(*SimCounter).Add(4)
	clk.Advance(2000)
	c.Update()
	if x.TargetPosition() != 16 {
		t.Errorf("x target after one detent: got %d, want 16", x.TargetPosition())
	}

	for i := 0; i < 100; i++ {
		clk.Advance(2000)
		c.Update()
	}
	if x.Position() != 16 {
		t.Errorf("x position: got %d, want 16", x.Position())
	}
}

// Sub-detent pulses accumulate fractionally instead of vanishing.
func TestMPGFractionalAccumulation(t *testing.T) {
	c, hw := newTestController()
	_, clk := simOf(hw)
	x := c.Axis(AxisX)
	x.SetEnabled(true)

	m := c.MPG(AxisX)
	m.Enable(true)
	m.SetStepSizeDU(1000)

	// One pulse = 4 steps exactly here, so use a step size that makes a
	// single pulse fractional: 25du -> 0.1 step per pulse.
	m.SetStepSizeDU(25)
	wheel := hw.XMPGCounter.(*SimCounter)
	for i := 0; i < 10; i++ {
		wheel.Add(1)
		clk.Advance(2000)
		c.Update()
	}
	// 10 pulses * 0.1 step = 1 step.
	if x.TargetPosition() != 1 {
		t.Errorf("fractional accumulation: target %d, want 1", x.TargetPosition())
	}
}

// Moving a stop the carriage is parked on arms sync recovery through
// the staged-stop path.
func TestStopReleaseArmsSyncRecovery(t *testing.T) {
	c, hw := newTestController()
	counter, clk := simOf(hw)
	z := c.Axis(AxisZ)
	z.SetEnabled(true)

	c.Spindle().SetPitch(10000, 1)
	c.Spindle().StartThreading()

	// Park the carriage on a left stop at zero, then let the spindle
	// run half a revolution.
	z.StageLeftStop(0)
	clk.Advance(2000)
	c.Update()
	counter.Add(600)
	clk.Advance(2000)
	c.Update()
	if z.Position() != 0 {
		t.Fatalf("carriage should be parked, at %d", z.Position())
	}

	// Release the stop: phase offset must be captured.
	z.StageLeftStop(10000)
	clk.Advance(2000)
	c.Update()
	if c.Spindle().PosSync() == 0 {
		t.Fatal("sync offset not armed on stop release")
	}

	// The carriage must not move until the offset closes.
	for i := 0; i < 5; i++ {
		clk.Advance(2000)
		c.Update()
	}
	if z.Position() != 0 {
		t.Errorf("carriage moved while out of sync: %d", z.Position())
	}

	// Remaining 600 ticks complete the revolution; following resumes.
	counter.Add(600)
	clk.Advance(2000)
	c.Update()
	if c.Spindle().PosSync() != 0 {
		t.Errorf("sync offset should be closed, got %d", c.Spindle().PosSync())
	}
}

func TestFollowingError(t *testing.T) {
	c, hw := newTestController()
	counter, _ := simOf(hw)
	z := c.Axis(AxisZ)
	z.SetEnabled(true)

	if got := c.FollowingError(AxisZ); got != 0 {
		t.Errorf("following error inactive: got %f, want 0", got)
	}

	c.Spindle().SetPitch(10000, 1)
	c.Spindle().StartThreading()
	counter.Add(1200)
	c.Spindle().Update()

	// Axis has not moved yet: expected 160 steps = 1000um of lag.
	if got := c.FollowingError(AxisZ); got != 1000 {
		t.Errorf("following error: got %f, want 1000", got)
	}
}
