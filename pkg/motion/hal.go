package motion

import (
	"sync/atomic"
	"time"
)

// StepDirLine drives the step/dir/enable outputs of one stepper driver.
// Implementations own the GPIO lines exclusively; Pulse must stay bounded
// by the hardware pulse-width constant and never poll anything.
type StepDirLine interface {
	SetDirection(forward bool)
	Pulse()
	SetEnabled(on bool)
}

// QuadratureCounter exposes a hardware quadrature count. The hardware
// side is the only writer and the control loop the only reader, so a
// single atomic load per scheduler pass is all the synchronization
// required.
type QuadratureCounter interface {
	Count() int32
	Reset()
}

// Clock supplies the microsecond timestamps step pacing runs against.
type Clock interface {
	NowMicros() int64
}

// SystemClock reads the monotonic system clock.
type SystemClock struct {
	start time.Time
}

func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) NowMicros() int64 {
	return time.Since(c.start).Microseconds()
}

// SimClock is a manually advanced clock for tests and dry runs.
type SimClock struct {
	now int64
}

func NewSimClock() *SimClock { return &SimClock{} }

func (c *SimClock) NowMicros() int64 { return c.now }

// Advance moves the clock forward by us microseconds.
func (c *SimClock) Advance(us int64) { c.now += us }

// SimCounter is an atomic counter standing in for a hardware quadrature
// unit. The producing side calls Add; the control loop calls Count.
type SimCounter struct {
	count atomic.Int32
}

func NewSimCounter() *SimCounter { return &SimCounter{} }

func (c *SimCounter) Count() int32 { return c.count.Load() }

func (c *SimCounter) Reset() { c.count.Store(0) }

// Add feeds ticks into the counter, as the hardware decoder would.
func (c *SimCounter) Add(delta int32) { c.count.Add(delta) }

// SimLine records step activity instead of toggling GPIO. Useful for
// tests and for running the host with no drivers attached.
type SimLine struct {
	Forward bool
	Enabled bool
	Pulses  int64
}

func NewSimLine() *SimLine { return &SimLine{} }

func (l *SimLine) SetDirection(forward bool) { l.Forward = forward }

func (l *SimLine) Pulse() { l.Pulses++ }

func (l *SimLine) SetEnabled(on bool) { l.Enabled = on }
