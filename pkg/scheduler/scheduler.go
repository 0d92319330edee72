// Package scheduler provides the cooperative control loop: a
// priority-tiered task table executed by a single goroutine, plus the
// fixed-cycle system state machine that sequences one trip through the
// subsystems. There is no preemption; every task is expected to return
// in well under the loop interval.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"els-go/pkg/errors"
	"els-go/pkg/log"
	"els-go/pkg/motion"
)

// Priority tiers. Critical tasks run on every loop pass regardless of
// their interval; the rest run when their interval has elapsed.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

const maxTasks = 16

// diagnosticIntervalUS is how often loop statistics are logged and the
// windows reset.
const diagnosticIntervalUS = 5_000_000

// Task is one scheduled entry. All fields are owned by the scheduler
// goroutine once the loop is running.
type Task struct {
	Name     string
	Priority Priority

	fn         func()
	intervalUS int64
	lastRunUS  int64
	ran        bool
	enabled    bool

	execCount     uint64
	maxDurationUS int64
}

// TaskStats is a snapshot of one task's execution counters.
type TaskStats struct {
	Name          string
	Priority      Priority
	Enabled       bool
	ExecCount     uint64
	MaxDurationUS int64
}

// LoopStats is a snapshot of the loop performance window.
type LoopStats struct {
	LoopCount   uint64
	MaxLoopUS   int64
	AvgLoopUS   int64
	FrequencyHz int64
	Tasks       []TaskStats
}

// Scheduler runs the registered tasks in registration order. Order is
// part of the contract: spindle tracking must be registered before the
// axis tick task so targets are derived from this pass's encoder read.
type Scheduler struct {
	clk    motion.Clock
	logger *log.Logger

	tasks []*Task

	loopIntervalUS int64

	// Performance window, reset every diagnostic interval.
	loopCount   uint64
	totalLoopUS int64
	maxLoopUS   int64
	lastDiagUS  int64

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New builds a scheduler over the given clock. loopIntervalUS is the
// pacing target for the background loop; zero disables pacing.
func New(clk motion.Clock, loopIntervalUS int64) *Scheduler {
	return &Scheduler{
		clk:            clk,
		logger:         log.GetLogger("sched"),
		loopIntervalUS: loopIntervalUS,
		done:           make(chan struct{}),
	}
}

// AddTask registers a task. Tasks cannot be added once the loop is
// running.
func (s *Scheduler) AddTask(name string, fn func(), priority Priority, intervalUS int64) error {
	if s.running.Load() {
		return errors.RuntimeErrorSched(name, "cannot add tasks while running")
	}
	if len(s.tasks) >= maxTasks {
		return errors.RuntimeErrorSched(name, "task table full")
	}
	for _, t := range s.tasks {
		if t.Name == name {
			return errors.RuntimeErrorSched(name, "duplicate task name")
		}
	}
	s.tasks = append(s.tasks, &Task{
		Name:       name,
		Priority:   priority,
		fn:         fn,
		intervalUS: intervalUS,
		enabled:    true,
	})
	s.logger.Debug("task added: %s (priority=%s, interval=%dus)", name, priority, intervalUS)
	return nil
}

// EnableTask switches a task on or off by name.
func (s *Scheduler) EnableTask(name string, enable bool) {
	for _, t := range s.tasks {
		if t.Name == name {
			t.enabled = enable
			return
		}
	}
}

// UpdateTaskInterval changes a task's execution interval.
func (s *Scheduler) UpdateTaskInterval(name string, intervalUS int64) {
	for _, t := range s.tasks {
		if t.Name == name {
			t.intervalUS = intervalUS
			return
		}
	}
}

// RunOnce executes one loop pass: every critical task, and every other
// enabled task whose interval has elapsed.
func (s *Scheduler) RunOnce() {
	loopStart := s.clk.NowMicros()
	s.loopCount++

	for _, t := range s.tasks {
		if !t.enabled {
			continue
		}
		now := s.clk.NowMicros()
		// A task is always due on its first pass.
		if t.Priority != PriorityCritical && t.ran &&
			now-t.lastRunUS < t.intervalUS {
			continue
		}
		start := now
		t.fn()
		dur := s.clk.NowMicros() - start
		if dur > t.maxDurationUS {
			t.maxDurationUS = dur
		}
		t.execCount++
		t.ran = true
		t.lastRunUS = start
	}

	end := s.clk.NowMicros()
	loopDur := end - loopStart
	s.totalLoopUS += loopDur
	if loopDur > s.maxLoopUS {
		s.maxLoopUS = loopDur
	}

	if end-s.lastDiagUS >= diagnosticIntervalUS {
		s.logDiagnostics()
		s.lastDiagUS = end
	}
}

// ExecuteEmergencyTasks forces every enabled critical task to run
// immediately, bypassing the loop. Safe to call from the loop context
// on the emergency path.
func (s *Scheduler) ExecuteEmergencyTasks() {
	for _, t := range s.tasks {
		if t.Priority == PriorityCritical && t.enabled {
			t.fn()
		}
	}
}

// Stats returns a snapshot of the current performance window.
func (s *Scheduler) Stats() LoopStats {
	st := LoopStats{
		LoopCount: s.loopCount,
		MaxLoopUS: s.maxLoopUS,
	}
	if s.loopCount > 0 {
		st.AvgLoopUS = s.totalLoopUS / int64(s.loopCount)
	}
	if s.totalLoopUS > 0 {
		st.FrequencyHz = int64(s.loopCount) * 1_000_000 / s.totalLoopUS
	}
	for _, t := range s.tasks {
		st.Tasks = append(st.Tasks, TaskStats{
			Name:          t.Name,
			Priority:      t.Priority,
			Enabled:       t.enabled,
			ExecCount:     t.execCount,
			MaxDurationUS: t.maxDurationUS,
		})
	}
	return st
}

func (s *Scheduler) logDiagnostics() {
	st := s.Stats()
	s.logger.Debug("loop: %d Hz, max %dus, avg %dus", st.FrequencyHz, st.MaxLoopUS, st.AvgLoopUS)
	for _, t := range st.Tasks {
		if !t.Enabled {
			s.logger.Debug("  task %s: disabled", t.Name)
			continue
		}
		s.logger.Debug("  task %s: %d runs, max %dus", t.Name, t.ExecCount, t.MaxDurationUS)
	}
	s.resetStats()
}

func (s *Scheduler) resetStats() {
	s.loopCount = 0
	s.totalLoopUS = 0
	s.maxLoopUS = 0
	for _, t := range s.tasks {
		t.execCount = 0
		t.maxDurationUS = 0
	}
}

// Run starts the loop in its own goroutine. The loop paces itself to
// the configured interval; a pass that overruns is followed immediately
// by the next one.
func (s *Scheduler) Run() {
	if s.running.Swap(true) {
		return
	}
	s.wg.Add(1)
	go s.loop()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for s.running.Load() {
		start := s.clk.NowMicros()
		s.RunOnce()
		if s.loopIntervalUS > 0 {
			elapsed := s.clk.NowMicros() - start
			if remain := s.loopIntervalUS - elapsed; remain > 0 {
				select {
				case <-time.After(time.Duration(remain) * time.Microsecond):
				case <-s.done:
					return
				}
			}
		}
	}
}

// End signals the loop to stop.
func (s *Scheduler) End() {
	if s.running.Swap(false) {
		close(s.done)
	}
}

// Wait blocks until the loop goroutine has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
