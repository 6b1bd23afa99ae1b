// Package scheduler implements priority-preemptive process scheduling with
// anti-starvation aging. The scheduler never executes process code: every
// call is a pure state transition that returns a Decision for an external
// driver to act on, keeping kernel behavior replayable from recorded input.
package scheduler

import (
	"errors"
	"time"

	"estakernel/internal/types"
)

// State is a process's scheduling state. Waiting and Blocked are data
// states recorded on the entry, not execution pauses.
type State int

const (
	StateReady State = iota
	StateRunning
	StateWaiting
	StateBlocked
	StateCompleted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateBlocked:
		return "blocked"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Entry is the scheduling metadata for one admitted process.
type Entry struct {
	PID      types.ProcessID
	Priority types.Priority
	State    State

	// SliceRemaining is the time left in the current slice. Zero for
	// PrioritySystem processes, which run to completion.
	SliceRemaining time.Duration
	// WaitTime accumulates while Ready or Waiting and feeds aging.
	WaitTime time.Duration
	// CPUTime accumulates while Running.
	CPUTime time.Duration

	// seq is the admission order, used as a deterministic tiebreak.
	seq uint64
}

// DecisionKind classifies the outcome of a Schedule call.
type DecisionKind int

const (
	// DecisionIdle means nothing is runnable.
	DecisionIdle DecisionKind = iota
	// DecisionRun names the process that should (continue to) run.
	DecisionRun
	// DecisionPreempt tells the driver to stop Preempted and run PID.
	DecisionPreempt
)

// Decision is what the external driver acts on.
type Decision struct {
	Kind      DecisionKind
	PID       types.ProcessID
	Preempted types.ProcessID
}

// Config tunes preemption and aging.
type Config struct {
	// AgingIntervalTicks is how many ticks between aging passes.
	AgingIntervalTicks int
	// AgingThreshold is the accumulated wait that earns a priority boost.
	AgingThreshold time.Duration
	// PreemptionThreshold is the minimum candidate priority that may
	// preempt a running process.
	PreemptionThreshold types.Priority
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		AgingIntervalTicks:  100,
		AgingThreshold:      5000 * time.Millisecond,
		PreemptionThreshold: types.PriorityHigh,
	}
}

// Stats counts scheduler activity.
type Stats struct {
	ContextSwitches  uint64
	Preemptions      uint64
	AgingBoosts      uint64
	SliceExpirations uint64
}

// Tagged errors for scheduler operations.
var (
	ErrProcessExists   = errors.New("process already admitted")
	ErrProcessNotFound = errors.New("process not found")
	ErrNotRunnable     = errors.New("process not in a runnable state")
)

// Scheduler holds the entry arena and the single-runner invariant: at most
// one entry is Running at any time.
type Scheduler struct {
	cfg     Config
	entries map[types.ProcessID]*Entry
	running types.ProcessID // NoProcess when nothing runs

	tickCount uint64
	lastTick  time.Time
	nextSeq   uint64
	stats     Stats
}

// New creates an empty scheduler. A zero PreemptionThreshold defaults to
// High like the other zero fields; an any-strictly-higher policy is spelled
// PriorityLow (an Idle candidate can never outrank a runner anyway).
func New(cfg Config) *Scheduler {
	if cfg.AgingIntervalTicks <= 0 {
		cfg.AgingIntervalTicks = DefaultConfig().AgingIntervalTicks
	}
	if cfg.AgingThreshold <= 0 {
		cfg.AgingThreshold = DefaultConfig().AgingThreshold
	}
	if cfg.PreemptionThreshold == types.PriorityIdle {
		cfg.PreemptionThreshold = DefaultConfig().PreemptionThreshold
	}
	return &Scheduler{
		cfg:     cfg,
		entries: make(map[types.ProcessID]*Entry),
	}
}

// sliceFor derives the time slice from priority. Higher priority gets a
// shorter slice to enforce interactivity; System runs to completion.
func sliceFor(p types.Priority) time.Duration {
	switch p {
	case types.PriorityIdle:
		return 200 * time.Millisecond
	case types.PriorityLow:
		return 150 * time.Millisecond
	case types.PriorityNormal:
		return 100 * time.Millisecond
	case types.PriorityHigh:
		return 50 * time.Millisecond
	case types.PriorityRealtime:
		return 20 * time.Millisecond
	case types.PrioritySystem:
		return 0 // non-preemptible
	default:
		return 100 * time.Millisecond
	}
}

// AddProcess admits a process at the given priority, seeded Ready with a
// priority-derived time slice.
func (s *Scheduler) AddProcess(pid types.ProcessID, priority types.Priority) error {
	if _, exists := s.entries[pid]; exists {
		return ErrProcessExists
	}
	s.nextSeq++
	s.entries[pid] = &Entry{
		PID:            pid,
		Priority:       priority,
		State:          StateReady,
		SliceRemaining: sliceFor(priority),
		seq:            s.nextSeq,
	}
	return nil
}

// RemoveProcess drops a process from the arena entirely.
func (s *Scheduler) RemoveProcess(pid types.ProcessID) error {
	if _, ok := s.entries[pid]; !ok {
		return ErrProcessNotFound
	}
	if s.running == pid {
		s.running = types.NoProcess
	}
	delete(s.entries, pid)
	return nil
}

// Schedule selects the highest-priority Ready entry and returns a decision.
// A running process is preempted only if the candidate's priority strictly
// exceeds it AND is at or above the preemption threshold; marginal priority
// differences never cause a switch.
func (s *Scheduler) Schedule() Decision {
	candidate := s.pickReady()

	if s.running == types.NoProcess {
		if candidate == nil {
			return Decision{Kind: DecisionIdle}
		}
		s.dispatch(candidate)
		return Decision{Kind: DecisionRun, PID: candidate.PID}
	}

	current := s.entries[s.running]
	if current.Priority == types.PrioritySystem {
		// System processes run to completion.
		return Decision{Kind: DecisionRun, PID: current.PID}
	}
	if candidate == nil ||
		candidate.Priority <= current.Priority ||
		candidate.Priority < s.cfg.PreemptionThreshold {
		return Decision{Kind: DecisionRun, PID: current.PID}
	}

	// Preempt: current returns to Ready, candidate runs.
	current.State = StateReady
	prev := current.PID
	s.dispatch(candidate)
	s.stats.Preemptions++
	return Decision{Kind: DecisionPreempt, PID: candidate.PID, Preempted: prev}
}

// pickReady returns the best Ready entry: highest priority, then longest
// wait, then earliest admission for a deterministic total order.
func (s *Scheduler) pickReady() *Entry {
	var best *Entry
	for _, e := range s.entries {
		if e.State != StateReady {
			continue
		}
		if best == nil || better(e, best) {
			best = e
		}
	}
	return best
}

func better(a, b *Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.WaitTime != b.WaitTime {
		return a.WaitTime > b.WaitTime
	}
	return a.seq < b.seq
}

func (s *Scheduler) dispatch(e *Entry) {
	e.State = StateRunning
	e.WaitTime = 0
	s.running = e.PID
	s.stats.ContextSwitches++
}

// Tick advances wait and CPU accounting by the delta since the previous
// tick and runs the aging pass every AgingIntervalTicks ticks. A running
// process whose slice is exhausted is returned to Ready (System excepted).
func (s *Scheduler) Tick(now time.Time) {
	var delta time.Duration
	if !s.lastTick.IsZero() && now.After(s.lastTick) {
		delta = now.Sub(s.lastTick)
	}
	s.lastTick = now
	s.tickCount++

	for _, e := range s.entries {
		switch e.State {
		case StateReady, StateWaiting:
			e.WaitTime += delta
		case StateRunning:
			e.CPUTime += delta
			if e.Priority != types.PrioritySystem {
				e.SliceRemaining -= delta
				if e.SliceRemaining <= 0 {
					e.State = StateReady
					e.SliceRemaining = sliceFor(e.Priority)
					s.running = types.NoProcess
					s.stats.SliceExpirations++
				}
			}
		}
	}

	if s.tickCount%uint64(s.cfg.AgingIntervalTicks) == 0 {
		s.age()
	}
}

// age boosts starving entries one priority level. Realtime and System are
// aging-exempt and the boost is capped below Realtime; priority never
// decreases automatically.
func (s *Scheduler) age() {
	for _, e := range s.entries {
		if e.State != StateReady && e.State != StateWaiting {
			continue
		}
		if e.Priority+1 >= types.PriorityRealtime {
			// Boosts cap below Realtime; Realtime and System are exempt.
			continue
		}
		if e.WaitTime > s.cfg.AgingThreshold {
			e.Priority++
			e.WaitTime = 0
			s.stats.AgingBoosts++
		}
	}
}

// YieldProcess voluntarily returns a running process to Ready with a fresh
// slice, counting a context switch.
func (s *Scheduler) YieldProcess(pid types.ProcessID) error {
	e, ok := s.entries[pid]
	if !ok {
		return ErrProcessNotFound
	}
	if e.State != StateRunning {
		return ErrNotRunnable
	}
	e.State = StateReady
	e.SliceRemaining = sliceFor(e.Priority)
	s.running = types.NoProcess
	s.stats.ContextSwitches++
	return nil
}

// BlockProcess moves a process to Blocked (e.g. waiting on a resource).
func (s *Scheduler) BlockProcess(pid types.ProcessID) error {
	return s.park(pid, StateBlocked)
}

// WaitProcess moves a process to Waiting (e.g. waiting on a message).
func (s *Scheduler) WaitProcess(pid types.ProcessID) error {
	return s.park(pid, StateWaiting)
}

func (s *Scheduler) park(pid types.ProcessID, state State) error {
	e, ok := s.entries[pid]
	if !ok {
		return ErrProcessNotFound
	}
	if e.State == StateCompleted {
		return ErrNotRunnable
	}
	if s.running == pid {
		s.running = types.NoProcess
	}
	e.State = state
	return nil
}

// UnblockProcess returns a Blocked or Waiting process to Ready.
func (s *Scheduler) UnblockProcess(pid types.ProcessID) error {
	e, ok := s.entries[pid]
	if !ok {
		return ErrProcessNotFound
	}
	if e.State != StateBlocked && e.State != StateWaiting {
		return ErrNotRunnable
	}
	e.State = StateReady
	return nil
}

// CompleteProcess marks a process finished. The entry stays until removed.
func (s *Scheduler) CompleteProcess(pid types.ProcessID) error {
	e, ok := s.entries[pid]
	if !ok {
		return ErrProcessNotFound
	}
	if s.running == pid {
		s.running = types.NoProcess
	}
	e.State = StateCompleted
	return nil
}

// SetPriority applies an explicit external reprioritization. This is the
// only path by which priority may decrease.
func (s *Scheduler) SetPriority(pid types.ProcessID, priority types.Priority) error {
	e, ok := s.entries[pid]
	if !ok {
		return ErrProcessNotFound
	}
	e.Priority = priority
	return nil
}

// Running returns the PID of the running process, or NoProcess.
func (s *Scheduler) Running() types.ProcessID {
	return s.running
}

// Lookup returns a copy of the entry for pid.
func (s *Scheduler) Lookup(pid types.ProcessID) (Entry, bool) {
	e, ok := s.entries[pid]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns a snapshot copy of every entry.
func (s *Scheduler) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

// Stats returns a copy of the counters.
func (s *Scheduler) Stats() Stats {
	return s.stats
}
