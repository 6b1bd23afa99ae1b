package scheduler

import (
	"errors"
	"testing"
	"time"

	"estakernel/internal/types"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestAddAndRemove(t *testing.T) {
	s := New(DefaultConfig())

	if err := s.AddProcess(1, types.PriorityNormal); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddProcess(1, types.PriorityHigh); !errors.Is(err, ErrProcessExists) {
		t.Errorf("expected ErrProcessExists, got %v", err)
	}
	if err := s.RemoveProcess(1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.RemoveProcess(1); !errors.Is(err, ErrProcessNotFound) {
		t.Errorf("expected ErrProcessNotFound, got %v", err)
	}
}

func TestScheduleHighestPriorityReady(t *testing.T) {
	s := New(DefaultConfig())
	s.AddProcess(1, types.PriorityLow)
	s.AddProcess(2, types.PriorityHigh)
	s.AddProcess(3, types.PriorityNormal)

	d := s.Schedule()
	if d.Kind != DecisionRun || d.PID != 2 {
		t.Fatalf("expected Run(2), got %+v", d)
	}
	if s.Running() != 2 {
		t.Errorf("expected pid 2 running, got %v", s.Running())
	}
}

func TestScheduleIdle(t *testing.T) {
	s := New(DefaultConfig())
	if d := s.Schedule(); d.Kind != DecisionIdle {
		t.Errorf("expected Idle on empty scheduler, got %+v", d)
	}

	s.AddProcess(1, types.PriorityNormal)
	s.BlockProcess(1)
	if d := s.Schedule(); d.Kind != DecisionIdle {
		t.Errorf("expected Idle with all processes blocked, got %+v", d)
	}
}

func TestPreemption(t *testing.T) {
	// End-to-end: P1 Low running, P2 High ready -> Preempt(P1, P2).
	s := New(DefaultConfig())
	s.AddProcess(1, types.PriorityLow)

	if d := s.Schedule(); d.Kind != DecisionRun || d.PID != 1 {
		t.Fatalf("expected Run(1), got %+v", d)
	}

	s.AddProcess(2, types.PriorityHigh)
	d := s.Schedule()
	if d.Kind != DecisionPreempt || d.PID != 2 || d.Preempted != 1 {
		t.Fatalf("expected Preempt(1->2), got %+v", d)
	}

	e1, _ := s.Lookup(1)
	if e1.State != StateReady {
		t.Errorf("preempted process should be Ready, got %v", e1.State)
	}
	if s.Running() != 2 {
		t.Errorf("expected pid 2 running, got %v", s.Running())
	}
}

func TestNoPreemptionBelowThreshold(t *testing.T) {
	// Normal > Low but below the High threshold: no switch.
	s := New(DefaultConfig())
	s.AddProcess(1, types.PriorityLow)
	s.Schedule()

	s.AddProcess(2, types.PriorityNormal)
	if d := s.Schedule(); d.Kind != DecisionRun || d.PID != 1 {
		t.Errorf("expected Run(1) (no thrash), got %+v", d)
	}
}

func TestNoPreemptionEqualPriority(t *testing.T) {
	s := New(DefaultConfig())
	s.AddProcess(1, types.PriorityHigh)
	s.Schedule()

	s.AddProcess(2, types.PriorityHigh)
	if d := s.Schedule(); d.Kind != DecisionRun || d.PID != 1 {
		t.Errorf("equal priority must not preempt, got %+v", d)
	}
}

func TestSystemNonPreemptible(t *testing.T) {
	s := New(DefaultConfig())
	s.AddProcess(1, types.PrioritySystem)
	s.Schedule()

	s.AddProcess(2, types.PriorityRealtime)
	if d := s.Schedule(); d.Kind != DecisionRun || d.PID != 1 {
		t.Errorf("System process preempted: %+v", d)
	}

	e, _ := s.Lookup(1)
	if e.SliceRemaining != 0 {
		t.Errorf("System slice should be zero (run to completion), got %v", e.SliceRemaining)
	}
}

func TestSingleRunnerInvariant(t *testing.T) {
	s := New(DefaultConfig())
	for pid := types.ProcessID(1); pid <= 5; pid++ {
		s.AddProcess(pid, types.Priority(int(pid)%4))
	}
	now := base
	for i := 0; i < 50; i++ {
		s.Schedule()
		now = now.Add(10 * time.Millisecond)
		s.Tick(now)

		running := 0
		for _, e := range s.Entries() {
			if e.State == StateRunning {
				running++
			}
		}
		if running > 1 {
			t.Fatalf("iteration %d: %d entries Running", i, running)
		}
	}
}

func TestAntiStarvationAging(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AgingIntervalTicks = 10
	cfg.AgingThreshold = 50 * time.Millisecond
	s := New(cfg)

	s.AddProcess(1, types.PriorityLow)
	s.AddProcess(2, types.PriorityRealtime) // aging-exempt

	now := base
	for i := 0; i < 10; i++ {
		now = now.Add(10 * time.Millisecond)
		s.Tick(now)
	}

	e1, _ := s.Lookup(1)
	if e1.Priority != types.PriorityNormal {
		t.Errorf("expected starved Low process boosted to Normal, got %v", e1.Priority)
	}
	if e1.WaitTime != 0 {
		t.Errorf("expected wait counter reset after boost, got %v", e1.WaitTime)
	}
	e2, _ := s.Lookup(2)
	if e2.Priority != types.PriorityRealtime {
		t.Errorf("Realtime must be aging-exempt, got %v", e2.Priority)
	}
}

func TestAgingCapsBelowRealtime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AgingIntervalTicks = 1
	cfg.AgingThreshold = time.Millisecond
	s := New(cfg)
	s.AddProcess(1, types.PriorityLow)

	now := base
	for i := 0; i < 100; i++ {
		now = now.Add(10 * time.Millisecond)
		s.Tick(now)
	}
	e, _ := s.Lookup(1)
	if e.Priority != types.PriorityHigh {
		t.Errorf("aging must cap below Realtime, got %v", e.Priority)
	}
}

func TestYieldResetsSlice(t *testing.T) {
	s := New(DefaultConfig())
	s.AddProcess(1, types.PriorityNormal)
	s.Schedule()
	s.Tick(base)
	s.Tick(base.Add(30 * time.Millisecond))

	before := s.Stats().ContextSwitches
	if err := s.YieldProcess(1); err != nil {
		t.Fatalf("yield: %v", err)
	}
	e, _ := s.Lookup(1)
	if e.State != StateReady {
		t.Errorf("expected Ready after yield, got %v", e.State)
	}
	if e.SliceRemaining != sliceFor(types.PriorityNormal) {
		t.Errorf("expected fresh slice after yield, got %v", e.SliceRemaining)
	}
	if s.Stats().ContextSwitches != before+1 {
		t.Errorf("yield must count a context switch")
	}

	if err := s.YieldProcess(1); !errors.Is(err, ErrNotRunnable) {
		t.Errorf("yielding a non-running process: expected ErrNotRunnable, got %v", err)
	}
}

func TestSliceExpiration(t *testing.T) {
	s := New(DefaultConfig())
	s.AddProcess(1, types.PriorityNormal)
	s.Schedule()

	s.Tick(base)
	s.Tick(base.Add(sliceFor(types.PriorityNormal) + time.Millisecond))

	e, _ := s.Lookup(1)
	if e.State != StateReady {
		t.Errorf("expected Ready after slice expiry, got %v", e.State)
	}
	if s.Running() != types.NoProcess {
		t.Errorf("expected no running process after slice expiry")
	}
	if s.Stats().SliceExpirations != 1 {
		t.Errorf("expected 1 slice expiration, got %d", s.Stats().SliceExpirations)
	}
}

func TestBlockUnblock(t *testing.T) {
	s := New(DefaultConfig())
	s.AddProcess(1, types.PriorityNormal)
	s.Schedule()

	if err := s.BlockProcess(1); err != nil {
		t.Fatalf("block: %v", err)
	}
	if s.Running() != types.NoProcess {
		t.Error("blocked process still recorded as running")
	}
	e, _ := s.Lookup(1)
	if e.State != StateBlocked {
		t.Errorf("expected Blocked, got %v", e.State)
	}

	if err := s.UnblockProcess(1); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	e, _ = s.Lookup(1)
	if e.State != StateReady {
		t.Errorf("expected Ready after unblock, got %v", e.State)
	}

	if err := s.UnblockProcess(1); !errors.Is(err, ErrNotRunnable) {
		t.Errorf("unblocking a Ready process: expected ErrNotRunnable, got %v", err)
	}
}

func TestCompleteProcess(t *testing.T) {
	s := New(DefaultConfig())
	s.AddProcess(1, types.PriorityNormal)
	s.Schedule()

	if err := s.CompleteProcess(1); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if s.Running() != types.NoProcess {
		t.Error("completed process still running")
	}
	if d := s.Schedule(); d.Kind != DecisionIdle {
		t.Errorf("completed process rescheduled: %+v", d)
	}
}

func TestWaitingAccruesWaitTime(t *testing.T) {
	s := New(DefaultConfig())
	s.AddProcess(1, types.PriorityNormal)
	s.WaitProcess(1)

	s.Tick(base)
	s.Tick(base.Add(40 * time.Millisecond))

	e, _ := s.Lookup(1)
	if e.WaitTime != 40*time.Millisecond {
		t.Errorf("expected 40ms wait accrued, got %v", e.WaitTime)
	}
}

func TestZeroConfigDefaultsPreemptionThreshold(t *testing.T) {
	// A zero Config gets the High threshold like the other defaults; it
	// must not behave as threshold Idle (any strictly higher preempts).
	s := New(Config{})
	s.AddProcess(1, types.PriorityLow)
	s.Schedule()

	s.AddProcess(2, types.PriorityNormal)
	if d := s.Schedule(); d.Kind != DecisionRun || d.PID != 1 {
		t.Errorf("zero config must not preempt below High, got %+v", d)
	}

	s.AddProcess(3, types.PriorityHigh)
	if d := s.Schedule(); d.Kind != DecisionPreempt || d.PID != 3 {
		t.Errorf("expected Preempt at High, got %+v", d)
	}
}
