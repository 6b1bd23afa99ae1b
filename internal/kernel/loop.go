// Package kernel ties the capability engine, scheduler, message router, and
// module registry together behind a phased init sequencer and a bounded,
// tick-driven event loop.
//
// The loop is single-threaded by contract: the host serializes all calls
// (one Tick per host event-loop turn) and passes an explicit `now`, so a
// recorded event sequence replays to identical kernel state.
package kernel

import (
	"errors"
	"time"

	"estakernel/internal/capability"
	"estakernel/internal/logging"
	"estakernel/internal/registry"
	"estakernel/internal/router"
	"estakernel/internal/scheduler"
	"estakernel/internal/types"
)

// LoopState is the kernel loop's lifecycle state.
type LoopState int

const (
	StateInitializing LoopState = iota
	StateRunning
	StatePausing
	StateShuttingDown
	StateStopped
)

// String returns the loop state name.
func (s LoopState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StatePausing:
		return "pausing"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config bounds the loop and bundles subsystem configs.
type Config struct {
	// MaxEventsPerTick caps how many events one Tick may drain.
	MaxEventsPerTick int
	// MaxQueueDepth caps the event queue; further Submits are rejected.
	MaxQueueDepth int
	// ShutdownTimeout bounds how long ShuttingDown may keep draining.
	ShutdownTimeout time.Duration
	// SweepIntervalTicks is how often expired capabilities are revoked
	// and swept and the dispatcher's dedup table pruned.
	SweepIntervalTicks int

	Capability capability.Config
	Scheduler  scheduler.Config
	Router     router.Config
	Registry   registry.Config
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		MaxEventsPerTick:   100,
		MaxQueueDepth:      1024,
		ShutdownTimeout:    5 * time.Second,
		SweepIntervalTicks: 100,
		Capability:         capability.DefaultConfig(),
		Scheduler:          scheduler.DefaultConfig(),
		Router:             router.DefaultConfig(),
		Registry:           registry.DefaultConfig(),
	}
}

// Stats is the loop's rolling bookkeeping.
type Stats struct {
	TotalTicks      uint64
	TotalEvents     uint64
	EventsDropped   uint64
	SyscallsOK      uint64
	SyscallsDenied  uint64
	LastTickAt      time.Time
	LastTickGap     time.Duration
	AvgTickGap      time.Duration
	StartedAt       time.Time
	Uptime          time.Duration
	ConfigReloads   uint64
	ShutdownReason  string
}

// AuditSink receives security-relevant kernel events. The kernel depends
// only on this narrow interface; the sqlite-backed recorder lives in
// internal/audit and is attached by the host.
type AuditSink interface {
	Record(now time.Time, kind string, pid types.ProcessID, detail string)
}

// Loop errors.
var (
	ErrQueueFull    = errors.New("kernel event queue full")
	ErrWrongState   = errors.New("operation invalid in current loop state")
	ErrInitNotRun   = errors.New("kernel init has not run")
)

// TickReport summarizes one Tick for the driving host.
type TickReport struct {
	Processed   int
	Decision    scheduler.Decision
	ExpiredAcks []uint64
	State       LoopState
}

// Kernel is the top-level orchestrator.
type Kernel struct {
	cfg   Config
	state LoopState
	phase InitPhase

	Caps       *capability.Engine
	Sched      *scheduler.Scheduler
	Router     *router.Router
	Registry   *registry.Registry
	Dispatcher *router.Dispatcher

	seq   *sequencer
	queue []Event
	stats Stats
	audit AuditSink

	firstTickAt      time.Time
	shutdownDeadline time.Time
}

// New creates a kernel in Initializing state with the default bootstrap
// sequence registered. RunInit must complete before Start.
func New(cfg Config) *Kernel {
	if cfg.MaxEventsPerTick <= 0 {
		cfg.MaxEventsPerTick = DefaultConfig().MaxEventsPerTick
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = DefaultConfig().MaxQueueDepth
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	if cfg.SweepIntervalTicks <= 0 {
		cfg.SweepIntervalTicks = DefaultConfig().SweepIntervalTicks
	}

	k := &Kernel{
		cfg:   cfg,
		state: StateInitializing,
		phase: PhasePreInit,
		seq:   newSequencer(),
	}
	k.registerCoreInitializers()
	return k
}

// registerCoreInitializers seeds the bootstrap ladder: the four subsystems
// come up in dependency order across CoreInit and ServiceInit.
func (k *Kernel) registerCoreInitializers() {
	k.seq.seed(Initializer{
		Name:  "capabilities",
		Phase: PhaseCoreInit,
		Fn: func(k *Kernel) error {
			k.Caps = capability.NewEngine(k.cfg.Capability)
			return nil
		},
	})
	k.seq.seed(Initializer{
		Name:      "scheduler",
		Phase:     PhaseCoreInit,
		DependsOn: []string{"capabilities"},
		Fn: func(k *Kernel) error {
			k.Sched = scheduler.New(k.cfg.Scheduler)
			return nil
		},
	})
	k.seq.seed(Initializer{
		Name:      "router",
		Phase:     PhaseCoreInit,
		DependsOn: []string{"scheduler"},
		Fn: func(k *Kernel) error {
			k.Router = router.New(k.cfg.Router)
			return nil
		},
	})
	k.seq.seed(Initializer{
		Name:      "registry",
		Phase:     PhaseServiceInit,
		DependsOn: []string{"capabilities"},
		Fn: func(k *Kernel) error {
			k.Registry = registry.New(k.cfg.Registry)
			return nil
		},
	})
}

// RegisterInitializer adds a host-supplied bootstrap step (attaching the
// audit sink, preloading modules, ...). Must be called before RunInit.
func (k *Kernel) RegisterInitializer(init Initializer) error {
	if k.phase != PhasePreInit {
		return ErrWrongState
	}
	return k.seq.add(init)
}

// RunInit drives all init phases. On any failure the kernel finalizes to
// PhaseFailed and refuses to start.
func (k *Kernel) RunInit() error {
	if k.phase != PhasePreInit {
		return ErrWrongState
	}
	if err := k.seq.run(k); err != nil {
		k.phase = PhaseFailed
		return err
	}
	k.phase = PhaseComplete
	logging.Kernel("init complete")
	return nil
}

// InitPhase returns the bootstrap outcome phase.
func (k *Kernel) InitPhase() InitPhase {
	return k.phase
}

// InitErrors returns the accumulated bootstrap errors.
func (k *Kernel) InitErrors() []error {
	return k.seq.errs
}

// SetAuditSink attaches the audit recorder.
func (k *Kernel) SetAuditSink(sink AuditSink) {
	k.audit = sink
}

// SetDispatcher attaches the optional pattern-routing layer; the loop then
// prunes its dedup table during sweeps.
func (k *Kernel) SetDispatcher(d *router.Dispatcher) {
	k.Dispatcher = d
}

// Start moves a successfully initialized kernel into Running.
func (k *Kernel) Start(now time.Time) error {
	if k.phase != PhaseComplete {
		return ErrInitNotRun
	}
	if k.state != StateInitializing {
		return ErrWrongState
	}
	k.state = StateRunning
	k.stats.StartedAt = now
	logging.Kernel("kernel running")
	return nil
}

// Pause suspends event processing; the queue is retained.
func (k *Kernel) Pause() error {
	if k.state != StateRunning {
		return ErrWrongState
	}
	k.state = StatePausing
	return nil
}

// Resume returns a paused kernel to Running.
func (k *Kernel) Resume() error {
	if k.state != StatePausing {
		return ErrWrongState
	}
	k.state = StateRunning
	return nil
}

// RequestShutdown transitions to ShuttingDown. Remaining events keep
// draining until the queue empties or the shutdown timeout elapses, after
// which the loop stops unconditionally.
func (k *Kernel) RequestShutdown(now time.Time, reason string) {
	if k.state == StateShuttingDown || k.state == StateStopped {
		return
	}
	k.state = StateShuttingDown
	k.shutdownDeadline = now.Add(k.cfg.ShutdownTimeout)
	k.stats.ShutdownReason = reason
	k.record(now, "shutdown_requested", types.NoProcess, reason)
	logging.Kernel("shutdown requested: %s", reason)
}

// State returns the loop state.
func (k *Kernel) State() LoopState {
	return k.state
}

// Stats returns a copy of the loop statistics.
func (k *Kernel) Stats() Stats {
	return k.stats
}

// QueueDepth returns the number of undrained events.
func (k *Kernel) QueueDepth() int {
	return len(k.queue)
}

// Submit enqueues an external event. The queue is bounded; overflow is an
// error, never silent loss.
func (k *Kernel) Submit(ev Event) error {
	if k.state == StateStopped {
		return ErrWrongState
	}
	if len(k.queue) >= k.cfg.MaxQueueDepth {
		k.stats.EventsDropped++
		return ErrQueueFull
	}
	k.queue = append(k.queue, ev)
	return nil
}

// Tick advances the kernel one turn: enqueue the Tick event, drain up to
// MaxEventsPerTick events, dispatch each by kind, then produce a scheduling
// decision. In ShuttingDown it only drains, stopping when the queue is
// empty or the deadline passes.
func (k *Kernel) Tick(now time.Time) TickReport {
	report := TickReport{State: k.state}

	switch k.state {
	case StateRunning:
		// Enqueue the tick event even if the queue is saturated with
		// external events; time must always advance.
		k.queue = append(k.queue, TickEvent())
	case StateShuttingDown:
		// Drain only.
	default:
		return report
	}

	k.advanceClock(now)

	processed := 0
	for processed < k.cfg.MaxEventsPerTick && len(k.queue) > 0 {
		ev := k.queue[0]
		k.queue = k.queue[1:]
		k.dispatch(ev, now, &report)
		processed++
	}
	report.Processed = processed
	k.stats.TotalEvents += uint64(processed)

	if k.state == StateShuttingDown {
		if len(k.queue) == 0 || now.After(k.shutdownDeadline) {
			k.state = StateStopped
			report.State = StateStopped
			logging.Kernel("kernel stopped (drained=%v)", len(k.queue) == 0)
			return report
		}
	}

	if k.state == StateRunning {
		report.Decision = k.Sched.Schedule()
	}
	report.State = k.state
	return report
}

// advanceClock updates the per-tick statistics from the explicit now.
func (k *Kernel) advanceClock(now time.Time) {
	k.stats.TotalTicks++
	if k.firstTickAt.IsZero() {
		k.firstTickAt = now
	}
	if !k.stats.LastTickAt.IsZero() {
		k.stats.LastTickGap = now.Sub(k.stats.LastTickAt)
		if k.stats.TotalTicks > 1 {
			k.stats.AvgTickGap = now.Sub(k.firstTickAt) / time.Duration(k.stats.TotalTicks-1)
		}
	}
	k.stats.LastTickAt = now
	if !k.stats.StartedAt.IsZero() {
		k.stats.Uptime = now.Sub(k.stats.StartedAt)
	}
}

// dispatch routes one event to the owning subsystem.
func (k *Kernel) dispatch(ev Event, now time.Time, report *TickReport) {
	switch ev.Kind {
	case EventTick:
		k.Sched.Tick(now)
		if expired := k.Router.CheckAckTimeouts(now); len(expired) > 0 {
			report.ExpiredAcks = append(report.ExpiredAcks, expired...)
			logging.Router("%d acks timed out", len(expired))
		}
		if k.stats.TotalTicks%uint64(k.cfg.SweepIntervalTicks) == 0 {
			if n := k.Caps.RevokeExpired(now); n > 0 {
				logging.Caps("revoked %d expired capabilities", n)
			}
			k.Caps.SweepExpired(now)
			if k.Dispatcher != nil {
				k.Dispatcher.PruneSeen(now)
			}
		}

	case EventProcessLifecycle:
		k.dispatchLifecycle(ev, now)

	case EventMessage:
		if _, err := k.Router.Send(ev.Source, ev.Target, ev.Opcode, ev.Payload, ev.Priority, ev.RequireAck, now); err != nil {
			logging.Router("send %s -> %s failed: %v", ev.Source, ev.Target, err)
			k.record(now, "message_rejected", ev.Source, err.Error())
		} else if e, ok := k.Sched.Lookup(ev.Target); ok && e.State == scheduler.StateWaiting {
			// Delivery wakes a process waiting on its mailbox.
			k.Sched.UnblockProcess(ev.Target)
		}

	case EventSyscall:
		if err := k.Caps.Validate(ev.Capability, ev.Required, ev.Resource, ev.PID, now); err != nil {
			k.stats.SyscallsDenied++
			k.record(now, "capability_denied", ev.PID, err.Error())
			logging.Caps("syscall denied for %s: %v", ev.PID, err)
		} else {
			k.stats.SyscallsOK++
			k.record(now, "capability_used", ev.PID, ev.Resource.String())
		}

	case EventDriver:
		k.dispatchDriver(ev, now)

	case EventShutdown:
		k.RequestShutdown(now, ev.Reason)

	case EventConfigChange:
		k.stats.ConfigReloads++
		k.record(now, "config_changed", types.NoProcess, ev.ConfigPath)
		logging.Kernel("config change observed: %s", ev.ConfigPath)
	}
}

func (k *Kernel) dispatchLifecycle(ev Event, now time.Time) {
	switch ev.Action {
	case ActionSpawn:
		if err := k.Sched.AddProcess(ev.PID, ev.Priority); err != nil {
			k.record(now, "spawn_rejected", ev.PID, err.Error())
			return
		}
		if err := k.Router.RegisterProcess(ev.PID, ev.Capacity, ev.Overflow); err != nil {
			// Roll back the scheduler admission; no partial spawn.
			k.Sched.RemoveProcess(ev.PID)
			k.record(now, "spawn_rejected", ev.PID, err.Error())
			return
		}
		k.record(now, "process_spawned", ev.PID, ev.Priority.String())
		logging.Sched("spawned %s at %s", ev.PID, ev.Priority)
	case ActionYield:
		k.Sched.YieldProcess(ev.PID)
	case ActionBlock:
		k.Sched.BlockProcess(ev.PID)
	case ActionWait:
		k.Sched.WaitProcess(ev.PID)
	case ActionUnblock:
		k.Sched.UnblockProcess(ev.PID)
	case ActionComplete:
		k.Sched.CompleteProcess(ev.PID)
		k.record(now, "process_completed", ev.PID, "")
	case ActionExit:
		k.Sched.RemoveProcess(ev.PID)
		k.Router.UnregisterProcess(ev.PID)
		if n := k.Caps.RevokeAllForProcess(ev.PID); n > 0 {
			logging.Caps("revoked %d capabilities on exit of %s", n, ev.PID)
		}
		k.record(now, "process_exited", ev.PID, "")
	}
}

func (k *Kernel) dispatchDriver(ev Event, now time.Time) {
	mod, ok := k.Registry.LookupByName(ev.Module)
	if !ok {
		k.record(now, "module_unknown", types.NoProcess, ev.Module)
		return
	}
	var err error
	switch ev.ModuleAction {
	case ModuleLoad:
		err = k.Registry.SetLoading(mod.ID)
	case ModuleReady:
		err = k.Registry.SetReady(mod.ID)
	case ModuleFail:
		err = k.Registry.SetFailed(mod.ID, ev.Reason)
		k.record(now, "module_failed", types.NoProcess, ev.Module+": "+ev.Reason)
	case ModuleUnload:
		err = k.Registry.SetUnloading(mod.ID)
	case ModuleUnloaded:
		err = k.Registry.SetUnloaded(mod.ID)
	}
	if err != nil {
		logging.Registry("module %s %s: %v", ev.Module, ev.ModuleAction, err)
		k.record(now, "module_transition_rejected", types.NoProcess, ev.Module+": "+err.Error())
	}
}

// record forwards to the audit sink when one is attached.
func (k *Kernel) record(now time.Time, kind string, pid types.ProcessID, detail string) {
	if k.audit != nil {
		k.audit.Record(now, kind, pid, detail)
	}
}
