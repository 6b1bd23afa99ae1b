// Package host runs the kernel against real time and real storage. The
// kernel itself is a pure state machine driven by explicit timestamps; the
// host owns the wall clock, the tick driver goroutine, the journal file,
// the audit database, and the config watcher, and serializes every kernel
// call behind one mutex.
package host

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"estakernel/internal/audit"
	"estakernel/internal/config"
	"estakernel/internal/journal"
	"estakernel/internal/kernel"
	"estakernel/internal/logging"
	"estakernel/internal/router"

	"golang.org/x/sync/errgroup"
)

// Host wires the kernel to its environment.
type Host struct {
	cfg *config.Config

	mu     sync.Mutex
	kernel *kernel.Kernel

	journalFile *os.File
	journal     *journal.Writer
	auditor     *audit.Recorder
	watcher     *ConfigWatcher

	clock func() time.Time
}

// New builds a host around an initialized kernel. The audit database and
// journal file are opened here when the config enables them.
func New(cfg *config.Config) (*Host, error) {
	h := &Host{
		cfg:   cfg,
		clock: func() time.Time { return time.Now().UTC() },
	}

	if cfg.Audit.Enabled {
		rec, err := audit.Open(cfg.Audit.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("open audit database: %w", err)
		}
		h.auditor = rec
	}

	if cfg.Journal.Enabled {
		f, err := os.OpenFile(cfg.Journal.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			h.closeStores()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		h.journalFile = f
		h.journal = journal.NewWriter(f)
	}

	h.kernel = kernel.New(kernelConfig(cfg))
	if h.auditor != nil {
		h.kernel.SetAuditSink(h.auditor)
	}
	return h, nil
}

// kernelConfig maps the operator-facing YAML config onto the kernel's
// subsystem configs.
func kernelConfig(cfg *config.Config) kernel.Config {
	kc := kernel.DefaultConfig()
	kc.MaxEventsPerTick = cfg.Loop.MaxEventsPerTick
	kc.MaxQueueDepth = cfg.Loop.MaxQueueDepth
	kc.ShutdownTimeout = cfg.ShutdownTimeout()
	kc.SweepIntervalTicks = cfg.Loop.SweepIntervalTicks
	kc.Capability.MaxPerProcess = cfg.Capability.MaxPerProcess
	kc.Capability.MaxDelegationDepth = cfg.Capability.MaxDelegationDepth
	kc.Scheduler.AgingIntervalTicks = cfg.Scheduler.AgingIntervalTicks
	kc.Scheduler.AgingThreshold = cfg.AgingThreshold()
	kc.Scheduler.PreemptionThreshold = cfg.PreemptionThreshold()
	kc.Router.DefaultCapacity = cfg.Router.DefaultMailboxCapacity
	kc.Router.MaxPendingAcks = cfg.Router.MaxPendingAcks
	kc.Router.AckTimeout = cfg.AckTimeout()
	kc.Registry.MaxModules = cfg.Registry.MaxModules
	return kc
}

// SetClock replaces the wall clock. Tests use this to drive the host with
// synthetic time.
func (h *Host) SetClock(clock func() time.Time) {
	h.clock = clock
}

// Kernel exposes the kernel for direct inspection. Callers must not retain
// the pointer across goroutines; all mutation goes through the host.
func (h *Host) Kernel() *kernel.Kernel {
	return h.kernel
}

// Boot runs the kernel's init sequence and starts the loop. When dedup is
// configured the dispatcher layer is attached after the router exists.
func (h *Host) Boot() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.kernel.RunInit(); err != nil {
		return fmt.Errorf("kernel init: %w", err)
	}
	if w := h.cfg.DedupWindow(); w > 0 {
		h.kernel.SetDispatcher(router.NewDispatcher(h.kernel.Router, w))
	}
	if err := h.kernel.Start(h.clock()); err != nil {
		return fmt.Errorf("kernel start: %w", err)
	}
	logging.Host("booted (journal=%v audit=%v)", h.journal != nil, h.auditor != nil)
	return nil
}

// Submit journals and enqueues one external event.
func (h *Host) Submit(ev kernel.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.submitLocked(ev)
}

func (h *Host) submitLocked(ev kernel.Event) error {
	if h.journal != nil {
		if err := h.journal.AppendEvent(h.clock(), ev); err != nil {
			logging.Host("journal append failed: %v", err)
		}
	}
	return h.kernel.Submit(ev)
}

// Tick advances the kernel one turn at the current wall clock.
func (h *Host) Tick() kernel.TickReport {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock()
	if h.journal != nil {
		if err := h.journal.AppendTick(now); err != nil {
			logging.Host("journal append failed: %v", err)
		}
	}
	return h.kernel.Tick(now)
}

// State returns the kernel loop state.
func (h *Host) State() kernel.LoopState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kernel.State()
}

// Stats returns the kernel loop statistics.
func (h *Host) Stats() kernel.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kernel.Stats()
}

// Shutdown submits a shutdown event; the loop drains and stops within the
// configured timeout.
func (h *Host) Shutdown(reason string) error {
	return h.Submit(kernel.ShutdownEvent(reason))
}

// Run drives the kernel with a real ticker until the loop stops or the
// context is cancelled. A config watcher runs alongside when a config path
// is given; changes surface as kernel events, never as live mutation.
func (h *Host) Run(ctx context.Context, configPath string) error {
	g, ctx := errgroup.WithContext(ctx)

	if configPath != "" {
		w, err := NewConfigWatcher(configPath, h.Submit)
		if err != nil {
			logging.Host("config watcher unavailable: %v", err)
		} else {
			h.watcher = w
			g.Go(func() error { return w.Run(ctx) })
		}
	}

	g.Go(func() error {
		ticker := time.NewTicker(h.cfg.TickInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				h.drainOnExit()
				return ctx.Err()
			case <-ticker.C:
				report := h.Tick()
				if report.State == kernel.StateStopped {
					return nil
				}
			}
		}
	})

	err := g.Wait()
	if h.watcher != nil {
		h.watcher.Close()
	}
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// drainOnExit gives the kernel a bounded shutdown when the context is
// cancelled from outside (signal, parent context).
func (h *Host) drainOnExit() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.kernel.State() == kernel.StateStopped {
		return
	}
	now := h.clock()
	h.kernel.RequestShutdown(now, "host context cancelled")
	for h.kernel.State() != kernel.StateStopped {
		now = h.clock()
		h.kernel.Tick(now)
	}
}

// Close releases the journal file and audit database.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeStores()
}

func (h *Host) closeStores() error {
	var first error
	if h.journalFile != nil {
		if err := h.journalFile.Close(); err != nil && first == nil {
			first = err
		}
		h.journalFile = nil
		h.journal = nil
	}
	if h.auditor != nil {
		if err := h.auditor.Close(); err != nil && first == nil {
			first = err
		}
		h.auditor = nil
	}
	return first
}
