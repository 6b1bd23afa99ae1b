package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"estakernel/internal/config"
	"estakernel/internal/host"
	"estakernel/internal/journal"
	"estakernel/internal/kernel"
	"estakernel/internal/logging"
	"estakernel/internal/router"
	"estakernel/internal/types"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// Global flags
	configPath string
	verbose    bool
	logDir     string

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "estakernel",
	Short: "estakernel - capability-secured deterministic microkernel",
	Long: `estakernel is a deterministic, capability-secured microkernel.

Every kernel operation is a pure state transition driven by explicit
timestamps: unforgeable capabilities gate all resource access, a
priority-preemptive scheduler picks one runner per tick, and FIFO
mailboxes carry IPC with explicit overflow policies. Because the kernel
never reads the wall clock itself, a journaled run replays to identical
state.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if verbose {
			cfg.Logging.Debug = true
		}
		if logDir != "" {
			cfg.Logging.Dir = logDir
		}
		if err := logging.Init(logging.Config{Debug: cfg.Logging.Debug, Dir: cfg.Logging.Dir}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// runCmd drives the kernel against real time until a signal or a shutdown
// event stops it.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the kernel loop until interrupted",
	Long: `Boots the kernel through its init phases and drives it with a real
ticker. SIGINT and SIGTERM trigger a bounded drain before exit. When
journaling is enabled every input is recorded for later replay.`,
	RunE: runKernel,
}

// simulateCmd runs a synthetic workload on virtual time.
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a synthetic workload on virtual time and print statistics",
	Long: `Boots a kernel on a virtual clock, spawns a small process set at
mixed priorities, exchanges messages, and ticks a fixed number of turns.
Useful for demonstrating scheduling and preemption behavior without a
real workload attached.`,
	RunE: simulate,
}

// replayCmd rebuilds kernel state from a journal.
var replayCmd = &cobra.Command{
	Use:   "replay [journal-file]",
	Short: "Replay a recorded journal into a fresh kernel",
	Long: `Reads a journal written by a previous run and applies every recorded
input, in order and at its recorded timestamp, to a freshly booted
kernel. The resulting state and statistics match the original run.`,
	Args: cobra.ExactArgs(1),
	RunE: replayJournal,
}

// configCmd prints the effective configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var (
	simProcesses int
	simTicks     int
)

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "estakernel.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Write JSON logs to this directory instead of stderr")

	simulateCmd.Flags().IntVar(&simProcesses, "processes", 4, "Number of synthetic processes")
	simulateCmd.Flags().IntVar(&simTicks, "ticks", 1000, "Number of virtual ticks")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runKernel(cmd *cobra.Command, args []string) error {
	h, err := host.New(cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.Boot(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("estakernel running (ctrl-c to stop)")
	if err := h.Run(ctx, configPath); err != nil {
		return err
	}

	stats := h.Stats()
	fmt.Printf("stopped after %d ticks, %d events (reason: %s)\n",
		stats.TotalTicks, stats.TotalEvents, stats.ShutdownReason)
	return nil
}

func simulate(cmd *cobra.Command, args []string) error {
	h, err := host.New(cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.SetClock(func() time.Time { return now })
	if err := h.Boot(); err != nil {
		return err
	}

	// Mixed priorities so preemption and aging both get exercised.
	priorities := []types.Priority{
		types.PriorityLow, types.PriorityNormal, types.PriorityHigh, types.PriorityIdle,
	}
	for i := 0; i < simProcesses; i++ {
		pid := types.ProcessID(i + 1)
		prio := priorities[i%len(priorities)]
		if err := h.Submit(kernel.SpawnEvent(pid, prio, 16, router.DropOldest)); err != nil {
			return fmt.Errorf("spawn %d: %w", pid, err)
		}
	}

	interval := cfg.TickInterval()
	for tick := 0; tick < simTicks; tick++ {
		if simProcesses > 1 && tick%10 == 0 {
			src := types.ProcessID(tick%simProcesses + 1)
			dst := types.ProcessID((tick+1)%simProcesses + 1)
			h.Submit(kernel.MessageEvent(src, dst, "sim.ping", nil, types.PriorityNormal, false))
		}
		now = now.Add(interval)
		h.Tick()
	}

	stats := h.Stats()
	k := h.Kernel()
	fmt.Printf("simulated %d ticks over %v virtual time\n", stats.TotalTicks, stats.Uptime)
	fmt.Printf("  events processed:  %d\n", stats.TotalEvents)
	fmt.Printf("  context switches:  %d\n", k.Sched.Stats().ContextSwitches)
	fmt.Printf("  preemptions:       %d\n", k.Sched.Stats().Preemptions)
	fmt.Printf("  aging boosts:      %d\n", k.Sched.Stats().AgingBoosts)
	fmt.Printf("  messages routed:   %d\n", k.Router.Stats().Delivered)
	fmt.Printf("  running process:   %s\n", k.Sched.Running())
	return nil
}

func replayJournal(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	// Replay into a bare kernel: no journal (no re-recording), no audit.
	replayCfg := *cfg
	replayCfg.Journal.Enabled = false
	replayCfg.Audit.Enabled = false

	h, err := host.New(&replayCfg)
	if err != nil {
		return err
	}
	defer h.Close()
	if err := h.Boot(); err != nil {
		return err
	}

	applied, err := journal.Replay(journal.NewReader(f), h.Kernel())
	if err != nil {
		return fmt.Errorf("replay failed after %d records: %w", applied, err)
	}

	stats := h.Stats()
	fmt.Printf("replayed %d records: %d ticks, %d events, state %s\n",
		applied, stats.TotalTicks, stats.TotalEvents, h.State())
	return nil
}
