// Package config loads and validates kernel configuration from YAML, with
// ESTAKERNEL_* environment overrides for the settings operators most often
// need to flip without editing files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"estakernel/internal/types"

	"gopkg.in/yaml.v3"
)

// Config holds all estakernel configuration.
type Config struct {
	Name string `yaml:"name"`

	Capability CapabilityConfig `yaml:"capability"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Router     RouterConfig     `yaml:"router"`
	Registry   RegistryConfig   `yaml:"registry"`
	Loop       LoopConfig       `yaml:"loop"`
	Logging    LoggingConfig    `yaml:"logging"`
	Audit      AuditConfig      `yaml:"audit"`
	Journal    JournalConfig    `yaml:"journal"`
}

// CapabilityConfig configures the capability engine.
type CapabilityConfig struct {
	MaxPerProcess      int `yaml:"max_per_process"`
	MaxDelegationDepth int `yaml:"max_delegation_depth"`
}

// SchedulerConfig configures preemption and aging.
type SchedulerConfig struct {
	AgingIntervalTicks  int    `yaml:"aging_interval_ticks"`
	AgingThresholdMS    int    `yaml:"aging_threshold_ms"`
	PreemptionThreshold string `yaml:"preemption_threshold"` // priority name
}

// RouterConfig configures mailboxes and acknowledgment backpressure.
type RouterConfig struct {
	DefaultMailboxCapacity int    `yaml:"default_mailbox_capacity"`
	DefaultOverflowPolicy  string `yaml:"default_overflow_policy"`
	MaxPendingAcks         int    `yaml:"max_pending_acks"`
	AckTimeoutMS           int    `yaml:"ack_timeout_ms"`
	DedupWindowMS          int    `yaml:"dedup_window_ms"`
}

// RegistryConfig configures the module registry.
type RegistryConfig struct {
	MaxModules int `yaml:"max_modules"`
}

// LoopConfig configures the kernel event loop.
type LoopConfig struct {
	MaxEventsPerTick   int `yaml:"max_events_per_tick"`
	MaxQueueDepth      int `yaml:"max_queue_depth"`
	ShutdownTimeoutMS  int `yaml:"shutdown_timeout_ms"`
	TickIntervalMS     int `yaml:"tick_interval_ms"`
	SweepIntervalTicks int `yaml:"sweep_interval_ticks"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Debug bool   `yaml:"debug"`
	Dir   string `yaml:"dir"`
}

// AuditConfig configures the sqlite audit trail.
type AuditConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
}

// JournalConfig configures deterministic input journaling.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration the kernel runs with when no file is
// present. Values mirror each subsystem's documented defaults.
func Default() *Config {
	return &Config{
		Name: "estakernel",
		Capability: CapabilityConfig{
			MaxPerProcess:      1000,
			MaxDelegationDepth: 5,
		},
		Scheduler: SchedulerConfig{
			AgingIntervalTicks:  100,
			AgingThresholdMS:    5000,
			PreemptionThreshold: "high",
		},
		Router: RouterConfig{
			DefaultMailboxCapacity: 64,
			DefaultOverflowPolicy:  "drop_newest",
			MaxPendingAcks:         10000,
			AckTimeoutMS:           5000,
			DedupWindowMS:          0,
		},
		Registry: RegistryConfig{
			MaxModules: 256,
		},
		Loop: LoopConfig{
			MaxEventsPerTick:   100,
			MaxQueueDepth:      1024,
			ShutdownTimeoutMS:  5000,
			TickIntervalMS:     10,
			SweepIntervalTicks: 100,
		},
		Logging: LoggingConfig{},
		Audit: AuditConfig{
			Enabled:      false,
			DatabasePath: "estakernel-audit.db",
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    "estakernel.journal",
		},
	}
}

// Load reads path (when it exists), layers it over the defaults, applies
// environment overrides, and validates the result. A missing file is not
// an error: defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets operators flip the high-traffic settings without
// editing the config file.
func (c *Config) applyEnvOverrides() {
	if v, ok := envBool("ESTAKERNEL_DEBUG"); ok {
		c.Logging.Debug = v
	}
	if v := os.Getenv("ESTAKERNEL_LOG_DIR"); v != "" {
		c.Logging.Dir = v
	}
	if v, ok := envBool("ESTAKERNEL_AUDIT"); ok {
		c.Audit.Enabled = v
	}
	if v := os.Getenv("ESTAKERNEL_AUDIT_DB"); v != "" {
		c.Audit.DatabasePath = v
	}
	if v, ok := envBool("ESTAKERNEL_JOURNAL"); ok {
		c.Journal.Enabled = v
	}
	if v := os.Getenv("ESTAKERNEL_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
	if v, ok := envInt("ESTAKERNEL_TICK_INTERVAL_MS"); ok {
		c.Loop.TickIntervalMS = v
	}
	if v, ok := envInt("ESTAKERNEL_MAX_PENDING_ACKS"); ok {
		c.Router.MaxPendingAcks = v
	}
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate rejects configurations the kernel cannot honor.
func (c *Config) Validate() error {
	if c.Capability.MaxPerProcess <= 0 {
		return fmt.Errorf("capability.max_per_process must be positive")
	}
	if c.Capability.MaxDelegationDepth <= 0 {
		return fmt.Errorf("capability.max_delegation_depth must be positive")
	}
	if c.Scheduler.AgingIntervalTicks <= 0 {
		return fmt.Errorf("scheduler.aging_interval_ticks must be positive")
	}
	if p, err := types.ParsePriority(c.Scheduler.PreemptionThreshold); err != nil {
		return fmt.Errorf("scheduler.preemption_threshold: %w", err)
	} else if p == types.PriorityIdle {
		// Idle is indistinguishable from the scheduler's unset zero value;
		// "low" expresses the same any-strictly-higher policy.
		return fmt.Errorf("scheduler.preemption_threshold: use \"low\" instead of \"idle\"")
	}
	if c.Router.MaxPendingAcks <= 0 {
		return fmt.Errorf("router.max_pending_acks must be positive")
	}
	if c.Loop.MaxEventsPerTick <= 0 {
		return fmt.Errorf("loop.max_events_per_tick must be positive")
	}
	if c.Loop.TickIntervalMS <= 0 {
		return fmt.Errorf("loop.tick_interval_ms must be positive")
	}
	if c.Audit.Enabled && c.Audit.DatabasePath == "" {
		return fmt.Errorf("audit.database_path required when audit is enabled")
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path required when journaling is enabled")
	}
	return nil
}

// PreemptionThreshold returns the parsed scheduler threshold priority.
// Validate guarantees the name parses.
func (c *Config) PreemptionThreshold() types.Priority {
	p, _ := types.ParsePriority(c.Scheduler.PreemptionThreshold)
	return p
}

// AckTimeout returns the router ack deadline as a duration.
func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.Router.AckTimeoutMS) * time.Millisecond
}

// AgingThreshold returns the scheduler aging threshold as a duration.
func (c *Config) AgingThreshold() time.Duration {
	return time.Duration(c.Scheduler.AgingThresholdMS) * time.Millisecond
}

// ShutdownTimeout returns the loop shutdown bound as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Loop.ShutdownTimeoutMS) * time.Millisecond
}

// TickInterval returns the host driver's tick period.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Loop.TickIntervalMS) * time.Millisecond
}

// DedupWindow returns the dispatcher dedup window (zero disables).
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Router.DedupWindowMS) * time.Millisecond
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
