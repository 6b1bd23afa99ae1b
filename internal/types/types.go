// Package types contains the core kernel vocabulary shared across all
// internal packages. It deliberately imports no other estakernel package so
// that the capability engine, scheduler, and router can all use the same
// process and priority types without creating import cycles.
package types

import "fmt"

// ProcessID is an opaque handle for a schedulable, addressable unit.
// IDs are unique within a kernel instance and never reused while live
// capabilities or mailboxes still reference them.
type ProcessID uint64

// NoProcess is the zero ProcessID. It never identifies a real process.
const NoProcess ProcessID = 0

// String returns the handle in the form "pid:42".
func (p ProcessID) String() string {
	return fmt.Sprintf("pid:%d", p)
}

// Priority is the scheduling and message priority vocabulary shared by the
// scheduler and the message router. Higher values outrank lower values.
type Priority int

const (
	PriorityIdle Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityRealtime
	PrioritySystem
)

// String returns a human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityIdle:
		return "idle"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityRealtime:
		return "realtime"
	case PrioritySystem:
		return "system"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ParsePriority converts a config-file priority name to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "idle":
		return PriorityIdle, nil
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "realtime":
		return PriorityRealtime, nil
	case "system":
		return PrioritySystem, nil
	default:
		return PriorityIdle, fmt.Errorf("unknown priority %q", s)
	}
}

// Valid reports whether p is one of the defined priority levels.
func (p Priority) Valid() bool {
	return p >= PriorityIdle && p <= PrioritySystem
}
