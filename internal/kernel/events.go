package kernel

import (
	"estakernel/internal/capability"
	"estakernel/internal/router"
	"estakernel/internal/types"
)

// EventKind classifies a kernel event. The set is closed; dispatch is
// exhaustive over it.
type EventKind int

const (
	// EventTick is enqueued by the loop itself at the top of every tick.
	EventTick EventKind = iota
	// EventProcessLifecycle admits, parks, resumes, or retires a process.
	EventProcessLifecycle
	// EventMessage routes one IPC message through the router.
	EventMessage
	// EventSyscall is a capability-gated resource request.
	EventSyscall
	// EventDriver advances a module's lifecycle in the registry.
	EventDriver
	// EventShutdown requests a bounded kernel shutdown.
	EventShutdown
	// EventConfigChange reports that the host observed a config change.
	EventConfigChange
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventTick:
		return "tick"
	case EventProcessLifecycle:
		return "process_lifecycle"
	case EventMessage:
		return "message"
	case EventSyscall:
		return "syscall"
	case EventDriver:
		return "driver"
	case EventShutdown:
		return "shutdown"
	case EventConfigChange:
		return "config_change"
	default:
		return "unknown"
	}
}

// LifecycleAction is the sub-operation of a process lifecycle event.
type LifecycleAction int

const (
	ActionSpawn LifecycleAction = iota
	ActionYield
	ActionBlock
	ActionWait
	ActionUnblock
	ActionComplete
	ActionExit
)

// String returns the action name.
func (a LifecycleAction) String() string {
	switch a {
	case ActionSpawn:
		return "spawn"
	case ActionYield:
		return "yield"
	case ActionBlock:
		return "block"
	case ActionWait:
		return "wait"
	case ActionUnblock:
		return "unblock"
	case ActionComplete:
		return "complete"
	case ActionExit:
		return "exit"
	default:
		return "unknown"
	}
}

// ModuleAction is the sub-operation of a driver event.
type ModuleAction int

const (
	ModuleLoad ModuleAction = iota
	ModuleReady
	ModuleFail
	ModuleUnload
	ModuleUnloaded
)

// String returns the module action name.
func (a ModuleAction) String() string {
	switch a {
	case ModuleLoad:
		return "load"
	case ModuleReady:
		return "ready"
	case ModuleFail:
		return "fail"
	case ModuleUnload:
		return "unload"
	case ModuleUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// Event is one kernel input. Only the fields relevant to Kind are set. The
// struct is flat and CBOR-friendly so the journal can record every input
// verbatim.
type Event struct {
	Kind EventKind `cbor:"kind"`

	// Process lifecycle.
	Action   LifecycleAction       `cbor:"action,omitempty"`
	PID      types.ProcessID       `cbor:"pid,omitempty"`
	Priority types.Priority        `cbor:"priority,omitempty"`
	Capacity int                   `cbor:"capacity,omitempty"`
	Overflow router.OverflowPolicy `cbor:"overflow,omitempty"`

	// Message.
	Source     types.ProcessID `cbor:"source,omitempty"`
	Target     types.ProcessID `cbor:"target,omitempty"`
	Opcode     string          `cbor:"opcode,omitempty"`
	Payload    []byte          `cbor:"payload,omitempty"`
	RequireAck bool            `cbor:"require_ack,omitempty"`

	// Syscall.
	Capability capability.ID         `cbor:"capability,omitempty"`
	Required   capability.Rights     `cbor:"required,omitempty"`
	Resource   capability.ResourceID `cbor:"resource,omitempty"`

	// Driver.
	Module       string       `cbor:"module,omitempty"`
	ModuleAction ModuleAction `cbor:"module_action,omitempty"`
	Reason       string       `cbor:"reason,omitempty"`

	// Config change.
	ConfigPath string `cbor:"config_path,omitempty"`
}

// TickEvent builds the loop's own per-tick event.
func TickEvent() Event {
	return Event{Kind: EventTick}
}

// SpawnEvent admits a process with a mailbox.
func SpawnEvent(pid types.ProcessID, priority types.Priority, capacity int, overflow router.OverflowPolicy) Event {
	return Event{Kind: EventProcessLifecycle, Action: ActionSpawn, PID: pid, Priority: priority, Capacity: capacity, Overflow: overflow}
}

// ExitEvent retires a process, revoking its capabilities and mailbox.
func ExitEvent(pid types.ProcessID) Event {
	return Event{Kind: EventProcessLifecycle, Action: ActionExit, PID: pid}
}

// MessageEvent routes one message.
func MessageEvent(source, target types.ProcessID, opcode string, payload []byte, priority types.Priority, requireAck bool) Event {
	return Event{Kind: EventMessage, Source: source, Target: target, Opcode: opcode, Payload: payload, Priority: priority, RequireAck: requireAck}
}

// SyscallEvent requests a capability-gated access for pid.
func SyscallEvent(pid types.ProcessID, id capability.ID, required capability.Rights, resource capability.ResourceID) Event {
	return Event{Kind: EventSyscall, PID: pid, Capability: id, Required: required, Resource: resource}
}

// DriverEvent advances the named module's lifecycle.
func DriverEvent(module string, action ModuleAction, reason string) Event {
	return Event{Kind: EventDriver, Module: module, ModuleAction: action, Reason: reason}
}

// ShutdownEvent requests kernel shutdown.
func ShutdownEvent(reason string) Event {
	return Event{Kind: EventShutdown, Reason: reason}
}

// ConfigChangeEvent reports a changed config file.
func ConfigChangeEvent(path string) Event {
	return Event{Kind: EventConfigChange, ConfigPath: path}
}
