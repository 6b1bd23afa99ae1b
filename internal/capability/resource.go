package capability

import "fmt"

// ResourceType is the closed set of resource kinds a capability can target.
type ResourceType int

const (
	ResourceMemory ResourceType = iota
	ResourceChannel
	ResourceFile
	ResourceDatabase
	ResourceProcess
	ResourceAuditLog
	ResourceConfig
	ResourceTimer
	ResourceNetwork
	ResourceCustom
)

// String returns the resource type name used in logs and audit records.
func (t ResourceType) String() string {
	switch t {
	case ResourceMemory:
		return "memory"
	case ResourceChannel:
		return "channel"
	case ResourceFile:
		return "file"
	case ResourceDatabase:
		return "database"
	case ResourceProcess:
		return "process"
	case ResourceAuditLog:
		return "audit_log"
	case ResourceConfig:
		return "config"
	case ResourceTimer:
		return "timer"
	case ResourceNetwork:
		return "network"
	case ResourceCustom:
		return "custom"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ResourceID identifies the target of a capability. Tenant scopes the
// resource to one compliance tenant; Path is the resource-type-specific
// locator (a file path, channel name, table name, ...).
type ResourceID struct {
	Type   ResourceType
	Tenant string
	Path   string
}

// SameType reports whether both resources have the same resource type.
func (r ResourceID) SameType(other ResourceID) bool {
	return r.Type == other.Type
}

// SameTenant reports whether both resources belong to the same tenant.
// An empty tenant on either side means the resource is not tenant-scoped.
func (r ResourceID) SameTenant(other ResourceID) bool {
	if r.Tenant == "" || other.Tenant == "" {
		return true
	}
	return r.Tenant == other.Tenant
}

// String renders the resource as "file:acme:/records/2026".
func (r ResourceID) String() string {
	if r.Tenant == "" {
		return fmt.Sprintf("%s:%s", r.Type, r.Path)
	}
	return fmt.Sprintf("%s:%s:%s", r.Type, r.Tenant, r.Path)
}
