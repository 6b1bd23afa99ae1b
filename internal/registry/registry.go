// Package registry implements the dependency-gated module lifecycle: a
// catalogue of loadable kernel modules, their versions, dependencies, and a
// strict forward state machine from Registered to Unloaded.
package registry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"estakernel/internal/capability"
)

// ModuleType classifies a loadable unit.
type ModuleType int

const (
	ModuleCore ModuleType = iota
	ModuleService
	ModuleDriver
	ModuleExtension
)

// String returns the module type name.
func (t ModuleType) String() string {
	switch t {
	case ModuleCore:
		return "core"
	case ModuleService:
		return "service"
	case ModuleDriver:
		return "driver"
	case ModuleExtension:
		return "extension"
	default:
		return "unknown"
	}
}

// ModuleState is the lifecycle state. Transitions only move forward:
// Registered -> Loading -> Ready -> Unloading -> Unloaded, with Failed
// reachable from Loading and Ready.
type ModuleState int

const (
	StateRegistered ModuleState = iota
	StateLoading
	StateReady
	StateFailed
	StateUnloading
	StateUnloaded
)

// String returns the state name.
func (s ModuleState) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateUnloading:
		return "unloading"
	case StateUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// Version is a semantic version compared major, then minor, then patch.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses "1.2.3".
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("malformed version %q", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("malformed version %q", s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// Compare returns -1, 0, or 1 as v is lower than, equal to, or higher
// than other.
func (v Version) Compare(other Version) int {
	for _, d := range []int{v.Major - other.Major, v.Minor - other.Minor, v.Patch - other.Patch} {
		if d < 0 {
			return -1
		}
		if d > 0 {
			return 1
		}
	}
	return 0
}

// String returns "1.2.3".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ModuleID is the registry's stable integer handle for a module.
type ModuleID uint64

// Module is one registered unit of kernel functionality.
type Module struct {
	ID      ModuleID
	Name    string
	Version Version
	Type    ModuleType
	State   ModuleState

	// EntryPoint names the host-side symbol the module loader invokes;
	// the registry records it, the host executes it.
	EntryPoint string
	// Dependencies are module names that must be Ready before this
	// module may become Ready. Dependents is the reverse index.
	Dependencies []string
	Dependents   []string
	// RequiredCapabilities gates which resources the module may request
	// at load time.
	RequiredCapabilities []capability.ResourceType
	// Checksum is the content hash the loader verified, recorded for
	// audit.
	Checksum string

	FailReason string
}

// Tagged registry errors.
var (
	ErrAlreadyExists       = errors.New("module name/version already registered")
	ErrNotFound            = errors.New("module not found")
	ErrTooManyModules      = errors.New("module count limit reached")
	ErrHasDependents       = errors.New("module still has dependents")
	ErrMissingDependencies = errors.New("module has unready dependencies")
	ErrBadTransition       = errors.New("invalid module state transition")
	ErrDependencyCycle     = errors.New("module dependency cycle")
)

// Config bounds the registry.
type Config struct {
	MaxModules int
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{MaxModules: 256}
}

// Stats counts lifecycle transitions.
type Stats struct {
	Registered   uint64
	Unregistered uint64
	Loaded       uint64
	Failed       uint64
	Unloaded     uint64
}

// Registry is the module catalogue: an arena keyed by ModuleID with a
// by-name index for version resolution.
type Registry struct {
	cfg    Config
	mods   map[ModuleID]*Module
	byName map[string][]ModuleID
	nextID ModuleID
	stats  Stats
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.MaxModules <= 0 {
		cfg.MaxModules = DefaultConfig().MaxModules
	}
	return &Registry{
		cfg:    cfg,
		mods:   make(map[ModuleID]*Module),
		byName: make(map[string][]ModuleID),
	}
}

// Register adds a module in state Registered. Duplicate (name, version)
// pairs and exceeding the module limit are rejected. Dependents of the
// named dependencies are updated to include the new module.
func (r *Registry) Register(name string, version Version, typ ModuleType, entryPoint string, dependencies []string, requiredCaps []capability.ResourceType, checksum string) (ModuleID, error) {
	if len(r.mods) >= r.cfg.MaxModules {
		return 0, ErrTooManyModules
	}
	for _, id := range r.byName[name] {
		if r.mods[id].Version.Compare(version) == 0 {
			return 0, ErrAlreadyExists
		}
	}

	r.nextID++
	mod := &Module{
		ID:                   r.nextID,
		Name:                 name,
		Version:              version,
		Type:                 typ,
		State:                StateRegistered,
		EntryPoint:           entryPoint,
		Dependencies:         append([]string(nil), dependencies...),
		RequiredCapabilities: append([]capability.ResourceType(nil), requiredCaps...),
		Checksum:             checksum,
	}
	r.mods[mod.ID] = mod
	r.byName[name] = append(r.byName[name], mod.ID)

	for _, dep := range dependencies {
		for _, depID := range r.byName[dep] {
			r.mods[depID].Dependents = appendUnique(r.mods[depID].Dependents, name)
		}
	}
	// A dependent may register before its dependency; pick up existing
	// modules that declared this name.
	for _, other := range r.mods {
		if other.ID == mod.ID {
			continue
		}
		for _, dep := range other.Dependencies {
			if dep == name {
				mod.Dependents = appendUnique(mod.Dependents, other.Name)
			}
		}
	}
	r.stats.Registered++
	return mod.ID, nil
}

// Unregister removes a module. It fails with ErrHasDependents while other
// registered modules still depend on it; callers must remove dependents
// first.
func (r *Registry) Unregister(id ModuleID) error {
	mod, ok := r.mods[id]
	if !ok {
		return ErrNotFound
	}
	for _, depName := range mod.Dependents {
		if len(r.byName[depName]) > 0 {
			return ErrHasDependents
		}
	}

	delete(r.mods, id)
	ids := r.byName[mod.Name]
	for i, mid := range ids {
		if mid == id {
			r.byName[mod.Name] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.byName[mod.Name]) == 0 {
		delete(r.byName, mod.Name)
	}
	for _, dep := range mod.Dependencies {
		for _, depID := range r.byName[dep] {
			r.mods[depID].Dependents = removeString(r.mods[depID].Dependents, mod.Name)
		}
	}
	r.stats.Unregistered++
	return nil
}

// SetLoading moves a Registered module into Loading.
func (r *Registry) SetLoading(id ModuleID) error {
	return r.transition(id, StateLoading, StateRegistered)
}

// SetReady promotes a Loading module to Ready. Promotion is gated: it
// fails with ErrMissingDependencies while any declared dependency is not
// Ready.
func (r *Registry) SetReady(id ModuleID) error {
	mod, ok := r.mods[id]
	if !ok {
		return ErrNotFound
	}
	if missing := r.missingDeps(mod); len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingDependencies, strings.Join(missing, ", "))
	}
	if err := r.transition(id, StateReady, StateLoading); err != nil {
		return err
	}
	r.stats.Loaded++
	return nil
}

// SetFailed marks a module failed with a reason. Failure is reachable from
// Loading and Ready.
func (r *Registry) SetFailed(id ModuleID, reason string) error {
	mod, ok := r.mods[id]
	if !ok {
		return ErrNotFound
	}
	if mod.State != StateLoading && mod.State != StateReady {
		return ErrBadTransition
	}
	mod.State = StateFailed
	mod.FailReason = reason
	r.stats.Failed++
	return nil
}

// SetUnloading moves a Ready or Failed module into Unloading.
func (r *Registry) SetUnloading(id ModuleID) error {
	return r.transition(id, StateUnloading, StateReady, StateFailed)
}

// SetUnloaded finishes unloading.
func (r *Registry) SetUnloaded(id ModuleID) error {
	if err := r.transition(id, StateUnloaded, StateUnloading); err != nil {
		return err
	}
	r.stats.Unloaded++
	return nil
}

func (r *Registry) transition(id ModuleID, to ModuleState, from ...ModuleState) error {
	mod, ok := r.mods[id]
	if !ok {
		return ErrNotFound
	}
	for _, f := range from {
		if mod.State == f {
			mod.State = to
			return nil
		}
	}
	return ErrBadTransition
}

// Lookup returns the module for id.
func (r *Registry) Lookup(id ModuleID) (*Module, bool) {
	mod, ok := r.mods[id]
	return mod, ok
}

// LookupByName resolves a name to the highest registered semantic version.
func (r *Registry) LookupByName(name string) (*Module, bool) {
	ids := r.byName[name]
	if len(ids) == 0 {
		return nil, false
	}
	best := r.mods[ids[0]]
	for _, id := range ids[1:] {
		if r.mods[id].Version.Compare(best.Version) > 0 {
			best = r.mods[id]
		}
	}
	return best, true
}

// CheckDependencies returns the declared dependencies of id that are not
// yet Ready. A module may only be promoted while this set is empty.
func (r *Registry) CheckDependencies(id ModuleID) ([]string, error) {
	mod, ok := r.mods[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.missingDeps(mod), nil
}

func (r *Registry) missingDeps(mod *Module) []string {
	var missing []string
	for _, dep := range mod.Dependencies {
		best, ok := r.LookupByName(dep)
		if !ok || best.State != StateReady {
			missing = append(missing, dep)
		}
	}
	return missing
}

// GetLoadOrder returns every registered module name in dependency order:
// each module appears after all of its dependencies. Fails with
// ErrDependencyCycle when the graph is not a DAG.
func (r *Registry) GetLoadOrder() ([]string, error) {
	// Kahn's algorithm over names, with deterministic tie-breaking by
	// registration order.
	indegree := make(map[string]int)
	var order []string
	for _, mod := range r.modulesByRegistration() {
		if _, seen := indegree[mod.Name]; !seen {
			indegree[mod.Name] = 0
			order = append(order, mod.Name)
		}
	}
	dependents := make(map[string][]string)
	for _, mod := range r.modulesByRegistration() {
		for _, dep := range mod.Dependencies {
			if _, known := indegree[dep]; !known {
				continue // unregistered dependency; reported by CheckDependencies
			}
			dependents[dep] = append(dependents[dep], mod.Name)
			indegree[mod.Name]++
		}
	}

	var queue, result []string
	for _, name := range order {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		result = append(result, name)
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(result) != len(order) {
		return nil, ErrDependencyCycle
	}
	return result, nil
}

// modulesByRegistration returns modules sorted by their stable IDs so that
// iteration order is deterministic.
func (r *Registry) modulesByRegistration() []*Module {
	out := make([]*Module, 0, len(r.mods))
	for id := ModuleID(1); id <= r.nextID; id++ {
		if mod, ok := r.mods[id]; ok {
			out = append(out, mod)
		}
	}
	return out
}

// Count returns the number of registered modules.
func (r *Registry) Count() int {
	return len(r.mods)
}

// Stats returns a copy of the counters.
func (r *Registry) Stats() Stats {
	return r.stats
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
