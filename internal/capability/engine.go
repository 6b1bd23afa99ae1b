package capability

import (
	"slices"
	"time"

	"estakernel/internal/types"
)

// Config bounds the engine's resource consumption.
type Config struct {
	// MaxPerProcess caps how many live capabilities one process may own.
	MaxPerProcess int
	// MaxDelegationDepth caps the attenuation chain length.
	MaxDelegationDepth int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerProcess:      1000,
		MaxDelegationDepth: 5,
	}
}

// Stats counts engine activity for observability snapshots.
type Stats struct {
	Issued            int
	Delegated         int
	Revoked           int
	ValidationsOK     int
	ValidationsFailed int
	Swept             int
}

// Engine is the capability store: an arena keyed by ID plus a per-owner
// index for O(1) quota checks and process-wide revocation.
type Engine struct {
	cfg     Config
	caps    map[ID]*Capability
	byOwner map[types.ProcessID]map[ID]struct{}
	stats   Stats
}

// NewEngine creates an empty capability engine.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxPerProcess <= 0 {
		cfg.MaxPerProcess = DefaultConfig().MaxPerProcess
	}
	if cfg.MaxDelegationDepth <= 0 {
		cfg.MaxDelegationDepth = DefaultConfig().MaxDelegationDepth
	}
	return &Engine{
		cfg:     cfg,
		caps:    make(map[ID]*Capability),
		byOwner: make(map[types.ProcessID]map[ID]struct{}),
	}
}

// Create issues a fresh root capability to owner. It fails with
// ErrQuotaExceeded when the owner is at its capability quota; no partial
// state is left behind on failure.
func (e *Engine) Create(resource ResourceID, rights Rights, owner types.ProcessID, validity Validity, now time.Time) (*Capability, error) {
	if len(e.byOwner[owner]) >= e.cfg.MaxPerProcess {
		return nil, ErrQuotaExceeded
	}
	cap := &Capability{
		ID:        NewID(),
		Resource:  resource,
		Rights:    rights,
		Owner:     owner,
		Validity:  validity,
		CreatedAt: now,
	}
	e.insert(cap)
	e.stats.Issued++
	return cap, nil
}

// CreateReadOnly issues a capability holding only the read right.
func (e *Engine) CreateReadOnly(resource ResourceID, owner types.ProcessID, validity Validity, now time.Time) (*Capability, error) {
	return e.Create(resource, RightRead, owner, validity, now)
}

// CreateReadWrite issues a capability holding read and write rights.
func (e *Engine) CreateReadWrite(resource ResourceID, owner types.ProcessID, validity Validity, now time.Time) (*Capability, error) {
	return e.Create(resource, RightRead|RightWrite, owner, validity, now)
}

// CreateFullAccess issues a capability holding every defined right.
func (e *Engine) CreateFullAccess(resource ResourceID, owner types.ProcessID, validity Validity, now time.Time) (*Capability, error) {
	return e.Create(resource, AllRights, owner, validity, now)
}

// Validate checks a capability against a required access. The checks run in
// a fixed order, each with its own tagged error: existence, revocation,
// expiry, time window, use budget, requestor allow/deny, resource type,
// resource tenant, rights. A successful validation increments the use count.
func (e *Engine) Validate(id ID, required Rights, resource ResourceID, requestor types.ProcessID, now time.Time) error {
	cap, ok := e.caps[id]
	if !ok {
		e.stats.ValidationsFailed++
		return ErrNotFound
	}
	if err := e.validate(cap, required, resource, requestor, now); err != nil {
		e.stats.ValidationsFailed++
		return err
	}
	cap.UseCount++
	cap.Version++
	e.stats.ValidationsOK++
	return nil
}

func (e *Engine) validate(cap *Capability, required Rights, resource ResourceID, requestor types.ProcessID, now time.Time) error {
	if cap.Revoked {
		return ErrRevoked
	}
	if cap.expired(now) {
		return ErrExpired
	}
	if cap.Validity.Window != nil && !cap.Validity.Window.Contains(now) {
		return ErrOutsideTimeWindow
	}
	if cap.Validity.MaxUses > 0 && cap.UseCount >= cap.Validity.MaxUses {
		return ErrUsageLimitExceeded
	}
	if !cap.usable(requestor) {
		return ErrProcessDenied
	}
	if !cap.Resource.SameType(resource) {
		return ErrWrongResourceType
	}
	if !cap.Resource.SameTenant(resource) {
		return ErrTenantMismatch
	}
	if !cap.Rights.Has(required) {
		return &InsufficientRightsError{Missing: cap.Rights.Missing(required)}
	}
	return nil
}

// Delegate issues an attenuated child capability to another process. The
// delegator must own the parent and the parent must hold the delegate
// right; the child's rights are the intersection of the parent's rights and
// the requested rights, so delegation can only narrow access. The child
// inherits the parent's validity constraints.
func (e *Engine) Delegate(id ID, to types.ProcessID, requested Rights, delegator types.ProcessID, now time.Time) (*Capability, error) {
	parent, ok := e.caps[id]
	if !ok {
		return nil, ErrNotFound
	}
	if parent.Revoked {
		return nil, ErrRevoked
	}
	if parent.expired(now) {
		return nil, ErrExpired
	}
	if parent.Owner != delegator {
		return nil, ErrDelegationNotAllowed
	}
	if !parent.Rights.Has(RightDelegate) {
		return nil, ErrDelegationNotAllowed
	}
	if parent.Depth+1 >= e.cfg.MaxDelegationDepth {
		return nil, ErrDelegationDepthExceeded
	}
	if len(e.byOwner[to]) >= e.cfg.MaxPerProcess {
		return nil, ErrQuotaExceeded
	}

	child := &Capability{
		ID:        NewID(),
		Resource:  parent.Resource,
		Rights:    parent.Rights.Intersect(requested),
		Owner:     to,
		Validity:  parent.Validity,
		Parent:    parent.ID,
		Depth:     parent.Depth + 1,
		CreatedAt: now,
	}
	e.insert(child)
	parent.Children = append(parent.Children, child.ID)
	parent.Version++
	e.stats.Delegated++
	return child, nil
}

// Revoke marks the capability and every capability transitively delegated
// from it as revoked. The cascade is one-way and applied atomically within
// this call; an already-missing child is skipped, not an error. Returns the
// number of capabilities newly revoked.
func (e *Engine) Revoke(id ID) (int, error) {
	cap, ok := e.caps[id]
	if !ok {
		return 0, ErrNotFound
	}
	return e.revokeCascade(cap), nil
}

func (e *Engine) revokeCascade(cap *Capability) int {
	revoked := 0
	if !cap.Revoked {
		cap.Revoked = true
		cap.Version++
		e.stats.Revoked++
		revoked++
	}
	for _, childID := range cap.Children {
		child, ok := e.caps[childID]
		if !ok {
			continue // already swept
		}
		revoked += e.revokeCascade(child)
	}
	return revoked
}

// RevokeAllForProcess revokes every capability owned by pid, cascading
// through each one's delegation chain. Returns the total revoked.
func (e *Engine) RevokeAllForProcess(pid types.ProcessID) int {
	revoked := 0
	for id := range e.byOwner[pid] {
		if cap, ok := e.caps[id]; ok {
			revoked += e.revokeCascade(cap)
		}
	}
	return revoked
}

// RevokeExpired marks every expired capability (and its delegation chain)
// revoked. Entries stay in the store; SweepExpired removes them.
func (e *Engine) RevokeExpired(now time.Time) int {
	revoked := 0
	for _, cap := range e.caps {
		if !cap.Revoked && cap.expired(now) {
			revoked += e.revokeCascade(cap)
		}
	}
	return revoked
}

// SweepExpired removes expired entries from the arena. Garbage collection is
// an explicit, separate step so that revoked-but-unexpired capabilities keep
// reporting ErrRevoked rather than ErrNotFound. Returns the number removed.
func (e *Engine) SweepExpired(now time.Time) int {
	swept := 0
	for id, cap := range e.caps {
		if cap.expired(now) {
			e.remove(id, cap.Owner)
			swept++
		}
	}
	e.stats.Swept += swept
	return swept
}

// Lookup returns the capability for id, if present.
func (e *Engine) Lookup(id ID) (*Capability, bool) {
	cap, ok := e.caps[id]
	return cap, ok
}

// ListForProcess returns every capability owned by pid, including revoked
// entries that have not yet been swept, in ascending ID order.
func (e *Engine) ListForProcess(pid types.ProcessID) []*Capability {
	ids := e.byOwner[pid]
	out := make([]*Capability, 0, len(ids))
	for id := range ids {
		out = append(out, e.caps[id])
	}
	sortByID(out)
	return out
}

// ListForResource returns every capability targeting resources of the same
// type and tenant as resource, in ascending ID order.
func (e *Engine) ListForResource(resource ResourceID) []*Capability {
	var out []*Capability
	for _, cap := range e.caps {
		if cap.Resource.SameType(resource) && cap.Resource.SameTenant(resource) {
			out = append(out, cap)
		}
	}
	sortByID(out)
	return out
}

// sortByID gives list snapshots a canonical order; map iteration alone
// would return a different permutation on every call.
func sortByID(caps []*Capability) {
	slices.SortFunc(caps, func(a, b *Capability) int {
		if a.ID.Hi != b.ID.Hi {
			if a.ID.Hi < b.ID.Hi {
				return -1
			}
			return 1
		}
		if a.ID.Lo != b.ID.Lo {
			if a.ID.Lo < b.ID.Lo {
				return -1
			}
			return 1
		}
		return 0
	})
}

// Count returns the number of entries in the arena, swept or not.
func (e *Engine) Count() int {
	return len(e.caps)
}

// Stats returns a copy of the engine counters.
func (e *Engine) Stats() Stats {
	return e.stats
}

func (e *Engine) insert(cap *Capability) {
	e.caps[cap.ID] = cap
	owned, ok := e.byOwner[cap.Owner]
	if !ok {
		owned = make(map[ID]struct{})
		e.byOwner[cap.Owner] = owned
	}
	owned[cap.ID] = struct{}{}
}

func (e *Engine) remove(id ID, owner types.ProcessID) {
	delete(e.caps, id)
	if owned, ok := e.byOwner[owner]; ok {
		delete(owned, id)
		if len(owned) == 0 {
			delete(e.byOwner, owner)
		}
	}
}
