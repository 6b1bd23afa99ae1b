// Package capability implements the kernel's capability engine: unforgeable,
// attenuating, revocable access tokens that gate every resource access.
//
// Every operation is a pure state transition over the Engine's arena — no
// clock reads, no I/O, no goroutines. Callers pass an explicit `now` so a
// recorded input sequence replays to an identical capability table.
package capability

import (
	"encoding/binary"
	"fmt"
	"time"

	"estakernel/internal/types"

	"github.com/google/uuid"
)

// ID is the two-word opaque capability identifier. IDs are generated from
// 128 bits of cryptographically secure randomness, so holding a valid ID is
// itself the proof of authority; there is no guessable counter to forge.
type ID struct {
	Hi uint64
	Lo uint64
}

// NewID returns a fresh random capability ID.
func NewID() ID {
	u := uuid.New()
	return ID{
		Hi: binary.BigEndian.Uint64(u[:8]),
		Lo: binary.BigEndian.Uint64(u[8:]),
	}
}

// IsZero reports whether the ID is the zero value (never a real capability).
func (id ID) IsZero() bool {
	return id.Hi == 0 && id.Lo == 0
}

// String renders the ID as two fixed-width hex words.
func (id ID) String() string {
	return fmt.Sprintf("%016x-%016x", id.Hi, id.Lo)
}

// TimeWindow restricts a capability to an absolute validity interval.
type TimeWindow struct {
	NotBefore time.Time
	NotAfter  time.Time
}

// Contains reports whether now falls inside the window.
func (w TimeWindow) Contains(now time.Time) bool {
	if !w.NotBefore.IsZero() && now.Before(w.NotBefore) {
		return false
	}
	if !w.NotAfter.IsZero() && now.After(w.NotAfter) {
		return false
	}
	return true
}

// Validity bundles the optional constraints checked on every validation.
type Validity struct {
	// ExpiresAt is the hard expiry; zero means the capability never expires.
	ExpiresAt time.Time
	// Window optionally restricts use to an absolute interval.
	Window *TimeWindow
	// MaxUses caps successful validations; zero means unlimited.
	MaxUses int
	// AllowList, when non-empty, names the only processes that may use the
	// capability besides its owner.
	AllowList []types.ProcessID
	// DenyList names processes that may never use the capability.
	DenyList []types.ProcessID
}

// Capability is one unforgeable access token. Fields are mutated only by the
// engine: use-count increment on successful validation, and one-way
// revocation. A capability is never deleted by validation or revocation;
// removal happens only in the explicit expiry sweep.
type Capability struct {
	ID       ID
	Resource ResourceID
	Rights   Rights
	Owner    types.ProcessID
	Validity Validity

	UseCount int
	Revoked  bool

	// Parent is the capability this one was delegated from; zero for roots.
	// Children records direct delegations for the revocation cascade.
	Parent   ID
	Children []ID
	// Depth is the attenuation chain length (0 for roots).
	Depth int

	// Version increments on every state mutation, for audit diffing.
	Version   int
	CreatedAt time.Time
}

// expired reports whether the capability's hard expiry has passed.
func (c *Capability) expired(now time.Time) bool {
	return !c.Validity.ExpiresAt.IsZero() && now.After(c.Validity.ExpiresAt)
}

// usable checks the per-process allow/deny lists for a requestor. The owner
// is always permitted unless explicitly denied.
func (c *Capability) usable(requestor types.ProcessID) bool {
	for _, pid := range c.Validity.DenyList {
		if pid == requestor {
			return false
		}
	}
	if len(c.Validity.AllowList) == 0 || requestor == c.Owner {
		return true
	}
	for _, pid := range c.Validity.AllowList {
		if pid == requestor {
			return true
		}
	}
	return false
}
