package capability

import "strings"

// Rights is a bitset of access rights held by a capability. Delegation may
// only intersect rights, never add them.
type Rights uint8

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightExecute
	RightDelete
	RightDelegate
)

// AllRights holds every defined right.
const AllRights = RightRead | RightWrite | RightExecute | RightDelete | RightDelegate

var rightNames = []struct {
	bit  Rights
	name string
}{
	{RightRead, "read"},
	{RightWrite, "write"},
	{RightExecute, "execute"},
	{RightDelete, "delete"},
	{RightDelegate, "delegate"},
}

// Has reports whether every right in required is present in r.
func (r Rights) Has(required Rights) bool {
	return r&required == required
}

// Intersect returns the rights present in both sets. This is the attenuation
// operation: a delegated capability's rights are Intersect(parent, requested).
func (r Rights) Intersect(other Rights) Rights {
	return r & other
}

// Missing returns the names of the rights in required that r lacks, in
// declaration order. Empty when r satisfies required.
func (r Rights) Missing(required Rights) []string {
	var missing []string
	for _, rn := range rightNames {
		if required&rn.bit != 0 && r&rn.bit == 0 {
			missing = append(missing, rn.name)
		}
	}
	return missing
}

// Names returns the names of the rights present in r, in declaration order.
func (r Rights) Names() []string {
	var names []string
	for _, rn := range rightNames {
		if r&rn.bit != 0 {
			names = append(names, rn.name)
		}
	}
	return names
}

// String renders the rights as "read|write".
func (r Rights) String() string {
	names := r.Names()
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}
