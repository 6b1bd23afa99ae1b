package capability

import (
	"errors"
	"testing"
	"time"

	"estakernel/internal/types"
)

var (
	t0      = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ledger  = ResourceID{Type: ResourceDatabase, Tenant: "acme", Path: "accrual_ledger"}
	p1      = types.ProcessID(1)
	p2      = types.ProcessID(2)
	p3      = types.ProcessID(3)
	forever = Validity{}
)

func newTestEngine() *Engine {
	return NewEngine(DefaultConfig())
}

func TestCreateAndValidate(t *testing.T) {
	e := newTestEngine()

	cap, err := e.CreateReadWrite(ledger, p1, forever, t0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if cap.ID.IsZero() {
		t.Fatal("expected non-zero capability ID")
	}

	if err := e.Validate(cap.ID, RightRead, ledger, p1, t0); err != nil {
		t.Errorf("validate read: %v", err)
	}
	if err := e.Validate(cap.ID, RightRead|RightWrite, ledger, p1, t0); err != nil {
		t.Errorf("validate read|write: %v", err)
	}

	got, ok := e.Lookup(cap.ID)
	if !ok {
		t.Fatal("lookup failed")
	}
	if got.UseCount != 2 {
		t.Errorf("expected use count 2, got %d", got.UseCount)
	}
}

func TestValidateInsufficientRights(t *testing.T) {
	e := newTestEngine()

	// End-to-end: read-only capability, write required.
	cap, err := e.CreateReadOnly(ledger, p1, forever, t0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	err = e.Validate(cap.ID, RightWrite, ledger, p1, t0)
	if !errors.Is(err, ErrInsufficientRights) {
		t.Fatalf("expected insufficient rights, got %v", err)
	}
	var ire *InsufficientRightsError
	if !errors.As(err, &ire) {
		t.Fatal("expected *InsufficientRightsError")
	}
	if len(ire.Missing) != 1 || ire.Missing[0] != "write" {
		t.Errorf("expected missing=[write], got %v", ire.Missing)
	}

	// A failed validation must not consume a use.
	got, _ := e.Lookup(cap.ID)
	if got.UseCount != 0 {
		t.Errorf("failed validation incremented use count to %d", got.UseCount)
	}
}

func TestValidateCheckOrder(t *testing.T) {
	e := newTestEngine()

	if err := e.Validate(ID{Hi: 1, Lo: 2}, RightRead, ledger, p1, t0); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: expected ErrNotFound, got %v", err)
	}

	cap, _ := e.Create(ledger, RightRead, p1, Validity{ExpiresAt: t0.Add(time.Hour)}, t0)

	// Revoked outranks expired.
	if _, err := e.Revoke(cap.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	late := t0.Add(2 * time.Hour)
	if err := e.Validate(cap.ID, RightRead, ledger, p1, late); !errors.Is(err, ErrRevoked) {
		t.Errorf("expected ErrRevoked before ErrExpired, got %v", err)
	}
}

func TestValidateExpiry(t *testing.T) {
	e := newTestEngine()
	cap, _ := e.Create(ledger, RightRead, p1, Validity{ExpiresAt: t0.Add(time.Minute)}, t0)

	if err := e.Validate(cap.ID, RightRead, ledger, p1, t0.Add(time.Minute)); err != nil {
		t.Errorf("validate at expiry instant: %v", err)
	}
	if err := e.Validate(cap.ID, RightRead, ledger, p1, t0.Add(2*time.Minute)); !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
}

func TestValidateTimeWindow(t *testing.T) {
	e := newTestEngine()
	window := &TimeWindow{NotBefore: t0.Add(time.Hour), NotAfter: t0.Add(2 * time.Hour)}
	cap, _ := e.Create(ledger, RightRead, p1, Validity{Window: window}, t0)

	if err := e.Validate(cap.ID, RightRead, ledger, p1, t0); !errors.Is(err, ErrOutsideTimeWindow) {
		t.Errorf("before window: expected ErrOutsideTimeWindow, got %v", err)
	}
	if err := e.Validate(cap.ID, RightRead, ledger, p1, t0.Add(90*time.Minute)); err != nil {
		t.Errorf("inside window: %v", err)
	}
}

func TestValidateUseBudget(t *testing.T) {
	e := newTestEngine()
	cap, _ := e.Create(ledger, RightRead, p1, Validity{MaxUses: 2}, t0)

	for i := 0; i < 2; i++ {
		if err := e.Validate(cap.ID, RightRead, ledger, p1, t0); err != nil {
			t.Fatalf("use %d: %v", i+1, err)
		}
	}
	if err := e.Validate(cap.ID, RightRead, ledger, p1, t0); !errors.Is(err, ErrUsageLimitExceeded) {
		t.Errorf("expected ErrUsageLimitExceeded, got %v", err)
	}
}

func TestValidateAllowDenyLists(t *testing.T) {
	e := newTestEngine()
	cap, _ := e.Create(ledger, RightRead, p1, Validity{
		AllowList: []types.ProcessID{p2},
		DenyList:  []types.ProcessID{p3},
	}, t0)

	if err := e.Validate(cap.ID, RightRead, ledger, p2, t0); err != nil {
		t.Errorf("allow-listed requestor: %v", err)
	}
	if err := e.Validate(cap.ID, RightRead, ledger, p3, t0); !errors.Is(err, ErrProcessDenied) {
		t.Errorf("deny-listed requestor: expected ErrProcessDenied, got %v", err)
	}
	if err := e.Validate(cap.ID, RightRead, ledger, types.ProcessID(9), t0); !errors.Is(err, ErrProcessDenied) {
		t.Errorf("unlisted requestor with allow-list present: expected ErrProcessDenied, got %v", err)
	}
	// Owner stays usable despite the allow-list.
	if err := e.Validate(cap.ID, RightRead, ledger, p1, t0); err != nil {
		t.Errorf("owner: %v", err)
	}
}

func TestValidateResourceChecks(t *testing.T) {
	e := newTestEngine()
	cap, _ := e.Create(ledger, RightRead, p1, forever, t0)

	wrongType := ResourceID{Type: ResourceFile, Tenant: "acme", Path: "accrual_ledger"}
	if err := e.Validate(cap.ID, RightRead, wrongType, p1, t0); !errors.Is(err, ErrWrongResourceType) {
		t.Errorf("expected ErrWrongResourceType, got %v", err)
	}

	wrongTenant := ResourceID{Type: ResourceDatabase, Tenant: "globex", Path: "accrual_ledger"}
	if err := e.Validate(cap.ID, RightRead, wrongTenant, p1, t0); !errors.Is(err, ErrTenantMismatch) {
		t.Errorf("expected ErrTenantMismatch, got %v", err)
	}
}

func TestRevocationMonotonicity(t *testing.T) {
	e := newTestEngine()
	cap, _ := e.CreateFullAccess(ledger, p1, forever, t0)

	if _, err := e.Revoke(cap.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	// Once revoked, every subsequent validation fails, for all time.
	for _, at := range []time.Time{t0, t0.Add(time.Hour), t0.Add(24 * 365 * time.Hour)} {
		if err := e.Validate(cap.ID, RightRead, ledger, p1, at); !errors.Is(err, ErrRevoked) {
			t.Errorf("validate at %v: expected ErrRevoked, got %v", at, err)
		}
	}
}

func TestDelegationAttenuation(t *testing.T) {
	e := newTestEngine()
	parent, _ := e.Create(ledger, RightRead|RightWrite|RightDelegate, p1, forever, t0)

	// Requesting more than the parent holds narrows to the intersection.
	child, err := e.Delegate(parent.ID, p2, AllRights, p1, t0)
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if !parent.Rights.Has(child.Rights) {
		t.Errorf("child rights %v exceed parent rights %v", child.Rights, parent.Rights)
	}
	if child.Rights.Has(RightDelete) || child.Rights.Has(RightExecute) {
		t.Errorf("delegation widened rights: %v", child.Rights)
	}
	if child.Owner != p2 || child.Depth != 1 || child.Parent != parent.ID {
		t.Errorf("bad child chain fields: owner=%v depth=%d", child.Owner, child.Depth)
	}
}

func TestDelegateRequiresDelegateRight(t *testing.T) {
	e := newTestEngine()
	parent, _ := e.CreateReadWrite(ledger, p1, forever, t0)

	if _, err := e.Delegate(parent.ID, p2, RightRead, p1, t0); !errors.Is(err, ErrDelegationNotAllowed) {
		t.Errorf("expected ErrDelegationNotAllowed, got %v", err)
	}
	// Non-owner delegator is rejected even with the delegate right.
	withDelegate, _ := e.Create(ledger, RightRead|RightDelegate, p1, forever, t0)
	if _, err := e.Delegate(withDelegate.ID, p3, RightRead, p2, t0); !errors.Is(err, ErrDelegationNotAllowed) {
		t.Errorf("expected ErrDelegationNotAllowed for non-owner, got %v", err)
	}
}

func TestDelegationDepthLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDelegationDepth = 3
	e := NewEngine(cfg)

	cap, _ := e.Create(ledger, RightRead|RightDelegate, p1, forever, t0)
	owner := p1
	for depth := 1; depth < 3; depth++ {
		next := types.ProcessID(uint64(depth) + 10)
		child, err := e.Delegate(cap.ID, next, RightRead|RightDelegate, owner, t0)
		if err != nil {
			t.Fatalf("delegate depth %d: %v", depth, err)
		}
		cap, owner = child, next
	}
	if _, err := e.Delegate(cap.ID, p2, RightRead, owner, t0); !errors.Is(err, ErrDelegationDepthExceeded) {
		t.Errorf("expected ErrDelegationDepthExceeded, got %v", err)
	}
}

func TestRevocationCascadeCompleteness(t *testing.T) {
	e := newTestEngine()
	root, _ := e.Create(ledger, RightRead|RightDelegate, p1, forever, t0)
	child, _ := e.Delegate(root.ID, p2, RightRead|RightDelegate, p1, t0)
	grandchild, _ := e.Delegate(child.ID, p3, RightRead, p2, t0)
	sibling, _ := e.Delegate(root.ID, p3, RightRead, p1, t0)

	n, err := e.Revoke(root.ID)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 revoked, got %d", n)
	}
	for _, id := range []ID{root.ID, child.ID, grandchild.ID, sibling.ID} {
		if err := e.Validate(id, RightRead, ledger, p3, t0); !errors.Is(err, ErrRevoked) {
			t.Errorf("capability %v: expected ErrRevoked, got %v", id, err)
		}
	}
}

func TestRevokeAllForProcess(t *testing.T) {
	e := newTestEngine()
	a, _ := e.Create(ledger, RightRead|RightDelegate, p1, forever, t0)
	b, _ := e.Create(ledger, RightWrite, p1, forever, t0)
	delegated, _ := e.Delegate(a.ID, p2, RightRead, p1, t0)
	other, _ := e.Create(ledger, RightRead, p3, forever, t0)

	if n := e.RevokeAllForProcess(p1); n != 3 {
		t.Errorf("expected 3 revoked (2 owned + 1 delegated), got %d", n)
	}
	for _, id := range []ID{a.ID, b.ID, delegated.ID} {
		if err := e.Validate(id, RightRead, ledger, p1, t0); !errors.Is(err, ErrRevoked) {
			t.Errorf("capability %v survived process revocation: %v", id, err)
		}
	}
	if err := e.Validate(other.ID, RightRead, ledger, p3, t0); err != nil {
		t.Errorf("unrelated capability was revoked: %v", err)
	}
}

func TestRevokeExpiredAndSweep(t *testing.T) {
	e := newTestEngine()
	short, _ := e.Create(ledger, RightRead, p1, Validity{ExpiresAt: t0.Add(time.Minute)}, t0)
	long, _ := e.Create(ledger, RightRead, p1, forever, t0)

	later := t0.Add(time.Hour)
	if n := e.RevokeExpired(later); n != 1 {
		t.Errorf("expected 1 expired revocation, got %d", n)
	}
	// Revocation does not remove the entry; the explicit sweep does.
	if _, ok := e.Lookup(short.ID); !ok {
		t.Fatal("expired capability removed before sweep")
	}
	if n := e.SweepExpired(later); n != 1 {
		t.Errorf("expected 1 swept, got %d", n)
	}
	if _, ok := e.Lookup(short.ID); ok {
		t.Error("expired capability survived sweep")
	}
	if _, ok := e.Lookup(long.ID); !ok {
		t.Error("unexpired capability swept")
	}
}

func TestPerProcessQuota(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerProcess = 2
	e := NewEngine(cfg)

	for i := 0; i < 2; i++ {
		if _, err := e.Create(ledger, RightRead, p1, forever, t0); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if _, err := e.Create(ledger, RightRead, p1, forever, t0); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("expected ErrQuotaExceeded, got %v", err)
	}
	// Another process is unaffected.
	if _, err := e.Create(ledger, RightRead, p2, forever, t0); err != nil {
		t.Errorf("quota leaked across processes: %v", err)
	}
}

func TestListForProcessAndResource(t *testing.T) {
	e := newTestEngine()
	e.Create(ledger, RightRead, p1, forever, t0)
	e.Create(ledger, RightWrite, p1, forever, t0)
	payroll := ResourceID{Type: ResourceFile, Tenant: "acme", Path: "payroll.csv"}
	e.Create(payroll, RightRead, p2, forever, t0)

	if got := len(e.ListForProcess(p1)); got != 2 {
		t.Errorf("ListForProcess(p1): expected 2, got %d", got)
	}
	if got := len(e.ListForResource(ledger)); got != 2 {
		t.Errorf("ListForResource(ledger): expected 2, got %d", got)
	}
	if got := len(e.ListForResource(payroll)); got != 1 {
		t.Errorf("ListForResource(payroll): expected 1, got %d", got)
	}
}

func TestRightsMissing(t *testing.T) {
	tests := []struct {
		name     string
		held     Rights
		required Rights
		want     []string
	}{
		{"all present", RightRead | RightWrite, RightRead, nil},
		{"one missing", RightRead, RightWrite, []string{"write"}},
		{"several missing", RightRead, RightWrite | RightDelete | RightDelegate, []string{"write", "delete", "delegate"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.held.Missing(tt.required)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestListSnapshotsOrderedByID(t *testing.T) {
	e := newTestEngine()
	for i := 0; i < 8; i++ {
		if _, err := e.Create(ledger, RightRead, p1, forever, t0); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	for name, list := range map[string][]*Capability{
		"ListForProcess":  e.ListForProcess(p1),
		"ListForResource": e.ListForResource(ledger),
	} {
		if len(list) != 8 {
			t.Fatalf("%s: expected 8, got %d", name, len(list))
		}
		for i := 1; i < len(list); i++ {
			prev, cur := list[i-1].ID, list[i].ID
			if cur.Hi < prev.Hi || (cur.Hi == prev.Hi && cur.Lo <= prev.Lo) {
				t.Errorf("%s: snapshot not in ascending ID order at %d", name, i)
			}
		}
	}
}
