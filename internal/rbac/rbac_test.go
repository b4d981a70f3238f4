package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "user files claim", role: RoleUser, action: ActionFileClaim, allow: true},
		{name: "user decide", role: RoleUser, action: ActionDecide, allow: false},
		{name: "user read all", role: RoleUser, action: ActionReadAll, allow: false},
		{name: "staff decide", role: RoleStaff, action: ActionDecide, allow: true},
		{name: "staff audit", role: RoleStaff, action: ActionAudit, allow: true},
		{name: "staff files claim", role: RoleStaff, action: ActionFileClaim, allow: false},
		{name: "admin decide", role: RoleAdmin, action: ActionDecide, allow: true},
		{name: "admin files claim", role: RoleAdmin, action: ActionFileClaim, allow: false},
		{name: "admin audit", role: RoleAdmin, action: ActionAudit, allow: true},
		{name: "unknown role", role: Role("guest"), action: ActionFileClaim, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("staff"); got != RoleStaff {
		t.Fatalf("Normalize(staff) = %q", got)
	}
	if got := Normalize("root"); got != RoleUser {
		t.Fatalf("Normalize(root) = %q, want user", got)
	}
}

func TestSides(t *testing.T) {
	cases := []struct {
		role Role
		side Side
	}{
		{RoleUser, SideClaimant},
		{RoleStaff, SideStaff},
		{RoleAdmin, SideStaff},
	}
	for _, tc := range cases {
		if got := SideFor(tc.role); got != tc.side {
			t.Fatalf("SideFor(%q) = %q, want %q", tc.role, got, tc.side)
		}
	}
	if SideStaff.Counterpart() != SideClaimant || SideClaimant.Counterpart() != SideStaff {
		t.Fatal("counterpart mismatch")
	}
	if Side("viewer").Valid() {
		t.Fatal("unexpected valid side")
	}
}
