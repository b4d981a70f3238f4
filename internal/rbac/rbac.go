package rbac

type Role string
type Action string

// Side is the party a principal speaks for inside a claim thread.
type Side string

const (
	RoleUser  Role = "user"
	RoleStaff Role = "staff"
	RoleAdmin Role = "admin"
)

const (
	ActionFileClaim Action = "claim.file"
	ActionDecide    Action = "claim.decide"
	ActionReadAll   Action = "claim.read_all"
	ActionAudit     Action = "claim.audit"
)

const (
	SideClaimant Side = "claimant"
	SideStaff    Side = "staff"
)

// Can reports whether role may perform action. Filing is reserved for users
// since staff roles always speak for the staff side of a thread.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return action != ActionFileClaim
	case RoleStaff:
		return action == ActionDecide || action == ActionReadAll || action == ActionAudit
	case RoleUser:
		return action == ActionFileClaim
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleUser, RoleStaff, RoleAdmin:
		return Role(role)
	default:
		return RoleUser
	}
}

// IsStaff reports whether the role acts on the staff side of every thread.
func IsStaff(role Role) bool {
	return role == RoleStaff || role == RoleAdmin
}

// SideFor returns the thread side for a role.
func SideFor(role Role) Side {
	if IsStaff(role) {
		return SideStaff
	}
	return SideClaimant
}

func (s Side) Valid() bool {
	return s == SideClaimant || s == SideStaff
}

// Counterpart returns the other side of a thread.
func (s Side) Counterpart() Side {
	if s == SideStaff {
		return SideClaimant
	}
	return SideStaff
}
