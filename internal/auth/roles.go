package auth

// Role is a reader's privilege level.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleAdmin  Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer: 1,
	RoleAdmin:  2,
}

func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Satisfies reports whether r is at least required.
func (r Role) Satisfies(required Role) bool {
	return r.Valid() && roleRank[r] >= roleRank[required]
}
