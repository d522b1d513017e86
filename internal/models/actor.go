package models

type Role string

const (
	RoleCustomer Role = "customer"
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// Actor is the authenticated party on whose behalf an operation runs.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// IsStaff is true for restaurant owners, administrators and internal jobs.
func (a Actor) IsStaff() bool {
	return a.Role == RoleAdmin || a.Role == RoleOwner || a.Role == RoleSystem
}

func (a Actor) CanAccess(b *Booking) bool {
	return a.IsStaff() || (a.ID != "" && a.ID == b.UserID)
}

// SystemActor is used by background jobs and trusted event consumers.
func SystemActor(name string) Actor {
	return Actor{ID: name, Role: RoleSystem}
}
