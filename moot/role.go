package moot

// Role is the resolved role attached to a request or connection. Resolution
// itself is owned by the external identity service; this system trusts the
// (user id, role) pair it is handed.
type Role string

const (
	RoleFaculty  Role = "faculty"
	RoleStudent  Role = "student"
	RoleObserver Role = "observer"
)

// Actor is the resolved identity behind one request or connection.
type Actor struct {
	UserID string
	Role   Role
}

// CanControl reports whether the actor may drive the session lifecycle and
// originate control messages (timers, rulings, score updates).
func (a Actor) CanControl() bool { return a.Role == RoleFaculty }
