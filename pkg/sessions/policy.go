package sessions

// Actor is the identity performing an action.
type Actor interface {
	ID() string
	HasRole(role Role) bool
}

// Policy decides whether an actor may perform an action on a session.
type Policy interface {
	Can(actor Actor, action Action, session Session) bool
}

type actor struct {
	id    string
	roles map[Role]struct{}
}

// NewActor returns an Actor with the given roles.
func NewActor(id string, roles ...Role) Actor {
	granted := make(map[Role]struct{}, len(roles))
	for _, role := range roles {
		granted[role] = struct{}{}
	}
	return actor{id: id, roles: granted}
}

func (value actor) ID() string {
	return value.id
}

func (value actor) HasRole(role Role) bool {
	_, ok := value.roles[role]
	return ok
}

// OwnershipPolicy lets students book for themselves, lecturers drive their own sessions,
// and either participant or an admin cancel.
type OwnershipPolicy struct{}

// Can implements Policy.
func (OwnershipPolicy) Can(actor Actor, action Action, session Session) bool {
	if actor == nil || actor.ID() == "" {
		return false
	}
	switch action {
	case ActionCreate:
		return actor.ID() == session.StudentID.String()
	case ActionConfirm, ActionStart, ActionComplete:
		return actor.ID() == session.LecturerID.String()
	case ActionCancel:
		return session.Participant(actor.ID()) || actor.HasRole(RoleAdmin)
	default:
		return false
	}
}
