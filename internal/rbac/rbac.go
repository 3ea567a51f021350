package rbac

type Role string
type Action string

const (
	RoleCollaborator Role = "collaborator"
	RoleAdmin        Role = "admin"
)

const (
	// ActionRead covers the board, single cards, comments and chat history.
	ActionRead        Action = "read"
	ActionMoveCard    Action = "move_card"
	ActionComment     Action = "comment"
	ActionChat        Action = "chat"
	ActionManageCards Action = "manage_cards"
	ActionConfigure   Action = "configure"
	ActionClearChat   Action = "clear_chat"
	ActionAdmin       Action = "admin"
	ActionStock       Action = "stock"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleCollaborator:
		return action == ActionRead || action == ActionMoveCard || action == ActionComment || action == ActionChat
	default:
		return false
	}
}

// CanUseStock grants the stock ledger to admins and to collaborators holding
// the per-user stock flag.
func CanUseStock(role Role, stockAccess bool) bool {
	return Can(role, ActionStock) || stockAccess
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleCollaborator, RoleAdmin:
		return Role(role)
	default:
		return RoleCollaborator
	}
}
