package rbac

import "quillsync/api/internal/store"

type Role string
type Action string

const (
	RoleCreator Role = "creator"
	RoleEditor  Role = "editor"
	RoleViewer  Role = "viewer"
	RoleNone    Role = "none"
)

const (
	ActionReceive Action = "receive"
	ActionEdit    Action = "edit"
	ActionCursor  Action = "cursor"
	ActionSave    Action = "save"
	ActionShare   Action = "share"
	ActionDelete  Action = "delete"
)

// RoleOf derives userID's role on a document. Tiers are checked creator,
// editor, viewer so a user listed twice resolves deterministically.
func RoleOf(access store.AccessList, userID string) Role {
	if userID == "" {
		return RoleNone
	}
	if access.Creator == userID {
		return RoleCreator
	}
	for _, id := range access.Editors {
		if id == userID {
			return RoleEditor
		}
	}
	for _, id := range access.Viewers {
		if id == userID {
			return RoleViewer
		}
	}
	return RoleNone
}

func Can(role Role, action Action) bool {
	switch role {
	case RoleCreator:
		return true
	case RoleEditor:
		return action == ActionReceive || action == ActionEdit || action == ActionCursor || action == ActionSave
	case RoleViewer, RoleNone:
		// A user without a grant still loads the document read-only.
		return action == ActionReceive || action == ActionCursor
	default:
		return false
	}
}

// Grant maps a requested share role onto the store tier. Only editor and
// viewer can be granted.
func Grant(role string) (store.Grant, bool) {
	switch Role(role) {
	case RoleEditor:
		return store.GrantEditor, true
	case RoleViewer:
		return store.GrantViewer, true
	default:
		return "", false
	}
}
