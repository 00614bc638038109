package mpresence

import "time"

// Action is the live editing state of a connected user.
type Action int32

const (
	ActionIdle Action = iota
	ActionEditing
)

func (a Action) String() string {
	if a == ActionEditing {
		return "editing"
	}
	return "idle"
}

// EditorPresence is one (page, user) presence entry.
type EditorPresence struct {
	UserID      string    `json:"userId"`
	UserName    string    `json:"userName"`
	Avatar      string    `json:"avatar,omitempty"`
	Action      Action    `json:"action"`
	ComponentID string    `json:"componentId,omitempty"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Update merges activity into an existing entry. Empty ComponentID clears the
// focused component only when the action returns to idle.
type Update struct {
	ComponentID string
	Action      Action
}
