package session

import (
	"time"

	"pagesync/pkg/model/mconflict"
	"pagesync/pkg/model/mpresence"
)

// SaveState is the content-save pipeline state machine:
// idle -> saving -> {saved, conflict, error} -> idle (auto-reset).
type SaveState int32

const (
	SaveStateIdle SaveState = iota
	SaveStateSaving
	SaveStateSaved
	SaveStateConflict
	SaveStateError
)

func (s SaveState) String() string {
	switch s {
	case SaveStateSaving:
		return "saving"
	case SaveStateSaved:
		return "saved"
	case SaveStateConflict:
		return "conflict"
	case SaveStateError:
		return "error"
	default:
		return "idle"
	}
}

// ConnStatus is the transport connection state the engine publishes for
// rendering.
type ConnStatus string

const (
	ConnConnected    ConnStatus = "connected"
	ConnDisconnected ConnStatus = "disconnected"
	ConnError        ConnStatus = "error"
)

// StateTopic classifies outbound state notifications.
type StateTopic string

const (
	TopicSaveState  StateTopic = "save_state"
	TopicConflicts  StateTopic = "conflicts"
	TopicPresence   StateTopic = "presence"
	TopicConnection StateTopic = "connection"
)

// StateChange is one outbound state notification. Only the field matching the
// topic is populated; Presence changes also carry the page.
type StateChange struct {
	Topic      StateTopic
	Page       string
	SaveState  SaveState
	Conflicts  []mconflict.ConflictItem
	Presence   []mpresence.EditorPresence
	Connection ConnStatus
}

// OptimisticUpdate tracks one in-flight local edit. A second edit to the same
// content key before the first resolves extends NewValue but preserves
// OriginalValue so rollback converges to the pre-optimistic state.
type OptimisticUpdate struct {
	OriginalValue string
	NewValue      string
	Timestamp     time.Time
}
