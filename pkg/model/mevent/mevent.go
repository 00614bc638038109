package mevent

import (
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"pagesync/pkg/idwrap"
	"pagesync/pkg/model/mposition"
)

// EventType enumerates the realtime event kinds carried between sessions.
type EventType string

const (
	EventContentChange    EventType = "content_change"
	EventComponentAdd     EventType = "component_add"
	EventComponentMove    EventType = "component_move"
	EventComponentDelete  EventType = "component_delete"
	EventPageCreate       EventType = "page_create"
	EventNavUpdate        EventType = "nav_update"
	EventConflictDetected EventType = "conflict_detected"
)

var ErrUnknownEventType = errors.New("unknown event type")

// KnownTypes lists every event type the router accepts.
var KnownTypes = []EventType{
	EventContentChange,
	EventComponentAdd,
	EventComponentMove,
	EventComponentDelete,
	EventPageCreate,
	EventNavUpdate,
	EventConflictDetected,
}

func (t EventType) Valid() bool {
	switch t {
	case EventContentChange, EventComponentAdd, EventComponentMove,
		EventComponentDelete, EventPageCreate, EventNavUpdate, EventConflictDetected:
		return true
	}
	return false
}

// RealtimeEvent is immutable once emitted. Version is an opaque per-content-key
// counter used for last-writer conflict detection, not causal ordering.
// Sequence is stamped by the router per page.
type RealtimeEvent struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	PageName  string          `json:"pageName"`
	UserID    string          `json:"userId"`
	Timestamp time.Time       `json:"timestamp"`
	Version   string          `json:"version,omitempty"`
	Sequence  uint64          `json:"sequence,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ContentChange is the payload of EventContentChange. A rollback is the same
// payload with old and new values swapped.
type ContentChange struct {
	ContentKey  string `json:"contentKey"`
	OldValue    string `json:"oldValue"`
	NewValue    string `json:"newValue"`
	ContentType string `json:"contentType"`
}

type ComponentAdd struct {
	ComponentID   idwrap.IDWrap      `json:"componentId"`
	ComponentType string             `json:"componentType"`
	Position      mposition.Position `json:"position"`
	Props         map[string]any     `json:"props,omitempty"`
}

type ComponentMove struct {
	ComponentID        idwrap.IDWrap      `json:"componentId"`
	OldPosition        mposition.Position `json:"oldPosition"`
	NewPosition        mposition.Position `json:"newPosition"`
	AffectedComponents []idwrap.IDWrap    `json:"affectedComponents,omitempty"`
}

type ComponentDelete struct {
	ComponentID        idwrap.IDWrap      `json:"componentId"`
	Position           mposition.Position `json:"position"`
	RemovedComponents  []idwrap.IDWrap    `json:"removedComponents,omitempty"`
	AffectedComponents []idwrap.IDWrap    `json:"affectedComponents,omitempty"`
}

// New builds an event with a fresh id and timestamp; payload is encoded
// immediately so the event can be treated as immutable afterwards.
func New(eventType EventType, pageName, userID string, payload any) (RealtimeEvent, error) {
	if !eventType.Valid() {
		return RealtimeEvent{}, ErrUnknownEventType
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return RealtimeEvent{}, err
		}
		raw = data
	}
	return RealtimeEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		PageName:  pageName,
		UserID:    userID,
		Timestamp: time.Now(),
		Data:      raw,
	}, nil
}

// DecodePayload unmarshals the event data into the typed payload struct.
func DecodePayload[T any](evt RealtimeEvent) (T, error) {
	var out T
	if len(evt.Data) == 0 {
		return out, nil
	}
	err := json.Unmarshal(evt.Data, &out)
	return out, err
}

func Marshal(evt RealtimeEvent) ([]byte, error) {
	return json.Marshal(evt)
}

func Unmarshal(data []byte) (RealtimeEvent, error) {
	var evt RealtimeEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return RealtimeEvent{}, err
	}
	if !evt.Type.Valid() {
		return RealtimeEvent{}, ErrUnknownEventType
	}
	return evt, nil
}
