package wsrelay

import (
	json "github.com/goccy/go-json"

	"pagesync/pkg/model/mevent"
)

// FrameKind tags the messages exchanged with the sync hub.
type FrameKind string

const (
	FrameJoin      FrameKind = "join"
	FrameLeave     FrameKind = "leave"
	FrameHeartbeat FrameKind = "heartbeat"
	FrameEvent     FrameKind = "event"
)

// Frame is the hub wire envelope. Event is set only for FrameEvent.
type Frame struct {
	Kind     FrameKind             `json:"kind"`
	Page     string                `json:"page"`
	UserID   string                `json:"userId"`
	UserName string                `json:"userName,omitempty"`
	Event    *mevent.RealtimeEvent `json:"event,omitempty"`
}

func EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}
