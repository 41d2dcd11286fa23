package relay

import (
	"encoding/json"
	"fmt"
)

// Client-originated events.
const (
	EventJoin            = "join"
	EventLeave           = "leave"
	EventUpdate          = "update"
	EventCursorMove      = "cursor.move"
	EventSelectionChange = "selection.change"
	EventTypingStart     = "typing.start"
	EventTypingStop      = "typing.stop"
)

// Server-originated events.
const (
	EventUserJoined      = "user.joined"
	EventUserLeft        = "user.left"
	EventSyncInitial     = "sync.initial"
	EventCursorUpdate    = "cursor.update"
	EventSelectionUpdate = "selection.update"
	EventTypingStarted   = "typing.started"
	EventTypingStopped   = "typing.stopped"
	EventNotification    = "notification"
	EventError           = "error"
)

// Envelope is the outer frame of every websocket message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RoomPayload carries the room identifier shared by join and leave.
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// UpdatePayload carries a base64-encoded binary scene delta.
type UpdatePayload struct {
	RoomID string `json:"roomId"`
	Delta  string `json:"delta"`
}

// CursorPayload carries a cursor position within the design canvas. Page is
// optional and names the floor plan page the cursor is on.
type CursorPayload struct {
	RoomID string  `json:"roomId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Page   string  `json:"page,omitempty"`
}

// SelectionPayload carries the object identifiers a participant has selected.
type SelectionPayload struct {
	RoomID    string   `json:"roomId"`
	ObjectIDs []string `json:"objectIds"`
}

// PresencePayload identifies the session an outbound presence event is about.
type PresencePayload struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
}

// UserLeftPayload announces a departure from a room.
type UserLeftPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// SyncInitialPayload carries the base64-encoded full scene state sent to a
// session immediately after it joins a room.
type SyncInitialPayload struct {
	RoomID string `json:"roomId"`
	State  string `json:"state"`
}

// ServerUpdatePayload is the relayed form of a scene delta, tagged with the
// originating user.
type ServerUpdatePayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Delta  string `json:"delta"`
}

// CursorUpdatePayload is the relayed form of a cursor move.
type CursorUpdatePayload struct {
	RoomID      string  `json:"roomId"`
	UserID      string  `json:"userId"`
	DisplayName string  `json:"displayName"`
	Color       string  `json:"color"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Page        string  `json:"page,omitempty"`
}

// SelectionUpdatePayload is the relayed form of a selection change.
type SelectionUpdatePayload struct {
	RoomID    string   `json:"roomId"`
	UserID    string   `json:"userId"`
	ObjectIDs []string `json:"objectIds"`
}

// TypingPayload signals that a participant started or stopped entering text.
// Context names what is being edited, for example a comment thread, and is
// only meaningful on typing.start.
type TypingPayload struct {
	RoomID  string `json:"roomId"`
	Context string `json:"context,omitempty"`
}

// TypingUpdatePayload is the relayed form of a typing indicator.
type TypingUpdatePayload struct {
	RoomID  string `json:"roomId"`
	UserID  string `json:"userId"`
	Context string `json:"context,omitempty"`
}

// NotificationPayload delivers a notification to its recipient's live
// connection.
type NotificationPayload struct {
	NotificationID   string `json:"notificationId"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	Body             string `json:"body"`
	Link             string `json:"link,omitempty"`
	CreatedAtSeconds int64  `json:"createdAt"`
}

// ErrorPayload reports a rejected client event without closing the connection.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func marshalEvent(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
