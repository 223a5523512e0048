package model

import (
	"time"
)

// ChangeKind is the kind of a realtime row change.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// ChangeEvent is a realtime push of a row change.
type ChangeEvent struct {
	Table string     `json:"table"`
	Kind  ChangeKind `json:"kind"`
	Row   Row        `json:"row"`
	Old   Row        `json:"old,omitempty"`
}

// Identity is the authenticated user.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// PresenceState is what a client advertises on the presence channel.
type PresenceState struct {
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// PresenceEventKind is the kind of a presence channel event.
type PresenceEventKind string

const (
	PresenceSync  PresenceEventKind = "sync"
	PresenceJoin  PresenceEventKind = "join"
	PresenceLeave PresenceEventKind = "leave"
)

// PresenceEvent reports a change on the presence channel. A sync event
// carries the full membership; join and leave carry the delta.
type PresenceEvent struct {
	Kind      PresenceEventKind `json:"kind"`
	Presences []PresenceState   `json:"presences"`
}

// EventType identifies a session event delivered to the UI.
type EventType string

const (
	EventConversationsChanged EventType = "conversations_changed"
	EventMessageAppended      EventType = "message_appended"
	EventMessageConfirmed     EventType = "message_confirmed"
	EventMessageRemoved       EventType = "message_removed"
	EventMessageUpdated       EventType = "message_updated"
	EventPresenceChanged      EventType = "presence_changed"
	EventAssistantState       EventType = "assistant_state"
	EventToast                EventType = "toast"
	EventNotify               EventType = "notify"
	EventConnectivity         EventType = "connectivity"
)

// ToastLevel is the severity of a toast.
type ToastLevel string

const (
	ToastInfo  ToastLevel = "info"
	ToastError ToastLevel = "error"
)

// Toast is a transient user-visible notice.
type Toast struct {
	Level   ToastLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// Event is a session event. Only the fields relevant to Type are set.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Message        *Message  `json:"message,omitempty"`
	// ReplacedID is the temporary id superseded by a confirmed message.
	ReplacedID     string    `json:"replaced_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Online         bool      `json:"online,omitempty"`
	AssistantState string    `json:"assistant_state,omitempty"`
	Toast          *Toast    `json:"toast,omitempty"`
	Connected      *bool     `json:"connected,omitempty"`
	At             time.Time `json:"at"`
}
