// Package model defines data structures for the chat client.
package model

import (
	"strings"
	"time"
)

const (
	// AssistantConversationID is the fixed id of the synthetic assistant conversation.
	AssistantConversationID = "assistant"

	// AssistantSenderID is the sender id used for assistant replies.
	AssistantSenderID = "iara"

	// AssistantName is the display name of the assistant counterpart.
	AssistantName = "IARA"

	// PlaceholderPrefix marks conversations that have no durable row yet.
	PlaceholderPrefix = "new-"

	defaultGroupName = "Grupo"
	defaultUserName  = "Usuário"
)

// Conversation is a conversation summary as shown in the conversation list.
type Conversation struct {
	ID                 string     `json:"id"`
	DisplayName        string     `json:"display_name"`
	AvatarURL          string     `json:"avatar_url,omitempty"`
	LastMessagePreview string     `json:"last_message_preview,omitempty"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`
	UnreadCount        int        `json:"unread_count"`
	IsOnline           bool       `json:"is_online"`
	IsGroup            bool       `json:"is_group"`
	IsArchived         bool       `json:"is_archived"`
	IsAssistant        bool       `json:"is_assistant"`
	IsPlaceholder      bool       `json:"is_placeholder"`

	// CounterpartID is the other participant of a direct conversation.
	CounterpartID  string   `json:"counterpart_id,omitempty"`
	GroupID        string   `json:"group_id,omitempty"`
	ParticipantIDs []string `json:"participant_ids,omitempty"`
}

// PlaceholderID builds the id of a not-yet-created direct conversation.
func PlaceholderID(selfID, otherID string) string {
	return PlaceholderPrefix + selfID + "-" + otherID
}

// IsPlaceholderID reports whether id names a placeholder conversation.
func IsPlaceholderID(id string) bool {
	return strings.HasPrefix(id, PlaceholderPrefix)
}

// NewAssistantConversation returns the synthetic assistant conversation.
func NewAssistantConversation(avatarURL string) *Conversation {
	return &Conversation{
		ID:          AssistantConversationID,
		DisplayName: AssistantName,
		AvatarURL:   avatarURL,
		IsOnline:    true,
		IsAssistant: true,
	}
}

// NewPlaceholderConversation synthesises a direct conversation with a counterpart
// that has no conversation with the current user yet.
func NewPlaceholderConversation(selfID string, other UserRow) *Conversation {
	name := other.Name
	if name == "" {
		name = defaultUserName
	}
	return &Conversation{
		ID:             PlaceholderID(selfID, other.ID),
		DisplayName:    name,
		AvatarURL:      other.AvatarURL,
		IsOnline:       bool(other.IsOnline),
		IsPlaceholder:  true,
		CounterpartID:  other.ID,
		ParticipantIDs: []string{selfID, other.ID},
	}
}

// BuildConversation derives a conversation summary from its rows. users holds
// profiles keyed by id; group may be nil for direct conversations.
func BuildConversation(selfID string, conv ConversationRow, participants []ParticipantRow, users map[string]UserRow, group *GroupRow) *Conversation {
	c := &Conversation{
		ID:            conv.ID,
		IsGroup:       bool(conv.IsGroup),
		IsArchived:    bool(conv.IsArchived),
		GroupID:       conv.GroupID,
		LastMessageAt: conv.LastMessageTime(),
	}

	for _, p := range participants {
		c.ParticipantIDs = append(c.ParticipantIDs, p.UserID)
		if p.UserID == selfID {
			c.UnreadCount = p.UnreadCount
		} else if c.CounterpartID == "" {
			c.CounterpartID = p.UserID
		}
	}

	if c.IsGroup {
		c.CounterpartID = ""
		c.DisplayName = defaultGroupName
		if group != nil {
			if group.Name != "" {
				c.DisplayName = group.Name
			}
			c.AvatarURL = group.AvatarURL
		}
		c.IsOnline = true
		return c
	}

	c.DisplayName = defaultUserName
	if u, ok := users[c.CounterpartID]; ok {
		if u.Name != "" {
			c.DisplayName = u.Name
		}
		c.AvatarURL = u.AvatarURL
		c.IsOnline = bool(u.IsOnline)
	}
	return c
}

// HasExactParticipants reports whether the conversation is made of exactly the given users.
func (c *Conversation) HasExactParticipants(ids ...string) bool {
	if len(c.ParticipantIDs) != len(ids) {
		return false
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for _, id := range c.ParticipantIDs {
		if _, ok := want[id]; !ok {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (c *Conversation) Clone() Conversation {
	out := *c
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		out.LastMessageAt = &t
	}
	out.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	return out
}
