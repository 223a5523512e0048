package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Table names of the persisted schema.
const (
	TableUsers         = "users"
	TableConversations = "conversations"
	TableParticipants  = "participants"
	TableMessages      = "messages"
	TableGroups        = "groups"
)

// Row is an untyped record as exchanged with the gateway.
type Row map[string]any

// String returns the value at key formatted as a string, or "" when absent.
func (r Row) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Decode converts an untyped row into a typed one.
func Decode[T any](r Row) (T, error) {
	var out T
	b, err := json.Marshal(r)
	if err != nil {
		return out, fmt.Errorf("encode row: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decode row: %w", err)
	}
	return out, nil
}

// DecodeAll converts a slice of rows, failing on the first bad one.
func DecodeAll[T any](rows []Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		v, err := Decode[T](r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Flag is a boolean column that also accepts the legacy "true"/"false" strings.
// It always encodes as a JSON boolean.
type Flag bool

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch strings.ToLower(strings.Trim(string(b), `"`)) {
	case "true", "t", "1":
		*f = true
	case "false", "f", "0", "", "null":
		*f = false
	default:
		return fmt.Errorf("invalid flag value %s", b)
	}
	return nil
}

// Timestamp is a time column tolerant of timestamps without a zone, which
// are taken as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			t.Time = v.UTC()
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// UserRow is a users record.
type UserRow struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
	IsOnline  Flag   `json:"is_online"`
	WhatsApp  string `json:"whatsapp"`
}

// ConversationRow is a conversations record.
type ConversationRow struct {
	ID            string     `json:"id"`
	IsGroup       Flag       `json:"is_group"`
	GroupID       string     `json:"group_id"`
	IsArchived    Flag       `json:"is_archived"`
	LastMessageAt *Timestamp `json:"last_message_at"`
}

// LastMessageTime returns the last message time or nil when unknown.
func (c ConversationRow) LastMessageTime() *time.Time {
	if c.LastMessageAt == nil || c.LastMessageAt.IsZero() {
		return nil
	}
	t := c.LastMessageAt.Time
	return &t
}

// ParticipantRow is a participants record.
type ParticipantRow struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	UnreadCount    int        `json:"unread_count"`
	LastSeen       *Timestamp `json:"last_seen"`
}

// MessageRow is a messages record.
type MessageRow struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Text           string    `json:"text"`
	ImageURL       string    `json:"image_url"`
	AudioURL       string    `json:"audio_url"`
	VideoURL       string    `json:"video_url"`
	SentAt         Timestamp `json:"sent_at"`
	IsRead         Flag      `json:"is_read"`
}

// GroupRow is a groups record.
type GroupRow struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	CreatedBy string `json:"created_by"`
}
