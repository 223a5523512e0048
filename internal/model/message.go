package model

import (
	"fmt"
	"strings"
	"time"
)

// Origin tells whether a message is provisional or durable.
type Origin string

const (
	OriginOptimistic Origin = "optimistic"
	OriginConfirmed  Origin = "confirmed"
)

// MediaKind is the kind of an attached media file.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// ParseMediaKind validates a media kind name.
func ParseMediaKind(s string) (MediaKind, error) {
	switch k := MediaKind(strings.ToLower(s)); k {
	case MediaImage, MediaAudio, MediaVideo:
		return k, nil
	}
	return "", fmt.Errorf("unknown media kind %q", s)
}

// TempPrefix marks ids of in-flight optimistic messages.
const TempPrefix = "temp-"

// IsTempID reports whether id belongs to an optimistic message.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// Message is a chat message as held by the client.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SentAt         time.Time `json:"sent_at"`
	Text           string    `json:"text,omitempty"`
	ImageURL       string    `json:"image_url,omitempty"`
	AudioURL       string    `json:"audio_url,omitempty"`
	VideoURL       string    `json:"video_url,omitempty"`
	IsRead         bool      `json:"is_read"`
	Origin         Origin    `json:"origin"`
}

// IsOptimistic reports whether the message awaits confirmation.
func (m *Message) IsOptimistic() bool {
	return m.Origin == OriginOptimistic
}

// Media returns the attached media kind and URL, if any.
func (m *Message) Media() (MediaKind, string) {
	switch {
	case m.ImageURL != "":
		return MediaImage, m.ImageURL
	case m.AudioURL != "":
		return MediaAudio, m.AudioURL
	case m.VideoURL != "":
		return MediaVideo, m.VideoURL
	}
	return "", ""
}

// SetMedia attaches url as the given media kind, clearing the others.
func (m *Message) SetMedia(kind MediaKind, url string) {
	m.ImageURL, m.AudioURL, m.VideoURL = "", "", ""
	switch kind {
	case MediaImage:
		m.ImageURL = url
	case MediaAudio:
		m.AudioURL = url
	case MediaVideo:
		m.VideoURL = url
	}
}

// Kind returns "text" or the media kind.
func (m *Message) Kind() string {
	if kind, _ := m.Media(); kind != "" {
		return string(kind)
	}
	return "text"
}

// Preview is the conversation-list preview for the message.
func (m *Message) Preview() string {
	switch kind, _ := m.Media(); kind {
	case MediaImage:
		return "📷 Imagem"
	case MediaAudio:
		return "🎤 Áudio"
	case MediaVideo:
		return "🎬 Vídeo"
	}
	return m.Text
}

// Row converts the message into an insertable messages row. The id and
// sent_at are left to the store.
func (m *Message) Row() Row {
	row := Row{
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
	}
	if m.Text != "" {
		row["text"] = m.Text
	}
	if kind, url := m.Media(); kind != "" {
		row[string(kind)+"_url"] = url
	}
	return row
}

// MessageFromRow converts a persisted row into a confirmed message.
func MessageFromRow(r MessageRow) Message {
	return Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		SentAt:         r.SentAt.Time,
		Text:           r.Text,
		ImageURL:       r.ImageURL,
		AudioURL:       r.AudioURL,
		VideoURL:       r.VideoURL,
		IsRead:         bool(r.IsRead),
		Origin:         OriginConfirmed,
	}
}
