package models

import (
	"time"
)

// ChatMessageType distinguishes operator chat from system-generated messages
type ChatMessageType string

// Chat message types
const (
	ChatTypeChat         ChatMessageType = "chat"
	ChatTypeSystem       ChatMessageType = "system"
	ChatTypeConflict     ChatMessageType = "conflict"
	ChatTypeAnnouncement ChatMessageType = "announcement"
)

// ChatMessage is one entry in a session's message stream. The stream is
// append-only; only reactions and read state mutate after the fact.
type ChatMessage struct {
	ID             string              `json:"id"`
	SenderID       string              `json:"sender_id"`
	SenderName     string              `json:"sender_name,omitempty"`
	Timestamp      time.Time           `json:"timestamp"`
	Text           string              `json:"text"`
	Type           ChatMessageType     `json:"type"`
	RelatedEventID string              `json:"related_event_id,omitempty"`
	Reactions      map[string][]string `json:"reactions,omitempty"` // emoji -> participant IDs
}

// Clone returns a deep copy safe to hand to callers
func (m *ChatMessage) Clone() *ChatMessage {
	cp := *m
	if m.Reactions != nil {
		cp.Reactions = make(map[string][]string, len(m.Reactions))
		for emoji, who := range m.Reactions {
			cp.Reactions[emoji] = append([]string(nil), who...)
		}
	}
	return &cp
}
