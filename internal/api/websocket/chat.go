package websocket

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slotboard/collab/pkg/models"
	"github.com/slotboard/collab/pkg/observability"
	"github.com/slotboard/collab/pkg/wire"
)

// ChatConfig configures the chat channel
type ChatConfig struct {
	// HistoryLimit bounds how many messages a session retains in memory
	HistoryLimit int `mapstructure:"history_limit"`
}

// DefaultChatConfig returns the chat defaults
func DefaultChatConfig() ChatConfig {
	return ChatConfig{HistoryLimit: 500}
}

type chatRoom struct {
	messages []*models.ChatMessage
	byID     map[string]*models.ChatMessage
	readAt   map[string]time.Time // participant ID -> read cursor
}

// ChatManager owns the per-session message stream riding the collaboration
// transport. Messages append in arrival order; only reactions and read state
// mutate afterwards.
type ChatManager struct {
	mu    sync.Mutex
	rooms map[string]*chatRoom

	config    ChatConfig
	publisher Publisher
	logger    observability.Logger
	metrics   observability.MetricsClient
	now       func() time.Time
}

// NewChatManager creates a chat manager
func NewChatManager(config ChatConfig, publisher Publisher, logger observability.Logger, metrics observability.MetricsClient) *ChatManager {
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultChatConfig().HistoryLimit
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &ChatManager{
		rooms:     make(map[string]*chatRoom),
		config:    config,
		publisher: publisher,
		logger:    logger.WithPrefix("chat"),
		metrics:   metrics,
		now:       time.Now,
	}
}

// Append stores a message and broadcasts it to the session. Announcement
// messages are restricted to admins by the dispatcher before reaching here.
func (cm *ChatManager) Append(sessionID string, msg *models.ChatMessage) *models.ChatMessage {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.Timestamp = cm.now()

	cm.mu.Lock()
	room := cm.room(sessionID)
	room.messages = append(room.messages, msg)
	room.byID[msg.ID] = msg
	if len(room.messages) > cm.config.HistoryLimit {
		evicted := room.messages[0]
		room.messages = room.messages[1:]
		delete(room.byID, evicted.ID)
	}
	// snapshot while still holding the lock; a concurrent reaction toggle
	// must not race the broadcast copy
	snapshot := msg.Clone()
	cm.mu.Unlock()

	cm.metrics.IncrementCounterWithLabels("chat_messages", 1, map[string]string{
		"type": string(msg.Type),
	})
	cm.publisher.Publish(sessionID, wire.MustEnvelope(wire.TypeChatMessage, &wire.ChatMessageMsg{Message: snapshot}))
	return msg
}

// SystemMessage appends a system-generated entry, e.g. a conflict notice
func (cm *ChatManager) SystemMessage(sessionID, text string, msgType models.ChatMessageType, relatedEventID string) *models.ChatMessage {
	return cm.Append(sessionID, &models.ChatMessage{
		SenderID:       "system",
		SenderName:     "System",
		Text:           text,
		Type:           msgType,
		RelatedEventID: relatedEventID,
	})
}

// ToggleReaction toggles an emoji reaction keyed by (message, participant,
// emoji). Toggling twice restores the previous state, so retransmitted
// reactions are harmless.
func (cm *ChatManager) ToggleReaction(sessionID, messageID, participantID, emoji string) error {
	cm.mu.Lock()
	room := cm.room(sessionID)
	msg, ok := room.byID[messageID]
	if !ok {
		cm.mu.Unlock()
		return fmt.Errorf("message %s not found", messageID)
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]string)
	}
	who := msg.Reactions[emoji]
	removed := false
	for i, id := range who {
		if id == participantID {
			msg.Reactions[emoji] = append(who[:i], who[i+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		msg.Reactions[emoji] = append(who, participantID)
	}
	if len(msg.Reactions[emoji]) == 0 {
		delete(msg.Reactions, emoji)
	}
	cm.mu.Unlock()

	cm.publisher.Publish(sessionID, wire.MustEnvelope(wire.TypeMessageReaction, &wire.MessageReaction{
		MessageID:     messageID,
		ParticipantID: participantID,
		Emoji:         emoji,
	}))
	return nil
}

// MarkRead advances a participant's read cursor. Cursors never move backwards.
func (cm *ChatManager) MarkRead(sessionID, participantID string, readAt time.Time) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	room := cm.room(sessionID)
	if current, ok := room.readAt[participantID]; !ok || readAt.After(current) {
		room.readAt[participantID] = readAt
	}
}

// UnreadCount returns how many messages from other participants arrived
// after the participant's read cursor
func (cm *ChatManager) UnreadCount(sessionID, participantID string) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	room := cm.room(sessionID)
	cursor := room.readAt[participantID]
	count := 0
	for _, msg := range room.messages {
		if msg.SenderID != participantID && msg.Timestamp.After(cursor) {
			count++
		}
	}
	return count
}

// History returns up to limit most recent messages in arrival order
func (cm *ChatManager) History(sessionID string, limit int) []*models.ChatMessage {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	room := cm.room(sessionID)
	msgs := room.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.ChatMessage, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.Clone()
	}
	return out
}

// room requires cm.mu held
func (cm *ChatManager) room(sessionID string) *chatRoom {
	room, ok := cm.rooms[sessionID]
	if !ok {
		room = &chatRoom{
			byID:   make(map[string]*models.ChatMessage),
			readAt: make(map[string]time.Time),
		}
		cm.rooms[sessionID] = room
	}
	return room
}

// SetClock overrides the time source. Tests only.
func (cm *ChatManager) SetClock(now func() time.Time) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.now = now
}
