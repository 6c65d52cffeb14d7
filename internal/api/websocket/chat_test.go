package websocket

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotboard/collab/pkg/models"
	"github.com/slotboard/collab/pkg/wire"
)

func newTestChat(t *testing.T, config ChatConfig) (*ChatManager, *capturingPublisher) {
	t.Helper()
	pub := &capturingPublisher{}
	return NewChatManager(config, pub, nil, nil), pub
}

func chatFrom(id, sender, text string) *models.ChatMessage {
	return &models.ChatMessage{ID: id, SenderID: sender, Text: text, Type: models.ChatTypeChat}
}

func TestChatAppendAndHistory(t *testing.T) {
	cm, pub := newTestChat(t, DefaultChatConfig())

	cm.Append("sess-1", chatFrom("m1", "alice", "hello"))
	cm.Append("sess-1", chatFrom("m2", "bob", "hi"))
	cm.Append("sess-2", chatFrom("m3", "cara", "elsewhere"))

	history := cm.History("sess-1", 10)
	require.Len(t, history, 2)
	assert.Equal(t, "m1", history[0].ID, "history preserves arrival order")
	assert.Equal(t, "m2", history[1].ID)

	assert.Len(t, cm.History("sess-1", 1), 1)
	assert.Len(t, pub.byType(wire.TypeChatMessage), 3)
}

func TestChatHistoryEviction(t *testing.T) {
	cm, _ := newTestChat(t, ChatConfig{HistoryLimit: 3})

	for i := 1; i <= 5; i++ {
		cm.Append("sess-1", chatFrom(fmt.Sprintf("m%d", i), "alice", "msg"))
	}

	history := cm.History("sess-1", 10)
	require.Len(t, history, 3)
	assert.Equal(t, "m3", history[0].ID, "oldest messages evicted first")
	assert.Equal(t, "m5", history[2].ID)
}

func TestReactionToggleIdempotence(t *testing.T) {
	cm, _ := newTestChat(t, DefaultChatConfig())

	cm.Append("sess-1", chatFrom("m1", "alice", "hello"))

	require.NoError(t, cm.ToggleReaction("sess-1", "m1", "bob", "👍"))
	require.NoError(t, cm.ToggleReaction("sess-1", "m1", "cara", "👍"))

	msg := cm.History("sess-1", 1)[0]
	assert.ElementsMatch(t, []string{"bob", "cara"}, msg.Reactions["👍"])

	// toggling again removes bob, and the empty set disappears entirely
	require.NoError(t, cm.ToggleReaction("sess-1", "m1", "bob", "👍"))
	msg = cm.History("sess-1", 1)[0]
	assert.Equal(t, []string{"cara"}, msg.Reactions["👍"])

	require.NoError(t, cm.ToggleReaction("sess-1", "m1", "cara", "👍"))
	msg = cm.History("sess-1", 1)[0]
	_, present := msg.Reactions["👍"]
	assert.False(t, present)

	assert.Error(t, cm.ToggleReaction("sess-1", "m-unknown", "bob", "👍"))
}

func TestReadCursorAndUnread(t *testing.T) {
	cm, _ := newTestChat(t, DefaultChatConfig())

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cm.SetClock(func() time.Time { return now })

	cm.Append("sess-1", chatFrom("m1", "alice", "one"))
	now = now.Add(time.Minute)
	cm.Append("sess-1", chatFrom("m2", "alice", "two"))

	assert.Equal(t, 2, cm.UnreadCount("sess-1", "bob"))
	assert.Equal(t, 0, cm.UnreadCount("sess-1", "alice"), "own messages are never unread")

	readAt := now.Add(-30 * time.Second) // between m1 and m2
	cm.MarkRead("sess-1", "bob", readAt)
	assert.Equal(t, 1, cm.UnreadCount("sess-1", "bob"))

	// the cursor never moves backwards
	cm.MarkRead("sess-1", "bob", readAt.Add(-time.Hour))
	assert.Equal(t, 1, cm.UnreadCount("sess-1", "bob"))

	cm.MarkRead("sess-1", "bob", now)
	assert.Equal(t, 0, cm.UnreadCount("sess-1", "bob"))
}

func TestSystemMessage(t *testing.T) {
	cm, pub := newTestChat(t, DefaultChatConfig())

	msg := cm.SystemMessage("sess-1", "Conflict on Tuesday 9am resolved", models.ChatTypeConflict, "evt-1")
	require.NotNil(t, msg)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, models.ChatTypeConflict, msg.Type)
	assert.Equal(t, "evt-1", msg.RelatedEventID)
	assert.Len(t, pub.byType(wire.TypeChatMessage), 1)
}

func TestChatBroadcastPayloadIsolatedFromLaterMutation(t *testing.T) {
	cm, pub := newTestChat(t, DefaultChatConfig())

	cm.Append("sess-1", chatFrom("m1", "alice", "hello"))
	require.NoError(t, cm.ToggleReaction("sess-1", "m1", "bob", "👍"))

	broadcasts := pub.byType(wire.TypeChatMessage)
	require.Len(t, broadcasts, 1)
	var payload wire.ChatMessageMsg
	require.NoError(t, broadcasts[0].DecodePayload(&payload))
	assert.Empty(t, payload.Message.Reactions, "the broadcast carries the message as appended")

	stored := cm.History("sess-1", 0)
	require.Len(t, stored, 1)
	assert.Equal(t, []string{"bob"}, stored[0].Reactions["👍"])
}
