package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCall_Duration(t *testing.T) {
	secs := func(n int64) *int64 { return &n }
	tests := []struct {
		name string
		call Call
		want string
	}{
		{"unanswered", Call{Status: CallMissed}, ""},
		{"instant", Call{DurationSeconds: secs(0)}, "00:00:00"},
		{"seconds", Call{DurationSeconds: secs(42)}, "00:00:42"},
		{"hours", Call{DurationSeconds: secs(3725)}, "01:02:05"},
		{"long", Call{DurationSeconds: secs(100 * 3600)}, "100:00:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.call.Duration())
		})
	}
}

func TestCall_Parties(t *testing.T) {
	req := require.New(t)
	c := Call{CallerID: "alice", ReceiverID: "bob"}
	req.True(c.Party("alice"))
	req.True(c.Party("bob"))
	req.False(c.Party("carol"))
	req.Equal("bob", c.Other("alice"))
	req.Equal("alice", c.Other("bob"))

	req.False(CallPending.Closed())
	req.False(CallOngoing.Closed())
	req.True(CallEnded.Closed())
	req.True(CallMissed.Closed())
}

func TestChat_HasMember(t *testing.T) {
	c := Chat{Members: []string{"alice", "bob"}}
	require.True(t, c.HasMember("bob"))
	require.False(t, c.HasMember("carol"))
}

func TestMessage(t *testing.T) {
	req := require.New(t)
	req.True(TypeFile.Valid())
	req.False(MessageType("sticker").Valid())

	m := Message{ReadBy: []string{"bob"}}
	req.True(m.ReadByUser("bob"))
	req.False(m.ReadByUser("alice"))
}

func TestPopulatedMessage_JSON(t *testing.T) {
	pm := PopulatedMessage{
		Message: Message{ID: 7, ChatID: "c1", SenderID: "alice", Content: "yes", Type: TypeText, ReplyTo: 5},
		Sender:  Sender{ID: "alice", Name: "Alice"},
		ReplyTo: &ReplySummary{ID: 5, Content: "ok?", SenderID: "bob"},
	}
	raw, err := json.Marshal(pm)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, "7", got["id"])
	require.Equal(t, map[string]any{"_id": "alice", "name": "Alice", "profile_picture": ""}, got["sender"])
	require.Equal(t, map[string]any{"_id": "5", "message_content": "ok?", "sender": "bob"}, got["replyTo"])
}
