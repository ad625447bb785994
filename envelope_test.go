package forum

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	t.Run("chat message", func(t *testing.T) {
		env, err := DecodeEnvelope([]byte(`{"type":"chat_message","content":{"receiverId":1,"content":"hi"},"sender":42,"timestamp":"2024-03-01T12:00:00Z"}`))
		require.NoError(t, err)
		require.Equal(t, TypeChatMessage, env.Type)
		require.Equal(t, int64(42), env.Sender)
		require.NotNil(t, env.Timestamp)
		require.Equal(t, testStart, env.Timestamp.UTC())

		p, ok := env.ChatContent()
		require.True(t, ok)
		require.Equal(t, int64(42), p.SenderID)
		require.Equal(t, int64(1), p.ReceiverID)
		require.Equal(t, "hi", p.Content)
		require.Equal(t, testStart, p.CreatedAt.UTC())
	})

	t.Run("stored image message", func(t *testing.T) {
		env, err := DecodeEnvelope([]byte(`{"type":"chat_message","content":{"id":9,"senderId":"42","receiverId":"1","content":"/uploads/a.png","isImage":true}}`))
		require.NoError(t, err)
		p, ok := env.ChatContent()
		require.True(t, ok)
		require.Equal(t, int64(9), p.ID)
		require.Equal(t, int64(42), p.SenderID)
		require.True(t, p.IsImage)
	})

	t.Run("malformed", func(t *testing.T) {
		for _, raw := range []string{`not json`, `[1,2]`, `"chat_message"`, ``} {
			_, err := DecodeEnvelope([]byte(raw))
			require.ErrorIs(t, err, ErrMalformedFrame, raw)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		for _, raw := range []string{`{"type":"reaction"}`, `{"content":1}`, `{"type":7}`} {
			_, err := DecodeEnvelope([]byte(raw))
			require.ErrorIs(t, err, ErrUnknownType, raw)
		}
	})

	t.Run("unparseable timestamp is dropped", func(t *testing.T) {
		env, err := DecodeEnvelope([]byte(`{"type":"pong","timestamp":"yesterday"}`))
		require.NoError(t, err)
		require.Nil(t, env.Timestamp)
	})
}

func TestPresenceUserID(t *testing.T) {
	cases := map[string]int64{
		`{"type":"user_online","content":42}`:              42,
		`{"type":"user_online","content":"42"}`:            42,
		`{"type":"user_offline","content":{"userId":42}}`:  42,
		`{"type":"user_offline","content":{"userId":"7"}}`: 7,
	}
	for raw, want := range cases {
		env, err := DecodeEnvelope([]byte(raw))
		require.NoError(t, err)
		id, ok := env.PresenceUserID()
		require.True(t, ok, raw)
		require.Equal(t, want, id, raw)
	}

	env, err := DecodeEnvelope([]byte(`{"type":"user_online","content":{"name":"x"}}`))
	require.NoError(t, err)
	_, ok := env.PresenceUserID()
	require.False(t, ok)
}

func TestEnvelopePayloadReaders(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"new_comment","content":{"comment":{"id":3},"postId":12}}`))
	require.NoError(t, err)
	id, ok := env.CommentPostID()
	require.True(t, ok)
	require.Equal(t, int64(12), id)

	env, err = DecodeEnvelope([]byte(`{"type":"typing_start","content":{"receiverId":1},"sender":42}`))
	require.NoError(t, err)
	to, ok := env.TypingReceiverID()
	require.True(t, ok)
	require.Equal(t, int64(1), to)

	env, err = DecodeEnvelope([]byte(`{"type":"error","content":{"message":"cannot send message to offline user"}}`))
	require.NoError(t, err)
	require.Equal(t, "cannot send message to offline user", env.ErrorMessage())

	env, err = DecodeEnvelope([]byte(`{"type":"error"}`))
	require.NoError(t, err)
	require.Equal(t, "Server error", env.ErrorMessage())
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(TypeChatMessage, chatOut{ReceiverID: 42, Content: "hi"})
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"chat_message","content":{"receiverId":42,"content":"hi"}}`, string(data))

	env, err = NewEnvelope(TypePing, nil)
	require.NoError(t, err)
	data, err = json.Marshal(env)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"ping"}`, string(data))
}
