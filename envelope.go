package forum

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var (
	// ErrMalformedFrame is returned for frames that are not a JSON object.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownType is returned for frames with a missing or unrecognized type.
	ErrUnknownType = errors.New("unknown message type")
)

// MessageType is the "type" discriminator of a realtime frame.
type MessageType string

const (
	TypeChatMessage MessageType = "chat_message"
	TypeTypingStart MessageType = "typing_start"
	TypeTypingStop  MessageType = "typing_stop"
	TypeUserOnline  MessageType = "user_online"
	TypeUserOffline MessageType = "user_offline"
	TypeNewPost     MessageType = "new_post"
	TypeNewComment  MessageType = "new_comment"
	TypePing        MessageType = "ping"
	TypePong        MessageType = "pong"
	TypeError       MessageType = "error"
)

var knownTypes = map[MessageType]bool{
	TypeChatMessage: true,
	TypeTypingStart: true,
	TypeTypingStop:  true,
	TypeUserOnline:  true,
	TypeUserOffline: true,
	TypeNewPost:     true,
	TypeNewComment:  true,
	TypePing:        true,
	TypePong:        true,
	TypeError:       true,
}

// Envelope is the wire format of every realtime frame in both directions.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Content   json.RawMessage `json:"content,omitempty"`
	Sender    int64           `json:"sender,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

// NewEnvelope builds an outbound frame. A nil content is omitted.
func NewEnvelope(t MessageType, content any) (Envelope, error) {
	env := Envelope{Type: t}
	if content == nil {
		return env, nil
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s content: %w", t, err)
	}
	env.Content = raw
	return env, nil
}

// DecodeEnvelope parses one inbound frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	if !gjson.ValidBytes(data) {
		return Envelope{}, ErrMalformedFrame
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Envelope{}, ErrMalformedFrame
	}

	t := MessageType(root.Get("type").String())
	if !knownTypes[t] {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	env := Envelope{Type: t}
	if c := root.Get("content"); c.Exists() && c.Type != gjson.Null {
		env.Content = json.RawMessage(c.Raw)
	}
	env.Sender, _ = readID(root.Get("sender"))
	if ts := root.Get("timestamp"); ts.Type == gjson.String {
		if parsed, err := time.Parse(time.RFC3339Nano, ts.Str); err == nil {
			env.Timestamp = &parsed
		}
	}
	return env, nil
}

// readID accepts an id encoded as a JSON number or a numeric string.
func readID(r gjson.Result) (int64, bool) {
	switch r.Type {
	case gjson.Number:
		return r.Int(), r.Int() != 0
	case gjson.String:
		id, err := strconv.ParseInt(strings.TrimSpace(r.Str), 10, 64)
		return id, err == nil && id != 0
	default:
		return 0, false
	}
}

// ============================================================================
// Payload readers
// ============================================================================

// ChatPayload is the content of a chat_message frame. Plain text frames carry
// only ReceiverID and Content; image frames carry a stored message record.
type ChatPayload struct {
	ID         int64
	SenderID   int64
	ReceiverID int64
	Content    string
	IsImage    bool
	CreatedAt  time.Time
}

// ChatContent reads a chat_message payload. SenderID falls back to the
// envelope sender.
func (e Envelope) ChatContent() (ChatPayload, bool) {
	c := gjson.ParseBytes(e.Content)
	if !c.IsObject() {
		return ChatPayload{}, false
	}
	p := ChatPayload{
		Content: c.Get("content").String(),
		IsImage: c.Get("isImage").Bool(),
	}
	p.ID, _ = readID(c.Get("id"))
	p.ReceiverID, _ = readID(c.Get("receiverId"))
	if id, ok := readID(c.Get("senderId")); ok {
		p.SenderID = id
	} else {
		p.SenderID = e.Sender
	}
	if ts := c.Get("createdAt"); ts.Type == gjson.String {
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts.Str)
	}
	if p.CreatedAt.IsZero() && e.Timestamp != nil {
		p.CreatedAt = *e.Timestamp
	}
	return p, p.ReceiverID != 0 && p.SenderID != 0
}

// PresenceUserID reads the subject of a user_online / user_offline frame:
// a bare id, a numeric string, or an object with userId.
func (e Envelope) PresenceUserID() (int64, bool) {
	c := gjson.ParseBytes(e.Content)
	if c.IsObject() {
		return readID(c.Get("userId"))
	}
	return readID(c)
}

// CommentPostID reads the post id of a new_comment frame.
func (e Envelope) CommentPostID() (int64, bool) {
	return readID(gjson.GetBytes(e.Content, "postId"))
}

// TypingReceiverID reads the receiverId of a typing frame.
func (e Envelope) TypingReceiverID() (int64, bool) {
	return readID(gjson.GetBytes(e.Content, "receiverId"))
}

// ErrorMessage reads the text of an error frame.
func (e Envelope) ErrorMessage() string {
	c := gjson.ParseBytes(e.Content)
	if c.Type == gjson.String {
		return c.Str
	}
	if m := c.Get("message"); m.Exists() {
		return m.String()
	}
	return "Server error"
}

// chatOut is the outbound chat_message content.
type chatOut struct {
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content"`
}

// typingOut is the outbound typing_start / typing_stop content.
type typingOut struct {
	ReceiverID int64 `json:"receiverId"`
}
