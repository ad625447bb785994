package forum

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrSessionExpired is returned for any 401 response. The client's
	// session-expired handlers have already run when a caller sees it.
	ErrSessionExpired = errors.New("session expired")
	// ErrNetwork wraps transport failures that produced no HTTP response.
	ErrNetwork = errors.New("Network error. Please check your connection.")
	// ErrInvalidInput is returned when required fields are missing, before
	// any request is made.
	ErrInvalidInput = errors.New("invalid input")
	// ErrEmptyMessage is returned when a chat message has no visible content.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoSession is returned by messaging operations that need a signed-in
	// user.
	ErrNoSession = errors.New("no active session")
)

// APIError is a non-2xx, non-401 response from the forum API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// ============================================================================
// Domain Types
// ============================================================================

type User struct {
	ID        int64     `json:"id"`
	Nickname  string    `json:"nickname"`
	Age       int       `json:"age,omitempty"`
	Gender    string    `json:"gender,omitempty"`
	FirstName string    `json:"firstName,omitempty"`
	LastName  string    `json:"lastName,omitempty"`
	Email     string    `json:"email,omitempty"`
	Avatar    string    `json:"avatar,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

type Post struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"createdAt"`
	User      *User     `json:"user,omitempty"`
}

type Comment struct {
	ID        int64     `json:"id"`
	PostID    int64     `json:"postId"`
	UserID    int64     `json:"userId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Username  string    `json:"username,omitempty"`
}

// Message is a stored direct message.
type Message struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"senderId"`
	ReceiverID int64     `json:"receiverId"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
	Read       bool      `json:"read"`
	IsImage    bool      `json:"isImage"`
	SenderName string    `json:"senderName,omitempty"`
}

// Counterpart returns the other participant from self's point of view.
func (m Message) Counterpart(self int64) int64 {
	if m.SenderID == self {
		return m.ReceiverID
	}
	return m.SenderID
}

// ConversationList is the latest message exchanged with each peer, newest
// first, plus unread counts keyed by sender.
type ConversationList struct {
	Conversations []Message     `json:"conversations"`
	UnreadCounts  map[int64]int `json:"unreadCounts"`
}

// PostDetail is a post together with its comments.
type PostDetail struct {
	Post     Post      `json:"post"`
	Comments []Comment `json:"comments"`
}

// ============================================================================
// Request Types
// ============================================================================

type LoginOptions struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type RegisterOptions struct {
	Nickname  string `json:"nickname"`
	Age       int    `json:"age"`
	Gender    string `json:"gender"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

type CreatePostOptions struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	Category string `json:"category"`
}

type CreateCommentOptions struct {
	PostID  int64  `json:"postId"`
	Content string `json:"content"`
}

// ============================================================================
// Response Envelopes
// ============================================================================

type userResponse struct {
	User User `json:"user"`
}

type usersResponse struct {
	Users []User `json:"users"`
}

type onlineResponse struct {
	OnlineUsers []int64 `json:"onlineUsers"`
}

type postsResponse struct {
	Posts []Post `json:"posts"`
}

type commentResponse struct {
	Comment Comment `json:"comment"`
}

type commentsResponse struct {
	Comments []Comment `json:"comments"`
}

type messagesResponse struct {
	Messages []Message `json:"messages"`
}

type messageResponse struct {
	Message Message `json:"message"`
}

type avatarResponse struct {
	Avatar string `json:"avatar"`
}
