// Package forum is a Go client for the realtime forum.
//
// It covers the REST API (auth, users, posts, comments, messages) through
// sub-clients, and the realtime messaging session through Messenger.
//
// Example:
//
//	client := forum.NewClient(forum.WithBaseURL("http://localhost:8080"))
//	user, _ := client.Auth.Login(ctx, &forum.LoginOptions{Login: "ada", Password: "..."})
//
//	posts, _ := client.Posts.List(ctx)
//	history, _ := client.Messages.History(ctx, 42, 20, 0)
//
//	m, _ := forum.NewMessenger(client, view, nil)
//	m.Start(*user)
//	m.SendChat(42, "hi")
package forum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/net/publicsuffix"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second

	// SessionCookieName is the cookie that authenticates both REST calls and
	// the websocket upgrade.
	SessionCookieName = "session_id"
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	mu           sync.Mutex
	onExpired    []func()
	lastRotation time.Time

	Auth     *AuthClient
	Users    *UsersClient
	Posts    *PostsClient
	Comments *CommentsClient
	Messages *MessagesClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the HTTP client. A client without a cookie jar is
// given one, since the session lives in a cookie.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log.With().Str("component", "rest").Logger() }
}

// WithSessionExpiredHandler registers a callback for 401 responses.
func WithSessionExpiredHandler(h func()) ClientOption {
	return func(c *Client) { c.onExpired = append(c.onExpired, h) }
}

// NewClient creates a forum API client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient.Jar == nil {
		jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		c.httpClient.Jar = jar
	}

	c.Auth = &AuthClient{c: c}
	c.Users = &UsersClient{c: c}
	c.Posts = &PostsClient{c: c}
	c.Comments = &CommentsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	return c
}

// BaseURL returns the API root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// HTTPClient returns the underlying client, cookie jar included.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

// OnSessionExpired registers a callback that runs whenever a request comes
// back 401.
func (c *Client) OnSessionExpired(h func()) {
	c.mu.Lock()
	c.onExpired = append(c.onExpired, h)
	c.mu.Unlock()
}

func (c *Client) sessionExpired() {
	c.mu.Lock()
	handlers := append([]func(){}, c.onExpired...)
	c.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

// WSURL derives the realtime endpoint from the base URL.
func (c *Client) WSURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// SessionCookie returns the current session_id cookie value, if any.
func (c *Client) SessionCookie() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	for _, ck := range c.httpClient.Jar.Cookies(u) {
		if ck.Name == SessionCookieName {
			return ck.Value
		}
	}
	return ""
}

// SetSessionCookie restores a previously saved session. An empty value
// clears it.
func (c *Client) SetSessionCookie(value string) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return
	}
	ck := &http.Cookie{Name: SessionCookieName, Value: value, Path: "/"}
	if value == "" {
		ck.MaxAge = -1
	}
	c.httpClient.Jar.SetCookies(u, []*http.Cookie{ck})
}

// LastRotation is when the server last rotated the session cookie.
func (c *Client) LastRotation() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRotation
}

// SetLastRotation restores a saved rotation time.
func (c *Client) SetLastRotation(t time.Time) {
	c.mu.Lock()
	c.lastRotation = t
	c.mu.Unlock()
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}, query url.Values) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// doRequest sends an authenticated request. A 401 fires the session-expired
// handlers and returns ErrSessionExpired.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	req, err := c.newRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return c.send(req, true)
}

// doPublic is doRequest for login and registration, where a 401 means bad
// credentials and comes back as an *APIError.
func (c *Client) doPublic(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	req, err := c.newRequest(ctx, method, path, body, nil)
	if err != nil {
		return nil, err
	}
	return c.send(req, false)
}

func (c *Client) send(req *http.Request, expireOn401 bool) ([]byte, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.log.Debug().Err(err).Str("path", req.URL.Path).Msg("request failed")
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}

	c.log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("request")

	switch {
	case resp.StatusCode == http.StatusUnauthorized && expireOn401:
		c.sessionExpired()
		return nil, ErrSessionExpired
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, newAPIError(resp.StatusCode, data)
	}
	return data, nil
}

// newAPIError extracts a human-readable message from an error body: the
// JSON "error" or "message" field, else the raw text.
func newAPIError(status int, body []byte) *APIError {
	var msg string
	if gjson.ValidBytes(body) {
		root := gjson.ParseBytes(body)
		for _, key := range []string{"error", "message"} {
			if v := root.Get(key); v.Type == gjson.String && v.Str != "" {
				msg = v.Str
				break
			}
		}
	} else {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = fmt.Sprintf("Request failed: %d", status)
	}
	return &APIError{Status: status, Message: msg}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// formFile is the file part of a multipart upload.
type formFile struct {
	field string
	name  string
	data  []byte
}

func (c *Client) doMultipart(ctx context.Context, path string, fields map[string]string, file formFile) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write field %s: %w", k, err)
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, file.field, filepath.Base(file.name)))
	h.Set("Content-Type", guessMimeType(file.name))
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(file.data); err != nil {
		return nil, fmt.Errorf("write file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.send(req, true)
}

// guessMimeType returns the MIME type for an upload from its extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	fallback := map[string]string{
		".webp": "image/webp", ".jpg": "image/jpeg", ".jpeg": "image/jpeg",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

func idQuery(key string, id int64) url.Values {
	return url.Values{key: []string{strconv.FormatInt(id, 10)}}
}

// ============================================================================
// Auth
// ============================================================================

type AuthClient struct{ c *Client }

// Session returns the signed-in user. The server may rotate the session
// cookie in the same response; when it does, LastRotation moves to now.
func (a *AuthClient) Session(ctx context.Context) (*User, error) {
	var query url.Values
	if last := a.c.LastRotation(); !last.IsZero() {
		query = url.Values{"last_rotation": []string{strconv.FormatInt(last.Unix(), 10)}}
	}
	before := a.c.SessionCookie()
	data, err := a.c.doRequest(ctx, "GET", "/api/session", nil, query)
	if err != nil {
		return nil, err
	}
	if after := a.c.SessionCookie(); after != "" && after != before {
		a.c.SetLastRotation(time.Now())
	}
	resp, err := decodeJSON[userResponse](data)
	if err != nil {
		return nil, err
	}
	return &resp.User, nil
}

func (a *AuthClient) Login(ctx context.Context, opts *LoginOptions) (*User, error) {
	if opts == nil || strings.TrimSpace(opts.Login) == "" || opts.Password == "" {
		return nil, fmt.Errorf("%w: login and password are required", ErrInvalidInput)
	}
	data, err := a.c.doPublic(ctx, "POST", "/api/login", opts)
	if err != nil {
		return nil, err
	}
	a.c.SetLastRotation(time.Now())
	resp, err := decodeJSON[userResponse](data)
	if err != nil {
		return nil, err
	}
	return &resp.User, nil
}

func (a *AuthClient) Register(ctx context.Context, opts *RegisterOptions) (*User, error) {
	if opts == nil || strings.TrimSpace(opts.Nickname) == "" || strings.TrimSpace(opts.Email) == "" || opts.Password == "" {
		return nil, fmt.Errorf("%w: nickname, email and password are required", ErrInvalidInput)
	}
	data, err := a.c.doPublic(ctx, "POST", "/api/register", opts)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[userResponse](data)
	if err != nil {
		return nil, err
	}
	return &resp.User, nil
}

// Logout ends the server session and forgets the local cookie.
func (a *AuthClient) Logout(ctx context.Context) error {
	defer a.c.SetSessionCookie("")
	_, err := a.c.doRequest(ctx, "POST", "/api/logout", nil, nil)
	return err
}

// ============================================================================
// Users
// ============================================================================

type UsersClient struct{ c *Client }

func (u *UsersClient) List(ctx context.Context) ([]User, error) {
	data, err := u.c.doRequest(ctx, "GET", "/api/users", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[usersResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (u *UsersClient) Get(ctx context.Context, id int64) (*User, error) {
	data, err := u.c.doRequest(ctx, "GET", "/api/users", nil, idQuery("id", id))
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[usersResponse](data)
	if err != nil {
		return nil, err
	}
	for i := range resp.Users {
		if resp.Users[i].ID == id {
			return &resp.Users[i], nil
		}
	}
	return nil, &APIError{Status: http.StatusNotFound, Message: "User not found"}
}

// Online returns the ids of users with an open realtime connection.
func (u *UsersClient) Online(ctx context.Context) ([]int64, error) {
	data, err := u.c.doRequest(ctx, "GET", "/api/users/online", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[onlineResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.OnlineUsers, nil
}

// UploadAvatar replaces the signed-in user's avatar and returns the stored
// file name.
func (u *UsersClient) UploadAvatar(ctx context.Context, fileName string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: avatar file is empty", ErrInvalidInput)
	}
	body, err := u.c.doMultipart(ctx, "/api/users/avatar", nil, formFile{field: "avatar", name: fileName, data: data})
	if err != nil {
		return "", err
	}
	resp, err := decodeJSON[avatarResponse](body)
	if err != nil {
		return "", err
	}
	return resp.Avatar, nil
}

// ============================================================================
// Posts
// ============================================================================

type PostsClient struct{ c *Client }

func (p *PostsClient) List(ctx context.Context) ([]Post, error) {
	return p.list(ctx, nil)
}

func (p *PostsClient) ListByUser(ctx context.Context, userID int64) ([]Post, error) {
	return p.list(ctx, idQuery("userId", userID))
}

func (p *PostsClient) list(ctx context.Context, query url.Values) ([]Post, error) {
	data, err := p.c.doRequest(ctx, "GET", "/api/posts", nil, query)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[postsResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.Posts, nil
}

func (p *PostsClient) Get(ctx context.Context, id int64) (*PostDetail, error) {
	data, err := p.c.doRequest(ctx, "GET", "/api/posts/"+strconv.FormatInt(id, 10), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[PostDetail](data)
}

func (p *PostsClient) Create(ctx context.Context, opts *CreatePostOptions) (*Post, error) {
	if opts == nil || strings.TrimSpace(opts.Title) == "" || strings.TrimSpace(opts.Content) == "" || strings.TrimSpace(opts.Category) == "" {
		return nil, fmt.Errorf("%w: title, content and category are required", ErrInvalidInput)
	}
	data, err := p.c.doRequest(ctx, "POST", "/api/posts", opts, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[PostDetail](data)
	if err != nil {
		return nil, err
	}
	return &resp.Post, nil
}

// ============================================================================
// Comments
// ============================================================================

type CommentsClient struct{ c *Client }

func (cm *CommentsClient) Create(ctx context.Context, opts *CreateCommentOptions) (*Comment, error) {
	if opts == nil || opts.PostID == 0 || strings.TrimSpace(opts.Content) == "" {
		return nil, fmt.Errorf("%w: post and content are required", ErrInvalidInput)
	}
	data, err := cm.c.doRequest(ctx, "POST", "/api/comments", opts, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[commentResponse](data)
	if err != nil {
		return nil, err
	}
	return &resp.Comment, nil
}

func (cm *CommentsClient) ListByUser(ctx context.Context, userID int64) ([]Comment, error) {
	data, err := cm.c.doRequest(ctx, "GET", "/api/comments", nil, idQuery("userId", userID))
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[commentsResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.Comments, nil
}

// ============================================================================
// Messages
// ============================================================================

type MessagesClient struct{ c *Client }

// Conversations returns the latest message with each peer and unread counts.
func (m *MessagesClient) Conversations(ctx context.Context) (*ConversationList, error) {
	data, err := m.c.doRequest(ctx, "GET", "/api/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ConversationList](data)
}

// History returns up to limit messages with peer, skipping the newest offset
// ones. Messages come back newest first.
func (m *MessagesClient) History(ctx context.Context, peer int64, limit, offset int) ([]Message, error) {
	query := idQuery("user", peer)
	query.Set("limit", strconv.Itoa(limit))
	query.Set("offset", strconv.Itoa(offset))
	data, err := m.c.doRequest(ctx, "GET", "/api/messages", nil, query)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[messagesResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// SendImage uploads an image message. The server stores it and pushes the
// resulting chat_message to both participants.
func (m *MessagesClient) SendImage(ctx context.Context, receiverID int64, fileName string, data []byte) (*Message, error) {
	if receiverID == 0 || len(data) == 0 {
		return nil, fmt.Errorf("%w: receiver and image are required", ErrInvalidInput)
	}
	fields := map[string]string{"receiverId": strconv.FormatInt(receiverID, 10)}
	body, err := m.c.doMultipart(ctx, "/api/messages/image", fields, formFile{field: "image", name: fileName, data: data})
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[messageResponse](body)
	if err != nil {
		return nil, err
	}
	return &resp.Message, nil
}
