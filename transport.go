package forum

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

// maxFrameSize bounds inbound frames; image messages arrive inline.
const maxFrameSize = 1 << 20

// Conn is one open realtime socket.
type Conn interface {
	// Read blocks for the next text frame. A close from the peer surfaces as
	// a *CloseError.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer opens realtime sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// CloseError reports the close frame that ended a socket.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket closed: %d %s", e.Code, e.Reason)
}

// isNormalClosure reports whether err is a clean close initiated by either
// side. Anything else (dial failures, resets, abnormal codes) is a
// connection error.
func isNormalClosure(err error) bool {
	var ce *CloseError
	return errors.As(err, &ce) && ce.Code == int(websocket.StatusNormalClosure)
}

// ============================================================================
// nhooyr dialer
// ============================================================================

type wsDialer struct {
	httpClient *http.Client
}

// NewWebsocketDialer returns a Dialer that authenticates the upgrade with the
// client's cookie jar.
func NewWebsocketDialer(c *Client) Dialer {
	hc := *c.HTTPClient()
	// The websocket library rejects clients with a timeout; dials are bounded
	// by the context instead.
	hc.Timeout = 0
	return &wsDialer{httpClient: &hc}
}

func (d *wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: d.httpClient})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("websocket dial: %w", ErrSessionExpired)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				var ce websocket.CloseError
				errors.As(err, &ce)
				return nil, &CloseError{Code: int(status), Reason: ce.Reason}
			}
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}
