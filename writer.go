package forum

import (
	"context"
	"time"
)

// outFrame is one encoded frame waiting for the socket. id is the outbox id
// of a chat message and empty for transient frames.
type outFrame struct {
	id   string
	data []byte
}

// socketWriter owns the write side of one socket; writes never run on the
// event loop. Frames are written in queue order and the first failure stops
// the writer.
type socketWriter struct {
	conn    Conn
	timeout time.Duration
	send    chan outFrame
	ctx     context.Context
	cancel  context.CancelFunc
	// done reports each write's outcome. It returns false once nobody is
	// listening.
	done func(f outFrame, err error) bool
}

func newSocketWriter(parent context.Context, conn Conn, timeout time.Duration, done func(outFrame, error) bool) *socketWriter {
	ctx, cancel := context.WithCancel(parent)
	return &socketWriter{
		conn:    conn,
		timeout: timeout,
		send:    make(chan outFrame, 256),
		ctx:     ctx,
		cancel:  cancel,
		done:    done,
	}
}

func (w *socketWriter) run() {
	for {
		select {
		case f := <-w.send:
			ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
			err := w.conn.Write(ctx, f.data)
			cancel()
			if !w.done(f, err) || err != nil || w.ctx.Err() != nil {
				return
			}
		case <-w.ctx.Done():
			return
		}
	}
}

// queue hands f to the writer without blocking. It returns false when the
// buffer is full or the writer has stopped.
func (w *socketWriter) queue(f outFrame) bool {
	if w.ctx.Err() != nil {
		return false
	}
	select {
	case w.send <- f:
		return true
	default:
		return false
	}
}

func (w *socketWriter) stop() {
	w.cancel()
}
