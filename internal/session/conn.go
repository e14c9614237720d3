package session

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the frame transport a Session runs over.
type Conn interface {
	// ReadFrame blocks for the next inbound frame.
	ReadFrame() ([]byte, error)
	// WriteFrame encodes v as one JSON frame. Safe for concurrent use.
	WriteFrame(v any) error
	Close() error
}

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("session: connection closed")

// ErrFrameTooLarge reports an inbound frame over MaxFrameBytes. The frame has
// been discarded and the connection is still usable.
var ErrFrameTooLarge = errors.New("session: frame too large")

// WSOptions tunes the WebSocket adapter.
type WSOptions struct {
	// WriteTimeout bounds every write, including pings.
	WriteTimeout time.Duration
	// PingInterval enables server pings; zero disables keepalive.
	PingInterval time.Duration
	// PongWait is how long the peer may stay silent before the read fails.
	// It must exceed PingInterval.
	PongWait time.Duration
	// MaxFrameBytes caps the inbound frame size that is buffered. Larger
	// frames are drained and reported as ErrFrameTooLarge. Zero disables it.
	MaxFrameBytes int64
}

// WSConn adapts a gorilla WebSocket to Conn. Writes are serialised through a
// mutex since gorilla allows one concurrent writer.
type WSConn struct {
	ws   *websocket.Conn
	opts WSOptions

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

var _ Conn = (*WSConn)(nil)

// NewWSConn wraps ws and starts the keepalive loop when configured.
func NewWSConn(ws *websocket.Conn, opts WSOptions) *WSConn {
	c := &WSConn{ws: ws, opts: opts, done: make(chan struct{})}
	if opts.PongWait > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(opts.PongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(opts.PongWait))
		})
	}
	if opts.PingInterval > 0 {
		go c.keepalive()
	}
	return c
}

func (c *WSConn) keepalive() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, c.deadline()); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

func (c *WSConn) deadline() time.Time {
	if c.opts.WriteTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.opts.WriteTimeout)
}

// ReadFrame implements Conn. Any inbound data frame counts as activity,
// including one rejected with ErrFrameTooLarge.
func (c *WSConn) ReadFrame() ([]byte, error) {
	_, r, err := c.ws.NextReader()
	if err != nil {
		return nil, err
	}
	data, err := c.readLimited(r)
	if err != nil && !errors.Is(err, ErrFrameTooLarge) {
		return nil, err
	}
	if c.opts.PongWait > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	}
	return data, err
}

func (c *WSConn) readLimited(r io.Reader) ([]byte, error) {
	if c.opts.MaxFrameBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, c.opts.MaxFrameBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) <= c.opts.MaxFrameBytes {
		return data, nil
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, err
	}
	return nil, ErrFrameTooLarge
}

// WriteFrame implements Conn.
func (c *WSConn) WriteFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	_ = c.ws.SetWriteDeadline(c.deadline())
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal closure and releases the socket. Idempotent.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// IsNormalClose reports whether err ends a session without being worth a
// warning.
func IsNormalClose(err error) bool {
	if errors.Is(err, ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
