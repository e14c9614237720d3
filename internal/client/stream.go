package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tokligence/streamchat/internal/chat"
	"github.com/tokligence/streamchat/internal/version"
)

// Stream is an open duplex session.
type Stream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Dial obtains a ticket and opens a WebSocket session. It returns once the
// server has announced readiness.
func (c *Client) Dial(ctx context.Context) (*Stream, error) {
	t, err := c.IssueTicket(ctx)
	if err != nil {
		return nil, fmt.Errorf("issue ticket: %w", err)
	}
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"ticket": {t}}.Encode()

	header := http.Header{"User-Agent": {version.UserAgent()}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, fmt.Errorf("dial websocket: %w", statusError(resp))
		}
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	s := &Stream{conn: conn}
	f, err := s.Recv()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("await ready: %w", err)
	}
	if f.Type != chat.TypeReady {
		conn.Close()
		return nil, fmt.Errorf("await ready: unexpected %q frame", f.Type)
	}
	return s, nil
}

// Send writes one client frame. Safe for concurrent use.
func (s *Stream) Send(f chat.ClientFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(f)
}

// Recv reads the next server frame. Only one goroutine may call Recv.
func (s *Stream) Recv() (chat.ServerFrame, error) {
	var f chat.ServerFrame
	err := s.conn.ReadJSON(&f)
	return f, err
}

// Chat sends one request and reads frames until its terminal frame, passing
// each frame for the request to onFrame. When ctx ends first a cancel frame
// is sent and the cancelled acknowledgement is awaited.
func (s *Stream) Chat(ctx context.Context, req chat.Request, onFrame func(chat.ServerFrame)) (chat.ServerFrame, error) {
	if err := s.Send(chat.ClientFrame{
		Type:           chat.TypeChat,
		RequestID:      req.RequestID,
		ConversationID: req.ConversationID,
		Messages:       req.Messages,
	}); err != nil {
		return chat.ServerFrame{}, err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Send(chat.ClientFrame{Type: chat.TypeCancel, RequestID: req.RequestID})
		case <-done:
		}
	}()

	for {
		f, err := s.Recv()
		if err != nil {
			return chat.ServerFrame{}, err
		}
		if f.RequestID != req.RequestID {
			continue
		}
		if onFrame != nil {
			onFrame(f)
		}
		switch f.Type {
		case chat.TypeDone, chat.TypeError:
			return f, nil
		case chat.TypeCancelled:
			return f, ctx.Err()
		}
	}
}

// Close sends a normal closure and releases the socket.
func (s *Stream) Close() error {
	s.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	werr := s.conn.WriteMessage(websocket.CloseMessage, msg)
	s.writeMu.Unlock()
	cerr := s.conn.Close()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return errors.Join(werr, cerr)
	}
	return cerr
}
