// Package session implements the duplex streaming protocol for one accepted
// WebSocket connection: keepalive frames, chat requests multiplexed by
// requestId and per-request cancellation.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tokligence/streamchat/internal/chat"
	"github.com/tokligence/streamchat/internal/metrics"
	"github.com/tokligence/streamchat/internal/relay"
)

// Client-facing protocol error messages.
const (
	MsgInvalidJSON    = "invalid JSON"
	MsgNotObject      = "message must be an object"
	MsgMissingType    = "missing or invalid type field"
	MsgRequestActive  = "request already active"
	MsgFrameTooLarge  = "message too large"
	msgUnknownTypeFmt = "unknown message type: %s"
)

// Runner executes one chat request; *relay.Service implements it.
type Runner interface {
	Run(ctx context.Context, identity string, req chat.Request, em relay.Emitter) relay.Result
}

// Config holds the collaborators shared by every session.
type Config struct {
	Runner    Runner
	Validator chat.Validator
	Logger    *zap.Logger
	Metrics   *metrics.Collector
}

// Session is the per-connection state machine.
type Session struct {
	id        string
	identity  string
	conn      Conn
	runner    Runner
	validator chat.Validator
	logger    *zap.Logger
	metrics   *metrics.Collector

	mu     sync.Mutex
	active map[string]*request
	closed bool
	wg     sync.WaitGroup
}

// request is one active chat request. Its mutex serialises the request's
// writes and guards the single terminal transition.
type request struct {
	id      string
	cancel  context.CancelFunc
	mu      sync.Mutex
	settled bool
}

// New creates a session for identity over conn.
func New(conn Conn, identity string, cfg Config) *Session {
	id := uuid.NewString()[:8]
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	validator := cfg.Validator
	if validator.MaxContentChars <= 0 {
		validator = chat.NewValidator(0)
	}
	return &Session{
		id:        id,
		identity:  identity,
		conn:      conn,
		runner:    cfg.Runner,
		validator: validator,
		logger:    logger.With(zap.String("conn_id", id), zap.String("user_id", identity)),
		metrics:   cfg.Metrics,
		active:    make(map[string]*request),
	}
}

// ID returns the short connection id used in logs.
func (s *Session) ID() string { return s.id }

// Serve announces readiness and processes frames until the connection fails
// or ctx is cancelled. On return every active request has been cancelled and
// its goroutine has exited.
func (s *Session) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.metrics.SessionOpened()
	defer s.metrics.SessionClosed()
	s.logger.Info("ws_connected")

	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()
	defer s.shutdown()

	if err := s.conn.WriteFrame(chat.ControlEvent{Type: chat.TypeReady}); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}

	for {
		data, err := s.conn.ReadFrame()
		if errors.Is(err, ErrFrameTooLarge) {
			s.protocolError(MsgFrameTooLarge)
			continue
		}
		if err != nil {
			if ctx.Err() != nil || IsNormalClose(err) {
				s.logger.Info("ws_disconnected")
				return nil
			}
			s.logger.Warn("ws_read_failed", zap.Error(err))
			return err
		}
		s.handleFrame(ctx, data)
	}
}

// ActiveCount reports the number of requests currently streaming.
func (s *Session) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Session) handleFrame(ctx context.Context, data []byte) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		var v any
		if json.Unmarshal(data, &v) == nil {
			s.protocolError(MsgNotObject)
			return
		}
		s.protocolError(MsgInvalidJSON)
		return
	}
	var frameType string
	if t, ok := raw["type"]; !ok || json.Unmarshal(t, &frameType) != nil || frameType == "" {
		s.protocolError(MsgMissingType)
		return
	}

	switch frameType {
	case chat.TypePing:
		s.write(chat.ControlEvent{Type: chat.TypePong})
	case chat.TypeCancel:
		id, err := chat.ParseRequestID(data)
		if err != nil {
			s.protocolError(err.Error())
			return
		}
		s.cancelRequest(id)
	case chat.TypeChat:
		s.startRequest(ctx, data)
	default:
		s.protocolError(fmt.Sprintf(msgUnknownTypeFmt, frameType))
	}
}

func (s *Session) startRequest(ctx context.Context, data []byte) {
	req, err := s.validator.ParseRequest(data)
	if err != nil {
		s.logger.Info("chat_request_rejected", zap.String("request_id", req.RequestID), zap.Error(err))
		s.metrics.RequestRejected(metrics.TransportWebSocket)
		s.write(chat.ErrorEvent{Type: chat.TypeError, RequestID: req.RequestID, Error: err.Error()})
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)
	r := &request{id: req.RequestID, cancel: cancel}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	if _, dup := s.active[req.RequestID]; dup {
		s.mu.Unlock()
		cancel()
		s.metrics.RequestRejected(metrics.TransportWebSocket)
		s.write(chat.ErrorEvent{Type: chat.TypeError, RequestID: req.RequestID, Error: MsgRequestActive})
		return
	}
	s.active[req.RequestID] = r
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.RequestStarted(metrics.TransportWebSocket)
	go func() {
		defer s.wg.Done()
		defer cancel()
		res := s.runner.Run(reqCtx, s.identity, req, &emitter{s: s, r: r})
		// Covers outcomes that emitted no terminal frame, such as a session
		// shutdown cancelling the request.
		s.settle(r, nil)
		s.remove(r)
		if res.FirstToken > 0 {
			s.metrics.FirstToken(metrics.TransportWebSocket, res.FirstToken)
		}
		s.metrics.RequestFinished(metrics.TransportWebSocket, res.Outcome.String())
	}()
}

// cancelRequest claims the terminal transition of an active request, signals
// its cancellation and acknowledges it. Unknown or settled ids are a no-op.
func (s *Session) cancelRequest(id string) {
	s.mu.Lock()
	r, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	claimed := s.settle(r, func() {
		r.cancel()
		s.write(chat.CancelledEvent{Type: chat.TypeCancelled, RequestID: id})
	})
	if claimed {
		s.remove(r)
		s.logger.Info("chat_request_cancel", zap.String("request_id", id))
	}
}

// emit writes a non-terminal frame unless the request has settled.
func (s *Session) emit(r *request, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return
	}
	s.write(v)
}

// settle performs the terminal transition once: it marks r settled and runs
// fn while holding the request lock. It reports whether this call made the
// transition.
func (s *Session) settle(r *request, fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return false
	}
	r.settled = true
	if fn != nil {
		fn()
	}
	return true
}

// remove drops r from the active map unless the id was reused since.
func (s *Session) remove(r *request) {
	s.mu.Lock()
	if s.active[r.id] == r {
		delete(s.active, r.id)
	}
	s.mu.Unlock()
}

func (s *Session) shutdown() {
	s.mu.Lock()
	s.closed = true
	pending := make([]*request, 0, len(s.active))
	for _, r := range s.active {
		pending = append(pending, r)
	}
	s.mu.Unlock()

	for _, r := range pending {
		s.settle(r, r.cancel)
	}
	s.wg.Wait()
	_ = s.conn.Close()
	if len(pending) > 0 {
		s.logger.Info("ws_requests_aborted", zap.Int("count", len(pending)))
	}
}

func (s *Session) protocolError(msg string) {
	s.logger.Info("ws_invalid_frame", zap.String("error", msg))
	s.write(chat.ErrorEvent{Type: chat.TypeError, Error: msg})
}

func (s *Session) write(v any) {
	if err := s.conn.WriteFrame(v); err != nil && !errors.Is(err, ErrClosed) {
		s.logger.Debug("ws_write_failed", zap.Error(err))
	}
}

// emitter adapts one request to relay.Emitter.
type emitter struct {
	s *Session
	r *request
}

func (e *emitter) Start(requestID, conversationID string) {
	e.s.emit(e.r, chat.StartEvent{Type: chat.TypeStart, RequestID: requestID, ConversationID: conversationID})
}

func (e *emitter) Token(requestID, token string) {
	e.s.emit(e.r, chat.TokenEvent{Type: chat.TypeToken, RequestID: requestID, Token: token})
}

func (e *emitter) Done(requestID, text, conversationID string) {
	e.s.settle(e.r, func() {
		e.s.write(chat.DoneEvent{Type: chat.TypeDone, RequestID: requestID, Text: text, ConversationID: conversationID})
	})
}

func (e *emitter) Error(requestID, message string) {
	e.s.settle(e.r, func() {
		e.s.write(chat.ErrorEvent{Type: chat.TypeError, RequestID: requestID, Error: message})
	})
}

var _ relay.Emitter = (*emitter)(nil)
