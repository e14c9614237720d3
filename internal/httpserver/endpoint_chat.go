package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/tokligence/streamchat/internal/auth"
	"github.com/tokligence/streamchat/internal/chat"
	"github.com/tokligence/streamchat/internal/httpserver/protocol"
	"github.com/tokligence/streamchat/internal/metrics"
	"github.com/tokligence/streamchat/internal/relay"
)

type chatStreamEndpoint struct {
	server *Server
}

func newChatStreamEndpoint(server *Server) protocol.Endpoint {
	return &chatStreamEndpoint{server: server}
}

func (e *chatStreamEndpoint) Name() string { return "chat_stream" }

func (e *chatStreamEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/api/chat", Handler: e.server.limited(e.server.handleChatStream)},
	}
}

type validationErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

// handleChatStream runs one request and presents its events as a
// text/event-stream. The client going away cancels the request context and
// with it the provider.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.validator.MaxEncodedBytes()))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	req, err := s.validator.ParseRequest(body)
	if err != nil {
		s.metrics.RequestRejected(metrics.TransportSSE)
		s.logger.Info("chat_request_rejected", zap.String("user_id", identity), zap.String("request_id", req.RequestID), zap.Error(err))
		s.respondJSON(w, http.StatusBadRequest, validationErrorResponse{Error: err.Error(), RequestID: req.RequestID})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	em := &sseEmitter{w: w, flusher: flusher, logger: s.logger}
	s.metrics.RequestStarted(metrics.TransportSSE)
	res := s.relay.Run(r.Context(), identity, req, em)
	if res.FirstToken > 0 {
		s.metrics.FirstToken(metrics.TransportSSE, res.FirstToken)
	}
	s.metrics.RequestFinished(metrics.TransportSSE, res.Outcome.String())
}

// sseEmitter writes relay events as named server-sent events. A failed write
// means the client is gone; the request context ends shortly after, so later
// events are dropped.
type sseEmitter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	logger  *zap.Logger
	failed  bool
}

var _ relay.Emitter = (*sseEmitter)(nil)

func (e *sseEmitter) Start(requestID, conversationID string) {
	e.send(chat.TypeStart, chat.StartEvent{RequestID: requestID, ConversationID: conversationID})
}

func (e *sseEmitter) Token(requestID, token string) {
	e.send(chat.TypeToken, chat.TokenEvent{RequestID: requestID, Token: token})
}

func (e *sseEmitter) Done(requestID, text, conversationID string) {
	e.send(chat.TypeDone, chat.DoneEvent{RequestID: requestID, Text: text, ConversationID: conversationID})
}

func (e *sseEmitter) Error(requestID, message string) {
	e.send(chat.TypeError, chat.ErrorEvent{RequestID: requestID, Error: message})
}

func (e *sseEmitter) send(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("sse_encode_failed", zap.String("event", event), zap.Error(err))
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failed {
		return
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		e.failed = true
		e.logger.Debug("sse_write_failed", zap.Error(err))
		return
	}
	e.flusher.Flush()
}
