// Package relay runs one chat request end to end: it resolves the
// conversation, persists the user turn, streams the provider output through
// an Emitter and records the assistant reply. Both the WebSocket session and
// the SSE endpoint drive requests through it.
package relay

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/tokligence/streamchat/internal/chat"
	"github.com/tokligence/streamchat/internal/conversation"
	"github.com/tokligence/streamchat/internal/hooks"
	"github.com/tokligence/streamchat/internal/metrics"
	"github.com/tokligence/streamchat/internal/provider"
)

// Client-facing error messages.
const (
	MsgConversationNotFound = "conversation not found"
	MsgLastMessageNotUser   = "last message must be a user message"
	MsgInternal             = "internal error"
)

// DefaultPersistTimeout bounds the best-effort writes after completion.
const DefaultPersistTimeout = 10 * time.Second

// Emitter receives the outbound events of one request. Implementations decide
// how events are framed and whether late events are suppressed.
type Emitter interface {
	Start(requestID, conversationID string)
	Token(requestID, token string)
	Done(requestID, text, conversationID string)
	Error(requestID, message string)
}

// Result summarises a finished Run.
type Result struct {
	Outcome        provider.Outcome
	ConversationID string
	// FirstToken is the delay until the first token; zero if none arrived.
	FirstToken time.Duration
	Err        error
}

// Config wires a Service.
type Config struct {
	Store          conversation.Store
	Provider       provider.Provider
	Logger         *zap.Logger
	Metrics        *metrics.Collector
	PersistTimeout time.Duration
	// Hooks receives lifecycle events; nil disables them.
	Hooks *hooks.Dispatcher
	Now   func() time.Time
}

// Service executes chat requests.
type Service struct {
	store          conversation.Store
	provider       provider.Provider
	logger         *zap.Logger
	metrics        *metrics.Collector
	persistTimeout time.Duration
	hooks          *hooks.Dispatcher
	now            func() time.Time
}

// New creates a Service.
func New(cfg Config) *Service {
	s := &Service{
		store:          cfg.Store,
		provider:       cfg.Provider,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		persistTimeout: cfg.PersistTimeout,
		hooks:          cfg.Hooks,
		now:            cfg.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.persistTimeout <= 0 {
		s.persistTimeout = DefaultPersistTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Provider reports the provider requests are streamed from.
func (s *Service) Provider() provider.Provider { return s.provider }

// Run executes req on behalf of identity. Cancellation of ctx ends the
// request silently with provider.Cancelled; the Emitter sees no event for it.
func (s *Service) Run(ctx context.Context, identity string, req chat.Request, em Emitter) Result {
	log := s.logger.With(zap.String("request_id", req.RequestID), zap.String("user_id", identity))

	last, ok := req.LastUserMessage()
	if !ok {
		return s.reject(em, req.RequestID, MsgLastMessageNotUser, errors.New(MsgLastMessageNotUser))
	}

	conv, isNew, err := s.resolve(ctx, identity, req.ConversationID)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Outcome: provider.Cancelled}
		}
		if errors.Is(err, conversation.ErrNotFound) {
			log.Info("conversation_not_found", zap.String("conversation_id", req.ConversationID))
			return s.reject(em, req.RequestID, MsgConversationNotFound, err)
		}
		log.Error("conversation_resolve_failed", zap.Error(err))
		return s.reject(em, req.RequestID, MsgInternal, err)
	}
	log = log.With(zap.String("conversation_id", conv.ID))
	if isNew {
		s.emit(ctx, log, hooks.EventConversationCreated, identity, req.RequestID, conv.ID, map[string]any{"title": conv.Title})
	}

	if _, err := s.store.AppendMessage(ctx, conv.ID, last); err != nil {
		if ctx.Err() != nil {
			return Result{Outcome: provider.Cancelled, ConversationID: conv.ID}
		}
		log.Error("user_message_persist_failed", zap.Error(err))
		return s.reject(em, req.RequestID, MsgInternal, err)
	}

	input := req.Messages
	if !isNew {
		stored, err := s.store.Messages(ctx, conv.ID)
		if err != nil {
			if ctx.Err() != nil {
				return Result{Outcome: provider.Cancelled, ConversationID: conv.ID}
			}
			log.Error("transcript_load_failed", zap.Error(err))
			return s.reject(em, req.RequestID, MsgInternal, err)
		}
		input = conversation.Transcript(stored)
	}
	if ctx.Err() != nil {
		return Result{Outcome: provider.Cancelled, ConversationID: conv.ID}
	}

	log.Info("chat_request_started",
		zap.Int("message_count", len(input)),
		zap.Bool("new_conversation", isNew),
		zap.String("provider", s.provider.Name()),
	)
	em.Start(req.RequestID, conv.ID)

	started := time.Now()
	var firstToken time.Duration
	res := s.provider.Stream(ctx, input, provider.Callbacks{
		OnToken: func(text string) {
			if firstToken == 0 {
				firstToken = time.Since(started)
			}
			em.Token(req.RequestID, text)
		},
		OnComplete: func(text string) {
			em.Done(req.RequestID, text, conv.ID)
		},
		OnError: func(err error) {
			log.Error("chat_request_failed", zap.Error(err))
			em.Error(req.RequestID, err.Error())
		},
		OnTool: func(seg provider.Segment) {
			log.Info("tool_segment",
				zap.String("kind", segmentKind(seg.Kind)),
				zap.String("tool", seg.ToolName),
				zap.String("tool_id", seg.ToolID),
			)
		},
	})

	switch res.Outcome {
	case provider.Completed:
		log.Info("chat_request_completed",
			zap.Int("chars", utf8.RuneCountInString(res.Text)),
			zap.Duration("elapsed", time.Since(started)),
		)
		s.persistReply(ctx, log, conv.ID, res.Text)
		s.emit(ctx, log, hooks.EventChatCompleted, identity, req.RequestID, conv.ID, map[string]any{
			"provider": s.provider.Name(),
			"chars":    utf8.RuneCountInString(res.Text),
		})
	case provider.Errored:
		s.emit(ctx, log, hooks.EventChatFailed, identity, req.RequestID, conv.ID, map[string]any{
			"provider": s.provider.Name(),
			"error":    errString(res.Err),
		})
	case provider.Cancelled:
		log.Info("chat_request_cancelled", zap.Int("partial_chars", len(res.Text)))
	}
	return Result{Outcome: res.Outcome, ConversationID: conv.ID, FirstToken: firstToken, Err: res.Err}
}

func (s *Service) resolve(ctx context.Context, identity, id string) (conversation.Conversation, bool, error) {
	if id != "" {
		c, err := s.store.Get(ctx, id, identity)
		return c, false, err
	}
	c, err := s.store.Create(ctx, identity, conversation.DefaultTitle(s.now()))
	return c, true, err
}

func (s *Service) reject(em Emitter, requestID, message string, err error) Result {
	em.Error(requestID, message)
	return Result{Outcome: provider.Errored, Err: err}
}

// persistReply stores the assistant reply and bumps the conversation. It is
// detached from request cancellation; failures are logged and counted only.
func (s *Service) persistReply(ctx context.Context, log *zap.Logger, conversationID, text string) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
	defer cancel()

	if _, err := s.store.AppendMessage(pctx, conversationID, chat.Message{Role: chat.RoleAssistant, Content: text}); err != nil {
		s.metrics.PersistFailure("append_message")
		log.Error("assistant_message_persist_failed", zap.Error(err))
	}
	if err := s.store.Touch(pctx, conversationID); err != nil {
		s.metrics.PersistFailure("touch")
		log.Error("conversation_touch_failed", zap.Error(err))
	}
}

func (s *Service) emit(ctx context.Context, log *zap.Logger, typ hooks.EventType, identity, requestID, conversationID string, meta map[string]any) {
	evt := hooks.NewEvent(typ, identity, conversationID)
	evt.RequestID = requestID
	evt.Metadata = meta
	s.hooks.Go(ctx, evt, s.persistTimeout, func(err error) {
		log.Warn("hook_failed", zap.String("event", string(typ)), zap.Error(err))
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func segmentKind(k provider.SegmentKind) string {
	switch k {
	case provider.SegmentToolUse:
		return "tool_use"
	case provider.SegmentToolResult:
		return "tool_result"
	}
	return "text"
}
