package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/tokligence/streamchat/internal/auth"
	"github.com/tokligence/streamchat/internal/conversation"
	"github.com/tokligence/streamchat/internal/hooks"
	"github.com/tokligence/streamchat/internal/httpserver/protocol"
)

const (
	msgConversationNotFound = "Conversation not found"
	maxTitleChars           = 200
	maxBatchDelete          = 100
	hookTimeout             = 30 * time.Second
)

type conversationEndpoint struct {
	server *Server
}

func newConversationEndpoint(server *Server) protocol.Endpoint {
	return &conversationEndpoint{server: server}
}

func (e *conversationEndpoint) Name() string { return "conversations" }

func (e *conversationEndpoint) Routes() []protocol.EndpointRoute {
	s := e.server
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/api/conversations", Handler: s.private(s.handleListConversations)},
		{Method: http.MethodPost, Path: "/api/conversations", Handler: s.private(s.handleCreateConversation)},
		{Method: http.MethodDelete, Path: "/api/conversations", Handler: s.private(s.handleDeleteConversations)},
		{Method: http.MethodGet, Path: "/api/conversations/{id}", Handler: s.private(s.handleGetConversation)},
		{Method: http.MethodDelete, Path: "/api/conversations/{id}", Handler: s.private(s.handleDeleteConversation)},
	}
}

type conversationDetail struct {
	Conversation conversation.Conversation `json:"conversation"`
	Messages     []conversation.Message    `json:"messages"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())
	list, err := s.conversations.List(r.Context(), identity)
	if err != nil {
		s.storeFailure(w, "conversation_list_failed", identity, err)
		return
	}
	if list == nil {
		list = []conversation.Conversation{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())
	var body struct {
		Title string `json:"title"`
	}
	// an empty body selects the default title
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	title := strings.TrimSpace(body.Title)
	if utf8.RuneCountInString(title) > maxTitleChars {
		s.respondError(w, http.StatusBadRequest, "title too long")
		return
	}
	if title == "" {
		title = conversation.DefaultTitle(time.Now())
	}
	conv, err := s.conversations.Create(r.Context(), identity, title)
	if err != nil {
		s.storeFailure(w, "conversation_create_failed", identity, err)
		return
	}
	s.logger.Info("conversation_created", zap.String("user_id", identity), zap.String("conversation_id", conv.ID))
	s.emitHook(r, hooks.EventConversationCreated, identity, conv.ID, map[string]any{"title": conv.Title})
	s.respondJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())
	conv, err := s.conversations.Get(r.Context(), chi.URLParam(r, "id"), identity)
	if errors.Is(err, conversation.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, msgConversationNotFound)
		return
	}
	if err != nil {
		s.storeFailure(w, "conversation_get_failed", identity, err)
		return
	}
	msgs, err := s.conversations.Messages(r.Context(), conv.ID)
	if err != nil {
		s.storeFailure(w, "conversation_messages_failed", identity, err)
		return
	}
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	s.respondJSON(w, http.StatusOK, conversationDetail{Conversation: conv, Messages: msgs})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())
	n, err := s.conversations.Delete(r.Context(), identity, chi.URLParam(r, "id"))
	if err != nil {
		s.storeFailure(w, "conversation_delete_failed", identity, err)
		return
	}
	if n == 0 {
		s.respondError(w, http.StatusNotFound, msgConversationNotFound)
		return
	}
	s.emitHook(r, hooks.EventConversationDeleted, identity, chi.URLParam(r, "id"), nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteConversations removes several conversations at once; ids the
// caller does not own are skipped.
func (s *Server) handleDeleteConversations(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(body.IDs) == 0 {
		s.respondError(w, http.StatusBadRequest, "ids must not be empty")
		return
	}
	if len(body.IDs) > maxBatchDelete {
		s.respondError(w, http.StatusBadRequest, "too many ids")
		return
	}
	n, err := s.conversations.Delete(r.Context(), identity, body.IDs...)
	if err != nil {
		s.storeFailure(w, "conversation_delete_failed", identity, err)
		return
	}
	if n > 0 {
		s.emitHook(r, hooks.EventConversationDeleted, identity, "", map[string]any{"ids": body.IDs, "deleted": n})
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) emitHook(r *http.Request, typ hooks.EventType, identity, conversationID string, meta map[string]any) {
	evt := hooks.NewEvent(typ, identity, conversationID)
	evt.RequestID = middleware.GetReqID(r.Context())
	evt.Metadata = meta
	s.hooks.Go(r.Context(), evt, hookTimeout, func(err error) {
		s.logger.Warn("hook_failed", zap.String("event", string(typ)), zap.Error(err))
	})
}

func (s *Server) storeFailure(w http.ResponseWriter, event, identity string, err error) {
	s.logger.Error(event, zap.String("user_id", identity), zap.Error(err))
	s.respondError(w, http.StatusInternalServerError, "internal error")
}
