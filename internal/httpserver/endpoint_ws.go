package httpserver

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/tokligence/streamchat/internal/httpserver/protocol"
	"github.com/tokligence/streamchat/internal/session"
	"github.com/tokligence/streamchat/internal/ticket"
)

type webSocketEndpoint struct {
	server *Server
}

func newWebSocketEndpoint(server *Server) protocol.Endpoint {
	return &webSocketEndpoint{server: server}
}

func (e *webSocketEndpoint) Name() string { return "websocket" }

func (e *webSocketEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/ws", Handler: http.HandlerFunc(e.server.handleWebSocket)},
	}
}

// handleWebSocket redeems the ticket before upgrading so a rejected client
// gets a plain 401 and no session is created.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := s.tickets.Validate(r.Context(), r.URL.Query().Get("ticket"))
	if err != nil {
		if errors.Is(err, ticket.ErrNotFound) {
			s.metrics.Ticket("rejected")
			s.logger.Info("ws_ticket_rejected", zap.String("remote", r.RemoteAddr))
		} else {
			s.metrics.Ticket("error")
			s.logger.Error("ws_ticket_validate_failed", zap.Error(err))
		}
		s.respondError(w, http.StatusUnauthorized, MsgUnauthorized)
		return
	}
	s.metrics.Ticket("redeemed")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		s.logger.Info("ws_upgrade_failed", zap.String("user_id", identity), zap.Error(err))
		return
	}

	conn := session.NewWSConn(ws, s.wsOptions)
	sess := session.New(conn, identity, session.Config{
		Runner:    s.relay,
		Validator: s.validator,
		Logger:    s.logger,
		Metrics:   s.metrics,
	})
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	if err := sess.Serve(ctx); err != nil {
		s.logger.Debug("ws_session_ended", zap.String("conn_id", sess.ID()), zap.Error(err))
	}
}
