package httpserver

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/tokligence/streamchat/internal/auth"
	"github.com/tokligence/streamchat/internal/httpserver/protocol"
)

type ticketEndpoint struct {
	server *Server
}

func newTicketEndpoint(server *Server) protocol.Endpoint {
	return &ticketEndpoint{server: server}
}

func (e *ticketEndpoint) Name() string { return "ticket" }

func (e *ticketEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/api/ws/ticket", Handler: e.server.limited(e.server.handleIssueTicket)},
	}
}

type ticketResponse struct {
	Ticket    string `json:"ticket"`
	ExpiresIn int    `json:"expiresIn"`
}

func (s *Server) handleIssueTicket(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())
	t, err := s.tickets.Issue(r.Context(), identity)
	if err != nil {
		s.metrics.Ticket("error")
		s.logger.Error("ticket_issue_failed", zap.String("user_id", identity), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to issue ticket")
		return
	}
	s.metrics.Ticket("issued")
	s.respondJSON(w, http.StatusOK, ticketResponse{Ticket: t, ExpiresIn: int(s.tickets.TTL().Seconds())})
}
