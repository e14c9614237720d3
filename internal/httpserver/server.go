// Package httpserver exposes the relay over HTTP: the ticket handshake, the
// WebSocket upgrade, the one-shot SSE stream and the conversation API.
package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokligence/streamchat/internal/auth"
	"github.com/tokligence/streamchat/internal/chat"
	"github.com/tokligence/streamchat/internal/conversation"
	"github.com/tokligence/streamchat/internal/health"
	"github.com/tokligence/streamchat/internal/hooks"
	"github.com/tokligence/streamchat/internal/httpserver/protocol"
	"github.com/tokligence/streamchat/internal/logging"
	"github.com/tokligence/streamchat/internal/metrics"
	"github.com/tokligence/streamchat/internal/ratelimit"
	"github.com/tokligence/streamchat/internal/relay"
	"github.com/tokligence/streamchat/internal/session"
	"github.com/tokligence/streamchat/internal/ticket"
)

// MsgUnauthorized is the body of every 401 response.
const MsgUnauthorized = "Unauthorized"

// Config wires a Server.
type Config struct {
	Auth          *auth.Manager
	Tickets       *ticket.Exchange
	Relay         *relay.Service
	Conversations conversation.Store
	Validator     chat.Validator
	Health        *health.Checker
	Metrics       *metrics.Collector
	// Hooks receives conversation lifecycle events; nil disables them.
	Hooks *hooks.Dispatcher
	// RateLimit guards ticket issuance and the one-shot stream; nil disables it.
	RateLimit *ratelimit.Limiter
	Logger    *zap.Logger
	// AllowedOrigins restricts browser WebSocket upgrades. "*" allows any
	// origin; an empty list only accepts same-host origins.
	AllowedOrigins []string
	WebSocket      session.WSOptions
}

// Server exposes REST and streaming endpoints.
type Server struct {
	auth          *auth.Manager
	tickets       *ticket.Exchange
	relay         *relay.Service
	conversations conversation.Store
	validator     chat.Validator
	health        *health.Checker
	metrics       *metrics.Collector
	hooks         *hooks.Dispatcher
	limiter       *ratelimit.Middleware
	logger        *zap.Logger
	upgrader      websocket.Upgrader
	wsOptions     session.WSOptions

	// ctx outlives individual requests; cancelling it ends hijacked sessions.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	validator := cfg.Validator
	if validator.MaxContentChars <= 0 {
		validator = chat.NewValidator(0)
	}
	s := &Server{
		auth:          cfg.Auth,
		tickets:       cfg.Tickets,
		relay:         cfg.Relay,
		conversations: cfg.Conversations,
		validator:     validator,
		health:        cfg.Health,
		metrics:       cfg.Metrics,
		hooks:         cfg.Hooks,
		logger:        logger,
		wsOptions:     cfg.WebSocket,
	}
	if cfg.RateLimit != nil {
		s.limiter = ratelimit.NewMiddleware(cfg.RateLimit, true, logger, func(r *http.Request) {
			s.metrics.RateLimitHit(r.URL.Path)
		})
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Close ends every open WebSocket session. http.Server.Shutdown does not
// track hijacked connections, so the daemon calls this alongside it.
func (s *Server) Close() {
	s.cancel()
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()
	s.registerEndpoints(r,
		newHealthEndpoint(s),
		newTicketEndpoint(s),
		newWebSocketEndpoint(s),
		newChatStreamEndpoint(s),
		newConversationEndpoint(s),
	)
	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...protocol.Endpoint) {
	for _, ep := range endpoints {
		if ep == nil {
			continue
		}
		s.logger.Debug("endpoint_registered", zap.String("endpoint", ep.Name()))
		for _, route := range ep.Routes() {
			r.Method(route.Method, route.Path, route.Handler)
		}
	}
}

// private requires a bearer token.
func (s *Server) private(h http.HandlerFunc) http.Handler {
	return s.auth.Middleware(s.rejectUnauthorized)(h)
}

// limited applies the per-identity rate limit to an authenticated handler.
func (s *Server) limited(h http.HandlerFunc) http.Handler {
	var inner http.Handler = h
	if s.limiter != nil {
		inner = s.limiter.Handler(func(r *http.Request) string {
			id, _ := auth.IdentityFrom(r.Context())
			return id
		})(inner)
	}
	return s.auth.Middleware(s.rejectUnauthorized)(inner)
}

func (s *Server) rejectUnauthorized(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Info("auth_rejected",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	s.respondError(w, http.StatusUnauthorized, MsgUnauthorized)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("remote", r.RemoteAddr),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if r.URL.RawQuery != "" {
				fields = append(fields, zap.String("query", logging.RedactQuery(r.URL.RawQuery)))
			}
			if ce := s.logger.Check(zap.DebugLevel, "http_request_headers"); ce != nil {
				ce.Write(zap.String("headers", logging.SafeHeaders(r.Header)))
			}
			s.logger.Info("http_request", fields...)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		// gorilla's same-origin default
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}
