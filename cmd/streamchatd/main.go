package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tokligence/streamchat/internal/auth"
	"github.com/tokligence/streamchat/internal/chat"
	"github.com/tokligence/streamchat/internal/config"
	"github.com/tokligence/streamchat/internal/health"
	"github.com/tokligence/streamchat/internal/httpserver"
	"github.com/tokligence/streamchat/internal/logging"
	"github.com/tokligence/streamchat/internal/metrics"
	"github.com/tokligence/streamchat/internal/ratelimit"
	"github.com/tokligence/streamchat/internal/relay"
	"github.com/tokligence/streamchat/internal/session"
	"github.com/tokligence/streamchat/internal/ticket"
	"github.com/tokligence/streamchat/internal/version"
)

func main() {
	configFile := flag.String("config", "", "path to streamchat.yaml (default: $STREAMCHAT_CONFIG or config/streamchat.yaml)")
	envFile := flag.String("env-file", "", "path to a .env file (default: $STREAMCHAT_ENV_FILE or .env)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.FullInfo())
		return
	}

	cfg, err := config.Load(config.Options{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	logger, closeLog, err := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxBytes:   cfg.Log.MaxBytes,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer func() {
		_ = logger.Sync()
		_ = closeLog()
	}()

	if err := run(cfg, logger); err != nil {
		logger.Error("streamchatd_failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("streamchatd_starting", zap.String("version", version.Info()), zap.String("commit", version.Commit))

	authManager, err := auth.NewManager(auth.Config{
		Secret:   cfg.Auth.Secret,
		Issuer:   cfg.Auth.Issuer,
		Disabled: cfg.Auth.Disabled,
	})
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.Auth.Disabled {
		logger.Warn("auth_disabled", zap.String("identity", auth.LocalIdentity))
	}

	ticketStore, closeTickets, err := openTicketStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open ticket store: %w", err)
	}
	defer closeTickets()

	conversations, err := openConversationStore(cfg.Conversation)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer conversations.Close()

	registry, models, err := buildProviders(cfg)
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	p, err := registry.Get(cfg.Provider.Name)
	if err != nil {
		return err
	}
	logger.Info("providers_registered",
		zap.Strings("available", registry.Names()),
		zap.String("selected", p.Name()),
		zap.String("model", models[p.Name()]),
	)

	collector := metrics.NewCollector()
	dispatcher := buildHooks(cfg.Hooks)
	if dispatcher != nil {
		logger.Info("hooks_enabled", zap.String("script", cfg.Hooks.ScriptPath))
	}
	checker := health.New(health.Config{Provider: p.Name(), Model: models[p.Name()], Version: version.Info()},
		health.Component{Name: "tickets", Type: "ticket_store", Critical: true, Probe: ticketStore.Ping},
		health.Component{Name: "conversations", Type: "conversation_store", Critical: true, Probe: conversations.Ping},
	)
	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		})
	}

	httpSrv := httpserver.New(httpserver.Config{
		Auth:    authManager,
		Tickets: ticket.NewExchange(ticketStore, cfg.Ticket.TTL),
		Relay: relay.New(relay.Config{
			Store:          conversations,
			Provider:       p,
			Logger:         logger,
			Metrics:        collector,
			PersistTimeout: cfg.Server.PersistTimeout,
			Hooks:          dispatcher,
		}),
		Conversations:  conversations,
		Validator:      chat.NewValidator(cfg.Validation.MaxContentChars),
		Health:         checker,
		Metrics:        collector,
		Hooks:          dispatcher,
		RateLimit:      limiter,
		Logger:         logger,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		WebSocket: session.WSOptions{
			WriteTimeout:  cfg.WebSocket.WriteTimeout,
			PingInterval:  cfg.WebSocket.PingInterval,
			PongWait:      cfg.WebSocket.PongWait,
			MaxFrameBytes: cfg.MaxFrameBytes(),
		},
	})

	// No WriteTimeout: streams last as long as generation does.
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           httpSrv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("streamchatd_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	httpSrv.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful_shutdown_failed", zap.Error(err))
	}
	return nil
}
