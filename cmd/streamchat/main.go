package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/tokligence/streamchat/internal/auth"
	"github.com/tokligence/streamchat/internal/bootstrap"
	"github.com/tokligence/streamchat/internal/chat"
	"github.com/tokligence/streamchat/internal/client"
	"github.com/tokligence/streamchat/internal/config"
	"github.com/tokligence/streamchat/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("streamchat %s failed: %v", os.Args[1], err)
	}
}

func run(ctx context.Context, cmd string, args []string, stdin io.Reader, stdout io.Writer) error {
	switch cmd {
	case "init":
		return runInit(args, stdout)
	case "token":
		return runToken(args, stdout)
	case "ask":
		return runAsk(ctx, args, stdout)
	case "chat":
		return runChat(ctx, args, stdin, stdout)
	case "conversations":
		return runConversations(ctx, args, stdout)
	case "version":
		fmt.Fprintln(stdout, version.FullInfo())
		return nil
	case "help", "--help", "-h":
		printUsage(stdout)
		return nil
	}
	printUsage(stdout)
	return fmt.Errorf("unknown command %q", cmd)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `streamchat CLI

Usage:
  streamchat init [flags]            Generate config/streamchat.yaml
  streamchat token [flags]           Mint a bearer token from the configured secret
  streamchat ask [flags] <message>   Send one message over the SSE endpoint
  streamchat chat [flags]            Interactive session over WebSocket (Ctrl-C cancels a reply)
  streamchat conversations [flags]   List conversations
  streamchat version                 Print version

Flags for init:
  --root string           output directory (default '.')
  --listen string         daemon listen address (default ':8080')
  --provider string       loopback, anthropic or openai (default 'loopback')
  --store string          conversation store: memory, sqlite, pebble or postgres (default 'sqlite')
  --store-path string     conversation store path
  --tickets string        ticket store: memory or redis (default 'memory')
  --secret string         auth secret (default: random)
  --force                 overwrite existing files

Client flags (ask, chat, conversations):
  --url string            server base URL (default $STREAMCHAT_URL or http://localhost:8080)
  --token string          bearer token (default $STREAMCHAT_TOKEN, else minted from --config)
  --config string         config file used to mint a token
  --user string           identity for a minted token (default 'cli')
`)
}

func runInit(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	root := fs.String("root", ".", "config root")
	listen := fs.String("listen", ":8080", "listen address")
	provider := fs.String("provider", "loopback", "provider name")
	store := fs.String("store", "sqlite", "conversation store driver")
	storePath := fs.String("store-path", "", "conversation store path")
	tickets := fs.String("tickets", "memory", "ticket store")
	secret := fs.String("secret", "", "auth secret")
	force := fs.Bool("force", false, "overwrite existing files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := bootstrap.Init(bootstrap.InitOptions{
		Root:               *root,
		ListenAddr:         *listen,
		AuthSecret:         *secret,
		Provider:           *provider,
		ConversationDriver: *store,
		ConversationPath:   *storePath,
		TicketStore:        *tickets,
		Force:              *force,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	return nil
}

func runToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFile := fs.String("config", "", "config file")
	user := fs.String("user", "cli", "token subject")
	ttl := fs.Duration("ttl", 0, "token lifetime (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	token, err := mintToken(*configFile, *user, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}

func mintToken(configFile, user string, ttl time.Duration) (string, error) {
	cfg, err := config.Load(config.Options{ConfigFile: configFile})
	if err != nil {
		return "", err
	}
	manager, err := auth.NewManager(auth.Config{Secret: cfg.Auth.Secret, Issuer: cfg.Auth.Issuer})
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}
	return manager.IssueToken(user, ttl)
}

type clientFlags struct {
	url        *string
	token      *string
	configFile *string
	user       *string
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		url:        fs.String("url", stringFromEnv("http://localhost:8080", "STREAMCHAT_URL"), "server base URL"),
		token:      fs.String("token", stringFromEnv("", "STREAMCHAT_TOKEN"), "bearer token"),
		configFile: fs.String("config", "", "config file used to mint a token"),
		user:       fs.String("user", "cli", "identity for a minted token"),
	}
}

func (f clientFlags) client() (*client.Client, error) {
	token := *f.token
	if token == "" {
		minted, err := mintToken(*f.configFile, *f.user, 0)
		if err != nil {
			return nil, fmt.Errorf("no --token given and minting failed: %w", err)
		}
		token = minted
	}
	return client.New(*f.url, token, nil)
}

func runAsk(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cf := addClientFlags(fs)
	conversationID := fs.String("conversation", "", "continue an existing conversation")
	system := fs.String("system", "", "system prompt")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		return errors.New("message required")
	}
	c, err := cf.client()
	if err != nil {
		return err
	}

	var messages []chat.Message
	if *system != "" {
		messages = append(messages, chat.Message{Role: chat.RoleSystem, Content: *system})
	}
	messages = append(messages, chat.Message{Role: chat.RoleUser, Content: text})
	final, err := c.Ask(ctx, chat.Request{
		RequestID:      client.NewRequestID(),
		ConversationID: *conversationID,
		Messages:       messages,
	}, printTokens(stdout))
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout)
	if final.Type == chat.TypeError {
		return errors.New(final.Error)
	}
	return nil
}

func printTokens(w io.Writer) func(chat.ServerFrame) {
	return func(f chat.ServerFrame) {
		if f.Type == chat.TypeToken {
			fmt.Fprint(w, f.Token)
		}
	}
}

func runChat(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cf := addClientFlags(fs)
	conversationID := fs.String("conversation", "", "continue an existing conversation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := cf.client()
	if err != nil {
		return err
	}
	stream, err := c.Dial(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	var history []chat.Message
	if *conversationID != "" {
		_, msgs, err := c.GetConversation(ctx, *conversationID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			history = append(history, chat.Message{Role: m.Role, Content: m.Content})
		}
	}

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(stdout)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		history = append(history, chat.Message{Role: chat.RoleUser, Content: line})

		turnCtx, cancel := signal.NotifyContext(ctx, os.Interrupt)
		final, err := stream.Chat(turnCtx, chat.Request{
			RequestID:      client.NewRequestID(),
			ConversationID: *conversationID,
			Messages:       history,
		}, printTokens(stdout))
		cancel()
		fmt.Fprintln(stdout)

		switch {
		case final.Type == chat.TypeCancelled:
			fmt.Fprintln(stdout, "[cancelled]")
			history = history[:len(history)-1]
			if ctx.Err() != nil {
				return nil
			}
		case err != nil:
			return err
		case final.Type == chat.TypeError:
			fmt.Fprintf(stdout, "[error] %s\n", final.Error)
			history = history[:len(history)-1]
		default:
			if final.ConversationID != "" {
				*conversationID = final.ConversationID
			}
			history = append(history, chat.Message{Role: chat.RoleAssistant, Content: final.Text})
		}
	}
}

func runConversations(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("conversations", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := cf.client()
	if err != nil {
		return err
	}
	convs, err := c.ListConversations(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tUPDATED")
	for _, conv := range convs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", conv.ID, conv.Title, conv.UpdatedAt.Local().Format(time.RFC3339))
	}
	return tw.Flush()
}

func stringFromEnv(fallback string, keys ...string) string {
	for _, key := range keys {
		if val := strings.TrimSpace(os.Getenv(key)); val != "" {
			return val
		}
	}
	return fallback
}
