// Package anthropic streams completions from the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tokligence/streamchat/internal/chat"
	"github.com/tokligence/streamchat/internal/provider"
)

var _ provider.Backend = (*Backend)(nil)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultVersion   = "2023-06-01"
	defaultModel     = "claude-3-5-sonnet-latest"
	defaultMaxTokens = 4096
)

// Config holds configuration for the Anthropic backend.
type Config struct {
	APIKey      string
	BaseURL     string // optional, defaults to https://api.anthropic.com
	Version     string // optional, defaults to 2023-06-01
	Model       string
	MaxTokens   int
	Temperature *float64
	// HeaderTimeout bounds the wait for response headers. The body itself is
	// not time limited; generation runs until it finishes or is cancelled.
	HeaderTimeout time.Duration
	HTTPClient    *http.Client
}

// Backend sends streaming requests to the Anthropic API.
type Backend struct {
	apiKey      string
	baseURL     string
	version     string
	model       string
	maxTokens   int
	temperature *float64
	httpClient  *http.Client
}

// New creates a Backend instance.
func New(cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: api key required")
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		version = defaultVersion
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.HeaderTimeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = timeout
		client = &http.Client{Transport: transport}
	}
	return &Backend{
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		version:     version,
		model:       model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		httpClient:  client,
	}, nil
}

// Name implements provider.Backend.
func (b *Backend) Name() string { return "anthropic" }

// Model reports the configured model id.
func (b *Backend) Model() string { return b.model }

// Open issues one streaming /v1/messages call.
func (b *Backend) Open(ctx context.Context, messages []chat.Message) (provider.Stream, error) {
	converted, system, err := convertMessages(messages)
	if err != nil {
		return nil, err
	}
	payload := messagesRequest{
		Model:       b.model,
		Messages:    converted,
		System:      system,
		MaxTokens:   b.maxTokens,
		Temperature: b.temperature,
		Stream:      true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", b.apiKey)
	httpReq.Header.Set("anthropic-version", b.version)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, upstreamError(resp.StatusCode, data)
	}
	return &stream{body: resp.Body, events: provider.NewEventReader(resp.Body)}, nil
}

func upstreamError(status int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Errorf("anthropic: %s (type=%s)", errResp.Error.Message, errResp.Error.Type)
	}
	return fmt.Errorf("anthropic: http %d: %s", status, strings.TrimSpace(string(body)))
}

type stream struct {
	body   io.ReadCloser
	events *provider.EventReader
	done   bool
}

func (s *stream) Recv() (provider.Segment, error) {
	for !s.done {
		ev, err := s.events.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return provider.Segment{}, io.ErrUnexpectedEOF
			}
			return provider.Segment{}, fmt.Errorf("anthropic: read stream: %w", err)
		}
		payload := strings.TrimSpace(ev.Data)
		if payload == "" || payload == "{}" {
			continue
		}
		var evt streamEvent
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			return provider.Segment{}, fmt.Errorf("anthropic: parse stream: %w", err)
		}
		switch evt.Type {
		case "content_block_start":
			if seg, ok := evt.ContentBlock.segment(); ok {
				return seg, nil
			}
		case "content_block_delta":
			if evt.Delta.Type == "text_delta" && evt.Delta.Text != "" {
				return provider.Segment{Kind: provider.SegmentText, Text: evt.Delta.Text}, nil
			}
		case "message_stop":
			s.done = true
		case "error":
			return provider.Segment{}, fmt.Errorf("anthropic: %s (type=%s)", evt.Error.Message, evt.Error.Type)
		}
	}
	return provider.Segment{}, io.EOF
}

func (s *stream) Close() error {
	return s.body.Close()
}

type messagesRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
}

// anthropicMessage represents a message in Anthropic's format.
type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

// anthropicContentBlock represents a content block (text or other types).
type anthropicContentBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
}

func (c anthropicContentBlock) segment() (provider.Segment, bool) {
	switch {
	case c.Type == "text":
		return provider.Segment{Kind: provider.SegmentText, Text: c.Text}, c.Text != ""
	case c.Type == "tool_use" || c.Type == "server_tool_use":
		return provider.Segment{Kind: provider.SegmentToolUse, ToolName: c.Name, ToolID: c.ID}, true
	case strings.HasSuffix(c.Type, "tool_result"):
		return provider.Segment{Kind: provider.SegmentToolResult, ToolID: c.ToolUseID}, true
	}
	return provider.Segment{}, false
}

type streamEvent struct {
	Type         string                `json:"type"`
	Index        int                   `json:"index,omitempty"`
	ContentBlock anthropicContentBlock `json:"content_block"`
	Delta        struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// convertMessages folds system messages into the top-level system prompt and
// keeps the remaining turns in order.
func convertMessages(messages []chat.Message) ([]anthropicMessage, string, error) {
	var (
		out    []anthropicMessage
		system []string
	)
	for i, msg := range messages {
		switch msg.Role {
		case chat.RoleSystem:
			system = append(system, msg.Content)
		case chat.RoleUser, chat.RoleAssistant:
			out = append(out, anthropicMessage{
				Role:    string(msg.Role),
				Content: []anthropicContentBlock{{Type: "text", Text: msg.Content}},
			})
		default:
			return nil, "", fmt.Errorf("anthropic: %w %q at index %d", provider.ErrUnknownRole, msg.Role, i)
		}
	}
	if len(out) == 0 {
		return nil, "", errors.New("anthropic: no user/assistant messages after extracting system prompt")
	}
	return out, strings.Join(system, "\n\n"), nil
}
