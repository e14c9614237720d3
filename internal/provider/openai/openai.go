// Package openai streams completions from an OpenAI compatible
// /chat/completions endpoint.
package openai

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

// Config holds configuration for the OpenAI backend.
type Config struct {
	APIKey        string
	BaseURL       string // optional, defaults to https://api.openai.com/v1
	Organization  string // optional
	Model         string
	MaxTokens     int
	Temperature   *float64
	HeaderTimeout time.Duration
	HTTPClient    *http.Client
}

// Backend sends streaming requests to the OpenAI API.
type Backend struct {
	apiKey      string
	baseURL     string
	org         string
	model       string
	maxTokens   int
	temperature *float64
	httpClient  *http.Client
}

// New creates a Backend instance.
func New(cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key required")
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
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
		org:         cfg.Organization,
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		httpClient:  client,
	}, nil
}

// Name implements provider.Backend.
func (b *Backend) Name() string { return "openai" }

// Model reports the configured model id.
func (b *Backend) Model() string { return b.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

type completionChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name string `json:"name"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Open issues one streaming chat completion call.
func (b *Backend) Open(ctx context.Context, messages []chat.Message) (provider.Stream, error) {
	req := completionRequest{
		Model:       b.model,
		MaxTokens:   b.maxTokens,
		Temperature: b.temperature,
		Stream:      true,
	}
	for i, m := range messages {
		if !m.Role.Valid() {
			return nil, fmt.Errorf("openai: %w %q at index %d", provider.ErrUnknownRole, m.Role, i)
		}
		req.Messages = append(req.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	if b.org != "" {
		httpReq.Header.Set("OpenAI-Organization", b.org)
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		var chunk completionChunk
		if json.Unmarshal(data, &chunk) == nil && chunk.Error != nil {
			return nil, fmt.Errorf("openai: %s (type=%s)", chunk.Error.Message, chunk.Error.Type)
		}
		return nil, fmt.Errorf("openai: http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return &stream{body: resp.Body, events: provider.NewEventReader(resp.Body)}, nil
}

type stream struct {
	body    io.ReadCloser
	events  *provider.EventReader
	pending []provider.Segment
	done    bool
}

func (s *stream) Recv() (provider.Segment, error) {
	for {
		if len(s.pending) > 0 {
			seg := s.pending[0]
			s.pending = s.pending[1:]
			return seg, nil
		}
		if s.done {
			return provider.Segment{}, io.EOF
		}
		ev, err := s.events.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return provider.Segment{}, io.ErrUnexpectedEOF
			}
			return provider.Segment{}, fmt.Errorf("openai: read stream: %w", err)
		}
		payload := strings.TrimSpace(ev.Data)
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			s.done = true
			continue
		}
		var chunk completionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return provider.Segment{}, fmt.Errorf("openai: parse stream: %w", err)
		}
		if chunk.Error != nil {
			return provider.Segment{}, fmt.Errorf("openai: %s (type=%s)", chunk.Error.Message, chunk.Error.Type)
		}
		for _, choice := range chunk.Choices {
			for _, call := range choice.Delta.ToolCalls {
				if call.Function.Name != "" {
					s.pending = append(s.pending, provider.Segment{Kind: provider.SegmentToolUse, ToolName: call.Function.Name, ToolID: call.ID})
				}
			}
			if choice.Delta.Content != "" {
				s.pending = append(s.pending, provider.Segment{Kind: provider.SegmentText, Text: choice.Delta.Content})
			}
		}
	}
}

func (s *stream) Close() error {
	return s.body.Close()
}
