// Package client talks to a streamchat server: the REST conversation API, the
// one-shot SSE stream and the duplex WebSocket session.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tokligence/streamchat/internal/chat"
	"github.com/tokligence/streamchat/internal/conversation"
	"github.com/tokligence/streamchat/internal/provider"
	"github.com/tokligence/streamchat/internal/version"
)

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("streamchat: status %d", e.StatusCode)
	}
	return fmt.Sprintf("streamchat: status %d: %s", e.StatusCode, e.Message)
}

// Client is a streamchat API client authenticated with a bearer token.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient HTTPClient
}

// New constructs a client for the server at baseURL.
func New(baseURL, token string, httpClient HTTPClient) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", baseURL)
	}
	if httpClient == nil {
		// no overall timeout: streams last as long as generation does
		httpClient = &http.Client{}
	}
	return &Client{baseURL: parsed, token: token, httpClient: httpClient}, nil
}

// errorResponse matches the standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) endpoint(path string) string {
	rel, _ := url.Parse(path)
	return c.baseURL.ResolveReference(rel).String()
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return statusError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload errorResponse
	if err := json.Unmarshal(data, &payload); err == nil {
		return &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(payload.Error)}
	}
	return &StatusError{StatusCode: resp.StatusCode}
}

// IssueTicket obtains a single-use WebSocket ticket.
func (c *Client) IssueTicket(ctx context.Context) (string, error) {
	var resp struct {
		Ticket string `json:"ticket"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/ws/ticket", nil, &resp); err != nil {
		return "", err
	}
	if resp.Ticket == "" {
		return "", errors.New("streamchat: empty ticket in response")
	}
	return resp.Ticket, nil
}

// ListConversations returns the caller's conversations, most recent first.
func (c *Client) ListConversations(ctx context.Context) ([]conversation.Conversation, error) {
	var resp struct {
		Conversations []conversation.Conversation `json:"conversations"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/conversations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// CreateConversation creates a conversation; an empty title selects the
// server default.
func (c *Client) CreateConversation(ctx context.Context, title string) (conversation.Conversation, error) {
	var conv conversation.Conversation
	err := c.doJSON(ctx, http.MethodPost, "/api/conversations", map[string]string{"title": title}, &conv)
	return conv, err
}

// GetConversation returns a conversation with its transcript.
func (c *Client) GetConversation(ctx context.Context, id string) (conversation.Conversation, []conversation.Message, error) {
	var resp struct {
		Conversation conversation.Conversation `json:"conversation"`
		Messages     []conversation.Message    `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(id), nil, &resp); err != nil {
		return conversation.Conversation{}, nil, err
	}
	return resp.Conversation, resp.Messages, nil
}

// DeleteConversation removes one conversation.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(id), nil, nil)
}

// Ask runs one request over the one-shot SSE stream. onFrame sees every
// event with Type set to the event name; the terminal frame is returned.
func (c *Client) Ask(ctx context.Context, req chat.Request, onFrame func(chat.ServerFrame)) (chat.ServerFrame, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/chat", req)
	if err != nil {
		return chat.ServerFrame{}, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return chat.ServerFrame{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return chat.ServerFrame{}, statusError(resp)
	}

	er := provider.NewEventReader(resp.Body)
	for {
		ev, err := er.Next()
		if errors.Is(err, io.EOF) {
			return chat.ServerFrame{}, io.ErrUnexpectedEOF
		}
		if err != nil {
			return chat.ServerFrame{}, err
		}
		var f chat.ServerFrame
		if err := json.Unmarshal([]byte(ev.Data), &f); err != nil {
			return chat.ServerFrame{}, fmt.Errorf("decode %s event: %w", ev.Name, err)
		}
		f.Type = ev.Name
		if onFrame != nil {
			onFrame(f)
		}
		if f.Type == chat.TypeDone || f.Type == chat.TypeError {
			return f, nil
		}
	}
}

// NewRequestID returns a request id unique enough for one connection.
func NewRequestID() string {
	return fmt.Sprintf("req-%d", time.Now().UnixNano())
}
