// Package chatsync implements the client-side realtime chat synchronization
// and notification engine embedded in the vyapar360 suite.
//
// The engine keeps a user's message timeline, delivery/read state, reactions,
// and unread counters consistent over an unreliable bidirectional event
// stream: optimistic local writes are reconciled against server responses and
// push events, events arriving via both paths are deduplicated, and unread
// counts stay correct across view navigation.
//
// Example:
//
//	sess, _ := chatsync.NewSession(&chatsync.SessionConfig{
//		BaseURL: "https://suite.example.com",
//		Token:   token,
//		SelfID:  "user-42",
//	})
//	sess.Connect(ctx)
//
//	tl, _ := sess.OpenConversation(ctx, chatsync.Direct("user-7"))
//	tl.Send(ctx, chatsync.MessageDraft{Content: "hello"})
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds every REST round-trip.
	DefaultTimeout = 30 * time.Second

	// DefaultPageSize is the history page size used by timelines.
	DefaultPageSize = 50
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the chat endpoints of the suite backend. The
// realtime channel is handled separately by RealtimeClient.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Messages      *MessagesAPI
	Conversations *ConversationsAPI
	Reactions     *ReactionsAPI
	Receipts      *ReceiptsAPI
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the backend base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the HTTP timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a chat REST client authenticated with token.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Messages = &MessagesAPI{client: c}
	c.Conversations = &ConversationsAPI{client: c}
	c.Reactions = &ReactionsAPI{client: c}
	c.Receipts = &ReceiptsAPI{client: c}
	return c
}

// SetToken updates the auth token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// do performs a request and decodes the standard envelope. API-level failures
// (ok=false) are returned as the embedded *APIError.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*APIResult, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[APIResult](data)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, fmt.Errorf("request rejected")
	}
	return result, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Messages API
// ============================================================================

// MessagesAPI covers message CRUD per conversation.
type MessagesAPI struct{ client *Client }

// List fetches up to limit messages older than before (zero means newest).
// Results are returned in ascending createdAt order.
func (m *MessagesAPI) List(ctx context.Context, ref ConversationRef, limit int, before time.Time) ([]Message, error) {
	query := map[string]string{}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	if !before.IsZero() {
		query["before"] = before.UTC().Format(time.RFC3339Nano)
	}
	if len(query) == 0 {
		query = nil
	}

	result, err := m.client.do(ctx, "GET", "/api/chat/"+ref.apiPath()+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	var messages []Message
	if err := result.Decode(&messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return messages, nil
}

// Send creates a message in the conversation and returns the server-confirmed
// record.
func (m *MessagesAPI) Send(ctx context.Context, ref ConversationRef, draft MessageDraft) (*Message, error) {
	result, err := m.client.do(ctx, "POST", "/api/chat/"+ref.apiPath()+"/messages", draft, nil)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := result.Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}

// Edit replaces the content of an existing message.
func (m *MessagesAPI) Edit(ctx context.Context, ref ConversationRef, messageID int64, content string) error {
	_, err := m.client.do(ctx, "PATCH",
		"/api/chat/"+ref.apiPath()+"/messages/"+strconv.FormatInt(messageID, 10),
		map[string]string{"content": content}, nil)
	return err
}

// Delete removes a message.
func (m *MessagesAPI) Delete(ctx context.Context, ref ConversationRef, messageID int64) error {
	_, err := m.client.do(ctx, "DELETE",
		"/api/chat/"+ref.apiPath()+"/messages/"+strconv.FormatInt(messageID, 10), nil, nil)
	return err
}

// ============================================================================
// Conversations API
// ============================================================================

// ConversationsAPI covers conversation-scoped operations.
type ConversationsAPI struct{ client *Client }

// MarkRead clears the server-side unread counter for the conversation.
func (cv *ConversationsAPI) MarkRead(ctx context.Context, ref ConversationRef) error {
	_, err := cv.client.do(ctx, "POST", "/api/chat/"+ref.apiPath()+"/read", nil, nil)
	return err
}

// ============================================================================
// Reactions API
// ============================================================================

// ReactionsAPI covers reaction mutation and detail lookup.
type ReactionsAPI struct{ client *Client }

func (r *ReactionsAPI) reactionPath(ref ConversationRef, messageID int64) string {
	return "/api/chat/" + ref.apiPath() + "/messages/" + strconv.FormatInt(messageID, 10) + "/reactions"
}

// Add records the caller's reaction on a message.
func (r *ReactionsAPI) Add(ctx context.Context, ref ConversationRef, messageID int64, emoji string) error {
	_, err := r.client.do(ctx, "POST", r.reactionPath(ref, messageID),
		map[string]string{"emoji": emoji}, nil)
	return err
}

// Remove withdraws the caller's reaction from a message.
func (r *ReactionsAPI) Remove(ctx context.Context, ref ConversationRef, messageID int64, emoji string) error {
	_, err := r.client.do(ctx, "DELETE", r.reactionPath(ref, messageID),
		nil, map[string]string{"emoji": emoji})
	return err
}

// Details fetches the authoritative per-user reaction breakdown for a message.
func (r *ReactionsAPI) Details(ctx context.Context, ref ConversationRef, messageID int64) ([]ReactionDetail, error) {
	result, err := r.client.do(ctx, "GET", r.reactionPath(ref, messageID), nil, nil)
	if err != nil {
		return nil, err
	}
	var details []ReactionDetail
	if err := result.Decode(&details); err != nil {
		return nil, fmt.Errorf("failed to decode reaction details: %w", err)
	}
	return details, nil
}

// ============================================================================
// Receipts API
// ============================================================================

// ReceiptsAPI posts delivery and read acknowledgments for direct messages.
type ReceiptsAPI struct{ client *Client }

// AckDelivered notifies the sender's side that the latest messages in the
// conversation reached this client.
func (rc *ReceiptsAPI) AckDelivered(ctx context.Context, ref ConversationRef) error {
	_, err := rc.client.do(ctx, "POST", "/api/chat/"+ref.apiPath()+"/receipts",
		map[string]string{"kind": "delivered"}, nil)
	return err
}

// AckRead notifies the sender's side that the conversation was viewed.
func (rc *ReceiptsAPI) AckRead(ctx context.Context, ref ConversationRef) error {
	_, err := rc.client.do(ctx, "POST", "/api/chat/"+ref.apiPath()+"/receipts",
		map[string]string{"kind": "read"}, nil)
	return err
}
