package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient is a concrete Client backed by a REST CRM API (account-scoped
// conversations, messages).
type HTTPClient struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

// NewHTTPClient builds an HTTPClient against baseURL, authenticating with
// apiKey via a Bearer header.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("crm: marshal request: %w", err)
		}
		reqBody = bytes.NewBuffer(raw)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("crm: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("crm: request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("crm: %s %s returned status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) SendMessage(ctx context.Context, accountID, conversationID, text string, private bool) (Message, error) {
	path := fmt.Sprintf("/api/v1/accounts/%s/conversations/%s/messages", url.PathEscape(accountID), url.PathEscape(conversationID))
	var out struct {
		ID        string    `json:"id"`
		Content   string    `json:"content"`
		Type      string    `json:"message_type"`
		CreatedAt time.Time `json:"created_at"`
	}
	body := map[string]any{"content": text, "private": private}
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return Message{}, err
	}
	return Message{ID: out.ID, Content: out.Content, Type: MessageType(out.Type), CreatedAt: out.CreatedAt}, nil
}

func (c *HTTPClient) FetchMessages(ctx context.Context, accountID, conversationID string, limit int) ([]Message, error) {
	path := fmt.Sprintf("/api/v1/accounts/%s/conversations/%s/messages?limit=%d",
		url.PathEscape(accountID), url.PathEscape(conversationID), limit)
	var out struct {
		Payload []struct {
			ID        string    `json:"id"`
			Content   string    `json:"content"`
			Type      string    `json:"message_type"`
			CreatedAt time.Time `json:"created_at"`
		} `json:"payload"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	messages := make([]Message, 0, len(out.Payload))
	for _, m := range out.Payload {
		messages = append(messages, Message{ID: m.ID, Content: m.Content, Type: MessageType(m.Type), CreatedAt: m.CreatedAt})
	}
	return messages, nil
}

func (c *HTTPClient) TouchConversation(ctx context.Context, accountID, conversationID string) error {
	path := fmt.Sprintf("/api/v1/accounts/%s/conversations/%s/toggle_typing_status", url.PathEscape(accountID), url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPost, path, map[string]any{"typing_status": "on"}, nil)
}

func (c *HTTPClient) GetConversation(ctx context.Context, accountID, conversationID string) (Conversation, error) {
	path := fmt.Sprintf("/api/v1/accounts/%s/conversations/%s", url.PathEscape(accountID), url.PathEscape(conversationID))
	var out struct {
		Meta struct {
			Assignee *struct {
				ID int `json:"id"`
			} `json:"assignee"`
		} `json:"meta"`
		CustomAttributes map[string]any `json:"custom_attributes"`
		LastActivityAt   int64          `json:"last_activity_at"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return Conversation{}, err
	}
	conv := Conversation{
		CustomAttributes: out.CustomAttributes,
		LastActivityAt:   time.Unix(out.LastActivityAt, 0).UTC(),
	}
	if out.Meta.Assignee != nil {
		conv.AssigneeID = fmt.Sprintf("%d", out.Meta.Assignee.ID)
	}
	return conv, nil
}

var _ Client = (*HTTPClient)(nil)
