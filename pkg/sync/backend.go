package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"chatSync/pkg/api"
)

// Backend performs the durable request/response calls against the
// authoritative store. Every call may be pending indefinitely on a slow
// network; the engine stays responsive through optimistic inserts.
type Backend interface {
	ListConversations(ctx context.Context) ([]api.Conversation, error)
	ListMessages(ctx context.Context, conversationId, cursor string, limit int) (api.MessagePage, error)
	Append(ctx context.Context, conversationId string, input api.AppendInput) (api.Message, error)
	ToggleReaction(ctx context.Context, messageId, emoji string) (api.Message, error)
	MarkSeen(ctx context.Context, messageId string) (api.SeenResult, error)
}

// HTTPBackend talks to the chat server's REST surface.
type HTTPBackend struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func (b *HTTPBackend) ListConversations(ctx context.Context) ([]api.Conversation, error) {
	var conversations []api.Conversation
	err := b.call(ctx, http.MethodGet, "/chat/conversations", nil, &conversations)
	return conversations, err
}

func (b *HTTPBackend) ListMessages(ctx context.Context, conversationId, cursor string, limit int) (api.MessagePage, error) {
	path := fmt.Sprintf("/chat/conversations/%s/messages?cursor=%s&limit=%d", conversationId, cursor, limit)
	var page api.MessagePage
	err := b.call(ctx, http.MethodGet, path, nil, &page)
	return page, err
}

func (b *HTTPBackend) Append(ctx context.Context, conversationId string, input api.AppendInput) (api.Message, error) {
	path := fmt.Sprintf("/chat/conversations/%s/messages", conversationId)
	var message api.Message
	err := b.call(ctx, http.MethodPost, path, input, &message)
	return message, err
}

func (b *HTTPBackend) ToggleReaction(ctx context.Context, messageId, emoji string) (api.Message, error) {
	path := fmt.Sprintf("/chat/messages/%s/reactions", messageId)
	var message api.Message
	err := b.call(ctx, http.MethodPost, path, map[string]string{"emoji": emoji}, &message)
	return message, err
}

func (b *HTTPBackend) MarkSeen(ctx context.Context, messageId string) (api.SeenResult, error) {
	path := fmt.Sprintf("/chat/messages/%s/seen", messageId)
	var result api.SeenResult
	err := b.call(ctx, http.MethodPost, path, struct{}{}, &result)
	return result, err
}

func (b *HTTPBackend) call(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.Token)

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return statusError(resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(code int) error {
	switch code {
	case http.StatusNotFound:
		return api.ErrNotFound
	case http.StatusForbidden:
		return api.ErrForbidden
	case http.StatusUnprocessableEntity:
		return api.ErrInvalidOperation
	case http.StatusConflict:
		return api.ErrVersionConflict
	default:
		return fmt.Errorf("server returned status %d", code)
	}
}
