package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	previewLimit    = 120
)

// MessageService owns the append-only per-conversation message log plus its
// mutable reaction and seen-receipt state.
type MessageService interface {
	Append(ctx context.Context, conversationId, senderId string, input AppendInput) (Message, error)
	ToggleReaction(ctx context.Context, messageId, userId, emoji string) (Message, error)
	MarkSeen(ctx context.Context, messageId, userId string) (SeenResult, error)
	ListForConversation(ctx context.Context, conversationId, userId, cursor string, limit int) (MessagePage, error)
}

type messageService struct {
	store  Store
	cache  UserConversationCache
	events EventSink
	logger *slog.Logger

	clock func() time.Time
	newId func() string
}

func NewMessageService(store Store, cache UserConversationCache, events EventSink, logger *slog.Logger) MessageService {
	return &messageService{
		store:  store,
		cache:  cache,
		events: events,
		logger: logger,
		clock:  time.Now,
		newId:  uuid.NewString,
	}
}

// Append persists a new message and fans it out to the conversation's room.
// Id, seq and createdAt are server-assigned; the client correlation id is
// echoed back on the response and on the fan-out event so every device can
// reconcile its optimistic copy.
func (m *messageService) Append(ctx context.Context, conversationId, senderId string, input AppendInput) (Message, error) {
	if input.ContentType == "" {
		input.ContentType = ContentTypeText
	}
	switch input.ContentType {
	case ContentTypeText:
		if input.Body == "" {
			return Message{}, fmt.Errorf("text message needs a body: %w", ErrInvalidOperation)
		}
	case ContentTypeAttachment:
		if input.AttachmentRef == "" {
			return Message{}, fmt.Errorf("attachment message needs a reference: %w", ErrInvalidOperation)
		}
	default:
		return Message{}, fmt.Errorf("unknown content type %q: %w", input.ContentType, ErrInvalidOperation)
	}

	conversation, err := m.store.GetConversation(ctx, conversationId)
	if err != nil {
		return Message{}, err
	}
	if !conversation.HasMember(senderId) {
		return Message{}, fmt.Errorf("sender %s: %w", senderId, ErrNotAMember)
	}

	message, err := m.store.AppendMessage(ctx, Message{
		Id:             m.newId(),
		ConversationId: conversationId,
		SenderId:       senderId,
		ContentType:    input.ContentType,
		Body:           input.Body,
		AttachmentRef:  input.AttachmentRef,
		CreatedAt:      m.clock(),
	})
	if err != nil {
		return Message{}, err
	}
	message.CorrelationId = input.CorrelationId

	m.events.Publish(conversationId, OutgoingEvent{
		Kind:           EventMessageCreated,
		ConversationId: conversationId,
		Message:        &message,
	})

	if err := m.cache.TouchOnMessage(ctx, conversationId, conversation.Members, senderId, message.CreatedAt); err != nil {
		m.logger.Warn("could not update user conversation cache", "conversation", conversationId, "error", err)
	}

	m.logger.Info("message appended", "conversation", conversationId, "seq", message.Seq)
	return message, nil
}

// ToggleReaction sets, replaces or removes the user's single reaction on a
// message. Same emoji toggles off, a different emoji replaces; at most one
// reaction per user per message.
func (m *messageService) ToggleReaction(ctx context.Context, messageId, userId, emoji string) (Message, error) {
	if emoji == "" {
		return Message{}, fmt.Errorf("reaction needs an emoji: %w", ErrInvalidOperation)
	}
	if err := m.requireMember(ctx, messageId, userId); err != nil {
		return Message{}, err
	}

	message, err := m.store.ToggleReaction(ctx, messageId, userId, emoji)
	if err != nil {
		return Message{}, err
	}

	m.events.Publish(message.ConversationId, OutgoingEvent{
		Kind:           EventReactionChanged,
		ConversationId: message.ConversationId,
		Message:        &message,
	})
	return message, nil
}

// MarkSeen records the first time userId viewed the message. Safe to call
// from redundant paths: only the first call inserts a receipt, repeats are
// no-ops that report AlreadySeen.
func (m *messageService) MarkSeen(ctx context.Context, messageId, userId string) (SeenResult, error) {
	if err := m.requireMember(ctx, messageId, userId); err != nil {
		return SeenResult{}, err
	}

	message, already, err := m.store.MarkSeen(ctx, messageId, userId, m.clock())
	if err != nil {
		return SeenResult{}, err
	}
	if !already {
		m.events.Publish(message.ConversationId, OutgoingEvent{
			Kind:           EventSeenChanged,
			ConversationId: message.ConversationId,
			Message:        &message,
		})
	}
	return SeenResult{AlreadySeen: already}, nil
}

func (m *messageService) ListForConversation(ctx context.Context, conversationId, userId, cursor string, limit int) (MessagePage, error) {
	conversation, err := m.store.GetConversation(ctx, conversationId)
	if err != nil {
		return MessagePage{}, err
	}
	if !conversation.HasMember(userId) {
		return MessagePage{}, fmt.Errorf("user %s: %w", userId, ErrNotAMember)
	}

	afterSeq, err := decodeCursor(cursor)
	if err != nil {
		return MessagePage{}, fmt.Errorf("bad cursor: %w", ErrInvalidOperation)
	}
	limit = normalizeLimit(limit)

	messages, err := m.store.ListMessages(ctx, conversationId, afterSeq, limit)
	if err != nil {
		return MessagePage{}, err
	}

	page := MessagePage{Messages: messages}
	if len(messages) == limit {
		page.NextCursor = EncodeCursor(messages[len(messages)-1].Seq)
	}
	return page, nil
}

func (m *messageService) requireMember(ctx context.Context, messageId, userId string) error {
	message, err := m.store.GetMessage(ctx, messageId)
	if err != nil {
		return err
	}
	conversation, err := m.store.GetConversation(ctx, message.ConversationId)
	if err != nil {
		return err
	}
	if !conversation.HasMember(userId) {
		return fmt.Errorf("user %s: %w", userId, ErrNotAMember)
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > maxPageSize {
		return defaultPageSize
	}
	return limit
}

func EncodeCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(seq, 10)))
}

func decodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

// Preview truncates a message body for the conversation list summary.
func Preview(message Message) string {
	if message.ContentType == ContentTypeAttachment {
		return "[attachment]"
	}
	if len(message.Body) <= previewLimit {
		return message.Body
	}
	// Back up to a rune boundary so the cut never splits a multi-byte rune.
	cut := previewLimit
	for cut > 0 && !utf8.RuneStart(message.Body[cut]) {
		cut--
	}
	return message.Body[:cut]
}
