package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// fakeStore is a programmable Store: tests wire up only the calls they expect
// and any other call panics with its name.
type fakeStore struct {
	getConversation     func(ctx context.Context, conversationId string) (Conversation, error)
	findOrCreateDirect  func(ctx context.Context, conversation Conversation) (Conversation, bool, error)
	createGroup         func(ctx context.Context, conversation Conversation) (Conversation, error)
	findGroupByJoinCode func(ctx context.Context, joinCode string) (Conversation, error)
	replaceMembers      func(ctx context.Context, conversationId string, version int64, members []string, name string) (Conversation, error)
	listConversations   func(ctx context.Context, userId string) ([]Conversation, error)
	appendMessage       func(ctx context.Context, message Message) (Message, error)
	getMessage          func(ctx context.Context, messageId string) (Message, error)
	listMessages        func(ctx context.Context, conversationId string, afterSeq int64, limit int) ([]Message, error)
	toggleReaction      func(ctx context.Context, messageId, userId, emoji string) (Message, error)
	markSeen            func(ctx context.Context, messageId, userId string, seenAt time.Time) (Message, bool, error)
	getUsersByIds       func(ctx context.Context, userIds []string) ([]*UserModel, error)
	searchUsers         func(ctx context.Context, query string) ([]*UserModel, error)
}

func (f *fakeStore) GetConversation(ctx context.Context, conversationId string) (Conversation, error) {
	if f.getConversation == nil {
		panic("unexpected GetConversation")
	}
	return f.getConversation(ctx, conversationId)
}

func (f *fakeStore) FindOrCreateDirect(ctx context.Context, conversation Conversation) (Conversation, bool, error) {
	if f.findOrCreateDirect == nil {
		panic("unexpected FindOrCreateDirect")
	}
	return f.findOrCreateDirect(ctx, conversation)
}

func (f *fakeStore) CreateGroup(ctx context.Context, conversation Conversation) (Conversation, error) {
	if f.createGroup == nil {
		panic("unexpected CreateGroup")
	}
	return f.createGroup(ctx, conversation)
}

func (f *fakeStore) FindGroupByJoinCode(ctx context.Context, joinCode string) (Conversation, error) {
	if f.findGroupByJoinCode == nil {
		panic("unexpected FindGroupByJoinCode")
	}
	return f.findGroupByJoinCode(ctx, joinCode)
}

func (f *fakeStore) ReplaceMembers(ctx context.Context, conversationId string, version int64, members []string, name string) (Conversation, error) {
	if f.replaceMembers == nil {
		panic("unexpected ReplaceMembers")
	}
	return f.replaceMembers(ctx, conversationId, version, members, name)
}

func (f *fakeStore) ListConversationsForUser(ctx context.Context, userId string) ([]Conversation, error) {
	if f.listConversations == nil {
		panic("unexpected ListConversationsForUser")
	}
	return f.listConversations(ctx, userId)
}

func (f *fakeStore) AppendMessage(ctx context.Context, message Message) (Message, error) {
	if f.appendMessage == nil {
		panic("unexpected AppendMessage")
	}
	return f.appendMessage(ctx, message)
}

func (f *fakeStore) GetMessage(ctx context.Context, messageId string) (Message, error) {
	if f.getMessage == nil {
		panic("unexpected GetMessage")
	}
	return f.getMessage(ctx, messageId)
}

func (f *fakeStore) ListMessages(ctx context.Context, conversationId string, afterSeq int64, limit int) ([]Message, error) {
	if f.listMessages == nil {
		panic("unexpected ListMessages")
	}
	return f.listMessages(ctx, conversationId, afterSeq, limit)
}

func (f *fakeStore) ToggleReaction(ctx context.Context, messageId, userId, emoji string) (Message, error) {
	if f.toggleReaction == nil {
		panic("unexpected ToggleReaction")
	}
	return f.toggleReaction(ctx, messageId, userId, emoji)
}

func (f *fakeStore) MarkSeen(ctx context.Context, messageId, userId string, seenAt time.Time) (Message, bool, error) {
	if f.markSeen == nil {
		panic("unexpected MarkSeen")
	}
	return f.markSeen(ctx, messageId, userId, seenAt)
}

func (f *fakeStore) GetUsersByIds(ctx context.Context, userIds []string) ([]*UserModel, error) {
	if f.getUsersByIds == nil {
		panic("unexpected GetUsersByIds")
	}
	return f.getUsersByIds(ctx, userIds)
}

func (f *fakeStore) SearchUsers(ctx context.Context, query string) ([]*UserModel, error) {
	if f.searchUsers == nil {
		panic("unexpected SearchUsers")
	}
	return f.searchUsers(ctx, query)
}

type fakeCache struct {
	touched   []string
	touchErr  error
	unread    map[string]int
	unreadErr error
}

func (f *fakeCache) TouchOnMessage(ctx context.Context, conversationId string, memberIds []string, senderId string, at time.Time) error {
	f.touched = append(f.touched, conversationId)
	return f.touchErr
}

func (f *fakeCache) ResetUnread(ctx context.Context, userId, conversationId string) error {
	return nil
}

func (f *fakeCache) ApplyPrefsPatch(ctx context.Context, userId, conversationId string, patch []byte) (UserConversation, error) {
	return UserConversation{}, nil
}

func (f *fakeCache) UnreadCounts(ctx context.Context, userId string, conversationIds []string) (map[string]int, error) {
	return f.unread, f.unreadErr
}

// recordingSink captures published events in order.
type recordingSink struct {
	events []OutgoingEvent
}

func (s *recordingSink) Publish(conversationId string, event OutgoingEvent) {
	s.events = append(s.events, event)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// idSequence yields prefix-1, prefix-2, ... for deterministic ids.
func idSequence(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}
