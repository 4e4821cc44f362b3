package api

import (
	"context"
	"time"
)

// Store is the authoritative persistence boundary. Implementations must make
// FindOrCreateDirect atomic under concurrent calls for the same pair,
// serialize sequence assignment per conversation, and apply ReplaceMembers as
// a compare-and-swap on the conversation version.
type Store interface {
	GetConversation(ctx context.Context, conversationId string) (Conversation, error)
	FindOrCreateDirect(ctx context.Context, conversation Conversation) (Conversation, bool, error)
	CreateGroup(ctx context.Context, conversation Conversation) (Conversation, error)
	FindGroupByJoinCode(ctx context.Context, joinCode string) (Conversation, error)
	ReplaceMembers(ctx context.Context, conversationId string, version int64, members []string, name string) (Conversation, error)
	ListConversationsForUser(ctx context.Context, userId string) ([]Conversation, error)

	AppendMessage(ctx context.Context, message Message) (Message, error)
	GetMessage(ctx context.Context, messageId string) (Message, error)
	ListMessages(ctx context.Context, conversationId string, afterSeq int64, limit int) ([]Message, error)
	ToggleReaction(ctx context.Context, messageId, userId, emoji string) (Message, error)
	MarkSeen(ctx context.Context, messageId, userId string, seenAt time.Time) (Message, bool, error)

	GetUsersByIds(ctx context.Context, userIds []string) ([]*UserModel, error)
	SearchUsers(ctx context.Context, query string) ([]*UserModel, error)
}

// UserConversationCache keeps denormalized per-user conversation state:
// unread counters and personal prefs. It is advisory; callers log and move on
// when it fails.
type UserConversationCache interface {
	// TouchOnMessage bumps lastUpdated for every member and increments the
	// unread counter for everyone but the sender.
	TouchOnMessage(ctx context.Context, conversationId string, memberIds []string, senderId string, at time.Time) error
	ResetUnread(ctx context.Context, userId, conversationId string) error
	ApplyPrefsPatch(ctx context.Context, userId, conversationId string, patch []byte) (UserConversation, error)
	UnreadCounts(ctx context.Context, userId string, conversationIds []string) (map[string]int, error)
}
