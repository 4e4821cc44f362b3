package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	jsonPatch "github.com/evanphx/json-patch/v5"

	"chatSync/pkg/api"
)

// MemoryStore is an in-memory api.Store for tests and local development.
// A single mutex stands in for the row locks and unique constraints the
// Postgres storage relies on.
type MemoryStore struct {
	mu sync.Mutex

	conversations map[string]*api.Conversation
	directKeys    map[string]string // "a:b" -> conversationId
	joinCodes     map[string]string // joinCode -> conversationId
	lastSeq       map[string]int64

	messages map[string]*api.Message
	byConv   map[string][]string // conversationId -> messageIds in seq order

	users map[string]*api.UserModel
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*api.Conversation),
		directKeys:    make(map[string]string),
		joinCodes:     make(map[string]string),
		lastSeq:       make(map[string]int64),
		messages:      make(map[string]*api.Message),
		byConv:        make(map[string][]string),
		users:         make(map[string]*api.UserModel),
	}
}

// AddUser seeds the user directory.
func (s *MemoryStore) AddUser(user *api.UserModel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.UID] = user
}

func (s *MemoryStore) GetConversation(ctx context.Context, conversationId string) (api.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.conversations[conversationId]
	if !ok {
		return api.Conversation{}, fmt.Errorf("conversation %s: %w", conversationId, api.ErrNotFound)
	}
	return cloneConversation(conversation), nil
}

func (s *MemoryStore) FindOrCreateDirect(ctx context.Context, conversation api.Conversation) (api.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := conversation.Members[0] + ":" + conversation.Members[1]
	if existingId, ok := s.directKeys[key]; ok {
		return cloneConversation(s.conversations[existingId]), false, nil
	}

	stored := cloneConversation(&conversation)
	s.conversations[stored.Id] = &stored
	s.directKeys[key] = stored.Id
	return cloneConversation(&stored), true, nil
}

func (s *MemoryStore) CreateGroup(ctx context.Context, conversation api.Conversation) (api.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.joinCodes[conversation.JoinCode]; ok {
		return api.Conversation{}, fmt.Errorf("join code taken: %w", api.ErrInvalidOperation)
	}
	stored := cloneConversation(&conversation)
	s.conversations[stored.Id] = &stored
	s.joinCodes[stored.JoinCode] = stored.Id
	return cloneConversation(&stored), nil
}

func (s *MemoryStore) FindGroupByJoinCode(ctx context.Context, joinCode string) (api.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversationId, ok := s.joinCodes[joinCode]
	if !ok {
		return api.Conversation{}, fmt.Errorf("join code: %w", api.ErrNotFound)
	}
	return cloneConversation(s.conversations[conversationId]), nil
}

func (s *MemoryStore) ReplaceMembers(ctx context.Context, conversationId string, version int64, members []string, name string) (api.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversation, ok := s.conversations[conversationId]
	if !ok {
		return api.Conversation{}, fmt.Errorf("conversation %s: %w", conversationId, api.ErrNotFound)
	}
	if conversation.Version != version {
		return api.Conversation{}, fmt.Errorf("conversation %s at version %d: %w", conversationId, version, api.ErrVersionConflict)
	}
	conversation.Version++
	conversation.Members = append([]string(nil), members...)
	if name != "" {
		conversation.Name = name
	}
	return cloneConversation(conversation), nil
}

func (s *MemoryStore) ListConversationsForUser(ctx context.Context, userId string) ([]api.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []api.Conversation
	for _, conversation := range s.conversations {
		if conversation.HasMember(userId) {
			result = append(result, cloneConversation(conversation))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		ti, tj := summaryTime(result[i]), summaryTime(result[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, message api.Message) (api.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversation, ok := s.conversations[message.ConversationId]
	if !ok {
		return api.Message{}, fmt.Errorf("conversation %s: %w", message.ConversationId, api.ErrNotFound)
	}

	s.lastSeq[message.ConversationId]++
	message.Seq = s.lastSeq[message.ConversationId]

	stored := cloneMessage(&message)
	s.messages[stored.Id] = &stored
	s.byConv[stored.ConversationId] = append(s.byConv[stored.ConversationId], stored.Id)

	conversation.LastMessage = &api.LastMessage{
		Preview:  api.Preview(message),
		SenderId: message.SenderId,
		SentAt:   message.CreatedAt,
	}
	return cloneMessage(&stored), nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, messageId string) (api.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getMessageLocked(messageId)
}

func (s *MemoryStore) getMessageLocked(messageId string) (api.Message, error) {
	message, ok := s.messages[messageId]
	if !ok {
		return api.Message{}, fmt.Errorf("message %s: %w", messageId, api.ErrNotFound)
	}
	return cloneMessage(message), nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationId string, afterSeq int64, limit int) ([]api.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []api.Message
	for _, id := range s.byConv[conversationId] {
		message := s.messages[id]
		if message.Seq <= afterSeq {
			continue
		}
		result = append(result, cloneMessage(message))
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) ToggleReaction(ctx context.Context, messageId, userId, emoji string) (api.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	message, ok := s.messages[messageId]
	if !ok {
		return api.Message{}, fmt.Errorf("message %s: %w", messageId, api.ErrNotFound)
	}
	if message.Reactions == nil {
		message.Reactions = make(map[string]string)
	}
	if message.Reactions[userId] == emoji {
		delete(message.Reactions, userId)
	} else {
		message.Reactions[userId] = emoji
	}
	return cloneMessage(message), nil
}

func (s *MemoryStore) MarkSeen(ctx context.Context, messageId, userId string, seenAt time.Time) (api.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	message, ok := s.messages[messageId]
	if !ok {
		return api.Message{}, false, fmt.Errorf("message %s: %w", messageId, api.ErrNotFound)
	}
	for _, receipt := range message.SeenBy {
		if receipt.UserId == userId {
			return cloneMessage(message), true, nil
		}
	}
	message.SeenBy = append(message.SeenBy, api.SeenReceipt{UserId: userId, FirstSeenAt: seenAt})
	return cloneMessage(message), false, nil
}

func (s *MemoryStore) GetUsersByIds(ctx context.Context, userIds []string) ([]*api.UserModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*api.UserModel
	for _, id := range userIds {
		if user, ok := s.users[id]; ok {
			clone := *user
			result = append(result, &clone)
		}
	}
	return result, nil
}

func (s *MemoryStore) SearchUsers(ctx context.Context, query string) ([]*api.UserModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*api.UserModel
	for _, user := range s.users {
		if strings.Contains(strings.ToLower(user.Username), strings.ToLower(query)) {
			clone := *user
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Username < result[j].Username })
	return result, nil
}

func summaryTime(conversation api.Conversation) time.Time {
	if conversation.LastMessage != nil {
		return conversation.LastMessage.SentAt
	}
	return time.Time{}
}

func cloneConversation(c *api.Conversation) api.Conversation {
	clone := *c
	clone.Members = append([]string(nil), c.Members...)
	if c.LastMessage != nil {
		last := *c.LastMessage
		clone.LastMessage = &last
	}
	return clone
}

func cloneMessage(m *api.Message) api.Message {
	clone := *m
	if m.Reactions != nil {
		clone.Reactions = make(map[string]string, len(m.Reactions))
		for k, v := range m.Reactions {
			clone.Reactions[k] = v
		}
	}
	clone.SeenBy = append([]api.SeenReceipt(nil), m.SeenBy...)
	return clone
}

// MemoryUserCache is an in-memory api.UserConversationCache counterpart.
type MemoryUserCache struct {
	mu    sync.Mutex
	state map[string]map[string]*api.UserConversation // userId -> conversationId
}

func NewMemoryUserCache() *MemoryUserCache {
	return &MemoryUserCache{state: make(map[string]map[string]*api.UserConversation)}
}

func (c *MemoryUserCache) entry(userId, conversationId string) *api.UserConversation {
	byConv, ok := c.state[userId]
	if !ok {
		byConv = make(map[string]*api.UserConversation)
		c.state[userId] = byConv
	}
	entry, ok := byConv[conversationId]
	if !ok {
		entry = &api.UserConversation{}
		byConv[conversationId] = entry
	}
	return entry
}

func (c *MemoryUserCache) TouchOnMessage(ctx context.Context, conversationId string, memberIds []string, senderId string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, uid := range memberIds {
		entry := c.entry(uid, conversationId)
		entry.LastUpdated = at
		if uid != senderId {
			entry.UnreadCount++
		}
	}
	return nil
}

func (c *MemoryUserCache) ResetUnread(ctx context.Context, userId, conversationId string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	byConv, ok := c.state[userId]
	if !ok {
		return fmt.Errorf("user conversation %s: %w", conversationId, api.ErrNotFound)
	}
	entry, ok := byConv[conversationId]
	if !ok {
		return fmt.Errorf("user conversation %s: %w", conversationId, api.ErrNotFound)
	}
	entry.UnreadCount = 0
	return nil
}

func (c *MemoryUserCache) ApplyPrefsPatch(ctx context.Context, userId, conversationId string, patch []byte) (api.UserConversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	decoded, err := jsonPatch.DecodePatch(patch)
	if err != nil {
		return api.UserConversation{}, fmt.Errorf("decoding patch: %w", api.ErrInvalidOperation)
	}
	entry := c.entry(userId, conversationId)

	encoded, err := json.Marshal(entry)
	if err != nil {
		return api.UserConversation{}, err
	}
	encoded, err = decoded.Apply(encoded)
	if err != nil {
		return api.UserConversation{}, fmt.Errorf("applying patch: %w", api.ErrInvalidOperation)
	}
	if err := json.Unmarshal(encoded, entry); err != nil {
		return api.UserConversation{}, err
	}
	return *entry, nil
}

func (c *MemoryUserCache) UnreadCounts(ctx context.Context, userId string, conversationIds []string) (map[string]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts := make(map[string]int, len(conversationIds))
	byConv := c.state[userId]
	for _, id := range conversationIds {
		if entry, ok := byConv[id]; ok {
			counts[id] = entry.UnreadCount
		}
	}
	return counts, nil
}
