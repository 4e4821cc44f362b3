package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// joinCodeRetries bounds the CAS loop when a join-by-code races a concurrent
// membership edit.
const joinCodeRetries = 3

// DirectoryService owns conversation identity, membership and group metadata.
type DirectoryService interface {
	FindOrCreateDirect(ctx context.Context, userA, userB string) (Conversation, error)
	CreateGroup(ctx context.Context, creator, name string, members []string) (Conversation, error)
	UpdateMembership(ctx context.Context, conversationId, actor string, update MembershipUpdate) (Conversation, error)
	JoinByCode(ctx context.Context, userId, joinCode string) (Conversation, error)
	ListForUser(ctx context.Context, userId string) ([]Conversation, error)
	SearchUsers(ctx context.Context, query string) ([]User, error)
}

type directoryService struct {
	store  Store
	cache  UserConversationCache
	events EventSink
	logger *slog.Logger

	clock       func() time.Time
	newId       func() string
	newJoinCode func() string
}

func NewDirectoryService(store Store, cache UserConversationCache, events EventSink, logger *slog.Logger) DirectoryService {
	return &directoryService{
		store:       store,
		cache:       cache,
		events:      events,
		logger:      logger,
		clock:       time.Now,
		newId:       uuid.NewString,
		newJoinCode: newJoinCode,
	}
}

// newJoinCode derives a short opaque token. Uniqueness across groups is
// enforced by the store.
func newJoinCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func (d *directoryService) FindOrCreateDirect(ctx context.Context, userA, userB string) (Conversation, error) {
	if userA == "" || userB == "" || userA == userB {
		return Conversation{}, fmt.Errorf("direct conversation needs two distinct users: %w", ErrInvalidOperation)
	}

	members := []string{userA, userB}
	sort.Strings(members)

	conversation, created, err := d.store.FindOrCreateDirect(ctx, Conversation{
		Id:        d.newId(),
		IsGroup:   false,
		CreatorId: userA,
		Members:   members,
		Version:   1,
		CreatedAt: d.clock(),
	})
	if err != nil {
		return Conversation{}, err
	}
	if created {
		d.logger.Info("direct conversation created", "id", conversation.Id)
		d.events.Publish(conversation.Id, OutgoingEvent{
			Kind:           EventConversationUpdated,
			ConversationId: conversation.Id,
			Conversation:   &conversation,
		})
	}
	return conversation, nil
}

func (d *directoryService) CreateGroup(ctx context.Context, creator, name string, members []string) (Conversation, error) {
	if creator == "" {
		return Conversation{}, fmt.Errorf("group needs a creator: %w", ErrInvalidOperation)
	}
	if strings.TrimSpace(name) == "" {
		return Conversation{}, fmt.Errorf("group needs a name: %w", ErrInvalidOperation)
	}

	// The creator is always a member, whether or not the caller listed them.
	unique := dedupe(append([]string{creator}, members...))

	conversation, err := d.store.CreateGroup(ctx, Conversation{
		Id:        d.newId(),
		IsGroup:   true,
		Name:      strings.TrimSpace(name),
		JoinCode:  d.newJoinCode(),
		CreatorId: creator,
		Members:   unique,
		Version:   1,
		CreatedAt: d.clock(),
	})
	if err != nil {
		return Conversation{}, err
	}
	d.logger.Info("group conversation created", "id", conversation.Id, "members", len(conversation.Members))
	d.events.Publish(conversation.Id, OutgoingEvent{
		Kind:           EventConversationUpdated,
		ConversationId: conversation.Id,
		Conversation:   &conversation,
	})
	return conversation, nil
}

func (d *directoryService) UpdateMembership(ctx context.Context, conversationId, actor string, update MembershipUpdate) (Conversation, error) {
	conversation, err := d.store.GetConversation(ctx, conversationId)
	if err != nil {
		return Conversation{}, err
	}
	if conversation.CreatorId != actor {
		return Conversation{}, fmt.Errorf("membership edits are creator-only: %w", ErrForbidden)
	}
	// A direct conversation is its member pair; there is nothing to edit.
	if !conversation.IsGroup {
		return Conversation{}, fmt.Errorf("direct conversations cannot be edited: %w", ErrInvalidOperation)
	}
	for _, uid := range update.Remove {
		if uid == conversation.CreatorId {
			return Conversation{}, fmt.Errorf("creator cannot be removed: %w", ErrInvalidOperation)
		}
		if uid == actor {
			return Conversation{}, fmt.Errorf("members cannot remove themselves: %w", ErrInvalidOperation)
		}
	}

	members := applyMembershipEdit(conversation.Members, update.Add, update.Remove)
	name := conversation.Name
	if update.Rename != "" {
		name = strings.TrimSpace(update.Rename)
	}

	version := update.Version
	if version == 0 {
		version = conversation.Version
	}

	updated, err := d.store.ReplaceMembers(ctx, conversationId, version, members, name)
	if err != nil {
		return Conversation{}, err
	}

	d.events.Publish(conversationId, OutgoingEvent{
		Kind:           EventConversationUpdated,
		ConversationId: conversationId,
		Conversation:   &updated,
	})
	return updated, nil
}

func (d *directoryService) JoinByCode(ctx context.Context, userId, joinCode string) (Conversation, error) {
	if userId == "" || joinCode == "" {
		return Conversation{}, fmt.Errorf("join needs a user and a code: %w", ErrInvalidOperation)
	}

	// Joining races creator-driven membership edits by design, so the CAS is
	// retried a bounded number of times on a fresh read.
	var lastErr error
	for attempt := 0; attempt < joinCodeRetries; attempt++ {
		conversation, err := d.store.FindGroupByJoinCode(ctx, joinCode)
		if err != nil {
			return Conversation{}, err
		}
		if conversation.HasMember(userId) {
			return conversation, nil
		}

		members := append(append([]string(nil), conversation.Members...), userId)
		updated, err := d.store.ReplaceMembers(ctx, conversation.Id, conversation.Version, members, conversation.Name)
		if err == nil {
			d.events.Publish(updated.Id, OutgoingEvent{
				Kind:           EventConversationUpdated,
				ConversationId: updated.Id,
				Conversation:   &updated,
			})
			return updated, nil
		}
		lastErr = err
		if !errors.Is(err, ErrVersionConflict) {
			return Conversation{}, err
		}
	}
	return Conversation{}, lastErr
}

func (d *directoryService) ListForUser(ctx context.Context, userId string) ([]Conversation, error) {
	conversations, err := d.store.ListConversationsForUser(ctx, userId)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(conversations))
	memberIds := make([]string, 0)
	for _, c := range conversations {
		ids = append(ids, c.Id)
		memberIds = append(memberIds, c.Members...)
	}

	unread, err := d.cache.UnreadCounts(ctx, userId, ids)
	if err != nil {
		// The cache is advisory; the list still renders without badges.
		d.logger.Warn("unread counts unavailable", "user", userId, "error", err)
		unread = nil
	}

	participants := d.resolveUsers(ctx, memberIds)
	for i := range conversations {
		conversations[i].UnreadCount = unread[conversations[i].Id]
		for _, uid := range conversations[i].Members {
			if user, ok := participants[uid]; ok {
				conversations[i].Participants = append(conversations[i].Participants, user)
			}
		}
	}
	return conversations, nil
}

func (d *directoryService) SearchUsers(ctx context.Context, query string) ([]User, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("empty search query: %w", ErrInvalidOperation)
	}
	models, err := d.store.SearchUsers(ctx, query)
	if err != nil {
		return nil, err
	}
	users := make([]User, 0, len(models))
	for _, m := range models {
		users = append(users, m.ConvertToDTO())
	}
	return users, nil
}

func (d *directoryService) resolveUsers(ctx context.Context, userIds []string) map[string]User {
	resolved := make(map[string]User)
	unique := dedupe(userIds)
	if len(unique) == 0 {
		return resolved
	}
	models, err := d.store.GetUsersByIds(ctx, unique)
	if err != nil {
		d.logger.Warn("could not expand conversation members", "error", err)
		return resolved
	}
	for _, m := range models {
		resolved[m.UID] = m.ConvertToDTO()
	}
	return resolved
}

func applyMembershipEdit(current, add, remove []string) []string {
	removed := make(map[string]bool, len(remove))
	for _, uid := range remove {
		removed[uid] = true
	}
	next := make([]string, 0, len(current)+len(add))
	for _, uid := range current {
		if !removed[uid] {
			next = append(next, uid)
		}
	}
	for _, uid := range add {
		if !removed[uid] {
			next = append(next, uid)
		}
	}
	return dedupe(next)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	return unique
}
