package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	jsonPatch "github.com/evanphx/json-patch/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"chatSync/pkg/api"
)

// UserCache keeps per-user conversation state (unread counters, prefs) in
// Firestore under users/{uid}/conversations/{conversationId}. It is a
// denormalized cache, never the source of truth.
type UserCache struct {
	client *firestore.Client
}

func NewUserCache(client *firestore.Client) *UserCache {
	return &UserCache{client: client}
}

func (c *UserCache) doc(userId, conversationId string) *firestore.DocumentRef {
	return c.client.Collection("users").Doc(userId).Collection("conversations").Doc(conversationId)
}

func (c *UserCache) TouchOnMessage(ctx context.Context, conversationId string, memberIds []string, senderId string, at time.Time) error {
	batch := c.client.Batch()
	for _, uid := range memberIds {
		increment := 0
		if uid != senderId {
			increment = 1
		}
		batch.Set(c.doc(uid, conversationId), map[string]interface{}{
			"unreadCount": firestore.Increment(increment),
			"lastUpdated": at,
		}, firestore.MergeAll)
	}
	_, err := batch.Commit(ctx)
	return err
}

func (c *UserCache) ResetUnread(ctx context.Context, userId, conversationId string) error {
	_, err := c.doc(userId, conversationId).Update(ctx, []firestore.Update{
		{Path: "unreadCount", Value: 0},
	})
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("user conversation %s: %w", conversationId, api.ErrNotFound)
	}
	return err
}

// ApplyPrefsPatch applies an RFC 6902 patch to the user's conversation doc.
// Only prefs travel this path; counters are owned by the message flow.
func (c *UserCache) ApplyPrefsPatch(ctx context.Context, userId, conversationId string, patch []byte) (api.UserConversation, error) {
	decoded, err := jsonPatch.DecodePatch(patch)
	if err != nil {
		return api.UserConversation{}, fmt.Errorf("decoding patch: %w", api.ErrInvalidOperation)
	}

	snap, err := c.doc(userId, conversationId).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return api.UserConversation{}, fmt.Errorf("user conversation %s: %w", conversationId, api.ErrNotFound)
	}
	if err != nil {
		return api.UserConversation{}, err
	}

	var state api.UserConversation
	if err := snap.DataTo(&state); err != nil {
		return api.UserConversation{}, err
	}

	encoded, err := json.Marshal(state)
	if err != nil {
		return api.UserConversation{}, err
	}
	encoded, err = decoded.Apply(encoded)
	if err != nil {
		return api.UserConversation{}, fmt.Errorf("applying patch: %w", api.ErrInvalidOperation)
	}
	if err := json.Unmarshal(encoded, &state); err != nil {
		return api.UserConversation{}, err
	}

	if _, err := snap.Ref.Set(ctx, state); err != nil {
		return api.UserConversation{}, err
	}
	return state, nil
}

func (c *UserCache) UnreadCounts(ctx context.Context, userId string, conversationIds []string) (map[string]int, error) {
	if len(conversationIds) == 0 {
		return map[string]int{}, nil
	}
	refs := make([]*firestore.DocumentRef, 0, len(conversationIds))
	for _, id := range conversationIds {
		refs = append(refs, c.doc(userId, id))
	}
	snaps, err := c.client.GetAll(ctx, refs)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(snaps))
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		var state api.UserConversation
		if err := snap.DataTo(&state); err != nil {
			continue
		}
		counts[snap.Ref.ID] = state.UnreadCount
	}
	return counts, nil
}
