package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/georgysavva/scany/pgxscan"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"chatSync/pkg/api"
)

// Storage is the Postgres-backed authoritative store. Sequence assignment is
// serialized per conversation by the row update inside AppendMessage's
// transaction; direct-pair and join-code uniqueness are schema constraints.
type Storage struct {
	db *pgxpool.Pool
}

func NewStorage(db *pgxpool.Pool) *Storage {
	return &Storage{db: db}
}

type conversationRow struct {
	Id                 string     `db:"id"`
	IsGroup            bool       `db:"is_group"`
	Name               *string    `db:"name"`
	JoinCode           *string    `db:"join_code"`
	CreatorId          string     `db:"creator_id"`
	Version            int64      `db:"version"`
	CreatedAt          time.Time  `db:"created_at"`
	LastMessagePreview *string    `db:"last_message_preview"`
	LastMessageSender  *string    `db:"last_message_sender"`
	LastMessageAt      *time.Time `db:"last_message_at"`
}

type messageRow struct {
	Id             string    `db:"id"`
	ConversationId string    `db:"conversation_id"`
	Seq            int64     `db:"seq"`
	SenderId       string    `db:"sender_id"`
	ContentType    string    `db:"content_type"`
	Body           *string   `db:"body"`
	AttachmentRef  *string   `db:"attachment_ref"`
	CreatedAt      time.Time `db:"created_at"`
}

type reactionRow struct {
	MessageId string `db:"message_id"`
	UserId    string `db:"user_id"`
	Emoji     string `db:"emoji"`
}

type seenRow struct {
	MessageId   string    `db:"message_id"`
	UserId      string    `db:"user_id"`
	FirstSeenAt time.Time `db:"first_seen_at"`
}

const conversationColumns = `id, is_group, name, join_code, creator_id, version, created_at,
	last_message_preview, last_message_sender, last_message_at`

const messageColumns = `id, conversation_id, seq, sender_id, content_type, body, attachment_ref, created_at`

func (s *Storage) GetConversation(ctx context.Context, conversationId string) (api.Conversation, error) {
	var row conversationRow
	err := pgxscan.Get(ctx, s.db, &row,
		`SELECT `+conversationColumns+` FROM conversation WHERE id = $1`, conversationId)
	if err != nil {
		return api.Conversation{}, mapNoRows(err, "conversation")
	}
	members, err := s.loadMembers(ctx, conversationId)
	if err != nil {
		return api.Conversation{}, err
	}
	return row.toConversation(members), nil
}

func (s *Storage) FindOrCreateDirect(ctx context.Context, conversation api.Conversation) (api.Conversation, bool, error) {
	directKey := conversation.Members[0] + ":" + conversation.Members[1]

	var created api.Conversation
	var inserted bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var row conversationRow
		err := pgxscan.Get(ctx, tx, &row, `
			INSERT INTO conversation (id, is_group, creator_id, direct_key, version, created_at)
			VALUES ($1, false, $2, $3, $4, $5)
			ON CONFLICT (direct_key) DO NOTHING
			RETURNING `+conversationColumns,
			conversation.Id, conversation.CreatorId, directKey, conversation.Version, conversation.CreatedAt)
		if err == nil {
			inserted = true
			if err := insertMembers(ctx, tx, row.Id, conversation.Members); err != nil {
				return err
			}
			created = row.toConversation(conversation.Members)
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		// Lost the race or the pair already existed: return the winner.
		if err := pgxscan.Get(ctx, tx, &row,
			`SELECT `+conversationColumns+` FROM conversation WHERE direct_key = $1`, directKey); err != nil {
			return mapNoRows(err, "conversation")
		}
		members, err := loadMembersTx(ctx, tx, row.Id)
		if err != nil {
			return err
		}
		created = row.toConversation(members)
		return nil
	})
	if err != nil {
		return api.Conversation{}, false, err
	}
	return created, inserted, nil
}

func (s *Storage) CreateGroup(ctx context.Context, conversation api.Conversation) (api.Conversation, error) {
	var created api.Conversation
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var row conversationRow
		err := pgxscan.Get(ctx, tx, &row, `
			INSERT INTO conversation (id, is_group, name, join_code, creator_id, version, created_at)
			VALUES ($1, true, $2, $3, $4, $5, $6)
			RETURNING `+conversationColumns,
			conversation.Id, conversation.Name, conversation.JoinCode, conversation.CreatorId,
			conversation.Version, conversation.CreatedAt)
		if err != nil {
			return err
		}
		if err := insertMembers(ctx, tx, row.Id, conversation.Members); err != nil {
			return err
		}
		created = row.toConversation(conversation.Members)
		return nil
	})
	if err != nil {
		return api.Conversation{}, err
	}
	return created, nil
}

func (s *Storage) FindGroupByJoinCode(ctx context.Context, joinCode string) (api.Conversation, error) {
	var row conversationRow
	err := pgxscan.Get(ctx, s.db, &row,
		`SELECT `+conversationColumns+` FROM conversation WHERE join_code = $1`, joinCode)
	if err != nil {
		return api.Conversation{}, mapNoRows(err, "join code")
	}
	members, err := s.loadMembers(ctx, row.Id)
	if err != nil {
		return api.Conversation{}, err
	}
	return row.toConversation(members), nil
}

// ReplaceMembers swaps the member set and name under a version check. A
// stale version is reported as api.ErrVersionConflict so callers can re-read
// and retry instead of losing updates.
func (s *Storage) ReplaceMembers(ctx context.Context, conversationId string, version int64, members []string, name string) (api.Conversation, error) {
	var updated api.Conversation
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var row conversationRow
		err := pgxscan.Get(ctx, tx, &row, `
			UPDATE conversation
			SET version = version + 1, name = COALESCE(NULLIF($3, ''), name)
			WHERE id = $1 AND version = $2
			RETURNING `+conversationColumns,
			conversationId, version, name)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM conversation WHERE id = $1)`, conversationId).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("conversation %s: %w", conversationId, api.ErrNotFound)
			}
			return fmt.Errorf("conversation %s at version %d: %w", conversationId, version, api.ErrVersionConflict)
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM conversation_member WHERE conversation_id = $1`, conversationId); err != nil {
			return err
		}
		if err := insertMembers(ctx, tx, conversationId, members); err != nil {
			return err
		}
		updated = row.toConversation(members)
		return nil
	})
	if err != nil {
		return api.Conversation{}, err
	}
	return updated, nil
}

func (s *Storage) ListConversationsForUser(ctx context.Context, userId string) ([]api.Conversation, error) {
	var rows []conversationRow
	err := pgxscan.Select(ctx, s.db, &rows, `
		SELECT `+prefixColumns("c", conversationColumns)+`
		FROM conversation c
		JOIN conversation_member m ON m.conversation_id = c.id
		WHERE m.user_id = $1
		ORDER BY c.last_message_at DESC NULLS LAST, c.created_at DESC`, userId)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.Id)
	}
	var memberRows []struct {
		ConversationId string `db:"conversation_id"`
		UserId         string `db:"user_id"`
	}
	if err := pgxscan.Select(ctx, s.db, &memberRows, `
		SELECT conversation_id, user_id FROM conversation_member
		WHERE conversation_id = ANY($1)
		ORDER BY user_id`, ids); err != nil {
		return nil, err
	}
	membersByConv := make(map[string][]string, len(rows))
	for _, m := range memberRows {
		membersByConv[m.ConversationId] = append(membersByConv[m.ConversationId], m.UserId)
	}

	conversations := make([]api.Conversation, 0, len(rows))
	for _, row := range rows {
		conversations = append(conversations, row.toConversation(membersByConv[row.Id]))
	}
	return conversations, nil
}

// AppendMessage assigns the next per-conversation sequence number, inserts
// the message and refreshes the conversation's last-message summary, all in
// one transaction. The conversation row update serializes concurrent appends.
func (s *Storage) AppendMessage(ctx context.Context, message api.Message) (api.Message, error) {
	saved := message
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE conversation
			SET last_seq = last_seq + 1,
			    last_message_preview = $2,
			    last_message_sender = $3,
			    last_message_at = $4
			WHERE id = $1
			RETURNING last_seq`,
			message.ConversationId, api.Preview(message), message.SenderId, message.CreatedAt,
		).Scan(&saved.Seq)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("conversation %s: %w", message.ConversationId, api.ErrNotFound)
		}
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO message (id, conversation_id, seq, sender_id, content_type, body, attachment_ref, created_at)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)`,
			saved.Id, saved.ConversationId, saved.Seq, saved.SenderId, saved.ContentType,
			saved.Body, saved.AttachmentRef, saved.CreatedAt)
		return err
	})
	if err != nil {
		return api.Message{}, err
	}
	return saved, nil
}

func (s *Storage) GetMessage(ctx context.Context, messageId string) (api.Message, error) {
	var row messageRow
	err := pgxscan.Get(ctx, s.db, &row,
		`SELECT `+messageColumns+` FROM message WHERE id = $1`, messageId)
	if err != nil {
		return api.Message{}, mapNoRows(err, "message")
	}
	return s.hydrateMessages(ctx, []messageRow{row})
}

func (s *Storage) ListMessages(ctx context.Context, conversationId string, afterSeq int64, limit int) ([]api.Message, error) {
	var rows []messageRow
	err := pgxscan.Select(ctx, s.db, &rows, `
		SELECT `+messageColumns+` FROM message
		WHERE conversation_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`, conversationId, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	return s.hydrateAll(ctx, rows)
}

// ToggleReaction removes the user's reaction when it already equals emoji,
// otherwise replaces it. The row lock serializes toggles from the same user.
func (s *Storage) ToggleReaction(ctx context.Context, messageId, userId, emoji string) (api.Message, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM message WHERE id = $1)`, messageId).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("message %s: %w", messageId, api.ErrNotFound)
		}

		var current string
		err := tx.QueryRow(ctx, `
			SELECT emoji FROM message_reaction
			WHERE message_id = $1 AND user_id = $2
			FOR UPDATE`, messageId, userId).Scan(&current)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			// Two first-time toggles from the same user can both miss the
			// FOR UPDATE read; the conflict clause lets the loser land as a
			// last-write-wins update instead of a key violation.
			_, err = tx.Exec(ctx, `
				INSERT INTO message_reaction (message_id, user_id, emoji)
				VALUES ($1, $2, $3)
				ON CONFLICT (message_id, user_id) DO UPDATE SET emoji = EXCLUDED.emoji`,
				messageId, userId, emoji)
			return err
		case err != nil:
			return err
		case current == emoji:
			_, err = tx.Exec(ctx, `
				DELETE FROM message_reaction WHERE message_id = $1 AND user_id = $2`,
				messageId, userId)
			return err
		default:
			_, err = tx.Exec(ctx, `
				UPDATE message_reaction SET emoji = $3 WHERE message_id = $1 AND user_id = $2`,
				messageId, userId, emoji)
			return err
		}
	})
	if err != nil {
		return api.Message{}, err
	}
	return s.GetMessage(ctx, messageId)
}

// MarkSeen inserts a first-seen receipt if absent. The primary key makes the
// insert idempotent: redundant calls neither duplicate the entry nor move
// the timestamp.
func (s *Storage) MarkSeen(ctx context.Context, messageId, userId string, seenAt time.Time) (api.Message, bool, error) {
	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM message WHERE id = $1)`, messageId).Scan(&exists); err != nil {
		return api.Message{}, false, err
	}
	if !exists {
		return api.Message{}, false, fmt.Errorf("message %s: %w", messageId, api.ErrNotFound)
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO message_seen (message_id, user_id, first_seen_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id) DO NOTHING`,
		messageId, userId, seenAt)
	if err != nil {
		return api.Message{}, false, err
	}
	alreadySeen := tag.RowsAffected() == 0

	message, err := s.GetMessage(ctx, messageId)
	if err != nil {
		return api.Message{}, false, err
	}
	return message, alreadySeen, nil
}

func (s *Storage) GetUsersByIds(ctx context.Context, userIds []string) ([]*api.UserModel, error) {
	var users []*api.UserModel
	if err := pgxscan.Select(ctx, s.db, &users,
		`SELECT * FROM user_account WHERE uid = ANY($1)`, userIds); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Storage) SearchUsers(ctx context.Context, query string) ([]*api.UserModel, error) {
	var users []*api.UserModel
	if err := pgxscan.Select(ctx, s.db, &users,
		`SELECT * FROM user_account WHERE username ILIKE '%' || $1 || '%' ORDER BY username LIMIT 25`,
		query); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Storage) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// hydrateMessages attaches reactions and seen receipts to a single message.
func (s *Storage) hydrateMessages(ctx context.Context, rows []messageRow) (api.Message, error) {
	messages, err := s.hydrateAll(ctx, rows)
	if err != nil {
		return api.Message{}, err
	}
	return messages[0], nil
}

func (s *Storage) hydrateAll(ctx context.Context, rows []messageRow) ([]api.Message, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.Id)
	}

	var reactions []reactionRow
	if err := pgxscan.Select(ctx, s.db, &reactions,
		`SELECT message_id, user_id, emoji FROM message_reaction WHERE message_id = ANY($1)`, ids); err != nil {
		return nil, err
	}
	reactionsByMsg := make(map[string]map[string]string)
	for _, r := range reactions {
		if reactionsByMsg[r.MessageId] == nil {
			reactionsByMsg[r.MessageId] = make(map[string]string)
		}
		reactionsByMsg[r.MessageId][r.UserId] = r.Emoji
	}

	var seen []seenRow
	if err := pgxscan.Select(ctx, s.db, &seen, `
		SELECT message_id, user_id, first_seen_at FROM message_seen
		WHERE message_id = ANY($1)
		ORDER BY first_seen_at`, ids); err != nil {
		return nil, err
	}
	seenByMsg := make(map[string][]api.SeenReceipt)
	for _, r := range seen {
		seenByMsg[r.MessageId] = append(seenByMsg[r.MessageId], api.SeenReceipt{
			UserId:      r.UserId,
			FirstSeenAt: r.FirstSeenAt,
		})
	}

	messages := make([]api.Message, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, api.Message{
			Id:             row.Id,
			Seq:            row.Seq,
			ConversationId: row.ConversationId,
			SenderId:       row.SenderId,
			ContentType:    row.ContentType,
			Body:           deref(row.Body),
			AttachmentRef:  deref(row.AttachmentRef),
			CreatedAt:      row.CreatedAt,
			Reactions:      reactionsByMsg[row.Id],
			SeenBy:         seenByMsg[row.Id],
		})
	}
	return messages, nil
}

func (s *Storage) loadMembers(ctx context.Context, conversationId string) ([]string, error) {
	var members []string
	if err := pgxscan.Select(ctx, s.db, &members, `
		SELECT user_id FROM conversation_member
		WHERE conversation_id = $1
		ORDER BY user_id`, conversationId); err != nil {
		return nil, err
	}
	return members, nil
}

func loadMembersTx(ctx context.Context, tx pgx.Tx, conversationId string) ([]string, error) {
	var members []string
	if err := pgxscan.Select(ctx, tx, &members, `
		SELECT user_id FROM conversation_member
		WHERE conversation_id = $1
		ORDER BY user_id`, conversationId); err != nil {
		return nil, err
	}
	return members, nil
}

func insertMembers(ctx context.Context, tx pgx.Tx, conversationId string, members []string) error {
	for _, uid := range members {
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversation_member (conversation_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, conversationId, uid); err != nil {
			return err
		}
	}
	return nil
}

func (r conversationRow) toConversation(members []string) api.Conversation {
	conversation := api.Conversation{
		Id:        r.Id,
		IsGroup:   r.IsGroup,
		Name:      deref(r.Name),
		JoinCode:  deref(r.JoinCode),
		CreatorId: r.CreatorId,
		Members:   members,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
	}
	if r.LastMessageAt != nil {
		conversation.LastMessage = &api.LastMessage{
			Preview:  deref(r.LastMessagePreview),
			SenderId: deref(r.LastMessageSender),
			SentAt:   *r.LastMessageAt,
		}
	}
	return conversation
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func mapNoRows(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, api.ErrNotFound)
	}
	return err
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
