package api

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func newTestMessages(store *fakeStore, cache *fakeCache, sink *recordingSink) *messageService {
	m := NewMessageService(store, cache, sink, discardLogger()).(*messageService)
	m.clock = fixedClock(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC))
	m.newId = idSequence("msg")
	return m
}

func memberStore() *fakeStore {
	return &fakeStore{
		getConversation: func(ctx context.Context, id string) (Conversation, error) {
			return Conversation{Id: id, Members: []string{"adam", "zoe"}}, nil
		},
	}
}

func TestAppendValidatesContent(t *testing.T) {
	m := newTestMessages(&fakeStore{}, &fakeCache{}, &recordingSink{})

	tests := []struct {
		name  string
		input AppendInput
	}{
		{"text without body", AppendInput{ContentType: ContentTypeText}},
		{"attachment without ref", AppendInput{ContentType: ContentTypeAttachment}},
		{"unknown content type", AppendInput{ContentType: "video", Body: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Append(context.Background(), "c1", "adam", tt.input)
			if !errors.Is(err, ErrInvalidOperation) {
				t.Errorf("err = %v, want ErrInvalidOperation", err)
			}
		})
	}
}

func TestAppendRejectsNonMembers(t *testing.T) {
	m := newTestMessages(memberStore(), &fakeCache{}, &recordingSink{})

	_, err := m.Append(context.Background(), "c1", "mallory", AppendInput{Body: "hi"})
	if !errors.Is(err, ErrNotAMember) {
		t.Errorf("err = %v, want ErrNotAMember", err)
	}
}

func TestAppendEchoesCorrelationId(t *testing.T) {
	store := memberStore()
	store.appendMessage = func(ctx context.Context, message Message) (Message, error) {
		// The store assigns seq and never sees the correlation id.
		if message.CorrelationId != "" {
			t.Errorf("correlation id %q reached the store", message.CorrelationId)
		}
		message.Seq = 42
		return message, nil
	}
	sink := &recordingSink{}
	m := newTestMessages(store, &fakeCache{}, sink)

	message, err := m.Append(context.Background(), "c1", "adam", AppendInput{Body: "hi", CorrelationId: "corr-7"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if message.CorrelationId != "corr-7" {
		t.Errorf("response correlation id = %q, want corr-7", message.CorrelationId)
	}
	if message.Seq != 42 {
		t.Errorf("seq = %d, want the store-assigned 42", message.Seq)
	}
	if len(sink.events) != 1 {
		t.Fatalf("events = %d, want 1", len(sink.events))
	}
	event := sink.events[0]
	if event.Kind != EventMessageCreated {
		t.Errorf("kind = %q", event.Kind)
	}
	if event.Message == nil || event.Message.CorrelationId != "corr-7" {
		t.Error("fan-out event missing the correlation id echo")
	}
}

func TestAppendDefaultsToText(t *testing.T) {
	store := memberStore()
	store.appendMessage = func(ctx context.Context, message Message) (Message, error) {
		if message.ContentType != ContentTypeText {
			t.Errorf("contentType = %q, want text default", message.ContentType)
		}
		return message, nil
	}
	m := newTestMessages(store, &fakeCache{}, &recordingSink{})

	if _, err := m.Append(context.Background(), "c1", "adam", AppendInput{Body: "hi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestAppendSurvivesCacheFailure(t *testing.T) {
	store := memberStore()
	store.appendMessage = func(ctx context.Context, message Message) (Message, error) {
		return message, nil
	}
	cache := &fakeCache{touchErr: errors.New("firestore down")}
	m := newTestMessages(store, cache, &recordingSink{})

	if _, err := m.Append(context.Background(), "c1", "adam", AppendInput{Body: "hi"}); err != nil {
		t.Fatalf("cache failure must not fail the append, got %v", err)
	}
	if len(cache.touched) != 1 {
		t.Errorf("cache touches = %d, want 1", len(cache.touched))
	}
}

func TestToggleReactionNeedsEmoji(t *testing.T) {
	m := newTestMessages(&fakeStore{}, &fakeCache{}, &recordingSink{})
	if _, err := m.ToggleReaction(context.Background(), "m1", "adam", ""); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("err = %v, want ErrInvalidOperation", err)
	}
}

func TestToggleReactionMemberOnly(t *testing.T) {
	store := memberStore()
	store.getMessage = func(ctx context.Context, id string) (Message, error) {
		return Message{Id: id, ConversationId: "c1"}, nil
	}
	m := newTestMessages(store, &fakeCache{}, &recordingSink{})

	_, err := m.ToggleReaction(context.Background(), "m1", "mallory", "👍")
	if !errors.Is(err, ErrNotAMember) {
		t.Errorf("err = %v, want ErrNotAMember", err)
	}
}

func TestToggleReactionPublishesFullMessage(t *testing.T) {
	store := memberStore()
	store.getMessage = func(ctx context.Context, id string) (Message, error) {
		return Message{Id: id, ConversationId: "c1"}, nil
	}
	store.toggleReaction = func(ctx context.Context, messageId, userId, emoji string) (Message, error) {
		return Message{Id: messageId, ConversationId: "c1", Reactions: map[string]string{userId: emoji}}, nil
	}
	sink := &recordingSink{}
	m := newTestMessages(store, &fakeCache{}, sink)

	message, err := m.ToggleReaction(context.Background(), "m1", "adam", "👍")
	if err != nil {
		t.Fatalf("ToggleReaction: %v", err)
	}
	if message.Reactions["adam"] != "👍" {
		t.Errorf("reactions = %v", message.Reactions)
	}
	if len(sink.events) != 1 || sink.events[0].Kind != EventReactionChanged {
		t.Errorf("events = %+v, want one reactionChanged", sink.events)
	}
}

func TestMarkSeenPublishesOnlyFirstTime(t *testing.T) {
	already := false
	store := memberStore()
	store.getMessage = func(ctx context.Context, id string) (Message, error) {
		return Message{Id: id, ConversationId: "c1"}, nil
	}
	store.markSeen = func(ctx context.Context, messageId, userId string, seenAt time.Time) (Message, bool, error) {
		wasAlready := already
		already = true
		return Message{Id: messageId, ConversationId: "c1"}, wasAlready, nil
	}
	sink := &recordingSink{}
	m := newTestMessages(store, &fakeCache{}, sink)

	first, err := m.MarkSeen(context.Background(), "m1", "zoe")
	if err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	second, err := m.MarkSeen(context.Background(), "m1", "zoe")
	if err != nil {
		t.Fatalf("MarkSeen repeat: %v", err)
	}
	if first.AlreadySeen || !second.AlreadySeen {
		t.Errorf("alreadySeen = %v,%v, want false,true", first.AlreadySeen, second.AlreadySeen)
	}
	if len(sink.events) != 1 || sink.events[0].Kind != EventSeenChanged {
		t.Errorf("events = %+v, want exactly one seenChanged", sink.events)
	}
}

func TestListForConversationMemberOnly(t *testing.T) {
	m := newTestMessages(memberStore(), &fakeCache{}, &recordingSink{})
	_, err := m.ListForConversation(context.Background(), "c1", "mallory", "", 0)
	if !errors.Is(err, ErrNotAMember) {
		t.Errorf("err = %v, want ErrNotAMember", err)
	}
}

func TestListForConversationRejectsBadCursor(t *testing.T) {
	m := newTestMessages(memberStore(), &fakeCache{}, &recordingSink{})
	_, err := m.ListForConversation(context.Background(), "c1", "adam", "not base64!!", 0)
	if !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("err = %v, want ErrInvalidOperation", err)
	}
}

func TestListForConversationPagination(t *testing.T) {
	store := memberStore()
	store.listMessages = func(ctx context.Context, conversationId string, afterSeq int64, limit int) ([]Message, error) {
		messages := make([]Message, limit)
		for i := range messages {
			messages[i] = Message{Seq: afterSeq + int64(i) + 1}
		}
		return messages, nil
	}
	m := newTestMessages(store, &fakeCache{}, &recordingSink{})

	page, err := m.ListForConversation(context.Background(), "c1", "adam", "", 3)
	if err != nil {
		t.Fatalf("ListForConversation: %v", err)
	}
	if page.NextCursor == "" {
		t.Fatal("full page should carry a next cursor")
	}

	next, err := m.ListForConversation(context.Background(), "c1", "adam", page.NextCursor, 3)
	if err != nil {
		t.Fatalf("ListForConversation with cursor: %v", err)
	}
	if next.Messages[0].Seq != 4 {
		t.Errorf("second page starts at seq %d, want 4", next.Messages[0].Seq)
	}
}

func TestListForConversationShortPageEndsListing(t *testing.T) {
	store := memberStore()
	store.listMessages = func(ctx context.Context, conversationId string, afterSeq int64, limit int) ([]Message, error) {
		return []Message{{Seq: 1}}, nil
	}
	m := newTestMessages(store, &fakeCache{}, &recordingSink{})

	page, err := m.ListForConversation(context.Background(), "c1", "adam", "", 10)
	if err != nil {
		t.Fatalf("ListForConversation: %v", err)
	}
	if page.NextCursor != "" {
		t.Errorf("short page carries cursor %q", page.NextCursor)
	}
}

func TestNormalizeLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, defaultPageSize},
		{-1, defaultPageSize},
		{10, 10},
		{maxPageSize, maxPageSize},
		{maxPageSize + 1, defaultPageSize},
	}
	for _, tt := range tests {
		if got := normalizeLimit(tt.in); got != tt.want {
			t.Errorf("normalizeLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestCursorRoundTrip(t *testing.T) {
	for _, seq := range []int64{0, 1, 42, 1 << 40} {
		got, err := decodeCursor(EncodeCursor(seq))
		if err != nil {
			t.Fatalf("decodeCursor(%d): %v", seq, err)
		}
		if got != seq {
			t.Errorf("round trip %d -> %d", seq, got)
		}
	}
	if seq, err := decodeCursor(""); err != nil || seq != 0 {
		t.Errorf("empty cursor = %d,%v, want 0,nil", seq, err)
	}
}

func TestPreview(t *testing.T) {
	long := make([]byte, previewLimit+50)
	for i := range long {
		long[i] = 'a'
	}

	if got := Preview(Message{ContentType: ContentTypeAttachment, AttachmentRef: "s3://x"}); got != "[attachment]" {
		t.Errorf("attachment preview = %q", got)
	}
	if got := Preview(Message{ContentType: ContentTypeText, Body: "hello"}); got != "hello" {
		t.Errorf("short preview = %q", got)
	}
	if got := Preview(Message{ContentType: ContentTypeText, Body: string(long)}); len(got) != previewLimit {
		t.Errorf("long preview length = %d, want %d", len(got), previewLimit)
	}
}

func TestPreviewNeverSplitsRunes(t *testing.T) {
	// One ASCII byte followed by 3-byte runes puts every rune boundary off
	// the truncation limit.
	body := "a" + strings.Repeat("€", 60)

	got := Preview(Message{ContentType: ContentTypeText, Body: body})
	if len(got) > previewLimit {
		t.Errorf("preview length = %d, want at most %d", len(got), previewLimit)
	}
	if !utf8.ValidString(got) {
		t.Errorf("preview is not valid UTF-8: %q", got)
	}
}
