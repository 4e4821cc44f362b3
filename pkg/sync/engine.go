package sync

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"chatSync/pkg/api"
)

const (
	defaultPendingTimeout = 15 * time.Second
	pendingCheckInterval  = time.Second
	fetchLimit            = 200
)

type EntryState int

const (
	EntryPending EntryState = iota
	EntryConfirmed
	EntryFailed
)

// Entry is one row of a conversation projection: either a server-confirmed
// message or a local optimistic placeholder awaiting reconciliation.
type Entry struct {
	Message       api.Message
	State         EntryState
	CorrelationId string
	QueuedAt      time.Time
}

type ViewState int

const (
	ViewIdle ViewState = iota
	ViewLoading
	ViewSynced
	ViewClosed
)

type view struct {
	state       ViewState
	entries     []Entry
	focused     bool
	seenEmitted map[string]bool
	lastSeq     int64
}

// Engine keeps a per-client projection of the message log consistent with
// the server: optimistic inserts on send, correlation-id reconciliation
// against confirmed events, seen-receipt emission and reconnect recovery.
//
// All state lives on a single goroutine; public methods hand closures to the
// loop, so no locking is needed and every merge is one atomic step.
type Engine struct {
	backend Backend
	channel Channel
	userId  string
	logger  *slog.Logger

	clock            func() time.Time
	newCorrelationId func() string
	pendingTimeout   time.Duration

	actions chan func()
	done    chan struct{}

	views     map[string]*view
	summaries map[string]api.Conversation
}

func NewEngine(backend Backend, channel Channel, userId string, logger *slog.Logger) *Engine {
	return &Engine{
		backend:          backend,
		channel:          channel,
		userId:           userId,
		logger:           logger,
		clock:            time.Now,
		newCorrelationId: uuid.NewString,
		pendingTimeout:   defaultPendingTimeout,
		actions:          make(chan func(), 16),
		done:             make(chan struct{}),
		views:            make(map[string]*view),
		summaries:        make(map[string]api.Conversation),
	}
}

// Start launches the event loop.
func (e *Engine) Start() {
	go e.run()
}

func (e *Engine) Stop() {
	close(e.done)
}

func (e *Engine) run() {
	ticker := time.NewTicker(pendingCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case fn := <-e.actions:
			fn()
		case ev, ok := <-e.channel.Events():
			if !ok {
				return
			}
			e.handleChannelEvent(ev)
		case now := <-ticker.C:
			e.expirePending(now)
		}
	}
}

// do runs fn on the engine goroutine and waits for it.
func (e *Engine) do(fn func()) {
	doneCh := make(chan struct{})
	select {
	case e.actions <- func() { fn(); close(doneCh) }:
	case <-e.done:
		return
	}
	select {
	case <-doneCh:
	case <-e.done:
	}
}

// RefreshDirectory loads the conversation list projection.
func (e *Engine) RefreshDirectory(ctx context.Context) error {
	conversations, err := e.backend.ListConversations(ctx)
	if err != nil {
		return err
	}
	e.do(func() {
		for _, c := range conversations {
			e.summaries[c.Id] = c
		}
	})
	return nil
}

// OpenConversation joins the conversation's room and loads its log. The view
// starts focused; seen receipts are emitted for everything not authored
// locally.
func (e *Engine) OpenConversation(ctx context.Context, conversationId string) error {
	e.do(func() {
		if _, ok := e.views[conversationId]; !ok {
			e.views[conversationId] = &view{state: ViewLoading, focused: true, seenEmitted: make(map[string]bool)}
		}
	})

	if err := e.channel.Join(conversationId); err != nil {
		e.logger.Warn("room join failed, will retry on reconnect", "conversation", conversationId, "error", err)
	}

	page, err := e.backend.ListMessages(ctx, conversationId, "", fetchLimit)
	if err != nil {
		e.do(func() { delete(e.views, conversationId) })
		return err
	}

	e.do(func() {
		v, ok := e.views[conversationId]
		if !ok || v.state == ViewClosed {
			return
		}
		for i := range page.Messages {
			e.applyMessage(conversationId, v, page.Messages[i])
		}
		v.state = ViewSynced
	})
	return nil
}

// CloseConversation leaves the room and drops the projection. Terminal for
// this view; the conversation keeps flowing into the directory summary only.
func (e *Engine) CloseConversation(conversationId string) {
	e.do(func() {
		if v, ok := e.views[conversationId]; ok {
			v.state = ViewClosed
		}
		delete(e.views, conversationId)
	})
	if err := e.channel.Leave(conversationId); err != nil {
		e.logger.Debug("room leave failed", "conversation", conversationId, "error", err)
	}
}

// Send inserts an optimistic entry immediately and issues the durable append
// in the background. Returns the correlation id identifying the entry, empty
// when the conversation has no open view: without a view there is no entry to
// reconcile or to surface a failure on, so nothing is sent.
func (e *Engine) Send(ctx context.Context, conversationId, body string) string {
	correlationId := e.newCorrelationId()

	inserted := false
	e.do(func() {
		v, ok := e.views[conversationId]
		if !ok {
			return
		}
		inserted = true
		v.entries = append(v.entries, Entry{
			Message: api.Message{
				ConversationId: conversationId,
				SenderId:       e.userId,
				ContentType:    api.ContentTypeText,
				Body:           body,
				CorrelationId:  correlationId,
				CreatedAt:      e.clock(),
			},
			State:         EntryPending,
			CorrelationId: correlationId,
			QueuedAt:      e.clock(),
		})
	})
	if !inserted {
		e.logger.Warn("send dropped, conversation not open", "conversation", conversationId)
		return ""
	}

	go e.deliver(ctx, conversationId, correlationId, api.AppendInput{
		CorrelationId: correlationId,
		ContentType:   api.ContentTypeText,
		Body:          body,
	})
	return correlationId
}

// RetrySend re-issues the durable append for a failed entry. Failed drafts
// are only ever re-sent on explicit request, never automatically.
func (e *Engine) RetrySend(ctx context.Context, conversationId, correlationId string) bool {
	var input api.AppendInput
	found := false
	e.do(func() {
		v, ok := e.views[conversationId]
		if !ok {
			return
		}
		for i := range v.entries {
			entry := &v.entries[i]
			if entry.CorrelationId == correlationId && entry.State == EntryFailed {
				entry.State = EntryPending
				entry.QueuedAt = e.clock()
				input = api.AppendInput{
					CorrelationId: correlationId,
					ContentType:   entry.Message.ContentType,
					Body:          entry.Message.Body,
					AttachmentRef: entry.Message.AttachmentRef,
				}
				found = true
				return
			}
		}
	})
	if !found {
		return false
	}
	go e.deliver(ctx, conversationId, correlationId, input)
	return true
}

func (e *Engine) deliver(ctx context.Context, conversationId, correlationId string, input api.AppendInput) {
	message, err := e.backend.Append(ctx, conversationId, input)
	e.do(func() {
		v, ok := e.views[conversationId]
		if !ok {
			return
		}
		if err != nil {
			// Never silently dropped: the draft stays visible with a retry
			// affordance.
			e.logger.Warn("send failed", "conversation", conversationId, "error", err)
			for i := range v.entries {
				if v.entries[i].CorrelationId == correlationId && v.entries[i].State == EntryPending {
					v.entries[i].State = EntryFailed
				}
			}
			return
		}
		e.applyMessage(conversationId, v, message)
	})
}

// ToggleReaction issues the durable call and merges the returned message; the
// room event delivers the same update to other devices.
func (e *Engine) ToggleReaction(ctx context.Context, messageId, emoji string) error {
	message, err := e.backend.ToggleReaction(ctx, messageId, emoji)
	if err != nil {
		return err
	}
	e.do(func() {
		if v, ok := e.views[message.ConversationId]; ok {
			e.replaceById(v, message)
		}
	})
	return nil
}

// SetFocused flips view focus. Gaining focus runs a seen pass; the emitted
// set keeps repeated focus events from re-sending receipts.
func (e *Engine) SetFocused(conversationId string, focused bool) {
	e.do(func() {
		v, ok := e.views[conversationId]
		if !ok {
			return
		}
		v.focused = focused
		if focused {
			for i := range v.entries {
				entry := v.entries[i]
				if entry.State == EntryConfirmed {
					e.emitSeen(v, entry.Message)
				}
			}
		}
	})
}

// Entries returns a copy of the projection for rendering, confirmed messages
// in server order followed by in-flight and failed drafts.
func (e *Engine) Entries(conversationId string) []Entry {
	var entries []Entry
	e.do(func() {
		if v, ok := e.views[conversationId]; ok {
			entries = append(entries, v.entries...)
		}
	})
	return entries
}

// ViewStateOf reports the current state of a conversation view.
func (e *Engine) ViewStateOf(conversationId string) ViewState {
	state := ViewIdle
	e.do(func() {
		if v, ok := e.views[conversationId]; ok {
			state = v.state
		}
	})
	return state
}

// Conversations returns the directory projection, most recent activity first.
func (e *Engine) Conversations() []api.Conversation {
	var conversations []api.Conversation
	e.do(func() {
		for _, c := range e.summaries {
			conversations = append(conversations, c)
		}
	})
	sort.Slice(conversations, func(i, j int) bool {
		ti, tj := summaryTime(conversations[i]), summaryTime(conversations[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return conversations[i].CreatedAt.After(conversations[j].CreatedAt)
	})
	return conversations
}

func summaryTime(c api.Conversation) time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.SentAt
	}
	return c.CreatedAt
}

func (e *Engine) handleChannelEvent(ev ChannelEvent) {
	if ev.Reconnected {
		e.recover()
		return
	}
	if ev.Event == nil {
		return
	}
	event := *ev.Event

	switch event.Kind {
	case api.EventMessageCreated:
		if event.Message == nil {
			return
		}
		e.bumpSummary(event.ConversationId, *event.Message)
		if v, ok := e.views[event.ConversationId]; ok {
			e.applyMessage(event.ConversationId, v, *event.Message)
		}

	case api.EventReactionChanged, api.EventSeenChanged:
		if event.Message == nil {
			return
		}
		if v, ok := e.views[event.ConversationId]; ok {
			e.replaceById(v, *event.Message)
		}

	case api.EventConversationUpdated:
		if event.Conversation == nil {
			return
		}
		conversation := *event.Conversation
		if !conversation.HasMember(e.userId) {
			// Removed from the conversation: drop it everywhere.
			delete(e.summaries, conversation.Id)
			delete(e.views, conversation.Id)
			go func() { _ = e.channel.Leave(conversation.Id) }()
			return
		}
		if previous, ok := e.summaries[conversation.Id]; ok {
			conversation.UnreadCount = previous.UnreadCount
		}
		e.summaries[conversation.Id] = conversation
	}
}

// recover re-joins every open room and re-fetches what the channel missed
// while disconnected; there is no event replay.
func (e *Engine) recover() {
	for conversationId, v := range e.views {
		id, cursor := conversationId, api.EncodeCursor(v.lastSeq)
		go func() {
			if err := e.channel.Join(id); err != nil {
				e.logger.Warn("room re-join failed", "conversation", id, "error", err)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), channelWriteWait)
			defer cancel()
			page, err := e.backend.ListMessages(ctx, id, cursor, fetchLimit)
			if err != nil {
				e.logger.Warn("post-reconnect fetch failed", "conversation", id, "error", err)
				return
			}
			e.do(func() {
				v, ok := e.views[id]
				if !ok {
					return
				}
				for i := range page.Messages {
					e.applyMessage(id, v, page.Messages[i])
				}
			})
		}()
	}
}

// applyMessage merges one server-confirmed message into a view: reconcile by
// correlation id first, then by message id, else append. Entries are always
// re-sorted by server sequence, never by arrival order.
func (e *Engine) applyMessage(conversationId string, v *view, message api.Message) {
	merged := false

	if message.CorrelationId != "" {
		for i := range v.entries {
			entry := &v.entries[i]
			if entry.CorrelationId == message.CorrelationId && entry.State != EntryConfirmed {
				entry.Message = message
				entry.State = EntryConfirmed
				merged = true
				break
			}
		}
	}
	if !merged {
		merged = e.replaceById(v, message)
	}
	if !merged {
		v.entries = append(v.entries, Entry{
			Message:       message,
			State:         EntryConfirmed,
			CorrelationId: message.CorrelationId,
		})
	}

	if message.Seq > v.lastSeq {
		v.lastSeq = message.Seq
	}
	e.resort(v)
	e.bumpSummary(conversationId, message)

	if message.SenderId != e.userId && v.focused {
		e.emitSeen(v, message)
	}
}

// replaceById swaps the stored copy of a message wholesale. Events carry the
// full entity, so no patching.
func (e *Engine) replaceById(v *view, message api.Message) bool {
	if message.Id == "" {
		return false
	}
	for i := range v.entries {
		if v.entries[i].Message.Id == message.Id {
			correlationId := v.entries[i].CorrelationId
			v.entries[i].Message = message
			v.entries[i].State = EntryConfirmed
			v.entries[i].CorrelationId = correlationId
			return true
		}
	}
	return false
}

func (e *Engine) resort(v *view) {
	sort.SliceStable(v.entries, func(i, j int) bool {
		a, b := v.entries[i], v.entries[j]
		aConfirmed := a.State == EntryConfirmed
		bConfirmed := b.State == EntryConfirmed
		if aConfirmed && bConfirmed {
			if a.Message.Seq != b.Message.Seq {
				return a.Message.Seq < b.Message.Seq
			}
			return a.Message.Id < b.Message.Id
		}
		// Drafts render after everything confirmed, in send order.
		return aConfirmed && !bConfirmed
	})
}

func (e *Engine) emitSeen(v *view, message api.Message) {
	if message.Id == "" || message.SenderId == e.userId || v.seenEmitted[message.Id] {
		return
	}
	// A receipt already on the message means an earlier session (or another
	// device) recorded it; nothing to re-send.
	for _, receipt := range message.SeenBy {
		if receipt.UserId == e.userId {
			v.seenEmitted[message.Id] = true
			return
		}
	}
	v.seenEmitted[message.Id] = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), channelWriteWait)
		defer cancel()
		if _, err := e.backend.MarkSeen(ctx, message.Id); err != nil {
			e.logger.Debug("seen receipt failed", "message", message.Id, "error", err)
		}
	}()
}

func (e *Engine) bumpSummary(conversationId string, message api.Message) {
	summary, ok := e.summaries[conversationId]
	if !ok {
		return
	}
	if summary.LastMessage == nil || message.CreatedAt.After(summary.LastMessage.SentAt) {
		summary.LastMessage = &api.LastMessage{
			Preview:  api.Preview(message),
			SenderId: message.SenderId,
			SentAt:   message.CreatedAt,
		}
		if _, open := e.views[conversationId]; !open && message.SenderId != e.userId {
			summary.UnreadCount++
		}
		e.summaries[conversationId] = summary
	}
}

func (e *Engine) expirePending(now time.Time) {
	for _, v := range e.views {
		for i := range v.entries {
			entry := &v.entries[i]
			if entry.State == EntryPending && now.Sub(entry.QueuedAt) > e.pendingTimeout {
				entry.State = EntryFailed
			}
		}
	}
}

// ReactionAggregate is the per-emoji rollup a view renders under a message.
type ReactionAggregate struct {
	Emoji string
	Count int
	Mine  bool
}

// AggregateReactions folds a message's per-user reaction map into emoji
// counts, flagging the local user's own reaction.
func AggregateReactions(message api.Message, localUserId string) []ReactionAggregate {
	byEmoji := make(map[string]*ReactionAggregate)
	for userId, emoji := range message.Reactions {
		agg, ok := byEmoji[emoji]
		if !ok {
			agg = &ReactionAggregate{Emoji: emoji}
			byEmoji[emoji] = agg
		}
		agg.Count++
		if userId == localUserId {
			agg.Mine = true
		}
	}
	result := make([]ReactionAggregate, 0, len(byEmoji))
	for _, agg := range byEmoji {
		result = append(result, *agg)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Emoji < result[j].Emoji })
	return result
}
