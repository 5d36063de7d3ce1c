package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// errTimelineClosed is returned when an operation targets a timeline the view
// layer has already navigated away from.
var errTimelineClosed = errors.New("timeline closed")

// errUnknownMessage is returned when a mutation targets a message id the
// timeline does not hold.
var errUnknownMessage = errors.New("unknown message")

// selfEchoWindow bounds the content+sender+timestamp heuristic used to match
// a self-originated push echo against an optimistic entry when the echo
// carries no client key. Best effort only, see matchPendingLocked.
const selfEchoWindow = 60 * time.Second

// ============================================================================
// Timeline
// ============================================================================

// Timeline is the per-conversation ordered message list. It applies
// optimistic local writes, reconciles them against server responses and push
// events, deduplicates events arriving via both paths, and pages backward
// through history.
//
// Invariants:
//   - exactly one entry exists per logical message; the optimistic and
//     confirmed versions are the same entry, re-keyed in place
//   - entries are ordered by createdAt ascending, ties broken by id ascending
//   - a message's status never regresses
//
// A timeline has one writer context (the active view); push events reach it
// through ApplyEvent on the connection's read goroutine. Internal state is
// mutex-guarded so the two never interleave mid-update.
type Timeline struct {
	ref      ConversationRef
	selfID   string
	api      *Client
	pageSize int

	mu       sync.Mutex
	msgs     []*Message
	byID     map[int64]*Message
	byKey    map[string]*Message // clientKey → optimistic entry
	nextTemp int64
	oldest   time.Time
	hasMore  bool
	loading  bool
	closed   bool

	subs    map[int]func()
	nextSub int

	details *ReactionDetails
}

// NewTimeline creates a timeline for ref. selfID is the signed-in user, used
// to tell optimistic confirmations apart from other senders' messages.
func NewTimeline(api *Client, ref ConversationRef, selfID string) *Timeline {
	return &Timeline{
		ref:      ref,
		selfID:   selfID,
		api:      api,
		pageSize: DefaultPageSize,
		byID:     make(map[int64]*Message),
		byKey:    make(map[string]*Message),
		nextTemp: -1,
		hasMore:  true,
		subs:     make(map[int]func()),
	}
}

// Ref returns the conversation this timeline belongs to.
func (t *Timeline) Ref() ConversationRef {
	return t.ref
}

// Subscribe registers a change notification callback and returns its
// unsubscribe function.
func (t *Timeline) Subscribe(fn func()) func() {
	t.mu.Lock()
	t.nextSub++
	id := t.nextSub
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Messages returns a snapshot of the timeline in ascending order.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.msgs))
	for i, m := range t.msgs {
		out[i] = *m
	}
	return out
}

// Len returns the number of held messages.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}

// HasMore reports whether older history may remain on the server.
func (t *Timeline) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

// Close marks the timeline abandoned. In-flight responses that resolve after
// Close are discarded silently.
func (t *Timeline) Close() {
	t.mu.Lock()
	t.closed = true
	if t.details != nil {
		t.details.closed = true
		t.details = nil
	}
	t.mu.Unlock()
}

// notify invokes subscribers outside the lock.
func (t *Timeline) notify() {
	t.mu.Lock()
	fns := make([]func(), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// ============================================================================
// Initial load & pagination
// ============================================================================

// LoadInitial fetches the most recent history page and seeds the pagination
// cursor. Pending and failed local entries survive the reload, so calling it
// again after a reconnect cannot drop optimistic writes.
func (t *Timeline) LoadInitial(ctx context.Context) error {
	page, err := t.api.Messages.List(ctx, t.ref, t.pageSize, time.Time{})
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}

	// Carry over unconfirmed local entries.
	var local []*Message
	for _, m := range t.msgs {
		if m.Pending() {
			local = append(local, m)
		}
	}

	t.msgs = nil
	t.byID = make(map[int64]*Message)
	for i := range page {
		m := page[i]
		if m.Status == "" {
			m.Status = StatusSent
		}
		t.insertLocked(&m)
	}
	for _, m := range local {
		t.insertLocked(m)
	}

	t.resetCursorLocked(len(page))
	t.mu.Unlock()

	t.notify()
	return nil
}

// LoadOlder fetches one page of messages older than the current oldest-held
// message. It is a no-op while a load is in flight or once history is
// exhausted; the in-flight guard is the debounce for scroll-proximity
// triggers.
func (t *Timeline) LoadOlder(ctx context.Context) error {
	t.mu.Lock()
	if t.loading || !t.hasMore || t.closed {
		t.mu.Unlock()
		return nil
	}
	t.loading = true
	before := t.oldest
	t.mu.Unlock()

	page, err := t.api.Messages.List(ctx, t.ref, t.pageSize, before)

	t.mu.Lock()
	t.loading = false
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	if err != nil {
		t.mu.Unlock()
		return err
	}

	for i := range page {
		m := page[i]
		if _, exists := t.byID[m.ID]; exists {
			continue
		}
		if m.Status == "" {
			m.Status = StatusSent
		}
		t.insertLocked(&m)
	}
	t.hasMore = len(page) == t.pageSize
	t.refreshOldestLocked()
	t.mu.Unlock()

	t.notify()
	return nil
}

func (t *Timeline) resetCursorLocked(fetched int) {
	t.hasMore = fetched == t.pageSize
	t.refreshOldestLocked()
}

func (t *Timeline) refreshOldestLocked() {
	t.oldest = time.Time{}
	for _, m := range t.msgs {
		if m.Pending() {
			continue
		}
		t.oldest = m.CreatedAt
		break
	}
}

// ============================================================================
// Sending
// ============================================================================

// Send synchronously inserts an optimistic entry with a temporary negative id
// and status sending, then issues the write. On success the entry is replaced
// in place with the server-confirmed record; the temporary id is discarded
// and never reused. On failure the entry transitions to the terminal failed
// status; retry only happens if the user invokes Send again.
func (t *Timeline) Send(ctx context.Context, draft MessageDraft) (*Message, error) {
	if draft.ClientKey == "" {
		draft.ClientKey = uuid.NewString()
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errTimelineClosed
	}
	temp := &Message{
		ID:         t.nextTemp,
		SenderID:   t.selfID,
		Content:    draft.Content,
		Attachment: draft.Attachment,
		ReplyToID:  draft.ReplyToID,
		CreatedAt:  time.Now().UTC(),
		Status:     StatusSending,
		ClientKey:  draft.ClientKey,
	}
	t.nextTemp--
	t.insertLocked(temp)
	t.byKey[draft.ClientKey] = temp
	t.mu.Unlock()
	t.notify()

	confirmed, err := t.api.Messages.Send(ctx, t.ref, draft)
	if err != nil {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, err
		}
		if entry, ok := t.byKey[draft.ClientKey]; ok && entry.Status == StatusSending {
			entry.Status = StatusFailed
		}
		t.mu.Unlock()
		t.notify()
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return confirmed, nil
	}
	entry := t.confirmLocked(draft.ClientKey, confirmed)
	t.mu.Unlock()
	t.notify()
	return entry, nil
}

// confirmLocked merges a server-confirmed record into the optimistic entry
// keyed by clientKey. It is idempotent: the push echo and the HTTP response
// both land here, whichever arrives first wins the swap and the second is a
// no-op apart from status promotion.
func (t *Timeline) confirmLocked(clientKey string, server *Message) *Message {
	entry, ok := t.byKey[clientKey]
	if !ok {
		// No optimistic entry (e.g. head reload dropped it after it was
		// confirmed); fall back to an idempotent insert.
		if existing, dup := t.byID[server.ID]; dup {
			return existing
		}
		m := *server
		if statusRank(m.Status) < statusRank(StatusSent) {
			m.Status = StatusSent
		}
		t.insertLocked(&m)
		return &m
	}

	if !entry.Pending() {
		// Already swapped by the other path; only statuses can advance.
		entry.advanceStatus(server.Status)
		delete(t.byKey, clientKey)
		return entry
	}

	merged := reconcile(*entry, *server)
	t.removeLocked(entry.ID)
	*entry = merged
	t.insertLocked(entry)
	// The key has served its purpose; later duplicates dedupe by server id.
	delete(t.byKey, clientKey)
	return entry
}

// reconcile merges an optimistic entry with its server-confirmed counterpart
// into a single record. Server identity and timestamps win; status only moves
// forward.
func reconcile(existing, incoming Message) Message {
	merged := incoming
	if merged.ClientKey == "" {
		merged.ClientKey = existing.ClientKey
	}
	if merged.Content == "" && existing.Content != "" && incoming.Attachment == nil {
		merged.Content = existing.Content
	}
	if merged.Attachment == nil {
		merged.Attachment = existing.Attachment
	}
	if merged.ReplyToID == 0 {
		merged.ReplyToID = existing.ReplyToID
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = existing.CreatedAt
	}
	merged.Status = maxStatus(existing.Status, merged.Status)
	if statusRank(merged.Status) < statusRank(StatusSent) {
		merged.Status = StatusSent
	}
	if len(merged.Reactions) == 0 {
		merged.Reactions = existing.Reactions
	}
	return merged
}

// ============================================================================
// Push-event reconciliation
// ============================================================================

// ApplyEvent reconciles one push event into the timeline. Events addressed to
// other conversations are ignored. Duplicate deliveries are harmless: inserts
// are idempotent by server id and reaction counts are authoritative
// overwrites.
func (t *Timeline) ApplyEvent(env Envelope) {
	switch env.Event {
	case EventMessageNew:
		var p MessagePayload
		if env.decode(&p) != nil || p.Conversation.Key() != t.ref.Key() {
			return
		}
		t.applyIncoming(&p.Message)

	case EventMessageDelivered:
		var p ReceiptPayload
		if env.decode(&p) != nil || p.Conversation.Key() != t.ref.Key() {
			return
		}
		t.applyReceipt(StatusDelivered, &p)

	case EventMessageRead:
		var p ReceiptPayload
		if env.decode(&p) != nil || p.Conversation.Key() != t.ref.Key() {
			return
		}
		t.applyReceipt(StatusSeen, &p)

	case EventMessageReaction:
		var p ReactionPayload
		if env.decode(&p) != nil || p.Conversation.Key() != t.ref.Key() {
			return
		}
		t.applyReaction(&p)

	case EventMessageEdited:
		var p EditPayload
		if env.decode(&p) != nil || p.Conversation.Key() != t.ref.Key() {
			return
		}
		t.applyEdit(&p)

	case EventMessageDeleted:
		var p DeletePayload
		if env.decode(&p) != nil || p.Conversation.Key() != t.ref.Key() {
			return
		}
		t.applyDelete(&p)
	}
}

func (e Envelope) decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// applyIncoming handles a message:new push. Self-originated events confirm an
// existing optimistic entry; they never insert. Other senders' events insert
// idempotently by server id.
func (t *Timeline) applyIncoming(msg *Message) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	changed := false
	if msg.SenderID == t.selfID {
		key := msg.ClientKey
		if key == "" {
			key = t.matchPendingLocked(msg)
		}
		if key != "" {
			t.confirmLocked(key, msg)
			changed = true
		} else if existing, ok := t.byID[msg.ID]; ok {
			changed = existing.advanceStatus(msg.Status)
		}
		// No match: the HTTP response path owns this confirmation; the echo
		// is dropped rather than risking a duplicate entry.
	} else {
		if _, exists := t.byID[msg.ID]; !exists {
			m := *msg
			if statusRank(m.Status) < statusRank(StatusSent) {
				m.Status = StatusSent
			}
			t.insertLocked(&m)
			changed = true
		}
	}
	t.mu.Unlock()

	if changed {
		t.notify()
	}
}

// matchPendingLocked matches a self-originated echo against a pending
// optimistic entry by content, sender, and an approximate-timestamp window.
// This is a best-effort heuristic for servers that do not echo the client
// key; it can miss, in which case the HTTP response path completes the
// confirmation.
func (t *Timeline) matchPendingLocked(msg *Message) string {
	for key, entry := range t.byKey {
		if !entry.Pending() || entry.Status == StatusFailed {
			continue
		}
		if entry.Content != msg.Content {
			continue
		}
		delta := msg.CreatedAt.Sub(entry.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= selfEchoWindow {
			return key
		}
	}
	return ""
}

func (t *Timeline) applyEdit(p *EditPayload) {
	t.mu.Lock()
	msg, ok := t.byID[p.MessageID]
	if ok {
		msg.Content = p.Content
		msg.Edited = true
	}
	t.mu.Unlock()
	if ok {
		t.notify()
	}
}

func (t *Timeline) applyDelete(p *DeletePayload) {
	t.mu.Lock()
	_, ok := t.byID[p.MessageID]
	if ok {
		t.removeLocked(p.MessageID)
		t.refreshOldestLocked()
	}
	t.mu.Unlock()
	if ok {
		t.notify()
	}
}

// ============================================================================
// Ordered storage
// ============================================================================

// insertLocked places m at its sorted position (createdAt ascending, ties by
// id ascending) and indexes it.
func (t *Timeline) insertLocked(m *Message) {
	i := sort.Search(len(t.msgs), func(i int) bool {
		if t.msgs[i].CreatedAt.Equal(m.CreatedAt) {
			return t.msgs[i].ID > m.ID
		}
		return t.msgs[i].CreatedAt.After(m.CreatedAt)
	})
	t.msgs = append(t.msgs, nil)
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m
	t.byID[m.ID] = m
}

func (t *Timeline) removeLocked(id int64) {
	m, ok := t.byID[id]
	if !ok {
		return
	}
	delete(t.byID, id)
	for i, held := range t.msgs {
		if held == m {
			t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
			return
		}
	}
}
