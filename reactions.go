package chatsync

import (
	"context"
	"sync"
)

// ============================================================================
// Aggregate mutation
// ============================================================================

// AddReaction optimistically increments the (message, emoji) count and issues
// the underlying write. The later broadcast for the same mutation overwrites
// the local count, so a double-counted optimistic bump is corrected as soon
// as the authoritative total arrives. On write failure the increment is
// rolled back, leaving the count unchanged.
func (t *Timeline) AddReaction(ctx context.Context, messageID int64, emoji string) error {
	if !t.bumpReaction(messageID, emoji, +1) {
		return errUnknownMessage
	}
	if err := t.api.Reactions.Add(ctx, t.ref, messageID, emoji); err != nil {
		t.bumpReaction(messageID, emoji, -1)
		return err
	}
	return nil
}

// RemoveReaction optimistically decrements the (message, emoji) count,
// dropping the entry at zero, and issues the underlying write; symmetric
// rollback on failure.
func (t *Timeline) RemoveReaction(ctx context.Context, messageID int64, emoji string) error {
	if !t.bumpReaction(messageID, emoji, -1) {
		return errUnknownMessage
	}
	if err := t.api.Reactions.Remove(ctx, t.ref, messageID, emoji); err != nil {
		t.bumpReaction(messageID, emoji, +1)
		return err
	}
	return nil
}

// bumpReaction adjusts the local count by delta, creating the entry on first
// increment and removing it at zero. Reports whether the message is held.
func (t *Timeline) bumpReaction(messageID int64, emoji string, delta int) bool {
	t.mu.Lock()
	msg, ok := t.byID[messageID]
	if !ok || t.closed {
		t.mu.Unlock()
		return false
	}

	found := false
	for i := range msg.Reactions {
		if msg.Reactions[i].Emoji == emoji {
			msg.Reactions[i].Count += delta
			if msg.Reactions[i].Count <= 0 {
				msg.Reactions = append(msg.Reactions[:i], msg.Reactions[i+1:]...)
			}
			found = true
			break
		}
	}
	if !found && delta > 0 {
		msg.Reactions = append(msg.Reactions, Reaction{Emoji: emoji, Count: delta})
	}
	t.mu.Unlock()

	t.notify()
	return true
}

// applyReaction reconciles a message:reaction broadcast. The broadcast count
// is authoritative and idempotent: it overwrites the local value rather than
// adding to it, so replays and optimistic bumps converge on the same total.
func (t *Timeline) applyReaction(p *ReactionPayload) {
	t.mu.Lock()
	msg, ok := t.byID[p.MessageID]
	var details *ReactionDetails
	if ok {
		setReactionCount(msg, p.Emoji, p.Count)
		if t.details != nil && t.details.MessageID == p.MessageID {
			details = t.details
		}
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	t.notify()

	// An open detail view tracks broadcasts too, not just the aggregate.
	if details != nil {
		go details.Refresh(context.Background())
	}
}

// setReactionCount overwrites the count for (msg, emoji), appending a new
// entry or dropping one that reaches zero. Entry order is preserved.
func setReactionCount(msg *Message, emoji string, count int) {
	for i := range msg.Reactions {
		if msg.Reactions[i].Emoji == emoji {
			if count <= 0 {
				msg.Reactions = append(msg.Reactions[:i], msg.Reactions[i+1:]...)
			} else {
				msg.Reactions[i].Count = count
			}
			return
		}
	}
	if count > 0 {
		msg.Reactions = append(msg.Reactions, Reaction{Emoji: emoji, Count: count})
	}
}

// Reactions returns a snapshot of the aggregated reactions on a message.
func (t *Timeline) Reactions(messageID int64) []Reaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg, ok := t.byID[messageID]
	if !ok {
		return nil
	}
	return append([]Reaction(nil), msg.Reactions...)
}

// ============================================================================
// Detail view
// ============================================================================

// ReactionDetails is the on-demand per-user breakdown for one message. While
// open, reaction broadcasts for the message trigger a refresh of the list. A
// refresh resolving after Close is discarded.
type ReactionDetails struct {
	MessageID int64

	tl *Timeline

	mu      sync.Mutex
	entries []ReactionDetail
	closed  bool
	subs    map[int]func()
	nextSub int
}

// OpenReactionDetails fetches the authoritative per-user breakdown for a
// message and keeps it live until Close. Opening a second view closes the
// previous one.
func (t *Timeline) OpenReactionDetails(ctx context.Context, messageID int64) (*ReactionDetails, error) {
	d := &ReactionDetails{
		MessageID: messageID,
		tl:        t,
		subs:      make(map[int]func()),
	}
	if err := d.Refresh(ctx); err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.details != nil {
		t.details.closed = true
	}
	t.details = d
	t.mu.Unlock()
	return d, nil
}

// Refresh re-fetches the breakdown. Safe to call concurrently with Close.
func (d *ReactionDetails) Refresh(ctx context.Context) error {
	entries, err := d.tl.api.Reactions.Details(ctx, d.tl.ref, d.MessageID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.entries = entries
	fns := make([]func(), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return nil
}

// Entries returns a snapshot of the per-user breakdown.
func (d *ReactionDetails) Entries() []ReactionDetail {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ReactionDetail(nil), d.entries...)
}

// Subscribe registers a change callback and returns its unsubscribe function.
func (d *ReactionDetails) Subscribe(fn func()) func() {
	d.mu.Lock()
	d.nextSub++
	id := d.nextSub
	d.subs[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

// Close detaches the view from broadcast refreshes.
func (d *ReactionDetails) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.tl.mu.Lock()
	if d.tl.details == d {
		d.tl.details = nil
	}
	d.tl.mu.Unlock()
}
