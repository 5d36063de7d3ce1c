package chatsync

import "context"

// ============================================================================
// Status state machine
// ============================================================================

// statusRank orders the acknowledgment lifecycle. failed is terminal and
// outside the ladder.
func statusRank(s MessageStatus) int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusSeen:
		return 3
	default:
		return -1
	}
}

func maxStatus(a, b MessageStatus) MessageStatus {
	if a == StatusFailed || b == StatusFailed {
		return StatusFailed
	}
	if statusRank(b) > statusRank(a) {
		return b
	}
	return a
}

// advanceStatus promotes the message's status if to ranks higher. It never
// regresses and never resurrects a failed message. Reports whether anything
// changed.
func (m *Message) advanceStatus(to MessageStatus) bool {
	if m.Status == StatusFailed || to == "" || to == StatusFailed {
		return false
	}
	if statusRank(to) > statusRank(m.Status) {
		m.Status = to
		return true
	}
	return false
}

// ============================================================================
// Receipt application (timeline side)
// ============================================================================

// applyReceipt translates a delivered/read acknowledgment into status
// promotions. Receipts carry conversation+acknowledger granularity, not
// per-message ids: every own message at a lower status is promoted, matching
// the single tick-mark state the surrounding UI renders per message. A lost
// acknowledgment simply leaves statuses at their last known value.
func (t *Timeline) applyReceipt(to MessageStatus, p *ReceiptPayload) {
	if p.UserID == t.selfID {
		// Own ack echoed back; it promotes nothing on this side.
		return
	}

	t.mu.Lock()
	changed := false
	for _, m := range t.msgs {
		if m.SenderID != t.selfID || m.Pending() {
			continue
		}
		if m.advanceStatus(to) {
			changed = true
		}
	}
	t.mu.Unlock()

	if changed {
		t.notify()
	}
}

// ============================================================================
// ReceiptTracker (acknowledging side)
// ============================================================================

// ReceiptTracker posts this client's own delivery and read acknowledgments
// for direct conversations. Delivery is acknowledged when a direct push
// arrives while its conversation is not the active view; read is acknowledged
// when the user opens or views the conversation.
type ReceiptTracker struct {
	api    *Client
	selfID string
}

// NewReceiptTracker creates a tracker bound to the signed-in user.
func NewReceiptTracker(api *Client, selfID string) *ReceiptTracker {
	return &ReceiptTracker{api: api, selfID: selfID}
}

// ShouldAckDelivered reports whether a push event warrants a delivery
// acknowledgment: a direct message:new from another sender whose conversation
// is not the active view. activeKey may be empty when no view is open.
func (rt *ReceiptTracker) ShouldAckDelivered(env Envelope, activeKey string) (ConversationRef, bool) {
	if env.Event != EventMessageNew {
		return ConversationRef{}, false
	}
	var p MessagePayload
	if env.decode(&p) != nil {
		return ConversationRef{}, false
	}
	if p.Conversation.Kind != KindDirect || p.Message.SenderID == rt.selfID {
		return ConversationRef{}, false
	}
	if p.Conversation.Key() == activeKey {
		return ConversationRef{}, false
	}
	return p.Conversation, true
}

// ShouldAckRead reports whether a push event warrants an immediate read
// acknowledgment: a direct message:new from another sender arriving while its
// conversation is the active view. The recipient is looking at the message,
// so it is read the moment it lands.
func (rt *ReceiptTracker) ShouldAckRead(env Envelope, activeKey string) (ConversationRef, bool) {
	if env.Event != EventMessageNew || activeKey == "" {
		return ConversationRef{}, false
	}
	var p MessagePayload
	if env.decode(&p) != nil {
		return ConversationRef{}, false
	}
	if p.Conversation.Kind != KindDirect || p.Message.SenderID == rt.selfID {
		return ConversationRef{}, false
	}
	if p.Conversation.Key() != activeKey {
		return ConversationRef{}, false
	}
	return p.Conversation, true
}

// AckDelivered posts the delivered acknowledgment for ref.
func (rt *ReceiptTracker) AckDelivered(ctx context.Context, ref ConversationRef) error {
	if ref.Kind != KindDirect {
		return nil
	}
	return rt.api.Receipts.AckDelivered(ctx, ref)
}

// AckRead posts the read acknowledgment for ref.
func (rt *ReceiptTracker) AckRead(ctx context.Context, ref ConversationRef) error {
	if ref.Kind != KindDirect {
		return nil
	}
	return rt.api.Receipts.AckRead(ctx, ref)
}
