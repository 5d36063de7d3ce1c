package chatsync

import (
	"net/http"
	"testing"
	"time"
)

// ============================================================================
// Status state machine
// ============================================================================

func TestAdvanceStatus(t *testing.T) {
	cases := []struct {
		name    string
		from    MessageStatus
		to      MessageStatus
		want    MessageStatus
		changed bool
	}{
		{"sending to sent", StatusSending, StatusSent, StatusSent, true},
		{"sent to delivered", StatusSent, StatusDelivered, StatusDelivered, true},
		{"delivered to seen", StatusDelivered, StatusSeen, StatusSeen, true},
		{"sending to seen skips ranks", StatusSending, StatusSeen, StatusSeen, true},
		{"seen to delivered never regresses", StatusSeen, StatusDelivered, StatusSeen, false},
		{"delivered to sent never regresses", StatusDelivered, StatusSent, StatusDelivered, false},
		{"same rank is a no-op", StatusDelivered, StatusDelivered, StatusDelivered, false},
		{"failed is terminal", StatusFailed, StatusSeen, StatusFailed, false},
		{"no transition into failed", StatusSent, StatusFailed, StatusSent, false},
		{"empty target is a no-op", StatusSent, "", StatusSent, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := Message{Status: tc.from}
			changed := m.advanceStatus(tc.to)
			if m.Status != tc.want || changed != tc.changed {
				t.Errorf("got (%q, %v), want (%q, %v)", m.Status, changed, tc.want, tc.changed)
			}
		})
	}
}

// ============================================================================
// Receipt application
// ============================================================================

func TestApplyReceipt(t *testing.T) {
	newTL := func(t *testing.T) *Timeline {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			okJSON(w, []Message{})
		}))
		tl := NewTimeline(client, Direct("u2"), "u1")
		base := time.Now().UTC()
		tl.ApplyEvent(envelope(t, EventMessageNew, MessagePayload{
			Conversation: Direct("u2"),
			Message:      Message{ID: 1, SenderID: "u2", Content: "theirs", CreatedAt: base},
		}))
		tl.mu.Lock()
		tl.insertLocked(&Message{
			ID: 2, SenderID: "u1", Content: "mine",
			CreatedAt: base.Add(time.Second), Status: StatusSent,
		})
		tl.mu.Unlock()
		return tl
	}

	t.Run("delivered then read promotes own messages", func(t *testing.T) {
		tl := newTL(t)
		ref := Direct("u2")

		tl.ApplyEvent(envelope(t, EventMessageDelivered, ReceiptPayload{
			Conversation: ref, UserID: "u2", At: time.Now(),
		}))
		if got := tl.Messages()[1].Status; got != StatusDelivered {
			t.Fatalf("status after delivered = %q", got)
		}

		tl.ApplyEvent(envelope(t, EventMessageRead, ReceiptPayload{
			Conversation: ref, UserID: "u2", At: time.Now(),
		}))
		if got := tl.Messages()[1].Status; got != StatusSeen {
			t.Fatalf("status after read = %q", got)
		}

		// A late delivered receipt must not regress seen.
		tl.ApplyEvent(envelope(t, EventMessageDelivered, ReceiptPayload{
			Conversation: ref, UserID: "u2", At: time.Now(),
		}))
		if got := tl.Messages()[1].Status; got != StatusSeen {
			t.Fatalf("status after late delivered = %q", got)
		}
	})

	t.Run("other senders' messages are untouched", func(t *testing.T) {
		tl := newTL(t)
		tl.ApplyEvent(envelope(t, EventMessageRead, ReceiptPayload{
			Conversation: Direct("u2"), UserID: "u2", At: time.Now(),
		}))
		if got := tl.Messages()[0].Status; got != StatusSent {
			t.Fatalf("peer message status = %q", got)
		}
	})

	t.Run("own echoed receipt promotes nothing", func(t *testing.T) {
		tl := newTL(t)
		tl.ApplyEvent(envelope(t, EventMessageDelivered, ReceiptPayload{
			Conversation: Direct("u2"), UserID: "u1", At: time.Now(),
		}))
		if got := tl.Messages()[1].Status; got != StatusSent {
			t.Fatalf("status = %q, want sent", got)
		}
	})
}

// ============================================================================
// ReceiptTracker
// ============================================================================

func TestShouldAckDelivered(t *testing.T) {
	tracker := NewReceiptTracker(nil, "u1")
	mk := func(ref ConversationRef, sender string) Envelope {
		return envelope(t, EventMessageNew, MessagePayload{
			Conversation: ref,
			Message:      Message{ID: 1, SenderID: sender, CreatedAt: time.Now()},
		})
	}

	t.Run("direct message from peer", func(t *testing.T) {
		ref, ok := tracker.ShouldAckDelivered(mk(Direct("u2"), "u2"), "")
		if !ok || ref.Key() != "direct:u2" {
			t.Fatalf("got (%v, %v)", ref, ok)
		}
	})

	t.Run("suppressed for active conversation", func(t *testing.T) {
		if _, ok := tracker.ShouldAckDelivered(mk(Direct("u2"), "u2"), "direct:u2"); ok {
			t.Fatal("expected suppression for active view")
		}
	})

	t.Run("own messages never ack", func(t *testing.T) {
		if _, ok := tracker.ShouldAckDelivered(mk(Direct("u2"), "u1"), ""); ok {
			t.Fatal("expected no ack for own message")
		}
	})

	t.Run("channels carry no receipts", func(t *testing.T) {
		if _, ok := tracker.ShouldAckDelivered(mk(Channel("acme", "general"), "u2"), ""); ok {
			t.Fatal("expected no ack for channel message")
		}
	})

	t.Run("non-message events never ack", func(t *testing.T) {
		env := envelope(t, EventMessageRead, ReceiptPayload{Conversation: Direct("u2"), UserID: "u2"})
		if _, ok := tracker.ShouldAckDelivered(env, ""); ok {
			t.Fatal("expected no ack for receipt event")
		}
	})
}

func TestShouldAckRead(t *testing.T) {
	tracker := NewReceiptTracker(nil, "u1")
	mk := func(ref ConversationRef, sender string) Envelope {
		return envelope(t, EventMessageNew, MessagePayload{
			Conversation: ref,
			Message:      Message{ID: 1, SenderID: sender, CreatedAt: time.Now()},
		})
	}

	t.Run("direct message into the active view", func(t *testing.T) {
		ref, ok := tracker.ShouldAckRead(mk(Direct("u2"), "u2"), "direct:u2")
		if !ok || ref.Key() != "direct:u2" {
			t.Fatalf("got (%v, %v)", ref, ok)
		}
	})

	t.Run("inactive conversation is only delivered", func(t *testing.T) {
		if _, ok := tracker.ShouldAckRead(mk(Direct("u2"), "u2"), "direct:u3"); ok {
			t.Fatal("expected no read ack away from the active view")
		}
	})

	t.Run("no active view means no read ack", func(t *testing.T) {
		if _, ok := tracker.ShouldAckRead(mk(Direct("u2"), "u2"), ""); ok {
			t.Fatal("expected no read ack with nothing on screen")
		}
	})

	t.Run("own messages never ack", func(t *testing.T) {
		if _, ok := tracker.ShouldAckRead(mk(Direct("u2"), "u1"), "direct:u2"); ok {
			t.Fatal("expected no ack for own message")
		}
	})

	t.Run("channels carry no receipts", func(t *testing.T) {
		env := mk(Channel("acme", "general"), "u2")
		if _, ok := tracker.ShouldAckRead(env, "channel:acme/general"); ok {
			t.Fatal("expected no ack for channel message")
		}
	})
}
