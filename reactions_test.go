package chatsync

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func reactionTimeline(t *testing.T, handler http.Handler) *Timeline {
	t.Helper()
	client := newTestClient(t, handler)
	tl := NewTimeline(client, Direct("u2"), "u1")
	tl.ApplyEvent(envelope(t, EventMessageNew, MessagePayload{
		Conversation: Direct("u2"),
		Message:      Message{ID: 10, SenderID: "u2", Content: "react to me", CreatedAt: time.Now().UTC()},
	}))
	return tl
}

// ============================================================================
// Optimistic mutation
// ============================================================================

func TestAddReaction(t *testing.T) {
	t.Run("optimistic bump then authoritative broadcast", func(t *testing.T) {
		tl := reactionTimeline(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			okJSON(w, map[string]bool{"added": true})
		}))

		if err := tl.AddReaction(context.Background(), 10, "👍"); err != nil {
			t.Fatalf("AddReaction failed: %v", err)
		}
		got := tl.Reactions(10)
		if len(got) != 1 || got[0].Count != 1 {
			t.Fatalf("reactions = %+v", got)
		}

		// The broadcast count includes everyone, not a delta on our bump.
		tl.ApplyEvent(envelope(t, EventMessageReaction, ReactionPayload{
			Conversation: Direct("u2"), MessageID: 10, Emoji: "👍", Count: 5, UserID: "u1",
		}))
		got = tl.Reactions(10)
		if len(got) != 1 || got[0].Count != 5 {
			t.Fatalf("reactions after broadcast = %+v, want count 5", got)
		}
	})

	t.Run("rolls back on write failure", func(t *testing.T) {
		tl := reactionTimeline(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			errJSON(w, "UNAVAILABLE", "down")
		}))

		if err := tl.AddReaction(context.Background(), 10, "🎉"); err == nil {
			t.Fatal("expected error")
		}
		if got := tl.Reactions(10); len(got) != 0 {
			t.Fatalf("reactions = %+v, want rollback to none", got)
		}
	})

	t.Run("unknown message is rejected", func(t *testing.T) {
		tl := reactionTimeline(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			okJSON(w, map[string]bool{"added": true})
		}))
		if err := tl.AddReaction(context.Background(), 999, "👍"); err != errUnknownMessage {
			t.Fatalf("err = %v, want errUnknownMessage", err)
		}
	})
}

func TestRemoveReaction(t *testing.T) {
	tl := reactionTimeline(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		okJSON(w, map[string]bool{"ok": true})
	}))

	tl.AddReaction(context.Background(), 10, "👍")
	if err := tl.RemoveReaction(context.Background(), 10, "👍"); err != nil {
		t.Fatalf("RemoveReaction failed: %v", err)
	}
	// The entry disappears at zero rather than lingering at count 0.
	if got := tl.Reactions(10); len(got) != 0 {
		t.Fatalf("reactions = %+v, want none", got)
	}
}

// ============================================================================
// Broadcast application
// ============================================================================

func TestReactionBroadcast(t *testing.T) {
	broadcast := func(t *testing.T, tl *Timeline, emoji string, count int) {
		t.Helper()
		tl.ApplyEvent(envelope(t, EventMessageReaction, ReactionPayload{
			Conversation: Direct("u2"), MessageID: 10, Emoji: emoji, Count: count,
		}))
	}

	t.Run("replays are idempotent", func(t *testing.T) {
		tl := reactionTimeline(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			okJSON(w, map[string]bool{"ok": true})
		}))
		broadcast(t, tl, "👍", 3)
		broadcast(t, tl, "👍", 3)
		got := tl.Reactions(10)
		if len(got) != 1 || got[0].Count != 3 {
			t.Fatalf("reactions = %+v", got)
		}
	})

	t.Run("zero count removes the entry", func(t *testing.T) {
		tl := reactionTimeline(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			okJSON(w, map[string]bool{"ok": true})
		}))
		broadcast(t, tl, "👍", 2)
		broadcast(t, tl, "👍", 0)
		if got := tl.Reactions(10); len(got) != 0 {
			t.Fatalf("reactions = %+v, want none", got)
		}
	})

	t.Run("first-seen emoji order is preserved", func(t *testing.T) {
		tl := reactionTimeline(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			okJSON(w, map[string]bool{"ok": true})
		}))
		broadcast(t, tl, "👍", 1)
		broadcast(t, tl, "🎉", 1)
		broadcast(t, tl, "👍", 4)

		got := tl.Reactions(10)
		if len(got) != 2 || got[0].Emoji != "👍" || got[0].Count != 4 || got[1].Emoji != "🎉" {
			t.Fatalf("reactions = %+v", got)
		}
	})

	t.Run("unknown message is ignored", func(t *testing.T) {
		tl := reactionTimeline(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			okJSON(w, map[string]bool{"ok": true})
		}))
		tl.ApplyEvent(envelope(t, EventMessageReaction, ReactionPayload{
			Conversation: Direct("u2"), MessageID: 404, Emoji: "👍", Count: 1,
		}))
		if got := tl.Reactions(10); len(got) != 0 {
			t.Fatalf("reactions = %+v", got)
		}
	})
}

// ============================================================================
// Detail view
// ============================================================================

func TestReactionDetails(t *testing.T) {
	t.Run("open fetches the breakdown", func(t *testing.T) {
		tl := reactionTimeline(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			okJSON(w, []ReactionDetail{
				{Emoji: "👍", UserID: "u2", UserName: "Priya"},
				{Emoji: "👍", UserID: "u3", UserName: "Arjun"},
			})
		}))

		d, err := tl.OpenReactionDetails(context.Background(), 10)
		if err != nil {
			t.Fatalf("OpenReactionDetails failed: %v", err)
		}
		defer d.Close()

		entries := d.Entries()
		if len(entries) != 2 || entries[0].UserName != "Priya" {
			t.Fatalf("entries = %+v", entries)
		}
	})

	t.Run("refresh after close is discarded", func(t *testing.T) {
		calls := 0
		tl := reactionTimeline(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			if calls == 1 {
				okJSON(w, []ReactionDetail{{Emoji: "👍", UserID: "u2"}})
				return
			}
			okJSON(w, []ReactionDetail{
				{Emoji: "👍", UserID: "u2"},
				{Emoji: "👍", UserID: "u3"},
			})
		}))

		d, err := tl.OpenReactionDetails(context.Background(), 10)
		if err != nil {
			t.Fatalf("OpenReactionDetails failed: %v", err)
		}
		d.Close()

		if err := d.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
		if got := d.Entries(); len(got) != 1 {
			t.Fatalf("entries = %+v, want the pre-close snapshot", got)
		}
	})

	t.Run("opening a second view closes the first", func(t *testing.T) {
		tl := reactionTimeline(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			okJSON(w, []ReactionDetail{{Emoji: "👍", UserID: "u2"}})
		}))

		first, err := tl.OpenReactionDetails(context.Background(), 10)
		if err != nil {
			t.Fatalf("open first: %v", err)
		}
		second, err := tl.OpenReactionDetails(context.Background(), 10)
		if err != nil {
			t.Fatalf("open second: %v", err)
		}
		defer second.Close()

		first.mu.Lock()
		closed := first.closed
		first.mu.Unlock()
		if !closed {
			t.Fatal("first view must be closed by the second open")
		}
	})
}
