package chatsync

import (
	"context"
	"sync"
	"time"
)

// DefaultToastTTL is how long a toast stays visible before auto-dismissal.
const DefaultToastTTL = 5 * time.Second

// ============================================================================
// Notifier
// ============================================================================

// Notifier abstracts the host platform's notification surfaces. The router
// never asks for notification permission itself; the host decides when to
// prompt and reports the outcome through PermissionGranted.
type Notifier interface {
	// PermissionGranted reports whether desktop notifications are allowed.
	PermissionGranted() bool
	// AppFocused reports whether the application window has focus.
	AppFocused() bool
	// Notify raises a desktop notification.
	Notify(title, body string) error
	// PlaySound plays the incoming-message sound.
	PlaySound()
}

// ============================================================================
// Toast
// ============================================================================

// Toast is one entry in the in-app transient notification queue.
type Toast struct {
	ID           int
	Conversation ConversationRef
	SenderID     string
	Preview      string
	CreatedAt    time.Time
}

// previewText renders the one-line toast preview for a message.
func previewText(m *Message) string {
	if m.Content != "" {
		return m.Content
	}
	if m.Attachment != nil {
		if m.Attachment.Name != "" {
			return m.Attachment.Name
		}
		return "attachment"
	}
	return ""
}

// ============================================================================
// Router
// ============================================================================

// RouterConfig configures a notification Router.
type RouterConfig struct {
	// SelfID is the signed-in user; own messages never notify.
	SelfID string
	// API posts the server-side unread clear for MarkRead.
	API *Client
	// Notifier is the platform notification surface; nil disables desktop
	// notifications and sound.
	Notifier Notifier
	// ToastTTL overrides the toast auto-dismiss delay.
	ToastTTL time.Duration
}

// Router fans incoming message events out to the session's notification
// surfaces: per-conversation unread counters, the in-app toast queue, the
// notification sound, and desktop notifications. All state changes funnel
// through its mutex, so counters and the toast queue always agree with the
// event order the dispatcher delivered.
type Router struct {
	selfID   string
	api      *Client
	notifier Notifier
	toastTTL time.Duration

	mu        sync.Mutex
	activeKey string
	unread    map[string]int
	toasts    []Toast
	nextToast int
	muted     bool
	subs      map[int]func()
	nextSub   int
}

// NewRouter creates a notification router.
func NewRouter(config *RouterConfig) *Router {
	ttl := config.ToastTTL
	if ttl == 0 {
		ttl = DefaultToastTTL
	}
	return &Router{
		selfID:   config.SelfID,
		api:      config.API,
		notifier: config.Notifier,
		toastTTL: ttl,
		unread:   make(map[string]int),
		subs:     make(map[int]func()),
	}
}

// Subscribe registers a change callback invoked after every state mutation,
// and returns its unsubscribe function.
func (r *Router) Subscribe(fn func()) func() {
	r.mu.Lock()
	r.nextSub++
	id := r.nextSub
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

func (r *Router) notifySubs() {
	r.mu.Lock()
	fns := make([]func(), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// SetActive marks a conversation as the one currently on screen. Events for
// the active conversation update its timeline but raise no notifications.
func (r *Router) SetActive(ref ConversationRef) {
	r.mu.Lock()
	r.activeKey = ref.Key()
	r.mu.Unlock()
}

// ClearActive marks no conversation as on screen.
func (r *Router) ClearActive() {
	r.mu.Lock()
	r.activeKey = ""
	r.mu.Unlock()
}

// ActiveKey returns the key of the on-screen conversation, or "".
func (r *Router) ActiveKey() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeKey
}

// SetMuted toggles the notification sound. Muting silences sound only;
// counters, toasts, and desktop notifications are unaffected.
func (r *Router) SetMuted(muted bool) {
	r.mu.Lock()
	r.muted = muted
	r.mu.Unlock()
}

// Muted reports whether the notification sound is muted.
func (r *Router) Muted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.muted
}

// HandleEvent routes a push event into the notification surfaces. Only
// message:new events notify; own messages and messages for the active
// conversation are suppressed entirely.
func (r *Router) HandleEvent(env Envelope) {
	if env.Event != EventMessageNew {
		return
	}
	var p MessagePayload
	if env.decode(&p) != nil {
		return
	}
	if p.Message.SenderID == r.selfID {
		return
	}

	key := p.Conversation.Key()

	r.mu.Lock()
	if key == r.activeKey {
		r.mu.Unlock()
		return
	}
	r.unread[key]++
	r.nextToast++
	toast := Toast{
		ID:           r.nextToast,
		Conversation: p.Conversation,
		SenderID:     p.Message.SenderID,
		Preview:      previewText(&p.Message),
		CreatedAt:    time.Now(),
	}
	r.toasts = append(r.toasts, toast)
	muted := r.muted
	r.mu.Unlock()

	time.AfterFunc(r.toastTTL, func() { r.DismissToast(toast.ID) })

	if r.notifier != nil {
		if !muted {
			r.notifier.PlaySound()
		}
		// Desktop notifications are capability gated: permission granted and
		// window unfocused. Failures are swallowed; in-app surfaces already
		// carry the event.
		if r.notifier.PermissionGranted() && !r.notifier.AppFocused() {
			_ = r.notifier.Notify(notifyTitle(p.Conversation), previewText(&p.Message))
		}
	}

	r.notifySubs()
}

func notifyTitle(ref ConversationRef) string {
	if ref.Kind == KindDirect {
		return "New message"
	}
	return "New message in #" + ref.ChannelID
}

// Unread returns the unread count for one conversation.
func (r *Router) Unread(ref ConversationRef) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread[ref.Key()]
}

// TotalUnread returns the sum of all unread counters, for the suite-level
// chat badge.
func (r *Router) TotalUnread() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.unread {
		total += n
	}
	return total
}

// Toasts returns a snapshot of the visible toast queue, oldest first.
func (r *Router) Toasts() []Toast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Toast(nil), r.toasts...)
}

// DismissToast removes a toast by id. Dismissal is idempotent; the auto-expiry
// timer and an explicit click may race.
func (r *Router) DismissToast(id int) {
	r.mu.Lock()
	removed := false
	for i, t := range r.toasts {
		if t.ID == id {
			r.toasts = append(r.toasts[:i], r.toasts[i+1:]...)
			removed = true
			break
		}
	}
	r.mu.Unlock()
	if removed {
		r.notifySubs()
	}
}

// MarkRead optimistically clears the conversation's unread counter and posts
// the clear to the server. A rejected post restores the prior count unless new
// messages arrived in between, in which case the larger of the two wins.
func (r *Router) MarkRead(ctx context.Context, ref ConversationRef) error {
	key := ref.Key()

	r.mu.Lock()
	prev := r.unread[key]
	delete(r.unread, key)
	r.mu.Unlock()
	if prev != 0 {
		r.notifySubs()
	}

	if r.api == nil {
		return nil
	}
	if err := r.api.Conversations.MarkRead(ctx, ref); err != nil {
		r.mu.Lock()
		if r.unread[key] < prev {
			r.unread[key] = prev
		}
		r.mu.Unlock()
		r.notifySubs()
		return err
	}
	return nil
}
