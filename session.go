package chatsync

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ============================================================================
// Session
// ============================================================================

// SessionConfig configures a chat session.
type SessionConfig struct {
	// BaseURL is the suite backend base URL.
	BaseURL string
	// Token authenticates both the REST client and the event stream.
	Token string
	// SelfID is the signed-in user id.
	SelfID string

	// Realtime overrides the event-stream configuration. Token is filled in
	// from the session when empty.
	Realtime *RealtimeConfig
	// Notifier is the platform notification surface passed to the router.
	Notifier Notifier
	// ToastTTL overrides the toast auto-dismiss delay.
	ToastTTL time.Duration
	// StarredPath overrides where the starred-message set is persisted.
	// Empty selects the default under the user's home directory.
	StarredPath string
	// HTTPClient replaces the REST client's underlying HTTP client.
	HTTPClient *http.Client
}

// Session ties the engine together for one signed-in user: the REST client,
// the realtime connection, the notification router, receipt tracking, the
// starred set, and the currently open conversation timeline.
//
// At most one conversation is open at a time. Opening a conversation closes
// the previous timeline, loads the head page, marks the conversation read,
// and routes subsequent push events into the new timeline.
type Session struct {
	api      *Client
	rt       *RealtimeClient
	router   *Router
	receipts *ReceiptTracker
	starred  *StarredStore
	selfID   string

	mu     sync.Mutex
	active *Timeline
	unsubs []func()
}

// NewSession wires up a session from config. Connect must be called before
// push events flow.
func NewSession(config *SessionConfig) (*Session, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if config.SelfID == "" {
		return nil, fmt.Errorf("self user id is required")
	}

	var clientOpts []ClientOption
	if config.HTTPClient != nil {
		clientOpts = append(clientOpts, WithHTTPClient(config.HTTPClient))
	}
	api := NewClient(config.BaseURL, config.Token, clientOpts...)

	rtCfg := RealtimeConfig{AutoReconnect: true}
	if config.Realtime != nil {
		rtCfg = *config.Realtime
	}
	if rtCfg.Token == "" {
		rtCfg.Token = config.Token
	}

	starred, err := NewStarredStore(config.StarredPath)
	if err != nil {
		return nil, fmt.Errorf("open starred store: %w", err)
	}

	s := &Session{
		api: api,
		rt:  NewRealtime(config.BaseURL, &rtCfg),
		router: NewRouter(&RouterConfig{
			SelfID:   config.SelfID,
			API:      api,
			Notifier: config.Notifier,
			ToastTTL: config.ToastTTL,
		}),
		receipts: NewReceiptTracker(api, config.SelfID),
		starred:  starred,
		selfID:   config.SelfID,
	}
	return s, nil
}

// API exposes the REST client.
func (s *Session) API() *Client { return s.api }

// Realtime exposes the event-stream client.
func (s *Session) Realtime() *RealtimeClient { return s.rt }

// Router exposes the notification router.
func (s *Session) Router() *Router { return s.router }

// Starred exposes the starred-message store.
func (s *Session) Starred() *StarredStore { return s.starred }

// Active returns the currently open timeline, or nil.
func (s *Session) Active() *Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Connect establishes the event stream and registers the session's event
// routing. Every push event reaches the router first, then the active
// timeline, so unread state and timeline state move in the same order.
func (s *Session) Connect(ctx context.Context) error {
	events := []string{
		EventMessageNew,
		EventMessageDelivered,
		EventMessageRead,
		EventMessageReaction,
		EventMessageEdited,
		EventMessageDeleted,
	}

	s.mu.Lock()
	for _, ev := range events {
		s.unsubs = append(s.unsubs, s.rt.On(ev, s.handleEvent))
	}
	s.unsubs = append(s.unsubs, s.rt.OnConnectivity(s.handleConnectivity))
	s.mu.Unlock()

	return s.rt.Connect(ctx)
}

// handleEvent runs on the connection's read goroutine.
func (s *Session) handleEvent(env Envelope) {
	s.router.HandleEvent(env)

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		active.ApplyEvent(env)
	}

	// Acks leave the read goroutine; the ack round-trip must not stall event
	// processing. A message landing in the active view is read immediately,
	// anywhere else it is merely delivered.
	if ref, ok := s.receipts.ShouldAckRead(env, s.router.ActiveKey()); ok {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
			defer cancel()
			_ = s.receipts.AckRead(ctx, ref)
		}()
	} else if ref, ok := s.receipts.ShouldAckDelivered(env, s.router.ActiveKey()); ok {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
			defer cancel()
			_ = s.receipts.AckDelivered(ctx, ref)
		}()
	}
}

// handleConnectivity re-fetches the active conversation's head page after a
// reconnect. The gap between disconnect and reconnect may have dropped
// events; the authoritative head page closes it.
func (s *Session) handleConnectivity(connected bool) {
	if !connected {
		return
	}
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		_ = active.LoadInitial(ctx)
	}()
}

// OpenConversation makes ref the active conversation: the previous timeline
// is closed, the head page is loaded, notifications for ref are suppressed,
// and the unread counter is cleared.
func (s *Session) OpenConversation(ctx context.Context, ref ConversationRef) (*Timeline, error) {
	tl := NewTimeline(s.api, ref, s.selfID)
	if err := tl.LoadInitial(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	prev := s.active
	s.active = tl
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	s.router.SetActive(ref)
	_ = s.router.MarkRead(ctx, ref)

	if ref.Kind == KindDirect {
		go func() {
			ackCtx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
			defer cancel()
			_ = s.receipts.AckRead(ackCtx, ref)
		}()
	}
	return tl, nil
}

// CloseConversation closes the active timeline, if any, and lifts the
// notification suppression for it.
func (s *Session) CloseConversation() {
	s.mu.Lock()
	prev := s.active
	s.active = nil
	s.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	s.router.ClearActive()
}

// Disconnect tears down the event stream and unregisters the session's
// handlers. The REST client remains usable.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, u := range unsubs {
		u()
	}

	s.CloseConversation()
	return s.rt.Disconnect()
}
