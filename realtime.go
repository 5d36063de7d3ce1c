package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime event-stream client.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler is the callback type for push events.
type EventHandler func(Envelope)

type handlerEntry struct {
	id int
	fn EventHandler
}

// dispatcher fans envelopes out to registered handlers. Each handler is
// invoked at most once per event, synchronously, in registration order, on
// the connection's read goroutine, so all handlers observe events in arrival
// order.
type dispatcher struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string][]handlerEntry
	onStatus []handlerStatusEntry
}

type handlerStatusEntry struct {
	id int
	fn func(connected bool)
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[string][]handlerEntry)}
}

func (d *dispatcher) on(event string, h EventHandler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[event] = append(d.handlers[event], handlerEntry{id: id, fn: h})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		entries := d.handlers[event]
		for i, e := range entries {
			if e.id == id {
				d.handlers[event] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (d *dispatcher) onConnectivity(h func(connected bool)) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.onStatus = append(d.onStatus, handlerStatusEntry{id: id, fn: h})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, e := range d.onStatus {
			if e.id == id {
				d.onStatus = append(d.onStatus[:i:i], d.onStatus[i+1:]...)
				return
			}
		}
	}
}

func (d *dispatcher) dispatch(env Envelope) {
	d.mu.Lock()
	entries := append([]handlerEntry(nil), d.handlers[env.Event]...)
	d.mu.Unlock()
	for _, e := range entries {
		e.fn(env)
	}
}

func (d *dispatcher) emitConnectivity(connected bool) {
	d.mu.Lock()
	entries := append([]handlerStatusEntry(nil), d.onStatus...)
	d.mu.Unlock()
	for _, e := range entries {
		e.fn(connected)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector tracks bounded retry with a fixed base delay plus exponential
// backoff. The attempt counter resets after a connection holds for a minute.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns the one authenticated bidirectional event-stream
// connection of a signed-in session. Consumers register handlers with On and
// observe connectivity through Connected / OnConnectivity; connection errors
// are reported as a connectivity change, never as a panic or handler error.
//
// The client does not re-sync on reconnect. A reconnect means "may have
// missed events": consumers holding conversation state must re-fetch the
// authoritative head page themselves (Session does this for the active
// timeline).
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig

	mu               sync.Mutex
	conn             *websocket.Conn
	connected        bool
	intentionalClose bool
	cancelFn         context.CancelFunc

	dispatcher *dispatcher
	recon      *reconnector
}

// NewRealtime creates a realtime client for the given backend base URL.
// Call Connect to establish the connection.
func NewRealtime(baseURL string, config *RealtimeConfig) *RealtimeClient {
	cfg := *config
	cfg.defaults()
	return &RealtimeClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     &cfg,
		dispatcher: newDispatcher(),
		recon:      newReconnector(&cfg),
	}
}

// On registers a handler for the named push event and returns its
// unsubscribe function.
func (rt *RealtimeClient) On(event string, h EventHandler) func() {
	return rt.dispatcher.on(event, h)
}

// OnConnectivity registers a handler invoked whenever the connectivity flag
// flips, and returns its unsubscribe function.
func (rt *RealtimeClient) OnConnectivity(h func(connected bool)) func() {
	return rt.dispatcher.onConnectivity(h)
}

// Connected reports the current connectivity flag.
func (rt *RealtimeClient) Connected() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.connected
}

// wsURL derives the websocket endpoint from the HTTP base URL.
func (rt *RealtimeClient) wsURL() string {
	u := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/api/chat/events?token=" + rt.config.Token
}

// Connect establishes the event-stream connection and waits for the server's
// authenticated handshake frame.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.conn != nil {
		rt.mu.Unlock()
		return nil
	}
	rt.intentionalClose = false
	rt.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, rt.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be the authenticated handshake.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read handshake: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("expected 'authenticated' handshake, got %q", env.Event)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	rt.conn = conn
	rt.connected = true
	rt.cancelFn = cancel
	rt.recon.markConnected()
	rt.mu.Unlock()

	go rt.readLoop(connCtx, conn)
	go rt.heartbeatLoop(connCtx, conn)

	rt.dispatcher.emitConnectivity(true)
	return nil
}

// Disconnect closes the connection and suppresses reconnection.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	wasConnected := rt.connected
	rt.connected = false
	rt.mu.Unlock()

	if wasConnected {
		rt.dispatcher.emitConnectivity(false)
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			if rt.conn == conn {
				rt.conn = nil
				rt.connected = false
			}
			rt.mu.Unlock()

			if intentional {
				return
			}
			rt.dispatcher.emitConnectivity(false)
			if rt.config.AutoReconnect && rt.reconShouldRetry() {
				go rt.scheduleReconnect()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Event == "" {
			continue
		}
		rt.dispatcher.dispatch(env)
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Dead connection; the read loop observes the close.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// reconNextDelay advances the retry counter under the client mutex; the
// reconnector itself is not goroutine safe and is shared between Connect, the
// read goroutine, and the reconnect goroutine.
func (rt *RealtimeClient) reconNextDelay() time.Duration {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.recon.nextDelay()
}

func (rt *RealtimeClient) reconShouldRetry() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.recon.shouldReconnect()
}

func (rt *RealtimeClient) scheduleReconnect() {
	delay := rt.reconNextDelay()
	time.Sleep(delay)

	rt.mu.Lock()
	if rt.intentionalClose {
		rt.mu.Unlock()
		return
	}
	rt.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := rt.Connect(ctx)
	cancel()
	if err != nil && rt.config.AutoReconnect && rt.reconShouldRetry() {
		rt.scheduleReconnect()
	}
}
