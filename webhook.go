package chatsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookEvent is a chat event delivered over HTTP to a suite integration
// endpoint (bots, audit sinks, cross-module automations). It carries the same
// envelope the realtime stream pushes, wrapped with source and timestamp.
type WebhookEvent struct {
	Source    string          `json:"source"`
	Event     string          `json:"event"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Envelope converts the webhook event to the realtime envelope form, so the
// same Router and Timeline handlers can consume either path.
func (e *WebhookEvent) Envelope() Envelope {
	return Envelope{Event: e.Event, Payload: e.Payload}
}

// WebhookHandlerFunc is the callback signature for handling webhook events.
type WebhookHandlerFunc func(event *WebhookEvent) error

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a chat webhook signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := signature
	if strings.HasPrefix(sig, "sha256=") {
		sig = sig[7:]
	}
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookEvent parses a raw webhook body into a typed WebhookEvent.
func ParseWebhookEvent(body string) (*WebhookEvent, error) {
	var event WebhookEvent
	if err := json.Unmarshal([]byte(body), &event); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if event.Source != "vyapar360_chat" {
		return nil, fmt.Errorf("unknown webhook source: %s", event.Source)
	}
	if event.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook body")
	}
	if len(event.Payload) == 0 {
		return nil, fmt.Errorf("missing payload field in webhook body")
	}

	return &event, nil
}

// ============================================================================
// ChatWebhook
// ============================================================================

// ChatWebhook handles chat webhook verification, parsing, and dispatch.
type ChatWebhook struct {
	secret  string
	onEvent WebhookHandlerFunc
}

// NewChatWebhook creates a new webhook handler.
func NewChatWebhook(secret string, onEvent WebhookHandlerFunc) (*ChatWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &ChatWebhook{
		secret:  secret,
		onEvent: onEvent,
	}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *ChatWebhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Parse parses a raw body into a typed WebhookEvent.
func (w *ChatWebhook) Parse(body string) (*WebhookEvent, error) {
	return ParseWebhookEvent(body)
}

// Handle processes a webhook request (verify + parse + call handler).
// Returns the status code and response body for the caller to write.
func (w *ChatWebhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	event, err := w.Parse(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := w.onEvent(event); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := chatsync.NewChatWebhook("secret", handler)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *ChatWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		body := string(bodyBytes)
		signature := r.Header.Get("X-Vyapar-Signature")

		statusCode, data := w.Handle(body, signature)

		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *ChatWebhook) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}
